package event

import "github.com/google/uuid"

// RoomID identifies a room on the federation.
type RoomID string

// EventID identifies a single event within a room, assigned by the server.
type EventID string

// TransactionID is the caller-chosen idempotency key for an outgoing
// message. It is unique per room and stable across retries, so a resend
// after a network blip is deduplicated server-side.
type TransactionID string

// SessionID identifies a Megolm group session.
type SessionID string

// SenderKey is the Curve25519 identity key of the sending device.
type SenderKey string

// NewTransactionID returns a fresh transaction id.
func NewTransactionID() TransactionID {
	return TransactionID("txn-" + uuid.NewString())
}

// Algorithm names a room encryption algorithm.
type Algorithm string

const (
	// AlgorithmNone means the room has no encryption state event.
	AlgorithmNone Algorithm = ""
	// AlgorithmMegolm is the group-session algorithm.
	AlgorithmMegolm Algorithm = "m.megolm.v1.aes-sha2"
)

// Known reports whether the algorithm is one this client implements.
func (a Algorithm) Known() bool {
	return a == AlgorithmNone || a == AlgorithmMegolm
}

// MessageContent is the polymorphic payload of a room message.
type MessageContent interface {
	MsgType() string
}

// TextContent is a plain text message.
type TextContent struct {
	Body string `json:"body"`
}

func (TextContent) MsgType() string { return "m.text" }

// ImageContent is an image message. LocalPath points at a file that has
// not been uploaded yet; URL is set once the media repository accepted it.
type ImageContent struct {
	Body      string `json:"body"`
	LocalPath string `json:"local_path,omitempty"`
	URL       string `json:"url,omitempty"`
	Mime      string `json:"mimetype,omitempty"`
	SizeBytes int64  `json:"size,omitempty"`
}

func (ImageContent) MsgType() string { return "m.image" }

// HasLocalMedia reports whether the image still needs an upload.
func (c ImageContent) HasLocalMedia() bool { return c.URL == "" && c.LocalPath != "" }

// ReactionContent annotates another event. Reactions are sent
// unencrypted even in encrypted rooms so that relation aggregation on
// the server keeps working.
type ReactionContent struct {
	RelatesTo EventID `json:"relates_to"`
	Key       string  `json:"key"`
}

func (ReactionContent) MsgType() string { return "m.reaction" }

// EncryptedContent is the Megolm ciphertext envelope.
type EncryptedContent struct {
	Algorithm  Algorithm `json:"algorithm"`
	SenderKey  SenderKey `json:"sender_key"`
	SessionID  SessionID `json:"session_id"`
	DeviceID   string    `json:"device_id,omitempty"`
	Ciphertext string    `json:"ciphertext"`
}

func (EncryptedContent) MsgType() string { return "m.room.encrypted" }

// RoomEvent is one incoming timeline event.
type RoomEvent struct {
	RoomID   RoomID
	EventID  EventID
	Sender   string
	OriginTS int64
	Content  MessageContent
}

// Encrypted returns the ciphertext envelope if the event carries one.
func (e RoomEvent) Encrypted() (EncryptedContent, bool) {
	enc, ok := e.Content.(EncryptedContent)
	return enc, ok
}
