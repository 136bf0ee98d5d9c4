package store

import "github.com/matheus3301/mtx/internal/event"

// SendErrorKind is the closed taxonomy of terminal send failures. A
// message carrying one of these stays visible in the outbox until the
// caller cancels it or clears the error to retry.
type SendErrorKind string

const (
	SendErrNoEventPermission     SendErrorKind = "no_event_permission"
	SendErrNoMediaPermission     SendErrorKind = "no_media_permission"
	SendErrMediaTooLarge         SendErrorKind = "media_too_large"
	SendErrBadRequest            SendErrorKind = "bad_request"
	SendErrAlgorithmNotSupported SendErrorKind = "encryption_algorithm_not_supported"
	SendErrEncryption            SendErrorKind = "encryption_error"
	SendErrUnknown               SendErrorKind = "unknown"
)

// SendError is the failure recorded on an outbox message.
type SendError struct {
	Kind   SendErrorKind
	Detail string
}

func (e SendError) String() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Detail
}

// OutboxKey identifies one outbox message.
type OutboxKey struct {
	RoomID event.RoomID
	TxnID  event.TransactionID
}

// OutboxMessage is one user-authored message that has not been
// confirmed by the server yet. TxnID doubles as the server-side
// idempotency token and is never reused for a different message
// within a room.
type OutboxMessage struct {
	RoomID           event.RoomID
	TxnID            event.TransactionID
	Content          event.MessageContent
	CreatedAt        int64 // unix millis, orders delivery within a room
	SentAt           *int64
	EventID          *event.EventID
	SendError        *SendError
	UploadedPct      int
	KeepMediaInCache bool
}

// Key returns the message's identity.
func (m OutboxMessage) Key() OutboxKey {
	return OutboxKey{RoomID: m.RoomID, TxnID: m.TxnID}
}

// Pending reports whether the message still needs a send attempt.
// At most one of SentAt and SendError is ever set.
func (m OutboxMessage) Pending() bool {
	return m.SentAt == nil && m.SendError == nil
}

// Message is one decrypted timeline message in the local log.
type Message struct {
	ID        int64
	RoomID    event.RoomID
	EventID   event.EventID
	Sender    string
	MsgType   string
	Body      string
	Timestamp int64
}
