// Package crypto orchestrates group-session encryption around an
// opaque Olm/Megolm driver. The ratchet math itself lives behind the
// Driver interface and is out of scope here.
package crypto

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/mtx/internal/event"
	"github.com/matheus3301/mtx/internal/store"
)

// ErrUnknownSession is returned by a decrypt attempt for which no
// inbound group session is available.
var ErrUnknownSession = errors.New("unknown inbound group session")

// IndexTooLowError means the message was encrypted at a ratchet index
// the stored session cannot reach: the session was exported later in
// the ratchet than the message. Key backup may hold an earlier export.
type IndexTooLowError struct {
	MessageIndex    uint32
	FirstKnownIndex uint32
}

func (e *IndexTooLowError) Error() string {
	return fmt.Sprintf("message index %d below first known index %d", e.MessageIndex, e.FirstKnownIndex)
}

// Driver is the opaque Megolm driver. It owns outbound session
// rotation policy and the ratchet state pickling.
type Driver interface {
	// EncryptMegolm encrypts content against the room's current
	// outbound group session, rotating per its own policy.
	EncryptMegolm(ctx context.Context, roomID event.RoomID, content event.MessageContent) (event.EncryptedContent, error)
	// DecryptMegolm decrypts one ciphertext event with the given
	// stored session. Returns ErrUnknownSession or *IndexTooLowError
	// when the session cannot serve the message.
	DecryptMegolm(ctx context.Context, session *store.StoredInboundGroupSession, enc event.EncryptedContent) (event.MessageContent, error)
}

// KeyBackup is the server-side key backup collaborator.
type KeyBackup interface {
	// CurrentVersion returns the active backup version, if one exists.
	CurrentVersion() (string, bool)
	// LoadSession fetches one session from backup into the session store.
	LoadSession(ctx context.Context, roomID event.RoomID, sessionID event.SessionID) error
}

// KeyRequester asks the user's other devices for a missing session.
type KeyRequester interface {
	RequestSessionFromDevices(ctx context.Context, roomID event.RoomID, sessionID event.SessionID) error
}

// MemberLoader ensures a room's member list is loaded before
// encrypting (the outbound session must cover every member device).
type MemberLoader interface {
	EnsureMembersLoaded(ctx context.Context, roomID event.RoomID) error
}
