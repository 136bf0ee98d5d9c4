package crypto

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/matheus3301/mtx/internal/event"
	"github.com/matheus3301/mtx/internal/store"
)

// LocalDriver is the driver used by the loopback profile. It encodes
// instead of encrypting — base64 over the content JSON — so the full
// pipeline, session bookkeeping included, can run without a real
// ratchet implementation. Not encryption; never wire it to a real
// homeserver.
type LocalDriver struct {
	sessions  *store.InboundSessions
	senderKey event.SenderKey
}

// NewLocalDriver creates a loopback driver that registers its own
// sessions in the given store.
func NewLocalDriver(sessions *store.InboundSessions) *LocalDriver {
	return &LocalDriver{sessions: sessions, senderKey: "loopback-curve25519"}
}

func localSessionID(roomID event.RoomID) event.SessionID {
	return event.SessionID("local-" + string(roomID))
}

// EncryptMegolm implements Driver. The inbound copy of the room's
// outbound session is stored on first use, mirroring how a real client
// keeps its own sessions decryptable.
func (d *LocalDriver) EncryptMegolm(_ context.Context, roomID event.RoomID, content event.MessageContent) (event.EncryptedContent, error) {
	plain, err := event.MarshalContent(content)
	if err != nil {
		return event.EncryptedContent{}, err
	}
	sid := localSessionID(roomID)
	if _, ok := d.sessions.Get(roomID, sid); !ok {
		d.sessions.Put(store.StoredInboundGroupSession{
			RoomID:    roomID,
			SessionID: sid,
			SenderKey: d.senderKey,
			IsTrusted: true,
		})
	}
	return event.EncryptedContent{
		Algorithm:  event.AlgorithmMegolm,
		SenderKey:  d.senderKey,
		SessionID:  sid,
		DeviceID:   "LOOPBACK",
		Ciphertext: base64.StdEncoding.EncodeToString(plain),
	}, nil
}

// DecryptMegolm implements Driver.
func (d *LocalDriver) DecryptMegolm(_ context.Context, session *store.StoredInboundGroupSession, enc event.EncryptedContent) (event.MessageContent, error) {
	if session == nil {
		return nil, ErrUnknownSession
	}
	plain, err := base64.StdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	var probe json.RawMessage
	if err := json.Unmarshal(plain, &probe); err != nil {
		return nil, fmt.Errorf("malformed plaintext: %w", err)
	}
	return event.UnmarshalContent(plain)
}

// LocalCollaborators implements the backup, key-request and
// member-loading contracts for the loopback profile. The driver above
// registers sessions synchronously, so there is never a missing key to
// fetch: backup reports no version and key requests are accepted and
// ignored.
type LocalCollaborators struct {
	rooms *store.Rooms
}

// NewLocalCollaborators creates the loopback crypto collaborators.
func NewLocalCollaborators(rooms *store.Rooms) *LocalCollaborators {
	return &LocalCollaborators{rooms: rooms}
}

// CurrentVersion implements KeyBackup.
func (c *LocalCollaborators) CurrentVersion() (string, bool) { return "", false }

// LoadSession implements KeyBackup.
func (c *LocalCollaborators) LoadSession(context.Context, event.RoomID, event.SessionID) error {
	return nil
}

// RequestSessionFromDevices implements KeyRequester.
func (c *LocalCollaborators) RequestSessionFromDevices(context.Context, event.RoomID, event.SessionID) error {
	return nil
}

// EnsureMembersLoaded implements MemberLoader.
func (c *LocalCollaborators) EnsureMembersLoaded(_ context.Context, roomID event.RoomID) error {
	c.rooms.SetMembersLoaded(roomID)
	return nil
}
