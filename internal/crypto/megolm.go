package crypto

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/mtx/internal/event"
	"github.com/matheus3301/mtx/internal/store"
	"go.uber.org/zap"
)

// MegolmService wraps the driver with the session-availability
// protocol: encrypts outgoing content, decrypts incoming ciphertext,
// and on a missing session escalates to key backup or a device key
// request while suspending the decrypt until the session arrives or
// the store's wait deadline elapses.
type MegolmService struct {
	driver    Driver
	sessions  *store.InboundSessions
	backup    KeyBackup
	requester KeyRequester
	members   MemberLoader
	logger    *zap.Logger
}

// NewMegolmService creates the group session encryption service.
func NewMegolmService(driver Driver, sessions *store.InboundSessions, backup KeyBackup, requester KeyRequester, members MemberLoader, logger *zap.Logger) *MegolmService {
	return &MegolmService{
		driver:    driver,
		sessions:  sessions,
		backup:    backup,
		requester: requester,
		members:   members,
		logger:    logger,
	}
}

// Encrypt encrypts content for the room. Reactions pass through
// unencrypted: concealing them would break relation aggregation on the
// server.
func (s *MegolmService) Encrypt(ctx context.Context, roomID event.RoomID, content event.MessageContent) (event.MessageContent, error) {
	if _, ok := content.(event.ReactionContent); ok {
		return content, nil
	}
	if err := s.members.EnsureMembersLoaded(ctx, roomID); err != nil {
		return nil, fmt.Errorf("load members of %s: %w", roomID, err)
	}
	enc, err := s.driver.EncryptMegolm(ctx, roomID, content)
	if err != nil {
		return nil, fmt.Errorf("encrypt for %s: %w", roomID, err)
	}
	return enc, nil
}

// Decrypt decrypts one ciphertext event. A missing session suspends on
// the session store; an index-too-low failure retries exactly once
// against a session covering an earlier index. A second index-too-low
// failure is final — retrying further would loop forever against a
// permanently insufficient session.
func (s *MegolmService) Decrypt(ctx context.Context, ev event.RoomEvent) (event.MessageContent, error) {
	enc, ok := ev.Encrypted()
	if !ok {
		return nil, fmt.Errorf("event %s is not encrypted", ev.EventID)
	}

	sess, found := s.sessions.Get(ev.RoomID, enc.SessionID)
	if !found {
		waited, err := s.waitForSession(ctx, ev.RoomID, enc.SessionID, nil)
		if err != nil {
			return nil, err
		}
		if waited == nil {
			return nil, fmt.Errorf("decrypt %s in %s: %w", ev.EventID, ev.RoomID, ErrUnknownSession)
		}
		sess = *waited
	}

	plain, err := s.driver.DecryptMegolm(ctx, &sess, enc)
	var idxErr *IndexTooLowError
	if !errors.As(err, &idxErr) {
		return plain, err
	}

	// The stored session started later in the ratchet than this
	// message. Wait for a better one (earlier first known index), then
	// retry once.
	limit := sess.FirstKnownIndex
	better, werr := s.waitForSession(ctx, ev.RoomID, enc.SessionID, &limit)
	if werr != nil {
		return nil, werr
	}
	if better == nil {
		return nil, err
	}
	plain, err = s.driver.DecryptMegolm(ctx, better, enc)
	if err != nil {
		s.logger.Warn("decrypt retry failed",
			zap.String("room_id", string(ev.RoomID)),
			zap.String("session_id", string(enc.SessionID)),
			zap.Error(err))
	}
	return plain, err
}

// waitForSession suspends on the session store. The escalation side
// effect runs once per live wait registration: key backup when a
// backup version exists, else a key request to the user's devices.
func (s *MegolmService) waitForSession(ctx context.Context, roomID event.RoomID, sessionID event.SessionID, indexLessThan *uint32) (*store.StoredInboundGroupSession, error) {
	// The escalation serves every waiter on the registration, not just
	// this caller, so it must not die with this caller's ctx.
	escCtx := context.WithoutCancel(ctx)
	return s.sessions.UpdateAndWait(ctx, roomID, sessionID, indexLessThan, func() {
		if _, ok := s.backup.CurrentVersion(); ok {
			if err := s.backup.LoadSession(escCtx, roomID, sessionID); err != nil {
				s.logger.Warn("key backup load failed",
					zap.String("room_id", string(roomID)),
					zap.String("session_id", string(sessionID)),
					zap.Error(err))
			}
			return
		}
		if err := s.requester.RequestSessionFromDevices(escCtx, roomID, sessionID); err != nil {
			s.logger.Warn("key request failed",
				zap.String("room_id", string(roomID)),
				zap.String("session_id", string(sessionID)),
				zap.Error(err))
		}
	})
}
