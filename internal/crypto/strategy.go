package crypto

import (
	"context"
	"errors"

	"github.com/matheus3301/mtx/internal/event"
	"github.com/matheus3301/mtx/internal/store"
)

// ErrNoSuitableStrategy means no strategy in the set claimed the
// content: the room uses an algorithm this client does not implement.
var ErrNoSuitableStrategy = errors.New("no suitable encryption strategy")

// Strategy is one pluggable per-content encryptor. The applicable
// return distinguishes "not my concern, try the next strategy" (false)
// from an applicable result or failure (true).
type Strategy interface {
	Encrypt(ctx context.Context, roomID event.RoomID, content event.MessageContent) (result event.MessageContent, applicable bool, err error)
	Decrypt(ctx context.Context, ev event.RoomEvent) (result event.MessageContent, applicable bool, err error)
}

// Strategies is an ordered strategy list: the first applicable result
// wins and a failure from an applicable strategy stops the iteration.
type Strategies []Strategy

// Encrypt runs the set over outgoing content.
func (s Strategies) Encrypt(ctx context.Context, roomID event.RoomID, content event.MessageContent) (event.MessageContent, error) {
	for _, strat := range s {
		result, applicable, err := strat.Encrypt(ctx, roomID, content)
		if !applicable {
			continue
		}
		return result, err
	}
	return nil, ErrNoSuitableStrategy
}

// Decrypt runs the set over an incoming event.
func (s Strategies) Decrypt(ctx context.Context, ev event.RoomEvent) (event.MessageContent, error) {
	for _, strat := range s {
		result, applicable, err := strat.Decrypt(ctx, ev)
		if !applicable {
			continue
		}
		return result, err
	}
	return nil, ErrNoSuitableStrategy
}

// Unencrypted passes content through untouched in rooms without an
// encryption state event.
type Unencrypted struct {
	rooms *store.Rooms
}

// NewUnencrypted creates the passthrough strategy.
func NewUnencrypted(rooms *store.Rooms) *Unencrypted {
	return &Unencrypted{rooms: rooms}
}

func (u *Unencrypted) Encrypt(_ context.Context, roomID event.RoomID, content event.MessageContent) (event.MessageContent, bool, error) {
	alg, known := u.rooms.EncryptionState(roomID)
	if !known || alg != event.AlgorithmNone {
		return nil, false, nil
	}
	return content, true, nil
}

func (u *Unencrypted) Decrypt(_ context.Context, ev event.RoomEvent) (event.MessageContent, bool, error) {
	if _, encrypted := ev.Encrypted(); encrypted {
		return nil, false, nil
	}
	return ev.Content, true, nil
}

// Megolm applies group-session encryption in rooms whose state event
// names the Megolm algorithm.
type Megolm struct {
	rooms   *store.Rooms
	service *MegolmService
}

// NewMegolm creates the group-session strategy.
func NewMegolm(rooms *store.Rooms, service *MegolmService) *Megolm {
	return &Megolm{rooms: rooms, service: service}
}

func (m *Megolm) Encrypt(ctx context.Context, roomID event.RoomID, content event.MessageContent) (event.MessageContent, bool, error) {
	alg, known := m.rooms.EncryptionState(roomID)
	if !known || alg != event.AlgorithmMegolm {
		return nil, false, nil
	}
	result, err := m.service.Encrypt(ctx, roomID, content)
	return result, true, err
}

func (m *Megolm) Decrypt(ctx context.Context, ev event.RoomEvent) (event.MessageContent, bool, error) {
	enc, encrypted := ev.Encrypted()
	if !encrypted || enc.Algorithm != event.AlgorithmMegolm {
		return nil, false, nil
	}
	// A ciphertext envelope alone is not enough: the room's state must
	// name the algorithm too, or the event is not this strategy's to
	// decrypt.
	alg, known := m.rooms.EncryptionState(ev.RoomID)
	if !known || alg != event.AlgorithmMegolm {
		return nil, false, nil
	}
	result, err := m.service.Decrypt(ctx, ev)
	return result, true, err
}
