package store

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/mtx/internal/event"
)

// StoredInboundGroupSession is the ratchet state the crypto driver
// needs to decrypt a Megolm message. FirstKnownIndex only ever
// decreases over the session's life: key backup can top a session up
// with an earlier ratchet index, never regress it to a later one.
type StoredInboundGroupSession struct {
	RoomID             event.RoomID
	SessionID          event.SessionID
	SenderKey          event.SenderKey
	FirstKnownIndex    uint32
	HasBeenBackedUp    bool
	IsTrusted          bool
	ForwardingKeyChain []event.SenderKey
	Pickle             string // opaque driver state
}

type sessionKey struct {
	roomID    event.RoomID
	sessionID event.SessionID
}

type sessionWaiter struct {
	indexLessThan *uint32
	ch            chan StoredInboundGroupSession
}

func (w *sessionWaiter) matches(s StoredInboundGroupSession) bool {
	return w.indexLessThan == nil || s.FirstKnownIndex < *w.indexLessThan
}

// waitReg tracks one live wait registration per key. The side effect
// runs once for the whole registration no matter how many waiters
// attach; the registration dies with its last waiter, so a later wait
// triggers the side effect again.
type waitReg struct {
	count int
	once  sync.Once
}

// InboundSessions holds inbound group sessions and implements the
// update-and-wait primitive used by the decrypt path.
type InboundSessions struct {
	mu          sync.Mutex
	sessions    map[sessionKey]StoredInboundGroupSession
	waiters     map[sessionKey][]*sessionWaiter
	pending     map[sessionKey]*waitReg
	waitTimeout time.Duration
}

// NewInboundSessions creates a session store whose UpdateAndWait
// deadline is waitTimeout.
func NewInboundSessions(waitTimeout time.Duration) *InboundSessions {
	return &InboundSessions{
		sessions:    make(map[sessionKey]StoredInboundGroupSession),
		waiters:     make(map[sessionKey][]*sessionWaiter),
		pending:     make(map[sessionKey]*waitReg),
		waitTimeout: waitTimeout,
	}
}

// Get returns the stored session, if any.
func (s *InboundSessions) Get(roomID event.RoomID, sessionID event.SessionID) (StoredInboundGroupSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey{roomID, sessionID}]
	return sess, ok
}

// Put stores a session and wakes matching waiters. A put whose
// FirstKnownIndex is higher than the stored one is ignored: it carries
// no message the stored session cannot already reach.
func (s *InboundSessions) Put(sess StoredInboundGroupSession) {
	k := sessionKey{sess.RoomID, sess.SessionID}

	s.mu.Lock()
	if cur, ok := s.sessions[k]; ok && sess.FirstKnownIndex > cur.FirstKnownIndex {
		s.mu.Unlock()
		return
	}
	s.sessions[k] = sess

	var woken []*sessionWaiter
	remaining := s.waiters[k][:0]
	for _, w := range s.waiters[k] {
		if w.matches(sess) {
			woken = append(woken, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	if len(remaining) == 0 {
		delete(s.waiters, k)
	} else {
		s.waiters[k] = remaining
	}
	s.mu.Unlock()

	for _, w := range woken {
		// Buffered; a waiter that already gave up keeps the slot free.
		select {
		case w.ch <- sess:
		default:
		}
	}
}

// UpdateAndWait registers interest in (roomID, sessionID), runs
// sideEffect once per live registration, and suspends until a session
// matching indexLessThan is stored, the ctx is cancelled, or the
// bounded timeout elapses. Timeout resolves to (nil, nil): absence is
// data, not an error.
func (s *InboundSessions) UpdateAndWait(ctx context.Context, roomID event.RoomID, sessionID event.SessionID, indexLessThan *uint32, sideEffect func()) (*StoredInboundGroupSession, error) {
	k := sessionKey{roomID, sessionID}
	w := &sessionWaiter{indexLessThan: indexLessThan, ch: make(chan StoredInboundGroupSession, 1)}

	s.mu.Lock()
	if cur, ok := s.sessions[k]; ok && w.matches(cur) {
		s.mu.Unlock()
		return &cur, nil
	}
	reg, ok := s.pending[k]
	if !ok {
		reg = &waitReg{}
		s.pending[k] = reg
	}
	reg.count++
	s.waiters[k] = append(s.waiters[k], w)
	s.mu.Unlock()

	reg.once.Do(func() { go sideEffect() })

	defer func() {
		s.mu.Lock()
		reg.count--
		if reg.count == 0 && s.pending[k] == reg {
			delete(s.pending, k)
		}
		ws := s.waiters[k]
		for i, other := range ws {
			if other == w {
				s.waiters[k] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		if len(s.waiters[k]) == 0 {
			delete(s.waiters, k)
		}
		s.mu.Unlock()
	}()

	timer := time.NewTimer(s.waitTimeout)
	defer timer.Stop()

	select {
	case sess := <-w.ch:
		return &sess, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
