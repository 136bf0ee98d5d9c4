package federation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/mtx/internal/bus"
	"github.com/matheus3301/mtx/internal/event"
)

// Loopback is an in-process stand-in for the homeserver transport,
// used by the loopback daemon profile and integration-style tests. It
// accepts every event, assigns event ids locally, and republishes the
// accepted event on the bus as if it had arrived via sync.
type Loopback struct {
	bus  *bus.Bus
	next atomic.Int64

	mu       sync.Mutex
	sendErr  error
	accepted []event.RoomEvent
}

// NewLoopback creates a loopback transport publishing accepted events
// on b (kind "fed.event").
func NewLoopback(b *bus.Bus) *Loopback {
	return &Loopback{bus: b}
}

// FailSendsWith makes subsequent sends fail with err. Pass nil to
// restore normal behavior.
func (l *Loopback) FailSendsWith(err error) {
	l.mu.Lock()
	l.sendErr = err
	l.mu.Unlock()
}

// Accepted returns a copy of every event accepted so far.
func (l *Loopback) Accepted() []event.RoomEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]event.RoomEvent, len(l.accepted))
	copy(out, l.accepted)
	return out
}

// SendMessageEvent implements EventSender.
func (l *Loopback) SendMessageEvent(_ context.Context, roomID event.RoomID, content event.MessageContent, _ event.TransactionID) (event.EventID, error) {
	l.mu.Lock()
	if l.sendErr != nil {
		err := l.sendErr
		l.mu.Unlock()
		return "", err
	}
	ev := event.RoomEvent{
		RoomID:   roomID,
		EventID:  event.EventID(fmt.Sprintf("$loopback-%d", l.next.Add(1))),
		Sender:   "@local:loopback",
		OriginTS: time.Now().UnixMilli(),
		Content:  content,
	}
	l.accepted = append(l.accepted, ev)
	l.mu.Unlock()

	if l.bus != nil {
		l.bus.Publish(bus.Now("fed.event", ev))
	}
	return ev.EventID, nil
}

// CanSendMessage implements Permissions: the loopback allows everything.
func (l *Loopback) CanSendMessage(event.RoomID, event.MessageContent) bool { return true }

// SetFullyRead implements ReadMarkers.
func (l *Loopback) SetFullyRead(context.Context, event.RoomID, event.EventID) error { return nil }

// ResetUnread implements ReadMarkers.
func (l *Loopback) ResetUnread(context.Context, event.RoomID) error { return nil }
