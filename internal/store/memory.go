package store

import (
	"context"
	"sort"
	"sync"

	"github.com/matheus3301/mtx/internal/event"
)

// MemoryOutbox is the reference in-memory Outbox implementation, used
// by tests and the loopback profile.
type MemoryOutbox struct {
	mu       sync.Mutex
	messages map[OutboxKey]OutboxMessage
	notifier notifier
}

// NewMemoryOutbox creates an empty in-memory outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{messages: make(map[OutboxKey]OutboxMessage)}
}

// Snapshot returns all messages ordered by (room, created_at).
func (o *MemoryOutbox) Snapshot() ([]OutboxMessage, error) {
	o.mu.Lock()
	msgs := make([]OutboxMessage, 0, len(o.messages))
	for _, m := range o.messages {
		msgs = append(msgs, m)
	}
	o.mu.Unlock()

	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].RoomID != msgs[j].RoomID {
			return msgs[i].RoomID < msgs[j].RoomID
		}
		return msgs[i].CreatedAt < msgs[j].CreatedAt
	})
	return msgs, nil
}

// Get returns one message by key.
func (o *MemoryOutbox) Get(roomID event.RoomID, txnID event.TransactionID) (OutboxMessage, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.messages[OutboxKey{RoomID: roomID, TxnID: txnID}]
	return m, ok, nil
}

// Put inserts or replaces a message.
func (o *MemoryOutbox) Put(m OutboxMessage) error {
	o.mu.Lock()
	o.messages[m.Key()] = m
	o.mu.Unlock()
	o.notifier.notify()
	return nil
}

// Update applies fn to the current record under the store lock. fn
// receiving nil means the record is absent (deleted); fn returning nil
// deletes it.
func (o *MemoryOutbox) Update(roomID event.RoomID, txnID event.TransactionID, fn func(*OutboxMessage) *OutboxMessage) error {
	k := OutboxKey{RoomID: roomID, TxnID: txnID}

	o.mu.Lock()
	var cur *OutboxMessage
	if m, ok := o.messages[k]; ok {
		cp := m
		cur = &cp
	}
	next := fn(cur)
	changed := false
	if next == nil {
		if cur != nil {
			delete(o.messages, k)
			changed = true
		}
	} else {
		o.messages[k] = *next
		changed = true
	}
	o.mu.Unlock()

	if changed {
		o.notifier.notify()
	}
	return nil
}

// Delete removes one message.
func (o *MemoryOutbox) Delete(roomID event.RoomID, txnID event.TransactionID) error {
	return o.Update(roomID, txnID, func(*OutboxMessage) *OutboxMessage { return nil })
}

// DeleteByRoom removes every message queued for the given room.
func (o *MemoryOutbox) DeleteByRoom(roomID event.RoomID) error {
	o.mu.Lock()
	removed := false
	for k := range o.messages {
		if k.RoomID == roomID {
			delete(o.messages, k)
			removed = true
		}
	}
	o.mu.Unlock()

	if removed {
		o.notifier.notify()
	}
	return nil
}

// Watch returns a coalesced change signal, closed-over by ctx.
func (o *MemoryOutbox) Watch(ctx context.Context) <-chan struct{} {
	return o.notifier.watch(ctx)
}
