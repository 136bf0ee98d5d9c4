package store

import (
	"context"
	"sync"

	"github.com/matheus3301/mtx/internal/event"
)

// Outbox is the reactive queue of unconfirmed outgoing messages.
//
// Update on a key is atomic with respect to other updates on the same
// key: fn receives the current record (nil if absent) and returns the
// new record (nil deletes). Watch delivers a coalesced change signal
// after every committed write; observers re-read via Snapshot.
type Outbox interface {
	Snapshot() ([]OutboxMessage, error)
	Get(roomID event.RoomID, txnID event.TransactionID) (OutboxMessage, bool, error)
	Put(m OutboxMessage) error
	Update(roomID event.RoomID, txnID event.TransactionID, fn func(*OutboxMessage) *OutboxMessage) error
	Delete(roomID event.RoomID, txnID event.TransactionID) error
	DeleteByRoom(roomID event.RoomID) error
	Watch(ctx context.Context) <-chan struct{}
}

// notifier fans a coalesced change signal out to watchers. Sends never
// block: a watcher that has not drained its pending signal keeps it.
type notifier struct {
	mu   sync.Mutex
	subs map[int]chan struct{}
	next int
}

func (n *notifier) watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	if n.subs == nil {
		n.subs = make(map[int]chan struct{})
	}
	id := n.next
	n.next++
	n.subs[id] = ch
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}()
	return ch
}

func (n *notifier) notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
