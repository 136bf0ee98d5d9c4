package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("outbox.", 10)
	defer unsub()

	b.Publish(Now("outbox.sent", map[string]string{"txn_id": "txn-1"}))

	select {
	case evt := <-ch:
		if evt.Kind != "outbox.sent" {
			t.Errorf("got kind %q, want outbox.sent", evt.Kind)
		}
		if evt.Timestamp.IsZero() {
			t.Error("Now() must stamp the event")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	b.Publish(Now("outbox.sent", nil))
	b.Publish(Now("sync.status_changed", nil))

	select {
	case evt := <-ch:
		if evt.Kind != "sync.status_changed" {
			t.Errorf("got kind %q, want sync.status_changed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("outbox event leaked through the sync filter: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("fed.", 10)
	unsub()

	b.Publish(Now("fed.event", nil))

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 1)
	defer unsub()

	b.Publish(Now("message.upserted", "first"))
	// Buffer is full now; this one is dropped instead of blocking.
	b.Publish(Now("message.upserted", "second"))

	evt := <-ch
	if evt.Payload != "first" {
		t.Errorf("got %v, want first", evt.Payload)
	}
	select {
	case evt := <-ch:
		t.Errorf("overflow event was delivered: %v", evt)
	default:
	}
}
