package outbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/mtx/internal/bus"
	"github.com/matheus3301/mtx/internal/config"
	"github.com/matheus3301/mtx/internal/crypto"
	"github.com/matheus3301/mtx/internal/event"
	"github.com/matheus3301/mtx/internal/federation"
	"github.com/matheus3301/mtx/internal/status"
	"github.com/matheus3301/mtx/internal/store"
	"go.uber.org/zap"
)

type apiCall struct {
	room event.RoomID
	txn  event.TransactionID
}

type fakeAPI struct {
	mu    sync.Mutex
	calls []apiCall
	queue []error // consumed one per call, nil means success
	delay time.Duration
}

func (a *fakeAPI) SendMessageEvent(ctx context.Context, roomID event.RoomID, content event.MessageContent, txnID event.TransactionID) (event.EventID, error) {
	a.mu.Lock()
	a.calls = append(a.calls, apiCall{room: roomID, txn: txnID})
	n := len(a.calls)
	var err error
	if len(a.queue) > 0 {
		err = a.queue[0]
		a.queue = a.queue[1:]
	}
	delay := a.delay
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return event.EventID(fmt.Sprintf("$evt-%d", n)), nil
}

func (a *fakeAPI) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *fakeAPI) callsCopy() []apiCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]apiCall(nil), a.calls...)
}

type fakePerms struct {
	mu   sync.Mutex
	deny map[event.RoomID]bool
}

func (p *fakePerms) CanSendMessage(roomID event.RoomID, content event.MessageContent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.deny[roomID]
}

type fakeMarkers struct {
	mu        sync.Mutex
	fullyRead int
	resets    int
}

func (m *fakeMarkers) SetFullyRead(ctx context.Context, roomID event.RoomID, eventID event.EventID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fullyRead++
	return nil
}

func (m *fakeMarkers) ResetUnread(ctx context.Context, roomID event.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	return nil
}

type pipeline struct {
	outbox  *store.MemoryOutbox
	rooms   *store.Rooms
	api     *fakeAPI
	perms   *fakePerms
	markers *fakeMarkers
	machine *status.Machine
	bus     *bus.Bus
	sender  *Sender
}

func newTestPipeline(t *testing.T) *pipeline {
	t.Helper()

	p := &pipeline{
		outbox:  store.NewMemoryOutbox(),
		rooms:   store.NewRooms(),
		api:     &fakeAPI{},
		perms:   &fakePerms{deny: make(map[event.RoomID]bool)},
		markers: &fakeMarkers{},
		bus:     bus.New(),
	}
	p.machine = status.NewMachine(p.bus)

	cfg := config.Default()
	cfg.Timeouts.RoomWaitSec = 1
	cfg.Timeouts.RetryBaseSec = 1
	cfg.Timeouts.RetryMaxSec = 2

	strategies := crypto.Strategies{crypto.NewUnencrypted(p.rooms)}
	p.sender = NewSender(p.outbox, p.rooms, strategies, nil, p.api, p.perms, p.markers, p.machine, p.bus, cfg, zap.NewNop())
	return p
}

func (p *pipeline) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	p.sender.Start(ctx)
	t.Cleanup(p.sender.Stop)
}

func (p *pipeline) addRoom(id event.RoomID) {
	p.rooms.Put(store.Room{ID: id, Name: "room"})
}

func (p *pipeline) enqueue(t *testing.T, roomID event.RoomID, body string) event.TransactionID {
	t.Helper()
	txn, err := Enqueue(p.outbox, roomID, event.TextContent{Body: body}, false)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return txn
}

func waitForEvent(t *testing.T, ch <-chan bus.Event, kind string, timeout time.Duration) bus.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSenderDeliversPendingMessage(t *testing.T) {
	p := newTestPipeline(t)
	p.addRoom("!general")
	events, unsub := p.bus.Subscribe("outbox.", 16)
	defer unsub()

	txn := p.enqueue(t, "!general", "hello")
	if err := p.machine.Transition(status.Syncing); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	p.start(t)

	waitForEvent(t, events, "outbox.sent", 3*time.Second)

	m, ok, err := p.outbox.Get("!general", txn)
	if err != nil || !ok {
		t.Fatalf("Get() = ok %v, err %v", ok, err)
	}
	if m.SentAt == nil {
		t.Error("expected sentAt to be set after delivery")
	}
	if m.EventID == nil || *m.EventID != "$evt-1" {
		t.Errorf("expected eventID $evt-1, got %v", m.EventID)
	}
	if m.SendError != nil {
		t.Errorf("unexpected send error: %v", m.SendError)
	}
	if got := p.api.callCount(); got != 1 {
		t.Errorf("expected 1 api call, got %d", got)
	}

	waitUntil(t, time.Second, func() bool {
		p.markers.mu.Lock()
		defer p.markers.mu.Unlock()
		return p.markers.fullyRead == 1 && p.markers.resets == 1
	})
}

func TestSenderPreservesOrderWithinRoom(t *testing.T) {
	p := newTestPipeline(t)
	p.addRoom("!ordered")
	p.api.delay = 30 * time.Millisecond
	events, unsub := p.bus.Subscribe("outbox.", 16)
	defer unsub()

	var txns []event.TransactionID
	base := time.Now().UnixMilli()
	for i := 0; i < 4; i++ {
		txn := event.TransactionID(fmt.Sprintf("txn-order-%d", i))
		txns = append(txns, txn)
		err := p.outbox.Put(store.OutboxMessage{
			RoomID:    "!ordered",
			TxnID:     txn,
			Content:   event.TextContent{Body: fmt.Sprintf("msg %d", i)},
			CreatedAt: base + int64(i),
		})
		if err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	if err := p.machine.Transition(status.Syncing); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	p.start(t)

	for i := 0; i < 4; i++ {
		waitForEvent(t, events, "outbox.sent", 3*time.Second)
	}

	calls := p.api.callsCopy()
	if len(calls) != 4 {
		t.Fatalf("expected 4 api calls, got %d", len(calls))
	}
	for i, c := range calls {
		if c.txn != txns[i] {
			t.Errorf("call %d: expected txn %s, got %s", i, txns[i], c.txn)
		}
	}
}

func TestSenderKeepsTransactionIDAcrossRetries(t *testing.T) {
	p := newTestPipeline(t)
	p.addRoom("!retry")
	p.api.queue = []error{federation.NewError(429, "slow down")}
	events, unsub := p.bus.Subscribe("outbox.", 16)
	defer unsub()

	txn := p.enqueue(t, "!retry", "eventually")
	if err := p.machine.Transition(status.Syncing); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	p.start(t)

	waitForEvent(t, events, "outbox.sent", 5*time.Second)

	calls := p.api.callsCopy()
	if len(calls) != 2 {
		t.Fatalf("expected 2 api calls (rate limited then retried), got %d", len(calls))
	}
	if calls[0].txn != txn || calls[1].txn != txn {
		t.Errorf("transaction id changed across retries: %s vs %s", calls[0].txn, calls[1].txn)
	}
}

func TestSenderRecordsPermissionDenied(t *testing.T) {
	p := newTestPipeline(t)
	p.addRoom("!locked")
	p.perms.deny["!locked"] = true
	events, unsub := p.bus.Subscribe("outbox.", 16)
	defer unsub()

	txn := p.enqueue(t, "!locked", "nope")
	if err := p.machine.Transition(status.Syncing); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	p.start(t)

	waitForEvent(t, events, "outbox.send_failed", 3*time.Second)

	m, ok, err := p.outbox.Get("!locked", txn)
	if err != nil || !ok {
		t.Fatalf("Get() = ok %v, err %v", ok, err)
	}
	if m.SentAt != nil {
		t.Error("failed message must not carry sentAt")
	}
	if m.SendError == nil || m.SendError.Kind != store.SendErrNoEventPermission {
		t.Errorf("expected no_event_permission, got %v", m.SendError)
	}
	if got := p.api.callCount(); got != 0 {
		t.Errorf("permission check must run before the api, got %d calls", got)
	}
}

func TestSenderMapsForbiddenToPermissionError(t *testing.T) {
	p := newTestPipeline(t)
	p.addRoom("!forbidden")
	p.api.queue = []error{federation.NewError(403, "not allowed")}
	events, unsub := p.bus.Subscribe("outbox.", 16)
	defer unsub()

	txn := p.enqueue(t, "!forbidden", "rejected")
	if err := p.machine.Transition(status.Syncing); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	p.start(t)

	waitForEvent(t, events, "outbox.send_failed", 3*time.Second)

	m, _, err := p.outbox.Get("!forbidden", txn)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if m.SentAt != nil {
		t.Error("failed message must not carry sentAt")
	}
	if m.SendError == nil || m.SendError.Kind != store.SendErrNoEventPermission {
		t.Errorf("expected no_event_permission, got %v", m.SendError)
	}

	// The record is no longer pending, so nothing retries it.
	time.Sleep(200 * time.Millisecond)
	if got := p.api.callCount(); got != 1 {
		t.Errorf("failed message was retried, %d api calls", got)
	}
}

func TestSenderDropsRoomThatNeverMaterializes(t *testing.T) {
	p := newTestPipeline(t)
	events, unsub := p.bus.Subscribe("outbox.", 16)
	defer unsub()

	p.enqueue(t, "!ghost", "into the void")
	p.enqueue(t, "!ghost", "still nothing")
	if err := p.machine.Transition(status.Syncing); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	p.start(t)

	waitForEvent(t, events, "outbox.room_dropped", 3*time.Second)

	waitUntil(t, time.Second, func() bool {
		snap, err := p.outbox.Snapshot()
		return err == nil && len(snap) == 0
	})
	if got := p.api.callCount(); got != 0 {
		t.Errorf("expected no api calls for a room that never appeared, got %d", got)
	}
}

func TestSenderDeletionCancelsInflightSend(t *testing.T) {
	p := newTestPipeline(t)
	p.addRoom("!race")
	p.api.delay = 400 * time.Millisecond
	events, unsub := p.bus.Subscribe("outbox.", 16)
	defer unsub()

	txn := p.enqueue(t, "!race", "changed my mind")
	if err := p.machine.Transition(status.Syncing); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	p.start(t)

	waitUntil(t, time.Second, func() bool { return p.api.callCount() == 1 })
	if err := p.outbox.Delete("!race", txn); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	// The attempt must notice the deletion and finish without a result:
	// no sent event, no resurrected record.
	deadline := time.After(time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Kind == "outbox.sent" {
				t.Fatal("deleted message was reported as sent")
			}
		case <-deadline:
			if _, ok, _ := p.outbox.Get("!race", txn); ok {
				t.Fatal("deleted record reappeared after the send attempt")
			}
			return
		}
	}
}

func TestSenderWaitsForSyncing(t *testing.T) {
	p := newTestPipeline(t)
	p.addRoom("!patience")
	events, unsub := p.bus.Subscribe("outbox.", 16)
	defer unsub()

	p.enqueue(t, "!patience", "hold on")
	p.start(t)

	time.Sleep(200 * time.Millisecond)
	if got := p.api.callCount(); got != 0 {
		t.Fatalf("sender dispatched while not syncing, %d api calls", got)
	}

	if err := p.machine.Transition(status.Syncing); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	waitForEvent(t, events, "outbox.sent", 3*time.Second)
}

func TestCollectorSweepsOldSentMessages(t *testing.T) {
	o := store.NewMemoryOutbox()
	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	fresh := time.Now().UnixMilli()
	evt := event.EventID("$old")

	records := []store.OutboxMessage{
		{RoomID: "!gc", TxnID: "txn-old", Content: event.TextContent{Body: "old"}, CreatedAt: old, SentAt: &old, EventID: &evt},
		{RoomID: "!gc", TxnID: "txn-fresh", Content: event.TextContent{Body: "fresh"}, CreatedAt: fresh, SentAt: &fresh},
		{RoomID: "!gc", TxnID: "txn-pending", Content: event.TextContent{Body: "pending"}, CreatedAt: old},
	}
	for _, m := range records {
		if err := o.Put(m); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	c := NewCollector(o, time.Hour, time.Hour, zap.NewNop())
	c.Sweep()

	if _, ok, _ := o.Get("!gc", "txn-old"); ok {
		t.Error("old sent record should have been swept")
	}
	if _, ok, _ := o.Get("!gc", "txn-fresh"); !ok {
		t.Error("recently sent record must survive the sweep")
	}
	if _, ok, _ := o.Get("!gc", "txn-pending"); !ok {
		t.Error("pending record must never be swept")
	}
}

type fakeUploader struct {
	err error
}

func (u *fakeUploader) CanUpload(content event.MessageContent) bool {
	img, ok := content.(event.ImageContent)
	return ok && img.HasLocalMedia()
}

func (u *fakeUploader) Upload(ctx context.Context, content event.MessageContent, progress func(pct int)) (event.MessageContent, error) {
	if u.err != nil {
		return nil, u.err
	}
	progress(100)
	img := content.(event.ImageContent)
	img.URL = "mxc://local/uploaded"
	img.LocalPath = ""
	return img, nil
}

func TestSenderMapsUploadFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   store.SendErrorKind
	}{
		{"forbidden", 403, store.SendErrNoMediaPermission},
		{"too large", 413, store.SendErrMediaTooLarge},
		{"bad request", 400, store.SendErrBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestPipeline(t)
			p.addRoom("!media")

			cfg := config.Default()
			cfg.Timeouts.RoomWaitSec = 1
			uploaders := federation.UploaderSet{&fakeUploader{err: federation.NewError(tc.status, tc.name)}}
			strategies := crypto.Strategies{crypto.NewUnencrypted(p.rooms)}
			p.sender = NewSender(p.outbox, p.rooms, strategies, uploaders, p.api, p.perms, p.markers, p.machine, p.bus, cfg, zap.NewNop())

			events, unsub := p.bus.Subscribe("outbox.", 16)
			defer unsub()

			txn, err := Enqueue(p.outbox, "!media", event.ImageContent{Body: "pic", LocalPath: "/tmp/pic.png"}, false)
			if err != nil {
				t.Fatalf("Enqueue() error = %v", err)
			}
			if err := p.machine.Transition(status.Syncing); err != nil {
				t.Fatalf("Transition() error = %v", err)
			}
			p.start(t)

			waitForEvent(t, events, "outbox.send_failed", 3*time.Second)

			m, _, err := p.outbox.Get("!media", txn)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if m.SendError == nil || m.SendError.Kind != tc.want {
				t.Errorf("expected %s, got %v", tc.want, m.SendError)
			}
			if got := p.api.callCount(); got != 0 {
				t.Errorf("failed upload must not reach the send api, got %d calls", got)
			}
		})
	}
}

func TestSenderUploadsMediaBeforeSend(t *testing.T) {
	p := newTestPipeline(t)
	p.addRoom("!media")

	cfg := config.Default()
	cfg.Timeouts.RoomWaitSec = 1
	uploaders := federation.UploaderSet{&fakeUploader{}}
	strategies := crypto.Strategies{crypto.NewUnencrypted(p.rooms)}
	p.sender = NewSender(p.outbox, p.rooms, strategies, uploaders, p.api, p.perms, p.markers, p.machine, p.bus, cfg, zap.NewNop())

	events, unsub := p.bus.Subscribe("outbox.", 16)
	defer unsub()

	txn, err := Enqueue(p.outbox, "!media", event.ImageContent{Body: "pic", LocalPath: "/tmp/pic.png"}, false)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := p.machine.Transition(status.Syncing); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	p.start(t)

	waitForEvent(t, events, "outbox.sent", 3*time.Second)

	m, _, err := p.outbox.Get("!media", txn)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if m.SentAt == nil {
		t.Fatal("uploaded message was not sent")
	}
	if m.UploadedPct != 100 {
		t.Errorf("upload progress not recorded, got %d", m.UploadedPct)
	}
}
