package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/mtx/internal/bus"
	"github.com/matheus3301/mtx/internal/config"
	"github.com/matheus3301/mtx/internal/crypto"
	"github.com/matheus3301/mtx/internal/event"
	"github.com/matheus3301/mtx/internal/federation"
	"github.com/matheus3301/mtx/internal/status"
	"github.com/matheus3301/mtx/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sender drains the outbox continuously and delivers pending messages.
//
// Rooms proceed fully in parallel; within a room, messages go out in
// composition order. The outer loop is gated on the connectivity state
// machine and restarts with backoff when the server rate-limits, so a
// 429 pauses the whole pipeline instead of burning one message.
type Sender struct {
	outbox     store.Outbox
	rooms      *store.Rooms
	strategies crypto.Strategies
	uploaders  federation.UploaderSet
	api        federation.EventSender
	perms      federation.Permissions
	markers    federation.ReadMarkers
	machine    *status.Machine
	bus        *bus.Bus
	logger     *zap.Logger
	timeouts   config.TimeoutConfig
	send       config.SendConfig
	cancel     context.CancelFunc

	mu       sync.Mutex
	inflight map[store.OutboxKey]struct{}
	roomBusy map[event.RoomID]bool

	backoff atomic.Int64 // current rate-limit backoff, nanoseconds
	kick    chan struct{}
	limited chan error
}

// NewSender creates the delivery pipeline.
func NewSender(outbox store.Outbox, rooms *store.Rooms, strategies crypto.Strategies, uploaders federation.UploaderSet, api federation.EventSender, perms federation.Permissions, markers federation.ReadMarkers, machine *status.Machine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *Sender {
	s := &Sender{
		outbox:     outbox,
		rooms:      rooms,
		strategies: strategies,
		uploaders:  uploaders,
		api:        api,
		perms:      perms,
		markers:    markers,
		machine:    machine,
		bus:        b,
		logger:     logger,
		timeouts:   cfg.Timeouts,
		send:       cfg.Send,
		inflight:   make(map[store.OutboxKey]struct{}),
		roomBusy:   make(map[event.RoomID]bool),
		kick:       make(chan struct{}, 1),
		limited:    make(chan error, 1),
	}
	s.backoff.Store(int64(cfg.Timeouts.RetryBase()))
	return s
}

// Enqueue creates a pending outbox record for content. The returned
// transaction id stays the server-side idempotency token for every
// delivery attempt of this message.
func Enqueue(o store.Outbox, roomID event.RoomID, content event.MessageContent, keepMedia bool) (event.TransactionID, error) {
	txn := event.NewTransactionID()
	return txn, o.Put(store.OutboxMessage{
		RoomID:           roomID,
		TxnID:            txn,
		Content:          content,
		CreatedAt:        time.Now().UnixMilli(),
		KeepMediaInCache: keepMedia,
	})
}

// Start begins observing the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) run(ctx context.Context) {
	changes := s.outbox.Watch(ctx)
	statusCh, unsub := s.bus.Subscribe("sync.", 16)
	defer unsub()

	for {
		if ctx.Err() != nil {
			return
		}
		if s.machine.IsSyncing() {
			s.dispatch(ctx)
		}

		select {
		case <-ctx.Done():
			return
		case err := <-s.limited:
			backoff := time.Duration(s.backoff.Load())
			s.logger.Warn("rate limited, pausing pipeline",
				zap.Duration("backoff", backoff), zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			next := backoff * 2
			if next > s.timeouts.RetryMax() {
				next = s.timeouts.RetryMax()
			}
			s.backoff.Store(int64(next))
		case <-changes:
		case <-statusCh:
		case <-s.kick:
		}
	}
}

// dispatch recomputes the dispatched-key set from the current store
// snapshot and hands each room's pending messages to a worker. A store
// emission that re-delivers the same unchanged map dispatches nothing.
func (s *Sender) dispatch(ctx context.Context) {
	snap, err := s.outbox.Snapshot()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	present := make(map[store.OutboxKey]struct{}, len(snap))
	for _, m := range snap {
		present[m.Key()] = struct{}{}
	}
	for k := range s.inflight {
		if _, ok := present[k]; !ok {
			delete(s.inflight, k)
		}
	}

	byRoom := make(map[event.RoomID][]store.OutboxMessage)
	for _, m := range snap {
		if !m.Pending() {
			continue
		}
		if _, busy := s.inflight[m.Key()]; busy {
			continue
		}
		byRoom[m.RoomID] = append(byRoom[m.RoomID], m)
	}

	for roomID, msgs := range byRoom {
		if s.roomBusy[roomID] {
			continue
		}
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt < msgs[j].CreatedAt })
		for _, m := range msgs {
			s.inflight[m.Key()] = struct{}{}
		}
		s.roomBusy[roomID] = true
		go s.roomWorker(ctx, roomID, msgs)
	}
}

func (s *Sender) roomWorker(ctx context.Context, roomID event.RoomID, msgs []store.OutboxMessage) {
	defer func() {
		s.mu.Lock()
		s.roomBusy[roomID] = false
		s.mu.Unlock()
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}()

	_, found, err := s.rooms.WaitForRoom(ctx, roomID, s.timeouts.RoomWait())
	if err != nil {
		s.clearInflight(msgs)
		return
	}
	if !found {
		// A message cannot be delivered to a room the client has no
		// knowledge of, and must not be retried forever: drop the
		// room's whole queue.
		s.logger.Warn("room never materialized, dropping its outbox",
			zap.String("room_id", string(roomID)), zap.Int("messages", len(msgs)))
		if err := s.outbox.DeleteByRoom(roomID); err != nil {
			s.logger.Error("failed to drop outbox room", zap.String("room_id", string(roomID)), zap.Error(err))
		}
		s.clearInflight(msgs)
		s.bus.Publish(bus.Now("outbox.room_dropped", map[string]string{"room_id": string(roomID)}))
		return
	}

	for i, m := range msgs {
		if ctx.Err() != nil {
			s.clearInflight(msgs[i:])
			return
		}
		if err := s.sendOne(ctx, m); err != nil && federation.IsRateLimited(err) {
			// Rate limiting is connectivity-class: leave the rest of
			// the queue pending and let the outer loop back off.
			s.clearInflight(msgs[i:])
			select {
			case s.limited <- err:
			default:
			}
			return
		}
	}
}

func (s *Sender) clearInflight(msgs []store.OutboxMessage) {
	s.mu.Lock()
	for _, m := range msgs {
		delete(s.inflight, m.Key())
	}
	s.mu.Unlock()
}

func (s *Sender) removeInflight(k store.OutboxKey) {
	s.mu.Lock()
	delete(s.inflight, k)
	s.mu.Unlock()
}

// errSendDone stops the deletion watch once the attempt has finished.
var errSendDone = errors.New("send attempt finished")

// errCancelled stops the attempt once the record has been deleted.
var errCancelled = errors.New("outbox record deleted")

// sendOne races the actual send attempt against a deletion watch on
// the record; whichever finishes first cancels the other. Only
// rate-limit errors propagate, every other failure is recorded on the
// record and terminal for this attempt.
func (s *Sender) sendOne(ctx context.Context, m store.OutboxMessage) error {
	defer s.removeInflight(m.Key())

	var sendErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sendErr = s.attempt(gctx, m)
		return errSendDone
	})
	g.Go(func() error {
		if s.waitDeleted(gctx, m) {
			return errCancelled
		}
		return nil
	})
	_ = g.Wait()
	return sendErr
}

// waitDeleted returns true the moment the record disappears from the
// store, false once ctx is done. Deleting the record is the single
// cancellation signal for an in-flight send.
func (s *Sender) waitDeleted(ctx context.Context, m store.OutboxMessage) bool {
	changes := s.outbox.Watch(ctx)
	for {
		if _, ok, err := s.outbox.Get(m.RoomID, m.TxnID); err == nil && !ok {
			return true
		}
		select {
		case <-changes:
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Sender) attempt(ctx context.Context, m store.OutboxMessage) error {
	if !s.perms.CanSendMessage(m.RoomID, m.Content) {
		s.fail(m, store.SendError{Kind: store.SendErrNoEventPermission})
		return nil
	}

	content := m.Content
	if uploader, ok := s.uploaders.ForContent(content); ok {
		uploaded, err := uploader.Upload(ctx, content, func(pct int) {
			_ = s.outbox.Update(m.RoomID, m.TxnID, func(cur *store.OutboxMessage) *store.OutboxMessage {
				if cur == nil || !cur.Pending() {
					return cur
				}
				c := *cur
				c.UploadedPct = pct
				return &c
			})
		})
		switch {
		case err == nil:
			content = uploaded
		case federation.IsRateLimited(err):
			return err
		case ctx.Err() != nil:
			return nil // cancelled mid-upload
		case federation.IsForbidden(err):
			s.fail(m, store.SendError{Kind: store.SendErrNoMediaPermission})
			return nil
		case federation.IsTooLarge(err):
			s.fail(m, store.SendError{Kind: store.SendErrMediaTooLarge})
			return nil
		case federation.IsBadRequest(err):
			s.fail(m, store.SendError{Kind: store.SendErrBadRequest, Detail: federation.Detail(err)})
			return nil
		default:
			s.fail(m, store.SendError{Kind: store.SendErrUnknown, Detail: err.Error()})
			return nil
		}
	}

	encrypted, err := s.strategies.Encrypt(ctx, m.RoomID, content)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, crypto.ErrNoSuitableStrategy) {
			s.fail(m, store.SendError{Kind: store.SendErrAlgorithmNotSupported})
		} else {
			s.fail(m, store.SendError{Kind: store.SendErrEncryption, Detail: err.Error()})
		}
		return nil
	}

	eventID, err := s.api.SendMessageEvent(ctx, m.RoomID, encrypted, m.TxnID)
	switch {
	case err == nil:
	case federation.IsRateLimited(err):
		return err
	case ctx.Err() != nil:
		return nil
	case federation.IsForbidden(err):
		s.fail(m, store.SendError{Kind: store.SendErrNoEventPermission})
		return nil
	case federation.IsBadRequest(err):
		s.fail(m, store.SendError{Kind: store.SendErrBadRequest, Detail: federation.Detail(err)})
		return nil
	default:
		s.fail(m, store.SendError{Kind: store.SendErrUnknown, Detail: err.Error()})
		return nil
	}

	now := time.Now().UnixMilli()
	committed := false
	_ = s.outbox.Update(m.RoomID, m.TxnID, func(cur *store.OutboxMessage) *store.OutboxMessage {
		if cur == nil {
			// Deleted while the send was in flight: cancellation wins,
			// the record stays gone.
			return nil
		}
		if cur.SentAt != nil {
			return cur
		}
		c := *cur
		c.SentAt = &now
		c.EventID = &eventID
		c.SendError = nil
		committed = true
		return &c
	})
	if !committed {
		return nil
	}

	s.backoff.Store(int64(s.timeouts.RetryBase()))
	s.logger.Info("message sent",
		zap.String("room_id", string(m.RoomID)),
		zap.String("txn_id", string(m.TxnID)),
		zap.String("event_id", string(eventID)))
	s.bus.Publish(bus.Now("outbox.sent", map[string]string{
		"room_id":  string(m.RoomID),
		"txn_id":   string(m.TxnID),
		"event_id": string(eventID),
	}))

	if s.send.SetReadMarkers {
		// Fire and forget: marker failures are logged, never surfaced
		// and never fail the send.
		go func() {
			if err := s.markers.SetFullyRead(context.Background(), m.RoomID, eventID); err != nil {
				s.logger.Warn("set fully read failed", zap.String("room_id", string(m.RoomID)), zap.Error(err))
			}
		}()
		go func() {
			if err := s.markers.ResetUnread(context.Background(), m.RoomID); err != nil {
				s.logger.Warn("reset unread failed", zap.String("room_id", string(m.RoomID)), zap.Error(err))
			}
		}()
	}
	return nil
}

func (s *Sender) fail(m store.OutboxMessage, sendErr store.SendError) {
	_ = s.outbox.Update(m.RoomID, m.TxnID, func(cur *store.OutboxMessage) *store.OutboxMessage {
		if cur == nil || cur.SentAt != nil {
			return cur
		}
		c := *cur
		c.SendError = &sendErr
		return &c
	})
	s.logger.Warn("message send failed",
		zap.String("room_id", string(m.RoomID)),
		zap.String("txn_id", string(m.TxnID)),
		zap.String("error", sendErr.String()))
	s.bus.Publish(bus.Now("outbox.send_failed", map[string]string{
		"room_id": string(m.RoomID),
		"txn_id":  string(m.TxnID),
		"error":   sendErr.String(),
	}))
}
