package sync

import (
	"context"
	"fmt"

	"github.com/matheus3301/mtx/internal/bus"
	"github.com/matheus3301/mtx/internal/crypto"
	"github.com/matheus3301/mtx/internal/event"
	"github.com/matheus3301/mtx/internal/store"
	"go.uber.org/zap"
)

// Engine ingests timeline events arriving from federation: each event
// runs through the decryption strategy set and materializes in the
// local timeline store. It subscribes to "fed.*" events on the bus.
type Engine struct {
	db         *store.DB
	strategies crypto.Strategies
	bus        *bus.Bus
	logger     *zap.Logger
	cancel     context.CancelFunc
}

// NewEngine creates a new ingestion engine.
func NewEngine(db *store.DB, strategies crypto.Strategies, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		db:         db,
		strategies: strategies,
		bus:        b,
		logger:     logger,
	}
}

// Start subscribes to inbound federation events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("fed.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	if evt.Kind != "fed.event" {
		return
	}
	ev, ok := evt.Payload.(event.RoomEvent)
	if !ok {
		return
	}
	if err := e.Ingest(ctx, ev); err != nil {
		e.logger.Error("failed to ingest event",
			zap.String("room_id", string(ev.RoomID)),
			zap.String("event_id", string(ev.EventID)),
			zap.Error(err))
	}
}

// Ingest decrypts a single timeline event and upserts it into the
// store (idempotent on room + event id). A decryption failure is
// recorded as an undecryptable placeholder so the timeline keeps its
// shape; a later key arrival re-ingests the event over it.
func (e *Engine) Ingest(ctx context.Context, ev event.RoomEvent) error {
	content, err := e.strategies.Decrypt(ctx, ev)
	if err != nil {
		e.logger.Warn("event could not be decrypted",
			zap.String("room_id", string(ev.RoomID)),
			zap.String("event_id", string(ev.EventID)),
			zap.Error(err))
		if dbErr := e.db.UpsertMessage(&store.Message{
			RoomID:    ev.RoomID,
			EventID:   ev.EventID,
			Sender:    ev.Sender,
			MsgType:   "m.bad.encrypted",
			Timestamp: ev.OriginTS,
		}); dbErr != nil {
			return fmt.Errorf("upsert placeholder: %w", dbErr)
		}
		e.bus.Publish(bus.Now("message.decrypt_failed", map[string]string{
			"room_id":  string(ev.RoomID),
			"event_id": string(ev.EventID),
			"error":    err.Error(),
		}))
		return nil
	}

	if err := e.db.UpsertMessage(&store.Message{
		RoomID:    ev.RoomID,
		EventID:   ev.EventID,
		Sender:    ev.Sender,
		MsgType:   content.MsgType(),
		Body:      bodyOf(content),
		Timestamp: ev.OriginTS,
	}); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	e.bus.Publish(bus.Now("message.upserted", map[string]string{
		"room_id":  string(ev.RoomID),
		"event_id": string(ev.EventID),
	}))
	return nil
}

// bodyOf extracts the displayable body from decrypted content.
func bodyOf(content event.MessageContent) string {
	switch c := content.(type) {
	case event.TextContent:
		return c.Body
	case event.ImageContent:
		return c.Body
	case event.ReactionContent:
		return c.Key
	default:
		return ""
	}
}
