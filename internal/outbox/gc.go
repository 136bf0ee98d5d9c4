package outbox

import (
	"context"
	"time"

	"github.com/matheus3301/mtx/internal/store"
	"go.uber.org/zap"
)

// Collector periodically removes sent messages from the outbox once
// they are older than the grace window: by then the sync-confirmed
// event is in the timeline and the local record is redundant.
type Collector struct {
	outbox   store.Outbox
	interval time.Duration
	grace    time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewCollector creates a sweep running every interval.
func NewCollector(outbox store.Outbox, interval, grace time.Duration, logger *zap.Logger) *Collector {
	return &Collector{
		outbox:   outbox,
		interval: interval,
		grace:    grace,
		logger:   logger,
	}
}

// Start begins the periodic sweep.
func (c *Collector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.loop(ctx)
}

// Stop stops the sweep loop.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Collector) loop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Sweep removes every sent message older than the grace window.
func (c *Collector) Sweep() {
	snap, err := c.outbox.Snapshot()
	if err != nil {
		c.logger.Error("failed to read outbox for gc", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-c.grace).UnixMilli()
	removed := 0
	for _, m := range snap {
		if m.SentAt == nil || *m.SentAt > cutoff {
			continue
		}
		if err := c.outbox.Delete(m.RoomID, m.TxnID); err != nil {
			c.logger.Error("failed to gc outbox record",
				zap.String("room_id", string(m.RoomID)),
				zap.String("txn_id", string(m.TxnID)),
				zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		c.logger.Info("outbox gc", zap.Int("removed", removed))
	}
}
