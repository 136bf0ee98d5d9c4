package sync

import (
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/mtx/internal/store"
	"go.uber.org/zap"
)

// batchTokenKey stores the last sync batch token handed out by the
// homeserver; resuming from it avoids re-downloading the timeline.
const batchTokenKey = "next_batch"

// Reconciler persists sync checkpoints across restarts.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, logger: logger}
}

// SetBatchToken records the batch token to resume the next sync from.
func (r *Reconciler) SetBatchToken(token string) error {
	return r.setCheckpoint(batchTokenKey, token)
}

// BatchToken returns the stored batch token, or "" when the profile
// has never completed a sync.
func (r *Reconciler) BatchToken() (string, error) {
	return r.checkpoint(batchTokenKey)
}

func (r *Reconciler) setCheckpoint(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := r.db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

func (r *Reconciler) checkpoint(key string) (string, error) {
	var value string
	err := r.db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
