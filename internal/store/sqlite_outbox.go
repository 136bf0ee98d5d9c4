package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/mtx/internal/event"
)

// SQLiteOutbox persists the outbox in the app database. It satisfies
// the same Outbox contract as MemoryOutbox; a store-level mutex makes
// Update a read-modify-write transaction atomic per key.
type SQLiteOutbox struct {
	db       *DB
	mu       sync.Mutex
	notifier notifier
}

// NewSQLiteOutbox creates an outbox over an opened, migrated database.
func NewSQLiteOutbox(db *DB) *SQLiteOutbox {
	return &SQLiteOutbox{db: db}
}

const outboxColumns = `room_id, txn_id, content, created_at, sent_at, event_id, error_kind, error_detail, uploaded_pct, keep_media`

func scanOutboxRow(scan func(...any) error) (OutboxMessage, error) {
	var (
		m           OutboxMessage
		content     []byte
		sentAt      sql.NullInt64
		eventID     sql.NullString
		errKind     sql.NullString
		errDetail   sql.NullString
		uploadedPct int
		keepMedia   bool
	)
	if err := scan(&m.RoomID, &m.TxnID, &content, &m.CreatedAt, &sentAt, &eventID, &errKind, &errDetail, &uploadedPct, &keepMedia); err != nil {
		return OutboxMessage{}, err
	}

	c, err := event.UnmarshalContent(content)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("outbox %s/%s: %w", m.RoomID, m.TxnID, err)
	}
	m.Content = c
	if sentAt.Valid {
		v := sentAt.Int64
		m.SentAt = &v
	}
	if eventID.Valid {
		v := event.EventID(eventID.String)
		m.EventID = &v
	}
	if errKind.Valid {
		m.SendError = &SendError{Kind: SendErrorKind(errKind.String), Detail: errDetail.String}
	}
	m.UploadedPct = uploadedPct
	m.KeepMediaInCache = keepMedia
	return m, nil
}

// Snapshot returns all messages ordered by (room, created_at).
func (o *SQLiteOutbox) Snapshot() ([]OutboxMessage, error) {
	rows, err := o.db.Query(`SELECT ` + outboxColumns + ` FROM outbox ORDER BY room_id, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("snapshot outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Get returns one message by key.
func (o *SQLiteOutbox) Get(roomID event.RoomID, txnID event.TransactionID) (OutboxMessage, bool, error) {
	row := o.db.QueryRow(`SELECT `+outboxColumns+` FROM outbox WHERE room_id = ? AND txn_id = ?`, roomID, txnID)
	m, err := scanOutboxRow(row.Scan)
	if err == sql.ErrNoRows {
		return OutboxMessage{}, false, nil
	}
	if err != nil {
		return OutboxMessage{}, false, err
	}
	return m, true, nil
}

// Put inserts or replaces a message.
func (o *SQLiteOutbox) Put(m OutboxMessage) error {
	o.mu.Lock()
	err := o.write(m)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	o.notifier.notify()
	return nil
}

func (o *SQLiteOutbox) write(m OutboxMessage) error {
	content, err := event.MarshalContent(m.Content)
	if err != nil {
		return err
	}

	var (
		sentAt    any
		eventID   any
		errKind   any
		errDetail any
	)
	if m.SentAt != nil {
		sentAt = *m.SentAt
	}
	if m.EventID != nil {
		eventID = string(*m.EventID)
	}
	if m.SendError != nil {
		errKind = string(m.SendError.Kind)
		errDetail = m.SendError.Detail
	}

	_, err = o.db.Exec(`
		INSERT INTO outbox (room_id, txn_id, content, created_at, sent_at, event_id, error_kind, error_detail, uploaded_pct, keep_media, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id, txn_id) DO UPDATE SET
			content = excluded.content,
			sent_at = excluded.sent_at,
			event_id = excluded.event_id,
			error_kind = excluded.error_kind,
			error_detail = excluded.error_detail,
			uploaded_pct = excluded.uploaded_pct,
			keep_media = excluded.keep_media,
			updated_at = excluded.updated_at`,
		m.RoomID, m.TxnID, content, m.CreatedAt, sentAt, eventID, errKind, errDetail, m.UploadedPct, m.KeepMediaInCache, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("write outbox %s/%s: %w", m.RoomID, m.TxnID, err)
	}
	return nil
}

// Update applies fn to the current record. The store mutex serializes
// concurrent updates so fn always sees the latest committed state.
func (o *SQLiteOutbox) Update(roomID event.RoomID, txnID event.TransactionID, fn func(*OutboxMessage) *OutboxMessage) error {
	o.mu.Lock()
	changed, err := o.update(roomID, txnID, fn)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	if changed {
		o.notifier.notify()
	}
	return nil
}

func (o *SQLiteOutbox) update(roomID event.RoomID, txnID event.TransactionID, fn func(*OutboxMessage) *OutboxMessage) (bool, error) {
	var cur *OutboxMessage
	m, ok, err := o.Get(roomID, txnID)
	if err != nil {
		return false, err
	}
	if ok {
		cur = &m
	}

	next := fn(cur)
	if next == nil {
		if cur == nil {
			return false, nil
		}
		if _, err := o.db.Exec(`DELETE FROM outbox WHERE room_id = ? AND txn_id = ?`, roomID, txnID); err != nil {
			return false, fmt.Errorf("delete outbox %s/%s: %w", roomID, txnID, err)
		}
		return true, nil
	}
	return true, o.write(*next)
}

// Delete removes one message.
func (o *SQLiteOutbox) Delete(roomID event.RoomID, txnID event.TransactionID) error {
	return o.Update(roomID, txnID, func(*OutboxMessage) *OutboxMessage { return nil })
}

// DeleteByRoom removes every message queued for the given room.
func (o *SQLiteOutbox) DeleteByRoom(roomID event.RoomID) error {
	o.mu.Lock()
	res, err := o.db.Exec(`DELETE FROM outbox WHERE room_id = ?`, roomID)
	o.mu.Unlock()
	if err != nil {
		return fmt.Errorf("delete outbox room %s: %w", roomID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		o.notifier.notify()
	}
	return nil
}

// Watch returns a coalesced change signal, closed-over by ctx.
func (o *SQLiteOutbox) Watch(ctx context.Context) <-chan struct{} {
	return o.notifier.watch(ctx)
}
