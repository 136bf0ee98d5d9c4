package store

import (
	"time"

	"github.com/matheus3301/mtx/internal/event"
)

// UpsertMessage inserts or updates a timeline message (idempotent on
// room_id + event_id, so re-decrypted events do not duplicate).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (room_id, event_id, sender, msgtype, body, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id, event_id) DO UPDATE SET
			sender = excluded.sender,
			msgtype = excluded.msgtype,
			body = excluded.body`,
		m.RoomID, m.EventID, m.Sender, m.MsgType, m.Body, m.Timestamp, now)
	return err
}

// ListMessages returns messages for a room using keyset pagination by timestamp.
func (db *DB) ListMessages(roomID event.RoomID, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, room_id, event_id, sender, msgtype, body, timestamp
		FROM messages
		WHERE room_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, roomID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.EventID, &m.Sender, &m.MsgType, &m.Body, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
