package store

import (
	"encoding/json"
	"time"

	"github.com/lfelipe-sa/chirp/internal/model"
)

// UpsertMessage inserts or updates a confirmed message (idempotent on
// conversation_id + msg_id).
func (db *DB) UpsertMessage(m *model.Message) error {
	now := time.Now().UnixMilli()
	attachments := ""
	if len(m.Attachments) > 0 {
		raw, err := json.Marshal(m.Attachments)
		if err != nil {
			return err
		}
		attachments = string(raw)
	}
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, body, attachments, status, deleted, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			body = excluded.body,
			attachments = excluded.attachments,
			status = excluded.status,
			deleted = excluded.deleted`,
		m.ConversationID, m.ID, m.SenderID, m.Text, attachments, string(m.Status), m.Deleted, m.CreatedAt.UnixMilli(), now)
	return err
}

// PatchMessageStatus updates the delivery status of a mirrored message.
func (db *DB) PatchMessageStatus(conversationID, msgID string, status model.MessageStatus) error {
	_, err := db.Exec(`
		UPDATE messages SET status = ?
		WHERE conversation_id = ? AND msg_id = ?`,
		string(status), conversationID, msgID)
	return err
}

// MarkMessageDeleted tombstones a mirrored message.
func (db *DB) MarkMessageDeleted(conversationID, msgID string) error {
	_, err := db.Exec(`
		UPDATE messages SET deleted = 1, body = ?, attachments = ''
		WHERE conversation_id = ? AND msg_id = ?`,
		model.TombstoneText, conversationID, msgID)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp, most recent first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT conversation_id, msg_id, sender_id, body, attachments, status, deleted, timestamp
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var attachments, status string
		var ts int64
		if err := rows.Scan(&m.ConversationID, &m.ID, &m.SenderID, &m.Text, &attachments, &status, &m.Deleted, &ts); err != nil {
			return nil, err
		}
		m.Status = model.MessageStatus(status)
		m.CreatedAt = time.UnixMilli(ts)
		if attachments != "" {
			if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
				return nil, err
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
