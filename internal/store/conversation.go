package store

import (
	"database/sql"
	"time"

	"github.com/lfelipe-sa/chirp/internal/model"
)

// UpsertConversation inserts or updates a conversation summary.
func (db *DB) UpsertConversation(c *model.Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, participant_a, participant_b, status, initiator_id,
			last_message_id, last_message_text, last_message_sender, last_message_type,
			last_message_deleted, last_message_at, unread_a, unread_b, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			last_message_id = excluded.last_message_id,
			last_message_text = excluded.last_message_text,
			last_message_sender = excluded.last_message_sender,
			last_message_type = excluded.last_message_type,
			last_message_deleted = excluded.last_message_deleted,
			last_message_at = excluded.last_message_at,
			unread_a = excluded.unread_a,
			unread_b = excluded.unread_b,
			updated_at = excluded.updated_at`,
		c.ID, c.Participants[0], c.Participants[1], string(c.Status), c.InitiatorID,
		c.LastMessage.ID, c.LastMessage.Text, c.LastMessage.SenderID, c.LastMessage.Type, c.LastMessage.Deleted,
		c.LastMessage.Timestamp.UnixMilli(), c.UnreadFor(c.Participants[0]), c.UnreadFor(c.Participants[1]),
		c.CreatedAt.UnixMilli(), now)
	return err
}

// IncrementUnread bumps one participant's unread counter by one. A userID
// that is not a participant changes nothing.
func (db *DB) IncrementUnread(conversationID, userID string) error {
	_, err := db.Exec(`
		UPDATE conversations SET
			unread_a = unread_a + (participant_a = ?),
			unread_b = unread_b + (participant_b = ?),
			updated_at = ?
		WHERE id = ?`, userID, userID, time.Now().UnixMilli(), conversationID)
	return err
}

// ClearUnread zeroes one participant's unread counter.
func (db *DB) ClearUnread(conversationID, userID string) error {
	_, err := db.Exec(`
		UPDATE conversations SET
			unread_a = CASE WHEN participant_a = ? THEN 0 ELSE unread_a END,
			unread_b = CASE WHEN participant_b = ? THEN 0 ELSE unread_b END
		WHERE id = ?`, userID, userID, conversationID)
	return err
}

// ListConversations returns conversations sorted by update time descending.
func (db *DB) ListConversations(limit, offset int) ([]model.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, participant_a, participant_b, status, initiator_id,
			last_message_id, last_message_text, last_message_sender, last_message_type,
			last_message_deleted, last_message_at, unread_a, unread_b, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation by id, nil when absent.
func (db *DB) GetConversation(id string) (*model.Conversation, error) {
	row := db.QueryRow(`
		SELECT id, participant_a, participant_b, status, initiator_id,
			last_message_id, last_message_text, last_message_sender, last_message_type,
			last_message_deleted, last_message_at, unread_a, unread_b, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (model.Conversation, error) {
	var c model.Conversation
	var status string
	var lastDeleted bool
	var lastAt, createdAt, updatedAt int64
	var unreadA, unreadB int
	err := row.Scan(&c.ID, &c.Participants[0], &c.Participants[1], &status, &c.InitiatorID,
		&c.LastMessage.ID, &c.LastMessage.Text, &c.LastMessage.SenderID, &c.LastMessage.Type, &lastDeleted,
		&lastAt, &unreadA, &unreadB, &createdAt, &updatedAt)
	if err != nil {
		return c, err
	}
	c.Status = model.ConversationStatus(status)
	c.LastMessage.Deleted = lastDeleted
	c.LastMessage.Timestamp = time.UnixMilli(lastAt)
	c.Unread = map[string]int{c.Participants[0]: unreadA, c.Participants[1]: unreadB}
	c.CreatedAt = time.UnixMilli(createdAt)
	c.UpdatedAt = time.UnixMilli(updatedAt)
	return c, nil
}
