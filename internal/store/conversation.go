package store

import (
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"
)

// UpsertConversation inserts or updates full conversation metadata,
// typically from the message service. Participants are replaced when
// the slice is non-empty.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO conversations (id, title, is_group, image_url, unread_count, last_message_at, last_message_preview, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			is_group = excluded.is_group,
			image_url = excluded.image_url,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at > conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.ID, c.Title, c.IsGroup, c.ImageURL, c.UnreadCount, c.LastMessageAt, c.LastMessagePreview, now, now); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	if len(c.Participants) > 0 {
		if err := replaceParticipantsTx(tx, c.ID, c.Participants); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	db.notify("conversation.updated", MessageRef{ConversationID: c.ID})
	return nil
}

// TouchConversation bumps a conversation's activity marker when a new
// or updated message arrives. The conversation row is created if it
// does not exist yet (first message of a locally echoed new chat).
// last_message_at only ever moves forward, which is what orders the
// conversation list.
func (db *DB) TouchConversation(id string, lastMessageAt int64, preview string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, last_message_at, last_message_preview, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		id, lastMessageAt, truncate(preview, 100), now, now)
	if err != nil {
		return err
	}
	db.notify("conversation.updated", MessageRef{ConversationID: id})
	return nil
}

func replaceParticipantsTx(tx *sql.Tx, convID string, parts []Participant) error {
	if _, err := tx.Exec(`DELETE FROM participants WHERE conversation_id = ?`, convID); err != nil {
		return fmt.Errorf("clear participants: %w", err)
	}
	for _, p := range parts {
		if _, err := tx.Exec(`
			INSERT INTO participants (conversation_id, user_id, display_name) VALUES (?, ?, ?)`,
			convID, p.UserID, p.DisplayName); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return nil
}

// GetConversation returns a conversation with its participants, or nil
// if it does not exist.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, title, is_group, image_url, unread_count, last_message_at, last_message_preview, created_at, updated_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &c.IsGroup, &c.ImageURL, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	parts, err := db.Participants(id)
	if err != nil {
		return nil, err
	}
	c.Participants = parts
	return &c, nil
}

// Participants returns the ordered participant set of a conversation.
func (db *DB) Participants(convID string) ([]Participant, error) {
	rows, err := db.Query(`
		SELECT user_id, display_name FROM participants
		WHERE conversation_id = ? ORDER BY user_id`, convID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var parts []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.UserID, &p.DisplayName); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// ListConversations returns conversations ordered by most recent
// activity first. New activity moves a conversation to the front by
// virtue of the last_message_at ordering.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, title, is_group, image_url, unread_count, last_message_at, last_message_preview, created_at, updated_at
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.IsGroup, &c.ImageURL, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// RecomputeUnread derives unread_count from the message store: the
// number of messages authored by others that are not yet read. The
// count is always recomputed, never incremented, so it cannot drift.
func (db *DB) RecomputeUnread(convID, selfID string) (int, error) {
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND sender_id <> ? AND status <> ?`,
		convID, selfID, StatusRead).Scan(&count)
	if err != nil {
		return 0, err
	}
	if _, err := db.Exec(`
		UPDATE conversations SET unread_count = ?, updated_at = ? WHERE id = ?`,
		count, time.Now().UnixMilli(), convID); err != nil {
		return 0, err
	}
	db.notify("conversation.updated", MessageRef{ConversationID: convID})
	return count, nil
}

// RefreshLastMessage recomputes the denormalized last-message columns
// after a deletion.
func (db *DB) RefreshLastMessage(convID string) error {
	var ts int64
	var preview string
	err := db.QueryRow(`
		SELECT timestamp, body FROM messages
		WHERE conversation_id = ? ORDER BY timestamp DESC LIMIT 1`, convID).
		Scan(&ts, &preview)
	if err == sql.ErrNoRows {
		ts, preview = 0, ""
	} else if err != nil {
		return err
	}
	_, err = db.Exec(`
		UPDATE conversations SET last_message_at = ?, last_message_preview = ?, updated_at = ? WHERE id = ?`,
		ts, truncate(preview, 100), time.Now().UnixMilli(), convID)
	if err != nil {
		return err
	}
	db.notify("conversation.updated", MessageRef{ConversationID: convID})
	return nil
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
