package store

import (
	"database/sql"
	"fmt"
	"time"
)

// statusGuard is the ON CONFLICT status expression: an upsert may move a
// message up the ladder but never down, and never off read. Failed is a
// terminal excursion from sending, so nothing above sending can be
// clobbered by a failed upsert either.
const statusGuard = `CASE
	WHEN messages.status = 'read' THEN messages.status
	WHEN messages.status = 'delivered' AND excluded.status IN ('sending', 'sent', 'failed') THEN messages.status
	WHEN messages.status = 'sent' AND excluded.status IN ('sending', 'failed') THEN messages.status
	ELSE excluded.status END`

const upsertMessageSQL = `
	INSERT INTO messages (conversation_id, msg_id, sender_id, body, status, reply_to_id, reply_preview, timestamp, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
		sender_id = excluded.sender_id,
		body = excluded.body,
		status = ` + statusGuard + `,
		reply_to_id = excluded.reply_to_id,
		reply_preview = excluded.reply_preview,
		timestamp = excluded.timestamp`

// UpsertMessage inserts a message preserving chronological order, or
// replaces the existing row with the same id (reconciliation), never
// duplicating. Attachments are replaced when present.
func (db *DB) UpsertMessage(m *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertMessageTx(tx, m); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	db.notify("message.upserted", MessageRef{ConversationID: m.ConversationID, MsgID: m.MsgID})
	return nil
}

func upsertMessageTx(tx *sql.Tx, m *Message) error {
	now := time.Now().UnixMilli()
	if _, err := tx.Exec(upsertMessageSQL,
		m.ConversationID, m.MsgID, m.SenderID, m.Body, m.Status, m.ReplyToID, m.ReplyPreview, m.Timestamp, now); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if len(m.Attachments) > 0 {
		if err := replaceAttachmentsTx(tx, m.ConversationID, m.MsgID, m.Attachments); err != nil {
			return err
		}
	}
	for _, reader := range m.ReadBy {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO read_marks (conversation_id, msg_id, participant_id, marked_at)
			VALUES (?, ?, ?, ?)`, m.ConversationID, m.MsgID, reader, now); err != nil {
			return fmt.Errorf("insert read mark: %w", err)
		}
	}
	return nil
}

// ListMessages returns messages for a conversation using keyset
// pagination by timestamp, newest first, with attachments and read
// marks filled in.
func (db *DB) ListMessages(convID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, body, status, reply_to_id, reply_preview, timestamp
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, convID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.RowID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.Body, &m.Status, &m.ReplyToID, &m.ReplyPreview, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := db.fillAttachments(convID, msgs); err != nil {
		return nil, err
	}
	if err := db.fillReadBy(convID, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// GetMessage returns a single message by id, or nil if absent.
func (db *DB) GetMessage(convID, msgID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, conversation_id, msg_id, sender_id, body, status, reply_to_id, reply_preview, timestamp
		FROM messages WHERE conversation_id = ? AND msg_id = ?`, convID, msgID).
		Scan(&m.RowID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.Body, &m.Status, &m.ReplyToID, &m.ReplyPreview, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	atts, err := db.AttachmentsForMessage(convID, msgID)
	if err != nil {
		return nil, err
	}
	m.Attachments = atts
	readers, err := db.ReadersOf(convID, msgID)
	if err != nil {
		return nil, err
	}
	m.ReadBy = readers
	return &m, nil
}

// OldestTimestamp returns the timestamp of the oldest loaded message in
// a conversation, or 0 when none are loaded. Used as the pagination
// cursor.
func (db *DB) OldestTimestamp(convID string) (int64, error) {
	var ts sql.NullInt64
	err := db.QueryRow(`
		SELECT MIN(timestamp) FROM messages WHERE conversation_id = ?`, convID).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// UpdateMessageStatus advances a message along the status ladder.
// Disallowed transitions and unknown messages are silent no-ops so
// out-of-order network events never error. Returns whether a change
// was applied.
func (db *DB) UpdateMessageStatus(convID, msgID, to string) (bool, error) {
	var current string
	err := db.QueryRow(`
		SELECT status FROM messages WHERE conversation_id = ? AND msg_id = ?`, convID, msgID).
		Scan(&current)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !canAdvance(current, to) {
		return false, nil
	}
	if _, err := db.Exec(`
		UPDATE messages SET status = ? WHERE conversation_id = ? AND msg_id = ?`,
		to, convID, msgID); err != nil {
		return false, err
	}
	db.notify("message.status_changed", StatusChange{
		ConversationID: convID, MsgID: msgID, From: current, To: to,
	})
	return true, nil
}

// RemoveMessage deletes a message with its attachments and read marks.
// Used only for explicit user deletion.
func (db *DB) RemoveMessage(convID, msgID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		`DELETE FROM attachments WHERE conversation_id = ? AND msg_id = ?`,
		`DELETE FROM read_marks WHERE conversation_id = ? AND msg_id = ?`,
	} {
		if _, err := tx.Exec(q, convID, msgID); err != nil {
			return fmt.Errorf("remove message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	db.notify("message.removed", MessageRef{ConversationID: convID, MsgID: msgID})
	return nil
}

// ReconcileMessageID replaces a client-generated message id with its
// confirmed server identity. This is the only path that finalizes an
// optimistic send. If the server echo already arrived via the realtime
// channel under the server id, the local provisional row is dropped in
// favor of it; either way exactly one row remains.
func (db *DB) ReconcileMessageID(convID, localID, serverID string, serverTs int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := reconcileTx(tx, convID, localID, serverID, serverTs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	db.notify("message.reconciled", Reconciled{ConversationID: convID, LocalID: localID, ServerID: serverID})
	db.notify("message.upserted", MessageRef{ConversationID: convID, MsgID: serverID})
	return nil
}

func reconcileTx(tx *sql.Tx, convID, localID, serverID string, serverTs int64) error {
	var exists int
	if err := tx.QueryRow(`
		SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		convID, serverID).Scan(&exists); err != nil {
		return fmt.Errorf("check server row: %w", err)
	}

	if exists > 0 {
		// Server echo won the race; drop the provisional row.
		for _, q := range []string{
			`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`,
			`DELETE FROM attachments WHERE conversation_id = ? AND msg_id = ?`,
			`DELETE FROM read_marks WHERE conversation_id = ? AND msg_id = ?`,
		} {
			if _, err := tx.Exec(q, convID, localID); err != nil {
				return fmt.Errorf("drop provisional row: %w", err)
			}
		}
		// The echo may still carry the provisional 'sending' status.
		if _, err := tx.Exec(`
			UPDATE messages SET status = 'sent'
			WHERE conversation_id = ? AND msg_id = ? AND status = 'sending'`,
			convID, serverID); err != nil {
			return fmt.Errorf("confirm echo status: %w", err)
		}
		return nil
	}

	if _, err := tx.Exec(`
		UPDATE messages SET msg_id = ?,
			status = CASE WHEN status = 'sending' THEN 'sent' ELSE status END,
			timestamp = CASE WHEN ? > 0 THEN ? ELSE timestamp END
		WHERE conversation_id = ? AND msg_id = ?`,
		serverID, serverTs, serverTs, convID, localID); err != nil {
		return fmt.Errorf("reconcile message id: %w", err)
	}
	for _, q := range []string{
		`UPDATE attachments SET msg_id = ? WHERE conversation_id = ? AND msg_id = ?`,
		`UPDATE read_marks SET msg_id = ? WHERE conversation_id = ? AND msg_id = ?`,
	} {
		if _, err := tx.Exec(q, serverID, convID, localID); err != nil {
			return fmt.Errorf("reconcile child rows: %w", err)
		}
	}
	return nil
}

// MergeHistoryPage merges a fetched history page in a single
// transaction: either every message lands or none do. Duplicate ids
// within the page are dropped before merge. Returns the number of
// messages written.
func (db *DB) MergeHistoryPage(convID string, msgs []*Message) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	seen := make(map[string]bool, len(msgs))
	merged := 0
	for _, m := range msgs {
		if m.MsgID == "" || seen[m.MsgID] {
			continue
		}
		seen[m.MsgID] = true
		if err := upsertMessageTx(tx, m); err != nil {
			return 0, err
		}
		merged++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit page: %w", err)
	}
	db.notify("message.page_merged", MessageRef{ConversationID: convID})
	return merged, nil
}
