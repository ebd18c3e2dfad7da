package store

import "time"

// AddReadMark records that a participant has read a message. Idempotent:
// marks only ever accumulate (union semantics), matching how the server
// echoes receipts. Returns whether the mark was new.
func (db *DB) AddReadMark(convID, msgID, participantID string) (bool, error) {
	res, err := db.Exec(`
		INSERT OR IGNORE INTO read_marks (conversation_id, msg_id, participant_id, marked_at)
		VALUES (?, ?, ?, ?)`,
		convID, msgID, participantID, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReadersOf returns the participant ids that have read a message.
func (db *DB) ReadersOf(convID, msgID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT participant_id FROM read_marks
		WHERE conversation_id = ? AND msg_id = ?
		ORDER BY participant_id`, convID, msgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var readers []string
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, err
		}
		readers = append(readers, pid)
	}
	return readers, rows.Err()
}

// UnreadFromOthers returns messages in a conversation not authored by
// the given participant and not yet fully read. Light rows: attachments
// and read marks are not filled.
func (db *DB) UnreadFromOthers(convID, participantID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, body, status, reply_to_id, reply_preview, timestamp
		FROM messages
		WHERE conversation_id = ? AND sender_id <> ? AND status <> ?
		ORDER BY timestamp ASC`, convID, participantID, StatusRead)
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
	return msgs, rows.Err()
}
