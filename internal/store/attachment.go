package store

import (
	"database/sql"
	"fmt"
)

func replaceAttachmentsTx(tx *sql.Tx, convID, msgID string, atts []Attachment) error {
	if _, err := tx.Exec(`
		DELETE FROM attachments WHERE conversation_id = ? AND msg_id = ?`, convID, msgID); err != nil {
		return fmt.Errorf("clear attachments: %w", err)
	}
	for i, a := range atts {
		if _, err := tx.Exec(`
			INSERT INTO attachments (id, conversation_id, msg_id, kind, local_uri, remote_url, position)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID, convID, msgID, a.Kind, a.LocalURI, a.RemoteURL, i); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}
	return nil
}

// AttachmentsForMessage returns a message's attachments in order.
func (db *DB) AttachmentsForMessage(convID, msgID string) ([]Attachment, error) {
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, kind, local_uri, remote_url, position
		FROM attachments
		WHERE conversation_id = ? AND msg_id = ?
		ORDER BY position`, convID, msgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var atts []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.ConversationID, &a.MsgID, &a.Kind, &a.LocalURI, &a.RemoteURL, &a.Position); err != nil {
			return nil, err
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}

// SetAttachmentRemoteURL records the resolved URL after a successful
// upload. Attachments with a remote URL are never re-uploaded on retry.
func (db *DB) SetAttachmentRemoteURL(attID, url string) error {
	_, err := db.Exec(`UPDATE attachments SET remote_url = ? WHERE id = ?`, url, attID)
	return err
}

// fillAttachments loads attachments for every listed message in one
// pass over the conversation's attachment rows.
func (db *DB) fillAttachments(convID string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, kind, local_uri, remote_url, position
		FROM attachments WHERE conversation_id = ? ORDER BY position`, convID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	byMsg := make(map[string][]Attachment)
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.ConversationID, &a.MsgID, &a.Kind, &a.LocalURI, &a.RemoteURL, &a.Position); err != nil {
			return err
		}
		byMsg[a.MsgID] = append(byMsg[a.MsgID], a)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for i := range msgs {
		msgs[i].Attachments = byMsg[msgs[i].MsgID]
	}
	return nil
}

func (db *DB) fillReadBy(convID string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	rows, err := db.Query(`
		SELECT msg_id, participant_id FROM read_marks
		WHERE conversation_id = ? ORDER BY participant_id`, convID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	byMsg := make(map[string][]string)
	for rows.Next() {
		var msgID, pid string
		if err := rows.Scan(&msgID, &pid); err != nil {
			return err
		}
		byMsg[msgID] = append(byMsg[msgID], pid)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for i := range msgs {
		msgs[i].ReadBy = byMsg[msgs[i].MsgID]
	}
	return nil
}
