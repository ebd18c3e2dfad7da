package store

import (
	"database/sql"
	"fmt"
	"time"
)

// EnqueuePending journals a pending message and writes its optimistic
// echo in one transaction: the journal row lands before the echo is
// observable, so a crash at any point either shows nothing or shows a
// message that will be delivered on restart.
func (db *DB) EnqueuePending(m *Message, p *PendingMessage) error {
	now := time.Now().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO pending_messages (local_id, conversation_id, body, reply_to_id, state, queued_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		p.LocalID, p.ConversationID, p.Body, p.ReplyToID, p.QueuedAt, now); err != nil {
		return fmt.Errorf("journal pending: %w", err)
	}
	if err := upsertMessageTx(tx, m); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}
	db.notify("message.upserted", MessageRef{ConversationID: m.ConversationID, MsgID: m.MsgID})
	return nil
}

// DeliverablePending returns queued journal entries oldest first, so
// flushing preserves enqueue order within each conversation.
func (db *DB) DeliverablePending() ([]PendingMessage, error) {
	rows, err := db.Query(`
		SELECT id, local_id, conversation_id, body, reply_to_id, state, attempts, last_error, queued_at
		FROM pending_messages
		WHERE state = 'queued'
		ORDER BY queued_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []PendingMessage
	for rows.Next() {
		var p PendingMessage
		if err := rows.Scan(&p.RowID, &p.LocalID, &p.ConversationID, &p.Body, &p.ReplyToID, &p.State, &p.Attempts, &p.LastError, &p.QueuedAt); err != nil {
			return nil, err
		}
		entries = append(entries, p)
	}
	return entries, rows.Err()
}

// PendingByLocalID returns a journal entry, or nil if absent.
func (db *DB) PendingByLocalID(localID string) (*PendingMessage, error) {
	var p PendingMessage
	err := db.QueryRow(`
		SELECT id, local_id, conversation_id, body, reply_to_id, state, attempts, last_error, queued_at
		FROM pending_messages WHERE local_id = ?`, localID).
		Scan(&p.RowID, &p.LocalID, &p.ConversationID, &p.Body, &p.ReplyToID, &p.State, &p.Attempts, &p.LastError, &p.QueuedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// MarkPendingSending flags an entry as in flight.
func (db *DB) MarkPendingSending(localID string) error {
	_, err := db.Exec(`
		UPDATE pending_messages SET state = 'sending', updated_at = ? WHERE local_id = ?`,
		time.Now().UnixMilli(), localID)
	return err
}

// MarkPendingFailed records a delivery failure, retaining the entry for
// retry.
func (db *DB) MarkPendingFailed(localID, errMsg string) error {
	_, err := db.Exec(`
		UPDATE pending_messages SET state = 'failed', attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE local_id = ?`,
		errMsg, time.Now().UnixMilli(), localID)
	return err
}

// RequeuePending puts a failed entry back in the deliverable state for
// an explicit user retry. Returns whether an entry was requeued.
func (db *DB) RequeuePending(localID string) (bool, error) {
	res, err := db.Exec(`
		UPDATE pending_messages SET state = 'queued', updated_at = ?
		WHERE local_id = ? AND state = 'failed'`,
		time.Now().UnixMilli(), localID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RequeueInFlight resets entries stuck in 'sending' back to 'queued'.
// Called once at startup: a crash mid-send leaves the journal ambiguous,
// and re-sending is safe because the server deduplicates on the client id.
func (db *DB) RequeueInFlight() (int64, error) {
	res, err := db.Exec(`
		UPDATE pending_messages SET state = 'queued', updated_at = ? WHERE state = 'sending'`,
		time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ConfirmPending finalizes a delivered message: the journal entry is
// removed and the optimistic row is reconciled to its server identity
// in the same transaction. After this the message can never be sent
// again.
func (db *DB) ConfirmPending(localID, serverID string, serverTs int64) error {
	p, err := db.PendingByLocalID(localID)
	if err != nil {
		return err
	}
	if p == nil {
		// Already confirmed; double delivery must not duplicate.
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM pending_messages WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("delete pending: %w", err)
	}
	if err := reconcileTx(tx, p.ConversationID, localID, serverID, serverTs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit confirm: %w", err)
	}
	db.notify("message.reconciled", Reconciled{ConversationID: p.ConversationID, LocalID: localID, ServerID: serverID})
	db.notify("message.upserted", MessageRef{ConversationID: p.ConversationID, MsgID: serverID})
	return nil
}

// DeletePending removes a journal entry without delivery, used when the
// user deletes an unsent message.
func (db *DB) DeletePending(localID string) error {
	_, err := db.Exec(`DELETE FROM pending_messages WHERE local_id = ?`, localID)
	return err
}
