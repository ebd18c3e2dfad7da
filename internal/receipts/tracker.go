package receipts

import (
	"context"

	"github.com/habitado/chatsync/internal/store"
	"go.uber.org/zap"
)

// ReadSyncer reports local read activity to the message service.
// Implemented by api.Client.
type ReadSyncer interface {
	MarkRead(ctx context.Context, convID, participantID string) error
}

// Quorum policies for promoting a message to read.
const (
	// QuorumAll promotes a message once every participant other than
	// its sender has read it.
	QuorumAll = "all"
	// QuorumAny promotes a message as soon as one other participant has
	// read it.
	QuorumAny = "any"
)

// Tracker accumulates per-participant read marks and promotes message
// status to read when the quorum is met. Marks are a union: they only
// ever grow, and duplicate receipts are absorbed silently.
type Tracker struct {
	db     *store.DB
	syncer ReadSyncer
	quorum string
	selfID string
	logger *zap.Logger
}

// NewTracker creates a tracker with the given quorum policy.
func NewTracker(db *store.DB, syncer ReadSyncer, quorum, selfID string, logger *zap.Logger) *Tracker {
	if quorum != QuorumAny {
		quorum = QuorumAll
	}
	return &Tracker{db: db, syncer: syncer, quorum: quorum, selfID: selfID, logger: logger}
}

// MarkConversationRead records that the local user has read everything
// currently in the conversation, promotes statuses locally, and reports
// the read to the server. A failed report does not roll back the local
// marks; the server converges through the realtime receipt stream.
func (t *Tracker) MarkConversationRead(ctx context.Context, convID string) error {
	msgs, err := t.db.UnreadFromOthers(convID, t.selfID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := t.applyMark(convID, m.MsgID, t.selfID); err != nil {
			return err
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := t.syncer.MarkRead(ctx, convID, t.selfID); err != nil {
		t.logger.Warn("failed to report read to server",
			zap.Error(err), zap.String("conversation_id", convID))
		return err
	}
	return nil
}

// MergeRemote applies a receipt for one message arriving from the
// realtime channel. Idempotent.
func (t *Tracker) MergeRemote(convID, msgID, participantID string) error {
	return t.applyMark(convID, msgID, participantID)
}

// applyMark records the mark and re-evaluates the quorum for the
// message. Promotion is one-way: once read, later receipts change
// nothing.
func (t *Tracker) applyMark(convID, msgID, participantID string) error {
	if _, err := t.db.AddReadMark(convID, msgID, participantID); err != nil {
		return err
	}
	met, err := t.quorumMet(convID, msgID)
	if err != nil {
		return err
	}
	if !met {
		return nil
	}
	changed, err := t.db.UpdateMessageStatus(convID, msgID, store.StatusRead)
	if err != nil {
		return err
	}
	if changed {
		t.logger.Debug("message promoted to read",
			zap.String("conversation_id", convID), zap.String("msg_id", msgID))
	}
	return nil
}

// quorumMet checks the message's readers against the conversation's
// participants. The sender never counts toward its own quorum.
func (t *Tracker) quorumMet(convID, msgID string) (bool, error) {
	msg, err := t.db.GetMessage(convID, msgID)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	readers, err := t.db.ReadersOf(convID, msgID)
	if err != nil {
		return false, err
	}
	readSet := make(map[string]bool, len(readers))
	for _, r := range readers {
		if r != msg.SenderID {
			readSet[r] = true
		}
	}
	if t.quorum == QuorumAny {
		return len(readSet) > 0, nil
	}

	participants, err := t.db.Participants(convID)
	if err != nil {
		return false, err
	}
	others := 0
	for _, p := range participants {
		if p.UserID == msg.SenderID {
			continue
		}
		others++
		if !readSet[p.UserID] {
			return false, nil
		}
	}
	// A conversation with no known participants besides the sender can
	// still be promoted by any reader.
	if others == 0 {
		return len(readSet) > 0, nil
	}
	return true, nil
}
