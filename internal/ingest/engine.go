package ingest

import (
	"context"
	"strconv"

	"github.com/habitado/chatsync/internal/bus"
	"github.com/habitado/chatsync/internal/connectivity"
	"github.com/habitado/chatsync/internal/realtime"
	"github.com/habitado/chatsync/internal/store"
	"go.uber.org/zap"
)

// ReceiptMerger folds remote read receipts into local state.
// Implemented by receipts.Tracker.
type ReceiptMerger interface {
	MergeRemote(convID, msgID, participantID string) error
}

// Refresher backfills a conversation up to the last checkpointed
// server timestamp, used to catch up after a connectivity gap.
// Implemented by history.Fetcher.
type Refresher interface {
	CatchUp(ctx context.Context, convID string, since int64) (int, error)
}

// catchUpLimit bounds how many conversations are refreshed after a
// reconnect, most recently active first.
const catchUpLimit = 20

// Engine consumes realtime events from the bus and applies them to the
// store. All remote mutations flow through here, so ordering and
// idempotency concerns live in one place: the store's guarded upserts
// make replayed or out-of-order events harmless.
type Engine struct {
	db        *store.DB
	bus       *bus.Bus
	merger    ReceiptMerger
	refresher Refresher
	selfID    string
	logger    *zap.Logger
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewEngine creates an ingest engine.
func NewEngine(db *store.DB, b *bus.Bus, merger ReceiptMerger, refresher Refresher, selfID string, logger *zap.Logger) *Engine {
	return &Engine{
		db:        db,
		bus:       b,
		merger:    merger,
		refresher: refresher,
		selfID:    selfID,
		logger:    logger,
	}
}

// Start begins consuming rt. events and reconnect notifications.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	rtCh, unsubRT := e.bus.Subscribe("rt.", 128)
	connCh, unsubConn := e.bus.Subscribe("connectivity.", 16)

	go func() {
		defer close(e.done)
		defer unsubRT()
		defer unsubConn()
		for {
			select {
			case evt := <-rtCh:
				e.handle(evt)
			case evt := <-connCh:
				if change, ok := evt.Payload.(connectivity.StatusChange); ok && change.To == connectivity.Online {
					e.catchUp(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the consumer to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handle(evt bus.Event) {
	switch evt.Kind {
	case "rt.message":
		if ev, ok := evt.Payload.(realtime.MessageEvent); ok {
			e.applyMessage(&ev)
		}
	case "rt.receipt":
		if ev, ok := evt.Payload.(realtime.ReceiptEvent); ok {
			e.applyReceipt(&ev)
		}
	case "rt.typing":
		if ev, ok := evt.Payload.(realtime.TypingEvent); ok {
			e.bus.Publish(bus.Event{Kind: "conversation.typing", Payload: ev})
		}
	}
}

// applyMessage merges a pushed message. A push for a message we sent
// ourselves lands through the same path; the guarded upsert keeps any
// further-advanced local status.
func (e *Engine) applyMessage(ev *realtime.MessageEvent) {
	msg := &store.Message{
		ConversationID: ev.ConversationID,
		MsgID:          ev.MessageID,
		SenderID:       ev.SenderID,
		Body:           ev.Body,
		Status:         ev.Status,
		ReplyToID:      ev.ReplyToID,
		ReplyPreview:   ev.ReplyPreview,
		Timestamp:      ev.Timestamp,
	}
	if msg.Status == "" {
		msg.Status = store.StatusDelivered
	}
	for i, a := range ev.Attachments {
		msg.Attachments = append(msg.Attachments, store.Attachment{
			ID:             a.ID,
			ConversationID: ev.ConversationID,
			MsgID:          ev.MessageID,
			Kind:           a.Kind,
			RemoteURL:      a.URL,
			Position:       i,
		})
	}

	if err := e.db.TouchConversation(ev.ConversationID, ev.Timestamp, ev.Body); err != nil {
		e.logger.Error("failed to bump conversation", zap.Error(err), zap.String("conversation_id", ev.ConversationID))
		return
	}
	if err := e.db.UpsertMessage(msg); err != nil {
		e.logger.Error("failed to merge pushed message", zap.Error(err), zap.String("msg_id", ev.MessageID))
		return
	}
	if _, err := e.db.RecomputeUnread(ev.ConversationID, e.selfID); err != nil {
		e.logger.Error("failed to recompute unread", zap.Error(err), zap.String("conversation_id", ev.ConversationID))
	}
	if err := e.db.SetCheckpoint("newest_ts."+ev.ConversationID, strconv.FormatInt(ev.Timestamp, 10)); err != nil {
		e.logger.Error("failed to store checkpoint", zap.Error(err))
	}
}

func (e *Engine) applyReceipt(ev *realtime.ReceiptEvent) {
	for _, msgID := range ev.MessageIDs {
		if err := e.merger.MergeRemote(ev.ConversationID, msgID, ev.ParticipantID); err != nil {
			e.logger.Error("failed to merge receipt",
				zap.Error(err),
				zap.String("conversation_id", ev.ConversationID),
				zap.String("msg_id", msgID))
		}
	}
	if _, err := e.db.RecomputeUnread(ev.ConversationID, e.selfID); err != nil {
		e.logger.Error("failed to recompute unread", zap.Error(err), zap.String("conversation_id", ev.ConversationID))
	}
}

// catchUp backfills recently active conversations after a reconnect,
// walking each one back to its newest-seen checkpoint so a gap longer
// than one page is still filled. Dedup in the merge keeps replayed
// messages from duplicating.
func (e *Engine) catchUp(ctx context.Context) {
	convs, err := e.db.ListConversations(catchUpLimit, 0)
	if err != nil {
		e.logger.Error("failed to list conversations for catch-up", zap.Error(err))
		return
	}
	for _, c := range convs {
		if ctx.Err() != nil {
			return
		}
		n, err := e.refresher.CatchUp(ctx, c.ID, e.checkpoint(c.ID))
		if err != nil {
			e.logger.Warn("catch-up refresh failed", zap.Error(err), zap.String("conversation_id", c.ID))
			continue
		}
		if n > 0 {
			e.logger.Info("caught up conversation",
				zap.String("conversation_id", c.ID), zap.Int("merged", n))
			if _, err := e.db.RecomputeUnread(c.ID, e.selfID); err != nil {
				e.logger.Error("failed to recompute unread", zap.Error(err), zap.String("conversation_id", c.ID))
			}
		}
	}
}

// checkpoint returns the newest server timestamp seen for the
// conversation, or zero when none was recorded yet.
func (e *Engine) checkpoint(convID string) int64 {
	v, err := e.db.GetCheckpoint("newest_ts." + convID)
	if err != nil {
		e.logger.Error("failed to read checkpoint", zap.Error(err), zap.String("conversation_id", convID))
		return 0
	}
	if v == "" {
		return 0
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}
