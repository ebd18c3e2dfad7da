package outbound

import (
	"context"
	"sync"
	"time"

	"github.com/habitado/chatsync/internal/api"
	"github.com/habitado/chatsync/internal/bus"
	"github.com/habitado/chatsync/internal/chaterr"
	"github.com/habitado/chatsync/internal/store"
	"go.uber.org/zap"
)

// MessageSender delivers one message to the message service.
// Implemented by api.Client.
type MessageSender interface {
	SendMessage(ctx context.Context, req *api.SendRequest) (*api.SendResponse, error)
}

// AttachmentResolver uploads a message's unresolved attachments before
// delivery. Implemented by uploads.Manager.
type AttachmentResolver interface {
	ResolveForMessage(ctx context.Context, convID, msgID string) error
}

// ConnectivityProbe reports current reachability. Implemented by
// connectivity.Monitor.
type ConnectivityProbe interface {
	Online() bool
}

// SendAck is the payload for message.send_ack events.
type SendAck struct {
	ConversationID string
	LocalID        string
	ServerID       string
}

// SendFailed is the payload for message.send_failed events.
type SendFailed struct {
	ConversationID string
	LocalID        string
	Error          string
}

// maxConversationDrains bounds how many conversations flush in parallel.
const maxConversationDrains = 4

// Queue guarantees eventual delivery of user-authored messages across
// disconnects, restarts, and transient server errors. Enqueue journals
// the message and shows the optimistic echo without touching the
// network; a background flusher drains the journal FIFO per
// conversation, with different conversations draining concurrently.
type Queue struct {
	db       *store.DB
	sender   MessageSender
	resolver AttachmentResolver
	probe    ConnectivityProbe
	bus      *bus.Bus
	logger   *zap.Logger
	selfID   string
	interval time.Duration

	wake   chan struct{}
	cancel context.CancelFunc

	mu       sync.Mutex
	draining map[string]bool
}

// NewQueue creates an outbound queue.
func NewQueue(db *store.DB, sender MessageSender, resolver AttachmentResolver, probe ConnectivityProbe, b *bus.Bus, selfID string, interval time.Duration, logger *zap.Logger) *Queue {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Queue{
		db:       db,
		sender:   sender,
		resolver: resolver,
		probe:    probe,
		bus:      b,
		logger:   logger,
		selfID:   selfID,
		interval: interval,
		wake:     make(chan struct{}, 1),
		draining: make(map[string]bool),
	}
}

// Enqueue journals a message and writes its optimistic echo, returning
// without waiting on the network. The send intent never blocks the
// caller. If the network is reachable a flush is kicked off immediately.
func (q *Queue) Enqueue(msg *store.Message, p *store.PendingMessage) error {
	if err := q.db.EnqueuePending(msg, p); err != nil {
		return err
	}
	if err := q.db.TouchConversation(msg.ConversationID, msg.Timestamp, msg.Body); err != nil {
		q.logger.Warn("failed to bump conversation", zap.Error(err), zap.String("conversation_id", msg.ConversationID))
	}
	if q.probe.Online() {
		q.Kick()
	}
	return nil
}

// Retry re-delivers a single failed message through the normal flush
// path. The message returns to sending and keeps its local id, so the
// server still deduplicates.
func (q *Queue) Retry(localID string) error {
	p, err := q.db.PendingByLocalID(localID)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	ok, err := q.db.RequeuePending(localID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if _, err := q.db.UpdateMessageStatus(p.ConversationID, localID, store.StatusSending); err != nil {
		return err
	}
	q.Kick()
	return nil
}

// Kick requests an immediate flush without waiting for the ticker.
func (q *Queue) Kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start begins the flush loop. The queue flushes on its interval, on
// Kick, and whenever connectivity transitions to online.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)

	// Crash recovery: anything that was in flight goes back to queued;
	// the server deduplicates on local id if it already arrived.
	if n, err := q.db.RequeueInFlight(); err != nil {
		q.logger.Error("failed to recover in-flight entries", zap.Error(err))
	} else if n > 0 {
		q.logger.Info("recovered in-flight messages", zap.Int64("count", n))
	}

	connCh, unsub := q.bus.Subscribe("connectivity.", 16)
	go func() {
		defer unsub()
		ticker := time.NewTicker(q.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.flush(ctx)
			case <-q.wake:
				q.flush(ctx)
			case <-connCh:
				// Any transition to online should drain immediately;
				// flush itself checks reachability.
				q.flush(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the flush loop.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
}

// flush drains deliverable journal entries. Entries for one
// conversation go out strictly in enqueue order; separate conversations
// drain on their own goroutines, bounded by maxConversationDrains.
func (q *Queue) flush(ctx context.Context) {
	if !q.probe.Online() {
		return
	}
	pending, err := q.db.DeliverablePending()
	if err != nil {
		q.logger.Error("failed to read journal", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	byConv := make(map[string][]store.PendingMessage)
	var order []string
	for _, p := range pending {
		if _, seen := byConv[p.ConversationID]; !seen {
			order = append(order, p.ConversationID)
		}
		byConv[p.ConversationID] = append(byConv[p.ConversationID], p)
	}

	sem := make(chan struct{}, maxConversationDrains)
	for _, convID := range order {
		q.mu.Lock()
		if q.draining[convID] {
			q.mu.Unlock()
			continue
		}
		q.draining[convID] = true
		q.mu.Unlock()

		entries := byConv[convID]
		sem <- struct{}{}
		go func(convID string, entries []store.PendingMessage) {
			defer func() {
				<-sem
				q.mu.Lock()
				delete(q.draining, convID)
				q.mu.Unlock()
			}()
			for _, entry := range entries {
				if ctx.Err() != nil {
					return
				}
				if !q.deliver(ctx, entry) {
					// Transient failure: stop draining this conversation
					// to preserve enqueue order on the next flush.
					return
				}
			}
		}(convID, entries)
	}
}

// deliver attempts one journal entry. Returns false when the
// conversation drain should stop (transient failure).
func (q *Queue) deliver(ctx context.Context, entry store.PendingMessage) bool {
	localID := entry.LocalID
	convID := entry.ConversationID

	if err := q.db.MarkPendingSending(localID); err != nil {
		q.logger.Error("failed to mark sending", zap.Error(err), zap.String("local_id", localID))
		return false
	}
	// Flip a previously failed echo back to sending so confirmation can
	// advance it to sent. No-op when it is already sending.
	if _, err := q.db.UpdateMessageStatus(convID, localID, store.StatusSending); err != nil {
		q.logger.Error("failed to update echo status", zap.Error(err), zap.String("local_id", localID))
	}

	if err := q.resolver.ResolveForMessage(ctx, convID, localID); err != nil {
		q.fail(entry, err)
		// Upload failures are not ordering hazards for text siblings,
		// but keep FIFO within the conversation anyway.
		return !chaterr.IsTransient(err)
	}

	atts, err := q.db.AttachmentsForMessage(convID, localID)
	if err != nil {
		q.fail(entry, err)
		return false
	}
	req := &api.SendRequest{
		ClientID:       localID,
		ConversationID: convID,
		SenderID:       q.selfID,
		Body:           entry.Body,
		ReplyToID:      entry.ReplyToID,
	}
	for _, a := range atts {
		req.Attachments = append(req.Attachments, api.Attachment{ID: a.ID, Kind: a.Kind, URL: a.RemoteURL})
	}

	resp, err := q.sender.SendMessage(ctx, req)
	if err != nil {
		q.fail(entry, err)
		return !chaterr.IsTransient(err)
	}

	if err := q.db.ConfirmPending(localID, resp.MessageID, resp.Timestamp); err != nil {
		q.logger.Error("failed to confirm delivery", zap.Error(err), zap.String("local_id", localID))
		return false
	}
	q.logger.Info("message delivered",
		zap.String("local_id", localID),
		zap.String("server_id", resp.MessageID))
	q.bus.Publish(bus.Event{
		Kind:    "message.send_ack",
		Payload: SendAck{ConversationID: convID, LocalID: localID, ServerID: resp.MessageID},
	})
	return true
}

func (q *Queue) fail(entry store.PendingMessage, cause error) {
	q.logger.Warn("delivery failed",
		zap.Error(cause),
		zap.String("local_id", entry.LocalID),
		zap.Int("attempts", entry.Attempts+1))
	if err := q.db.MarkPendingFailed(entry.LocalID, cause.Error()); err != nil {
		q.logger.Error("failed to mark journal entry failed", zap.Error(err))
	}
	if chaterr.IsTransient(cause) {
		// Transient failures go back to queued so the next flush retries
		// them without user intervention. Validation and not-found stay
		// parked until an explicit Retry.
		if _, err := q.db.RequeuePending(entry.LocalID); err != nil {
			q.logger.Error("failed to requeue journal entry", zap.Error(err))
		}
	}
	if _, err := q.db.UpdateMessageStatus(entry.ConversationID, entry.LocalID, store.StatusFailed); err != nil {
		q.logger.Error("failed to mark message failed", zap.Error(err))
	}
	q.bus.Publish(bus.Event{
		Kind:    "message.send_failed",
		Payload: SendFailed{ConversationID: entry.ConversationID, LocalID: entry.LocalID, Error: cause.Error()},
	})
}
