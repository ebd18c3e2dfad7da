package conversations

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/habitado/chatsync/internal/api"
	"github.com/habitado/chatsync/internal/chaterr"
	"github.com/habitado/chatsync/internal/store"
	"go.uber.org/zap"
)

// Enqueuer accepts a journaled send. Implemented by outbound.Queue.
type Enqueuer interface {
	Enqueue(m *store.Message, p *store.PendingMessage) error
	Retry(localID string) error
}

// HistoryLoader pages conversation history. Implemented by
// history.Fetcher.
type HistoryLoader interface {
	Activate(convID string)
	HasMore(convID string) bool
	LoadOlder(ctx context.Context, convID string) (int, error)
}

// ReadMarker records local reads. Implemented by receipts.Tracker.
type ReadMarker interface {
	MarkConversationRead(ctx context.Context, convID string) error
}

// UploadCanceller abandons in-flight uploads. Implemented by
// uploads.Manager.
type UploadCanceller interface {
	Cancel(msgID string)
}

// ConversationSource fetches conversation metadata when it is not yet
// cached locally. Implemented by api.Client.
type ConversationSource interface {
	GetConversation(ctx context.Context, id string) (*api.Conversation, error)
}

// SendInput describes one user send intent.
type SendInput struct {
	ConversationID string
	Body           string
	ReplyToID      string
	ReplyPreview   string
	Attachments    []AttachmentInput
}

// AttachmentInput is a local file the user attached before sending.
type AttachmentInput struct {
	Kind     string
	LocalURI string
}

// View is one page of an open conversation.
type View struct {
	Conversation *store.Conversation
	Messages     []store.Message
	HasMore      bool
}

// Service is the single entry point for user intents. It composes the
// store, the outbound queue, the history fetcher, and the receipt
// tracker into conversation-level operations; nothing here talks to the
// network directly.
type Service struct {
	db       *store.DB
	queue    Enqueuer
	history  HistoryLoader
	receipts ReadMarker
	uploads  UploadCanceller
	remote   ConversationSource
	selfID   string
	pageSize int
	logger   *zap.Logger
}

// NewService creates the conversation service.
func NewService(db *store.DB, queue Enqueuer, history HistoryLoader, receipts ReadMarker, uploads UploadCanceller, remote ConversationSource, selfID string, pageSize int, logger *zap.Logger) *Service {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Service{
		db:       db,
		queue:    queue,
		history:  history,
		receipts: receipts,
		uploads:  uploads,
		remote:   remote,
		selfID:   selfID,
		pageSize: pageSize,
		logger:   logger,
	}
}

// Send validates and journals an outgoing message, returning its local
// id immediately. The echo is visible to readers before this returns;
// delivery happens in the background.
func (s *Service) Send(in SendInput) (string, error) {
	if in.ConversationID == "" {
		return "", chaterr.New(chaterr.KindValidation, "send", errors.New("conversation id required"))
	}
	if in.Body == "" && len(in.Attachments) == 0 {
		return "", chaterr.New(chaterr.KindValidation, "send", errors.New("message needs text or attachments"))
	}

	localID := uuid.NewString()
	now := time.Now().UnixMilli()
	msg := &store.Message{
		ConversationID: in.ConversationID,
		MsgID:          localID,
		SenderID:       s.selfID,
		Body:           in.Body,
		Status:         store.StatusSending,
		ReplyToID:      in.ReplyToID,
		ReplyPreview:   in.ReplyPreview,
		Timestamp:      now,
	}
	for i, a := range in.Attachments {
		if a.LocalURI == "" {
			return "", chaterr.New(chaterr.KindValidation, "send", errors.New("attachment needs a local uri"))
		}
		msg.Attachments = append(msg.Attachments, store.Attachment{
			ID:             uuid.NewString(),
			ConversationID: in.ConversationID,
			MsgID:          localID,
			Kind:           a.Kind,
			LocalURI:       a.LocalURI,
			Position:       i,
		})
	}
	pending := &store.PendingMessage{
		LocalID:        localID,
		ConversationID: in.ConversationID,
		Body:           in.Body,
		ReplyToID:      in.ReplyToID,
		QueuedAt:       now,
	}
	if err := s.queue.Enqueue(msg, pending); err != nil {
		return "", err
	}
	s.logger.Debug("send accepted",
		zap.String("conversation_id", in.ConversationID), zap.String("local_id", localID))
	return localID, nil
}

// Retry re-queues a failed message for delivery.
func (s *Service) Retry(localID string) error {
	return s.queue.Retry(localID)
}

// Open activates a conversation for viewing: loads it (fetching
// metadata remotely if unknown), marks it read, and returns the newest
// page of messages.
func (s *Service) Open(ctx context.Context, convID string) (*View, error) {
	s.history.Activate(convID)

	conv, err := s.db.GetConversation(convID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		conv, err = s.fetchConversation(ctx, convID)
		if err != nil {
			return nil, err
		}
	}

	msgs, err := s.db.ListMessages(convID, 0, s.pageSize)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 && s.history.HasMore(convID) {
		if _, err := s.history.LoadOlder(ctx, convID); err != nil {
			s.logger.Warn("initial history load failed", zap.Error(err), zap.String("conversation_id", convID))
		} else if msgs, err = s.db.ListMessages(convID, 0, s.pageSize); err != nil {
			return nil, err
		}
	}

	if err := s.receipts.MarkConversationRead(ctx, convID); err != nil {
		// Local marks applied; the server report retries on next open.
		s.logger.Warn("read report failed", zap.Error(err), zap.String("conversation_id", convID))
	}
	if _, err := s.db.RecomputeUnread(convID, s.selfID); err != nil {
		return nil, err
	}
	conv, err = s.db.GetConversation(convID)
	if err != nil {
		return nil, err
	}
	return &View{Conversation: conv, Messages: msgs, HasMore: s.history.HasMore(convID)}, nil
}

// LoadOlder pages further back in the open conversation and returns
// the refreshed message list.
func (s *Service) LoadOlder(ctx context.Context, convID string, loaded int) ([]store.Message, bool, error) {
	if _, err := s.history.LoadOlder(ctx, convID); err != nil {
		return nil, s.history.HasMore(convID), err
	}
	msgs, err := s.db.ListMessages(convID, 0, loaded+s.pageSize)
	if err != nil {
		return nil, false, err
	}
	return msgs, s.history.HasMore(convID), nil
}

// MarkRead marks everything in the conversation read.
func (s *Service) MarkRead(ctx context.Context, convID string) error {
	if err := s.receipts.MarkConversationRead(ctx, convID); err != nil {
		return err
	}
	_, err := s.db.RecomputeUnread(convID, s.selfID)
	return err
}

// Delete removes a message locally. Unsent messages are withdrawn from
// the journal and their uploads abandoned; nothing is deleted on the
// server.
func (s *Service) Delete(convID, msgID string) error {
	s.uploads.Cancel(msgID)
	if err := s.db.DeletePending(msgID); err != nil {
		return err
	}
	if err := s.db.RemoveMessage(convID, msgID); err != nil {
		return err
	}
	if err := s.db.RefreshLastMessage(convID); err != nil {
		return err
	}
	_, err := s.db.RecomputeUnread(convID, s.selfID)
	return err
}

// List returns the conversation list ordered by recent activity.
func (s *Service) List(limit, offset int) ([]store.Conversation, error) {
	return s.db.ListConversations(limit, offset)
}

func (s *Service) fetchConversation(ctx context.Context, convID string) (*store.Conversation, error) {
	remote, err := s.remote.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	conv := remote.ToStoreConversation()
	if err := s.db.UpsertConversation(conv); err != nil {
		return nil, err
	}
	return conv, nil
}
