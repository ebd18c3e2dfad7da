package history

import (
	"context"
	"sync"

	"github.com/habitado/chatsync/internal/api"
	"github.com/habitado/chatsync/internal/store"
	"go.uber.org/zap"
)

// PageSource fetches one page of history from the message service.
// Implemented by api.Client.
type PageSource interface {
	ListMessages(ctx context.Context, convID string, before int64, limit int) (*api.MessagePage, error)
}

// Fetcher walks a conversation's history backwards page by page,
// merging each page into the local store. Pages land all-or-nothing:
// a failed fetch changes nothing locally and can simply be retried.
type Fetcher struct {
	db     *store.DB
	source PageSource
	logger *zap.Logger
	limit  int

	mu      sync.Mutex
	active  string
	hasMore map[string]bool
}

// NewFetcher creates a fetcher with the given page size.
func NewFetcher(db *store.DB, source PageSource, pageSize int, logger *zap.Logger) *Fetcher {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Fetcher{
		db:      db,
		source:  source,
		logger:  logger,
		limit:   pageSize,
		hasMore: make(map[string]bool),
	}
}

// Activate marks a conversation as the one being viewed. Pages that
// finish fetching for any other conversation are discarded instead of
// merged, so a slow response cannot land after the user navigated away.
func (f *Fetcher) Activate(convID string) {
	f.mu.Lock()
	f.active = convID
	f.mu.Unlock()
}

// HasMore reports whether older history remains for the conversation.
// Unknown conversations are assumed to have more until a fetch proves
// otherwise.
func (f *Fetcher) HasMore(convID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	more, known := f.hasMore[convID]
	return !known || more
}

// LoadPage fetches the page of messages older than before and merges
// it. A before of zero means newest first. Returns the number of
// messages merged; zero with a nil error means either the end of
// history or a stale result for an inactive conversation.
func (f *Fetcher) LoadPage(ctx context.Context, convID string, before int64) (int, error) {
	if !f.HasMore(convID) {
		return 0, nil
	}

	page, err := f.source.ListMessages(ctx, convID, before, f.limit)
	if err != nil {
		// hasMore is deliberately untouched: the page may still exist.
		return 0, err
	}

	f.mu.Lock()
	stale := f.active != "" && f.active != convID
	if !stale {
		f.hasMore[convID] = page.HasMore
	}
	f.mu.Unlock()
	if stale {
		f.logger.Debug("discarding stale history page", zap.String("conversation_id", convID))
		return 0, nil
	}

	msgs := make([]*store.Message, 0, len(page.Messages))
	for i := range page.Messages {
		msgs = append(msgs, page.Messages[i].ToStoreMessage(convID))
	}
	merged, err := f.db.MergeHistoryPage(convID, msgs)
	if err != nil {
		return 0, err
	}
	f.logger.Debug("merged history page",
		zap.String("conversation_id", convID),
		zap.Int("merged", merged),
		zap.Bool("has_more", page.HasMore))
	return merged, nil
}

// LoadOlder continues from the oldest locally stored message.
func (f *Fetcher) LoadOlder(ctx context.Context, convID string) (int, error) {
	oldest, err := f.db.OldestTimestamp(convID)
	if err != nil {
		return 0, err
	}
	return f.LoadPage(ctx, convID, oldest)
}

// maxCatchUpPages bounds how far back one catch-up walks; anything
// older is reached through normal pagination.
const maxCatchUpPages = 5

// CatchUp pulls newest pages until the history reaches since (the last
// checkpointed server timestamp), merging each page. Used after a
// reconnect to fill the gap the push channel missed. Dedup in the merge
// makes overlap with already stored messages harmless; a since of zero
// merges a single newest page.
func (f *Fetcher) CatchUp(ctx context.Context, convID string, since int64) (int, error) {
	total := 0
	var before int64
	for pages := 0; pages < maxCatchUpPages; pages++ {
		page, err := f.source.ListMessages(ctx, convID, before, f.limit)
		if err != nil {
			return total, err
		}
		msgs := make([]*store.Message, 0, len(page.Messages))
		oldest := int64(0)
		for i := range page.Messages {
			m := &page.Messages[i]
			if oldest == 0 || m.Timestamp < oldest {
				oldest = m.Timestamp
			}
			msgs = append(msgs, m.ToStoreMessage(convID))
		}
		merged, err := f.db.MergeHistoryPage(convID, msgs)
		if err != nil {
			return total, err
		}
		total += merged
		if len(page.Messages) == 0 || !page.HasMore {
			return total, nil
		}
		if since <= 0 || oldest <= since {
			return total, nil
		}
		before = oldest
	}
	return total, nil
}
