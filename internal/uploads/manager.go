package uploads

import (
	"context"
	"errors"
	"sync"

	"github.com/habitado/chatsync/internal/bus"
	"github.com/habitado/chatsync/internal/chaterr"
	"github.com/habitado/chatsync/internal/store"
	"go.uber.org/zap"
)

// Uploader pushes one attachment binary to the message service,
// reporting fractional progress. Implemented by api.Client.
type Uploader interface {
	UploadAttachment(ctx context.Context, attachmentID, kind, localPath string, progress func(float64)) (string, error)
}

// Progress is the ephemeral per-message upload state published on the
// bus as "upload.progress". It is never persisted; it exists only while
// an upload is in flight.
type Progress struct {
	ConversationID string
	MsgID          string
	Fraction       float64
	Uploading      bool
}

// Manager drives concurrent attachment uploads for outgoing messages.
// A large attachment never blocks other conversations: uploads run on
// their own goroutines under a global concurrency cap, and the owning
// message stays in sending until every attachment resolves.
type Manager struct {
	db       *store.DB
	uploader Uploader
	bus      *bus.Bus
	logger   *zap.Logger
	sem      chan struct{}

	mu     sync.Mutex
	active map[string]*activeUpload
}

type activeUpload struct {
	conversationID string
	cancel         context.CancelFunc
	fractions      []float64
	reported       float64
}

// NewManager creates an upload manager with the given global upload
// concurrency.
func NewManager(db *store.DB, uploader Uploader, b *bus.Bus, concurrency int, logger *zap.Logger) *Manager {
	if concurrency <= 0 {
		concurrency = 3
	}
	return &Manager{
		db:       db,
		uploader: uploader,
		bus:      b,
		logger:   logger,
		sem:      make(chan struct{}, concurrency),
		active:   make(map[string]*activeUpload),
	}
}

// ResolveForMessage uploads every attachment of a message that does not
// yet have a remote URL, concurrently, blocking until all resolve or
// one fails. Already-resolved attachments are never re-uploaded, so a
// retry after partial failure only moves the missing binaries. Returns
// nil when the message has no unresolved attachments.
func (m *Manager) ResolveForMessage(ctx context.Context, convID, msgID string) error {
	atts, err := m.db.AttachmentsForMessage(convID, msgID)
	if err != nil {
		return chaterr.New(chaterr.KindUpload, "load attachments", err)
	}

	var pending []store.Attachment
	fractions := make([]float64, len(atts))
	for i, a := range atts {
		if a.RemoteURL != "" {
			fractions[i] = 1
			continue
		}
		pending = append(pending, a)
	}
	if len(pending) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	state := &activeUpload{conversationID: convID, cancel: cancel, fractions: fractions}
	m.mu.Lock()
	m.active[msgID] = state
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.active, msgID)
		m.mu.Unlock()
	}()

	indexOf := make(map[string]int, len(atts))
	for i, a := range atts {
		indexOf[a.ID] = i
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(pending))
	for _, att := range pending {
		wg.Add(1)
		go func(att store.Attachment) {
			defer wg.Done()
			select {
			case m.sem <- struct{}{}:
				defer func() { <-m.sem }()
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}

			idx := indexOf[att.ID]
			url, err := m.uploader.UploadAttachment(ctx, att.ID, att.Kind, att.LocalURI, func(f float64) {
				m.onProgress(msgID, idx, f)
			})
			if err != nil {
				errCh <- err
				cancel() // abandon siblings; nothing partial is lost, resolved URLs are already persisted
				return
			}
			if err := m.db.SetAttachmentRemoteURL(att.ID, url); err != nil {
				errCh <- err
				cancel()
				return
			}
			m.onProgress(msgID, idx, 1)
		}(att)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err == nil {
			continue
		}
		m.publish("upload.failed", Progress{ConversationID: convID, MsgID: msgID, Uploading: false})
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return chaterr.New(chaterr.KindUpload, "upload attachments", err)
		}
		if chaterr.IsUpload(err) {
			return err
		}
		return chaterr.New(chaterr.KindUpload, "upload attachments", err)
	}

	m.publish("upload.finished", Progress{ConversationID: convID, MsgID: msgID, Fraction: 1, Uploading: false})
	return nil
}

// Cancel abandons any in-flight upload for a message and discards its
// progress record. Called when the owning message is deleted; no
// progress indicator may outlive its message.
func (m *Manager) Cancel(msgID string) {
	m.mu.Lock()
	state, ok := m.active[msgID]
	if ok {
		delete(m.active, msgID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	state.cancel()
	m.publish("upload.cancelled", Progress{ConversationID: state.conversationID, MsgID: msgID, Uploading: false})
}

// Snapshot returns the current progress for a message, if an upload is
// active.
func (m *Manager) Snapshot(msgID string) (Progress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.active[msgID]
	if !ok {
		return Progress{}, false
	}
	return Progress{
		ConversationID: state.conversationID,
		MsgID:          msgID,
		Fraction:       state.reported,
		Uploading:      true,
	}, true
}

// onProgress aggregates per-attachment fractions into one message-level
// fraction. The published value is monotonically non-decreasing even if
// individual readers report out of order.
func (m *Manager) onProgress(msgID string, idx int, frac float64) {
	m.mu.Lock()
	state, ok := m.active[msgID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if frac > state.fractions[idx] {
		state.fractions[idx] = frac
	}
	var sum float64
	for _, f := range state.fractions {
		sum += f
	}
	total := sum / float64(len(state.fractions))
	if total <= state.reported {
		m.mu.Unlock()
		return
	}
	state.reported = total
	convID := state.conversationID
	m.mu.Unlock()

	m.publish("upload.progress", Progress{
		ConversationID: convID,
		MsgID:          msgID,
		Fraction:       total,
		Uploading:      true,
	})
}

func (m *Manager) publish(kind string, p Progress) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{Kind: kind, Payload: p})
}
