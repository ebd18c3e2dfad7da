package ingest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/habitado/chatsync/internal/bus"
	"github.com/habitado/chatsync/internal/connectivity"
	"github.com/habitado/chatsync/internal/realtime"
	"github.com/habitado/chatsync/internal/store"
	"go.uber.org/zap"
)

type recordingMerger struct {
	mu    sync.Mutex
	calls [][3]string
}

func (m *recordingMerger) MergeRemote(convID, msgID, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, [3]string{convID, msgID, participantID})
	return nil
}

func (m *recordingMerger) merged() [][3]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][3]string, len(m.calls))
	copy(out, m.calls)
	return out
}

type catchUpCall struct {
	convID string
	since  int64
}

type recordingRefresher struct {
	mu    sync.Mutex
	calls []catchUpCall
}

func (r *recordingRefresher) CatchUp(_ context.Context, convID string, since int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, catchUpCall{convID: convID, since: since})
	return 0, nil
}

func (r *recordingRefresher) refreshed() []catchUpCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]catchUpCall, len(r.calls))
	copy(out, r.calls)
	return out
}

func newTestEngine(t *testing.T) (*Engine, *store.DB, *bus.Bus, *recordingMerger, *recordingRefresher) {
	t.Helper()
	b := bus.New()
	db, err := store.Open(filepath.Join(t.TempDir(), "chat.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	merger := &recordingMerger{}
	refresher := &recordingRefresher{}
	e := NewEngine(db, b, merger, refresher, "self", zap.NewNop())
	return e, db, b, merger, refresher
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPushedMessageLandsInStore(t *testing.T) {
	e, db, b, _, _ := newTestEngine(t)
	e.Start(context.Background())
	defer e.Stop()

	b.Publish(bus.Event{Kind: "rt.message", Payload: realtime.MessageEvent{
		ConversationID: "c1",
		MessageID:      "srv-1",
		SenderID:       "alice",
		Body:           "elevator is fixed",
		Timestamp:      5000,
		Attachments: []realtime.MessageAttachment{
			{ID: "a1", Kind: store.KindImage, URL: "https://cdn/a1.jpg"},
		},
	}})

	waitFor(t, "message to land", func() bool {
		m, _ := db.GetMessage("c1", "srv-1")
		return m != nil
	})
	m, _ := db.GetMessage("c1", "srv-1")
	if m.Status != store.StatusDelivered {
		t.Fatalf("status = %s, want delivered", m.Status)
	}
	if len(m.Attachments) != 1 || m.Attachments[0].RemoteURL != "https://cdn/a1.jpg" {
		t.Fatalf("attachments not merged: %+v", m.Attachments)
	}
	conv, _ := db.GetConversation("c1")
	if conv == nil || conv.LastMessageAt != 5000 {
		t.Fatalf("conversation not bumped: %+v", conv)
	}
	if conv.UnreadCount != 1 {
		t.Fatalf("unread = %d, want 1", conv.UnreadCount)
	}
	if ts, _ := db.GetCheckpoint("newest_ts.c1"); ts != "5000" {
		t.Fatalf("checkpoint = %q", ts)
	}
}

func TestReceiptEventFansOutPerMessage(t *testing.T) {
	e, _, b, merger, _ := newTestEngine(t)
	e.Start(context.Background())
	defer e.Stop()

	b.Publish(bus.Event{Kind: "rt.receipt", Payload: realtime.ReceiptEvent{
		ConversationID: "c1",
		ParticipantID:  "bob",
		MessageIDs:     []string{"m1", "m2"},
	}})

	waitFor(t, "receipts to merge", func() bool {
		return len(merger.merged()) == 2
	})
	calls := merger.merged()
	if calls[0] != [3]string{"c1", "m1", "bob"} || calls[1] != [3]string{"c1", "m2", "bob"} {
		t.Fatalf("unexpected merges: %v", calls)
	}
}

func TestTypingRepublished(t *testing.T) {
	e, _, b, _, _ := newTestEngine(t)
	out, unsub := b.Subscribe("conversation.typing", 4)
	defer unsub()
	e.Start(context.Background())
	defer e.Stop()

	b.Publish(bus.Event{Kind: "rt.typing", Payload: realtime.TypingEvent{
		ConversationID: "c1", ParticipantID: "bob", Typing: true,
	}})

	select {
	case evt := <-out:
		ev, ok := evt.Payload.(realtime.TypingEvent)
		if !ok || ev.ParticipantID != "bob" || !ev.Typing {
			t.Fatalf("unexpected payload: %+v", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("typing event not republished")
	}
}

func TestReconnectCatchesUpActiveConversations(t *testing.T) {
	e, db, b, _, refresher := newTestEngine(t)
	for _, conv := range []struct {
		id string
		ts int64
	}{{"c1", 1000}, {"c2", 2000}} {
		if err := db.TouchConversation(conv.id, conv.ts, "seed"); err != nil {
			t.Fatalf("seed %s: %v", conv.id, err)
		}
	}
	// c1 has a checkpoint from before the gap; c2 was never pushed to.
	if err := db.SetCheckpoint("newest_ts.c1", "1234"); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	e.Start(context.Background())
	defer e.Stop()

	b.Publish(bus.Event{Kind: "connectivity.changed", Payload: connectivity.StatusChange{
		From: connectivity.Offline, To: connectivity.Online,
	}})

	waitFor(t, "catch-up refreshes", func() bool {
		return len(refresher.refreshed()) == 2
	})
	// Most recently active first, each bounded by its own checkpoint.
	got := refresher.refreshed()
	if got[0] != (catchUpCall{convID: "c2", since: 0}) {
		t.Fatalf("first catch-up: %+v", got[0])
	}
	if got[1] != (catchUpCall{convID: "c1", since: 1234}) {
		t.Fatalf("second catch-up: %+v", got[1])
	}
}

func TestOfflineTransitionDoesNotRefresh(t *testing.T) {
	e, db, b, _, refresher := newTestEngine(t)
	if err := db.TouchConversation("c1", 1000, "seed"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	e.Start(context.Background())
	defer e.Stop()

	b.Publish(bus.Event{Kind: "connectivity.changed", Payload: connectivity.StatusChange{
		From: connectivity.Online, To: connectivity.Offline,
	}})

	time.Sleep(50 * time.Millisecond)
	if n := len(refresher.refreshed()); n != 0 {
		t.Fatalf("refreshed %d conversations on offline transition", n)
	}
}
