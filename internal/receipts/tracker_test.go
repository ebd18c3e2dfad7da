package receipts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/habitado/chatsync/internal/bus"
	"github.com/habitado/chatsync/internal/store"
	"go.uber.org/zap"
)

type mockSyncer struct {
	calls int
	fail  error
}

func (m *mockSyncer) MarkRead(context.Context, string, string) error {
	m.calls++
	return m.fail
}

func newTestTracker(t *testing.T, quorum string) (*Tracker, *store.DB, *mockSyncer) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "chat.db"), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	syncer := &mockSyncer{}
	return NewTracker(db, syncer, quorum, "self", zap.NewNop()), db, syncer
}

func seedGroup(t *testing.T, db *store.DB, msgStatus string) {
	t.Helper()
	err := db.UpsertConversation(&store.Conversation{
		ID:      "g1",
		Title:   "Building 4 owners",
		IsGroup: true,
		Participants: []store.Participant{
			{UserID: "self", DisplayName: "Me"},
			{UserID: "alice", DisplayName: "Alice"},
			{UserID: "bob", DisplayName: "Bob"},
		},
	})
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	err = db.UpsertMessage(&store.Message{
		ConversationID: "g1",
		MsgID:          "m1",
		SenderID:       "self",
		Body:           "meeting at 6",
		Status:         msgStatus,
		Timestamp:      1000,
	})
	if err != nil {
		t.Fatalf("seed message: %v", err)
	}
}

func TestQuorumAllNeedsEveryRecipient(t *testing.T) {
	tr, db, _ := newTestTracker(t, QuorumAll)
	seedGroup(t, db, store.StatusDelivered)

	if err := tr.MergeRemote("g1", "m1", "alice"); err != nil {
		t.Fatalf("merge alice: %v", err)
	}
	msg, _ := db.GetMessage("g1", "m1")
	if msg.Status != store.StatusDelivered {
		t.Fatalf("status = %s after one of two recipients", msg.Status)
	}

	if err := tr.MergeRemote("g1", "m1", "bob"); err != nil {
		t.Fatalf("merge bob: %v", err)
	}
	msg, _ = db.GetMessage("g1", "m1")
	if msg.Status != store.StatusRead {
		t.Fatalf("status = %s after full quorum, want read", msg.Status)
	}
}

func TestQuorumAnyPromotesOnFirstReceipt(t *testing.T) {
	tr, db, _ := newTestTracker(t, QuorumAny)
	seedGroup(t, db, store.StatusDelivered)

	if err := tr.MergeRemote("g1", "m1", "alice"); err != nil {
		t.Fatalf("merge: %v", err)
	}
	msg, _ := db.GetMessage("g1", "m1")
	if msg.Status != store.StatusRead {
		t.Fatalf("status = %s, want read", msg.Status)
	}
}

func TestSenderReceiptDoesNotCount(t *testing.T) {
	tr, db, _ := newTestTracker(t, QuorumAny)
	seedGroup(t, db, store.StatusDelivered)

	if err := tr.MergeRemote("g1", "m1", "self"); err != nil {
		t.Fatalf("merge: %v", err)
	}
	msg, _ := db.GetMessage("g1", "m1")
	if msg.Status == store.StatusRead {
		t.Fatal("sender's own receipt promoted the message")
	}
}

func TestDuplicateReceiptsAreIdempotent(t *testing.T) {
	tr, db, _ := newTestTracker(t, QuorumAll)
	seedGroup(t, db, store.StatusDelivered)

	for i := 0; i < 3; i++ {
		if err := tr.MergeRemote("g1", "m1", "alice"); err != nil {
			t.Fatalf("merge %d: %v", i, err)
		}
	}
	readers, err := db.ReadersOf("g1", "m1")
	if err != nil {
		t.Fatalf("readers: %v", err)
	}
	if len(readers) != 1 {
		t.Fatalf("duplicate receipts accumulated: %v", readers)
	}
}

func TestReadNeverRegresses(t *testing.T) {
	tr, db, _ := newTestTracker(t, QuorumAny)
	seedGroup(t, db, store.StatusRead)

	if err := tr.MergeRemote("g1", "m1", "alice"); err != nil {
		t.Fatalf("merge: %v", err)
	}
	msg, _ := db.GetMessage("g1", "m1")
	if msg.Status != store.StatusRead {
		t.Fatalf("status regressed to %s", msg.Status)
	}
}

func TestMarkConversationReadMarksAndReports(t *testing.T) {
	tr, db, syncer := newTestTracker(t, QuorumAll)
	seedGroup(t, db, store.StatusDelivered)
	// An inbound message from alice that self has not read yet.
	err := db.UpsertMessage(&store.Message{
		ConversationID: "g1",
		MsgID:          "m2",
		SenderID:       "alice",
		Body:           "see you there",
		Status:         store.StatusDelivered,
		Timestamp:      2000,
	})
	if err != nil {
		t.Fatalf("seed inbound: %v", err)
	}

	if err := tr.MarkConversationRead(context.Background(), "g1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if syncer.calls != 1 {
		t.Fatalf("server reported %d times, want 1", syncer.calls)
	}
	readers, _ := db.ReadersOf("g1", "m2")
	if len(readers) != 1 || readers[0] != "self" {
		t.Fatalf("readers = %v, want [self]", readers)
	}
	// m2 was sent by alice, so with quorum all it needs bob too.
	msg, _ := db.GetMessage("g1", "m2")
	if msg.Status != store.StatusDelivered {
		t.Fatalf("status = %s before bob's receipt", msg.Status)
	}
	if err := tr.MergeRemote("g1", "m2", "bob"); err != nil {
		t.Fatalf("merge bob: %v", err)
	}
	msg, _ = db.GetMessage("g1", "m2")
	if msg.Status != store.StatusRead {
		t.Fatalf("status = %s after quorum, want read", msg.Status)
	}
}

func TestMarkConversationReadKeepsLocalMarksOnSyncFailure(t *testing.T) {
	tr, db, syncer := newTestTracker(t, QuorumAll)
	seedGroup(t, db, store.StatusDelivered)
	err := db.UpsertMessage(&store.Message{
		ConversationID: "g1",
		MsgID:          "m2",
		SenderID:       "alice",
		Body:           "unsynced",
		Status:         store.StatusDelivered,
		Timestamp:      2000,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	syncer.fail = errors.New("service unavailable")

	if err := tr.MarkConversationRead(context.Background(), "g1"); err == nil {
		t.Fatal("expected sync error")
	}
	readers, _ := db.ReadersOf("g1", "m2")
	if len(readers) != 1 {
		t.Fatalf("local mark lost on sync failure: %v", readers)
	}
}

func TestNothingUnreadSkipsServerCall(t *testing.T) {
	tr, db, syncer := newTestTracker(t, QuorumAll)
	seedGroup(t, db, store.StatusRead)

	if err := tr.MarkConversationRead(context.Background(), "g1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if syncer.calls != 0 {
		t.Fatal("server called with nothing unread")
	}
}
