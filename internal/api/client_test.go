package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/habitado/chatsync/internal/chaterr"
	"go.uber.org/zap"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger, _ := zap.NewDevelopment()
	return NewClient(srv.URL, 5*time.Second, logger)
}

func TestListMessages(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations/c1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "5" {
			t.Errorf("limit = %q, want 5", r.URL.Query().Get("limit"))
		}
		_ = json.NewEncoder(w).Encode(MessagePage{
			Messages: []Message{{ID: "m1", Body: "hello", Timestamp: 1000}},
			HasMore:  true,
		})
	}))

	page, err := c.ListMessages(context.Background(), "c1", 2000, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 1 || !page.HasMore {
		t.Errorf("page = %+v", page)
	}
}

func TestSendMessage(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.ClientID == "" {
			t.Error("client id missing; server cannot deduplicate without it")
		}
		_ = json.NewEncoder(w).Encode(SendResponse{MessageID: "srv-1", Timestamp: 42})
	}))

	resp, err := c.SendMessage(context.Background(), &SendRequest{
		ClientID: "local-1", ConversationID: "c1", SenderID: "self", Body: "hi",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.MessageID != "srv-1" {
		t.Errorf("message id = %q", resp.MessageID)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   chaterr.Kind
	}{
		{http.StatusInternalServerError, chaterr.KindTransient},
		{http.StatusBadGateway, chaterr.KindTransient},
		{http.StatusTooManyRequests, chaterr.KindTransient},
		{http.StatusNotFound, chaterr.KindNotFound},
		{http.StatusBadRequest, chaterr.KindValidation},
		{http.StatusUnprocessableEntity, chaterr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			_, err := c.GetConversation(context.Background(), "c1")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := chaterr.KindOf(err); got != tt.want {
				t.Errorf("kind = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConnectionRefusedIsTransient(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	// Nothing listens on this port.
	c := NewClient("http://127.0.0.1:1", time.Second, logger)
	_, err := c.GetConversation(context.Background(), "c1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !chaterr.IsTransient(err) {
		t.Errorf("connection error should be transient, got %v", err)
	}
}

func TestUploadAttachment(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatal(err)
		}
		if r.FormValue("attachmentId") != "a1" {
			t.Errorf("attachmentId = %q", r.FormValue("attachmentId"))
		}
		if r.FormValue("kind") != "image" {
			t.Errorf("kind = %q", r.FormValue("kind"))
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "https://cdn.example.test/a1"})
	}))

	path := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(path, make([]byte, 4096), 0600); err != nil {
		t.Fatal(err)
	}

	var last float64
	url, err := c.UploadAttachment(context.Background(), "a1", "image", path, func(f float64) {
		if f < last {
			t.Errorf("progress regressed: %f after %f", f, last)
		}
		last = f
	})
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://cdn.example.test/a1" {
		t.Errorf("url = %q", url)
	}
	if last != 1 {
		t.Errorf("final progress = %f, want 1", last)
	}
}

func TestUploadFailureIsUploadKind(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	path := filepath.Join(t.TempDir(), "doc.pdf")
	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := c.UploadAttachment(context.Background(), "a1", "document", path, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !chaterr.IsUpload(err) {
		t.Errorf("kind = %q, want upload", chaterr.KindOf(err))
	}

	// Missing local file is also an upload error, not a crash.
	_, err = c.UploadAttachment(context.Background(), "a2", "document", filepath.Join(t.TempDir(), "missing"), nil)
	if !chaterr.IsUpload(err) {
		t.Errorf("missing file kind = %q, want upload", chaterr.KindOf(err))
	}
}
