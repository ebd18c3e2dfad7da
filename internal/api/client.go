package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/habitado/chatsync/internal/chaterr"
	"go.uber.org/zap"
)

// Client talks to the message service. It carries no retry logic:
// retrying is entirely the outbound queue's responsibility.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *zap.Logger
}

// NewClient creates a message-service client.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// GetConversation fetches conversation metadata.
func (c *Client) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	if err := c.getJSON(ctx, "get conversation", "/conversations/"+url.PathEscape(id), nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListMessages fetches a page of history older than the cursor. A zero
// cursor means "from now".
func (c *Client) ListMessages(ctx context.Context, convID string, before int64, limit int) (*MessagePage, error) {
	if before <= 0 {
		before = time.Now().UnixMilli() + 1
	}
	q := url.Values{
		"before": {strconv.FormatInt(before, 10)},
		"limit":  {strconv.Itoa(limit)},
	}
	var page MessagePage
	path := "/conversations/" + url.PathEscape(convID) + "/messages"
	if err := c.getJSON(ctx, "list messages", path, q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SendMessage delivers one message. The server deduplicates on
// req.ClientID.
func (c *Client) SendMessage(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	var resp SendResponse
	if err := c.postJSON(ctx, "send message", "/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MarkRead tells the server a participant has read a conversation.
func (c *Client) MarkRead(ctx context.Context, convID, participantID string) error {
	body := map[string]string{"participantId": participantID}
	path := "/conversations/" + url.PathEscape(convID) + "/read"
	return c.postJSON(ctx, "mark read", path, body, nil)
}

// UploadAttachment streams a local file to the service, reporting
// fractional progress, and returns the resolved remote URL. All
// failures are classified as upload errors so they stay isolated from
// the owning message's text delivery.
func (c *Client) UploadAttachment(ctx context.Context, attachmentID, kind, localPath string, progress func(float64)) (string, error) {
	const op = "upload attachment"

	f, err := os.Open(localPath)
	if err != nil {
		return "", chaterr.New(chaterr.KindUpload, op, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", chaterr.New(chaterr.KindUpload, op, err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer func() { _ = pw.Close() }()
		if err := mw.WriteField("attachmentId", attachmentID); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if err := mw.WriteField("kind", kind); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		part, err := mw.CreateFormFile("file", info.Name())
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		src := &progressReader{r: f, total: info.Size(), report: progress}
		if _, err := io.Copy(part, src); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/attachments", pr)
	if err != nil {
		return "", chaterr.New(chaterr.KindUpload, op, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", chaterr.New(chaterr.KindUpload, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", chaterr.New(chaterr.KindUpload, op, fmt.Errorf("status %d", resp.StatusCode))
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", chaterr.New(chaterr.KindUpload, op, err)
	}
	return out.URL, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return chaterr.New(chaterr.KindValidation, op, err)
	}
	return c.do(op, req, out)
}

func (c *Client) postJSON(ctx context.Context, op, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return chaterr.New(chaterr.KindValidation, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return chaterr.New(chaterr.KindValidation, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, req, out)
}

func (c *Client) do(op string, req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		// Network failures are retryable.
		return chaterr.New(chaterr.KindTransient, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(op, resp.StatusCode); err != nil {
		c.logger.Warn("api call failed",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode))
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return chaterr.New(chaterr.KindTransient, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// classifyStatus maps HTTP status codes onto the error taxonomy:
// 5xx and 429 are retryable, 404 means the entity vanished server-side,
// remaining 4xx are rejected input.
func classifyStatus(op string, status int) error {
	switch {
	case status >= 200 && status <= 299:
		return nil
	case status == http.StatusNotFound:
		return chaterr.New(chaterr.KindNotFound, op, fmt.Errorf("status %d", status))
	case status == http.StatusTooManyRequests || status >= 500:
		return chaterr.New(chaterr.KindTransient, op, fmt.Errorf("status %d", status))
	default:
		return chaterr.New(chaterr.KindValidation, op, fmt.Errorf("status %d", status))
	}
}

// progressReader reports cumulative read progress as a fraction of the
// total size.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	report func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.report != nil && p.total > 0 {
		frac := float64(p.read) / float64(p.total)
		if frac > 1 {
			frac = 1
		}
		p.report(frac)
	}
	return n, err
}
