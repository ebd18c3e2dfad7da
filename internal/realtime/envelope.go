package realtime

import (
	"encoding/json"
	"fmt"
)

// MessageEvent is a new or updated message pushed over the realtime
// channel.
type MessageEvent struct {
	ConversationID string              `json:"conversationId"`
	MessageID      string              `json:"messageId"`
	SenderID       string              `json:"senderId"`
	Body           string              `json:"body"`
	ReplyToID      string              `json:"replyToId,omitempty"`
	ReplyPreview   string              `json:"replyPreview,omitempty"`
	Status         string              `json:"status,omitempty"`
	Timestamp      int64               `json:"timestamp"`
	Attachments    []MessageAttachment `json:"attachments,omitempty"`
}

// MessageAttachment is an attachment carried inside a MessageEvent.
type MessageAttachment struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

// ReceiptEvent reports that a participant read one or more messages.
type ReceiptEvent struct {
	ConversationID string   `json:"conversationId"`
	ParticipantID  string   `json:"participantId"`
	MessageIDs     []string `json:"messageIds"`
	ReadAt         int64    `json:"readAt"`
}

// TypingEvent reports that a participant started or stopped typing.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	ParticipantID  string `json:"participantId"`
	Typing         bool   `json:"typing"`
}

func parseMessage(data []byte) (*MessageEvent, error) {
	var ev MessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode message event: %w", err)
	}
	if ev.ConversationID == "" || ev.MessageID == "" {
		return nil, fmt.Errorf("message event missing ids")
	}
	return &ev, nil
}

func parseReceipt(data []byte) (*ReceiptEvent, error) {
	var ev ReceiptEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode receipt event: %w", err)
	}
	if ev.ConversationID == "" || ev.ParticipantID == "" || len(ev.MessageIDs) == 0 {
		return nil, fmt.Errorf("receipt event missing fields")
	}
	return &ev, nil
}

func parseTyping(data []byte) (*TypingEvent, error) {
	var ev TypingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode typing event: %w", err)
	}
	if ev.ConversationID == "" || ev.ParticipantID == "" {
		return nil, fmt.Errorf("typing event missing fields")
	}
	return &ev, nil
}
