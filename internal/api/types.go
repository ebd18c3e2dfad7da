package api

import "github.com/habitado/chatsync/internal/store"

// Conversation is the message service's conversation representation.
type Conversation struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	IsGroup      bool          `json:"isGroup"`
	ImageURL     string        `json:"imageUrl"`
	Participants []Participant `json:"participants"`
	CreatedAt    int64         `json:"createdAt"`
	UpdatedAt    int64         `json:"updatedAt"`
}

// Participant is a conversation member on the wire.
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Message is a server-side message on the wire.
type Message struct {
	ID           string       `json:"id"`
	SenderID     string       `json:"senderId"`
	Body         string       `json:"body"`
	Status       string       `json:"status"`
	ReplyToID    string       `json:"replyToId,omitempty"`
	ReplyPreview string       `json:"replyPreview,omitempty"`
	Timestamp    int64        `json:"timestamp"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	ReadBy       []string     `json:"readBy,omitempty"`
}

// Attachment is an uploaded attachment reference on the wire.
type Attachment struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

// MessagePage is one page of conversation history.
type MessagePage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// SendRequest delivers one user-authored message. ClientID is the
// client-generated id the server deduplicates on, so re-sending after
// an ambiguous failure can never create two messages.
type SendRequest struct {
	ClientID       string       `json:"clientId"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Body           string       `json:"body"`
	ReplyToID      string       `json:"replyToId,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// SendResponse confirms a delivered message with its server identity.
type SendResponse struct {
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

// ToStoreMessage converts a wire message into a store row for the given
// conversation.
func (m *Message) ToStoreMessage(convID string) *store.Message {
	sm := &store.Message{
		ConversationID: convID,
		MsgID:          m.ID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		Status:         m.Status,
		ReplyToID:      m.ReplyToID,
		ReplyPreview:   m.ReplyPreview,
		Timestamp:      m.Timestamp,
		ReadBy:         m.ReadBy,
	}
	if sm.Status == "" {
		sm.Status = store.StatusDelivered
	}
	for i, a := range m.Attachments {
		sm.Attachments = append(sm.Attachments, store.Attachment{
			ID:             a.ID,
			ConversationID: convID,
			MsgID:          m.ID,
			Kind:           a.Kind,
			RemoteURL:      a.URL,
			Position:       i,
		})
	}
	return sm
}

// ToStoreConversation converts a wire conversation into a store row.
func (c *Conversation) ToStoreConversation() *store.Conversation {
	sc := &store.Conversation{
		ID:        c.ID,
		Title:     c.Title,
		IsGroup:   c.IsGroup,
		ImageURL:  c.ImageURL,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	for _, p := range c.Participants {
		sc.Participants = append(sc.Participants, store.Participant{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
		})
	}
	return sc
}
