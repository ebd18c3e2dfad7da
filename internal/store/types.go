package store

// Message statuses. The ladder is monotonic per message: sending → sent →
// delivered → read. The only allowed excursions are sending → failed and
// failed → sending (user retry). Once read, a message never regresses.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Attachment kinds.
const (
	KindImage    = "image"
	KindDocument = "document"
	KindLocation = "location"
	KindContact  = "contact"
	KindVoice    = "voice"
)

// Pending journal states.
const (
	PendingQueued  = "queued"
	PendingSending = "sending"
	PendingFailed  = "failed"
)

var statusRank = map[string]int{
	StatusSending:   0,
	StatusFailed:    0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// canAdvance reports whether a message may move from one status to
// another. Disallowed transitions are treated as no-ops by callers so
// out-of-order network events never corrupt state.
func canAdvance(from, to string) bool {
	if from == to {
		return false
	}
	if from == StatusRead {
		return false
	}
	if to == StatusFailed {
		return from == StatusSending
	}
	if from == StatusFailed {
		return to == StatusSending
	}
	return statusRank[to] > statusRank[from]
}

// Conversation is the conversation-list read model row.
type Conversation struct {
	ID                 string
	Title              string
	IsGroup            bool
	ImageURL           string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
	CreatedAt          int64
	UpdatedAt          int64
	Participants       []Participant
}

// Participant is a member of a conversation.
type Participant struct {
	UserID      string
	DisplayName string
}

// Message is a stored chat message. MsgID is client-generated (a UUID)
// for optimistic sends and replaced with the server id on confirmation.
type Message struct {
	RowID          int64
	ConversationID string
	MsgID          string
	SenderID       string
	Body           string
	Status         string
	ReplyToID      string
	ReplyPreview   string
	Timestamp      int64
	Attachments    []Attachment
	ReadBy         []string
}

// Attachment belongs to a message. LocalURI is the pre-upload source on
// device; RemoteURL is set once the binary is uploaded. The two are
// distinct fields and a message renders from whichever is present.
type Attachment struct {
	ID             string
	ConversationID string
	MsgID          string
	Kind           string
	LocalURI       string
	RemoteURL      string
	Position       int
}

// PendingMessage is a durable journal entry for a message that has not
// been confirmed by the server yet. It exists from the moment a send is
// accepted until delivery is confirmed, surviving process restarts.
type PendingMessage struct {
	RowID          int64
	LocalID        string
	ConversationID string
	Body           string
	ReplyToID      string
	State          string
	Attempts       int
	LastError      string
	QueuedAt       int64
}

// MessageRef identifies a message in bus event payloads.
type MessageRef struct {
	ConversationID string
	MsgID          string
}

// StatusChange is the payload for message.status_changed events.
type StatusChange struct {
	ConversationID string
	MsgID          string
	From           string
	To             string
}

// Reconciled is the payload for message.reconciled events.
type Reconciled struct {
	ConversationID string
	LocalID        string
	ServerID       string
}
