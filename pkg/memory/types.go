package memory

import (
	"strings"
	"time"
)

// ContentKind is the closed set of message content classes.
type ContentKind string

const (
	ContentText      ContentKind = "text"
	ContentPhoto     ContentKind = "photo"
	ContentVideo     ContentKind = "video"
	ContentVideoNote ContentKind = "video_note"
	ContentDocument  ContentKind = "document"
	ContentSticker   ContentKind = "sticker"
	ContentVoice     ContentKind = "voice"
	ContentAudio     ContentKind = "audio"
	ContentPoll      ContentKind = "poll"
	ContentOther     ContentKind = "other"
)

var contentKinds = map[ContentKind]struct{}{
	ContentText: {}, ContentPhoto: {}, ContentVideo: {}, ContentVideoNote: {}, ContentDocument: {},
	ContentSticker: {}, ContentVoice: {}, ContentAudio: {}, ContentPoll: {}, ContentOther: {},
}

// ParseContentKind maps unknown or empty tags to ContentOther.
func ParseContentKind(raw string) ContentKind {
	k := ContentKind(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := contentKinds[k]; ok {
		return k
	}
	return ContentOther
}

type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Filename    string `json:"filename,omitempty"`
}

// IsImage reports whether a vision backend can describe the attachment.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(a.ContentType), "image/")
}

// ForwardOrigin points at the message a forward was copied from. It is a weak
// reference and is never resolved against the store.
type ForwardOrigin struct {
	ChatID    string    `json:"chat_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	AuthorID  string    `json:"author_id,omitempty"`
	SentAt    time.Time `json:"sent_at,omitempty"`
}

// Message is one stored conversational event. Text is nil for content
// without a text body.
type Message struct {
	Seq            int64
	ConversationID string
	NativeID       string
	AuthorID       string
	Text           *string
	Kind           ContentKind
	DerivedContext string
	ReplyToID      string
	Forward        *ForwardOrigin
	Attachments    []Attachment
	SentAt         time.Time
	EditedAt       time.Time
}

// TextOrEmpty returns the current text or "" for non-text content.
func (m Message) TextOrEmpty() string {
	if m.Text == nil {
		return ""
	}
	return *m.Text
}

// Edit is the text a message held immediately before an edit. PreviousText
// is nil when the message had no text.
type Edit struct {
	Version      int
	PreviousText *string
	EditedAt     time.Time
}

type Reaction struct {
	AuthorID string
	Key      string
	Custom   bool
	AddedAt  time.Time
}

// UserProfile holds the current identity fields of an author.
type UserProfile struct {
	ID            string
	Username      string
	GlobalName    string
	Discriminator string
	Bot           bool
	Premium       bool
	Locale        string
	UpdatedAt     time.Time
}

// DisplayName prefers the global name and falls back to the handle, then the id.
func (u UserProfile) DisplayName() string {
	switch {
	case strings.TrimSpace(u.GlobalName) != "":
		return u.GlobalName
	case strings.TrimSpace(u.Username) != "":
		return u.Username
	default:
		return u.ID
	}
}

// UserChange is one entry of a profile's append-only history.
type UserChange struct {
	UserID    string
	Field     string
	OldValue  string
	NewValue  string
	ChangedAt time.Time
}

// ReplyTarget is the read-time resolution of a reply back-reference.
type ReplyTarget struct {
	NativeID string
	Author   UserProfile
	Text     string
	Kind     ContentKind
	Found    bool
}

type ReactionView struct {
	Key    string
	Custom bool
	Author UserProfile
}

// MessageView is a message with its references resolved for presentation.
type MessageView struct {
	Message
	Author    UserProfile
	ReplyTo   *ReplyTarget
	Reactions []ReactionView
	EditCount int
}

// Summary is one rollup node keyed by (conversation, level, index).
type Summary struct {
	ConversationID string
	Level          int
	Index          int
	Text           string
	StartAt        time.Time
	EndAt          time.Time
	CreatedAt      time.Time
}

// Memory is a pinned fact.
type Memory struct {
	ID             string
	ConversationID string
	AuthorID       string
	Text           string
	SourceNativeID string
	CreatedAt      time.Time
}

// JobType values for background workers.
const (
	JobRollup   = "rollup"
	JobDescribe = "describe"
)

// JobStatus values.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	// JobRearmed is a running job that was triggered again mid-run.
	JobRearmed   = "rearmed"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job is a durable background task.
type Job struct {
	ID             string
	JobType        string
	ConversationID string
	Status         string
	Priority       int
	Payload        map[string]string
	Error          string
	RunAfterMS     int64
	LeaseUntilMS   int64
	CreatedAtMS    int64
	UpdatedAtMS    int64
	CompletedAtMS  int64
}
