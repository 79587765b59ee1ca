package bus

import "time"

// EventKind distinguishes the normalized transport events.
type EventKind string

const (
	KindMessage  EventKind = "message"
	KindEdit     EventKind = "edit"
	KindReaction EventKind = "reaction"
)

// Author is the sender identity as reported by the transport at event time.
type Author struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	GlobalName    string `json:"global_name,omitempty"`
	Discriminator string `json:"discriminator,omitempty"`
	Bot           bool   `json:"bot,omitempty"`
	Premium       bool   `json:"premium,omitempty"`
	Locale        string `json:"locale,omitempty"`
}

type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Filename    string `json:"filename,omitempty"`
}

type ForwardOrigin struct {
	ChatID    string    `json:"chat_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	AuthorID  string    `json:"author_id,omitempty"`
	SentAt    time.Time `json:"sent_at,omitempty"`
}

type InboundMessage struct {
	Kind        EventKind         `json:"kind"`
	Channel     string            `json:"channel"`
	ChatID      string            `json:"chat_id"`
	MessageID   string            `json:"message_id"`
	SenderID    string            `json:"sender_id"`
	Author      Author            `json:"author"`
	Content     string            `json:"content"`
	HasText     bool              `json:"has_text"`
	ContentKind string            `json:"content_kind,omitempty"`
	ReplyToID   string            `json:"reply_to_id,omitempty"`
	Forward     *ForwardOrigin    `json:"forward,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	SentAt      time.Time         `json:"sent_at"`
	Added       []string          `json:"added,omitempty"`
	Removed     []string          `json:"removed,omitempty"`
	Trigger     bool              `json:"trigger,omitempty"`
	SessionKey  string            `json:"session_key"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ConversationID scopes native ids: the same chat id on two transports is
// two conversations.
func (m InboundMessage) ConversationID() string {
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel   string `json:"channel"`
	ChatID    string `json:"chat_id"`
	Content   string `json:"content"`
	ReplyToID string `json:"reply_to_id,omitempty"`
}
