package channels

import (
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/dotsetgreg/dotrecall/pkg/bus"
	"github.com/dotsetgreg/dotrecall/pkg/config"
	"github.com/dotsetgreg/dotrecall/pkg/memory"
)

// classifyContent picks the content kind in one ordered pass: poll, sticker,
// voice message, then the first attachment's media type, then text.
func classifyContent(m *discordgo.Message) memory.ContentKind {
	switch {
	case m.Poll != nil:
		return memory.ContentPoll
	case len(m.StickerItems) > 0:
		return memory.ContentSticker
	case m.Flags&discordgo.MessageFlagsIsVoiceMessage != 0:
		return memory.ContentVoice
	}
	for _, att := range m.Attachments {
		if att == nil {
			continue
		}
		return attachmentKind(att.ContentType)
	}
	if strings.TrimSpace(m.Content) != "" {
		return memory.ContentText
	}
	return memory.ContentOther
}

func attachmentKind(contentType string) memory.ContentKind {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "image/"):
		return memory.ContentPhoto
	case strings.HasPrefix(ct, "video/"):
		return memory.ContentVideo
	case strings.HasPrefix(ct, "audio/"):
		return memory.ContentAudio
	default:
		return memory.ContentDocument
	}
}

func toAuthor(u *discordgo.User) bus.Author {
	if u == nil {
		return bus.Author{}
	}
	return bus.Author{
		ID:            u.ID,
		Username:      u.Username,
		GlobalName:    u.GlobalName,
		Discriminator: u.Discriminator,
		Bot:           u.Bot,
		Premium:       u.PremiumType != 0,
		Locale:        u.Locale,
	}
}

// messageText returns the text body with user mentions spelled out. Poll
// messages carry their question as text.
func messageText(m *discordgo.Message) string {
	text := m.Content
	if len(m.Mentions) > 0 {
		text = m.ContentWithMentionsReplaced()
	}
	if m.Poll != nil && strings.TrimSpace(text) == "" {
		text = m.Poll.Question.Text
	}
	return text
}

// normalizeMessage maps a created message to a bus event. botID is the
// connected bot user; its own messages are recorded but never trigger.
func normalizeMessage(m *discordgo.Message, botID string, cfg config.DiscordConfig) bus.InboundMessage {
	src := m
	msg := bus.InboundMessage{
		Kind:      bus.KindMessage,
		ChatID:    m.ChannelID,
		MessageID: m.ID,
		Author:    toAuthor(m.Author),
		SentAt:    m.Timestamp,
		Metadata: map[string]string{
			"guild_id": m.GuildID,
		},
	}
	msg.SenderID = msg.Author.ID

	if ref := m.MessageReference; ref != nil {
		switch ref.Type {
		case discordgo.MessageReferenceTypeForward:
			origin := &bus.ForwardOrigin{ChatID: ref.ChannelID, MessageID: ref.MessageID}
			// The forwarded body lives in the snapshot.
			if len(m.MessageSnapshots) > 0 && m.MessageSnapshots[0].Message != nil {
				snap := m.MessageSnapshots[0].Message
				origin.SentAt = snap.Timestamp
				if snap.Author != nil {
					origin.AuthorID = snap.Author.ID
				}
				src = snap
			}
			msg.Forward = origin
		default:
			msg.ReplyToID = ref.MessageID
		}
	}

	msg.Content = messageText(src)
	msg.HasText = strings.TrimSpace(msg.Content) != ""
	msg.ContentKind = string(classifyContent(src))
	for _, att := range src.Attachments {
		if att == nil {
			continue
		}
		msg.Attachments = append(msg.Attachments, bus.Attachment{
			URL:         att.URL,
			ContentType: att.ContentType,
			Filename:    att.Filename,
		})
	}

	if msg.SenderID != "" && msg.SenderID != botID {
		msg.Trigger = isTrigger(m, botID, cfg)
	}
	return msg
}

// isTrigger reports whether the message asks the bot for a reply: a direct
// message, a mention, or a reply to one of the bot's messages.
func isTrigger(m *discordgo.Message, botID string, cfg config.DiscordConfig) bool {
	if botID == "" {
		return false
	}
	if m.GuildID == "" {
		return true
	}
	if cfg.RespondToMentions {
		for _, u := range m.Mentions {
			if u != nil && u.ID == botID {
				return true
			}
		}
	}
	if cfg.RespondToReplies && m.ReferencedMessage != nil && m.ReferencedMessage.Author != nil &&
		m.ReferencedMessage.Author.ID == botID {
		return true
	}
	return false
}

// normalizeEdit returns false for updates that are not text edits, such as
// embed unfurls.
func normalizeEdit(m *discordgo.Message) (bus.InboundMessage, bool) {
	if m == nil || m.EditedTimestamp == nil {
		return bus.InboundMessage{}, false
	}
	msg := bus.InboundMessage{
		Kind:      bus.KindEdit,
		ChatID:    m.ChannelID,
		MessageID: m.ID,
		Content:   messageText(m),
		HasText:   true,
		SentAt:    *m.EditedTimestamp,
	}
	if m.Author != nil {
		msg.SenderID = m.Author.ID
		msg.Author = toAuthor(m.Author)
	}
	return msg, true
}

func normalizeReaction(r *discordgo.MessageReaction, added bool) bus.InboundMessage {
	msg := bus.InboundMessage{
		Kind:      bus.KindReaction,
		ChatID:    r.ChannelID,
		MessageID: r.MessageID,
		SenderID:  r.UserID,
	}
	key := r.Emoji.APIName()
	if added {
		msg.Added = []string{key}
	} else {
		msg.Removed = []string{key}
	}
	return msg
}
