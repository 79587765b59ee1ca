package channels

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotrecall/pkg/bus"
	"github.com/dotsetgreg/dotrecall/pkg/config"
	"github.com/dotsetgreg/dotrecall/pkg/memory"
)

const testBotID = "bot-1"

var respondAll = config.DiscordConfig{RespondToMentions: true, RespondToReplies: true}

func TestClassifyContent(t *testing.T) {
	image := &discordgo.MessageAttachment{ContentType: "image/png"}
	tests := []struct {
		name string
		msg  *discordgo.Message
		want memory.ContentKind
	}{
		{"text", &discordgo.Message{Content: "hi"}, memory.ContentText},
		{"empty", &discordgo.Message{}, memory.ContentOther},
		{"photo with caption", &discordgo.Message{Content: "look", Attachments: []*discordgo.MessageAttachment{image}}, memory.ContentPhoto},
		{"video", &discordgo.Message{Attachments: []*discordgo.MessageAttachment{{ContentType: "video/mp4"}}}, memory.ContentVideo},
		{"audio file", &discordgo.Message{Attachments: []*discordgo.MessageAttachment{{ContentType: "audio/mpeg"}}}, memory.ContentAudio},
		{"document", &discordgo.Message{Attachments: []*discordgo.MessageAttachment{{ContentType: "application/pdf"}}}, memory.ContentDocument},
		{"unknown type", &discordgo.Message{Attachments: []*discordgo.MessageAttachment{{}}}, memory.ContentDocument},
		{
			"voice message beats its audio attachment",
			&discordgo.Message{Flags: discordgo.MessageFlagsIsVoiceMessage, Attachments: []*discordgo.MessageAttachment{{ContentType: "audio/ogg"}}},
			memory.ContentVoice,
		},
		{"sticker", &discordgo.Message{StickerItems: []*discordgo.StickerItem{{ID: "s"}}}, memory.ContentSticker},
		{"poll first", &discordgo.Message{Poll: &discordgo.Poll{}, StickerItems: []*discordgo.StickerItem{{ID: "s"}}}, memory.ContentPoll},
		{"first attachment decides", &discordgo.Message{Attachments: []*discordgo.MessageAttachment{{ContentType: "application/zip"}, image}}, memory.ContentDocument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyContent(tt.msg))
		})
	}
}

func guildMessage(id, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        id,
		ChannelID: "chan",
		GuildID:   "guild",
		Content:   content,
		Author:    &discordgo.User{ID: "u1", Username: "ana", GlobalName: "Ana", Locale: "pt-BR", PremiumType: 2},
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNormalizeMessage_Basics(t *testing.T) {
	m := guildMessage("100", "hello")
	m.Attachments = []*discordgo.MessageAttachment{{URL: "https://cdn/x.png", ContentType: "image/png", Filename: "x.png"}}

	msg := normalizeMessage(m, testBotID, respondAll)
	assert.Equal(t, bus.KindMessage, msg.Kind)
	assert.Equal(t, "chan", msg.ChatID)
	assert.Equal(t, "100", msg.MessageID)
	assert.Equal(t, "u1", msg.SenderID)
	assert.Equal(t, bus.Author{ID: "u1", Username: "ana", GlobalName: "Ana", Locale: "pt-BR", Premium: true}, msg.Author)
	assert.Equal(t, "hello", msg.Content)
	assert.True(t, msg.HasText)
	assert.Equal(t, "photo", msg.ContentKind)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "x.png", msg.Attachments[0].Filename)
	assert.False(t, msg.Trigger)
	assert.Equal(t, m.Timestamp, msg.SentAt)
}

func TestNormalizeMessage_Triggers(t *testing.T) {
	bot := &discordgo.User{ID: testBotID, Username: "recall", Bot: true}

	mention := guildMessage("1", "<@"+testBotID+"> what's up")
	mention.Mentions = []*discordgo.User{bot}
	msg := normalizeMessage(mention, testBotID, respondAll)
	assert.True(t, msg.Trigger)
	assert.Equal(t, "@recall what's up", msg.Content)

	assert.False(t, normalizeMessage(mention, testBotID, config.DiscordConfig{}).Trigger, "mentions can be disabled")

	reply := guildMessage("2", "thanks")
	reply.MessageReference = &discordgo.MessageReference{MessageID: "bot-msg", ChannelID: "chan"}
	reply.ReferencedMessage = &discordgo.Message{ID: "bot-msg", Author: bot}
	msg = normalizeMessage(reply, testBotID, respondAll)
	assert.True(t, msg.Trigger)
	assert.Equal(t, "bot-msg", msg.ReplyToID)

	replyToHuman := guildMessage("3", "agreed")
	replyToHuman.MessageReference = &discordgo.MessageReference{MessageID: "h"}
	replyToHuman.ReferencedMessage = &discordgo.Message{ID: "h", Author: &discordgo.User{ID: "u2"}}
	msg = normalizeMessage(replyToHuman, testBotID, respondAll)
	assert.False(t, msg.Trigger)
	assert.Equal(t, "h", msg.ReplyToID)

	dm := guildMessage("4", "hey")
	dm.GuildID = ""
	assert.True(t, normalizeMessage(dm, testBotID, config.DiscordConfig{}).Trigger, "direct messages always trigger")

	own := guildMessage("5", "my own reply")
	own.Author = bot
	own.GuildID = ""
	msg = normalizeMessage(own, testBotID, respondAll)
	assert.False(t, msg.Trigger, "the bot never triggers itself")
	assert.True(t, msg.Author.Bot)
}

func TestNormalizeMessage_ForwardUsesSnapshot(t *testing.T) {
	sent := time.Date(2024, 12, 24, 8, 0, 0, 0, time.UTC)
	m := guildMessage("200", "")
	m.MessageReference = &discordgo.MessageReference{
		Type:      discordgo.MessageReferenceTypeForward,
		MessageID: "orig",
		ChannelID: "other-chan",
	}
	m.MessageSnapshots = []discordgo.MessageSnapshot{{Message: &discordgo.Message{
		Content:     "forwarded text",
		Timestamp:   sent,
		Attachments: []*discordgo.MessageAttachment{{URL: "https://cdn/v.mp4", ContentType: "video/mp4"}},
	}}}

	msg := normalizeMessage(m, testBotID, respondAll)
	require.NotNil(t, msg.Forward)
	assert.Equal(t, "other-chan", msg.Forward.ChatID)
	assert.Equal(t, "orig", msg.Forward.MessageID)
	assert.Equal(t, sent, msg.Forward.SentAt)
	assert.Empty(t, msg.ReplyToID, "a forward is not a reply")
	assert.Equal(t, "forwarded text", msg.Content)
	assert.Equal(t, "video", msg.ContentKind)
	require.Len(t, msg.Attachments, 1)
}

func TestNormalizeMessage_PollQuestionIsText(t *testing.T) {
	m := guildMessage("300", "")
	m.Poll = &discordgo.Poll{Question: discordgo.PollMedia{Text: "Pizza or tacos?"}}

	msg := normalizeMessage(m, testBotID, respondAll)
	assert.Equal(t, "poll", msg.ContentKind)
	assert.Equal(t, "Pizza or tacos?", msg.Content)
	assert.True(t, msg.HasText)
}

func TestNormalizeEdit(t *testing.T) {
	_, ok := normalizeEdit(guildMessage("1", "unfurl only"))
	assert.False(t, ok, "updates without an edit timestamp are ignored")

	edited := time.Date(2025, 3, 1, 12, 5, 0, 0, time.UTC)
	m := guildMessage("1", "fixed typo")
	m.EditedTimestamp = &edited
	msg, ok := normalizeEdit(m)
	require.True(t, ok)
	assert.Equal(t, bus.KindEdit, msg.Kind)
	assert.Equal(t, "fixed typo", msg.Content)
	assert.Equal(t, edited, msg.SentAt)
	assert.Equal(t, "1", msg.MessageID)
}

func TestNormalizeReaction(t *testing.T) {
	unicode := &discordgo.MessageReaction{UserID: "u2", MessageID: "m", ChannelID: "chan", Emoji: discordgo.Emoji{Name: "👍"}}
	msg := normalizeReaction(unicode, true)
	assert.Equal(t, bus.KindReaction, msg.Kind)
	assert.Equal(t, []string{"👍"}, msg.Added)
	assert.Empty(t, msg.Removed)
	assert.Equal(t, "u2", msg.SenderID)

	custom := &discordgo.MessageReaction{UserID: "u2", MessageID: "m", ChannelID: "chan", Emoji: discordgo.Emoji{Name: "party", ID: "987"}}
	msg = normalizeReaction(custom, false)
	assert.Equal(t, []string{"party:987"}, msg.Removed)
	assert.Empty(t, msg.Added)
}
