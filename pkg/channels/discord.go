package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dotsetgreg/dotrecall/pkg/bus"
	"github.com/dotsetgreg/dotrecall/pkg/config"
	"github.com/dotsetgreg/dotrecall/pkg/logger"
	"github.com/dotsetgreg/dotrecall/pkg/memory"
)

const (
	sendTimeout           = 10 * time.Second
	typingRefreshInterval = 8 * time.Second

	discordIntents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessageReactions
)

// DiscordChannel bridges a Discord bot session to the bus. It records
// messages, edits and reactions from every chat it can see, and shows a
// typing indicator while a triggered reply is pending.
type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session
	cfg     config.DiscordConfig
	typing  *typingIndicator

	mu     sync.RWMutex
	runCtx context.Context
	stop   context.CancelFunc
}

func NewDiscordChannel(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	c := &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", msgBus, cfg.AllowFrom),
		session:     session,
		cfg:         cfg,
	}
	c.typing = newTypingIndicator(c.sendTyping)
	return c, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx, c.stop = context.WithCancel(ctx)
	c.mu.Unlock()

	c.session.Identify.Intents = discordIntents
	c.session.AddHandler(c.onMessageCreate)
	c.session.AddHandler(c.onMessageUpdate)
	c.session.AddHandler(c.onReactionAdd)
	c.session.AddHandler(c.onReactionRemove)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	c.setRunning(true)

	me, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("fetch discord bot user: %w", err)
	}
	logger.InfoCF("discord", "Discord bot connected", map[string]any{
		"username": me.Username,
		"user_id":  me.ID,
	})
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	c.typing.stopAll()

	c.mu.Lock()
	if c.stop != nil {
		c.stop()
	}
	c.mu.Unlock()

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	logger.InfoC("discord", "Discord bot disconnected")
	return nil
}

// Send posts msg, splitting long replies. Only the first chunk is threaded as
// a reply to the triggering message.
func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return errors.New("discord bot not running")
	}
	if msg.ChatID == "" {
		return errors.New("discord channel ID is empty")
	}
	defer c.typing.end(msg.ChatID)

	replyTo := msg.ReplyToID
	for _, chunk := range splitMessage(msg.Content, chunkLimit) {
		if err := c.sendChunk(ctx, msg.ChatID, chunk, replyTo); err != nil {
			return err
		}
		replyTo = ""
	}
	return nil
}

func (c *DiscordChannel) sendChunk(ctx context.Context, channelID, content, replyTo string) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	data := &discordgo.MessageSend{Content: content}
	if replyTo != "" {
		// The trigger may have been deleted meanwhile; post unthreaded then.
		failIfMissing := false
		data.Reference = &discordgo.MessageReference{
			MessageID:       replyTo,
			ChannelID:       channelID,
			FailIfNotExists: &failIfMissing,
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.session.ChannelMessageSendComplex(channelID, data)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send discord message: %w", ctx.Err())
	}
}

func (c *DiscordChannel) sendTyping(channelID string) {
	if !c.IsRunning() {
		return
	}
	if err := c.session.ChannelTyping(channelID); err != nil {
		logger.WarnCF("discord", "Typing indicator failed", map[string]any{
			"channel_id": channelID,
			"error":      err.Error(),
		})
	}
}

func (c *DiscordChannel) botID() string {
	if c.session.State == nil || c.session.State.User == nil {
		return ""
	}
	return c.session.State.User.ID
}

func (c *DiscordChannel) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	msg := normalizeMessage(m.Message, c.botID(), c.cfg)
	if !msg.HasText && len(msg.Attachments) == 0 && msg.ContentKind == string(memory.ContentOther) {
		// Joins, pins and other system notices.
		return
	}

	logger.DebugCF("discord", "Received message", map[string]any{
		"sender_id":  msg.SenderID,
		"message_id": msg.MessageID,
		"kind":       msg.ContentKind,
		"trigger":    msg.Trigger,
	})

	typing := msg.Trigger && c.IsAllowed(msg.SenderID)
	if typing {
		c.typing.begin(msg.ChatID)
	}
	if !c.HandleEvent(c.eventCtx(), msg) && typing {
		c.typing.end(msg.ChatID)
	}
}

func (c *DiscordChannel) onMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	if m == nil {
		return
	}
	if msg, ok := normalizeEdit(m.Message); ok {
		c.HandleEvent(c.eventCtx(), msg)
	}
}

func (c *DiscordChannel) onReactionAdd(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if r != nil && r.MessageReaction != nil {
		c.HandleEvent(c.eventCtx(), normalizeReaction(r.MessageReaction, true))
	}
}

func (c *DiscordChannel) onReactionRemove(_ *discordgo.Session, r *discordgo.MessageReactionRemove) {
	if r != nil && r.MessageReaction != nil {
		c.HandleEvent(c.eventCtx(), normalizeReaction(r.MessageReaction, false))
	}
}

// eventCtx bounds how long a gateway handler may wait for room on the bus.
func (c *DiscordChannel) eventCtx() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.runCtx == nil {
		return context.Background()
	}
	return c.runCtx
}

// typingIndicator keeps one refresh loop per chat alive while any reply for
// that chat is outstanding.
type typingIndicator struct {
	send func(chatID string)

	mu      sync.Mutex
	pending map[string]int
	cancels map[string]context.CancelFunc
}

func newTypingIndicator(send func(chatID string)) *typingIndicator {
	return &typingIndicator{
		send:    send,
		pending: make(map[string]int),
		cancels: make(map[string]context.CancelFunc),
	}
}

func (t *typingIndicator) begin(chatID string) {
	if chatID == "" {
		return
	}
	t.mu.Lock()
	t.pending[chatID]++
	if t.pending[chatID] > 1 {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancels[chatID] = cancel
	t.mu.Unlock()

	t.send(chatID)
	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.send(chatID)
			}
		}
	}()
}

func (t *typingIndicator) end(chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[chatID] == 0 {
		return
	}
	t.pending[chatID]--
	if t.pending[chatID] > 0 {
		return
	}
	delete(t.pending, chatID)
	if cancel := t.cancels[chatID]; cancel != nil {
		cancel()
		delete(t.cancels, chatID)
	}
}

func (t *typingIndicator) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for chatID, cancel := range t.cancels {
		cancel()
		delete(t.cancels, chatID)
	}
	clear(t.pending)
}

// active reports the chats with a live indicator.
func (t *typingIndicator) active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cancels)
}
