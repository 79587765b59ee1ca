package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/dotrecall/pkg/bus"
	"github.com/dotsetgreg/dotrecall/pkg/channels"
	"github.com/dotsetgreg/dotrecall/pkg/config"
	"github.com/dotsetgreg/dotrecall/pkg/logger"
	"github.com/dotsetgreg/dotrecall/pkg/memory"
	"github.com/dotsetgreg/dotrecall/pkg/metrics"
	"github.com/dotsetgreg/dotrecall/pkg/providers"
	"github.com/dotsetgreg/dotrecall/pkg/tools"
)

const (
	defaultFallbackReply = "Sorry, I couldn't come up with a reply just now. Please try again."
	localUserID          = "local-user"
	localBotID           = "local-bot"
	// In-flight answers get this long to finish once consumption stops.
	defaultDrainGrace = 10 * time.Second
)

// AgentLoop applies transport events to the conversation store in arrival
// order and answers triggers concurrently.
type AgentLoop struct {
	bus            *bus.MessageBus
	memory         *memory.Service
	router         *Router
	tools          *tools.ToolRegistry
	model          string
	botName        string
	fallback       string
	describe       bool
	triggerSlots   chan struct{}
	drainGrace     time.Duration
	inflight       sync.WaitGroup
	running        atomic.Bool
	channelManager *channels.Manager
}

// createToolRegistry registers the tools a reply may use.
func createToolRegistry(cfg *config.Config, store tools.MemoryWriter) *tools.ToolRegistry {
	registry := tools.NewToolRegistry()
	registry.Register(tools.NewRememberTool(store))

	if searchTool := tools.NewWebSearchTool(tools.WebSearchToolOptions{
		BraveAPIKey:          cfg.Tools.Web.Brave.APIKey,
		BraveMaxResults:      cfg.Tools.Web.Brave.MaxResults,
		BraveEnabled:         cfg.Tools.Web.Brave.Enabled,
		DuckDuckGoMaxResults: cfg.Tools.Web.DuckDuckGo.MaxResults,
		DuckDuckGoEnabled:    cfg.Tools.Web.DuckDuckGo.Enabled,
	}); searchTool != nil {
		registry.Register(searchTool)
	}
	return registry
}

func NewAgentLoop(cfg *config.Config, msgBus *bus.MessageBus, provider providers.LLMProvider, mem *memory.Service) (*AgentLoop, error) {
	if mem == nil {
		return nil, fmt.Errorf("memory service is required")
	}
	registry := createToolRegistry(cfg, mem.Store())
	builder := NewContextBuilder(cfg.WorkspacePath(), cfg.Agent.BotName)
	router := NewRouter(provider, mem, registry, builder, RouterOptions{
		Model:         cfg.Agent.Model,
		DecisionModel: cfg.Agent.DecisionModel,
		MaxTokens:     cfg.Agent.MaxTokens,
		Temperature:   cfg.Agent.Temperature,
		RouteWindow:   cfg.Memory.RouteWindow,
		Timeout:       cfg.GenerationTimeout(),
	})

	slots := cfg.Agent.MaxConcurrentTriggers
	if slots <= 0 {
		slots = 4
	}
	fallback := strings.TrimSpace(cfg.Agent.FallbackReply)
	if fallback == "" {
		fallback = defaultFallbackReply
	}

	return &AgentLoop{
		bus:          msgBus,
		memory:       mem,
		router:       router,
		tools:        registry,
		model:        router.opts.Model,
		botName:      builder.botName,
		fallback:     fallback,
		describe:     cfg.Memory.DescribeAttachments,
		triggerSlots: make(chan struct{}, slots),
		drainGrace:   defaultDrainGrace,
	}, nil
}

// Run consumes events until ctx ends or the bus closes. Answers already in
// flight are not tied to ctx: they get drainGrace to finish and publish
// their reply, then are cancelled.
func (al *AgentLoop) Run(ctx context.Context) error {
	al.running.Store(true)
	defer al.running.Store(false)

	answerCtx, cancelAnswers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelAnswers()

	for al.running.Load() {
		msg, ok := al.bus.ConsumeInbound(ctx)
		if !ok {
			// Context done or bus closed.
			break
		}

		trigger, err := al.applyEvent(ctx, msg)
		if err != nil {
			logger.WarnCF("agent", "Failed to apply transport event",
				map[string]interface{}{
					"kind":         string(msg.Kind),
					"conversation": msg.ConversationID(),
					"message_id":   msg.MessageID,
					"error":        err.Error(),
				})
			continue
		}
		if trigger != nil {
			al.dispatchTrigger(ctx, answerCtx, *trigger)
		}
	}

	al.drain(cancelAnswers)
	return nil
}

func (al *AgentLoop) drain(cancelAnswers context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		al.inflight.Wait()
		close(done)
	}()
	timer := time.NewTimer(al.drainGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logger.WarnCF("agent", "Cancelling answers still in flight",
			map[string]interface{}{"grace_ms": al.drainGrace.Milliseconds()})
		cancelAnswers()
		<-done
	}
}

func (al *AgentLoop) Stop() {
	al.running.Store(false)
}

func (al *AgentLoop) SetChannelManager(cm *channels.Manager) {
	al.channelManager = cm
}

// applyEvent writes one transport event to the store. It returns a trigger
// only for a newly saved message flagged as one; a redelivered message is
// stored once and never answered twice.
func (al *AgentLoop) applyEvent(ctx context.Context, msg bus.InboundMessage) (*Trigger, error) {
	conversationID := msg.ConversationID()
	store := al.memory.Store()

	switch msg.Kind {
	case bus.KindMessage, "":
		saved, err := al.ingestMessage(ctx, msg)
		if err != nil || !saved || !msg.Trigger {
			return nil, err
		}
		return &Trigger{
			Channel:    msg.Channel,
			ChatID:     msg.ChatID,
			MessageID:  msg.MessageID,
			AuthorID:   msg.SenderID,
			AuthorName: authorName(msg.Author, msg.SenderID),
			Content:    msg.Content,
		}, nil

	case bus.KindEdit:
		al.upsertAuthor(ctx, msg)
		err := store.RecordEdit(ctx, conversationID, msg.MessageID, msg.Content, msOrZero(msg.SentAt))
		countEvent(bus.KindEdit, err)
		return nil, err

	case bus.KindReaction:
		al.upsertAuthor(ctx, msg)
		err := store.ReconcileReactions(ctx, conversationID, msg.MessageID, msg.SenderID, msg.Added, msg.Removed)
		countEvent(bus.KindReaction, err)
		return nil, err

	default:
		return nil, fmt.Errorf("unknown event kind %q", msg.Kind)
	}
}

// upsertAuthor refreshes the sender profile. A failure is logged and never
// blocks the event itself.
func (al *AgentLoop) upsertAuthor(ctx context.Context, msg bus.InboundMessage) {
	profile := profileFromAuthor(msg.Author, msg.SenderID)
	if profile.ID == "" {
		return
	}
	if err := al.memory.Store().UpsertUser(ctx, profile); err != nil {
		logger.WarnCF("agent", "Failed to update user profile",
			map[string]interface{}{"user": profile.ID, "error": err.Error()})
	}
}

// ingestMessage saves a new message and queues its background work. It
// reports false for a redelivered message.
func (al *AgentLoop) ingestMessage(ctx context.Context, msg bus.InboundMessage) (bool, error) {
	conversationID := msg.ConversationID()
	store := al.memory.Store()
	al.upsertAuthor(ctx, msg)

	var text *string
	if msg.HasText || msg.Content != "" {
		content := msg.Content
		text = &content
	}
	kind := memory.ContentText
	if msg.ContentKind != "" {
		kind = memory.ParseContentKind(msg.ContentKind)
	}
	saved, err := store.SaveMessage(ctx, memory.Message{
		ConversationID: conversationID,
		NativeID:       msg.MessageID,
		AuthorID:       msg.SenderID,
		Text:           text,
		Kind:           kind,
		ReplyToID:      msg.ReplyToID,
		Forward:        toForward(msg.Forward),
		Attachments:    toAttachments(msg.Attachments),
		SentAt:         msg.SentAt,
	})
	if errors.Is(err, memory.ErrDuplicateKey) {
		metrics.EventsIngested.WithLabelValues(string(bus.KindMessage), "duplicate").Inc()
		logger.DebugCF("agent", "Duplicate message ignored",
			map[string]interface{}{"conversation": conversationID, "message_id": msg.MessageID})
		return false, nil
	}
	countEvent(bus.KindMessage, err)
	if err != nil {
		return false, err
	}

	if err := al.memory.ScheduleRollup(ctx, conversationID); err != nil {
		logger.WarnCF("agent", "Failed to schedule rollup",
			map[string]interface{}{"conversation": conversationID, "error": err.Error()})
	}
	if al.describe {
		for _, att := range saved.Attachments {
			if !att.IsImage() {
				continue
			}
			if err := al.memory.ScheduleDescribe(ctx, conversationID, saved.NativeID, att); err != nil {
				logger.WarnCF("agent", "Failed to schedule attachment description",
					map[string]interface{}{"conversation": conversationID, "message_id": saved.NativeID, "error": err.Error()})
			}
			// One description per message is enough context.
			break
		}
	}
	return true, nil
}

// dispatchTrigger answers in the background, bounded by the trigger slots.
// Waiting for a slot keeps event ingestion ordered behind busy triggers.
func (al *AgentLoop) dispatchTrigger(ctx, answerCtx context.Context, trigger Trigger) {
	select {
	case al.triggerSlots <- struct{}{}:
	case <-ctx.Done():
		return
	}
	al.inflight.Add(1)
	go func() {
		defer al.inflight.Done()
		defer func() { <-al.triggerSlots }()

		text := al.answer(answerCtx, trigger)
		al.bus.PublishOutbound(answerCtx, bus.OutboundMessage{
			Channel:   trigger.Channel,
			ChatID:    trigger.ChatID,
			Content:   text,
			ReplyToID: trigger.MessageID,
		})
	}()
}

// answer runs the router and substitutes the fallback reply on failure.
func (al *AgentLoop) answer(ctx context.Context, trigger Trigger) string {
	start := time.Now()
	reply, err := al.router.Handle(ctx, trigger)
	if err != nil {
		logger.ErrorCF("agent", "Reply generation failed",
			map[string]interface{}{
				"conversation": trigger.ConversationID(),
				"message_id":   trigger.MessageID,
				"error":        err.Error(),
			})
		return al.fallback
	}
	logger.InfoCF("agent", "Reply generated",
		map[string]interface{}{
			"conversation": trigger.ConversationID(),
			"message_id":   trigger.MessageID,
			"capabilities": reply.Capabilities,
			"chars":        len(reply.Text),
			"elapsed_ms":   time.Since(start).Milliseconds(),
		})
	return reply.Text
}

func (al *AgentLoop) ProcessDirect(ctx context.Context, content, chatID string) (string, error) {
	return al.ProcessDirectWithChannel(ctx, content, "cli", chatID)
}

// ProcessDirectWithChannel serves local transports that do not echo the bot's
// own messages back, so the reply is stored here as well.
func (al *AgentLoop) ProcessDirectWithChannel(ctx context.Context, content, channel, chatID string) (string, error) {
	if strings.TrimSpace(chatID) == "" {
		chatID = "direct"
	}
	msg := bus.InboundMessage{
		Kind:      bus.KindMessage,
		Channel:   channel,
		ChatID:    chatID,
		MessageID: uuid.NewString(),
		SenderID:  localUserID,
		Author:    bus.Author{ID: localUserID, Username: localUserID},
		Content:   content,
		HasText:   true,
		SentAt:    time.Now(),
		Trigger:   true,
	}

	if response, handled := al.handleCommand(ctx, msg); handled {
		return response, nil
	}

	trigger, err := al.applyEvent(ctx, msg)
	if err != nil {
		return "", err
	}
	if trigger == nil {
		return "", nil
	}

	text := al.answer(ctx, *trigger)
	if _, err := al.ingestMessage(ctx, bus.InboundMessage{
		Kind:      bus.KindMessage,
		Channel:   channel,
		ChatID:    chatID,
		MessageID: uuid.NewString(),
		SenderID:  localBotID,
		Author:    bus.Author{ID: localBotID, Username: al.botName, Bot: true},
		Content:   text,
		HasText:   true,
		ReplyToID: msg.MessageID,
		SentAt:    time.Now(),
	}); err != nil {
		logger.WarnCF("agent", "Failed to store local reply", map[string]interface{}{"error": err.Error()})
	}
	return text, nil
}

// GetStartupInfo returns information about registered tools for logging.
func (al *AgentLoop) GetStartupInfo() map[string]interface{} {
	names := al.tools.List()
	return map[string]interface{}{
		"tools": map[string]interface{}{
			"count": len(names),
			"names": names,
		},
		"model":          al.model,
		"decision_model": al.router.opts.DecisionModel,
	}
}

func (al *AgentLoop) handleCommand(ctx context.Context, msg bus.InboundMessage) (string, bool) {
	content := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(content, "/") {
		return "", false
	}
	parts := strings.Fields(content)
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "/show":
		if len(args) < 1 {
			return "Usage: /show [model|channel]", true
		}
		switch args[0] {
		case "model":
			return fmt.Sprintf("Current model: %s (decisions: %s)", al.model, al.router.opts.DecisionModel), true
		case "channel":
			return fmt.Sprintf("Current channel: %s", msg.Channel), true
		default:
			return fmt.Sprintf("Unknown show target: %s", args[0]), true
		}

	case "/list":
		if len(args) < 1 {
			return "Usage: /list [channels|facts]", true
		}
		switch args[0] {
		case "channels":
			if al.channelManager == nil {
				return "Channel manager not initialized", true
			}
			enabled := al.channelManager.GetEnabledChannels()
			if len(enabled) == 0 {
				return "No channels enabled", true
			}
			return fmt.Sprintf("Enabled channels: %s", strings.Join(enabled, ", ")), true
		case "facts":
			mems, err := al.memory.Store().ListMemories(ctx, msg.ConversationID())
			if err != nil {
				return fmt.Sprintf("Failed to list pinned facts: %v", err), true
			}
			if len(mems) == 0 {
				return "No pinned facts.", true
			}
			lines := []string{"Pinned facts:"}
			for _, m := range mems {
				lines = append(lines, fmt.Sprintf("- %s %s", m.ID, m.Text))
			}
			return strings.Join(lines, "\n"), true
		default:
			return fmt.Sprintf("Unknown list target: %s", args[0]), true
		}

	case "/forget":
		if len(args) < 1 {
			return "Usage: /forget <fact-id>", true
		}
		if err := al.memory.Store().DeleteMemory(ctx, args[0]); err != nil {
			return fmt.Sprintf("Failed to forget %s: %v", args[0], err), true
		}
		return fmt.Sprintf("Forgot %s.", args[0]), true
	}

	return "", false
}

func countEvent(kind bus.EventKind, err error) {
	result := "ok"
	switch {
	case errors.Is(err, memory.ErrNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	metrics.EventsIngested.WithLabelValues(string(kind), result).Inc()
}

func profileFromAuthor(a bus.Author, senderID string) memory.UserProfile {
	id := a.ID
	if id == "" {
		id = senderID
	}
	return memory.UserProfile{
		ID:            id,
		Username:      a.Username,
		GlobalName:    a.GlobalName,
		Discriminator: a.Discriminator,
		Bot:           a.Bot,
		Premium:       a.Premium,
		Locale:        a.Locale,
	}
}

func authorName(a bus.Author, senderID string) string {
	return profileFromAuthor(a, senderID).DisplayName()
}

func toForward(f *bus.ForwardOrigin) *memory.ForwardOrigin {
	if f == nil {
		return nil
	}
	return &memory.ForwardOrigin{
		ChatID:    f.ChatID,
		MessageID: f.MessageID,
		AuthorID:  f.AuthorID,
		SentAt:    f.SentAt,
	}
}

func toAttachments(in []bus.Attachment) []memory.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]memory.Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, memory.Attachment{URL: a.URL, ContentType: a.ContentType, Filename: a.Filename})
	}
	return out
}

func msOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
