package agent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotrecall/pkg/bus"
	"github.com/dotsetgreg/dotrecall/pkg/config"
	"github.com/dotsetgreg/dotrecall/pkg/memory"
	"github.com/dotsetgreg/dotrecall/pkg/providers"
)

type nopDescriber struct{}

func (nopDescriber) Describe(ctx context.Context, url, contentType string) (string, error) {
	return "a photo", nil
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Agent.Workspace = t.TempDir()
	cfg.Agent.FallbackReply = "fallback reply"
	cfg.Tools.Web.DuckDuckGo.Enabled = false
	return cfg
}

func newTestLoop(t *testing.T, provider providers.LLMProvider, describer memory.Describer) (*AgentLoop, *bus.MessageBus, *memory.Service) {
	t.Helper()
	cfg := newTestConfig(t)
	svc, err := memory.NewService(memory.Config{
		DBPath:         filepath.Join(t.TempDir(), "recall.db"),
		BlockSize:      4,
		RawWindow:      10,
		DisableWorkers: true,
	}, nil, describer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	msgBus := bus.NewMessageBus()
	loop, err := NewAgentLoop(cfg, msgBus, provider, svc)
	require.NoError(t, err)
	return loop, msgBus, svc
}

func inbound(id, content string, trigger bool) bus.InboundMessage {
	return bus.InboundMessage{
		Kind:      bus.KindMessage,
		Channel:   "discord",
		ChatID:    "chat",
		MessageID: id,
		SenderID:  "u1",
		Author:    bus.Author{ID: "u1", Username: "ana", GlobalName: "Ana"},
		Content:   content,
		HasText:   true,
		SentAt:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Trigger:   trigger,
	}
}

func waitOutbound(t *testing.T, msgBus *bus.MessageBus) bus.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, ok := msgBus.SubscribeOutbound(ctx)
	require.True(t, ok, "expected an outbound message")
	return out
}

func TestAgentLoop_AppliesEventsInOrderAndAnswersTrigger(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{nil, {Content: "hi Ana"}}}
	loop, msgBus, svc := newTestLoop(t, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()

	edit := inbound("m1", "hello (fixed)", false)
	edit.Kind = bus.KindEdit
	reaction := bus.InboundMessage{Kind: bus.KindReaction, Channel: "discord", ChatID: "chat", MessageID: "m1", SenderID: "u2", Added: []string{"👍"}}

	require.True(t, msgBus.PublishInbound(ctx, inbound("m1", "hello", false)))
	require.True(t, msgBus.PublishInbound(ctx, edit))
	require.True(t, msgBus.PublishInbound(ctx, reaction))
	require.True(t, msgBus.PublishInbound(ctx, inbound("m2", "@recall how are you?", true)))

	out := waitOutbound(t, msgBus)
	assert.Equal(t, "hi Ana", out.Content)
	assert.Equal(t, "m2", out.ReplyToID)
	assert.Equal(t, "discord", out.Channel)
	assert.Equal(t, "chat", out.ChatID)

	store := svc.Store()
	n, err := store.Count(context.Background(), "discord:chat")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	edits, err := store.ListEdits(context.Background(), "discord:chat", "m1")
	require.NoError(t, err)
	require.Len(t, edits, 1)
	require.NotNil(t, edits[0].PreviousText)
	assert.Equal(t, "hello", *edits[0].PreviousText)
	reactions, err := store.ListReactions(context.Background(), "discord:chat", "m1")
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	assert.Equal(t, "u2", reactions[0].AuthorID)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("loop did not stop")
	}
}

func TestAgentLoop_FallbackOnGenerationFailure(t *testing.T) {
	provider := &scriptedProvider{errs: []error{errors.New("provider down")}}
	loop, msgBus, _ := newTestLoop(t, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	require.True(t, msgBus.PublishInbound(ctx, inbound("m1", "@recall hi", true)))
	out := waitOutbound(t, msgBus)
	assert.Equal(t, "fallback reply", out.Content)
	assert.Equal(t, "m1", out.ReplyToID)
}

func TestAgentLoop_DuplicateDeliveryDoesNotRetrigger(t *testing.T) {
	loop, _, svc := newTestLoop(t, &scriptedProvider{}, nil)
	ctx := context.Background()

	trigger, err := loop.applyEvent(ctx, inbound("m1", "@recall hi", true))
	require.NoError(t, err)
	require.NotNil(t, trigger)
	assert.Equal(t, "Ana", trigger.AuthorName)
	assert.Equal(t, "discord:chat", trigger.ConversationID())

	trigger, err = loop.applyEvent(ctx, inbound("m1", "@recall hi", true))
	require.NoError(t, err)
	assert.Nil(t, trigger)

	n, err := svc.Store().Count(ctx, "discord:chat")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAgentLoop_EditOfUnknownMessageFails(t *testing.T) {
	loop, _, _ := newTestLoop(t, &scriptedProvider{}, nil)
	edit := inbound("missing", "x", false)
	edit.Kind = bus.KindEdit

	_, err := loop.applyEvent(context.Background(), edit)
	require.Error(t, err)
	assert.True(t, errors.Is(err, memory.ErrNotFound), "got %v", err)
}

func TestAgentLoop_QueuesRollupAndDescribeJobs(t *testing.T) {
	loop, _, svc := newTestLoop(t, &scriptedProvider{}, nopDescriber{})
	ctx := context.Background()

	msg := inbound("m1", "", false)
	msg.HasText = false
	msg.ContentKind = "photo"
	msg.Attachments = []bus.Attachment{
		{URL: "https://cdn.example/report.pdf", ContentType: "application/pdf"},
		{URL: "https://cdn.example/cat.png", ContentType: "image/png"},
		{URL: "https://cdn.example/dog.png", ContentType: "image/png"},
	}
	_, err := loop.applyEvent(ctx, msg)
	require.NoError(t, err)

	pending, err := svc.Store().CountJobs(ctx, memory.JobPending)
	require.NoError(t, err)
	assert.Equal(t, 2, pending, "one rollup and one describe job")

	stored, err := svc.Store().GetMessage(ctx, "discord:chat", "m1")
	require.NoError(t, err)
	assert.Nil(t, stored.Text)
	assert.Equal(t, memory.ContentPhoto, stored.Kind)
	assert.Len(t, stored.Attachments, 3)
}

func TestAgentLoop_ProcessDirectStoresBothSides(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{nil, {Content: "pong"}}}
	loop, _, svc := newTestLoop(t, provider, nil)
	ctx := context.Background()

	reply, err := loop.ProcessDirect(ctx, "ping", "")
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)

	recent, err := svc.RecentWindow(ctx, "cli:direct", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, localBotID, recent[0].AuthorID)
	assert.True(t, recent[0].Author.Bot)
	require.NotNil(t, recent[0].ReplyTo)
	assert.Equal(t, "ping", recent[0].ReplyTo.Text)
	assert.Equal(t, "ping", recent[1].TextOrEmpty())
}

func TestAgentLoop_Commands(t *testing.T) {
	provider := &scriptedProvider{}
	loop, _, svc := newTestLoop(t, provider, nil)
	ctx := context.Background()

	reply, err := loop.ProcessDirect(ctx, "/list facts", "")
	require.NoError(t, err)
	assert.Equal(t, "No pinned facts.", reply)

	mem, err := svc.Store().AddMemory(ctx, memory.Memory{ConversationID: "cli:direct", Text: "Standup is at 9:30"})
	require.NoError(t, err)

	reply, err = loop.ProcessDirect(ctx, "/list facts", "")
	require.NoError(t, err)
	assert.Contains(t, reply, "Standup is at 9:30")

	reply, err = loop.ProcessDirect(ctx, "/forget "+mem.ID, "")
	require.NoError(t, err)
	assert.Contains(t, reply, "Forgot")

	reply, err = loop.ProcessDirect(ctx, "/show model", "")
	require.NoError(t, err)
	assert.Contains(t, reply, config.DefaultConfig().Agent.Model)

	assert.Empty(t, provider.Calls(), "commands never reach the model")
	n, err := svc.Store().Count(ctx, "cli:direct")
	require.NoError(t, err)
	assert.Zero(t, n, "commands are not stored")
}

type gatedProvider struct {
	*scriptedProvider
	entered chan struct{}
	gate    chan struct{}
}

func (p *gatedProvider) Chat(ctx context.Context, messages []providers.Message, defs []providers.ToolDefinition, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	select {
	case <-p.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.scriptedProvider.Chat(ctx, messages, defs, model, options)
}

func TestAgentLoop_InflightAnswerSurvivesShutdown(t *testing.T) {
	provider := &gatedProvider{
		scriptedProvider: &scriptedProvider{responses: []*providers.LLMResponse{nil, {Content: "late but delivered"}}},
		entered:          make(chan struct{}, 1),
		gate:             make(chan struct{}),
	}
	loop, msgBus, _ := newTestLoop(t, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()

	require.True(t, msgBus.PublishInbound(ctx, inbound("m1", "@recall still there?", true)))
	select {
	case <-provider.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("trigger never reached the provider")
	}

	cancel()
	close(provider.gate)

	out := waitOutbound(t, msgBus)
	assert.Equal(t, "late but delivered", out.Content)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after draining")
	}
}

func TestAgentLoop_DrainCancelsAfterGrace(t *testing.T) {
	provider := &gatedProvider{
		scriptedProvider: &scriptedProvider{},
		entered:          make(chan struct{}, 1),
		gate:             make(chan struct{}),
	}
	loop, msgBus, _ := newTestLoop(t, provider, nil)
	loop.drainGrace = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()

	require.True(t, msgBus.PublishInbound(ctx, inbound("m1", "@recall hello?", true)))
	select {
	case <-provider.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("trigger never reached the provider")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not cancel the stuck answer")
	}
}

func TestAgentLoop_FallbackIsPersistedAsReply(t *testing.T) {
	provider := &scriptedProvider{errs: []error{errors.New("provider down")}}
	loop, _, svc := newTestLoop(t, provider, nil)
	ctx := context.Background()

	reply, err := loop.ProcessDirect(ctx, "ping", "")
	require.NoError(t, err)
	assert.Equal(t, "fallback reply", reply)

	recent, err := svc.RecentWindow(ctx, "cli:direct", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, localBotID, recent[0].AuthorID)
	assert.Equal(t, "fallback reply", recent[0].TextOrEmpty())
}
