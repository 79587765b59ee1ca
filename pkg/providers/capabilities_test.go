package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProvider struct {
	mu       sync.Mutex
	messages [][]Message
	options  []map[string]interface{}
	models   []string
	reply    string
	err      error
}

func (p *recordingProvider) Chat(_ context.Context, messages []Message, _ []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, messages)
	p.options = append(p.options, options)
	p.models = append(p.models, model)
	if p.err != nil {
		return nil, p.err
	}
	return &LLMResponse{Content: p.reply, FinishReason: "stop"}, nil
}

func (p *recordingProvider) GetDefaultModel() string { return "default-model" }

func TestSummarizer_BuildsSinglePrompt(t *testing.T) {
	rec := &recordingProvider{reply: "  condensed  "}
	s := &Summarizer{Provider: rec, Model: "summary-model"}

	out, err := s.Summarize(context.Background(), []string{"block one", "block two"}, "Summarize carefully.")
	require.NoError(t, err)
	assert.Equal(t, "condensed", out)

	require.Len(t, rec.messages, 1)
	prompt := rec.messages[0][0].Content
	assert.True(t, strings.HasPrefix(prompt, "Summarize carefully."))
	assert.Contains(t, prompt, "block one\n---\nblock two")
	assert.Equal(t, "summary-model", rec.models[0])
	assert.Equal(t, 1200, rec.options[0]["max_tokens"])
}

func TestSummarizer_PropagatesErrors(t *testing.T) {
	s := &Summarizer{Provider: &recordingProvider{err: errors.New("boom")}}
	_, err := s.Summarize(context.Background(), []string{"x"}, "y")
	assert.Error(t, err)

	var nilSummarizer *Summarizer
	_, err = nilSummarizer.Summarize(context.Background(), nil, "")
	assert.Error(t, err)
}

func TestDescriber_SendsImagePart(t *testing.T) {
	rec := &recordingProvider{reply: "A cat on a laptop."}
	d := &Describer{Provider: rec, Model: "vision-model"}

	out, err := d.Describe(context.Background(), "https://cdn.example/cat.png", "image/png")
	require.NoError(t, err)
	assert.Equal(t, "A cat on a laptop.", out)

	require.Len(t, rec.messages, 1)
	parts := rec.messages[0][0].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].Type)
	assert.Equal(t, "image_url", parts[1].Type)
	assert.Equal(t, "https://cdn.example/cat.png", parts[1].ImageURL.URL)
}

func TestDescriber_SkipsNonImages(t *testing.T) {
	rec := &recordingProvider{reply: "unused"}
	d := &Describer{Provider: rec}

	out, err := d.Describe(context.Background(), "https://cdn.example/a.pdf", "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf file (not previewed)", out)
	assert.Empty(t, rec.messages)
}

func TestMessageMarshal_PartsReplaceContent(t *testing.T) {
	raw, err := json.Marshal(Message{Role: "user", Content: "ignored", Parts: []ContentPart{TextPart("hi"), ImagePart("https://x/y.png")}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":[{"type":"text","text":"hi"},{"type":"image_url","image_url":{"url":"https://x/y.png"}}]}`, string(raw))

	raw, err = json.Marshal(Message{Role: "tool", Content: "done", ToolCallID: "call_1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"tool","content":"done","tool_call_id":"call_1"}`, string(raw))
}

func TestChatCompletions_ToolChoiceOverride(t *testing.T) {
	var seenChoice interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		seenChoice = req["tool_choice"]
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"","tool_calls":[{"id":"c1","type":"function","function":{"name":"respond","arguments":"{}"}}]},"finish_reason":"tool_calls"}]}`))
	}))
	defer server.Close()

	p, err := newChatCompletionsProvider("openrouter", server.URL, "m", "", NewAPIKeyAuth(NewStaticTokenSource("k", "test")), nil)
	require.NoError(t, err)

	tools := []ToolDefinition{{Type: "function", Function: ToolFunctionDefinition{Name: "respond", Parameters: map[string]interface{}{"type": "object"}}}}
	resp, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, tools, "", map[string]interface{}{"tool_choice": RequiredToolChoice})
	require.NoError(t, err)
	assert.Equal(t, "required", seenChoice)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "respond", resp.ToolCalls[0].Name)
}

func TestChatCompletions_ErrorIncludesHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"message":"No endpoints found that support tool use."}}`))
	}))
	defer server.Close()

	p, err := newChatCompletionsProvider("openrouter", server.URL, "m", "", NewAPIKeyAuth(NewStaticTokenSource("k", "test")), nil)
	require.NoError(t, err)
	_, err = p.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=404")
	assert.Contains(t, err.Error(), "agent.decision_model")
}

func TestRateLimitedProvider_WaitsForTokens(t *testing.T) {
	rec := &recordingProvider{reply: "ok"}
	p := NewRateLimitedProvider(rec, 20, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := p.Chat(context.Background(), nil, nil, "", nil)
		require.NoError(t, err)
	}
	// burst 1 at 20/s: the 2nd and 3rd calls wait ~50ms each
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, "default-model", p.GetDefaultModel())
}

func TestRateLimitedProvider_HonorsContext(t *testing.T) {
	p := NewRateLimitedProvider(&recordingProvider{reply: "ok"}, 0.001, 1)
	_, err := p.Chat(context.Background(), nil, nil, "", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Chat(ctx, nil, nil, "", nil)
	assert.Error(t, err)
}

func TestRateLimitedProvider_DisabledReturnsInner(t *testing.T) {
	rec := &recordingProvider{}
	assert.Same(t, LLMProvider(rec), NewRateLimitedProvider(rec, 0, 5))
}
