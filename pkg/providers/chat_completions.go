package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 300 * time.Second
	maxErrorBodyLen    = 2000
)

// chatCompletionsProvider speaks the OpenAI /chat/completions protocol, which
// both OpenRouter and OpenAI serve.
type chatCompletionsProvider struct {
	name         string
	endpoint     string
	defaultModel string
	auth         AuthStrategy
	client       *http.Client
	headers      http.Header
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  interface{}      `json:"tool_choice,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   json.RawMessage `json:"content"`
			ToolCalls []struct {
				ID       string        `json:"id"`
				Type     string        `json:"type"`
				Function *FunctionCall `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *UsageInfo `json:"usage"`
}

func newChatCompletionsProvider(providerName, apiBase, defaultModel, proxy string, auth AuthStrategy, extraHeaders map[string]string) (*chatCompletionsProvider, error) {
	name := strings.ToLower(strings.TrimSpace(providerName))
	if name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	base := strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if base == "" {
		return nil, fmt.Errorf("%s API base not configured", name)
	}
	if auth == nil {
		return nil, fmt.Errorf("%s auth is not configured", name)
	}

	client := &http.Client{Timeout: defaultHTTPTimeout}
	if proxy = strings.TrimSpace(proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse %s proxy: %w", name, err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	headers := http.Header{}
	for k, v := range extraHeaders {
		if k, v = strings.TrimSpace(k), strings.TrimSpace(v); k != "" && v != "" {
			headers.Set(k, v)
		}
	}

	return &chatCompletionsProvider{
		name:         name,
		endpoint:     base + "/chat/completions",
		defaultModel: strings.TrimSpace(defaultModel),
		auth:         auth,
		client:       client,
		headers:      headers,
	}, nil
}

func (p *chatCompletionsProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	if p == nil {
		return nil, fmt.Errorf("provider not initialized")
	}

	payload, err := json.Marshal(p.buildRequest(messages, tools, model, options))
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := p.auth.Apply(ctx, req); err != nil {
		return nil, fmt.Errorf("apply %s auth: %w", p.name, err)
	}
	for k, v := range p.headers {
		req.Header[k] = v
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send %s request: %w", p.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", p.name, err)
	}
	if resp.StatusCode/100 != 2 {
		msg := augmentProviderError(p.name, apiErrorMessage(body))
		return nil, fmt.Errorf("%s API request failed: status=%d error=%s", p.name, resp.StatusCode, msg)
	}

	out, err := decodeChatResponse(body)
	if err != nil {
		return nil, fmt.Errorf("parse %s response: %w", p.name, err)
	}
	return out, nil
}

func (p *chatCompletionsProvider) GetDefaultModel() string {
	if p == nil {
		return ""
	}
	return p.defaultModel
}

// buildRequest applies the options understood by every backend. tool_choice
// defaults to auto whenever tools are offered.
func (p *chatCompletionsProvider) buildRequest(messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) chatRequest {
	req := chatRequest{Model: strings.TrimSpace(model), Messages: messages}
	if req.Model == "" {
		req.Model = p.defaultModel
	}
	if len(tools) > 0 {
		req.Tools = tools
		req.ToolChoice = "auto"
		if choice := options["tool_choice"]; choice != nil {
			req.ToolChoice = choice
		}
	}
	if v, ok := numberOption(options, "max_tokens"); ok {
		n := int(v)
		req.MaxTokens = &n
	}
	if v, ok := numberOption(options, "temperature"); ok {
		req.Temperature = &v
	}
	return req
}

func numberOption(opts map[string]interface{}, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func decodeChatResponse(body []byte) (*LLMResponse, error) {
	var raw chatResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	if len(raw.Choices) == 0 {
		return &LLMResponse{FinishReason: "stop", Usage: raw.Usage}, nil
	}

	choice := raw.Choices[0]
	out := &LLMResponse{
		Content:      contentText(choice.Message.Content),
		FinishReason: choice.FinishReason,
		Usage:        raw.Usage,
	}
	for _, tc := range choice.Message.ToolCalls {
		if tc.Function == nil {
			continue
		}
		args := map[string]interface{}{}
		if s := strings.TrimSpace(tc.Function.Arguments); s != "" {
			if err := json.Unmarshal([]byte(s), &args); err != nil {
				// Keep malformed arguments visible to the caller.
				args = map[string]interface{}{"raw": tc.Function.Arguments}
			}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Type:      tc.Type,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}

// contentText accepts both the plain string form and the array-of-parts form.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Text    string `json:"text"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, part := range parts {
		if part.Text != "" {
			b.WriteString(part.Text)
		} else {
			b.WriteString(part.Content)
		}
	}
	return b.String()
}

func apiErrorMessage(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "empty response body"
	}

	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		for _, msg := range []string{payload.Error.Message, payload.Message} {
			if msg = strings.TrimSpace(msg); msg != "" {
				return msg
			}
		}
	}

	if len(trimmed) > maxErrorBodyLen {
		return trimmed[:maxErrorBodyLen] + "..."
	}
	return trimmed
}
