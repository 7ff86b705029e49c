// Package openaicompat adapts the Inference Router to any server speaking
// the OpenAI chat-completions wire format over HTTP: POST /v1/chat/completions
// (optionally SSE-streamed as `data: {...}` frames terminated by
// `data: [DONE]`) and POST /v1/embeddings. Grounded on
// original_source/backend/inference/router.py's OpenAI-compatible branch and
// on the Config/Option/Client shape of the pack's ollama.go adapter.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/corvidlabs/aegis/internal/agentapi"
	"github.com/corvidlabs/aegis/internal/router"
	"github.com/corvidlabs/aegis/pkg/httpclient"
)

// Config configures one OpenAI-compatible backend instance.
type Config struct {
	Name    string
	BaseURL string
	APIKey  string
}

// Option customizes the underlying httpclient.Client.
type Option func(*Client)

// WithHTTPOptions passes options through to the wrapped httpclient.Client.
func WithHTTPOptions(opts ...httpclient.Option) Option {
	return func(c *Client) {
		c.http = httpclient.New(opts...)
	}
}

// Client is a Backend for OpenAI-compatible chat completion servers.
type Client struct {
	cfg  Config
	http *httpclient.Client
}

func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:  cfg,
		http: httpclient.New(httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders)),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Name() string { return c.cfg.Name }

type chatMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

type toolDef struct {
	Type     string      `json:"type"`
	Function toolFuncDef `json:"function"`
}

type toolFuncDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatRequestBody struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []toolDef     `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type toolCallWire struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatChoice struct {
	Index   int `json:"index"`
	Message struct {
		Role      string         `json:"role"`
		Content   string         `json:"content"`
		ToolCalls []toolCallWire `json:"tool_calls"`
	} `json:"message"`
	Delta struct {
		Content   string         `json:"content"`
		ToolCalls []toolCallWire `json:"tool_calls"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type chatResponseBody struct {
	Choices []chatChoice `json:"choices"`
	Usage   struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func convertMessages(in []agentapi.ChatMessage) []chatMessage {
	out := make([]chatMessage, 0, len(in))
	for _, m := range in {
		out = append(out, chatMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.ToolName,
		})
	}
	return out
}

func convertTools(in []agentapi.ToolDefinition) []toolDef {
	if len(in) == 0 {
		return nil
	}
	out := make([]toolDef, 0, len(in))
	for _, t := range in {
		out = append(out, toolDef{
			Type: "function",
			Function: toolFuncDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func (c *Client) buildRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return req, nil
}

func (c *Client) Chat(ctx context.Context, req router.ChatRequest) (router.ChatResponse, error) {
	body := chatRequestBody{
		Model:       req.ModelID,
		Messages:    convertMessages(req.Messages),
		Tools:       convertTools(req.Tools),
		ToolChoice:  req.ToolChoice,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	httpReq, err := c.buildRequest(ctx, "/v1/chat/completions", body)
	if err != nil {
		return router.ChatResponse{}, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return router.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return router.ChatResponse{}, fmt.Errorf("openaicompat: HTTP %d: %s", resp.StatusCode, string(b))
	}

	var out chatResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return router.ChatResponse{}, fmt.Errorf("openaicompat: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return router.ChatResponse{}, fmt.Errorf("openaicompat: empty choices in response")
	}
	choice := out.Choices[0]
	return router.ChatResponse{
		Content:   choice.Message.Content,
		ToolCalls: convertToolCalls(choice.Message.ToolCalls),
		Tokens:    out.Usage.TotalTokens,
	}, nil
}

func convertToolCalls(in []toolCallWire) []agentapi.ToolCall {
	if len(in) == 0 {
		return nil
	}
	out := make([]agentapi.ToolCall, 0, len(in))
	for _, t := range in {
		out = append(out, agentapi.ToolCall{ID: t.ID, Name: t.Function.Name, Args: t.Function.Arguments})
	}
	return out
}

// ChatStream issues a streaming chat completion, parsing the SSE
// `data: {...}` frames OpenAI-compatible servers emit, terminated by a
// literal `data: [DONE]` line.
func (c *Client) ChatStream(ctx context.Context, req router.ChatRequest) (<-chan router.StreamDelta, error) {
	body := chatRequestBody{
		Model:       req.ModelID,
		Messages:    convertMessages(req.Messages),
		Tools:       convertTools(req.Tools),
		ToolChoice:  req.ToolChoice,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
	httpReq, err := c.buildRequest(ctx, "/v1/chat/completions", body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("openaicompat: HTTP %d: %s", resp.StatusCode, string(b))
	}

	out := make(chan router.StreamDelta)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				out <- router.StreamDelta{Done: true}
				return
			}
			var chunk chatResponseBody
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta
			sd := router.StreamDelta{Text: delta.Content}
			if tc := convertToolCalls(delta.ToolCalls); len(tc) > 0 {
				sd.ToolCall = &tc[0]
			}
			select {
			case out <- sd:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case out <- router.StreamDelta{Err: err, Done: true}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

type embedRequestBody struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponseBody struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *Client) Embed(ctx context.Context, modelID string, texts []string) ([][]float32, error) {
	httpReq, err := c.buildRequest(ctx, "/v1/embeddings", embedRequestBody{Model: modelID, Input: texts})
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("openaicompat: HTTP %d: %s", resp.StatusCode, string(b))
	}
	var out embedResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("openaicompat: decode embeddings: %w", err)
	}
	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

// LoadModel is a no-op: OpenAI-compatible cloud APIs have no explicit load
// step, the model is simply named per-request.
func (c *Client) LoadModel(ctx context.Context, modelID string, ttl time.Duration) error { return nil }

// UnloadModel is a no-op for the same reason.
func (c *Client) UnloadModel(ctx context.Context, modelID string) error { return nil }

// Download is a no-op: there is no local weight to pull.
func (c *Client) Download(ctx context.Context, modelID string) error { return nil }

type modelListResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (c *Client) DiscoverModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.cfg.BaseURL, "/")+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("openaicompat: HTTP %d listing models", resp.StatusCode)
	}
	var out modelListResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("openaicompat: decode models list: %w", err)
	}
	ids := make([]string, 0, len(out.Data))
	for _, m := range out.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

var _ router.Backend = (*Client)(nil)
