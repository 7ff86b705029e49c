// Package ollama adapts the Inference Router to an Ollama server: POST
// /api/chat with NDJSON streaming (one JSON object per line, no SSE framing),
// a keep_alive duration on every request controlling Ollama's own model
// residency, and /api/tags for discovery. Grounded on the pack's
// pkg/llms/ollama.go adapter shape (Config/Option/Client, functional
// options) and original_source/backend/inference/router.py's Ollama branch.
package ollama

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

type Config struct {
	Name    string
	BaseURL string
}

type Option func(*Client)

func WithHTTPOptions(opts ...httpclient.Option) Option {
	return func(c *Client) { c.http = httpclient.New(opts...) }
}

// WithDefaultKeepAlive sets the keep_alive sent on requests that don't carry
// an explicit TTL (router.LoadModel's ttl overrides this per call).
func WithDefaultKeepAlive(d time.Duration) Option {
	return func(c *Client) { c.defaultKeepAlive = d }
}

type Client struct {
	cfg              Config
	http             *httpclient.Client
	defaultKeepAlive time.Duration
}

func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:              cfg,
		http:             httpclient.New(),
		defaultKeepAlive: 5 * time.Minute,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Name() string { return c.cfg.Name }

type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type chatRequestBody struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	KeepAlive string        `json:"keep_alive,omitempty"`
	Options   chatOptions   `json:"options,omitempty"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatResponseBody struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done           bool  `json:"done"`
	EvalCount      int   `json:"eval_count"`
	PromptEvalCount int  `json:"prompt_eval_count"`
}

// convertMessages flattens tool-role turns into plain user content (Ollama's
// /api/chat has no first-class tool-result role in wide deployment, so a
// tool outcome is folded in as a labeled user message) and forwards any
// base64 image payloads via the images field (spec §4.1's Ollama adapter).
func convertMessages(in []agentapi.ChatMessage) []chatMessage {
	out := make([]chatMessage, 0, len(in))
	for _, m := range in {
		role := m.Role
		content := m.Content
		if role == "tool" {
			role = "user"
			content = fmt.Sprintf("[tool result from %s]\n%s", m.ToolName, m.Content)
		}
		out = append(out, chatMessage{Role: role, Content: content, Images: m.Images})
	}
	return out
}

func (c *Client) buildRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ollama: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) Chat(ctx context.Context, req router.ChatRequest) (router.ChatResponse, error) {
	body := chatRequestBody{
		Model:     req.ModelID,
		Messages:  convertMessages(req.Messages),
		Stream:    false,
		KeepAlive: c.keepAliveString(0),
		Options:   chatOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	}
	httpReq, err := c.buildRequest(ctx, "/api/chat", body)
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
		return router.ChatResponse{}, fmt.Errorf("ollama: HTTP %d: %s", resp.StatusCode, string(b))
	}
	var out chatResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return router.ChatResponse{}, fmt.Errorf("ollama: decode response: %w", err)
	}
	return router.ChatResponse{
		Content: out.Message.Content,
		Tokens:  out.EvalCount + out.PromptEvalCount,
	}, nil
}

// ChatStream parses Ollama's NDJSON stream: one JSON object per line, no
// `data:` prefix, final line carries done:true.
func (c *Client) ChatStream(ctx context.Context, req router.ChatRequest) (<-chan router.StreamDelta, error) {
	body := chatRequestBody{
		Model:     req.ModelID,
		Messages:  convertMessages(req.Messages),
		Stream:    true,
		KeepAlive: c.keepAliveString(0),
		Options:   chatOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	}
	httpReq, err := c.buildRequest(ctx, "/api/chat", body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("ollama: HTTP %d: %s", resp.StatusCode, string(b))
	}

	out := make(chan router.StreamDelta)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk chatResponseBody
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}
			sd := router.StreamDelta{Text: chunk.Message.Content, Done: chunk.Done}
			select {
			case out <- sd:
			case <-ctx.Done():
				return
			}
			if chunk.Done {
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
	Embeddings [][]float32 `json:"embeddings"`
}

func (c *Client) Embed(ctx context.Context, modelID string, texts []string) ([][]float32, error) {
	httpReq, err := c.buildRequest(ctx, "/api/embed", embedRequestBody{Model: modelID, Input: texts})
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
		return nil, fmt.Errorf("ollama: HTTP %d: %s", resp.StatusCode, string(b))
	}
	var out embedResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama: decode embeddings: %w", err)
	}
	return out.Embeddings, nil
}

func (c *Client) keepAliveString(ttl time.Duration) string {
	if ttl <= 0 {
		ttl = c.defaultKeepAlive
	}
	return fmt.Sprintf("%ds", int(ttl.Seconds()))
}

// LoadModel issues a keep_alive-only chat request with no messages, which
// Ollama treats as a pure load/residency-extension call.
func (c *Client) LoadModel(ctx context.Context, modelID string, ttl time.Duration) error {
	body := chatRequestBody{Model: modelID, Messages: nil, Stream: false, KeepAlive: c.keepAliveString(ttl)}
	httpReq, err := c.buildRequest(ctx, "/api/chat", body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ollama: HTTP %d loading model: %s", resp.StatusCode, string(b))
	}
	return nil
}

// UnloadModel sets keep_alive to 0, Ollama's documented immediate-unload
// signal.
func (c *Client) UnloadModel(ctx context.Context, modelID string) error {
	body := chatRequestBody{Model: modelID, Messages: nil, Stream: false, KeepAlive: "0"}
	httpReq, err := c.buildRequest(ctx, "/api/chat", body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ollama: HTTP %d unloading model: %s", resp.StatusCode, string(b))
	}
	return nil
}

type pullRequestBody struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

func (c *Client) Download(ctx context.Context, modelID string) error {
	httpReq, err := c.buildRequest(ctx, "/api/pull", pullRequestBody{Model: modelID, Stream: false})
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ollama: HTTP %d pulling model: %s", resp.StatusCode, string(b))
	}
	return nil
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (c *Client) DiscoverModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.cfg.BaseURL, "/")+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("ollama: HTTP %d listing tags", resp.StatusCode)
	}
	var out tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama: decode tags: %w", err)
	}
	ids := make([]string, 0, len(out.Models))
	for _, m := range out.Models {
		ids = append(ids, m.Name)
	}
	return ids, nil
}

var _ router.Backend = (*Client)(nil)
