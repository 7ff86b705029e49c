// Package llamacpp adapts the Inference Router to a llama.cpp server. Modern
// builds of llama-server speak the same /v1/chat/completions shape as
// openaicompat; older builds only expose the legacy /completion endpoint,
// which takes a single pre-formatted ChatML prompt string and returns
// `{"content": "..."}`. The client probes once (lazily, on first call) and
// caches which mode the target server speaks. Grounded on
// original_source/backend/inference/router.py's llama.cpp branch.
package llamacpp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/corvidlabs/aegis/internal/agentapi"
	"github.com/corvidlabs/aegis/internal/router"
	"github.com/corvidlabs/aegis/internal/router/openaicompat"
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

type mode int

const (
	modeUnknown mode = iota
	modeModern       // /v1/chat/completions, same as openaicompat
	modeLegacy        // /completion with a ChatML-formatted prompt
)

// Client is a single-model-server adapter: llama.cpp serves exactly one
// model per process, so LoadModel/UnloadModel are no-ops. DiscoverModels
// lists /v1/models on a modern server and reports the backend's configured
// name on a legacy one.
type Client struct {
	cfg  Config
	http *httpclient.Client

	mu        sync.Mutex
	detected  mode
	modern    *openaicompat.Client
}

func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:  cfg,
		http: httpclient.New(),
	}
	for _, o := range opts {
		o(c)
	}
	c.modern = openaicompat.New(openaicompat.Config{Name: cfg.Name, BaseURL: cfg.BaseURL})
	return c
}

func (c *Client) Name() string { return c.cfg.Name }

// detectMode probes GET /v1/models: a 200 means the server exposes the
// modern OpenAI-compatible surface, anything else falls back to legacy.
func (c *Client) detectMode(ctx context.Context) mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detected != modeUnknown {
		return c.detected
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.cfg.BaseURL, "/")+"/v1/models", nil)
	if err != nil {
		c.detected = modeLegacy
		return c.detected
	}
	resp, err := c.http.Do(req)
	if err != nil || resp.StatusCode >= 400 {
		c.detected = modeLegacy
		if resp != nil {
			resp.Body.Close()
		}
		return c.detected
	}
	resp.Body.Close()
	c.detected = modeModern
	return c.detected
}

func (c *Client) Chat(ctx context.Context, req router.ChatRequest) (router.ChatResponse, error) {
	if c.detectMode(ctx) == modeModern {
		return c.modern.Chat(ctx, req)
	}
	return c.legacyComplete(ctx, req)
}

func (c *Client) ChatStream(ctx context.Context, req router.ChatRequest) (<-chan router.StreamDelta, error) {
	if c.detectMode(ctx) == modeModern {
		return c.modern.ChatStream(ctx, req)
	}
	resp, err := c.legacyComplete(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan router.StreamDelta, 2)
	ch <- router.StreamDelta{Text: resp.Content}
	ch <- router.StreamDelta{Done: true}
	close(ch)
	return ch, nil
}

// formatChatML renders messages as `<|im_start|>role\ncontent<|im_end|>\n`
// turns followed by an open assistant turn, the prompt shape llama.cpp's
// legacy /completion endpoint expects for chat-tuned models.
func formatChatML(messages []agentapi.ChatMessage) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString("<|im_start|>")
		sb.WriteString(m.Role)
		sb.WriteByte('\n')
		sb.WriteString(m.Content)
		sb.WriteString("<|im_end|>\n")
	}
	sb.WriteString("<|im_start|>assistant\n")
	return sb.String()
}

type legacyRequestBody struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type legacyResponseBody struct {
	Content string `json:"content"`
	Tokens  int    `json:"tokens_predicted"`
}

func (c *Client) legacyComplete(ctx context.Context, req router.ChatRequest) (router.ChatResponse, error) {
	body := legacyRequestBody{
		Prompt:      formatChatML(req.Messages),
		NPredict:    req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        []string{"<|im_end|>"},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return router.ChatResponse{}, fmt.Errorf("llamacpp: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/completion", bytes.NewReader(buf))
	if err != nil {
		return router.ChatResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return router.ChatResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return router.ChatResponse{}, fmt.Errorf("llamacpp: HTTP %d: %s", resp.StatusCode, string(b))
	}

	var out legacyResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return router.ChatResponse{}, fmt.Errorf("llamacpp: decode response: %w", err)
	}
	content := strings.TrimSuffix(strings.TrimSpace(out.Content), "<|im_end|>")
	return router.ChatResponse{Content: content, Tokens: out.Tokens}, nil
}

type legacyEmbedRequestBody struct {
	Content string `json:"content"`
}

type legacyEmbedResponseBody struct {
	Embedding []float32 `json:"embedding"`
}

func (c *Client) Embed(ctx context.Context, modelID string, texts []string) ([][]float32, error) {
	if c.detectMode(ctx) == modeModern {
		return c.modern.Embed(ctx, modelID, texts)
	}
	return c.legacyEmbed(ctx, texts)
}

// legacyEmbed calls the single-text /embedding endpoint once per text, the
// fallback original_source/backend/inference/llamacpp.py's embed() takes
// when the server predates the /v1 embeddings surface.
func (c *Client) legacyEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		buf, err := json.Marshal(legacyEmbedRequestBody{Content: text})
		if err != nil {
			return nil, fmt.Errorf("llamacpp: encode embed request: %w", err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/embedding", bytes.NewReader(buf))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			resp.Body.Close()
			return nil, fmt.Errorf("llamacpp: HTTP %d embedding: %s", resp.StatusCode, string(b))
		}

		var body legacyEmbedResponseBody
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("llamacpp: decode embedding response: %w", err)
		}
		out = append(out, body.Embedding)
	}
	return out, nil
}

// LoadModel is a no-op: a llama.cpp process is started with exactly one
// model baked in, there is nothing to load on demand.
func (c *Client) LoadModel(ctx context.Context, modelID string, ttl time.Duration) error { return nil }

// UnloadModel is a no-op for the same reason; residency is process lifetime.
func (c *Client) UnloadModel(ctx context.Context, modelID string) error { return nil }

// Download is unsupported: llama.cpp expects weights to already be on disk.
func (c *Client) Download(ctx context.Context, modelID string) error {
	return fmt.Errorf("llamacpp: model download is not supported, place GGUF weights on disk and restart the server")
}

func (c *Client) DiscoverModels(ctx context.Context) ([]string, error) {
	if c.detectMode(ctx) == modeModern {
		return c.modern.DiscoverModels(ctx)
	}
	return []string{c.cfg.Name}, nil
}

var _ router.Backend = (*Client)(nil)
