package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corvidlabs/aegis/internal/agentapi"
)

// Router resolves a model key to a registered Backend and model id, then
// forwards the call. It holds no model-residency state itself — that is the
// Model Lifecycle Manager's job (internal/mlm) — the Router is a pure dial
// table plus wire-format translation, matching router.py's separation of
// concerns from model_manager.py.
type Router struct {
	log            *slog.Logger
	mu             sync.RWMutex
	backends       map[string]Backend
	models         map[string]ModelMapping
	defaultBackend string
}

func New(log *slog.Logger) *Router {
	return &Router{
		log:      log,
		backends: make(map[string]Backend),
		models:   make(map[string]ModelMapping),
	}
}

// RegisterBackend makes b available under b.Name() for any model mapping
// that references it.
func (r *Router) RegisterBackend(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

// SetDefaultBackend names the backend resolve falls back to when a key isn't
// a registered model mapping (spec §4.1 step 2).
func (r *Router) SetDefaultBackend(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultBackend = name
}

// RegisterModel adds or replaces a model key's mapping.
func (r *Router) RegisterModel(m ModelMapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.Key] = m
}

// Models returns every registered mapping, for the MLM's always-loaded scan
// and for /models introspection.
func (r *Router) Models() []ModelMapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelMapping, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	return out
}

// resolve implements spec §4.1's call_llm resolution order: a registered
// model key maps to its backend/model id, else key is routed to the default
// backend verbatim as the model id (original_source/backend/inference/
// router.py's _resolve()).
func (r *Router) resolve(key string) (Backend, ModelMapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.models[key]; ok {
		b, ok := r.backends[m.Backend]
		if !ok {
			return nil, ModelMapping{}, &UnknownBackend{Backend: m.Backend}
		}
		return b, m, nil
	}

	if r.defaultBackend != "" {
		if b, ok := r.backends[r.defaultBackend]; ok {
			return b, ModelMapping{Key: key, Backend: r.defaultBackend, ModelID: key}, nil
		}
	}

	return nil, ModelMapping{}, &UnknownModelKey{Key: key}
}

// CallLLM resolves req.ModelKey and performs a non-streaming chat completion,
// applying the mapping's defaults for any zero-value request fields (spec
// §4.1's call_llm resolution order).
func (r *Router) CallLLM(ctx context.Context, req agentapi.LLMRequest) (agentapi.LLMResponse, error) {
	b, m, err := r.resolve(req.ModelKey)
	if err != nil {
		return agentapi.LLMResponse{}, err
	}
	cr := r.buildChatRequest(req, m)
	resp, err := b.Chat(ctx, cr)
	if err != nil {
		return agentapi.LLMResponse{}, &UpstreamError{Backend: m.Backend, Err: err}
	}
	return resp, nil
}

// CallLLMStream is CallLLM's streaming counterpart.
func (r *Router) CallLLMStream(ctx context.Context, req agentapi.LLMRequest) (<-chan agentapi.StreamDelta, error) {
	b, m, err := r.resolve(req.ModelKey)
	if err != nil {
		return nil, err
	}
	cr := r.buildChatRequest(req, m)
	ch, err := b.ChatStream(ctx, cr)
	if err != nil {
		return nil, &UpstreamError{Backend: m.Backend, Err: err}
	}
	return ch, nil
}

func (r *Router) buildChatRequest(req agentapi.LLMRequest, m ModelMapping) ChatRequest {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = m.MaxTokens
	}
	temp := req.Temperature
	if temp == 0 {
		temp = m.Temperature
	}
	return ChatRequest{
		ModelID:     m.ModelID,
		Messages:    req.Messages,
		Tools:       req.Tools,
		MaxTokens:   maxTokens,
		Temperature: temp,
		ToolChoice:  req.ToolChoice,
	}
}

// Embed resolves key and forwards an embedding call.
func (r *Router) Embed(ctx context.Context, key string, texts []string) ([][]float32, error) {
	b, m, err := r.resolve(key)
	if err != nil {
		return nil, err
	}
	vecs, err := b.Embed(ctx, m.ModelID, texts)
	if err != nil {
		return nil, &UpstreamError{Backend: m.Backend, Err: err}
	}
	return vecs, nil
}

// LoadModel asks the backend owning key to load its model, honoring ttl as a
// keep-alive hint where the backend's wire protocol supports one (Ollama).
func (r *Router) LoadModel(ctx context.Context, key string, ttl time.Duration) error {
	b, m, err := r.resolve(key)
	if err != nil {
		return err
	}
	if err := b.LoadModel(ctx, m.ModelID, ttl); err != nil {
		return &UpstreamError{Backend: m.Backend, Err: err}
	}
	return nil
}

// UnloadModel asks the backend owning key to release its model.
func (r *Router) UnloadModel(ctx context.Context, key string) error {
	b, m, err := r.resolve(key)
	if err != nil {
		return err
	}
	if err := b.UnloadModel(ctx, m.ModelID); err != nil {
		return &UpstreamError{Backend: m.Backend, Err: err}
	}
	return nil
}

// DownloadModel asks the backend owning key to pull its weights.
func (r *Router) DownloadModel(ctx context.Context, key string) error {
	b, m, err := r.resolve(key)
	if err != nil {
		return err
	}
	if err := b.Download(ctx, m.ModelID); err != nil {
		return &UpstreamError{Backend: m.Backend, Err: err}
	}
	return nil
}

// DiscoverModels asks every registered backend what it currently serves,
// returning backend name -> model ids.
func (r *Router) DiscoverModels(ctx context.Context) (map[string][]string, error) {
	r.mu.RLock()
	backends := make(map[string]Backend, len(r.backends))
	for name, b := range r.backends {
		backends[name] = b
	}
	r.mu.RUnlock()

	out := make(map[string][]string, len(backends))
	for name, b := range backends {
		ids, err := b.DiscoverModels(ctx)
		if err != nil {
			r.log.Warn("backend discovery failed", slog.String("backend", name), slog.Any("err", err))
			continue
		}
		out[name] = ids
	}
	return out, nil
}

// BackendFor returns the registered backend for a model key, for callers
// (the MLM) that need the adapter directly rather than a routed call.
func (r *Router) BackendFor(key string) (Backend, ModelMapping, error) {
	return r.resolve(key)
}

func (r *Router) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("router(backends=%d, models=%d)", len(r.backends), len(r.models))
}
