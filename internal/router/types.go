// Package router implements the Inference Router (spec.md C1): it resolves
// a model key to a backend adapter and forwards chat/embed/load calls,
// normalizing the wire differences between OpenAI-compatible, Ollama-native
// and llama.cpp servers. Grounded on
// original_source/backend/inference/router.py.
package router

import (
	"context"
	"time"

	"github.com/corvidlabs/aegis/internal/agentapi"
)

// ChatRequest is the backend-neutral request shape every adapter accepts.
type ChatRequest struct {
	ModelID     string
	Messages    []agentapi.ChatMessage
	Tools       []agentapi.ToolDefinition
	MaxTokens   int
	Temperature float64
	ToolChoice  string
}

// ChatResponse is the backend-neutral completed response.
type ChatResponse = agentapi.LLMResponse

// StreamDelta is the backend-neutral incremental chunk.
type StreamDelta = agentapi.StreamDelta

// Backend is the capability set every adapter implements (spec §4.1).
type Backend interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
	Embed(ctx context.Context, modelID string, texts []string) ([][]float32, error)
	LoadModel(ctx context.Context, modelID string, ttl time.Duration) error
	UnloadModel(ctx context.Context, modelID string) error
	DiscoverModels(ctx context.Context) ([]string, error)
	Download(ctx context.Context, modelID string) error
}

// ModelMapping is a model key's (backend, model_id, tier, defaults) tuple
// from spec §3.
type ModelMapping struct {
	Key           string
	Backend       string
	ModelID       string
	Tier          string // always_loaded | on_demand
	MaxTokens     int
	Temperature   float64
	EstimatedVRAM float64
}

func (m ModelMapping) AlwaysLoaded() bool { return m.Tier == "always_loaded" }
