// Package agentapi defines the uniform Agent Contract (spec.md C5) every
// specialist implements, plus the capability interface the scheduler passes
// into Run instead of the back-reference pattern the original source used
// (spec §9's first re-architecture note).
package agentapi

import (
	"context"

	"github.com/corvidlabs/aegis/internal/bus"
	"github.com/corvidlabs/aegis/internal/workspace"
)

// ToolFilter is an agent's allowed-tool policy: nil means "all tools",
// an empty (non-nil) slice means "no tools", and a populated slice means
// "exactly these" (spec §4.5).
type ToolFilter []string

// Allows reports whether name is permitted by f, honoring the
// nil-vs-empty-vs-populated distinction above.
func (f ToolFilter) Allows(name string) bool {
	if f == nil {
		return true
	}
	for _, t := range f {
		if t == name {
			return true
		}
	}
	return false
}

// Definition is an agent's class-level metadata (spec §4.5).
type Definition struct {
	AgentID     string
	ModelKey    string
	CanUseTools bool
	MaxTokens   int
	Temperature float64
	Tools       ToolFilter
}

// Capabilities is the narrow interface the scheduler passes into Run instead
// of a back-reference to the whole core (spec §9). An agent that only needs
// call_llm doesn't get a handle capable of, say, cancelling missions.
type Capabilities interface {
	CallLLM(ctx context.Context, req LLMRequest) (LLMResponse, error)
	CallLLMStream(ctx context.Context, req LLMRequest) (<-chan StreamDelta, error)
	ExecuteTool(ctx context.Context, agentID, name string, args map[string]any) (string, error)
	PostWorkspace(ctx context.Context, entry workspace.Entry) *workspace.Entry
	ReadWorkspace(missionID string, filter workspace.Filter) []*workspace.Entry
	Broadcast(ctx context.Context, event map[string]any)
}

// LLMRequest is the agent-facing view of a chat call; internal/router
// translates it into whichever wire format the resolved backend needs.
type LLMRequest struct {
	ModelKey    string
	Messages    []ChatMessage
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
	ToolChoice  string
}

// ChatMessage is a backend-neutral chat turn. Images carries base64-encoded
// image payloads split out of a multi-part content block (spec §4.1's
// Ollama adapter forwards these via its `images` field; backends with no
// vision support simply ignore them).
type ChatMessage struct {
	Role       string // system | user | assistant | tool
	Content    string
	ToolCallID string
	ToolName   string
	Images     []string
}

// ToolDefinition is a backend-neutral tool schema the LLM is shown.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// LLMResponse is a completed (non-streaming) chat response.
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Tokens    int
}

// ToolCall is one tool invocation the model requested.
type ToolCall struct {
	ID   string
	Name string
	Args string // raw JSON arguments
}

// StreamDelta is one incremental chunk of a streaming response.
type StreamDelta struct {
	Text     string
	ToolCall *ToolCall
	Done     bool
	Err      error
}

// Agent is the uniform contract every specialist implements (spec §4.5).
// Run is passed exactly one inbound message; it may call caps methods any
// number of times and returns at most one outbound message.
type Agent interface {
	Definition() Definition
	Run(ctx context.Context, msg *bus.Message, caps Capabilities) (*bus.Message, error)
}
