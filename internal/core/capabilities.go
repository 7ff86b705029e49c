package core

import (
	"context"
	"log/slog"

	"github.com/corvidlabs/aegis/internal/aegiserr"
	"github.com/corvidlabs/aegis/internal/agentapi"
	"github.com/corvidlabs/aegis/internal/router"
	"github.com/corvidlabs/aegis/internal/workspace"
)

// ToolRegistry executes a named tool. Tool implementations (filesystem,
// web, desktop, email, ...) are external collaborators per spec §1's
// non-goals; the core only enforces the per-agent allow-list and forwards
// the call.
type ToolRegistry interface {
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// NoToolRegistry rejects every call. It's the default when no external
// tool registry is wired in, so an agent with CanUseTools still gets a
// well-formed ToolDenied instead of a nil-pointer panic.
type NoToolRegistry struct{}

func (NoToolRegistry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	return "", &aegiserr.ToolDenied{Tool: name}
}

// ChannelSink posts and reads the external broadcast channel (spec §4.5's
// post_to_channel/read_channel) — another out-of-scope collaborator.
type ChannelSink interface {
	Post(ctx context.Context, event map[string]any)
	Read(ctx context.Context, limit int) []map[string]any
}

// NoChannelSink is the default when no channel is wired in.
type NoChannelSink struct{}

func (NoChannelSink) Post(ctx context.Context, event map[string]any)     {}
func (NoChannelSink) Read(ctx context.Context, limit int) []map[string]any { return nil }

// capabilities is the concrete agentapi.Capabilities every registered agent
// receives from the scheduler (spec §9's narrow-capability re-architecture:
// no back-reference to the whole core).
type capabilities struct {
	log       *slog.Logger
	router    *router.Router
	workspace *workspace.Workspace
	tools     ToolRegistry
	channel   ChannelSink
	bcast     func(event map[string]any)

	// agentFilters maps agent_id -> tool filter, enforced centrally so an
	// agent cannot bypass its own declared policy (spec §4.5's two-level
	// enforcement: the LLM only sees the filtered schema, and execute_tool
	// rejects calls outside it regardless).
	agentFilters map[string]agentapi.ToolFilter
}

func newCapabilities(log *slog.Logger, r *router.Router, ws *workspace.Workspace, tools ToolRegistry, channel ChannelSink, bcast func(map[string]any), filters map[string]agentapi.ToolFilter) *capabilities {
	if tools == nil {
		tools = NoToolRegistry{}
	}
	if channel == nil {
		channel = NoChannelSink{}
	}
	return &capabilities{log: log, router: r, workspace: ws, tools: tools, channel: channel, bcast: bcast, agentFilters: filters}
}

func (c *capabilities) CallLLM(ctx context.Context, req agentapi.LLMRequest) (agentapi.LLMResponse, error) {
	return c.router.CallLLM(ctx, req)
}

func (c *capabilities) CallLLMStream(ctx context.Context, req agentapi.LLMRequest) (<-chan agentapi.StreamDelta, error) {
	return c.router.CallLLMStream(ctx, req)
}

// ExecuteTool enforces the calling agent's declared tool filter before
// forwarding to the registry (spec §4.5/§6's two-level enforcement).
func (c *capabilities) ExecuteTool(ctx context.Context, agentID, name string, args map[string]any) (string, error) {
	if filter, ok := c.agentFilters[agentID]; ok && !filter.Allows(name) {
		return "", &aegiserr.ToolDenied{AgentID: agentID, Tool: name}
	}
	return c.tools.Execute(ctx, name, args)
}

func (c *capabilities) PostWorkspace(ctx context.Context, entry workspace.Entry) *workspace.Entry {
	return c.workspace.Add(ctx, entry)
}

func (c *capabilities) ReadWorkspace(missionID string, filter workspace.Filter) []*workspace.Entry {
	return c.workspace.Query(missionID, filter)
}

func (c *capabilities) Broadcast(ctx context.Context, event map[string]any) {
	if c.bcast != nil {
		c.bcast(event)
	}
	c.channel.Post(ctx, event)
}

var _ agentapi.Capabilities = (*capabilities)(nil)
