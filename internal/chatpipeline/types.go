// Package chatpipeline implements the Chat Pipeline (spec.md C7): the
// classify → plan → (immediate fast-path | scheduled mission) → present flow
// that turns one user message into one response. Grounded on
// original_source/backend/core/chat_pipeline.py.
package chatpipeline

import (
	"context"
	"time"

	"github.com/corvidlabs/aegis/internal/agentapi"
	"github.com/corvidlabs/aegis/internal/scheduler"
)

// Tier is the classifier's TRIVIAL/SIMPLE/COMPLEX output (spec §4.7 step 2).
type Tier string

const (
	TierTrivial Tier = "TRIVIAL"
	TierSimple  Tier = "SIMPLE"
	TierComplex Tier = "COMPLEX"
)

// ResponseTier is the reasoner's chosen execution strategy.
type ResponseTier string

const (
	ResponseImmediate ResponseTier = "immediate"
	ResponseEnhanced  ResponseTier = "enhanced"
	ResponseDeep      ResponseTier = "deep"
)

// Plan is the reasoner's decoded output (spec §6's Mission DAG wire format).
type Plan struct {
	Complexity      string
	ResponseTier    ResponseTier
	NeedsEscalation bool
	Synthesize      bool
	PlanSummary     string
	Tasks           []scheduler.Task
}

// Escalation is a pending request for the user to approve an
// out-of-fleet-capability task (spec §4.7 step 5's supplemented shape).
type Escalation struct {
	MissionID     string
	Reason        string
	FindingsSoFar string
	CreatedAt     time.Time
	Resolved      bool
}

// Classifier assigns a Tier to a raw user message.
type Classifier interface {
	Classify(ctx context.Context, message string) (Tier, error)
}

// Planner asks the reasoner agent to produce a Plan for non-trivial
// messages.
type Planner interface {
	Plan(ctx context.Context, message string, history []agentapi.ChatMessage) (*Plan, error)
}

// Presenter phrases a final response from raw task output through the
// presentation/conversational model.
type Presenter interface {
	Present(ctx context.Context, userMessage, raw string, history []agentapi.ChatMessage) (string, error)
}

// MemoryStore persists a completed, non-error exchange. Best-effort: a
// failure here never fails the chat response (spec §4.7's closing note).
type MemoryStore interface {
	Store(ctx context.Context, text, tags string) error
}

// BroadcastFunc emits an observational lifecycle event.
type BroadcastFunc func(event map[string]any)

// ToolCall is one recorded tool invocation surfaced in the final response.
type ToolCall struct {
	Name   string
	Args   string
	Result string
}

// PlanSummary is the trimmed plan view returned alongside a response.
type PlanSummary struct {
	Summary      string
	Complexity   string
	ResponseTier ResponseTier
	Synthesized  bool
}

// Response is chat()'s return shape (spec §4.7's top-level entry).
type Response struct {
	Content        string
	ModelLabel     string
	ElapsedSeconds float64
	ToolCalls      []ToolCall
	Plan           *PlanSummary
	Tier           Tier
	Error          bool
	Escalation     *Escalation
}
