package core

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/corvidlabs/aegis/internal/aegiserr"
	"github.com/corvidlabs/aegis/internal/agentapi"
	"github.com/corvidlabs/aegis/internal/chatpipeline"
	"github.com/corvidlabs/aegis/internal/router"
	"github.com/corvidlabs/aegis/internal/scheduler"
)

// classifierRole asks the classifier model key for exactly one tier word
// (spec §4.7 step 2). It is not a registered agentapi.Agent: classification
// happens ahead of any mission and has no task/workspace shape of its own.
type classifierRole struct {
	router   *router.Router
	modelKey string
}

func newClassifierRole(r *router.Router, modelKey string) *classifierRole {
	return &classifierRole{router: r, modelKey: modelKey}
}

func (c *classifierRole) Classify(ctx context.Context, message string) (chatpipeline.Tier, error) {
	resp, err := c.router.CallLLM(ctx, agentapi.LLMRequest{
		ModelKey: c.modelKey,
		Messages: []agentapi.ChatMessage{
			{Role: "system", Content: "Classify the user's message as exactly one word: TRIVIAL, SIMPLE, or COMPLEX. TRIVIAL is a greeting or small talk with no task. SIMPLE is a single concrete task answerable by one agent. COMPLEX needs multiple agents or research. Reply with only the one word."},
			{Role: "user", Content: message},
		},
		MaxTokens:   8,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	switch strings.ToUpper(strings.TrimSpace(resp.Content)) {
	case string(chatpipeline.TierTrivial):
		return chatpipeline.TierTrivial, nil
	case string(chatpipeline.TierComplex):
		return chatpipeline.TierComplex, nil
	default:
		return chatpipeline.TierSimple, nil
	}
}

// plannerRole asks the reasoner model key to decode a message into a
// Mission DAG (spec §6's wire format). Grounded on
// original_source/backend/core/chat_pipeline.py's reasoner.plan call.
type plannerRole struct {
	router   *router.Router
	modelKey string
}

func newPlannerRole(r *router.Router, modelKey string) *plannerRole {
	return &plannerRole{router: r, modelKey: modelKey}
}

var jsonBlobPattern = regexp.MustCompile(`(?s)\{.*\}`)

type planWire struct {
	Complexity      string          `json:"complexity"`
	ResponseTier    string          `json:"response_tier"`
	NeedsEscalation bool            `json:"needs_escalation"`
	Synthesize      bool            `json:"synthesize"`
	PlanSummary     string          `json:"plan_summary"`
	Tasks           []scheduler.Task `json:"tasks"`
}

const plannerSystemPrompt = `You are the reasoning planner for a multi-agent assistant. Given the user's ` +
	`message and conversation history, produce a JSON object with exactly these fields: ` +
	`complexity (string), response_tier ("immediate"|"enhanced"|"deep"), needs_escalation (bool), ` +
	`synthesize (bool), plan_summary (string), tasks (array of {id, agent_id, task, tools_needed, ` +
	`tool_plan, security_consultation, depends_on}). depends_on must form a DAG over task ids within ` +
	`the same response. Reply with JSON only, no prose.`

func (p *plannerRole) Plan(ctx context.Context, message string, history []agentapi.ChatMessage) (*chatpipeline.Plan, error) {
	messages := append([]agentapi.ChatMessage{{Role: "system", Content: plannerSystemPrompt}}, history...)
	messages = append(messages, agentapi.ChatMessage{Role: "user", Content: message})

	resp, err := p.router.CallLLM(ctx, agentapi.LLMRequest{
		ModelKey:    p.modelKey,
		Messages:    messages,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, err
	}

	blob := jsonBlobPattern.FindString(resp.Content)
	if blob == "" {
		return nil, &aegiserr.PlanParseError{Reason: "no JSON object found in reasoner output", Err: fmt.Errorf("raw: %s", resp.Content)}
	}

	var wire planWire
	if err := json.Unmarshal([]byte(blob), &wire); err != nil {
		return nil, &aegiserr.PlanParseError{Reason: "invalid plan JSON", Err: err}
	}

	return &chatpipeline.Plan{
		Complexity:      wire.Complexity,
		ResponseTier:    chatpipeline.ResponseTier(wire.ResponseTier),
		NeedsEscalation: wire.NeedsEscalation,
		Synthesize:      wire.Synthesize,
		PlanSummary:     wire.PlanSummary,
		Tasks:           wire.Tasks,
	}, nil
}

// presenterRole re-phrases raw task output through the conversational model
// (spec §4.7's final synthesis step and TRIVIAL fast path).
type presenterRole struct {
	router   *router.Router
	modelKey string
}

func newPresenterRole(r *router.Router, modelKey string) *presenterRole {
	return &presenterRole{router: r, modelKey: modelKey}
}

func (p *presenterRole) Present(ctx context.Context, userMessage, raw string, history []agentapi.ChatMessage) (string, error) {
	messages := append([]agentapi.ChatMessage{
		{Role: "system", Content: "You are the conversational voice of a personal AI assistant. Phrase the assistant's response naturally and concisely from the material below, without mentioning internal agents, tasks, or orchestration."},
	}, history...)
	messages = append(messages,
		agentapi.ChatMessage{Role: "user", Content: userMessage},
		agentapi.ChatMessage{Role: "system", Content: "Material to phrase into a reply:\n" + raw},
	)

	resp, err := p.router.CallLLM(ctx, agentapi.LLMRequest{
		ModelKey:    p.modelKey,
		Messages:    messages,
		Temperature: 0.7,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

var (
	_ chatpipeline.Classifier = (*classifierRole)(nil)
	_ chatpipeline.Planner    = (*plannerRole)(nil)
	_ chatpipeline.Presenter  = (*presenterRole)(nil)
)
