package chatpipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/corvidlabs/aegis/internal/aegiserr"
	"github.com/corvidlabs/aegis/internal/agentapi"
	"github.com/corvidlabs/aegis/internal/bus"
	"github.com/corvidlabs/aegis/internal/mlm"
	"github.com/corvidlabs/aegis/internal/scheduler"
)

const missionAwaitTimeout = 300 * time.Second

var tracer = otel.Tracer("github.com/corvidlabs/aegis/internal/chatpipeline")

// MetricsSink receives per-chat() latency observations, keyed by classifier
// tier. A nil sink is valid. internal/metrics.Metrics satisfies this.
type MetricsSink interface {
	ChatRequest(tier string, durationSeconds float64)
	InjectionHit()
}

// Pipeline is the Chat Pipeline (spec.md C7).
type Pipeline struct {
	log       *slog.Logger
	registry  *agentapi.Registry
	mlm       *mlm.Manager
	scheduler *scheduler.Scheduler
	caps      agentapi.Capabilities
	classify  Classifier
	plan      Planner
	present   Presenter
	memory    MemoryStore
	bcast     BroadcastFunc
	metrics   MetricsSink

	mu          sync.Mutex
	escalations map[string]*Escalation
}

type Config struct {
	Log       *slog.Logger
	Registry  *agentapi.Registry
	MLM       *mlm.Manager
	Scheduler *scheduler.Scheduler
	Caps      agentapi.Capabilities
	Classify  Classifier
	Plan      Planner
	Present   Presenter
	Memory    MemoryStore
	Broadcast BroadcastFunc
	Metrics   MetricsSink
}

func New(cfg Config) *Pipeline {
	return &Pipeline{
		log:         cfg.Log,
		registry:    cfg.Registry,
		mlm:         cfg.MLM,
		scheduler:   cfg.Scheduler,
		caps:        cfg.Caps,
		classify:    cfg.Classify,
		plan:        cfg.Plan,
		present:     cfg.Present,
		memory:      cfg.Memory,
		bcast:       cfg.Broadcast,
		metrics:     cfg.Metrics,
		escalations: make(map[string]*Escalation),
	}
}

// Chat is chat()'s top-level entry point (spec §4.7).
func (p *Pipeline) Chat(ctx context.Context, message string, history []agentapi.ChatMessage, useTools bool) (*Response, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "chatpipeline.chat")
	defer span.End()

	var tierForMetrics Tier = TierSimple
	defer func() {
		if p.metrics != nil {
			p.metrics.ChatRequest(string(tierForMetrics), time.Since(start).Seconds())
		}
	}()

	// Step 1: passive injection scan, logged only.
	if hits := bus.ScanText(message); len(hits) > 0 {
		p.log.Warn("passive injection scan matched", slog.Any("patterns", hits))
		if p.metrics != nil {
			p.metrics.InjectionHit()
		}
	}

	// Step 2: classify.
	tier, err := p.classifyWithFallback(ctx, message)
	tierForMetrics = tier
	p.broadcast(map[string]any{"type": "execution_status", "stage": "classified", "tier": string(tier)})

	// Step 3: TRIVIAL fast path.
	if tier == TierTrivial {
		content, perr := p.present.Present(ctx, message, message, history)
		if perr != nil {
			return &Response{Content: fmt.Sprintf("Error: %v", perr), Tier: tier, Error: true}, nil
		}
		p.storeBestEffort(ctx, message, content, "chat,presentation")
		return &Response{
			Content:        content,
			ModelLabel:     "presentation",
			ElapsedSeconds: time.Since(start).Seconds(),
			Tier:           tier,
		}, nil
	}

	// Step 4: plan via reasoner.
	planResult, err := p.plan.Plan(ctx, message, history)
	if err != nil {
		var parseErr *aegiserr.PlanParseError
		if errors.As(err, &parseErr) {
			return &Response{Content: fmt.Sprintf("Error: %v", err), Tier: tier, Error: true}, nil
		}
		return nil, err
	}
	p.broadcast(map[string]any{
		"type": "execution_status", "stage": "planned",
		"plan_summary": planResult.PlanSummary, "task_count": len(planResult.Tasks),
	})

	// Step 5: escalation.
	if planResult.NeedsEscalation {
		esc := p.RequestEscalation(planResult.PlanSummary, "")
		return &Response{
			Content:        fmt.Sprintf("This task may exceed the fleet's capability. %s", planResult.PlanSummary),
			ModelLabel:     "reasoner",
			ElapsedSeconds: time.Since(start).Seconds(),
			Plan:           &PlanSummary{Summary: planResult.PlanSummary, Complexity: planResult.Complexity},
			Tier:           tier,
			Escalation:     esc,
		}, nil
	}

	// Step 6: immediate tier, single task, no synthesis — bypass the
	// scheduler entirely.
	if planResult.ResponseTier == ResponseImmediate && len(planResult.Tasks) == 1 && !planResult.Synthesize {
		return p.runImmediate(ctx, message, history, useTools, planResult.Tasks[0], tier, start)
	}

	// Step 7: enhanced/deep — submit to the scheduler and await completion.
	return p.runScheduled(ctx, message, history, planResult, tier, start)
}

func (p *Pipeline) classifyWithFallback(ctx context.Context, message string) (Tier, error) {
	tier, err := p.classify.Classify(ctx, message)
	if err == nil {
		return tier, nil
	}
	var unreachable *aegiserr.BackendUnreachable
	if errors.As(err, &unreachable) {
		p.log.Warn("classifier backend unreachable, degrading to SIMPLE", slog.Any("err", err))
		return TierSimple, nil
	}
	return TierSimple, err
}

func (p *Pipeline) runImmediate(ctx context.Context, message string, history []agentapi.ChatMessage, useTools bool, task scheduler.Task, tier Tier, start time.Time) (*Response, error) {
	agentID := task.AgentID
	if agentID == "" {
		agentID = "coder"
	}
	agent, ok := p.registry.Get(agentID)
	if !ok {
		return &Response{Content: fmt.Sprintf("Agent '%s' not available.", agentID), Error: true, Tier: tier}, nil
	}

	def := agent.Definition()
	if p.mlm != nil {
		if ok := p.mlm.EnsureLoaded(ctx, def.ModelKey); !ok {
			return &Response{Content: fmt.Sprintf("Model '%s' could not be loaded.", def.ModelKey), Error: true, Tier: tier}, nil
		}
		defer p.mlm.Release(def.ModelKey)
	}

	missionID := uuid.NewString()[:12]
	action := "direct"
	if def.CanUseTools {
		action = "execution"
	}
	content := task.Task
	if content == "" {
		content = message
	}
	msg := bus.NewMessage(bus.Task, "system", agentID, missionID, content)
	msg.Payload.Action = action
	msg.Payload.TaskID = task.ID
	if msg.Payload.TaskID == "" {
		msg.Payload.TaskID = "t1"
	}
	msg.Payload.ToolPlan = task.ToolPlan

	response, err := agent.Run(ctx, msg, p.caps)
	if err != nil {
		return &Response{Content: fmt.Sprintf("Error: %v", err), Error: true, Tier: tier}, nil
	}

	rawContent := "No response"
	var toolCalls []ToolCall
	if response != nil {
		rawContent = response.Content
		for _, tc := range response.Payload.ToolCalls {
			toolCalls = append(toolCalls, ToolCall{Name: tc.Name, Args: tc.Args, Result: tc.Result})
		}
	}

	p.storeBestEffort(ctx, message, rawContent, "chat,"+def.ModelKey)
	p.broadcast(map[string]any{"type": "mission_update", "mission_id": missionID, "status": "completed", "active_agent": agentID})

	return &Response{
		Content:        rawContent,
		ModelLabel:     def.ModelKey,
		ElapsedSeconds: time.Since(start).Seconds(),
		ToolCalls:      toolCalls,
		Tier:           tier,
	}, nil
}

func (p *Pipeline) runScheduled(ctx context.Context, message string, history []agentapi.ChatMessage, plan *Plan, tier Tier, start time.Time) (*Response, error) {
	for _, t := range plan.Tasks {
		if p.mlm != nil && t.AgentID != "" {
			agent, ok := p.registry.Get(t.AgentID)
			if ok {
				_ = p.mlm.EnsureLoaded(ctx, agent.Definition().ModelKey)
				defer p.mlm.Release(agent.Definition().ModelKey)
			}
		}
	}

	missionID := uuid.NewString()[:12]
	p.broadcast(map[string]any{"type": "mission_update", "mission_id": missionID, "status": "running", "plan": plan.PlanSummary})
	p.scheduler.SubmitMission(missionID, plan.Tasks, plan.Synthesize, message)

	mission, err := p.scheduler.AwaitMission(ctx, missionID, missionAwaitTimeout)
	if err != nil {
		return &Response{
			Content:        fmt.Sprintf("Mission error: %v", err),
			ModelLabel:     "orchestrated",
			ElapsedSeconds: time.Since(start).Seconds(),
			Error:          true,
			Tier:           tier,
		}, nil
	}

	rawText, modelLabel := p.summarizeMission(mission)
	responseText, perr := p.present.Present(ctx, message, rawText, history)
	if perr != nil {
		responseText = rawText
	}

	var allToolCalls []ToolCall
	for _, taskID := range mission.Order {
		for _, tc := range mission.Results[taskID].ToolCalls {
			allToolCalls = append(allToolCalls, ToolCall{Name: tc.Name, Args: tc.Args, Result: tc.Result})
		}
	}

	p.storeBestEffort(ctx, message, responseText, "chat,orchestrated")

	return &Response{
		Content:        responseText,
		ModelLabel:     modelLabel,
		ElapsedSeconds: time.Since(start).Seconds(),
		ToolCalls:      allToolCalls,
		Plan: &PlanSummary{
			Summary: plan.PlanSummary, Complexity: plan.Complexity,
			ResponseTier: plan.ResponseTier, Synthesized: plan.Synthesize,
		},
		Tier: tier,
	}, nil
}

// summarizeMission concatenates task results in completion order (mission.Order),
// not map iteration order — Go map order is randomized per run, which would
// otherwise let the same mission synthesize a different answer/label across
// runs (original_source/backend/core/chat_pipeline.py:219-229 relies on dict
// insertion order for the same determinism).
func (p *Pipeline) summarizeMission(mission *scheduler.Mission) (rawText, modelLabel string) {
	if len(mission.Order) == 0 {
		return "No tasks executed.", "orchestrated"
	}
	if len(mission.Order) == 1 {
		r := mission.Results[mission.Order[0]]
		return r.Result, r.AgentID
	}
	seen := make(map[string]bool)
	var chain []string
	var parts []string
	for _, taskID := range mission.Order {
		r := mission.Results[taskID]
		parts = append(parts, r.Result)
		if !seen[r.AgentID] {
			seen[r.AgentID] = true
			chain = append(chain, r.AgentID)
		}
	}
	label := chain[0]
	for _, c := range chain[1:] {
		label += " -> " + c
	}
	text := parts[0]
	for _, part := range parts[1:] {
		text += "\n\n---\n\n" + part
	}
	return text, label
}

// RequestEscalation records a pending escalation for missionID-less
// approval flows (the id is minted here since no mission has been
// submitted yet at this point in chat()).
func (p *Pipeline) RequestEscalation(reason, findingsSoFar string) *Escalation {
	esc := &Escalation{
		MissionID:     uuid.NewString()[:12],
		Reason:        reason,
		FindingsSoFar: findingsSoFar,
		CreatedAt:     time.Now(),
	}
	p.mu.Lock()
	p.escalations[esc.MissionID] = esc
	p.mu.Unlock()
	p.broadcast(map[string]any{"type": "notification", "kind": "escalation", "mission_id": esc.MissionID, "reason": reason})
	return esc
}

// ResolveEscalation marks a pending escalation resolved; the caller
// re-enters the pipeline at step 7 (runScheduled) with the user's choice.
func (p *Pipeline) ResolveEscalation(missionID string) (*Escalation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	esc, ok := p.escalations[missionID]
	if !ok {
		return nil, false
	}
	esc.Resolved = true
	return esc, true
}

func (p *Pipeline) storeBestEffort(ctx context.Context, message, content, tags string) {
	if p.memory == nil || content == "" {
		return
	}
	text := fmt.Sprintf("User: %s\nAssistant: %s", message, truncate(content, 500))
	if err := p.memory.Store(ctx, text, tags); err != nil {
		p.log.Debug("memory store failed, continuing", slog.Any("err", err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (p *Pipeline) broadcast(event map[string]any) {
	if p.bcast == nil {
		return
	}
	p.bcast(event)
}
