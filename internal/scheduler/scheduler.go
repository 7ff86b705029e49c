package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/corvidlabs/aegis/internal/agentapi"
	"github.com/corvidlabs/aegis/internal/bus"
	"github.com/corvidlabs/aegis/internal/spawn"
)

var tracer = otel.Tracer("github.com/corvidlabs/aegis/internal/scheduler")

// BroadcastFunc emits an observational lifecycle event to the external
// broadcast sink (spec §6); never blocks, failures are logged only.
type BroadcastFunc func(event map[string]any)

// SecurityFlag mirrors a flagged security observation the monitor agent has
// recorded, for the scheduler's post-dispatch critical-flag check.
type SecurityFlag struct {
	ID         string
	Category   string
	Confidence float64
	Summary    string
}

// FlagSource is implemented by the security monitor agent so the scheduler
// can ask it for outstanding critical flags after every agent completion
// (spec §4.6's check_critical_flags), without the scheduler importing a
// concrete agent type.
type FlagSource interface {
	CriticalFlags(minConfidence float64) []SecurityFlag
}

// MetricsSink receives scheduler-level throughput observations. A nil sink
// is valid; the scheduler checks before every call so it never needs to be
// special-cased. internal/metrics.Metrics satisfies this directly.
type MetricsSink interface {
	MissionSubmitted(taskCount int)
	MissionCompleted(status string, durationSeconds float64)
}

const (
	defaultPollInterval        = 50 * time.Millisecond
	defaultPerAgentConcurrency = 4
	defaultMaxCachedMissions   = 200
	criticalFlagThreshold      = 0.9
)

// Scheduler is the Scheduler component (spec.md C6).
type Scheduler struct {
	log      *slog.Logger
	bus      *bus.Bus
	registry *agentapi.Registry
	caps     agentapi.Capabilities
	rt       spawn.Runtime
	bcast    BroadcastFunc
	metrics  MetricsSink

	pollInterval        time.Duration
	perAgentConcurrency int64
	maxCachedMissions   int

	mu           sync.Mutex
	missions     map[string]*Mission
	missionLocks map[string]*sync.Mutex
	inflight     map[string]int
	agentSem     map[string]*semaphore.Weighted

	securityAgentID string
	securityFlags   FlagSource

	cancel context.CancelFunc
}

type Config struct {
	PollInterval        time.Duration
	PerAgentConcurrency int
	MaxCachedMissions   int
	Metrics             MetricsSink
}

func New(log *slog.Logger, b *bus.Bus, reg *agentapi.Registry, caps agentapi.Capabilities, rt spawn.Runtime, bcast BroadcastFunc, cfg Config) *Scheduler {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PerAgentConcurrency == 0 {
		cfg.PerAgentConcurrency = defaultPerAgentConcurrency
	}
	if cfg.MaxCachedMissions == 0 {
		cfg.MaxCachedMissions = defaultMaxCachedMissions
	}
	return &Scheduler{
		log:                 log,
		bus:                 b,
		registry:            reg,
		caps:                caps,
		rt:                  rt,
		bcast:               bcast,
		metrics:             cfg.Metrics,
		pollInterval:        cfg.PollInterval,
		perAgentConcurrency: int64(cfg.PerAgentConcurrency),
		maxCachedMissions:   cfg.MaxCachedMissions,
		missions:            make(map[string]*Mission),
		missionLocks:        make(map[string]*sync.Mutex),
		inflight:            make(map[string]int),
		agentSem:            make(map[string]*semaphore.Weighted),
	}
}

// SetSecurityMonitor wires the security agent's flag source in for the
// post-dispatch critical-flag check (spec §4.6).
func (s *Scheduler) SetSecurityMonitor(agentID string, src FlagSource) {
	s.securityAgentID = agentID
	s.securityFlags = src
}

// SubmitMission builds the dependency levels for tasks and emits level 0
// onto the bus (spec §4.6).
func (s *Scheduler) SubmitMission(missionID string, tasks []Task, synthesize bool, userMessage string) {
	taskMap := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		taskMap[t.ID] = t
	}
	levels := buildLevels(tasks)

	m := &Mission{
		ID:           missionID,
		Status:       StateRunning,
		Tasks:        taskMap,
		Levels:       levels,
		CurrentLevel: 0,
		Results:      make(map[string]TaskResult),
		Synthesize:   synthesize,
		UserMessage:  userMessage,
		CreatedAt:    time.Now(),
		TotalTasks:   len(tasks),
	}

	s.mu.Lock()
	s.missions[missionID] = m
	s.missionLocks[missionID] = &sync.Mutex{}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.MissionSubmitted(len(tasks))
	}

	s.sendLevelTasks(missionID, 0)
}

func (s *Scheduler) sendLevelTasks(missionID string, levelIdx int) {
	s.mu.Lock()
	m, ok := s.missions[missionID]
	s.mu.Unlock()
	if !ok || levelIdx >= len(m.Levels) {
		return
	}

	ctx := context.Background()
	for _, t := range m.Levels[levelIdx] {
		action := "execution"
		if t.SecurityConsultation {
			action = "security_consultation"
		}
		priority := bus.PriorityNormal
		if t.SecurityConsultation {
			priority = bus.PriorityHigh
		}

		msg := bus.NewMessage(bus.Task, "scheduler", t.AgentID, missionID, t.Task).WithPriority(priority)
		msg.Payload.Action = action
		msg.Payload.TaskID = t.ID
		msg.Payload.ToolPlan = t.ToolPlan
		msg.Payload.DependsOn = t.DependsOn
		s.bus.Send(ctx, msg)
	}
}

// AwaitMission polls mission state until terminal or timeout elapses (spec
// §4.6's await_mission).
func (s *Scheduler) AwaitMission(ctx context.Context, missionID string, timeout time.Duration) (*Mission, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		m, ok := s.missions[missionID]
		s.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("scheduler: mission %q not found", missionID)
		}
		if m.Status.IsTerminal() {
			return m, nil
		}
		if time.Now().After(deadline) {
			return m, fmt.Errorf("scheduler: mission %q timed out after %v", missionID, timeout)
		}
		select {
		case <-ctx.Done():
			return m, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Cancel marks a mission cancelled, preventing further level emission.
// In-flight agent runs complete normally but their results are discarded.
func (s *Scheduler) Cancel(missionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[missionID]
	if !ok {
		return
	}
	m.Status = StateCancelled
	delete(s.missionLocks, missionID)
	if s.metrics != nil {
		s.metrics.MissionCompleted(string(StateCancelled), time.Since(m.CreatedAt).Seconds())
	}
}

// GetMission returns the current snapshot of a mission record, if known.
func (s *Scheduler) GetMission(missionID string) (*Mission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[missionID]
	return m, ok
}

// Start launches the dispatch loop on rt (spec §4.6's run_loop).
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.rt.Every(ctx, s.pollInterval, func() { s.tick(ctx) })
}

// Stop halts the dispatch loop.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	for _, agentID := range s.bus.AgentsWithPendingMessages() {
		agent, ok := s.registry.Get(agentID)
		if !ok {
			s.drainUnknownAgent(ctx, agentID)
			continue
		}

		sem := s.semaphoreFor(agentID)
		for s.bus.HasPending(agentID) {
			if !sem.TryAcquire(1) {
				break // agentID is already at its concurrency cap; resume next tick
			}
			msg := s.bus.PopNext(agentID)
			if msg == nil {
				sem.Release(1)
				break
			}
			s.rt.Go(func(ctx context.Context) {
				defer sem.Release(1)
				s.runAgent(ctx, agentID, agent, msg)
			})
		}
	}
}

func (s *Scheduler) semaphoreFor(agentID string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.agentSem[agentID]
	if !ok {
		sem = semaphore.NewWeighted(s.perAgentConcurrency)
		s.agentSem[agentID] = sem
	}
	return sem
}

func (s *Scheduler) drainUnknownAgent(ctx context.Context, agentID string) {
	for s.bus.HasPending(agentID) {
		msg := s.bus.PopNext(agentID)
		if msg == nil {
			break
		}
		s.bus.MarkProcessed(ctx, msg.ID)
	}
}

func (s *Scheduler) runAgent(ctx context.Context, agentID string, agent agentapi.Agent, msg *bus.Message) {
	ctx, span := tracer.Start(ctx, "scheduler.dispatch_task", trace.WithAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("mission_id", msg.MissionID),
		attribute.String("task_id", msg.Payload.TaskID),
	))
	defer span.End()

	s.mu.Lock()
	s.inflight[agentID]++
	s.mu.Unlock()

	preview := msg.Content
	if len(preview) > 100 {
		preview = preview[:100]
	}
	s.broadcast(map[string]any{
		"type": "agent_event", "event": "agent_running",
		"agent": agentID, "mission_id": msg.MissionID, "task_preview": preview,
	})

	response, err := s.safeRun(ctx, agent, msg)
	s.bus.MarkProcessed(ctx, msg.ID)

	if err != nil {
		s.log.Error("agent run failed", slog.String("agent_id", agentID), slog.Any("err", err))
		errMsg := bus.NewMessage(bus.Result, agentID, "scheduler", msg.MissionID, fmt.Sprintf("Agent error: %v", err))
		errMsg.Payload.Error = true
		errMsg.Payload.TaskID = msg.Payload.TaskID
		s.handleAgentResponse(ctx, agentID, errMsg)
	} else if response != nil {
		s.handleAgentResponse(ctx, agentID, response)
	}

	s.mu.Lock()
	if s.inflight[agentID] > 0 {
		s.inflight[agentID]--
	}
	s.mu.Unlock()

	s.broadcast(map[string]any{
		"type": "agent_event", "event": "agent_completed",
		"agent": agentID, "mission_id": msg.MissionID,
	})

	s.checkCriticalFlags()
}

func (s *Scheduler) safeRun(ctx context.Context, agent agentapi.Agent, msg *bus.Message) (resp *bus.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in agent.Run: %v", r)
		}
	}()
	return agent.Run(ctx, msg, s.caps)
}

func (s *Scheduler) handleAgentResponse(ctx context.Context, agentID string, response *bus.Message) {
	switch response.MsgType {
	case bus.Result:
		s.recordResult(ctx, agentID, response)
	case bus.Progress:
		// waiting_for is parked informationally only (spec §4.5's PROGRESS
		// note — reserved for future inter-agent blocking).
	case bus.Response, bus.Request, bus.Query:
		s.bus.Send(ctx, response)
	case bus.Observation:
		// no-op: observational record lives in the workspace, not the bus.
	}
}

func (s *Scheduler) recordResult(ctx context.Context, agentID string, response *bus.Message) {
	taskID := response.Payload.TaskID
	if taskID == "" {
		return
	}

	s.mu.Lock()
	m, ok := s.missions[response.MissionID]
	cancelled := ok && m.Status == StateCancelled
	s.mu.Unlock()
	if !ok || cancelled {
		return
	}

	preview := response.Content
	if len(preview) > 200 {
		preview = preview[:200]
	}

	s.mu.Lock()
	if _, already := m.Results[taskID]; !already {
		m.Order = append(m.Order, taskID)
	}
	m.Results[taskID] = TaskResult{
		TaskID:      taskID,
		AgentID:     agentID,
		TaskPreview: preview,
		Result:      response.Content,
		Error:       response.Payload.Error,
		ToolCalls:   convertToolCalls(response.Payload.ToolCalls),
	}
	m.CompletedTasks = len(m.Results)
	s.mu.Unlock()

	s.broadcast(map[string]any{
		"type": "mission_update", "mission_id": response.MissionID, "status": "running",
		"completed": m.CompletedTasks, "total": m.TotalTasks, "active_agent": agentID,
	})

	s.checkLevelCompletion(ctx, response.MissionID)
}

func convertToolCalls(in []bus.ToolCallRecord) []ToolCallRecord {
	out := make([]ToolCallRecord, 0, len(in))
	for _, t := range in {
		out = append(out, ToolCallRecord{Name: t.Name, Args: t.Args, Result: t.Result})
	}
	return out
}

// checkLevelCompletion is serialized per mission to prevent duplicate
// advancement when two same-level tasks complete concurrently (spec §4.6).
func (s *Scheduler) checkLevelCompletion(ctx context.Context, missionID string) {
	s.mu.Lock()
	lock, ok := s.missionLocks[missionID]
	s.mu.Unlock()
	if !ok {
		return
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	m, ok := s.missions[missionID]
	s.mu.Unlock()
	if !ok || m.Status != StateRunning {
		return
	}
	if m.CurrentLevel >= len(m.Levels) {
		return
	}

	current := m.Levels[m.CurrentLevel]
	for _, t := range current {
		if _, done := m.Results[t.ID]; !done {
			return
		}
	}

	nextLevel := m.CurrentLevel + 1
	s.mu.Lock()
	m.CurrentLevel = nextLevel
	s.mu.Unlock()

	if nextLevel < len(m.Levels) {
		s.sendLevelTasks(missionID, nextLevel)
		return
	}

	s.mu.Lock()
	m.Status = StateCompleted
	delete(s.missionLocks, missionID)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.MissionCompleted(string(StateCompleted), time.Since(m.CreatedAt).Seconds())
	}
	s.evictOldMissions()
	s.broadcast(map[string]any{"type": "mission_update", "mission_id": missionID, "status": "completed"})
}

// evictOldMissions drops oldest terminal missions beyond the cache cap
// (spec §4.6's 200-mission cap, original's _evict_old_missions).
func (s *Scheduler) evictOldMissions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.missions) <= s.maxCachedMissions {
		return
	}

	type entry struct {
		id string
		m  *Mission
	}
	var terminal []entry
	for id, m := range s.missions {
		if m.Status.IsTerminal() {
			terminal = append(terminal, entry{id, m})
		}
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].m.CreatedAt.Before(terminal[j].m.CreatedAt) })

	toRemove := len(s.missions) - s.maxCachedMissions
	for i := 0; i < toRemove && i < len(terminal); i++ {
		delete(s.missions, terminal[i].id)
		delete(s.missionLocks, terminal[i].id)
	}
}

func (s *Scheduler) checkCriticalFlags() {
	if s.securityFlags == nil {
		return
	}
	flags := s.securityFlags.CriticalFlags(criticalFlagThreshold)
	if len(flags) == 0 {
		return
	}
	s.log.Warn("critical security flags detected", slog.Int("count", len(flags)))

	limit := flags
	if len(limit) > 5 {
		limit = limit[:5]
	}
	s.broadcast(map[string]any{
		"type": "security_alert", "severity": "critical",
		"flags":   limit,
		"message": fmt.Sprintf("Security monitor detected %d critical flag(s)", len(flags)),
	})
}

func (s *Scheduler) broadcast(event map[string]any) {
	if s.bcast == nil {
		return
	}
	s.bcast(event)
}
