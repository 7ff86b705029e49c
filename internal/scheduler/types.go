// Package scheduler implements the Scheduler (spec.md C6): topological
// mission dispatch over the Message Bus, per-mission level advancement, and
// the dispatch loop that fans task messages out to agents. Grounded on
// original_source/backend/orchestration/scheduler.py's GPUScheduler.
package scheduler

import "time"

// State is a mission's lifecycle state.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimeout   State = "timeout"
)

// IsTerminal reports whether s is a state a mission cannot leave.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	default:
		return false
	}
}

// Task is one node of a Mission DAG (spec §6's wire format, decoded form).
// Carries mapstructure tags alongside the encoding/json tags; plan JSON
// (the planner's output, a cron job's stored task_payload) is decoded
// directly with encoding/json.
type Task struct {
	ID                   string   `mapstructure:"id" json:"id"`
	AgentID              string   `mapstructure:"agent_id" json:"agent_id"`
	Task                 string   `mapstructure:"task" json:"task"`
	ToolsNeeded          bool     `mapstructure:"tools_needed" json:"tools_needed"`
	ToolPlan             []string `mapstructure:"tool_plan" json:"tool_plan"`
	SecurityConsultation bool     `mapstructure:"security_consultation" json:"security_consultation"`
	DependsOn            []string `mapstructure:"depends_on" json:"depends_on"`
}

// TaskResult is one completed task's recorded outcome.
type TaskResult struct {
	TaskID      string
	AgentID     string
	TaskPreview string
	Result      string
	Error       bool
	ToolCalls   []ToolCallRecord
}

// ToolCallRecord mirrors bus.ToolCallRecord without importing bus into the
// public Mission view (kept structurally identical so callers can convert
// with a plain type conversion).
type ToolCallRecord struct {
	Name   string
	Args   string
	Result string
}

// Mission is the in-memory record of a submitted Mission DAG's execution.
type Mission struct {
	ID             string
	Status         State
	Tasks          map[string]Task
	Levels         [][]Task
	CurrentLevel   int
	Results        map[string]TaskResult
	Order          []string // task ids in completion order, for deterministic synthesis
	Synthesize     bool
	UserMessage    string
	CreatedAt      time.Time
	TotalTasks     int
	CompletedTasks int
}

// buildLevels implements spec §4.6's topological layering with pragmatic
// cycle-breaking: a level with no ready task promotes the first remaining
// task so the DAG can never stall.
func buildLevels(tasks []Task) [][]Task {
	completed := make(map[string]bool, len(tasks))
	remaining := make([]Task, len(tasks))
	copy(remaining, tasks)

	var levels [][]Task
	for len(remaining) > 0 {
		var ready []Task
		for _, t := range remaining {
			if dependsSatisfied(t, completed) {
				ready = append(ready, t)
			}
		}
		if len(ready) == 0 {
			ready = remaining[:1]
		}
		levels = append(levels, ready)

		readyIDs := make(map[string]bool, len(ready))
		for _, t := range ready {
			completed[t.ID] = true
			readyIDs[t.ID] = true
		}
		next := remaining[:0:0]
		for _, t := range remaining {
			if !readyIDs[t.ID] {
				next = append(next, t)
			}
		}
		remaining = next
	}
	return levels
}

func dependsSatisfied(t Task, completed map[string]bool) bool {
	for _, dep := range t.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}
