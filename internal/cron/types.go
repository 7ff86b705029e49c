// Package cron implements the Cron Scheduler and Security Heartbeat
// (spec.md C8): a self-scheduling job store agents can write future tasks
// into, and a recurring proactive security scan fed to the security agent
// for anomaly analysis. Grounded on
// original_source/backend/orchestration/scheduler.py's CronScheduler and
// SecurityHeartbeat classes.
package cron

import "time"

// ScheduleType is how a ScheduledJob's next run is computed.
type ScheduleType string

const (
	ScheduleOnce     ScheduleType = "once"
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
)

// ScheduledJob is one row of the self-scheduler's job store.
type ScheduledJob struct {
	ID             string       `json:"id"`
	Description    string       `json:"description"`
	ScheduleType   ScheduleType `json:"schedule_type"`
	ScheduleValue  string       `json:"schedule_value"`
	AgentID        string       `json:"agent_id,omitempty"`
	TaskPayload    string       `json:"task_payload,omitempty"`
	Enabled        bool         `json:"enabled"`
	LastRun        *time.Time   `json:"last_run,omitempty"`
	NextRun        time.Time    `json:"next_run"`
	CreatedAt      time.Time    `json:"created_at"`
	RunCount       int          `json:"run_count"`
}

// JobUpdate is a partial update applied by UpdateJob; nil fields are left
// unchanged, matching the original's **kwargs-filtered update.
type JobUpdate struct {
	Description   *string
	ScheduleType  *ScheduleType
	ScheduleValue *string
	Enabled       *bool
	AgentID       *string
	TaskPayload   *string
}
