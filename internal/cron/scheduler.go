package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/corvidlabs/aegis/internal/scheduler"
	"github.com/corvidlabs/aegis/internal/spawn"
	"github.com/corvidlabs/aegis/internal/store"
)

const (
	defaultTickInterval  = 30 * time.Second
	defaultInitialDelay  = 10 * time.Second
	cronLookaheadWindow  = 48 * time.Hour
)

// Dispatcher runs a due job's payload. A job carrying a decoded Mission DAG
// is submitted directly to the Scheduler; a job with no plan is routed
// through the reasoner as free-form text (mirroring _core.start_task).
type Dispatcher interface {
	DispatchPlan(ctx context.Context, missionID, description string, tasks []scheduler.Task) error
	DispatchFreeform(ctx context.Context, description string) error
}

// Scheduler is the Cron Scheduler (spec.md C8).
type Scheduler struct {
	log  *slog.Logger
	st   store.Store
	disp Dispatcher
	rt   spawn.Runtime
	gx   gronx.Gronx

	tickInterval time.Duration
	initialDelay time.Duration

	mu   sync.Mutex
	jobs map[string]*ScheduledJob

	cancel context.CancelFunc
}

func New(log *slog.Logger, st store.Store, disp Dispatcher, rt spawn.Runtime) (*Scheduler, error) {
	s := &Scheduler{
		log:          log,
		st:           st,
		disp:         disp,
		rt:           rt,
		gx:           gronx.New(),
		tickInterval: defaultTickInterval,
		initialDelay: defaultInitialDelay,
		jobs:         make(map[string]*ScheduledJob),
	}
	if err := s.loadAll(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) loadAll(ctx context.Context) error {
	recs, err := s.st.LoadAll(ctx, store.TableCronJobs)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		var job ScheduledJob
		if err := json.Unmarshal(rec.Body, &job); err != nil {
			s.log.Warn("skipping unreadable persisted cron job", slog.String("key", rec.Key), slog.Any("err", err))
			continue
		}
		s.jobs[job.ID] = &job
	}
	return nil
}

// Start begins the tick loop: an initial delay then a poll every
// tickInterval, matching the original's 10s/30s cadence.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.rt.After(s.initialDelay, func() {
		s.tick(runCtx)
		s.rt.Every(runCtx, s.tickInterval, func() { s.tick(runCtx) })
	})
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	var due []*ScheduledJob
	s.mu.Lock()
	for _, job := range s.jobs {
		if job.Enabled && !job.NextRun.After(now) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].NextRun.Before(due[j].NextRun) })
	for _, job := range due {
		s.dispatchJob(ctx, job)

		s.mu.Lock()
		job.LastRun = &now
		job.RunCount++
		next, hasNext := s.computeNextRun(job)
		if !hasNext {
			job.Enabled = false
		} else {
			job.NextRun = next
		}
		s.persist(ctx, job)
		s.mu.Unlock()
	}
}

func (s *Scheduler) dispatchJob(ctx context.Context, job *ScheduledJob) {
	description := job.Description
	if description == "" {
		description = "Scheduled job"
	}
	s.log.Info("dispatching cron job", slog.String("job_id", job.ID), slog.String("description", description))

	var payload struct {
		Plan []scheduler.Task `json:"plan"`
	}
	if job.TaskPayload != "" {
		if err := json.Unmarshal([]byte(job.TaskPayload), &payload); err != nil {
			s.log.Warn("unreadable cron job task_payload, treating as plan-less", slog.String("job_id", job.ID), slog.Any("err", err))
		}
	}

	var err error
	if len(payload.Plan) > 0 {
		missionID := "cron-" + uuid.NewString()[:10]
		err = s.disp.DispatchPlan(ctx, missionID, description, payload.Plan)
	} else {
		err = s.disp.DispatchFreeform(ctx, description)
	}
	if err != nil {
		s.log.Error("cron job dispatch failed", slog.String("job_id", job.ID), slog.Any("err", err))
	}
}

// computeNextRun mirrors _compute_next_run: "once" jobs never recur.
func (s *Scheduler) computeNextRun(job *ScheduledJob) (time.Time, bool) {
	switch job.ScheduleType {
	case ScheduleOnce:
		return time.Time{}, false
	case ScheduleInterval:
		var seconds int
		if _, err := fmt.Sscanf(job.ScheduleValue, "%d", &seconds); err != nil {
			return time.Time{}, false
		}
		return time.Now().Add(time.Duration(seconds) * time.Second), true
	case ScheduleCron:
		next, ok := s.nextCronRun(job.ScheduleValue)
		return next, ok
	default:
		return time.Time{}, false
	}
}

func (s *Scheduler) nextCronRun(expr string) (time.Time, bool) {
	next, err := gronx.NextTick(expr, false)
	if err != nil {
		s.log.Warn("invalid cron expression", slog.String("expr", expr), slog.Any("err", err))
		return time.Time{}, false
	}
	if next.After(time.Now().Add(cronLookaheadWindow)) {
		return time.Time{}, false
	}
	return next, true
}

func (s *Scheduler) persist(ctx context.Context, job *ScheduledJob) {
	body, err := json.Marshal(job)
	if err != nil {
		s.log.Error("failed to encode cron job", slog.String("job_id", job.ID), slog.Any("err", err))
		return
	}
	if err := s.st.Put(ctx, store.Record{Table: store.TableCronJobs, Key: job.ID, Body: body}); err != nil {
		s.log.Error("failed to persist cron job", slog.String("job_id", job.ID), slog.Any("err", err))
	}
}

// CreateJob inserts a new job and computes its initial next_run.
func (s *Scheduler) CreateJob(ctx context.Context, description string, scheduleType ScheduleType, scheduleValue, agentID, taskPayload string) (*ScheduledJob, error) {
	now := time.Now()
	job := &ScheduledJob{
		ID:            "job_" + uuid.NewString()[:12],
		Description:   description,
		ScheduleType:  scheduleType,
		ScheduleValue: scheduleValue,
		AgentID:       agentID,
		TaskPayload:   taskPayload,
		Enabled:       true,
		CreatedAt:     now,
	}

	switch scheduleType {
	case ScheduleOnce:
		t, err := time.Parse(time.RFC3339, scheduleValue)
		if err != nil {
			return nil, fmt.Errorf("once schedule requires an RFC3339 timestamp: %w", err)
		}
		job.NextRun = t
	case ScheduleInterval:
		var seconds int
		if _, err := fmt.Sscanf(scheduleValue, "%d", &seconds); err != nil {
			return nil, fmt.Errorf("interval schedule requires a number of seconds: %w", err)
		}
		job.NextRun = now.Add(time.Duration(seconds) * time.Second)
	case ScheduleCron:
		if !s.gx.IsValid(scheduleValue) {
			return nil, fmt.Errorf("invalid cron expression %q", scheduleValue)
		}
		next, ok := s.nextCronRun(scheduleValue)
		if !ok {
			next = now
		}
		job.NextRun = next
	default:
		return nil, fmt.Errorf("unknown schedule type %q", scheduleType)
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.persist(ctx, job)
	s.mu.Unlock()
	return job, nil
}

func (s *Scheduler) ListJobs() []*ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out
}

func (s *Scheduler) GetJob(jobID string) (*ScheduledJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	return job, ok
}

func (s *Scheduler) DeleteJob(ctx context.Context, jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return false
	}
	delete(s.jobs, jobID)
	if err := s.st.Delete(ctx, store.TableCronJobs, jobID); err != nil {
		s.log.Error("failed to delete cron job", slog.String("job_id", jobID), slog.Any("err", err))
	}
	return true
}

// UpdateJob applies a partial update, recomputing next_run if the schedule
// changed (mirroring the original's update_job).
func (s *Scheduler) UpdateJob(ctx context.Context, jobID string, u JobUpdate) (*ScheduledJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}

	scheduleChanged := false
	if u.Description != nil {
		job.Description = *u.Description
	}
	if u.ScheduleType != nil {
		job.ScheduleType = *u.ScheduleType
		scheduleChanged = true
	}
	if u.ScheduleValue != nil {
		job.ScheduleValue = *u.ScheduleValue
		scheduleChanged = true
	}
	if u.Enabled != nil {
		job.Enabled = *u.Enabled
	}
	if u.AgentID != nil {
		job.AgentID = *u.AgentID
	}
	if u.TaskPayload != nil {
		job.TaskPayload = *u.TaskPayload
	}

	if scheduleChanged {
		if next, hasNext := s.computeNextRun(job); hasNext {
			job.NextRun = next
		} else if job.ScheduleType != ScheduleOnce {
			job.NextRun = time.Now()
		}
	}

	s.persist(ctx, job)
	return job, true
}
