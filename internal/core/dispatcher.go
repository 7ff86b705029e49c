package core

import (
	"context"
	"fmt"

	"github.com/corvidlabs/aegis/internal/chatpipeline"
	"github.com/corvidlabs/aegis/internal/scheduler"
)

// missionDispatcher implements cron.Dispatcher (grounded on
// original_source/backend/orchestration/scheduler.py's _dispatch_job: a
// stored plan submits directly to the Scheduler, a freeform description
// routes through the chat pipeline so it benefits from the same classify
// → plan flow as an interactive message).
type missionDispatcher struct {
	sched *scheduler.Scheduler
	chat  *chatpipeline.Pipeline
}

func newMissionDispatcher(sched *scheduler.Scheduler, chat *chatpipeline.Pipeline) *missionDispatcher {
	return &missionDispatcher{sched: sched, chat: chat}
}

func (d *missionDispatcher) DispatchPlan(ctx context.Context, missionID, description string, tasks []scheduler.Task) error {
	d.sched.SubmitMission(missionID, tasks, true, description)
	return nil
}

func (d *missionDispatcher) DispatchFreeform(ctx context.Context, description string) error {
	resp, err := d.chat.Chat(ctx, description, nil, true)
	if err != nil {
		return err
	}
	if resp.Error {
		return fmt.Errorf("scheduled freeform job failed: %s", resp.Content)
	}
	return nil
}
