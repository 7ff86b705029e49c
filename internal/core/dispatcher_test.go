package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/aegis/internal/agentapi"
	"github.com/corvidlabs/aegis/internal/bus"
	"github.com/corvidlabs/aegis/internal/chatpipeline"
	"github.com/corvidlabs/aegis/internal/logging"
	"github.com/corvidlabs/aegis/internal/scheduler"
	"github.com/corvidlabs/aegis/internal/spawn"
	"github.com/corvidlabs/aegis/internal/store"
)

func newTestSchedulerForDispatcher(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "disp.db")
	st, err := store.OpenSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := logging.New(0, os.Stderr, false)
	b, err := bus.New(context.Background(), log, st, 5000)
	require.NoError(t, err)

	reg := agentapi.NewRegistry()
	fake := &spawn.Fake{Async: false}
	return scheduler.New(log, b, reg, nil, fake, nil, scheduler.Config{})
}

func TestDispatchPlanSubmitsMissionToScheduler(t *testing.T) {
	sched := newTestSchedulerForDispatcher(t)
	d := newMissionDispatcher(sched, nil)

	err := d.DispatchPlan(context.Background(), "m1", "scheduled job", []scheduler.Task{
		{ID: "t1", AgentID: "coder", Task: "run the nightly build"},
	})
	require.NoError(t, err)

	m, ok := sched.GetMission("m1")
	require.True(t, ok)
	assert.Equal(t, "scheduled job", m.UserMessage)
}

type trivialClassifier struct{}

func (trivialClassifier) Classify(ctx context.Context, message string) (chatpipeline.Tier, error) {
	return chatpipeline.TierTrivial, nil
}

type echoPresenter struct{}

func (echoPresenter) Present(ctx context.Context, userMessage, raw string, history []agentapi.ChatMessage) (string, error) {
	return "presented", nil
}

type noopMemory struct{}

func (noopMemory) Store(ctx context.Context, text, tags string) error { return nil }

func TestDispatchFreeformRoutesThroughChatPipeline(t *testing.T) {
	log := logging.New(0, os.Stderr, false)
	reg := agentapi.NewRegistry()

	chat := chatpipeline.New(chatpipeline.Config{
		Log:      log,
		Registry: reg,
		Classify: trivialClassifier{},
		Present:  echoPresenter{},
		Memory:   noopMemory{},
	})

	d := newMissionDispatcher(nil, chat)
	err := d.DispatchFreeform(context.Background(), "say hello")
	require.NoError(t, err)
}
