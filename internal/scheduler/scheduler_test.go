package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/aegis/internal/agentapi"
	"github.com/corvidlabs/aegis/internal/bus"
	"github.com/corvidlabs/aegis/internal/logging"
	"github.com/corvidlabs/aegis/internal/spawn"
	"github.com/corvidlabs/aegis/internal/store"
	"github.com/corvidlabs/aegis/internal/workspace"
)

// echoAgent replies to every TASK with a RESULT echoing its task id.
type echoAgent struct {
	id string
}

func (a *echoAgent) Definition() agentapi.Definition {
	return agentapi.Definition{AgentID: a.id, ModelKey: a.id}
}

func (a *echoAgent) Run(ctx context.Context, msg *bus.Message, caps agentapi.Capabilities) (*bus.Message, error) {
	resp := bus.NewMessage(bus.Result, a.id, "scheduler", msg.MissionID, "done:"+msg.Payload.TaskID)
	resp.Payload.TaskID = msg.Payload.TaskID
	return resp, nil
}

type noopCaps struct{}

func (noopCaps) CallLLM(ctx context.Context, req agentapi.LLMRequest) (agentapi.LLMResponse, error) {
	return agentapi.LLMResponse{}, nil
}
func (noopCaps) CallLLMStream(ctx context.Context, req agentapi.LLMRequest) (<-chan agentapi.StreamDelta, error) {
	return nil, nil
}
func (noopCaps) ExecuteTool(ctx context.Context, agentID, name string, args map[string]any) (string, error) {
	return "", nil
}
func (noopCaps) PostWorkspace(ctx context.Context, e workspace.Entry) *workspace.Entry { return &e }
func (noopCaps) ReadWorkspace(missionID string, filter workspace.Filter) []*workspace.Entry {
	return nil
}
func (noopCaps) Broadcast(ctx context.Context, event map[string]any) {}

func newTestScheduler(t *testing.T, agents ...*echoAgent) (*Scheduler, *spawn.Fake) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "sched.db")
	st, err := store.OpenSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := logging.New(0, os.Stderr, false)
	b, err := bus.New(context.Background(), log, st, 5000)
	require.NoError(t, err)

	reg := agentapi.NewRegistry()
	for _, a := range agents {
		require.NoError(t, reg.RegisterAgent(a))
	}

	fake := &spawn.Fake{Async: false}
	s := New(log, b, reg, noopCaps{}, fake, nil, Config{})
	return s, fake
}

func TestSubmitMissionDispatchesLevelZeroImmediately(t *testing.T) {
	s, _ := newTestScheduler(t, &echoAgent{id: "coder"})
	s.SubmitMission("m1", []Task{{ID: "t1", AgentID: "coder", Task: "do it"}}, false, "hi")

	assert.True(t, s.bus.HasPending("coder"))
}

func TestMissionCompletesAfterAllLevelsProcessed(t *testing.T) {
	s, fake := newTestScheduler(t, &echoAgent{id: "coder"}, &echoAgent{id: "writer"})
	s.SubmitMission("m1", []Task{
		{ID: "t1", AgentID: "coder", Task: "write code"},
		{ID: "t2", AgentID: "writer", Task: "write docs", DependsOn: []string{"t1"}},
	}, false, "hi")

	ctx := context.Background()
	// Drive the dispatch loop manually since Fake runs Go synchronously.
	for i := 0; i < 5; i++ {
		s.tick(ctx)
		if m, ok := s.GetMission("m1"); ok && m.Status.IsTerminal() {
			break
		}
	}
	_ = fake

	m, ok := s.GetMission("m1")
	require.True(t, ok)
	assert.Equal(t, StateCompleted, m.Status)
	assert.Len(t, m.Results, 2)
}

func TestMissionRecordsCompletionOrder(t *testing.T) {
	s, fake := newTestScheduler(t, &echoAgent{id: "coder"}, &echoAgent{id: "writer"})
	s.SubmitMission("m1", []Task{
		{ID: "t1", AgentID: "coder", Task: "write code"},
		{ID: "t2", AgentID: "writer", Task: "write docs", DependsOn: []string{"t1"}},
	}, false, "hi")

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.tick(ctx)
		if m, ok := s.GetMission("m1"); ok && m.Status.IsTerminal() {
			break
		}
	}
	_ = fake

	m, ok := s.GetMission("m1")
	require.True(t, ok)
	assert.Equal(t, []string{"t1", "t2"}, m.Order)
}

func TestCancelPreventsFurtherLevelEmission(t *testing.T) {
	s, _ := newTestScheduler(t, &echoAgent{id: "coder"})
	s.SubmitMission("m1", []Task{
		{ID: "t1", AgentID: "coder", Task: "a"},
		{ID: "t2", AgentID: "coder", Task: "b", DependsOn: []string{"t1"}},
	}, false, "hi")

	s.Cancel("m1")
	m, ok := s.GetMission("m1")
	require.True(t, ok)
	assert.Equal(t, StateCancelled, m.Status)

	s.tick(context.Background())
	m, _ = s.GetMission("m1")
	assert.Equal(t, StateCancelled, m.Status, "cancelled mission must not advance levels")
}

func TestAwaitMissionTimesOutWhenMissionNeverCompletes(t *testing.T) {
	s, _ := newTestScheduler(t) // no agents registered — tasks drain as unknown
	s.SubmitMission("m1", []Task{{ID: "t1", AgentID: "ghost", Task: "x"}}, false, "hi")

	_, err := s.AwaitMission(context.Background(), "m1", 50*time.Millisecond)
	assert.Error(t, err)
}

func TestBuildLevelsBreaksCyclesPragmatically(t *testing.T) {
	levels := buildLevels([]Task{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	})
	require.Len(t, levels, 2)
	assert.Len(t, levels[0], 1)
	assert.Len(t, levels[1], 1)
}
