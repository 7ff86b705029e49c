package chatpipeline

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/aegis/internal/aegiserr"
	"github.com/corvidlabs/aegis/internal/agentapi"
	"github.com/corvidlabs/aegis/internal/bus"
	"github.com/corvidlabs/aegis/internal/logging"
	"github.com/corvidlabs/aegis/internal/scheduler"
	"github.com/corvidlabs/aegis/internal/workspace"
)

type fakeClassifier struct {
	tier Tier
	err  error
}

func (f fakeClassifier) Classify(ctx context.Context, message string) (Tier, error) {
	return f.tier, f.err
}

type fakePlanner struct {
	plan *Plan
	err  error
}

func (f fakePlanner) Plan(ctx context.Context, message string, history []agentapi.ChatMessage) (*Plan, error) {
	return f.plan, f.err
}

type fakePresenter struct {
	out string
	err error
}

func (f fakePresenter) Present(ctx context.Context, userMessage, raw string, history []agentapi.ChatMessage) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.out != "" {
		return f.out, nil
	}
	return "presented: " + raw, nil
}

type fakeMemory struct {
	stored []string
	err    error
}

func (f *fakeMemory) Store(ctx context.Context, text, tags string) error {
	f.stored = append(f.stored, text)
	return f.err
}

type echoAgent struct {
	id          string
	canUseTools bool
}

func (a *echoAgent) Definition() agentapi.Definition {
	return agentapi.Definition{AgentID: a.id, ModelKey: a.id, CanUseTools: a.canUseTools}
}

func (a *echoAgent) Run(ctx context.Context, msg *bus.Message, caps agentapi.Capabilities) (*bus.Message, error) {
	resp := bus.NewMessage(bus.Result, a.id, "system", msg.MissionID, "echoed: "+msg.Content)
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

func newTestPipeline(t *testing.T, classify Classifier, plan Planner, present Presenter, mem MemoryStore, agents ...*echoAgent) *Pipeline {
	t.Helper()
	log := logging.New(0, os.Stderr, false)
	reg := agentapi.NewRegistry()
	for _, a := range agents {
		require.NoError(t, reg.RegisterAgent(a))
	}
	return New(Config{
		Log:      log,
		Registry: reg,
		Caps:     noopCaps{},
		Classify: classify,
		Plan:     plan,
		Present:  present,
		Memory:   mem,
	})
}

func TestChatTrivialTierUsesPresenterDirectly(t *testing.T) {
	mem := &fakeMemory{}
	p := newTestPipeline(t, fakeClassifier{tier: TierTrivial}, fakePlanner{}, fakePresenter{}, mem)

	resp, err := p.Chat(context.Background(), "hello there", nil, false)
	require.NoError(t, err)
	assert.False(t, resp.Error)
	assert.Equal(t, TierTrivial, resp.Tier)
	assert.Contains(t, resp.Content, "hello there")
	assert.Len(t, mem.stored, 1)
}

func TestChatDegradesToSimpleWhenClassifierBackendUnreachable(t *testing.T) {
	classify := fakeClassifier{err: &aegiserr.BackendUnreachable{Backend: "ollama", Err: errors.New("refused")}}
	plan := fakePlanner{plan: &Plan{
		ResponseTier: ResponseImmediate,
		Tasks:        []scheduler.Task{{ID: "t1", AgentID: "coder", Task: "do it"}},
	}}
	p := newTestPipeline(t, classify, plan, fakePresenter{}, &fakeMemory{}, &echoAgent{id: "coder"})

	resp, err := p.Chat(context.Background(), "do something", nil, false)
	require.NoError(t, err)
	assert.Equal(t, TierSimple, resp.Tier)
	assert.False(t, resp.Error)
}

func TestChatEscalationShortCircuitsBeforeDispatch(t *testing.T) {
	plan := fakePlanner{plan: &Plan{NeedsEscalation: true, PlanSummary: "too risky"}}
	p := newTestPipeline(t, fakeClassifier{tier: TierComplex}, plan, fakePresenter{}, &fakeMemory{})

	resp, err := p.Chat(context.Background(), "rm -rf prod", nil, false)
	require.NoError(t, err)
	assert.True(t, resp.Error == false)
	require.NotNil(t, resp.Escalation)
	assert.Equal(t, "too risky", resp.Escalation.Reason)

	_, ok := p.ResolveEscalation(resp.Escalation.MissionID)
	assert.True(t, ok)
}

func TestChatImmediateTierBypassesScheduler(t *testing.T) {
	plan := fakePlanner{plan: &Plan{
		ResponseTier: ResponseImmediate,
		Tasks:        []scheduler.Task{{ID: "t1", AgentID: "coder", Task: "write a haiku"}},
	}}
	mem := &fakeMemory{}
	p := newTestPipeline(t, fakeClassifier{tier: TierSimple}, plan, fakePresenter{}, mem, &echoAgent{id: "coder"})

	resp, err := p.Chat(context.Background(), "write a haiku", nil, false)
	require.NoError(t, err)
	assert.False(t, resp.Error)
	assert.Equal(t, "coder", resp.ModelLabel)
	assert.Contains(t, resp.Content, "echoed:")
	assert.Len(t, mem.stored, 1)
}

func TestChatImmediateTierUnknownAgentReturnsError(t *testing.T) {
	plan := fakePlanner{plan: &Plan{
		ResponseTier: ResponseImmediate,
		Tasks:        []scheduler.Task{{ID: "t1", AgentID: "ghost", Task: "do it"}},
	}}
	p := newTestPipeline(t, fakeClassifier{tier: TierSimple}, plan, fakePresenter{}, &fakeMemory{})

	resp, err := p.Chat(context.Background(), "do it", nil, false)
	require.NoError(t, err)
	assert.True(t, resp.Error)
}

func TestChatPlanParseErrorSurfacesAsErrorResponse(t *testing.T) {
	plan := fakePlanner{err: &aegiserr.PlanParseError{Err: errors.New("bad json")}}
	p := newTestPipeline(t, fakeClassifier{tier: TierComplex}, plan, fakePresenter{}, &fakeMemory{})

	resp, err := p.Chat(context.Background(), "complex task", nil, false)
	require.NoError(t, err)
	assert.True(t, resp.Error)
}

func TestChatMemoryFailureNeverFailsResponse(t *testing.T) {
	mem := &fakeMemory{err: errors.New("disk full")}
	p := newTestPipeline(t, fakeClassifier{tier: TierTrivial}, fakePlanner{}, fakePresenter{}, mem)

	resp, err := p.Chat(context.Background(), "hi", nil, false)
	require.NoError(t, err)
	assert.False(t, resp.Error)
}
