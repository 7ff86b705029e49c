package router

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/aegis/internal/agentapi"
	"github.com/corvidlabs/aegis/internal/logging"
)

type recordingBackend struct {
	name    string
	last    ChatRequest
	reply   ChatResponse
	chatErr error
}

func (b *recordingBackend) Name() string { return b.name }
func (b *recordingBackend) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	b.last = req
	if b.chatErr != nil {
		return ChatResponse{}, b.chatErr
	}
	return b.reply, nil
}
func (b *recordingBackend) ChatStream(ctx context.Context, req ChatRequest) (<-chan agentapi.StreamDelta, error) {
	return nil, nil
}
func (b *recordingBackend) Embed(ctx context.Context, modelID string, texts []string) ([][]float32, error) {
	return nil, nil
}
func (b *recordingBackend) LoadModel(ctx context.Context, modelID string, ttl time.Duration) error {
	return nil
}
func (b *recordingBackend) UnloadModel(ctx context.Context, modelID string) error { return nil }
func (b *recordingBackend) DiscoverModels(ctx context.Context) ([]string, error)  { return nil, nil }
func (b *recordingBackend) Download(ctx context.Context, modelID string) error    { return nil }

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	return New(logging.New(0, os.Stderr, false))
}

func TestCallLLMReturnsUnknownModelKey(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.CallLLM(context.Background(), agentapi.LLMRequest{ModelKey: "missing"})
	var target *UnknownModelKey
	require.ErrorAs(t, err, &target)
	assert.Equal(t, "missing", target.Key)
}

func TestCallLLMFallsBackToDefaultBackendForUnregisteredKey(t *testing.T) {
	r := newTestRouter(t)
	backend := &recordingBackend{name: "local", reply: ChatResponse{Content: "hi"}}
	r.RegisterBackend(backend)
	r.SetDefaultBackend("local")

	_, err := r.CallLLM(context.Background(), agentapi.LLMRequest{ModelKey: "llama3:8b"})
	require.NoError(t, err)
	assert.Equal(t, "llama3:8b", backend.last.ModelID)
}

func TestCallLLMStillErrorsWhenNoDefaultBackendIsSet(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.CallLLM(context.Background(), agentapi.LLMRequest{ModelKey: "llama3:8b"})
	var target *UnknownModelKey
	require.ErrorAs(t, err, &target)
}

func TestCallLLMReturnsUnknownBackend(t *testing.T) {
	r := newTestRouter(t)
	r.RegisterModel(ModelMapping{Key: "reasoner", Backend: "ghost", ModelID: "llama3"})

	_, err := r.CallLLM(context.Background(), agentapi.LLMRequest{ModelKey: "reasoner"})
	var target *UnknownBackend
	require.ErrorAs(t, err, &target)
	assert.Equal(t, "ghost", target.Backend)
}

func TestCallLLMWrapsBackendErrorAsUpstreamError(t *testing.T) {
	r := newTestRouter(t)
	backend := &recordingBackend{name: "local", chatErr: errors.New("connection refused")}
	r.RegisterBackend(backend)
	r.RegisterModel(ModelMapping{Key: "reasoner", Backend: "local", ModelID: "llama3"})

	_, err := r.CallLLM(context.Background(), agentapi.LLMRequest{ModelKey: "reasoner"})
	var target *UpstreamError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, "local", target.Backend)
}

func TestCallLLMFallsBackToMappingDefaultsWhenRequestFieldsAreZero(t *testing.T) {
	r := newTestRouter(t)
	backend := &recordingBackend{name: "local", reply: ChatResponse{Content: "hi"}}
	r.RegisterBackend(backend)
	r.RegisterModel(ModelMapping{
		Key:         "reasoner",
		Backend:     "local",
		ModelID:     "llama3",
		MaxTokens:   512,
		Temperature: 0.4,
	})

	_, err := r.CallLLM(context.Background(), agentapi.LLMRequest{ModelKey: "reasoner"})
	require.NoError(t, err)
	assert.Equal(t, "llama3", backend.last.ModelID)
	assert.Equal(t, 512, backend.last.MaxTokens)
	assert.Equal(t, 0.4, backend.last.Temperature)
}

func TestCallLLMRequestFieldsOverrideMappingDefaults(t *testing.T) {
	r := newTestRouter(t)
	backend := &recordingBackend{name: "local"}
	r.RegisterBackend(backend)
	r.RegisterModel(ModelMapping{Key: "reasoner", Backend: "local", ModelID: "llama3", MaxTokens: 512, Temperature: 0.4})

	_, err := r.CallLLM(context.Background(), agentapi.LLMRequest{ModelKey: "reasoner", MaxTokens: 64, Temperature: 0.9})
	require.NoError(t, err)
	assert.Equal(t, 64, backend.last.MaxTokens)
	assert.Equal(t, 0.9, backend.last.Temperature)
}

func TestModelsReturnsEveryRegisteredMapping(t *testing.T) {
	r := newTestRouter(t)
	r.RegisterModel(ModelMapping{Key: "a", Backend: "local"})
	r.RegisterModel(ModelMapping{Key: "b", Backend: "local"})
	assert.Len(t, r.Models(), 2)
}
