package mlm

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/aegis/internal/logging"
	"github.com/corvidlabs/aegis/internal/router"
	"github.com/corvidlabs/aegis/internal/spawn"
)

type fakeBackend struct {
	name        string
	loadCalls   []string
	unloadCalls []string
	loadErr     error
}

func (f *fakeBackend) Name() string { return f.name }
func (f *fakeBackend) Chat(ctx context.Context, req router.ChatRequest) (router.ChatResponse, error) {
	return router.ChatResponse{}, nil
}
func (f *fakeBackend) ChatStream(ctx context.Context, req router.ChatRequest) (<-chan router.StreamDelta, error) {
	return nil, nil
}
func (f *fakeBackend) Embed(ctx context.Context, modelID string, texts []string) ([][]float32, error) {
	return nil, nil
}
func (f *fakeBackend) LoadModel(ctx context.Context, modelID string, ttl time.Duration) error {
	f.loadCalls = append(f.loadCalls, modelID)
	return f.loadErr
}
func (f *fakeBackend) UnloadModel(ctx context.Context, modelID string) error {
	f.unloadCalls = append(f.unloadCalls, modelID)
	return nil
}
func (f *fakeBackend) DiscoverModels(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeBackend) Download(ctx context.Context, modelID string) error  { return nil }

var _ router.Backend = (*fakeBackend)(nil)

func newTestManager(t *testing.T, backend *fakeBackend, rt spawn.Runtime, mon ResourceMonitor) (*Manager, *router.Router) {
	t.Helper()
	log := logging.New(0, os.Stderr, false)
	r := router.New(log)
	r.RegisterBackend(backend)
	r.RegisterModel(router.ModelMapping{Key: "coder", Backend: backend.Name(), ModelID: "coder-7b", Tier: "on_demand"})
	r.RegisterModel(router.ModelMapping{Key: "classifier", Backend: backend.Name(), ModelID: "classifier-1b", Tier: "always_loaded"})
	m := New(log, r, rt, mon, nil, Config{TTL: 10 * time.Millisecond, HeadroomGB: 12})
	return m, r
}

func TestEnsureLoadedLoadsOnDemandModelOnce(t *testing.T) {
	backend := &fakeBackend{name: "b1"}
	fake := &spawn.Fake{}
	m, _ := newTestManager(t, backend, fake, StaticMonitor{GB: 64})

	ok := m.EnsureLoaded(context.Background(), "coder")
	require.True(t, ok)
	ok = m.EnsureLoaded(context.Background(), "coder")
	require.True(t, ok)

	assert.Len(t, backend.loadCalls, 1, "second EnsureLoaded should reuse residency, not reload")
}

func TestReleaseSchedulesDeferredUnloadAfterTTL(t *testing.T) {
	backend := &fakeBackend{name: "b1"}
	fake := &spawn.Fake{}
	m, _ := newTestManager(t, backend, fake, StaticMonitor{GB: 64})

	require.True(t, m.EnsureLoaded(context.Background(), "coder"))
	m.Release("coder")

	assert.Equal(t, 1, fake.Pending())
	fake.FireAll()
	assert.Contains(t, backend.unloadCalls, "coder-7b")
}

func TestReleaseThenEnsureLoadedCancelsPendingUnload(t *testing.T) {
	backend := &fakeBackend{name: "b1"}
	fake := &spawn.Fake{}
	m, _ := newTestManager(t, backend, fake, StaticMonitor{GB: 64})

	require.True(t, m.EnsureLoaded(context.Background(), "coder"))
	m.Release("coder")
	require.True(t, m.EnsureLoaded(context.Background(), "coder"))

	fake.FireAll()
	assert.Empty(t, backend.unloadCalls, "re-acquiring a reference should cancel the pending deferred unload")
}

func TestAlwaysLoadedModelIsNeverReleased(t *testing.T) {
	backend := &fakeBackend{name: "b1"}
	fake := &spawn.Fake{}
	m, _ := newTestManager(t, backend, fake, StaticMonitor{GB: 64})

	require.True(t, m.EnsureLoaded(context.Background(), "classifier"))
	m.Release("classifier")
	fake.FireAll()

	assert.Empty(t, backend.unloadCalls)
	assert.Equal(t, 0, fake.Pending())
}

func TestMakeRoomEvictsLeastRecentlyUsedOnDemandModel(t *testing.T) {
	backend := &fakeBackend{name: "b1"}
	fake := &spawn.Fake{}
	log := logging.New(0, os.Stderr, false)
	r := router.New(log)
	r.RegisterBackend(backend)
	r.RegisterModel(router.ModelMapping{Key: "coder", Backend: "b1", ModelID: "coder-7b", Tier: "on_demand"})
	r.RegisterModel(router.ModelMapping{Key: "writer", Backend: "b1", ModelID: "writer-7b", Tier: "on_demand"})

	lowMonitor := &toggleMonitor{low: 4, high: 20}
	m := New(log, r, fake, lowMonitor, nil, Config{TTL: time.Second, HeadroomGB: 12})

	require.True(t, m.EnsureLoaded(context.Background(), "coder"))
	m.Release("coder") // refs back to 0, eligible for eviction

	lowMonitor.forceLow = true
	require.True(t, m.EnsureLoaded(context.Background(), "writer"))

	assert.Contains(t, backend.unloadCalls, "coder-7b")
}

// toggleMonitor starts reporting ample headroom and switches to scarce
// headroom once forceLow is set, so a second load can exercise make_room.
type toggleMonitor struct {
	low, high float64
	forceLow  bool
}

func (t *toggleMonitor) AvailableGB(ctx context.Context) (float64, error) {
	if t.forceLow {
		return t.low, nil
	}
	return t.high, nil
}
