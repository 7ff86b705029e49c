// Package mlm implements the Model Lifecycle Manager (spec.md C2): reference
// counted model residency with TTL-deferred eviction, a load mutex that
// serializes on-demand model loads (always-loaded keys load without it), and
// memory-aware room-making before a load proceeds. Grounded on
// original_source/backend/orchestration/model_manager.py.
package mlm

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/corvidlabs/aegis/internal/router"
	"github.com/corvidlabs/aegis/internal/spawn"
)

// ResourceMonitor reports live memory headroom. The MLM does not
// distinguish unified memory (Apple Silicon) from discrete VRAM — that
// judgment belongs entirely to the monitor implementation (spec §4.2).
type ResourceMonitor interface {
	AvailableGB(ctx context.Context) (float64, error)
}

// BroadcastFunc emits an observational lifecycle event; the MLM never
// blocks on it and logs failures rather than propagating them.
type BroadcastFunc func(event map[string]any)

// MetricsSink receives model residency observations. A nil sink is valid;
// internal/metrics.Metrics satisfies this directly.
type MetricsSink interface {
	ModelLoaded(modelKey string, loaded bool)
	ModelEvicted(modelKey, reason string)
}

type modelState struct {
	refs         int
	loaded       bool
	lastUsed     time.Time
	pendingUnload func() // cancel handle for a scheduled deferred unload
}

// Manager is the Model Lifecycle Manager.
type Manager struct {
	log     *slog.Logger
	router  *router.Router
	rt      spawn.Runtime
	monitor ResourceMonitor
	bcast   BroadcastFunc
	metrics MetricsSink

	ttl          time.Duration
	headroomGB   float64
	largeModelGB float64

	mu     sync.Mutex // guards state map, state lock per spec §4.2
	state  map[string]*modelState
	loadMu sync.Mutex // serializes on-demand model loads
}

type Config struct {
	TTL          time.Duration
	HeadroomGB   float64
	LargeModelGB float64
	Metrics      MetricsSink
}

func New(log *slog.Logger, r *router.Router, rt spawn.Runtime, mon ResourceMonitor, bcast BroadcastFunc, cfg Config) *Manager {
	if cfg.TTL == 0 {
		cfg.TTL = 300 * time.Second
	}
	if cfg.HeadroomGB == 0 {
		cfg.HeadroomGB = 12
	}
	return &Manager{
		log:          log,
		router:       r,
		rt:           rt,
		monitor:      mon,
		bcast:        bcast,
		metrics:      cfg.Metrics,
		ttl:          cfg.TTL,
		headroomGB:   cfg.HeadroomGB,
		largeModelGB: cfg.LargeModelGB,
		state:        make(map[string]*modelState),
	}
}

func (m *Manager) stateFor(key string) *modelState {
	s, ok := m.state[key]
	if !ok {
		s = &modelState{}
		m.state[key] = s
	}
	return s
}

// Start reconciles internal state against the router's view of what is
// actually loaded, then ensures every always-loaded key is resident.
func (m *Manager) Start(ctx context.Context) {
	m.syncLoadedState(ctx)
	for _, mm := range m.router.Models() {
		if mm.AlwaysLoaded() {
			if ok := m.EnsureLoaded(ctx, mm.Key); !ok {
				m.log.Warn("failed to ensure always-loaded model at startup", slog.String("key", mm.Key))
			}
		}
	}
}

// syncLoadedState asks the router what each backend actually has loaded,
// taking that as ground truth over any stale internal bookkeeping.
func (m *Manager) syncLoadedState(ctx context.Context) {
	discovered, err := m.router.DiscoverModels(ctx)
	if err != nil {
		m.log.Warn("sync_loaded_state: discovery failed", slog.Any("err", err))
		return
	}
	loadedIDs := make(map[string]bool)
	for _, ids := range discovered {
		for _, id := range ids {
			loadedIDs[id] = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mm := range m.router.Models() {
		s := m.stateFor(mm.Key)
		s.loaded = loadedIDs[mm.ModelID]
	}
}

// EnsureLoaded increments refs[key] and guarantees key is resident,
// returning whether the underlying load (if any was needed) succeeded.
func (m *Manager) EnsureLoaded(ctx context.Context, key string) bool {
	m.mu.Lock()
	s := m.stateFor(key)
	s.refs++
	if s.pendingUnload != nil {
		s.pendingUnload()
		s.pendingUnload = nil
	}
	if s.loaded {
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	_, mm, err := m.router.BackendFor(key)
	if err != nil {
		m.log.Warn("ensure_loaded: unknown model key", slog.String("key", key), slog.Any("err", err))
		return false
	}

	if mm.AlwaysLoaded() {
		return m.doLoad(ctx, key)
	}

	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	m.mu.Lock()
	alreadyLoaded := m.stateFor(key).loaded
	m.mu.Unlock()
	if alreadyLoaded {
		return true
	}

	m.makeRoom(ctx, key)
	return m.doLoad(ctx, key)
}

func (m *Manager) doLoad(ctx context.Context, key string) bool {
	if err := m.router.LoadModel(ctx, key, m.ttl); err != nil {
		m.log.Error("model load failed", slog.String("key", key), slog.Any("err", err))
		return false
	}
	m.mu.Lock()
	m.stateFor(key).loaded = true
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ModelLoaded(key, true)
	}
	m.broadcastLifecycle("model_loaded", key)
	return true
}

// Release decrements refs[key] (floored at 0) and, for on-demand keys with
// no outstanding references, schedules a deferred unload after the TTL.
func (m *Manager) Release(key string) {
	m.mu.Lock()
	s := m.stateFor(key)
	if s.refs > 0 {
		s.refs--
	}
	s.lastUsed = time.Now()

	_, mm, err := m.router.BackendFor(key)
	if err != nil || mm.AlwaysLoaded() {
		m.mu.Unlock()
		return
	}
	if s.refs == 0 && s.pendingUnload == nil {
		cancel := m.rt.After(m.ttl, func() { m.deferredUnload(context.Background(), key) })
		s.pendingUnload = cancel
	}
	m.mu.Unlock()
}

func (m *Manager) deferredUnload(ctx context.Context, key string) {
	m.mu.Lock()
	s := m.stateFor(key)
	if s.refs > 0 {
		s.pendingUnload = nil
		m.mu.Unlock()
		return
	}
	s.pendingUnload = nil
	m.mu.Unlock()

	if err := m.router.UnloadModel(ctx, key); err != nil {
		m.log.Warn("deferred unload failed", slog.String("key", key), slog.Any("err", err))
		return
	}
	m.mu.Lock()
	m.stateFor(key).loaded = false
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ModelEvicted(key, "ttl")
	}
	m.broadcastLifecycle("model_unloaded", key)
}

// ForceUnload unloads an on-demand key immediately, cancelling any pending
// deferred unload. Returns false for always-loaded keys. reason is recorded
// against the model_evict_total metric ("make_room" or "manual").
func (m *Manager) ForceUnload(ctx context.Context, key string, reason string) bool {
	_, mm, err := m.router.BackendFor(key)
	if err != nil || mm.AlwaysLoaded() {
		return false
	}

	m.mu.Lock()
	s := m.stateFor(key)
	if s.pendingUnload != nil {
		s.pendingUnload()
		s.pendingUnload = nil
	}
	m.mu.Unlock()

	if err := m.router.UnloadModel(ctx, key); err != nil {
		m.log.Warn("force unload failed", slog.String("key", key), slog.Any("err", err))
		return false
	}
	m.mu.Lock()
	m.stateFor(key).loaded = false
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ModelEvicted(key, reason)
	}
	m.broadcastLifecycle("model_unloaded", key)
	return true
}

// makeRoom evicts on-demand, unreferenced, loaded models (oldest last_used
// first) until the resource monitor reports enough headroom for targetKey,
// or there is nothing left to evict.
func (m *Manager) makeRoom(ctx context.Context, targetKey string) {
	if m.monitor == nil {
		return
	}
	avail, err := m.monitor.AvailableGB(ctx)
	if err != nil {
		m.log.Warn("make_room: resource monitor failed", slog.Any("err", err))
		return
	}
	if avail > m.headroomGB {
		return
	}

	for {
		candidate, ok := m.evictionCandidate(targetKey)
		if !ok {
			return
		}
		m.ForceUnload(ctx, candidate, "make_room")

		avail, err = m.monitor.AvailableGB(ctx)
		if err != nil || avail > m.headroomGB {
			return
		}
	}
}

func (m *Manager) evictionCandidate(targetKey string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type cand struct {
		key      string
		lastUsed time.Time
	}
	var candidates []cand
	for key, s := range m.state {
		if key == targetKey || !s.loaded || s.refs != 0 {
			continue
		}
		_, mm, err := m.router.BackendFor(key)
		if err != nil || mm.AlwaysLoaded() {
			continue
		}
		candidates = append(candidates, cand{key, s.lastUsed})
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].lastUsed.Before(candidates[j].lastUsed) })
	return candidates[0].key, true
}

func (m *Manager) broadcastLifecycle(event, key string) {
	if m.bcast == nil {
		return
	}
	m.bcast(map[string]any{
		"type":     "model_lifecycle",
		"event":    event,
		"key":      key,
		"snapshot": m.Snapshot(),
	})
}

// ModelSnapshot is one model key's residency state, for metrics and the
// broadcast sink.
type ModelSnapshot struct {
	Key      string
	Loaded   bool
	Refs     int
	LastUsed time.Time
}

// Snapshot returns the current load/ref state of every known model key.
func (m *Manager) Snapshot() []ModelSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ModelSnapshot, 0, len(m.state))
	for key, s := range m.state {
		out = append(out, ModelSnapshot{Key: key, Loaded: s.loaded, Refs: s.refs, LastUsed: s.lastUsed})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
