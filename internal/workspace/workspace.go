// Package workspace implements the Shared Workspace (spec.md C4): an
// append-only, keyed log of agent findings queryable by mission, agent and
// entry type, letting agents read each other's intermediate work without
// coupling through the Message Bus.
package workspace

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corvidlabs/aegis/internal/store"
)

// EntryType is one of the entry_type values spec §3 names.
type EntryType string

const (
	EntryFinding    EntryType = "finding"
	EntryObservation EntryType = "observation"
	EntryAnalysis   EntryType = "analysis"
	EntryToolOutput EntryType = "tool_output"
)

// Entry is the Workspace entry type from spec §3. Append-only: once added,
// an Entry is never mutated or removed.
type Entry struct {
	ID         string
	MissionID  string
	AgentID    string
	EntryType  EntryType
	Title      string
	Content    string
	Tags       []string
	References []string
	CreatedAt  time.Time
}

// Filter narrows Query's results. Zero-value fields match anything.
type Filter struct {
	AgentID   string
	EntryType EntryType
}

// Workspace is the append-only store. All entries for all missions live in
// one in-memory map of per-mission slices with a persistence write-behind, matching the other
// components' single-writer-many-readers shape.
type Workspace struct {
	log   *slog.Logger
	store store.Store

	mu      sync.RWMutex
	byMission map[string][]*Entry
}

// New constructs a Workspace and loads every persisted entry from st.
func New(ctx context.Context, log *slog.Logger, st store.Store) (*Workspace, error) {
	w := &Workspace{log: log, store: st, byMission: make(map[string][]*Entry)}
	recs, err := st.LoadAll(ctx, store.TableWorkspace)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		var e Entry
		if err := json.Unmarshal(rec.Body, &e); err != nil {
			log.Warn("skipping unreadable persisted workspace entry", slog.String("key", rec.Key), slog.Any("err", err))
			continue
		}
		w.byMission[e.MissionID] = append(w.byMission[e.MissionID], &e)
	}
	return w, nil
}

// Add appends a new entry, assigning it an id and CreatedAt, and persists it.
func (w *Workspace) Add(ctx context.Context, e Entry) *Entry {
	e.ID = uuid.NewString()[:12]
	e.CreatedAt = time.Now()

	w.mu.Lock()
	w.byMission[e.MissionID] = append(w.byMission[e.MissionID], &e)
	w.mu.Unlock()

	body, err := json.Marshal(e)
	if err != nil {
		w.log.Error("failed to encode workspace entry", slog.String("entry_id", e.ID), slog.Any("err", err))
		return &e
	}
	if err := w.store.Put(ctx, store.Record{Table: store.TableWorkspace, Key: e.ID, Body: body}); err != nil {
		w.log.Error("failed to persist workspace entry", slog.String("entry_id", e.ID), slog.Any("err", err))
	}
	return &e
}

// Query returns entries for missionID matching filter, in insertion order.
func (w *Workspace) Query(missionID string, filter Filter) []*Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []*Entry
	for _, e := range w.byMission[missionID] {
		if filter.AgentID != "" && e.AgentID != filter.AgentID {
			continue
		}
		if filter.EntryType != "" && e.EntryType != filter.EntryType {
			continue
		}
		out = append(out, e)
	}
	return out
}
