package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/corvidlabs/aegis/internal/store"
)

// storeMemory implements chatpipeline.MemoryStore as a thin append-only log
// of completed exchanges, each stored under a fresh random key. It is not the vector memory
// and user-model heuristics spec.md §1 places out of scope — those stay an
// external collaborator; this just gives the pipeline's best-effort
// memory.store call somewhere durable to land pending that collaborator.
type storeMemory struct {
	log *slog.Logger
	st  store.Store
}

func newStoreMemory(log *slog.Logger, st store.Store) *storeMemory {
	return &storeMemory{log: log, st: st}
}

type memoryEntryWire struct {
	Text      string    `json:"text"`
	Tags      string    `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

func (m *storeMemory) Store(ctx context.Context, text, tags string) error {
	body, err := json.Marshal(memoryEntryWire{Text: text, Tags: tags, CreatedAt: time.Now()})
	if err != nil {
		return err
	}
	return m.st.Put(ctx, store.Record{Table: store.TableMemory, Key: uuid.NewString()[:12], Body: body})
}
