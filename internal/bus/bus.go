package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/corvidlabs/aegis/internal/store"
)

// MonitorHook is called once per sent message, with a message the hook must
// not mutate. Panics are recovered and logged; a slow or broken hook never
// blocks delivery to the real recipient (spec §4.3/§5).
type MonitorHook func(msg *Message)

// MetricsSink receives queue-depth and throughput observations. A nil sink
// is valid; internal/metrics.Metrics satisfies this directly.
type MetricsSink interface {
	SetBusDepth(recipient string, depth int)
	MessageSent(msgType string)
}

// Bus is the Message Bus (C3): a durable, priority-ordered,
// recipient-partitioned queue with a read-only fan-out tap, grounded on
// original_source/backend/orchestration/messages.py's MessageBus.
type Bus struct {
	log       *slog.Logger
	store     store.Store
	maxCached int
	metrics   MetricsSink

	mu    sync.Mutex
	cache map[string][]*Message // recipient -> pending
	all   map[string]*Message   // id -> message
	hooks []MonitorHook
}

// New constructs a Bus and loads any unprocessed messages from st.
func New(ctx context.Context, log *slog.Logger, st store.Store, maxCached int) (*Bus, error) {
	b := &Bus{
		log:       log,
		store:     st,
		maxCached: maxCached,
		cache:     make(map[string][]*Message),
		all:       make(map[string]*Message),
	}
	if err := b.loadFromStore(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// SetMetrics wires a metrics sink in after construction, since the bus is
// typically built before the metrics registry exists in the composition
// root's wiring order.
func (b *Bus) SetMetrics(m MetricsSink) {
	b.metrics = m
}

func (b *Bus) loadFromStore(ctx context.Context) error {
	recs, err := b.store.LoadAll(ctx, store.TableMessages)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		var wire wireMessage
		if err := json.Unmarshal(rec.Body, &wire); err != nil {
			b.log.Warn("skipping unreadable persisted message", slog.String("key", rec.Key), slog.Any("err", err))
			continue
		}
		if wire.ProcessedAt != nil {
			continue // only unprocessed messages populate the pending cache
		}
		msg := wire.toMessage()
		b.all[msg.ID] = msg
		b.cache[msg.Recipient] = append(b.cache[msg.Recipient], msg)
	}
	return nil
}

// RegisterMonitorHook registers fn to be invoked with every sent message
// (the enqueued *Message itself, not a copy). Used by the security agent for
// continuous audit (spec §4.3).
func (b *Bus) RegisterMonitorHook(fn MonitorHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, fn)
}

// Send runs the pre-dispatch injection scan, enqueues msg for its recipient,
// persists it, and fans it out to every monitor hook. It never blocks on a
// hook failing or panicking.
func (b *Bus) Send(ctx context.Context, msg *Message) {
	if matches := scanMessage(msg); len(matches) > 0 {
		b.log.Warn("prompt injection patterns detected",
			slog.String("msg_id", msg.ID), slog.String("sender", msg.Sender),
			slog.String("recipient", msg.Recipient), slog.Any("patterns", matches))
		msg.Payload.InjectionWarning = matches
	}

	b.mu.Lock()
	b.all[msg.ID] = msg
	b.cache[msg.Recipient] = append(b.cache[msg.Recipient], msg)
	depth := len(b.cache[msg.Recipient])
	hooks := append([]MonitorHook(nil), b.hooks...)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.MessageSent(string(msg.MsgType))
		b.metrics.SetBusDepth(msg.Recipient, depth)
	}

	b.persist(ctx, msg)

	for _, hook := range hooks {
		b.invokeHook(hook, msg)
	}
}

func (b *Bus) invokeHook(hook MonitorHook, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("monitor hook panicked", slog.Any("panic", r))
		}
	}()
	hook(msg)
}

// PopNext returns and removes the highest-priority, oldest-pending message
// for recipient, or nil if none is pending. It does not mark the message
// processed — callers (the scheduler) call MarkProcessed once the agent
// returns.
func (b *Bus) PopNext(recipient string) *Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := b.cache[recipient]
	if len(pending) == 0 {
		return nil
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	msg := pending[0]
	b.cache[recipient] = pending[1:]
	if b.metrics != nil {
		b.metrics.SetBusDepth(recipient, len(b.cache[recipient]))
	}
	return msg
}

// GetPending returns a snapshot of pending messages for recipient without
// removing them.
func (b *Bus) GetPending(recipient string) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Message, len(b.cache[recipient]))
	copy(out, b.cache[recipient])
	return out
}

// HasPending reports whether recipient has any pending messages.
func (b *Bus) HasPending(recipient string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cache[recipient]) > 0
}

// AgentsWithPendingMessages returns every recipient id with at least one
// pending message, for the scheduler's dispatch loop to poll.
func (b *Bus) AgentsWithPendingMessages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for recipient, msgs := range b.cache {
		if len(msgs) > 0 {
			out = append(out, recipient)
		}
	}
	return out
}

// GetMissionMessages returns every message (pending or processed) tagged
// with missionID, in no particular order.
func (b *Bus) GetMissionMessages(missionID string) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Message
	for _, m := range b.all {
		if m.MissionID == missionID {
			out = append(out, m)
		}
	}
	return out
}

// MarkProcessed sets ProcessedAt, removes the message from its recipient's
// pending cache, persists the change, and triggers the eviction check.
func (b *Bus) MarkProcessed(ctx context.Context, id string) {
	b.mu.Lock()
	msg, ok := b.all[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	now := time.Now()
	msg.ProcessedAt = &now
	pending := b.cache[msg.Recipient]
	for i, m := range pending {
		if m.ID == id {
			b.cache[msg.Recipient] = append(pending[:i:i], pending[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	b.persist(ctx, msg)
	b.evictOldMessages(ctx)
}

func (b *Bus) persist(ctx context.Context, msg *Message) {
	body, err := json.Marshal(newWireMessage(msg))
	if err != nil {
		b.log.Error("failed to encode message for persistence", slog.String("msg_id", msg.ID), slog.Any("err", err))
		return
	}
	if err := b.store.Put(ctx, store.Record{Table: store.TableMessages, Key: msg.ID, Body: body}); err != nil {
		b.log.Error("failed to persist message", slog.String("msg_id", msg.ID), slog.Any("err", err))
	}
}

// evictOldMessages drops the oldest-processed entries from the in-memory
// cache once it exceeds maxCached, per spec §3's bounded eviction policy.
// Persisted copies are left in the store untouched.
func (b *Bus) evictOldMessages(ctx context.Context) {
	b.mu.Lock()
	if len(b.all) <= b.maxCached {
		b.mu.Unlock()
		return
	}
	var processed []*Message
	for _, m := range b.all {
		if m.ProcessedAt != nil {
			processed = append(processed, m)
		}
	}
	sort.Slice(processed, func(i, j int) bool {
		return processed[i].ProcessedAt.Before(*processed[j].ProcessedAt)
	})
	toRemove := len(b.all) - b.maxCached
	if toRemove > len(processed) {
		toRemove = len(processed)
	}
	for _, m := range processed[:toRemove] {
		delete(b.all, m.ID)
	}
	b.mu.Unlock()
}
