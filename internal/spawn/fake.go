package spawn

import (
	"context"
	"sync"
	"time"
)

// Fake is a deterministic Runtime for tests. Go runs synchronously on the
// calling goroutine unless Async is set. After/Every callbacks are recorded
// rather than scheduled; tests advance them explicitly via FireAll.
type Fake struct {
	Async bool

	mu      sync.Mutex
	pending []*fakeTimer
}

type fakeTimer struct {
	fn        func()
	periodic  bool
	cancelled bool
}

func NewFake() *Fake { return &Fake{} }

var _ Runtime = (*Fake)(nil)

func (f *Fake) Go(fn func(ctx context.Context)) {
	if f.Async {
		go fn(context.Background())
		return
	}
	fn(context.Background())
}

func (f *Fake) After(_ time.Duration, fn func()) func() {
	return f.register(fn, false)
}

func (f *Fake) Every(ctx context.Context, _ time.Duration, fn func()) {
	t := &fakeTimer{fn: fn, periodic: true}
	f.mu.Lock()
	f.pending = append(f.pending, t)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		t.cancelled = true
		f.mu.Unlock()
	}()
}

func (f *Fake) register(fn func(), periodic bool) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{fn: fn, periodic: periodic}
	f.pending = append(f.pending, t)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		t.cancelled = true
	}
}

// FireAll runs every still-pending, non-cancelled one-shot callback and
// clears them from the queue (periodic callbacks registered via Every are
// fired too, but remain pending for the next FireAll since they repeat).
func (f *Fake) FireAll() {
	f.mu.Lock()
	pending := f.pending
	remaining := make([]*fakeTimer, 0, len(pending))
	for _, t := range pending {
		if t.periodic && !t.cancelled {
			remaining = append(remaining, t)
		}
	}
	f.pending = remaining
	f.mu.Unlock()

	for _, t := range pending {
		if !t.cancelled {
			t.fn()
		}
	}
}

// Pending reports how many non-cancelled callbacks are queued.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.pending {
		if !t.cancelled {
			n++
		}
	}
	return n
}
