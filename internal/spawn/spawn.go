// Package spawn abstracts "start this background work" so the dispatch
// loop, deferred unloads, the cron tick and the security heartbeat can all
// be driven deterministically in tests instead of racing real goroutines
// and real timers (spec §9's task-runtime redesign note).
package spawn

import (
	"context"
	"sync"
	"time"
)

// Runtime starts background work and schedules delayed/periodic callbacks.
// The production Runtime uses real goroutines and real timers; tests use a
// Fake that runs callbacks synchronously under explicit control.
type Runtime interface {
	// Go runs fn in the background. Implementations must not block the caller.
	Go(fn func(ctx context.Context))

	// After runs fn once after d elapses, unless the returned cancel func is
	// called first. Mirrors the MLM's deferred-unload cancellation contract.
	After(d time.Duration, fn func()) (cancel func())

	// Every runs fn repeatedly every d until ctx is cancelled.
	Every(ctx context.Context, d time.Duration, fn func())
}

// Real is the production Runtime: real goroutines, real time.Timer/Ticker.
type Real struct{}

func NewReal() *Real { return &Real{} }

func (Real) Go(fn func(ctx context.Context)) {
	go fn(context.Background())
}

func (Real) After(d time.Duration, fn func()) func() {
	timer := time.AfterFunc(d, fn)
	return func() { timer.Stop() }
}

func (Real) Every(ctx context.Context, d time.Duration, fn func()) {
	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// WaitGroup is a convenience wrapper pairing a Runtime with a sync.WaitGroup
// so callers (tests in particular) can block until all Go-spawned work has
// returned.
type WaitGroup struct {
	rt Runtime
	wg sync.WaitGroup
}

func NewWaitGroup(rt Runtime) *WaitGroup {
	return &WaitGroup{rt: rt}
}

func (w *WaitGroup) Go(fn func(ctx context.Context)) {
	w.wg.Add(1)
	w.rt.Go(func(ctx context.Context) {
		defer w.wg.Done()
		fn(ctx)
	})
}

func (w *WaitGroup) Wait() { w.wg.Wait() }
