package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Do runs fn on its own goroutine and returns its result, or ctx.Err() as
// soon as ctx is done. When ctx wins, fn keeps running in the background and
// its result is discarded. Use it to bound calls into platform APIs that do
// not take a context.
func Do[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	// Fast path: nothing can cancel us.
	if ctx.Done() == nil {
		return fn()
	}
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}

	type result struct {
		v   T
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		v, err := fn()
		resCh <- result{v, err}
	}()
	select {
	case r := <-resCh:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Group tracks pipeline goroutines so shutdown can wait for them to unwind.
// Unlike a fixed pool it never refuses work: a superseding trigger must
// always be able to start.
type Group struct {
	wg     sync.WaitGroup
	mu     sync.Mutex
	active int
}

// Go runs fn on a new goroutine. Panics are recovered and logged so one
// failing pipeline cannot take the resident process down.
func (g *Group) Go(name string, fn func()) {
	g.wg.Add(1)
	g.mu.Lock()
	g.active++
	g.mu.Unlock()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("worker: panic", "name", name, "panic", r)
			}
			g.mu.Lock()
			g.active--
			g.mu.Unlock()
			g.wg.Done()
		}()
		fn()
	}()
}

// Active returns the number of goroutines still running.
func (g *Group) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Wait blocks until every goroutine started with Go has returned.
func (g *Group) Wait() { g.wg.Wait() }
