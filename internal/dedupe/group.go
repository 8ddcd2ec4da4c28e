package dedupe

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Group collapses concurrent calls that share a key into one execution.
// The pending entry is dropped as soon as the call settles, so a later call
// with the same key runs again.
type Group struct {
	sf singleflight.Group

	mu      sync.Mutex
	pending map[string]int
}

// New creates an empty Group.
func New() *Group {
	return &Group{pending: make(map[string]int)}
}

// Do runs factory once per key among concurrent callers. shared reports
// whether the result was produced for another caller as well.
//
// The factory runs with the first caller's context stripped of cancellation,
// so one joiner giving up does not fail the others. Each caller still returns
// early with its own ctx.Err() when its context ends.
func (g *Group) Do(ctx context.Context, key string, factory func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	ch := g.sf.DoChan(key, func() (interface{}, error) {
		g.track(key, 1)
		defer g.track(key, -1)
		return factory(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		value, _ := res.Val.([]byte)
		return value, res.Shared, nil
	}
}

// Forget drops the pending entry for key; the next call runs a new factory.
// A factory already running is left to finish.
func (g *Group) Forget(key string) {
	g.sf.Forget(key)
}

// InFlight returns the number of factories currently running.
func (g *Group) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.pending {
		n += c
	}
	return n
}

func (g *Group) track(key string, delta int) {
	g.mu.Lock()
	g.pending[key] += delta
	if g.pending[key] <= 0 {
		delete(g.pending, key)
	}
	g.mu.Unlock()
}
