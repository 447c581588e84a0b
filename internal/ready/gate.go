// Package ready implements the startup readiness gate described in
// spec.md §5: every worker must finish constructing its owned
// resources (executor, queues, socket) before it accepts posts from
// other goroutines. A Gate models this as a once-closed channel —
// producers that arrive early call Wait and block until the owner
// calls Open, rather than failing the post outright. This replaces
// the source's "Condition.wait_for(resource is not None)" idiom.
package ready

import (
	"context"
	"sync"
)

// Gate is a one-shot readiness signal. The zero value is not usable;
// construct one with NewGate.
type Gate struct {
	once sync.Once
	ch   chan struct{}
}

// NewGate returns a Gate that is not yet open.
func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Open marks the gate ready, waking every current and future waiter.
// Open is idempotent.
func (g *Gate) Open() {
	g.once.Do(func() { close(g.ch) })
}

// Wait blocks until Open has been called.
func (g *Gate) Wait() {
	<-g.ch
}

// WaitContext blocks until Open has been called or ctx is done,
// whichever happens first.
func (g *Gate) WaitContext(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsOpen reports whether the gate has already been opened, without
// blocking.
func (g *Gate) IsOpen() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}
