// Package guard provides the at-most-one-concurrent-sync primitive. One
// sync runs at a time; an attempt while one is in flight returns
// immediately instead of queueing, and observers can block until the
// current run finishes.
package guard

import "sync"

// Guard is a non-blocking mutual exclusion gate with a wait side.
// The zero value is ready to use.
type Guard struct {
	mu   sync.Mutex
	held bool
	done chan struct{}
}

// TryAcquire takes the guard if it is free. It never blocks; false means a
// holder is already in flight and the caller should skip its run.
func (g *Guard) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return false
	}
	g.held = true
	g.done = make(chan struct{})
	return true
}

// Release frees the guard and wakes every waiter. Calling Release without
// holding the guard is a no-op.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held {
		return
	}
	g.held = false
	close(g.done)
}

// Wait blocks until the current holder releases. If the guard is free it
// returns immediately. A waiter observes the release of the run that was in
// flight when it called Wait, not later runs.
func (g *Guard) Wait() {
	g.mu.Lock()
	if !g.held {
		g.mu.Unlock()
		return
	}
	done := g.done
	g.mu.Unlock()
	<-done
}

// Held reports whether a run is currently in flight.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}
