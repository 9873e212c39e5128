// Package completion provides a resettable one-shot gate used to observe that
// an event finished processing without polling the store.
package completion

import (
	"context"
	"sync"
	"time"
)

// Signal is a caller-owned, resettable one-shot gate. The zero value is not
// usable; create one with New.
type Signal struct {
	mu       sync.Mutex
	ch       chan struct{}
	released bool
}

// New returns an armed Signal.
func New() *Signal {
	return &Signal{ch: make(chan struct{})}
}

func (s *Signal) current() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Release opens the gate. Releasing an already open gate is a no-op.
func (s *Signal) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.released {
		s.released = true
		close(s.ch)
	}
}

// Reset rearms the gate for the next awaited event.
func (s *Signal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		s.ch = make(chan struct{})
		s.released = false
	}
}

// Await blocks until the gate opens or timeout elapses and reports whether
// the gate opened in time.
func (s *Signal) Await(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.current():
		return true
	case <-timer.C:
		return false
	}
}

// AwaitContext blocks until the gate opens or ctx ends.
func (s *Signal) AwaitContext(ctx context.Context) bool {
	select {
	case <-s.current():
		return true
	case <-ctx.Done():
		return false
	}
}

// Released reports whether the gate is currently open.
func (s *Signal) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
