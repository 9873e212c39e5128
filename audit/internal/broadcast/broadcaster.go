// Package broadcast fans live notifications out to dynamically attached
// subscribers through a shared bounded ring buffer.
//
// Publish never blocks: it writes into the next ring slot, overwriting the
// oldest notification once the ring is full (drop-oldest). Every subscriber
// owns a cursor into the ring and reads at its own pace on its own goroutine.
// A subscriber that falls more than a ring's worth behind skips to the oldest
// retained notification and the skipped ones are counted as dropped for it.
// Subscribers start at the current head, so nothing published before they
// attached is ever delivered to them.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
)

const (
	// DefaultCapacity is the ring size used when none is configured.
	DefaultCapacity = 32
	// MaxCapacity bounds configured ring sizes.
	MaxCapacity = 256
)

// ErrClosed is returned by Next once the subscription or the broadcaster is closed.
var ErrClosed = errors.New("broadcast: closed")

// Broadcaster is a multicast channel of notifications. It is safe for
// concurrent publishers and subscribers.
type Broadcaster struct {
	mu       sync.Mutex
	ring     []models.Notification
	head     uint64 // sequence number of the next publish
	evicted  uint64
	wake     chan struct{}
	subs     map[*Subscription]struct{}
	closed   bool
	capacity uint64
}

// New returns a Broadcaster with the given ring capacity, clamped to
// [1, MaxCapacity]. Zero or negative selects DefaultCapacity.
func New(capacity int) *Broadcaster {
	switch {
	case capacity <= 0:
		capacity = DefaultCapacity
	case capacity > MaxCapacity:
		capacity = MaxCapacity
	}
	return &Broadcaster{
		ring:     make([]models.Notification, capacity),
		wake:     make(chan struct{}),
		subs:     make(map[*Subscription]struct{}),
		capacity: uint64(capacity),
	}
}

// Publish appends n to the ring and wakes waiting subscribers. It never
// blocks and reports false only when the broadcaster is closed.
func (b *Broadcaster) Publish(n models.Notification) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	if b.head >= b.capacity {
		b.evicted++
	}
	b.ring[b.head%b.capacity] = n
	b.head++

	close(b.wake)
	b.wake = make(chan struct{})
	return true
}

// Subscribe attaches a new subscriber positioned after the latest published
// notification. On a closed broadcaster the subscription is already closed.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &Subscription{b: b, cursor: b.head, done: make(chan struct{})}
	if b.closed {
		s.closed = true
		close(s.done)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Unsubscribe detaches s. It is equivalent to s.Close().
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	if s != nil {
		s.Close()
	}
}

// Close detaches every subscriber. Blocked Next calls return ErrClosed and
// later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.closeLocked()
	}
	b.subs = nil
	close(b.wake)
}

// Stats describes the broadcaster state.
type Stats struct {
	Capacity    int    `json:"capacity"`
	Published   uint64 `json:"published"`
	Evicted     uint64 `json:"evicted"`
	Subscribers int    `json:"subscribers"`
}

func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Capacity:    int(b.capacity),
		Published:   b.head,
		Evicted:     b.evicted,
		Subscribers: len(b.subs),
	}
}

// Subscription is one subscriber's cursor. Next must not be called from more
// than one goroutine at a time.
type Subscription struct {
	b       *Broadcaster
	cursor  uint64
	dropped uint64
	closed  bool
	done    chan struct{}
}

// Next returns the next notification, blocking until one is published, ctx
// ends (ctx.Err() is returned) or the subscription closes (ErrClosed).
func (s *Subscription) Next(ctx context.Context) (models.Notification, error) {
	b := s.b
	for {
		b.mu.Lock()
		if s.closed {
			b.mu.Unlock()
			return models.Notification{}, ErrClosed
		}

		var oldest uint64
		if b.head > b.capacity {
			oldest = b.head - b.capacity
		}
		if s.cursor < oldest {
			s.dropped += oldest - s.cursor
			s.cursor = oldest
		}
		if s.cursor < b.head {
			n := b.ring[s.cursor%b.capacity]
			s.cursor++
			b.mu.Unlock()
			return n, nil
		}

		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-s.done:
		case <-ctx.Done():
			return models.Notification{}, ctx.Err()
		}
	}
}

// Dropped returns how many notifications this subscriber missed because it
// fell behind the ring.
func (s *Subscription) Dropped() uint64 {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.closed {
		return
	}
	s.closeLocked()
	delete(s.b.subs, s)
}

func (s *Subscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}
