// Package messagingtest provides an in-process messaging.Client for tests.
package messagingtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-audit/common/messaging"
)

// Bus is a synchronous in-memory broker. Publish delivers to every matching
// subscription before returning; queue groups deliver to one member, round
// robin. Handler errors are recorded, not returned to the publisher.
type Bus struct {
	mu        sync.Mutex
	subs      []*subscription
	published []*messaging.Message
	errs      []error
	rr        map[string]int
	closed    bool
	connected bool
}

// New returns a connected Bus.
func New() *Bus {
	return &Bus{rr: make(map[string]int), connected: true}
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("bus closed")

func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	return b.PublishMsg(ctx, &messaging.Message{Subject: subject, Data: data})
}

func (b *Bus) PublishMsg(ctx context.Context, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cp := *msg
	cp.Data = append([]byte(nil), msg.Data...)
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.published = append(b.published, &cp)
	targets := b.targetsLocked(cp.Subject)
	b.mu.Unlock()

	for _, s := range targets {
		m := cp
		if err := s.handler(ctx, &m); err != nil {
			b.mu.Lock()
			b.errs = append(b.errs, err)
			b.mu.Unlock()
		}
	}
	return nil
}

func (b *Bus) targetsLocked(subject string) []*subscription {
	var targets []*subscription
	groups := make(map[string][]*subscription)
	var order []string
	for _, s := range b.subs {
		if !s.valid || !messaging.MatchSubject(s.subject, subject) {
			continue
		}
		if s.queue == "" {
			targets = append(targets, s)
			continue
		}
		key := s.subject + "|" + s.queue
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], s)
	}
	for _, key := range order {
		members := groups[key]
		idx := b.rr[key] % len(members)
		b.rr[key]++
		targets = append(targets, members[idx])
	}
	return targets
}

// Request is not supported by the in-memory bus.
func (b *Bus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*messaging.Message, error) {
	return nil, errors.New("request/reply not supported")
}

func (b *Bus) Subscribe(subject string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	return b.QueueSubscribe(subject, "", handler)
}

func (b *Bus) QueueSubscribe(subject, queue string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &subscription{bus: b, subject: subject, queue: queue, handler: handler, valid: true}
	b.subs = append(b.subs, s)
	return s, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.valid = false
	}
	b.subs = nil
	b.closed = true
	b.connected = false
	return nil
}

func (b *Bus) Drain() error { return b.Close() }

func (b *Bus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// SetConnected toggles the value reported by IsConnected.
func (b *Bus) SetConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

// Published returns the messages published on subjects matching pattern.
func (b *Bus) Published(pattern string) []*messaging.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*messaging.Message
	for _, m := range b.published {
		if messaging.MatchSubject(pattern, m.Subject) {
			out = append(out, m)
		}
	}
	return out
}

// HandlerErrors returns the errors returned by subscription handlers.
func (b *Bus) HandlerErrors() []error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]error(nil), b.errs...)
}

// Subscriptions returns the number of active subscriptions.
func (b *Bus) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subs {
		if s.valid {
			n++
		}
	}
	return n
}

type subscription struct {
	bus     *Bus
	subject string
	queue   string
	handler messaging.MessageHandler
	valid   bool
}

func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.valid = false
	return nil
}

func (s *subscription) Subject() string { return s.subject }

func (s *subscription) IsValid() bool {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.valid
}

var _ messaging.Client = (*Bus)(nil)
