// Package service holds the event router: the policy that decides, per
// inbound event, which side effects happen.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/completion"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/filemirror"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/metrics"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/repository"
	"github.com/telhawk-systems/telhawk-audit/common/logging"
	"github.com/telhawk-systems/telhawk-audit/common/messaging"
)

// Notifier accepts derived notifications. Publish must not block.
type Notifier interface {
	Publish(n models.Notification) bool
}

// Forwarder re-emits a processed event on an outbound subject.
type Forwarder interface {
	Forward(ctx context.Context, subject string, e *models.Event) error
}

// Recorder keeps per-application counters of processed and failed events.
type Recorder interface {
	Record(ctx context.Context, e *models.Event) error
	RecordFailure(ctx context.Context, e *models.Event, reason string) error
}

// Failure reasons passed to Recorder.RecordFailure.
const (
	FailureStore     = "store"
	FailureMalformed = "malformed"
)

// Router dispatches inbound events to the repository, the file mirror and
// the notifier. It is safe for concurrent use; each call runs synchronously
// on the caller's goroutine.
type Router struct {
	repo     repository.Repository
	mirror   *filemirror.Mirror
	notifier Notifier

	signal    *completion.Signal
	forwarder Forwarder
	rules     []forwardRule
	recorder  Recorder
	logger    *slog.Logger

	processed     atomic.Uint64
	failed        atomic.Uint64
	forwarded     atomic.Uint64
	forwardFailed atomic.Uint64
	notifications atomic.Uint64
	malformed     atomic.Uint64
}

type forwardRule struct {
	pattern string
	target  string
}

// Option configures a Router.
type Option func(*Router)

// WithCompletion attaches a signal released after every processed event.
func WithCompletion(s *completion.Signal) Option {
	return func(r *Router) { r.signal = s }
}

// WithForwarder re-emits processed events whose inbound subject matches a
// rule key on the rule's target subject. Keys may use NATS wildcards; exact
// keys win over patterns.
func WithForwarder(f Forwarder, rules map[string]string) Option {
	return func(r *Router) {
		r.forwarder = f
		r.rules = r.rules[:0]
		for k, v := range rules {
			r.rules = append(r.rules, forwardRule{pattern: k, target: v})
		}
		sort.Slice(r.rules, func(i, j int) bool {
			wi, wj := hasWildcard(r.rules[i].pattern), hasWildcard(r.rules[j].pattern)
			if wi != wj {
				return !wi
			}
			return r.rules[i].pattern < r.rules[j].pattern
		})
	}
}

// WithRecorder counts processed events per application.
func WithRecorder(rec Recorder) Option {
	return func(r *Router) { r.recorder = rec }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New returns a Router. A nil mirror disables file writes.
func New(repo repository.Repository, mirror *filemirror.Mirror, notifier Notifier, opts ...Option) *Router {
	r := &Router{
		repo:     repo,
		mirror:   mirror,
		notifier: notifier,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDefault(r.logger).With(slog.String("component", "router"))
	return r
}

// ProcessEvent applies the event type policy to e. Store failures wrap
// models.ErrStoreUnavailable; file mirror failures are logged only.
func (r *Router) ProcessEvent(ctx context.Context, e *models.Event) (*models.Event, error) {
	return r.ProcessEventOn(ctx, "", e)
}

// ProcessEventOn is ProcessEvent for an event received on subject, which
// selects the forwarding rule.
func (r *Router) ProcessEventOn(ctx context.Context, subject string, e *models.Event) (*models.Event, error) {
	defer r.release()
	if e == nil {
		return nil, fmt.Errorf("%w: nil event", models.ErrDecodeFailure)
	}

	start := time.Now()
	out, err := r.route(ctx, e)
	metrics.ProcessingDuration.WithLabelValues("audit").Observe(time.Since(start).Seconds())

	if err != nil {
		r.failed.Add(1)
		metrics.EventsTotal.WithLabelValues("audit", e.EventType.String(), "error").Inc()
		r.recordFailure(ctx, e, FailureStore)
		return nil, err
	}
	r.processed.Add(1)
	metrics.EventsTotal.WithLabelValues("audit", e.EventType.String(), "ok").Inc()

	r.record(ctx, out)
	r.forward(ctx, subject, out)
	return out, nil
}

func (r *Router) route(ctx context.Context, e *models.Event) (*models.Event, error) {
	switch e.EventType {
	case models.EventTypeFullStore:
		stored, err := r.save(ctx, e)
		if err != nil {
			return nil, err
		}
		r.appendToMirror(ctx, stored)
		return stored, nil

	case models.EventTypeDBStore:
		return r.save(ctx, e)

	case models.EventTypeFileStore:
		local := e.Clone()
		local.NewLocalID()
		r.appendToMirror(ctx, local)
		return local, nil

	case models.EventTypeError:
		stored, err := r.save(ctx, e)
		if err != nil {
			return nil, err
		}
		r.logger.ErrorContext(ctx, "error event received",
			logging.EventID(stored.ID),
			logging.Application(stored.ApplicationName),
			logging.EventName(stored.EventName),
			logging.Username(stored.Username),
			logging.CorrelationID(stored.CorrelationID))
		return stored, nil

	default:
		local := e.Clone()
		local.NewLocalID()
		r.logger.DebugContext(ctx, "event type has no side effects",
			logging.EventType(e.EventType.String()),
			logging.EventID(local.ID))
		return local, nil
	}
}

// ProcessNotification records e as a notification event and publishes the
// notification it carries. The save is kept even when the body turns out to
// be malformed.
func (r *Router) ProcessNotification(ctx context.Context, e *models.Event) (*models.Notification, error) {
	defer r.release()
	if e == nil {
		return nil, fmt.Errorf("%w: nil event", models.ErrDecodeFailure)
	}

	start := time.Now()
	defer func() {
		metrics.ProcessingDuration.WithLabelValues("notify").Observe(time.Since(start).Seconds())
	}()

	in := e.Clone()
	in.CorrelationID = models.NotificationCorrelationID

	stored, err := r.save(ctx, in)
	if err != nil {
		r.failed.Add(1)
		metrics.EventsTotal.WithLabelValues("notify", in.EventType.String(), "error").Inc()
		r.recordFailure(ctx, in, FailureStore)
		return nil, err
	}
	r.record(ctx, stored)

	n, err := models.NotificationFromEvent(stored)
	if err != nil {
		r.failed.Add(1)
		r.malformed.Add(1)
		metrics.MalformedNotifications.Inc()
		metrics.EventsTotal.WithLabelValues("notify", in.EventType.String(), "malformed").Inc()
		r.logger.WarnContext(ctx, "notification body malformed",
			logging.EventID(stored.ID),
			logging.Application(stored.ApplicationName),
			logging.Error(err))
		r.recordFailure(ctx, stored, FailureMalformed)
		return nil, err
	}

	if r.notifier != nil && r.notifier.Publish(n) {
		r.notifications.Add(1)
		metrics.NotificationsPublished.Inc()
	}
	r.processed.Add(1)
	metrics.EventsTotal.WithLabelValues("notify", in.EventType.String(), "ok").Inc()
	return &n, nil
}

func (r *Router) save(ctx context.Context, e *models.Event) (*models.Event, error) {
	stored, err := r.repo.Save(ctx, e)
	if err != nil {
		metrics.StoreErrors.Inc()
		if !errors.Is(err, models.ErrStoreUnavailable) && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
		}
		r.logger.ErrorContext(ctx, "failed to save event",
			logging.EventType(e.EventType.String()),
			logging.Application(e.ApplicationName),
			logging.Error(err))
		return nil, err
	}
	return stored, nil
}

func (r *Router) appendToMirror(ctx context.Context, e *models.Event) {
	if r.mirror == nil {
		return
	}
	line, err := e.JSONLine()
	if err == nil {
		err = r.mirror.Append(e.ApplicationName, line)
	}
	if err != nil {
		metrics.MirrorWrites.WithLabelValues("error").Inc()
		r.logger.ErrorContext(ctx, "failed to mirror event",
			logging.EventID(e.ID),
			logging.Application(e.ApplicationName),
			logging.Error(err))
		return
	}
	metrics.MirrorWrites.WithLabelValues("ok").Inc()
}

func (r *Router) record(ctx context.Context, e *models.Event) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.Record(ctx, e); err != nil {
		r.logger.WarnContext(ctx, "failed to record event stats",
			logging.Application(e.ApplicationName),
			logging.Error(err))
	}
}

func (r *Router) recordFailure(ctx context.Context, e *models.Event, reason string) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordFailure(ctx, e, reason); err != nil {
		r.logger.WarnContext(ctx, "failed to record event failure",
			logging.Application(e.ApplicationName),
			logging.Error(err))
	}
}

func (r *Router) forward(ctx context.Context, subject string, e *models.Event) {
	if r.forwarder == nil || subject == "" {
		return
	}
	target, ok := r.target(subject)
	if !ok {
		return
	}
	if err := r.forwarder.Forward(ctx, target, e); err != nil {
		r.forwardFailed.Add(1)
		metrics.ForwardedTotal.WithLabelValues(target, "error").Inc()
		r.logger.WarnContext(ctx, "failed to forward event",
			logging.EventID(e.ID),
			logging.Subject(target),
			logging.Error(err))
		return
	}
	r.forwarded.Add(1)
	metrics.ForwardedTotal.WithLabelValues(target, "ok").Inc()
}

func (r *Router) target(subject string) (string, bool) {
	for _, rule := range r.rules {
		if messaging.MatchSubject(rule.pattern, subject) {
			return rule.target, true
		}
	}
	return "", false
}

func (r *Router) release() {
	if r.signal != nil {
		r.signal.Release()
	}
}

func hasWildcard(pattern string) bool {
	for _, c := range pattern {
		if c == '*' || c == '>' {
			return true
		}
	}
	return false
}

// Stats are cumulative router counters.
type Stats struct {
	Processed     uint64 `json:"processed"`
	Failed        uint64 `json:"failed"`
	Forwarded     uint64 `json:"forwarded"`
	ForwardFailed uint64 `json:"forwardFailed"`
	Notifications uint64 `json:"notifications"`
	Malformed     uint64 `json:"malformed"`
}

func (r *Router) Stats() Stats {
	return Stats{
		Processed:     r.processed.Load(),
		Failed:        r.failed.Load(),
		Forwarded:     r.forwarded.Load(),
		ForwardFailed: r.forwardFailed.Load(),
		Notifications: r.notifications.Load(),
		Malformed:     r.malformed.Load(),
	}
}

// Repository returns the repository the router saves to.
func (r *Router) Repository() repository.Repository { return r.repo }

// Mirror returns the file mirror, or nil when disabled.
func (r *Router) Mirror() *filemirror.Mirror { return r.mirror }
