// Package nats binds the event router to the message bus: it consumes the
// audit and notify channels, forwards processed events and relays
// notifications.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/metrics"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/service"
	"github.com/telhawk-systems/telhawk-audit/common/logging"
	"github.com/telhawk-systems/telhawk-audit/common/messaging"
	natsclient "github.com/telhawk-systems/telhawk-audit/common/messaging/nats"
)

// StreamConsumer is the JetStream surface the handler needs.
type StreamConsumer interface {
	CreateOrUpdateStream(ctx context.Context, cfg natsclient.StreamConfig) (jetstream.Stream, error)
	CreateOrUpdateConsumer(ctx context.Context, streamName string, cfg natsclient.ConsumerConfig) (jetstream.Consumer, error)
	ConsumeMessages(ctx context.Context, streamName, consumerName string, nakDelay time.Duration, handler messaging.MessageHandler) (func(), error)
}

// Subjects names the ingress channels.
type Subjects struct {
	Events string
	Notify string
}

// DefaultSubjects covers every application on both channels.
func DefaultSubjects() Subjects {
	return Subjects{
		Events: messaging.Wildcard(messaging.SubjectAuditEvents),
		Notify: messaging.Wildcard(messaging.SubjectAuditNotify),
	}
}

// Handler consumes audit events from NATS.
type Handler struct {
	client   messaging.Subscriber
	router   *service.Router
	subjects Subjects
	queue    string
	subs     []messaging.Subscription
	stops    []func()
	logger   *slog.Logger
}

// NewHandler creates a handler. An empty queue group makes every instance
// receive every event.
func NewHandler(client messaging.Subscriber, router *service.Router, subjects Subjects, queue string, logger *slog.Logger) *Handler {
	if subjects.Events == "" || subjects.Notify == "" {
		def := DefaultSubjects()
		if subjects.Events == "" {
			subjects.Events = def.Events
		}
		if subjects.Notify == "" {
			subjects.Notify = def.Notify
		}
	}
	return &Handler{
		client:   client,
		router:   router,
		subjects: subjects,
		queue:    queue,
		logger:   logging.OrDefault(logger).With(slog.String("component", "nats-handler")),
	}
}

// Start subscribes to both channels on core NATS. Messages that fail are
// logged and lost.
func (h *Handler) Start(ctx context.Context) error {
	sub1, err := h.client.QueueSubscribe(h.subjects.Events, h.queue, h.HandleEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to audit events: %w", err)
	}
	h.subs = append(h.subs, sub1)

	sub2, err := h.client.QueueSubscribe(h.subjects.Notify, h.queue, h.HandleNotify)
	if err != nil {
		_ = sub1.Unsubscribe()
		h.subs = nil
		return fmt.Errorf("failed to subscribe to notify events: %w", err)
	}
	h.subs = append(h.subs, sub2)

	h.logger.Info("NATS handler started",
		slog.String("events_subject", h.subjects.Events),
		slog.String("notify_subject", h.subjects.Notify),
		slog.String("queue_group", h.queue))
	return nil
}

// StartJetStream consumes both channels through durable JetStream consumers.
// Store failures are NAKed for redelivery; decode and body failures are
// terminated.
func (h *Handler) StartJetStream(ctx context.Context, js StreamConsumer, stream natsclient.StreamConfig, consumerPrefix string) error {
	if _, err := js.CreateOrUpdateStream(ctx, stream); err != nil {
		return err
	}

	bindings := []struct {
		name    string
		subject string
		handler messaging.MessageHandler
	}{
		{consumerPrefix + "-events", h.subjects.Events, h.HandleEvent},
		{consumerPrefix + "-notify", h.subjects.Notify, h.HandleNotify},
	}
	for _, b := range bindings {
		cfg := natsclient.DefaultConsumerConfig(b.name, b.subject)
		if _, err := js.CreateOrUpdateConsumer(ctx, stream.Name, cfg); err != nil {
			h.Stop()
			return err
		}
		stop, err := js.ConsumeMessages(ctx, stream.Name, b.name, cfg.NakDelay, b.handler)
		if err != nil {
			h.Stop()
			return err
		}
		h.stops = append(h.stops, stop)
	}

	h.logger.Info("JetStream consumers started",
		slog.String("stream", stream.Name),
		slog.String("events_subject", h.subjects.Events),
		slog.String("notify_subject", h.subjects.Notify))
	return nil
}

// Stop unsubscribes from all subjects and stops JetStream consumers.
func (h *Handler) Stop() error {
	h.logger.Info("Stopping NATS handler")
	for _, sub := range h.subs {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Warn("Failed to unsubscribe", logging.Error(err))
		}
	}
	for _, stop := range h.stops {
		stop()
	}
	h.subs = nil
	h.stops = nil
	return nil
}

// HandleEvent processes one message of the audit channel.
func (h *Handler) HandleEvent(ctx context.Context, msg *messaging.Message) error {
	e, err := h.decode(ctx, "events", msg)
	if err != nil {
		return err
	}

	out, err := h.router.ProcessEventOn(ctx, msg.Subject, e)
	if err != nil {
		return classify(err)
	}
	h.logger.DebugContext(ctx, "event processed",
		logging.Subject(msg.Subject),
		logging.EventID(out.ID),
		logging.EventType(out.EventType.String()),
		logging.Application(out.ApplicationName))
	return nil
}

// HandleNotify processes one message of the notify channel.
func (h *Handler) HandleNotify(ctx context.Context, msg *messaging.Message) error {
	e, err := h.decode(ctx, "notify", msg)
	if err != nil {
		return err
	}

	n, err := h.router.ProcessNotification(ctx, e)
	if err != nil {
		return classify(err)
	}
	h.logger.DebugContext(ctx, "notification published",
		logging.Subject(msg.Subject),
		logging.Username(n.Username))
	return nil
}

func (h *Handler) decode(ctx context.Context, source string, msg *messaging.Message) (*models.Event, error) {
	e, err := models.Decode(msg.Data)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues(source).Inc()
		h.logger.WarnContext(ctx, "dropping undecodable message",
			logging.Subject(msg.Subject),
			slog.Int("bytes", len(msg.Data)),
			logging.Error(err))
		return nil, messaging.Permanent(err)
	}
	return e, nil
}

// classify marks failures that redelivery cannot fix as permanent.
func classify(err error) error {
	if errors.Is(err, models.ErrDecodeFailure) || errors.Is(err, models.ErrMalformedNotificationBody) {
		return messaging.Permanent(err)
	}
	return err
}
