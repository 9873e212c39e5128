package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/broadcast"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/metrics"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
	"github.com/telhawk-systems/telhawk-audit/common/logging"
	"github.com/telhawk-systems/telhawk-audit/common/messaging"
	"github.com/telhawk-systems/telhawk-audit/common/middleware"
)

// Header names set on re-emitted events.
const (
	HeaderEventID     = "Audit-Event-Id"
	HeaderApplication = "Audit-Application"
)

// Forwarder re-emits processed events as JSON. It implements
// service.Forwarder.
type Forwarder struct {
	pub messaging.Publisher
}

func NewForwarder(pub messaging.Publisher) *Forwarder {
	return &Forwarder{pub: pub}
}

func (f *Forwarder) Forward(ctx context.Context, subject string, e *models.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	msg := &messaging.Message{
		Subject: subject,
		Data:    data,
		Metadata: map[string]string{
			HeaderEventID:     e.ID,
			HeaderApplication: e.ApplicationName,
		},
	}
	if id := middleware.GetRequestID(ctx); id != "" {
		msg.Metadata[middleware.HeaderRequestID] = id
	}
	return f.pub.PublishMsg(ctx, msg)
}

// Relay republishes every broadcast notification on a NATS subject so other
// services can react to them.
type Relay struct {
	bc      *broadcast.Broadcaster
	pub     messaging.Publisher
	subject string
	logger  *slog.Logger
}

func NewRelay(bc *broadcast.Broadcaster, pub messaging.Publisher, subject string, logger *slog.Logger) *Relay {
	if subject == "" {
		subject = messaging.SubjectAuditNotifications
	}
	return &Relay{
		bc:      bc,
		pub:     pub,
		subject: subject,
		logger:  logging.OrDefault(logger).With(slog.String("component", "relay")),
	}
}

// Run relays notifications until ctx ends or the broadcaster closes.
func (r *Relay) Run(ctx context.Context) error {
	return r.run(ctx, r.bc.Subscribe())
}

// Start attaches the relay subscriber and relays on a new goroutine. The
// returned channel yields the result of the loop.
func (r *Relay) Start(ctx context.Context) <-chan error {
	sub := r.bc.Subscribe()
	done := make(chan error, 1)
	go func() { done <- r.run(ctx, sub) }()
	return done
}

func (r *Relay) run(ctx context.Context, sub *broadcast.Subscription) error {
	defer sub.Close()
	r.logger.Info("notification relay started", logging.Subject(r.subject))

	for {
		n, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, broadcast.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		data, err := json.Marshal(n)
		if err != nil {
			continue
		}
		if err := r.pub.Publish(ctx, r.subject, data); err != nil {
			metrics.RelayPublished.WithLabelValues("error").Inc()
			r.logger.Warn("failed to relay notification",
				logging.Subject(r.subject),
				logging.Username(n.Username),
				logging.Error(err))
			continue
		}
		metrics.RelayPublished.WithLabelValues("ok").Inc()
	}
}
