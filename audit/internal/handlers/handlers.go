// Package handlers exposes the audit admin API: event queries, HTTP ingress
// equivalent to the bus channels, the live notification stream and health.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/broadcast"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/filemirror"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/repository"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/service"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/stats"
	"github.com/telhawk-systems/telhawk-audit/common/httputil"
	"github.com/telhawk-systems/telhawk-audit/common/logging"
	"github.com/telhawk-systems/telhawk-audit/common/messaging"
)

const (
	eventsPrefix = "/audit/events/"

	// notificationWindow bounds GET /audit/notifications.
	notificationWindow = 7 * 24 * time.Hour

	defaultHeartbeat = 15 * time.Second
)

// Handler wires HTTP routes to the event router and repository.
type Handler struct {
	router      *service.Router
	repo        repository.Repository
	broadcaster *broadcast.Broadcaster
	stats       *stats.Client
	bus         messaging.Client
	logger      *slog.Logger

	now       func() time.Time
	heartbeat time.Duration
}

// New creates a Handler. statsClient may be nil when Redis is disabled.
func New(router *service.Router, bc *broadcast.Broadcaster, statsClient *stats.Client, logger *slog.Logger) *Handler {
	return &Handler{
		router:      router,
		repo:        router.Repository(),
		broadcaster: bc,
		stats:       statsClient,
		logger:      logging.OrDefault(logger),
		now:         time.Now,
		heartbeat:   defaultHeartbeat,
	}
}

// SetBus makes readiness depend on the message broker connection.
func (h *Handler) SetBus(c messaging.Client) { h.bus = c }

// Events handles GET/POST /audit/events.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listEvents(w, r)
	case http.MethodPost:
		h.ingestEvent(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// EventByPath handles /audit/events/count, /audit/events/detail and
// /audit/events/{id}.
func (h *Handler) EventByPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, eventsPrefix)
	switch {
	case rest == "":
		h.listEvents(w, r)
	case rest == "count":
		h.countEvents(w, r)
	case rest == "detail":
		h.eventsDetail(w, r)
	case strings.ContainsRune(rest, '/'):
		httputil.WriteError(w, http.StatusBadRequest, "invalid_event_id", "event id must not contain '/'")
	default:
		h.getEvent(w, r, rest)
	}
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	ctx, cancel := repository.QueryContext(r.Context())
	defer cancel()
	page, err := h.repo.List(ctx, q)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, page)
}

func (h *Handler) countEvents(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	ctx, cancel := repository.QueryContext(r.Context())
	defer cancel()
	n, err := h.repo.Count(ctx, q)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func (h *Handler) getEvent(w http.ResponseWriter, r *http.Request, id string) {
	ctx, cancel := repository.QueryContext(r.Context())
	defer cancel()
	e, err := h.repo.Get(ctx, id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, e)
}

func (h *Handler) eventsDetail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, err := strconv.ParseInt(q.Get("idUsuario"), 10, 64)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_query", "idUsuario must be an integer")
		return
	}
	ctx, cancel := repository.QueryContext(r.Context())
	defer cancel()
	events, err := h.repo.FindDetail(ctx, userID, q.Get("telefono"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	httputil.WriteJSON(w, http.StatusOK, events)
}

// Notifications handles GET /audit/notifications: stored notification
// events of the last week addressed to username or to everyone.
func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	username := r.URL.Query().Get("username")
	if username == "" {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_query", "username is required")
		return
	}
	ctx, cancel := repository.QueryContext(r.Context())
	defer cancel()
	events, err := h.repo.RecentNotifications(ctx, username, h.now().Add(-notificationWindow))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	httputil.WriteJSON(w, http.StatusOK, events)
}

// Notify handles POST /audit/notify, the HTTP twin of the notify channel.
func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	e, ok := h.decodeEvent(w, r)
	if !ok {
		return
	}
	n, err := h.router.ProcessNotification(r.Context(), e)
	if err != nil {
		h.writeProcessError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, n)
}

func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	e, ok := h.decodeEvent(w, r)
	if !ok {
		return
	}
	out, err := h.router.ProcessEventOn(r.Context(), messaging.AuditEventSubject(e.ApplicationName), e)
	if err != nil {
		h.writeProcessError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, out)
}

func (h *Handler) decodeEvent(w http.ResponseWriter, r *http.Request) (*models.Event, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, httputil.DefaultMaxBody))
	if err != nil {
		httputil.WriteError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
		return nil, false
	}
	e, err := models.Decode(body)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "decode_failure", err.Error())
		return nil, false
	}
	return e, true
}

// Stats handles GET /audit/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := StatsResponse{
		Router:      h.router.Stats(),
		Mirror:      h.router.Mirror().Stats(),
		Broadcaster: h.broadcaster.Stats(),
	}
	if h.stats != nil {
		apps, err := h.stats.GetAll(r.Context())
		if err != nil {
			h.logger.WarnContext(r.Context(), "application stats unavailable", logging.Error(err))
			resp.StatsError = err.Error()
		} else {
			resp.Applications = apps
		}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// StatsResponse is the body of GET /audit/stats.
type StatsResponse struct {
	Router       service.Stats           `json:"router"`
	Mirror       filemirror.Stats        `json:"mirror"`
	Broadcaster  broadcast.Stats         `json:"broadcaster"`
	Applications map[string]*stats.Stats `json:"applications,omitempty"`
	StatsError   string                  `json:"statsError,omitempty"`
}

func parseQuery(r *http.Request) (models.EventQuery, error) {
	q := r.URL.Query()
	period, err := models.ParsePeriod(q.Get("period"))
	if err != nil {
		return models.EventQuery{}, err
	}
	p := httputil.ParsePagination(r, models.DefaultPageSize, models.MaxPageSize)
	return models.EventQuery{
		EventName: q.Get("eventName"),
		Username:  q.Get("username"),
		Period:    period,
		Page:      p.Page,
		Size:      p.Size,
	}.Normalize(), nil
}

func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "not_found", "event not found")
	case errors.Is(err, context.Canceled):
		// client went away
	case errors.Is(err, models.ErrStoreUnavailable):
		h.logger.ErrorContext(r.Context(), "repository unavailable", logging.Path(r.URL.Path), logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "event store unavailable")
	default:
		h.logger.ErrorContext(r.Context(), "query failed", logging.Path(r.URL.Path), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "query_failed", err.Error())
	}
}

func (h *Handler) writeProcessError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrDecodeFailure):
		httputil.WriteError(w, http.StatusBadRequest, "decode_failure", err.Error())
	case errors.Is(err, models.ErrMalformedNotificationBody):
		httputil.WriteError(w, http.StatusUnprocessableEntity, "malformed_notification", err.Error())
	default:
		h.writeStoreError(w, r, err)
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	httputil.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}
