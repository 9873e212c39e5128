package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/auth"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/handlers"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/metrics"
	"github.com/telhawk-systems/telhawk-audit/common/httputil"
	"github.com/telhawk-systems/telhawk-audit/common/logging"
	"github.com/telhawk-systems/telhawk-audit/common/middleware"
)

// Options tune the router.
type Options struct {
	Auth        *auth.Middleware
	CORSOrigins []string
	Logger      *slog.Logger
}

// NewRouter constructs a ServeMux with the audit API routes registered.
// Everything below /audit/ requires a token; health and metrics are open.
func NewRouter(h *handlers.Handler, opts Options) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/audit/events", h.Events)
	api.HandleFunc("/audit/events/", h.EventByPath)
	api.HandleFunc("/audit/notify", h.Notify)
	api.HandleFunc("/audit/notifications", h.Notifications)
	api.HandleFunc("/audit/notifications/stream", h.Stream)
	api.HandleFunc("/audit/stats", h.Stats)

	var protected http.Handler = api
	if opts.Auth != nil {
		protected = opts.Auth.Wrap(api)
	}

	mux := http.NewServeMux()
	mux.Handle("/audit/", protected)

	// Health endpoints
	mux.HandleFunc("/healthz", h.Health)
	mux.HandleFunc("/readyz", h.Ready)
	mux.HandleFunc("/actuator/health", h.Health)
	mux.Handle("/nosecurity/", http.NotFoundHandler())

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	var root http.Handler = accessLog(logging.OrDefault(opts.Logger), mux)
	if len(opts.CORSOrigins) > 0 {
		root = middleware.CORS(middleware.DefaultCORSConfig(opts.CORSOrigins))(root)
	}
	return middleware.RequestID(root)
}

// statusRecorder captures the response status. It forwards Flush so the
// notification stream keeps working behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func accessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			return
		}
		logger.LogAttrs(r.Context(), slog.LevelDebug, "http request",
			logging.Method(r.Method),
			logging.Path(r.URL.Path),
			logging.Status(rec.status),
			logging.Duration(time.Since(start).Milliseconds()),
			slog.String("request_id", middleware.GetRequestID(r.Context())),
			slog.String("client_ip", httputil.GetClientIP(r)))
	})
}
