package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/broadcast"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/metrics"
	"github.com/telhawk-systems/telhawk-audit/common/httputil"
	"github.com/telhawk-systems/telhawk-audit/common/logging"
)

// Stream handles GET /audit/notifications/stream as Server-Sent Events.
// Only notifications published after the client attached are sent; with
// ?username= the stream carries that user's and broadcast notifications.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming unsupported")
		return
	}

	username := r.URL.Query().Get("username")
	sub := h.broadcaster.Subscribe()
	defer sub.Close()

	metrics.StreamSubscribers.Inc()
	defer metrics.StreamSubscribers.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ctx := r.Context()
	log := h.logger.With(logging.Username(username))
	log.DebugContext(ctx, "notification stream attached")

	var seq uint64
	for {
		next, cancel := context.WithTimeout(ctx, h.heartbeat)
		n, err := sub.Next(next)
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		case errors.Is(err, broadcast.ErrClosed):
			fmt.Fprint(w, "event: close\ndata: {}\n\n")
			flusher.Flush()
			return
		default:
			log.DebugContext(ctx, "notification stream detached", logging.Error(err))
			return
		}

		if !n.VisibleTo(username) {
			continue
		}
		data, err := json.Marshal(n)
		if err != nil {
			log.ErrorContext(ctx, "failed to encode notification", logging.Error(err))
			continue
		}
		seq++
		if _, err := fmt.Fprintf(w, "id: %d\nevent: notification\ndata: %s\n\n", seq, data); err != nil {
			return
		}
		flusher.Flush()
	}
}
