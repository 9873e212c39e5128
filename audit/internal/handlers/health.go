package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/telhawk-systems/telhawk-audit/common/httputil"
	"github.com/telhawk-systems/telhawk-audit/common/logging"
	"github.com/telhawk-systems/telhawk-audit/common/messaging"
)

// Health handles GET /healthz and /actuator/health. Liveness only.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "UP"})
}

// Ready handles GET /readyz. The repository must answer a ping and, when a
// bus is attached, the broker connection must be up.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := map[string]any{"status": "UP"}
	code := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		h.logger.WarnContext(ctx, "readiness check failed", logging.Error(err))
		resp["status"] = "DOWN"
		resp["error"] = err.Error()
		code = http.StatusServiceUnavailable
	}

	if h.bus != nil {
		broker := messaging.CheckClientHealth(h.bus)
		resp["broker"] = broker
		if !broker.Connected || broker.Error != "" {
			h.logger.WarnContext(ctx, "broker not ready", slog.String("error", broker.Error))
			resp["status"] = "DOWN"
			code = http.StatusServiceUnavailable
		}
	}

	httputil.WriteJSON(w, code, resp)
}
