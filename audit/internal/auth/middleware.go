package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/telhawk-systems/telhawk-audit/common/httputil"
	"github.com/telhawk-systems/telhawk-audit/common/logging"
)

type contextKey string

const claimsKey contextKey = "auth_claims"

// ClaimsFromContext returns the claims of an authenticated request.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// Middleware requires a valid bearer token carrying any of the allowed
// authorities. Missing or invalid tokens get 401, insufficient scope 403.
type Middleware struct {
	validator *Validator
	allowed   map[string]struct{}
	disabled  bool
	logger    *slog.Logger
}

// NewMiddleware builds the scope check. An empty allowed list selects
// DefaultAllowedScopes. disabled lets every request through.
func NewMiddleware(v *Validator, allowed []string, disabled bool, logger *slog.Logger) *Middleware {
	if len(allowed) == 0 {
		allowed = DefaultAllowedScopes
	}
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if !strings.HasPrefix(a, ScopePrefix) {
			a = ScopePrefix + a
		}
		set[a] = struct{}{}
	}
	return &Middleware{
		validator: v,
		allowed:   set,
		disabled:  disabled,
		logger:    logging.OrDefault(logger).With(slog.String("component", "auth")),
	}
}

func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m.disabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearer(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="audit"`)
			httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", ErrMissingToken.Error())
			return
		}

		claims, err := m.validator.Validate(token)
		if err != nil {
			m.logger.Debug("rejected token", logging.Path(r.URL.Path), logging.Error(err))
			w.Header().Set("WWW-Authenticate", `Bearer realm="audit", error="invalid_token"`)
			httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", ErrInvalidToken.Error())
			return
		}

		if !m.permits(claims) {
			m.logger.Info("insufficient scope",
				slog.String("subject", claims.Subject),
				logging.Path(r.URL.Path))
			httputil.WriteError(w, http.StatusForbidden, "forbidden", "insufficient scope")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func (m *Middleware) permits(c *Claims) bool {
	for _, a := range c.AuthoritiesGranted() {
		if _, ok := m.allowed[a]; ok {
			return true
		}
	}
	return false
}

// bearer extracts the token from the Authorization header. EventSource
// clients cannot set headers, so access_token in the query is accepted too.
func bearer(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):]), true
		}
		return "", false
	}
	if t := r.URL.Query().Get("access_token"); t != "" {
		return t, true
	}
	return "", false
}
