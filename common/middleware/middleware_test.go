package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
	}{
		{name: "generates new request ID when not present"},
		{name: "propagates existing request ID", incoming: "existing-req-123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/audit/events", nil)
			if tt.incoming != "" {
				req.Header.Set(HeaderRequestID, tt.incoming)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			require.NotEmpty(t, seen)
			assert.Equal(t, seen, w.Header().Get(HeaderRequestID))
			if tt.incoming != "" {
				assert.Equal(t, tt.incoming, seen)
			} else {
				_, err := uuid.Parse(seen)
				assert.NoError(t, err)
			}
		})
	}
}

func TestWithRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	assert.Equal(t, "", GetRequestID(ctx))

	ctx = WithRequestID(ctx, "msg-1")
	assert.Equal(t, "msg-1", GetRequestID(ctx))
}

func TestCORS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name        string
		origins     []string
		origin      string
		method      string
		wantOrigin  string
		wantStatus  int
		wantMethods bool
	}{
		{
			name:       "exact origin",
			origins:    []string{"https://console.example.com"},
			origin:     "https://console.example.com",
			method:     http.MethodGet,
			wantOrigin: "https://console.example.com",
			wantStatus: http.StatusOK,
		},
		{
			name:       "suffix wildcard",
			origins:    []string{"https://*.example.com"},
			origin:     "https://ops.example.com",
			method:     http.MethodGet,
			wantOrigin: "https://ops.example.com",
			wantStatus: http.StatusOK,
		},
		{
			name:       "any origin",
			origins:    []string{"*"},
			origin:     "http://localhost:3000",
			method:     http.MethodGet,
			wantOrigin: "*",
			wantStatus: http.StatusOK,
		},
		{
			name:       "origin not allowed",
			origins:    []string{"https://console.example.com"},
			origin:     "https://evil.test",
			method:     http.MethodGet,
			wantStatus: http.StatusOK,
		},
		{
			name:        "preflight",
			origins:     []string{"http://localhost:3000"},
			origin:      "http://localhost:3000",
			method:      http.MethodOptions,
			wantOrigin:  "http://localhost:3000",
			wantStatus:  http.StatusNoContent,
			wantMethods: true,
		},
		{
			name:       "no origin header passes through",
			origins:    []string{"*"},
			method:     http.MethodGet,
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := CORS(DefaultCORSConfig(tt.origins))(ok)

			req := httptest.NewRequest(tt.method, "/audit/notifications/stream", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.method == http.MethodOptions {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			if tt.wantMethods {
				assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
			}
		})
	}
}
