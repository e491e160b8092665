package http

import (
	"context"
	"net/http"

	"telemetry-bridge/bridge/internal/metrics"
)

// KeyValidator accepts or rejects an API key.
type KeyValidator interface {
	Validate(ctx context.Context, apiKey string) (string, bool)
}

type deviceKey struct{}

// DeviceFromContext returns the device an authenticated request belongs to.
func DeviceFromContext(ctx context.Context) string {
	device, _ := ctx.Value(deviceKey{}).(string)
	return device
}

type AuthMiddleware struct {
	auth    KeyValidator
	metrics *metrics.Metrics
}

func NewAuthMiddleware(a KeyValidator, m *metrics.Metrics) *AuthMiddleware {
	return &AuthMiddleware{auth: a, metrics: m}
}

func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			m.metrics.IngestRejected.WithLabelValues("missing_key").Inc()
			writeError(w, http.StatusUnauthorized, "missing X-API-Key header")
			return
		}

		device, ok := m.auth.Validate(r.Context(), apiKey)
		if !ok {
			m.metrics.IngestRejected.WithLabelValues("invalid_key").Inc()
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), deviceKey{}, device)))
	})
}
