package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"telemetry-bridge/bridge/internal/domain"
	"telemetry-bridge/bridge/internal/metrics"
)

const (
	SourceHTTP       = "http"
	maxIngestBody    = 1 << 20
	IngestPath       = "/api/v1/telemetry"
	ingestAcceptBody = `{"status":"accepted"}`
)

// IngestHandler accepts telemetry documents over HTTP and feeds them into
// the same ordered stream as the MQTT subscriber. It blocks while the
// stream is full.
type IngestHandler struct {
	out     chan<- domain.RawMessage
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewIngestHandler(out chan<- domain.RawMessage, m *metrics.Metrics, logger *slog.Logger) *IngestHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestHandler{
		out:     out,
		metrics: m,
		logger:  logger.With("component", "http-ingest"),
		now:     time.Now,
	}
}

func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.metrics.IngestRejected.WithLabelValues("too_large").Inc()
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		h.metrics.IngestRejected.WithLabelValues("read_error").Inc()
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	if !json.Valid(body) {
		h.metrics.IngestRejected.WithLabelValues("malformed").Inc()
		writeError(w, http.StatusBadRequest, "body is not valid JSON")
		return
	}

	device := DeviceFromContext(r.Context())
	msg := domain.RawMessage{
		Source:     SourceHTTP,
		Topic:      IngestPath,
		Payload:    body,
		ReceivedAt: h.now(),
	}

	select {
	case h.out <- msg:
		h.metrics.MessagesReceived.WithLabelValues(SourceHTTP).Inc()
		h.logger.Debug("Telemetry accepted", "device", device, "bytes", len(body))
	case <-r.Context().Done():
		h.metrics.IngestRejected.WithLabelValues("unavailable").Inc()
		h.logger.Warn("Telemetry not accepted before request ended", "device", device)
		writeError(w, http.StatusServiceUnavailable, "bridge busy")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(ingestAcceptBody))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
