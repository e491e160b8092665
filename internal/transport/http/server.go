package http

import (
	"encoding/json"
	"net"
	"net/http"
	"time"
)

// HealthFunc reports the state of one dependency. A nil error means healthy.
type HealthFunc func() error

// Routes is what the ops server exposes. Nil handlers are not mounted.
type Routes struct {
	Metrics http.Handler
	Feed    http.Handler
	Ingest  http.Handler
	Auth    *AuthMiddleware
	Checks  map[string]HealthFunc
}

// NewServer builds the bridge's HTTP server listening on port.
func NewServer(port string, routes Routes) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler(routes.Checks))
	if routes.Metrics != nil {
		mux.Handle("/metrics", routes.Metrics)
	}
	if routes.Feed != nil {
		mux.Handle(FeedPath, routes.Feed)
	}
	if routes.Ingest != nil {
		ingest := routes.Ingest
		if routes.Auth != nil {
			ingest = routes.Auth.Wrap(ingest)
		}
		mux.Handle(IngestPath, ingest)
	}

	return &http.Server{
		Addr:              net.JoinHostPort("", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func healthHandler(checks map[string]HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		status := http.StatusOK
		report := map[string]string{}
		for name, check := range checks {
			if err := check(); err != nil {
				report[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			report[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": http.StatusText(status),
			"checks": report,
		})
	}
}
