package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Checker holds optional probes; nil probes are omitted from the report.
type Checker struct {
	DBPing  func(ctx context.Context) error
	RPCPing func(ctx context.Context) error
	// Sync reports the last synchronization error, if any.
	Sync func() error
}

// Handler serves the /healthz report.
func Handler(checker Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok"}
		code := http.StatusOK

		probe := func(name string, err error) {
			if err != nil {
				status[name] = "fail"
				code = http.StatusServiceUnavailable
				return
			}
			status[name] = "ok"
		}
		if checker.DBPing != nil {
			probe("db", checker.DBPing(ctx))
		}
		if checker.RPCPing != nil {
			probe("rpc", checker.RPCPing(ctx))
		}
		if checker.Sync != nil {
			if err := checker.Sync(); err != nil {
				// A failed cycle is retried by the poller; report it without failing the probe.
				status["sync"] = err.Error()
			} else {
				status["sync"] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
	return mux
}

// Serve starts a minimal /healthz server.
func Serve(addr string, checker Checker) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(checker),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Shutdown gracefully shuts down the health server.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
