// Package health serves the local diagnostics endpoint on 8888. Any path
// answers the fixed health JSON with the current vsock link state; when
// metrics are enabled, /metrics is the one exception and serves the
// Prometheus exposition.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/treza-labs/enclave-proxy/internal/logging"
	"github.com/treza-labs/enclave-proxy/internal/metrics"
)

// ConnState reports whether the parent link is up. Satisfied by
// *protocol.Mux.
type ConnState interface {
	Connected() bool
}

type healthBody struct {
	Status string `json:"status"`
	Proxy  string `json:"proxy"`
	Vsock  string `json:"vsock"`
}

// Server is the health endpoint.
type Server struct {
	link           ConnState
	addr           string
	metricsEnabled bool
}

func NewServer(link ConnState, addr string, metricsEnabled bool) *Server {
	return &Server{link: link, addr: addr, metricsEnabled: metricsEnabled}
}

// ListenAndServe blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	logging.Op().Info("health endpoint listening", "addr", s.addr)

	srv := &http.Server{
		Addr:        s.addr,
		Handler:     s,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.metricsEnabled && r.URL.Path == "/metrics" {
		metrics.PrometheusHandler().ServeHTTP(w, r)
		return
	}

	vsockState := "disconnected"
	if s.link.Connected() {
		vsockState = "connected"
	}

	body, _ := json.Marshal(healthBody{
		Status: "healthy",
		Proxy:  "running",
		Vsock:  vsockState,
	})
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}
