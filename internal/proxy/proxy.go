// Package proxy implements the local gateways that turn loopback HTTP
// traffic from the user workload into correlated requests on the parent
// channel: the HTTP forward proxy on 3128 and the KMS gateway on 8000.
package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/treza-labs/enclave-proxy/internal/protocol"
)

// Requester is the slice of the multiplexer the gateways need.
type Requester interface {
	Request(ctx context.Context, msgType string, payload any, timeout time.Duration) (*protocol.Message, error)
}

const shutdownGrace = 2 * time.Second

// serve runs an HTTP server on addr until ctx is cancelled. Handler errors
// never terminate the server; only a listener error such as a failed bind
// surfaces, and a shutdown returns nil.
func serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
