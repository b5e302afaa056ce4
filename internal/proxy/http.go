package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/treza-labs/enclave-proxy/internal/logging"
	"github.com/treza-labs/enclave-proxy/internal/metrics"
	"github.com/treza-labs/enclave-proxy/internal/protocol"
)

const httpRequestTimeout = 60 * time.Second

type httpRequestPayload struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type httpResponsePayload struct {
	Status  int            `json:"status"`
	Headers map[string]any `json:"headers"`
	Body    string         `json:"body"`
}

// HTTPProxy is the local HTTP/1.1 forward proxy. The user workload points
// HTTP_PROXY at it; every request becomes one http_request frame and the
// parent's reply becomes the HTTP response.
type HTTPProxy struct {
	mux  Requester
	addr string
}

func NewHTTPProxy(mux Requester, addr string) *HTTPProxy {
	return &HTTPProxy{mux: mux, addr: addr}
}

// ListenAndServe blocks until ctx is cancelled.
func (p *HTTPProxy) ListenAndServe(ctx context.Context) error {
	logging.Op().Info("http proxy listening", "addr", p.addr)
	return serve(ctx, p.addr, p)
}

func (p *HTTPProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()
	start := time.Now()

	method := r.Method
	url := r.URL.String()

	headers := make(map[string]string)
	for name, values := range r.Header {
		switch strings.ToLower(name) {
		case "host", "proxy-connection", "proxy-authorization":
			continue
		}
		for _, v := range values {
			if !utf8.ValidString(v) {
				continue
			}
			headers[name] = v
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		metrics.RecordGatewayRequest("http_proxy", "error")
		http.Error(w, fmt.Sprintf("Body read error: %v", err), http.StatusBadGateway)
		return
	}

	payload := httpRequestPayload{
		Method:  method,
		URL:     url,
		Headers: headers,
		Body:    string(body),
	}

	resp, err := p.mux.Request(r.Context(), protocol.TypeHTTPRequest, payload, httpRequestTimeout)
	if err != nil {
		status, label, outcome := http.StatusBadGateway, "Bad Gateway", "error"
		if errors.Is(err, protocol.ErrTimedOut) {
			status, label, outcome = http.StatusGatewayTimeout, "Gateway Timeout", "timeout"
		}
		metrics.RecordGatewayRequest("http_proxy", outcome)
		logging.Op().Warn("proxied request failed",
			"request_id", reqID, "method", method, "url", url, "error", err)
		http.Error(w, fmt.Sprintf("%s: %v", label, err), status)
		return
	}

	var parsed httpResponsePayload
	if err := json.Unmarshal(resp.Payload, &parsed); err != nil {
		metrics.RecordGatewayRequest("http_proxy", "error")
		http.Error(w, fmt.Sprintf("Bad Gateway: invalid response payload: %v", err), http.StatusBadGateway)
		return
	}

	status := parsed.Status
	if status == 0 {
		status = http.StatusBadGateway
	}

	for name, value := range parsed.Headers {
		switch strings.ToLower(name) {
		// The gateway computes content-length itself from the body it
		// emits; the upstream values may not match it.
		case "transfer-encoding", "content-length":
			continue
		}
		if s, ok := value.(string); ok {
			w.Header().Set(name, s)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(parsed.Body)))
	w.WriteHeader(status)
	io.WriteString(w, parsed.Body)

	metrics.RecordGatewayRequest("http_proxy", "ok")
	logging.Op().Debug("proxied request",
		"request_id", reqID, "method", method, "url", url,
		"status", status, "duration_ms", time.Since(start).Milliseconds())
}
