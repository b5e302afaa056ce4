package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/treza-labs/enclave-proxy/internal/logging"
	"github.com/treza-labs/enclave-proxy/internal/metrics"
	"github.com/treza-labs/enclave-proxy/internal/protocol"
)

const kmsRequestTimeout = 30 * time.Second

type kmsRequestPayload struct {
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data"`
}

type kmsResponsePayload struct {
	Error  string          `json:"error"`
	Result json.RawMessage `json:"result"`
}

// KMSProxy exposes the parent's key-management operations to the user
// workload: POST /<operation> with a JSON body becomes one kms_request
// frame. The operation name is whatever the path says; the agent does not
// maintain an operation list.
type KMSProxy struct {
	mux  Requester
	addr string
}

func NewKMSProxy(mux Requester, addr string) *KMSProxy {
	return &KMSProxy{mux: mux, addr: addr}
}

// ListenAndServe blocks until ctx is cancelled.
func (p *KMSProxy) ListenAndServe(ctx context.Context) error {
	logging.Op().Info("kms proxy listening", "addr", p.addr)
	return serve(ctx, p.addr, p)
}

func (p *KMSProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	operation := strings.Trim(r.URL.Path, "/")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		metrics.RecordGatewayRequest("kms_proxy", "error")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "body read error: " + err.Error()})
		return
	}

	// Unparseable bodies degrade to an empty object rather than a 400; the
	// parent decides whether the operation needs arguments.
	data := json.RawMessage(body)
	if !json.Valid(body) {
		data = json.RawMessage("{}")
	}

	payload := kmsRequestPayload{Operation: operation, Data: data}

	resp, err := p.mux.Request(r.Context(), protocol.TypeKMSRequest, payload, kmsRequestTimeout)
	if err != nil {
		metrics.RecordGatewayRequest("kms_proxy", outcomeForErr(err))
		logging.Op().Warn("kms request failed", "operation", operation, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "KMS error: " + err.Error()})
		return
	}

	var parsed kmsResponsePayload
	if err := json.Unmarshal(resp.Payload, &parsed); err != nil {
		metrics.RecordGatewayRequest("kms_proxy", "error")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "invalid KMS response: " + err.Error()})
		return
	}

	if parsed.Error != "" {
		metrics.RecordGatewayRequest("kms_proxy", "denied")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": parsed.Error})
		return
	}

	result := parsed.Result
	if len(result) == 0 || string(result) == "null" {
		result = json.RawMessage("{}")
	}
	metrics.RecordGatewayRequest("kms_proxy", "ok")
	writeRawJSON(w, http.StatusOK, result)
}

func outcomeForErr(err error) string {
	if errors.Is(err, protocol.ErrTimedOut) {
		return "timeout"
	}
	return "error"
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		data = []byte("{}")
	}
	writeRawJSON(w, status, data)
}

func writeRawJSON(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
