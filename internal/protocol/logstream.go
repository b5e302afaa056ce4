package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/treza-labs/enclave-proxy/internal/logging"
)

const pcrTimeout = 30 * time.Second

// Levels used on wire log frames. Supervisor output uses the app levels;
// everything else is the usual trio.
const (
	LevelInfo   = "info"
	LevelWarn   = "warn"
	LevelError  = "error"
	LevelApp    = "app"
	LevelAppErr = "app_err"
)

type logPayload struct {
	Level     string  `json:"level"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
}

// LogStream ships log lines to the parent as fire-and-forget log frames and
// mirrors each one to the local operational logger for in-enclave debugging.
type LogStream struct {
	mux *Mux
}

func NewLogStream(mux *Mux) *LogStream {
	return &LogStream{mux: mux}
}

// Log sends one log frame. Send failures are logged locally and swallowed;
// the log channel must never take a caller down.
func (l *LogStream) Log(level, message string) {
	payload, err := json.Marshal(logPayload{
		Level:     level,
		Message:   message,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	})
	if err == nil {
		msg := &Message{Type: TypeLog, ID: NextRequestID(), Payload: payload}
		if err := l.mux.Send(msg); err != nil {
			logging.Op().Warn("failed to send log frame", "error", err)
		}
	}

	switch level {
	case LevelError:
		logging.Op().Error(message)
	case LevelWarn:
		logging.Op().Warn(message)
	case LevelApp, LevelAppErr:
		logging.Op().Info(message, "stream", level)
	default:
		logging.Op().Info(message)
	}
}

// Logf is Log with formatting.
func (l *LogStream) Logf(level, format string, args ...any) {
	l.Log(level, fmt.Sprintf(format, args...))
}

type pcrResponse struct {
	PCRValues map[string]string `json:"pcr_values"`
}

// FetchPCRs asks the parent for the enclave's platform configuration
// registers. The values are opaque to the agent; they are logged for
// attestation audit trails.
func (l *LogStream) FetchPCRs(ctx context.Context) (map[string]string, error) {
	resp, err := l.mux.Request(ctx, TypePCRRequest, struct{}{}, pcrTimeout)
	if err != nil {
		return nil, err
	}
	var parsed pcrResponse
	if err := json.Unmarshal(resp.Payload, &parsed); err != nil {
		return nil, fmt.Errorf("decode pcr response: %w", err)
	}
	return parsed.PCRValues, nil
}
