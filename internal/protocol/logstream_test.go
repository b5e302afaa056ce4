package protocol

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"testing"
	"time"
)

func TestLogStream_LogFrame(t *testing.T) {
	mux, parent, _ := newTestMux(t, nil)
	logs := NewLogStream(mux)

	before := float64(time.Now().UnixNano()) / float64(time.Second)
	logs.Log(LevelInfo, "hello from the enclave")
	after := float64(time.Now().UnixNano()) / float64(time.Second)

	// The parent goroutine records the frame as soon as it drains the pipe.
	deadline := time.Now().Add(time.Second)
	var msgs []*Message
	for time.Now().Before(deadline) {
		if msgs = parent.messages(); len(msgs) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(msgs) != 1 {
		t.Fatalf("parent saw %d frames, want 1", len(msgs))
	}

	msg := msgs[0]
	if msg.Type != TypeLog {
		t.Fatalf("type = %q, want log", msg.Type)
	}
	var payload struct {
		Level     string  `json:"level"`
		Message   string  `json:"message"`
		Timestamp float64 `json:"timestamp"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if payload.Level != "info" || payload.Message != "hello from the enclave" {
		t.Fatalf("payload = %+v", payload)
	}
	if payload.Timestamp < math.Floor(before) || payload.Timestamp > after+1 {
		t.Fatalf("timestamp %f outside [%f, %f]", payload.Timestamp, before, after)
	}
}

func TestLogStream_FetchPCRs(t *testing.T) {
	mux, _, _ := newTestMux(t, func(msg *Message) *Message {
		if msg.Type != TypePCRRequest {
			return nil
		}
		if string(msg.Payload) != "{}" {
			return nil
		}
		return &Message{
			Type:    "pcr_response",
			ID:      msg.ID,
			Payload: json.RawMessage(`{"pcr_values":{"PCR0":"abc123","PCR1":"def456"}}`),
		}
	})
	logs := NewLogStream(mux)

	pcrs, err := logs.FetchPCRs(context.Background())
	if err != nil {
		t.Fatalf("FetchPCRs failed: %v", err)
	}
	if pcrs["PCR0"] != "abc123" {
		t.Fatalf("PCR0 = %q, want abc123", pcrs["PCR0"])
	}
	if pcrs["PCR1"] != "def456" {
		t.Fatalf("PCR1 = %q, want def456", pcrs["PCR1"])
	}
}

func TestLogStream_FetchPCRsBrokenPipe(t *testing.T) {
	agentSide, parentSide := net.Pipe()
	mux := New(agentSide)
	logs := NewLogStream(mux)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Dispatch(ctx)

	// Parent reads the request then hangs up.
	go func() {
		ReadMessage(parentSide)
		parentSide.Close()
	}()

	if _, err := logs.FetchPCRs(context.Background()); err == nil {
		t.Fatal("expected error after parent hangup")
	}
}
