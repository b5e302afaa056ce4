package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
)

func TestCodec_RoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sent := &Message{
		Type:    TypeHTTPRequest,
		ID:      "req-42",
		Payload: json.RawMessage(`{"method":"GET","url":"http://example.com/x"}`),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- WriteMessage(client, sent)
	}()

	received, err := ReadMessage(server)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	if received.Type != sent.Type {
		t.Fatalf("type = %q, want %q", received.Type, sent.Type)
	}
	if received.ID != sent.ID {
		t.Fatalf("id = %q, want %q", received.ID, sent.ID)
	}
	if !bytes.Equal(received.Payload, sent.Payload) {
		t.Fatalf("payload = %s, want %s", received.Payload, sent.Payload)
	}
}

func TestCodec_EmptyPayloadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	sent := &Message{Type: TypePCRRequest, ID: "req-1", Payload: json.RawMessage(`{}`)}
	if err := WriteMessage(&buf, sent); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	received, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if string(received.Payload) != "{}" {
		t.Fatalf("payload = %s, want {}", received.Payload)
	}
}

func TestFrame_ZeroLength(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, nil); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if buf.Len() != 4 {
		t.Fatalf("frame length = %d, want 4", buf.Len())
	}
	data, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("body length = %d, want 0", len(data))
	}
}

func TestFrame_RejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, MaxFrameBytes+1)
	buf.Write(lenBuf)

	_, err := ReadFrame(&buf)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestFrame_MaxSizeAccepted(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, MaxFrameBytes)
	buf.Write(lenBuf)
	buf.Write(make([]byte, MaxFrameBytes))

	data, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if len(data) != MaxFrameBytes {
		t.Fatalf("body length = %d, want %d", len(data), MaxFrameBytes)
	}
}

func TestFrame_CleanEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestFrame_TruncatedPrefix(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0}))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestFrame_TruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, 10)
	buf.Write(lenBuf)
	buf.WriteString("short")

	_, err := ReadFrame(&buf)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestReadMessage_MalformedJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("not json")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	_, err := ReadMessage(&buf)
	if err == nil || !strings.Contains(err.Error(), "decode message") {
		t.Fatalf("err = %v, want decode error", err)
	}
}

func TestNextRequestID_Monotonic(t *testing.T) {
	const n = 100
	seen := make(map[string]bool, n)
	prev := -1
	for i := 0; i < n; i++ {
		id := NextRequestID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true

		var num int
		if _, err := fmt.Sscanf(id, "req-%d", &num); err != nil {
			t.Fatalf("id %q not of form req-<N>: %v", id, err)
		}
		if prev >= 0 && num != prev+1 {
			t.Fatalf("id %s not consecutive after req-%d", id, prev)
		}
		prev = num
	}
}
