package vsock

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/treza-labs/enclave-proxy/internal/protocol"
)

func TestDial_TCPMode(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := uint32(ln.Addr().(*net.TCPAddr).Port)

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- c
	}()

	conn, err := Dial(ModeTCP, 3, port)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("no connection accepted")
	}
	defer server.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := server.Read(buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Fatalf("read %q", buf)
	}
}

// TestDial_TCPModeFramedExchange runs the full stack the dev mode exists
// for: dial over TCP, multiplex a request, get the stub parent's framed
// response back.
func TestDial_TCPModeFramedExchange(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := uint32(ln.Addr().(*net.TCPAddr).Port)

	// Stub parent: echo every request's payload back under its id.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msg, err := protocol.ReadMessage(conn)
			if err != nil {
				return
			}
			resp := &protocol.Message{Type: "response", ID: msg.ID, Payload: msg.Payload}
			if err := protocol.WriteMessage(conn, resp); err != nil {
				return
			}
		}
	}()

	conn, err := Dial(ModeTCP, 3, port)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	mux := protocol.New(conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Dispatch(ctx)

	resp, err := mux.Request(context.Background(), protocol.TypeKMSRequest,
		map[string]string{"operation": "list-keys"}, 2*time.Second)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if string(resp.Payload) == "" {
		t.Fatal("empty response payload")
	}
}

func TestDial_TCPModeRefused(t *testing.T) {
	// Grab a free port and close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := uint32(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	if _, err := Dial(ModeTCP, 3, port); err == nil {
		t.Fatal("expected connection refused")
	}
}
