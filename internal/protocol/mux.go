package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/treza-labs/enclave-proxy/internal/logging"
	"github.com/treza-labs/enclave-proxy/internal/metrics"
)

// Mux multiplexes request/response exchanges from many concurrent callers
// over the single parent connection. Frames are written whole under the
// writer lock; responses are routed back to waiters by correlation ID.
//
// The wire is never reconnected. Once the dispatcher observes EOF or a read
// error the mux is closed for good: outstanding and future requests fail
// with ErrBrokenPipe and Connected reports false.
type Mux struct {
	conn net.Conn

	// wmu serializes frame writes; held for exactly one frame.
	wmu sync.Mutex

	// mu guards pending and closed; never held across a wait.
	mu      sync.Mutex
	pending map[string]chan *Message
	closed  bool

	connected atomic.Bool
}

// New wraps an established parent connection. The caller is expected to send
// the handshake, mark the link up with SetConnected, and start Dispatch.
func New(conn net.Conn) *Mux {
	return &Mux{
		conn:    conn,
		pending: make(map[string]chan *Message),
	}
}

// Connected reports whether the parent link is believed up. This is a health
// hint, not synchronization.
func (m *Mux) Connected() bool { return m.connected.Load() }

// SetConnected records the link state after the handshake.
func (m *Mux) SetConnected(up bool) {
	m.connected.Store(up)
	metrics.SetVsockConnected(up)
}

// Close tears down the connection. The dispatcher observes the closed conn
// and fails outstanding waiters.
func (m *Mux) Close() error { return m.conn.Close() }

// Send serializes one frame under the writer lock. Fire-and-forget: no
// pending entry is registered.
func (m *Mux) Send(msg *Message) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	if err := WriteMessage(m.conn, msg); err != nil {
		return err
	}
	metrics.RecordFrameSent(msg.Type)
	return nil
}

// Request sends a frame and waits for the response carrying the same ID,
// bounded by timeout. The pending entry is registered before the frame is
// written so a fast response cannot be dropped. Exactly one side removes the
// entry: the dispatcher on delivery or when it tears down, or this function
// on timeout, cancellation or send failure.
func (m *Mux) Request(ctx context.Context, msgType string, payload any, timeout time.Duration) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	id := NextRequestID()
	ch := make(chan *Message, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrBrokenPipe
	}
	m.pending[id] = ch
	m.mu.Unlock()
	metrics.IncInFlight()

	start := time.Now()
	defer func() {
		metrics.DecInFlight()
		metrics.RecordRequestLatency(msgType, float64(time.Since(start).Microseconds())/1000.0)
	}()

	if err := m.Send(&Message{Type: msgType, ID: id, Payload: data}); err != nil {
		m.remove(id)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrBrokenPipe
		}
		return resp, nil
	case <-ctx.Done():
		m.remove(id)
		// A response may have raced in between the deadline firing and the
		// removal; prefer it over the error.
		select {
		case resp, ok := <-ch:
			if ok {
				return resp, nil
			}
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s after %s", ErrTimedOut, msgType, id, timeout)
		}
		return nil, ctx.Err()
	}
}

func (m *Mux) remove(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// Dispatch is the response dispatcher: the single long-lived reader of the
// parent connection. It routes each inbound message to the waiter registered
// under its ID and silently drops messages nobody is waiting for. It returns
// when the wire closes, a frame fails to decode, or ctx is cancelled; in all
// cases the mux is closed and every outstanding waiter observes
// ErrBrokenPipe.
func (m *Mux) Dispatch(ctx context.Context) {
	// Cancelling ctx interrupts the blocked read without closing the conn:
	// the writer side stays usable so the final log frames of a shutdown
	// still reach the parent.
	stop := context.AfterFunc(ctx, func() { m.conn.SetReadDeadline(time.Now()) })
	defer stop()
	defer m.teardown()

	for {
		msg, err := ReadMessage(m.conn)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				logging.Op().Info("dispatcher stopped", "reason", "shutdown")
			case errors.Is(err, io.EOF):
				logging.Op().Warn("parent connection closed")
			default:
				logging.Op().Error("parent read failed", "error", err)
			}
			return
		}
		metrics.RecordFrameReceived(msg.Type)

		m.mu.Lock()
		ch, ok := m.pending[msg.ID]
		if ok {
			delete(m.pending, msg.ID)
		}
		m.mu.Unlock()

		if !ok {
			logging.Op().Debug("dropping response with no waiter", "id", msg.ID, "type", msg.Type)
			continue
		}
		ch <- msg
	}
}

// teardown marks the mux dead and wakes every outstanding waiter.
func (m *Mux) teardown() {
	m.connected.Store(false)
	metrics.SetVsockConnected(false)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, ch := range m.pending {
		delete(m.pending, id)
		close(ch)
	}
}
