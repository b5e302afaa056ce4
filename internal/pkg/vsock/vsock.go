// Package vsock brings up the byte stream to the parent proxy. This is the
// only nonportable corner of the agent: inside the enclave the stream is an
// AF_VSOCK socket to the host context ID; on a workstation TREZA_AGENT_MODE
// can switch it to plain TCP against a parent simulator. Either way callers
// get a net.Conn already integrated with the runtime poller and know nothing
// about message semantics.
package vsock

import (
	"fmt"
	"net"

	mdvsock "github.com/mdlayher/vsock"

	"github.com/treza-labs/enclave-proxy/internal/logging"
)

// ModeTCP selects the TCP dev transport instead of AF_VSOCK.
const ModeTCP = "tcp"

// Dial connects to the parent proxy. On platforms without vsock support the
// kernel reports address-family-not-supported, which surfaces here as an
// ordinary dial error for the caller's retry loop.
func Dial(mode string, cid, port uint32) (net.Conn, error) {
	if mode == ModeTCP {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		logging.Op().Debug("dialing parent over tcp", "addr", addr)
		return net.Dial("tcp", addr)
	}

	conn, err := mdvsock.Dial(cid, port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsock dial cid=%d port=%d: %w", cid, port, err)
	}
	return conn, nil
}
