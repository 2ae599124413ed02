package network

import (
	"fmt"
	"net"
)

// Dial connects to a peer, runs the hello exchange, and returns a ready
// PeerConnection.
func Dial(address string, options Options) (*PeerConnection, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", address, opts.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	identity, err := exchangeHello(conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return newPeerConnection(conn, identity, opts.connectionOptions()), nil
}
