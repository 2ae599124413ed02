package network

import (
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrHandshakeTimeout indicates the hello exchange did not finish in time.
	ErrHandshakeTimeout = errors.New("network: handshake timeout")
	// ErrSelfConnection indicates the remote hello carried our own peer id.
	ErrSelfConnection = errors.New("network: connection to self")
	// ErrInvalidHello indicates a hello with missing identity fields.
	ErrInvalidHello = errors.New("network: invalid hello")
)

// LocalIdentity contains the local values announced during the hello exchange.
type LocalIdentity struct {
	ID         string
	Nickname   string
	ListenPort int
}

// Options configures handshake and session behavior for Listen and Dial.
type Options struct {
	Identity LocalIdentity

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadPollInterval time.Duration
	InboundBuffer    int
}

func (o Options) withDefaults() Options {
	out := o
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.ReadPollInterval <= 0 {
		out.ReadPollInterval = DefaultReadPollInterval
	}
	return out
}

func (o Options) validateIdentity() error {
	if o.Identity.ID == "" {
		return errors.New("local peer ID is required")
	}
	if o.Identity.Nickname == "" {
		return errors.New("local nickname is required")
	}
	return nil
}

func (o Options) connectionOptions() ConnectionOptions {
	return ConnectionOptions{
		WriteTimeout:     o.WriteTimeout,
		ReadPollInterval: o.ReadPollInterval,
		InboundBuffer:    o.InboundBuffer,
	}
}

// exchangeHello runs the symmetric hello exchange on a fresh connection.
// Both sides write their hello first and then read the remote one, so the
// exchange cannot deadlock regardless of who dialed.
func exchangeHello(conn net.Conn, opts Options) (PeerIdentity, error) {
	deadline := time.Now().Add(opts.HandshakeTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return PeerIdentity{}, fmt.Errorf("set handshake deadline: %w", err)
	}

	if err := WriteMessage(conn, Hello{
		PeerID:          opts.Identity.ID,
		Nickname:        opts.Identity.Nickname,
		ListenPort:      opts.Identity.ListenPort,
		ProtocolVersion: ProtocolVersion,
	}); err != nil {
		return PeerIdentity{}, wrapHandshakeErr(fmt.Errorf("send hello: %w", err))
	}

	msg, err := ReadMessage(conn)
	if err != nil {
		return PeerIdentity{}, wrapHandshakeErr(fmt.Errorf("read hello: %w", err))
	}

	hello, ok := msg.(Hello)
	if !ok {
		return PeerIdentity{}, fmt.Errorf("%w: expected hello, got %s", ErrInvalidHello, msg.MessageType())
	}
	if hello.ProtocolVersion != ProtocolVersion {
		return PeerIdentity{}, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, hello.ProtocolVersion, ProtocolVersion)
	}
	if hello.PeerID == "" {
		return PeerIdentity{}, fmt.Errorf("%w: empty peer id", ErrInvalidHello)
	}
	if hello.PeerID == opts.Identity.ID {
		return PeerIdentity{}, ErrSelfConnection
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return PeerIdentity{}, fmt.Errorf("clear handshake deadline: %w", err)
	}

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}

	return PeerIdentity{
		ID:         hello.PeerID,
		Nickname:   hello.Nickname,
		Address:    host,
		ListenPort: hello.ListenPort,
	}, nil
}

func wrapHandshakeErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrHandshakeTimeout
	}
	return err
}
