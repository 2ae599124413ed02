package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionState represents the lifecycle state of one peer session.
type SessionState string

const (
	StateConnecting    SessionState = "CONNECTING"
	StateConnected     SessionState = "CONNECTED"
	StateDisconnecting SessionState = "DISCONNECTING"
	StateClosed        SessionState = "CLOSED"
)

// PeerIdentity describes the remote side of an established session.
type PeerIdentity struct {
	ID         string
	Nickname   string
	Address    string
	ListenPort int
}

// ConnectionOptions controls runtime behavior of PeerConnection.
type ConnectionOptions struct {
	WriteTimeout     time.Duration
	ReadPollInterval time.Duration
	InboundBuffer    int
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.ReadPollInterval <= 0 {
		o.ReadPollInterval = DefaultReadPollInterval
	}
	if o.InboundBuffer <= 0 {
		o.InboundBuffer = 64
	}
	return o
}

// PeerConnection manages a framed TCP session with one peer after the
// hello exchange has completed. All writes are serialized; a single
// read loop owns the socket's read side.
type PeerConnection struct {
	conn     net.Conn
	identity PeerIdentity

	sendMu           sync.Mutex
	writeTimeout     time.Duration
	readPollInterval time.Duration

	stateMu sync.RWMutex
	state   SessionState

	inbound chan Message

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error

	log *logrus.Entry
}

func newPeerConnection(conn net.Conn, identity PeerIdentity, options ConnectionOptions) *PeerConnection {
	options = options.withDefaults()

	pc := &PeerConnection{
		conn:             conn,
		identity:         identity,
		writeTimeout:     options.WriteTimeout,
		readPollInterval: options.ReadPollInterval,
		inbound:          make(chan Message, options.InboundBuffer),
		closed:           make(chan struct{}),
		state:            StateConnected,
		log: logrus.WithFields(logrus.Fields{
			"peer_id": identity.ID,
			"remote":  conn.RemoteAddr().String(),
		}),
	}

	go pc.readLoop()
	return pc
}

// Identity returns the remote peer's identity.
func (pc *PeerConnection) Identity() PeerIdentity {
	return pc.identity
}

// State returns the current session state.
func (pc *PeerConnection) State() SessionState {
	pc.stateMu.RLock()
	defer pc.stateMu.RUnlock()
	return pc.state
}

// Done is closed when the session is fully closed.
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.closed
}

// LastError returns the terminal session error, if any.
func (pc *PeerConnection) LastError() error {
	pc.errMu.RLock()
	defer pc.errMu.RUnlock()
	return pc.closeErr
}

// Send writes one message as a single frame. Concurrent callers are
// serialized so frames never interleave.
func (pc *PeerConnection) Send(msg Message) error {
	if pc.State() == StateClosed {
		if err := pc.LastError(); err != nil {
			return err
		}
		return io.EOF
	}

	pc.sendMu.Lock()
	defer pc.sendMu.Unlock()

	if err := pc.conn.SetWriteDeadline(time.Now().Add(pc.writeTimeout)); err != nil {
		pc.closeWithError(fmt.Errorf("set write deadline: %w", err))
		return err
	}
	if err := WriteMessage(pc.conn, msg); err != nil {
		pc.closeWithError(err)
		return err
	}
	return nil
}

// Receive waits for the next inbound message.
func (pc *PeerConnection) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-pc.inbound:
		return msg, nil
	case <-pc.closed:
		if err := pc.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect sends a best-effort Bye and closes the session.
func (pc *PeerConnection) Disconnect(reason string) error {
	pc.setState(StateDisconnecting)
	_ = pc.Send(Bye{Reason: reason})
	return pc.Close()
}

// Close terminates the session without notifying the peer.
func (pc *PeerConnection) Close() error {
	pc.closeWithError(nil)
	return nil
}

func (pc *PeerConnection) readLoop() {
	for {
		select {
		case <-pc.closed:
			return
		default:
		}

		msg, err := ReadMessageWithTimeout(pc.conn, pc.readPollInterval)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				pc.closeWithError(nil)
				return
			}

			// Framing and decode errors are unrecoverable: the stream
			// position is lost, so the session ends here.
			pc.log.WithError(err).Debug("session read failed")
			pc.closeWithError(fmt.Errorf("read message: %w", err))
			return
		}

		if _, ok := msg.(Bye); ok {
			pc.setState(StateDisconnecting)
			pc.closeWithError(nil)
			return
		}

		select {
		case pc.inbound <- msg:
		case <-pc.closed:
			return
		}
	}
}

func (pc *PeerConnection) setState(state SessionState) {
	pc.stateMu.Lock()
	defer pc.stateMu.Unlock()
	if pc.state == StateClosed {
		return
	}
	pc.state = state
}

func (pc *PeerConnection) closeWithError(err error) {
	pc.closeOnce.Do(func() {
		pc.errMu.Lock()
		pc.closeErr = err
		pc.errMu.Unlock()

		pc.stateMu.Lock()
		pc.state = StateClosed
		pc.stateMu.Unlock()

		_ = pc.conn.Close()
		close(pc.closed)
	})
}
