package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultEventBuffer = 256
	defaultAckTimeout  = 2 * time.Minute
)

var (
	// ErrUnknownPeer indicates no live session exists for the peer id.
	ErrUnknownPeer = errors.New("network: unknown peer")
	// ErrAlreadyConnected indicates a live session for the peer id already exists.
	ErrAlreadyConnected = errors.New("network: peer already connected")
	// ErrManagerStopped indicates the manager is not running.
	ErrManagerStopped = errors.New("network: manager stopped")
)

// ManagerOptions configures peer session management.
type ManagerOptions struct {
	Identity LocalIdentity

	ListenAddress string
	DownloadDir   string

	ChunkSize         int
	ChecksumAlgorithm string
	AckTimeout        time.Duration

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadPollInterval time.Duration

	EventBuffer int
}

// Manager owns the listener and all live peer sessions. It exposes sends
// keyed by peer id and publishes observable state changes on Events.
type Manager struct {
	options ManagerOptions

	server *Server

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once

	connMu   sync.RWMutex
	sessions map[string]*PeerConnection

	dialMu  sync.Mutex
	dialing map[string]*dialCall

	fileMu           sync.Mutex
	inboundTransfers map[string]*inboundTransfer
	outboundQueues   map[string]*outboundQueue
	transferReplies  map[string]chan Message

	events chan Event
	errors chan error

	log *logrus.Entry
}

// dialCall deduplicates concurrent Connect calls to one address.
type dialCall struct {
	done     chan struct{}
	identity PeerIdentity
	err      error
}

// NewManager creates a manager with validated configuration.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.Identity.ID == "" {
		return nil, errors.New("identity.id is required")
	}
	if options.Identity.Nickname == "" {
		return nil, errors.New("identity.nickname is required")
	}
	if options.DownloadDir == "" {
		options.DownloadDir = "./downloads"
	}
	if options.ChunkSize <= 0 {
		options.ChunkSize = DefaultChunkSize
	}
	if options.ChecksumAlgorithm == "" {
		options.ChecksumAlgorithm = AlgorithmSHA256
	}
	if _, err := newChecksum(options.ChecksumAlgorithm); err != nil {
		return nil, err
	}
	if options.AckTimeout <= 0 {
		options.AckTimeout = defaultAckTimeout
	}
	if options.EventBuffer <= 0 {
		options.EventBuffer = defaultEventBuffer
	}

	return &Manager{
		options:          options,
		sessions:         make(map[string]*PeerConnection),
		dialing:          make(map[string]*dialCall),
		inboundTransfers: make(map[string]*inboundTransfer),
		outboundQueues:   make(map[string]*outboundQueue),
		transferReplies:  make(map[string]chan Message),
		events:           make(chan Event, options.EventBuffer),
		errors:           make(chan error, 64),
		log:              logrus.WithField("peer_id", options.Identity.ID),
	}, nil
}

// Start begins listening for inbound sessions.
func (m *Manager) Start() error {
	if m.ctx != nil {
		return nil
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())

	server, err := Listen(m.options.ListenAddress, m.sessionOptions())
	if err != nil {
		return err
	}
	m.server = server

	if m.options.Identity.ListenPort == 0 {
		if tcpAddr, ok := server.Addr().(*net.TCPAddr); ok {
			m.options.Identity.ListenPort = tcpAddr.Port
		}
	}

	m.wg.Add(1)
	go m.serverLoop()

	m.log.WithField("addr", server.Addr().String()).Info("peer manager listening")
	return nil
}

// Stop closes the listener, all sessions, and the event channel.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel == nil {
			return
		}

		m.cancel()
		if m.server != nil {
			_ = m.server.Close()
		}

		m.connMu.Lock()
		for _, conn := range m.sessions {
			_ = conn.Close()
		}
		m.connMu.Unlock()

		m.wg.Wait()
		close(m.events)
		close(m.errors)
	})
}

// Addr returns the listening address.
func (m *Manager) Addr() net.Addr {
	if m.server == nil {
		return nil
	}
	return m.server.Addr()
}

// ListenPort returns the bound TCP port.
func (m *Manager) ListenPort() int {
	return m.options.Identity.ListenPort
}

// Events returns the manager's event stream. It is closed by Stop.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Errors returns asynchronous manager/server errors.
func (m *Manager) Errors() <-chan error {
	return m.errors
}

// Connect dials a peer and registers the session. Concurrent calls for the
// same address share one dial; connecting to an already-connected peer
// returns the existing session's identity.
func (m *Manager) Connect(address string) (PeerIdentity, error) {
	if m.ctx == nil || m.ctx.Err() != nil {
		return PeerIdentity{}, ErrManagerStopped
	}

	m.dialMu.Lock()
	if call, inFlight := m.dialing[address]; inFlight {
		m.dialMu.Unlock()
		select {
		case <-call.done:
			return call.identity, call.err
		case <-m.ctx.Done():
			return PeerIdentity{}, ErrManagerStopped
		}
	}
	call := &dialCall{done: make(chan struct{})}
	m.dialing[address] = call
	m.dialMu.Unlock()

	call.identity, call.err = m.dialAndRegister(address)

	m.dialMu.Lock()
	delete(m.dialing, address)
	m.dialMu.Unlock()
	close(call.done)

	return call.identity, call.err
}

func (m *Manager) dialAndRegister(address string) (PeerIdentity, error) {
	conn, err := Dial(address, m.sessionOptions())
	if err != nil {
		return PeerIdentity{}, err
	}

	identity, err := m.registerSession(conn)
	if errors.Is(err, ErrAlreadyConnected) {
		return identity, nil
	}
	if err != nil {
		return PeerIdentity{}, err
	}
	return identity, nil
}

// Disconnect sends Bye and tears down the session for a peer.
func (m *Manager) Disconnect(peerID string) error {
	conn := m.getSession(peerID)
	if conn == nil {
		return fmt.Errorf("%w: %q", ErrUnknownPeer, peerID)
	}
	return conn.Disconnect("")
}

// Peers returns identities of all live sessions sorted by nickname.
func (m *Manager) Peers() []PeerIdentity {
	m.connMu.RLock()
	out := make([]PeerIdentity, 0, len(m.sessions))
	for _, conn := range m.sessions {
		out = append(out, conn.Identity())
	}
	m.connMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Nickname != out[j].Nickname {
			return out[i].Nickname < out[j].Nickname
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Peer returns the identity for a live session.
func (m *Manager) Peer(peerID string) (PeerIdentity, bool) {
	conn := m.getSession(peerID)
	if conn == nil {
		return PeerIdentity{}, false
	}
	return conn.Identity(), true
}

// SendText sends one chat message to a peer.
func (m *Manager) SendText(peerID, body string) error {
	conn := m.getSession(peerID)
	if conn == nil {
		return fmt.Errorf("%w: %q", ErrUnknownPeer, peerID)
	}
	return conn.Send(Text{Body: body, Timestamp: time.Now().UnixMilli()})
}

// Broadcast sends one chat message to every live session. A failed send
// emits EventSendFailed for that peer and never aborts the others. The
// return value is the number of peers the message was written to.
func (m *Manager) Broadcast(body string) int {
	m.connMu.RLock()
	conns := make([]*PeerConnection, 0, len(m.sessions))
	for _, conn := range m.sessions {
		conns = append(conns, conn)
	}
	m.connMu.RUnlock()

	msg := Text{Body: body, Timestamp: time.Now().UnixMilli()}
	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(msg); err != nil {
			m.emit(Event{
				Type:      EventSendFailed,
				Peer:      conn.Identity(),
				Body:      body,
				Timestamp: time.Now(),
				Err:       err,
			})
			continue
		}
		delivered++
	}
	return delivered
}

func (m *Manager) serverLoop() {
	defer m.wg.Done()
	for {
		select {
		case conn, ok := <-m.server.Incoming():
			if !ok {
				return
			}
			if _, err := m.registerSession(conn); err != nil {
				m.log.WithError(err).WithField("remote_peer", conn.Identity().ID).
					Debug("dropping duplicate inbound session")
			}
		case err, ok := <-m.server.Errors():
			if !ok {
				return
			}
			m.reportError(err)
		case <-m.ctx.Done():
			return
		}
	}
}

// registerSession admits a handshaked connection. At most one session per
// peer id may exist; a duplicate is closed and the existing identity is
// returned with ErrAlreadyConnected.
func (m *Manager) registerSession(conn *PeerConnection) (PeerIdentity, error) {
	identity := conn.Identity()

	m.connMu.Lock()
	if existing, exists := m.sessions[identity.ID]; exists {
		m.connMu.Unlock()
		_ = conn.Close()
		return existing.Identity(), fmt.Errorf("%w: %q", ErrAlreadyConnected, identity.ID)
	}
	m.sessions[identity.ID] = conn
	m.connMu.Unlock()

	m.wg.Add(1)
	go m.sessionLoop(conn)

	m.emit(Event{Type: EventPeerConnected, Peer: identity, Timestamp: time.Now()})
	m.log.WithFields(logrus.Fields{
		"remote_peer": identity.ID,
		"nickname":    identity.Nickname,
	}).Info("session established")

	return identity, nil
}

// sessionLoop dispatches inbound messages for one session until it closes.
func (m *Manager) sessionLoop(conn *PeerConnection) {
	defer m.wg.Done()

	identity := conn.Identity()
	for {
		msg, err := conn.Receive(m.ctx)
		if err != nil {
			break
		}

		switch msg := msg.(type) {
		case Text:
			m.emit(Event{
				Type:      EventMessageReceived,
				Peer:      identity,
				Body:      msg.Body,
				Timestamp: time.UnixMilli(msg.Timestamp),
			})
		case FileInit:
			m.handleFileInit(conn, msg)
		case FileChunk:
			m.handleFileChunk(conn, msg)
		case FileEnd:
			m.handleFileEnd(conn, msg)
		case FileAck:
			m.dispatchTransferReply(msg.TransferID, msg)
		case FileError:
			if !m.dispatchTransferReply(msg.TransferID, msg) {
				m.handlePeerFileError(conn, msg)
			}
		case Hello:
			// A hello after session establishment is a protocol violation.
			m.reportError(fmt.Errorf("unexpected hello from %q", identity.ID))
			_ = conn.Close()
		}
	}

	_ = conn.Close()
	m.cleanupSession(conn)
}

func (m *Manager) cleanupSession(conn *PeerConnection) {
	identity := conn.Identity()

	m.connMu.Lock()
	current := m.sessions[identity.ID]
	if current == conn {
		delete(m.sessions, identity.ID)
	}
	m.connMu.Unlock()

	// A replaced session must not tear down the state of its successor.
	if current != conn {
		return
	}

	m.abortInboundForPeer(identity, "session closed")
	m.failQueuedTransfers(identity)

	m.emit(Event{
		Type:      EventPeerDisconnected,
		Peer:      identity,
		Timestamp: time.Now(),
		Err:       conn.LastError(),
	})
	m.log.WithField("remote_peer", identity.ID).Info("session closed")
}

func (m *Manager) getSession(peerID string) *PeerConnection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.sessions[peerID]
}

func (m *Manager) sessionOptions() Options {
	return Options{
		Identity:         m.options.Identity,
		ConnectTimeout:   m.options.ConnectTimeout,
		HandshakeTimeout: m.options.HandshakeTimeout,
		WriteTimeout:     m.options.WriteTimeout,
		ReadPollInterval: m.options.ReadPollInterval,
	}
}

// emit publishes one event without ever blocking a session goroutine. A
// full consumer drops the event.
func (m *Manager) emit(event Event) {
	select {
	case m.events <- event:
	default:
	}
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case m.errors <- err:
	default:
	}
}
