package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultBroadcastPort is the UDP port announcements are sent to.
	DefaultBroadcastPort = 35000
	// DefaultAnnounceInterval is the periodic announcement interval.
	DefaultAnnounceInterval = 5 * time.Second
	// DefaultPeerExpiry removes peers not heard from within this window.
	DefaultPeerExpiry = 30 * time.Second
	// readPollInterval is the UDP read deadline used to poll for shutdown.
	readPollInterval = time.Second

	maxAnnouncementSize = 4096
)

// announcement is the UDP broadcast payload.
type announcement struct {
	PeerID   string `json:"peer_id"`
	Nickname string `json:"nickname"`
	Port     int    `json:"port"`
}

// Config controls the discovery service.
type Config struct {
	SelfID   string
	Nickname string
	// ListenPort is the TCP chat port advertised to other peers.
	ListenPort int

	BroadcastPort    int
	AnnounceInterval time.Duration
	PeerExpiry       time.Duration

	EnableMDNS bool

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.BroadcastPort <= 0 {
		out.BroadcastPort = DefaultBroadcastPort
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = DefaultAnnounceInterval
	}
	if out.PeerExpiry <= 0 {
		out.PeerExpiry = DefaultPeerExpiry
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.SelfID) == "" {
		return errors.New("discovery: self peer ID is required")
	}
	if strings.TrimSpace(c.Nickname) == "" {
		return errors.New("discovery: nickname is required")
	}
	if c.ListenPort <= 0 {
		return errors.New("discovery: listen port must be > 0")
	}
	return nil
}

// Service announces local presence over UDP broadcast and collects
// announcements from other peers. An optional mDNS backend feeds the
// same peer table.
type Service struct {
	cfg   Config
	table *peerTable

	listener *net.UDPConn
	sender   *net.UDPConn

	mdns *mdnsBackend

	announceNow chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	log *logrus.Entry
}

// New creates a discovery service with config defaults applied.
func New(config Config) (*Service, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Service{
		cfg:         cfg,
		table:       newPeerTable(cfg.PeerExpiry),
		announceNow: make(chan struct{}, 1),
		log:         logrus.WithField("component", "discovery"),
	}, nil
}

// Start binds the broadcast sockets and begins the announce and listen
// loops. A bind failure is returned; the caller decides whether the node
// keeps running without discovery.
func (s *Service) Start() error {
	var startErr error
	s.startOnce.Do(func() {
		listener, err := net.ListenUDP("udp4", &net.UDPAddr{
			IP:   net.IPv4zero,
			Port: s.cfg.BroadcastPort,
		})
		if err != nil {
			startErr = fmt.Errorf("discovery: bind broadcast port %d: %w", s.cfg.BroadcastPort, err)
			return
		}
		s.listener = listener

		sender, err := net.DialUDP("udp4", nil, &net.UDPAddr{
			IP:   net.IPv4bcast,
			Port: s.cfg.BroadcastPort,
		})
		if err != nil {
			_ = listener.Close()
			s.listener = nil
			startErr = fmt.Errorf("discovery: open broadcast sender: %w", err)
			return
		}
		s.sender = sender

		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(2)
		go s.announceLoop()
		go s.listenLoop()

		if s.cfg.EnableMDNS {
			mdns, err := startMDNS(s.ctx, s.cfg, s.table, &s.wg)
			if err != nil {
				s.log.WithError(err).Warn("mdns backend unavailable")
			} else {
				s.mdns = mdns
			}
		}

		s.log.WithField("port", s.cfg.BroadcastPort).Info("discovery started")
	})
	return startErr
}

// Stop shuts down both backends and closes the event channel.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		if s.sender != nil {
			_ = s.sender.Close()
		}
		if s.mdns != nil {
			s.mdns.stop()
		}
		s.wg.Wait()
		close(s.table.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *Service) Events() <-chan Event {
	return s.table.events
}

// Peers returns the current discovered peer snapshot, expired entries
// removed, sorted by nickname.
func (s *Service) Peers() []DiscoveredPeer {
	return s.table.snapshot()
}

// Announce triggers an immediate announcement outside the regular interval.
func (s *Service) Announce() {
	select {
	case s.announceNow <- struct{}{}:
	default:
	}
}

func (s *Service) announceLoop() {
	defer s.wg.Done()

	payload, err := json.Marshal(announcement{
		PeerID:   s.cfg.SelfID,
		Nickname: s.cfg.Nickname,
		Port:     s.cfg.ListenPort,
	})
	if err != nil {
		s.log.WithError(err).Warn("marshal announcement")
		return
	}

	send := func() {
		if _, err := s.sender.Write(payload); err != nil {
			select {
			case <-s.ctx.Done():
			default:
				s.log.WithError(err).Debug("broadcast announcement failed")
			}
		}
	}

	send()

	ticker := time.NewTicker(s.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			send()
			s.table.prune()
		case <-s.announceNow:
			send()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) listenLoop() {
	defer s.wg.Done()

	buffer := make([]byte, maxAnnouncementSize)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := s.listener.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			return
		}
		n, src, err := s.listener.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Debug("broadcast read failed")
			continue
		}

		var ann announcement
		if err := json.Unmarshal(buffer[:n], &ann); err != nil {
			continue
		}
		// Our own announcements loop back on the broadcast address.
		if ann.PeerID == "" || ann.PeerID == s.cfg.SelfID {
			continue
		}
		if ann.Port <= 0 || ann.Port > 65535 {
			continue
		}

		nickname := ann.Nickname
		if nickname == "" {
			nickname = ann.PeerID
		}

		s.table.upsert(DiscoveredPeer{
			PeerID:   ann.PeerID,
			Nickname: nickname,
			Address:  src.IP.String(),
			Port:     ann.Port,
			Source:   SourceBroadcast,
		})
	}
}
