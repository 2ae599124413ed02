package discovery

import (
	"sort"
	"sync"
	"time"
)

const (
	// EventPeerUpserted is emitted when a peer appears or metadata changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a previously seen peer expires.
	EventPeerRemoved EventType = "peer_removed"

	// SourceBroadcast marks peers found via UDP broadcast.
	SourceBroadcast = "broadcast"
	// SourceMDNS marks peers found via mDNS.
	SourceMDNS = "mdns"
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates for consumers.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer is a LAN endpoint seen by one of the discovery backends.
type DiscoveredPeer struct {
	PeerID   string
	Nickname string
	Address  string
	Port     int
	Source   string
	LastSeen time.Time
}

// peerTable is the shared last-seen table both backends feed. Expired
// entries are pruned lazily on read and on each announce tick.
type peerTable struct {
	mu     sync.Mutex
	peers  map[string]DiscoveredPeer
	expiry time.Duration
	events chan Event
}

func newPeerTable(expiry time.Duration) *peerTable {
	return &peerTable{
		peers:  make(map[string]DiscoveredPeer),
		expiry: expiry,
		events: make(chan Event, 128),
	}
}

func (t *peerTable) upsert(peer DiscoveredPeer) {
	peer.LastSeen = time.Now()

	t.mu.Lock()
	old, exists := t.peers[peer.PeerID]
	t.peers[peer.PeerID] = peer
	t.mu.Unlock()

	if !exists || !peersEqual(old, peer) {
		t.emit(Event{Type: EventPeerUpserted, Peer: peer})
	}
}

func (t *peerTable) snapshot() []DiscoveredPeer {
	t.prune()

	t.mu.Lock()
	out := make([]DiscoveredPeer, 0, len(t.peers))
	for _, peer := range t.peers {
		out = append(out, peer)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Nickname == out[j].Nickname {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].Nickname < out[j].Nickname
	})
	return out
}

func (t *peerTable) prune() {
	cutoff := time.Now().Add(-t.expiry)

	t.mu.Lock()
	var removed []DiscoveredPeer
	for id, peer := range t.peers {
		if peer.LastSeen.Before(cutoff) {
			delete(t.peers, id)
			removed = append(removed, peer)
		}
	}
	t.mu.Unlock()

	for _, peer := range removed {
		t.emit(Event{Type: EventPeerRemoved, Peer: peer})
	}
}

func (t *peerTable) emit(event Event) {
	select {
	case t.events <- event:
	default:
	}
}

func peersEqual(a, b DiscoveredPeer) bool {
	return a.PeerID == b.PeerID &&
		a.Nickname == b.Nickname &&
		a.Address == b.Address &&
		a.Port == b.Port &&
		a.Source == b.Source
}
