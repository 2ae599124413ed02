package discovery

import (
	"testing"
	"time"
)

func drainEvent(t *testing.T, events chan Event) Event {
	t.Helper()

	select {
	case event := <-events:
		return event
	case <-time.After(time.Second):
		t.Fatal("expected a discovery event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, events chan Event) {
	t.Helper()

	select {
	case event := <-events:
		t.Fatalf("unexpected event %+v", event)
	default:
	}
}

func TestPeerTableUpsertEmitsOnNewAndChangedPeers(t *testing.T) {
	table := newPeerTable(time.Minute)

	peer := DiscoveredPeer{
		PeerID:   "peer-1",
		Nickname: "alice",
		Address:  "192.168.1.10",
		Port:     9990,
		Source:   SourceBroadcast,
	}

	table.upsert(peer)
	event := drainEvent(t, table.events)
	if event.Type != EventPeerUpserted || event.Peer.PeerID != "peer-1" {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Peer.LastSeen.IsZero() {
		t.Fatal("upsert must stamp LastSeen")
	}

	// A repeat announcement with unchanged metadata refreshes LastSeen quietly.
	table.upsert(peer)
	assertNoEvent(t, table.events)

	peer.Port = 9991
	table.upsert(peer)
	changed := drainEvent(t, table.events)
	if changed.Type != EventPeerUpserted || changed.Peer.Port != 9991 {
		t.Fatalf("unexpected event %+v", changed)
	}
}

func TestPeerTablePrunesExpiredPeers(t *testing.T) {
	table := newPeerTable(20 * time.Millisecond)

	table.upsert(DiscoveredPeer{PeerID: "peer-1", Nickname: "alice", Address: "10.0.0.1", Port: 1, Source: SourceBroadcast})
	drainEvent(t, table.events)

	time.Sleep(50 * time.Millisecond)

	if peers := table.snapshot(); len(peers) != 0 {
		t.Fatalf("expected expired peer to be pruned, got %+v", peers)
	}
	removed := drainEvent(t, table.events)
	if removed.Type != EventPeerRemoved || removed.Peer.PeerID != "peer-1" {
		t.Fatalf("unexpected event %+v", removed)
	}
}

func TestPeerTableSnapshotSortedByNickname(t *testing.T) {
	table := newPeerTable(time.Minute)

	table.upsert(DiscoveredPeer{PeerID: "peer-z", Nickname: "zoe", Address: "10.0.0.1", Port: 1, Source: SourceBroadcast})
	table.upsert(DiscoveredPeer{PeerID: "peer-a", Nickname: "alice", Address: "10.0.0.2", Port: 2, Source: SourceBroadcast})
	table.upsert(DiscoveredPeer{PeerID: "peer-m", Nickname: "mike", Address: "10.0.0.3", Port: 3, Source: SourceMDNS})

	peers := table.snapshot()
	if len(peers) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(peers))
	}
	if peers[0].Nickname != "alice" || peers[1].Nickname != "mike" || peers[2].Nickname != "zoe" {
		t.Fatalf("snapshot not sorted: %+v", peers)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Nickname: "alice", ListenPort: 9990}); err == nil {
		t.Fatal("expected error for missing self ID")
	}
	if _, err := New(Config{SelfID: "peer-1", ListenPort: 9990}); err == nil {
		t.Fatal("expected error for missing nickname")
	}
	if _, err := New(Config{SelfID: "peer-1", Nickname: "alice"}); err == nil {
		t.Fatal("expected error for missing listen port")
	}

	service, err := New(Config{SelfID: "peer-1", Nickname: "alice", ListenPort: 9990})
	if err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if service.cfg.BroadcastPort != DefaultBroadcastPort {
		t.Fatalf("expected default broadcast port, got %d", service.cfg.BroadcastPort)
	}
	if service.cfg.AnnounceInterval != DefaultAnnounceInterval || service.cfg.PeerExpiry != DefaultPeerExpiry {
		t.Fatalf("defaults not applied: %+v", service.cfg)
	}
}
