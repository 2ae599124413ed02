package network

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestManager(t *testing.T, id, nickname string) *Manager {
	t.Helper()

	manager, err := NewManager(ManagerOptions{
		Identity:         LocalIdentity{ID: id, Nickname: nickname},
		ListenAddress:    "127.0.0.1:0",
		DownloadDir:      t.TempDir(),
		ChunkSize:        32 * 1024,
		AckTimeout:       5 * time.Second,
		ConnectTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     2 * time.Second,
		ReadPollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new manager %q: %v", id, err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("start manager %q: %v", id, err)
	}
	t.Cleanup(manager.Stop)
	return manager
}

// waitForEvent drains the manager's event stream until a matching event
// arrives or the timeout expires.
func waitForEvent(t *testing.T, m *Manager, eventType EventType) Event {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-m.Events():
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", eventType)
			}
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
		}
	}
}

func TestManagerConnectAndSendText(t *testing.T) {
	a := newTestManager(t, "peer-a", "alice")
	b := newTestManager(t, "peer-b", "bob")

	identity, err := a.Connect(b.Addr().String())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if identity.ID != "peer-b" {
		t.Fatalf("expected peer-b, got %q", identity.ID)
	}

	waitForEvent(t, a, EventPeerConnected)
	connected := waitForEvent(t, b, EventPeerConnected)
	if connected.Peer.ID != "peer-a" {
		t.Fatalf("listener saw wrong peer %q", connected.Peer.ID)
	}

	if err := a.SendText("peer-b", "hello bob"); err != nil {
		t.Fatalf("send text: %v", err)
	}

	received := waitForEvent(t, b, EventMessageReceived)
	if received.Body != "hello bob" || received.Peer.ID != "peer-a" {
		t.Fatalf("unexpected message event %+v", received)
	}
}

func TestManagerConnectIsIdempotent(t *testing.T) {
	a := newTestManager(t, "peer-a", "alice")
	b := newTestManager(t, "peer-b", "bob")

	first, err := a.Connect(b.Addr().String())
	if err != nil {
		t.Fatalf("first connect: %v", err)
	}
	second, err := a.Connect(b.Addr().String())
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("identities differ: %q vs %q", first.ID, second.ID)
	}
	if peers := a.Peers(); len(peers) != 1 {
		t.Fatalf("expected 1 session, got %d", len(peers))
	}
}

func TestManagerConcurrentConnectsShareOneSession(t *testing.T) {
	a := newTestManager(t, "peer-a", "alice")
	b := newTestManager(t, "peer-b", "bob")

	address := b.Addr().String()
	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Connect(address)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	for err := range results {
		if err != nil {
			t.Fatalf("concurrent connect failed: %v", err)
		}
	}
	if peers := a.Peers(); len(peers) != 1 {
		t.Fatalf("expected 1 session after concurrent connects, got %d", len(peers))
	}
}

func TestManagerSendTextToUnknownPeer(t *testing.T) {
	a := newTestManager(t, "peer-a", "alice")

	if err := a.SendText("ghost", "anyone there"); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
	if err := a.Disconnect("ghost"); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer from disconnect, got %v", err)
	}
}

func TestManagerBroadcastReachesAllPeers(t *testing.T) {
	a := newTestManager(t, "peer-a", "alice")
	b := newTestManager(t, "peer-b", "bob")
	c := newTestManager(t, "peer-c", "carol")

	if _, err := a.Connect(b.Addr().String()); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	if _, err := a.Connect(c.Addr().String()); err != nil {
		t.Fatalf("connect c: %v", err)
	}

	delivered := a.Broadcast("hello everyone")
	if delivered != 2 {
		t.Fatalf("expected delivery to 2 peers, got %d", delivered)
	}

	for _, m := range []*Manager{b, c} {
		event := waitForEvent(t, m, EventMessageReceived)
		if event.Body != "hello everyone" {
			t.Fatalf("unexpected broadcast body %q", event.Body)
		}
	}
}

func TestManagerBroadcastSkipsBrokenPeer(t *testing.T) {
	a := newTestManager(t, "peer-a", "alice")
	b := newTestManager(t, "peer-b", "bob")

	if _, err := a.Connect(b.Addr().String()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Plant a session whose socket is already dead so the write fails.
	rawA, _ := tcpPair(t)
	dead := newPeerConnection(rawA, PeerIdentity{ID: "peer-dead", Nickname: "dead"}, testConnectionOptions())
	_ = dead.Close()
	a.connMu.Lock()
	a.sessions["peer-dead"] = dead
	a.connMu.Unlock()

	delivered := a.Broadcast("still standing")
	if delivered != 1 {
		t.Fatalf("expected delivery to 1 healthy peer, got %d", delivered)
	}

	failure := waitForEvent(t, a, EventSendFailed)
	if failure.Peer.ID != "peer-dead" || failure.Err == nil {
		t.Fatalf("unexpected failure event %+v", failure)
	}

	received := waitForEvent(t, b, EventMessageReceived)
	if received.Body != "still standing" {
		t.Fatalf("healthy peer missed the broadcast: %+v", received)
	}
}

func TestManagerDisconnectEmitsEventsOnBothSides(t *testing.T) {
	a := newTestManager(t, "peer-a", "alice")
	b := newTestManager(t, "peer-b", "bob")

	if _, err := a.Connect(b.Addr().String()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForEvent(t, b, EventPeerConnected)

	if err := a.Disconnect("peer-b"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	gone := waitForEvent(t, a, EventPeerDisconnected)
	if gone.Peer.ID != "peer-b" {
		t.Fatalf("expected disconnect event for peer-b, got %q", gone.Peer.ID)
	}
	remoteGone := waitForEvent(t, b, EventPeerDisconnected)
	if remoteGone.Peer.ID != "peer-a" {
		t.Fatalf("expected disconnect event for peer-a, got %q", remoteGone.Peer.ID)
	}

	if peers := a.Peers(); len(peers) != 0 {
		t.Fatalf("expected no sessions after disconnect, got %d", len(peers))
	}
}

func TestManagerPeersSortedByNickname(t *testing.T) {
	a := newTestManager(t, "peer-a", "alice")
	b := newTestManager(t, "peer-b", "zoe")
	c := newTestManager(t, "peer-c", "bob")

	if _, err := a.Connect(b.Addr().String()); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	if _, err := a.Connect(c.Addr().String()); err != nil {
		t.Fatalf("connect c: %v", err)
	}

	peers := a.Peers()
	if len(peers) != 2 || peers[0].Nickname != "bob" || peers[1].Nickname != "zoe" {
		t.Fatalf("unexpected peer order %+v", peers)
	}

	identity, ok := a.Peer("peer-c")
	if !ok || identity.Nickname != "bob" {
		t.Fatalf("Peer lookup failed: %+v ok=%v", identity, ok)
	}
}

func TestManagerConnectAfterStop(t *testing.T) {
	a := newTestManager(t, "peer-a", "alice")
	b := newTestManager(t, "peer-b", "bob")
	address := b.Addr().String()

	a.Stop()
	if _, err := a.Connect(address); err == nil {
		t.Fatal("expected connect on stopped manager to fail")
	}
}
