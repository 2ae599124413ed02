package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// MDNSService is the mDNS service name without domain suffix.
	MDNSService = "_lanchat._tcp"
	// MDNSDomain is the mDNS domain.
	MDNSDomain = "local."
	// mdnsScanInterval is the background browse interval.
	mdnsScanInterval = 10 * time.Second
	// mdnsScanTimeout bounds each browse operation.
	mdnsScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// mdnsBackend advertises local presence via mDNS and browses for other
// instances, feeding discoveries into the shared peer table.
type mdnsBackend struct {
	server *zeroconf.Server
}

func startMDNS(ctx context.Context, cfg Config, table *peerTable, wg *sync.WaitGroup) (*mdnsBackend, error) {
	register := cfg.registerFn
	if register == nil {
		register = zeroconf.Register
	}
	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mdns resolver: %w", err)
		}
		browse = resolver.Browse
	}

	txt := []string{
		"peer_id=" + cfg.SelfID,
		"nickname=" + cfg.Nickname,
	}
	server, err := register(cfg.Nickname, MDNSService, MDNSDomain, cfg.ListenPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runMDNSScans(ctx, cfg.SelfID, browse, table)
	}()

	return &mdnsBackend{server: server}, nil
}

func (b *mdnsBackend) stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

func runMDNSScans(ctx context.Context, selfID string, browse browseFunc, table *peerTable) {
	scan := func() {
		scanCtx, cancel := context.WithTimeout(ctx, mdnsScanTimeout)
		defer cancel()

		entries := make(chan *zeroconf.ServiceEntry, 32)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for entry := range entries {
				if entry == nil {
					continue
				}
				if peer, ok := parseMDNSEntry(entry, selfID); ok {
					table.upsert(peer)
				}
			}
		}()

		if err := browse(scanCtx, MDNSService, MDNSDomain, entries); err != nil {
			cancel()
		}
		<-scanCtx.Done()
		<-done
	}

	scan()

	ticker := time.NewTicker(mdnsScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			scan()
		case <-ctx.Done():
			return
		}
	}
}

func parseMDNSEntry(entry *zeroconf.ServiceEntry, selfID string) (DiscoveredPeer, bool) {
	txt := txtToMap(entry.Text)

	peerID := strings.TrimSpace(txt["peer_id"])
	if peerID == "" || peerID == selfID {
		return DiscoveredPeer{}, false
	}

	address := ""
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip != nil && ip.String() != "" {
			address = ip.String()
			break
		}
	}
	if address == "" || entry.Port <= 0 {
		return DiscoveredPeer{}, false
	}

	nickname := strings.TrimSpace(txt["nickname"])
	if nickname == "" {
		nickname = strings.TrimSpace(entry.Instance)
	}
	if nickname == "" {
		nickname = peerID
	}

	return DiscoveredPeer{
		PeerID:   peerID,
		Nickname: nickname,
		Address:  address,
		Port:     entry.Port,
		Source:   SourceMDNS,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
