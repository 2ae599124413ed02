package console

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"lanchat/network"
	"lanchat/storage"
)

const helpText = `commands:
  /connect <host> <port>   connect to a peer by address
  /connect <name>          connect to a discovered peer by nickname
  /disconnect <peer>       close the session with a peer
  /msg <peer> <text>       send a direct message
  /broadcast <text>        send a message to every connected peer
  /file <peer> <path>      send a file to a peer
  /peers                   list connected peers
  /discovered              list peers seen by discovery
  /discover                trigger a discovery announcement now
  /history [peer]          show stored chat history
  /quit                    exit
plain text is broadcast to all connected peers`

// dispatch executes one input line. The bool result reports a quit request.
func (c *Console) dispatch(line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}

	if !strings.HasPrefix(line, "/") {
		return false, c.cmdBroadcast(line)
	}

	command, rest := splitCommand(line)
	switch command {
	case "/help":
		c.printf("%s", helpText)
		return false, nil
	case "/connect":
		return false, c.cmdConnect(rest)
	case "/disconnect":
		return false, c.cmdDisconnect(rest)
	case "/msg":
		return false, c.cmdMessage(rest)
	case "/broadcast":
		if rest == "" {
			return false, fmt.Errorf("usage: /broadcast <text>")
		}
		return false, c.cmdBroadcast(rest)
	case "/file":
		return false, c.cmdFile(rest)
	case "/peers":
		c.cmdPeers()
		return false, nil
	case "/discovered":
		return false, c.cmdDiscovered()
	case "/discover":
		return false, c.cmdDiscover()
	case "/history":
		return false, c.cmdHistory(rest)
	case "/quit", "/exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q, type /help", command)
	}
}

func splitCommand(line string) (command, rest string) {
	fields := strings.SplitN(line, " ", 2)
	command = strings.ToLower(fields[0])
	if len(fields) == 2 {
		rest = strings.TrimSpace(fields[1])
	}
	return command, rest
}

func (c *Console) cmdConnect(args string) error {
	fields := strings.Fields(args)
	var address string
	switch len(fields) {
	case 1:
		if strings.Contains(fields[0], ":") {
			address = fields[0]
			break
		}
		host, port, err := c.resolveDiscovered(fields[0])
		if err != nil {
			return err
		}
		address = net.JoinHostPort(host, strconv.Itoa(port))
	case 2:
		port, err := strconv.Atoi(fields[1])
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port %q", fields[1])
		}
		address = net.JoinHostPort(fields[0], fields[1])
	default:
		return fmt.Errorf("usage: /connect <host> <port> or /connect <name>")
	}

	identity, err := c.manager.Connect(address)
	if err != nil {
		return fmt.Errorf("connect %s: %w", address, err)
	}
	c.printf("session with %s established", identity.Nickname)
	return nil
}

func (c *Console) cmdDisconnect(args string) error {
	if args == "" {
		return fmt.Errorf("usage: /disconnect <peer>")
	}
	peer, err := resolvePeer(c.manager.Peers(), args)
	if err != nil {
		return err
	}
	return c.manager.Disconnect(peer.ID)
}

func (c *Console) cmdMessage(args string) error {
	fields := strings.SplitN(args, " ", 2)
	if len(fields) < 2 || strings.TrimSpace(fields[1]) == "" {
		return fmt.Errorf("usage: /msg <peer> <text>")
	}
	body := strings.TrimSpace(fields[1])

	peer, err := resolvePeer(c.manager.Peers(), fields[0])
	if err != nil {
		return err
	}
	if err := c.manager.SendText(peer.ID, body); err != nil {
		return fmt.Errorf("send to %s: %w", peer.Nickname, err)
	}
	c.saveMessage(peer, storage.DirectionSent, body, time.Now())
	return nil
}

func (c *Console) cmdBroadcast(body string) error {
	peers := c.manager.Peers()
	if len(peers) == 0 {
		return fmt.Errorf("no connected peers")
	}
	delivered := c.manager.Broadcast(body)
	c.printf("broadcast delivered to %d of %d peers", delivered, len(peers))
	for _, peer := range peers {
		c.saveMessage(peer, storage.DirectionSent, body, time.Now())
	}
	return nil
}

func (c *Console) cmdFile(args string) error {
	fields := strings.SplitN(args, " ", 2)
	if len(fields) < 2 || strings.TrimSpace(fields[1]) == "" {
		return fmt.Errorf("usage: /file <peer> <path>")
	}
	path := strings.TrimSpace(fields[1])

	peer, err := resolvePeer(c.manager.Peers(), fields[0])
	if err != nil {
		return err
	}
	transferID, err := c.manager.SendFile(peer.ID, path)
	if err != nil {
		return fmt.Errorf("send file to %s: %w", peer.Nickname, err)
	}
	c.printf("queued transfer %s to %s", transferID, peer.Nickname)
	return nil
}

func (c *Console) cmdPeers() {
	peers := c.manager.Peers()
	if len(peers) == 0 {
		c.printf("no connected peers")
		return
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Nickname < peers[j].Nickname })
	for _, peer := range peers {
		c.printf("%s  %s:%d  %s", peer.Nickname, peer.Address, peer.ListenPort, peer.ID)
	}
}

func (c *Console) cmdDiscovered() error {
	if c.disc == nil {
		return fmt.Errorf("discovery is not running")
	}
	peers := c.disc.Peers()
	if len(peers) == 0 {
		c.printf("no discovered peers")
		return nil
	}
	for _, peer := range peers {
		c.printf("%s  %s:%d  %s  last seen %s",
			peer.Nickname, peer.Address, peer.Port, peer.Source,
			peer.LastSeen.Format("15:04:05"))
	}
	return nil
}

func (c *Console) cmdDiscover() error {
	if c.disc == nil {
		return fmt.Errorf("discovery is not running")
	}
	c.disc.Announce()
	c.printf("announcement sent")
	return nil
}

func (c *Console) cmdHistory(args string) error {
	if c.store == nil {
		return fmt.Errorf("history is not available")
	}

	var messages []storage.Message
	var err error
	if args == "" {
		messages, err = c.store.GetRecentMessages(50)
	} else {
		var peer network.PeerIdentity
		peer, err = resolvePeer(c.manager.Peers(), args)
		if err == nil {
			messages, err = c.store.GetMessages(peer.ID, 50, 0)
		} else {
			// Allow history lookups for peers that are no longer connected.
			messages, err = c.store.GetMessages(args, 50, 0)
		}
	}
	if err != nil {
		return err
	}

	if len(messages) == 0 {
		c.printf("no history")
		return nil
	}
	for _, msg := range messages {
		who := msg.PeerNickname
		if msg.Direction == storage.DirectionSent {
			who = "me -> " + who
		}
		at := time.UnixMilli(msg.Timestamp).Format("2006-01-02 15:04:05")
		c.printf("[%s] %s: %s", at, who, msg.Body)
	}
	return nil
}

// resolvePeer matches a connected peer by exact ID, then by nickname.
// Nickname matches are case-insensitive and must be unambiguous.
func resolvePeer(peers []network.PeerIdentity, ref string) (network.PeerIdentity, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return network.PeerIdentity{}, fmt.Errorf("peer reference is required")
	}

	for _, peer := range peers {
		if peer.ID == ref {
			return peer, nil
		}
	}

	var matches []network.PeerIdentity
	for _, peer := range peers {
		if strings.EqualFold(peer.Nickname, ref) {
			matches = append(matches, peer)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return network.PeerIdentity{}, fmt.Errorf("no connected peer matches %q", ref)
	default:
		ids := make([]string, 0, len(matches))
		for _, peer := range matches {
			ids = append(ids, peer.ID)
		}
		return network.PeerIdentity{}, fmt.Errorf(
			"nickname %q is ambiguous, use a peer id: %s", ref, strings.Join(ids, ", "))
	}
}

// resolveDiscovered matches a discovered peer by id or nickname and
// returns its advertised endpoint.
func (c *Console) resolveDiscovered(ref string) (string, int, error) {
	if c.disc == nil {
		return "", 0, fmt.Errorf("discovery is not running")
	}

	host := ""
	port := 0
	matched := false
	for _, peer := range c.disc.Peers() {
		if peer.PeerID == ref || strings.EqualFold(peer.Nickname, ref) {
			if matched {
				return "", 0, fmt.Errorf("nickname %q is ambiguous among discovered peers", ref)
			}
			host, port = peer.Address, peer.Port
			matched = true
		}
	}
	if !matched {
		return "", 0, fmt.Errorf("no discovered peer matches %q", ref)
	}
	return host, port, nil
}
