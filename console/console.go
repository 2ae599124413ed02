// Package console implements the interactive line-command frontend. It
// drives the peer manager and discovery service from stdin commands,
// prints their events, and records chat history to storage.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lanchat/discovery"
	"lanchat/network"
	"lanchat/storage"
)

// Options wires the console to the rest of the application. Discovery
// and Store are optional; the related commands report their absence.
type Options struct {
	Manager   *network.Manager
	Discovery *discovery.Service
	Store     *storage.Store
	Input     io.Reader
	Output    io.Writer
}

// Console is the interactive command loop.
type Console struct {
	manager *network.Manager
	disc    *discovery.Service
	store   *storage.Store
	in      io.Reader
	out     io.Writer

	outMu sync.Mutex
	log   *logrus.Entry
}

// New builds a console over the given components.
func New(options Options) (*Console, error) {
	if options.Manager == nil {
		return nil, fmt.Errorf("console: manager is required")
	}
	if options.Input == nil || options.Output == nil {
		return nil, fmt.Errorf("console: input and output are required")
	}

	return &Console{
		manager: options.Manager,
		disc:    options.Discovery,
		store:   options.Store,
		in:      options.Input,
		out:     options.Output,
		log:     logrus.WithField("component", "console"),
	}, nil
}

// Run consumes events and reads commands until the context is cancelled,
// input reaches EOF, or the user quits.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.consumeManagerEvents(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.consumeManagerErrors(ctx)
	}()
	if c.disc != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.consumeDiscoveryEvents(ctx)
		}()
	}

	c.printf("type /help for commands")
	err := c.commandLoop(ctx)

	cancel()
	wg.Wait()
	return err
}

func (c *Console) commandLoop(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			quit, err := c.dispatch(line)
			if err != nil {
				c.printf("error: %v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (c *Console) consumeManagerEvents(ctx context.Context) {
	events := c.manager.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(event)
		}
	}
}

func (c *Console) consumeManagerErrors(ctx context.Context) {
	errs := c.manager.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			if err != nil {
				c.log.WithError(err).Warn("session error")
			}
		}
	}
}

func (c *Console) consumeDiscoveryEvents(ctx context.Context) {
	events := c.disc.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event.Type {
			case discovery.EventPeerUpserted:
				c.printf("discovered %s at %s:%d (%s)",
					event.Peer.Nickname, event.Peer.Address, event.Peer.Port, event.Peer.Source)
			case discovery.EventPeerRemoved:
				c.printf("discovery lost %s", event.Peer.Nickname)
			}
		}
	}
}

func (c *Console) handleEvent(event network.Event) {
	switch event.Type {
	case network.EventPeerConnected:
		c.printf("connected to %s (%s:%d)", event.Peer.Nickname, event.Peer.Address, event.Peer.ListenPort)
	case network.EventPeerDisconnected:
		c.printf("disconnected from %s", event.Peer.Nickname)
	case network.EventMessageReceived:
		c.printf("[%s] %s: %s", event.Timestamp.Format("15:04:05"), event.Peer.Nickname, event.Body)
		c.saveMessage(event.Peer, storage.DirectionReceived, event.Body, event.Timestamp)
	case network.EventSendFailed:
		c.printf("send to %s failed: %v", event.Peer.Nickname, event.Err)
	case network.EventTransferStarted:
		c.printf("transfer %s of %q with %s started (%d bytes)",
			event.Transfer.Direction, event.Transfer.FileName, event.Peer.Nickname, event.Transfer.TotalSize)
		c.saveTransferStart(event.Peer, event.Transfer)
	case network.EventTransferProgress:
		// Progress is intentionally quiet; transfers announce start and end.
	case network.EventTransferComplete:
		if event.Transfer.Path != "" {
			c.printf("transfer of %q with %s complete: %s",
				event.Transfer.FileName, event.Peer.Nickname, event.Transfer.Path)
		} else {
			c.printf("transfer of %q with %s complete", event.Transfer.FileName, event.Peer.Nickname)
		}
		c.finishTransfer(event.Transfer, storage.TransferStatusComplete, "")
	case network.EventTransferFailed:
		c.printf("transfer of %q with %s failed: %v", event.Transfer.FileName, event.Peer.Nickname, event.Err)
		reason := ""
		if event.Err != nil {
			reason = event.Err.Error()
		}
		c.finishTransfer(event.Transfer, storage.TransferStatusFailed, reason)
	}
}

func (c *Console) saveMessage(peer network.PeerIdentity, direction, body string, at time.Time) {
	if c.store == nil {
		return
	}
	if at.IsZero() {
		at = time.Now()
	}
	err := c.store.SaveMessage(storage.Message{
		MessageID:    uuid.NewString(),
		PeerID:       peer.ID,
		PeerNickname: peer.Nickname,
		Direction:    direction,
		Body:         body,
		Timestamp:    at.UnixMilli(),
	})
	if err != nil {
		c.log.WithError(err).Warn("persist message")
	}
}

func (c *Console) saveTransferStart(peer network.PeerIdentity, info *network.TransferInfo) {
	if c.store == nil || info == nil {
		return
	}
	direction := storage.TransferDirectionSend
	if info.Direction == network.DirectionReceive {
		direction = storage.TransferDirectionReceive
	}
	err := c.store.SaveTransfer(storage.Transfer{
		TransferID: info.ID,
		PeerID:     peer.ID,
		Direction:  direction,
		FileName:   info.FileName,
		TotalSize:  info.TotalSize,
	})
	if err != nil {
		c.log.WithError(err).Warn("persist transfer")
	}
}

func (c *Console) finishTransfer(info *network.TransferInfo, status, reason string) {
	if c.store == nil || info == nil {
		return
	}
	if err := c.store.FinishTransfer(info.ID, status, info.Path, reason); err != nil {
		c.log.WithError(err).Warn("persist transfer outcome")
	}
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}
