package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"lanchat/config"
	"lanchat/console"
	"lanchat/discovery"
	"lanchat/netutil"
	"lanchat/network"
	"lanchat/storage"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("startup failed")
	}
}

func run() error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("LANCHAT_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dataDir := filepath.Dir(cfgPath)

	listenPort := cfg.ListenPort
	if cfg.PortMode == config.PortModeAutomatic {
		listenPort, err = netutil.FreePort()
		if err != nil {
			return fmt.Errorf("pick listen port: %w", err)
		}
	}

	fmt.Printf("Instance ID:    %s\n", cfg.InstanceID)
	fmt.Printf("Nickname:       %s\n", cfg.Nickname)
	fmt.Printf("Listen Address: %s:%d\n", netutil.LocalIP(), listenPort)
	fmt.Printf("Config File:    %s\n", cfgPath)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warn("database close")
		}
	}()
	fmt.Printf("Database File:  %s\n", dbPath)

	manager, err := network.NewManager(network.ManagerOptions{
		Identity: network.LocalIdentity{
			ID:         cfg.InstanceID,
			Nickname:   cfg.Nickname,
			ListenPort: listenPort,
		},
		ListenAddress: fmt.Sprintf(":%d", listenPort),
		DownloadDir:   cfg.DownloadDir,
	})
	if err != nil {
		return fmt.Errorf("create peer manager: %w", err)
	}
	if err := manager.Start(); err != nil {
		return fmt.Errorf("start peer manager: %w", err)
	}
	defer manager.Stop()

	disc, err := discovery.New(discovery.Config{
		SelfID:           cfg.InstanceID,
		Nickname:         cfg.Nickname,
		ListenPort:       manager.ListenPort(),
		BroadcastPort:    cfg.DiscoveryPort,
		AnnounceInterval: time.Duration(cfg.AnnounceIntervalSec) * time.Second,
		EnableMDNS:       cfg.EnableMDNS,
	})
	if err != nil {
		return fmt.Errorf("create discovery: %w", err)
	}
	if err := disc.Start(); err != nil {
		// The node is still usable through manual /connect.
		logrus.WithError(err).Warn("discovery unavailable")
		disc = nil
	} else {
		defer disc.Stop()
		fmt.Println("Discovery:      running")
	}

	ui, err := console.New(console.Options{
		Manager:   manager,
		Discovery: disc,
		Store:     store,
		Input:     os.Stdin,
		Output:    os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("create console: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ui.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("console: %w", err)
	}
	fmt.Println("shutting down")
	return nil
}
