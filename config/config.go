package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanchat"
	// DefaultListenPort is the TCP port used in fixed mode when no user override exists.
	DefaultListenPort = 9990
	// DefaultDiscoveryPort is the UDP broadcast discovery port.
	DefaultDiscoveryPort = 35000
	// DefaultAnnounceIntervalSec is the discovery announcement period.
	DefaultAnnounceIntervalSec = 5
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listen port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	InstanceID    string `json:"instance_id"`
	Nickname      string `json:"nickname"`
	PortMode      string `json:"port_mode"`
	ListenPort    int    `json:"listen_port"`
	DiscoveryPort int    `json:"discovery_port"`
	// AnnounceIntervalSec is the discovery announcement period in seconds.
	AnnounceIntervalSec int    `json:"announce_interval_sec"`
	EnableMDNS          bool   `json:"enable_mdns"`
	DownloadDir         string `json:"download_dir"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("LANCHAT_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	return &DeviceConfig{
		InstanceID:    uuid.NewString(),
		Nickname:      defaultNickname(),
		PortMode:      PortModeAutomatic,
		ListenPort:    0,
		DiscoveryPort:       DefaultDiscoveryPort,
		AnnounceIntervalSec: DefaultAnnounceIntervalSec,
		EnableMDNS:          false,
		DownloadDir:         filepath.Join(dataDir, "downloads"),
	}
}

func defaultNickname() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "lanchat-user"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
		updated = true
	}

	if cfg.Nickname == "" {
		cfg.Nickname = defaultNickname()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListenPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListenPort == 0 {
		cfg.ListenPort = DefaultListenPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListenPort < 0 {
		cfg.ListenPort = 0
		updated = true
	}

	if cfg.DiscoveryPort <= 0 {
		cfg.DiscoveryPort = DefaultDiscoveryPort
		updated = true
	}

	if cfg.AnnounceIntervalSec <= 0 {
		cfg.AnnounceIntervalSec = DefaultAnnounceIntervalSec
		updated = true
	}

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, "downloads")
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
