package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "directlink"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "DIRECTLINK_DATA_DIR"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 9999
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// BackendLAN emulates the P2P radio over the local network.
	BackendLAN = "lan"
	// BackendWPA drives wpa_supplicant over D-Bus.
	BackendWPA = "wpa"
	// DefaultWPAInterface is the wireless interface used by the wpa backend.
	DefaultWPAInterface = "wlan0"
	// DefaultUIAddress is where the presentation feed listens.
	DefaultUIAddress = "127.0.0.1:8765"
	// configFileName is the persisted configuration file.
	configFileName    = "config.json"
	defaultDeviceName = "DirectLink Device"
)

// DeviceConfig contains persistent local-device settings.
//
// Timeouts are in seconds: zero selects the coordinator default and a
// negative value disables the timeout.
type DeviceConfig struct {
	DeviceID               string   `json:"device_id" yaml:"device_id"`
	DeviceName             string   `json:"device_name" yaml:"device_name"`
	Backend                string   `json:"backend" yaml:"backend"`
	PortMode               string   `json:"port_mode" yaml:"port_mode"`
	ListeningPort          int      `json:"listening_port" yaml:"listening_port"`
	WPAInterface           string   `json:"wpa_interface" yaml:"wpa_interface"`
	DownloadDir            string   `json:"download_dir" yaml:"download_dir"`
	ConnectTimeoutSeconds  int      `json:"connect_timeout_seconds" yaml:"connect_timeout_seconds"`
	TransferTimeoutSeconds int      `json:"transfer_timeout_seconds" yaml:"transfer_timeout_seconds"`
	ActivityCapacity       int      `json:"activity_capacity" yaml:"activity_capacity"`
	EventQueueSize         int      `json:"event_queue_size" yaml:"event_queue_size"`
	GrantedCapabilities    []string `json:"granted_capabilities" yaml:"granted_capabilities"`
	UIAddress              string   `json:"ui_address" yaml:"ui_address"`
}

// DefaultCapabilities is granted on first launch. Desktop platforms have no
// permission prompt, so everything starts granted.
var DefaultCapabilities = []string{"discovery-location", "storage-read", "storage-write"}

// ConnectTimeout converts the configured seconds into a coordinator timeout.
func (c *DeviceConfig) ConnectTimeout() time.Duration {
	return seconds(c.ConnectTimeoutSeconds)
}

// TransferTimeout converts the configured seconds into a coordinator timeout.
func (c *DeviceConfig) TransferTimeout() time.Duration {
	return seconds(c.TransferTimeoutSeconds)
}

func seconds(n int) time.Duration {
	if n < 0 {
		return -1
	}
	return time.Duration(n) * time.Second
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If DIRECTLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
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
		filepath.Join(dataDir, "files"),
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

func hostName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultDeviceName
}

func defaultConfig(dataDir string) *DeviceConfig {
	return &DeviceConfig{
		DeviceID:            uuid.NewString(),
		DeviceName:          hostName(),
		Backend:             BackendLAN,
		PortMode:            PortModeAutomatic,
		ListeningPort:       0,
		WPAInterface:        DefaultWPAInterface,
		DownloadDir:         filepath.Join(dataDir, "files"),
		GrantedCapabilities: append([]string(nil), DefaultCapabilities...),
		UIAddress:           DefaultUIAddress,
	}
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = hostName()
		updated = true
	}

	backend := NormalizeBackend(cfg.Backend)
	if backend == "" {
		backend = BackendLAN
	}
	if cfg.Backend != backend {
		cfg.Backend = backend
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.WPAInterface == "" {
		cfg.WPAInterface = DefaultWPAInterface
		updated = true
	}

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, "files")
		updated = true
	}

	if cfg.ActivityCapacity < 0 {
		cfg.ActivityCapacity = 0
		updated = true
	}
	if cfg.EventQueueSize < 0 {
		cfg.EventQueueSize = 0
		updated = true
	}

	if cfg.GrantedCapabilities == nil {
		cfg.GrantedCapabilities = append([]string(nil), DefaultCapabilities...)
		updated = true
	}

	if cfg.UIAddress == "" {
		cfg.UIAddress = DefaultUIAddress
		updated = true
	}

	return updated
}

// NormalizeBackend returns the canonical backend name, or "" if unknown.
func NormalizeBackend(backend string) string {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendLAN:
		return BackendLAN
	case BackendWPA:
		return BackendWPA
	default:
		return ""
	}
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
