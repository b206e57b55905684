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

	"tagsend/network"
	"tagsend/session"
	"tagsend/storage"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "tagsend"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "TAGSEND_DATA_DIR"
	// TransportBLE talks to the tag over Bluetooth LE.
	TransportBLE = "ble"
	// TransportLAN talks to an emulated tag over TCP.
	TransportLAN = "lan"
	// DefaultAdapterID is the BlueZ adapter name.
	DefaultAdapterID = "hci0"
	// DefaultLogLevel is used when no level is configured.
	DefaultLogLevel = "info"
	// DefaultSimPort is the TCP port of the emulated tag.
	DefaultSimPort = 7420
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// AppConfig contains persistent settings.
type AppConfig struct {
	InstallID            string    `json:"install_id"`
	Transport            string    `json:"transport"`
	AdapterID            string    `json:"adapter_id"`
	ServiceUUID          string    `json:"service_uuid"`
	CharacteristicUUID   string    `json:"characteristic_uuid"`
	ScanTimeoutMS        int       `json:"scan_timeout_ms"`
	ConnectTimeoutMS     int       `json:"connect_timeout_ms"`
	SendTimeoutMS        int       `json:"send_timeout_ms"`
	LogLevel             string    `json:"log_level"`
	HistoryEnabled       *bool     `json:"history_enabled"`
	HistoryRetentionDays int       `json:"history_retention_days"`
	Sim                  SimConfig `json:"sim"`
}

// SimConfig describes the emulated tag served by `tagsend peersim`.
type SimConfig struct {
	PeerID        string `json:"peer_id"`
	Name          string `json:"name"`
	Port          int    `json:"port"`
	MaxValueBytes int    `json:"max_value_bytes"`
}

// ScanTimeout returns the scan window.
func (c *AppConfig) ScanTimeout() time.Duration {
	return time.Duration(c.ScanTimeoutMS) * time.Millisecond
}

// ConnectTimeout returns the connect bound. A negative value disables it.
func (c *AppConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// SendTimeout returns the write acknowledgement bound.
func (c *AppConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMS) * time.Millisecond
}

// History reports whether delivery attempts are recorded.
func (c *AppConfig) History() bool {
	return c.HistoryEnabled == nil || *c.HistoryEnabled
}

// HistoryRetention is how long recorded deliveries are kept before pruning.
func (c *AppConfig) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
}

// SessionOptions maps the config onto session manager options.
func (c *AppConfig) SessionOptions() session.Options {
	return session.Options{
		ServiceID:        c.ServiceUUID,
		CharacteristicID: c.CharacteristicUUID,
		ScanTimeout:      c.ScanTimeout(),
		ConnectTimeout:   c.ConnectTimeout(),
		SendTimeout:      c.SendTimeout(),
	}
}

// Validate reports settings that cannot be normalized.
func (c *AppConfig) Validate() error {
	switch c.Transport {
	case TransportBLE, TransportLAN:
	default:
		return fmt.Errorf("unknown transport %q (want %q or %q)", c.Transport, TransportBLE, TransportLAN)
	}
	if _, err := uuid.Parse(c.ServiceUUID); err != nil {
		return fmt.Errorf("service_uuid: %w", err)
	}
	if _, err := uuid.Parse(c.CharacteristicUUID); err != nil {
		return fmt.Errorf("characteristic_uuid: %w", err)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if c.Sim.Port < 0 || c.Sim.Port > 65535 {
		return fmt.Errorf("sim.port %d out of range", c.Sim.Port)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If TAGSEND_DATA_DIR is set, its value is used as an explicit override.
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

// EnsureDataDirectory creates the app data directory if needed.
func EnsureDataDirectory(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*AppConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *AppConfig) error {
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

// LoadOrCreate ensures the data directory and config exist, then returns the
// config, its path and the data directory.
func LoadOrCreate() (*AppConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectory(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultConfig() *AppConfig {
	cfg := &AppConfig{}
	normalizeDefaults(cfg)
	return cfg
}

func normalizeDefaults(cfg *AppConfig) bool {
	updated := false

	if cfg.InstallID == "" {
		cfg.InstallID = uuid.NewString()
		updated = true
	}

	transport := strings.ToLower(strings.TrimSpace(cfg.Transport))
	if transport == "" {
		transport = TransportBLE
	}
	if cfg.Transport != transport {
		cfg.Transport = transport
		updated = true
	}

	if cfg.AdapterID == "" {
		cfg.AdapterID = DefaultAdapterID
		updated = true
	}

	if cfg.ServiceUUID == "" {
		cfg.ServiceUUID = session.DefaultServiceUUID
		updated = true
	}
	if cfg.CharacteristicUUID == "" {
		cfg.CharacteristicUUID = session.DefaultCharacteristicUUID
		updated = true
	}

	if cfg.ScanTimeoutMS <= 0 {
		cfg.ScanTimeoutMS = int(session.DefaultScanTimeout / time.Millisecond)
		updated = true
	}
	// Negative connect timeouts are kept: they disable the bound.
	if cfg.ConnectTimeoutMS == 0 {
		cfg.ConnectTimeoutMS = int(session.DefaultConnectTimeout / time.Millisecond)
		updated = true
	}
	if cfg.SendTimeoutMS <= 0 {
		cfg.SendTimeoutMS = int(session.DefaultSendTimeout / time.Millisecond)
		updated = true
	}

	level := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if level == "" {
		level = DefaultLogLevel
	}
	if cfg.LogLevel != level {
		cfg.LogLevel = level
		updated = true
	}

	if cfg.HistoryEnabled == nil {
		enabled := true
		cfg.HistoryEnabled = &enabled
		updated = true
	}
	if cfg.HistoryRetentionDays <= 0 {
		cfg.HistoryRetentionDays = int(storage.DefaultDeliveryRetention / (24 * time.Hour))
		updated = true
	}

	if cfg.Sim.PeerID == "" {
		cfg.Sim.PeerID = uuid.NewString()
		updated = true
	}
	if cfg.Sim.Name == "" {
		cfg.Sim.Name = network.DefaultPeerName
		updated = true
	}
	if cfg.Sim.Port == 0 {
		cfg.Sim.Port = DefaultSimPort
		updated = true
	}
	if cfg.Sim.MaxValueBytes <= 0 {
		cfg.Sim.MaxValueBytes = network.MaxAttributeValue
		updated = true
	}

	return updated
}
