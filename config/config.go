package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "fcpqueue"
	// DefaultNodeHost is the FCP node host used when no user override exists.
	DefaultNodeHost = "127.0.0.1"
	// DefaultNodePort is the standard FCP port.
	DefaultNodePort = 9481
	// DefaultPriority is the node's medium PriorityClass.
	DefaultPriority = 3
	// DefaultQueueIntervalSeconds is the admission pass interval.
	DefaultQueueIntervalSeconds = 5
	// DefaultCancelTimeoutSeconds bounds how long a cancel waits for the node.
	DefaultCancelTimeoutSeconds = 120
	// DefaultRetryIntervalSeconds spaces automatic re-admissions.
	DefaultRetryIntervalSeconds = 10
	// DefaultLogLevel is the zerolog level name used by the CLI.
	DefaultLogLevel = "info"
	// DefaultMetricsAddress is where `run` serves /metrics.
	DefaultMetricsAddress = "127.0.0.1:9490"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	clientNamePrefix = "fcpqueue-"
)

// Config contains persistent client settings.
type Config struct {
	NodeHost   string `json:"node_host"`
	NodePort   int    `json:"node_port"`
	ClientName string `json:"client_name"`

	MaxActiveDownloads      int  `json:"max_active_downloads"`
	MaxActiveUploads        int  `json:"max_active_uploads"`
	DefaultDownloadPriority int  `json:"default_download_priority"`
	DefaultUploadPriority   int  `json:"default_upload_priority"`
	EnforceLocalPriority    bool `json:"enforce_local_priority"`
	ShowExternalItems       bool `json:"show_external_items"`
	DDAEnabled              bool `json:"dda_enabled"`

	QueueIntervalSeconds int `json:"queue_interval_seconds"`
	CancelTimeoutSeconds int `json:"cancel_timeout_seconds"`
	RetryIntervalSeconds int `json:"retry_interval_seconds"`

	DownloadDirectory string `json:"download_directory"`
	LogLevel          string `json:"log_level"`
	MetricsAddress    string `json:"metrics_address"`
	DiscoverNode      bool   `json:"discover_node"`
}

// NodeAddress returns host:port of the configured FCP node.
func (c *Config) NodeAddress() string {
	return net.JoinHostPort(c.NodeHost, strconv.Itoa(c.NodePort))
}

// QueueInterval returns the admission pass interval.
func (c *Config) QueueInterval() time.Duration {
	return time.Duration(c.QueueIntervalSeconds) * time.Second
}

// CancelTimeout returns how long a cancel may stay unconfirmed.
func (c *Config) CancelTimeout() time.Duration {
	return time.Duration(c.CancelTimeoutSeconds) * time.Second
}

// RetryInterval returns the spacing between automatic re-admissions.
func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSeconds) * time.Second
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If FCPQUEUE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("FCPQUEUE_DATA_DIR"); override != "" {
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
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
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

// LoadOrCreate ensures directories and config exist, then returns the config
// and its path.
func LoadOrCreate() (*Config, string, error) {
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

func defaultConfig(dataDir string) *Config {
	return &Config{
		NodeHost:                DefaultNodeHost,
		NodePort:                DefaultNodePort,
		ClientName:              clientNamePrefix + uuid.NewString(),
		DefaultDownloadPriority: DefaultPriority,
		DefaultUploadPriority:   DefaultPriority,
		DDAEnabled:              true,
		QueueIntervalSeconds:    DefaultQueueIntervalSeconds,
		CancelTimeoutSeconds:    DefaultCancelTimeoutSeconds,
		RetryIntervalSeconds:    DefaultRetryIntervalSeconds,
		DownloadDirectory:       filepath.Join(dataDir, "downloads"),
		LogLevel:                DefaultLogLevel,
		MetricsAddress:          DefaultMetricsAddress,
	}
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false

	if strings.TrimSpace(cfg.NodeHost) == "" {
		cfg.NodeHost = DefaultNodeHost
		updated = true
	}
	if cfg.NodePort <= 0 || cfg.NodePort > 65535 {
		cfg.NodePort = DefaultNodePort
		updated = true
	}
	if strings.TrimSpace(cfg.ClientName) == "" {
		cfg.ClientName = clientNamePrefix + uuid.NewString()
		updated = true
	}

	if cfg.MaxActiveDownloads < 0 {
		cfg.MaxActiveDownloads = 0
		updated = true
	}
	if cfg.MaxActiveUploads < 0 {
		cfg.MaxActiveUploads = 0
		updated = true
	}
	if !validPriority(cfg.DefaultDownloadPriority) {
		cfg.DefaultDownloadPriority = DefaultPriority
		updated = true
	}
	if !validPriority(cfg.DefaultUploadPriority) {
		cfg.DefaultUploadPriority = DefaultPriority
		updated = true
	}

	if cfg.QueueIntervalSeconds <= 0 {
		cfg.QueueIntervalSeconds = DefaultQueueIntervalSeconds
		updated = true
	}
	if cfg.CancelTimeoutSeconds <= 0 {
		cfg.CancelTimeoutSeconds = DefaultCancelTimeoutSeconds
		updated = true
	}
	if cfg.RetryIntervalSeconds <= 0 {
		cfg.RetryIntervalSeconds = DefaultRetryIntervalSeconds
		updated = true
	}

	if cfg.DownloadDirectory == "" {
		cfg.DownloadDirectory = filepath.Join(dataDir, "downloads")
		updated = true
	}
	if normalized := normalizeLogLevel(cfg.LogLevel); normalized != cfg.LogLevel {
		cfg.LogLevel = normalized
		updated = true
	}

	return updated
}

func validPriority(p int) bool {
	return p >= 0 && p <= 6
}

func normalizeLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return "trace"
	case "debug":
		return "debug"
	case "info":
		return "info"
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return DefaultLogLevel
	}
}
