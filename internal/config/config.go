// Package config handles configuration loading, validation, and live
// reloading for activityd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete agent configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version"`

	// Agent holds agent identity configuration.
	Agent AgentConfig `toml:"agent" json:"agent"`

	// Storage configuration for the durable buffer.
	Storage StorageConfig `toml:"storage" json:"storage"`

	// IPC configuration for the capture-process listener.
	IPC IPCConfig `toml:"ipc" json:"ipc"`

	// Upload configuration for the batch uploader.
	Upload UploadConfig `toml:"upload" json:"upload"`

	// ConfigSync configuration for remote config refresh.
	ConfigSync ConfigSyncConfig `toml:"configsync" json:"configsync"`

	// Heartbeat configuration for the health reporter.
	Heartbeat HeartbeatConfig `toml:"heartbeat" json:"heartbeat"`

	// PII configuration for redaction rules.
	PII PIIConfig `toml:"pii" json:"pii"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-"`
}

// AgentConfig holds agent identity configuration.
type AgentConfig struct {
	// ID is the stable agent identifier sent with every upload.
	// Generated and persisted on first run when empty.
	ID string `toml:"id" json:"id"`

	// IDPath is where the generated agent ID is persisted.
	IDPath string `toml:"id_path" json:"id_path"`

	// TokenPath is the path to the bearer token file, used when the
	// platform credential store has no token.
	TokenPath string `toml:"token_path" json:"token_path"`
}

// StorageConfig holds durable buffer configuration.
type StorageConfig struct {
	// Path is the path to the buffer database file.
	Path string `toml:"path" json:"path"`

	// KeyPath is the path to the master key file, used when the
	// platform key protection is unavailable.
	KeyPath string `toml:"key_path" json:"key_path"`

	// MaxPendingRecords caps the number of unuploaded records.
	MaxPendingRecords int `toml:"max_pending_records" json:"max_pending_records"`

	// MaxPendingBytes caps the total sealed payload bytes of
	// unuploaded records as stored on disk.
	MaxPendingBytes int64 `toml:"max_pending_bytes" json:"max_pending_bytes"`

	// RetentionHours is how long acknowledged and stale records are
	// kept before pruning.
	RetentionHours int `toml:"retention_hours" json:"retention_hours"`
}

// IPCConfig holds the capture-process listener configuration.
type IPCConfig struct {
	// SocketPath is the Unix socket path (or named pipe on Windows).
	SocketPath string `toml:"socket_path" json:"socket_path"`

	// MaxConnections is the maximum concurrent capture connections.
	MaxConnections int `toml:"max_connections" json:"max_connections"`

	// ReadTimeoutSec is the per-message read timeout.
	ReadTimeoutSec int `toml:"read_timeout_sec" json:"read_timeout_sec"`
}

// UploadConfig holds batch uploader configuration.
type UploadConfig struct {
	// Endpoint is the ingest URL batches are POSTed to.
	Endpoint string `toml:"endpoint" json:"endpoint"`

	// IntervalSec is the drain interval.
	IntervalSec int `toml:"interval_sec" json:"interval_sec"`

	// BatchMaxRecords is the maximum records per upload.
	BatchMaxRecords int `toml:"batch_max_records" json:"batch_max_records"`

	// BatchMaxBytes is the maximum payload bytes per upload.
	BatchMaxBytes int64 `toml:"batch_max_bytes" json:"batch_max_bytes"`

	// TimeoutSec is the HTTP request timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec"`

	// BackoffInitialMs is the initial retry backoff.
	BackoffInitialMs int `toml:"backoff_initial_ms" json:"backoff_initial_ms"`

	// BackoffMaxSec caps the retry backoff.
	BackoffMaxSec int `toml:"backoff_max_sec" json:"backoff_max_sec"`

	// Compress gzips upload bodies.
	Compress bool `toml:"compress" json:"compress"`
}

// ConfigSyncConfig holds remote configuration refresh settings.
type ConfigSyncConfig struct {
	// Enabled determines whether remote config refresh runs.
	Enabled bool `toml:"enabled" json:"enabled"`

	// Endpoint is the config URL polled for updates.
	Endpoint string `toml:"endpoint" json:"endpoint"`

	// IntervalSec is the polling interval.
	IntervalSec int `toml:"interval_sec" json:"interval_sec"`

	// TimeoutSec is the HTTP request timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec"`
}

// HeartbeatConfig holds health reporter settings.
type HeartbeatConfig struct {
	// Enabled determines whether the heartbeat runs.
	Enabled bool `toml:"enabled" json:"enabled"`

	// Endpoint is the health URL heartbeats are POSTed to.
	Endpoint string `toml:"endpoint" json:"endpoint"`

	// IntervalSec is the heartbeat interval.
	IntervalSec int `toml:"interval_sec" json:"interval_sec"`

	// TimeoutSec is the HTTP request timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec"`
}

// PIIConfig holds redaction rule settings.
type PIIConfig struct {
	// RulesPath is an optional YAML file overriding the built-in
	// detection rules.
	RulesPath string `toml:"rules_path" json:"rules_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output"`

	// FilePath is the path to the log file (when Output includes "file").
	FilePath string `toml:"file_path" json:"file_path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Agent: AgentConfig{
			IDPath:    filepath.Join(dir, "agent_id"),
			TokenPath: filepath.Join(dir, "token"),
		},
		Storage: StorageConfig{
			Path:              filepath.Join(dir, "buffer.db"),
			KeyPath:           filepath.Join(dir, "buffer.key"),
			MaxPendingRecords: 50000,
			MaxPendingBytes:   256 * 1024 * 1024,
			RetentionHours:    168,
		},
		IPC: IPCConfig{
			SocketPath:     defaultSocketPath(),
			MaxConnections: 4,
			ReadTimeoutSec: 30,
		},
		Upload: UploadConfig{
			IntervalSec:      30,
			BatchMaxRecords:  200,
			BatchMaxBytes:    4 * 1024 * 1024,
			TimeoutSec:       30,
			BackoffInitialMs: 1000,
			BackoffMaxSec:    300,
			Compress:         true,
		},
		ConfigSync: ConfigSyncConfig{
			Enabled:     true,
			IntervalSec: 300,
			TimeoutSec:  15,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:     true,
			IntervalSec: 60,
			TimeoutSec:  10,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Output:   "file",
			FilePath: filepath.Join(dir, "activityd.log"),
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads configuration from the specified path. If the file doesn't
// exist, returns default configuration. Environment overrides apply
// either way; running without a config file is the common deployment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err == nil {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Version <= 0 {
		return fmt.Errorf("version must be positive, got %d", c.Version)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Storage.MaxPendingRecords <= 0 {
		return fmt.Errorf("storage.max_pending_records must be positive, got %d", c.Storage.MaxPendingRecords)
	}
	if c.Storage.MaxPendingBytes <= 0 {
		return fmt.Errorf("storage.max_pending_bytes must be positive, got %d", c.Storage.MaxPendingBytes)
	}
	if c.IPC.SocketPath == "" {
		return fmt.Errorf("ipc.socket_path is required")
	}
	if c.Upload.IntervalSec <= 0 {
		return fmt.Errorf("upload.interval_sec must be positive, got %d", c.Upload.IntervalSec)
	}
	if c.Upload.BatchMaxRecords <= 0 {
		return fmt.Errorf("upload.batch_max_records must be positive, got %d", c.Upload.BatchMaxRecords)
	}
	if c.Upload.BatchMaxBytes <= 0 {
		return fmt.Errorf("upload.batch_max_bytes must be positive, got %d", c.Upload.BatchMaxBytes)
	}
	if c.ConfigSync.Enabled && c.ConfigSync.IntervalSec <= 0 {
		return fmt.Errorf("configsync.interval_sec must be positive, got %d", c.ConfigSync.IntervalSec)
	}
	if c.Heartbeat.Enabled && c.Heartbeat.IntervalSec <= 0 {
		return fmt.Errorf("heartbeat.interval_sec must be positive, got %d", c.Heartbeat.IntervalSec)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not a valid level", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not a valid format", c.Logging.Format)
	}
	return nil
}

// EnsureDirectories creates all directories the agent writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Agent.IDPath),
		filepath.Dir(c.Logging.FilePath),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DataDir returns the base activityd directory. Uses platform-specific
// paths or the ACTIVITYD_DATA_DIR environment override.
func DataDir() string {
	if envDir := os.Getenv("ACTIVITYD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return platformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the
// configuration. Variables are prefixed with ACTIVITYD_.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("ACTIVITYD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("ACTIVITYD_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("ACTIVITYD_UPLOAD_ENDPOINT"); v != "" {
		c.Upload.Endpoint = v
	}
	if v := os.Getenv("ACTIVITYD_CONFIG_ENDPOINT"); v != "" {
		c.ConfigSync.Endpoint = v
	}
	if v := os.Getenv("ACTIVITYD_HEARTBEAT_ENDPOINT"); v != "" {
		c.Heartbeat.Endpoint = v
	}
	if v := os.Getenv("ACTIVITYD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ACTIVITYD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := *c
	return &clone
}

func platformDataDir() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "activityd")
	case "windows":
		if appData := os.Getenv("LOCALAPPDATA"); appData != "" {
			return filepath.Join(appData, "activityd")
		}
		return filepath.Join(home, "AppData", "Local", "activityd")
	default:
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, "activityd")
		}
		return filepath.Join(home, ".local", "share", "activityd")
	}
}

func defaultSocketPath() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "activityd", "activityd.sock")
	case "linux":
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, "activityd.sock")
		}
		return "/tmp/activityd.sock"
	case "windows":
		return `\\.\pipe\activityd`
	default:
		return "/tmp/activityd.sock"
	}
}
