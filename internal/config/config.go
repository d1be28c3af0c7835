package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for daysync.
type Config struct {
	Tenant    string          `toml:"tenant"`
	KeyPrefix string          `toml:"key_prefix"`
	BaseDir   string          `toml:"base_dir"`
	LogDir    string          `toml:"log_dir"`
	Storage   StorageConfig   `toml:"storage"`
	Codec     CodecConfig     `toml:"codec"`
	Broadcast BroadcastConfig `toml:"broadcast"`
	Remote    RemoteConfig    `toml:"remote"`
	Autosave  AutosaveConfig  `toml:"autosave"`
	Hydration HydrationConfig `toml:"hydration"`
	Server    ServerConfig    `toml:"server"`
}

// StorageConfig selects the durable backend beneath the key-value store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StorageConfig struct {
	Type string `toml:"type"` // "memory", "filesystem" or "sqlite"

	// FileSystem-specific fields (only used when Type == "filesystem")
	Dir string `toml:"dir,omitempty"`

	// SQLite-specific fields (only used when Type == "sqlite")
	SQLitePath string `toml:"sqlite_path,omitempty"`

	// Size cap honoured by the memory and sqlite types; 0 means unlimited
	MaxBytes int64 `toml:"max_bytes,omitempty"`

	// RetentionDays bounds how far back quota recovery keeps day records. Defaults to 60.
	RetentionDays int `toml:"retention_days,omitempty"`
}

// CodecConfig selects how values are encoded at rest.
type CodecConfig struct {
	Type           string `toml:"type"` // "compact" (default), "plain" or "age"
	PublicKeyPath  string `toml:"public_key_path,omitempty"`
	PrivateKeyPath string `toml:"private_key_path,omitempty"`
}

// BroadcastConfig selects the cross-session broadcast transport.
type BroadcastConfig struct {
	Type    string `toml:"type"` // "none" (default), "local" or "websocket"
	Channel string `toml:"channel,omitempty"`
	URL     string `toml:"url,omitempty"` // websocket hub, e.g. ws://127.0.0.1:8740/v1/broadcast
}

// RemoteConfig selects the remote service used for reconciliation and write-forwarding.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type RemoteConfig struct {
	Type      string `toml:"type"` // "none" (default), "http" or "s3"
	TimeoutMS int    `toml:"timeout_ms,omitempty"`

	// HTTP-specific fields (only used when Type == "http")
	BaseURL     string `toml:"base_url,omitempty"`
	TokenSecret string `toml:"token_secret,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`
}

// AutosaveConfig tunes the debounce of the autosaver.
type AutosaveConfig struct {
	DebounceMS int `toml:"debounce_ms"`
}

// HydrationConfig tunes how notifications and remote copies are merged.
type HydrationConfig struct {
	DedupeWindowMS    int `toml:"dedupe_window_ms"`
	ExternalHoldoffMS int `toml:"external_holdoff_ms"` // negative disables the holdoff
	RemoteTimeoutMS   int `toml:"remote_timeout_ms"`
}

// ServerConfig configures `daysync serve`.
type ServerConfig struct {
	Addr        string `toml:"addr"`
	TokenSecret string `toml:"token_secret,omitempty"`
	DataDir     string `toml:"data_dir,omitempty"`
}

// Timeout returns the remote request timeout, or def when unset.
func (c RemoteConfig) Timeout(def time.Duration) time.Duration {
	return millisOr(c.TimeoutMS, def)
}

// Debounce returns the configured debounce interval; zero selects the engine default.
func (c AutosaveConfig) Debounce() time.Duration {
	return millisOr(c.DebounceMS, 0)
}

func (c HydrationConfig) DedupeWindow() time.Duration { return millisOr(c.DedupeWindowMS, 0) }

func (c HydrationConfig) RemoteTimeout() time.Duration { return millisOr(c.RemoteTimeoutMS, 0) }

// ExternalHoldoff keeps the sign of the configured value so that a negative
// setting still disables the holdoff.
func (c HydrationConfig) ExternalHoldoff() time.Duration {
	return time.Duration(c.ExternalHoldoffMS) * time.Millisecond
}

func millisOr(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(tenant, baseDir string) *Config {
	return &Config{
		Tenant:  tenant,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLitePath: filepath.Join(baseDir, "daysync.db"),
		},
		Codec: CodecConfig{
			Type:           "compact",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "daysync.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "daysync.key"),
		},
		Broadcast: BroadcastConfig{Type: "none"},
		Remote:    RemoteConfig{Type: "none"},
		Autosave:  AutosaveConfig{DebounceMS: 500},
		Hydration: HydrationConfig{
			DedupeWindowMS:    100,
			ExternalHoldoffMS: 3000,
			RemoteTimeoutMS:   15000,
		},
		Server: ServerConfig{
			Addr:    "127.0.0.1:8740",
			DataDir: filepath.Join(baseDir, "server"),
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file may carry remote credentials.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
