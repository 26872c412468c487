package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Outbox OutboxConfig `yaml:"outbox"`
	Stream StreamConfig `yaml:"stream"`
	Remote RemoteConfig `yaml:"remote"`
	OpenAI OpenAIConfig `yaml:"openai"`
	Cache  CacheConfig  `yaml:"cache"`
	Admin  AdminConfig  `yaml:"admin"`
	Backup BackupConfig `yaml:"backup"`
	Log    LogConfig    `yaml:"log"`
}

// StoreConfig contains local store settings.
type StoreConfig struct {
	Path           string `yaml:"path"`
	SchemaVersion  int    `yaml:"schema_version"`
	WatchSchema    bool   `yaml:"watch_schema"`
	MaxRecordBytes int    `yaml:"max_record_bytes"`
}

// OutboxConfig contains mutation queue settings.
type OutboxConfig struct {
	GraceWindow    Duration `yaml:"grace_window"`
	RetryCeiling   int      `yaml:"retry_ceiling"`
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  Duration `yaml:"retry_max_delay"`
	DrainInterval  Duration `yaml:"drain_interval"`
	PurgeFailed    bool     `yaml:"purge_failed"`
	RejectStale    bool     `yaml:"reject_stale"`
}

// StreamConfig contains push-stream settings.
type StreamConfig struct {
	// Dialer is one of "sse", "websocket" or "openai".
	Dialer               string   `yaml:"dialer"`
	Endpoint             string   `yaml:"endpoint"`
	ConnectTimeout       Duration `yaml:"connect_timeout"`
	MaxSessionDuration   Duration `yaml:"max_session_duration"`
	AutoReconnect        bool     `yaml:"auto_reconnect"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts"`
	BaseDelay            Duration `yaml:"base_delay"`
	BackoffFactor        float64  `yaml:"backoff_factor"`
	MaxReconnectDelay    Duration `yaml:"max_reconnect_delay"`
}

// RemoteConfig contains remote API settings.
type RemoteConfig struct {
	BaseURL       string   `yaml:"base_url"`
	APIKey        string   `yaml:"-"` // env-only, never in YAML
	Timeout       Duration `yaml:"timeout"`
	HealthPath    string   `yaml:"health_path"`
	ProbeInterval Duration `yaml:"probe_interval"` // zero disables probing
}

// OpenAIConfig contains settings for the OpenAI stream dialer.
type OpenAIConfig struct {
	APIKey  string `yaml:"-"` // env-only, never in YAML
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// CacheConfig contains cached message eviction settings.
type CacheConfig struct {
	MessageTTL       Duration `yaml:"message_ttl"`
	EvictionInterval Duration `yaml:"eviction_interval"`
}

// AdminConfig contains settings for the local admin HTTP API. An empty
// Listen address disables it.
type AdminConfig struct {
	Listen          string   `yaml:"listen"`
	APIKey          string   `yaml:"-"` // env-only, never in YAML
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// BackupConfig contains S3-compatible storage settings for store backups.
// An empty Bucket disables upload.
type BackupConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	Bucket    string   `yaml:"bucket"`
	Prefix    string   `yaml:"prefix"`
	Region    string   `yaml:"region"`
	UseSSL    *bool    `yaml:"use_ssl"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
	URLExpiry Duration `yaml:"url_expiry"`
	DeviceID  string   `yaml:"device_id"`
}

// LogConfig contains logging settings. File enables rotated file output.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	// Determine config path
	configPath := getEnv("CHATSYNC_CONFIG_PATH", "config/chatsync.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	// Load YAML file (file must exist for this function)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a Config with all default values.
func Default() *Config {
	return newDefaults()
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Store: StoreConfig{
			Path:          "data/chatsync.db",
			SchemaVersion: 1,
			WatchSchema:   true,
		},
		Outbox: OutboxConfig{
			GraceWindow:    Duration(2 * time.Minute),
			RetryCeiling:   5,
			RetryBaseDelay: Duration(5 * time.Second),
			RetryMaxDelay:  Duration(10 * time.Minute),
			DrainInterval:  Duration(1 * time.Minute),
		},
		Stream: StreamConfig{
			Dialer:               "sse",
			ConnectTimeout:       Duration(10 * time.Second),
			MaxSessionDuration:   Duration(10 * time.Minute),
			AutoReconnect:        true,
			MaxReconnectAttempts: 5,
			BaseDelay:            Duration(1 * time.Second),
			BackoffFactor:        2,
			MaxReconnectDelay:    Duration(30 * time.Second),
		},
		Remote: RemoteConfig{
			Timeout:       Duration(30 * time.Second),
			HealthPath:    "/api/v1/health",
			ProbeInterval: Duration(30 * time.Second),
		},
		OpenAI: OpenAIConfig{
			Model: "gpt-4o-mini",
		},
		Cache: CacheConfig{
			MessageTTL:       Duration(30 * 24 * time.Hour),
			EvictionInterval: Duration(1 * time.Hour),
		},
		Admin: AdminConfig{
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Backup: BackupConfig{
			Endpoint:  "s3.amazonaws.com",
			Region:    "us-east-1",
			URLExpiry: Duration(15 * time.Minute),
			DeviceID:  defaultDeviceID(),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Store
	if v := os.Getenv("CHATSYNC_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	envInt("CHATSYNC_SCHEMA_VERSION", &cfg.Store.SchemaVersion)
	envBool("CHATSYNC_WATCH_SCHEMA", &cfg.Store.WatchSchema)

	// Outbox
	envDuration("CHATSYNC_GRACE_WINDOW", &cfg.Outbox.GraceWindow)
	envInt("CHATSYNC_RETRY_CEILING", &cfg.Outbox.RetryCeiling)
	envDuration("CHATSYNC_DRAIN_INTERVAL", &cfg.Outbox.DrainInterval)
	envBool("CHATSYNC_REJECT_STALE", &cfg.Outbox.RejectStale)

	// Stream
	if v := os.Getenv("CHATSYNC_STREAM_DIALER"); v != "" {
		cfg.Stream.Dialer = v
	}
	if v := os.Getenv("CHATSYNC_STREAM_ENDPOINT"); v != "" {
		cfg.Stream.Endpoint = v
	}
	envDuration("CHATSYNC_CONNECT_TIMEOUT", &cfg.Stream.ConnectTimeout)
	envDuration("CHATSYNC_MAX_SESSION_DURATION", &cfg.Stream.MaxSessionDuration)
	envBool("CHATSYNC_AUTO_RECONNECT", &cfg.Stream.AutoReconnect)
	envInt("CHATSYNC_MAX_RECONNECT_ATTEMPTS", &cfg.Stream.MaxReconnectAttempts)

	// Remote
	if v := os.Getenv("CHATSYNC_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("CHATSYNC_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	envDuration("CHATSYNC_REMOTE_TIMEOUT", &cfg.Remote.Timeout)
	envDuration("CHATSYNC_PROBE_INTERVAL", &cfg.Remote.ProbeInterval)

	// OpenAI (OPENAI_API_KEY is industry convention)
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv("CHATSYNC_OPENAI_MODEL"); v != "" {
		cfg.OpenAI.Model = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAI.BaseURL = v
	}

	// Cache
	envDuration("CHATSYNC_MESSAGE_TTL", &cfg.Cache.MessageTTL)

	// Admin
	if v := os.Getenv("CHATSYNC_ADMIN_LISTEN"); v != "" {
		cfg.Admin.Listen = v
	}
	if v := os.Getenv("CHATSYNC_ADMIN_KEY"); v != "" {
		cfg.Admin.APIKey = v
	}

	// Backup
	if v := os.Getenv("CHATSYNC_BACKUP_ENDPOINT"); v != "" {
		cfg.Backup.Endpoint = v
	}
	if v := os.Getenv("CHATSYNC_BACKUP_BUCKET"); v != "" {
		cfg.Backup.Bucket = v
	}
	if v := os.Getenv("CHATSYNC_BACKUP_REGION"); v != "" {
		cfg.Backup.Region = v
	}
	if v := os.Getenv("CHATSYNC_BACKUP_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Backup.UseSSL = &useSSL
	}
	if v := os.Getenv("CHATSYNC_BACKUP_ACCESS_KEY"); v != "" {
		cfg.Backup.AccessKey = v
	}
	if v := os.Getenv("CHATSYNC_BACKUP_SECRET_KEY"); v != "" {
		cfg.Backup.SecretKey = v
	}
	if v := os.Getenv("CHATSYNC_DEVICE_ID"); v != "" {
		cfg.Backup.DeviceID = v
	}

	// Log
	if v := os.Getenv("CHATSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CHATSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("CHATSYNC_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

// validate checks that configuration values are usable.
// In dev mode (CHATSYNC_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	if c.Store.Path == "" {
		return errors.New("store.path is required")
	}
	if c.Store.SchemaVersion < 1 {
		return errors.New("store.schema_version must be at least 1")
	}
	if c.Outbox.RetryCeiling < 1 {
		return errors.New("outbox.retry_ceiling must be at least 1")
	}
	if c.Outbox.DrainInterval <= 0 {
		return errors.New("outbox.drain_interval must be positive")
	}
	if c.Remote.ProbeInterval < 0 {
		return errors.New("remote.probe_interval must not be negative")
	}
	if c.Stream.BackoffFactor < 1 {
		return errors.New("stream.backoff_factor must be at least 1")
	}
	if c.Stream.MaxReconnectAttempts < 0 {
		return errors.New("stream.max_reconnect_attempts must not be negative")
	}
	switch c.Stream.Dialer {
	case "sse", "websocket", "openai":
	default:
		return fmt.Errorf("stream.dialer %q is not one of sse, websocket, openai", c.Stream.Dialer)
	}
	if c.Backup.Bucket != "" {
		if c.Backup.URLExpiry <= 0 {
			return errors.New("backup.url_expiry must be positive")
		}
		if c.Backup.DeviceID == "" {
			return errors.New("backup.device_id is required when backup.bucket is set")
		}
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q is not one of json, text", c.Log.Format)
	}

	// Dev mode bypasses API key validation
	if os.Getenv("CHATSYNC_DEV_MODE") == "true" {
		return nil
	}
	if c.Stream.Dialer == "openai" && c.OpenAI.APIKey == "" {
		return errors.New("OPENAI_API_KEY is required for the openai dialer")
	}
	if c.Remote.BaseURL != "" && c.Remote.APIKey == "" {
		return errors.New("CHATSYNC_API_KEY is required when remote.base_url is set")
	}
	if c.Admin.Listen != "" && c.Admin.APIKey == "" {
		return errors.New("CHATSYNC_ADMIN_KEY is required when admin.listen is set")
	}
	if c.Backup.Bucket != "" && (c.Backup.AccessKey == "" || c.Backup.SecretKey == "") {
		return errors.New("CHATSYNC_BACKUP_ACCESS_KEY and CHATSYNC_BACKUP_SECRET_KEY are required when backup.bucket is set")
	}
	return nil
}

func defaultDeviceID() string {
	host, err := os.Hostname()
	if err != nil {
		return "default"
	}
	return host
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
