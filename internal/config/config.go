package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Role selects which sections of the file must be complete.
// The lookup server and the join gate share one file format.
type Role string

const (
	RoleServer Role = "server"
	RoleGate   Role = "gate"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Dataset  DatasetConfig  `toml:"dataset"`
	Lookup   LookupConfig   `toml:"lookup"`
	Alert    AlertConfig    `toml:"alert"`
	Gate     GateConfig     `toml:"gate"`
}

type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

func (l *LogLevel) UnmarshalText(text []byte) error {
	v := string(text)
	switch LogLevel(v) {
	case DebugLevel, InfoLevel, WarnLevel, ErrorLevel:
		*l = LogLevel(v)
		return nil
	default:
		return fmt.Errorf("invalid log.level: %q (must be debug, info, warn, error)", v)
	}
}

func (l LogLevel) String() string { return string(l) }

func (l LogLevel) ToSlogLevel() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type LogConfig struct {
	Level LogLevel `toml:"level"`
	// File is an optional path; logs go to stderr when empty.
	File string `toml:"file"`
}

type ServerConfig struct {
	ListenAddr        string        `toml:"listen_addr"`
	MetricsEnabled    bool          `toml:"metrics_enabled"`
	ReadHeaderTimeout time.Duration `toml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `toml:"shutdown_timeout"`
}

type UpstreamConfig struct {
	SourceURL    string        `toml:"source_url"`
	Token        string        `toml:"token"`
	FilePath     string        `toml:"file_path"`
	FilteredTags []string      `toml:"filtered_tags"`
	Timeout      time.Duration `toml:"timeout"`
}

// Origin identifies the selection of records this upstream produces. Tag
// order does not matter.
func (u UpstreamConfig) Origin() string {
	tags := slices.Sorted(slices.Values(u.FilteredTags))
	return u.SourceURL + "|" + u.FilePath + "|" + strings.Join(slices.Compact(tags), ",")
}

type DatasetConfig struct {
	TTL            time.Duration `toml:"ttl"`
	RefreshTimeout time.Duration `toml:"refresh_timeout"`
	FailureBackoff time.Duration `toml:"failure_backoff"`
	// SnapshotPath enables badger persistence of the last good dataset.
	SnapshotPath string `toml:"snapshot_path"`
}

type LookupConfig struct {
	APITokens    []string        `toml:"api_tokens"`
	MaxBodyBytes int64           `toml:"max_body_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled   bool          `toml:"enabled"`
	Rate      float64       `toml:"rate"`
	Burst     int           `toml:"burst"`
	CacheSize int           `toml:"cache_size"`
	TTL       time.Duration `toml:"ttl"`
}

type AlertConfig struct {
	HomeserverURL string        `toml:"homeserver_url"`
	AccessToken   string        `toml:"access_token"`
	RoomID        string        `toml:"room_id"`
	QueueSize     int           `toml:"queue_size"`
	Timeout       time.Duration `toml:"timeout"`
}

// Enabled reports whether alert delivery is configured at all.
func (a AlertConfig) Enabled() bool {
	return a.HomeserverURL != ""
}

type GateConfig struct {
	LookupURL string        `toml:"lookup_url"`
	APIToken  string        `toml:"api_token"`
	Timeout   time.Duration `toml:"timeout"`
	FailOpen  bool          `toml:"fail_open"`
}

func defaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level: InfoLevel,
		},
		Server: ServerConfig{
			ListenAddr:        ":8008",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Upstream: UpstreamConfig{
			Timeout: 30 * time.Second,
		},
		Dataset: DatasetConfig{
			TTL:            time.Hour,
			RefreshTimeout: time.Minute,
			FailureBackoff: 30 * time.Second,
		},
		Lookup: LookupConfig{
			MaxBodyBytes: 64 << 10,
			RateLimit: RateLimitConfig{
				Rate:      10,
				Burst:     20,
				CacheSize: 65536,
				TTL:       10 * time.Minute,
			},
		},
		Alert: AlertConfig{
			QueueSize: 64,
			Timeout:   10 * time.Second,
		},
		Gate: GateConfig{
			Timeout:  5 * time.Second,
			FailOpen: true,
		},
	}
}

// SameSource reports whether two configs would produce the same dataset,
// so a reload can keep the warm cache.
func (c *Config) SameSource(other *Config) bool {
	a, b := c.Upstream, other.Upstream
	return a.SourceURL == b.SourceURL &&
		a.Token == b.Token &&
		a.FilePath == b.FilePath &&
		a.Timeout == b.Timeout &&
		slices.Equal(a.FilteredTags, b.FilteredTags) &&
		c.Dataset == other.Dataset
}

func validURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http or https URL, got %q", field, raw)
	}
	return nil
}

func (c *Config) validate(role Role) error {
	switch role {
	case RoleServer:
		return c.validateServer()
	case RoleGate:
		return c.validateGate()
	default:
		return fmt.Errorf("unknown config role %q", role)
	}
}

func (c *Config) validateServer() error {
	// --- [server] ---
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr must be set")
	}
	if c.Server.ReadHeaderTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		return errors.New("server timeouts must not be negative")
	}

	// --- [upstream] ---
	if c.Upstream.SourceURL == "" {
		return errors.New("upstream.source_url must be set")
	}
	if err := validURL("upstream.source_url", c.Upstream.SourceURL); err != nil {
		return err
	}
	if c.Upstream.Token == "" {
		return errors.New("upstream.token must be set")
	}
	if c.Upstream.FilePath == "" {
		return errors.New("upstream.file_path must be set")
	}
	if len(c.Upstream.FilteredTags) == 0 {
		return errors.New("upstream.filtered_tags must contain at least one tag")
	}
	if c.Upstream.Timeout < 0 {
		return errors.New("upstream.timeout must not be negative")
	}

	// --- [dataset] ---
	if c.Dataset.TTL <= 0 {
		return errors.New("dataset.ttl must be a positive duration (e.g., '1h')")
	}
	if c.Dataset.RefreshTimeout < 0 {
		return errors.New("dataset.refresh_timeout must not be negative")
	}
	if c.Dataset.FailureBackoff < 0 {
		return errors.New("dataset.failure_backoff must not be negative")
	}

	// --- [lookup] ---
	if len(c.Lookup.APITokens) == 0 {
		return errors.New("lookup.api_tokens must contain at least one token")
	}
	for i, tok := range c.Lookup.APITokens {
		if tok == "" {
			return fmt.Errorf("lookup.api_tokens[%d] must not be empty", i)
		}
	}
	if c.Lookup.MaxBodyBytes <= 0 {
		return errors.New("lookup.max_body_bytes must be positive")
	}
	rl := c.Lookup.RateLimit
	if rl.Enabled {
		if rl.Rate <= 0 || rl.Burst <= 0 {
			return errors.New("lookup.rate_limit: rate and burst must be > 0 when enabled")
		}
		if rl.CacheSize <= 0 {
			return errors.New("lookup.rate_limit.cache_size must be positive")
		}
		if rl.TTL <= 0 {
			return errors.New("lookup.rate_limit.ttl must be a positive duration")
		}
	}

	// --- [alert] ---
	if c.Alert.Enabled() {
		if err := validURL("alert.homeserver_url", c.Alert.HomeserverURL); err != nil {
			return err
		}
		if c.Alert.AccessToken == "" || c.Alert.RoomID == "" {
			return errors.New("alert.access_token and alert.room_id must be set when alert.homeserver_url is set")
		}
		if c.Alert.QueueSize <= 0 {
			return errors.New("alert.queue_size must be positive")
		}
	}

	return nil
}

func (c *Config) validateGate() error {
	if c.Gate.LookupURL == "" {
		return errors.New("gate.lookup_url must be set")
	}
	if err := validURL("gate.lookup_url", c.Gate.LookupURL); err != nil {
		return err
	}
	if c.Gate.APIToken == "" {
		return errors.New("gate.api_token must be set")
	}
	if c.Gate.Timeout <= 0 {
		return errors.New("gate.timeout must be a positive duration")
	}
	return nil
}

// Load reads the TOML file at path over the defaults and validates the
// sections required by role.
func Load(path string, role Role) (*Config, error) {
	cfg := defaultConfig()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found at %s", path)
		}
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}

	if err := cfg.validate(role); err != nil {
		return nil, err
	}
	return cfg, nil
}
