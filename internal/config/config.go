package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every environment override, e.g.
// HEARTLINE_SERVER_URL or HEARTLINE_CONNECTION_MAX_ATTEMPTS.
const EnvPrefix = "HEARTLINE_"

// Config represents the global ~/.heartline/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile" env:"PROFILE"`
	ServerURL      string `toml:"server_url" env:"SERVER_URL"`
	APIURL         string `toml:"api_url" env:"API_URL"`
	LogLevel       string `toml:"log_level" env:"LOG_LEVEL"`

	// Credential is never written to disk; it only comes from the environment
	// so a supervised daemon can connect at startup.
	Credential string `toml:"-" env:"CREDENTIAL"`

	Connection Connection `toml:"connection" envPrefix:"CONNECTION_"`
	Timeline   Timeline   `toml:"timeline" envPrefix:"TIMELINE_"`
	Call       Call       `toml:"call" envPrefix:"CALL_"`
	Presence   Presence   `toml:"presence" envPrefix:"PRESENCE_"`
	Store      Store      `toml:"store" envPrefix:"STORE_"`
}

// Connection tunes the persistent server connection.
type Connection struct {
	ConnectTimeout    Duration `toml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	HeartbeatInterval Duration `toml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	BackoffBase       Duration `toml:"backoff_base" env:"BACKOFF_BASE"`
	BackoffCap        Duration `toml:"backoff_cap" env:"BACKOFF_CAP"`
	MaxAttempts       int      `toml:"max_attempts" env:"MAX_ATTEMPTS"`
}

// Timeline tunes history fetching and the conversation cache.
type Timeline struct {
	RecentLimit  int      `toml:"recent_limit" env:"RECENT_LIMIT"`
	FullLimit    int      `toml:"full_limit" env:"FULL_LIMIT"`
	CacheLimit   int      `toml:"cache_limit" env:"CACHE_LIMIT"`
	PollInterval Duration `toml:"poll_interval" env:"POLL_INTERVAL"`
	SendWorkers  int      `toml:"send_workers" env:"SEND_WORKERS"`
}

// Call tunes call signaling timers.
type Call struct {
	RingAfter       Duration `toml:"ring_after" env:"RING_AFTER"`
	NoAnswerAfter   Duration `toml:"no_answer_after" env:"NO_ANSWER_AFTER"`
	DuplicateWindow Duration `toml:"duplicate_window" env:"DUPLICATE_WINDOW"`
}

// Presence tunes typing indicators.
type Presence struct {
	TypingDecay Duration `toml:"typing_decay" env:"TYPING_DECAY"`
}

// Store selects the durable key-value backend.
type Store struct {
	Backend   string `toml:"backend" env:"BACKEND"`
	RedisAddr string `toml:"redis_addr" env:"REDIS_ADDR"`
	RedisDB   int    `toml:"redis_db" env:"REDIS_DB"`
}

// Defaults returns a configuration with every value populated.
func Defaults() *Config {
	return &Config{
		DefaultProfile: "main",
		ServerURL:      "ws://127.0.0.1:7420/ws",
		APIURL:         "http://127.0.0.1:7420",
		LogLevel:       "info",
		Connection: Connection{
			ConnectTimeout:    Duration(30 * time.Second),
			HeartbeatInterval: Duration(30 * time.Second),
			BackoffBase:       Duration(time.Second),
			BackoffCap:        Duration(30 * time.Second),
			MaxAttempts:       10,
		},
		Timeline: Timeline{
			RecentLimit:  20,
			FullLimit:    500,
			CacheLimit:   200,
			PollInterval: Duration(time.Minute),
			SendWorkers:  2,
		},
		Call: Call{
			RingAfter:       Duration(3 * time.Second),
			NoAnswerAfter:   Duration(45 * time.Second),
			DuplicateWindow: Duration(5 * time.Second),
		},
		Presence: Presence{
			TypingDecay: Duration(3 * time.Second),
		},
		Store: Store{
			Backend:   "sqlite",
			RedisAddr: "127.0.0.1:6379",
		},
	}
}

// Load reads config from the given path on top of the defaults. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve builds the effective configuration: defaults, then the file at path
// when it exists, then HEARTLINE_* environment overrides.
func Resolve(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = Defaults(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	}
	if c.APIURL == "" {
		errs = append(errs, errors.New("api_url is required"))
	}
	for name, d := range map[string]Duration{
		"connection.connect_timeout":    c.Connection.ConnectTimeout,
		"connection.heartbeat_interval": c.Connection.HeartbeatInterval,
		"connection.backoff_base":       c.Connection.BackoffBase,
		"connection.backoff_cap":        c.Connection.BackoffCap,
		"timeline.poll_interval":        c.Timeline.PollInterval,
		"call.ring_after":               c.Call.RingAfter,
		"call.no_answer_after":          c.Call.NoAnswerAfter,
		"presence.typing_decay":         c.Presence.TypingDecay,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Connection.BackoffCap < c.Connection.BackoffBase {
		errs = append(errs, errors.New("connection.backoff_cap must not be below backoff_base"))
	}
	if c.Connection.MaxAttempts < 1 {
		errs = append(errs, errors.New("connection.max_attempts must be at least 1"))
	}
	if c.Call.RingAfter >= c.Call.NoAnswerAfter {
		errs = append(errs, errors.New("call.ring_after must be shorter than no_answer_after"))
	}
	switch c.Store.Backend {
	case "sqlite":
	case "redis":
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	return errors.Join(errs...)
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
