package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHATSYNC_"

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultAccount string `toml:"default_account"`
	UserID         string `toml:"user_id"`
	LogLevel       string `toml:"log_level"`

	Remote   RemoteConfig   `toml:"remote"`
	Sync     SyncConfig     `toml:"sync"`
	Outbox   OutboxConfig   `toml:"outbox"`
	Presence PresenceConfig `toml:"presence"`
	HTTP     HTTPConfig     `toml:"http"`
	Export   ExportConfig   `toml:"export"`
	Tracing  TracingConfig  `toml:"tracing"`
}

// RemoteConfig selects the remote backends. Empty values fall back to the
// in-process stores.
type RemoteConfig struct {
	PostgresDSN   string   `toml:"postgres_dsn"`
	RedisAddr     string   `toml:"redis_addr"`
	RedisPassword string   `toml:"redis_password"`
	RedisDB       int      `toml:"redis_db"`
	ReachAddr     string   `toml:"reach_addr"`
	ReachInterval Duration `toml:"reach_interval"`
}

type SyncConfig struct {
	PreloadChats      int      `toml:"preload_chats"`
	PreloadMessageCap int      `toml:"preload_message_cap"`
	BackfillDelay     Duration `toml:"backfill_delay"`
}

type OutboxConfig struct {
	RetryInterval Duration `toml:"retry_interval"`
	BackoffBase   Duration `toml:"backoff_base"`
	BackoffMax    Duration `toml:"backoff_max"`
	MaxRetries    int      `toml:"max_retries"`
}

type PresenceConfig struct {
	AwayTimeout    Duration `toml:"away_timeout"`
	WriteDebounce  Duration `toml:"write_debounce"`
	TypingTimeout  Duration `toml:"typing_timeout"`
	TypingDebounce Duration `toml:"typing_debounce"`
}

// HTTPConfig configures the local HTTP surface. An empty address disables it.
type HTTPConfig struct {
	Addr string `toml:"addr"`
}

// ExportConfig configures AMQP event export. An empty URL disables it.
type ExportConfig struct {
	AMQPURL  string `toml:"amqp_url"`
	Exchange string `toml:"exchange"`
}

// TracingConfig configures OTLP trace export. An empty endpoint disables it.
type TracingConfig struct {
	OTLPEndpoint string `toml:"otlp_endpoint"`
}

// Duration is a time.Duration written as a string such as "2s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Remote:   RemoteConfig{ReachInterval: Duration{10 * time.Second}},
		Sync: SyncConfig{
			PreloadChats:      20,
			PreloadMessageCap: 100,
			BackfillDelay:     Duration{2 * time.Second},
		},
		Outbox: OutboxConfig{
			RetryInterval: Duration{5 * time.Second},
			BackoffBase:   Duration{time.Second},
			BackoffMax:    Duration{5 * time.Minute},
			MaxRetries:    10,
		},
		Presence: PresenceConfig{
			AwayTimeout:    Duration{5 * time.Minute},
			WriteDebounce:  Duration{2 * time.Second},
			TypingTimeout:  Duration{time.Second},
			TypingDebounce: Duration{time.Second},
		},
		HTTP:   HTTPConfig{Addr: "127.0.0.1:7766"},
		Export: ExportConfig{Exchange: "chatsync.events"},
	}
}

// Load reads config from the given path on top of the defaults. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve loads path if it exists, then the optional .env file, then applies
// CHATSYNC_* overrides from the environment.
func Resolve(path, envFile string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CHATSYNC_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"DEFAULT_ACCOUNT": &c.DefaultAccount,
		"USER_ID":         &c.UserID,
		"LOG_LEVEL":       &c.LogLevel,
		"POSTGRES_DSN":    &c.Remote.PostgresDSN,
		"REDIS_ADDR":      &c.Remote.RedisAddr,
		"REDIS_PASSWORD":  &c.Remote.RedisPassword,
		"REACH_ADDR":      &c.Remote.ReachAddr,
		"HTTP_ADDR":       &c.HTTP.Addr,
		"AMQP_URL":        &c.Export.AMQPURL,
		"AMQP_EXCHANGE":   &c.Export.Exchange,
		"OTLP_ENDPOINT":   &c.Tracing.OTLPEndpoint,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"REDIS_DB":            &c.Remote.RedisDB,
		"PRELOAD_CHATS":       &c.Sync.PreloadChats,
		"PRELOAD_MESSAGE_CAP": &c.Sync.PreloadMessageCap,
		"MAX_RETRIES":         &c.Outbox.MaxRetries,
	}
	for key, dst := range ints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*Duration{
		"REACH_INTERVAL":  &c.Remote.ReachInterval,
		"BACKFILL_DELAY":  &c.Sync.BackfillDelay,
		"RETRY_INTERVAL":  &c.Outbox.RetryInterval,
		"BACKOFF_BASE":    &c.Outbox.BackoffBase,
		"BACKOFF_MAX":     &c.Outbox.BackoffMax,
		"AWAY_TIMEOUT":    &c.Presence.AwayTimeout,
		"TYPING_TIMEOUT":  &c.Presence.TypingTimeout,
		"TYPING_DEBOUNCE": &c.Presence.TypingDebounce,
	}
	for key, dst := range durations {
		if v, ok := lookup(EnvPrefix + key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
		}
	}
	return nil
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
