package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "POKER"

const (
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	defaultDSN        = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
)

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RoomsConfig struct {
	IssueFreshness   time.Duration `mapstructure:"issue_freshness"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	TrackerTimeout   time.Duration `mapstructure:"tracker_timeout"`
	EstimatorTimeout time.Duration `mapstructure:"estimator_timeout"`
}

type ChatConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	IdleWindow      time.Duration `mapstructure:"idle_window"`
	ContextMessages int           `mapstructure:"context_messages"`
}

type TrackerConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	Email            string `mapstructure:"email"`
	APIToken         string `mapstructure:"api_token"`
	StoryPointsField string `mapstructure:"story_points_field"`
}

type EstimatorConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

type GuestConfig struct {
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type Config struct {
	ServerAddr       string          `mapstructure:"addr"`
	DatabaseDSN      string          `mapstructure:"dsn"`
	Base64SigningKey string          `mapstructure:"signing_key"`
	AllowedOrigins   []string        `mapstructure:"allowed_origins"`
	Log              LogConfig       `mapstructure:"log"`
	Rooms            RoomsConfig     `mapstructure:"rooms"`
	Chat             ChatConfig      `mapstructure:"chat"`
	Tracker          TrackerConfig   `mapstructure:"tracker"`
	Estimator        EstimatorConfig `mapstructure:"estimator"`
	Guest            GuestConfig     `mapstructure:"guest"`

	SigningKey []byte `mapstructure:"-"`
}

// Flags declares the command line surface. Every flag is bound to the viper
// key of the same name, so each can also come from the environment or a file.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.String("addr", "localhost:8000", "server address")
	fs.String("dsn", defaultDSN, "database connection string")
	fs.String("signing-key", defaultSigningKey, "base64 encoded signing key")
	fs.StringSlice("allowed-origins", nil, "comma-separated list of allowed origins for CORS")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "console", "log format (console, json)")
	return fs
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", "localhost:8000")
	v.SetDefault("signing_key", defaultSigningKey)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("rooms.issue_freshness", 5*time.Minute)
	v.SetDefault("rooms.idle_timeout", 30*time.Minute)
	v.SetDefault("rooms.tracker_timeout", 15*time.Second)
	v.SetDefault("rooms.estimator_timeout", 60*time.Second)
	v.SetDefault("chat.batch_size", 5)
	v.SetDefault("chat.idle_window", 2*time.Second)
	v.SetDefault("chat.context_messages", 20)
	v.SetDefault("dsn", defaultDSN)
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("tracker.base_url", "")
	v.SetDefault("tracker.email", "")
	v.SetDefault("tracker.api_token", "")
	v.SetDefault("tracker.story_points_field", "customfield_10016")
	v.SetDefault("estimator.base_url", "")
	v.SetDefault("estimator.api_key", "")
	v.SetDefault("estimator.model", "gpt-4o-mini")
	v.SetDefault("guest.token_ttl", 7*24*time.Hour)
}

// Load resolves the configuration from flags, POKER_* environment variables,
// an optional config file and defaults, in that order of precedence.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for flagName, key := range map[string]string{
			"addr":            "addr",
			"dsn":             "dsn",
			"signing-key":     "signing_key",
			"allowed-origins": "allowed_origins",
			"log-level":       "log.level",
			"log-format":      "log.format",
		} {
			if f := fs.Lookup(flagName); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %q: %w", flagName, err)
				}
			}
		}

		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("empty secret")
	}

	return base64.StdEncoding.DecodeString(base64Secret)
}

// Validate checks required settings and decodes the signing key.
func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database DSN cannot be empty")
	}
	if c.Base64SigningKey == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(c.Base64SigningKey)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	if c.Rooms.IssueFreshness <= 0 {
		return fmt.Errorf("issue freshness window must be positive")
	}
	if c.Chat.BatchSize <= 0 {
		return fmt.Errorf("chat batch size must be positive")
	}
	if c.Chat.IdleWindow <= 0 {
		return fmt.Errorf("chat idle window must be positive")
	}

	return nil
}

// TrackerEnabled reports whether enough tracker settings are present to talk
// to the issue tracker.
func (c *Config) TrackerEnabled() bool {
	return c.Tracker.BaseURL != ""
}

// EstimatorEnabled reports whether the estimator bot should join rooms.
func (c *Config) EstimatorEnabled() bool {
	return c.Estimator.BaseURL != "" && c.Estimator.APIKey != ""
}
