// Package config loads easyai settings from flags, environment variables,
// an optional .env file and an optional YAML config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"easyaikit/internal/backend"
	"easyaikit/internal/client"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

const EnvPrefix = "EASYAI"

// Config holds application configuration
type Config struct {
	APIKey        string        `mapstructure:"api-key"`
	BaseURL       string        `mapstructure:"base-url"`
	Model         string        `mapstructure:"model"`
	ThinkModel    string        `mapstructure:"think-model"`
	SystemMessage string        `mapstructure:"system"`
	MaxRetries    int           `mapstructure:"max-retries"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxHistory    int           `mapstructure:"max-history"`

	// Response cache, Redis when RedisAddr is set
	RedisAddr     string        `mapstructure:"redis-addr"`
	RedisPassword string        `mapstructure:"redis-password"`
	RedisDB       int           `mapstructure:"redis-db"`
	CacheTTL      time.Duration `mapstructure:"cache-ttl"`

	// History storage, at most one of DBPath and JSONPath
	DBPath    string `mapstructure:"db"`
	JSONPath  string `mapstructure:"json-store"`
	SessionID string `mapstructure:"session-id"`

	Addr   string `mapstructure:"addr"`
	LogDir string `mapstructure:"log-dir"`
	Debug  bool   `mapstructure:"debug"`

	// Per-request parameters, nil when not set
	Temperature *float64 `mapstructure:"-"`
	MaxTokens   *int     `mapstructure:"-"`
	TopP        *float64 `mapstructure:"-"`
}

// NewFlagSet returns a flag set carrying every configuration flag
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "YAML config file")
	fs.String("env-file", ".env", "dotenv file loaded before reading the environment")

	fs.String("api-key", "", "Ark API key (default $"+backend.APIKeyEnv+")")
	fs.String("base-url", backend.DefaultBaseURL, "Ark API base URL")
	fs.String("model", client.DefaultModel, "chat model")
	fs.String("think-model", client.DefaultThinkModel, "reasoning model")
	fs.String("system", "", "system message")
	fs.Int("max-retries", 3, "retries for transient API failures")
	fs.Duration("timeout", 120*time.Second, "request timeout for non-streaming calls")
	fs.Int("max-history", 0, "past messages sent with each chat turn (0 = all)")

	fs.Float64("temperature", 0, "sampling temperature")
	fs.Int("max-tokens", 0, "maximum tokens in the reply")
	fs.Float64("top-p", 0, "nucleus sampling probability")

	fs.String("redis-addr", "", "Redis address for the response cache")
	fs.String("redis-password", "", "Redis password")
	fs.Int("redis-db", 0, "Redis database")
	fs.Duration("cache-ttl", time.Hour, "response cache TTL")

	fs.String("db", "", "SQLite chat history path")
	fs.String("json-store", "", "JSON chat history path")
	fs.String("session-id", "", "resume an existing session")

	fs.String("addr", ":8080", "HTTP listen address for serve")
	fs.String("log-dir", "logs", "directory for log, trace and metric files")
	fs.Bool("debug", false, "enable debug logging")
	return fs
}

// Load resolves configuration from a parsed flag set. Precedence is flags,
// then environment (EASYAI_*, ARK_API_KEY, ARK_BASE_URL), then the config
// file, then flag defaults.
func Load(flags *pflag.FlagSet) (*Config, error) {
	envFile, _ := flags.GetString("env-file")
	if envFile != "" {
		if err := gotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("api-key", EnvPrefix+"_API_KEY", backend.APIKeyEnv); err != nil {
		return nil, fmt.Errorf("failed to bind api key env: %w", err)
	}
	if err := v.BindEnv("base-url", EnvPrefix+"_BASE_URL", backend.BaseURLEnv); err != nil {
		return nil, fmt.Errorf("failed to bind base url env: %w", err)
	}
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if v.IsSet("temperature") {
		t := v.GetFloat64("temperature")
		cfg.Temperature = &t
	}
	if v.IsSet("max-tokens") {
		n := v.GetInt("max-tokens")
		cfg.MaxTokens = &n
	}
	if v.IsSet("top-p") {
		p := v.GetFloat64("top-p")
		cfg.TopP = &p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that cannot be combined
func (c *Config) Validate() error {
	if c.DBPath != "" && c.JSONPath != "" {
		return errors.New("--db and --json-store are mutually exclusive")
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature %v out of range [0, 2]", *c.Temperature)
	}
	if c.TopP != nil && (*c.TopP <= 0 || *c.TopP > 1) {
		return fmt.Errorf("top-p %v out of range (0, 1]", *c.TopP)
	}
	if c.MaxTokens != nil && *c.MaxTokens <= 0 {
		return fmt.Errorf("max-tokens must be positive, got %d", *c.MaxTokens)
	}
	return nil
}

// RequestOptions returns the per-request parameters that were set
func (c *Config) RequestOptions() []backend.RequestOption {
	var opts []backend.RequestOption
	if c.Temperature != nil {
		opts = append(opts, backend.WithTemperature(*c.Temperature))
	}
	if c.MaxTokens != nil {
		opts = append(opts, backend.WithMaxTokens(*c.MaxTokens))
	}
	if c.TopP != nil {
		opts = append(opts, backend.WithTopP(*c.TopP))
	}
	return opts
}
