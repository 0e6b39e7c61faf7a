// Package config loads service configuration from a YAML file and the
// environment, and manages the threshold document kept in the KV store.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// ErrFatalConfig marks configuration the process cannot start with.
var ErrFatalConfig = errors.New("fatal config error")

// Config is the process-level configuration. YAML supplies the file
// defaults; environment variables override field by field.
type Config struct {
	WSEndpoint  string `yaml:"ws_endpoint"`
	RPCEndpoint string `yaml:"rpc_endpoint"`

	StatsAPIBase string `yaml:"stats_api_base"`
	SpotAPIBase  string `yaml:"spot_api_base"`

	NotifierURL    string `yaml:"notifier_url"`
	NotifierChatID string `yaml:"notifier_chat_id"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	PostgresDSN string `yaml:"postgres_dsn"`

	WorkerCount int    `yaml:"worker_count"`
	MetricsPort int    `yaml:"metrics_port"`
	LogFormat   string `yaml:"log_format"`

	AllowDefaultWBNBPrice bool `yaml:"allow_default_wbnb_price"`
}

func defaults() Config {
	return Config{
		RedisAddr:   "localhost:6379",
		WorkerCount: 20,
		MetricsPort: 8001,
		LogFormat:   "text",
	}
}

// Load reads the YAML file at path (optional, may be empty), applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrFatalConfig, path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrFatalConfig, path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	envStr("BSC_WS_ENDPOINT", &cfg.WSEndpoint)
	envStr("BSC_RPC_ENDPOINT", &cfg.RPCEndpoint)
	envStr("STATS_API_BASE", &cfg.StatsAPIBase)
	envStr("SPOT_API_BASE", &cfg.SpotAPIBase)
	envStr("NOTIFIER_URL", &cfg.NotifierURL)
	envStr("NOTIFIER_CHAT_ID", &cfg.NotifierChatID)
	envStr("REDIS_ADDR", &cfg.RedisAddr)
	envStr("REDIS_PASSWORD", &cfg.RedisPassword)
	envInt("REDIS_DB", &cfg.RedisDB)
	envStr("POSTGRES_DSN", &cfg.PostgresDSN)
	envInt("WORKER_COUNT", &cfg.WorkerCount)
	envInt("METRICS_PORT", &cfg.MetricsPort)
	envStr("LOG_FORMAT", &cfg.LogFormat)
	envBool("ALLOW_DEFAULT_WBNB_PRICE", &cfg.AllowDefaultWBNBPrice)
}

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func (c *Config) validate() error {
	if c.WSEndpoint == "" {
		return fmt.Errorf("%w: ws_endpoint is required", ErrFatalConfig)
	}
	if c.RPCEndpoint == "" {
		return fmt.Errorf("%w: rpc_endpoint is required", ErrFatalConfig)
	}
	if c.NotifierURL == "" {
		return fmt.Errorf("%w: notifier_url is required", ErrFatalConfig)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("%w: worker_count must be positive, got %d", ErrFatalConfig, c.WorkerCount)
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("%w: metrics_port %d out of range", ErrFatalConfig, c.MetricsPort)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log_format must be text or json, got %q", ErrFatalConfig, c.LogFormat)
	}
	return nil
}
