// Package config loads service configuration from the environment and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	ErrInvalidPort      = errors.New("config: PORT is required")
	ErrInvalidRateLimit = errors.New("config: bid rate limit must be positive")
	ErrInvalidCacheTTL  = errors.New("config: CACHE_TTL must be positive")
)

// Config holds application configuration (env + Viper).
type Config struct {
	Env               string
	Port              string
	DatabaseURL       string // empty selects the in-memory store
	RedisURL          string // empty disables the cache and event publishing
	CacheTTL          time.Duration
	RefdataPath       string // empty uses the embedded tables
	LogLevel          string
	LogPretty         bool
	LogisticsSeed     uint64 // 0 seeds from the clock
	BidRateLimitRPS   float64
	BidRateLimitBurst int
	EventsChannel     string
}

// Load reads CONFIG_FILE (default .env, ignored when absent), then the
// environment, which takes precedence.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("CACHE_TTL", "30s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("LOGISTICS_SEED", 0)
	v.SetDefault("BID_RATE_LIMIT_RPS", 5.0)
	v.SetDefault("BID_RATE_LIMIT_BURST", 10)
	v.SetDefault("EVENTS_CHANNEL", "mandi:events")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	file := v.GetString("CONFIG_FILE")
	if file == "" {
		file = ".env"
	}
	v.SetConfigFile(file)
	v.SetConfigType(configType(file))
	// A missing file is fine; the environment and defaults still apply.
	_ = v.ReadInConfig()

	cfg := &Config{
		Env:               v.GetString("ENV"),
		Port:              strings.TrimSpace(v.GetString("PORT")),
		DatabaseURL:       v.GetString("DATABASE_URL"),
		RedisURL:          v.GetString("REDIS_URL"),
		CacheTTL:          v.GetDuration("CACHE_TTL"),
		RefdataPath:       v.GetString("REFDATA_PATH"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		LogPretty:         v.GetBool("LOG_PRETTY"),
		LogisticsSeed:     v.GetUint64("LOGISTICS_SEED"),
		BidRateLimitRPS:   v.GetFloat64("BID_RATE_LIMIT_RPS"),
		BidRateLimitBurst: v.GetInt("BID_RATE_LIMIT_BURST"),
		EventsChannel:     v.GetString("EVENTS_CHANNEL"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that have no usable zero.
func (c *Config) Validate() error {
	if c.Port == "" {
		return ErrInvalidPort
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidCacheTTL, c.CacheTTL)
	}
	if c.BidRateLimitRPS <= 0 || c.BidRateLimitBurst <= 0 {
		return fmt.Errorf("%w: rps=%v burst=%d", ErrInvalidRateLimit, c.BidRateLimitRPS, c.BidRateLimitBurst)
	}
	return nil
}

// IsProduction reports whether ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func configType(file string) string {
	switch {
	case strings.HasSuffix(file, ".yaml"), strings.HasSuffix(file, ".yml"):
		return "yaml"
	case strings.HasSuffix(file, ".json"):
		return "json"
	default:
		return "env"
	}
}
