// Package config defines all static configuration for the arbitrage worker.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables.
//
// Toggleable runtime settings (profit threshold, freshness budgets, the
// enabled flag) are NOT here — they live in the external KV and are polled by
// the worker's main loop. This file covers everything fixed at process start.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Redis     RedisConfig     `mapstructure:"redis"`
	Venues    VenuesConfig    `mapstructure:"venues"`
	Matcher   MatcherConfig   `mapstructure:"matcher"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Evaluator EvaluatorConfig `mapstructure:"evaluator"`
	Ops       OpsConfig       `mapstructure:"ops"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RedisConfig points at the external KV that carries runtime config, the
// heartbeat, and the opportunity log.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// KeyPrefix namespaces every key this worker touches (default "crossarb").
	KeyPrefix string `mapstructure:"key_prefix"`
}

// VenuesConfig holds one VenueConfig per supported venue.
type VenuesConfig struct {
	Kalshi     VenueConfig `mapstructure:"kalshi"`
	Polymarket VenueConfig `mapstructure:"polymarket"`
	SXBet      VenueConfig `mapstructure:"sxbet"`
}

// VenueConfig configures one venue's stream + discovery endpoints.
// A venue with an empty WSURL runs DISABLED: the worker starts, reports the
// state in the heartbeat, and simply never connects it.
type VenueConfig struct {
	WSURL       string        `mapstructure:"ws_url"`
	RESTBaseURL string        `mapstructure:"rest_base_url"`
	APIKey      string        `mapstructure:"api_key"`
	TakerFeeBps int           `mapstructure:"taker_fee_bps"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`
}

// Enabled reports whether this venue has enough configuration to connect.
func (v VenueConfig) Enabled() bool {
	return v.WSURL != ""
}

// MatcherConfig tunes the cross-venue event matcher.
//
//   - TimeTolerance: max disagreement between member start times.
//   - MinQuality:    groups scoring below this are discarded.
type MatcherConfig struct {
	TimeTolerance time.Duration `mapstructure:"time_tolerance"`
	MinQuality    float64       `mapstructure:"min_quality"`
}

// WorkerConfig sets lifecycle cadences. Env shortcuts recognized for
// operational overrides: WORKER_HEARTBEAT_INTERVAL_MS, WORKER_SHUTDOWN_GRACE_MS,
// REFRESH_MS.
type WorkerConfig struct {
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	RefreshInterval    time.Duration `mapstructure:"refresh_interval"`
	StoppingDelay      time.Duration `mapstructure:"stopping_delay"`
	ShutdownGrace      time.Duration `mapstructure:"shutdown_grace"`
	ConfigPollInterval time.Duration `mapstructure:"config_poll_interval"`
}

// EvaluatorConfig sets evaluation pacing and the safety breaker shape.
type EvaluatorConfig struct {
	ThrottleInterval time.Duration `mapstructure:"throttle_interval"` // min gap between evaluations per event
	BreakerFailures  uint32        `mapstructure:"breaker_failures"`  // consecutive failures to open
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	QueueCapacity    int           `mapstructure:"queue_capacity"`
}

// OpsConfig controls the operational HTTP server (/healthz, /metrics, /status).
type OpsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ARB_REDIS_PASSWORD, ARB_KALSHI_API_KEY,
// ARB_POLYMARKET_API_KEY, ARB_SXBET_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if pw := os.Getenv("ARB_REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if key := os.Getenv("ARB_KALSHI_API_KEY"); key != "" {
		cfg.Venues.Kalshi.APIKey = key
	}
	if key := os.Getenv("ARB_POLYMARKET_API_KEY"); key != "" {
		cfg.Venues.Polymarket.APIKey = key
	}
	if key := os.Getenv("ARB_SXBET_API_KEY"); key != "" {
		cfg.Venues.SXBet.APIKey = key
	}

	// Operational shortcuts used by the deployment supervisor
	if ms, ok := envMillis("WORKER_HEARTBEAT_INTERVAL_MS"); ok {
		cfg.Worker.HeartbeatInterval = ms
	}
	if ms, ok := envMillis("WORKER_SHUTDOWN_GRACE_MS"); ok {
		cfg.Worker.ShutdownGrace = ms
	}
	if ms, ok := envMillis("REFRESH_MS"); ok {
		cfg.Worker.RefreshInterval = ms
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "crossarb")
	v.SetDefault("matcher.time_tolerance", 30*time.Minute)
	v.SetDefault("matcher.min_quality", 0.70)
	v.SetDefault("worker.heartbeat_interval", 5*time.Second)
	v.SetDefault("worker.refresh_interval", 15*time.Second)
	v.SetDefault("worker.stopping_delay", 1500*time.Millisecond)
	v.SetDefault("worker.shutdown_grace", 25*time.Second)
	v.SetDefault("worker.config_poll_interval", 5*time.Second)
	v.SetDefault("evaluator.throttle_interval", 100*time.Millisecond)
	v.SetDefault("evaluator.breaker_failures", 5)
	v.SetDefault("evaluator.breaker_cooldown", 60*time.Second)
	v.SetDefault("evaluator.queue_capacity", 1024)
	v.SetDefault("ops.enabled", true)
	v.SetDefault("ops.port", 9090)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("venues.kalshi.ping_period", 15*time.Second)
	v.SetDefault("venues.polymarket.ping_period", 50*time.Second)
	v.SetDefault("venues.sxbet.ping_period", 15*time.Second)
}

func envMillis(name string) (time.Duration, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Matcher.MinQuality < 0 || c.Matcher.MinQuality > 1 {
		return fmt.Errorf("matcher.min_quality must be in [0,1]")
	}
	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker.heartbeat_interval must be > 0")
	}
	if c.Worker.RefreshInterval <= 0 {
		return fmt.Errorf("worker.refresh_interval must be > 0")
	}
	if c.Worker.ShutdownGrace <= c.Worker.StoppingDelay {
		return fmt.Errorf("worker.shutdown_grace must exceed worker.stopping_delay")
	}
	if c.Evaluator.QueueCapacity <= 0 {
		return fmt.Errorf("evaluator.queue_capacity must be > 0")
	}
	if c.Evaluator.BreakerFailures == 0 {
		return fmt.Errorf("evaluator.breaker_failures must be > 0")
	}
	// A worker with every venue DISABLED still runs, heartbeats, and reports
	// IDLE, so no venue is strictly required.
	for name, vc := range map[string]VenueConfig{
		"kalshi": c.Venues.Kalshi, "polymarket": c.Venues.Polymarket, "sxbet": c.Venues.SXBet,
	} {
		if vc.Enabled() && vc.RESTBaseURL == "" {
			return fmt.Errorf("venues.%s.rest_base_url is required when ws_url is set", name)
		}
	}
	return nil
}
