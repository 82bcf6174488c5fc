// Package config defines all configuration for the replication engine.
// Config is loaded from an optional YAML file (default: configs/config.yaml)
// with overrides via DHAN_* environment variables; account credentials come
// from the unprefixed LEADER_*/FOLLOWER_* variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"dhan-mirror/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun      bool              `mapstructure:"dry_run"`
	Leader      AccountConfig     `mapstructure:"leader"`
	Follower    AccountConfig     `mapstructure:"follower"`
	API         APIConfig         `mapstructure:"api"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Store       StoreConfig       `mapstructure:"store"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Ops         OpsConfig         `mapstructure:"ops"`
}

// AccountConfig holds one account's broker credentials. Access tokens are
// short-lived bearer tokens issued by the broker's developer console.
type AccountConfig struct {
	ClientID    string `mapstructure:"client_id"`
	AccessToken string `mapstructure:"access_token"`
}

// APIConfig holds broker endpoints and REST behaviour.
//
//   - BaseURL / WSURL: REST base and order-update stream endpoints.
//   - Timeout: per-request HTTP timeout.
//   - MaxRPS: client-side admission rate per account (broker caps at 10/s).
//   - BreakerThreshold / BreakerCooldown: consecutive-failure count that
//     opens the circuit breaker, and how long it stays open before probing.
type APIConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	WSURL            string        `mapstructure:"ws_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxRPS           int           `mapstructure:"max_rps"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// ReplicationConfig tunes what gets copied and how follower size is computed.
//
//   - Enabled: master switch; the store's copy_enabled key overrides it at
//     runtime without a restart.
//   - SizingStrategy: capital_proportional, fixed_ratio or risk_based.
//   - CopyRatio: multiplier for fixed_ratio.
//   - MaxPositionPct: per-order notional cap as % of follower balance.
//   - FundsTTL: how long a cached balance stays fresh.
//   - Products: product allow-list; empty = all broker-supported products.
//   - SkewWarnAfter: leader/follower update-time divergence that logs a warning.
//   - WorkerCount: replicator worker pool size.
//   - DrainTimeout: max wait for in-flight work on shutdown.
type ReplicationConfig struct {
	Enabled        bool                 `mapstructure:"enabled"`
	SizingStrategy types.SizingStrategy `mapstructure:"sizing_strategy"`
	CopyRatio      float64              `mapstructure:"copy_ratio"`
	MaxPositionPct float64              `mapstructure:"max_position_pct"`
	FundsTTL       time.Duration        `mapstructure:"funds_ttl"`
	Products       []string             `mapstructure:"products"`
	SkewWarnAfter  time.Duration        `mapstructure:"skew_warn_after"`
	WorkerCount    int                  `mapstructure:"worker_count"`
	DrainTimeout   time.Duration        `mapstructure:"drain_timeout"`
}

// StreamConfig controls the order-update stream lifecycle.
// MaxReconnectAttempts counts consecutive sessions that never reached a
// working login; 0 retries forever.
type StreamConfig struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `mapstructure:"heartbeat_timeout"`
	ReconnectBackoffMax  time.Duration `mapstructure:"reconnect_backoff_max"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
}

// StoreConfig sets where the SQLite database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OpsConfig controls the optional health/status HTTP listener.
// Empty ListenAddr disables it.
type OpsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load reads config from an optional YAML file with env var overrides.
// Credentials use the unprefixed env vars LEADER_CLIENT_ID,
// LEADER_ACCESS_TOKEN, FOLLOWER_CLIENT_ID, FOLLOWER_ACCESS_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DHAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if id := os.Getenv("LEADER_CLIENT_ID"); id != "" {
		cfg.Leader.ClientID = id
	}
	if tok := os.Getenv("LEADER_ACCESS_TOKEN"); tok != "" {
		cfg.Leader.AccessToken = tok
	}
	if id := os.Getenv("FOLLOWER_CLIENT_ID"); id != "" {
		cfg.Follower.ClientID = id
	}
	if tok := os.Getenv("FOLLOWER_ACCESS_TOKEN"); tok != "" {
		cfg.Follower.AccessToken = tok
	}
	if os.Getenv("DHAN_DRY_RUN") == "true" || os.Getenv("DHAN_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "https://api.dhan.co")
	v.SetDefault("api.ws_url", "wss://api-order-update.dhan.co")
	v.SetDefault("api.timeout", 10*time.Second)
	v.SetDefault("api.max_rps", 10)
	v.SetDefault("api.breaker_threshold", 5)
	v.SetDefault("api.breaker_cooldown", 60*time.Second)

	v.SetDefault("replication.enabled", true)
	v.SetDefault("replication.sizing_strategy", string(types.SizingCapitalProportional))
	v.SetDefault("replication.copy_ratio", 1.0)
	v.SetDefault("replication.max_position_pct", 10.0)
	v.SetDefault("replication.funds_ttl", 30*time.Second)
	v.SetDefault("replication.skew_warn_after", 60*time.Second)
	v.SetDefault("replication.worker_count", 4)
	v.SetDefault("replication.drain_timeout", 10*time.Second)

	v.SetDefault("stream.heartbeat_interval", 30*time.Second)
	v.SetDefault("stream.heartbeat_timeout", 60*time.Second)
	v.SetDefault("stream.reconnect_backoff_max", 60*time.Second)
	v.SetDefault("stream.max_reconnect_attempts", 10)

	v.SetDefault("store.path", "./copy_trading.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("ops.listen_addr", "127.0.0.1:8750")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Leader.ClientID == "" {
		return fmt.Errorf("leader.client_id is required (set LEADER_CLIENT_ID)")
	}
	if c.Leader.AccessToken == "" {
		return fmt.Errorf("leader.access_token is required (set LEADER_ACCESS_TOKEN)")
	}
	if c.Follower.ClientID == "" {
		return fmt.Errorf("follower.client_id is required (set FOLLOWER_CLIENT_ID)")
	}
	if c.Follower.AccessToken == "" {
		return fmt.Errorf("follower.access_token is required (set FOLLOWER_ACCESS_TOKEN)")
	}
	if c.Leader.ClientID == c.Follower.ClientID {
		return fmt.Errorf("leader and follower client ids must differ")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.API.MaxRPS <= 0 {
		return fmt.Errorf("api.max_rps must be > 0")
	}
	switch c.Replication.SizingStrategy {
	case types.SizingCapitalProportional, types.SizingRiskBased:
	case types.SizingFixedRatio:
		if c.Replication.CopyRatio <= 0 {
			return fmt.Errorf("replication.copy_ratio must be > 0 for fixed_ratio sizing")
		}
	default:
		return fmt.Errorf("replication.sizing_strategy must be one of: capital_proportional, fixed_ratio, risk_based")
	}
	if c.Replication.MaxPositionPct <= 0 || c.Replication.MaxPositionPct > 100 {
		return fmt.Errorf("replication.max_position_pct must be in (0, 100]")
	}
	if c.Replication.WorkerCount <= 0 {
		return fmt.Errorf("replication.worker_count must be > 0")
	}
	if c.Stream.HeartbeatTimeout <= c.Stream.HeartbeatInterval {
		return fmt.Errorf("stream.heartbeat_timeout must exceed stream.heartbeat_interval")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}

// AllowsProduct reports whether the product allow-list admits p.
// An empty list admits every broker-supported product.
func (c *Config) AllowsProduct(p types.Product) bool {
	if len(c.Replication.Products) == 0 {
		return true
	}
	for _, allowed := range c.Replication.Products {
		if strings.EqualFold(allowed, string(p)) {
			return true
		}
	}
	return false
}

// Redact shortens a credential for logging: first 8 and last 4 characters.
func Redact(token string) string {
	if len(token) <= 12 {
		return "***"
	}
	return token[:8] + "..." + token[len(token)-4:]
}
