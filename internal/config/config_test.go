package config

import (
	"strings"
	"testing"
	"time"

	"dhan-mirror/pkg/types"
)

func validConfig() *Config {
	return &Config{
		Leader:   AccountConfig{ClientID: "1000000001", AccessToken: "token-leader-aaaaaaaaaaaa"},
		Follower: AccountConfig{ClientID: "1000000002", AccessToken: "token-follower-bbbbbbbbbb"},
		API:      APIConfig{BaseURL: "https://api.dhan.co", MaxRPS: 10},
		Replication: ReplicationConfig{
			Enabled:        true,
			SizingStrategy: "capital_proportional",
			MaxPositionPct: 10,
			WorkerCount:    4,
		},
		Stream: StreamConfig{
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  60 * time.Second,
		},
		Store: StoreConfig{Path: "./copy_trading.db"},
	}
}

func TestValidateAccepts(t *testing.T) {
	t.Parallel()
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsMissingCredentials(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Follower.AccessToken = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "FOLLOWER_ACCESS_TOKEN") {
		t.Errorf("expected follower token error, got %v", err)
	}
}

func TestValidateRejectsSameClientID(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Follower.ClientID = cfg.Leader.ClientID
	if cfg.Validate() == nil {
		t.Error("expected error when leader and follower share a client id")
	}
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Replication.SizingStrategy = "martingale"
	if cfg.Validate() == nil {
		t.Error("expected error for unknown sizing strategy")
	}
}

func TestValidateFixedRatioNeedsRatio(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Replication.SizingStrategy = "fixed_ratio"
	cfg.Replication.CopyRatio = 0
	if cfg.Validate() == nil {
		t.Error("expected error when fixed_ratio has no copy_ratio")
	}

	cfg.Replication.CopyRatio = 0.5
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil with copy_ratio set", err)
	}
}

func TestValidateHeartbeatOrdering(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Stream.HeartbeatTimeout = cfg.Stream.HeartbeatInterval
	if cfg.Validate() == nil {
		t.Error("expected error when heartbeat_timeout <= heartbeat_interval")
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.BaseURL != "https://api.dhan.co" {
		t.Errorf("base_url default = %q", cfg.API.BaseURL)
	}
	if cfg.API.MaxRPS != 10 {
		t.Errorf("max_rps default = %d, want 10", cfg.API.MaxRPS)
	}
	if cfg.Replication.SizingStrategy != types.SizingCapitalProportional {
		t.Errorf("sizing default = %q", cfg.Replication.SizingStrategy)
	}
	if cfg.Replication.FundsTTL != 30*time.Second {
		t.Errorf("funds_ttl default = %v", cfg.Replication.FundsTTL)
	}
	if cfg.Stream.MaxReconnectAttempts != 10 {
		t.Errorf("max_reconnect_attempts default = %d", cfg.Stream.MaxReconnectAttempts)
	}
}

func TestLoadCredentialEnvOverride(t *testing.T) {
	t.Setenv("LEADER_CLIENT_ID", "2222222222")
	t.Setenv("LEADER_ACCESS_TOKEN", "env-token")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Leader.ClientID != "2222222222" {
		t.Errorf("leader client id = %q, want env value", cfg.Leader.ClientID)
	}
	if cfg.Leader.AccessToken != "env-token" {
		t.Errorf("leader token = %q, want env value", cfg.Leader.AccessToken)
	}
}

func TestAllowsProduct(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if !cfg.AllowsProduct(types.ProductBO) {
		t.Error("empty allow-list should admit every product")
	}

	cfg.Replication.Products = []string{"INTRADAY", "co"}
	if !cfg.AllowsProduct(types.ProductIntraday) || !cfg.AllowsProduct(types.ProductCO) {
		t.Error("allow-list should match case-insensitively")
	}
	if cfg.AllowsProduct(types.ProductBO) {
		t.Error("BO should be rejected by this allow-list")
	}
}

func TestRedact(t *testing.T) {
	t.Parallel()

	if got := Redact("abcdefgh12345678WXYZ"); got != "abcdefgh...WXYZ" {
		t.Errorf("Redact = %q", got)
	}
	if got := Redact("short"); got != "***" {
		t.Errorf("Redact(short) = %q, want ***", got)
	}
}
