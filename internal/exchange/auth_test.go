package exchange

import (
	"strings"
	"testing"

	"dhan-mirror/internal/config"
	"dhan-mirror/pkg/types"
)

func authConfig() config.Config {
	var cfg config.Config
	cfg.Leader.ClientID = "1000000001"
	cfg.Leader.AccessToken = "leader-token-abcdef1234567890"
	cfg.Follower.ClientID = "1000000002"
	cfg.Follower.AccessToken = "follower-token-abcdef1234567890"
	return cfg
}

func TestNewAuthRequiresBothAccounts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		wantOK bool
	}{
		{"complete", func(c *config.Config) {}, true},
		{"missing leader token", func(c *config.Config) { c.Leader.AccessToken = "" }, false},
		{"missing leader id", func(c *config.Config) { c.Leader.ClientID = "" }, false},
		{"missing follower token", func(c *config.Config) { c.Follower.AccessToken = "" }, false},
		{"missing follower id", func(c *config.Config) { c.Follower.ClientID = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := authConfig()
			tt.mutate(&cfg)
			_, err := NewAuth(cfg)
			if tt.wantOK && err != nil {
				t.Fatalf("NewAuth() error = %v, want nil", err)
			}
			if !tt.wantOK && err == nil {
				t.Fatal("NewAuth() error = nil, want error")
			}
		})
	}
}

func TestAuthRoutesByAccount(t *testing.T) {
	t.Parallel()

	auth, err := NewAuth(authConfig())
	if err != nil {
		t.Fatalf("NewAuth() error = %v", err)
	}

	if got := auth.ForAccount(types.AccountLeader).ClientID; got != "1000000001" {
		t.Errorf("leader client id = %q, want 1000000001", got)
	}
	if got := auth.ForAccount(types.AccountFollower).ClientID; got != "1000000002" {
		t.Errorf("follower client id = %q, want 1000000002", got)
	}
	if got := auth.ClientID(types.AccountFollower); got != "1000000002" {
		t.Errorf("ClientID(follower) = %q, want 1000000002", got)
	}
}

func TestAuthHeaders(t *testing.T) {
	t.Parallel()

	auth, err := NewAuth(authConfig())
	if err != nil {
		t.Fatalf("NewAuth() error = %v", err)
	}

	h := auth.Headers(types.AccountLeader)
	if h["access-token"] != "leader-token-abcdef1234567890" {
		t.Errorf("access-token header = %q", h["access-token"])
	}
	if h["client-id"] != "1000000001" {
		t.Errorf("client-id header = %q", h["client-id"])
	}
	if h["Content-Type"] != "application/json" {
		t.Errorf("Content-Type header = %q", h["Content-Type"])
	}
}

func TestAuthLoginMessage(t *testing.T) {
	t.Parallel()

	auth, err := NewAuth(authConfig())
	if err != nil {
		t.Fatalf("NewAuth() error = %v", err)
	}

	msg := auth.LoginMessage(types.AccountLeader)
	if msg.LoginReq.MsgCode != 42 {
		t.Errorf("MsgCode = %d, want 42", msg.LoginReq.MsgCode)
	}
	if msg.LoginReq.ClientID != "1000000001" {
		t.Errorf("ClientId = %q, want 1000000001", msg.LoginReq.ClientID)
	}
	if msg.LoginReq.Token != "leader-token-abcdef1234567890" {
		t.Errorf("Token = %q", msg.LoginReq.Token)
	}
	if msg.UserType != "SELF" {
		t.Errorf("UserType = %q, want SELF", msg.UserType)
	}
}

func TestAuthRedactedHidesToken(t *testing.T) {
	t.Parallel()

	auth, err := NewAuth(authConfig())
	if err != nil {
		t.Fatalf("NewAuth() error = %v", err)
	}

	red := auth.Redacted(types.AccountLeader)
	if strings.Contains(red, "token-abcdef") {
		t.Errorf("Redacted() = %q leaks token body", red)
	}
	if red == "" {
		t.Error("Redacted() returned empty string")
	}
}
