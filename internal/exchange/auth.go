package exchange

import (
	"fmt"

	"dhan-mirror/internal/config"
	"dhan-mirror/pkg/types"
)

// Credentials holds one account's broker credential pair. Every REST call
// carries both values as headers; the stream carries them in the login frame.
type Credentials struct {
	ClientID    string
	AccessToken string
}

// Auth holds the credential pairs for the leader and follower accounts.
//
// The broker uses static bearer tokens issued from its developer console:
// REST requests send `access-token` and `client-id` headers, and the
// order-update stream authenticates with a login frame after dialing.
// There is no signing step; tokens are validated by fetching fund limits.
type Auth struct {
	leader   Credentials
	follower Credentials
}

// NewAuth creates an Auth instance from config.
func NewAuth(cfg config.Config) (*Auth, error) {
	a := &Auth{
		leader:   Credentials{ClientID: cfg.Leader.ClientID, AccessToken: cfg.Leader.AccessToken},
		follower: Credentials{ClientID: cfg.Follower.ClientID, AccessToken: cfg.Follower.AccessToken},
	}
	if a.leader.ClientID == "" || a.leader.AccessToken == "" {
		return nil, fmt.Errorf("leader credentials incomplete")
	}
	if a.follower.ClientID == "" || a.follower.AccessToken == "" {
		return nil, fmt.Errorf("follower credentials incomplete")
	}
	return a, nil
}

// ForAccount returns the credential pair for the given account.
func (a *Auth) ForAccount(account types.Account) Credentials {
	if account == types.AccountLeader {
		return a.leader
	}
	return a.follower
}

// Headers returns the REST headers for the given account.
func (a *Auth) Headers(account types.Account) map[string]string {
	creds := a.ForAccount(account)
	return map[string]string{
		"access-token": creds.AccessToken,
		"client-id":    creds.ClientID,
		"Content-Type": "application/json",
	}
}

// ClientID returns the broker client id for the given account. Placement
// bodies must carry it even though the header already identifies the caller.
func (a *Auth) ClientID(account types.Account) string {
	return a.ForAccount(account).ClientID
}

// LoginMessage builds the order-update stream login frame for the account.
func (a *Auth) LoginMessage(account types.Account) types.WSLoginMsg {
	creds := a.ForAccount(account)
	return types.WSLoginMsg{
		LoginReq: types.WSLoginReq{
			MsgCode:  42,
			ClientID: creds.ClientID,
			Token:    creds.AccessToken,
		},
		UserType: "SELF",
	}
}

// Redacted returns a log-safe rendering of the account's token.
func (a *Auth) Redacted(account types.Account) string {
	return config.Redact(a.ForAccount(account).AccessToken)
}
