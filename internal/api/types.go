package api

import "context"

// Status is the operator snapshot served by GET /status.
type Status struct {
	State         string         `json:"state"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	DryRun        bool           `json:"dry_run"`
	CopyEnabled   bool           `json:"copy_enabled"`
	Stream        StreamStatus   `json:"stream"`
	Cursor        string         `json:"cursor,omitempty"`
	Mappings      map[string]int `json:"mappings"`
	UnknownEvents int64          `json:"unknown_events"`
	Breaker       string         `json:"breaker"`
	Funds         []FundsStatus  `json:"funds,omitempty"`
	RecentErrors  []ErrorRecord  `json:"recent_errors,omitempty"`
}

// StreamStatus reports the health of the order-update connection.
type StreamStatus struct {
	Connected      bool  `json:"connected"`
	HeartbeatAgeMS int64 `json:"heartbeat_age_ms"`
}

// FundsStatus is the last known balance for one account.
type FundsStatus struct {
	Account   string `json:"account"`
	Available string `json:"available"`
	FetchedAt string `json:"fetched_at"`
}

// ErrorRecord is one recent failed broker call from the audit trail.
type ErrorRecord struct {
	Action     string `json:"action"`
	Account    string `json:"account"`
	Error      string `json:"error"`
	StatusCode int    `json:"status_code,omitempty"`
	At         string `json:"at"`
}

// StatusProvider supplies the live snapshot; implemented by the engine.
type StatusProvider interface {
	Status(ctx context.Context) (Status, error)
}
