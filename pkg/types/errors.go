package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a replication failure for logging, mapping rows, and
// retry policy. Transport and RateLimit are retried locally; everything else
// is recorded and the replicator moves on. Configuration, Authentication and
// Store escalate to the supervisor.
type ErrorKind string

const (
	ErrKindConfiguration     ErrorKind = "configuration"
	ErrKindAuthentication    ErrorKind = "authentication"
	ErrKindTransport         ErrorKind = "transport"
	ErrKindRateLimit         ErrorKind = "rate_limit"
	ErrKindValidation        ErrorKind = "validation"
	ErrKindInsufficientFunds ErrorKind = "insufficient_funds"
	ErrKindMarketClosed      ErrorKind = "market_closed"
	ErrKindPlacement         ErrorKind = "order_placement"
	ErrKindModification      ErrorKind = "order_modification"
	ErrKindCancellation      ErrorKind = "order_cancellation"
	ErrKindBracketOrder      ErrorKind = "bracket_order"
	ErrKindCoverOrder        ErrorKind = "cover_order"
	ErrKindStore             ErrorKind = "store"
)

// Retryable reports whether the kind is safe to retry against the broker.
func (k ErrorKind) Retryable() bool {
	return k == ErrKindTransport || k == ErrKindRateLimit
}

// Fatal reports whether the kind must unwind to the supervisor.
func (k ErrorKind) Fatal() bool {
	return k == ErrKindConfiguration || k == ErrKindAuthentication
}

// ReplicationError attaches a kind and the leader order id to an underlying
// failure so one structured log line can carry the full context.
type ReplicationError struct {
	Kind          ErrorKind
	LeaderOrderID string
	Err           error
}

func (e *ReplicationError) Error() string {
	if e.LeaderOrderID == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (leader order %s): %v", e.Kind, e.LeaderOrderID, e.Err)
}

func (e *ReplicationError) Unwrap() error { return e.Err }

// NewReplicationError wraps err with a kind and leader order id.
func NewReplicationError(kind ErrorKind, leaderOrderID string, err error) *ReplicationError {
	return &ReplicationError{Kind: kind, LeaderOrderID: leaderOrderID, Err: err}
}

// KindOf extracts the ErrorKind from an error chain. Unclassified errors
// report ErrKindValidation, the most conservative non-retryable kind.
func KindOf(err error) ErrorKind {
	var re *ReplicationError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ErrKindValidation
}
