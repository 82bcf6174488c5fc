// Package risk tracks account funds for sizing decisions.
//
// Funds caches each account's available balance with a TTL so the sizer does
// not burn rate-limit budget on every replication. The cached value is
// advisory: the broker remains the authoritative margin check, and a
// placement rejected for insufficient margin invalidates the cache so the
// next sizing sees a fresh number.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dhan-mirror/internal/store"
	"dhan-mirror/pkg/types"
)

// FundsClient fetches fund limits from the broker. Satisfied by *exchange.Client.
type FundsClient interface {
	GetFunds(ctx context.Context, account types.Account) (*types.FundLimitResponse, error)
}

// Funds is a TTL cache of per-account fund limits.
type Funds struct {
	client FundsClient
	store  *store.Store
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[types.Account]types.FundsSnapshot

	// One refresh in flight per account; concurrent workers wait for it
	// instead of stacking broker calls.
	refreshMu map[types.Account]*sync.Mutex
}

// NewFunds creates the funds cache. ttl <= 0 disables caching (every read
// refreshes).
func NewFunds(client FundsClient, st *store.Store, ttl time.Duration, logger *slog.Logger) *Funds {
	return &Funds{
		client: client,
		store:  st,
		ttl:    ttl,
		logger: logger.With("component", "funds"),
		cache:  make(map[types.Account]types.FundsSnapshot),
		refreshMu: map[types.Account]*sync.Mutex{
			types.AccountLeader:   {},
			types.AccountFollower: {},
		},
	}
}

// Balance returns the account's available balance, refreshing when the cached
// reading is older than the TTL.
func (f *Funds) Balance(ctx context.Context, account types.Account) (decimal.Decimal, error) {
	snap, err := f.Snapshot(ctx, account)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.AvailableBalance, nil
}

// Snapshot returns the full cached fund reading for the account.
func (f *Funds) Snapshot(ctx context.Context, account types.Account) (types.FundsSnapshot, error) {
	if snap, ok := f.cached(account); ok {
		return snap, nil
	}

	mu := f.refreshMu[account]
	mu.Lock()
	defer mu.Unlock()

	// Another worker may have refreshed while we waited.
	if snap, ok := f.cached(account); ok {
		return snap, nil
	}
	return f.refresh(ctx, account)
}

// Invalidate drops the cached reading so the next lookup refreshes. Called
// after a placement fails on insufficient margin.
func (f *Funds) Invalidate(account types.Account) {
	f.mu.Lock()
	delete(f.cache, account)
	f.mu.Unlock()
	f.logger.Debug("funds cache invalidated", "account", account)
}

// CapitalRatio returns follower/leader available balance, the multiplier for
// capital-proportional sizing. A zero or missing leader balance yields zero,
// which sizes every replication to nothing rather than dividing by zero.
func (f *Funds) CapitalRatio(ctx context.Context) (decimal.Decimal, error) {
	leader, err := f.Balance(ctx, types.AccountLeader)
	if err != nil {
		return decimal.Zero, err
	}
	follower, err := f.Balance(ctx, types.AccountFollower)
	if err != nil {
		return decimal.Zero, err
	}
	if leader.IsZero() || leader.IsNegative() {
		return decimal.Zero, nil
	}
	return follower.Div(leader), nil
}

// SufficientFor reports whether the follower's cached balance covers the
// estimated notional. Advisory only: margin rules (leverage, collateral) live
// with the broker, so a false here should log, not block.
func (f *Funds) SufficientFor(ctx context.Context, notional decimal.Decimal) (bool, error) {
	balance, err := f.Balance(ctx, types.AccountFollower)
	if err != nil {
		return false, err
	}
	return balance.GreaterThanOrEqual(notional), nil
}

func (f *Funds) cached(account types.Account) (types.FundsSnapshot, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snap, ok := f.cache[account]
	if !ok || time.Since(snap.FetchedAt) > f.ttl {
		return types.FundsSnapshot{}, false
	}
	return snap, true
}

// refresh fetches from the broker, falling back to the last known reading
// (memory, then store) when the broker is unreachable.
func (f *Funds) refresh(ctx context.Context, account types.Account) (types.FundsSnapshot, error) {
	resp, err := f.client.GetFunds(ctx, account)
	if err != nil {
		if snap, ok := f.lastKnown(ctx, account); ok {
			f.logger.Warn("funds refresh failed, using last known balance",
				"account", account,
				"fetched_at", snap.FetchedAt,
				"error", err,
			)
			return snap, nil
		}
		return types.FundsSnapshot{}, err
	}

	snap := types.FundsSnapshot{
		Account:          account,
		AvailableBalance: decimal.NewFromFloat(resp.AvailableBalance),
		UtilizedAmount:   decimal.NewFromFloat(resp.UtilizedAmount),
		CollateralAmount: decimal.NewFromFloat(resp.CollateralAmount),
		FetchedAt:        time.Now(),
	}

	if err := f.store.SaveFunds(ctx, snap); err != nil {
		f.logger.Warn("funds snapshot persist failed", "account", account, "error", err)
	}

	f.mu.Lock()
	f.cache[account] = snap
	f.mu.Unlock()

	f.logger.Debug("funds refreshed",
		"account", account,
		"available", snap.AvailableBalance,
	)
	return snap, nil
}

// lastKnown returns the freshest reading we have regardless of TTL.
func (f *Funds) lastKnown(ctx context.Context, account types.Account) (types.FundsSnapshot, bool) {
	f.mu.RLock()
	snap, ok := f.cache[account]
	f.mu.RUnlock()
	if ok {
		return snap, true
	}

	stored, ok, err := f.store.LatestFunds(ctx, account)
	if err != nil || !ok {
		return types.FundsSnapshot{}, false
	}
	return *stored, true
}
