// Package market resolves instrument metadata — lot sizes, tick sizes and
// option/future classification — for the securities flowing through the
// replication engine.
//
// Instruments is a read-through cache with three tiers: process memory, the
// instruments table, then the broker's metadata endpoint. Lookups are
// concurrency-safe (RWMutex protected). A miss on every tier degrades to a
// lot size of 1, so replication proceeds with conservative sizing instead of
// dropping the order.
package market

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"dhan-mirror/internal/store"
	"dhan-mirror/pkg/types"
)

// InstrumentFetcher fetches instrument metadata from the broker.
// Satisfied by *exchange.Client.
type InstrumentFetcher interface {
	FetchInstrument(ctx context.Context, account types.Account, segment, securityID string) (*types.InstrumentRecord, error)
}

// Instruments caches instrument metadata keyed by (segment, security id).
type Instruments struct {
	mu      sync.RWMutex
	cache   map[string]types.Instrument
	store   *store.Store
	fetcher InstrumentFetcher
	logger  *slog.Logger
}

// NewInstruments creates the instrument resolver backed by the given store
// and broker client.
func NewInstruments(st *store.Store, fetcher InstrumentFetcher, logger *slog.Logger) *Instruments {
	return &Instruments{
		cache:   make(map[string]types.Instrument),
		store:   st,
		fetcher: fetcher,
		logger:  logger.With("component", "instruments"),
	}
}

// Resolve returns metadata for one security. The fallback (lot size 1) is not
// cached, so a later lookup can still recover the real metadata once the
// broker answers again.
func (i *Instruments) Resolve(ctx context.Context, segment, securityID string) types.Instrument {
	k := instrumentKey(segment, securityID)

	i.mu.RLock()
	inst, ok := i.cache[k]
	i.mu.RUnlock()
	if ok {
		return inst
	}

	if inst, ok := i.fromStore(ctx, segment, securityID); ok {
		return inst
	}
	if inst, ok := i.fromBroker(ctx, segment, securityID); ok {
		return inst
	}

	i.logger.Warn("instrument metadata unavailable, assuming lot size 1",
		"segment", segment,
		"security_id", securityID,
	)
	return types.Instrument{
		SecurityID:      securityID,
		ExchangeSegment: segment,
		LotSize:         1,
		TickSize:        decimal.NewFromFloat(0.05),
	}
}

// Prime seeds the in-memory cache, e.g. from an order update that already
// carries enough metadata to avoid a broker round trip later.
func (i *Instruments) Prime(inst types.Instrument) {
	if inst.SecurityID == "" || inst.LotSize <= 0 {
		return
	}
	i.mu.Lock()
	i.cache[instrumentKey(inst.ExchangeSegment, inst.SecurityID)] = inst
	i.mu.Unlock()
}

// Size reports the number of cached instruments.
func (i *Instruments) Size() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.cache)
}

func (i *Instruments) fromStore(ctx context.Context, segment, securityID string) (types.Instrument, bool) {
	inst, ok, err := i.store.GetInstrument(ctx, segment, securityID)
	if err != nil {
		i.logger.Warn("instrument store read failed", "security_id", securityID, "error", err)
		return types.Instrument{}, false
	}
	if !ok {
		return types.Instrument{}, false
	}

	i.mu.Lock()
	i.cache[instrumentKey(segment, securityID)] = *inst
	i.mu.Unlock()
	return *inst, true
}

func (i *Instruments) fromBroker(ctx context.Context, segment, securityID string) (types.Instrument, bool) {
	rec, err := i.fetcher.FetchInstrument(ctx, types.AccountFollower, segment, securityID)
	if err != nil {
		i.logger.Warn("instrument fetch failed", "security_id", securityID, "error", err)
		return types.Instrument{}, false
	}

	inst := instrumentFromRecord(*rec)
	if inst.LotSize <= 0 {
		inst.LotSize = 1
	}

	// Persist for the next process; a write failure costs one refetch.
	if err := i.store.UpsertInstrument(ctx, inst); err != nil {
		i.logger.Warn("instrument cache write failed", "security_id", securityID, "error", err)
	}

	i.mu.Lock()
	i.cache[instrumentKey(segment, securityID)] = inst
	i.mu.Unlock()

	i.logger.Debug("instrument resolved",
		"segment", segment,
		"security_id", securityID,
		"symbol", inst.TradingSymbol,
		"lot_size", inst.LotSize,
	)
	return inst, true
}

// instrumentFromRecord converts the broker's wire payload into the internal
// Instrument type, moving float prices onto decimals.
func instrumentFromRecord(rec types.InstrumentRecord) types.Instrument {
	return types.Instrument{
		SecurityID:       rec.SecurityID,
		ExchangeSegment:  rec.ExchangeSegment,
		TradingSymbol:    rec.TradingSymbol,
		LotSize:          rec.LotSize,
		TickSize:         decimal.NewFromFloat(rec.TickSize),
		InstrumentType:   rec.InstrumentType,
		ExpiryDate:       rec.ExpiryDate,
		StrikePrice:      decimal.NewFromFloat(rec.StrikePrice),
		OptionType:       rec.OptionType,
		UnderlyingSymbol: rec.UnderlyingSymbol,
	}
}

func instrumentKey(segment, securityID string) string {
	return segment + ":" + securityID
}
