package strategy

import (
	"github.com/shopspring/decimal"

	"dhan-mirror/internal/config"
	"dhan-mirror/pkg/types"
)

// SizeRequest carries everything the sizer needs for one decision. Premium is
// the leader's limit price when present, else a last-trade proxy; zero means
// no price is known, which disables notional-based maths.
type SizeRequest struct {
	LeaderQty       int
	LeaderDisclosed int
	LeaderBalance   decimal.Decimal
	FollowerBalance decimal.Decimal
	LotSize         int
	Premium         decimal.Decimal
}

// SizeResult is the computed follower order size. Quantity 0 means the
// follower cannot afford one lot and no order should be placed.
type SizeResult struct {
	Quantity     int
	DisclosedQty int
	Capped       bool // true when max_position_pct reduced the quantity
}

// Sizer converts a leader quantity into a follower quantity. It is pure:
// balances and prices come in through SizeRequest, so the same request always
// produces the same result.
type Sizer struct {
	strategy       types.SizingStrategy
	copyRatio      decimal.Decimal
	maxPositionPct decimal.Decimal
}

// NewSizer builds a sizer from the replication config.
func NewSizer(cfg config.ReplicationConfig) *Sizer {
	return &Sizer{
		strategy:       cfg.SizingStrategy,
		copyRatio:      decimal.NewFromFloat(cfg.CopyRatio),
		maxPositionPct: decimal.NewFromFloat(cfg.MaxPositionPct),
	}
}

// Size computes the follower quantity. The result is always a non-negative
// multiple of the lot size; anything below one lot collapses to zero rather
// than being bumped up, so a small follower account never over-trades.
func (s *Sizer) Size(req SizeRequest) SizeResult {
	lot := req.LotSize
	if lot <= 0 {
		lot = 1
	}
	if req.LeaderQty <= 0 {
		return SizeResult{}
	}

	var qty int
	switch s.strategy {
	case types.SizingFixedRatio:
		qty = floorToLot(decimal.NewFromInt(int64(req.LeaderQty)).Mul(s.copyRatio), lot)
	case types.SizingRiskBased:
		qty = s.riskBasedQty(req, lot)
	default: // capital_proportional
		if !req.LeaderBalance.IsPositive() {
			return SizeResult{}
		}
		ratio := req.FollowerBalance.Div(req.LeaderBalance)
		qty = floorToLot(decimal.NewFromInt(int64(req.LeaderQty)).Mul(ratio), lot)
	}

	qty, capped := s.capNotional(qty, req, lot)
	if qty < lot {
		return SizeResult{}
	}

	return SizeResult{
		Quantity:     qty,
		DisclosedQty: scaleDisclosed(req, qty, lot),
		Capped:       capped,
	}
}

// riskBasedQty spends at most max_position_pct of the follower balance on the
// position, never copying more lots than the leader traded.
func (s *Sizer) riskBasedQty(req SizeRequest, lot int) int {
	if !req.Premium.IsPositive() || !req.FollowerBalance.IsPositive() {
		return 0
	}

	lotDec := decimal.NewFromInt(int64(lot))
	maxNotional := req.FollowerBalance.Mul(s.maxPositionPct).Div(decimal.NewFromInt(100))
	lots := maxNotional.Div(req.Premium.Mul(lotDec)).Floor()

	leaderLots := decimal.NewFromInt(int64(req.LeaderQty)).Div(lotDec).Floor()
	if lots.GreaterThan(leaderLots) {
		lots = leaderLots
	}
	return int(lots.Mul(lotDec).IntPart())
}

// capNotional enforces max_position_pct across every strategy. Without a
// premium there is no notional to measure, so the quantity passes through.
func (s *Sizer) capNotional(qty int, req SizeRequest, lot int) (int, bool) {
	if qty <= 0 || !req.Premium.IsPositive() || !req.FollowerBalance.IsPositive() {
		return qty, false
	}

	maxNotional := req.FollowerBalance.Mul(s.maxPositionPct).Div(decimal.NewFromInt(100))
	notional := req.Premium.Mul(decimal.NewFromInt(int64(qty)))
	if notional.LessThanOrEqual(maxNotional) {
		return qty, false
	}

	lotDec := decimal.NewFromInt(int64(lot))
	lots := maxNotional.Div(req.Premium.Mul(lotDec)).Floor()
	return int(lots.Mul(lotDec).IntPart()), true
}

// scaleDisclosed carries the leader's iceberg ratio onto the follower size:
// round(disclosed_L × Q_F / Q_L), clamped to [lot, Q_F].
func scaleDisclosed(req SizeRequest, qty, lot int) int {
	if req.LeaderDisclosed <= 0 || qty <= 0 {
		return 0
	}

	scaled := decimal.NewFromInt(int64(req.LeaderDisclosed)).
		Mul(decimal.NewFromInt(int64(qty))).
		Div(decimal.NewFromInt(int64(req.LeaderQty))).
		Round(0)

	disclosed := int(scaled.IntPart())
	if disclosed < lot {
		disclosed = lot
	}
	if disclosed > qty {
		disclosed = qty
	}
	return disclosed
}

// floorToLot rounds a fractional quantity down to a whole number of lots.
func floorToLot(qty decimal.Decimal, lot int) int {
	lotDec := decimal.NewFromInt(int64(lot))
	lots := qty.Div(lotDec).Floor()
	return int(lots.Mul(lotDec).IntPart())
}
