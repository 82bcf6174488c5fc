// Package strategy turns leader order events into follower broker actions.
//
// The Replicator is the decision core of the pipeline. Every event that
// reaches Handle is serialised per leader order id, dispatched on the raw
// broker status, and resolved into at most one follower REST call plus one
// atomic store transaction (orders, mapping, event log, cursor). New orders
// run the guard chain (kill switch, idempotency, product allow-list, market
// hours) before the Sizer computes the follower quantity; modifications and
// cancellations are forwarded only while the follower order is still
// amendable; executions update fill state and drive bracket-order OCO
// handling on the follower leg pair.
//
// The Sizer is a pure quantity calculator and the market-hours check is a
// pure clock predicate; both live here so the replication rules stay in one
// package.
package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dhan-mirror/internal/config"
	"dhan-mirror/internal/market"
	"dhan-mirror/internal/risk"
	"dhan-mirror/internal/store"
	"dhan-mirror/pkg/types"
)

// Broker is the slice of the REST client the replicator drives. The concrete
// implementation is exchange.Client; tests substitute a scripted stub.
type Broker interface {
	PlaceOrder(ctx context.Context, account types.Account, req types.PlaceOrderRequest) (*types.OrderResponse, error)
	PlaceSliceOrder(ctx context.Context, account types.Account, req types.PlaceOrderRequest) ([]types.OrderResponse, error)
	ModifyOrder(ctx context.Context, account types.Account, req types.ModifyOrderRequest) (*types.OrderResponse, error)
	CancelOrder(ctx context.Context, account types.Account, orderID string) (*types.OrderResponse, error)
	GetOrder(ctx context.Context, account types.Account, orderID string) (*types.OrderUpdate, error)
	ListOrders(ctx context.Context, account types.Account) ([]types.OrderUpdate, error)
	ListTrades(ctx context.Context, account types.Account) ([]types.TradeRecord, error)
}

// Replicator maps one leader order event to follower broker state. All
// mutable state lives in the store; the struct itself only carries wiring, so
// a single instance is shared by every pipeline worker.
type Replicator struct {
	cfg         config.Config
	client      Broker
	store       *store.Store
	sizer       *Sizer
	funds       *risk.Funds
	instruments *market.Instruments
	locks       *orderLocks
	logger      *slog.Logger

	unknownStatuses atomic.Int64
}

// NewReplicator wires the replication core. The sizer is built from the
// replication config so callers only hand over shared components.
func NewReplicator(
	cfg config.Config,
	client Broker,
	st *store.Store,
	funds *risk.Funds,
	instruments *market.Instruments,
	logger *slog.Logger,
) *Replicator {
	return &Replicator{
		cfg:         cfg,
		client:      client,
		store:       st,
		sizer:       NewSizer(cfg.Replication),
		funds:       funds,
		instruments: instruments,
		locks:       newOrderLocks(),
		logger:      logger.With("component", "replicator"),
	}
}

// UnknownStatusCount reports how many events carried a status outside the
// dispatch table. Exposed on the ops status endpoint.
func (r *Replicator) UnknownStatusCount() int64 {
	return r.unknownStatuses.Load()
}

// Handle processes a single leader order event end to end. Events for the
// same leader order are serialised; events for different orders run
// concurrently. A non-nil error means the pipeline must stop (configuration
// or authentication failure); every other outcome is absorbed here and
// recorded in the store.
func (r *Replicator) Handle(ctx context.Context, ev types.OrderUpdate) error {
	if ev.OrderID == "" {
		r.logger.Warn("event without order id dropped", "status", ev.OrderStatus)
		return nil
	}

	r.locks.Lock(ev.OrderID)
	defer r.locks.Unlock(ev.OrderID)

	switch ev.OrderStatus {
	case "PENDING", "TRANSIT", "OPEN":
		return r.replicatePlacement(ctx, ev)
	case "MODIFIED":
		return r.replicateModify(ctx, ev)
	case "CANCELLED":
		return r.replicateCancel(ctx, ev)
	case "PARTIAL", types.WireStatusPartFill, types.WireStatusPartShrt, "EXECUTED", types.WireStatusTraded:
		return r.recordExecution(ctx, ev)
	case "REJECTED":
		return r.recordRejection(ctx, ev)
	default:
		r.unknownStatuses.Add(1)
		r.logger.Debug("unhandled order status",
			"leader_order_id", ev.OrderID, "status", ev.OrderStatus)
		return nil
	}
}

// replicatePlacement mirrors a new leader order onto the follower account.
// Guard order matters: the kill switch is checked before anything is written,
// the mapping check makes redelivered events no-ops, and the allow-list
// records a failed mapping so a skipped order is visible in /status.
func (r *Replicator) replicatePlacement(ctx context.Context, ev types.OrderUpdate) error {
	enabled, err := r.store.CopyEnabled(ctx, r.cfg.Replication.Enabled)
	if err != nil {
		return fmt.Errorf("read kill switch: %w", err)
	}
	if !enabled {
		r.logger.Info("copy disabled, leader order not replicated",
			"leader_order_id", ev.OrderID)
		return r.commitLeaderOnly(ctx, ev)
	}

	mapping, ok, err := r.store.GetMappingByLeader(ctx, ev.OrderID)
	if err != nil {
		return err
	}
	if ok && mapping.Status != types.MappingFailed {
		// Redelivered or later lifecycle event for an order we already
		// replicated. Track the leader transition, skip the placement.
		r.logger.Debug("leader order already replicated",
			"leader_order_id", ev.OrderID, "mapping_status", string(mapping.Status))
		return r.commitLeaderOnly(ctx, ev)
	}

	if !r.cfg.AllowsProduct(ev.ProductType) {
		r.logger.Info("product not in allow-list",
			"leader_order_id", ev.OrderID, "product", ev.ProductType)
		return r.commitSkip(ctx, ev, fmt.Sprintf("product %s not in allow-list", ev.ProductType))
	}

	if !ev.AfterMarketOrder && !WithinMarketHours(time.Now()) {
		r.logger.Warn("leader order outside market hours, replicating anyway",
			"leader_order_id", ev.OrderID)
	}

	leaderBal, err := r.funds.Balance(ctx, types.AccountLeader)
	if err != nil {
		return types.NewReplicationError(types.ErrKindTransport, ev.OrderID, err)
	}
	followerBal, err := r.funds.Balance(ctx, types.AccountFollower)
	if err != nil {
		return types.NewReplicationError(types.ErrKindTransport, ev.OrderID, err)
	}

	inst := r.instruments.Resolve(ctx, ev.ExchangeSegment, ev.SecurityID)
	sized := r.sizer.Size(SizeRequest{
		LeaderQty:       ev.Quantity,
		LeaderDisclosed: ev.DisclosedQty,
		LeaderBalance:   leaderBal,
		FollowerBalance: followerBal,
		LotSize:         inst.LotSize,
		Premium:         premiumFor(ev),
	})
	if sized.Quantity <= 0 {
		r.logger.Warn("sized follower quantity is zero, order not placed",
			"leader_order_id", ev.OrderID,
			"leader_qty", ev.Quantity, "lot_size", inst.LotSize)
		return r.commitSkip(ctx, ev, "zero quantity")
	}
	if sized.Capped {
		r.logger.Warn("follower quantity capped by max position size",
			"leader_order_id", ev.OrderID, "follower_qty", sized.Quantity)
	}

	req := r.buildPlacement(ev, sized)
	ratio := decimal.Zero
	if leaderBal.IsPositive() {
		ratio = followerBal.Div(leaderBal)
	}

	var (
		followers []types.Order
		followID  string
	)
	now := time.Now().UTC()
	if ev.SlicedOrder {
		resps, err := r.client.PlaceSliceOrder(ctx, types.AccountFollower, req)
		if err != nil {
			return r.placementFailed(ctx, ev, err)
		}
		for i, resp := range resps {
			f := r.followerFromPlacement(ev, req, sized, now)
			f.ID = resp.OrderID
			f.Status = placedStatus(resp.OrderStatus)
			f.Sliced = true
			f.SliceGroupID = req.CorrelationID
			f.SliceIndex = i + 1
			f.TotalSliceQty = sized.Quantity
			followers = append(followers, f)
		}
		if len(followers) > 0 {
			followID = followers[0].ID
		}
	} else {
		resp, err := r.client.PlaceOrder(ctx, types.AccountFollower, req)
		if err != nil {
			return r.placementFailed(ctx, ev, err)
		}
		f := r.followerFromPlacement(ev, req, sized, now)
		f.ID = resp.OrderID
		f.Status = placedStatus(resp.OrderStatus)
		followers = append(followers, f)
		followID = f.ID
	}

	orders := append([]types.Order{orderFromUpdate(ev, types.AccountLeader)}, followers...)
	rep := store.Replication{
		Orders: orders,
		Mapping: &types.CopyMapping{
			LeaderOrderID:   ev.OrderID,
			FollowerOrderID: followID,
			LeaderQty:       ev.Quantity,
			FollowerQty:     sized.Quantity,
			SizingStrategy:  r.cfg.Replication.SizingStrategy,
			CapitalRatio:    ratio,
			Status:          types.MappingPlaced,
		},
		Event:  eventFor(ev, types.AccountLeader),
		Cursor: evTime(ev),
	}
	if err := r.store.CommitReplication(ctx, rep); err != nil {
		return err
	}

	r.logger.Info("leader order replicated",
		"leader_order_id", ev.OrderID,
		"follower_order_id", followID,
		"symbol", ev.TradingSymbol,
		"side", string(ev.TransactionType),
		"leader_qty", ev.Quantity,
		"follower_qty", sized.Quantity,
		"orders_placed", len(followers))
	return nil
}

// placementFailed classifies a follower placement error. Fatal kinds stop the
// pipeline; everything else records a failed mapping so recovery or a manual
// retry can pick the order up again.
func (r *Replicator) placementFailed(ctx context.Context, ev types.OrderUpdate, cause error) error {
	kind := types.KindOf(cause)
	if kind == types.ErrKindInsufficientFunds {
		r.funds.Invalidate(types.AccountFollower)
	}
	if kind.Fatal() {
		return types.NewReplicationError(kind, ev.OrderID, cause)
	}

	r.logger.Warn("follower placement failed",
		"leader_order_id", ev.OrderID,
		"error_kind", string(kind),
		"error", cause)
	return r.commitSkip(ctx, ev, cause.Error())
}

// commitSkip persists the leader order and a failed mapping without any
// follower order, then advances the cursor past the event.
func (r *Replicator) commitSkip(ctx context.Context, ev types.OrderUpdate, reason string) error {
	rep := store.Replication{
		Orders: []types.Order{orderFromUpdate(ev, types.AccountLeader)},
		Mapping: &types.CopyMapping{
			LeaderOrderID:  ev.OrderID,
			LeaderQty:      ev.Quantity,
			SizingStrategy: r.cfg.Replication.SizingStrategy,
			Status:         types.MappingFailed,
			ErrorMessage:   reason,
		},
		Event:  eventFor(ev, types.AccountLeader),
		Cursor: evTime(ev),
	}
	return r.store.CommitReplication(ctx, rep)
}

// buildPlacement translates the leader event into the follower placement
// request. Price levels copy through verbatim; only the quantity is sized.
// Bracket and cover parameters are keyed strictly off the product type, never
// off field presence, because the stream zero-fills absent numerics.
func (r *Replicator) buildPlacement(ev types.OrderUpdate, sized SizeResult) types.PlaceOrderRequest {
	req := types.PlaceOrderRequest{
		DhanClientID:    r.cfg.Follower.ClientID,
		CorrelationID:   newCorrelationID(),
		TransactionType: ev.TransactionType,
		ExchangeSegment: ev.ExchangeSegment,
		ProductType:     ev.ProductType,
		OrderType:       ev.OrderType,
		Validity:        ev.Validity,
		SecurityID:      ev.SecurityID,
		Quantity:        sized.Quantity,
		DisclosedQty:    sized.DisclosedQty,
		Price:           ev.Price,
	}
	if types.OrderType(ev.OrderType).RequiresTrigger() {
		req.TriggerPrice = ev.TriggerPrice
	}
	if ev.AfterMarketOrder {
		req.AfterMarketOrder = true
		req.AMOTime = ev.AMOTime
	}
	switch ev.ProductType {
	case types.ProductBO:
		req.BOProfitValue = ev.BOProfitValue
		req.BOStopLossValue = ev.BOStopLossValue
	case types.ProductCO:
		req.COStopLossValue = ev.COStopLossValue
	}
	return req
}

// followerFromPlacement builds the follower order row mirrored from the
// leader event and the request actually sent.
func (r *Replicator) followerFromPlacement(ev types.OrderUpdate, req types.PlaceOrderRequest, sized SizeResult, now time.Time) types.Order {
	return types.Order{
		Account:          types.AccountFollower,
		CorrelationID:    req.CorrelationID,
		SecurityID:       ev.SecurityID,
		ExchangeSegment:  ev.ExchangeSegment,
		TradingSymbol:    ev.TradingSymbol,
		Side:             ev.TransactionType,
		Product:          ev.ProductType,
		OrderType:        types.OrderType(ev.OrderType),
		Validity:         types.Validity(ev.Validity),
		Quantity:         sized.Quantity,
		DisclosedQty:     sized.DisclosedQty,
		Price:            decimal.NewFromFloat(ev.Price),
		TriggerPrice:     decimal.NewFromFloat(req.TriggerPrice),
		RemainingQty:     sized.Quantity,
		Status:           types.StatusTransit,
		BOProfitValue:    decimal.NewFromFloat(req.BOProfitValue),
		BOStopLossValue:  decimal.NewFromFloat(req.BOStopLossValue),
		COStopLossValue:  decimal.NewFromFloat(req.COStopLossValue),
		AfterMarketOrder: req.AfterMarketOrder,
		AMOTime:          req.AMOTime,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// replicateModify forwards a leader modification to the follower order. The
// no-op guards keep redelivered and out-of-order MODIFIED events harmless:
// without a placed mapping, or with the follower order already terminal,
// there is nothing safe to amend.
func (r *Replicator) replicateModify(ctx context.Context, ev types.OrderUpdate) error {
	mapping, ok, err := r.store.GetMappingByLeader(ctx, leaderKey(ev))
	if err != nil {
		return err
	}
	if !ok || mapping.Status != types.MappingPlaced || mapping.FollowerOrderID == "" {
		r.logger.Debug("modify without placed mapping ignored",
			"leader_order_id", ev.OrderID)
		return r.commitLeaderOnly(ctx, ev)
	}

	target, targetID, err := r.modifyTarget(ctx, ev, mapping)
	if err != nil {
		return err
	}
	if target == nil {
		return r.commitLeaderOnly(ctx, ev)
	}

	req := types.ModifyOrderRequest{
		DhanClientID: r.cfg.Follower.ClientID,
		OrderID:      targetID,
		OrderType:    ev.OrderType,
		Quantity:     target.Quantity,
		DisclosedQty: target.DisclosedQty,
		Price:        ev.Price,
		Validity:     ev.Validity,
	}
	if ev.LegName != "" {
		req.LegName = ev.LegName
	}
	if types.OrderType(ev.OrderType).RequiresTrigger() {
		req.TriggerPrice = ev.TriggerPrice
	}

	// A quantity change on the leader re-runs the sizer against current
	// balances; pure price or trigger amendments keep the follower quantity.
	if ev.Quantity > 0 && ev.Quantity != mapping.LeaderQty {
		leaderBal, err := r.funds.Balance(ctx, types.AccountLeader)
		if err != nil {
			return types.NewReplicationError(types.ErrKindTransport, ev.OrderID, err)
		}
		followerBal, err := r.funds.Balance(ctx, types.AccountFollower)
		if err != nil {
			return types.NewReplicationError(types.ErrKindTransport, ev.OrderID, err)
		}
		inst := r.instruments.Resolve(ctx, ev.ExchangeSegment, ev.SecurityID)
		sized := r.sizer.Size(SizeRequest{
			LeaderQty:       ev.Quantity,
			LeaderDisclosed: ev.DisclosedQty,
			LeaderBalance:   leaderBal,
			FollowerBalance: followerBal,
			LotSize:         inst.LotSize,
			Premium:         premiumFor(ev),
		})
		if sized.Quantity <= 0 {
			r.logger.Warn("resized follower quantity is zero, modify not forwarded",
				"leader_order_id", ev.OrderID, "leader_qty", ev.Quantity)
			return r.commitLeaderOnly(ctx, ev)
		}
		req.Quantity = sized.Quantity
		req.DisclosedQty = sized.DisclosedQty
	}

	if _, err := r.client.ModifyOrder(ctx, types.AccountFollower, req); err != nil {
		kind := types.KindOf(err)
		if kind.Fatal() {
			return types.NewReplicationError(kind, ev.OrderID, err)
		}
		// The amendment is dropped for good: recovery replays whole orders
		// by creation time, never individual amendments. The mapping keeps
		// the old leader quantity, so the leader's next MODIFIED event
		// re-sizes and re-prices the follower with absolute values.
		r.logger.Warn("follower modify failed, amendment dropped",
			"leader_order_id", ev.OrderID,
			"follower_order_id", targetID,
			"error_kind", string(kind),
			"error", err)
		return r.commitLeaderOnly(ctx, ev)
	}

	now := time.Now().UTC()
	target.Quantity = req.Quantity
	target.DisclosedQty = req.DisclosedQty
	target.Price = decimal.NewFromFloat(req.Price)
	if req.TriggerPrice > 0 {
		target.TriggerPrice = decimal.NewFromFloat(req.TriggerPrice)
	}
	target.OrderType = types.OrderType(ev.OrderType)
	target.Validity = types.Validity(ev.Validity)
	target.UpdatedAt = now

	if ev.Quantity > 0 {
		mapping.LeaderQty = ev.Quantity
	}
	mapping.FollowerQty = req.Quantity
	mapping.UpdatedAt = now

	rep := store.Replication{
		Orders:  []types.Order{orderFromUpdate(ev, types.AccountLeader), *target},
		Mapping: mapping,
		Event:   eventFor(ev, types.AccountLeader),
		Cursor:  evTime(ev),
	}
	if err := r.store.CommitReplication(ctx, rep); err != nil {
		return err
	}

	r.logger.Info("leader modification replicated",
		"leader_order_id", ev.OrderID,
		"follower_order_id", targetID,
		"qty", req.Quantity,
		"price", req.Price)
	return nil
}

// modifyTarget picks the follower order a MODIFIED event applies to. For a
// bracket leg event this is the matching follower leg; otherwise the mapped
// parent order. A nil order with nil error means the target is not amendable.
func (r *Replicator) modifyTarget(ctx context.Context, ev types.OrderUpdate, mapping *types.CopyMapping) (*types.Order, string, error) {
	targetID := mapping.FollowerOrderID
	if legType, ok := types.LegTypeFromWire(ev.LegName); ok && ev.ParentOrderID != "" {
		legs, err := r.store.BracketLegs(ctx, types.AccountFollower, mapping.FollowerOrderID)
		if err != nil {
			return nil, "", err
		}
		for _, leg := range legs {
			if leg.LegType == legType && !leg.Status.IsTerminal() {
				targetID = leg.LegOrderID
				break
			}
		}
	}

	order, ok, err := r.store.GetOrder(ctx, types.AccountFollower, targetID)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		r.logger.Warn("follower order missing from store, modify ignored",
			"leader_order_id", ev.OrderID, "follower_order_id", targetID)
		return nil, "", nil
	}

	// The stream carries leader events only, so a stored TRANSIT status may
	// be stale. Confirm against the broker before deciding.
	if order.Status == types.StatusTransit {
		if live, err := r.client.GetOrder(ctx, types.AccountFollower, targetID); err == nil && live.OrderStatus != "" {
			order.Status = types.NormalizeStatus(live.OrderStatus)
		}
	}

	switch order.Status {
	case types.StatusPending, types.StatusOpen, types.StatusPartial:
		return order, targetID, nil
	default:
		r.logger.Debug("follower order not amendable, modify ignored",
			"leader_order_id", ev.OrderID,
			"follower_order_id", targetID,
			"follower_status", string(order.Status))
		return nil, "", nil
	}
}

// replicateCancel forwards a leader cancellation. Only parent-level cancels
// fan out: a bracket parent cancels every live follower leg, a plain order
// cancels its mapped counterpart. Leg-level CANCELLED events are the broker's
// own OCO reporting in and go to recordLegCancel instead. A terminal or
// unknown follower order makes the event a recorded no-op so stale cancels
// never fail the pipeline.
func (r *Replicator) replicateCancel(ctx context.Context, ev types.OrderUpdate) error {
	if ev.LegName != "" && ev.ParentOrderID != "" {
		return r.recordLegCancel(ctx, ev)
	}

	mapping, ok, err := r.store.GetMappingByLeader(ctx, ev.OrderID)
	if err != nil {
		return err
	}
	if !ok {
		r.logger.Debug("cancel for unmapped leader order",
			"leader_order_id", ev.OrderID)
		return r.commitLeaderOnly(ctx, ev)
	}

	now := time.Now().UTC()
	mapping.Status = types.MappingCancelled
	mapping.UpdatedAt = now

	if mapping.FollowerOrderID == "" {
		rep := store.Replication{
			Orders:  []types.Order{orderFromUpdate(ev, types.AccountLeader)},
			Mapping: mapping,
			Event:   eventFor(ev, types.AccountLeader),
			Cursor:  evTime(ev),
		}
		return r.store.CommitReplication(ctx, rep)
	}

	orders := []types.Order{orderFromUpdate(ev, types.AccountLeader)}
	var legs []types.BracketLeg

	follower, ok, err := r.store.GetOrder(ctx, types.AccountFollower, mapping.FollowerOrderID)
	if err != nil {
		return err
	}

	if ev.ProductType == types.ProductBO {
		followerLegs, err := r.store.BracketLegs(ctx, types.AccountFollower, mapping.FollowerOrderID)
		if err != nil {
			return err
		}
		cancelled := 0
		for _, leg := range followerLegs {
			if leg.Status.IsTerminal() {
				continue
			}
			if err := r.cancelFollower(ctx, ev, leg.LegOrderID); err != nil {
				return err
			}
			leg.Status = types.StatusCancelled
			leg.UpdatedAt = now
			legs = append(legs, leg)
			cancelled++
		}
		// No leg rows yet means the bracket never split; cancel the parent.
		if len(followerLegs) == 0 {
			if err := r.cancelFollower(ctx, ev, mapping.FollowerOrderID); err != nil {
				return err
			}
			cancelled++
		}
		r.logger.Info("leader bracket cancel replicated",
			"leader_order_id", ev.OrderID,
			"follower_order_id", mapping.FollowerOrderID,
			"legs_cancelled", cancelled)
	} else {
		if ok && follower.Status.IsTerminal() {
			r.logger.Debug("follower order already terminal, cancel skipped",
				"leader_order_id", ev.OrderID,
				"follower_order_id", mapping.FollowerOrderID,
				"follower_status", string(follower.Status))
		} else {
			if err := r.cancelFollower(ctx, ev, mapping.FollowerOrderID); err != nil {
				return err
			}
			r.logger.Info("leader cancel replicated",
				"leader_order_id", ev.OrderID,
				"follower_order_id", mapping.FollowerOrderID)
		}
	}

	if ok && !follower.Status.IsTerminal() {
		follower.Status = types.StatusCancelled
		follower.UpdatedAt = now
		orders = append(orders, *follower)
	}

	rep := store.Replication{
		Orders:  orders,
		Mapping: mapping,
		Legs:    legs,
		Event:   eventFor(ev, types.AccountLeader),
		Cursor:  evTime(ev),
	}
	return r.store.CommitReplication(ctx, rep)
}

// cancelFollower issues one follower cancel, treating an already-terminal
// broker response as success.
func (r *Replicator) cancelFollower(ctx context.Context, ev types.OrderUpdate, orderID string) error {
	if _, err := r.client.CancelOrder(ctx, types.AccountFollower, orderID); err != nil {
		kind := types.KindOf(err)
		if kind.Fatal() {
			return types.NewReplicationError(kind, ev.OrderID, err)
		}
		// Cancelling an order the broker already closed races with its own
		// terminal event. Log and carry on; the status sync will converge.
		r.logger.Warn("follower cancel failed",
			"leader_order_id", ev.OrderID,
			"follower_order_id", orderID,
			"error_kind", string(kind),
			"error", err)
	}
	return nil
}

// recordLegCancel applies a CANCELLED event for a single bracket leg. The
// broker cancels sibling legs itself when an exit fills and reports each as
// its own leg event, so forwarding one would strip the follower's surviving
// exit right after a fill. Nothing is cancelled here: the leader leg row is
// recorded, the matching follower leg is re-read from the broker, and the
// mapping keeps whatever state the parent lifecycle gave it.
func (r *Replicator) recordLegCancel(ctx context.Context, ev types.OrderUpdate) error {
	now := time.Now().UTC()
	var legs []types.BracketLeg

	if legType, ok := types.LegTypeFromWire(ev.LegName); ok {
		legs = append(legs, types.BracketLeg{
			ParentOrderID: ev.ParentOrderID,
			LegOrderID:    ev.OrderID,
			LegType:       legType,
			Account:       types.AccountLeader,
			Status:        types.StatusCancelled,
			UpdatedAt:     now,
		})

		mapping, ok, err := r.store.GetMappingByLeader(ctx, ev.ParentOrderID)
		if err != nil {
			return err
		}
		if ok && mapping.FollowerOrderID != "" {
			followerLegs, err := r.store.BracketLegs(ctx, types.AccountFollower, mapping.FollowerOrderID)
			if err != nil {
				return err
			}
			for _, leg := range followerLegs {
				if leg.LegType != legType || leg.Status.IsTerminal() {
					continue
				}
				live, err := r.client.GetOrder(ctx, types.AccountFollower, leg.LegOrderID)
				if err != nil || live.OrderStatus == "" {
					continue
				}
				if status := types.NormalizeStatus(live.OrderStatus); status != leg.Status {
					leg.Status = status
					leg.UpdatedAt = now
					legs = append(legs, leg)
				}
			}
		}
	}

	rep := store.Replication{
		Orders: []types.Order{orderFromUpdate(ev, types.AccountLeader)},
		Legs:   legs,
		Event:  eventFor(ev, types.AccountLeader),
		Cursor: evTime(ev),
	}
	if err := r.store.CommitReplication(ctx, rep); err != nil {
		return err
	}

	r.logger.Info("leader leg cancel recorded",
		"leader_parent_id", ev.ParentOrderID,
		"leader_leg_id", ev.OrderID,
		"leg", ev.LegName)
	return nil
}

// recordExecution applies a fill event to the store and, for bracket exit
// legs, runs the OCO pass over the follower leg pair. Leaders fill on their
// own account, so the only follower-side action an execution can trigger is
// cancelling the sibling exit leg.
func (r *Replicator) recordExecution(ctx context.Context, ev types.OrderUpdate) error {
	leader := orderFromUpdate(ev, types.AccountLeader)

	if leader.Status == types.StatusExecuted && leader.AvgPrice.IsZero() {
		if avg, ok := r.tradedAverage(ctx, types.AccountLeader, ev.OrderID); ok {
			leader.AvgPrice = avg
		}
	}

	var legs []types.BracketLeg
	if legType, ok := types.LegTypeFromWire(ev.LegName); ok && ev.ParentOrderID != "" {
		legs = append(legs, types.BracketLeg{
			ParentOrderID: ev.ParentOrderID,
			LegOrderID:    ev.OrderID,
			LegType:       legType,
			Account:       types.AccountLeader,
			Status:        leader.Status,
			UpdatedAt:     time.Now().UTC(),
		})
	}

	if ts := evTime(ev); !ts.IsZero() {
		r.warnOnSkew(ctx, ev, ts)
	}

	rep := store.Replication{
		Orders: []types.Order{leader},
		Legs:   legs,
		Event:  eventFor(ev, types.AccountLeader),
		Cursor: evTime(ev),
	}
	if err := r.store.CommitReplication(ctx, rep); err != nil {
		return err
	}

	r.logger.Info("leader execution recorded",
		"leader_order_id", ev.OrderID,
		"status", string(leader.Status),
		"filled_qty", leader.FilledQty,
		"avg_price", leader.AvgPrice.String())

	if len(legs) > 0 && leader.Status == types.StatusExecuted && legs[0].LegType != types.LegEntry {
		return r.runOCO(ctx, ev, legs[0])
	}
	return nil
}

// runOCO enforces one-cancels-other on the follower bracket pair after a
// leader exit leg fills. The broker runs its own OCO on the follower account;
// this pass closes the gap when the follower's sibling lingers, and is
// idempotent because a terminal sibling is left alone.
func (r *Replicator) runOCO(ctx context.Context, ev types.OrderUpdate, leaderLeg types.BracketLeg) error {
	mapping, ok, err := r.store.GetMappingByLeader(ctx, leaderLeg.ParentOrderID)
	if err != nil {
		return err
	}
	if !ok || mapping.FollowerOrderID == "" {
		r.logger.Debug("no follower bracket for leader exit fill",
			"leader_parent_id", leaderLeg.ParentOrderID)
		return nil
	}

	followerLegs, err := r.store.BracketLegs(ctx, types.AccountFollower, mapping.FollowerOrderID)
	if err != nil {
		return err
	}
	if len(followerLegs) == 0 {
		followerLegs, err = r.discoverFollowerLegs(ctx, mapping.FollowerOrderID)
		if err != nil {
			r.logger.Warn("follower leg discovery failed",
				"follower_order_id", mapping.FollowerOrderID, "error", err)
			return nil
		}
	}

	sibling := leaderLeg.LegType.Sibling()
	now := time.Now().UTC()
	var updated []types.BracketLeg
	for _, leg := range followerLegs {
		if leg.LegType != sibling || leg.Status.IsTerminal() {
			continue
		}
		if err := r.cancelFollower(ctx, ev, leg.LegOrderID); err != nil {
			return err
		}
		leg.Status = types.StatusCancelled
		leg.UpdatedAt = now
		updated = append(updated, leg)
		r.logger.Info("follower sibling leg cancelled",
			"leader_parent_id", leaderLeg.ParentOrderID,
			"follower_leg_id", leg.LegOrderID,
			"leg_type", string(leg.LegType))
	}
	if len(updated) == 0 {
		return nil
	}

	return r.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, leg := range updated {
			if err := tx.UpsertBracketLeg(ctx, leg); err != nil {
				return err
			}
		}
		return nil
	})
}

// discoverFollowerLegs pulls the follower order book and extracts the leg
// orders the broker split a bracket into. Persisting them here means the next
// OCO pass reads straight from the store.
func (r *Replicator) discoverFollowerLegs(ctx context.Context, parentID string) ([]types.BracketLeg, error) {
	book, err := r.client.ListOrders(ctx, types.AccountFollower)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var legs []types.BracketLeg
	for _, o := range book {
		if o.ParentOrderID != parentID {
			continue
		}
		legType, ok := types.LegTypeFromWire(o.LegName)
		if !ok {
			continue
		}
		legs = append(legs, types.BracketLeg{
			ParentOrderID: parentID,
			LegOrderID:    o.OrderID,
			LegType:       legType,
			Account:       types.AccountFollower,
			Status:        types.NormalizeStatus(o.OrderStatus),
			UpdatedAt:     now,
		})
	}
	if len(legs) == 0 {
		return nil, nil
	}
	err = r.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, leg := range legs {
			if err := tx.UpsertBracketLeg(ctx, leg); err != nil {
				return err
			}
		}
		return nil
	})
	return legs, err
}

// recordRejection persists a rejected leader order together with the broker
// error codes. A rejected leader order is never replayed onto the follower.
func (r *Replicator) recordRejection(ctx context.Context, ev types.OrderUpdate) error {
	mapping, ok, err := r.store.GetMappingByLeader(ctx, ev.OrderID)
	if err != nil {
		return err
	}
	reason := ev.OMSErrorDescription
	if reason == "" {
		reason = "leader order rejected"
	}
	if !ok {
		mapping = &types.CopyMapping{
			LeaderOrderID:  ev.OrderID,
			LeaderQty:      ev.Quantity,
			SizingStrategy: r.cfg.Replication.SizingStrategy,
		}
	}
	mapping.Status = types.MappingFailed
	mapping.ErrorMessage = reason
	mapping.UpdatedAt = time.Now().UTC()

	rep := store.Replication{
		Orders:  []types.Order{orderFromUpdate(ev, types.AccountLeader)},
		Mapping: mapping,
		Event:   eventFor(ev, types.AccountLeader),
		Cursor:  evTime(ev),
	}
	if err := r.store.CommitReplication(ctx, rep); err != nil {
		return err
	}

	r.logger.Warn("leader order rejected",
		"leader_order_id", ev.OrderID,
		"oms_error_code", ev.OMSErrorCode,
		"reason", reason)
	return nil
}

// commitLeaderOnly records the leader-side state and advances the cursor when
// no follower action is taken.
func (r *Replicator) commitLeaderOnly(ctx context.Context, ev types.OrderUpdate) error {
	rep := store.Replication{
		Orders: []types.Order{orderFromUpdate(ev, types.AccountLeader)},
		Event:  eventFor(ev, types.AccountLeader),
		Cursor: evTime(ev),
	}
	return r.store.CommitReplication(ctx, rep)
}

// tradedAverage computes the volume-weighted average fill price from the
// trade book. Used when an EXECUTED event carries no average price.
func (r *Replicator) tradedAverage(ctx context.Context, account types.Account, orderID string) (decimal.Decimal, bool) {
	trades, err := r.client.ListTrades(ctx, account)
	if err != nil {
		r.logger.Warn("trade book fetch failed", "order_id", orderID, "error", err)
		return decimal.Zero, false
	}
	var qty int
	total := decimal.Zero
	for _, tr := range trades {
		if tr.OrderID != orderID || tr.TradedQuantity <= 0 {
			continue
		}
		qty += tr.TradedQuantity
		total = total.Add(decimal.NewFromFloat(tr.TradedPrice).Mul(decimal.NewFromInt(int64(tr.TradedQuantity))))
	}
	if qty == 0 {
		return decimal.Zero, false
	}
	return total.Div(decimal.NewFromInt(int64(qty))), true
}

// warnOnSkew compares the leader event's update time against the mapped
// follower order row and warns when they diverge past skew_warn_after, which
// means the follower stopped tracking the leader. Advisory only: the fill is
// recorded regardless.
func (r *Replicator) warnOnSkew(ctx context.Context, ev types.OrderUpdate, leaderTS time.Time) {
	mapping, ok, err := r.store.GetMappingByLeader(ctx, leaderKey(ev))
	if err != nil || !ok || mapping.FollowerOrderID == "" {
		return
	}
	follower, ok, err := r.store.GetOrder(ctx, types.AccountFollower, mapping.FollowerOrderID)
	if err != nil || !ok {
		return
	}
	skew := follower.UpdatedAt.Sub(leaderTS).Abs()
	if skew <= r.cfg.Replication.SkewWarnAfter {
		return
	}
	r.logger.Warn("leader and follower update times diverge",
		"leader_order_id", leaderKey(ev),
		"follower_order_id", mapping.FollowerOrderID,
		"skew", skew.Round(time.Second).String())
}

// leaderKey resolves the mapping key for an event: bracket leg events map
// through their parent order id.
func leaderKey(ev types.OrderUpdate) string {
	if ev.LegName != "" && ev.ParentOrderID != "" {
		return ev.ParentOrderID
	}
	return ev.OrderID
}

// premiumFor picks the per-unit price used for notional sizing: the limit
// price when present, otherwise the traded average.
func premiumFor(ev types.OrderUpdate) decimal.Decimal {
	if ev.Price > 0 {
		return decimal.NewFromFloat(ev.Price)
	}
	if ev.AvgPrice > 0 {
		return decimal.NewFromFloat(ev.AvgPrice)
	}
	return decimal.Zero
}

// newCorrelationID builds a correlation id that fits the broker's 25
// character field.
func newCorrelationID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "cp-" + id[:20]
}

// placedStatus normalizes the status echoed by a placement response,
// defaulting to TRANSIT when the broker omits it.
func placedStatus(wire string) types.OrderStatus {
	if wire == "" {
		return types.StatusTransit
	}
	return types.NormalizeStatus(wire)
}

// evTime picks the cursor timestamp for an event: exchange update time first,
// creation time second. A zero time leaves the cursor untouched.
func evTime(ev types.OrderUpdate) time.Time {
	ts, _ := ev.UpdatedAt()
	return ts
}

// eventFor wraps the raw update for the append-only event log.
func eventFor(ev types.OrderUpdate, account types.Account) *types.OrderEvent {
	payload, _ := json.Marshal(ev)
	return &types.OrderEvent{
		OrderID:   ev.OrderID,
		Account:   account,
		EventType: ev.OrderStatus,
		Source:    ev.Source,
		Payload:   string(payload),
		EventTS:   evTime(ev),
	}
}

// orderFromUpdate maps a wire event onto the stored order row.
func orderFromUpdate(ev types.OrderUpdate, account types.Account) types.Order {
	status := types.NormalizeStatus(ev.OrderStatus)
	remaining := ev.RemainingQty
	if remaining == 0 && !status.IsTerminal() && ev.Quantity > ev.FilledQty {
		remaining = ev.Quantity - ev.FilledQty
	}
	o := types.Order{
		ID:                  ev.OrderID,
		Account:             account,
		CorrelationID:       ev.CorrelationID,
		SecurityID:          ev.SecurityID,
		ExchangeSegment:     ev.ExchangeSegment,
		TradingSymbol:       ev.TradingSymbol,
		Side:                ev.TransactionType,
		Product:             ev.ProductType,
		OrderType:           types.OrderType(ev.OrderType),
		Validity:            types.Validity(ev.Validity),
		Quantity:            ev.Quantity,
		DisclosedQty:        ev.DisclosedQty,
		Price:               decimal.NewFromFloat(ev.Price),
		TriggerPrice:        decimal.NewFromFloat(ev.TriggerPrice),
		AvgPrice:            decimal.NewFromFloat(ev.AvgPrice),
		FilledQty:           ev.FilledQty,
		RemainingQty:        remaining,
		Status:              status,
		BOProfitValue:       decimal.NewFromFloat(ev.BOProfitValue),
		BOStopLossValue:     decimal.NewFromFloat(ev.BOStopLossValue),
		COStopLossValue:     decimal.NewFromFloat(ev.COStopLossValue),
		ParentOrderID:       ev.ParentOrderID,
		AfterMarketOrder:    ev.AfterMarketOrder,
		AMOTime:             ev.AMOTime,
		Sliced:              ev.SlicedOrder,
		OMSErrorCode:        ev.OMSErrorCode,
		OMSErrorDescription: ev.OMSErrorDescription,
		UpdatedAt:           evTime(ev),
	}
	if created, ok := ev.CreatedAt(); ok {
		o.CreatedAt = created
	}
	if legType, ok := types.LegTypeFromWire(ev.LegName); ok {
		o.LegType = legType
	}
	if raw, err := json.Marshal(ev); err == nil {
		o.RawPayload = string(raw)
	}
	return o
}
