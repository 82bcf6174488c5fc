package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"dhan-mirror/pkg/types"
)

const orderColumns = `account, order_id, correlation_id, security_id, exchange_segment,
	trading_symbol, side, product, order_type, validity, quantity, disclosed_qty,
	price, trigger_price, filled_qty, remaining_qty, avg_price, status,
	bo_profit_value, bo_stop_loss_value, co_stop_loss_value, parent_order_id,
	leg_type, amo, amo_time, sliced, slice_group_id, slice_index, total_slice_qty,
	oms_error_code, oms_error_description, raw_payload, created_at, updated_at`

// UpsertOrder writes one order row, replacing any previous observation of the
// same (account, order id).
func (t *Tx) UpsertOrder(ctx context.Context, o types.Order) error {
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := o.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account, order_id) DO UPDATE SET
			correlation_id        = excluded.correlation_id,
			security_id           = excluded.security_id,
			exchange_segment      = excluded.exchange_segment,
			trading_symbol        = excluded.trading_symbol,
			side                  = excluded.side,
			product               = excluded.product,
			order_type            = excluded.order_type,
			validity              = excluded.validity,
			quantity              = excluded.quantity,
			disclosed_qty         = excluded.disclosed_qty,
			price                 = excluded.price,
			trigger_price         = excluded.trigger_price,
			filled_qty            = excluded.filled_qty,
			remaining_qty         = excluded.remaining_qty,
			avg_price             = excluded.avg_price,
			status                = excluded.status,
			bo_profit_value       = excluded.bo_profit_value,
			bo_stop_loss_value    = excluded.bo_stop_loss_value,
			co_stop_loss_value    = excluded.co_stop_loss_value,
			parent_order_id       = excluded.parent_order_id,
			leg_type              = excluded.leg_type,
			amo                   = excluded.amo,
			amo_time              = excluded.amo_time,
			sliced                = excluded.sliced,
			slice_group_id        = excluded.slice_group_id,
			slice_index           = excluded.slice_index,
			total_slice_qty       = excluded.total_slice_qty,
			oms_error_code        = excluded.oms_error_code,
			oms_error_description = excluded.oms_error_description,
			raw_payload           = excluded.raw_payload,
			updated_at            = excluded.updated_at
	`, string(o.Account), o.ID, o.CorrelationID, o.SecurityID, o.ExchangeSegment,
		o.TradingSymbol, string(o.Side), string(o.Product), string(o.OrderType), string(o.Validity),
		o.Quantity, o.DisclosedQty, o.Price.String(), o.TriggerPrice.String(),
		o.FilledQty, o.RemainingQty, o.AvgPrice.String(), string(o.Status),
		o.BOProfitValue.String(), o.BOStopLossValue.String(), o.COStopLossValue.String(),
		o.ParentOrderID, string(o.LegType), boolInt(o.AfterMarketOrder), o.AMOTime,
		boolInt(o.Sliced), o.SliceGroupID, o.SliceIndex, o.TotalSliceQty,
		o.OMSErrorCode, o.OMSErrorDescription, o.RawPayload,
		fmtTime(createdAt), fmtTime(updatedAt),
	); err != nil {
		return fmt.Errorf("store.UpsertOrder: %s/%s: %w", o.Account, o.ID, err)
	}
	return nil
}

// GetOrder reads one order by account and broker id. ok is false on a miss.
func (s *Store) GetOrder(ctx context.Context, account types.Account, orderID string) (*types.Order, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE account = ? AND order_id = ?`,
		string(account), orderID,
	)
	return scanOrder(row, "store.GetOrder")
}

// GetOrderByCorrelation reads one order by the correlation id it was placed
// with.
func (s *Store) GetOrderByCorrelation(ctx context.Context, account types.Account, correlationID string) (*types.Order, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE account = ? AND correlation_id = ? LIMIT 1`,
		string(account), correlationID,
	)
	return scanOrder(row, "store.GetOrderByCorrelation")
}

// ActiveOrders returns the account's non-terminal orders.
func (s *Store) ActiveOrders(ctx context.Context, account types.Account) ([]types.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM v_active_orders WHERE account = ? ORDER BY created_at`,
		string(account),
	)
	if err != nil {
		return nil, fmt.Errorf("store.ActiveOrders: query: %w", err)
	}
	defer rows.Close()

	var orders []types.Order
	for rows.Next() {
		o, _, err := scanOrder(rows, "store.ActiveOrders")
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// CountOrders reports rows per account, for the ops surface.
func (s *Store) CountOrders(ctx context.Context, account types.Account) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE account = ?`, string(account),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("store.CountOrders: %w", err)
	}
	return n, nil
}

// AppendEvent appends one observed transition to the event log.
func (t *Tx) AppendEvent(ctx context.Context, e types.OrderEvent) error {
	eventTS := e.EventTS
	if eventTS.IsZero() {
		eventTS = time.Now()
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO order_events (account, order_id, event_type, source, payload, event_ts, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, string(e.Account), e.OrderID, e.EventType, string(e.Source), e.Payload,
		fmtTime(eventTS), fmtTime(time.Now()),
	); err != nil {
		return fmt.Errorf("store.AppendEvent: %s: %w", e.OrderID, err)
	}
	return nil
}

// Events returns the event log for one order, oldest first.
func (s *Store) Events(ctx context.Context, account types.Account, orderID string) ([]types.OrderEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, account, order_id, event_type, source, payload, event_ts
		FROM order_events WHERE account = ? AND order_id = ? ORDER BY seq
	`, string(account), orderID)
	if err != nil {
		return nil, fmt.Errorf("store.Events: query: %w", err)
	}
	defer rows.Close()

	var events []types.OrderEvent
	for rows.Next() {
		var e types.OrderEvent
		var account, source, eventTS string
		if err := rows.Scan(&e.Sequence, &account, &e.OrderID, &e.EventType, &source, &e.Payload, &eventTS); err != nil {
			return nil, fmt.Errorf("store.Events: scan: %w", err)
		}
		e.Account = types.Account(account)
		e.Source = types.EventSource(source)
		e.EventTS = parseTime(eventTS)
		events = append(events, e)
	}
	return events, rows.Err()
}

// rowScanner lets scanOrder work for both QueryRow and Query results.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner, op string) (*types.Order, bool, error) {
	var o types.Order
	var account, side, product, orderType, validity, status, legType string
	var price, trigger, avgPrice, boProfit, boSL, coSL string
	var amo, sliced int
	var createdAt, updatedAt string

	err := row.Scan(
		&account, &o.ID, &o.CorrelationID, &o.SecurityID, &o.ExchangeSegment,
		&o.TradingSymbol, &side, &product, &orderType, &validity,
		&o.Quantity, &o.DisclosedQty, &price, &trigger,
		&o.FilledQty, &o.RemainingQty, &avgPrice, &status,
		&boProfit, &boSL, &coSL, &o.ParentOrderID,
		&legType, &amo, &o.AMOTime, &sliced, &o.SliceGroupID, &o.SliceIndex, &o.TotalSliceQty,
		&o.OMSErrorCode, &o.OMSErrorDescription, &o.RawPayload, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s: scan: %w", op, err)
	}

	o.Account = types.Account(account)
	o.Side = types.Side(side)
	o.Product = types.Product(product)
	o.OrderType = types.OrderType(orderType)
	o.Validity = types.Validity(validity)
	o.Status = types.OrderStatus(status)
	o.LegType = types.LegType(legType)
	o.Price = parseDec(price)
	o.TriggerPrice = parseDec(trigger)
	o.AvgPrice = parseDec(avgPrice)
	o.BOProfitValue = parseDec(boProfit)
	o.BOStopLossValue = parseDec(boSL)
	o.COStopLossValue = parseDec(coSL)
	o.AfterMarketOrder = amo == 1
	o.Sliced = sliced == 1
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	return &o, true, nil
}
