// Package exchange implements the broker's REST client and order-update
// stream consumer.
//
// The REST client (Client) covers the v2 order APIs for both accounts:
//   - PlaceOrder:            POST   /v2/orders                  — place one order
//   - PlaceSliceOrder:       POST   /v2/orders/slicing          — split an over-freeze-limit order
//   - ModifyOrder:           PUT    /v2/orders/{id}             — modify a pending order (absolute values)
//   - CancelOrder:           DELETE /v2/orders/{id}             — cancel a pending order
//   - GetOrder:              GET    /v2/orders/{id}             — one order by broker id
//   - GetOrderByCorrelation: GET    /v2/orders/external/{id}    — one order by correlation id
//   - ListOrders:            GET    /v2/orders                  — the day's order book
//   - ListTrades:            GET    /v2/trades                  — the day's trade book
//   - GetFunds:              GET    /v2/fundlimit               — fund limits
//   - FetchInstrument:       GET    /v2/instrument/...          — instrument metadata
//
// Every request passes the owning account's sliding window and the shared
// circuit breaker, is retried on transport errors and 5xx, and carries the
// account's access-token/client-id headers. Failures come back as
// types.ReplicationError so callers can branch on the kind.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"dhan-mirror/internal/config"
	"dhan-mirror/pkg/types"
)

// AuditSink receives one record per broker call. The store implements it;
// the engine wires it in after both sides exist.
type AuditSink interface {
	LogAudit(ctx context.Context, rec types.AuditRecord) error
}

// Client is the broker REST API client for the leader and follower accounts.
// It wraps a resty HTTP client with per-account rate limiting, a circuit
// breaker, retry, and header auth.
type Client struct {
	http    *resty.Client
	auth    *Auth
	rl      *RateLimiter
	breaker *Breaker
	audit   AuditSink // optional, set via SetAuditSink
	dryRun  bool      // when true, mutating methods return fake success without HTTP calls
	logger  *slog.Logger

	dryRunSeq atomic.Int64
}

// NewClient creates a REST client with rate limiting, breaker and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.BaseURL).
		SetTimeout(cfg.API.Timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:    httpClient,
		auth:    auth,
		rl:      NewRateLimiter(cfg.API.MaxRPS),
		breaker: NewBreaker(cfg.API.BreakerThreshold, cfg.API.BreakerCooldown, logger),
		dryRun:  cfg.DryRun,
		logger:  logger.With("component", "exchange"),
	}
}

// SetAuditSink routes per-call audit records to sink. Safe to leave unset.
func (c *Client) SetAuditSink(sink AuditSink) { c.audit = sink }

// Breaker exposes the circuit breaker for status reporting.
func (c *Client) Breaker() *Breaker { return c.breaker }

// execute runs one broker call under the account's rate limit and the shared
// breaker, then records breaker bookkeeping and an audit row. A 4xx answer is
// still an answer: only transport errors and 5xx count against the breaker.
func (c *Client) execute(ctx context.Context, account types.Account, action, detail string, send func() (*resty.Response, error)) (*resty.Response, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, types.NewReplicationError(types.ErrKindTransport, "", err)
	}
	if err := c.rl.For(account).Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := send()

	if err != nil || (resp != nil && resp.StatusCode() >= 500) {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}
	c.recordAudit(ctx, account, action, detail, start, resp, err)

	if err != nil {
		return nil, types.NewReplicationError(types.ErrKindTransport, "", fmt.Errorf("%s: %w", action, err))
	}
	return resp, nil
}

func (c *Client) recordAudit(ctx context.Context, account types.Account, action, detail string, start time.Time, resp *resty.Response, err error) {
	if c.audit == nil {
		return
	}
	rec := types.AuditRecord{
		Action:     action,
		Account:    account,
		Request:    detail,
		DurationMS: time.Since(start).Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if resp != nil {
		rec.StatusCode = resp.StatusCode()
		rec.Response = truncate(resp.String(), 2048)
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if auditErr := c.audit.LogAudit(ctx, rec); auditErr != nil {
		c.logger.Warn("audit write failed", "action", action, "error", auditErr)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// apiError classifies a non-2xx broker answer. defaultKind names the phase
// (placement, modification, ...); the status code and body can override it
// with a more specific kind.
func apiError(action string, defaultKind types.ErrorKind, resp *resty.Response) error {
	kind := defaultKind
	body := resp.String()
	lower := strings.ToLower(body)

	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		kind = types.ErrKindAuthentication
	case resp.StatusCode() == http.StatusTooManyRequests:
		kind = types.ErrKindRateLimit
	case resp.StatusCode() >= 500:
		kind = types.ErrKindTransport
	case strings.Contains(lower, "insufficient"):
		kind = types.ErrKindInsufficientFunds
	case strings.Contains(lower, "market") && strings.Contains(lower, "closed"):
		kind = types.ErrKindMarketClosed
	}

	return types.NewReplicationError(kind, "",
		fmt.Errorf("%s: status %d: %s", action, resp.StatusCode(), truncate(body, 512)))
}

// firstOf decodes a broker payload that may be either a single object or an
// array of objects, returning the first. Several v2 read endpoints answer
// with a one-element array.
func firstOf[T any](data []byte, action string) (*T, error) {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			var arr []T
			if err := json.Unmarshal(data, &arr); err != nil {
				return nil, fmt.Errorf("%s: decode: %w", action, err)
			}
			if len(arr) == 0 {
				return nil, fmt.Errorf("%s: empty response", action)
			}
			return &arr[0], nil
		default:
			var one T
			if err := json.Unmarshal(data, &one); err != nil {
				return nil, fmt.Errorf("%s: decode: %w", action, err)
			}
			return &one, nil
		}
	}
	return nil, fmt.Errorf("%s: empty response", action)
}

// PlaceOrder places a single order on the given account.
func (c *Client) PlaceOrder(ctx context.Context, account types.Account, req types.PlaceOrderRequest) (*types.OrderResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"account", account, "side", req.TransactionType, "security_id", req.SecurityID,
			"qty", req.Quantity, "product", req.ProductType, "order_type", req.OrderType)
		return &types.OrderResponse{
			OrderID:     fmt.Sprintf("dry-run-%d", c.dryRunSeq.Add(1)),
			OrderStatus: string(types.StatusTransit),
		}, nil
	}

	var result types.OrderResponse
	resp, err := c.execute(ctx, account, "place_order", "security_id="+req.SecurityID, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeaders(c.auth.Headers(account)).
			SetBody(req).
			SetResult(&result).
			Post("/v2/orders")
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError("place order", types.ErrKindPlacement, resp)
	}

	c.logger.Info("order placed", "account", account, "order_id", result.OrderID, "status", result.OrderStatus)
	return &result, nil
}

// PlaceSliceOrder places an order through the slicing endpoint, which splits
// quantities above the exchange freeze limit into multiple orders. The broker
// answers with either one acknowledgement or one per slice.
func (c *Client) PlaceSliceOrder(ctx context.Context, account types.Account, req types.PlaceOrderRequest) ([]types.OrderResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place slice order",
			"account", account, "security_id", req.SecurityID, "qty", req.Quantity)
		return []types.OrderResponse{{
			OrderID:     fmt.Sprintf("dry-run-%d", c.dryRunSeq.Add(1)),
			OrderStatus: string(types.StatusTransit),
		}}, nil
	}

	var result types.SliceResponse
	resp, err := c.execute(ctx, account, "place_slice_order", "security_id="+req.SecurityID, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeaders(c.auth.Headers(account)).
			SetBody(req).
			SetResult(&result).
			Post("/v2/orders/slicing")
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError("place slice order", types.ErrKindPlacement, resp)
	}

	c.logger.Info("slice order placed", "account", account, "slices", len(result))
	return []types.OrderResponse(result), nil
}

// ModifyOrder modifies a pending order. The broker treats every field in req
// as the new absolute value.
func (c *Client) ModifyOrder(ctx context.Context, account types.Account, req types.ModifyOrderRequest) (*types.OrderResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would modify order", "account", account, "order_id", req.OrderID,
			"qty", req.Quantity, "price", req.Price, "trigger", req.TriggerPrice)
		return &types.OrderResponse{OrderID: req.OrderID, OrderStatus: string(types.StatusTransit)}, nil
	}

	var result types.OrderResponse
	resp, err := c.execute(ctx, account, "modify_order", "order_id="+req.OrderID, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeaders(c.auth.Headers(account)).
			SetBody(req).
			SetResult(&result).
			Put("/v2/orders/" + req.OrderID)
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError("modify order", types.ErrKindModification, resp)
	}

	c.logger.Info("order modified", "account", account, "order_id", result.OrderID, "status", result.OrderStatus)
	return &result, nil
}

// CancelOrder cancels a pending order by broker id.
func (c *Client) CancelOrder(ctx context.Context, account types.Account, orderID string) (*types.OrderResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "account", account, "order_id", orderID)
		return &types.OrderResponse{OrderID: orderID, OrderStatus: string(types.StatusCancelled)}, nil
	}

	var result types.OrderResponse
	resp, err := c.execute(ctx, account, "cancel_order", "order_id="+orderID, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeaders(c.auth.Headers(account)).
			SetResult(&result).
			Delete("/v2/orders/" + orderID)
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError("cancel order", types.ErrKindCancellation, resp)
	}

	c.logger.Info("order cancelled", "account", account, "order_id", result.OrderID)
	return &result, nil
}

// GetOrder fetches one order by broker id.
func (c *Client) GetOrder(ctx context.Context, account types.Account, orderID string) (*types.OrderUpdate, error) {
	resp, err := c.execute(ctx, account, "get_order", "order_id="+orderID, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeaders(c.auth.Headers(account)).
			Get("/v2/orders/" + orderID)
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError("get order", types.ErrKindTransport, resp)
	}
	return firstOf[types.OrderUpdate](resp.Body(), "get order")
}

// GetOrderByCorrelation fetches one order by the correlation id it was placed
// with.
func (c *Client) GetOrderByCorrelation(ctx context.Context, account types.Account, correlationID string) (*types.OrderUpdate, error) {
	resp, err := c.execute(ctx, account, "get_order_by_correlation", "correlation_id="+correlationID, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeaders(c.auth.Headers(account)).
			Get("/v2/orders/external/" + correlationID)
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError("get order by correlation", types.ErrKindTransport, resp)
	}
	return firstOf[types.OrderUpdate](resp.Body(), "get order by correlation")
}

// ListOrders fetches the account's full order book for the trading day.
func (c *Client) ListOrders(ctx context.Context, account types.Account) ([]types.OrderUpdate, error) {
	var result []types.OrderUpdate
	resp, err := c.execute(ctx, account, "list_orders", "", func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeaders(c.auth.Headers(account)).
			SetResult(&result).
			Get("/v2/orders")
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError("list orders", types.ErrKindTransport, resp)
	}
	return result, nil
}

// ListTrades fetches the account's trade book for the trading day.
func (c *Client) ListTrades(ctx context.Context, account types.Account) ([]types.TradeRecord, error) {
	var result []types.TradeRecord
	resp, err := c.execute(ctx, account, "list_trades", "", func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeaders(c.auth.Headers(account)).
			SetResult(&result).
			Get("/v2/trades")
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError("list trades", types.ErrKindTransport, resp)
	}
	return result, nil
}

// GetFunds fetches the account's fund limits.
func (c *Client) GetFunds(ctx context.Context, account types.Account) (*types.FundLimitResponse, error) {
	var result types.FundLimitResponse
	resp, err := c.execute(ctx, account, "get_funds", "", func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeaders(c.auth.Headers(account)).
			SetResult(&result).
			Get("/v2/fundlimit")
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError("get funds", types.ErrKindTransport, resp)
	}
	return &result, nil
}

// FetchInstrument fetches instrument metadata by segment and security id.
func (c *Client) FetchInstrument(ctx context.Context, account types.Account, segment, securityID string) (*types.InstrumentRecord, error) {
	resp, err := c.execute(ctx, account, "fetch_instrument", "security_id="+securityID, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeaders(c.auth.Headers(account)).
			Get("/v2/instrument/" + segment + "/" + securityID)
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError("fetch instrument", types.ErrKindTransport, resp)
	}
	return firstOf[types.InstrumentRecord](resp.Body(), "fetch instrument")
}

// ValidateSession confirms the account's token by fetching fund limits, the
// cheapest authenticated endpoint. Any auth failure surfaces here before the
// engine starts consuming the stream.
func (c *Client) ValidateSession(ctx context.Context, account types.Account) error {
	funds, err := c.GetFunds(ctx, account)
	if err != nil {
		return types.NewReplicationError(types.ErrKindAuthentication, "",
			fmt.Errorf("validate session %s: %w", account, err))
	}
	c.logger.Info("session validated",
		"account", account,
		"client_id", c.auth.ClientID(account),
		"token", c.auth.Redacted(account),
		"available_balance", funds.AvailableBalance)
	return nil
}
