// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the replication engine — broker
// enums, order and mapping entities, wire payloads, and stream messages. It
// has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Account identifies which brokerage account an order or balance belongs to.
type Account string

const (
	AccountLeader   Account = "leader"
	AccountFollower Account = "follower"
)

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Product enumerates the broker's product types. CO and BO carry mandatory
// stop-loss (and, for BO, target) parameters on the same request.
type Product string

const (
	ProductCNC      Product = "CNC"      // cash and carry (delivery)
	ProductIntraday Product = "INTRADAY" // intraday (MIS)
	ProductMargin   Product = "MARGIN"   // carry-forward with margin
	ProductMTF      Product = "MTF"      // margin trading facility
	ProductCO       Product = "CO"       // cover order: entry + mandatory stop-loss
	ProductBO       Product = "BO"       // bracket order: entry + target + stop-loss
)

// OrderType enumerates the supported execution types.
type OrderType string

const (
	OrderTypeMarket   OrderType = "MARKET"
	OrderTypeLimit    OrderType = "LIMIT"
	OrderTypeSL       OrderType = "STOP_LOSS"        // stop-loss limit
	OrderTypeSLMarket OrderType = "STOP_LOSS_MARKET" // stop-loss market
)

// RequiresTrigger reports whether this order type carries a trigger price.
func (ot OrderType) RequiresTrigger() bool {
	return ot == OrderTypeSL || ot == OrderTypeSLMarket
}

// Validity enumerates order time-in-force values.
type Validity string

const (
	ValidityDay Validity = "DAY"
	ValidityIOC Validity = "IOC"
)

// OrderStatus is the canonical order lifecycle state. The broker's wire
// vocabulary is wider (TRADED, PARTIALLY_FILLED, ...); NormalizeStatus folds
// wire values into this set.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING" // accepted locally, not yet at exchange
	StatusTransit   OrderStatus = "TRANSIT" // en route to exchange
	StatusOpen      OrderStatus = "OPEN"    // resting at exchange
	StatusPartial   OrderStatus = "PARTIAL" // partially filled
	StatusExecuted  OrderStatus = "EXECUTED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// Wire statuses the broker emits that are not canonical states. MODIFIED is a
// dispatch signal, not a state: handlers act on it before normalising.
const (
	WireStatusTraded   = "TRADED"
	WireStatusModified = "MODIFIED"
	WireStatusPartFill = "PARTIALLY_FILLED"
	WireStatusPartShrt = "PART_TRADED"
)

// NormalizeStatus maps a raw broker status string onto the canonical set.
// Unknown values pass through unchanged.
func NormalizeStatus(raw string) OrderStatus {
	switch raw {
	case WireStatusTraded:
		return StatusExecuted
	case WireStatusPartFill, WireStatusPartShrt:
		return StatusPartial
	default:
		return OrderStatus(raw)
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusExecuted || s == StatusCancelled || s == StatusRejected
}

// MappingStatus is the lifecycle of a leader→follower copy mapping.
type MappingStatus string

const (
	MappingPending   MappingStatus = "pending"
	MappingPlaced    MappingStatus = "placed"
	MappingFailed    MappingStatus = "failed"
	MappingCancelled MappingStatus = "cancelled"
)

// LegType identifies a bracket-order child leg.
type LegType string

const (
	LegEntry  LegType = "ENTRY"
	LegTarget LegType = "TARGET"
	LegSL     LegType = "SL"
)

// Sibling returns the OCO counterpart of an exit leg, or "" for ENTRY.
func (lt LegType) Sibling() LegType {
	switch lt {
	case LegTarget:
		return LegSL
	case LegSL:
		return LegTarget
	default:
		return ""
	}
}

// Broker leg names used on modify requests (wire vocabulary).
const (
	WireLegEntry  = "ENTRY_LEG"
	WireLegSL     = "STOP_LOSS_LEG"
	WireLegTarget = "TARGET_LEG"
)

// WireLegName maps a LegType to the broker's modify legName value.
func (lt LegType) WireLegName() string {
	switch lt {
	case LegEntry:
		return WireLegEntry
	case LegTarget:
		return WireLegTarget
	case LegSL:
		return WireLegSL
	default:
		return ""
	}
}

// LegTypeFromWire maps a broker legName back to a LegType.
func LegTypeFromWire(name string) (LegType, bool) {
	switch name {
	case WireLegEntry:
		return LegEntry, true
	case WireLegTarget:
		return LegTarget, true
	case WireLegSL:
		return LegSL, true
	default:
		return "", false
	}
}

// EventSource tags where an order event entered the system.
type EventSource string

const (
	SourceStream   EventSource = "stream"
	SourceREST     EventSource = "rest"
	SourceRecovery EventSource = "recovery"
)

// SizingStrategy selects the follower quantity computation.
type SizingStrategy string

const (
	SizingCapitalProportional SizingStrategy = "capital_proportional"
	SizingFixedRatio          SizingStrategy = "fixed_ratio"
	SizingRiskBased           SizingStrategy = "risk_based"
)

// ————————————————————————————————————————————————————————————————————————
// Entities
// ————————————————————————————————————————————————————————————————————————

// Order is the persisted view of a broker order on either account. Orders are
// created on first observation and mutated by later events with the same id;
// they are never deleted.
type Order struct {
	ID            string  // broker order id
	Account       Account // leader or follower
	CorrelationID string  // user tag; generated for follower orders

	SecurityID      string
	ExchangeSegment string
	TradingSymbol   string

	Side      Side
	Product   Product
	OrderType OrderType
	Validity  Validity

	Quantity     int
	DisclosedQty int
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	FilledQty    int
	RemainingQty int
	AvgPrice     decimal.Decimal

	Status OrderStatus

	// Populated only when Product is BO/CO.
	BOProfitValue   decimal.Decimal
	BOStopLossValue decimal.Decimal
	COStopLossValue decimal.Decimal

	// Bracket child-leg linkage.
	ParentOrderID string
	LegType       LegType

	AfterMarketOrder bool
	AMOTime          string

	// Slice tracking when produced by the broker's slicing endpoint.
	Sliced        bool
	SliceGroupID  string
	SliceIndex    int
	TotalSliceQty int

	OMSErrorCode        string
	OMSErrorDescription string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	RawPayload string // last wire blob observed for this order
}

// CopyMapping links one leader order to at most one follower order.
// Unique by LeaderOrderID; this constraint is the idempotency backbone.
type CopyMapping struct {
	LeaderOrderID   string
	FollowerOrderID string // empty until placement succeeds
	LeaderQty       int
	FollowerQty     int
	SizingStrategy  SizingStrategy
	CapitalRatio    decimal.Decimal
	Status          MappingStatus
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BracketLeg is one child leg of a bracket order, keyed by
// (parent order id, leg type, account).
type BracketLeg struct {
	ParentOrderID string
	LegOrderID    string
	LegType       LegType
	Account       Account
	Status        OrderStatus
	UpdatedAt     time.Time
}

// OrderEvent is one append-only row per observed order transition.
type OrderEvent struct {
	Sequence  int64
	OrderID   string
	Account   Account
	EventType string // raw broker status that triggered the event
	Source    EventSource
	Payload   string
	EventTS   time.Time
}

// FundsSnapshot is a cached fund-limit reading for one account.
type FundsSnapshot struct {
	Account          Account
	AvailableBalance decimal.Decimal
	UtilizedAmount   decimal.Decimal
	CollateralAmount decimal.Decimal
	FetchedAt        time.Time
}

// Instrument carries the exchange metadata the sizer needs.
type Instrument struct {
	SecurityID       string
	ExchangeSegment  string
	TradingSymbol    string
	LotSize          int
	TickSize         decimal.Decimal
	InstrumentType   string // EQUITY, OPTIDX, OPTSTK, FUTIDX, FUTSTK, ...
	ExpiryDate       string
	StrikePrice      decimal.Decimal
	OptionType       string // CE / PE
	UnderlyingSymbol string
}

// IsOption reports whether the instrument is an index or stock option.
func (i Instrument) IsOption() bool {
	return i.InstrumentType == "OPTIDX" || i.InstrumentType == "OPTSTK"
}

// IsFuture reports whether the instrument is an index or stock future.
func (i Instrument) IsFuture() bool {
	return i.InstrumentType == "FUTIDX" || i.InstrumentType == "FUTSTK"
}

// AuditRecord is one row of the broker-call audit trail.
type AuditRecord struct {
	Action     string
	Account    Account
	Request    string
	Response   string
	StatusCode int
	Error      string
	DurationMS int64
	CreatedAt  time.Time
}

// ————————————————————————————————————————————————————————————————————————
// REST wire payloads
// ————————————————————————————————————————————————————————————————————————
// Field names follow the broker's v2 JSON vocabulary verbatim. Prices ride as
// JSON numbers; exact math happens on decimal.Decimal inside the engine.

// PlaceOrderRequest is the body for POST /v2/orders and POST /v2/orders/slicing.
type PlaceOrderRequest struct {
	DhanClientID     string  `json:"dhanClientId"`
	CorrelationID    string  `json:"correlationId,omitempty"`
	TransactionType  Side    `json:"transactionType"`
	ExchangeSegment  string  `json:"exchangeSegment"`
	ProductType      Product `json:"productType"`
	OrderType        string  `json:"orderType"`
	Validity         string  `json:"validity"`
	SecurityID       string  `json:"securityId"`
	Quantity         int     `json:"quantity"`
	DisclosedQty     int     `json:"disclosedQuantity,omitempty"`
	Price            float64 `json:"price"`
	TriggerPrice     float64 `json:"triggerPrice,omitempty"`
	AfterMarketOrder bool    `json:"afterMarketOrder,omitempty"`
	AMOTime          string  `json:"amoTime,omitempty"`
	BOProfitValue    float64 `json:"boProfitValue,omitempty"`
	BOStopLossValue  float64 `json:"boStopLossValue,omitempty"`
	COStopLossValue  float64 `json:"coStopLossValue,omitempty"`
	COTriggerPrice   float64 `json:"coTriggerPrice,omitempty"`
}

// ModifyOrderRequest is the body for PUT /v2/orders/{id}. The broker's modify
// semantics are absolute: every included field is the new total value, not a
// delta. LegName selects the BO/CO leg being modified.
type ModifyOrderRequest struct {
	DhanClientID    string  `json:"dhanClientId"`
	OrderID         string  `json:"orderId"`
	OrderType       string  `json:"orderType"`
	LegName         string  `json:"legName,omitempty"`
	Quantity        int     `json:"quantity,omitempty"`
	DisclosedQty    int     `json:"disclosedQuantity,omitempty"`
	Price           float64 `json:"price,omitempty"`
	TriggerPrice    float64 `json:"triggerPrice,omitempty"`
	Validity        string  `json:"validity,omitempty"`
	BOProfitValue   float64 `json:"boProfitValue,omitempty"`
	BOStopLossValue float64 `json:"boStopLossValue,omitempty"`
	COStopLossValue float64 `json:"coStopLossValue,omitempty"`
}

// OrderResponse is the broker acknowledgement for place/modify/cancel.
type OrderResponse struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
}

// SliceResponse tolerates both response shapes of the slicing endpoint:
// a single aggregate acknowledgement or one acknowledgement per slice.
type SliceResponse []OrderResponse

// UnmarshalJSON accepts either a JSON object or a JSON array of objects.
func (s *SliceResponse) UnmarshalJSON(data []byte) error {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			var arr []OrderResponse
			if err := json.Unmarshal(data, &arr); err != nil {
				return err
			}
			*s = SliceResponse(arr)
			return nil
		default:
			var one OrderResponse
			if err := json.Unmarshal(data, &one); err != nil {
				return err
			}
			*s = SliceResponse{one}
			return nil
		}
	}
	*s = nil
	return nil
}

// FundLimitResponse is the body of GET /v2/fundlimit.
type FundLimitResponse struct {
	DhanClientID        string  `json:"dhanClientId"`
	AvailableBalance    float64 `json:"availableBalance"`
	SODLimit            float64 `json:"sodLimit"`
	CollateralAmount    float64 `json:"collateralAmount"`
	ReceivableAmount    float64 `json:"receiveableAmount"`
	UtilizedAmount      float64 `json:"utilizedAmount"`
	BlockedPayoutAmount float64 `json:"blockedPayoutAmount"`
	WithdrawableBalance float64 `json:"withdrawableBalance"`
}

// TradeRecord is one fill from GET /v2/trades.
type TradeRecord struct {
	OrderID         string  `json:"orderId"`
	ExchangeOrderID string  `json:"exchangeOrderId"`
	ExchangeTradeID string  `json:"exchangeTradeId"`
	SecurityID      string  `json:"securityId"`
	ExchangeSegment string  `json:"exchangeSegment"`
	TransactionType Side    `json:"transactionType"`
	ProductType     Product `json:"productType"`
	OrderType       string  `json:"orderType"`
	TradingSymbol   string  `json:"tradingSymbol"`
	TradedQuantity  int     `json:"tradedQuantity"`
	TradedPrice     float64 `json:"tradedPrice"`
	CreateTime      string  `json:"createTime"`
	UpdateTime      string  `json:"updateTime"`
	ExchangeTime    string  `json:"exchangeTime"`
}

// InstrumentRecord is the broker's instrument metadata payload.
type InstrumentRecord struct {
	SecurityID       string  `json:"securityId"`
	ExchangeSegment  string  `json:"exchangeSegment"`
	TradingSymbol    string  `json:"tradingSymbol"`
	LotSize          int     `json:"lotSize"`
	TickSize         float64 `json:"tickSize"`
	InstrumentType   string  `json:"instrumentType"`
	ExpiryDate       string  `json:"expiryDate"`
	StrikePrice      float64 `json:"strikePrice"`
	OptionType       string  `json:"optionType"`
	UnderlyingSymbol string  `json:"underlyingSymbol"`
}

// ————————————————————————————————————————————————————————————————————————
// Stream messages
// ————————————————————————————————————————————————————————————————————————

// WSLoginMsg authenticates the order-update stream after dialing.
type WSLoginMsg struct {
	LoginReq WSLoginReq `json:"LoginReq"`
	UserType string     `json:"UserType"` // always "SELF"
}

// WSLoginReq carries the credential fields of the login frame.
type WSLoginReq struct {
	MsgCode  int    `json:"MsgCode"` // 42 = order-update subscription
	ClientID string `json:"ClientId"`
	Token    string `json:"Token"`
}

// OrderUpdate is one order lifecycle message. The same shape arrives from the
// push stream and from the order-list endpoint, so recovery can replay REST
// rows through the identical handler path. OrderStatus carries the raw wire
// value (including MODIFIED and PARTIALLY_FILLED); handlers dispatch on it
// before normalising.
type OrderUpdate struct {
	OrderID         string  `json:"orderId"`
	CorrelationID   string  `json:"correlationId,omitempty"`
	OrderStatus     string  `json:"orderStatus"`
	TransactionType Side    `json:"transactionType"`
	ExchangeSegment string  `json:"exchangeSegment"`
	ProductType     Product `json:"productType"`
	OrderType       string  `json:"orderType"`
	Validity        string  `json:"validity"`
	TradingSymbol   string  `json:"tradingSymbol"`
	SecurityID      string  `json:"securityId"`
	Quantity        int     `json:"quantity"`
	DisclosedQty    int     `json:"disclosedQuantity"`
	Price           float64 `json:"price"`
	TriggerPrice    float64 `json:"triggerPrice"`
	FilledQty       int     `json:"filledQty"`
	RemainingQty    int     `json:"remainingQuantity"`
	AvgPrice        float64 `json:"averageTradedPrice"`

	AfterMarketOrder bool   `json:"afterMarketOrder"`
	AMOTime          string `json:"amoTime,omitempty"`

	BOProfitValue   float64 `json:"boProfitValue,omitempty"`
	BOStopLossValue float64 `json:"boStopLossValue,omitempty"`
	COStopLossValue float64 `json:"coStopLossValue,omitempty"`

	LegName       string `json:"legName,omitempty"`
	ParentOrderID string `json:"parentOrderId,omitempty"`

	SlicedOrder   bool   `json:"isSlicedOrder,omitempty"`
	SliceOrderID  string `json:"sliceOrderId,omitempty"`
	SliceIndex    int    `json:"sliceIndex,omitempty"`
	TotalSliceQty int    `json:"totalSliceQuantity,omitempty"`

	OMSErrorCode        string `json:"omsErrorCode,omitempty"`
	OMSErrorDescription string `json:"omsErrorDescription,omitempty"`

	CreateTime string `json:"createTime"`
	UpdateTime string `json:"updateTime"`

	// Source is set by the feeder (stream consumer or recovery), never by
	// the wire.
	Source EventSource `json:"-"`
}

// CreatedAt parses the broker create timestamp. ok is false when absent or
// malformed.
func (u OrderUpdate) CreatedAt() (time.Time, bool) {
	return ParseBrokerTime(u.CreateTime)
}

// UpdatedAt parses the broker update timestamp, falling back to CreateTime.
func (u OrderUpdate) UpdatedAt() (time.Time, bool) {
	if t, ok := ParseBrokerTime(u.UpdateTime); ok {
		return t, true
	}
	return ParseBrokerTime(u.CreateTime)
}

// ————————————————————————————————————————————————————————————————————————
// Broker time handling
// ————————————————————————————————————————————————————————————————————————

// brokerTimeLayout is the broker's timestamp format, quoted in exchange local
// time (IST). The offset is fixed year-round, so no tzdata lookup is needed.
const brokerTimeLayout = "2006-01-02 15:04:05"

// IST is the exchange timezone (UTC+05:30).
var IST = time.FixedZone("IST", 5*3600+1800)

// ParseBrokerTime parses a broker timestamp string into UTC.
func ParseBrokerTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(brokerTimeLayout, s, IST)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// FormatBrokerTime renders a time in the broker's wire format (IST).
func FormatBrokerTime(t time.Time) string {
	return t.In(IST).Format(brokerTimeLayout)
}
