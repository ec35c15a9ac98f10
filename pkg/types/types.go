// Package types provides shared type definitions for the weather trader.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Variable identifies the weather quantity a market resolves on.
type Variable string

const (
	VariableTempMax Variable = "temp_max"
	VariableTempMin Variable = "temp_min"
	VariablePrecip  Variable = "precip"
	VariableBracket Variable = "bracket"
	VariableBinary  Variable = "binary"
)

// Comparison is the operator applied between ensemble members and the threshold.
type Comparison string

const (
	ComparisonGTE     Comparison = "gte"
	ComparisonGT      Comparison = "gt"
	ComparisonLTE     Comparison = "lte"
	ComparisonLT      Comparison = "lt"
	ComparisonBetween Comparison = "between"
)

// Unit is the temperature unit a threshold or ensemble is expressed in.
type Unit string

const (
	UnitCelsius    Unit = "C"
	UnitFahrenheit Unit = "F"
)

// OrderSide represents buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderStatus represents the status of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusExpired   OrderStatus = "expired"
	OrderStatusRejected  OrderStatus = "rejected"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired, OrderStatusRejected:
		return true
	}
	return false
}

// TradeSide is the outcome token a position holds.
type TradeSide string

const (
	TradeSideYes  TradeSide = "YES"
	TradeSideNo   TradeSide = "NO"
	TradeSideNone TradeSide = "none"
)

// Opposite returns the other outcome side. None maps to itself.
func (s TradeSide) Opposite() TradeSide {
	switch s {
	case TradeSideYes:
		return TradeSideNo
	case TradeSideNo:
		return TradeSideYes
	}
	return s
}

// PositionStatus represents the lifecycle state of a position.
type PositionStatus string

const (
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusClosing PositionStatus = "closing"
	PositionStatusClosed  PositionStatus = "closed"
	PositionStatusExpired PositionStatus = "expired"
)

// Confidence grades an opportunity by agreement and edge.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// HaltCause identifies why trading is halted.
type HaltCause string

const (
	HaltCauseNone        HaltCause = "none"
	HaltCauseDailyLoss   HaltCause = "daily_loss"
	HaltCauseWeeklyLoss  HaltCause = "weekly_loss"
	HaltCauseMonthlyLoss HaltCause = "monthly_loss"
	HaltCauseManual      HaltCause = "manual"
	HaltCauseSystem      HaltCause = "system"
)

// MarketSpec is the structured form of a parsed weather market.
// Immutable once parsed.
type MarketSpec struct {
	MarketID       string     `json:"market_id"`
	Question       string     `json:"question,omitempty"`
	TokenYes       string     `json:"token_yes"`
	TokenNo        string     `json:"token_no"`
	Location       string     `json:"location"`
	Cluster        string     `json:"cluster,omitempty"`
	ResolutionTime time.Time  `json:"resolution_time"`
	Variable       Variable   `json:"variable"`
	Threshold      float64    `json:"threshold"`
	ThresholdHigh  float64    `json:"threshold_high,omitempty"`
	Comparison     Comparison `json:"comparison"`
	Unit           Unit       `json:"unit"`
	Liquidity      float64    `json:"liquidity"`
	YesPrice       float64    `json:"yes_price"`
}

// EnsembleForecast holds per-model member values for one location and target date.
type EnsembleForecast struct {
	Location   string               `json:"location"`
	TargetDate time.Time            `json:"target_date"`
	Unit       Unit                 `json:"unit"`
	Models     map[string][]float64 `json:"models"`
	FetchedAt  time.Time            `json:"fetched_at"`
}

// MemberCount returns the total number of members across models.
func (f *EnsembleForecast) MemberCount() int {
	n := 0
	for _, members := range f.Models {
		n += len(members)
	}
	return n
}

// Opportunity is a scored market candidate, valid for one trading cycle.
type Opportunity struct {
	Market          *MarketSpec `json:"market"`
	ForecastProb    float64     `json:"forecast_probability"`
	MarketProb      float64     `json:"market_probability"`
	Edge            float64     `json:"edge"`
	ModelAgreement  float64     `json:"model_agreement"`
	RecommendedSide TradeSide   `json:"recommended_side"`
	Confidence      Confidence  `json:"confidence"`
	EVPerDollar     float64     `json:"ev_per_dollar"`
	Tradeable       bool        `json:"tradeable"`
	Reason          string      `json:"reason,omitempty"`
	ComputedAt      time.Time   `json:"computed_at"`
}

// Order represents an order submitted to the venue.
type Order struct {
	ID           string          `json:"order_id"`
	MarketID     string          `json:"market_id"`
	TokenID      string          `json:"token_id"`
	Side         OrderSide       `json:"side"`
	OutcomeSide  TradeSide       `json:"outcome_side"`
	Price        float64         `json:"price"`
	SizeUSD      decimal.Decimal `json:"size_usd"`
	Quantity     decimal.Decimal `json:"quantity"`
	Status       OrderStatus     `json:"status"`
	FilledSize   decimal.Decimal `json:"filled_size"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	AvgFillPrice float64         `json:"avg_fill_price"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	EdgeAtEntry  float64         `json:"edge_at_entry"`
	ForecastProb float64         `json:"forecast_probability"`
	IsManual     bool            `json:"is_manual"`
}

// FillEvent reports an observed fill delta on an order.
type FillEvent struct {
	OrderID   string          `json:"order_id"`
	MarketID  string          `json:"market_id"`
	Price     float64         `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	SizeUSD   decimal.Decimal `json:"size_usd"`
	Timestamp time.Time       `json:"timestamp"`
}

// Position represents an open or settled market position.
type Position struct {
	ID              string          `json:"position_id"`
	MarketID        string          `json:"market_id"`
	TokenID         string          `json:"token_id"`
	Side            TradeSide       `json:"side"`
	EntryPrice      float64         `json:"entry_price"`
	Quantity        decimal.Decimal `json:"quantity"`
	SizeUSD         decimal.Decimal `json:"size_usd"`
	CurrentPrice    float64         `json:"current_price"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPct   float64         `json:"unrealized_pnl_pct"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	Status          PositionStatus  `json:"status"`
	ResolutionTime  time.Time       `json:"resolution_time"`
	Location        string          `json:"location,omitempty"`
	Cluster         string          `json:"cluster,omitempty"`
	Question        string          `json:"question,omitempty"`
	EdgeAtEntry     float64         `json:"edge_at_entry"`
	OpenedAt        time.Time       `json:"opened_at"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
	ResolvedOutcome TradeSide       `json:"resolved_outcome,omitempty"`
}

// TradeRecord is a completed trade as persisted and served over the API.
type TradeRecord struct {
	ID         string          `json:"trade_id"`
	PositionID string          `json:"position_id"`
	MarketID   string          `json:"market_id"`
	Question   string          `json:"question,omitempty"`
	Side       TradeSide       `json:"side"`
	SizeUSD    decimal.Decimal `json:"size_usd"`
	EntryPrice float64         `json:"entry_price"`
	ExitPrice  float64         `json:"exit_price"`
	PnL        decimal.Decimal `json:"pnl"`
	Result     string          `json:"result"`
	Variable   Variable        `json:"variable,omitempty"`
	OpenedAt   time.Time       `json:"opened_at"`
	ClosedAt   time.Time       `json:"closed_at"`
}

// Trade results persisted in TradeRecord.Result.
const (
	TradeResultWin  = "win"
	TradeResultLoss = "loss"
)

// RiskState is the risk manager's accounting snapshot.
type RiskState struct {
	DailyPnL          decimal.Decimal `json:"daily_pnl"`
	WeeklyPnL         decimal.Decimal `json:"weekly_pnl"`
	MonthlyPnL        decimal.Decimal `json:"monthly_pnl"`
	TotalPnL          decimal.Decimal `json:"total_pnl"`
	DayStart          time.Time       `json:"day_start"`
	WeekStart         time.Time       `json:"week_start"`
	MonthStart        time.Time       `json:"month_start"`
	IsHalted          bool            `json:"is_halted"`
	HaltCause         HaltCause       `json:"halt_cause"`
	HaltReason        string          `json:"halt_reason,omitempty"`
	HaltTime          *time.Time      `json:"halt_time,omitempty"`
	LastLossTime      *time.Time      `json:"last_loss_time,omitempty"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	TradesToday       int             `json:"trades_today"`
	TradesTotal       int             `json:"trades_total"`
}

// PriceUpdate is a feed tick for one token.
type PriceUpdate struct {
	TokenID   string    `json:"token_id"`
	MarketID  string    `json:"market_id,omitempty"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Mid       float64   `json:"mid"`
	Timestamp time.Time `json:"timestamp"`
}

// EngineState is the trading engine's lifecycle state.
type EngineState string

const (
	EngineStopped EngineState = "stopped"
	EngineActive  EngineState = "active"
	EnginePaused  EngineState = "paused"
)

// EngineStatus is the status report served by the control surface.
type EngineStatus struct {
	State           EngineState     `json:"state"`
	UptimeSeconds   float64         `json:"uptime_seconds"`
	TradingAllowed  bool            `json:"trading_allowed"`
	TradingBlocked  string          `json:"trading_blocked_reason,omitempty"`
	APIConnected    bool            `json:"api_connected"`
	ForecastAge     float64         `json:"forecast_age_seconds"`
	MarketsTracked  int             `json:"markets_tracked"`
	OpenPositions   int             `json:"open_positions"`
	PendingOrders   int             `json:"pending_orders"`
	Bankroll        decimal.Decimal `json:"bankroll"`
	TotalExposure   decimal.Decimal `json:"total_exposure"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	LastCycleAt     *time.Time      `json:"last_cycle_at,omitempty"`
	Opportunities   int             `json:"opportunities_last_cycle"`
	TradesSubmitted int             `json:"trades_submitted"`
}
