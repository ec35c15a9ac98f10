package events

import (
	"fmt"
	"time"
)

// Channel names subscribers can filter on. ChannelAll is a wildcard that
// receives every event regardless of channel.
const (
	ChannelPrices    = "prices"
	ChannelPositions = "positions"
	ChannelTrades    = "trades"
	ChannelAlerts    = "alerts"
	ChannelSystem    = "system"
	ChannelAll       = "all"
)

// Event types carried in the envelope.
const (
	TypePriceUpdate    = "price_update"
	TypePositionUpdate = "position_update"
	TypeTradeExecuted  = "trade_executed"
	TypeTradeResolved  = "trade_resolved"
	TypeEdgeAlert      = "edge_alert"
	TypeRiskAlert      = "risk_alert"
	TypeSystemStatus   = "system_status"
	TypeHaltTriggered  = "halt_triggered"
)

// Event is the envelope delivered to every subscriber. Timestamp is always
// UTC so the wire form is ISO-8601 with a Z suffix.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Channel   string      `json:"channel"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// PricePayload is broadcast on the prices channel for each quote refresh.
type PricePayload struct {
	MarketID string  `json:"market_id"`
	TokenID  string  `json:"token_id"`
	Price    float64 `json:"price"`
	Side     string  `json:"side"`
}

// PositionPayload is broadcast on the positions channel when mark-to-market
// moves a position.
type PositionPayload struct {
	PositionID    string  `json:"position_id"`
	CurrentPrice  float64 `json:"current_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// TradeExecutedPayload is broadcast on the trades channel when an order fills.
type TradeExecutedPayload struct {
	TradeID string  `json:"trade_id"`
	Market  string  `json:"market"`
	Side    string  `json:"side"`
	Size    float64 `json:"size"`
	Price   float64 `json:"price"`
}

// TradeResolvedPayload is broadcast on the trades channel when a market
// resolves and the position's P&L is realized.
type TradeResolvedPayload struct {
	TradeID string  `json:"trade_id"`
	Result  string  `json:"result"`
	PnL     float64 `json:"pnl"`
}

// EdgeAlertPayload is broadcast on the alerts channel when a tradeable edge
// clears the configured alert threshold.
type EdgeAlertPayload struct {
	MarketID            string  `json:"market_id"`
	Edge                float64 `json:"edge"`
	ForecastProbability float64 `json:"forecast_probability"`
	MarketProbability   float64 `json:"market_probability"`
}

// RiskAlertPayload is broadcast on the alerts channel when a risk limit is
// approached or breached.
type RiskAlertPayload struct {
	AlertType    string  `json:"alert_type"`
	CurrentValue float64 `json:"current_value"`
	LimitValue   float64 `json:"limit_value"`
}

// SystemStatusPayload is broadcast on the system channel.
type SystemStatusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// HaltPayload is broadcast on the system channel when trading halts.
type HaltPayload struct {
	Reason         string `json:"reason"`
	CanAutoRecover bool   `json:"can_auto_recover"`
}

// AlertPreferences controls which alert categories are broadcast and the
// minimum edge that qualifies for an edge alert.
type AlertPreferences struct {
	EdgeAlerts      bool    `json:"edge_alerts"`
	RiskAlerts      bool    `json:"risk_alerts"`
	TradeAlerts     bool    `json:"trade_alerts"`
	SystemAlerts    bool    `json:"system_alerts"`
	MinEdgeForAlert float64 `json:"min_edge_for_alert"`
}

// DefaultAlertPreferences enables every category with a 10% edge floor.
func DefaultAlertPreferences() AlertPreferences {
	return AlertPreferences{
		EdgeAlerts:      true,
		RiskAlerts:      true,
		TradeAlerts:     true,
		SystemAlerts:    true,
		MinEdgeForAlert: 0.10,
	}
}

// PreferencesUpdate is a partial update to AlertPreferences. Nil fields are
// left unchanged. The field set enumerates every option that can be updated;
// callers decoding JSON should reject unknown keys before building one.
type PreferencesUpdate struct {
	EdgeAlerts      *bool    `json:"edge_alerts,omitempty"`
	RiskAlerts      *bool    `json:"risk_alerts,omitempty"`
	TradeAlerts     *bool    `json:"trade_alerts,omitempty"`
	SystemAlerts    *bool    `json:"system_alerts,omitempty"`
	MinEdgeForAlert *float64 `json:"min_edge_for_alert,omitempty"`
}

// Apply merges the update into p, validating ranges.
func (u PreferencesUpdate) Apply(p AlertPreferences) (AlertPreferences, error) {
	if u.EdgeAlerts != nil {
		p.EdgeAlerts = *u.EdgeAlerts
	}
	if u.RiskAlerts != nil {
		p.RiskAlerts = *u.RiskAlerts
	}
	if u.TradeAlerts != nil {
		p.TradeAlerts = *u.TradeAlerts
	}
	if u.SystemAlerts != nil {
		p.SystemAlerts = *u.SystemAlerts
	}
	if u.MinEdgeForAlert != nil {
		if *u.MinEdgeForAlert < 0 || *u.MinEdgeForAlert > 1 {
			return p, fmt.Errorf("min_edge_for_alert must be in [0, 1], got %v", *u.MinEdgeForAlert)
		}
		p.MinEdgeForAlert = *u.MinEdgeForAlert
	}
	return p, nil
}
