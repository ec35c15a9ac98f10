// Package strategy compares forecast probabilities to market prices to
// find positive-expected-value opportunities.
//
// Edge = (our probability / market-implied probability) − 1 on a chosen
// side. A positive edge on YES means the ensemble thinks YES is more
// likely than the price implies; a positive edge on NO means the reverse.
package strategy

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/stormline/weather-trader/internal/forecast"
	"github.com/stormline/weather-trader/pkg/types"
	"github.com/stormline/weather-trader/pkg/utils"
)

// Edge is the full breakdown of one edge calculation.
type Edge struct {
	ForecastProb    float64            `json:"forecast_probability"`
	MarketProb      float64            `json:"market_probability"`
	EdgeYes         float64            `json:"edge_yes"`
	EdgeNo          float64            `json:"edge_no"`
	Edge            float64            `json:"edge"`
	EVPerDollar     float64            `json:"expected_value"`
	RecommendedSide types.TradeSide    `json:"recommended_side"`
	Confidence      types.Confidence   `json:"confidence"`
	Agreement       float64            `json:"model_agreement"`
	PerModel        map[string]float64 `json:"model_probabilities,omitempty"`
}

// Rejection reasons attached to non-tradeable opportunities.
const (
	ReasonNoForecast   = "no_forecast"
	ReasonNoSide       = "no_side"
	ReasonEdgeBelowMin = "edge_below_min"
	ReasonEdgeAboveMax = "edge_above_max"
	ReasonLowAgreement = "low_agreement"
	ReasonLowLiquidity = "low_liquidity"
)

// Calculator scores markets against forecasts.
type Calculator struct {
	logger    *zap.Logger
	cfg       types.StrategyConfig
	forecasts *forecast.Calculator
}

// NewCalculator builds an edge calculator over the given forecast engine.
func NewCalculator(logger *zap.Logger, cfg types.StrategyConfig, forecasts *forecast.Calculator) *Calculator {
	return &Calculator{
		logger:    logger.Named("strategy"),
		cfg:       cfg,
		forecasts: forecasts,
	}
}

// CalculateEdge computes both sides from a forecast probability and a
// market YES price. Inputs are clamped to [0.01, 0.99] first so thin
// prices cannot blow the ratio up.
func (c *Calculator) CalculateEdge(forecastProb, marketPrice, agreement float64) Edge {
	marketPrice = utils.Clamp(marketPrice, 0.01, 0.99)
	forecastProb = utils.Clamp(forecastProb, 0.01, 0.99)

	edgeYes := forecastProb/marketPrice - 1
	noPrice := 1 - marketPrice
	noProb := 1 - forecastProb
	edgeNo := noProb/noPrice - 1

	e := Edge{
		ForecastProb: forecastProb,
		MarketProb:   marketPrice,
		EdgeYes:      edgeYes,
		EdgeNo:       edgeNo,
		Agreement:    agreement,
	}

	switch {
	case edgeYes > edgeNo && edgeYes > 0:
		e.RecommendedSide = types.TradeSideYes
		e.Edge = edgeYes
		e.EVPerDollar = forecastProb*(1/marketPrice) - 1
	case edgeNo > 0:
		e.RecommendedSide = types.TradeSideNo
		e.Edge = edgeNo
		e.EVPerDollar = noProb*(1/noPrice) - 1
	default:
		e.RecommendedSide = types.TradeSideNone
		e.Edge = max(edgeYes, edgeNo)
		e.EVPerDollar = 0
	}

	e.Confidence = confidenceLevel(e.Edge, agreement)
	return e
}

// Tradeable applies the strategy thresholds to a computed edge.
func (c *Calculator) Tradeable(e Edge) (bool, string) {
	if e.RecommendedSide == types.TradeSideNone {
		return false, ReasonNoSide
	}
	if e.Edge < c.cfg.MinEdge {
		return false, ReasonEdgeBelowMin
	}
	if e.Edge > c.cfg.MaxEdge {
		return false, ReasonEdgeAboveMax
	}
	if e.Agreement < c.cfg.MinAgreement {
		return false, ReasonLowAgreement
	}
	return true, ""
}

// Evaluate scores one market against its ensemble and returns the
// opportunity for this cycle. An ensemble with no members yields a
// non-tradeable opportunity carrying the neutral 0.5 probability.
func (c *Calculator) Evaluate(market *types.MarketSpec, ens *types.EnsembleForecast) (types.Opportunity, error) {
	result, err := c.forecasts.Probability(market, ens)
	if err != nil {
		return types.Opportunity{}, fmt.Errorf("evaluate market %s: %w", market.MarketID, err)
	}

	edge := c.CalculateEdge(result.Probability, market.YesPrice, result.Agreement)
	opp := types.Opportunity{
		Market:          market,
		ForecastProb:    edge.ForecastProb,
		MarketProb:      edge.MarketProb,
		Edge:            edge.Edge,
		ModelAgreement:  edge.Agreement,
		RecommendedSide: edge.RecommendedSide,
		Confidence:      edge.Confidence,
		EVPerDollar:     edge.EVPerDollar,
	}

	if result.Empty() {
		opp.Tradeable = false
		opp.Reason = ReasonNoForecast
		return opp, nil
	}
	if market.Liquidity < c.cfg.MinLiquidity {
		opp.Tradeable = false
		opp.Reason = ReasonLowLiquidity
		return opp, nil
	}

	opp.Tradeable, opp.Reason = c.Tradeable(edge)
	if opp.Tradeable {
		c.logger.Debug("tradeable opportunity",
			zap.String("market_id", market.MarketID),
			zap.String("side", string(edge.RecommendedSide)),
			zap.Float64("edge", edge.Edge),
			zap.Float64("forecast_prob", edge.ForecastProb),
			zap.Float64("agreement", edge.Agreement))
	}
	return opp, nil
}

func confidenceLevel(edge, agreement float64) types.Confidence {
	switch {
	case agreement >= 0.8 && edge >= 0.15:
		return types.ConfidenceHigh
	case agreement >= 0.6 && edge >= 0.08:
		return types.ConfidenceMedium
	default:
		return types.ConfidenceLow
	}
}
