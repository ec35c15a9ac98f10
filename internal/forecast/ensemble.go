// Package forecast derives event probabilities from numerical weather
// ensembles. Each ensemble member is one model realization; the share of
// members satisfying a market's threshold, Laplace-smoothed, estimates the
// probability of the market resolving YES.
package forecast

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/stormline/weather-trader/pkg/types"
	"github.com/stormline/weather-trader/pkg/utils"
)

// CelsiusToFahrenheit converts °C to °F.
func CelsiusToFahrenheit(c float64) float64 {
	return c*9/5 + 32
}

// FahrenheitToCelsius converts °F to °C.
func FahrenheitToCelsius(f float64) float64 {
	return (f - 32) * 5 / 9
}

// ExceedanceProbability returns the Laplace-smoothed share of members
// satisfying the comparison against threshold: (k+1)/(n+2). An empty
// member list returns the neutral 0.5.
func ExceedanceProbability(members []float64, threshold float64, cmp types.Comparison) (float64, error) {
	if len(members) == 0 {
		return 0.5, nil
	}

	k := 0
	switch cmp {
	case types.ComparisonGTE:
		for _, v := range members {
			if v >= threshold {
				k++
			}
		}
	case types.ComparisonGT:
		for _, v := range members {
			if v > threshold {
				k++
			}
		}
	case types.ComparisonLTE:
		for _, v := range members {
			if v <= threshold {
				k++
			}
		}
	case types.ComparisonLT:
		for _, v := range members {
			if v < threshold {
				k++
			}
		}
	default:
		return 0, fmt.Errorf("unknown comparison operator %q", cmp)
	}

	return float64(k+1) / float64(len(members)+2), nil
}

// BracketProbability returns the Laplace-smoothed share of members inside
// [lower, upper).
func BracketProbability(members []float64, lower, upper float64) float64 {
	if len(members) == 0 {
		return 0.5
	}
	k := 0
	for _, v := range members {
		if lower <= v && v < upper {
			k++
		}
	}
	return float64(k+1) / float64(len(members)+2)
}

// Aggregate combines per-model probabilities into a weighted mean and an
// agreement score. Models missing from weights get weight 1. Agreement is
// 1 − 2·stdev floored at 0; a single model scores 1.
func Aggregate(perModel map[string]float64, weights map[string]float64) (prob, agreement float64) {
	if len(perModel) == 0 {
		return 0.5, 0
	}

	totalWeight := 0.0
	weightedSum := 0.0
	probs := make([]float64, 0, len(perModel))
	for model, p := range perModel {
		w := 1.0
		if weights != nil {
			if mw, ok := weights[model]; ok {
				w = mw
			}
		}
		totalWeight += w
		weightedSum += p * w
		probs = append(probs, p)
	}
	if totalWeight <= 0 {
		return 0.5, 0
	}
	prob = weightedSum / totalWeight

	if len(probs) > 1 {
		agreement = 1 - 2*utils.StdDev(probs)
		if agreement < 0 {
			agreement = 0
		}
	} else {
		agreement = 1.0
	}
	return prob, agreement
}

// Result is the aggregated probability for one market against one ensemble.
type Result struct {
	Probability float64            `json:"probability"`
	Agreement   float64            `json:"agreement"`
	PerModel    map[string]float64 `json:"per_model"`
	Members     int                `json:"members"`
}

// Empty reports whether the ensemble contributed no members, in which case
// Probability is the 0.5 sentinel and the market must not be traded.
func (r Result) Empty() bool {
	return r.Members == 0
}

// Calculator computes forecast probabilities for markets.
type Calculator struct {
	logger  *zap.Logger
	weights map[string]float64
}

// NewCalculator builds a calculator. weights may be nil for uniform
// model weighting.
func NewCalculator(logger *zap.Logger, weights map[string]float64) *Calculator {
	return &Calculator{
		logger:  logger.Named("forecast"),
		weights: weights,
	}
}

// Probability evaluates the market's threshold condition against every
// model in the ensemble and aggregates the per-model results. Thresholds
// are converted to the ensemble's native unit before counting.
func (c *Calculator) Probability(market *types.MarketSpec, ens *types.EnsembleForecast) (Result, error) {
	perModel := make(map[string]float64)
	members := 0

	for model, values := range ens.Models {
		if len(values) == 0 {
			continue
		}

		threshold := convertUnit(market.Threshold, market.Unit, ens.Unit)
		var (
			p   float64
			err error
		)
		if market.Comparison == types.ComparisonBetween {
			upper := convertUnit(market.ThresholdHigh, market.Unit, ens.Unit)
			p = BracketProbability(values, threshold, upper)
		} else {
			p, err = ExceedanceProbability(values, threshold, market.Comparison)
			if err != nil {
				return Result{}, fmt.Errorf("market %s model %s: %w", market.MarketID, model, err)
			}
		}
		perModel[model] = p
		members += len(values)
	}

	if len(perModel) == 0 {
		c.logger.Debug("no ensemble members for market",
			zap.String("market_id", market.MarketID),
			zap.String("location", market.Location))
		return Result{Probability: 0.5, Agreement: 0, PerModel: perModel}, nil
	}

	prob, agreement := Aggregate(perModel, c.weights)
	return Result{
		Probability: prob,
		Agreement:   agreement,
		PerModel:    perModel,
		Members:     members,
	}, nil
}

func convertUnit(value float64, from, to types.Unit) float64 {
	switch {
	case from == types.UnitFahrenheit && to == types.UnitCelsius:
		return FahrenheitToCelsius(value)
	case from == types.UnitCelsius && to == types.UnitFahrenheit:
		return CelsiusToFahrenheit(value)
	default:
		return value
	}
}
