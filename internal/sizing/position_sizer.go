// Package sizing turns forecast edges into dollar position sizes.
//
// Sizes follow the fractional Kelly criterion with hard per-position and
// portfolio caps, then pass through the diversification filter. USD
// amounts are decimal.Decimal at the boundaries; the Kelly algebra runs
// on float64 and results are rounded to cents.
package sizing

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stormline/weather-trader/pkg/types"
	"github.com/stormline/weather-trader/pkg/utils"
)

// Constraints reported in Size.ConstrainedBy.
const (
	ConstraintInvalidPrice  = "invalid_price"
	ConstraintNegativeKelly = "negative_kelly"
	ConstraintNoEdge        = "no_edge"
	ConstraintMinPosition   = "min_position"
	ConstraintBelowMinimum  = "below_minimum"
	ConstraintMaxPosition   = "max_position"
	ConstraintExposureLimit = "exposure_limit"
)

// Size is the outcome of a position size calculation. A zero Size with a
// non-empty ConstrainedBy means the trade should not be placed.
type Size struct {
	Size              decimal.Decimal `json:"size"`
	KellyFractionUsed float64         `json:"kelly_fraction_used"`
	FullKellySize     decimal.Decimal `json:"full_kelly_size"`
	MaxAllowed        decimal.Decimal `json:"max_allowed"`
	ConstrainedBy     string          `json:"constrained_by,omitempty"`
}

// Sizer calculates position sizes using the fractional Kelly criterion.
//
// The Kelly criterion gives the bankroll fraction that maximizes
// long-run log growth:
//
//	f* = (b*p - q) / b
//
// where b is the net odds (profit per unit staked), p the win
// probability and q = 1-p. A quarter-Kelly fraction is applied for
// variance reduction before the dollar caps.
type Sizer struct {
	logger         *zap.Logger
	cfg            types.SizingConfig
	maxExposurePct float64
}

// NewSizer creates a Sizer. maxExposurePct caps total open exposure as a
// fraction of bankroll; values <= 0 fall back to 0.75.
func NewSizer(logger *zap.Logger, cfg types.SizingConfig, maxExposurePct float64) *Sizer {
	if maxExposurePct <= 0 {
		maxExposurePct = 0.75
	}
	return &Sizer{
		logger:         logger.Named("sizer"),
		cfg:            cfg,
		maxExposurePct: maxExposurePct,
	}
}

// KellyFraction returns the full Kelly fraction for a win probability
// and net odds. Out-of-range probabilities and non-positive odds return 0;
// the result itself can be negative, meaning the bet has no edge.
func (s *Sizer) KellyFraction(probability, odds float64) float64 {
	if probability <= 0 || probability >= 1 {
		return 0
	}
	if odds <= 0 {
		return 0
	}
	q := 1 - probability
	return (odds*probability - q) / odds
}

// Calculate sizes a position for one side of a binary market.
//
// forecastProb and marketPrice are always quoted for the YES outcome;
// for a NO position both are mirrored before the Kelly step. The
// returned MaxAllowed is the most this sizer would permit right now
// given the per-position cap and remaining exposure headroom.
func (s *Sizer) Calculate(
	bankroll decimal.Decimal,
	forecastProb float64,
	marketPrice float64,
	side types.TradeSide,
	currentExposure decimal.Decimal,
) Size {
	prob := forecastProb
	price := marketPrice
	if side == types.TradeSideNo {
		prob = 1 - forecastProb
		price = 1 - marketPrice
	}

	if price <= 0 || price >= 1 {
		return Size{
			Size:              decimal.Zero,
			KellyFractionUsed: s.cfg.KellyFraction,
			FullKellySize:     decimal.Zero,
			MaxAllowed:        decimal.Zero,
			ConstrainedBy:     ConstraintInvalidPrice,
		}
	}

	// A $P contract pays $1 on a win, so profit per dollar staked is
	// (1-P)/P.
	netOdds := (1 - price) / price
	fullKelly := s.KellyFraction(prob, netOdds)

	if fullKelly <= 0 {
		return Size{
			Size:              decimal.Zero,
			KellyFractionUsed: s.cfg.KellyFraction,
			FullKellySize:     decimal.Zero,
			MaxAllowed:        decimal.NewFromFloat(s.cfg.MaxPosition),
			ConstrainedBy:     ConstraintNegativeKelly,
		}
	}

	bank, _ := bankroll.Float64()
	exposure, _ := currentExposure.Float64()

	positionPct := min(fullKelly*s.cfg.KellyFraction, s.cfg.MaxPositionPct)
	position := bank * positionPct
	fullKellyPosition := bank * fullKelly

	constrainedBy := ""

	if position < s.cfg.MinPosition {
		if fullKellyPosition >= s.cfg.MinPosition {
			// Full Kelly justifies at least the minimum; only the
			// fractional scaling pushed it under.
			position = s.cfg.MinPosition
			constrainedBy = ConstraintMinPosition
		} else {
			return Size{
				Size:              decimal.Zero,
				KellyFractionUsed: s.cfg.KellyFraction,
				FullKellySize:     utils.RoundCents(decimal.NewFromFloat(fullKellyPosition)),
				MaxAllowed:        decimal.NewFromFloat(s.cfg.MaxPosition),
				ConstrainedBy:     ConstraintBelowMinimum,
			}
		}
	}

	if position > s.cfg.MaxPosition {
		position = s.cfg.MaxPosition
		constrainedBy = ConstraintMaxPosition
	}

	remaining := bank*s.maxExposurePct - exposure
	if remaining <= 0 {
		return Size{
			Size:              decimal.Zero,
			KellyFractionUsed: s.cfg.KellyFraction,
			FullKellySize:     utils.RoundCents(decimal.NewFromFloat(fullKellyPosition)),
			MaxAllowed:        decimal.Zero,
			ConstrainedBy:     ConstraintExposureLimit,
		}
	}
	if position > remaining {
		position = remaining
		constrainedBy = ConstraintExposureLimit
	}
	// The exposure clamp is the only step that can land under the
	// minimum; headroom that small is not worth a ticket.
	if position < s.cfg.MinPosition {
		return Size{
			Size:              decimal.Zero,
			KellyFractionUsed: s.cfg.KellyFraction,
			FullKellySize:     utils.RoundCents(decimal.NewFromFloat(fullKellyPosition)),
			MaxAllowed:        decimal.Zero,
			ConstrainedBy:     ConstraintExposureLimit,
		}
	}

	return Size{
		Size:              utils.RoundCents(decimal.NewFromFloat(position)),
		KellyFractionUsed: s.cfg.KellyFraction,
		FullKellySize:     utils.RoundCents(decimal.NewFromFloat(fullKellyPosition)),
		MaxAllowed: utils.MinDecimal(
			decimal.NewFromFloat(s.cfg.MaxPosition),
			utils.RoundCents(decimal.NewFromFloat(remaining)),
		),
		ConstrainedBy: constrainedBy,
	}
}

// ForOpportunity sizes a scored opportunity. Opportunities without a
// recommended side return a zero Size constrained by no_edge.
func (s *Sizer) ForOpportunity(
	bankroll decimal.Decimal,
	opp types.Opportunity,
	currentExposure decimal.Decimal,
) Size {
	if opp.RecommendedSide == types.TradeSideNone || opp.RecommendedSide == "" {
		return Size{
			Size:              decimal.Zero,
			KellyFractionUsed: s.cfg.KellyFraction,
			FullKellySize:     decimal.Zero,
			MaxAllowed:        decimal.NewFromFloat(s.cfg.MaxPosition),
			ConstrainedBy:     ConstraintNoEdge,
		}
	}
	return s.Calculate(bankroll, opp.ForecastProb, opp.MarketProb, opp.RecommendedSide, currentExposure)
}

// OptimalKelly derives a Kelly fraction from historical performance,
// useful for calibrating the configured fraction. avgLoss is passed as a
// positive number. The result is floored at 0.
func OptimalKelly(winRate, avgWin, avgLoss float64) float64 {
	if avgLoss <= 0 || winRate <= 0 || winRate >= 1 {
		return 0
	}
	w := avgWin / avgLoss
	q := 1 - winRate
	return max(0, winRate-q/w)
}
