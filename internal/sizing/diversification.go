package sizing

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stormline/weather-trader/pkg/types"
	"github.com/stormline/weather-trader/pkg/utils"
)

// Constraints reported in Decision.Reasons.
const (
	ConstraintTotalExposure      = "total_exposure"
	ConstraintClusterLimit       = "cluster_limit"
	ConstraintSameDayLimit       = "same_day_limit"
	ConstraintClusterDiversity50 = "cluster_diversity_50"
	ConstraintClusterDiversity75 = "cluster_diversity_75"
	ConstraintBelowMinimumSize   = "below_minimum_size"
)

// Candidate is a proposed trade presented to the diversification filter.
type Candidate struct {
	SizeUSD        decimal.Decimal
	Cluster        string // empty when the market has no cluster mapping
	ResolutionDate time.Time
}

// PortfolioState is a snapshot of open exposure used for diversification
// accounting. The portfolio tracker builds one per check so the filter
// itself stays stateless.
type PortfolioState struct {
	TotalExposure      float64
	ClusterExposure    map[string]float64
	ResolutionExposure map[string]float64 // keyed by UTC calendar day
}

// UniqueClusters returns the number of distinct clusters with open exposure.
func (p PortfolioState) UniqueClusters() int {
	n := 0
	for _, exp := range p.ClusterExposure {
		if exp > 0 {
			n++
		}
	}
	return n
}

// HasCluster reports whether any open exposure sits in the given cluster.
func (p PortfolioState) HasCluster(cluster string) bool {
	return p.ClusterExposure[cluster] > 0
}

// Decision is the outcome of a diversification check. MaxAllowed is the
// proposed size after every applicable cap; Reasons lists each constraint
// that lowered it, in the order applied.
type Decision struct {
	Allowed    bool            `json:"allowed"`
	MaxAllowed decimal.Decimal `json:"max_allowed"`
	Reasons    []string        `json:"reasons,omitempty"`
}

// Filter enforces portfolio-level concentration limits on proposed trades.
//
// Caps are applied in a fixed order and each may only lower the allowed
// size: global exposure, per-cluster share, same-resolution-day share,
// then the cluster-diversity floors that keep a small book from loading
// a single region. A candidate that survives with less than the minimum
// position size is rejected outright.
type Filter struct {
	logger      *zap.Logger
	cfg         types.DiversificationConfig
	minPosition float64
}

// NewFilter creates a diversification Filter. minPosition is the smallest
// tradeable size in USD; allowed sizes below it become rejections.
func NewFilter(logger *zap.Logger, cfg types.DiversificationConfig, minPosition float64) *Filter {
	if minPosition <= 0 {
		minPosition = 1.0
	}
	return &Filter{
		logger:      logger.Named("diversification"),
		cfg:         cfg,
		minPosition: minPosition,
	}
}

// Check runs the candidate through every concentration cap.
//
// bankroll sets the global cap C = bankroll * max_total_exposure_pct.
// The cluster and same-day caps are fractions of the portfolio's current
// exposure, so the first position is never constrained by them. The
// returned Decision carries the final allowed size rounded to cents.
func (f *Filter) Check(candidate Candidate, portfolio PortfolioState, bankroll decimal.Decimal) Decision {
	proposed, _ := candidate.SizeUSD.Float64()
	bank, _ := bankroll.Float64()
	capTotal := bank * f.cfg.MaxTotalExposurePct

	maxAllowed := proposed
	var reasons []string

	reject := func(reason string) Decision {
		f.logger.Debug("candidate rejected",
			zap.String("constraint", reason),
			zap.Float64("proposed", proposed),
			zap.String("cluster", candidate.Cluster),
			zap.Float64("total_exposure", portfolio.TotalExposure))
		return Decision{Allowed: false, MaxAllowed: decimal.Zero, Reasons: append(reasons, reason)}
	}
	clampTo := func(limit float64, reason string) {
		if maxAllowed > limit {
			maxAllowed = limit
			reasons = append(reasons, reason)
		}
	}

	// Global exposure cap.
	remaining := capTotal - portfolio.TotalExposure
	if remaining <= 0 {
		return reject(ConstraintTotalExposure)
	}
	clampTo(remaining, ConstraintTotalExposure)

	// Per-cluster share of current exposure. Inapplicable for the first
	// position and for markets without a cluster.
	if candidate.Cluster != "" && portfolio.TotalExposure > 0 {
		clusterLimit := portfolio.TotalExposure * f.cfg.MaxClusterExposurePct
		clusterRemaining := clusterLimit - portfolio.ClusterExposure[candidate.Cluster]
		if clusterRemaining <= 0 {
			return reject(ConstraintClusterLimit)
		}
		clampTo(clusterRemaining, ConstraintClusterLimit)
	}

	// Same-resolution-day share of current exposure.
	if portfolio.TotalExposure > 0 {
		dayLimit := portfolio.TotalExposure * f.cfg.MaxSameDayResolutionPct
		dayKey := utils.DateKey(candidate.ResolutionDate)
		dayRemaining := dayLimit - portfolio.ResolutionExposure[dayKey]
		if dayRemaining <= 0 {
			return reject(ConstraintSameDayLimit)
		}
		clampTo(dayRemaining, ConstraintSameDayLimit)
	}

	// Diversity floors: past 50% of the global cap the book must span
	// min_positions_for_50_pct clusters unless this trade opens a new
	// one; past 75% the floor applies regardless.
	newExposure := portfolio.TotalExposure + maxAllowed
	clusters := portfolio.UniqueClusters()
	addsNewCluster := candidate.Cluster != "" && !portfolio.HasCluster(candidate.Cluster)

	if newExposure > 0.50*capTotal && clusters < f.cfg.MinPositionsFor50Pct && !addsNewCluster {
		headroom := 0.50*capTotal - portfolio.TotalExposure
		if headroom <= 0 {
			return reject(ConstraintClusterDiversity50)
		}
		clampTo(headroom, ConstraintClusterDiversity50)
	}
	if newExposure > 0.75*capTotal && clusters < f.cfg.MinPositionsFor75Pct {
		headroom := 0.75*capTotal - portfolio.TotalExposure
		if headroom <= 0 {
			return reject(ConstraintClusterDiversity75)
		}
		clampTo(headroom, ConstraintClusterDiversity75)
	}

	if maxAllowed < f.minPosition {
		return reject(ConstraintBelowMinimumSize)
	}

	allowed := utils.RoundCents(decimal.NewFromFloat(maxAllowed))
	if len(reasons) > 0 {
		f.logger.Debug("candidate clamped",
			zap.Float64("proposed", proposed),
			zap.String("allowed", allowed.String()),
			zap.Strings("reasons", reasons))
	}
	return Decision{Allowed: true, MaxAllowed: allowed, Reasons: reasons}
}

// BuildPortfolioState aggregates open positions into the exposure maps the
// filter consumes. Cluster and resolution-day buckets only accumulate for
// positions that carry the respective key.
func BuildPortfolioState(positions []types.Position) PortfolioState {
	state := PortfolioState{
		ClusterExposure:    make(map[string]float64),
		ResolutionExposure: make(map[string]float64),
	}
	for _, pos := range positions {
		if pos.Status != types.PositionStatusOpen {
			continue
		}
		size, _ := pos.SizeUSD.Float64()
		state.TotalExposure += size
		if pos.Cluster != "" {
			state.ClusterExposure[pos.Cluster] += size
		}
		if !pos.ResolutionTime.IsZero() {
			state.ResolutionExposure[utils.DateKey(pos.ResolutionTime)] += size
		}
	}
	// Guard against float drift producing a tiny negative total.
	state.TotalExposure = math.Max(0, state.TotalExposure)
	return state
}
