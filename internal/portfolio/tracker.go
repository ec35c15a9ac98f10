// Package portfolio tracks open positions, marks them to market, and
// settles them on market resolution or manual close. Realized P&L is
// handed to the risk accounting callback before any other subscriber
// observes the terminal event.
package portfolio

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stormline/weather-trader/internal/clock"
	"github.com/stormline/weather-trader/pkg/types"
)

var (
	ErrPositionNotFound = errors.New("portfolio: position not found")
	ErrPositionNotOpen  = errors.New("portfolio: position not open")
)

// Resolution price bounds: a held token trading at or beyond these
// after its resolution time is treated as settled. Prices are always
// the held token's own quotes, so convergence toward 1 means the held
// side won whichever side that is.
const (
	resolveWonAbove  = 0.95
	resolveLostBelow = 0.05
)

// RealizedFunc receives every realized P&L delta with its timestamp.
type RealizedFunc func(delta decimal.Decimal, at time.Time)

// UpdateFunc receives a position after a mark-to-market change.
type UpdateFunc func(p types.Position)

// CloseFunc receives a position after a manual close settles it.
type CloseFunc func(p types.Position)

// ResolutionFunc receives a position after its market resolves.
type ResolutionFunc func(p types.Position, outcome types.TradeSide)

// Tracker is the in-memory position book.
type Tracker struct {
	logger *zap.Logger
	clock  clock.Clock

	mu            sync.RWMutex
	positions     map[string]*types.Position
	byMarket      map[string][]string
	closedCount   int
	totalRealized decimal.Decimal

	onRealized   RealizedFunc
	onUpdate     UpdateFunc
	onClosed     CloseFunc
	onResolution ResolutionFunc
}

// NewTracker builds an empty tracker.
func NewTracker(logger *zap.Logger, clk clock.Clock) *Tracker {
	return &Tracker{
		logger:    logger.Named("portfolio"),
		clock:     clk,
		positions: make(map[string]*types.Position),
		byMarket:  make(map[string][]string),
	}
}

// OnRealized registers the realized P&L callback. It runs before the
// close and resolution callbacks for the same event.
func (t *Tracker) OnRealized(fn RealizedFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRealized = fn
}

// OnPriceUpdate registers the mark-to-market callback.
func (t *Tracker) OnPriceUpdate(fn UpdateFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onUpdate = fn
}

// OnClosed registers the manual-close callback.
func (t *Tracker) OnClosed(fn CloseFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClosed = fn
}

// OnResolution registers the market-resolution callback.
func (t *Tracker) OnResolution(fn ResolutionFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onResolution = fn
}

// Add starts tracking a position. Missing fields are defaulted: a new
// ID, OPEN status, entry price as the first mark.
func (t *Tracker) Add(p types.Position) types.Position {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = types.PositionStatusOpen
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = t.clock.Now().UTC()
	}
	if p.CurrentPrice == 0 {
		p.CurrentPrice = p.EntryPrice
	}

	t.mu.Lock()
	t.positions[p.ID] = &p
	t.byMarket[p.MarketID] = append(t.byMarket[p.MarketID], p.ID)
	t.mu.Unlock()

	t.logger.Info("tracking position",
		zap.String("position_id", p.ID),
		zap.String("market_id", p.MarketID),
		zap.String("side", string(p.Side)),
		zap.String("quantity", p.Quantity.String()),
		zap.Float64("entry_price", p.EntryPrice),
		zap.String("size", p.SizeUSD.String()))
	return p
}

// Restore loads positions saved by a previous run. Terminal positions
// are counted but not re-opened.
func (t *Tracker) Restore(ps []*types.Position) int {
	t.mu.Lock()
	restored := 0
	for _, p := range ps {
		if p == nil || p.ID == "" {
			continue
		}
		switch p.Status {
		case types.PositionStatusClosed, types.PositionStatusExpired:
			t.closedCount++
			continue
		}
		cp := *p
		t.positions[cp.ID] = &cp
		t.byMarket[cp.MarketID] = append(t.byMarket[cp.MarketID], cp.ID)
		restored++
	}
	t.mu.Unlock()

	if restored > 0 {
		t.logger.Info("restored positions", zap.Int("count", restored))
	}
	return restored
}

// Get returns a copy of a position.
func (t *Tracker) Get(id string) (types.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[id]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// Open returns copies of all open positions, oldest first.
func (t *Tracker) Open() []types.Position {
	t.mu.RLock()
	out := make([]types.Position, 0, len(t.positions))
	for _, p := range t.positions {
		if p.Status == types.PositionStatusOpen {
			out = append(out, *p)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ForMarket returns copies of all tracked positions in a market.
func (t *Tracker) ForMarket(marketID string) []types.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.byMarket[marketID]
	out := make([]types.Position, 0, len(ids))
	for _, id := range ids {
		if p, ok := t.positions[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// Tokens returns the distinct token IDs held by open positions.
func (t *Tracker) Tokens() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, p := range t.positions {
		if p.Status != types.PositionStatusOpen {
			continue
		}
		if _, ok := seen[p.TokenID]; ok {
			continue
		}
		seen[p.TokenID] = struct{}{}
		out = append(out, p.TokenID)
	}
	sort.Strings(out)
	return out
}

// TotalExposure returns the summed cost basis of open positions.
func (t *Tracker) TotalExposure() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := decimal.Zero
	for _, p := range t.positions {
		if p.Status == types.PositionStatusOpen {
			total = total.Add(p.SizeUSD)
		}
	}
	return total
}

// UpdatePrice marks every open position holding the token to price and
// recomputes unrealized P&L.
func (t *Tracker) UpdatePrice(tokenID string, price float64) {
	t.UpdatePrices(map[string]float64{tokenID: price})
}

// UpdatePrices applies a batch of marks, one callback per touched
// position.
func (t *Tracker) UpdatePrices(prices map[string]float64) {
	t.mu.Lock()
	var updated []types.Position
	for _, p := range t.positions {
		if p.Status != types.PositionStatusOpen {
			continue
		}
		price, ok := prices[p.TokenID]
		if !ok || price <= 0 {
			continue
		}
		p.CurrentPrice = price
		p.UnrealizedPnL = unrealizedPnL(p)
		p.UnrealizedPct = pnlRatio(p.UnrealizedPnL, p.SizeUSD)
		updated = append(updated, *p)
	}
	onUpdate := t.onUpdate
	t.mu.Unlock()

	if onUpdate != nil {
		for _, p := range updated {
			onUpdate(p)
		}
	}
}

// CheckResolutions settles open positions whose markets have passed
// their resolution time and whose price has converged to an outcome.
// Positions still trading mid-range are left for a later tick. Returns
// copies of the positions settled.
func (t *Tracker) CheckResolutions(now time.Time) []types.Position {
	type settled struct {
		pos      types.Position
		outcome  types.TradeSide
		realized decimal.Decimal
	}

	t.mu.Lock()
	var events []settled
	for _, p := range t.positions {
		if p.Status != types.PositionStatusOpen || now.Before(p.ResolutionTime) {
			continue
		}

		var outcome types.TradeSide
		switch {
		case p.CurrentPrice >= resolveWonAbove:
			outcome = p.Side
		case p.CurrentPrice <= resolveLostBelow:
			outcome = p.Side.Opposite()
		default:
			continue
		}

		realized := settlementPnL(p, outcome)
		closedAt := now.UTC()
		p.Status = types.PositionStatusExpired
		p.ResolvedOutcome = outcome
		p.RealizedPnL = realized
		p.UnrealizedPnL = decimal.Zero
		p.UnrealizedPct = 0
		p.ClosedAt = &closedAt

		t.closedCount++
		t.totalRealized = t.totalRealized.Add(realized)
		events = append(events, settled{pos: *p, outcome: outcome, realized: realized})
	}
	onRealized := t.onRealized
	onResolution := t.onResolution
	t.mu.Unlock()

	out := make([]types.Position, 0, len(events))
	for _, ev := range events {
		t.logger.Info("position resolved",
			zap.String("position_id", ev.pos.ID),
			zap.String("market_id", ev.pos.MarketID),
			zap.String("side", string(ev.pos.Side)),
			zap.String("outcome", string(ev.outcome)),
			zap.String("realized", ev.realized.StringFixed(2)))

		if onRealized != nil {
			onRealized(ev.realized, now)
		}
		if onResolution != nil {
			onResolution(ev.pos, ev.outcome)
		}
		out = append(out, ev.pos)
	}
	return out
}

// Close settles a position at exitPrice, or at the current mark when
// exitPrice is zero or negative.
func (t *Tracker) Close(id string, exitPrice float64) (types.Position, error) {
	now := t.clock.Now().UTC()

	t.mu.Lock()
	p, ok := t.positions[id]
	if !ok {
		t.mu.Unlock()
		return types.Position{}, ErrPositionNotFound
	}
	if p.Status != types.PositionStatusOpen && p.Status != types.PositionStatusClosing {
		t.mu.Unlock()
		return types.Position{}, ErrPositionNotOpen
	}

	if exitPrice <= 0 {
		exitPrice = p.CurrentPrice
	}
	realized := exitPnL(p, exitPrice)

	p.Status = types.PositionStatusClosed
	p.CurrentPrice = exitPrice
	p.RealizedPnL = realized
	p.UnrealizedPnL = decimal.Zero
	p.UnrealizedPct = 0
	p.ClosedAt = &now

	t.closedCount++
	t.totalRealized = t.totalRealized.Add(realized)

	closed := *p
	onRealized := t.onRealized
	onClosed := t.onClosed
	t.mu.Unlock()

	t.logger.Info("position closed",
		zap.String("position_id", closed.ID),
		zap.String("market_id", closed.MarketID),
		zap.Float64("exit_price", exitPrice),
		zap.String("realized", realized.StringFixed(2)))

	if onRealized != nil {
		onRealized(realized, now)
	}
	if onClosed != nil {
		onClosed(closed)
	}
	return closed, nil
}

// MarkClosing flags a position while its exit order is working.
func (t *Tracker) MarkClosing(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[id]
	if !ok || p.Status != types.PositionStatusOpen {
		return false
	}
	p.Status = types.PositionStatusClosing
	return true
}

// Merge folds an additional fill into a position: the entry price
// becomes total cost over total quantity.
func (t *Tracker) Merge(id string, qty decimal.Decimal, price float64) bool {
	t.mu.Lock()
	p, ok := t.positions[id]
	if !ok || p.Status != types.PositionStatusOpen || !qty.IsPositive() {
		t.mu.Unlock()
		return false
	}

	cost := qty.Mul(decimal.NewFromFloat(price))
	totalQty := p.Quantity.Add(qty)
	totalCost := p.SizeUSD.Add(cost)

	p.Quantity = totalQty
	p.SizeUSD = totalCost
	if totalQty.IsPositive() {
		p.EntryPrice, _ = totalCost.Div(totalQty).Float64()
	}
	p.UnrealizedPnL = unrealizedPnL(p)
	p.UnrealizedPct = pnlRatio(p.UnrealizedPnL, p.SizeUSD)
	merged := *p
	onUpdate := t.onUpdate
	t.mu.Unlock()

	t.logger.Info("position fill merged",
		zap.String("position_id", merged.ID),
		zap.String("quantity", merged.Quantity.String()),
		zap.Float64("entry_price", merged.EntryPrice))

	if onUpdate != nil {
		onUpdate(merged)
	}
	return true
}

// Prune drops terminal positions settled before the cutoff from the
// in-memory book. Persisted history is unaffected.
func (t *Tracker) Prune(olderThan time.Duration) int {
	cutoff := t.clock.Now().UTC().Add(-olderThan)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, p := range t.positions {
		if p.Status != types.PositionStatusClosed && p.Status != types.PositionStatusExpired {
			continue
		}
		if p.ClosedAt != nil && p.ClosedAt.After(cutoff) {
			continue
		}
		delete(t.positions, id)
		t.removeFromMarketLocked(p.MarketID, id)
		removed++
	}
	return removed
}

func (t *Tracker) removeFromMarketLocked(marketID, id string) {
	ids := t.byMarket[marketID]
	for i, v := range ids {
		if v == id {
			t.byMarket[marketID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(t.byMarket[marketID]) == 0 {
		delete(t.byMarket, marketID)
	}
}

// Stats is the tracker's aggregate snapshot.
type Stats struct {
	OpenPositions   int             `json:"open_positions"`
	ClosedPositions int             `json:"closed_positions"`
	TotalExposure   decimal.Decimal `json:"total_exposure"`
	MarketValue     decimal.Decimal `json:"total_market_value"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	Winning         int             `json:"winning_positions"`
	Losing          int             `json:"losing_positions"`
}

// Stats aggregates over the current book.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Stats{
		ClosedPositions: t.closedCount,
		TotalExposure:   decimal.Zero,
		MarketValue:     decimal.Zero,
		UnrealizedPnL:   decimal.Zero,
		RealizedPnL:     t.totalRealized,
	}
	for _, p := range t.positions {
		if p.Status != types.PositionStatusOpen {
			continue
		}
		s.OpenPositions++
		s.TotalExposure = s.TotalExposure.Add(p.SizeUSD)
		s.MarketValue = s.MarketValue.Add(p.Quantity.Mul(decimal.NewFromFloat(p.CurrentPrice)))
		s.UnrealizedPnL = s.UnrealizedPnL.Add(p.UnrealizedPnL)
		switch {
		case p.UnrealizedPnL.IsPositive():
			s.Winning++
		case p.UnrealizedPnL.IsNegative():
			s.Losing++
		}
	}
	s.TotalPnL = s.UnrealizedPnL.Add(s.RealizedPnL)
	return s
}

// TotalRealized returns the realized P&L accumulated this session.
func (t *Tracker) TotalRealized() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalRealized
}

// unrealizedPnL marks a position against its own token's price. Both
// sides are long the token they hold, so a rising quote is a gain
// whether that token is YES or NO.
func unrealizedPnL(p *types.Position) decimal.Decimal {
	if p.CurrentPrice <= 0 || p.EntryPrice <= 0 {
		return decimal.Zero
	}
	move := decimal.NewFromFloat(p.CurrentPrice).Sub(decimal.NewFromFloat(p.EntryPrice))
	return move.Mul(p.Quantity)
}

// settlementPnL pays (1 - entry) per token on a win and forfeits the
// cost basis on a loss.
func settlementPnL(p *types.Position, outcome types.TradeSide) decimal.Decimal {
	if p.Side == outcome {
		return decimal.NewFromFloat(1 - p.EntryPrice).Mul(p.Quantity)
	}
	return p.SizeUSD.Neg()
}

func exitPnL(p *types.Position, exitPrice float64) decimal.Decimal {
	move := decimal.NewFromFloat(exitPrice).Sub(decimal.NewFromFloat(p.EntryPrice))
	return move.Mul(p.Quantity)
}

func pnlRatio(pnl, size decimal.Decimal) float64 {
	if !size.IsPositive() {
		return 0
	}
	ratio, _ := pnl.Div(size).Float64()
	return ratio
}
