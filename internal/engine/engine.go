// Package engine orchestrates the trading loop: it owns the cached
// market and forecast sets, drives the scheduled tasks, and wires order
// fills through the position tracker into risk accounting and the event
// bus.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stormline/weather-trader/internal/clock"
	"github.com/stormline/weather-trader/internal/data"
	"github.com/stormline/weather-trader/internal/events"
	"github.com/stormline/weather-trader/internal/execution"
	"github.com/stormline/weather-trader/internal/feeds"
	"github.com/stormline/weather-trader/internal/metrics"
	"github.com/stormline/weather-trader/internal/portfolio"
	"github.com/stormline/weather-trader/internal/risk"
	"github.com/stormline/weather-trader/internal/scheduler"
	"github.com/stormline/weather-trader/internal/sizing"
	"github.com/stormline/weather-trader/internal/strategy"
	"github.com/stormline/weather-trader/pkg/types"
)

const persistTimeout = 5 * time.Second

// Deps bundles the engine's collaborators. All fields are required
// except Store, Events and Metrics, which may be nil in tests.
type Deps struct {
	Logger    *zap.Logger
	Clock     clock.Clock
	Config    *types.Config
	Markets   *feeds.MarketClient
	Parser    *feeds.Parser
	Weather   *feeds.WeatherClient
	Feed      feeds.PriceFeed
	Venue     execution.VenueClient
	Monitor   *execution.Monitor
	Tracker   *portfolio.Tracker
	Risk      *risk.Manager
	Sizer     *sizing.Sizer
	Filter    *sizing.Filter
	Strategy  *strategy.Calculator
	Scheduler *scheduler.Scheduler
	Store     *data.Store
	Events    *events.Broadcaster
	Metrics   *metrics.Metrics
}

// Engine is the trading orchestrator.
type Engine struct {
	logger *zap.Logger
	clk    clock.Clock
	cfg    *types.Config

	// Collaborators
	markets  *feeds.MarketClient
	parser   *feeds.Parser
	weather  *feeds.WeatherClient
	feed     feeds.PriceFeed
	venue    execution.VenueClient
	monitor  *execution.Monitor
	tracker  *portfolio.Tracker
	risk     *risk.Manager
	sizer    *sizing.Sizer
	filter   *sizing.Filter
	strategy *strategy.Calculator
	sched    *scheduler.Scheduler
	store    *data.Store
	events   *events.Broadcaster
	metrics  *metrics.Metrics

	// State guarded by mu. Tasks run sequentially on the scheduler
	// loop; the lock exists for the HTTP control surface.
	mu              sync.RWMutex
	state           types.EngineState
	startTime       time.Time
	specs           map[string]*types.MarketSpec
	scanOrder       []string
	forecasts       map[string]*types.EnsembleForecast
	opportunities   []types.Opportunity
	orderPositions  map[string]string
	apiConnected    bool
	lastForecast    time.Time
	lastCycle       time.Time
	tradesSubmitted int
	registered      bool
	lastRiskSaved   types.RiskState
	riskAlerted     bool
}

// New wires the engine into its collaborators' callbacks.
func New(d Deps) *Engine {
	e := &Engine{
		logger:         d.Logger.Named("engine"),
		clk:            d.Clock,
		cfg:            d.Config,
		markets:        d.Markets,
		parser:         d.Parser,
		weather:        d.Weather,
		feed:           d.Feed,
		venue:          d.Venue,
		monitor:        d.Monitor,
		tracker:        d.Tracker,
		risk:           d.Risk,
		sizer:          d.Sizer,
		filter:         d.Filter,
		strategy:       d.Strategy,
		sched:          d.Scheduler,
		store:          d.Store,
		events:         d.Events,
		metrics:        d.Metrics,
		state:          types.EngineStopped,
		specs:          make(map[string]*types.MarketSpec),
		forecasts:      make(map[string]*types.EnsembleForecast),
		orderPositions: make(map[string]string),
	}

	e.monitor.OnFill(e.handleFill)
	e.monitor.OnComplete(e.handleOrderComplete)
	e.monitor.OnTimeout(e.handleOrderTimeout)
	e.tracker.OnRealized(e.handleRealized)
	e.tracker.OnPriceUpdate(e.handlePositionUpdate)
	e.tracker.OnClosed(e.handlePositionClosed)
	e.tracker.OnResolution(e.handleResolution)
	e.risk.OnHalt(e.handleHalt)
	e.feed.OnPrice(e.handlePriceTick)

	return e
}

// Start transitions STOPPED -> ACTIVE: connects the price feed,
// registers the task set on first start, and starts the scheduler.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != types.EngineStopped {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("engine already %s", state)
	}
	e.state = types.EngineActive
	e.startTime = e.clk.Now().UTC()
	first := !e.registered
	e.registered = true
	e.mu.Unlock()

	if first {
		e.registerTasks()
	}

	if err := e.feed.Connect(ctx); err != nil {
		// The feed reconnects on its own; trading falls back to
		// venue midpoints until then.
		e.logger.Warn("price feed connect failed", zap.Error(err))
	}
	for _, p := range e.tracker.Open() {
		if err := e.feed.Subscribe(p.TokenID, p.MarketID); err != nil {
			e.logger.Warn("resubscribe failed",
				zap.String("token_id", p.TokenID), zap.Error(err))
		}
	}

	if bal, err := e.venue.Balance(ctx); err != nil {
		e.logger.Warn("venue balance unavailable", zap.Error(err))
	} else if bal.LessThan(decimal.NewFromFloat(e.cfg.Trading.InitialBankroll)) {
		e.logger.Warn("venue balance below configured bankroll",
			zap.String("balance", bal.StringFixed(2)),
			zap.Float64("bankroll", e.cfg.Trading.InitialBankroll))
	}

	if err := e.sched.Start(ctx); err != nil {
		e.setState(types.EngineStopped)
		return fmt.Errorf("engine: start scheduler: %w", err)
	}

	e.logger.Info("engine started",
		zap.Bool("paper", e.cfg.Trading.Paper),
		zap.String("bankroll", e.risk.CurrentBankroll().String()))
	e.publishStatus("active", "engine started")
	return nil
}

// Pause suspends the scheduler; open orders and positions keep their
// state and the feed stays connected.
func (e *Engine) Pause() error {
	e.mu.Lock()
	if e.state != types.EngineActive {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("cannot pause engine in state %s", state)
	}
	e.state = types.EnginePaused
	e.mu.Unlock()

	e.sched.Pause()
	e.logger.Info("engine paused")
	e.publishStatus("paused", "engine paused")
	return nil
}

// Resume returns a paused engine to active.
func (e *Engine) Resume() error {
	e.mu.Lock()
	if e.state != types.EnginePaused {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("cannot resume engine in state %s", state)
	}
	e.state = types.EngineActive
	e.mu.Unlock()

	e.sched.Resume()
	e.logger.Info("engine resumed")
	e.publishStatus("active", "engine resumed")
	return nil
}

// Stop halts the scheduler, cancels working orders, closes the price
// feed and persists a final risk snapshot. Safe to call twice.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state == types.EngineStopped {
		e.mu.Unlock()
		return nil
	}
	e.state = types.EngineStopped
	e.mu.Unlock()

	e.sched.Stop()

	if n := e.monitor.CancelAll(ctx, ""); n > 0 {
		e.logger.Info("cancelled working orders on stop", zap.Int("count", n))
	}
	if err := e.feed.Close(); err != nil {
		e.logger.Warn("price feed close", zap.Error(err))
	}

	now := e.clk.Now().UTC()
	e.persistRisk(now, e.risk.Snapshot())

	e.logger.Info("engine stopped")
	e.publishStatus("stopped", "engine stopped")
	return nil
}

// State returns the lifecycle state.
func (e *Engine) State() types.EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s types.EngineState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// ResetDailyPnL zeroes the daily window and clears a daily halt.
func (e *Engine) ResetDailyPnL() {
	e.risk.ResetDaily()
	now := e.clk.Now().UTC()
	e.persistRisk(now, e.risk.Snapshot())
	e.publishStatus(string(e.State()), "daily pnl reset")
}

// ClearHalt lifts a halt. force is required for monthly-loss and
// manual halts.
func (e *Engine) ClearHalt(force bool) bool {
	if !e.risk.ClearHalt(force) {
		return false
	}
	if e.metrics != nil {
		e.metrics.TradingHalted.Set(0)
	}
	now := e.clk.Now().UTC()
	e.persistRisk(now, e.risk.Snapshot())
	e.publishStatus(string(e.State()), "trading halt cleared")
	return true
}

// HaltTrading imposes a manual halt: no new trades until an operator
// clears it. Open orders and positions are untouched.
func (e *Engine) HaltTrading(reason string) {
	if reason == "" {
		reason = "manual halt"
	}
	e.risk.TriggerManualHalt(reason)
}

// ClosePosition settles a position at the current market price. The
// exit price comes from the feed cache, falling back to the venue
// midpoint, then to the last mark.
func (e *Engine) ClosePosition(ctx context.Context, id string) (types.Position, error) {
	p, ok := e.tracker.Get(id)
	if !ok {
		return types.Position{}, portfolio.ErrPositionNotFound
	}

	price := 0.0
	if u, live := e.feed.Price(p.TokenID); live && u.Mid > 0 {
		price = u.Mid
	} else if mid, err := e.venue.Midpoint(ctx, p.TokenID); err == nil && mid > 0 {
		price = mid
	}

	closed, err := e.tracker.Close(id, price)
	if err != nil {
		return types.Position{}, err
	}
	e.dropFeedIfUnused(closed.TokenID)
	return closed, nil
}

// PlaceManualTrade submits an operator-initiated order. It passes the
// same risk validation as an automated trade; edge and diversification
// gates are the operator's call. price <= 0 means use the midpoint.
func (e *Engine) PlaceManualTrade(ctx context.Context, marketID string, side types.TradeSide, size decimal.Decimal, price float64) (types.Order, error) {
	if e.State() != types.EngineActive {
		return types.Order{}, fmt.Errorf("engine not active")
	}
	if side != types.TradeSideYes && side != types.TradeSideNo {
		return types.Order{}, fmt.Errorf("invalid side %q", side)
	}

	spec := e.specByID(marketID)
	if spec == nil {
		raw, err := e.markets.Get(ctx, marketID)
		if err != nil {
			return types.Order{}, fmt.Errorf("market %s: %w", marketID, err)
		}
		spec = e.parser.Parse(raw)
		if spec == nil {
			return types.Order{}, fmt.Errorf("market %s is not a tradeable weather market", marketID)
		}
		e.cacheSpec(spec)
	}

	now := e.clk.Now().UTC()
	if v := e.risk.ValidateTrade(size, spec.ResolutionTime, now); !v.OK {
		return types.Order{}, fmt.Errorf("trade rejected: %s", v.Reason)
	}

	tokenID := spec.TokenYes
	if side == types.TradeSideNo {
		tokenID = spec.TokenNo
	}
	if price <= 0 {
		price = e.entryPrice(ctx, spec, side, tokenID)
	}
	if price <= 0 || price >= 1 {
		return types.Order{}, fmt.Errorf("no usable price for token %s", tokenID)
	}

	order, err := e.placeOrder(ctx, spec, side, tokenID, price, size, 0, 0, true, now)
	if err != nil {
		return types.Order{}, err
	}
	e.logger.Info("manual trade submitted",
		zap.String("order_id", order.ID),
		zap.String("market_id", marketID),
		zap.String("side", string(side)),
		zap.String("size", size.String()))
	return order, nil
}

// CancelOrder cancels a working order through the monitor.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) bool {
	return e.monitor.Cancel(ctx, orderID)
}

// Status reports the engine snapshot served by the control surface.
func (e *Engine) Status() types.EngineStatus {
	e.mu.RLock()
	state := e.state
	started := e.startTime
	api := e.apiConnected
	lastForecast := e.lastForecast
	lastCycle := e.lastCycle
	oppCount := len(e.opportunities)
	marketCount := len(e.scanOrder)
	submitted := e.tradesSubmitted
	e.mu.RUnlock()

	now := e.clk.Now().UTC()
	allowed, reason := e.risk.CanTrade(now)
	stats := e.tracker.Stats()
	monStats := e.monitor.Stats()

	st := types.EngineStatus{
		State:           state,
		TradingAllowed:  allowed && state == types.EngineActive,
		TradingBlocked:  reason,
		APIConnected:    api,
		MarketsTracked:  marketCount,
		OpenPositions:   stats.OpenPositions,
		PendingOrders:   monStats.OpenOrders,
		Bankroll:        e.risk.CurrentBankroll(),
		TotalExposure:   stats.TotalExposure,
		TotalPnL:        stats.TotalPnL,
		Opportunities:   oppCount,
		TradesSubmitted: submitted,
	}
	if state != types.EngineStopped && !started.IsZero() {
		st.UptimeSeconds = now.Sub(started).Seconds()
	}
	if !lastForecast.IsZero() {
		st.ForecastAge = now.Sub(lastForecast).Seconds()
	}
	if !lastCycle.IsZero() {
		cycle := lastCycle
		st.LastCycleAt = &cycle
	}
	return st
}

// Opportunities returns the edges computed by the last trading cycle.
func (e *Engine) Opportunities() []types.Opportunity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.Opportunity, len(e.opportunities))
	copy(out, e.opportunities)
	return out
}

// Markets returns the cached market set in scan order.
func (e *Engine) Markets() []types.MarketSpec {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.MarketSpec, 0, len(e.scanOrder))
	for _, id := range e.scanOrder {
		if s, ok := e.specs[id]; ok {
			out = append(out, *s)
		}
	}
	return out
}

// Tasks returns the scheduler's task snapshot.
func (e *Engine) Tasks() []scheduler.TaskInfo { return e.sched.Snapshot() }

// EnableTask resumes a disabled scheduler task.
func (e *Engine) EnableTask(name string) error { return e.sched.Enable(name) }

// DisableTask stops a scheduler task from running until re-enabled.
func (e *Engine) DisableTask(name string) error { return e.sched.Disable(name) }

// Positions returns open positions, oldest first.
func (e *Engine) Positions() []types.Position { return e.tracker.Open() }

// Position returns a single tracked position.
func (e *Engine) Position(id string) (types.Position, bool) { return e.tracker.Get(id) }

// Orders returns every order the monitor has seen this session.
func (e *Engine) Orders() []types.Order { return e.monitor.All() }

// Order returns a single tracked order.
func (e *Engine) Order(id string) (types.Order, bool) { return e.monitor.Get(id) }

// RiskSnapshot returns the risk manager's current state.
func (e *Engine) RiskSnapshot() types.RiskState { return e.risk.Snapshot() }

// --- collaborator callbacks ---

// handleFill turns an order fill into a new position or merges it into
// the position opened by an earlier tranche of the same order.
func (e *Engine) handleFill(order types.Order, fill types.FillEvent) {
	e.mu.Lock()
	posID, merged := e.orderPositions[order.ID]
	spec := e.specs[order.MarketID]
	e.mu.Unlock()

	if merged {
		e.tracker.Merge(posID, fill.Quantity, fill.Price)
	} else {
		p := types.Position{
			MarketID:     order.MarketID,
			TokenID:      order.TokenID,
			Side:         order.OutcomeSide,
			EntryPrice:   fill.Price,
			Quantity:     fill.Quantity,
			SizeUSD:      fill.SizeUSD,
			CurrentPrice: fill.Price,
			EdgeAtEntry:  order.EdgeAtEntry,
			OpenedAt:     fill.Timestamp,
		}
		if spec != nil {
			p.Question = spec.Question
			p.ResolutionTime = spec.ResolutionTime
			p.Location = spec.Location
			p.Cluster = spec.Cluster
		}
		p = e.tracker.Add(p)
		posID = p.ID

		e.mu.Lock()
		e.orderPositions[order.ID] = posID
		e.mu.Unlock()

		if err := e.feed.Subscribe(order.TokenID, order.MarketID); err != nil {
			e.logger.Warn("subscribe after fill failed",
				zap.String("token_id", order.TokenID), zap.Error(err))
		}
	}

	e.persistPosition(posID)

	if e.events != nil {
		sizeF, _ := fill.SizeUSD.Float64()
		e.events.PublishTradeExecuted(events.TradeExecutedPayload{
			TradeID: order.ID,
			Market:  order.MarketID,
			Side:    string(order.OutcomeSide),
			Size:    sizeF,
			Price:   fill.Price,
		})
	}
}

func (e *Engine) handleOrderComplete(order types.Order) {
	if e.metrics != nil {
		switch order.Status {
		case types.OrderStatusFilled:
			e.metrics.OrdersFilled.Inc()
		case types.OrderStatusCancelled:
			e.metrics.OrdersCancelled.Inc()
		case types.OrderStatusExpired:
			e.metrics.OrdersExpired.Inc()
		}
	}

	e.mu.Lock()
	delete(e.orderPositions, order.ID)
	e.mu.Unlock()

	e.logger.Info("order complete",
		zap.String("order_id", order.ID),
		zap.String("status", string(order.Status)),
		zap.String("filled", order.FilledSize.String()))
}

func (e *Engine) handleOrderTimeout(order types.Order) {
	e.publishStatus(string(e.State()),
		fmt.Sprintf("order %s expired unfilled after %s", order.ID, e.cfg.Execution.OrderTimeout))
}

func (e *Engine) handleRealized(delta decimal.Decimal, at time.Time) {
	e.risk.UpdatePnL(delta, at)
	e.persistRisk(at, e.risk.Snapshot())
}

func (e *Engine) handlePositionUpdate(p types.Position) {
	if e.events == nil {
		return
	}
	pnl, _ := p.UnrealizedPnL.Float64()
	e.events.PublishPosition(events.PositionPayload{
		PositionID:    p.ID,
		CurrentPrice:  p.CurrentPrice,
		UnrealizedPnL: pnl,
	})
}

func (e *Engine) handlePositionClosed(p types.Position) {
	result := types.TradeResultLoss
	if p.RealizedPnL.IsPositive() {
		result = types.TradeResultWin
	}
	e.recordSettlement(p, result)
}

func (e *Engine) handleResolution(p types.Position, outcome types.TradeSide) {
	result := types.TradeResultLoss
	if p.Side == outcome {
		result = types.TradeResultWin
	}
	if e.metrics != nil {
		e.metrics.TradesResolved.WithLabelValues(result).Inc()
	}
	e.recordSettlement(p, result)
}

// recordSettlement persists the terminal position, writes the trade
// record, publishes the resolution event and releases the feed
// subscription if no other open position holds the token.
func (e *Engine) recordSettlement(p types.Position, result string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if e.store != nil {
		if err := e.store.SavePosition(ctx, &p); err != nil {
			e.logger.Error("persist settled position", zap.String("position_id", p.ID), zap.Error(err))
		}
	}

	closedAt := e.clk.Now().UTC()
	if p.ClosedAt != nil {
		closedAt = *p.ClosedAt
	}
	trade := types.TradeRecord{
		ID:         uuid.NewString(),
		PositionID: p.ID,
		MarketID:   p.MarketID,
		Question:   p.Question,
		Side:       p.Side,
		SizeUSD:    p.SizeUSD,
		EntryPrice: p.EntryPrice,
		ExitPrice:  p.CurrentPrice,
		PnL:        p.RealizedPnL,
		Result:     result,
		OpenedAt:   p.OpenedAt,
		ClosedAt:   closedAt,
	}
	if spec := e.specByID(p.MarketID); spec != nil {
		trade.Variable = spec.Variable
	}
	if e.store != nil {
		if err := e.store.SaveTrade(ctx, &trade); err != nil {
			e.logger.Error("persist trade", zap.String("trade_id", trade.ID), zap.Error(err))
		}
	}

	if e.events != nil {
		pnl, _ := p.RealizedPnL.Float64()
		e.events.PublishTradeResolved(events.TradeResolvedPayload{
			TradeID: trade.ID,
			Result:  result,
			PnL:     pnl,
		})
	}

	// Proceeds (cost basis plus P&L) flow back into venues that track
	// collateral locally; real venues settle on chain.
	if c, ok := e.venue.(settlementCreditor); ok {
		if proceeds := p.SizeUSD.Add(p.RealizedPnL); proceeds.IsPositive() {
			c.Credit(proceeds)
		}
	}

	e.dropFeedIfUnused(p.TokenID)
}

type settlementCreditor interface {
	Credit(amount decimal.Decimal)
}

func (e *Engine) handleHalt(cause types.HaltCause, reason string) {
	if e.metrics != nil {
		e.metrics.TradingHalted.Set(1)
	}
	canAuto := cause == types.HaltCauseDailyLoss || cause == types.HaltCauseWeeklyLoss
	if e.events != nil {
		e.events.PublishHalt(events.HaltPayload{
			Reason:         reason,
			CanAutoRecover: canAuto,
		})
	}
	e.persistRisk(e.clk.Now().UTC(), e.risk.Snapshot())
}

func (e *Engine) handlePriceTick(u types.PriceUpdate) {
	if e.events == nil {
		return
	}
	e.events.PublishPrice(events.PricePayload{
		MarketID: u.MarketID,
		TokenID:  u.TokenID,
		Price:    u.Mid,
		Side:     "mid",
	})
}

// --- internals ---

func (e *Engine) specByID(marketID string) *types.MarketSpec {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.specs[marketID]
}

func (e *Engine) cacheSpec(spec *types.MarketSpec) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.specs[spec.MarketID]; !ok {
		e.scanOrder = append(e.scanOrder, spec.MarketID)
	}
	e.specs[spec.MarketID] = spec
}

// entryPrice resolves the price to quote a new order at: live feed
// first, then venue midpoint, then the scan-time price.
func (e *Engine) entryPrice(ctx context.Context, spec *types.MarketSpec, side types.TradeSide, tokenID string) float64 {
	if u, ok := e.feed.Price(tokenID); ok && u.Mid > 0 {
		return u.Mid
	}
	if mid, err := e.venue.Midpoint(ctx, tokenID); err == nil && mid > 0 {
		return mid
	}
	if spec.YesPrice > 0 && spec.YesPrice < 1 {
		if side == types.TradeSideNo {
			return 1 - spec.YesPrice
		}
		return spec.YesPrice
	}
	return 0
}

func (e *Engine) dropFeedIfUnused(tokenID string) {
	for _, held := range e.tracker.Tokens() {
		if held == tokenID {
			return
		}
	}
	if err := e.feed.Unsubscribe(tokenID); err != nil {
		e.logger.Debug("unsubscribe failed", zap.String("token_id", tokenID), zap.Error(err))
	}
}

func (e *Engine) persistPosition(id string) {
	if e.store == nil {
		return
	}
	p, ok := e.tracker.Get(id)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.SavePosition(ctx, &p); err != nil {
		e.logger.Error("persist position", zap.String("position_id", id), zap.Error(err))
	}
}

func (e *Engine) persistRisk(at time.Time, snap types.RiskState) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.SaveRiskSnapshot(ctx, at, snap); err != nil {
		e.logger.Error("persist risk snapshot", zap.Error(err))
	}
	e.mu.Lock()
	e.lastRiskSaved = snap
	e.mu.Unlock()
}

func (e *Engine) setAPIConnected(ok bool) {
	e.mu.Lock()
	changed := e.apiConnected != ok
	e.apiConnected = ok
	e.mu.Unlock()

	if !changed {
		return
	}
	if ok {
		e.logger.Info("venue api connected")
		e.publishStatus(string(e.State()), "venue api connected")
	} else {
		e.logger.Warn("venue api unreachable")
		e.publishStatus(string(e.State()), "venue api unreachable")
	}
}

func (e *Engine) publishStatus(status, message string) {
	if e.events == nil {
		return
	}
	e.events.PublishSystemStatus(events.SystemStatusPayload{
		Status:  status,
		Message: message,
	})
}
