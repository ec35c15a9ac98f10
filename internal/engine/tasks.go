package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stormline/weather-trader/internal/events"
	"github.com/stormline/weather-trader/internal/feeds"
	"github.com/stormline/weather-trader/internal/scheduler"
	"github.com/stormline/weather-trader/internal/sizing"
	"github.com/stormline/weather-trader/internal/stations"
	"github.com/stormline/weather-trader/pkg/types"
)

// Task cadence. The priority bands guarantee that within a tick the
// risk check completes before any trading cycle that falls due.
const (
	riskCheckInterval       = 10 * time.Second
	priceUpdateInterval     = 30 * time.Second
	orderMonitorInterval    = 15 * time.Second
	marketScanInterval      = 5 * time.Minute
	forecastUpdateInterval  = 15 * time.Minute
	tradingCycleInterval    = 2 * time.Minute
	statusBroadcastInterval = 5 * time.Second
	metricsLogInterval      = time.Minute
)

func (e *Engine) registerTasks() {
	for _, t := range []struct {
		cfg scheduler.TaskConfig
		fn  scheduler.TaskFunc
	}{
		{scheduler.TaskConfig{Name: "risk_check", Interval: riskCheckInterval, Priority: scheduler.PriorityCritical}, e.runRiskCheck},
		{scheduler.TaskConfig{Name: "price_update", Interval: priceUpdateInterval, Priority: scheduler.PriorityHigh}, e.runPriceUpdate},
		{scheduler.TaskConfig{Name: "order_monitor", Interval: orderMonitorInterval, Priority: scheduler.PriorityHigh}, e.runOrderMonitor},
		{scheduler.TaskConfig{Name: "market_scan", Interval: marketScanInterval, Priority: scheduler.PriorityNormal}, e.runMarketScan},
		{scheduler.TaskConfig{Name: "forecast_update", Interval: forecastUpdateInterval, Priority: scheduler.PriorityNormal}, e.runForecastUpdate},
		{scheduler.TaskConfig{Name: "trading_cycle", Interval: tradingCycleInterval, Priority: scheduler.PriorityNormal}, e.runTradingCycle},
		{scheduler.TaskConfig{Name: "status_broadcast", Interval: statusBroadcastInterval, Priority: scheduler.PriorityLow}, e.runStatusBroadcast},
		{scheduler.TaskConfig{Name: "metrics_log", Interval: metricsLogInterval, Priority: scheduler.PriorityLow}, e.runMetricsLog},
	} {
		if err := e.sched.Register(t.cfg, t.fn); err != nil {
			e.logger.Error("register task", zap.String("task", t.cfg.Name), zap.Error(err))
		}
	}
}

// runRiskCheck surfaces halt state and loss-limit utilization and
// persists the risk snapshot whenever it materially changed.
func (e *Engine) runRiskCheck(_ context.Context) error {
	now := e.clk.Now().UTC()
	allowed, reason := e.risk.CanTrade(now)
	snap := e.risk.Snapshot()

	if e.metrics != nil {
		if snap.IsHalted {
			e.metrics.TradingHalted.Set(1)
		} else {
			e.metrics.TradingHalted.Set(0)
		}
	}
	if !allowed {
		e.logger.Debug("trading blocked", zap.String("reason", reason))
	}

	e.checkLossUtilization(snap)

	e.mu.RLock()
	prev := e.lastRiskSaved
	e.mu.RUnlock()
	if riskChanged(prev, snap) {
		e.persistRisk(now, snap)
	}
	return nil
}

func riskChanged(a, b types.RiskState) bool {
	return !a.DailyPnL.Equal(b.DailyPnL) ||
		!a.TotalPnL.Equal(b.TotalPnL) ||
		a.IsHalted != b.IsHalted ||
		a.TradesTotal != b.TradesTotal ||
		!a.DayStart.Equal(b.DayStart)
}

// checkLossUtilization emits one risk alert when the daily loss crosses
// 80% of its limit, rearming once the loss falls back under the line.
func (e *Engine) checkLossUtilization(snap types.RiskState) {
	if e.events == nil {
		return
	}
	initial, _ := e.risk.InitialBankroll().Float64()
	limit := e.cfg.Risk.MaxDailyLossPct * initial
	if limit <= 0 {
		return
	}
	loss, _ := snap.DailyPnL.Neg().Float64()
	approaching := loss >= 0.8*limit && !snap.IsHalted

	e.mu.Lock()
	fire := approaching && !e.riskAlerted
	e.riskAlerted = approaching
	e.mu.Unlock()

	if fire {
		e.events.PublishRiskAlert(events.RiskAlertPayload{
			AlertType:    "daily_loss_approach",
			CurrentValue: loss,
			LimitValue:   limit,
		})
	}
}

// runPriceUpdate marks open positions to market and settles any whose
// markets have resolved. Live feed prices are preferred; the venue
// midpoint is the fallback.
func (e *Engine) runPriceUpdate(ctx context.Context) error {
	tokens := e.tracker.Tokens()
	if len(tokens) == 0 {
		return nil
	}

	prices := make(map[string]float64, len(tokens))
	venueCalls, venueErrs := 0, 0
	for _, tok := range tokens {
		if u, ok := e.feed.Price(tok); ok && u.Mid > 0 {
			prices[tok] = u.Mid
			continue
		}
		venueCalls++
		mid, err := e.venue.Midpoint(ctx, tok)
		if err != nil {
			venueErrs++
			e.logger.Warn("midpoint fetch failed", zap.String("token_id", tok), zap.Error(err))
			continue
		}
		if mid > 0 {
			prices[tok] = mid
		}
	}
	if venueCalls > 0 {
		e.setAPIConnected(venueErrs < venueCalls)
	}

	e.tracker.UpdatePrices(prices)

	if resolved := e.tracker.CheckResolutions(e.clk.Now().UTC()); len(resolved) > 0 {
		e.logger.Info("positions resolved", zap.Int("count", len(resolved)))
	}

	if len(prices) == 0 && venueErrs > 0 {
		return fmt.Errorf("price update: no prices for %d tokens", len(tokens))
	}
	return nil
}

// runOrderMonitor reconciles working orders against venue truth.
func (e *Engine) runOrderMonitor(ctx context.Context) error {
	if err := e.monitor.Poll(ctx); err != nil {
		e.setAPIConnected(false)
		return fmt.Errorf("order poll: %w", err)
	}
	e.setAPIConnected(true)
	e.monitor.ClearCompleted(time.Hour)
	return nil
}

// runMarketScan refreshes the cached market set from the discovery API.
func (e *Engine) runMarketScan(ctx context.Context) error {
	raws, err := e.markets.ListActive(ctx)
	if err != nil {
		if e.metrics != nil {
			e.metrics.MarketFetches.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("market scan: %w", err)
	}
	if e.metrics != nil {
		e.metrics.MarketFetches.WithLabelValues("ok").Inc()
	}

	specs := e.inWindow(e.parser.ParseAll(raws))

	// Markets with live positions or orders stay cached even when the
	// listing drops them, so fills and resolutions keep their context.
	held := make(map[string]struct{})
	for _, p := range e.tracker.Open() {
		held[p.MarketID] = struct{}{}
	}
	for _, o := range e.monitor.Open() {
		held[o.MarketID] = struct{}{}
	}

	e.mu.Lock()
	next := make(map[string]*types.MarketSpec, len(specs))
	order := make([]string, 0, len(specs))
	for _, s := range specs {
		if _, dup := next[s.MarketID]; dup {
			continue
		}
		next[s.MarketID] = s
		order = append(order, s.MarketID)
	}
	for id := range held {
		if _, ok := next[id]; ok {
			continue
		}
		if old, ok := e.specs[id]; ok {
			next[id] = old
			order = append(order, id)
		}
	}
	e.specs = next
	e.scanOrder = order
	e.mu.Unlock()

	e.logger.Info("market scan complete",
		zap.Int("listed", len(raws)),
		zap.Int("tracked", len(specs)))
	return nil
}

// inWindow drops markets resolving outside the configured
// [min_days, max_days] trading window.
func (e *Engine) inWindow(specs []*types.MarketSpec) []*types.MarketSpec {
	now := e.clk.Now().UTC()
	minAhead := time.Duration(e.cfg.Strategy.MinDaysToResolution * 24 * float64(time.Hour))
	maxAhead := time.Duration(e.cfg.Strategy.MaxDaysToResolution * 24 * float64(time.Hour))

	kept := make([]*types.MarketSpec, 0, len(specs))
	for _, s := range specs {
		until := s.ResolutionTime.Sub(now)
		if until < minAhead {
			continue
		}
		if maxAhead > 0 && until > maxAhead {
			continue
		}
		kept = append(kept, s)
	}
	return kept
}

// runForecastUpdate refreshes the ensemble cache for every distinct
// (station, date, variable) the market set needs.
func (e *Engine) runForecastUpdate(ctx context.Context) error {
	e.mu.RLock()
	specs := make([]*types.MarketSpec, 0, len(e.scanOrder))
	for _, id := range e.scanOrder {
		if s, ok := e.specs[id]; ok {
			specs = append(specs, s)
		}
	}
	e.mu.RUnlock()

	if len(specs) == 0 {
		return nil
	}

	seen := make(map[string]struct{})
	var reqs []feeds.ForecastRequest
	var keys []string
	for _, s := range specs {
		st, ok := stations.Get(s.Location)
		if !ok {
			continue
		}
		key := forecastKey(s.Location, s.ResolutionTime, s.Variable)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		reqs = append(reqs, feeds.ForecastRequest{
			Station:    st,
			TargetDate: s.ResolutionTime,
			Variable:   s.Variable,
		})
		keys = append(keys, key)
	}
	if len(reqs) == 0 {
		return nil
	}

	results := e.weather.FetchAll(ctx, reqs)

	fetched := 0
	e.mu.Lock()
	for i, f := range results {
		if f == nil {
			if e.metrics != nil {
				e.metrics.WeatherFetches.WithLabelValues("ensemble", "error").Inc()
			}
			continue
		}
		e.forecasts[keys[i]] = f
		fetched++
		if e.metrics != nil {
			e.metrics.WeatherFetches.WithLabelValues("ensemble", "ok").Inc()
		}
	}
	for key := range e.forecasts {
		if _, ok := seen[key]; !ok {
			delete(e.forecasts, key)
		}
	}
	if fetched > 0 {
		e.lastForecast = e.clk.Now().UTC()
	}
	e.mu.Unlock()

	e.logger.Info("forecast refresh complete",
		zap.Int("requested", len(reqs)),
		zap.Int("fetched", fetched))
	if fetched == 0 {
		return fmt.Errorf("forecast refresh: all %d fetches failed", len(reqs))
	}
	return nil
}

// runTradingCycle evaluates every cached market against its forecast
// and submits orders for opportunities that clear the sizer, the
// diversification filter and risk validation. The opportunity list is
// replaced wholesale each cycle.
func (e *Engine) runTradingCycle(ctx context.Context) error {
	if e.State() != types.EngineActive {
		return nil
	}
	now := e.clk.Now().UTC()
	if allowed, reason := e.risk.CanTrade(now); !allowed {
		e.logger.Debug("trading cycle skipped", zap.String("reason", reason))
		e.finishCycle(nil, now, 0)
		return nil
	}

	e.mu.RLock()
	specs := make([]*types.MarketSpec, 0, len(e.scanOrder))
	for _, id := range e.scanOrder {
		if s, ok := e.specs[id]; ok {
			specs = append(specs, s)
		}
	}
	forecasts := make(map[string]*types.EnsembleForecast, len(e.forecasts))
	for k, v := range e.forecasts {
		forecasts[k] = v
	}
	e.mu.RUnlock()

	opps := make([]types.Opportunity, 0, len(specs))
	for _, spec := range specs {
		f := forecasts[forecastKey(spec.Location, spec.ResolutionTime, spec.Variable)]
		if f == nil {
			continue
		}
		opp, err := e.strategy.Evaluate(spec, f)
		if err != nil {
			e.logger.Debug("evaluate market",
				zap.String("market_id", spec.MarketID), zap.Error(err))
			continue
		}
		opp.ComputedAt = now
		opps = append(opps, opp)
	}

	submitted := 0
	for _, opp := range opps {
		if !opp.Tradeable {
			continue
		}
		if e.metrics != nil {
			e.metrics.OpportunitiesFound.Inc()
		}
		if e.events != nil {
			e.events.PublishEdgeAlert(events.EdgeAlertPayload{
				MarketID:            opp.Market.MarketID,
				Edge:                opp.Edge,
				ForecastProbability: opp.ForecastProb,
				MarketProbability:   opp.MarketProb,
			})
		}
		if e.hasOpenInterest(opp.Market.MarketID) {
			continue
		}

		bankroll := e.risk.CurrentBankroll()
		size := e.sizer.ForOpportunity(bankroll, opp, e.tracker.TotalExposure())
		if !size.Size.IsPositive() {
			e.logger.Debug("sizer returned zero",
				zap.String("market_id", opp.Market.MarketID),
				zap.String("constrained_by", size.ConstrainedBy))
			continue
		}

		decision := e.filter.Check(sizing.Candidate{
			SizeUSD:        size.Size,
			Cluster:        opp.Market.Cluster,
			ResolutionDate: opp.Market.ResolutionTime,
		}, sizing.BuildPortfolioState(e.tracker.Open()), bankroll)
		if !decision.Allowed {
			e.logger.Debug("diversification rejected",
				zap.String("market_id", opp.Market.MarketID),
				zap.Strings("reasons", decision.Reasons))
			continue
		}

		final := decimal.Min(size.Size, decision.MaxAllowed)
		if v := e.risk.ValidateTrade(final, opp.Market.ResolutionTime, now); !v.OK {
			e.logger.Debug("risk rejected trade",
				zap.String("market_id", opp.Market.MarketID),
				zap.String("reason", v.Reason))
			continue
		}

		tokenID := opp.Market.TokenYes
		if opp.RecommendedSide == types.TradeSideNo {
			tokenID = opp.Market.TokenNo
		}
		price := e.entryPrice(ctx, opp.Market, opp.RecommendedSide, tokenID)
		if price <= 0 || price >= 1 {
			e.logger.Warn("no usable entry price",
				zap.String("market_id", opp.Market.MarketID),
				zap.String("token_id", tokenID))
			continue
		}

		if _, err := e.placeOrder(ctx, opp.Market, opp.RecommendedSide, tokenID, price, final, opp.Edge, opp.ForecastProb, false, now); err != nil {
			e.logger.Warn("order placement failed",
				zap.String("market_id", opp.Market.MarketID), zap.Error(err))
			continue
		}
		submitted++
	}

	e.finishCycle(opps, now, submitted)
	e.logger.Info("trading cycle complete",
		zap.Int("markets", len(specs)),
		zap.Int("opportunities", len(opps)),
		zap.Int("submitted", submitted))
	return nil
}

func (e *Engine) finishCycle(opps []types.Opportunity, now time.Time, submitted int) {
	e.mu.Lock()
	e.opportunities = opps
	e.lastCycle = now
	e.tradesSubmitted += submitted
	e.mu.Unlock()
}

// hasOpenInterest reports whether the market already has a live
// position or working order; the cycle never stacks entries.
func (e *Engine) hasOpenInterest(marketID string) bool {
	for _, p := range e.tracker.ForMarket(marketID) {
		if p.Status == types.PositionStatusOpen || p.Status == types.PositionStatusClosing {
			return true
		}
	}
	return e.monitor.PendingSize(marketID).IsPositive()
}

// placeOrder submits a buy of the outcome token and registers it with
// the monitor. The local order starts pending regardless of what the
// placement ack said: venue truth lands through the poll, which fires
// the fill callbacks. Paper fills complete immediately, so the poll
// runs inline rather than waiting a monitor tick.
func (e *Engine) placeOrder(ctx context.Context, spec *types.MarketSpec, side types.TradeSide, tokenID string, price float64, size decimal.Decimal, edge, forecastProb float64, manual bool, now time.Time) (types.Order, error) {
	placed, err := e.venue.Place(ctx, tokenID, types.OrderSideBuy, price, size)
	if err != nil {
		e.setAPIConnected(false)
		return types.Order{}, fmt.Errorf("place order: %w", err)
	}
	e.setAPIConnected(true)

	expires := now.Add(e.cfg.Execution.OrderTimeout)
	order := types.Order{
		ID:           placed.OrderID,
		MarketID:     spec.MarketID,
		TokenID:      tokenID,
		Side:         types.OrderSideBuy,
		OutcomeSide:  side,
		Price:        price,
		SizeUSD:      size,
		Quantity:     size.Div(decimal.NewFromFloat(price)),
		Status:       types.OrderStatusPending,
		CreatedAt:    now,
		ExpiresAt:    &expires,
		EdgeAtEntry:  edge,
		ForecastProb: forecastProb,
		IsManual:     manual,
	}
	e.monitor.Add(order)
	if e.metrics != nil {
		e.metrics.OrdersSubmitted.Inc()
	}
	e.logger.Info("order submitted",
		zap.String("order_id", order.ID),
		zap.String("market_id", spec.MarketID),
		zap.String("outcome", string(side)),
		zap.Float64("price", price),
		zap.String("size", size.String()))

	if placed.Status.IsTerminal() || placed.FilledSize.IsPositive() {
		if err := e.monitor.Poll(ctx); err != nil {
			e.logger.Debug("post-place poll", zap.Error(err))
		}
	}
	return order, nil
}

// runStatusBroadcast pushes a heartbeat status onto the system channel.
func (e *Engine) runStatusBroadcast(_ context.Context) error {
	st := e.Status()
	e.publishStatus(string(st.State), fmt.Sprintf(
		"positions=%d orders=%d bankroll=%s exposure=%s",
		st.OpenPositions, st.PendingOrders,
		st.Bankroll.StringFixed(2), st.TotalExposure.StringFixed(2)))
	return nil
}

// runMetricsLog refreshes the gauges, prunes stale book entries and
// logs a one-line account summary.
func (e *Engine) runMetricsLog(_ context.Context) error {
	stats := e.tracker.Stats()
	snap := e.risk.Snapshot()
	monStats := e.monitor.Stats()

	if e.metrics != nil {
		exposure, _ := stats.TotalExposure.Float64()
		bankroll, _ := e.risk.CurrentBankroll().Float64()
		daily, _ := snap.DailyPnL.Float64()
		weekly, _ := snap.WeeklyPnL.Float64()
		monthly, _ := snap.MonthlyPnL.Float64()
		e.metrics.OpenPositions.Set(float64(stats.OpenPositions))
		e.metrics.TotalExposure.Set(exposure)
		e.metrics.Bankroll.Set(bankroll)
		e.metrics.DailyPnL.Set(daily)
		e.metrics.WeeklyPnL.Set(weekly)
		e.metrics.MonthlyPnL.Set(monthly)
	}

	e.tracker.Prune(24 * time.Hour)

	e.logger.Info("engine stats",
		zap.String("state", string(e.State())),
		zap.Int("open_positions", stats.OpenPositions),
		zap.Int("open_orders", monStats.OpenOrders),
		zap.String("exposure", stats.TotalExposure.StringFixed(2)),
		zap.String("bankroll", e.risk.CurrentBankroll().StringFixed(2)),
		zap.String("daily_pnl", snap.DailyPnL.StringFixed(2)),
		zap.String("unrealized", stats.UnrealizedPnL.StringFixed(2)))
	return nil
}

func forecastKey(location string, target time.Time, variable types.Variable) string {
	return fmt.Sprintf("%s|%s|%s", location, target.UTC().Format("2006-01-02"), variable)
}
