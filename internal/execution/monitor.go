// Package execution submits orders to a venue and tracks them through
// their lifecycle.
//
// The Monitor owns the order state machine: PENDING orders move to OPEN
// or REJECTED, open orders accumulate fills through PARTIAL to FILLED,
// and CANCELLED/EXPIRED close out the rest. Fills are detected by
// polling the venue and diffing cumulative filled size; each detected
// tranche is delivered as one FillEvent. Every order reaches exactly
// one terminal state and the completion callback fires exactly once.
package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stormline/weather-trader/internal/clock"
	"github.com/stormline/weather-trader/pkg/types"
)

// FillFunc receives each detected fill tranche.
type FillFunc func(order types.Order, fill types.FillEvent)

// CompleteFunc receives an order exactly once, on its terminal
// transition.
type CompleteFunc func(order types.Order)

// statusRank orders lifecycle states so stale venue reads can never
// move an order backwards.
var statusRank = map[types.OrderStatus]int{
	types.OrderStatusPending:   0,
	types.OrderStatusOpen:      1,
	types.OrderStatusPartial:   2,
	types.OrderStatusFilled:    3,
	types.OrderStatusCancelled: 3,
	types.OrderStatusExpired:   3,
	types.OrderStatusRejected:  3,
}

type trackedOrder struct {
	order types.Order
	// priceWeight is the size-weighted price sum over observed fills,
	// used to back out per-tranche prices from the venue's running
	// average.
	priceWeight float64
	completed   bool
}

// Monitor polls the venue for order progress and drives callbacks.
//
// All callbacks fire on the goroutine that triggered the transition
// (the scheduler's poll task, or the caller of Cancel), never while the
// monitor's lock is held.
type Monitor struct {
	logger *zap.Logger
	cfg    types.ExecutionConfig
	venue  VenueClient
	clock  clock.Clock

	mu       sync.RWMutex
	orders   map[string]*trackedOrder
	byMarket map[string][]string

	onFill     FillFunc
	onComplete CompleteFunc
	onTimeout  CompleteFunc
}

// Stats summarizes the monitor's book.
type Stats struct {
	TotalOrders     int             `json:"total_orders"`
	OpenOrders      int             `json:"open_orders"`
	FilledOrders    int             `json:"filled_orders"`
	CancelledOrders int             `json:"cancelled_orders"`
	PendingSize     decimal.Decimal `json:"pending_size"`
	TotalFilledSize decimal.Decimal `json:"total_filled_size"`
	FillRate        float64         `json:"fill_rate"`
}

// NewMonitor creates an order Monitor polling the given venue.
func NewMonitor(logger *zap.Logger, cfg types.ExecutionConfig, venue VenueClient, clk clock.Clock) *Monitor {
	return &Monitor{
		logger:   logger.Named("order_monitor"),
		cfg:      cfg,
		venue:    venue,
		clock:    clk,
		orders:   make(map[string]*trackedOrder),
		byMarket: make(map[string][]string),
	}
}

// OnFill registers the fill callback.
func (m *Monitor) OnFill(fn FillFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFill = fn
}

// OnComplete registers the terminal-transition callback.
func (m *Monitor) OnComplete(fn CompleteFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onComplete = fn
}

// OnTimeout registers the timeout callback, fired before OnComplete
// when an order expires.
func (m *Monitor) OnTimeout(fn CompleteFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTimeout = fn
}

// Add enrolls an order into monitoring.
func (m *Monitor) Add(order types.Order) {
	if order.Status == "" {
		order.Status = types.OrderStatusPending
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = m.clock.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = &trackedOrder{order: order}
	m.byMarket[order.MarketID] = append(m.byMarket[order.MarketID], order.ID)

	m.logger.Info("monitoring order",
		zap.String("order_id", order.ID),
		zap.String("market_id", order.MarketID),
		zap.String("side", string(order.Side)),
		zap.String("outcome", string(order.OutcomeSide)),
		zap.Float64("price", order.Price),
		zap.String("size", order.SizeUSD.String()))
}

// Get returns a copy of an order.
func (m *Monitor) Get(orderID string) (types.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tracked, ok := m.orders[orderID]
	if !ok {
		return types.Order{}, false
	}
	return tracked.order, true
}

// Open returns all non-terminal orders, oldest first.
func (m *Monitor) Open() []types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Order
	for _, tracked := range m.orders {
		if !tracked.order.Status.IsTerminal() {
			out = append(out, tracked.order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// All returns every tracked order, oldest first.
func (m *Monitor) All() []types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Order, 0, len(m.orders))
	for _, tracked := range m.orders {
		out = append(out, tracked.order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ForMarket returns the orders submitted against a market.
func (m *Monitor) ForMarket(marketID string) []types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Order
	for _, id := range m.byMarket[marketID] {
		if tracked, ok := m.orders[id]; ok {
			out = append(out, tracked.order)
		}
	}
	return out
}

// PendingSize returns the unfilled dollar size resting on a market.
func (m *Monitor) PendingSize(marketID string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for _, id := range m.byMarket[marketID] {
		tracked, ok := m.orders[id]
		if !ok || tracked.order.Status.IsTerminal() {
			continue
		}
		total = total.Add(tracked.order.SizeUSD.Sub(tracked.order.FilledSize))
	}
	return total
}

// Poll queries the venue for every non-terminal order, applies fills
// and state changes, then expires overdue orders. It is the body of the
// order_monitor task and must not run concurrently with itself.
func (m *Monitor) Poll(ctx context.Context) error {
	open := m.Open()

	var failures int
	var lastErr error
	for _, order := range open {
		reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
		update, err := m.venue.GetOrder(reqCtx, order.ID)
		cancel()
		if err != nil {
			failures++
			lastErr = err
			m.logger.Warn("order poll failed",
				zap.String("order_id", order.ID),
				zap.Error(err))
			continue
		}
		m.applyUpdate(order.ID, update)

		if err := ctx.Err(); err != nil {
			return err
		}
	}

	m.expireOverdue(ctx)

	if failures > 0 && failures == len(open) {
		return fmt.Errorf("execution.Monitor: all %d order polls failed: %w", failures, lastErr)
	}
	return nil
}

// Cancel transitions a non-terminal order to CANCELLED with a
// best-effort venue call. It reports whether the order was cancelled
// locally.
func (m *Monitor) Cancel(ctx context.Context, orderID string) bool {
	m.mu.RLock()
	tracked, ok := m.orders[orderID]
	terminal := ok && tracked.order.Status.IsTerminal()
	m.mu.RUnlock()
	if !ok || terminal {
		return false
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	accepted, err := m.venue.Cancel(reqCtx, orderID)
	cancel()
	if err != nil {
		m.logger.Warn("venue cancel failed",
			zap.String("order_id", orderID),
			zap.Error(err))
	} else if !accepted {
		m.logger.Warn("venue declined cancel", zap.String("order_id", orderID))
	}

	order, cancelled, complete := m.transition(orderID, types.OrderStatusCancelled)
	if !cancelled {
		return false
	}
	m.logger.Info("order cancelled", zap.String("order_id", orderID))
	if complete != nil {
		complete(order)
	}
	return true
}

// CancelAll cancels every non-terminal order, optionally scoped to one
// market. It returns the number of orders cancelled.
func (m *Monitor) CancelAll(ctx context.Context, marketID string) int {
	var candidates []types.Order
	if marketID == "" {
		candidates = m.Open()
	} else {
		candidates = m.ForMarket(marketID)
	}

	cancelled := 0
	for _, order := range candidates {
		if order.Status.IsTerminal() {
			continue
		}
		if m.Cancel(ctx, order.ID) {
			cancelled++
		}
	}
	return cancelled
}

// Stats summarizes the book.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{PendingSize: decimal.Zero, TotalFilledSize: decimal.Zero}
	for _, tracked := range m.orders {
		stats.TotalOrders++
		switch tracked.order.Status {
		case types.OrderStatusFilled:
			stats.FilledOrders++
			stats.TotalFilledSize = stats.TotalFilledSize.Add(tracked.order.FilledSize)
		case types.OrderStatusCancelled:
			stats.CancelledOrders++
		}
		if !tracked.order.Status.IsTerminal() {
			stats.OpenOrders++
			stats.PendingSize = stats.PendingSize.Add(tracked.order.SizeUSD.Sub(tracked.order.FilledSize))
		}
	}
	if stats.TotalOrders > 0 {
		stats.FillRate = float64(stats.FilledOrders) / float64(stats.TotalOrders)
	}
	return stats
}

// ClearCompleted drops terminal orders created before the retention
// window and returns how many were removed.
func (m *Monitor) ClearCompleted(olderThan time.Duration) int {
	cutoff := m.clock.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, tracked := range m.orders {
		if !tracked.order.Status.IsTerminal() || !tracked.order.CreatedAt.Before(cutoff) {
			continue
		}
		delete(m.orders, id)
		ids := m.byMarket[tracked.order.MarketID]
		for i, oid := range ids {
			if oid == id {
				m.byMarket[tracked.order.MarketID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(m.byMarket[tracked.order.MarketID]) == 0 {
			delete(m.byMarket, tracked.order.MarketID)
		}
		removed++
	}
	return removed
}

// applyUpdate reconciles one venue update into local state and fires
// any resulting callbacks.
func (m *Monitor) applyUpdate(orderID string, update OrderUpdate) {
	now := m.clock.Now().UTC()

	m.mu.Lock()
	tracked, ok := m.orders[orderID]
	if !ok || tracked.order.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	ord := &tracked.order

	var fill *types.FillEvent
	delta := update.FilledSize.Sub(ord.FilledSize)
	if delta.IsPositive() {
		price := m.tranchePrice(tracked, update, delta)
		qty := delta.Div(decimal.NewFromFloat(price))

		fill = &types.FillEvent{
			OrderID:   ord.ID,
			MarketID:  ord.MarketID,
			Price:     price,
			Quantity:  qty,
			SizeUSD:   delta,
			Timestamp: now,
		}

		deltaF, _ := delta.Float64()
		tracked.priceWeight += price * deltaF
		ord.FilledSize = update.FilledSize
		ord.FilledQty = ord.FilledQty.Add(qty)
		if filledQty, _ := ord.FilledQty.Float64(); filledQty > 0 {
			filledSize, _ := ord.FilledSize.Float64()
			ord.AvgFillPrice = filledSize / filledQty
		}
	}

	newStatus := m.deriveStatus(ord, update.Status)
	changed := newStatus != ord.Status && statusRank[newStatus] > statusRank[ord.Status]
	if changed {
		m.logger.Info("order status",
			zap.String("order_id", ord.ID),
			zap.String("from", string(ord.Status)),
			zap.String("to", string(newStatus)))
		ord.Status = newStatus
	}

	var complete CompleteFunc
	if changed && newStatus.IsTerminal() && !tracked.completed {
		tracked.completed = true
		complete = m.onComplete
	}
	order := *ord
	onFill := m.onFill
	m.mu.Unlock()

	if fill != nil {
		m.logger.Info("order fill",
			zap.String("order_id", order.ID),
			zap.String("size", fill.SizeUSD.String()),
			zap.Float64("price", fill.Price),
			zap.String("quantity", fill.Quantity.String()))
		if onFill != nil {
			onFill(order, *fill)
		}
	}
	if complete != nil {
		complete(order)
	}
}

// tranchePrice backs the price of this fill tranche out of the venue's
// running size-weighted average. Falls back to the limit price when the
// venue reports no average or the arithmetic degenerates.
func (m *Monitor) tranchePrice(tracked *trackedOrder, update OrderUpdate, delta decimal.Decimal) float64 {
	if update.AvgPrice <= 0 {
		return tracked.order.Price
	}
	filledNew, _ := update.FilledSize.Float64()
	deltaF, _ := delta.Float64()
	price := (update.AvgPrice*filledNew - tracked.priceWeight) / deltaF
	if price <= 0 || price > 1 {
		return tracked.order.Price
	}
	return price
}

// deriveStatus reconciles the venue-reported status with observed
// fills: a venue that lags its own fill reporting still yields PARTIAL
// or FILLED.
func (m *Monitor) deriveStatus(ord *types.Order, reported types.OrderStatus) types.OrderStatus {
	if _, known := statusRank[reported]; !known {
		reported = ord.Status
	}
	if reported.IsTerminal() {
		return reported
	}
	if ord.FilledSize.GreaterThanOrEqual(ord.SizeUSD) && ord.SizeUSD.IsPositive() {
		return types.OrderStatusFilled
	}
	if ord.FilledSize.IsPositive() && statusRank[reported] < statusRank[types.OrderStatusPartial] {
		return types.OrderStatusPartial
	}
	return reported
}

// expireOverdue cancels orders past their expiry or older than the
// configured order timeout.
func (m *Monitor) expireOverdue(ctx context.Context) {
	now := m.clock.Now().UTC()

	var overdue []string
	m.mu.RLock()
	for id, tracked := range m.orders {
		if tracked.order.Status.IsTerminal() {
			continue
		}
		expired := tracked.order.ExpiresAt != nil && now.After(*tracked.order.ExpiresAt)
		timedOut := now.Sub(tracked.order.CreatedAt) > m.cfg.OrderTimeout
		if expired || timedOut {
			overdue = append(overdue, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range overdue {
		reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
		if _, err := m.venue.Cancel(reqCtx, id); err != nil {
			m.logger.Warn("cancel of expired order failed",
				zap.String("order_id", id),
				zap.Error(err))
		}
		cancel()

		order, expired, complete := m.transition(id, types.OrderStatusExpired)
		if !expired {
			continue
		}
		m.logger.Warn("order expired",
			zap.String("order_id", id),
			zap.Duration("age", now.Sub(order.CreatedAt)))

		m.mu.RLock()
		timeout := m.onTimeout
		m.mu.RUnlock()
		if timeout != nil {
			timeout(order)
		}
		if complete != nil {
			complete(order)
		}
	}
}

// transition moves an order into a terminal state and claims the
// completion callback, so it can fire exactly once outside the lock.
func (m *Monitor) transition(orderID string, status types.OrderStatus) (types.Order, bool, CompleteFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracked, ok := m.orders[orderID]
	if !ok || tracked.order.Status.IsTerminal() || tracked.completed {
		return types.Order{}, false, nil
	}
	tracked.order.Status = status
	tracked.completed = true
	return tracked.order, true, m.onComplete
}
