package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stormline/weather-trader/pkg/types"
)

// PaperVenue simulates a venue for paper trading. Orders rest for one
// poll and then fill completely at their limit price; balances move on
// fill. Prices come from SetPrice, normally driven by the price feed.
type PaperVenue struct {
	logger *zap.Logger

	mu      sync.Mutex
	balance decimal.Decimal
	prices  map[string]float64
	orders  map[string]*paperOrder
}

type paperOrder struct {
	tokenID string
	side    types.OrderSide
	price   float64
	size    decimal.Decimal
	filled  decimal.Decimal
	status  types.OrderStatus
	polls   int
}

// NewPaperVenue creates a simulated venue holding the given collateral.
func NewPaperVenue(logger *zap.Logger, balance decimal.Decimal) *PaperVenue {
	return &PaperVenue{
		logger:  logger.Named("paper_venue"),
		balance: balance,
		prices:  make(map[string]float64),
		orders:  make(map[string]*paperOrder),
	}
}

// SetPrice pins the simulated mid price for a token.
func (v *PaperVenue) SetPrice(tokenID string, price float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices[tokenID] = price
}

// Midpoint returns the simulated mid price.
func (v *PaperVenue) Midpoint(_ context.Context, tokenID string) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	price, ok := v.prices[tokenID]
	if !ok {
		return 0, fmt.Errorf("execution.PaperVenue: no price for token %s", tokenID)
	}
	return price, nil
}

// Place accepts a limit order that will fill on the next poll.
func (v *PaperVenue) Place(_ context.Context, tokenID string, side types.OrderSide, price float64, size decimal.Decimal) (PlacedOrder, error) {
	if price <= 0 || price >= 1 {
		return PlacedOrder{}, fmt.Errorf("execution.PaperVenue: price %v outside (0,1)", price)
	}
	if !size.IsPositive() {
		return PlacedOrder{}, fmt.Errorf("execution.PaperVenue: size %s not positive", size)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if size.GreaterThan(v.balance) {
		return PlacedOrder{}, fmt.Errorf("execution.PaperVenue: size %s exceeds balance %s", size, v.balance)
	}

	id := uuid.NewString()
	v.orders[id] = &paperOrder{
		tokenID: tokenID,
		side:    side,
		price:   price,
		size:    size,
		filled:  decimal.Zero,
		status:  types.OrderStatusOpen,
	}
	if _, ok := v.prices[tokenID]; !ok {
		v.prices[tokenID] = price
	}

	v.logger.Debug("paper order placed",
		zap.String("order_id", id),
		zap.String("token_id", tokenID),
		zap.String("side", string(side)),
		zap.Float64("price", price),
		zap.String("size", size.String()))

	return PlacedOrder{OrderID: id, Status: types.OrderStatusOpen, FilledSize: decimal.Zero}, nil
}

// Cancel cancels a resting order.
func (v *PaperVenue) Cancel(_ context.Context, orderID string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ord, ok := v.orders[orderID]
	if !ok || ord.status.IsTerminal() {
		return false, nil
	}
	ord.status = types.OrderStatusCancelled
	return true, nil
}

// GetOrder reports the order's state, filling it on the second poll.
func (v *PaperVenue) GetOrder(_ context.Context, orderID string) (OrderUpdate, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ord, ok := v.orders[orderID]
	if !ok {
		return OrderUpdate{}, fmt.Errorf("execution.PaperVenue: unknown order %s", orderID)
	}

	if !ord.status.IsTerminal() {
		ord.polls++
		if ord.polls > 1 {
			ord.filled = ord.size
			ord.status = types.OrderStatusFilled
			v.balance = v.balance.Sub(ord.size)
		}
	}

	update := OrderUpdate{Status: ord.status, FilledSize: ord.filled}
	if ord.filled.IsPositive() {
		update.AvgPrice = ord.price
	}
	return update, nil
}

// Balance returns the remaining simulated collateral.
func (v *PaperVenue) Balance(_ context.Context) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balance, nil
}

// Credit adds settled winnings back to the simulated balance.
func (v *PaperVenue) Credit(amount decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balance = v.balance.Add(amount)
}
