package execution

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/stormline/weather-trader/pkg/types"
)

// PlacedOrder is the venue's acknowledgement of a submitted order.
// Venues that fill immediately report the fill in the ack.
type PlacedOrder struct {
	OrderID     string
	Status      types.OrderStatus
	FilledSize  decimal.Decimal
	FilledPrice float64
}

// OrderUpdate is the venue's current view of an order. FilledSize is
// cumulative; AvgPrice is the size-weighted average over all fills so
// far, 0 when the venue does not report it.
type OrderUpdate struct {
	Status     types.OrderStatus
	FilledSize decimal.Decimal
	AvgPrice   float64
}

// VenueClient is the order venue used for placement, polling and price
// lookups. Implementations must honor the context deadline on every
// call.
type VenueClient interface {
	// Midpoint returns the current mid price for a token.
	Midpoint(ctx context.Context, tokenID string) (float64, error)
	// Place submits a limit order. size is in dollars.
	Place(ctx context.Context, tokenID string, side types.OrderSide, price float64, size decimal.Decimal) (PlacedOrder, error)
	// Cancel requests cancellation; it reports whether the venue
	// accepted the request.
	Cancel(ctx context.Context, orderID string) (bool, error)
	// GetOrder polls the venue's view of an order.
	GetOrder(ctx context.Context, orderID string) (OrderUpdate, error)
	// Balance returns the venue account's spendable collateral.
	Balance(ctx context.Context) (decimal.Decimal, error)
}
