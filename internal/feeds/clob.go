package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stormline/weather-trader/internal/execution"
	"github.com/stormline/weather-trader/pkg/types"
)

// CLOBClient talks to the order venue's REST API. It implements
// execution.VenueClient.
type CLOBClient struct {
	logger     *zap.Logger
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	apiKey     string
}

// NewCLOBClient builds a venue client from config.
func NewCLOBClient(logger *zap.Logger, cfg types.VenueConfig) *CLOBClient {
	return &CLOBClient{
		logger:     logger.Named("clob"),
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
	}
}

type midpointResponse struct {
	Mid json.Number `json:"mid"`
}

type venueOrderRequest struct {
	TokenID string      `json:"token_id"`
	Side    string      `json:"side"`
	Price   float64     `json:"price"`
	Size    json.Number `json:"size"`
}

type venueOrderResponse struct {
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	Status       string `json:"status"`
	Success      bool   `json:"success"`
	TakingAmount string `json:"takingAmount"`
	MakingAmount string `json:"makingAmount"`
}

type venueOrderState struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
}

type venueBalanceResponse struct {
	Balance string `json:"balance"`
}

// Midpoint returns the current mid price for a token.
func (c *CLOBClient) Midpoint(ctx context.Context, tokenID string) (float64, error) {
	endpoint := c.baseURL + "/midpoint?token_id=" + url.QueryEscape(tokenID)

	var resp midpointResponse
	if err := doWithRetry(ctx, c.httpClient, c.limiter, http.MethodGet, endpoint, c.headers(), nil, &resp); err != nil {
		return 0, fmt.Errorf("feeds.Midpoint: token %s: %w", tokenID, err)
	}
	mid, err := resp.Mid.Float64()
	if err != nil {
		return 0, fmt.Errorf("feeds.Midpoint: bad mid %q: %w", resp.Mid.String(), err)
	}
	return mid, nil
}

// Place submits a limit order. size is in dollars. Immediate matches
// are reported in the ack's taking/making amounts.
func (c *CLOBClient) Place(ctx context.Context, tokenID string, side types.OrderSide, price float64, size decimal.Decimal) (execution.PlacedOrder, error) {
	body := venueOrderRequest{
		TokenID: tokenID,
		Side:    string(side),
		Price:   price,
		Size:    json.Number(size.String()),
	}

	var resp venueOrderResponse
	if err := doWithRetry(ctx, c.httpClient, c.limiter, http.MethodPost, c.baseURL+"/order", c.headers(), body, &resp); err != nil {
		return execution.PlacedOrder{}, fmt.Errorf("feeds.Place: token %s: %w", tokenID, err)
	}
	if !resp.Success || resp.ErrorMsg != "" {
		return execution.PlacedOrder{}, fmt.Errorf("feeds.Place: venue rejected order: %s", resp.ErrorMsg)
	}

	taken := microUSDC(resp.TakingAmount)
	made := microUSDC(resp.MakingAmount)

	placed := execution.PlacedOrder{
		OrderID: resp.OrderID,
		Status:  mapOrderStatus(resp.Status),
	}
	// For a buy the making amount is dollars given and the taking
	// amount shares received; a sell is the reverse.
	if side == types.OrderSideBuy {
		placed.FilledSize = made
		if taken.IsPositive() {
			placed.FilledPrice, _ = made.Div(taken).Float64()
		}
	} else {
		placed.FilledSize = taken
		if made.IsPositive() {
			placed.FilledPrice, _ = taken.Div(made).Float64()
		}
	}

	c.logger.Debug("order submitted",
		zap.String("order_id", placed.OrderID),
		zap.String("token_id", tokenID),
		zap.String("side", string(side)),
		zap.Float64("price", price),
		zap.String("size", size.String()),
		zap.String("status", string(placed.Status)))
	return placed, nil
}

// Cancel asks the venue to cancel an order. A 404 means the order is
// already gone, which is reported as not cancelled with no error.
func (c *CLOBClient) Cancel(ctx context.Context, orderID string) (bool, error) {
	endpoint := c.baseURL + "/order/" + url.PathEscape(orderID)

	err := doWithRetry(ctx, c.httpClient, c.limiter, http.MethodDelete, endpoint, c.headers(), nil, nil)
	if err == nil {
		return true, nil
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("feeds.Cancel: order %s: %w", orderID, err)
}

// GetOrder polls the venue's view of an order.
func (c *CLOBClient) GetOrder(ctx context.Context, orderID string) (execution.OrderUpdate, error) {
	endpoint := c.baseURL + "/order/" + url.PathEscape(orderID)

	var resp venueOrderState
	if err := doWithRetry(ctx, c.httpClient, c.limiter, http.MethodGet, endpoint, c.headers(), nil, &resp); err != nil {
		return execution.OrderUpdate{}, fmt.Errorf("feeds.GetOrder: order %s: %w", orderID, err)
	}

	price := parsePrice(resp.Price)
	shares := microUSDC(resp.SizeMatched)

	return execution.OrderUpdate{
		Status:     mapOrderStatus(resp.Status),
		FilledSize: shares.Mul(decimal.NewFromFloat(price)),
		AvgPrice:   price,
	}, nil
}

// Balance returns the account's spendable collateral in dollars.
func (c *CLOBClient) Balance(ctx context.Context) (decimal.Decimal, error) {
	var resp venueBalanceResponse
	if err := doWithRetry(ctx, c.httpClient, c.limiter, http.MethodGet, c.baseURL+"/balance", c.headers(), nil, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("feeds.Balance: %w", err)
	}
	return microUSDC(resp.Balance), nil
}

func (c *CLOBClient) headers() map[string]string {
	if c.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

// microUSDC converts a micro-unit amount string to dollars.
func microUSDC(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d.Shift(-6)
}

func parsePrice(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// mapOrderStatus normalizes the venue's status strings.
func mapOrderStatus(s string) types.OrderStatus {
	upper := strings.ToUpper(s)
	switch {
	case strings.Contains(upper, "MATCHED"):
		return types.OrderStatusFilled
	case strings.Contains(upper, "CANCEL"), strings.Contains(upper, "INVALID"):
		return types.OrderStatusCancelled
	case strings.Contains(upper, "LIVE"), strings.Contains(upper, "OPEN"):
		return types.OrderStatusOpen
	default:
		return types.OrderStatusPending
	}
}
