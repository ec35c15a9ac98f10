package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stormline/weather-trader/pkg/types"
)

// RawMarket is the wire form of a market row from the discovery API.
// Array-valued fields arrive JSON-encoded inside strings and are
// unwrapped by the accessor methods.
type RawMarket struct {
	ID            string      `json:"id"`
	ConditionID   string      `json:"conditionId"`
	Question      string      `json:"question"`
	Description   string      `json:"description,omitempty"`
	Outcomes      string      `json:"outcomes"`
	OutcomePrices string      `json:"outcomePrices"`
	ClobTokenIDs  string      `json:"clobTokenIds"`
	EndDate       string      `json:"endDate"`
	Liquidity     json.Number `json:"liquidity"`
	Volume        json.Number `json:"volume"`
	Active        bool        `json:"active"`
	Closed        bool        `json:"closed"`
}

// OutcomeList returns the outcome labels, usually ["Yes", "No"] or
// temperature brackets.
func (m *RawMarket) OutcomeList() []string {
	return stringArray(m.Outcomes)
}

// TokenIDs returns the outcome token IDs in outcome order.
func (m *RawMarket) TokenIDs() []string {
	return stringArray(m.ClobTokenIDs)
}

// PriceList returns the outcome prices in outcome order.
func (m *RawMarket) PriceList() []float64 {
	raw := stringArray(m.OutcomePrices)
	out := make([]float64, 0, len(raw))
	for _, s := range raw {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		out = append(out, f)
	}
	return out
}

// LiquidityValue returns the liquidity as a float, 0 when absent.
func (m *RawMarket) LiquidityValue() float64 {
	f, err := m.Liquidity.Float64()
	if err != nil {
		return 0
	}
	return f
}

func stringArray(s string) []string {
	if s == "" || s == "null" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// MarketClient discovers markets from a Gamma-style REST API.
type MarketClient struct {
	logger     *zap.Logger
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	tag        string
	limit      int
}

// NewMarketClient builds a discovery client from config.
func NewMarketClient(logger *zap.Logger, cfg types.MarketsConfig) *MarketClient {
	return &MarketClient{
		logger:     logger.Named("markets"),
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		tag:        cfg.Tag,
		limit:      cfg.Limit,
	}
}

// ListActive fetches open markets filtered by the configured tag.
func (c *MarketClient) ListActive(ctx context.Context) ([]RawMarket, error) {
	q := url.Values{}
	q.Set("active", "true")
	q.Set("limit", strconv.Itoa(c.limit))
	if c.tag != "" {
		q.Set("tag", c.tag)
	}

	var out []RawMarket
	if err := doWithRetry(ctx, c.httpClient, c.limiter, http.MethodGet, c.baseURL+"/markets?"+q.Encode(), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("feeds.ListActive: %w", err)
	}

	c.logger.Debug("markets listed", zap.Int("count", len(out)))
	return out, nil
}

// Get fetches a single market by ID.
func (c *MarketClient) Get(ctx context.Context, id string) (*RawMarket, error) {
	var out RawMarket
	if err := doWithRetry(ctx, c.httpClient, c.limiter, http.MethodGet, c.baseURL+"/markets/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("feeds.Get: market %s: %w", id, err)
	}
	return &out, nil
}
