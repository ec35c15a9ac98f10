package feeds_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stormline/weather-trader/internal/feeds"
	"github.com/stormline/weather-trader/pkg/types"
)

const marketListBody = `[
	{
		"id": "mkt-1",
		"conditionId": "0xabc",
		"question": "Highest temperature in NYC on August 26?",
		"outcomes": "[\"86°F or higher\",\"85°F or lower\"]",
		"outcomePrices": "[\"0.40\",\"0.60\"]",
		"clobTokenIds": "[\"tok-yes\",\"tok-no\"]",
		"endDate": "2026-08-27T00:00:00Z",
		"liquidity": "2500.5",
		"volume": 10000,
		"active": true,
		"closed": false
	},
	{
		"id": "mkt-2",
		"question": "Will it rain in London on August 26?",
		"outcomes": "[\"Yes\",\"No\"]",
		"outcomePrices": "[\"0.25\",\"0.75\"]",
		"clobTokenIds": "[\"tok-a\",\"tok-b\"]",
		"liquidity": 800,
		"active": true,
		"closed": false
	}
]`

func newMarketClient(t *testing.T, baseURL string) *feeds.MarketClient {
	t.Helper()
	cfg := types.MarketsConfig{
		BaseURL:           baseURL,
		Tag:               "weather",
		Limit:             50,
		RequestTimeout:    5 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             100,
	}
	return feeds.NewMarketClient(zap.NewNop(), cfg)
}

func TestMarketListActive(t *testing.T) {
	var gotPath string
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, marketListBody)
	}))
	defer srv.Close()

	c := newMarketClient(t, srv.URL)
	rows, err := c.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}

	if gotPath != "/markets" {
		t.Errorf("path = %q, want /markets", gotPath)
	}
	if got := gotQuery["active"]; len(got) != 1 || got[0] != "true" {
		t.Errorf("active = %v, want [true]", got)
	}
	if got := gotQuery["limit"]; len(got) != 1 || got[0] != "50" {
		t.Errorf("limit = %v, want [50]", got)
	}
	if got := gotQuery["tag"]; len(got) != 1 || got[0] != "weather" {
		t.Errorf("tag = %v, want [weather]", got)
	}

	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}

	m := rows[0]
	if m.ID != "mkt-1" || m.ConditionID != "0xabc" {
		t.Errorf("row 0 ids = %q/%q", m.ID, m.ConditionID)
	}

	outcomes := m.OutcomeList()
	if len(outcomes) != 2 || outcomes[0] != "86°F or higher" {
		t.Errorf("OutcomeList = %v", outcomes)
	}
	tokens := m.TokenIDs()
	if len(tokens) != 2 || tokens[0] != "tok-yes" || tokens[1] != "tok-no" {
		t.Errorf("TokenIDs = %v", tokens)
	}
	prices := m.PriceList()
	if len(prices) != 2 || prices[0] != 0.40 || prices[1] != 0.60 {
		t.Errorf("PriceList = %v", prices)
	}

	// Liquidity arrives as a quoted number on one row and a bare
	// number on the other; both must parse.
	if got := m.LiquidityValue(); got != 2500.5 {
		t.Errorf("row 0 liquidity = %v, want 2500.5", got)
	}
	if got := rows[1].LiquidityValue(); got != 800 {
		t.Errorf("row 1 liquidity = %v, want 800", got)
	}
}

func TestMarketListOmitsEmptyTag(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	cfg := types.MarketsConfig{
		BaseURL:           srv.URL,
		Limit:             10,
		RequestTimeout:    5 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             100,
	}
	c := feeds.NewMarketClient(zap.NewNop(), cfg)
	if _, err := c.ListActive(context.Background()); err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if _, ok := gotQuery["tag"]; ok {
		t.Error("tag parameter sent despite empty config")
	}
}

func TestMarketGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets/mkt-9" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"id":"mkt-9","question":"q","active":true}`)
	}))
	defer srv.Close()

	c := newMarketClient(t, srv.URL)
	m, err := c.Get(context.Background(), "mkt-9")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.ID != "mkt-9" {
		t.Errorf("ID = %q, want mkt-9", m.ID)
	}

	if _, err := c.Get(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown market")
	}
}

func TestRawMarketMalformedArrays(t *testing.T) {
	m := feeds.RawMarket{
		Outcomes:      "not json",
		ClobTokenIDs:  "",
		OutcomePrices: `["abc"]`,
	}
	if got := m.OutcomeList(); got != nil {
		t.Errorf("OutcomeList = %v, want nil", got)
	}
	if got := m.TokenIDs(); got != nil {
		t.Errorf("TokenIDs = %v, want nil", got)
	}
	if got := m.PriceList(); got != nil {
		t.Errorf("PriceList = %v, want nil", got)
	}
	if got := m.LiquidityValue(); got != 0 {
		t.Errorf("LiquidityValue = %v, want 0", got)
	}
}
