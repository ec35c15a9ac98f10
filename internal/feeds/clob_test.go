package feeds_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stormline/weather-trader/internal/feeds"
	"github.com/stormline/weather-trader/pkg/types"
)

func newCLOB(t *testing.T, baseURL, apiKey string) *feeds.CLOBClient {
	t.Helper()
	cfg := types.VenueConfig{
		BaseURL:           baseURL,
		APIKey:            apiKey,
		RequestTimeout:    5 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             100,
	}
	return feeds.NewCLOBClient(zap.NewNop(), cfg)
}

func TestCLOBMidpoint(t *testing.T) {
	var gotAuth, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/midpoint" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		gotToken = r.URL.Query().Get("token_id")
		fmt.Fprint(w, `{"mid": "0.63"}`)
	}))
	defer srv.Close()

	c := newCLOB(t, srv.URL, "test-key")
	mid, err := c.Midpoint(context.Background(), "tok-yes")
	if err != nil {
		t.Fatalf("Midpoint: %v", err)
	}
	if mid != 0.63 {
		t.Errorf("mid = %v, want 0.63", mid)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q, want Bearer test-key", gotAuth)
	}
	if gotToken != "tok-yes" {
		t.Errorf("token_id = %q, want tok-yes", gotToken)
	}
}

func TestCLOBMidpointNoAuthHeaderWithoutKey(t *testing.T) {
	var sawAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawAuth = r.Header["Authorization"]
		fmt.Fprint(w, `{"mid": 0.5}`)
	}))
	defer srv.Close()

	c := newCLOB(t, srv.URL, "")
	if _, err := c.Midpoint(context.Background(), "tok"); err != nil {
		t.Fatalf("Midpoint: %v", err)
	}
	if sawAuth {
		t.Error("Authorization header sent without an API key")
	}
}

func TestCLOBPlaceBuy(t *testing.T) {
	var gotBody struct {
		TokenID string      `json:"token_id"`
		Side    string      `json:"side"`
		Price   float64     `json:"price"`
		Size    json.Number `json:"size"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/order" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode order body: %v", err)
		}
		// 45 USDC given for 100 shares, both in micro units.
		fmt.Fprint(w, `{"success":true,"orderID":"ord-1","status":"matched","takingAmount":"100000000","makingAmount":"45000000"}`)
	}))
	defer srv.Close()

	c := newCLOB(t, srv.URL, "k")
	placed, err := c.Place(context.Background(), "tok-yes", types.OrderSideBuy, 0.45, decimal.NewFromInt(45))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	if gotBody.TokenID != "tok-yes" || gotBody.Side != "BUY" {
		t.Errorf("request = %+v", gotBody)
	}
	if gotBody.Price != 0.45 {
		t.Errorf("price = %v, want 0.45", gotBody.Price)
	}
	if gotBody.Size.String() != "45" {
		t.Errorf("size = %v, want 45", gotBody.Size)
	}

	if placed.OrderID != "ord-1" {
		t.Errorf("OrderID = %q", placed.OrderID)
	}
	if placed.Status != types.OrderStatusFilled {
		t.Errorf("Status = %q, want filled", placed.Status)
	}
	if !placed.FilledSize.Equal(decimal.NewFromInt(45)) {
		t.Errorf("FilledSize = %v, want 45", placed.FilledSize)
	}
	if placed.FilledPrice != 0.45 {
		t.Errorf("FilledPrice = %v, want 0.45", placed.FilledPrice)
	}
}

func TestCLOBPlaceSell(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 100 shares given for 40 USDC received.
		fmt.Fprint(w, `{"success":true,"orderID":"ord-2","status":"matched","takingAmount":"40000000","makingAmount":"100000000"}`)
	}))
	defer srv.Close()

	c := newCLOB(t, srv.URL, "k")
	placed, err := c.Place(context.Background(), "tok-yes", types.OrderSideSell, 0.40, decimal.NewFromInt(40))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if !placed.FilledSize.Equal(decimal.NewFromInt(40)) {
		t.Errorf("FilledSize = %v, want 40", placed.FilledSize)
	}
	if placed.FilledPrice != 0.4 {
		t.Errorf("FilledPrice = %v, want 0.4", placed.FilledPrice)
	}
}

func TestCLOBPlaceRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false,"errorMsg":"insufficient balance"}`)
	}))
	defer srv.Close()

	c := newCLOB(t, srv.URL, "k")
	_, err := c.Place(context.Background(), "tok-yes", types.OrderSideBuy, 0.45, decimal.NewFromInt(45))
	if err == nil {
		t.Fatal("expected rejection error")
	}
}

func TestCLOBCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		switch r.URL.Path {
		case "/order/ord-1":
			w.WriteHeader(http.StatusNoContent)
		case "/order/gone":
			http.NotFound(w, r)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	c := newCLOB(t, srv.URL, "k")

	ok, err := c.Cancel(context.Background(), "ord-1")
	if err != nil || !ok {
		t.Errorf("Cancel(ord-1) = %v, %v; want true, nil", ok, err)
	}

	// Unknown orders are already terminal: no error, not cancelled.
	ok, err = c.Cancel(context.Background(), "gone")
	if err != nil || ok {
		t.Errorf("Cancel(gone) = %v, %v; want false, nil", ok, err)
	}

	ok, err = c.Cancel(context.Background(), "forbidden")
	if err == nil || ok {
		t.Errorf("Cancel(forbidden) = %v, %v; want false, error", ok, err)
	}
}

func TestCLOBGetOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"ord-1","status":"LIVE","original_size":"50000000","size_matched":"20000000","price":"0.45"}`)
	}))
	defer srv.Close()

	c := newCLOB(t, srv.URL, "k")
	upd, err := c.GetOrder(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if upd.Status != types.OrderStatusOpen {
		t.Errorf("Status = %q, want open", upd.Status)
	}
	// 20 shares matched at 0.45 is 9 dollars filled.
	if !upd.FilledSize.Equal(decimal.NewFromInt(9)) {
		t.Errorf("FilledSize = %v, want 9", upd.FilledSize)
	}
	if upd.AvgPrice != 0.45 {
		t.Errorf("AvgPrice = %v, want 0.45", upd.AvgPrice)
	}
}

func TestCLOBStatusMapping(t *testing.T) {
	cases := []struct {
		venue string
		want  types.OrderStatus
	}{
		{"LIVE", types.OrderStatusOpen},
		{"open", types.OrderStatusOpen},
		{"matched", types.OrderStatusFilled},
		{"ORDER_MATCHED", types.OrderStatusFilled},
		{"CANCELLED", types.OrderStatusCancelled},
		{"canceled", types.OrderStatusCancelled},
		{"INVALID_ORDER", types.OrderStatusCancelled},
		{"DELAYED", types.OrderStatusPending},
	}

	for _, tc := range cases {
		t.Run(tc.venue, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintf(w, `{"id":"o","status":%q,"size_matched":"0","price":"0.5"}`, tc.venue)
			}))
			defer srv.Close()

			c := newCLOB(t, srv.URL, "k")
			upd, err := c.GetOrder(context.Background(), "o")
			if err != nil {
				t.Fatalf("GetOrder: %v", err)
			}
			if upd.Status != tc.want {
				t.Errorf("status %q mapped to %q, want %q", tc.venue, upd.Status, tc.want)
			}
		})
	}
}

func TestCLOBBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/balance" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"balance":"250000000"}`)
	}))
	defer srv.Close()

	c := newCLOB(t, srv.URL, "k")
	bal, err := c.Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !bal.Equal(decimal.NewFromInt(250)) {
		t.Errorf("Balance = %v, want 250", bal)
	}
}
