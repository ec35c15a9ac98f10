package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stormline/weather-trader/internal/api"
	"github.com/stormline/weather-trader/internal/clock"
	"github.com/stormline/weather-trader/internal/data"
	"github.com/stormline/weather-trader/internal/events"
	"github.com/stormline/weather-trader/internal/portfolio"
	"github.com/stormline/weather-trader/internal/scheduler"
	"github.com/stormline/weather-trader/pkg/types"
)

var apiBase = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

// stubEngine cans engine responses and records control calls.
type stubEngine struct {
	mu        sync.Mutex
	state     types.EngineState
	positions map[string]types.Position
	orders    []types.Order
	tasks     []scheduler.TaskInfo
	risk      types.RiskState

	pauseErr  error
	closeErr  error
	placeErr  error
	cancelOK  bool
	clearOK   bool
	taskErr   error
	lastForce bool
	lastSide  types.TradeSide
	lastSize  decimal.Decimal
	calls     []string
}

func newStubEngine() *stubEngine {
	return &stubEngine{
		state: types.EngineActive,
		positions: map[string]types.Position{
			"pos-1": {
				ID:       "pos-1",
				MarketID: "mkt-1",
				TokenID:  "tok-yes",
				Side:     types.TradeSideYes,
				SizeUSD:  decimal.NewFromInt(8),
				Quantity: decimal.NewFromInt(20),
				Status:   types.PositionStatusOpen,
			},
		},
		orders: []types.Order{{
			ID:       "ord-1",
			MarketID: "mkt-1",
			Status:   types.OrderStatusOpen,
		}},
		tasks: []scheduler.TaskInfo{{
			Name:     "risk_check",
			Interval: 10 * time.Second,
			Enabled:  true,
		}},
		risk:     types.RiskState{DailyPnL: decimal.NewFromInt(-3)},
		cancelOK: true,
		clearOK:  true,
	}
}

func (s *stubEngine) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *stubEngine) called(call string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (s *stubEngine) Start(context.Context) error { s.record("start"); return nil }
func (s *stubEngine) Stop(context.Context) error  { s.record("stop"); return nil }
func (s *stubEngine) Pause() error                { s.record("pause"); return s.pauseErr }
func (s *stubEngine) Resume() error               { s.record("resume"); return nil }

func (s *stubEngine) State() types.EngineState { return s.state }

func (s *stubEngine) Status() types.EngineStatus {
	return types.EngineStatus{
		State:          s.state,
		TradingAllowed: true,
		OpenPositions:  len(s.positions),
		Bankroll:       decimal.NewFromInt(100),
	}
}

func (s *stubEngine) Tasks() []scheduler.TaskInfo { return s.tasks }

func (s *stubEngine) EnableTask(name string) error {
	s.record("enable:" + name)
	return s.taskErr
}

func (s *stubEngine) DisableTask(name string) error {
	s.record("disable:" + name)
	return s.taskErr
}

func (s *stubEngine) Positions() []types.Position {
	out := make([]types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out
}

func (s *stubEngine) Position(id string) (types.Position, bool) {
	p, ok := s.positions[id]
	return p, ok
}

func (s *stubEngine) ClosePosition(_ context.Context, id string) (types.Position, error) {
	s.record("close:" + id)
	if s.closeErr != nil {
		return types.Position{}, s.closeErr
	}
	p, ok := s.positions[id]
	if !ok {
		return types.Position{}, portfolio.ErrPositionNotFound
	}
	p.Status = types.PositionStatusClosed
	return p, nil
}

func (s *stubEngine) Orders() []types.Order { return s.orders }

func (s *stubEngine) Order(id string) (types.Order, bool) {
	for _, o := range s.orders {
		if o.ID == id {
			return o, true
		}
	}
	return types.Order{}, false
}

func (s *stubEngine) CancelOrder(_ context.Context, id string) bool {
	s.record("cancel:" + id)
	return s.cancelOK
}

func (s *stubEngine) Markets() []types.MarketSpec        { return nil }
func (s *stubEngine) Opportunities() []types.Opportunity { return nil }

func (s *stubEngine) RiskSnapshot() types.RiskState { return s.risk }

func (s *stubEngine) HaltTrading(reason string) { s.record("halt:" + reason) }

func (s *stubEngine) ClearHalt(force bool) bool {
	s.mu.Lock()
	s.lastForce = force
	s.mu.Unlock()
	s.record("clear_halt")
	return s.clearOK
}

func (s *stubEngine) ResetDailyPnL() { s.record("reset_daily") }

func (s *stubEngine) PlaceManualTrade(_ context.Context, marketID string, side types.TradeSide, size decimal.Decimal, price float64) (types.Order, error) {
	s.mu.Lock()
	s.lastSide = side
	s.lastSize = size
	s.mu.Unlock()
	s.record("trade:" + marketID)
	if s.placeErr != nil {
		return types.Order{}, s.placeErr
	}
	return types.Order{
		ID:          "ord-new",
		MarketID:    marketID,
		OutcomeSide: side,
		SizeUSD:     size,
		Price:       price,
		Status:      types.OrderStatusPending,
		IsManual:    true,
	}, nil
}

type apiFixture struct {
	ts    *httptest.Server
	eng   *stubEngine
	bus   *events.Broadcaster
	store *data.Store
	cfg   *types.Config
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	logger := zap.NewNop()
	clk := clock.NewFake(apiBase)
	cfg := types.DefaultConfig()
	cfg.Venue.APIKey = "super-secret-key"

	store, err := data.NewStore(logger, filepath.Join(t.TempDir(), "api.db"), 7)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBroadcaster(events.DefaultBroadcasterConfig(), clk, logger)
	eng := newStubEngine()

	srv := api.New(api.Deps{
		Logger: logger,
		Clock:  clk,
		Config: &cfg,
		Engine: eng,
		Events: bus,
		Store:  store,
	})
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &apiFixture{ts: ts, eng: eng, bus: bus, store: store, cfg: &cfg}
}

func (f *apiFixture) get(t *testing.T, path string, out interface{}) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s = %d: %s", path, resp.StatusCode, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
}

func (f *apiFixture) send(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStatusAndHealth(t *testing.T) {
	f := newAPIFixture(t)

	var health map[string]interface{}
	f.get(t, "/healthz", &health)
	if health["status"] != "ok" {
		t.Errorf("healthz status = %v", health["status"])
	}

	var status types.EngineStatus
	f.get(t, "/api/v1/status", &status)
	if status.State != types.EngineActive {
		t.Errorf("status.State = %s, want active", status.State)
	}
	if status.OpenPositions != 1 {
		t.Errorf("status.OpenPositions = %d, want 1", status.OpenPositions)
	}
}

func TestPositionEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	var list struct {
		Positions []types.Position `json:"positions"`
		Count     int              `json:"count"`
	}
	f.get(t, "/api/v1/positions", &list)
	if list.Count != 1 || len(list.Positions) != 1 {
		t.Fatalf("positions = %+v", list)
	}

	var p types.Position
	f.get(t, "/api/v1/positions/pos-1", &p)
	if p.ID != "pos-1" {
		t.Errorf("position ID = %s", p.ID)
	}

	if resp := f.send(t, "GET", "/api/v1/positions/missing", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET missing position = %d, want 404", resp.StatusCode)
	}

	resp := f.send(t, "POST", "/api/v1/positions/pos-1/close", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close = %d, want 200", resp.StatusCode)
	}
	if !f.eng.called("close:pos-1") {
		t.Error("ClosePosition was not invoked")
	}

	if resp := f.send(t, "POST", "/api/v1/positions/missing/close", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("close missing = %d, want 404", resp.StatusCode)
	}

	f.eng.closeErr = errors.New("no usable exit price")
	if resp := f.send(t, "POST", "/api/v1/positions/pos-1/close", nil); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("close with engine error = %d, want 422", resp.StatusCode)
	}
}

func TestPositionHistoryFromStore(t *testing.T) {
	f := newAPIFixture(t)

	closed := apiBase.Add(-2 * time.Hour)
	hist := &types.Position{
		ID:              "pos-hist",
		MarketID:        "mkt-chi-low-40",
		TokenID:         "tok-no",
		Side:            types.TradeSideNo,
		EntryPrice:      0.55,
		Quantity:        decimal.NewFromFloat(9.09),
		SizeUSD:         decimal.NewFromInt(5),
		RealizedPnL:     decimal.NewFromFloat(4.09),
		Status:          types.PositionStatusClosed,
		ResolutionTime:  apiBase.Add(-time.Hour),
		Location:        "CHI_MIDWAY",
		Cluster:         "us_midwest",
		OpenedAt:        apiBase.Add(-26 * time.Hour),
		ClosedAt:        &closed,
		ResolvedOutcome: types.TradeSideNo,
	}
	if err := f.store.SavePosition(context.Background(), hist); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}

	// Gone from the live snapshot, still addressable through the store.
	var p types.Position
	f.get(t, "/api/v1/positions/pos-hist", &p)
	if p.ID != "pos-hist" || p.Status != types.PositionStatusClosed {
		t.Errorf("stored position = %+v", p)
	}

	var list struct {
		Positions []types.Position `json:"positions"`
		Count     int              `json:"count"`
	}
	f.get(t, "/api/v1/positions?status=closed", &list)
	if list.Count != 1 || len(list.Positions) != 1 || list.Positions[0].ID != "pos-hist" {
		t.Fatalf("closed positions = %+v", list)
	}

	f.get(t, "/api/v1/positions", &list)
	if list.Count != 1 || list.Positions[0].ID != "pos-1" {
		t.Fatalf("live positions = %+v", list)
	}
}

func TestActivityFallsBackToStore(t *testing.T) {
	f := newAPIFixture(t)

	err := f.store.AppendActivity(context.Background(), apiBase.Add(-time.Minute),
		"trade_executed", "trades", map[string]string{"trade_id": "t1"})
	if err != nil {
		t.Fatalf("AppendActivity: %v", err)
	}

	// Nothing broadcast yet, so the empty ring defers to the persisted log.
	var out struct {
		Activity []data.ActivityEntry `json:"activity"`
		Count    int                  `json:"count"`
	}
	f.get(t, "/api/v1/activity", &out)
	if out.Count != 1 || len(out.Activity) != 1 {
		t.Fatalf("activity = %+v", out)
	}
	if out.Activity[0].EventType != "trade_executed" {
		t.Errorf("event type = %s", out.Activity[0].EventType)
	}
}

func TestManualTradeEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.send(t, "POST", "/api/v1/trade", map[string]interface{}{
		"market_id": "mkt-1",
		"side":      "yes",
		"size":      5,
		"price":     0.4,
	})
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("trade = %d: %s", resp.StatusCode, body)
	}
	var order types.Order
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if !order.IsManual || order.MarketID != "mkt-1" {
		t.Errorf("order = %+v", order)
	}
	if f.eng.lastSide != types.TradeSideYes {
		t.Errorf("side = %s, want YES (lowercase input upcased)", f.eng.lastSide)
	}
	if !f.eng.lastSize.Equal(decimal.NewFromInt(5)) {
		t.Errorf("size = %s, want 5", f.eng.lastSize)
	}

	if resp := f.send(t, "POST", "/api/v1/trade", map[string]interface{}{"size": 5, "side": "yes"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("trade without market_id = %d, want 400", resp.StatusCode)
	}
	if resp := f.send(t, "POST", "/api/v1/trade", map[string]interface{}{"market_id": "m", "side": "yes", "size": 1, "bogus": true}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("trade with unknown field = %d, want 400", resp.StatusCode)
	}

	f.eng.placeErr = errors.New("trade rejected: size above limit")
	if resp := f.send(t, "POST", "/api/v1/trade", map[string]interface{}{"market_id": "mkt-1", "side": "yes", "size": 50}); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("rejected trade = %d, want 422", resp.StatusCode)
	}
}

func TestOrderEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	var list struct {
		Orders []types.Order `json:"orders"`
		Count  int           `json:"count"`
	}
	f.get(t, "/api/v1/orders", &list)
	if list.Count != 1 {
		t.Fatalf("orders = %+v", list)
	}

	var single types.Order
	f.get(t, "/api/v1/orders/ord-1", &single)
	if single.ID != "ord-1" {
		t.Errorf("order ID = %q, want ord-1", single.ID)
	}

	if resp := f.send(t, "GET", "/api/v1/orders/missing", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown order = %d, want 404", resp.StatusCode)
	}

	if resp := f.send(t, "POST", "/api/v1/orders/ord-1/cancel", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("cancel = %d, want 200", resp.StatusCode)
	}
	if !f.eng.called("cancel:ord-1") {
		t.Error("CancelOrder was not invoked")
	}

	f.eng.cancelOK = false
	if resp := f.send(t, "POST", "/api/v1/orders/ord-1/cancel", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("cancel refused = %d, want 409", resp.StatusCode)
	}
}

func TestRiskEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	var risk types.RiskState
	f.get(t, "/api/v1/risk", &risk)
	if !risk.DailyPnL.Equal(decimal.NewFromInt(-3)) {
		t.Errorf("DailyPnL = %s, want -3", risk.DailyPnL)
	}

	resp := f.send(t, "POST", "/api/v1/risk/clear-halt", map[string]bool{"force": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear-halt = %d, want 200", resp.StatusCode)
	}
	if !f.eng.lastForce {
		t.Error("force flag was not forwarded")
	}

	f.eng.clearOK = false
	if resp := f.send(t, "POST", "/api/v1/risk/clear-halt", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("refused clear-halt = %d, want 409", resp.StatusCode)
	}

	if resp := f.send(t, "POST", "/api/v1/risk/reset-daily", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("reset-daily = %d, want 200", resp.StatusCode)
	}
	if !f.eng.called("reset_daily") {
		t.Error("ResetDailyPnL was not invoked")
	}

	if resp := f.send(t, "POST", "/api/v1/risk/halt", map[string]string{"reason": "venue maintenance"}); resp.StatusCode != http.StatusOK {
		t.Errorf("halt = %d, want 200", resp.StatusCode)
	}
	if !f.eng.called("halt:venue maintenance") {
		t.Error("halt reason was not forwarded")
	}

	if resp := f.send(t, "POST", "/api/v1/risk/halt", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("halt without body = %d, want 200", resp.StatusCode)
	}
	if !f.eng.called("halt:manual halt via api") {
		t.Error("default halt reason was not applied")
	}
}

func TestTradesEndpointPagination(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result := "win"
		if i == 2 {
			result = "loss"
		}
		variable := types.VariableTempMax
		if i == 2 {
			variable = types.VariablePrecip
		}
		err := f.store.SaveTrade(ctx, &types.TradeRecord{
			ID:         fmt.Sprintf("tr-%d", i),
			PositionID: fmt.Sprintf("pos-%d", i),
			MarketID:   "mkt-1",
			Side:       types.TradeSideYes,
			SizeUSD:    decimal.NewFromInt(5),
			PnL:        decimal.NewFromInt(2),
			Result:     result,
			Variable:   variable,
			OpenedAt:   apiBase.Add(-time.Hour - time.Duration(i)*48*time.Hour),
			ClosedAt:   apiBase.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("SaveTrade: %v", err)
		}
	}

	var page struct {
		Trades []types.TradeRecord `json:"trades"`
		Count  int                 `json:"count"`
		Total  int                 `json:"total"`
	}
	f.get(t, "/api/v1/trades?limit=2", &page)
	if page.Count != 2 || page.Total != 3 {
		t.Fatalf("page = count %d total %d, want 2/3", page.Count, page.Total)
	}

	var wins struct {
		Trades []types.TradeRecord `json:"trades"`
		Total  int                 `json:"total"`
	}
	f.get(t, "/api/v1/trades?result=win", &wins)
	if wins.Total != 2 {
		t.Errorf("win total = %d, want 2", wins.Total)
	}

	// Entry-time window: tr-0 (1h ago) and tr-1 (49h ago) fall inside.
	var windowed struct {
		Trades []types.TradeRecord `json:"trades"`
		Total  int                 `json:"total"`
	}
	start := apiBase.Add(-50 * time.Hour).Format(time.RFC3339)
	f.get(t, "/api/v1/trades?start="+start, &windowed)
	if windowed.Total != 2 {
		t.Errorf("windowed total = %d, want 2", windowed.Total)
	}

	var precip struct {
		Trades []types.TradeRecord `json:"trades"`
		Total  int                 `json:"total"`
	}
	f.get(t, "/api/v1/trades?variable=precip", &precip)
	if precip.Total != 1 || len(precip.Trades) != 1 || precip.Trades[0].ID != "tr-2" {
		t.Errorf("precip trades = %+v (total %d), want just tr-2", precip.Trades, precip.Total)
	}

	resp := f.send(t, "GET", "/api/v1/trades?start=yesterday", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed start = %d, want 400", resp.StatusCode)
	}

	var summary data.TradeSummary
	f.get(t, "/api/v1/trades/summary", &summary)
	if summary.Total != 3 || summary.Wins != 2 || summary.Losses != 1 {
		t.Errorf("summary = %+v", summary)
	}

	// Only tr-0 was entered inside the last 24 hours.
	var day data.TradeSummary
	f.get(t, "/api/v1/trades/summary?period=day", &day)
	if day.Total != 1 || day.Wins != 1 || day.Losses != 0 {
		t.Errorf("day summary = %+v, want 1 win", day)
	}

	resp = f.send(t, "GET", "/api/v1/trades/summary?period=fortnight", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad period = %d, want 400", resp.StatusCode)
	}
}

func TestConfigEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.send(t, "GET", "/api/v1/config", nil)
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("config = %d: %s", resp.StatusCode, raw)
	}
	if strings.Contains(string(raw), "super-secret-key") {
		t.Fatal("venue api key leaked through /config")
	}

	var view struct {
		Config types.Config            `json:"config"`
		Alerts events.AlertPreferences `json:"alerts"`
	}
	if err := json.Unmarshal(raw, &view); err != nil {
		t.Fatalf("decode config view: %v", err)
	}
	if view.Config.Server.Port != f.cfg.Server.Port {
		t.Errorf("config port = %d", view.Config.Server.Port)
	}
	if view.Alerts.MinEdgeForAlert != 0.10 {
		t.Errorf("default min edge = %v", view.Alerts.MinEdgeForAlert)
	}

	update := map[string]interface{}{
		"alerts": map[string]interface{}{
			"min_edge_for_alert": 0.2,
			"edge_alerts":        false,
		},
	}
	putResp := f.send(t, "PUT", "/api/v1/config", update)
	if putResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(putResp.Body)
		t.Fatalf("config update = %d: %s", putResp.StatusCode, body)
	}
	if err := json.NewDecoder(putResp.Body).Decode(&view); err != nil {
		t.Fatalf("decode updated view: %v", err)
	}
	if view.Alerts.MinEdgeForAlert != 0.2 || view.Alerts.EdgeAlerts {
		t.Errorf("updated alerts = %+v", view.Alerts)
	}

	if resp := f.send(t, "PUT", "/api/v1/config", map[string]interface{}{"strategy": map[string]float64{"min_edge": 0.2}}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("update with non-runtime key = %d, want 400", resp.StatusCode)
	}

	// The accepted update survives in the settings table.
	var stored events.AlertPreferences
	found, err := f.store.GetSetting(context.Background(), data.SettingAlertPrefs, &stored)
	if err != nil || !found {
		t.Fatalf("GetSetting = %v, found %v", err, found)
	}
	if stored.MinEdgeForAlert != 0.2 {
		t.Errorf("persisted min edge = %v, want 0.2", stored.MinEdgeForAlert)
	}
}

func TestTaskToggleEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	if resp := f.send(t, "POST", "/api/v1/tasks/risk_check/disable", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("disable = %d, want 200", resp.StatusCode)
	}
	if !f.eng.called("disable:risk_check") {
		t.Error("DisableTask was not invoked")
	}

	f.eng.taskErr = errors.New("scheduler: unknown task nope")
	if resp := f.send(t, "POST", "/api/v1/tasks/nope/enable", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("enable unknown = %d, want 404", resp.StatusCode)
	}
}

func TestEngineControlEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	for _, action := range []string{"start", "pause", "resume", "stop"} {
		resp := f.send(t, "POST", "/api/v1/engine/"+action, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("engine %s = %d, want 200", action, resp.StatusCode)
		}
		if !f.eng.called(action) {
			t.Errorf("engine %s was not invoked", action)
		}
	}

	f.eng.pauseErr = errors.New("cannot pause engine in state stopped")
	if resp := f.send(t, "POST", "/api/v1/engine/pause", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("pause while stopped = %d, want 409", resp.StatusCode)
	}
}

func TestWebSocketStream(t *testing.T) {
	f := newAPIFixture(t)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() map[string]interface{} {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}

	if hello := read(); hello["type"] != "connected" {
		t.Fatalf("first frame = %v, want connected", hello["type"])
	}

	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "channel": events.ChannelSystem}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if ack := read(); ack["type"] != "subscribed" || ack["channel"] != events.ChannelSystem {
		t.Fatalf("ack = %v", ack)
	}

	// An alerts event must not reach a system-only subscriber; the halt
	// published after it is the next frame.
	f.bus.PublishRiskAlert(events.RiskAlertPayload{AlertType: "daily_loss_approach", CurrentValue: 9, LimitValue: 10})
	f.bus.PublishHalt(events.HaltPayload{Reason: "daily loss -11 breached limit -10", CanAutoRecover: true})

	ev := read()
	if ev["type"] != events.TypeHaltTriggered {
		t.Fatalf("event type = %v, want %s", ev["type"], events.TypeHaltTriggered)
	}
	if ev["channel"] != events.ChannelSystem {
		t.Errorf("event channel = %v", ev["channel"])
	}
	payload, ok := ev["data"].(map[string]interface{})
	if !ok || payload["reason"] != "daily loss -11 breached limit -10" {
		t.Errorf("event data = %v", ev["data"])
	}

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if pong := read(); pong["type"] != "pong" {
		t.Fatalf("pong = %v", pong)
	}
}

func TestAlertHistoryEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	f.bus.PublishRiskAlert(events.RiskAlertPayload{AlertType: "daily_loss_approach", CurrentValue: 9, LimitValue: 10})

	var alerts struct {
		Alerts []events.Event `json:"alerts"`
		Count  int            `json:"count"`
	}
	f.get(t, "/api/v1/alerts", &alerts)
	if alerts.Count != 1 || alerts.Alerts[0].Type != events.TypeRiskAlert {
		t.Fatalf("alerts = %+v", alerts)
	}

	var activity struct {
		Count int `json:"count"`
	}
	f.get(t, "/api/v1/activity", &activity)
	if activity.Count < 1 {
		t.Errorf("activity count = %d, want >= 1", activity.Count)
	}
}
