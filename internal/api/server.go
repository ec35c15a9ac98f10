// Package api serves the agent's HTTP control surface and the WebSocket
// event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stormline/weather-trader/internal/clock"
	"github.com/stormline/weather-trader/internal/data"
	"github.com/stormline/weather-trader/internal/events"
	"github.com/stormline/weather-trader/internal/metrics"
	"github.com/stormline/weather-trader/internal/portfolio"
	"github.com/stormline/weather-trader/internal/scheduler"
	"github.com/stormline/weather-trader/pkg/types"
)

// Engine is the slice of the trading engine the handlers drive.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause() error
	Resume() error
	State() types.EngineState
	Status() types.EngineStatus
	Tasks() []scheduler.TaskInfo
	EnableTask(name string) error
	DisableTask(name string) error
	Positions() []types.Position
	Position(id string) (types.Position, bool)
	ClosePosition(ctx context.Context, id string) (types.Position, error)
	Orders() []types.Order
	Order(id string) (types.Order, bool)
	CancelOrder(ctx context.Context, orderID string) bool
	Markets() []types.MarketSpec
	Opportunities() []types.Opportunity
	RiskSnapshot() types.RiskState
	HaltTrading(reason string)
	ClearHalt(force bool) bool
	ResetDailyPnL()
	PlaceManualTrade(ctx context.Context, marketID string, side types.TradeSide, size decimal.Decimal, price float64) (types.Order, error)
}

// Deps collects the server's collaborators. Store and Metrics may be nil.
type Deps struct {
	Logger  *zap.Logger
	Clock   clock.Clock
	Config  *types.Config
	Engine  Engine
	Events  *events.Broadcaster
	Store   *data.Store
	Metrics *metrics.Metrics

	// RunCtx bounds engine restarts issued through the API. Background
	// when nil.
	RunCtx context.Context
}

// Server is the HTTP and WebSocket front end.
type Server struct {
	logger  *zap.Logger
	clk     clock.Clock
	cfg     *types.Config
	engine  Engine
	events  *events.Broadcaster
	store   *data.Store
	metrics *metrics.Metrics
	runCtx  context.Context

	router     *mux.Router
	hub        *hub
	httpServer *http.Server
}

// New builds the server and its route table. The WebSocket hub starts
// bridging events immediately; Stop tears it down.
func New(d Deps) *Server {
	if d.RunCtx == nil {
		d.RunCtx = context.Background()
	}
	s := &Server{
		logger:  d.Logger.Named("api"),
		clk:     d.Clock,
		cfg:     d.Config,
		engine:  d.Engine,
		events:  d.Events,
		store:   d.Store,
		metrics: d.Metrics,
		runCtx:  d.RunCtx,
		router:  mux.NewRouter(),
	}
	s.hub = newHub(s.logger, d.Events, d.Config.Server.MaxConnections)
	s.routes()
	s.hub.start()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.metrics != nil && s.cfg.Server.EnableMetrics {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
	s.router.HandleFunc(s.cfg.Server.WebSocketPath, s.hub.handleWS)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/status", s.handleStatus).Methods("GET")
	v1.HandleFunc("/tasks", s.handleTasks).Methods("GET")
	v1.HandleFunc("/tasks/{name}/enable", s.handleTaskEnable).Methods("POST")
	v1.HandleFunc("/tasks/{name}/disable", s.handleTaskDisable).Methods("POST")

	v1.HandleFunc("/markets", s.handleMarkets).Methods("GET")
	v1.HandleFunc("/opportunities", s.handleOpportunities).Methods("GET")

	v1.HandleFunc("/positions", s.handlePositions).Methods("GET")
	v1.HandleFunc("/positions/{id}", s.handlePosition).Methods("GET")
	v1.HandleFunc("/positions/{id}/close", s.handleClosePosition).Methods("POST")

	v1.HandleFunc("/orders", s.handleOrders).Methods("GET")
	v1.HandleFunc("/orders/{id}", s.handleOrder).Methods("GET")
	v1.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")

	v1.HandleFunc("/trades", s.handleTrades).Methods("GET")
	v1.HandleFunc("/trades/summary", s.handleTradeSummary).Methods("GET")
	v1.HandleFunc("/trade", s.handleManualTrade).Methods("POST")

	v1.HandleFunc("/risk", s.handleRisk).Methods("GET")
	v1.HandleFunc("/risk/halt", s.handleHalt).Methods("POST")
	v1.HandleFunc("/risk/clear-halt", s.handleClearHalt).Methods("POST")
	v1.HandleFunc("/risk/reset-daily", s.handleResetDaily).Methods("POST")

	v1.HandleFunc("/config", s.handleConfigGet).Methods("GET")
	v1.HandleFunc("/config", s.handleConfigUpdate).Methods("PUT")

	v1.HandleFunc("/alerts", s.handleAlerts).Methods("GET")
	v1.HandleFunc("/activity", s.handleActivity).Methods("GET")

	v1.HandleFunc("/engine/start", s.handleEngineStart).Methods("POST")
	v1.HandleFunc("/engine/pause", s.handleEnginePause).Methods("POST")
	v1.HandleFunc("/engine/resume", s.handleEngineResume).Methods("POST")
	v1.HandleFunc("/engine/stop", s.handleEngineStop).Methods("POST")
}

// Handler returns the CORS-wrapped route table.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)
}

// Start serves until Stop is called. http.ErrServerClosed is not an error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.logger.Info("api server listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains WebSocket clients and shuts the HTTP listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"state":  s.engine.State(),
		"time":   s.clk.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]interface{}{"tasks": s.engine.Tasks()})
}

func (s *Server) handleTaskEnable(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.engine.EnableTask(name); err != nil {
		s.respondErr(w, http.StatusNotFound, err.Error())
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"task": name, "status": "enabled"})
}

func (s *Server) handleTaskDisable(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.engine.DisableTask(name); err != nil {
		s.respondErr(w, http.StatusNotFound, err.Error())
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"task": name, "status": "disabled"})
}

func (s *Server) handleMarkets(w http.ResponseWriter, _ *http.Request) {
	markets := s.engine.Markets()
	s.respond(w, http.StatusOK, map[string]interface{}{
		"markets": markets,
		"count":   len(markets),
	})
}

func (s *Server) handleOpportunities(w http.ResponseWriter, _ *http.Request) {
	opps := s.engine.Opportunities()
	s.respond(w, http.StatusOK, map[string]interface{}{
		"opportunities": opps,
		"count":         len(opps),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	// The live snapshot only holds open positions; history comes from
	// the store when a status filter is given.
	if status := r.URL.Query().Get("status"); status != "" {
		if s.store == nil {
			s.respondErr(w, http.StatusServiceUnavailable, "position history requires persistence")
			return
		}
		filter := data.PositionFilter{
			Status: status,
			Limit:  queryInt(r, "limit", 50),
			Offset: queryInt(r, "offset", 0),
		}
		positions, err := s.store.ListPositions(r.Context(), filter)
		if err != nil {
			s.respondErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respond(w, http.StatusOK, map[string]interface{}{
			"positions": positions,
			"count":     len(positions),
		})
		return
	}
	positions := s.engine.Positions()
	s.respond(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
		"count":     len(positions),
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if p, ok := s.engine.Position(id); ok {
		s.respond(w, http.StatusOK, p)
		return
	}
	// Closed positions drop out of the live snapshot but stay queryable.
	if s.store != nil {
		if p, err := s.store.GetPosition(r.Context(), id); err == nil && p != nil {
			s.respond(w, http.StatusOK, p)
			return
		}
	}
	s.respondErr(w, http.StatusNotFound, "position not found")
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := s.engine.ClosePosition(r.Context(), id)
	if err != nil {
		if errors.Is(err, portfolio.ErrPositionNotFound) {
			s.respondErr(w, http.StatusNotFound, err.Error())
			return
		}
		s.respondErr(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.respond(w, http.StatusOK, p)
}

func (s *Server) handleOrders(w http.ResponseWriter, _ *http.Request) {
	orders := s.engine.Orders()
	s.respond(w, http.StatusOK, map[string]interface{}{
		"orders": orders,
		"count":  len(orders),
	})
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	o, ok := s.engine.Order(id)
	if !ok {
		s.respondErr(w, http.StatusNotFound, "order not found")
		return
	}
	s.respond(w, http.StatusOK, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.engine.CancelOrder(r.Context(), id) {
		s.respondErr(w, http.StatusConflict, "order not cancellable")
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"order_id": id, "cancelled": true})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondErr(w, http.StatusServiceUnavailable, "trade history requires persistence")
		return
	}
	filter := data.TradeFilter{
		MarketID: r.URL.Query().Get("market"),
		Result:   r.URL.Query().Get("result"),
		Variable: r.URL.Query().Get("variable"),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	}
	if filter.Limit > 500 {
		filter.Limit = 500
	}
	var err error
	if filter.Start, err = queryTime(r, "start"); err != nil {
		s.respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.End, err = queryTime(r, "end"); err != nil {
		s.respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	trades, total, err := s.store.ListTrades(r.Context(), filter)
	if err != nil {
		s.respondErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"trades": trades,
		"count":  len(trades),
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (s *Server) handleTradeSummary(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondErr(w, http.StatusServiceUnavailable, "trade history requires persistence")
		return
	}
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "all"
	}
	var since time.Time
	now := s.clk.Now().UTC()
	switch period {
	case "day":
		since = now.Add(-24 * time.Hour)
	case "week":
		since = now.AddDate(0, 0, -7)
	case "month":
		since = now.AddDate(0, 0, -30)
	case "all":
	default:
		s.respondErr(w, http.StatusBadRequest, "period must be day, week, month or all")
		return
	}
	summary, err := s.store.Summary(r.Context(), since)
	if err != nil {
		s.respondErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"period":    period,
		"total":     summary.Total,
		"wins":      summary.Wins,
		"losses":    summary.Losses,
		"total_pnl": summary.TotalPnL,
	})
}

type tradeRequest struct {
	MarketID string  `json:"market_id"`
	Side     string  `json:"side"`
	Size     float64 `json:"size"`
	Price    float64 `json:"price,omitempty"`
}

func (s *Server) handleManualTrade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := decodeStrict(r, &req); err != nil {
		s.respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MarketID == "" || req.Size <= 0 {
		s.respondErr(w, http.StatusBadRequest, "market_id and a positive size are required")
		return
	}
	side := types.TradeSide(strings.ToUpper(req.Side))
	order, err := s.engine.PlaceManualTrade(r.Context(), req.MarketID, side, decimal.NewFromFloat(req.Size), req.Price)
	if err != nil {
		s.respondErr(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.respond(w, http.StatusCreated, order)
}

func (s *Server) handleRisk(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, s.engine.RiskSnapshot())
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := decodeStrict(r, &req); err != nil {
			s.respondErr(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual halt via api"
	}
	s.engine.HaltTrading(req.Reason)
	s.respond(w, http.StatusOK, map[string]interface{}{
		"halted": true,
		"risk":   s.engine.RiskSnapshot(),
	})
}

func (s *Server) handleClearHalt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Force bool `json:"force"`
	}
	if r.ContentLength > 0 {
		if err := decodeStrict(r, &req); err != nil {
			s.respondErr(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if !s.engine.ClearHalt(req.Force) {
		s.respondErr(w, http.StatusConflict, "halt requires force to clear")
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"cleared": true,
		"risk":    s.engine.RiskSnapshot(),
	})
}

func (s *Server) handleResetDaily(w http.ResponseWriter, _ *http.Request) {
	s.engine.ResetDailyPnL()
	s.respond(w, http.StatusOK, map[string]interface{}{
		"reset": true,
		"risk":  s.engine.RiskSnapshot(),
	})
}

// configView is the read model for /config: the static tree plus the live
// alert preferences. Secret fields carry json:"-" tags and never serialize.
type configView struct {
	Config types.Config            `json:"config"`
	Alerts events.AlertPreferences `json:"alerts"`
}

// configUpdate lists every setting that can change at runtime. Everything
// else in the tree is wired into constructors at startup and only changes
// with a restart.
type configUpdate struct {
	Alerts *events.PreferencesUpdate `json:"alerts"`
}

func (s *Server) handleConfigGet(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, configView{
		Config: *s.cfg,
		Alerts: s.events.Preferences(),
	})
}

func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var update configUpdate
	if err := decodeStrict(r, &update); err != nil {
		s.respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if update.Alerts != nil {
		prefs, err := s.events.UpdatePreferences(*update.Alerts)
		if err != nil {
			s.respondErr(w, http.StatusBadRequest, err.Error())
			return
		}
		if s.store != nil {
			if err := s.store.SetSetting(r.Context(), data.SettingAlertPrefs, prefs); err != nil {
				s.logger.Warn("persisting alert preferences failed", zap.Error(err))
			}
		}
		s.logger.Info("alert preferences updated",
			zap.Bool("edge", prefs.EdgeAlerts),
			zap.Bool("risk", prefs.RiskAlerts),
			zap.Float64("min_edge", prefs.MinEdgeForAlert))
	}
	s.respond(w, http.StatusOK, configView{
		Config: *s.cfg,
		Alerts: s.events.Preferences(),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.events.AlertHistory(queryInt(r, "limit", 50))
	s.respond(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	activity := s.events.ActivityHistory(limit)
	if len(activity) == 0 && s.store != nil {
		// Fresh process: the in-memory ring is empty, serve persisted
		// entries instead.
		entries, err := s.store.RecentActivity(r.Context(), limit)
		if err != nil {
			s.respondErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respond(w, http.StatusOK, map[string]interface{}{
			"activity": entries,
			"count":    len(entries),
		})
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"activity": activity,
		"count":    len(activity),
	})
}

func (s *Server) handleEngineStart(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.Start(s.runCtx); err != nil {
		s.respondErr(w, http.StatusConflict, err.Error())
		return
	}
	s.respondState(w)
}

func (s *Server) handleEnginePause(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.Pause(); err != nil {
		s.respondErr(w, http.StatusConflict, err.Error())
		return
	}
	s.respondState(w)
}

func (s *Server) handleEngineResume(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.Resume(); err != nil {
		s.respondErr(w, http.StatusConflict, err.Error())
		return
	}
	s.respondState(w)
}

func (s *Server) handleEngineStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.Stop(s.runCtx); err != nil {
		s.respondErr(w, http.StatusConflict, err.Error())
		return
	}
	s.respondState(w)
}

func (s *Server) respondState(w http.ResponseWriter) {
	s.respond(w, http.StatusOK, map[string]interface{}{"state": s.engine.State()})
}

func (s *Server) respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) respondErr(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, map[string]string{"error": msg})
}

// decodeStrict decodes a JSON body rejecting unknown fields.
func decodeStrict(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// queryTime parses an RFC3339 query parameter. Empty means unset.
func queryTime(r *http.Request, key string) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339: %v", key, err)
	}
	return t, nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
