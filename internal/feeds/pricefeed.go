package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stormline/weather-trader/internal/clock"
	"github.com/stormline/weather-trader/pkg/types"
)

// FeedStatus is the price feed's connection state.
type FeedStatus string

const (
	FeedDisconnected FeedStatus = "disconnected"
	FeedConnected    FeedStatus = "connected"
	FeedReconnecting FeedStatus = "reconnecting"
	FeedFailed       FeedStatus = "failed"
)

// PriceFeed streams market prices for subscribed tokens and caches the
// latest update per token.
type PriceFeed interface {
	Connect(ctx context.Context) error
	Close() error
	Subscribe(tokenID, marketID string) error
	Unsubscribe(tokenID string) error
	OnPrice(fn func(types.PriceUpdate))
	Price(tokenID string) (types.PriceUpdate, bool)
	Prices() map[string]types.PriceUpdate
	Status() FeedStatus
}

type wsRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Market  string `json:"market,omitempty"`
}

type wsMessage struct {
	Type    string      `json:"type"`
	Market  string      `json:"market"`
	TokenID string      `json:"token_id"`
	Bid     json.Number `json:"bid"`
	Ask     json.Number `json:"ask"`
	Mid     json.Number `json:"mid"`
	Message string      `json:"message"`
}

// WSFeed is the production PriceFeed over a WebSocket connection.
// Lost connections reconnect with exponential backoff and resubscribe
// every tracked token.
type WSFeed struct {
	logger *zap.Logger
	clock  clock.Clock
	config types.FeedConfig

	mu         sync.RWMutex
	conn       *websocket.Conn
	status     FeedStatus
	reconnects int

	writeMu sync.Mutex

	subsMu sync.RWMutex
	subs   map[string]string // token ID -> market ID

	pricesMu sync.RWMutex
	prices   map[string]types.PriceUpdate

	cbMu        sync.RWMutex
	onPrice     func(types.PriceUpdate)
	onReconnect func()

	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewWSFeed builds a feed from config. Call Connect to start.
func NewWSFeed(logger *zap.Logger, clk clock.Clock, cfg types.FeedConfig) *WSFeed {
	return &WSFeed{
		logger: logger.Named("pricefeed"),
		clock:  clk,
		config: cfg,
		status: FeedDisconnected,
		subs:   make(map[string]string),
		prices: make(map[string]types.PriceUpdate),
		done:   make(chan struct{}),
	}
}

// OnPrice registers the price update callback. The callback runs on
// the feed's read goroutine and must not block.
func (f *WSFeed) OnPrice(fn func(types.PriceUpdate)) {
	f.cbMu.Lock()
	f.onPrice = fn
	f.cbMu.Unlock()
}

// OnReconnect registers a hook invoked after every successful
// reconnect, before resubscription.
func (f *WSFeed) OnReconnect(fn func()) {
	f.cbMu.Lock()
	f.onReconnect = fn
	f.cbMu.Unlock()
}

// Connect dials the feed and starts the read and heartbeat loops.
func (f *WSFeed) Connect(ctx context.Context) error {
	if f.closed.Load() {
		return fmt.Errorf("feeds.Connect: feed is closed")
	}
	if err := f.dial(ctx); err != nil {
		return fmt.Errorf("feeds.Connect: %w", err)
	}
	f.resubscribe()
	return nil
}

func (f *WSFeed) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.config.URL, nil)
	if err != nil {
		return err
	}
	if f.closed.Load() {
		conn.Close()
		return fmt.Errorf("feed is closed")
	}

	f.mu.Lock()
	f.conn = conn
	f.status = FeedConnected
	f.reconnects = 0
	f.mu.Unlock()

	connClosed := make(chan struct{})
	f.wg.Add(2)
	go f.readLoop(conn, connClosed)
	go f.heartbeatLoop(conn, connClosed)

	f.logger.Info("price feed connected", zap.String("url", f.config.URL))
	return nil
}

func (f *WSFeed) readLoop(conn *websocket.Conn, connClosed chan struct{}) {
	defer f.wg.Done()
	defer close(connClosed)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if f.closed.Load() {
				return
			}
			f.logger.Warn("price feed connection lost", zap.Error(err))
			f.setStatus(FeedDisconnected)
			go f.reconnect()
			return
		}
		f.handleMessage(data)
	}
}

func (f *WSFeed) heartbeatLoop(conn *websocket.Conn, connClosed chan struct{}) {
	defer f.wg.Done()

	interval := f.config.HeartbeatInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-connClosed:
			return
		case <-ticker.C:
			if err := f.writeJSON(conn, wsRequest{Type: "ping"}); err != nil {
				f.logger.Debug("heartbeat write failed", zap.Error(err))
			}
		}
	}
}

// reconnect retries with exponential backoff capped at the configured
// maximum delay, giving up after MaxReconnectAttempts.
func (f *WSFeed) reconnect() {
	for {
		if f.closed.Load() {
			return
		}

		f.mu.Lock()
		f.reconnects++
		attempt := f.reconnects
		f.status = FeedReconnecting
		f.mu.Unlock()

		if attempt > f.config.MaxReconnectAttempts {
			f.setStatus(FeedFailed)
			f.logger.Error("price feed reconnect attempts exhausted",
				zap.Int("attempts", f.config.MaxReconnectAttempts))
			return
		}

		delay := f.config.ReconnectBaseDelay * time.Duration(1<<uint(attempt-1))
		if delay > f.config.ReconnectMaxDelay {
			delay = f.config.ReconnectMaxDelay
		}
		f.logger.Info("price feed reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		select {
		case <-f.done:
			return
		case <-time.After(delay):
		}

		if err := f.dial(context.Background()); err != nil {
			f.logger.Warn("price feed reconnect failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		f.cbMu.RLock()
		hook := f.onReconnect
		f.cbMu.RUnlock()
		if hook != nil {
			hook()
		}
		f.resubscribe()
		return
	}
}

// Subscribe tracks a token and, when connected, requests its price
// channel. Tokens subscribed while disconnected are picked up on the
// next (re)connect.
func (f *WSFeed) Subscribe(tokenID, marketID string) error {
	f.subsMu.Lock()
	f.subs[tokenID] = marketID
	f.subsMu.Unlock()

	conn, connected := f.currentConn()
	if !connected {
		return nil
	}
	return f.writeJSON(conn, wsRequest{Type: "subscribe", Channel: "price", Market: tokenID})
}

// Unsubscribe stops tracking a token.
func (f *WSFeed) Unsubscribe(tokenID string) error {
	f.subsMu.Lock()
	delete(f.subs, tokenID)
	f.subsMu.Unlock()

	f.pricesMu.Lock()
	delete(f.prices, tokenID)
	f.pricesMu.Unlock()

	conn, connected := f.currentConn()
	if !connected {
		return nil
	}
	return f.writeJSON(conn, wsRequest{Type: "unsubscribe", Channel: "price", Market: tokenID})
}

func (f *WSFeed) resubscribe() {
	conn, connected := f.currentConn()
	if !connected {
		return
	}

	f.subsMu.RLock()
	tokens := make([]string, 0, len(f.subs))
	for token := range f.subs {
		tokens = append(tokens, token)
	}
	f.subsMu.RUnlock()

	for _, token := range tokens {
		if err := f.writeJSON(conn, wsRequest{Type: "subscribe", Channel: "price", Market: token}); err != nil {
			f.logger.Warn("resubscribe failed", zap.String("token_id", token), zap.Error(err))
			return
		}
	}
	if len(tokens) > 0 {
		f.logger.Info("resubscribed to price channels", zap.Int("tokens", len(tokens)))
	}
}

func (f *WSFeed) handleMessage(data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Warn("invalid feed message", zap.Error(err))
		return
	}

	switch msg.Type {
	case "price":
		token := msg.Market
		if token == "" {
			token = msg.TokenID
		}
		if token == "" {
			return
		}
		bid, _ := msg.Bid.Float64()
		ask, _ := msg.Ask.Float64()
		mid, _ := msg.Mid.Float64()

		f.subsMu.RLock()
		marketID := f.subs[token]
		f.subsMu.RUnlock()

		update := types.PriceUpdate{
			TokenID:   token,
			MarketID:  marketID,
			Bid:       bid,
			Ask:       ask,
			Mid:       mid,
			Timestamp: f.clock.Now().UTC(),
		}

		f.pricesMu.Lock()
		f.prices[token] = update
		f.pricesMu.Unlock()

		f.cbMu.RLock()
		cb := f.onPrice
		f.cbMu.RUnlock()
		if cb != nil {
			cb(update)
		}

	case "book":
		// depth updates unused

	case "pong":

	case "error":
		f.logger.Error("price feed error message", zap.String("message", msg.Message))

	default:
		f.logger.Debug("unknown feed message type", zap.String("type", msg.Type))
	}
}

// Price returns the cached update for a token.
func (f *WSFeed) Price(tokenID string) (types.PriceUpdate, bool) {
	f.pricesMu.RLock()
	defer f.pricesMu.RUnlock()
	p, ok := f.prices[tokenID]
	return p, ok
}

// Prices returns a copy of all cached updates.
func (f *WSFeed) Prices() map[string]types.PriceUpdate {
	f.pricesMu.RLock()
	defer f.pricesMu.RUnlock()
	out := make(map[string]types.PriceUpdate, len(f.prices))
	for k, v := range f.prices {
		out[k] = v
	}
	return out
}

// Status returns the connection state.
func (f *WSFeed) Status() FeedStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.status
}

// Close shuts the feed down permanently.
func (f *WSFeed) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	close(f.done)

	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.status = FeedDisconnected
	f.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	f.wg.Wait()
	f.logger.Info("price feed closed")
	return nil
}

func (f *WSFeed) currentConn() (*websocket.Conn, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.conn, f.conn != nil && f.status == FeedConnected
}

func (f *WSFeed) setStatus(s FeedStatus) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

func (f *WSFeed) writeJSON(conn *websocket.Conn, v any) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// SimulatedFeed is a PriceFeed for paper trading. Subscribed tokens
// get a random starting price and follow a small Gaussian random walk
// clamped to [0.01, 0.99].
type SimulatedFeed struct {
	logger   *zap.Logger
	clock    clock.Clock
	interval time.Duration

	mu     sync.RWMutex
	status FeedStatus
	subs   map[string]string
	prices map[string]types.PriceUpdate
	rng    *rand.Rand

	cbMu    sync.RWMutex
	onPrice func(types.PriceUpdate)

	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewSimulatedFeed builds a simulated feed ticking at updateInterval.
// seed 0 derives a seed from the wall clock.
func NewSimulatedFeed(logger *zap.Logger, clk clock.Clock, updateInterval time.Duration, seed int64) *SimulatedFeed {
	if updateInterval <= 0 {
		updateInterval = 5 * time.Second
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimulatedFeed{
		logger:   logger.Named("pricefeed.sim"),
		clock:    clk,
		interval: updateInterval,
		status:   FeedDisconnected,
		subs:     make(map[string]string),
		prices:   make(map[string]types.PriceUpdate),
		rng:      rand.New(rand.NewSource(seed)),
		done:     make(chan struct{}),
	}
}

// OnPrice registers the price update callback.
func (f *SimulatedFeed) OnPrice(fn func(types.PriceUpdate)) {
	f.cbMu.Lock()
	f.onPrice = fn
	f.cbMu.Unlock()
}

// Connect starts the walk loop.
func (f *SimulatedFeed) Connect(ctx context.Context) error {
	if f.closed.Load() {
		return fmt.Errorf("feeds.Connect: feed is closed")
	}
	f.mu.Lock()
	f.status = FeedConnected
	f.mu.Unlock()

	f.wg.Add(1)
	go f.walk()

	f.logger.Info("simulated price feed started", zap.Duration("interval", f.interval))
	return nil
}

func (f *SimulatedFeed) walk() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			f.Step()
		}
	}
}

// Step advances every subscribed token by one walk increment. The
// loop calls it on each tick; tests call it directly.
func (f *SimulatedFeed) Step() {
	now := f.clock.Now().UTC()

	f.mu.Lock()
	updates := make([]types.PriceUpdate, 0, len(f.subs))
	for token, marketID := range f.subs {
		prev := f.prices[token]
		spread := prev.Ask - prev.Bid
		mid := clampPrice(prev.Mid + f.rng.NormFloat64()*0.005)
		update := types.PriceUpdate{
			TokenID:   token,
			MarketID:  marketID,
			Bid:       clampPrice(mid - spread/2),
			Ask:       clampPrice(mid + spread/2),
			Mid:       mid,
			Timestamp: now,
		}
		f.prices[token] = update
		updates = append(updates, update)
	}
	f.mu.Unlock()

	f.cbMu.RLock()
	cb := f.onPrice
	f.cbMu.RUnlock()
	if cb != nil {
		for _, u := range updates {
			cb(u)
		}
	}
}

// Subscribe seeds the token with a random mid in [0.3, 0.7) and a
// random spread in [0.01, 0.03).
func (f *SimulatedFeed) Subscribe(tokenID, marketID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.subs[tokenID] = marketID
	mid := 0.3 + f.rng.Float64()*0.4
	spread := 0.01 + f.rng.Float64()*0.02
	f.prices[tokenID] = types.PriceUpdate{
		TokenID:   tokenID,
		MarketID:  marketID,
		Bid:       clampPrice(mid - spread/2),
		Ask:       clampPrice(mid + spread/2),
		Mid:       mid,
		Timestamp: f.clock.Now().UTC(),
	}
	return nil
}

// Unsubscribe removes the token from the simulation.
func (f *SimulatedFeed) Unsubscribe(tokenID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, tokenID)
	delete(f.prices, tokenID)
	return nil
}

// Price returns the latest simulated update for a token.
func (f *SimulatedFeed) Price(tokenID string) (types.PriceUpdate, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[tokenID]
	return p, ok
}

// Prices returns a copy of all simulated prices.
func (f *SimulatedFeed) Prices() map[string]types.PriceUpdate {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]types.PriceUpdate, len(f.prices))
	for k, v := range f.prices {
		out[k] = v
	}
	return out
}

// Status returns the feed state.
func (f *SimulatedFeed) Status() FeedStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.status
}

// Close stops the walk loop.
func (f *SimulatedFeed) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	close(f.done)
	f.wg.Wait()

	f.mu.Lock()
	f.status = FeedDisconnected
	f.mu.Unlock()

	f.logger.Info("simulated price feed stopped")
	return nil
}

func clampPrice(p float64) float64 {
	if p < 0.01 {
		return 0.01
	}
	if p > 0.99 {
		return 0.99
	}
	return p
}
