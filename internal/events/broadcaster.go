package events

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stormline/weather-trader/internal/clock"
)

// Observer receives delivery statistics. Implementations must not block.
type Observer interface {
	EventPublished(channel string)
	EventDropped(channel string)
}

// BroadcasterConfig sizes the per-subscriber buffers and the histories
// served over the API.
type BroadcasterConfig struct {
	BufferSize          int
	AlertHistorySize    int
	ActivityHistorySize int
}

// DefaultBroadcasterConfig returns the production sizing.
func DefaultBroadcasterConfig() BroadcasterConfig {
	return BroadcasterConfig{
		BufferSize:          256,
		AlertHistorySize:    100,
		ActivityHistorySize: 500,
	}
}

// Subscription is one consumer's view of the broadcaster. Events arrive on
// C; Close detaches the subscriber and releases the channel.
type Subscription struct {
	id       string
	channels map[string]bool
	ch       chan Event
	b        *Broadcaster
	once     sync.Once
}

// C returns the event delivery channel.
func (s *Subscription) C() <-chan Event { return s.ch }

// ID returns the subscriber identifier, useful for logging.
func (s *Subscription) ID() string { return s.id }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.b.remove(s.id) })
}

// Broadcaster fans typed events out to subscribers filtered by channel.
// Delivery is non-blocking: a subscriber that cannot keep up loses events
// rather than stalling the publisher.
type Broadcaster struct {
	config BroadcasterConfig
	clock  clock.Clock
	logger *zap.Logger

	subsMu sync.RWMutex
	subs   map[string]*Subscription

	prefsMu sync.RWMutex
	prefs   AlertPreferences

	histMu   sync.Mutex
	alerts   *ring
	activity *ring

	published atomic.Int64
	dropped   atomic.Int64

	observer Observer
}

// NewBroadcaster creates a broadcaster with default alert preferences.
func NewBroadcaster(config BroadcasterConfig, clk clock.Clock, logger *zap.Logger) *Broadcaster {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBroadcasterConfig().BufferSize
	}
	if config.AlertHistorySize <= 0 {
		config.AlertHistorySize = DefaultBroadcasterConfig().AlertHistorySize
	}
	if config.ActivityHistorySize <= 0 {
		config.ActivityHistorySize = DefaultBroadcasterConfig().ActivityHistorySize
	}
	return &Broadcaster{
		config:   config,
		clock:    clk,
		logger:   logger.Named("events"),
		subs:     make(map[string]*Subscription),
		prefs:    DefaultAlertPreferences(),
		alerts:   newRing(config.AlertHistorySize),
		activity: newRing(config.ActivityHistorySize),
	}
}

// SetObserver attaches a delivery-statistics observer. Call before any
// Publish; not safe to swap while publishing.
func (b *Broadcaster) SetObserver(o Observer) { b.observer = o }

// Subscribe registers a consumer for the given channels. Passing no
// channels, or ChannelAll, subscribes to everything.
func (b *Broadcaster) Subscribe(channels ...string) *Subscription {
	set := make(map[string]bool, len(channels))
	for _, c := range channels {
		set[c] = true
	}
	if len(set) == 0 {
		set[ChannelAll] = true
	}

	sub := &Subscription{
		id:       uuid.New().String(),
		channels: set,
		ch:       make(chan Event, b.config.BufferSize),
		b:        b,
	}

	b.subsMu.Lock()
	b.subs[sub.id] = sub
	b.subsMu.Unlock()

	b.logger.Debug("subscriber registered",
		zap.String("subscriber_id", sub.id),
		zap.Int("total", b.SubscriberCount()))
	return sub
}

func (b *Broadcaster) remove(id string) {
	b.subsMu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.subsMu.Unlock()

	if ok {
		b.logger.Debug("subscriber removed", zap.String("subscriber_id", id))
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	return len(b.subs)
}

// Publish broadcasts an event on the given channel. The envelope timestamp
// comes from the injected clock so tests and replays are deterministic.
func (b *Broadcaster) Publish(channel, eventType string, data interface{}) Event {
	event := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Channel:   channel,
		Timestamp: b.clock.Now().UTC(),
		Data:      data,
	}

	b.histMu.Lock()
	if channel == ChannelAlerts {
		b.alerts.add(event)
	}
	b.activity.add(event)
	b.histMu.Unlock()

	b.subsMu.RLock()
	for _, sub := range b.subs {
		if !sub.channels[ChannelAll] && !sub.channels[channel] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
			if b.observer != nil {
				b.observer.EventDropped(channel)
			}
			b.logger.Warn("subscriber buffer full, dropping event",
				zap.String("subscriber_id", sub.id),
				zap.String("channel", channel),
				zap.String("type", eventType))
		}
	}
	b.subsMu.RUnlock()

	b.published.Add(1)
	if b.observer != nil {
		b.observer.EventPublished(channel)
	}
	return event
}

// PublishPrice broadcasts a quote refresh on the prices channel.
func (b *Broadcaster) PublishPrice(p PricePayload) {
	b.Publish(ChannelPrices, TypePriceUpdate, p)
}

// PublishPosition broadcasts a mark-to-market move on the positions channel.
func (b *Broadcaster) PublishPosition(p PositionPayload) {
	b.Publish(ChannelPositions, TypePositionUpdate, p)
}

// PublishTradeExecuted broadcasts a fill on the trades channel.
func (b *Broadcaster) PublishTradeExecuted(p TradeExecutedPayload) {
	b.Publish(ChannelTrades, TypeTradeExecuted, p)
}

// PublishTradeResolved broadcasts a resolution on the trades channel.
func (b *Broadcaster) PublishTradeResolved(p TradeResolvedPayload) {
	b.Publish(ChannelTrades, TypeTradeResolved, p)
}

// PublishEdgeAlert broadcasts an edge alert unless preferences disable the
// category or the edge is below the configured floor. Returns true when the
// alert was broadcast.
func (b *Broadcaster) PublishEdgeAlert(p EdgeAlertPayload) bool {
	prefs := b.Preferences()
	if !prefs.EdgeAlerts || p.Edge < prefs.MinEdgeForAlert {
		return false
	}
	b.Publish(ChannelAlerts, TypeEdgeAlert, p)
	return true
}

// PublishRiskAlert broadcasts a risk alert unless the category is disabled.
func (b *Broadcaster) PublishRiskAlert(p RiskAlertPayload) bool {
	if !b.Preferences().RiskAlerts {
		return false
	}
	b.Publish(ChannelAlerts, TypeRiskAlert, p)
	return true
}

// PublishSystemStatus broadcasts an engine status change.
func (b *Broadcaster) PublishSystemStatus(p SystemStatusPayload) {
	b.Publish(ChannelSystem, TypeSystemStatus, p)
}

// PublishHalt broadcasts a trading halt on the system channel.
func (b *Broadcaster) PublishHalt(p HaltPayload) {
	b.Publish(ChannelSystem, TypeHaltTriggered, p)
}

// Preferences returns a copy of the current alert preferences.
func (b *Broadcaster) Preferences() AlertPreferences {
	b.prefsMu.RLock()
	defer b.prefsMu.RUnlock()
	return b.prefs
}

// UpdatePreferences applies a partial preferences update and returns the
// resulting preferences.
func (b *Broadcaster) UpdatePreferences(update PreferencesUpdate) (AlertPreferences, error) {
	b.prefsMu.Lock()
	defer b.prefsMu.Unlock()

	next, err := update.Apply(b.prefs)
	if err != nil {
		return b.prefs, err
	}
	b.prefs = next
	b.logger.Info("alert preferences updated",
		zap.Bool("edge_alerts", next.EdgeAlerts),
		zap.Bool("risk_alerts", next.RiskAlerts),
		zap.Float64("min_edge_for_alert", next.MinEdgeForAlert))
	return next, nil
}

// AlertHistory returns up to limit alert events, newest first. limit <= 0
// returns everything retained.
func (b *Broadcaster) AlertHistory(limit int) []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	return b.alerts.snapshot(limit)
}

// ActivityHistory returns up to limit events across all channels, newest
// first.
func (b *Broadcaster) ActivityHistory(limit int) []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	return b.activity.snapshot(limit)
}

// Stats reports cumulative delivery counters.
type Stats struct {
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

// Stats returns cumulative publish and drop counts.
func (b *Broadcaster) Stats() Stats {
	return Stats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: b.SubscriberCount(),
	}
}

// Close detaches every subscriber.
func (b *Broadcaster) Close() {
	b.subsMu.Lock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.subsMu.Unlock()
}

// ring is a fixed-size event history. Oldest entries are overwritten once
// the buffer fills.
type ring struct {
	buf  []Event
	next int
	n    int
}

func newRing(size int) *ring {
	return &ring{buf: make([]Event, size)}
}

func (r *ring) add(e Event) {
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

// snapshot returns up to limit entries, newest first.
func (r *ring) snapshot(limit int) []Event {
	if limit <= 0 || limit > r.n {
		limit = r.n
	}
	out := make([]Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
