// Package metrics exposes the agent's operational counters over a
// dedicated prometheus registry so tests can construct isolated instances.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the agent records. All fields are safe for
// concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	TaskRuns     *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec

	OrdersSubmitted prometheus.Counter
	OrdersFilled    prometheus.Counter
	OrdersCancelled prometheus.Counter
	OrdersExpired   prometheus.Counter

	OpportunitiesFound prometheus.Counter
	TradesResolved     *prometheus.CounterVec

	OpenPositions prometheus.Gauge
	TotalExposure prometheus.Gauge
	Bankroll      prometheus.Gauge
	DailyPnL      prometheus.Gauge
	WeeklyPnL     prometheus.Gauge
	MonthlyPnL    prometheus.Gauge
	TradingHalted prometheus.Gauge

	EventsPublished *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec

	FeedReconnects prometheus.Counter
	WeatherFetches *prometheus.CounterVec
	MarketFetches  *prometheus.CounterVec
}

// New builds a Metrics instance backed by its own registry, pre-populated
// with the standard Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,

		TaskRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trader_task_runs_total",
				Help: "Scheduler task executions by outcome",
			},
			[]string{"task", "status"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trader_task_duration_seconds",
				Help:    "Scheduler task execution time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"task"},
		),

		OrdersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_orders_submitted_total",
			Help: "Orders placed at the venue",
		}),
		OrdersFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_orders_filled_total",
			Help: "Orders that reached the filled state",
		}),
		OrdersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_orders_cancelled_total",
			Help: "Orders cancelled before completion",
		}),
		OrdersExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_orders_expired_total",
			Help: "Orders cancelled by the fill timeout",
		}),

		OpportunitiesFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_opportunities_total",
			Help: "Tradeable edges surfaced by the strategy",
		}),
		TradesResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trader_trades_resolved_total",
				Help: "Resolved positions by result",
			},
			[]string{"result"},
		),

		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_open_positions",
			Help: "Number of open positions",
		}),
		TotalExposure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_total_exposure_usd",
			Help: "Sum of open position sizes in USD",
		}),
		Bankroll: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_bankroll_usd",
			Help: "Current bankroll in USD",
		}),
		DailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_daily_pnl_usd",
			Help: "Realized P&L since the last UTC day rollover",
		}),
		WeeklyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_weekly_pnl_usd",
			Help: "Realized P&L since the last Monday rollover",
		}),
		MonthlyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_monthly_pnl_usd",
			Help: "Realized P&L since the last month rollover",
		}),
		TradingHalted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_halted",
			Help: "1 while trading is halted, 0 otherwise",
		}),

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trader_events_published_total",
				Help: "Events broadcast by channel",
			},
			[]string{"channel"},
		),
		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trader_events_dropped_total",
				Help: "Events dropped on full subscriber buffers",
			},
			[]string{"channel"},
		),

		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_feed_reconnects_total",
			Help: "Price feed reconnect attempts",
		}),
		WeatherFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trader_weather_fetches_total",
				Help: "Ensemble forecast fetches by model and outcome",
			},
			[]string{"model", "status"},
		),
		MarketFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trader_market_fetches_total",
				Help: "Market listing fetches by outcome",
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(
		m.TaskRuns, m.TaskDuration,
		m.OrdersSubmitted, m.OrdersFilled, m.OrdersCancelled, m.OrdersExpired,
		m.OpportunitiesFound, m.TradesResolved,
		m.OpenPositions, m.TotalExposure, m.Bankroll,
		m.DailyPnL, m.WeeklyPnL, m.MonthlyPnL, m.TradingHalted,
		m.EventsPublished, m.EventsDropped,
		m.FeedReconnects, m.WeatherFetches, m.MarketFetches,
	)
	return m
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveTask records one scheduler task execution. It satisfies the
// scheduler's Observer signature.
func (m *Metrics) ObserveTask(task string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.TaskRuns.WithLabelValues(task, status).Inc()
	m.TaskDuration.WithLabelValues(task).Observe(duration.Seconds())
}

// EventPublished satisfies the broadcaster's Observer interface.
func (m *Metrics) EventPublished(channel string) {
	m.EventsPublished.WithLabelValues(channel).Inc()
}

// EventDropped satisfies the broadcaster's Observer interface.
func (m *Metrics) EventDropped(channel string) {
	m.EventsDropped.WithLabelValues(channel).Inc()
}
