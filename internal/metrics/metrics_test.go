package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/stormline/weather-trader/internal/metrics"
)

func TestObserveTask(t *testing.T) {
	m := metrics.New()

	m.ObserveTask("risk_check", 5*time.Millisecond, nil)
	m.ObserveTask("risk_check", 5*time.Millisecond, nil)
	m.ObserveTask("trading_cycle", time.Second, errors.New("venue down"))

	if got := testutil.ToFloat64(m.TaskRuns.WithLabelValues("risk_check", "ok")); got != 2 {
		t.Errorf("risk_check ok runs = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TaskRuns.WithLabelValues("trading_cycle", "error")); got != 1 {
		t.Errorf("trading_cycle error runs = %v, want 1", got)
	}
}

func TestEventObserver(t *testing.T) {
	m := metrics.New()

	m.EventPublished("alerts")
	m.EventPublished("alerts")
	m.EventDropped("prices")

	if got := testutil.ToFloat64(m.EventsPublished.WithLabelValues("alerts")); got != 2 {
		t.Errorf("published alerts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.EventsDropped.WithLabelValues("prices")); got != 1 {
		t.Errorf("dropped prices = %v, want 1", got)
	}
}

func TestIsolatedRegistries(t *testing.T) {
	a := metrics.New()
	b := metrics.New()

	a.OrdersSubmitted.Inc()

	if got := testutil.ToFloat64(b.OrdersSubmitted); got != 0 {
		t.Errorf("second instance sees %v submitted orders, want 0", got)
	}
}
