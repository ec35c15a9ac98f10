package feeds_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stormline/weather-trader/internal/clock"
	"github.com/stormline/weather-trader/internal/feeds"
	"github.com/stormline/weather-trader/internal/stations"
	"github.com/stormline/weather-trader/internal/workers"
	"github.com/stormline/weather-trader/pkg/types"
)

func testStation() stations.Station {
	return stations.Station{
		ID:        "TEST_STATION",
		StationID: "KTST",
		Name:      "Test Field",
		Latitude:  40.5,
		Longitude: -73.25,
		Timezone:  "America/New_York",
		Cluster:   "US_NORTHEAST",
	}
}

const tempEnsembleBody = `{
	"latitude": 40.5,
	"longitude": -73.25,
	"hourly": {
		"time": ["2026-08-25T23:00","2026-08-26T00:00","2026-08-26T01:00","2026-08-26T02:00"],
		"temperature_2m_gfs_seamless_member01": [50, 10, 20, 15],
		"temperature_2m_gfs_seamless_member02": [50, 11, null, 13],
		"temperature_2m_icon_seamless_member01": [1, 2, 3, 4]
	}
}`

const precipEnsembleBody = `{
	"latitude": 40.5,
	"longitude": -73.25,
	"hourly": {
		"time": ["2026-08-25T23:00","2026-08-26T00:00","2026-08-26T01:00","2026-08-26T02:00"],
		"precipitation_gfs_seamless_member01": [5, 0.5, 1.0, 0.25]
	}
}`

// newWeatherServer serves the temperature or precipitation body based
// on the requested hourly variable and records the last query.
func newWeatherServer(t *testing.T) (*httptest.Server, func() url.Values) {
	t.Helper()
	var mu sync.Mutex
	var lastQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		lastQuery = r.URL.Query()
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("hourly") == "precipitation" {
			fmt.Fprint(w, precipEnsembleBody)
			return
		}
		fmt.Fprint(w, tempEnsembleBody)
	}))
	t.Cleanup(srv.Close)
	return srv, func() url.Values {
		mu.Lock()
		defer mu.Unlock()
		return lastQuery
	}
}

func newWeatherClient(t *testing.T, baseURL string, clk clock.Clock, pool *workers.Pool) *feeds.WeatherClient {
	t.Helper()
	cfg := types.WeatherConfig{
		BaseURL:           baseURL,
		Models:            []string{"gfs_seamless", "icon_seamless"},
		RequestTimeout:    5 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             100,
	}
	return feeds.NewWeatherClient(zap.NewNop(), clk, cfg, pool)
}

func TestWeatherFetchTempMax(t *testing.T) {
	srv, lastQuery := newWeatherServer(t)
	now := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
	c := newWeatherClient(t, srv.URL, clock.NewFake(now), nil)

	target := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	f, err := c.Fetch(context.Background(), testStation(), target, types.VariableTempMax)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	q := lastQuery()
	if got := q.Get("latitude"); got != "40.5000" {
		t.Errorf("latitude = %q, want 40.5000", got)
	}
	if got := q.Get("longitude"); got != "-73.2500" {
		t.Errorf("longitude = %q, want -73.2500", got)
	}
	if got := q.Get("hourly"); got != "temperature_2m" {
		t.Errorf("hourly = %q, want temperature_2m", got)
	}
	if got := q.Get("models"); got != "gfs_seamless,icon_seamless" {
		t.Errorf("models = %q", got)
	}
	if got := q.Get("forecast_days"); got != "2" {
		t.Errorf("forecast_days = %q, want 2", got)
	}

	if f.Location != "TEST_STATION" {
		t.Errorf("Location = %q", f.Location)
	}
	if f.Unit != types.UnitCelsius {
		t.Errorf("Unit = %q, want celsius", f.Unit)
	}
	if !f.FetchedAt.Equal(now) {
		t.Errorf("FetchedAt = %v, want %v", f.FetchedAt, now)
	}

	// member01 peaks at 20 on the target day; member02's null hour is
	// skipped, leaving a max of 13. The previous day's 50s are excluded.
	gfs := f.Models["gfs_seamless"]
	if len(gfs) != 2 || gfs[0] != 20 || gfs[1] != 13 {
		t.Errorf("gfs members = %v, want [20 13]", gfs)
	}
	icon := f.Models["icon_seamless"]
	if len(icon) != 1 || icon[0] != 4 {
		t.Errorf("icon members = %v, want [4]", icon)
	}
	if f.MemberCount() != 3 {
		t.Errorf("MemberCount = %d, want 3", f.MemberCount())
	}
}

func TestWeatherFetchTempMin(t *testing.T) {
	srv, _ := newWeatherServer(t)
	now := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
	c := newWeatherClient(t, srv.URL, clock.NewFake(now), nil)

	target := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	f, err := c.Fetch(context.Background(), testStation(), target, types.VariableTempMin)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	gfs := f.Models["gfs_seamless"]
	if len(gfs) != 2 || gfs[0] != 10 || gfs[1] != 11 {
		t.Errorf("gfs members = %v, want [10 11]", gfs)
	}
	icon := f.Models["icon_seamless"]
	if len(icon) != 1 || icon[0] != 2 {
		t.Errorf("icon members = %v, want [2]", icon)
	}
}

func TestWeatherFetchPrecipSum(t *testing.T) {
	srv, lastQuery := newWeatherServer(t)
	now := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
	c := newWeatherClient(t, srv.URL, clock.NewFake(now), nil)

	target := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	f, err := c.Fetch(context.Background(), testStation(), target, types.VariablePrecip)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if got := lastQuery().Get("hourly"); got != "precipitation" {
		t.Errorf("hourly = %q, want precipitation", got)
	}
	gfs := f.Models["gfs_seamless"]
	if len(gfs) != 1 || gfs[0] != 1.75 {
		t.Errorf("gfs members = %v, want [1.75]", gfs)
	}
}

func TestWeatherFetchNoHoursForTarget(t *testing.T) {
	srv, _ := newWeatherServer(t)
	now := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
	c := newWeatherClient(t, srv.URL, clock.NewFake(now), nil)

	target := time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC)
	if _, err := c.Fetch(context.Background(), testStation(), target, types.VariableTempMax); err == nil {
		t.Fatal("expected error for target date outside response")
	}
}

func TestWeatherForecastDays(t *testing.T) {
	srv, lastQuery := newWeatherServer(t)
	now := time.Date(2026, 8, 25, 23, 30, 0, 0, time.UTC)
	c := newWeatherClient(t, srv.URL, clock.NewFake(now), nil)

	cases := []struct {
		name   string
		target time.Time
		want   string
	}{
		{"same day", time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), "1"},
		{"next day", time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC), "2"},
		{"far out clamps", time.Date(2026, 10, 30, 0, 0, 0, 0, time.UTC), "16"},
		{"past clamps", time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC), "1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// Dates outside the canned response fail reduction; only
			// the request parameter matters here.
			_, _ = c.Fetch(context.Background(), testStation(), tc.target, types.VariableTempMax)
			if got := lastQuery().Get("forecast_days"); got != tc.want {
				t.Errorf("forecast_days = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestWeatherFetchAll(t *testing.T) {
	srv, _ := newWeatherServer(t)
	now := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)

	pool := workers.NewPool(zap.NewNop(), workers.PoolConfig{
		Name:            "test",
		NumWorkers:      2,
		QueueSize:       8,
		TaskTimeout:     5 * time.Second,
		ShutdownTimeout: time.Second,
	})
	pool.Start()
	defer pool.Stop()

	c := newWeatherClient(t, srv.URL, clock.NewFake(now), pool)

	good := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	bad := time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC)
	reqs := []feeds.ForecastRequest{
		{Station: testStation(), TargetDate: good, Variable: types.VariableTempMax},
		{Station: testStation(), TargetDate: bad, Variable: types.VariableTempMax},
		{Station: testStation(), TargetDate: good, Variable: types.VariablePrecip},
	}

	got := c.FetchAll(context.Background(), reqs)
	if len(got) != 2 {
		t.Fatalf("FetchAll returned %d forecasts, want 2", len(got))
	}
	// Failed fetches are dropped; survivors keep request order.
	if got[0].MemberCount() != 3 {
		t.Errorf("first forecast members = %d, want 3", got[0].MemberCount())
	}
	if got[1].Models["gfs_seamless"][0] != 1.75 {
		t.Errorf("second forecast = %v, want precip sum 1.75", got[1].Models["gfs_seamless"])
	}
}

func TestWeatherFetchAllWithoutPool(t *testing.T) {
	srv, _ := newWeatherServer(t)
	now := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
	c := newWeatherClient(t, srv.URL, clock.NewFake(now), nil)

	good := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	var reqs []feeds.ForecastRequest
	for i := 0; i < 4; i++ {
		reqs = append(reqs, feeds.ForecastRequest{Station: testStation(), TargetDate: good, Variable: types.VariableTempMax})
	}

	got := c.FetchAll(context.Background(), reqs)
	if len(got) != 4 {
		t.Fatalf("FetchAll returned %d forecasts, want 4", len(got))
	}
}
