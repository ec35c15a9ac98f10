package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stormline/weather-trader/internal/clock"
	"github.com/stormline/weather-trader/internal/stations"
	"github.com/stormline/weather-trader/internal/workers"
	"github.com/stormline/weather-trader/pkg/types"
)

// ModelInfo describes one ensemble system served by the forecast API.
type ModelInfo struct {
	Members       int
	UpdatesPerDay int
	HorizonDays   int
}

// EnsembleModels lists the supported ensemble systems.
var EnsembleModels = map[string]ModelInfo{
	"gfs_seamless":        {Members: 31, UpdatesPerDay: 4, HorizonDays: 16},
	"ecmwf_ifs025":        {Members: 51, UpdatesPerDay: 2, HorizonDays: 15},
	"icon_seamless":       {Members: 40, UpdatesPerDay: 4, HorizonDays: 7},
	"gem_global_ensemble": {Members: 21, UpdatesPerDay: 2, HorizonDays: 16},
}

// DefaultModels returns the model set used when none is configured.
func DefaultModels() []string {
	return []string{"gfs_seamless", "ecmwf_ifs025", "icon_seamless"}
}

// ForecastRequest names one station, target date, and variable to fetch.
type ForecastRequest struct {
	Station    stations.Station
	TargetDate time.Time
	Variable   types.Variable
}

// WeatherClient fetches ensemble forecasts from an Open-Meteo style
// API. Hourly member series are reduced to one value per member and
// day: the maximum for daily-high variables, the minimum for daily
// lows, the sum for precipitation. Values are in the API's native
// units, °C and millimeters.
type WeatherClient struct {
	logger     *zap.Logger
	clock      clock.Clock
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	models     []string
	pool       *workers.Pool
}

// NewWeatherClient builds a client from config. pool may be nil, in
// which case FetchAll runs its requests on plain goroutines.
func NewWeatherClient(logger *zap.Logger, clk clock.Clock, cfg types.WeatherConfig, pool *workers.Pool) *WeatherClient {
	models := cfg.Models
	if len(models) == 0 {
		models = DefaultModels()
	}
	return &WeatherClient{
		logger:     logger.Named("weather"),
		clock:      clk,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		models:     models,
		pool:       pool,
	}
}

type ensembleResponse struct {
	Latitude  float64                    `json:"latitude"`
	Longitude float64                    `json:"longitude"`
	Hourly    map[string]json.RawMessage `json:"hourly"`
}

// Fetch retrieves the ensemble forecast for one station and target date.
func (c *WeatherClient) Fetch(ctx context.Context, station stations.Station, targetDate time.Time, variable types.Variable) (*types.EnsembleForecast, error) {
	hourlyVar := hourlyVariable(variable)

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(station.Latitude, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(station.Longitude, 'f', 4, 64))
	q.Set("hourly", hourlyVar)
	q.Set("models", strings.Join(c.models, ","))
	q.Set("forecast_days", strconv.Itoa(c.forecastDays(targetDate)))

	var resp ensembleResponse
	if err := doWithRetry(ctx, c.httpClient, c.limiter, http.MethodGet, c.baseURL+"?"+q.Encode(), nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("feeds.Fetch: station %s: %w", station.ID, err)
	}

	forecast, err := c.reduce(&resp, station.ID, targetDate, variable, hourlyVar)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("ensemble fetched",
		zap.String("station", station.ID),
		zap.String("variable", string(variable)),
		zap.Time("target_date", targetDate),
		zap.Int("members", forecast.MemberCount()),
	)
	return forecast, nil
}

// FetchAll fans the requests out through the worker pool and returns
// the forecasts that succeeded, in request order. Failed fetches are
// logged and skipped so one bad station does not starve the rest.
func (c *WeatherClient) FetchAll(ctx context.Context, reqs []ForecastRequest) []*types.EnsembleForecast {
	results := make([]*types.EnsembleForecast, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		i, req := i, req
		run := func() error {
			defer wg.Done()
			f, err := c.Fetch(ctx, req.Station, req.TargetDate, req.Variable)
			if err != nil {
				c.logger.Warn("ensemble fetch failed",
					zap.String("station", req.Station.ID),
					zap.Error(err))
				return err
			}
			results[i] = f
			return nil
		}

		wg.Add(1)
		if c.pool != nil && c.pool.SubmitFunc(run) == nil {
			continue
		}
		go func() { _ = run() }()
	}
	wg.Wait()

	out := make([]*types.EnsembleForecast, 0, len(results))
	for _, f := range results {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}

// forecastDays returns the forecast_days request parameter: enough
// days to cover the target date, clamped to the API's 16-day limit.
func (c *WeatherClient) forecastDays(targetDate time.Time) int {
	now := c.clock.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	target := time.Date(targetDate.Year(), targetDate.Month(), targetDate.Day(), 0, 0, 0, 0, time.UTC)

	days := int(target.Sub(today).Hours()/24) + 1
	if days > 16 {
		days = 16
	}
	if days < 1 {
		days = 1
	}
	return days
}

func (c *WeatherClient) reduce(resp *ensembleResponse, location string, targetDate time.Time, variable types.Variable, hourlyVar string) (*types.EnsembleForecast, error) {
	var hours []string
	if raw, ok := resp.Hourly["time"]; ok {
		if err := json.Unmarshal(raw, &hours); err != nil {
			return nil, fmt.Errorf("feeds.Fetch: station %s: decode time axis: %w", location, err)
		}
	}

	prefix := targetDate.UTC().Format("2006-01-02")
	var indices []int
	for i, h := range hours {
		if strings.HasPrefix(h, prefix) {
			indices = append(indices, i)
		}
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("feeds.Fetch: station %s: no hours for %s in response", location, prefix)
	}

	forecast := &types.EnsembleForecast{
		Location:   location,
		TargetDate: targetDate,
		Unit:       types.UnitCelsius,
		Models:     make(map[string][]float64, len(c.models)),
		FetchedAt:  c.clock.Now().UTC(),
	}

	for _, model := range c.models {
		memberPrefix := hourlyVar + "_" + model + "_member"
		keys := make([]string, 0, EnsembleModels[model].Members)
		for key := range resp.Hourly {
			if strings.HasPrefix(key, memberPrefix) {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)

		var members []float64
		for _, key := range keys {
			var series []*float64
			if err := json.Unmarshal(resp.Hourly[key], &series); err != nil {
				c.logger.Debug("bad member series", zap.String("key", key), zap.Error(err))
				continue
			}
			var dayValues []float64
			for _, i := range indices {
				if i < len(series) && series[i] != nil {
					dayValues = append(dayValues, *series[i])
				}
			}
			if len(dayValues) == 0 {
				continue
			}
			members = append(members, reduceDaily(variable, dayValues))
		}
		if len(members) > 0 {
			forecast.Models[model] = members
		}
	}

	return forecast, nil
}

// hourlyVariable maps a market variable to the API's hourly series name.
func hourlyVariable(v types.Variable) string {
	switch v {
	case types.VariablePrecip, types.VariableBinary:
		return "precipitation"
	default:
		return "temperature_2m"
	}
}

// reduceDaily collapses one member's hourly values for a single day.
func reduceDaily(v types.Variable, values []float64) float64 {
	switch v {
	case types.VariableTempMin:
		min := values[0]
		for _, x := range values[1:] {
			if x < min {
				min = x
			}
		}
		return min
	case types.VariablePrecip, types.VariableBinary:
		sum := 0.0
		for _, x := range values {
			sum += x
		}
		return sum
	default:
		max := values[0]
		for _, x := range values[1:] {
			if x > max {
				max = x
			}
		}
		return max
	}
}
