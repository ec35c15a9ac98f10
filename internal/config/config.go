// Package config loads the agent configuration. Precedence, lowest to
// highest: built-in defaults, an optional YAML file, TRADER_-prefixed
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/stormline/weather-trader/pkg/types"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// TRADER_TRADING_INITIAL_BANKROLL maps to trading.initial_bankroll.
const EnvPrefix = "TRADER"

// Load builds the configuration. path names an explicit YAML file; when
// empty, config.yaml is searched in . and ./configs and is optional.
func Load(path string) (*types.Config, error) {
	// .env is developer convenience; absence is not an error.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so environment overrides resolve even
// when no config file is present.
func setDefaults(v *viper.Viper) {
	d := types.DefaultConfig()

	v.SetDefault("log_level", d.LogLevel)

	v.SetDefault("trading.initial_bankroll", d.Trading.InitialBankroll)
	v.SetDefault("trading.paper", d.Trading.Paper)

	v.SetDefault("strategy.min_edge", d.Strategy.MinEdge)
	v.SetDefault("strategy.max_edge", d.Strategy.MaxEdge)
	v.SetDefault("strategy.min_agreement", d.Strategy.MinAgreement)
	v.SetDefault("strategy.min_liquidity", d.Strategy.MinLiquidity)
	v.SetDefault("strategy.min_days_to_resolution", d.Strategy.MinDaysToResolution)
	v.SetDefault("strategy.max_days_to_resolution", d.Strategy.MaxDaysToResolution)

	v.SetDefault("sizing.kelly_fraction", d.Sizing.KellyFraction)
	v.SetDefault("sizing.max_position_pct", d.Sizing.MaxPositionPct)
	v.SetDefault("sizing.min_position", d.Sizing.MinPosition)
	v.SetDefault("sizing.max_position", d.Sizing.MaxPosition)

	v.SetDefault("diversification.max_total_exposure_pct", d.Diversification.MaxTotalExposurePct)
	v.SetDefault("diversification.max_cluster_exposure_pct", d.Diversification.MaxClusterExposurePct)
	v.SetDefault("diversification.max_same_day_resolution_pct", d.Diversification.MaxSameDayResolutionPct)
	v.SetDefault("diversification.min_positions_for_50_pct", d.Diversification.MinPositionsFor50Pct)
	v.SetDefault("diversification.min_positions_for_75_pct", d.Diversification.MinPositionsFor75Pct)

	v.SetDefault("risk.max_daily_loss_pct", d.Risk.MaxDailyLossPct)
	v.SetDefault("risk.max_weekly_loss_pct", d.Risk.MaxWeeklyLossPct)
	v.SetDefault("risk.max_monthly_loss_pct", d.Risk.MaxMonthlyLossPct)
	v.SetDefault("risk.max_single_trade", d.Risk.MaxSingleTrade)
	v.SetDefault("risk.min_single_trade", d.Risk.MinSingleTrade)
	v.SetDefault("risk.min_hours_before_resolution", d.Risk.MinHoursBeforeResolution)
	v.SetDefault("risk.cooldown_after_loss", d.Risk.CooldownAfterLoss)

	v.SetDefault("execution.order_poll_interval", d.Execution.OrderPollInterval)
	v.SetDefault("execution.order_timeout", d.Execution.OrderTimeout)
	v.SetDefault("execution.request_timeout", d.Execution.RequestTimeout)

	v.SetDefault("scheduler.tick_interval", d.Scheduler.TickInterval)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.websocket_path", d.Server.WebSocketPath)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.max_connections", d.Server.MaxConnections)
	v.SetDefault("server.enable_metrics", d.Server.EnableMetrics)

	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.retention_days", d.Database.RetentionDays)

	v.SetDefault("weather.base_url", d.Weather.BaseURL)
	v.SetDefault("weather.models", d.Weather.Models)
	v.SetDefault("weather.request_timeout", d.Weather.RequestTimeout)
	v.SetDefault("weather.requests_per_second", d.Weather.RequestsPerSecond)
	v.SetDefault("weather.burst", d.Weather.Burst)
	v.SetDefault("weather.fetch_concurrency", d.Weather.FetchConcurrency)

	v.SetDefault("markets.base_url", d.Markets.BaseURL)
	v.SetDefault("markets.tag", d.Markets.Tag)
	v.SetDefault("markets.limit", d.Markets.Limit)
	v.SetDefault("markets.request_timeout", d.Markets.RequestTimeout)
	v.SetDefault("markets.requests_per_second", d.Markets.RequestsPerSecond)
	v.SetDefault("markets.burst", d.Markets.Burst)

	v.SetDefault("venue.base_url", d.Venue.BaseURL)
	v.SetDefault("venue.api_key", "")
	v.SetDefault("venue.request_timeout", d.Venue.RequestTimeout)
	v.SetDefault("venue.requests_per_second", d.Venue.RequestsPerSecond)
	v.SetDefault("venue.burst", d.Venue.Burst)

	v.SetDefault("feed.url", d.Feed.URL)
	v.SetDefault("feed.reconnect_base_delay", d.Feed.ReconnectBaseDelay)
	v.SetDefault("feed.reconnect_max_delay", d.Feed.ReconnectMaxDelay)
	v.SetDefault("feed.max_reconnect_attempts", d.Feed.MaxReconnectAttempts)
	v.SetDefault("feed.heartbeat_interval", d.Feed.HeartbeatInterval)

	v.SetDefault("alerts.min_edge_for_alert", d.Alerts.MinEdgeForAlert)
	v.SetDefault("alerts.pnl_alert_threshold", d.Alerts.PnLAlertThreshold)
	v.SetDefault("alerts.alert_history", d.Alerts.AlertHistory)
	v.SetDefault("alerts.activity_history", d.Alerts.ActivityHistory)
	v.SetDefault("alerts.categories.trade", d.Alerts.Categories.Trade)
	v.SetDefault("alerts.categories.risk", d.Alerts.Categories.Risk)
	v.SetDefault("alerts.categories.system", d.Alerts.Categories.System)
	v.SetDefault("alerts.categories.market", d.Alerts.Categories.Market)
	v.SetDefault("alerts.categories.position", d.Alerts.Categories.Position)
	v.SetDefault("alerts.categories.forecast", d.Alerts.Categories.Forecast)

	v.SetDefault("telegram.enabled", d.Telegram.Enabled)
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", d.Telegram.ChatID)
}
