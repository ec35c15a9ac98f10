// Package types provides configuration types for the weather trader.
package types

import (
	"fmt"
	"time"
)

// Config is the full configuration tree loaded at startup.
type Config struct {
	LogLevel        string                `mapstructure:"log_level" json:"log_level"`
	Trading         TradingConfig         `mapstructure:"trading" json:"trading"`
	Strategy        StrategyConfig        `mapstructure:"strategy" json:"strategy"`
	Sizing          SizingConfig          `mapstructure:"sizing" json:"sizing"`
	Diversification DiversificationConfig `mapstructure:"diversification" json:"diversification"`
	Risk            RiskConfig            `mapstructure:"risk" json:"risk"`
	Execution       ExecutionConfig       `mapstructure:"execution" json:"execution"`
	Scheduler       SchedulerConfig       `mapstructure:"scheduler" json:"scheduler"`
	Server          ServerConfig          `mapstructure:"server" json:"server"`
	Database        DatabaseConfig        `mapstructure:"database" json:"database"`
	Weather         WeatherConfig         `mapstructure:"weather" json:"weather"`
	Markets         MarketsConfig         `mapstructure:"markets" json:"markets"`
	Venue           VenueConfig           `mapstructure:"venue" json:"venue"`
	Feed            FeedConfig            `mapstructure:"feed" json:"feed"`
	Alerts          AlertsConfig          `mapstructure:"alerts" json:"alerts"`
	Telegram        TelegramConfig        `mapstructure:"telegram" json:"telegram"`
}

// TradingConfig holds bankroll and execution-mode settings.
type TradingConfig struct {
	InitialBankroll float64 `mapstructure:"initial_bankroll" json:"initial_bankroll"`
	Paper           bool    `mapstructure:"paper" json:"paper"`
}

// StrategyConfig holds edge thresholds for opportunity selection.
type StrategyConfig struct {
	MinEdge             float64            `mapstructure:"min_edge" json:"min_edge"`
	MaxEdge             float64            `mapstructure:"max_edge" json:"max_edge"`
	MinAgreement        float64            `mapstructure:"min_agreement" json:"min_agreement"`
	MinLiquidity        float64            `mapstructure:"min_liquidity" json:"min_liquidity"`
	MinDaysToResolution float64            `mapstructure:"min_days_to_resolution" json:"min_days_to_resolution"`
	MaxDaysToResolution float64            `mapstructure:"max_days_to_resolution" json:"max_days_to_resolution"`
	ModelWeights        map[string]float64 `mapstructure:"model_weights" json:"model_weights,omitempty"`
}

// SizingConfig holds fractional-Kelly parameters.
type SizingConfig struct {
	KellyFraction  float64 `mapstructure:"kelly_fraction" json:"kelly_fraction"`
	MaxPositionPct float64 `mapstructure:"max_position_pct" json:"max_position_pct"`
	MinPosition    float64 `mapstructure:"min_position" json:"min_position"`
	MaxPosition    float64 `mapstructure:"max_position" json:"max_position"`
}

// DiversificationConfig holds portfolio exposure caps.
type DiversificationConfig struct {
	MaxTotalExposurePct     float64 `mapstructure:"max_total_exposure_pct" json:"max_total_exposure_pct"`
	MaxClusterExposurePct   float64 `mapstructure:"max_cluster_exposure_pct" json:"max_cluster_exposure_pct"`
	MaxSameDayResolutionPct float64 `mapstructure:"max_same_day_resolution_pct" json:"max_same_day_resolution_pct"`
	MinPositionsFor50Pct    int     `mapstructure:"min_positions_for_50_pct" json:"min_positions_for_50_pct"`
	MinPositionsFor75Pct    int     `mapstructure:"min_positions_for_75_pct" json:"min_positions_for_75_pct"`
}

// RiskConfig holds drawdown limits and trade validation bounds.
type RiskConfig struct {
	MaxDailyLossPct          float64       `mapstructure:"max_daily_loss_pct" json:"max_daily_loss_pct"`
	MaxWeeklyLossPct         float64       `mapstructure:"max_weekly_loss_pct" json:"max_weekly_loss_pct"`
	MaxMonthlyLossPct        float64       `mapstructure:"max_monthly_loss_pct" json:"max_monthly_loss_pct"`
	MaxSingleTrade           float64       `mapstructure:"max_single_trade" json:"max_single_trade"`
	MinSingleTrade           float64       `mapstructure:"min_single_trade" json:"min_single_trade"`
	MinHoursBeforeResolution float64       `mapstructure:"min_hours_before_resolution" json:"min_hours_before_resolution"`
	CooldownAfterLoss        time.Duration `mapstructure:"cooldown_after_loss" json:"cooldown_after_loss"`
}

// ExecutionConfig holds order monitoring parameters.
type ExecutionConfig struct {
	OrderPollInterval time.Duration `mapstructure:"order_poll_interval" json:"order_poll_interval"`
	OrderTimeout      time.Duration `mapstructure:"order_timeout" json:"order_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
}

// SchedulerConfig holds the tick period for the task loop.
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval" json:"tick_interval"`
}

// ServerConfig holds HTTP/WebSocket server settings.
type ServerConfig struct {
	Host           string        `mapstructure:"host" json:"host"`
	Port           int           `mapstructure:"port" json:"port"`
	WebSocketPath  string        `mapstructure:"websocket_path" json:"websocket_path"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	MaxConnections int           `mapstructure:"max_connections" json:"max_connections"`
	EnableMetrics  bool          `mapstructure:"enable_metrics" json:"enable_metrics"`
}

// DatabaseConfig holds SQLite store settings.
type DatabaseConfig struct {
	Path          string `mapstructure:"path" json:"path"`
	RetentionDays int    `mapstructure:"retention_days" json:"retention_days"`
}

// WeatherConfig holds ensemble API settings.
type WeatherConfig struct {
	BaseURL           string        `mapstructure:"base_url" json:"base_url"`
	Models            []string      `mapstructure:"models" json:"models"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" json:"requests_per_second"`
	Burst             int           `mapstructure:"burst" json:"burst"`
	FetchConcurrency  int           `mapstructure:"fetch_concurrency" json:"fetch_concurrency"`
}

// MarketsConfig holds market discovery API settings.
type MarketsConfig struct {
	BaseURL           string        `mapstructure:"base_url" json:"base_url"`
	Tag               string        `mapstructure:"tag" json:"tag"`
	Limit             int           `mapstructure:"limit" json:"limit"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" json:"requests_per_second"`
	Burst             int           `mapstructure:"burst" json:"burst"`
}

// VenueConfig holds order venue API settings.
type VenueConfig struct {
	BaseURL           string        `mapstructure:"base_url" json:"base_url"`
	APIKey            string        `mapstructure:"api_key" json:"-"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" json:"requests_per_second"`
	Burst             int           `mapstructure:"burst" json:"burst"`
}

// FeedConfig holds price feed WebSocket settings.
type FeedConfig struct {
	URL                  string        `mapstructure:"url" json:"url"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay" json:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay" json:"reconnect_max_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval" json:"heartbeat_interval"`
}

// AlertsConfig holds alert thresholds and history sizes.
type AlertsConfig struct {
	MinEdgeForAlert   float64      `mapstructure:"min_edge_for_alert" json:"min_edge_for_alert"`
	PnLAlertThreshold float64      `mapstructure:"pnl_alert_threshold" json:"pnl_alert_threshold"`
	AlertHistory      int          `mapstructure:"alert_history" json:"alert_history"`
	ActivityHistory   int          `mapstructure:"activity_history" json:"activity_history"`
	Categories        AlertToggles `mapstructure:"categories" json:"categories"`
}

// AlertToggles enables or disables alert categories.
type AlertToggles struct {
	Trade    bool `mapstructure:"trade" json:"trade"`
	Risk     bool `mapstructure:"risk" json:"risk"`
	System   bool `mapstructure:"system" json:"system"`
	Market   bool `mapstructure:"market" json:"market"`
	Position bool `mapstructure:"position" json:"position"`
	Forecast bool `mapstructure:"forecast" json:"forecast"`
}

// TelegramConfig holds the optional Telegram alert sink settings.
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Token   string `mapstructure:"token" json:"-"`
	ChatID  int64  `mapstructure:"chat_id" json:"chat_id"`
}

// DefaultConfig returns the configuration tree with all defaults applied.
func DefaultConfig() Config {
	return Config{
		LogLevel:        "info",
		Trading:         DefaultTradingConfig(),
		Strategy:        DefaultStrategyConfig(),
		Sizing:          DefaultSizingConfig(),
		Diversification: DefaultDiversificationConfig(),
		Risk:            DefaultRiskConfig(),
		Execution:       DefaultExecutionConfig(),
		Scheduler:       SchedulerConfig{TickInterval: time.Second},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			WebSocketPath:  "/ws",
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			MaxConnections: 100,
			EnableMetrics:  true,
		},
		Database: DatabaseConfig{
			Path:          "data/trader.db",
			RetentionDays: 30,
		},
		Weather: WeatherConfig{
			BaseURL:           "https://ensemble-api.open-meteo.com/v1/ensemble",
			Models:            []string{"gfs_seamless", "ecmwf_ifs025", "icon_seamless", "gem_global_ensemble"},
			RequestTimeout:    30 * time.Second,
			RequestsPerSecond: 2,
			Burst:             4,
			FetchConcurrency:  4,
		},
		Markets: MarketsConfig{
			BaseURL:           "https://gamma-api.polymarket.com",
			Tag:               "weather",
			Limit:             100,
			RequestTimeout:    30 * time.Second,
			RequestsPerSecond: 2,
			Burst:             4,
		},
		Venue: VenueConfig{
			BaseURL:           "https://clob.polymarket.com",
			RequestTimeout:    30 * time.Second,
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Feed: FeedConfig{
			URL:                  "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			ReconnectBaseDelay:   2 * time.Second,
			ReconnectMaxDelay:    60 * time.Second,
			MaxReconnectAttempts: 10,
			HeartbeatInterval:    30 * time.Second,
		},
		Alerts: AlertsConfig{
			MinEdgeForAlert:   0.10,
			PnLAlertThreshold: 5.0,
			AlertHistory:      100,
			ActivityHistory:   500,
			Categories: AlertToggles{
				Trade:    true,
				Risk:     true,
				System:   true,
				Market:   true,
				Position: true,
				Forecast: true,
			},
		},
		Telegram: TelegramConfig{},
	}
}

// DefaultTradingConfig returns bankroll defaults for paper trading.
func DefaultTradingConfig() TradingConfig {
	return TradingConfig{InitialBankroll: 100, Paper: true}
}

// DefaultStrategyConfig returns the default edge thresholds.
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		MinEdge:             0.05,
		MaxEdge:             0.50,
		MinAgreement:        0.60,
		MinLiquidity:        1000,
		MinDaysToResolution: 0.5,
		MaxDaysToResolution: 7,
	}
}

// DefaultSizingConfig returns the default Kelly parameters.
func DefaultSizingConfig() SizingConfig {
	return SizingConfig{
		KellyFraction:  0.25,
		MaxPositionPct: 0.05,
		MinPosition:    1.0,
		MaxPosition:    10.0,
	}
}

// DefaultDiversificationConfig returns the default exposure caps.
func DefaultDiversificationConfig() DiversificationConfig {
	return DiversificationConfig{
		MaxTotalExposurePct:     0.75,
		MaxClusterExposurePct:   0.30,
		MaxSameDayResolutionPct: 0.40,
		MinPositionsFor50Pct:    2,
		MinPositionsFor75Pct:    3,
	}
}

// DefaultRiskConfig returns the default drawdown limits.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxDailyLossPct:          0.10,
		MaxWeeklyLossPct:         0.25,
		MaxMonthlyLossPct:        0.40,
		MaxSingleTrade:           10,
		MinSingleTrade:           1,
		MinHoursBeforeResolution: 12,
		CooldownAfterLoss:        30 * time.Minute,
	}
}

// DefaultExecutionConfig returns the default order monitoring parameters.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		OrderPollInterval: 15 * time.Second,
		OrderTimeout:      60 * time.Minute,
		RequestTimeout:    30 * time.Second,
	}
}

// Validate checks the configuration for out-of-range values.
func (c *Config) Validate() error {
	if c.Trading.InitialBankroll <= 0 {
		return fmt.Errorf("trading.initial_bankroll must be positive, got %v", c.Trading.InitialBankroll)
	}
	if c.Strategy.MinEdge < 0 || c.Strategy.MinEdge >= c.Strategy.MaxEdge {
		return fmt.Errorf("strategy.min_edge %v must be in [0, max_edge %v)", c.Strategy.MinEdge, c.Strategy.MaxEdge)
	}
	if c.Strategy.MinAgreement < 0 || c.Strategy.MinAgreement > 1 {
		return fmt.Errorf("strategy.min_agreement %v must be in [0, 1]", c.Strategy.MinAgreement)
	}
	if c.Sizing.KellyFraction <= 0 || c.Sizing.KellyFraction > 1 {
		return fmt.Errorf("sizing.kelly_fraction %v must be in (0, 1]", c.Sizing.KellyFraction)
	}
	if c.Sizing.MaxPositionPct <= 0 || c.Sizing.MaxPositionPct > 1 {
		return fmt.Errorf("sizing.max_position_pct %v must be in (0, 1]", c.Sizing.MaxPositionPct)
	}
	if c.Sizing.MinPosition <= 0 || c.Sizing.MinPosition > c.Sizing.MaxPosition {
		return fmt.Errorf("sizing.min_position %v must be in (0, max_position %v]", c.Sizing.MinPosition, c.Sizing.MaxPosition)
	}
	for name, pct := range map[string]float64{
		"diversification.max_total_exposure_pct":      c.Diversification.MaxTotalExposurePct,
		"diversification.max_cluster_exposure_pct":    c.Diversification.MaxClusterExposurePct,
		"diversification.max_same_day_resolution_pct": c.Diversification.MaxSameDayResolutionPct,
		"risk.max_daily_loss_pct":                     c.Risk.MaxDailyLossPct,
		"risk.max_weekly_loss_pct":                    c.Risk.MaxWeeklyLossPct,
		"risk.max_monthly_loss_pct":                   c.Risk.MaxMonthlyLossPct,
	} {
		if pct <= 0 || pct > 1 {
			return fmt.Errorf("%s %v must be in (0, 1]", name, pct)
		}
	}
	if c.Risk.MinSingleTrade <= 0 || c.Risk.MinSingleTrade > c.Risk.MaxSingleTrade {
		return fmt.Errorf("risk.min_single_trade %v must be in (0, max_single_trade %v]", c.Risk.MinSingleTrade, c.Risk.MaxSingleTrade)
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive, got %v", c.Scheduler.TickInterval)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("telegram.enabled requires telegram.token")
	}
	return nil
}
