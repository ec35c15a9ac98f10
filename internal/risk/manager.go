// Package risk enforces drawdown limits over rolling UTC periods.
//
// The manager accounts realized P&L into daily, weekly and monthly
// windows, halts trading when a window breaches its configured loss
// limit, and gates every trade through canTrade/validateTrade. All
// limits are measured against the initial bankroll, not the current
// one, so a drawdown cannot loosen its own limit.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stormline/weather-trader/internal/clock"
	"github.com/stormline/weather-trader/pkg/types"
)

// HaltFunc is notified when a halt is set. It runs on the caller's
// goroutine after the manager's state is updated.
type HaltFunc func(cause types.HaltCause, reason string)

// Validation is the outcome of a trade validation. A rejected trade may
// carry a suggested size when a smaller trade would pass.
type Validation struct {
	OK            bool            `json:"ok"`
	Reason        string          `json:"reason,omitempty"`
	SuggestedSize decimal.Decimal `json:"suggested_size,omitempty"`
}

// Manager tracks realized P&L per period and halts trading on breach.
//
// Period boundaries are UTC: days roll at midnight, weeks on Monday
// 00:00, months on the 1st. A rollover clears a halt whose cause
// matches the rolled period, except MONTHLY_LOSS which only an explicit
// force-clear removes.
type Manager struct {
	logger          *zap.Logger
	cfg             types.RiskConfig
	clock           clock.Clock
	initialBankroll decimal.Decimal

	mu     sync.RWMutex
	state  types.RiskState
	onHalt HaltFunc
}

// NewManager creates a risk Manager with all period windows anchored at
// the current clock time.
func NewManager(logger *zap.Logger, cfg types.RiskConfig, initialBankroll decimal.Decimal, clk clock.Clock) *Manager {
	now := clk.Now().UTC()
	return &Manager{
		logger:          logger.Named("risk"),
		cfg:             cfg,
		clock:           clk,
		initialBankroll: initialBankroll,
		state: types.RiskState{
			DailyPnL:   decimal.Zero,
			WeeklyPnL:  decimal.Zero,
			MonthlyPnL: decimal.Zero,
			TotalPnL:   decimal.Zero,
			DayStart:   dayStart(now),
			WeekStart:  weekStart(now),
			MonthStart: monthStart(now),
			HaltCause:  types.HaltCauseNone,
		},
	}
}

// OnHalt registers the halt notification callback.
func (m *Manager) OnHalt(fn HaltFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHalt = fn
}

// Restore replaces the manager's state with a persisted snapshot. The
// next mutator call rolls any stale period windows forward.
func (m *Manager) Restore(state types.RiskState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state.HaltCause == "" {
		state.HaltCause = types.HaltCauseNone
	}
	m.state = state
	m.logger.Info("risk state restored",
		zap.String("daily_pnl", state.DailyPnL.String()),
		zap.String("total_pnl", state.TotalPnL.String()),
		zap.Bool("is_halted", state.IsHalted),
		zap.String("halt_cause", string(state.HaltCause)))
}

// UpdatePnL records a realized P&L event at the given instant, updates
// every period window and re-checks the loss limits.
func (m *Manager) UpdatePnL(delta decimal.Decimal, at time.Time) {
	m.mu.Lock()
	m.rolloverLocked(at)

	m.state.DailyPnL = m.state.DailyPnL.Add(delta)
	m.state.WeeklyPnL = m.state.WeeklyPnL.Add(delta)
	m.state.MonthlyPnL = m.state.MonthlyPnL.Add(delta)
	m.state.TotalPnL = m.state.TotalPnL.Add(delta)
	m.state.TradesToday++
	m.state.TradesTotal++

	if delta.IsNegative() {
		lossAt := at
		m.state.LastLossTime = &lossAt
		m.state.ConsecutiveLosses++
	} else {
		m.state.ConsecutiveLosses = 0
	}

	halted := m.checkLimitsLocked(at)
	cause, reason := m.state.HaltCause, m.state.HaltReason
	daily := m.state.DailyPnL
	cb := m.onHalt
	m.mu.Unlock()

	m.logger.Info("realized pnl recorded",
		zap.String("delta", delta.String()),
		zap.String("daily_pnl", daily.String()),
		zap.Time("at", at))

	if halted && cb != nil {
		cb(cause, reason)
	}
}

// CanTrade reports whether new orders may be emitted right now and, if
// not, why.
func (m *Manager) CanTrade(now time.Time) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked(now)

	if m.state.IsHalted {
		return false, fmt.Sprintf("trading halted: %s", m.state.HaltReason)
	}
	if m.state.LastLossTime != nil {
		elapsed := now.Sub(*m.state.LastLossTime)
		if elapsed >= 0 && elapsed < m.cfg.CooldownAfterLoss {
			remaining := m.cfg.CooldownAfterLoss - elapsed
			return false, fmt.Sprintf("in cooldown after loss (%.1f min remaining)", remaining.Minutes())
		}
	}
	return true, ""
}

// ValidateTrade gates a single proposed trade. The halt and cooldown
// checks run first, then the per-trade size bounds and the resolution
// proximity window.
func (m *Manager) ValidateTrade(size decimal.Decimal, resolutionTime, now time.Time) Validation {
	if ok, reason := m.CanTrade(now); !ok {
		return Validation{Reason: reason}
	}

	maxTrade := decimal.NewFromFloat(m.cfg.MaxSingleTrade)
	if size.GreaterThan(maxTrade) {
		return Validation{
			Reason:        fmt.Sprintf("size %s exceeds max single trade %s", size, maxTrade),
			SuggestedSize: maxTrade,
		}
	}
	minTrade := decimal.NewFromFloat(m.cfg.MinSingleTrade)
	if size.LessThan(minTrade) {
		return Validation{Reason: fmt.Sprintf("size %s below min single trade %s", size, minTrade)}
	}

	hours := resolutionTime.Sub(now).Hours()
	if hours < m.cfg.MinHoursBeforeResolution {
		return Validation{Reason: fmt.Sprintf(
			"resolution in %.1fh, minimum is %.1fh", hours, m.cfg.MinHoursBeforeResolution)}
	}
	return Validation{OK: true}
}

// TriggerManualHalt halts trading until cleared by an operator.
func (m *Manager) TriggerManualHalt(reason string) {
	m.triggerHalt(types.HaltCauseManual, reason)
}

// TriggerSystemHalt halts trading due to an internal fault.
func (m *Manager) TriggerSystemHalt(reason string) {
	m.triggerHalt(types.HaltCauseSystem, reason)
}

func (m *Manager) triggerHalt(cause types.HaltCause, reason string) {
	now := m.clock.Now().UTC()

	m.mu.Lock()
	m.haltLocked(cause, reason, now)
	cb := m.onHalt
	m.mu.Unlock()

	if cb != nil {
		cb(cause, reason)
	}
}

// ClearHalt removes the current halt. A MONTHLY_LOSS halt requires
// force; the return value reports whether the halt was cleared.
func (m *Manager) ClearHalt(force bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.IsHalted {
		return true
	}
	if m.state.HaltCause == types.HaltCauseMonthlyLoss && !force {
		m.logger.Warn("refusing to clear monthly loss halt without force")
		return false
	}
	m.logger.Info("halt cleared",
		zap.String("cause", string(m.state.HaltCause)),
		zap.Bool("force", force))
	m.clearHaltLocked()
	return true
}

// ResetDaily zeroes the daily window and anchors it at the current day.
// A DAILY_LOSS halt is cleared alongside.
func (m *Manager) ResetDaily() {
	now := m.clock.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.DailyPnL = decimal.Zero
	m.state.TradesToday = 0
	m.state.DayStart = dayStart(now)
	if m.state.IsHalted && m.state.HaltCause == types.HaltCauseDailyLoss {
		m.clearHaltLocked()
	}
	m.logger.Info("daily pnl reset")
}

// Snapshot returns a copy of the current risk state after rolling stale
// periods forward.
func (m *Manager) Snapshot() types.RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked(m.clock.Now())

	state := m.state
	if state.LastLossTime != nil {
		t := *state.LastLossTime
		state.LastLossTime = &t
	}
	if state.HaltTime != nil {
		t := *state.HaltTime
		state.HaltTime = &t
	}
	return state
}

// InitialBankroll returns the drawdown denominator.
func (m *Manager) InitialBankroll() decimal.Decimal {
	return m.initialBankroll
}

// CurrentBankroll returns the initial bankroll adjusted by total
// realized P&L.
func (m *Manager) CurrentBankroll() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialBankroll.Add(m.state.TotalPnL)
}

// IsHalted reports whether a halt is active without rolling periods.
func (m *Manager) IsHalted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.IsHalted
}

func (m *Manager) rolloverLocked(at time.Time) {
	at = at.UTC()

	if day := dayStart(at); day.After(m.state.DayStart) {
		m.state.DailyPnL = decimal.Zero
		m.state.TradesToday = 0
		m.state.DayStart = day
		if m.state.IsHalted && m.state.HaltCause == types.HaltCauseDailyLoss {
			m.clearHaltLocked()
		}
		m.logger.Info("daily rollover", zap.Time("day_start", day))
	}
	if week := weekStart(at); week.After(m.state.WeekStart) {
		m.state.WeeklyPnL = decimal.Zero
		m.state.WeekStart = week
		if m.state.IsHalted && m.state.HaltCause == types.HaltCauseWeeklyLoss {
			m.clearHaltLocked()
		}
		m.logger.Info("weekly rollover", zap.Time("week_start", week))
	}
	if month := monthStart(at); month.After(m.state.MonthStart) {
		// MONTHLY_LOSS stays set across the boundary; only a forced
		// clear removes it.
		m.state.MonthlyPnL = decimal.Zero
		m.state.MonthStart = month
		m.logger.Info("monthly rollover", zap.Time("month_start", month))
	}
}

// checkLimitsLocked evaluates the loss limits in severity order and
// returns true when a new halt was set. An existing halt is never
// overwritten.
func (m *Manager) checkLimitsLocked(at time.Time) bool {
	if m.state.IsHalted {
		return false
	}

	limit := func(pct float64) decimal.Decimal {
		return m.initialBankroll.Mul(decimal.NewFromFloat(pct)).Neg()
	}

	switch {
	case m.state.DailyPnL.LessThanOrEqual(limit(m.cfg.MaxDailyLossPct)):
		m.haltLocked(types.HaltCauseDailyLoss, fmt.Sprintf(
			"daily loss %s breached limit %s", m.state.DailyPnL, limit(m.cfg.MaxDailyLossPct)), at)
	case m.state.WeeklyPnL.LessThanOrEqual(limit(m.cfg.MaxWeeklyLossPct)):
		m.haltLocked(types.HaltCauseWeeklyLoss, fmt.Sprintf(
			"weekly loss %s breached limit %s", m.state.WeeklyPnL, limit(m.cfg.MaxWeeklyLossPct)), at)
	case m.state.MonthlyPnL.LessThanOrEqual(limit(m.cfg.MaxMonthlyLossPct)):
		m.haltLocked(types.HaltCauseMonthlyLoss, fmt.Sprintf(
			"monthly loss %s breached limit %s", m.state.MonthlyPnL, limit(m.cfg.MaxMonthlyLossPct)), at)
	default:
		return false
	}
	return true
}

func (m *Manager) haltLocked(cause types.HaltCause, reason string, at time.Time) {
	haltAt := at
	m.state.IsHalted = true
	m.state.HaltCause = cause
	m.state.HaltReason = reason
	m.state.HaltTime = &haltAt
	m.logger.Warn("trading halted",
		zap.String("cause", string(cause)),
		zap.String("reason", reason))
}

func (m *Manager) clearHaltLocked() {
	m.state.IsHalted = false
	m.state.HaltCause = types.HaltCauseNone
	m.state.HaltReason = ""
	m.state.HaltTime = nil
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func weekStart(t time.Time) time.Time {
	day := dayStart(t)
	// Weekday is Sunday-based; shift so Monday is 0.
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
