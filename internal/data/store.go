// Package data persists trades, positions, risk snapshots, settings, and
// activity history in SQLite. The database is the source of truth for
// rebuilding in-memory state after a restart.
package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/stormline/weather-trader/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
    id               TEXT PRIMARY KEY,
    market_id        TEXT NOT NULL,
    token_id         TEXT NOT NULL,
    side             TEXT NOT NULL,
    entry_price      REAL NOT NULL DEFAULT 0,
    quantity         TEXT NOT NULL DEFAULT '0',
    size_usd         TEXT NOT NULL DEFAULT '0',
    current_price    REAL NOT NULL DEFAULT 0,
    unrealized_pnl   TEXT NOT NULL DEFAULT '0',
    unrealized_pct   REAL NOT NULL DEFAULT 0,
    realized_pnl     TEXT NOT NULL DEFAULT '0',
    status           TEXT NOT NULL,
    resolution_time  TEXT NOT NULL,
    location         TEXT NOT NULL DEFAULT '',
    cluster          TEXT NOT NULL DEFAULT '',
    question         TEXT NOT NULL DEFAULT '',
    edge_at_entry    REAL NOT NULL DEFAULT 0,
    opened_at        TEXT NOT NULL,
    closed_at        TEXT,
    resolved_outcome TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS trades (
    id          TEXT PRIMARY KEY,
    position_id TEXT NOT NULL,
    market_id   TEXT NOT NULL,
    question    TEXT NOT NULL DEFAULT '',
    side        TEXT NOT NULL,
    size_usd    TEXT NOT NULL DEFAULT '0',
    entry_price REAL NOT NULL DEFAULT 0,
    exit_price  REAL NOT NULL DEFAULT 0,
    pnl         TEXT NOT NULL DEFAULT '0',
    result      TEXT NOT NULL,
    variable    TEXT NOT NULL DEFAULT '',
    opened_at   TEXT NOT NULL,
    closed_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_snapshots (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    taken_at           TEXT NOT NULL,
    daily_pnl          TEXT NOT NULL DEFAULT '0',
    weekly_pnl         TEXT NOT NULL DEFAULT '0',
    monthly_pnl        TEXT NOT NULL DEFAULT '0',
    total_pnl          TEXT NOT NULL DEFAULT '0',
    day_start          TEXT NOT NULL,
    week_start         TEXT NOT NULL,
    month_start        TEXT NOT NULL,
    is_halted          INTEGER NOT NULL DEFAULT 0,
    halt_cause         TEXT NOT NULL DEFAULT 'none',
    halt_reason        TEXT NOT NULL DEFAULT '',
    halt_time          TEXT,
    last_loss_time     TEXT,
    consecutive_losses INTEGER NOT NULL DEFAULT 0,
    trades_today       INTEGER NOT NULL DEFAULT 0,
    trades_total       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS config_settings (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS activity_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    logged_at  TEXT NOT NULL,
    event_type TEXT NOT NULL,
    channel    TEXT NOT NULL,
    payload    TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_positions_market ON positions(market_id);
CREATE INDEX IF NOT EXISTS idx_trades_closed    ON trades(closed_at DESC);
CREATE INDEX IF NOT EXISTS idx_trades_market    ON trades(market_id);
CREATE INDEX IF NOT EXISTS idx_risk_taken       ON risk_snapshots(taken_at DESC);
CREATE INDEX IF NOT EXISTS idx_activity_logged  ON activity_logs(logged_at DESC);
`

const timeLayout = time.RFC3339Nano

// Store wraps the SQLite database.
type Store struct {
	db        *sql.DB
	logger    *zap.Logger
	retention time.Duration
}

// NewStore opens (or creates) the database at path, applies the schema, and
// prunes history older than retentionDays.
func NewStore(logger *zap.Logger, path string, retentionDays int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("data.NewStore: open %q: %w", path, err)
	}
	// SQLite is single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("data.NewStore: apply schema: %w", err)
	}

	s := &Store{
		db:        db,
		logger:    logger.Named("store"),
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
	s.pruneOld(context.Background())
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SavePosition inserts or updates a position keyed by its ID.
func (s *Store) SavePosition(ctx context.Context, p *types.Position) error {
	var closedAt interface{}
	if p.ClosedAt != nil {
		closedAt = fmtTime(*p.ClosedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions
			(id, market_id, token_id, side, entry_price, quantity, size_usd,
			 current_price, unrealized_pnl, unrealized_pct, realized_pnl,
			 status, resolution_time, location, cluster, question,
			 edge_at_entry, opened_at, closed_at, resolved_outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entry_price      = excluded.entry_price,
			quantity         = excluded.quantity,
			size_usd         = excluded.size_usd,
			current_price    = excluded.current_price,
			unrealized_pnl   = excluded.unrealized_pnl,
			unrealized_pct   = excluded.unrealized_pct,
			realized_pnl     = excluded.realized_pnl,
			status           = excluded.status,
			closed_at        = excluded.closed_at,
			resolved_outcome = excluded.resolved_outcome
	`,
		p.ID, p.MarketID, p.TokenID, string(p.Side), p.EntryPrice,
		p.Quantity.String(), p.SizeUSD.String(),
		p.CurrentPrice, p.UnrealizedPnL.String(), p.UnrealizedPct, p.RealizedPnL.String(),
		string(p.Status), fmtTime(p.ResolutionTime), p.Location, p.Cluster, p.Question,
		p.EdgeAtEntry, fmtTime(p.OpenedAt), closedAt, string(p.ResolvedOutcome),
	)
	if err != nil {
		return fmt.Errorf("data.SavePosition: upsert %s: %w", p.ID, err)
	}
	return nil
}

// GetPosition returns the position with the given ID, or nil when absent.
func (s *Store) GetPosition(ctx context.Context, id string) (*types.Position, error) {
	row := s.db.QueryRowContext(ctx, positionSelect+` WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("data.GetPosition: %w", err)
	}
	return p, nil
}

// OpenPositions returns every position whose status is open or closing,
// oldest first. Used to rebuild tracker state at startup.
func (s *Store) OpenPositions(ctx context.Context) ([]*types.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		positionSelect+` WHERE status IN (?, ?) ORDER BY opened_at ASC`,
		string(types.PositionStatusOpen), string(types.PositionStatusClosing))
	if err != nil {
		return nil, fmt.Errorf("data.OpenPositions: query: %w", err)
	}
	defer rows.Close()

	var out []*types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("data.OpenPositions: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PositionFilter narrows ListPositions.
type PositionFilter struct {
	Status string
	Limit  int
	Offset int
}

// ListPositions returns positions matching the filter, newest first.
func (s *Store) ListPositions(ctx context.Context, f PositionFilter) ([]*types.Position, error) {
	q := positionSelect
	var args []interface{}
	if f.Status != "" {
		q += ` WHERE status = ?`
		args = append(args, f.Status)
	}
	q += ` ORDER BY opened_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("data.ListPositions: query: %w", err)
	}
	defer rows.Close()

	var out []*types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("data.ListPositions: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveTrade inserts a completed trade. Trade IDs are unique; saving the
// same ID twice is an error.
func (s *Store) SaveTrade(ctx context.Context, t *types.TradeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades
			(id, position_id, market_id, question, side, size_usd,
			 entry_price, exit_price, pnl, result, variable, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.PositionID, t.MarketID, t.Question, string(t.Side), t.SizeUSD.String(),
		t.EntryPrice, t.ExitPrice, t.PnL.String(), t.Result, string(t.Variable),
		fmtTime(t.OpenedAt), fmtTime(t.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("data.SaveTrade: insert %s: %w", t.ID, err)
	}
	return nil
}

// TradeFilter narrows ListTrades. Start and End bound the entry time
// inclusively; zero values leave that side open.
type TradeFilter struct {
	MarketID string
	Result   string
	Variable string
	Start    time.Time
	End      time.Time
	Limit    int
	Offset   int
}

// ListTrades returns trades matching the filter, newest first, plus the
// total number of matching rows for pagination.
func (s *Store) ListTrades(ctx context.Context, f TradeFilter) ([]*types.TradeRecord, int, error) {
	var conds []string
	var args []interface{}
	if f.MarketID != "" {
		conds = append(conds, "market_id = ?")
		args = append(args, f.MarketID)
	}
	if f.Result != "" {
		conds = append(conds, "result = ?")
		args = append(args, f.Result)
	}
	if f.Variable != "" {
		conds = append(conds, "variable = ?")
		args = append(args, f.Variable)
	}
	// Timestamps are stored as RFC3339Nano strings; datetime() normalizes
	// them so the comparison is chronological, not lexicographic.
	if !f.Start.IsZero() {
		conds = append(conds, "datetime(opened_at) >= datetime(?)")
		args = append(args, fmtTime(f.Start))
	}
	if !f.End.IsZero() {
		conds = append(conds, "datetime(opened_at) <= datetime(?)")
		args = append(args, fmtTime(f.End))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trades`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("data.ListTrades: count: %w", err)
	}

	q := `
		SELECT id, position_id, market_id, question, side, size_usd,
		       entry_price, exit_price, pnl, result, variable, opened_at, closed_at
		FROM trades` + where + ` ORDER BY closed_at DESC`
	qargs := args
	if f.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		qargs = append(append([]interface{}{}, args...), f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, qargs...)
	if err != nil {
		return nil, 0, fmt.Errorf("data.ListTrades: query: %w", err)
	}
	defer rows.Close()

	var out []*types.TradeRecord
	for rows.Next() {
		var t types.TradeRecord
		var side, sizeUSD, pnl, variable, openedAt, closedAt string
		if err := rows.Scan(&t.ID, &t.PositionID, &t.MarketID, &t.Question, &side, &sizeUSD,
			&t.EntryPrice, &t.ExitPrice, &pnl, &t.Result, &variable, &openedAt, &closedAt); err != nil {
			return nil, 0, fmt.Errorf("data.ListTrades: scan: %w", err)
		}
		t.Side = types.TradeSide(side)
		t.Variable = types.Variable(variable)
		if t.SizeUSD, err = decimal.NewFromString(sizeUSD); err != nil {
			return nil, 0, fmt.Errorf("data.ListTrades: size_usd %q: %w", sizeUSD, err)
		}
		if t.PnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, 0, fmt.Errorf("data.ListTrades: pnl %q: %w", pnl, err)
		}
		if t.OpenedAt, err = parseTime(openedAt); err != nil {
			return nil, 0, fmt.Errorf("data.ListTrades: opened_at: %w", err)
		}
		if t.ClosedAt, err = parseTime(closedAt); err != nil {
			return nil, 0, fmt.Errorf("data.ListTrades: closed_at: %w", err)
		}
		out = append(out, &t)
	}
	return out, total, rows.Err()
}

// TradeSummary aggregates the trades table.
type TradeSummary struct {
	Total    int             `json:"total"`
	Wins     int             `json:"wins"`
	Losses   int             `json:"losses"`
	TotalPnL decimal.Decimal `json:"total_pnl"`
}

// Summary returns win/loss counts and cumulative P&L over trades entered
// at or after since. A zero since covers all time.
func (s *Store) Summary(ctx context.Context, since time.Time) (TradeSummary, error) {
	var sum TradeSummary
	q := `SELECT result, pnl FROM trades`
	var args []interface{}
	if !since.IsZero() {
		q += ` WHERE datetime(opened_at) >= datetime(?)`
		args = append(args, fmtTime(since))
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return sum, fmt.Errorf("data.Summary: query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var result, pnl string
		if err := rows.Scan(&result, &pnl); err != nil {
			return sum, fmt.Errorf("data.Summary: scan: %w", err)
		}
		d, err := decimal.NewFromString(pnl)
		if err != nil {
			return sum, fmt.Errorf("data.Summary: pnl %q: %w", pnl, err)
		}
		sum.Total++
		sum.TotalPnL = sum.TotalPnL.Add(d)
		switch result {
		case types.TradeResultWin:
			sum.Wins++
		case types.TradeResultLoss:
			sum.Losses++
		}
	}
	return sum, rows.Err()
}

// SaveRiskSnapshot appends a risk accounting snapshot.
func (s *Store) SaveRiskSnapshot(ctx context.Context, takenAt time.Time, st types.RiskState) error {
	var haltTime, lastLoss interface{}
	if st.HaltTime != nil {
		haltTime = fmtTime(*st.HaltTime)
	}
	if st.LastLossTime != nil {
		lastLoss = fmtTime(*st.LastLossTime)
	}
	halted := 0
	if st.IsHalted {
		halted = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_snapshots
			(taken_at, daily_pnl, weekly_pnl, monthly_pnl, total_pnl,
			 day_start, week_start, month_start, is_halted, halt_cause,
			 halt_reason, halt_time, last_loss_time, consecutive_losses,
			 trades_today, trades_total)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		fmtTime(takenAt),
		st.DailyPnL.String(), st.WeeklyPnL.String(), st.MonthlyPnL.String(), st.TotalPnL.String(),
		fmtTime(st.DayStart), fmtTime(st.WeekStart), fmtTime(st.MonthStart),
		halted, string(st.HaltCause), st.HaltReason, haltTime, lastLoss,
		st.ConsecutiveLosses, st.TradesToday, st.TradesTotal,
	)
	if err != nil {
		return fmt.Errorf("data.SaveRiskSnapshot: insert: %w", err)
	}
	return nil
}

// LatestRiskSnapshot returns the most recent snapshot, or nil when the
// table is empty.
func (s *Store) LatestRiskSnapshot(ctx context.Context) (*types.RiskState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT daily_pnl, weekly_pnl, monthly_pnl, total_pnl,
		       day_start, week_start, month_start, is_halted, halt_cause,
		       halt_reason, halt_time, last_loss_time, consecutive_losses,
		       trades_today, trades_total
		FROM risk_snapshots ORDER BY id DESC LIMIT 1
	`)

	var st types.RiskState
	var daily, weekly, monthly, total, dayStart, weekStart, monthStart, haltCause string
	var haltTime, lastLoss sql.NullString
	var halted int
	err := row.Scan(&daily, &weekly, &monthly, &total,
		&dayStart, &weekStart, &monthStart, &halted, &haltCause,
		&st.HaltReason, &haltTime, &lastLoss, &st.ConsecutiveLosses,
		&st.TradesToday, &st.TradesTotal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("data.LatestRiskSnapshot: scan: %w", err)
	}

	if st.DailyPnL, err = decimal.NewFromString(daily); err != nil {
		return nil, fmt.Errorf("data.LatestRiskSnapshot: daily_pnl %q: %w", daily, err)
	}
	if st.WeeklyPnL, err = decimal.NewFromString(weekly); err != nil {
		return nil, fmt.Errorf("data.LatestRiskSnapshot: weekly_pnl %q: %w", weekly, err)
	}
	if st.MonthlyPnL, err = decimal.NewFromString(monthly); err != nil {
		return nil, fmt.Errorf("data.LatestRiskSnapshot: monthly_pnl %q: %w", monthly, err)
	}
	if st.TotalPnL, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("data.LatestRiskSnapshot: total_pnl %q: %w", total, err)
	}
	if st.DayStart, err = parseTime(dayStart); err != nil {
		return nil, fmt.Errorf("data.LatestRiskSnapshot: day_start: %w", err)
	}
	if st.WeekStart, err = parseTime(weekStart); err != nil {
		return nil, fmt.Errorf("data.LatestRiskSnapshot: week_start: %w", err)
	}
	if st.MonthStart, err = parseTime(monthStart); err != nil {
		return nil, fmt.Errorf("data.LatestRiskSnapshot: month_start: %w", err)
	}
	st.IsHalted = halted == 1
	st.HaltCause = types.HaltCause(haltCause)
	if haltTime.Valid {
		t, err := parseTime(haltTime.String)
		if err != nil {
			return nil, fmt.Errorf("data.LatestRiskSnapshot: halt_time: %w", err)
		}
		st.HaltTime = &t
	}
	if lastLoss.Valid {
		t, err := parseTime(lastLoss.String)
		if err != nil {
			return nil, fmt.Errorf("data.LatestRiskSnapshot: last_loss_time: %w", err)
		}
		st.LastLossTime = &t
	}
	return &st, nil
}

// SettingAlertPrefs is the config_settings key under which the API server
// persists alert preferences so they survive restarts.
const SettingAlertPrefs = "alert_preferences"

// SetSetting stores a configuration value under key. Values are JSON.
func (s *Store) SetSetting(ctx context.Context, key string, value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("data.SetSetting: marshal %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO config_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(b), fmtTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("data.SetSetting: upsert %s: %w", key, err)
	}
	return nil
}

// GetSetting unmarshals the stored value for key into out. Returns false
// when the key is absent.
func (s *Store) GetSetting(ctx context.Context, key string, out interface{}) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config_settings WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("data.GetSetting: %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("data.GetSetting: unmarshal %s: %w", key, err)
	}
	return true, nil
}

// ActivityEntry is one row of the activity log.
type ActivityEntry struct {
	ID        int64           `json:"id"`
	LoggedAt  time.Time       `json:"logged_at"`
	EventType string          `json:"event_type"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
}

// AppendActivity records a broadcast event for later inspection.
func (s *Store) AppendActivity(ctx context.Context, loggedAt time.Time, eventType, channel string, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("data.AppendActivity: marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO activity_logs (logged_at, event_type, channel, payload) VALUES (?, ?, ?, ?)`,
		fmtTime(loggedAt), eventType, channel, string(b))
	if err != nil {
		return fmt.Errorf("data.AppendActivity: insert: %w", err)
	}
	return nil
}

// RecentActivity returns up to limit activity entries, newest first.
func (s *Store) RecentActivity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, logged_at, event_type, channel, payload
		FROM activity_logs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("data.RecentActivity: query: %w", err)
	}
	defer rows.Close()

	var out []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var loggedAt, payload string
		if err := rows.Scan(&e.ID, &loggedAt, &e.EventType, &e.Channel, &payload); err != nil {
			return nil, fmt.Errorf("data.RecentActivity: scan: %w", err)
		}
		if e.LoggedAt, err = parseTime(loggedAt); err != nil {
			return nil, fmt.Errorf("data.RecentActivity: logged_at: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// pruneOld trims history tables to the retention window. The newest risk
// snapshot always survives so restarts can restore state.
func (s *Store) pruneOld(ctx context.Context) {
	if s.retention <= 0 {
		return
	}
	cutoff := fmtTime(time.Now().UTC().Add(-s.retention))
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM activity_logs WHERE logged_at < ?`, cutoff); err != nil {
		s.logger.Warn("prune activity_logs failed", zap.Error(err))
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM risk_snapshots
		WHERE taken_at < ? AND id != (SELECT MAX(id) FROM risk_snapshots)
	`, cutoff); err != nil {
		s.logger.Warn("prune risk_snapshots failed", zap.Error(err))
	}
}

const positionSelect = `
	SELECT id, market_id, token_id, side, entry_price, quantity, size_usd,
	       current_price, unrealized_pnl, unrealized_pct, realized_pnl,
	       status, resolution_time, location, cluster, question,
	       edge_at_entry, opened_at, closed_at, resolved_outcome
	FROM positions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*types.Position, error) {
	var p types.Position
	var side, quantity, sizeUSD, unrealized, realized, status, resolution, openedAt, outcome string
	var closedAt sql.NullString
	err := row.Scan(&p.ID, &p.MarketID, &p.TokenID, &side, &p.EntryPrice, &quantity, &sizeUSD,
		&p.CurrentPrice, &unrealized, &p.UnrealizedPct, &realized,
		&status, &resolution, &p.Location, &p.Cluster, &p.Question,
		&p.EdgeAtEntry, &openedAt, &closedAt, &outcome)
	if err != nil {
		return nil, err
	}

	p.Side = types.TradeSide(side)
	p.Status = types.PositionStatus(status)
	p.ResolvedOutcome = types.TradeSide(outcome)
	if p.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("quantity %q: %w", quantity, err)
	}
	if p.SizeUSD, err = decimal.NewFromString(sizeUSD); err != nil {
		return nil, fmt.Errorf("size_usd %q: %w", sizeUSD, err)
	}
	if p.UnrealizedPnL, err = decimal.NewFromString(unrealized); err != nil {
		return nil, fmt.Errorf("unrealized_pnl %q: %w", unrealized, err)
	}
	if p.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
		return nil, fmt.Errorf("realized_pnl %q: %w", realized, err)
	}
	if p.ResolutionTime, err = parseTime(resolution); err != nil {
		return nil, fmt.Errorf("resolution_time: %w", err)
	}
	if p.OpenedAt, err = parseTime(openedAt); err != nil {
		return nil, fmt.Errorf("opened_at: %w", err)
	}
	if closedAt.Valid {
		t, err := parseTime(closedAt.String)
		if err != nil {
			return nil, fmt.Errorf("closed_at: %w", err)
		}
		p.ClosedAt = &t
	}
	return &p, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
