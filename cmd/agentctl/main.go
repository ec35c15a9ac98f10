// Command agentctl is the operator console for a running weather trading
// agent. It talks to the agent's HTTP API and renders the responses as
// tables, so halting, resuming and inspecting the agent never requires
// hand-written curl calls.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/stormline/weather-trader/internal/scheduler"
	"github.com/stormline/weather-trader/pkg/types"
	"github.com/stormline/weather-trader/pkg/utils"
)

const defaultURL = "http://127.0.0.1:8080"

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(args)
	case "tasks":
		err = cmdTasks(args)
	case "positions":
		err = cmdPositions(args)
	case "trades":
		err = cmdTrades(args)
	case "opportunities":
		err = cmdOpportunities(args)
	case "risk":
		err = cmdRisk(args)
	case "halt":
		err = cmdHalt(args)
	case "clear-halt":
		err = cmdClearHalt(args)
	case "start":
		err = engineAction(args, "start", "/api/v1/engine/start")
	case "pause":
		err = engineAction(args, "pause", "/api/v1/engine/pause")
	case "resume":
		err = engineAction(args, "resume", "/api/v1/engine/resume")
	case "stop":
		err = engineAction(args, "stop", "/api/v1/engine/stop")
	case "close":
		err = cmdClose(args)
	case "trade":
		err = cmdTrade(args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `agentctl controls a running weather trading agent over its HTTP API.

Usage:
  agentctl <command> [flags]

Commands:
  status          engine state, bankroll and exposure
  tasks           scheduler tasks and their run state
  positions       open positions
  trades          settled trades (-limit, -result win|loss)
  opportunities   scored candidates from the last trading cycle
  risk            multi-horizon P&L accounting and halt state
  halt            stop new trades until cleared (-reason)
  clear-halt      clear a trading halt (-force for monthly-loss halts)
  start           start a stopped engine
  pause           pause the trading loop, keep positions managed
  resume          resume a paused loop
  stop            stop the trading loop
  close           settle one position: close <position-id>
  trade           place a manual order (-market, -side, -size, -price)

Every command accepts -url (default %s, or env AGENT_URL).
`, defaultURL)
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	base := fs.String("url", envOr("AGENT_URL", defaultURL), "base URL of the running agent")
	return fs, base
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// client is a thin JSON wrapper over the agent's API. Error bodies are
// {"error": "..."} and surface as plain Go errors.
type client struct {
	base string
	hc   *http.Client
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *client) get(path string, out interface{}) error {
	resp, err := c.hc.Get(c.base + path)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func (c *client) post(path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	resp, err := c.hc.Post(c.base+path, "application/json", reader)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func decode(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func cmdStatus(args []string) error {
	fs, base := newFlagSet("status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := newClient(*base)

	var st types.EngineStatus
	if err := c.get("/api/v1/status", &st); err != nil {
		return err
	}

	trading := "yes"
	if !st.TradingAllowed {
		trading = "no"
		if st.TradingBlocked != "" {
			trading += " (" + st.TradingBlocked + ")"
		}
	}

	fmt.Printf("\n  State:            %s\n", st.State)
	fmt.Printf("  Uptime:           %s\n", utils.FormatDuration(time.Duration(st.UptimeSeconds)*time.Second))
	fmt.Printf("  Trading allowed:  %s\n", trading)
	fmt.Printf("  Venue connected:  %v\n", st.APIConnected)
	fmt.Printf("  Forecast age:     %s\n", fmtSeconds(st.ForecastAge))
	fmt.Printf("  Markets tracked:  %d\n", st.MarketsTracked)
	fmt.Printf("  Open positions:   %d\n", st.OpenPositions)
	fmt.Printf("  Pending orders:   %d\n", st.PendingOrders)
	fmt.Printf("  Bankroll:         %s\n", utils.FormatMoney(st.Bankroll, "USD"))
	fmt.Printf("  Total exposure:   %s\n", utils.FormatMoney(st.TotalExposure, "USD"))
	fmt.Printf("  Total P&L:        %s\n", utils.FormatMoney(st.TotalPnL, "USD"))
	fmt.Printf("  Last cycle:       %s\n", fmtTimePtr(st.LastCycleAt))
	fmt.Printf("  Opportunities:    %d in last cycle\n", st.Opportunities)
	fmt.Printf("  Trades submitted: %d\n\n", st.TradesSubmitted)
	return nil
}

func cmdTasks(args []string) error {
	fs, base := newFlagSet("tasks")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := newClient(*base)

	var payload struct {
		Tasks []scheduler.TaskInfo `json:"tasks"`
	}
	if err := c.get("/api/v1/tasks", &payload); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Task", "Priority", "Interval", "Enabled", "Next due", "Last run", "Runs", "Errors")
	for _, tk := range payload.Tasks {
		table.Append(
			tk.Name,
			tk.Priority.String(),
			tk.Interval.String(),
			yesNo(tk.Enabled),
			fmtTime(tk.NextDue),
			fmtTimePtr(tk.LastRun),
			fmt.Sprintf("%d", tk.RunCount),
			fmt.Sprintf("%d", tk.ErrorCount),
		)
	}
	table.Render()

	for _, tk := range payload.Tasks {
		if tk.LastError != "" {
			fmt.Printf("  ! %s: %s\n", tk.Name, tk.LastError)
		}
	}
	return nil
}

func cmdPositions(args []string) error {
	fs, base := newFlagSet("positions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := newClient(*base)

	var payload struct {
		Positions []types.Position `json:"positions"`
		Count     int              `json:"count"`
	}
	if err := c.get("/api/v1/positions", &payload); err != nil {
		return err
	}
	if payload.Count == 0 {
		fmt.Println("no open positions")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Market", "Side", "Size", "Entry", "Mark", "UPnL", "Status", "Resolves")
	for _, p := range payload.Positions {
		table.Append(
			p.ID,
			positionLabel(p),
			string(p.Side),
			"$"+p.SizeUSD.StringFixed(2),
			fmt.Sprintf("%.3f", p.EntryPrice),
			fmt.Sprintf("%.3f", p.CurrentPrice),
			"$"+p.UnrealizedPnL.StringFixed(2),
			string(p.Status),
			fmtTime(p.ResolutionTime),
		)
	}
	table.Render()
	return nil
}

func cmdTrades(args []string) error {
	fs, base := newFlagSet("trades")
	limit := fs.Int("limit", 20, "maximum trades to list")
	result := fs.String("result", "", "filter by result (win or loss)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := newClient(*base)

	path := fmt.Sprintf("/api/v1/trades?limit=%d", *limit)
	if *result != "" {
		path += "&result=" + neturl.QueryEscape(*result)
	}

	var payload struct {
		Trades []types.TradeRecord `json:"trades"`
		Count  int                 `json:"count"`
		Total  int                 `json:"total"`
	}
	if err := c.get(path, &payload); err != nil {
		return err
	}

	if payload.Count == 0 {
		fmt.Println("no settled trades")
	} else {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Market", "Side", "Size", "Entry", "Exit", "P&L", "Result", "Closed")
		for _, tr := range payload.Trades {
			label := tr.MarketID
			if tr.Question != "" {
				label = truncate(tr.Question, 32)
			}
			table.Append(
				tr.ID,
				label,
				string(tr.Side),
				"$"+tr.SizeUSD.StringFixed(2),
				fmt.Sprintf("%.3f", tr.EntryPrice),
				fmt.Sprintf("%.3f", tr.ExitPrice),
				"$"+tr.PnL.StringFixed(2),
				tr.Result,
				fmtTime(tr.ClosedAt),
			)
		}
		table.Render()
	}

	var sum struct {
		Total    int             `json:"total"`
		Wins     int             `json:"wins"`
		Losses   int             `json:"losses"`
		TotalPnL decimal.Decimal `json:"total_pnl"`
	}
	if err := c.get("/api/v1/trades/summary", &sum); err != nil {
		return err
	}
	winRate := 0.0
	if sum.Total > 0 {
		winRate = float64(sum.Wins) / float64(sum.Total) * 100
	}
	fmt.Printf("  %d trades all time: %d wins / %d losses (%.1f%%), net $%s\n",
		sum.Total, sum.Wins, sum.Losses, winRate, sum.TotalPnL.StringFixed(2))
	return nil
}

func cmdOpportunities(args []string) error {
	fs, base := newFlagSet("opportunities")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := newClient(*base)

	var payload struct {
		Opportunities []types.Opportunity `json:"opportunities"`
		Count         int                 `json:"count"`
	}
	if err := c.get("/api/v1/opportunities", &payload); err != nil {
		return err
	}
	if payload.Count == 0 {
		fmt.Println("no opportunities in the last cycle")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Market", "Location", "Forecast", "Price", "Edge", "Side", "Confidence", "Tradeable")
	for _, o := range payload.Opportunities {
		label, loc := "-", "-"
		if o.Market != nil {
			label = marketLabel(*o.Market)
			loc = o.Market.Location
		}
		tradeable := "yes"
		if !o.Tradeable {
			tradeable = o.Reason
		}
		table.Append(
			label,
			loc,
			fmt.Sprintf("%.1f%%", o.ForecastProb*100),
			fmt.Sprintf("%.1f%%", o.MarketProb*100),
			fmt.Sprintf("%+.1f%%", o.Edge*100),
			string(o.RecommendedSide),
			string(o.Confidence),
			tradeable,
		)
	}
	table.Render()
	return nil
}

func cmdRisk(args []string) error {
	fs, base := newFlagSet("risk")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := newClient(*base)

	var risk types.RiskState
	if err := c.get("/api/v1/risk", &risk); err != nil {
		return err
	}
	printRisk(risk)
	return nil
}

func cmdHalt(args []string) error {
	fs, base := newFlagSet("halt")
	reason := fs.String("reason", "", "reason recorded with the halt")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := newClient(*base)

	var body interface{}
	if *reason != "" {
		body = map[string]string{"reason": *reason}
	}
	var out struct {
		Halted bool            `json:"halted"`
		Risk   types.RiskState `json:"risk"`
	}
	if err := c.post("/api/v1/risk/halt", body, &out); err != nil {
		return err
	}
	fmt.Println("trading halted")
	printRisk(out.Risk)
	return nil
}

func cmdClearHalt(args []string) error {
	fs, base := newFlagSet("clear-halt")
	force := fs.Bool("force", false, "clear even a monthly-loss halt")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := newClient(*base)

	var body interface{}
	if *force {
		body = map[string]bool{"force": true}
	}
	var out struct {
		Cleared bool            `json:"cleared"`
		Risk    types.RiskState `json:"risk"`
	}
	if err := c.post("/api/v1/risk/clear-halt", body, &out); err != nil {
		return err
	}
	fmt.Println("halt cleared")
	printRisk(out.Risk)
	return nil
}

func engineAction(args []string, name, path string) error {
	fs, base := newFlagSet(name)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := newClient(*base)

	var out struct {
		State types.EngineState `json:"state"`
	}
	if err := c.post(path, nil, &out); err != nil {
		return err
	}
	fmt.Printf("engine %s\n", out.State)
	return nil
}

func cmdClose(args []string) error {
	fs, base := newFlagSet("close")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: agentctl close <position-id>")
	}
	c := newClient(*base)

	var pos types.Position
	if err := c.post("/api/v1/positions/"+neturl.PathEscape(fs.Arg(0))+"/close", nil, &pos); err != nil {
		return err
	}
	fmt.Printf("closed %s: %s %s, exit %.3f, realized $%s\n",
		pos.ID, pos.Side, positionLabel(pos), pos.CurrentPrice, pos.RealizedPnL.StringFixed(2))
	return nil
}

func cmdTrade(args []string) error {
	fs, base := newFlagSet("trade")
	market := fs.String("market", "", "market id (required)")
	side := fs.String("side", "", "YES or NO (required)")
	size := fs.Float64("size", 0, "position size in dollars (required)")
	price := fs.Float64("price", 0, "limit price, 0 uses the current market price")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *market == "" || *side == "" || *size <= 0 {
		return fmt.Errorf("trade requires -market, -side and a positive -size")
	}
	c := newClient(*base)

	body := map[string]interface{}{
		"market_id": *market,
		"side":      strings.ToUpper(*side),
		"size":      *size,
	}
	if *price > 0 {
		body["price"] = *price
	}
	var ord types.Order
	if err := c.post("/api/v1/trade", body, &ord); err != nil {
		return err
	}
	fmt.Printf("order %s submitted: %s %s $%s @ %.3f (%s)\n",
		ord.ID, ord.OutcomeSide, ord.MarketID, ord.SizeUSD.StringFixed(2), ord.Price, ord.Status)
	return nil
}

func printRisk(r types.RiskState) {
	fmt.Printf("\n  Daily P&L:          %s (since %s)\n", utils.FormatMoney(r.DailyPnL, "USD"), fmtTime(r.DayStart))
	fmt.Printf("  Weekly P&L:         %s\n", utils.FormatMoney(r.WeeklyPnL, "USD"))
	fmt.Printf("  Monthly P&L:        %s\n", utils.FormatMoney(r.MonthlyPnL, "USD"))
	fmt.Printf("  Total P&L:          %s\n", utils.FormatMoney(r.TotalPnL, "USD"))
	fmt.Printf("  Consecutive losses: %d\n", r.ConsecutiveLosses)
	fmt.Printf("  Trades today:       %d (%d all time)\n", r.TradesToday, r.TradesTotal)
	if r.IsHalted {
		fmt.Printf("  HALTED:             %s", r.HaltCause)
		if r.HaltReason != "" {
			fmt.Printf(" (%s)", r.HaltReason)
		}
		if r.HaltTime != nil {
			fmt.Printf(" since %s", fmtTime(*r.HaltTime))
		}
		fmt.Println()
	} else {
		fmt.Printf("  Halted:             no\n")
	}
	fmt.Println()
}

func positionLabel(p types.Position) string {
	if p.Question != "" {
		return truncate(p.Question, 32)
	}
	return p.MarketID
}

func marketLabel(m types.MarketSpec) string {
	if m.Question != "" {
		return truncate(m.Question, 38)
	}
	return m.MarketID
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func fmtSeconds(secs float64) string {
	if secs <= 0 {
		return "-"
	}
	return (time.Duration(secs) * time.Second).String()
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return fmtTime(*t)
}
