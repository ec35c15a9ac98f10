package portfolio_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stormline/weather-trader/internal/clock"
	"github.com/stormline/weather-trader/internal/portfolio"
	"github.com/stormline/weather-trader/pkg/types"
)

var baseTime = time.Date(2026, 7, 14, 15, 0, 0, 0, time.UTC)

func newTracker() (*portfolio.Tracker, *clock.Fake) {
	clk := clock.NewFake(baseTime)
	return portfolio.NewTracker(zap.NewNop(), clk), clk
}

func yesPosition(id, market, token string) types.Position {
	return types.Position{
		ID:             id,
		MarketID:       market,
		TokenID:        token,
		Side:           types.TradeSideYes,
		EntryPrice:     0.40,
		Quantity:       decimal.NewFromInt(100),
		SizeUSD:        decimal.NewFromInt(40),
		ResolutionTime: baseTime.Add(24 * time.Hour),
		Location:       "NYC_LAGUARDIA",
		Cluster:        "US_NORTHEAST",
	}
}

func TestAddDefaults(t *testing.T) {
	tr, _ := newTracker()

	p := yesPosition("", "mkt-1", "tok-1")
	p.CurrentPrice = 0

	got := tr.Add(p)
	if got.ID == "" {
		t.Fatal("expected generated position ID")
	}
	if got.Status != types.PositionStatusOpen {
		t.Errorf("status = %q, want open", got.Status)
	}
	if got.CurrentPrice != got.EntryPrice {
		t.Errorf("current price = %v, want entry %v", got.CurrentPrice, got.EntryPrice)
	}
	if !got.OpenedAt.Equal(baseTime) {
		t.Errorf("opened at = %v, want %v", got.OpenedAt, baseTime)
	}

	stored, ok := tr.Get(got.ID)
	if !ok {
		t.Fatal("position not retrievable after Add")
	}
	if stored.MarketID != "mkt-1" {
		t.Errorf("market = %q, want mkt-1", stored.MarketID)
	}
}

func TestUpdatePricesMarksBothSides(t *testing.T) {
	tr, _ := newTracker()

	yes := tr.Add(yesPosition("pos-yes", "mkt-1", "tok-yes"))

	no := yesPosition("pos-no", "mkt-2", "tok-no")
	no.Side = types.TradeSideNo
	no.EntryPrice = 0.60
	no.SizeUSD = decimal.NewFromInt(60)
	tr.Add(no)

	var updates []types.Position
	tr.OnPriceUpdate(func(p types.Position) { updates = append(updates, p) })

	tr.UpdatePrices(map[string]float64{
		"tok-yes":  0.55,
		"tok-no":   0.75,
		"tok-none": 0.99, // not held
	})

	got, _ := tr.Get(yes.ID)
	if got.CurrentPrice != 0.55 {
		t.Fatalf("yes current = %v, want 0.55", got.CurrentPrice)
	}
	// (0.55 - 0.40) * 100 = 15
	if !got.UnrealizedPnL.Equal(decimal.NewFromInt(15)) {
		t.Errorf("yes unrealized = %s, want 15", got.UnrealizedPnL)
	}
	if got.UnrealizedPct != 0.375 {
		t.Errorf("yes unrealized pct = %v, want 0.375", got.UnrealizedPct)
	}

	got, _ = tr.Get("pos-no")
	// A NO position is long the NO token, so its own quote rising is a
	// gain just like YES: (0.75 - 0.60) * 100 = 15
	if !got.UnrealizedPnL.Equal(decimal.NewFromInt(15)) {
		t.Errorf("no unrealized = %s, want 15", got.UnrealizedPnL)
	}

	if len(updates) != 2 {
		t.Errorf("callbacks fired = %d, want 2", len(updates))
	}
}

func TestUpdatePriceIgnoresNonPositive(t *testing.T) {
	tr, _ := newTracker()
	p := tr.Add(yesPosition("pos-1", "mkt-1", "tok-1"))

	tr.UpdatePrice("tok-1", 0)
	tr.UpdatePrice("tok-1", -0.2)

	got, _ := tr.Get(p.ID)
	if got.CurrentPrice != p.EntryPrice {
		t.Errorf("current = %v, want untouched entry %v", got.CurrentPrice, p.EntryPrice)
	}
}

func TestCheckResolutionsWinAndLoss(t *testing.T) {
	tr, clk := newTracker()

	winner := tr.Add(yesPosition("pos-win", "mkt-1", "tok-1"))
	loser := tr.Add(yesPosition("pos-lose", "mkt-2", "tok-2"))
	pending := tr.Add(yesPosition("pos-wait", "mkt-3", "tok-3"))

	tr.UpdatePrices(map[string]float64{
		"tok-1": 0.97,
		"tok-2": 0.03,
		"tok-3": 0.50,
	})

	var realized []decimal.Decimal
	var outcomes []types.TradeSide
	tr.OnRealized(func(d decimal.Decimal, _ time.Time) {
		realized = append(realized, d)
	})
	tr.OnResolution(func(p types.Position, outcome types.TradeSide) {
		// realized callback must have run first for this position
		if len(realized) != len(outcomes)+1 {
			t.Errorf("resolution callback for %s fired before realized", p.ID)
		}
		outcomes = append(outcomes, outcome)
	})

	// Before resolution time nothing settles.
	if got := tr.CheckResolutions(clk.Now()); len(got) != 0 {
		t.Fatalf("settled %d positions before resolution time", len(got))
	}

	clk.Advance(25 * time.Hour)
	settled := tr.CheckResolutions(clk.Now())
	if len(settled) != 2 {
		t.Fatalf("settled = %d, want 2", len(settled))
	}

	got, _ := tr.Get(winner.ID)
	if got.Status != types.PositionStatusExpired {
		t.Errorf("winner status = %q, want expired", got.Status)
	}
	if got.ResolvedOutcome != types.TradeSideYes {
		t.Errorf("winner outcome = %q, want YES", got.ResolvedOutcome)
	}
	// (1 - 0.40) * 100 = 60
	if !got.RealizedPnL.Equal(decimal.NewFromInt(60)) {
		t.Errorf("winner realized = %s, want 60", got.RealizedPnL)
	}
	if got.ClosedAt == nil || !got.ClosedAt.Equal(clk.Now()) {
		t.Errorf("winner closed at = %v, want %v", got.ClosedAt, clk.Now())
	}

	got, _ = tr.Get(loser.ID)
	if !got.RealizedPnL.Equal(decimal.NewFromInt(-40)) {
		t.Errorf("loser realized = %s, want -40", got.RealizedPnL)
	}
	if got.ResolvedOutcome != types.TradeSideNo {
		t.Errorf("loser outcome = %q, want NO", got.ResolvedOutcome)
	}

	got, _ = tr.Get(pending.ID)
	if got.Status != types.PositionStatusOpen {
		t.Errorf("mid-range position settled early: status %q", got.Status)
	}

	if len(realized) != 2 || len(outcomes) != 2 {
		t.Errorf("callbacks: realized=%d outcomes=%d, want 2 each", len(realized), len(outcomes))
	}
	if !tr.TotalRealized().Equal(decimal.NewFromInt(20)) {
		t.Errorf("total realized = %s, want 20", tr.TotalRealized())
	}
}

func TestCheckResolutionsNoSide(t *testing.T) {
	tr, clk := newTracker()

	winner := yesPosition("pos-no-win", "mkt-1", "tok-1")
	winner.Side = types.TradeSideNo
	winner.EntryPrice = 0.70
	winner.SizeUSD = decimal.NewFromInt(70)
	tr.Add(winner)

	loser := yesPosition("pos-no-lose", "mkt-2", "tok-2")
	loser.Side = types.TradeSideNo
	loser.EntryPrice = 0.30
	loser.SizeUSD = decimal.NewFromInt(30)
	tr.Add(loser)

	// Held NO tokens converging to 1 mean the market resolved NO; to 0,
	// that it resolved YES.
	tr.UpdatePrices(map[string]float64{"tok-1": 0.97, "tok-2": 0.02})
	clk.Advance(25 * time.Hour)

	settled := tr.CheckResolutions(clk.Now())
	if len(settled) != 2 {
		t.Fatalf("settled = %d, want 2", len(settled))
	}

	got, _ := tr.Get("pos-no-win")
	if got.ResolvedOutcome != types.TradeSideNo {
		t.Errorf("winner outcome = %q, want NO", got.ResolvedOutcome)
	}
	// (1 - 0.70) * 100 = 30
	if !got.RealizedPnL.Equal(decimal.NewFromInt(30)) {
		t.Errorf("winner realized = %s, want 30", got.RealizedPnL)
	}

	got, _ = tr.Get("pos-no-lose")
	if got.ResolvedOutcome != types.TradeSideYes {
		t.Errorf("loser outcome = %q, want YES", got.ResolvedOutcome)
	}
	if !got.RealizedPnL.Equal(decimal.NewFromInt(-30)) {
		t.Errorf("loser realized = %s, want -30", got.RealizedPnL)
	}
}

func TestClose(t *testing.T) {
	tr, _ := newTracker()

	p := tr.Add(yesPosition("pos-1", "mkt-1", "tok-1"))
	tr.UpdatePrice("tok-1", 0.52)

	var closedEvents []types.Position
	var realizedTotal decimal.Decimal
	tr.OnRealized(func(d decimal.Decimal, _ time.Time) { realizedTotal = realizedTotal.Add(d) })
	tr.OnClosed(func(p types.Position) { closedEvents = append(closedEvents, p) })

	closed, err := tr.Close(p.ID, 0.50)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if closed.Status != types.PositionStatusClosed {
		t.Errorf("status = %q, want closed", closed.Status)
	}
	// (0.50 - 0.40) * 100 = 10
	if !closed.RealizedPnL.Equal(decimal.NewFromInt(10)) {
		t.Errorf("realized = %s, want 10", closed.RealizedPnL)
	}
	if !realizedTotal.Equal(decimal.NewFromInt(10)) {
		t.Errorf("realized callback total = %s, want 10", realizedTotal)
	}
	if len(closedEvents) != 1 {
		t.Fatalf("close callbacks = %d, want 1", len(closedEvents))
	}

	if _, err := tr.Close(p.ID, 0.50); err != portfolio.ErrPositionNotOpen {
		t.Errorf("second close err = %v, want ErrPositionNotOpen", err)
	}
	if _, err := tr.Close("missing", 0.50); err != portfolio.ErrPositionNotFound {
		t.Errorf("missing close err = %v, want ErrPositionNotFound", err)
	}
}

func TestCloseDefaultsToCurrentMark(t *testing.T) {
	tr, _ := newTracker()

	p := yesPosition("pos-1", "mkt-1", "tok-1")
	p.Side = types.TradeSideNo
	p.EntryPrice = 0.60
	tr.Add(p)
	tr.UpdatePrice("tok-1", 0.45)

	closed, err := tr.Close("pos-1", 0)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Held token fell 0.60 -> 0.45: (0.45 - 0.60) * 100 = -15
	if !closed.RealizedPnL.Equal(decimal.NewFromInt(-15)) {
		t.Errorf("realized = %s, want -15", closed.RealizedPnL)
	}
	if closed.CurrentPrice != 0.45 {
		t.Errorf("exit price = %v, want current mark 0.45", closed.CurrentPrice)
	}
}

func TestMarkClosingThenClose(t *testing.T) {
	tr, _ := newTracker()
	tr.Add(yesPosition("pos-1", "mkt-1", "tok-1"))

	if !tr.MarkClosing("pos-1") {
		t.Fatal("MarkClosing returned false for open position")
	}
	if tr.MarkClosing("pos-1") {
		t.Error("MarkClosing succeeded twice")
	}

	got, _ := tr.Get("pos-1")
	if got.Status != types.PositionStatusClosing {
		t.Fatalf("status = %q, want closing", got.Status)
	}

	if _, err := tr.Close("pos-1", 0.41); err != nil {
		t.Fatalf("Close of closing position: %v", err)
	}
}

func TestMergeAveragesEntry(t *testing.T) {
	tr, _ := newTracker()
	tr.Add(yesPosition("pos-1", "mkt-1", "tok-1"))

	var updated []types.Position
	tr.OnPriceUpdate(func(p types.Position) { updated = append(updated, p) })

	// 100 @ 0.40 plus 100 @ 0.50 -> 200 @ 0.45
	if !tr.Merge("pos-1", decimal.NewFromInt(100), 0.50) {
		t.Fatal("Merge returned false")
	}

	got, _ := tr.Get("pos-1")
	if !got.Quantity.Equal(decimal.NewFromInt(200)) {
		t.Errorf("quantity = %s, want 200", got.Quantity)
	}
	if !got.SizeUSD.Equal(decimal.NewFromInt(90)) {
		t.Errorf("size = %s, want 90", got.SizeUSD)
	}
	if got.EntryPrice != 0.45 {
		t.Errorf("entry = %v, want 0.45", got.EntryPrice)
	}
	if len(updated) != 1 {
		t.Errorf("update callbacks = %d, want 1", len(updated))
	}

	if tr.Merge("missing", decimal.NewFromInt(10), 0.50) {
		t.Error("Merge succeeded for unknown position")
	}
	if tr.Merge("pos-1", decimal.Zero, 0.50) {
		t.Error("Merge succeeded with zero quantity")
	}
}

func TestRestoreSkipsTerminal(t *testing.T) {
	tr, _ := newTracker()

	open := yesPosition("pos-open", "mkt-1", "tok-1")
	open.Status = types.PositionStatusOpen
	closed := yesPosition("pos-closed", "mkt-2", "tok-2")
	closed.Status = types.PositionStatusClosed

	n := tr.Restore([]*types.Position{&open, &closed, nil})
	if n != 1 {
		t.Fatalf("restored = %d, want 1", n)
	}
	if _, ok := tr.Get("pos-open"); !ok {
		t.Error("open position not restored")
	}
	if _, ok := tr.Get("pos-closed"); ok {
		t.Error("closed position restored into book")
	}

	stats := tr.Stats()
	if stats.OpenPositions != 1 || stats.ClosedPositions != 1 {
		t.Errorf("stats open=%d closed=%d, want 1/1", stats.OpenPositions, stats.ClosedPositions)
	}
}

func TestOpenSortedByAge(t *testing.T) {
	tr, clk := newTracker()

	tr.Add(yesPosition("pos-a", "mkt-1", "tok-1"))
	clk.Advance(time.Minute)
	tr.Add(yesPosition("pos-b", "mkt-2", "tok-2"))
	clk.Advance(time.Minute)
	tr.Add(yesPosition("pos-c", "mkt-3", "tok-3"))

	tr.MarkClosing("pos-b")

	open := tr.Open()
	if len(open) != 2 {
		t.Fatalf("open = %d, want 2", len(open))
	}
	if open[0].ID != "pos-a" || open[1].ID != "pos-c" {
		t.Errorf("order = %s,%s want pos-a,pos-c", open[0].ID, open[1].ID)
	}
}

func TestTokensAndForMarket(t *testing.T) {
	tr, _ := newTracker()

	tr.Add(yesPosition("pos-1", "mkt-1", "tok-b"))
	tr.Add(yesPosition("pos-2", "mkt-1", "tok-a"))
	tr.Add(yesPosition("pos-3", "mkt-2", "tok-b"))

	tokens := tr.Tokens()
	if len(tokens) != 2 || tokens[0] != "tok-a" || tokens[1] != "tok-b" {
		t.Errorf("tokens = %v, want [tok-a tok-b]", tokens)
	}

	if got := tr.ForMarket("mkt-1"); len(got) != 2 {
		t.Errorf("mkt-1 positions = %d, want 2", len(got))
	}
	if got := tr.ForMarket("mkt-9"); len(got) != 0 {
		t.Errorf("unknown market positions = %d, want 0", len(got))
	}
}

func TestPrune(t *testing.T) {
	tr, clk := newTracker()

	tr.Add(yesPosition("pos-old", "mkt-1", "tok-1"))
	tr.Add(yesPosition("pos-keep", "mkt-2", "tok-2"))

	if _, err := tr.Close("pos-old", 0.41); err != nil {
		t.Fatalf("Close: %v", err)
	}

	clk.Advance(48 * time.Hour)
	if _, err := tr.Close("pos-keep", 0.41); err != nil {
		t.Fatalf("Close: %v", err)
	}

	removed := tr.Prune(24 * time.Hour)
	if removed != 1 {
		t.Fatalf("pruned = %d, want 1", removed)
	}
	if _, ok := tr.Get("pos-old"); ok {
		t.Error("stale position survived prune")
	}
	if _, ok := tr.Get("pos-keep"); !ok {
		t.Error("recent position pruned")
	}
	if got := tr.ForMarket("mkt-1"); len(got) != 0 {
		t.Errorf("market index kept pruned position: %d entries", len(got))
	}
}

func TestStats(t *testing.T) {
	tr, _ := newTracker()

	tr.Add(yesPosition("pos-up", "mkt-1", "tok-1"))

	down := yesPosition("pos-down", "mkt-2", "tok-2")
	down.EntryPrice = 0.50
	down.SizeUSD = decimal.NewFromInt(50)
	tr.Add(down)

	tr.UpdatePrices(map[string]float64{"tok-1": 0.50, "tok-2": 0.45})

	stats := tr.Stats()
	if stats.OpenPositions != 2 {
		t.Fatalf("open = %d, want 2", stats.OpenPositions)
	}
	if !stats.TotalExposure.Equal(decimal.NewFromInt(90)) {
		t.Errorf("exposure = %s, want 90", stats.TotalExposure)
	}
	// 100*0.50 + 100*0.45 = 95
	if !stats.MarketValue.Equal(decimal.NewFromInt(95)) {
		t.Errorf("market value = %s, want 95", stats.MarketValue)
	}
	// +10 on pos-up, -5 on pos-down
	if !stats.UnrealizedPnL.Equal(decimal.NewFromInt(5)) {
		t.Errorf("unrealized = %s, want 5", stats.UnrealizedPnL)
	}
	if stats.Winning != 1 || stats.Losing != 1 {
		t.Errorf("winning=%d losing=%d, want 1/1", stats.Winning, stats.Losing)
	}
	if !stats.TotalPnL.Equal(decimal.NewFromInt(5)) {
		t.Errorf("total = %s, want 5", stats.TotalPnL)
	}

	if _, err := tr.Close("pos-down", 0.45); err != nil {
		t.Fatalf("Close: %v", err)
	}
	stats = tr.Stats()
	if !stats.RealizedPnL.Equal(decimal.NewFromInt(-5)) {
		t.Errorf("realized = %s, want -5", stats.RealizedPnL)
	}
	if stats.OpenPositions != 1 || stats.ClosedPositions != 1 {
		t.Errorf("open=%d closed=%d, want 1/1", stats.OpenPositions, stats.ClosedPositions)
	}
	if !stats.TotalExposure.Equal(decimal.NewFromInt(40)) {
		t.Errorf("exposure after close = %s, want 40", stats.TotalExposure)
	}
}
