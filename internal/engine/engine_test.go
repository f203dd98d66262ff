package engine

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"riskdesk/internal/broker"
	"riskdesk/internal/domain"
	"riskdesk/internal/store"
	"riskdesk/internal/util"
)

var now = time.Date(2024, 3, 4, 16, 0, 0, 0, time.UTC)

func testClock(t *testing.T) *util.VenueClock {
	t.Helper()
	clk, err := util.NewVenueClock("Europe/Helsinki")
	if err != nil {
		t.Fatalf("NewVenueClock: %v", err)
	}
	return clk.WithNow(func() time.Time { return now })
}

type fixture struct {
	sim   *broker.Simulator
	exits *store.MemorySymbolSet
	eng   *Engine
}

func newFixture(t *testing.T, maxPositionPct float64) fixture {
	t.Helper()
	sim := broker.NewSimulator()
	sim.SetClock(func() time.Time { return now })
	sim.SetAccount(domain.AccountSummary{NetLiquidation: 100000})
	exits := store.NewMemorySymbolSet("", nil)
	rm := NewRiskManager(100, 10*time.Minute, maxPositionPct, testClock(t))
	eng := NewEngine(sim, sim, rm, exits, Options{
		Endpoint:      broker.Endpoint{ConnectTimeout: time.Second},
		IgnoreSymbols: []string{"IBKR"},
	}, nil)
	return fixture{sim: sim, exits: exits, eng: eng}
}

func TestNewEngine(t *testing.T) {
	e := NewEngine(nil, nil, nil, nil, Options{}, nil)
	if e == nil {
		t.Fatal("NewEngine returned nil")
	}
	if c := e.Contract("AAPL"); c.Exchange != "SMART" || c.Currency != "USD" || c.SecType != "STK" {
		t.Errorf("Contract = %+v", c)
	}
}

func TestRiskManagerCheckOrder(t *testing.T) {
	rm := NewRiskManager(100, time.Minute, 0.10, testClock(t))
	account := &domain.AccountSummary{NetLiquidation: 100000}

	ok := &domain.OrderIntent{Symbol: "AAPL", Action: domain.ActionBuy, Quantity: 50, EntryPrice: 150}
	if err := rm.CheckOrder(context.Background(), ok, account); err != nil {
		t.Fatalf("CheckOrder returned unexpected error: %v", err)
	}
	big := &domain.OrderIntent{Symbol: "AAPL", Action: domain.ActionBuy, Quantity: 100, EntryPrice: 150}
	if err := rm.CheckOrder(context.Background(), big, account); domain.KindOf(err) != domain.KindEntryRejected {
		t.Errorf("CheckOrder = %v, want entry_rejected", err)
	}
	if err := rm.CheckOrder(context.Background(), big, &domain.AccountSummary{}); err != nil {
		t.Errorf("CheckOrder without equity = %v, want nil", err)
	}
}

func TestSizePositionDefaultsBudget(t *testing.T) {
	f := newFixture(t, 0)
	qty, err := f.eng.SizePosition(10, 9.5, 0)
	if err != nil || qty != 200 {
		t.Errorf("SizePosition = %d, %v; want 200 from default budget", qty, err)
	}
	if _, err := f.eng.SizePosition(10, 10, 100); domain.KindOf(err) != domain.KindInvalidInput {
		t.Errorf("equal prices: err = %v, want invalid_input", err)
	}
}

func TestSubmitBracketSizesAndSubmits(t *testing.T) {
	f := newFixture(t, 0)
	res, err := f.eng.SubmitBracket(context.Background(), BracketRequest{Symbol: "AAPL", Entry: 10, Stop: 9.5})
	if err != nil {
		t.Fatalf("SubmitBracket: %v", err)
	}
	b := res.Bracket
	if b.Action != domain.ActionBuy || b.Quantity != 200 || b.State != domain.BracketTransmitted {
		t.Errorf("bracket = %+v", b)
	}
	if res.Throttle != "no prior execution" {
		t.Errorf("Throttle = %q", res.Throttle)
	}
	if n := f.sim.OpenSessions(); n != 0 {
		t.Errorf("%d sessions left open", n)
	}
}

func TestSubmitBracketUsesLastAsk(t *testing.T) {
	f := newFixture(t, 0)
	f.sim.SetQuote("AAPL", 10.5)
	res, err := f.eng.SubmitBracket(context.Background(), BracketRequest{Symbol: "AAPL", Entry: 10, Stop: 9.5, UseLastAsk: true})
	if err != nil {
		t.Fatalf("SubmitBracket: %v", err)
	}
	if res.Bracket.LimitPrice != 10.5 || res.Bracket.Quantity != 100 {
		t.Errorf("bracket = %+v, want 100 @ 10.5", res.Bracket)
	}
}

func TestSubmitBracketLastAskThroughStop(t *testing.T) {
	tests := []struct {
		name string
		req  BracketRequest
		ask  float64
	}{
		{"long gapped below stop", BracketRequest{Symbol: "AAPL", Entry: 100, Stop: 95, UseLastAsk: true}, 94},
		{"long ask at stop", BracketRequest{Symbol: "AAPL", Entry: 100, Stop: 95, UseLastAsk: true}, 95},
		{"short gapped above stop", BracketRequest{Symbol: "AAPL", Entry: 100, Stop: 105, UseLastAsk: true}, 106},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			f.sim.SetQuote("AAPL", tt.ask)
			_, err := f.eng.SubmitBracket(context.Background(), tt.req)
			if domain.KindOf(err) != domain.KindEntryRejected {
				t.Fatalf("err = %v, want entry_rejected", err)
			}
			if placed := f.sim.Placed(); len(placed) != 0 {
				t.Errorf("placed %+v, want nothing", placed)
			}
		})
	}
}

func TestSubmitBracketLastAskKeepsDirection(t *testing.T) {
	f := newFixture(t, 0)
	f.sim.SetQuote("AAPL", 104)
	res, err := f.eng.SubmitBracket(context.Background(), BracketRequest{Symbol: "AAPL", Entry: 100, Stop: 105, UseLastAsk: true})
	if err != nil {
		t.Fatalf("SubmitBracket: %v", err)
	}
	if res.Bracket.Action != domain.ActionSell || res.Bracket.LimitPrice != 104 || res.Bracket.Quantity != 100 {
		t.Errorf("bracket = %+v, want SELL 100 @ 104", res.Bracket)
	}
}

func TestSubmitBracketRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid input never reaches broker", func(t *testing.T) {
		f := newFixture(t, 0)
		f.sim.SetUnreachable(true)
		_, err := f.eng.SubmitBracket(ctx, BracketRequest{Symbol: "AAPL", Entry: 10, Stop: 10})
		if domain.KindOf(err) != domain.KindInvalidInput {
			t.Errorf("err = %v, want invalid_input", err)
		}
		_, err = f.eng.SubmitBracket(ctx, BracketRequest{Symbol: "AAPL", Entry: 100, Stop: 50, Risk: 10})
		if domain.KindOf(err) != domain.KindInvalidInput {
			t.Errorf("zero quantity: err = %v, want invalid_input", err)
		}
	})

	t.Run("exit pending", func(t *testing.T) {
		f := newFixture(t, 0)
		f.eng.RequestExit(ctx, "AAPL")
		_, err := f.eng.SubmitBracket(ctx, BracketRequest{Symbol: "AAPL", Entry: 10, Stop: 9})
		if domain.KindOf(err) != domain.KindEntryRejected {
			t.Errorf("err = %v, want entry_rejected", err)
		}
	})

	t.Run("cooldown", func(t *testing.T) {
		f := newFixture(t, 0)
		f.sim.AddFill(domain.ExecutionFill{PermID: "P1", Symbol: "AAPL", Side: domain.SideBought, Shares: 1, Price: 10, Time: now.Add(-5 * time.Minute)})
		_, err := f.eng.SubmitBracket(ctx, BracketRequest{Symbol: "AAPL", Entry: 10, Stop: 9})
		if domain.KindOf(err) != domain.KindEntryRejected {
			t.Errorf("err = %v, want entry_rejected", err)
		}
		if len(f.sim.Placed()) != 0 {
			t.Error("throttled entry placed orders")
		}
	})

	t.Run("position limit", func(t *testing.T) {
		f := newFixture(t, 0.01)
		_, err := f.eng.SubmitBracket(ctx, BracketRequest{Symbol: "AAPL", Entry: 10, Stop: 9.5})
		if domain.KindOf(err) != domain.KindEntryRejected {
			t.Errorf("err = %v, want entry_rejected", err)
		}
	})

	t.Run("unreachable broker", func(t *testing.T) {
		f := newFixture(t, 0)
		f.sim.SetUnreachable(true)
		f.eng.opts.Endpoint.ConnectTimeout = 20 * time.Millisecond
		_, err := f.eng.SubmitBracket(ctx, BracketRequest{Symbol: "AAPL", Entry: 10, Stop: 9})
		if domain.KindOf(err) != domain.KindConnectionTimeout {
			t.Errorf("err = %v, want connection_timeout", err)
		}
	})
}

func TestPortfolioRisk(t *testing.T) {
	f := newFixture(t, 0)
	f.sim.SetPosition("AAPL", -100, 150)
	f.sim.SetPosition("MSFT", 10, 300)
	f.sim.AddOrder(domain.OpenOrder{OrderID: 4, Symbol: "AAPL", Type: domain.OrderTypeStop, Action: domain.ActionBuy, Quantity: 100, AuxPrice: 155, Status: domain.OrderStatusPreSubmitted})

	rep, err := f.eng.PortfolioRisk(context.Background())
	if err != nil {
		t.Fatalf("PortfolioRisk: %v", err)
	}
	if len(rep.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(rep.Records))
	}
	if rep.Records[0].OpenRisk != 500 {
		t.Errorf("AAPL OpenRisk = %v, want 500", rep.Records[0].OpenRisk)
	}
	if !math.IsInf(rep.Records[1].OpenRisk, 1) {
		t.Errorf("MSFT OpenRisk = %v, want +Inf", rep.Records[1].OpenRisk)
	}
	if rep.Exposure.TotalRisk != 500 || len(rep.Exposure.Unprotected) != 1 {
		t.Errorf("Exposure = %+v", rep.Exposure)
	}
}

func TestExitRequestLifecycle(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.sim.SetPosition("TSLA", 20, 200)

	if _, triggered, _ := f.eng.OnExitTrigger(ctx, "TSLA"); triggered {
		t.Fatal("trigger acted without an exit request")
	}

	if err := f.eng.RequestExit(ctx, "TSLA"); err != nil {
		t.Fatalf("RequestExit: %v", err)
	}
	res, triggered, err := f.eng.OnExitTrigger(ctx, "TSLA")
	if err != nil || !triggered || res.Decision != domain.ExitClosingPosition {
		t.Fatalf("OnExitTrigger = %+v, %v, %v", res, triggered, err)
	}

	// Market order still working: the repeated trigger is a no-op.
	res, _, _ = f.eng.OnExitTrigger(ctx, "TSLA")
	if res.Decision != domain.ExitExistingMarketOrder {
		t.Errorf("second trigger = %s, want ExistingMarketOrder", res.Decision)
	}

	if err := f.sim.Fill(res.MarketOrderID, 199); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	res, _, _ = f.eng.OnExitTrigger(ctx, "TSLA")
	if res.Decision != domain.ExitNoPosition {
		t.Errorf("after fill = %s, want NoPosition", res.Decision)
	}
	if pending, _ := f.eng.ExitRequests(ctx); len(pending) != 0 {
		t.Errorf("exit requests = %v, want cleared after NoPosition", pending)
	}
}

func TestHandleAutomatedExitRequiresSymbol(t *testing.T) {
	f := newFixture(t, 0)
	if _, err := f.eng.HandleAutomatedExit(context.Background(), ""); domain.KindOf(err) != domain.KindInvalidInput {
		t.Errorf("err = %v, want invalid_input", err)
	}
}

func TestMonitorPass(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "riskdesk.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer db.Close()
	archive := store.NewParquetArchive(t.TempDir())
	mon := NewMonitor(f.eng, db, db, archive, testClock(t))
	mon.SetRetry(1, 0)

	// AAPL: long 100 @ 150 with a stop; MSFT: unprotected; IBKR ignored.
	f.sim.AddFill(domain.ExecutionFill{ExecID: "1", PermID: "P1", Symbol: "AAPL", Side: domain.SideBought, Shares: 100, Price: 149.99, Commission: 1, Time: now.Add(-time.Hour)})
	f.sim.SetPosition("AAPL", 100, 150)
	f.sim.AddOrder(domain.OpenOrder{OrderID: 2, Symbol: "AAPL", Type: domain.OrderTypeStop, Action: domain.ActionSell, Quantity: 100, AuxPrice: 145, Status: domain.OrderStatusPreSubmitted})
	f.sim.SetPosition("MSFT", 5, 300)
	f.sim.SetPosition("IBKR", 1, 80)

	res, err := mon.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.NewExecutions != 1 {
		t.Errorf("NewExecutions = %d, want 1", res.NewExecutions)
	}
	if len(res.Alarms) != 1 || res.Alarms[0] != "Position without stop: MSFT" {
		t.Errorf("Alarms = %v", res.Alarms)
	}

	// Second pass: same state raises nothing new.
	res, err = mon.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.NewExecutions != 0 || len(res.Alarms) != 0 {
		t.Errorf("second pass = %+v, want no new executions or alarms", res)
	}

	// Adding 100 more below the opening price flags adding to a loser.
	f.sim.AddFill(domain.ExecutionFill{ExecID: "2", PermID: "P2", Symbol: "AAPL", Side: domain.SideBought, Shares: 100, Price: 146, Commission: 1, Time: now.Add(-time.Minute)})
	f.sim.SetPosition("AAPL", 200, 148.005)
	res, err = mon.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(res.AddingToLoser) != 1 || res.AddingToLoser[0] != "AAPL" {
		t.Errorf("AddingToLoser = %v, want [AAPL]", res.AddingToLoser)
	}

	alarms, _ := db.ListAlarms(ctx, true)
	if len(alarms) != 2 {
		t.Errorf("active alarms = %+v, want 2", alarms)
	}
	archived, err := archive.Read(ctx, "2024-03-04")
	if err != nil || len(archived) != 2 {
		t.Errorf("archive = %+v, %v; want 2 executions", archived, err)
	}
}

func TestMonitorBrokerDown(t *testing.T) {
	f := newFixture(t, 0)
	f.sim.SetUnreachable(true)
	f.eng.opts.Endpoint.ConnectTimeout = 10 * time.Millisecond

	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "riskdesk.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer db.Close()
	mon := NewMonitor(f.eng, db, db, nil, testClock(t))
	mon.SetRetry(2, 0)

	_, err = mon.RunOnce(context.Background())
	var de *domain.Error
	if !errors.As(err, &de) || de.Kind != domain.KindConnectionTimeout {
		t.Errorf("err = %v, want connection_timeout", err)
	}
}
