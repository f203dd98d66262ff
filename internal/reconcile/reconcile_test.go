package reconcile

import (
	"testing"
	"time"

	"riskdesk/internal/domain"
)

var t0 = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

func TestAggregateWeightedFill(t *testing.T) {
	fills := []domain.ExecutionFill{
		{ExecID: "e1", PermID: "P1", Symbol: "AAPL", Side: domain.SideBought, Shares: 100, Price: 10.00, Commission: 1.00, Time: t0.Add(2 * time.Second)},
		{ExecID: "e2", PermID: "P1", Symbol: "AAPL", Side: domain.SideBought, Shares: 50, Price: 10.02, Commission: 0.50, Time: t0},
		{ExecID: "e3", PermID: "P1", Symbol: "AAPL", Side: domain.SideBought, Shares: 25, Price: 9.98, Commission: 0.25, Time: t0.Add(time.Second)},
	}

	agg := Aggregate(fills)
	if len(agg) != 1 {
		t.Fatalf("got %d aggregated fills, want 1", len(agg))
	}
	f := agg[0]
	if f.Shares != 175 {
		t.Errorf("Shares = %v, want 175", f.Shares)
	}
	if f.AvgPrice != 10.0029 {
		t.Errorf("AvgPrice = %v, want 10.0029", f.AvgPrice)
	}
	if f.AdjustedAvgPrice != 10.0129 {
		t.Errorf("AdjustedAvgPrice = %v, want 10.0129", f.AdjustedAvgPrice)
	}
	if f.Commission != 1.75 {
		t.Errorf("Commission = %v, want 1.75", f.Commission)
	}
	if !f.Time.Equal(t0) {
		t.Errorf("Time = %v, want earliest fill %v", f.Time, t0)
	}
}

func TestAggregateOrdersByTime(t *testing.T) {
	fills := []domain.ExecutionFill{
		{PermID: "late", Symbol: "X", Shares: 1, Price: 1, Time: t0.Add(time.Hour)},
		{PermID: "early", Symbol: "X", Shares: 1, Price: 1, Time: t0},
		{OrderID: 9, Symbol: "X", Shares: 1, Price: 1, Time: t0.Add(time.Minute)},
	}
	agg := Aggregate(fills)
	got := []string{agg[0].PermID, agg[1].PermID, agg[2].PermID}
	want := []string{"early", "order-9", "late"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestReconcileOpeningFill(t *testing.T) {
	fills := []domain.ExecutionFill{
		// Earlier same-size fill at a different price does not match.
		{PermID: "P0", Symbol: "AAPL", Side: domain.SideBought, Shares: 100, Price: 148.00, Commission: 1, Time: t0.Add(-time.Hour)},
		{PermID: "P1", Symbol: "AAPL", Side: domain.SideBought, Shares: 60, Price: 149.99, Commission: 0.6, Time: t0},
		{PermID: "P1", Symbol: "AAPL", Side: domain.SideBought, Shares: 40, Price: 149.99, Commission: 0.4, Time: t0.Add(time.Second)},
		{PermID: "P2", Symbol: "AAPL", Side: domain.SideBought, Shares: 100, Price: 149.99, Commission: 1, Time: t0.Add(time.Hour)},
		{PermID: "S1", Symbol: "TSLA", Side: domain.SideSold, Shares: 10, Price: 200.01, Commission: 0.1, Time: t0},
	}
	positions := []domain.Position{
		{Symbol: "AAPL", Quantity: 100, AvgCost: 150.00},
		{Symbol: "TSLA", Quantity: -10, AvgCost: 200.02},
		{Symbol: "NVDA", Quantity: 5, AvgCost: 900},
	}
	orders := []domain.OpenOrder{
		{OrderID: 2, Symbol: "AAPL", Type: domain.OrderTypeStop, AuxPrice: 145, Status: domain.OrderStatusPreSubmitted},
		{OrderID: 3, Symbol: "TSLA", Type: domain.OrderTypeStop, AuxPrice: 210, Status: domain.OrderStatusSubmitted},
	}

	res := Reconcile(fills, positions, orders, Options{})

	if f := res.OpeningFills["AAPL"]; f == nil || f.PermID != "P1" {
		t.Errorf("AAPL opening fill = %+v, want P1", f)
	}
	if f := res.OpeningFills["TSLA"]; f == nil || f.PermID != "S1" {
		t.Errorf("TSLA opening fill = %+v, want S1", f)
	}
	if f, ok := res.OpeningFills["NVDA"]; !ok || f != nil {
		t.Errorf("NVDA opening fill = %+v (present=%v), want explicit nil", f, ok)
	}

	marked := 0
	for _, a := range res.Aggregated {
		if a.OpensPosition {
			marked++
		}
	}
	if marked != 2 {
		t.Errorf("%d fills marked as opening, want 2", marked)
	}

	if len(res.UnprotectedSymbols) != 1 || res.UnprotectedSymbols[0] != "NVDA" {
		t.Errorf("UnprotectedSymbols = %v, want [NVDA]", res.UnprotectedSymbols)
	}

	kinds := map[domain.ErrorKind]int{}
	for _, is := range res.Issues {
		kinds[is.Kind]++
	}
	if kinds[domain.KindReconciliationMismatch] != 1 || kinds[domain.KindUnprotectedPosition] != 1 {
		t.Errorf("issue kinds = %v", kinds)
	}
}

func TestReconcileIgnoreAndDedup(t *testing.T) {
	positions := []domain.Position{
		{Symbol: "IBKR", Quantity: 1, AvgCost: 50},
		{Symbol: "AMD", Quantity: 3, AvgCost: 100},
		{Symbol: "AMD", Quantity: 3, AvgCost: 100},
	}
	res := Reconcile(nil, positions, nil, Options{IgnoreSymbols: []string{"IBKR"}})
	if len(res.UnprotectedSymbols) != 1 || res.UnprotectedSymbols[0] != "AMD" {
		t.Errorf("UnprotectedSymbols = %v, want [AMD]", res.UnprotectedSymbols)
	}
}

func TestAddingToLoser(t *testing.T) {
	opening := map[string]domain.AggregatedFill{
		"AAPL": {PermID: "P1", Symbol: "AAPL", Side: domain.SideBought, AdjustedAvgPrice: 150, Time: t0},
		"TSLA": {PermID: "S1", Symbol: "TSLA", Side: domain.SideSold, AdjustedAvgPrice: 200, Time: t0},
		"AMD":  {PermID: "A1", Symbol: "AMD", Side: domain.SideBought, AdjustedAvgPrice: 100, Time: t0},
	}
	agg := []domain.AggregatedFill{
		opening["AAPL"],
		{PermID: "P2", Symbol: "AAPL", Side: domain.SideBought, AdjustedAvgPrice: 145, Time: t0.Add(time.Hour)},
		{PermID: "S2", Symbol: "TSLA", Side: domain.SideSold, AdjustedAvgPrice: 205, Time: t0.Add(time.Hour)},
		{PermID: "A2", Symbol: "AMD", Side: domain.SideBought, AdjustedAvgPrice: 105, Time: t0.Add(time.Hour)},
		{PermID: "A3", Symbol: "AMD", Side: domain.SideSold, AdjustedAvgPrice: 90, Time: t0.Add(time.Hour)},
	}

	got := AddingToLoser(opening, agg)
	if len(got) != 2 || got[0] != "AAPL" || got[1] != "TSLA" {
		t.Errorf("AddingToLoser = %v, want [AAPL TSLA]", got)
	}
}
