// Package reconcile rolls raw execution reports up into per-order fills and
// matches them against the broker's live positions.
package reconcile

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"riskdesk/internal/domain"
	"riskdesk/internal/risk"
)

// priceScale is the number of decimals aggregated prices are kept to.
const priceScale = 4

// matchScale is the tolerance used when matching a fill to a position's
// average cost.
const matchScale = 2

// Options tunes a reconciliation pass.
type Options struct {
	// IgnoreSymbols are never reported as unprotected.
	IgnoreSymbols []string
}

// Result is the outcome of one reconciliation pass.
type Result struct {
	Aggregated         []domain.AggregatedFill            `json:"aggregated"`
	UnprotectedSymbols []string                           `json:"unprotected_symbols"`
	OpeningFills       map[string]*domain.AggregatedFill `json:"opening_fills"`
	Issues             []domain.Issue                     `json:"issues"`
}

// Aggregate groups fills by PermID. Shares and commission are summed, the
// price is the share-weighted mean, and the time is the earliest fill. The
// result is ordered by time.
func Aggregate(fills []domain.ExecutionFill) []domain.AggregatedFill {
	type acc struct {
		first      domain.ExecutionFill
		shares     decimal.Decimal
		notional   decimal.Decimal
		commission decimal.Decimal
		earliest   time.Time
	}
	groups := make(map[string]*acc)
	var order []string

	for _, f := range fills {
		key := f.PermID
		if key == "" {
			key = "order-" + strconv.FormatInt(f.OrderID, 10)
		}
		a, ok := groups[key]
		if !ok {
			a = &acc{first: f, earliest: f.Time}
			groups[key] = a
			order = append(order, key)
		}
		shares := decimal.NewFromFloat(f.Shares)
		a.shares = a.shares.Add(shares)
		a.notional = a.notional.Add(shares.Mul(decimal.NewFromFloat(f.Price)))
		a.commission = a.commission.Add(decimal.NewFromFloat(f.Commission))
		if !f.Time.IsZero() && (a.earliest.IsZero() || f.Time.Before(a.earliest)) {
			a.earliest = f.Time
		}
	}

	out := make([]domain.AggregatedFill, 0, len(groups))
	for _, key := range order {
		a := groups[key]
		if a.shares.IsZero() {
			continue
		}
		avg := a.notional.Div(a.shares)
		adj := avg.Add(a.commission.Div(a.shares))

		shares, _ := a.shares.Float64()
		avgF, _ := avg.Round(priceScale).Float64()
		adjF, _ := adj.Round(priceScale).Float64()
		comm, _ := a.commission.Round(priceScale).Float64()
		out = append(out, domain.AggregatedFill{
			PermID:           key,
			Symbol:           a.first.Symbol,
			Side:             a.first.Side,
			Shares:           shares,
			AvgPrice:         avgF,
			AdjustedAvgPrice: adjF,
			Commission:       comm,
			Time:             a.earliest,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// Reconcile aggregates fills, finds each position's opening fill and lists
// positions without a live stop. Mismatches are reported as issues, never as
// errors.
func Reconcile(fills []domain.ExecutionFill, positions []domain.Position, orders []domain.OpenOrder, opts Options) Result {
	res := Result{
		Aggregated:   Aggregate(fills),
		OpeningFills: make(map[string]*domain.AggregatedFill, len(positions)),
	}

	ignore := make(map[string]bool, len(opts.IgnoreSymbols))
	for _, s := range opts.IgnoreSymbols {
		ignore[s] = true
	}
	stops := risk.StopsBySymbol(orders)
	seen := make(map[string]bool)

	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}

		idx := MatchOpening(res.Aggregated, p)
		if idx < 0 {
			res.OpeningFills[p.Symbol] = nil
			res.Issues = append(res.Issues, domain.Issue{
				Kind:    domain.KindReconciliationMismatch,
				Symbol:  p.Symbol,
				Message: fmt.Sprintf("no fill matches %v @ %.2f", p.Quantity, p.AvgCost),
			})
		} else {
			res.Aggregated[idx].OpensPosition = true
			f := res.Aggregated[idx]
			res.OpeningFills[p.Symbol] = &f
		}

		if len(stops[p.Symbol]) == 0 && !ignore[p.Symbol] && !seen[p.Symbol] {
			seen[p.Symbol] = true
			res.UnprotectedSymbols = append(res.UnprotectedSymbols, p.Symbol)
			res.Issues = append(res.Issues, domain.Issue{
				Kind:    domain.KindUnprotectedPosition,
				Symbol:  p.Symbol,
				Message: "Position without stop: " + p.Symbol,
			})
		}
	}
	return res
}

// MatchOpening returns the index of the earliest fill on the position's side
// whose shares equal |quantity| and whose adjusted price equals the average
// cost at two decimals, or -1. agg must be ordered by time.
func MatchOpening(agg []domain.AggregatedFill, p domain.Position) int {
	side := domain.SideFor(p.Quantity)
	shares := decimal.NewFromFloat(p.Quantity).Abs()
	cost := decimal.NewFromFloat(p.AvgCost).Round(matchScale)

	for i, f := range agg {
		if f.Symbol != p.Symbol || f.Side != side {
			continue
		}
		if !decimal.NewFromFloat(f.Shares).Equal(shares) {
			continue
		}
		if decimal.NewFromFloat(f.AdjustedAvgPrice).Round(matchScale).Equal(cost) {
			return i
		}
	}
	return -1
}

// AddingToLoser returns the symbols where a fill after the opening fill added
// to the position at a worse price: lower for longs, higher for shorts.
func AddingToLoser(opening map[string]domain.AggregatedFill, agg []domain.AggregatedFill) []string {
	var out []string
	flagged := make(map[string]bool)
	for _, f := range agg {
		o, ok := opening[f.Symbol]
		if !ok || flagged[f.Symbol] || f.PermID == o.PermID || f.Side != o.Side {
			continue
		}
		if !f.Time.After(o.Time) {
			continue
		}
		worse := f.AdjustedAvgPrice < o.AdjustedAvgPrice
		if o.Side == domain.SideSold {
			worse = f.AdjustedAvgPrice > o.AdjustedAvgPrice
		}
		if worse {
			flagged[f.Symbol] = true
			out = append(out, f.Symbol)
		}
	}
	return out
}
