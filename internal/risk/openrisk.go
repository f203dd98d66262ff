package risk

import (
	"log/slog"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"riskdesk/internal/domain"
)

// EvaluateOpenRisk derives one RiskRecord per position. A position without a
// live STP order gets OpenRisk = +Inf. When several STP orders exist for one
// symbol the lowest order id wins and the anomaly is logged.
func EvaluateOpenRisk(positions []domain.Position, orders []domain.OpenOrder, equity float64, log *slog.Logger) []domain.RiskRecord {
	if log == nil {
		log = slog.Default()
	}
	stops := StopsBySymbol(orders)

	records := make([]domain.RiskRecord, 0, len(positions))
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		rec := domain.RiskRecord{
			Symbol:   p.Symbol,
			Position: p.Quantity,
			AvgCost:  p.AvgCost,
			OpenRisk: math.Inf(1),
		}

		if cands := stops[p.Symbol]; len(cands) > 0 {
			if len(cands) > 1 {
				ids := make([]int64, len(cands))
				for i, o := range cands {
					ids[i] = o.OrderID
				}
				log.Warn("multiple stop orders for position", "symbol", p.Symbol, "order_ids", ids, "using", cands[0].OrderID)
			}
			stop := cands[0]
			aux := stop.AuxPrice
			rec.StopOrderID = stop.OrderID
			rec.StopAuxPrice = &aux
			rec.OpenRisk = openRisk(p.Quantity, aux, p.AvgCost)
		}

		if equity > 0 {
			pct := allocationPct(p.Quantity, p.AvgCost, equity)
			rec.AllocationPct = &pct
		}
		records = append(records, rec)
	}
	return records
}

// StopsBySymbol groups live STP orders by symbol, each group ordered by
// order id.
func StopsBySymbol(orders []domain.OpenOrder) map[string][]domain.OpenOrder {
	out := make(map[string][]domain.OpenOrder)
	for _, o := range orders {
		if o.Type != domain.OrderTypeStop || o.Status.IsTerminal() {
			continue
		}
		out[o.Symbol] = append(out[o.Symbol], o)
	}
	for _, group := range out {
		sort.Slice(group, func(i, j int) bool { return group[i].OrderID < group[j].OrderID })
	}
	return out
}

func openRisk(qty, aux, avgCost float64) float64 {
	d := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(aux).Sub(decimal.NewFromFloat(avgCost))).Abs()
	f, _ := d.Round(2).Float64()
	return f
}

func allocationPct(qty, avgCost, equity float64) float64 {
	d := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(avgCost)).Abs().
		Div(decimal.NewFromFloat(equity)).Mul(decimal.NewFromInt(100))
	f, _ := d.Round(2).Float64()
	return f
}

// Exposure totals a set of risk records. Unprotected positions are counted,
// never summed, so TotalRisk stays finite.
type Exposure struct {
	TotalRisk     float64  `json:"total_risk"`
	TotalRiskPct  *float64 `json:"total_risk_pct"`
	AllocationPct float64  `json:"allocation_pct"`
	Unprotected   []string `json:"unprotected"`
}

// Summarize folds records into portfolio-level exposure.
func Summarize(records []domain.RiskRecord, equity float64) Exposure {
	total := decimal.Zero
	alloc := decimal.Zero
	var ex Exposure
	for _, r := range records {
		if !r.Protected() {
			ex.Unprotected = append(ex.Unprotected, r.Symbol)
		} else {
			total = total.Add(decimal.NewFromFloat(r.OpenRisk))
		}
		if r.AllocationPct != nil {
			alloc = alloc.Add(decimal.NewFromFloat(*r.AllocationPct))
		}
	}
	ex.TotalRisk, _ = total.Round(2).Float64()
	ex.AllocationPct, _ = alloc.Round(2).Float64()
	if equity > 0 {
		pct, _ := total.Div(decimal.NewFromFloat(equity)).Mul(decimal.NewFromInt(100)).Round(2).Float64()
		ex.TotalRiskPct = &pct
	}
	return ex
}
