// Package risk holds the pure risk computations: position sizing, open risk
// per position, and the re-entry cooldown.
package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"riskdesk/internal/domain"
)

// SizePosition returns floor(|riskBudget / (entry - stop)|). Callers must
// reject a zero result before submitting an order.
func SizePosition(entry, stop, riskBudget float64) (int64, error) {
	const op = "size_position"
	for _, v := range []float64{entry, stop, riskBudget} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, domain.Errorf(domain.KindInvalidInput, op, "non-finite input")
		}
	}
	if entry <= 0 || stop <= 0 {
		return 0, domain.Errorf(domain.KindInvalidInput, op, "prices must be positive (entry=%v stop=%v)", entry, stop)
	}
	if entry == stop {
		return 0, domain.Errorf(domain.KindInvalidInput, op, "entry equals stop (%v)", entry)
	}

	perUnit := decimal.NewFromFloat(entry).Sub(decimal.NewFromFloat(stop))
	qty := decimal.NewFromFloat(riskBudget).Div(perUnit).Abs().Floor()
	return qty.IntPart(), nil
}

// ActionFor infers the entry direction from where the stop sits: a stop below
// the entry protects a long, a stop above protects a short.
func ActionFor(entry, stop float64) (domain.Action, error) {
	switch {
	case entry > stop:
		return domain.ActionBuy, nil
	case entry < stop:
		return domain.ActionSell, nil
	}
	return "", domain.Errorf(domain.KindInvalidInput, "infer_action", "entry equals stop (%v)", entry)
}
