package engine

import (
	"context"
	"time"

	"riskdesk/internal/domain"
	"riskdesk/internal/risk"
	"riskdesk/internal/util"
)

// RiskManager holds the risk settings applied to entries: the default risk
// budget, the re-entry cooldown and the pre-trade notional limit.
type RiskManager struct {
	riskPerTrade   float64
	cooldown       time.Duration
	maxPositionPct float64
	clock          *util.VenueClock
}

// NewRiskManager creates a RiskManager.
//
//   - riskPerTrade: dollars risked per entry when the caller gives no budget.
//   - cooldown: minimum time between executions in one symbol.
//   - maxPositionPct: maximum notional of one entry as a fraction of net
//     liquidation (e.g. 0.10 for 10%); zero disables the check.
func NewRiskManager(riskPerTrade float64, cooldown time.Duration, maxPositionPct float64, clock *util.VenueClock) *RiskManager {
	return &RiskManager{
		riskPerTrade:   riskPerTrade,
		cooldown:       cooldown,
		maxPositionPct: maxPositionPct,
		clock:          clock,
	}
}

// Size returns the share count for an entry. A non-positive budget uses the
// configured risk per trade.
func (rm *RiskManager) Size(entry, stop, budget float64) (int64, error) {
	if budget <= 0 {
		budget = rm.riskPerTrade
	}
	return risk.SizePosition(entry, stop, budget)
}

// Cooldown returns the configured re-entry cooldown.
func (rm *RiskManager) Cooldown() time.Duration {
	return rm.cooldown
}

// CheckEntry applies the cooldown to symbol using the venue clock. A negative
// cooldown uses the configured one.
func (rm *RiskManager) CheckEntry(history []domain.ExecutionFill, symbol string, cooldown time.Duration) (bool, string) {
	if cooldown < 0 {
		cooldown = rm.cooldown
	}
	return risk.IsEntryAllowed(history, symbol, cooldown, rm.clock.Now(), rm.clock.Location())
}

// CheckOrder evaluates whether the proposed entry's notional value stays
// within maxPositionPct of the account's net liquidation.
func (rm *RiskManager) CheckOrder(_ context.Context, in *domain.OrderIntent, account *domain.AccountSummary) error {
	if rm.maxPositionPct <= 0 || account == nil || account.NetLiquidation <= 0 {
		return nil
	}
	notional := float64(in.Quantity) * in.EntryPrice
	limit := rm.maxPositionPct * account.NetLiquidation
	if notional > limit {
		return &domain.Error{
			Kind:   domain.KindEntryRejected,
			Op:     opSubmitBracket,
			Symbol: in.Symbol,
			Msg:    formatLimit(notional, limit),
		}
	}
	return nil
}
