// Package order sequences broker order actions: linked entry and stop
// brackets, and the flatten-on-signal exit workflow.
package order

import (
	"context"
	"log/slog"
	"math"
	"time"

	"riskdesk/internal/broker"
	"riskdesk/internal/domain"
)

const opSubmitBracket = "submit_bracket"

// Sequencer submits bracket orders. The parent is placed held and the stop
// child's transmit releases both, so an entry never goes live unprotected.
type Sequencer struct {
	settle time.Duration
	log    *slog.Logger
}

// NewSequencer creates a Sequencer that waits settle between the parent and
// the child submission.
func NewSequencer(settle time.Duration, log *slog.Logger) *Sequencer {
	if log == nil {
		log = slog.Default()
	}
	return &Sequencer{settle: settle, log: log.With("component", "bracket")}
}

// ValidateIntent rejects intents that must never reach the broker.
func ValidateIntent(in domain.OrderIntent) error {
	switch {
	case in.Symbol == "":
		return domain.Errorf(domain.KindInvalidInput, opSubmitBracket, "symbol is required")
	case !in.Action.Valid():
		return domain.Errorf(domain.KindInvalidInput, opSubmitBracket, "action must be BUY or SELL, got %q", in.Action)
	case in.Quantity <= 0:
		return domain.Errorf(domain.KindInvalidInput, opSubmitBracket, "quantity must be positive, got %d", in.Quantity)
	case !positive(in.EntryPrice) || !positive(in.StopPrice):
		return domain.Errorf(domain.KindInvalidInput, opSubmitBracket, "prices must be positive (entry=%v stop=%v)", in.EntryPrice, in.StopPrice)
	case in.Action == domain.ActionBuy && in.StopPrice >= in.EntryPrice:
		return domain.Errorf(domain.KindInvalidInput, opSubmitBracket, "buy stop %v must be below entry %v", in.StopPrice, in.EntryPrice)
	case in.Action == domain.ActionSell && in.StopPrice <= in.EntryPrice:
		return domain.Errorf(domain.KindInvalidInput, opSubmitBracket, "sell stop %v must be above entry %v", in.StopPrice, in.EntryPrice)
	}
	return nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// Submit places the bracket on sess. It returns the bracket in the last state
// it reached; on failure the error names the leg that failed. A failed
// bracket is never retried here.
func (s *Sequencer) Submit(ctx context.Context, sess broker.Session, c domain.Contract, in domain.OrderIntent) (domain.BracketOrder, error) {
	b := domain.BracketOrder{
		Symbol:     in.Symbol,
		Action:     in.Action,
		Quantity:   in.Quantity,
		LimitPrice: in.EntryPrice,
		StopPrice:  in.StopPrice,
		State:      domain.BracketPendingParent,
	}
	if err := ValidateIntent(in); err != nil {
		return b, err
	}
	log := s.log.With("session", sess.ID(), "symbol", in.Symbol)

	next, err := sess.NextOrderID(ctx)
	if err != nil {
		log.Error("next order id", "error", err)
		return b, &domain.Error{Kind: domain.KindBrokerError, Op: opSubmitBracket, Symbol: in.Symbol, Leg: domain.LegParent, Msg: "allocating order ids", Err: err}
	}
	b.ParentID, b.StopID = next, next+1

	parent := domain.OrderSpec{
		OrderID:    b.ParentID,
		Action:     in.Action,
		Type:       domain.OrderTypeLimit,
		Quantity:   float64(in.Quantity),
		LimitPrice: in.EntryPrice,
		Transmit:   false,
		OutsideRTH: true,
	}
	ack, err := sess.PlaceOrder(ctx, c, parent)
	if err == nil && ack.Status == domain.OrderStatusRejected {
		err = errRejected
	}
	if err != nil {
		log.Error("parent order failed", "order_id", b.ParentID, "error", err)
		return b, &domain.Error{Kind: domain.KindBrokerError, Op: opSubmitBracket, Symbol: in.Symbol, Leg: domain.LegParent, Err: err}
	}
	b.State = domain.BracketParentHeld
	log.Info("parent held", "order_id", b.ParentID, "action", in.Action, "qty", in.Quantity, "limit", in.EntryPrice)

	if err := sleepCtx(ctx, s.settle); err != nil {
		return b, s.partial(log, b, err)
	}

	stop := domain.OrderSpec{
		OrderID:    b.StopID,
		ParentID:   b.ParentID,
		Action:     in.Action.Reverse(),
		Type:       domain.OrderTypeStop,
		Quantity:   float64(in.Quantity),
		AuxPrice:   in.StopPrice,
		Transmit:   true,
		OutsideRTH: true,
	}
	ack, err = sess.PlaceOrder(ctx, c, stop)
	if err == nil && ack.Status == domain.OrderStatusRejected {
		err = errRejected
	}
	if err != nil {
		return b, s.partial(log, b, err)
	}
	b.State = domain.BracketStopAttached
	log.Info("stop attached", "order_id", b.StopID, "parent_id", b.ParentID, "stop", in.StopPrice, "status", ack.Status)

	b.State = domain.BracketTransmitted
	return b, nil
}

func (s *Sequencer) partial(log *slog.Logger, b domain.BracketOrder, err error) error {
	log.Error("stop order failed after parent was placed; manual reconciliation required",
		"parent_id", b.ParentID, "order_id", b.StopID, "error", err)
	return &domain.Error{
		Kind:   domain.KindPartialSubmission,
		Op:     opSubmitBracket,
		Symbol: b.Symbol,
		Leg:    domain.LegStop,
		Msg:    "parent held without stop",
		Err:    err,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
