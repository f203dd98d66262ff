package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"riskdesk/internal/broker"
	"riskdesk/internal/domain"
)

const opAutomatedExit = "automated_exit"

var errRejected = errors.New("order rejected by broker")

// ExitResult reports what the exit workflow did.
type ExitResult struct {
	Decision      domain.ExitDecision `json:"decision"`
	Cancelled     []int64             `json:"cancelled,omitempty"`
	MarketOrderID int64               `json:"market_order_id,omitempty"`
	Action        domain.Action       `json:"action,omitempty"`
	Quantity      float64             `json:"quantity,omitempty"`
}

// ExitController flattens a position on an exit signal. It re-reads broker
// state on every call, and an existing market order for the symbol makes a
// repeated call a no-op.
type ExitController struct {
	log *slog.Logger
}

// NewExitController creates an ExitController.
func NewExitController(log *slog.Logger) *ExitController {
	if log == nil {
		log = slog.Default()
	}
	return &ExitController{log: log.With("component", "exit")}
}

// Handle runs the exit workflow for symbol on sess. A cancellation or
// submission failure is returned alongside the partial result; the caller
// retries by invoking Handle again.
func (x *ExitController) Handle(ctx context.Context, sess broker.Session, c domain.Contract) (ExitResult, error) {
	symbol := c.Symbol
	log := x.log.With("session", sess.ID(), "symbol", symbol)

	orders, err := sess.OpenOrders(ctx)
	if err != nil {
		log.Error("reading open orders", "error", err)
		return ExitResult{}, domain.Wrap(domain.KindBrokerError, opAutomatedExit, symbol, err)
	}
	for _, o := range orders {
		if o.Symbol == symbol && o.Type == domain.OrderTypeMarket && !o.Status.IsTerminal() {
			log.Info("market order already working", "order_id", o.OrderID, "status", o.Status)
			return ExitResult{Decision: domain.ExitExistingMarketOrder, MarketOrderID: o.OrderID}, nil
		}
	}

	positions, err := sess.Positions(ctx)
	if err != nil {
		log.Error("reading positions", "error", err)
		return ExitResult{}, domain.Wrap(domain.KindBrokerError, opAutomatedExit, symbol, err)
	}
	var qty float64
	for _, p := range positions {
		if p.Symbol == symbol {
			qty += p.Quantity
		}
	}
	if qty == 0 {
		log.Info("no position to exit")
		return ExitResult{Decision: domain.ExitNoPosition}, nil
	}

	res := ExitResult{Decision: domain.ExitClosingPosition, Action: domain.ActionSell, Quantity: math.Abs(qty)}
	if qty < 0 {
		res.Action = domain.ActionBuy
	}

	// Stops are cancelled before the market order so they cannot fire
	// against it. Acknowledgement is not awaited.
	var errs []error
	for _, o := range orders {
		if o.Symbol != symbol || o.Type != domain.OrderTypeStop || !o.Status.IsWorking() {
			continue
		}
		if err := sess.CancelOrder(ctx, o.OrderID); err != nil {
			log.Error("cancelling stop", "order_id", o.OrderID, "error", err)
			errs = append(errs, fmt.Errorf("cancel %d: %w", o.OrderID, err))
			continue
		}
		res.Cancelled = append(res.Cancelled, o.OrderID)
		log.Info("stop cancel requested", "order_id", o.OrderID)
	}

	id, err := sess.NextOrderID(ctx)
	if err == nil {
		var ack domain.OrderAck
		ack, err = sess.PlaceOrder(ctx, c, domain.OrderSpec{
			OrderID:    id,
			Action:     res.Action,
			Type:       domain.OrderTypeMarket,
			Quantity:   res.Quantity,
			Transmit:   true,
			OutsideRTH: true,
		})
		if err == nil && ack.Status == domain.OrderStatusRejected {
			err = errRejected
		}
	}
	if err != nil {
		log.Error("market exit failed", "action", res.Action, "qty", res.Quantity, "error", err)
		errs = append(errs, fmt.Errorf("market exit: %w", err))
	} else {
		res.MarketOrderID = id
		log.Info("market exit submitted", "order_id", id, "action", res.Action, "qty", res.Quantity)
	}

	if len(errs) > 0 {
		return res, domain.Wrap(domain.KindBrokerError, opAutomatedExit, symbol, errors.Join(errs...))
	}
	return res, nil
}
