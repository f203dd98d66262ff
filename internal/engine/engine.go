// Package engine exposes the caller-facing risk and order-lifecycle
// operations. Every operation that touches the broker opens its own session,
// re-reads broker state and releases the session before returning.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"riskdesk/internal/broker"
	"riskdesk/internal/domain"
	"riskdesk/internal/order"
	"riskdesk/internal/reconcile"
	"riskdesk/internal/risk"
	"riskdesk/internal/store"
)

const (
	opSubmitBracket = "submit_bracket"
	opAutomatedExit = "automated_exit"
	opPortfolioRisk = "portfolio_risk"
	opExitRequest   = "exit_request"
	opEntryCheck    = "entry_check"
)

// Routing is how contracts are built for symbols.
type Routing struct {
	Exchange        string
	Currency        string
	PrimaryExchange string
}

// Options configures an Engine.
type Options struct {
	Endpoint      broker.Endpoint
	Routing       Routing
	SettleDelay   time.Duration
	UseLastAsk    bool
	IgnoreSymbols []string
}

// Engine orchestrates sizing, bracket submission, automated exits and
// reconciliation against a broker.
type Engine struct {
	dialer broker.Dialer
	quoter broker.Quoter
	risk   *RiskManager
	exits  store.SymbolSet
	seq    *order.Sequencer
	exit   *order.ExitController
	opts   Options
	log    *slog.Logger
}

// NewEngine creates a new Engine wired with the given dependencies. quoter
// may be nil when last-ask pricing is not used.
func NewEngine(
	dialer broker.Dialer,
	quoter broker.Quoter,
	riskManager *RiskManager,
	exits store.SymbolSet,
	opts Options,
	log *slog.Logger,
) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if opts.Routing.Exchange == "" {
		opts.Routing.Exchange = "SMART"
	}
	if opts.Routing.Currency == "" {
		opts.Routing.Currency = "USD"
	}
	return &Engine{
		dialer: dialer,
		quoter: quoter,
		risk:   riskManager,
		exits:  exits,
		seq:    order.NewSequencer(opts.SettleDelay, log),
		exit:   order.NewExitController(log),
		opts:   opts,
		log:    log.With("component", "engine"),
	}
}

// Contract returns the routed stock contract for symbol.
func (e *Engine) Contract(symbol string) domain.Contract {
	r := e.opts.Routing
	return domain.StockContract(symbol, r.Exchange, r.Currency, r.PrimaryExchange)
}

func (e *Engine) withSession(ctx context.Context, fn func(ctx context.Context, s broker.Session) error) error {
	return broker.WithSession(ctx, e.dialer, e.opts.Endpoint, e.log, fn)
}

// brokerErr logs a failed broker call with its context and wraps it.
func (e *Engine) brokerErr(op, symbol, call string, err error) error {
	e.log.Error("broker call failed", "op", op, "symbol", symbol, "call", call, "error", err)
	return &domain.Error{Kind: domain.KindBrokerError, Op: op, Symbol: symbol, Msg: call, Err: err}
}

// ---------------------------------------------------------------------------
// Pure operations
// ---------------------------------------------------------------------------

// SizePosition returns floor(|risk / (entry - stop)|). A non-positive risk
// uses the configured risk per trade.
func (e *Engine) SizePosition(entry, stop, riskBudget float64) (int64, error) {
	return e.risk.Size(entry, stop, riskBudget)
}

// EvaluateOpenRisk derives the risk of each position from the given
// snapshot.
func (e *Engine) EvaluateOpenRisk(positions []domain.Position, orders []domain.OpenOrder, equity float64) []domain.RiskRecord {
	return risk.EvaluateOpenRisk(positions, orders, equity, e.log)
}

// Cooldown returns the configured re-entry cooldown.
func (e *Engine) Cooldown() time.Duration {
	return e.risk.Cooldown()
}

// IsEntryAllowed applies the re-entry cooldown to a caller-supplied history.
// A negative cooldown uses the configured one.
func (e *Engine) IsEntryAllowed(history []domain.ExecutionFill, symbol string, cooldown time.Duration) (bool, string) {
	return e.risk.CheckEntry(history, symbol, cooldown)
}

// ReconcileExecutions aggregates fills and matches them to positions.
func (e *Engine) ReconcileExecutions(fills []domain.ExecutionFill, positions []domain.Position, orders []domain.OpenOrder) reconcile.Result {
	return reconcile.Reconcile(fills, positions, orders, reconcile.Options{IgnoreSymbols: e.opts.IgnoreSymbols})
}

// ---------------------------------------------------------------------------
// Broker-backed operations
// ---------------------------------------------------------------------------

// RiskReport is the live portfolio risk.
type RiskReport struct {
	Account  domain.AccountSummary `json:"account"`
	Records  []domain.RiskRecord   `json:"records"`
	Exposure risk.Exposure         `json:"exposure"`
}

// PortfolioRisk reads positions, orders and the account from the broker and
// evaluates open risk against net liquidation.
func (e *Engine) PortfolioRisk(ctx context.Context) (RiskReport, error) {
	var rep RiskReport
	err := e.withSession(ctx, func(ctx context.Context, s broker.Session) error {
		positions, err := s.Positions(ctx)
		if err != nil {
			return e.brokerErr(opPortfolioRisk, "", "positions", err)
		}
		orders, err := s.OpenOrders(ctx)
		if err != nil {
			return e.brokerErr(opPortfolioRisk, "", "open_orders", err)
		}
		rep.Account, err = s.AccountSummary(ctx)
		if err != nil {
			return e.brokerErr(opPortfolioRisk, "", "account_summary", err)
		}
		rep.Records = e.EvaluateOpenRisk(positions, orders, rep.Account.NetLiquidation)
		rep.Exposure = risk.Summarize(rep.Records, rep.Account.NetLiquidation)
		return nil
	})
	return rep, err
}

// EntryAllowed applies the re-entry cooldown to the broker's current
// executions. A negative cooldown uses the configured one.
func (e *Engine) EntryAllowed(ctx context.Context, symbol string, cooldown time.Duration) (allowed bool, reason string, err error) {
	if symbol == "" {
		return false, "", domain.Errorf(domain.KindInvalidInput, opEntryCheck, "symbol is required")
	}
	err = e.withSession(ctx, func(ctx context.Context, s broker.Session) error {
		fills, err := s.Fills(ctx)
		if err != nil {
			return e.brokerErr(opEntryCheck, symbol, "fills", err)
		}
		allowed, reason = e.risk.CheckEntry(fills, symbol, cooldown)
		return nil
	})
	return allowed, reason, err
}

// BracketRequest asks for a protected entry. The direction follows from the
// stop: below the entry buys, above sells. A zero Quantity is sized from
// Risk, or from the configured risk per trade when Risk is zero.
type BracketRequest struct {
	Symbol     string  `json:"symbol"`
	Entry      float64 `json:"entry"`
	Stop       float64 `json:"stop"`
	Quantity   int64   `json:"quantity,omitempty"`
	Risk       float64 `json:"risk,omitempty"`
	UseLastAsk bool    `json:"use_last_ask,omitempty"`
}

// BracketResult is a submitted bracket.
type BracketResult struct {
	Bracket  domain.BracketOrder `json:"bracket"`
	Throttle string              `json:"throttle"`
}

func (e *Engine) intent(req BracketRequest, action domain.Action, entry float64) (domain.OrderIntent, error) {
	var err error
	qty := req.Quantity
	if qty == 0 {
		qty, err = e.risk.Size(entry, req.Stop, req.Risk)
		if err != nil {
			return domain.OrderIntent{}, err
		}
	}
	in := domain.OrderIntent{Symbol: req.Symbol, Action: action, Quantity: qty, EntryPrice: entry, StopPrice: req.Stop}
	if qty <= 0 {
		return in, domain.Errorf(domain.KindInvalidInput, opSubmitBracket, "quantity %d for %s: risk budget too small for stop distance", qty, req.Symbol)
	}
	return in, order.ValidateIntent(in)
}

// SubmitBracket validates and sizes the request, refuses symbols with a
// pending exit request, applies the re-entry cooldown and the notional limit
// to fresh broker state, and submits the bracket.
func (e *Engine) SubmitBracket(ctx context.Context, req BracketRequest) (BracketResult, error) {
	var res BracketResult
	if req.Symbol == "" {
		return res, domain.Errorf(domain.KindInvalidInput, opSubmitBracket, "symbol is required")
	}
	action, err := risk.ActionFor(req.Entry, req.Stop)
	if err != nil {
		return res, err
	}
	in, err := e.intent(req, action, req.Entry)
	if err != nil {
		return res, err
	}
	log := e.log.With("op", opSubmitBracket, "symbol", req.Symbol)

	if e.exits != nil {
		pending, err := e.exits.Contains(ctx, req.Symbol)
		if err != nil {
			return res, fmt.Errorf("checking exit requests: %w", err)
		}
		if pending {
			return res, &domain.Error{Kind: domain.KindEntryRejected, Op: opSubmitBracket, Symbol: req.Symbol, Msg: "exit requested for symbol"}
		}
	}

	err = e.withSession(ctx, func(ctx context.Context, s broker.Session) error {
		if req.UseLastAsk || e.opts.UseLastAsk {
			if e.quoter == nil {
				return domain.Errorf(domain.KindInvalidInput, opSubmitBracket, "last-ask pricing requested but no quote source configured")
			}
			ask, ok, err := e.quoter.LastAskPrice(ctx, req.Symbol)
			if err != nil {
				return e.brokerErr(opSubmitBracket, req.Symbol, "last_ask", err)
			}
			if ok {
				if (action == domain.ActionBuy && ask <= req.Stop) || (action == domain.ActionSell && ask >= req.Stop) {
					log.Warn("last ask is through the stop", "ask", ask, "stop", req.Stop, "action", action)
					return &domain.Error{Kind: domain.KindEntryRejected, Op: opSubmitBracket, Symbol: req.Symbol,
						Msg: fmt.Sprintf("last ask %.2f is through the stop %.2f for %s", ask, req.Stop, action)}
				}
				if in, err = e.intent(req, action, ask); err != nil {
					return err
				}
				log.Info("entry priced at last ask", "ask", ask)
			}
		}

		fills, err := s.Fills(ctx)
		if err != nil {
			return e.brokerErr(opSubmitBracket, req.Symbol, "fills", err)
		}
		allowed, reason := e.risk.CheckEntry(fills, req.Symbol, -1)
		res.Throttle = reason
		if !allowed {
			log.Warn("entry throttled", "reason", reason)
			return &domain.Error{Kind: domain.KindEntryRejected, Op: opSubmitBracket, Symbol: req.Symbol, Msg: reason}
		}

		account, err := s.AccountSummary(ctx)
		if err != nil {
			return e.brokerErr(opSubmitBracket, req.Symbol, "account_summary", err)
		}
		if err := e.risk.CheckOrder(ctx, &in, &account); err != nil {
			log.Warn("entry exceeds position limit", "error", err)
			return err
		}

		res.Bracket, err = e.seq.Submit(ctx, s, e.Contract(req.Symbol), in)
		return err
	})
	return res, err
}

// HandleAutomatedExit flattens symbol. A NoPosition outcome clears any exit
// request for the symbol.
func (e *Engine) HandleAutomatedExit(ctx context.Context, symbol string) (order.ExitResult, error) {
	if symbol == "" {
		return order.ExitResult{}, domain.Errorf(domain.KindInvalidInput, opAutomatedExit, "symbol is required")
	}
	var res order.ExitResult
	err := e.withSession(ctx, func(ctx context.Context, s broker.Session) error {
		var err error
		res, err = e.exit.Handle(ctx, s, e.Contract(symbol))
		return err
	})
	if err == nil && res.Decision == domain.ExitNoPosition && e.exits != nil {
		if rerr := e.exits.Remove(ctx, symbol); rerr != nil {
			e.log.Warn("clearing exit request", "symbol", symbol, "error", rerr)
		}
	}
	return res, err
}

// RequestExit marks symbol for exit on its next trigger.
func (e *Engine) RequestExit(ctx context.Context, symbol string) error {
	if symbol == "" {
		return domain.Errorf(domain.KindInvalidInput, opExitRequest, "symbol is required")
	}
	if e.exits == nil {
		return domain.Errorf(domain.KindInvalidInput, opExitRequest, "exit requests are not configured")
	}
	return e.exits.Add(ctx, symbol)
}

// CancelExitRequest removes a pending exit request.
func (e *Engine) CancelExitRequest(ctx context.Context, symbol string) error {
	if e.exits == nil {
		return nil
	}
	return e.exits.Remove(ctx, symbol)
}

// ExitRequests lists the symbols with a pending exit request.
func (e *Engine) ExitRequests(ctx context.Context) ([]string, error) {
	if e.exits == nil {
		return nil, nil
	}
	return e.exits.Members(ctx)
}

// OnExitTrigger runs the exit workflow for symbol only when an exit has been
// requested for it. triggered reports whether the workflow ran.
func (e *Engine) OnExitTrigger(ctx context.Context, symbol string) (res order.ExitResult, triggered bool, err error) {
	if e.exits == nil {
		return res, false, nil
	}
	requested, err := e.exits.Contains(ctx, symbol)
	if err != nil || !requested {
		return res, false, err
	}
	res, err = e.HandleAutomatedExit(ctx, symbol)
	return res, true, err
}

func formatLimit(notional, limit float64) string {
	return fmt.Sprintf("notional %.2f exceeds position limit %.2f", notional, limit)
}
