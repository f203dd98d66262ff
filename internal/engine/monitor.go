package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"riskdesk/internal/broker"
	"riskdesk/internal/domain"
	"riskdesk/internal/reconcile"
	"riskdesk/internal/store"
	"riskdesk/internal/util"
)

// Monitor runs the portfolio control pass: reconcile the day's executions
// against live positions, persist them, and raise alarms for unprotected
// positions and for positions added to at a loss.
type Monitor struct {
	engine   *Engine
	execs    store.ExecutionStore
	alarms   store.AlarmStore
	archive  store.ExecutionArchive
	clock    *util.VenueClock
	attempts int
	backoff  time.Duration
	notify   func(symbol, message string)
	log      *slog.Logger
}

// NewMonitor creates a Monitor. archive may be nil.
func NewMonitor(e *Engine, execs store.ExecutionStore, alarms store.AlarmStore, archive store.ExecutionArchive, clock *util.VenueClock) *Monitor {
	return &Monitor{
		engine:   e,
		execs:    execs,
		alarms:   alarms,
		archive:  archive,
		clock:    clock,
		attempts: 3,
		backoff:  time.Second,
		log:      e.log.With("component", "monitor"),
	}
}

// SetRetry overrides how often a failed broker read is retried.
func (m *Monitor) SetRetry(attempts int, backoff time.Duration) {
	m.attempts = attempts
	m.backoff = backoff
}

// OnAlarm registers fn to be called for every newly raised alarm.
func (m *Monitor) OnAlarm(fn func(symbol, message string)) {
	m.notify = fn
}

// PassResult summarises one monitor pass.
type PassResult struct {
	Reconcile     reconcile.Result `json:"reconcile"`
	NewExecutions int              `json:"new_executions"`
	Alarms        []string         `json:"alarms"`
	AddingToLoser []string         `json:"adding_to_loser"`
}

type snapshot struct {
	fills     []domain.ExecutionFill
	positions []domain.Position
	orders    []domain.OpenOrder
}

// RunOnce performs a single pass.
func (m *Monitor) RunOnce(ctx context.Context) (PassResult, error) {
	var res PassResult
	var snap snapshot

	// The pass only reads, so a failed session is safe to retry.
	err := util.RetryWhen(ctx, m.attempts, m.backoff, domain.Transient, func() error {
		return m.engine.withSession(ctx, func(ctx context.Context, s broker.Session) error {
			var err error
			if snap.fills, err = s.Fills(ctx); err != nil {
				return fmt.Errorf("fills: %w", err)
			}
			if snap.positions, err = s.Positions(ctx); err != nil {
				return fmt.Errorf("positions: %w", err)
			}
			if snap.orders, err = s.OpenOrders(ctx); err != nil {
				return fmt.Errorf("open orders: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		m.log.Error("reading broker state", "error", err)
		return res, err
	}

	res.Reconcile = m.engine.ReconcileExecutions(snap.fills, snap.positions, snap.orders)
	for _, is := range res.Reconcile.Issues {
		if is.Kind == domain.KindReconciliationMismatch {
			m.log.Warn("opening fill not found", "symbol", is.Symbol, "detail", is.Message)
		}
	}

	if res.NewExecutions, err = m.execs.SaveExecutions(ctx, res.Reconcile.Aggregated); err != nil {
		return res, fmt.Errorf("saving executions: %w", err)
	}
	for symbol, f := range res.Reconcile.OpeningFills {
		if f == nil {
			continue
		}
		if err := m.execs.MarkOpening(ctx, f.PermID); err != nil {
			m.log.Warn("marking opening execution", "symbol", symbol, "perm_id", f.PermID, "error", err)
		}
	}
	if err := m.archiveFills(ctx, res.Reconcile.Aggregated); err != nil {
		m.log.Warn("archiving executions", "error", err)
	}

	for _, symbol := range res.Reconcile.UnprotectedSymbols {
		m.raise(ctx, &res, symbol, "Position without stop: "+symbol)
	}

	opening, err := m.execs.OpeningExecutions(ctx)
	if err != nil {
		return res, fmt.Errorf("loading opening executions: %w", err)
	}
	held := make(map[string]bool, len(snap.positions))
	for _, p := range snap.positions {
		held[p.Symbol] = true
	}
	for symbol := range opening {
		if !held[symbol] {
			delete(opening, symbol)
		}
	}
	res.AddingToLoser = reconcile.AddingToLoser(opening, res.Reconcile.Aggregated)
	for _, symbol := range res.AddingToLoser {
		m.raise(ctx, &res, symbol, "Adding to loser detected for "+symbol)
	}

	m.log.Info("monitor pass complete",
		"positions", len(snap.positions),
		"executions", len(res.Reconcile.Aggregated),
		"new_executions", res.NewExecutions,
		"unprotected", len(res.Reconcile.UnprotectedSymbols),
		"alarms", len(res.Alarms))
	return res, nil
}

func (m *Monitor) raise(ctx context.Context, res *PassResult, symbol, msg string) {
	created, err := m.alarms.RaiseAlarm(ctx, symbol, msg)
	if err != nil {
		m.log.Error("raising alarm", "symbol", symbol, "error", err)
		return
	}
	if created {
		m.log.Warn("alarm raised", "symbol", symbol, "message", msg)
		res.Alarms = append(res.Alarms, msg)
		if m.notify != nil {
			m.notify(symbol, msg)
		}
	}
}

func (m *Monitor) archiveFills(ctx context.Context, fills []domain.AggregatedFill) error {
	if m.archive == nil || len(fills) == 0 {
		return nil
	}
	byDay := make(map[string][]domain.AggregatedFill)
	for _, f := range fills {
		day := m.clock.TradingDay(f.Time)
		byDay[day] = append(byDay[day], f)
	}
	for day, group := range byDay {
		if err := m.archive.Append(ctx, day, group); err != nil {
			return err
		}
	}
	return nil
}

// Run performs a pass immediately and then every interval until ctx is
// cancelled. Failed passes are logged and do not stop the loop.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Info("monitor started", "interval", interval)
	for {
		if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("monitor pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			m.log.Info("monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}
