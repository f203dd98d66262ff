package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"riskdesk/internal/domain"
)

// Compile-time interface checks.
var _ Dialer = (*Simulator)(nil)
var _ Quoter = (*Simulator)(nil)
var _ Session = (*simSession)(nil)

// ErrSessionClosed is returned by a session used after Close.
var ErrSessionClosed = errors.New("broker session closed")

// Simulator is an in-memory broker for paper trading and tests. All sessions
// dialled from one Simulator see the same account. Orders placed without
// transmit are held until a transmitting child releases them.
type Simulator struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	orders    map[int64]*simOrder
	fills     []domain.ExecutionFill
	quotes    map[string]float64
	account   domain.AccountSummary
	nextID    int64
	now       func() time.Time

	unreachable bool
	placeHook   func(c domain.Contract, spec domain.OrderSpec) error
	cancelHook  func(orderID int64) error

	opened int
	closed int
	placed []domain.OrderSpec
}

type simOrder struct {
	domain.OpenOrder
	contract domain.Contract
}

// NewSimulator creates a Simulator with an empty account. Order ids start at 1.
func NewSimulator() *Simulator {
	return &Simulator{
		positions: make(map[string]domain.Position),
		orders:    make(map[int64]*simOrder),
		quotes:    make(map[string]float64),
		nextID:    1,
		now:       time.Now,
	}
}

// Name returns "simulator".
func (s *Simulator) Name() string {
	return "simulator"
}

// Dial returns a new session. An unreachable simulator never confirms and
// blocks until ctx is done.
func (s *Simulator) Dial(ctx context.Context, _ Endpoint) (Session, error) {
	s.mu.Lock()
	unreachable := s.unreachable
	s.mu.Unlock()
	if unreachable {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	s.mu.Lock()
	s.opened++
	s.mu.Unlock()
	return &simSession{sim: s, id: uuid.NewString()}, nil
}

// LastAskPrice returns the quote set with SetQuote.
func (s *Simulator) LastAskPrice(_ context.Context, symbol string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.quotes[symbol]
	return p, ok && p > 0, nil
}

// ---------------------------------------------------------------------------
// Test and paper-trading controls
// ---------------------------------------------------------------------------

// SetPosition replaces the position for symbol. A zero quantity removes it.
func (s *Simulator) SetPosition(symbol string, qty, avgCost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if qty == 0 {
		delete(s.positions, symbol)
		return
	}
	s.positions[symbol] = domain.Position{Symbol: symbol, Quantity: qty, AvgCost: avgCost}
}

// SetAccount replaces the account summary.
func (s *Simulator) SetAccount(a domain.AccountSummary) {
	s.mu.Lock()
	s.account = a
	s.mu.Unlock()
}

// SetQuote sets the last ask price for symbol.
func (s *Simulator) SetQuote(symbol string, ask float64) {
	s.mu.Lock()
	s.quotes[symbol] = ask
	s.mu.Unlock()
}

// SetClock overrides the time source used for fills.
func (s *Simulator) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SetUnreachable makes subsequent Dial calls hang until their deadline.
func (s *Simulator) SetUnreachable(v bool) {
	s.mu.Lock()
	s.unreachable = v
	s.mu.Unlock()
}

// OnPlace installs a hook run before every PlaceOrder; a non-nil error
// rejects the order.
func (s *Simulator) OnPlace(fn func(c domain.Contract, spec domain.OrderSpec) error) {
	s.mu.Lock()
	s.placeHook = fn
	s.mu.Unlock()
}

// OnCancel installs a hook run before every CancelOrder.
func (s *Simulator) OnCancel(fn func(orderID int64) error) {
	s.mu.Lock()
	s.cancelHook = fn
	s.mu.Unlock()
}

// AddOrder inserts an order as if it had been placed from another client.
func (s *Simulator) AddOrder(o domain.OpenOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := o
	s.orders[o.OrderID] = &simOrder{OpenOrder: cp}
	if o.OrderID >= s.nextID {
		s.nextID = o.OrderID + 1
	}
}

// AddFill appends a raw execution report.
func (s *Simulator) AddFill(f domain.ExecutionFill) {
	s.mu.Lock()
	s.fills = append(s.fills, f)
	s.mu.Unlock()
}

// Fill executes a working order at price, updating the position and
// recording an execution. Children of a filled parent become active.
func (s *Simulator) Fill(orderID int64, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %d", orderID)
	}
	if !o.Status.IsWorking() || o.Status == domain.OrderStatusPendingSubmit {
		return fmt.Errorf("order %d is not live (%s)", orderID, o.Status)
	}

	qty := o.Quantity
	side := domain.SideBought
	if o.Action == domain.ActionSell {
		qty = -qty
		side = domain.SideSold
	}
	s.applyFill(o.Symbol, qty, price)

	o.Status = domain.OrderStatusFilled
	s.fills = append(s.fills, domain.ExecutionFill{
		ExecID:  fmt.Sprintf("%d.%d", orderID, len(s.fills)+1),
		OrderID: orderID,
		PermID:  o.PermID,
		Symbol:  o.Symbol,
		Side:    side,
		Shares:  o.Quantity,
		Price:   price,
		Time:    s.now(),
	})

	for _, child := range s.orders {
		if child.ParentID == orderID && child.Status == domain.OrderStatusPreSubmitted {
			child.Status = domain.OrderStatusSubmitted
		}
	}
	return nil
}

// Placed returns every order spec accepted so far, in submission order.
func (s *Simulator) Placed() []domain.OrderSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OrderSpec(nil), s.placed...)
}

// Order returns the order with the given id.
func (s *Simulator) Order(id int64) (domain.OpenOrder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.OpenOrder{}, false
	}
	return o.OpenOrder, true
}

// OpenSessions returns the number of sessions dialled but not yet closed.
func (s *Simulator) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened - s.closed
}

// applyFill adjusts a position by a signed quantity. Must be called with mu
// held.
func (s *Simulator) applyFill(symbol string, qty, price float64) {
	p, ok := s.positions[symbol]
	if !ok {
		s.positions[symbol] = domain.Position{Symbol: symbol, Quantity: qty, AvgCost: price}
		return
	}
	newQty := p.Quantity + qty
	switch {
	case newQty == 0:
		delete(s.positions, symbol)
		return
	case (p.Quantity > 0) == (qty > 0):
		p.AvgCost = (p.AvgCost*p.Quantity + price*qty) / newQty
	case (p.Quantity > 0) != (newQty > 0):
		// Flipped through flat: the remainder opens at the fill price.
		p.AvgCost = price
	}
	p.Quantity = newQty
	s.positions[symbol] = p
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

type simSession struct {
	sim    *Simulator
	id     string
	mu     sync.Mutex
	closed bool
}

func (ss *simSession) ID() string { return ss.id }

func (ss *simSession) check(ctx context.Context) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return ErrSessionClosed
	}
	return ctx.Err()
}

func (ss *simSession) Positions(ctx context.Context) ([]domain.Position, error) {
	if err := ss.check(ctx); err != nil {
		return nil, err
	}
	s := ss.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (ss *simSession) OpenOrders(ctx context.Context) ([]domain.OpenOrder, error) {
	if err := ss.check(ctx); err != nil {
		return nil, err
	}
	s := ss.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OpenOrder, 0, len(s.orders))
	for _, o := range s.orders {
		if o.Status.IsTerminal() {
			continue
		}
		out = append(out, o.OpenOrder)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (ss *simSession) Fills(ctx context.Context) ([]domain.ExecutionFill, error) {
	if err := ss.check(ctx); err != nil {
		return nil, err
	}
	s := ss.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ExecutionFill(nil), s.fills...), nil
}

func (ss *simSession) AccountSummary(ctx context.Context) (domain.AccountSummary, error) {
	if err := ss.check(ctx); err != nil {
		return domain.AccountSummary{}, err
	}
	s := ss.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account, nil
}

func (ss *simSession) NextOrderID(ctx context.Context) (int64, error) {
	if err := ss.check(ctx); err != nil {
		return 0, err
	}
	s := ss.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID, nil
}

func (ss *simSession) PlaceOrder(ctx context.Context, c domain.Contract, spec domain.OrderSpec) (domain.OrderAck, error) {
	if err := ss.check(ctx); err != nil {
		return domain.OrderAck{}, err
	}
	s := ss.sim
	s.mu.Lock()
	defer s.mu.Unlock()

	rejected := domain.OrderAck{OrderID: spec.OrderID, Status: domain.OrderStatusRejected}
	if s.placeHook != nil {
		if err := s.placeHook(c, spec); err != nil {
			return rejected, err
		}
	}
	if spec.OrderID < s.nextID {
		if _, dup := s.orders[spec.OrderID]; dup {
			return rejected, fmt.Errorf("duplicate order id %d", spec.OrderID)
		}
		return rejected, fmt.Errorf("order id %d is below next valid id %d", spec.OrderID, s.nextID)
	}
	if spec.Quantity <= 0 {
		return rejected, fmt.Errorf("order %d: quantity must be positive", spec.OrderID)
	}

	var parent *simOrder
	if spec.ParentID != 0 {
		p, ok := s.orders[spec.ParentID]
		if !ok {
			return rejected, fmt.Errorf("order %d references unknown parent %d", spec.OrderID, spec.ParentID)
		}
		parent = p
	}

	o := &simOrder{
		OpenOrder: domain.OpenOrder{
			OrderID:    spec.OrderID,
			PermID:     strconv.FormatInt(1_000_000+spec.OrderID, 10),
			ParentID:   spec.ParentID,
			Symbol:     c.Symbol,
			Action:     spec.Action,
			Type:       spec.Type,
			Quantity:   spec.Quantity,
			LimitPrice: spec.LimitPrice,
			AuxPrice:   spec.AuxPrice,
			Status:     domain.OrderStatusPendingSubmit,
		},
		contract: c,
	}
	if spec.Transmit {
		o.Status = domain.OrderStatusSubmitted
		if parent != nil {
			// The child waits for its parent to fill; the parent goes live.
			o.Status = domain.OrderStatusPreSubmitted
			if parent.Status == domain.OrderStatusPendingSubmit {
				parent.Status = domain.OrderStatusSubmitted
			}
		}
	}

	s.orders[spec.OrderID] = o
	s.nextID = spec.OrderID + 1
	s.placed = append(s.placed, spec)
	return domain.OrderAck{OrderID: spec.OrderID, Status: o.Status}, nil
}

func (ss *simSession) CancelOrder(ctx context.Context, orderID int64) error {
	if err := ss.check(ctx); err != nil {
		return err
	}
	s := ss.sim
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelHook != nil {
		if err := s.cancelHook(orderID); err != nil {
			return err
		}
	}
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %d", orderID)
	}
	if o.Status.IsTerminal() {
		return fmt.Errorf("order %d is not cancellable (%s)", orderID, o.Status)
	}
	o.Status = domain.OrderStatusCancelled
	return nil
}

func (ss *simSession) Close() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return nil
	}
	ss.closed = true
	ss.sim.mu.Lock()
	ss.sim.closed++
	ss.sim.mu.Unlock()
	return nil
}
