package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"riskdesk/internal/domain"
	"riskdesk/internal/util"
)

// Compile-time interface checks.
var _ Dialer = (*AlpacaDialer)(nil)
var _ Session = (*alpacaSession)(nil)
var _ Quoter = (*AlpacaQuoter)(nil)

// alpacaAPI is the subset of *alpaca.Client the adapter uses.
type alpacaAPI interface {
	GetAccount() (*alpaca.Account, error)
	GetPositions() ([]alpaca.Position, error)
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	GetAccountActivities(req alpaca.GetAccountActivitiesRequest) ([]alpaca.AccountActivity, error)
}

// AlpacaDialer opens sessions against the Alpaca trading API. The REST API is
// stateless, so a session is confirmed by a successful account request and
// holds only the id mapping for the orders it has seen.
type AlpacaDialer struct {
	client         alpacaAPI
	limiter        *util.RateLimiter
	requestTimeout time.Duration
	clock          *util.VenueClock
	orderLimit     int
	pageSize       int
	log            *slog.Logger
}

// Alpaca caps order listings at 500 and activity pages at 100.
const (
	maxOrderLimit    = 500
	activityPageSize = 100
)

// NewAlpacaDialer creates an AlpacaDialer for the given credentials.
func NewAlpacaDialer(apiKey, apiSecret, baseURL string, ratePerMin int, requestTimeout time.Duration) *AlpacaDialer {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	return newAlpacaDialer(client, ratePerMin, requestTimeout)
}

func newAlpacaDialer(client alpacaAPI, ratePerMin int, requestTimeout time.Duration) *AlpacaDialer {
	if ratePerMin <= 0 {
		ratePerMin = 200
	}
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}
	return &AlpacaDialer{
		client:         client,
		limiter:        util.NewRateLimiter(ratePerMin),
		requestTimeout: requestTimeout,
		orderLimit:     maxOrderLimit,
		pageSize:       activityPageSize,
		log:            slog.Default().With("broker", "alpaca"),
	}
}

// SetClock sets the clock whose trading day bounds Fills. Without one the
// day is taken in UTC.
func (d *AlpacaDialer) SetClock(c *util.VenueClock) {
	d.clock = c
}

func (d *AlpacaDialer) dayStart() time.Time {
	if d.clock == nil {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	return d.clock.DayStart(d.clock.Now())
}

// Name returns "alpaca".
func (d *AlpacaDialer) Name() string {
	return "alpaca"
}

// Dial confirms the account is reachable and returns a new session.
func (d *AlpacaDialer) Dial(ctx context.Context, _ Endpoint) (Session, error) {
	s := &alpacaSession{
		d:       d,
		id:      uuid.NewString(),
		toAlp:   make(map[int64]string),
		fromAlp: make(map[string]int64),
		staged:  make(map[int64]stagedOrder),
		nextID:  1,
	}
	acct, err := call(ctx, s, "get_account", d.client.GetAccount)
	if err != nil {
		return nil, err
	}
	if acct != nil && acct.Status != "" && !strings.EqualFold(acct.Status, "ACTIVE") {
		return nil, fmt.Errorf("alpaca account %s is %s", acct.ID, acct.Status)
	}
	return s, nil
}

type stagedOrder struct {
	contract domain.Contract
	spec     domain.OrderSpec
}

type alpacaSession struct {
	d  *AlpacaDialer
	id string

	mu      sync.Mutex
	toAlp   map[int64]string
	fromAlp map[string]int64
	staged  map[int64]stagedOrder
	nextID  int64
	closed  bool
}

// call runs fn under the rate limiter and the request timeout. The SDK
// client does not take a context, so a timed-out call is abandoned.
func call[T any](ctx context.Context, s *alpacaSession, op string, fn func() (T, error)) (T, error) {
	var zero T
	if err := s.d.limiter.Wait(ctx); err != nil {
		return zero, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.d.requestTimeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return zero, fmt.Errorf("alpaca %s: %w", op, r.err)
		}
		return r.v, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("alpaca %s: %w", op, ctx.Err())
	}
}

func (s *alpacaSession) ID() string { return s.id }

func (s *alpacaSession) open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// localID returns the session-scoped numeric id for an Alpaca order id,
// allocating one on first sight.
func (s *alpacaSession) localID(alpID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.fromAlp[alpID]; ok {
		return id
	}
	id := s.nextID
	s.nextID++
	s.fromAlp[alpID] = id
	s.toAlp[id] = alpID
	return id
}

func (s *alpacaSession) bind(local int64, alpID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toAlp[local] = alpID
	s.fromAlp[alpID] = local
	if local >= s.nextID {
		s.nextID = local + 1
	}
}

func (s *alpacaSession) Positions(ctx context.Context) ([]domain.Position, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	raw, err := call(ctx, s, "get_positions", s.d.client.GetPositions)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Position, 0, len(raw))
	for _, p := range raw {
		qty := p.Qty
		if strings.EqualFold(p.Side, "short") && qty.IsPositive() {
			qty = qty.Neg()
		}
		if qty.IsZero() {
			continue
		}
		out = append(out, domain.Position{
			Symbol:   p.Symbol,
			Quantity: toFloat(qty),
			AvgCost:  toFloat(p.AvgEntryPrice),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *alpacaSession) OpenOrders(ctx context.Context) ([]domain.OpenOrder, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	raw, err := s.listOpenOrders(ctx)
	if err != nil {
		return nil, err
	}

	var out []domain.OpenOrder
	var add func(o alpaca.Order, parent int64)
	add = func(o alpaca.Order, parent int64) {
		id := s.localID(o.ID)
		oo, ok := s.mapOrder(o, id, parent)
		if ok && !oo.Status.IsTerminal() {
			out = append(out, oo)
		}
		for _, leg := range o.Legs {
			add(leg, id)
		}
	}
	for _, o := range raw {
		add(o, 0)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

// listOpenOrders pages through open orders by submission time. A full page
// restarts just before its last order, so orders sharing that timestamp are
// seen again and deduplicated by id.
func (s *alpacaSession) listOpenOrders(ctx context.Context) ([]alpaca.Order, error) {
	seen := make(map[string]bool)
	var (
		out   []alpaca.Order
		after time.Time
	)
	for {
		req := alpaca.GetOrdersRequest{
			Status:    "open",
			Limit:     s.d.orderLimit,
			After:     after,
			Nested:    true,
			Direction: "asc",
		}
		page, err := call(ctx, s, "get_orders", func() ([]alpaca.Order, error) {
			return s.d.client.GetOrders(req)
		})
		if err != nil {
			return nil, err
		}
		added := 0
		for _, o := range page {
			if seen[o.ID] {
				continue
			}
			seen[o.ID] = true
			out = append(out, o)
			added++
		}
		if len(page) < s.d.orderLimit || added == 0 {
			return out, nil
		}
		after = page[len(page)-1].SubmittedAt.Add(-time.Nanosecond)
	}
}

func (s *alpacaSession) mapOrder(o alpaca.Order, id, parent int64) (domain.OpenOrder, bool) {
	typ, ok := orderTypeFromAlpaca(string(o.Type))
	if !ok {
		s.d.log.Warn("skipping order of unsupported type", "session", s.id, "order", o.ID, "type", o.Type)
		return domain.OpenOrder{}, false
	}
	oo := domain.OpenOrder{
		OrderID:  id,
		PermID:   o.ID,
		ParentID: parent,
		Symbol:   o.Symbol,
		Action:   actionFromAlpaca(string(o.Side)),
		Type:     typ,
		Status:   statusFromAlpaca(o.Status),
	}
	if o.Qty != nil {
		oo.Quantity = toFloat(*o.Qty)
	}
	if o.LimitPrice != nil {
		oo.LimitPrice = toFloat(*o.LimitPrice)
	}
	if o.StopPrice != nil {
		oo.AuxPrice = toFloat(*o.StopPrice)
	}
	return oo, true
}

func (s *alpacaSession) Fills(ctx context.Context) ([]domain.ExecutionFill, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	raw, err := s.listFills(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ExecutionFill, 0, len(raw))
	for _, a := range raw {
		if a.Symbol == "" || a.Qty.IsZero() {
			continue
		}
		f := domain.ExecutionFill{
			ExecID: a.ID,
			PermID: a.OrderID,
			Symbol: a.Symbol,
			Side:   domain.SideBought,
			Shares: toFloat(a.Qty.Abs()),
			Price:  toFloat(a.Price),
			Time:   a.TransactionTime,
		}
		if strings.HasPrefix(strings.ToLower(a.Side), "sell") {
			f.Side = domain.SideSold
		}
		if a.OrderID != "" {
			f.OrderID = s.localID(a.OrderID)
		}
		out = append(out, f)
	}
	return out, nil
}

// listFills returns the FILL activities since the start of the trading day,
// following page tokens until a short page.
func (s *alpacaSession) listFills(ctx context.Context) ([]alpaca.AccountActivity, error) {
	after := s.d.dayStart()
	var (
		out   []alpaca.AccountActivity
		token string
	)
	for {
		req := alpaca.GetAccountActivitiesRequest{
			ActivityTypes: []string{"FILL"},
			After:         after,
			Direction:     "asc",
			PageSize:      s.d.pageSize,
			PageToken:     token,
		}
		page, err := call(ctx, s, "get_activities", func() ([]alpaca.AccountActivity, error) {
			return s.d.client.GetAccountActivities(req)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < s.d.pageSize {
			return out, nil
		}
		next := page[len(page)-1].ID
		if next == "" || next == token {
			return out, nil
		}
		token = next
	}
}

func (s *alpacaSession) AccountSummary(ctx context.Context) (domain.AccountSummary, error) {
	if err := s.open(); err != nil {
		return domain.AccountSummary{}, err
	}
	a, err := call(ctx, s, "get_account", s.d.client.GetAccount)
	if err != nil {
		return domain.AccountSummary{}, err
	}
	return domain.AccountSummary{
		NetLiquidation:     toFloat(a.Equity),
		GrossPositionValue: toFloat(a.LongMarketValue.Add(a.ShortMarketValue.Abs())),
		InitMarginReq:      toFloat(a.InitialMargin),
		MaintMarginReq:     toFloat(a.MaintenanceMargin),
		AvailableFunds:     toFloat(a.Equity.Sub(a.InitialMargin)),
		ExcessLiquidity:    toFloat(a.Equity.Sub(a.MaintenanceMargin)),
	}, nil
}

func (s *alpacaSession) NextOrderID(ctx context.Context) (int64, error) {
	if err := s.open(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID, nil
}

// PlaceOrder stages untransmitted orders locally. A transmitting child of a
// staged parent is sent together with it as one OTO order, so the entry
// never reaches the market without its stop.
func (s *alpacaSession) PlaceOrder(ctx context.Context, c domain.Contract, spec domain.OrderSpec) (domain.OrderAck, error) {
	if err := s.open(); err != nil {
		return domain.OrderAck{}, err
	}
	rejected := domain.OrderAck{OrderID: spec.OrderID, Status: domain.OrderStatusRejected}

	s.mu.Lock()
	if _, dup := s.toAlp[spec.OrderID]; dup {
		s.mu.Unlock()
		return rejected, fmt.Errorf("duplicate order id %d", spec.OrderID)
	}
	if _, dup := s.staged[spec.OrderID]; dup {
		s.mu.Unlock()
		return rejected, fmt.Errorf("duplicate order id %d", spec.OrderID)
	}
	if !spec.Transmit {
		s.staged[spec.OrderID] = stagedOrder{contract: c, spec: spec}
		if spec.OrderID >= s.nextID {
			s.nextID = spec.OrderID + 1
		}
		s.mu.Unlock()
		return domain.OrderAck{OrderID: spec.OrderID, Status: domain.OrderStatusPendingSubmit}, nil
	}
	var parent *stagedOrder
	if spec.ParentID != 0 {
		p, ok := s.staged[spec.ParentID]
		if !ok {
			s.mu.Unlock()
			return rejected, fmt.Errorf("order %d references unknown parent %d", spec.OrderID, spec.ParentID)
		}
		parent = &p
	}
	s.mu.Unlock()

	var req alpaca.PlaceOrderRequest
	if parent != nil {
		if spec.Type != domain.OrderTypeStop {
			return rejected, fmt.Errorf("order %d: only stop children are supported", spec.OrderID)
		}
		var err error
		req, err = buildRequest(parent.contract, parent.spec)
		if err != nil {
			return rejected, err
		}
		stop := decimal.NewFromFloat(spec.AuxPrice)
		req.OrderClass = alpaca.OTO
		req.StopLoss = &alpaca.StopLoss{StopPrice: &stop}
		req.ExtendedHours = false
		req.TimeInForce = alpaca.GTC
	} else {
		var err error
		req, err = buildRequest(c, spec)
		if err != nil {
			return rejected, err
		}
	}

	placed, err := call(ctx, s, "place_order", func() (*alpaca.Order, error) {
		return s.d.client.PlaceOrder(req)
	})
	if err != nil {
		return rejected, err
	}

	if parent != nil {
		s.mu.Lock()
		delete(s.staged, spec.ParentID)
		s.mu.Unlock()
		s.bind(spec.ParentID, placed.ID)
		if len(placed.Legs) > 0 {
			s.bind(spec.OrderID, placed.Legs[0].ID)
		}
	} else {
		s.bind(spec.OrderID, placed.ID)
	}
	return domain.OrderAck{OrderID: spec.OrderID, Status: statusFromAlpaca(placed.Status)}, nil
}

func buildRequest(c domain.Contract, spec domain.OrderSpec) (alpaca.PlaceOrderRequest, error) {
	qty := decimal.NewFromFloat(spec.Quantity)
	req := alpaca.PlaceOrderRequest{
		Symbol:        c.Symbol,
		Qty:           &qty,
		Side:          alpaca.Buy,
		TimeInForce:   alpaca.Day,
		ExtendedHours: spec.OutsideRTH,
		ClientOrderID: fmt.Sprintf("rd-%d-%s", spec.OrderID, uuid.NewString()[:8]),
	}
	if spec.Action == domain.ActionSell {
		req.Side = alpaca.Sell
	}
	switch spec.Type {
	case domain.OrderTypeMarket:
		req.Type = alpaca.Market
		req.ExtendedHours = false
	case domain.OrderTypeLimit:
		lp := decimal.NewFromFloat(spec.LimitPrice)
		req.Type = alpaca.Limit
		req.LimitPrice = &lp
	case domain.OrderTypeStop:
		sp := decimal.NewFromFloat(spec.AuxPrice)
		req.Type = alpaca.Stop
		req.StopPrice = &sp
		req.TimeInForce = alpaca.GTC
		req.ExtendedHours = false
	default:
		return req, fmt.Errorf("order %d: unsupported order type %q", spec.OrderID, spec.Type)
	}
	return req, nil
}

func (s *alpacaSession) CancelOrder(ctx context.Context, orderID int64) error {
	if err := s.open(); err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.staged[orderID]; ok {
		delete(s.staged, orderID)
		s.mu.Unlock()
		return nil
	}
	alpID, ok := s.toAlp[orderID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown order %d", orderID)
	}
	_, err := call(ctx, s, "cancel_order", func() (struct{}, error) {
		return struct{}{}, s.d.client.CancelOrder(alpID)
	})
	return err
}

// Close drops any parents that were never transmitted.
func (s *alpacaSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, st := range s.staged {
		s.d.log.Warn("discarding untransmitted order", "session", s.id, "order_id", id, "symbol", st.contract.Symbol)
	}
	s.staged = nil
	return nil
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

type quoteAPI interface {
	GetLatestQuote(symbol string, req marketdata.GetLatestQuoteRequest) (*marketdata.Quote, error)
}

// AlpacaQuoter reads the latest quote from the Alpaca market data API.
type AlpacaQuoter struct {
	client  quoteAPI
	feed    string
	limiter *util.RateLimiter
}

// NewAlpacaQuoter creates an AlpacaQuoter. An empty dataURL uses the SDK
// default.
func NewAlpacaQuoter(apiKey, apiSecret, dataURL, feed string, ratePerMin int) *AlpacaQuoter {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	if ratePerMin <= 0 {
		ratePerMin = 200
	}
	return &AlpacaQuoter{
		client:  marketdata.NewClient(opts),
		feed:    feed,
		limiter: util.NewRateLimiter(ratePerMin),
	}
}

// LastAskPrice returns the ask of the latest quote. A zero ask is reported as
// unavailable.
func (q *AlpacaQuoter) LastAskPrice(ctx context.Context, symbol string) (float64, bool, error) {
	if err := q.limiter.Wait(ctx); err != nil {
		return 0, false, err
	}
	req := marketdata.GetLatestQuoteRequest{}
	if q.feed != "" {
		req.Feed = marketdata.Feed(q.feed)
	}
	quote, err := q.client.GetLatestQuote(symbol, req)
	if err != nil {
		return 0, false, fmt.Errorf("latest quote %s: %w", symbol, err)
	}
	if quote == nil || quote.AskPrice <= 0 {
		return 0, false, nil
	}
	return quote.AskPrice, true, nil
}

// ---------------------------------------------------------------------------
// Mapping
// ---------------------------------------------------------------------------

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func orderTypeFromAlpaca(t string) (domain.OrderType, bool) {
	switch t {
	case "market":
		return domain.OrderTypeMarket, true
	case "limit":
		return domain.OrderTypeLimit, true
	case "stop":
		return domain.OrderTypeStop, true
	}
	return "", false
}

func actionFromAlpaca(side string) domain.Action {
	if side == "sell" {
		return domain.ActionSell
	}
	return domain.ActionBuy
}

func statusFromAlpaca(status string) domain.OrderStatus {
	switch status {
	case "held", "pending_new", "accepted_for_bidding", "stopped", "calculated":
		return domain.OrderStatusPreSubmitted
	case "new", "accepted", "partially_filled", "pending_replace", "replaced", "pending_cancel", "done_for_day", "suspended":
		return domain.OrderStatusSubmitted
	case "filled":
		return domain.OrderStatusFilled
	case "rejected":
		return domain.OrderStatusRejected
	case "canceled", "expired":
		return domain.OrderStatusCancelled
	}
	return domain.OrderStatusSubmitted
}
