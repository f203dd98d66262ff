// Package broker defines the brokerage capability boundary the engine
// consumes and provides implementations of it: an in-memory simulator and an
// Alpaca adapter.
package broker

import (
	"context"
	"time"

	"riskdesk/internal/domain"
)

// Endpoint identifies a broker gateway and how long a session may take to be
// confirmed.
type Endpoint struct {
	Host           string
	Port           int
	ClientID       int
	ConnectTimeout time.Duration
}

// Dialer opens broker sessions.
type Dialer interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// Dial opens a session and returns once the broker has confirmed it.
	Dial(ctx context.Context, ep Endpoint) (Session, error)
}

// Session is one confirmed connection to the broker. Sessions never share
// state; every operation opens its own.
type Session interface {
	// ID is a correlation id for logging.
	ID() string

	// Positions returns all non-zero positions.
	Positions(ctx context.Context) ([]domain.Position, error)

	// OpenOrders returns the orders the broker still considers open.
	OpenOrders(ctx context.Context) ([]domain.OpenOrder, error)

	// Fills returns the execution reports for the current trading day.
	Fills(ctx context.Context) ([]domain.ExecutionFill, error)

	// AccountSummary returns the account values.
	AccountSummary(ctx context.Context) (domain.AccountSummary, error)

	// PlaceOrder submits spec for contract.
	PlaceOrder(ctx context.Context, c domain.Contract, spec domain.OrderSpec) (domain.OrderAck, error)

	// CancelOrder requests cancellation of an order.
	CancelOrder(ctx context.Context, orderID int64) error

	// NextOrderID returns the next valid order id.
	NextOrderID(ctx context.Context) (int64, error)

	// Close releases the session.
	Close() error
}

// Quoter provides the last ask price of a symbol. ok is false when no quote
// is available.
type Quoter interface {
	LastAskPrice(ctx context.Context, symbol string) (price float64, ok bool, err error)
}
