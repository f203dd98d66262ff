// Package domain defines the core types shared across riskdesk: broker-reported
// positions, orders and fills, the bracket order lifecycle, and the derived
// risk records.
package domain

import (
	"encoding/json"
	"math"
	"time"
)

// Action is the direction of an order.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Reverse returns the opposite action.
func (a Action) Reverse() Action {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

// Valid reports whether a is BUY or SELL.
func (a Action) Valid() bool {
	return a == ActionBuy || a == ActionSell
}

// OrderType is the broker order type.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LMT"
	OrderTypeMarket OrderType = "MKT"
	OrderTypeStop   OrderType = "STP"
)

// OrderStatus is the broker-reported status of an order.
type OrderStatus string

const (
	OrderStatusPendingSubmit OrderStatus = "PendingSubmit"
	OrderStatusPreSubmitted  OrderStatus = "PreSubmitted"
	OrderStatusSubmitted     OrderStatus = "Submitted"
	OrderStatusFilled        OrderStatus = "Filled"
	OrderStatusCancelled     OrderStatus = "Cancelled"
	OrderStatusRejected      OrderStatus = "Rejected"
)

// IsTerminal reports whether the broker will no longer act on the order.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// IsWorking reports whether the order is resting at the broker and can still
// trigger.
func (s OrderStatus) IsWorking() bool {
	switch s {
	case OrderStatusPendingSubmit, OrderStatusPreSubmitted, OrderStatusSubmitted:
		return true
	}
	return false
}

// Side is the side of an execution as the broker reports it.
type Side string

const (
	SideBought Side = "BOT"
	SideSold   Side = "SLD"
)

// SideFor returns the execution side that opens a position of the given
// sign.
func SideFor(quantity float64) Side {
	if quantity < 0 {
		return SideSold
	}
	return SideBought
}

// Position is a broker-held position. Quantity is signed and never zero.
type Position struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	AvgCost  float64 `json:"avg_cost"`
}

// OpenOrder mirrors an order as reported by the broker.
type OpenOrder struct {
	OrderID    int64       `json:"order_id"`
	PermID     string      `json:"perm_id,omitempty"`
	ParentID   int64       `json:"parent_id,omitempty"`
	Symbol     string      `json:"symbol"`
	Action     Action      `json:"action"`
	Type       OrderType   `json:"type"`
	Quantity   float64     `json:"quantity"`
	LimitPrice float64     `json:"limit_price,omitempty"`
	AuxPrice   float64     `json:"aux_price,omitempty"`
	Status     OrderStatus `json:"status"`
}

// ExecutionFill is one raw execution report. Fills sharing a PermID belong to
// the same logical order.
type ExecutionFill struct {
	ExecID     string    `json:"exec_id"`
	OrderID    int64     `json:"order_id"`
	PermID     string    `json:"perm_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Shares     float64   `json:"shares"`
	Price      float64   `json:"price"`
	Commission float64   `json:"commission"`
	Time       time.Time `json:"time"`
}

// AggregatedFill is the per-order roll-up of one or more ExecutionFills.
type AggregatedFill struct {
	PermID           string    `json:"perm_id"`
	Symbol           string    `json:"symbol"`
	Side             Side      `json:"side"`
	Shares           float64   `json:"shares"`
	AvgPrice         float64   `json:"avg_price"`
	AdjustedAvgPrice float64   `json:"adjusted_avg_price"`
	Commission       float64   `json:"commission"`
	Time             time.Time `json:"time"`
	OpensPosition    bool      `json:"opens_position"`
}

// OrderIntent is a caller's request to open a protected position.
type OrderIntent struct {
	Symbol     string  `json:"symbol"`
	Action     Action  `json:"action"`
	Quantity   int64   `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
	StopPrice  float64 `json:"stop_price"`
}

// Contract identifies the instrument an order is routed to.
type Contract struct {
	Symbol          string `json:"symbol"`
	SecType         string `json:"sec_type"`
	Exchange        string `json:"exchange"`
	Currency        string `json:"currency"`
	PrimaryExchange string `json:"primary_exchange,omitempty"`
}

// StockContract returns a stock contract routed through exchange.
func StockContract(symbol, exchange, currency, primary string) Contract {
	return Contract{
		Symbol:          symbol,
		SecType:         "STK",
		Exchange:        exchange,
		Currency:        currency,
		PrimaryExchange: primary,
	}
}

// OrderSpec is one order as handed to the broker.
type OrderSpec struct {
	OrderID    int64     `json:"order_id"`
	ParentID   int64     `json:"parent_id,omitempty"`
	Action     Action    `json:"action"`
	Type       OrderType `json:"type"`
	Quantity   float64   `json:"quantity"`
	LimitPrice float64   `json:"limit_price,omitempty"`
	AuxPrice   float64   `json:"aux_price,omitempty"`
	Transmit   bool      `json:"transmit"`
	OutsideRTH bool      `json:"outside_rth"`
}

// OrderAck is the broker's acknowledgement of a placed order.
type OrderAck struct {
	OrderID int64       `json:"order_id"`
	Status  OrderStatus `json:"status"`
}

// BracketState tracks how far a bracket has progressed toward the market.
type BracketState string

const (
	BracketPendingParent BracketState = "PENDING_PARENT"
	BracketParentHeld    BracketState = "PARENT_HELD"
	BracketStopAttached  BracketState = "STOP_ATTACHED"
	BracketTransmitted   BracketState = "TRANSMITTED"
)

// BracketOrder is a parent entry order linked to a protective stop.
type BracketOrder struct {
	ParentID   int64        `json:"parent_id"`
	StopID     int64        `json:"stop_id"`
	Symbol     string       `json:"symbol"`
	Action     Action       `json:"action"`
	Quantity   int64        `json:"quantity"`
	LimitPrice float64      `json:"limit_price"`
	StopPrice  float64      `json:"stop_price"`
	State      BracketState `json:"state"`
}

// RiskRecord is the derived risk of one position. OpenRisk is +Inf when no
// protective stop exists; AllocationPct is nil when equity is not positive.
type RiskRecord struct {
	Symbol        string   `json:"symbol"`
	Position      float64  `json:"position"`
	AvgCost       float64  `json:"avg_cost"`
	StopOrderID   int64    `json:"stop_order_id,omitempty"`
	StopAuxPrice  *float64 `json:"stop_aux_price"`
	OpenRisk      float64  `json:"open_risk"`
	AllocationPct *float64 `json:"allocation_pct"`
}

// Protected reports whether the position has a live stop.
func (r RiskRecord) Protected() bool {
	return !math.IsInf(r.OpenRisk, 1)
}

// MarshalJSON writes the open risk of an unprotected position as null and
// adds an explicit protected flag, since JSON has no infinity.
func (r RiskRecord) MarshalJSON() ([]byte, error) {
	type plain RiskRecord
	out := struct {
		plain
		OpenRisk  *float64 `json:"open_risk"`
		Protected bool     `json:"protected"`
	}{plain: plain(r), Protected: r.Protected()}
	if out.Protected {
		v := r.OpenRisk
		out.OpenRisk = &v
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads a null open risk back as +Inf.
func (r *RiskRecord) UnmarshalJSON(b []byte) error {
	type plain RiskRecord
	var in struct {
		plain
		OpenRisk *float64 `json:"open_risk"`
	}
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*r = RiskRecord(in.plain)
	r.OpenRisk = math.Inf(1)
	if in.OpenRisk != nil {
		r.OpenRisk = *in.OpenRisk
	}
	return nil
}

// ExitDecision is the outcome of the automated exit workflow.
type ExitDecision string

const (
	ExitNoPosition          ExitDecision = "NoPosition"
	ExitExistingMarketOrder ExitDecision = "ExistingMarketOrder"
	ExitClosingPosition     ExitDecision = "ClosingPosition"
)

// AccountSummary holds the account values the engine reads from the broker.
type AccountSummary struct {
	NetLiquidation     float64 `json:"net_liquidation"`
	GrossPositionValue float64 `json:"gross_position_value"`
	InitMarginReq      float64 `json:"init_margin_req"`
	MaintMarginReq     float64 `json:"maint_margin_req"`
	AvailableFunds     float64 `json:"available_funds"`
	ExcessLiquidity    float64 `json:"excess_liquidity"`
}

// Alarm is a persisted monitoring message.
type Alarm struct {
	ID        int64     `json:"id"`
	Symbol    string    `json:"symbol"`
	Message   string    `json:"message"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
