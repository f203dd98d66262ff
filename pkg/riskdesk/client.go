// Package riskdesk is a Go client for riskdesk-server.
package riskdesk

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"riskdesk/internal/api"
	"riskdesk/internal/domain"
	"riskdesk/internal/engine"
	"riskdesk/internal/order"
)

// Request and result types, re-exported for callers outside the module.
type (
	BracketRequest = engine.BracketRequest
	BracketResult  = engine.BracketResult
	ExitResult     = order.ExitResult
	RiskReport     = engine.RiskReport
	AlarmEvent     = api.AlarmEvent
	Alarm          = domain.Alarm
	ExecutionFill  = domain.ExecutionFill
)

// Client provides typed access to the riskdesk-server gRPC API.
type Client struct {
	addr string
	c    *api.Client
}

// NewClient creates a client for the server at addr.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	c, err := api.Dial(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{addr: addr, c: c}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.c.Close()
}

// Call invokes method with an arbitrary JSON-encodable request.
func (c *Client) Call(ctx context.Context, method string, req, resp any) error {
	return c.c.Call(ctx, method, req, resp)
}

// SizePosition returns the share count for an entry. A zero risk uses the
// server's configured risk per trade.
func (c *Client) SizePosition(ctx context.Context, entry, stop, risk float64) (int64, error) {
	var resp struct {
		Quantity int64 `json:"quantity"`
	}
	err := c.c.Call(ctx, api.MethodSizePosition, map[string]any{"entry": entry, "stop": stop, "risk": risk}, &resp)
	return resp.Quantity, err
}

// PortfolioRisk returns the open risk of every position. Unprotected
// positions carry an OpenRisk of +Inf.
func (c *Client) PortfolioRisk(ctx context.Context) (RiskReport, error) {
	var rep RiskReport
	err := c.c.Call(ctx, api.MethodPortfolioRisk, nil, &rep)
	return rep, err
}

// EntryAllowed checks the re-entry cooldown for symbol. A negative cooldown
// uses the server's configured one.
func (c *Client) EntryAllowed(ctx context.Context, symbol string, cooldown time.Duration) (bool, string, error) {
	req := map[string]any{"symbol": symbol}
	if cooldown >= 0 {
		req["cooldown_minutes"] = cooldown.Minutes()
	}
	var resp struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason"`
	}
	err := c.c.Call(ctx, api.MethodCheckEntry, req, &resp)
	return resp.Allowed, resp.Reason, err
}

// EntryAllowedFrom checks the re-entry cooldown for symbol against the given
// executions instead of the broker's. A nil history is sent as empty.
func (c *Client) EntryAllowedFrom(ctx context.Context, history []ExecutionFill, symbol string, cooldown time.Duration) (bool, string, error) {
	if history == nil {
		history = []ExecutionFill{}
	}
	req := map[string]any{"symbol": symbol, "history": history}
	if cooldown >= 0 {
		req["cooldown_minutes"] = cooldown.Minutes()
	}
	var resp struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason"`
	}
	err := c.c.Call(ctx, api.MethodCheckEntry, req, &resp)
	return resp.Allowed, resp.Reason, err
}

// SubmitBracket submits a protected entry.
func (c *Client) SubmitBracket(ctx context.Context, req BracketRequest) (BracketResult, error) {
	var res BracketResult
	err := c.c.Call(ctx, api.MethodSubmitBracket, req, &res)
	return res, err
}

// Exit flattens symbol immediately.
func (c *Client) Exit(ctx context.Context, symbol string) (ExitResult, error) {
	var res ExitResult
	err := c.c.Call(ctx, api.MethodAutomatedExit, map[string]any{"symbol": symbol}, &res)
	return res, err
}

// RequestExit marks symbol for exit on its next trigger.
func (c *Client) RequestExit(ctx context.Context, symbol string) error {
	return c.c.Call(ctx, api.MethodRequestExit, map[string]any{"symbol": symbol}, nil)
}

// CancelExitRequest drops a pending exit request.
func (c *Client) CancelExitRequest(ctx context.Context, symbol string) error {
	return c.c.Call(ctx, api.MethodCancelExitRequest, map[string]any{"symbol": symbol}, nil)
}

// ExitRequests lists symbols with a pending exit request.
func (c *Client) ExitRequests(ctx context.Context) ([]string, error) {
	var resp struct {
		Symbols []string `json:"symbols"`
	}
	err := c.c.Call(ctx, api.MethodExitRequests, nil, &resp)
	return resp.Symbols, err
}

// Alarms lists alarms, optionally only the active ones.
func (c *Client) Alarms(ctx context.Context, activeOnly bool) ([]Alarm, error) {
	var resp struct {
		Alarms []Alarm `json:"alarms"`
	}
	err := c.c.Call(ctx, api.MethodListAlarms, map[string]any{"active_only": activeOnly}, &resp)
	return resp.Alarms, err
}

// ResolveAlarm marks an alarm resolved.
func (c *Client) ResolveAlarm(ctx context.Context, id int64) error {
	return c.c.Call(ctx, api.MethodResolveAlarm, map[string]any{"id": id}, nil)
}

// WatchAlarms streams new alarms to fn until ctx is cancelled.
func (c *Client) WatchAlarms(ctx context.Context, fn func(AlarmEvent) error) error {
	return c.c.WatchAlarms(ctx, fn)
}
