// Package store defines storage interfaces for the data riskdesk keeps
// beside the broker: reconciled executions, monitoring alarms, the execution
// archive, and the set of symbols awaiting an automated exit.
package store

import (
	"context"
	"time"

	"riskdesk/internal/domain"
)

// ExecutionStore persists aggregated executions.
type ExecutionStore interface {
	// SaveExecutions inserts aggregated fills not seen before (keyed by perm
	// id) and returns how many were new.
	SaveExecutions(ctx context.Context, fills []domain.AggregatedFill) (int, error)

	// MarkOpening flags the execution as the opening fill of its position.
	MarkOpening(ctx context.Context, permID string) error

	// ListExecutions returns executions at or after since, oldest first.
	ListExecutions(ctx context.Context, since time.Time) ([]domain.AggregatedFill, error)

	// OpeningExecutions returns the latest opening execution per symbol.
	OpeningExecutions(ctx context.Context) (map[string]domain.AggregatedFill, error)
}

// AlarmStore persists monitoring alarms. At most one active alarm exists per
// message.
type AlarmStore interface {
	// RaiseAlarm creates an active alarm unless an identical one is already
	// active. It reports whether a new alarm was created.
	RaiseAlarm(ctx context.Context, symbol, message string) (bool, error)

	// ListAlarms returns alarms, newest first; activeOnly filters resolved ones.
	ListAlarms(ctx context.Context, activeOnly bool) ([]domain.Alarm, error)

	// ResolveAlarm deactivates an alarm.
	ResolveAlarm(ctx context.Context, id int64) error
}

// ExecutionArchive keeps a columnar copy of aggregated executions per day.
type ExecutionArchive interface {
	// Append merges fills into the archive of their trading day.
	Append(ctx context.Context, day string, fills []domain.AggregatedFill) error

	// Read returns the archived fills of day.
	Read(ctx context.Context, day string) ([]domain.AggregatedFill, error)
}

// SymbolSet is a set of symbols, such as the pending exit requests.
type SymbolSet interface {
	Add(ctx context.Context, symbol string) error
	Remove(ctx context.Context, symbol string) error
	Contains(ctx context.Context, symbol string) (bool, error)
	Members(ctx context.Context) ([]string, error)
}
