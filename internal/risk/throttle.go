package risk

import (
	"fmt"
	"time"

	"riskdesk/internal/domain"
)

// ReasonNoHistory is returned when the symbol has no usable execution.
const ReasonNoHistory = "no prior execution"

// IsEntryAllowed decides whether a new entry in symbol may be placed. The
// latest execution for the symbol must be strictly older than cooldown.
// Timestamps are compared in loc, the trading venue's zone. Missing or
// incomplete history allows the entry.
func IsEntryAllowed(history []domain.ExecutionFill, symbol string, cooldown time.Duration, now time.Time, loc *time.Location) (bool, string) {
	if loc == nil {
		loc = time.UTC
	}
	var last time.Time
	for _, f := range history {
		if f.Symbol != symbol || f.Time.IsZero() {
			continue
		}
		if t := f.Time.In(loc); t.After(last) {
			last = t
		}
	}
	if last.IsZero() {
		return true, ReasonNoHistory
	}

	now = now.In(loc)
	elapsed := now.Sub(last)
	stamp := last.Format("2006-01-02 15:04:05 MST")
	if elapsed > cooldown {
		return true, fmt.Sprintf("last execution %s, %s ago exceeds cooldown %s", stamp, elapsed.Round(time.Second), cooldown)
	}
	return false, fmt.Sprintf("last execution %s, %s ago is within cooldown %s", stamp, elapsed.Round(time.Second), cooldown)
}
