package util

import (
	"fmt"
	"time"
	_ "time/tzdata" // venue zones must resolve on hosts without zoneinfo
)

// DefaultVenueZone is the zone execution times are compared in unless
// configured otherwise.
const DefaultVenueZone = "Europe/Helsinki"

// VenueClock pins time handling to a single trading-venue zone so that
// execution timestamps and "now" are always compared in the same location.
type VenueClock struct {
	loc *time.Location
	now func() time.Time
}

// NewVenueClock loads the named zone.
func NewVenueClock(zone string) (*VenueClock, error) {
	if zone == "" {
		zone = DefaultVenueZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("loading venue zone %q: %w", zone, err)
	}
	return &VenueClock{loc: loc, now: time.Now}, nil
}

// WithNow returns a copy of the clock that reads time from now.
func (c *VenueClock) WithNow(now func() time.Time) *VenueClock {
	return &VenueClock{loc: c.loc, now: now}
}

// Location returns the venue zone.
func (c *VenueClock) Location() *time.Location { return c.loc }

// Now returns the current time in the venue zone.
func (c *VenueClock) Now() time.Time { return c.now().In(c.loc) }

// Normalize converts t to the venue zone.
func (c *VenueClock) Normalize(t time.Time) time.Time { return t.In(c.loc) }

// ParseLocal parses a timestamp that carries no zone, such as the broker's
// "20240304 16:05:01" execution time, as venue-local time.
func (c *VenueClock) ParseLocal(layout, value string) (time.Time, error) {
	return time.ParseInLocation(layout, value, c.loc)
}

// TradingDay returns the venue-local calendar date of t as YYYY-MM-DD.
func (c *VenueClock) TradingDay(t time.Time) string {
	return t.In(c.loc).Format("2006-01-02")
}

// DayStart returns venue-local midnight of the day containing t.
func (c *VenueClock) DayStart(t time.Time) time.Time {
	y, m, d := t.In(c.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
}
