package cadence

import (
	"fmt"
	"time"
)

// WeekendPolicy decides whether scheduled times may land on a weekend.
type WeekendPolicy string

const (
	// WeekendNone keeps times as computed.
	WeekendNone WeekendPolicy = "none"
	// WeekendSkip rolls Saturday and Sunday forward to Monday, keeping the time of day.
	WeekendSkip WeekendPolicy = "skip"
)

// ParseWeekendPolicy converts a config value into a WeekendPolicy.
// The empty string maps to WeekendNone.
func ParseWeekendPolicy(s string) (WeekendPolicy, error) {
	switch WeekendPolicy(s) {
	case "", WeekendNone:
		return WeekendNone, nil
	case WeekendSkip:
		return WeekendSkip, nil
	}
	return "", fmt.Errorf("unknown weekend policy %q (want %q or %q)", s, WeekendNone, WeekendSkip)
}

// Adjust applies the policy to t.
func (p WeekendPolicy) Adjust(t time.Time) time.Time {
	if p != WeekendSkip {
		return t
	}
	for t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		t = t.AddDate(0, 0, 1)
	}
	return t
}
