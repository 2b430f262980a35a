// Package meeting proposes meeting slots for a contact based on its tier.
package meeting

import (
	"strings"
	"time"

	"github.com/kalambet/cadence/internal/cadence"
)

// MaxOptions is the number of slots a tier plan defines.
const MaxOptions = 3

// Option is one proposed meeting slot. Priority 1 is the preferred slot.
type Option struct {
	At        time.Time `json:"at"`
	Formatted string    `json:"formatted"`
	Priority  int       `json:"priority"`
}

type plan struct {
	days  [MaxOptions]int
	hours [MaxOptions]int
}

// Hotter contacts get earlier slots.
var (
	hotPlan   = plan{days: [MaxOptions]int{1, 2, 2}, hours: [MaxOptions]int{10, 14, 16}}
	warmPlan  = plan{days: [MaxOptions]int{2, 3, 4}, hours: [MaxOptions]int{10, 14, 15}}
	otherPlan = plan{days: [MaxOptions]int{5, 7, 7}, hours: [MaxOptions]int{11, 14, 15}}
)

func planFor(tier string) plan {
	switch strings.ToUpper(strings.TrimSpace(tier)) {
	case "HOT":
		return hotPlan
	case "WARM":
		return warmPlan
	}
	return otherPlan
}

// ProposeTimes returns up to n slots for a contact of the given tier. Slots
// start from the day after now, land on the hour in UTC, and are adjusted by
// policy. n <= 0 or above MaxOptions yields MaxOptions slots.
func ProposeTimes(now time.Time, tier string, n int, policy cadence.WeekendPolicy) []Option {
	if n <= 0 || n > MaxOptions {
		n = MaxOptions
	}
	p := planFor(tier)
	base := now.UTC().AddDate(0, 0, 1)

	out := make([]Option, 0, n)
	for i := range n {
		d := base.AddDate(0, 0, p.days[i])
		at := time.Date(d.Year(), d.Month(), d.Day(), p.hours[i], 0, 0, 0, time.UTC)
		at = policy.Adjust(at)
		out = append(out, Option{
			At:        at,
			Formatted: at.Format("Monday, January 02 at 03:04 PM"),
			Priority:  i + 1,
		})
	}
	return out
}
