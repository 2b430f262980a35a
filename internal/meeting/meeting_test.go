package meeting

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/cadence/internal/cadence"
)

func TestProposeTimes(t *testing.T) {
	// Monday 2026-10-05.
	now := time.Date(2026, 10, 5, 8, 30, 0, 0, time.UTC)
	at := func(day, hour int) time.Time { return time.Date(2026, 10, day, hour, 0, 0, 0, time.UTC) }

	tests := []struct {
		tier   string
		policy cadence.WeekendPolicy
		want   []time.Time
	}{
		{"HOT", cadence.WeekendSkip, []time.Time{at(7, 10), at(8, 14), at(8, 16)}},
		{"warm", cadence.WeekendSkip, []time.Time{at(8, 10), at(9, 14), at(12, 15)}},
		{"warm", cadence.WeekendNone, []time.Time{at(8, 10), at(9, 14), at(10, 15)}},
		{"COLD", cadence.WeekendSkip, []time.Time{at(12, 11), at(13, 14), at(13, 15)}},
		{"", cadence.WeekendNone, []time.Time{at(11, 11), at(13, 14), at(13, 15)}},
	}
	for _, tt := range tests {
		t.Run(tt.tier+"/"+string(tt.policy), func(t *testing.T) {
			var got []time.Time
			for i, o := range ProposeTimes(now, tt.tier, 3, tt.policy) {
				if o.Priority != i+1 {
					t.Errorf("option %d priority = %d", i, o.Priority)
				}
				got = append(got, o.At)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("slots mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestProposeTimesCountAndFormat(t *testing.T) {
	now := time.Date(2026, 10, 5, 8, 30, 0, 0, time.UTC)
	if got := ProposeTimes(now, "HOT", 1, cadence.WeekendNone); len(got) != 1 {
		t.Errorf("n=1 returned %d options", len(got))
	}
	opts := ProposeTimes(now, "HOT", 10, cadence.WeekendNone)
	if len(opts) != MaxOptions {
		t.Fatalf("n=10 returned %d options", len(opts))
	}
	if opts[0].Formatted != "Wednesday, October 07 at 10:00 AM" {
		t.Errorf("Formatted = %q", opts[0].Formatted)
	}
}
