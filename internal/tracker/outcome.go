package tracker

import (
	"errors"
	"math"
	"strings"

	"github.com/kalambet/cadence/internal/storage"
)

// ErrInvalidOutcome is returned where an outcome kind is required but the
// given string is not one.
var ErrInvalidOutcome = errors.New("unrecognized outcome")

// ErrInvalidVariant is returned for an unknown variant type or a variant
// number below 1.
var ErrInvalidVariant = errors.New("invalid variant")

// OutcomeKind is one of the four funnel counters.
type OutcomeKind string

const (
	OutcomeSent    OutcomeKind = "sent"
	OutcomeOpened  OutcomeKind = "opened"
	OutcomeReplied OutcomeKind = "replied"
	OutcomeMeeting OutcomeKind = "meeting"
)

var outcomeAliases = map[string]OutcomeKind{
	"sent":      OutcomeSent,
	"delivered": OutcomeSent,
	"opened":    OutcomeOpened,
	"viewed":    OutcomeOpened,
	"replied":   OutcomeReplied,
	"response":  OutcomeReplied,
	"meeting":   OutcomeMeeting,
	"booked":    OutcomeMeeting,
}

// ParseOutcome maps a raw outcome string, including its aliases, to a kind.
// Matching ignores case and surrounding whitespace.
func ParseOutcome(s string) (OutcomeKind, bool) {
	k, ok := outcomeAliases[strings.ToLower(strings.TrimSpace(s))]
	return k, ok
}

// Delta returns the counter increment for one outcome of kind k.
func (k OutcomeKind) Delta() storage.Counters {
	switch k {
	case OutcomeSent:
		return storage.Counters{Sent: 1}
	case OutcomeOpened:
		return storage.Counters{Opened: 1}
	case OutcomeReplied:
		return storage.Counters{Replied: 1}
	case OutcomeMeeting:
		return storage.Counters{Meetings: 1}
	}
	return storage.Counters{}
}

// ScoreRange buckets a contact score.
func ScoreRange(score float64) string {
	switch {
	case score >= 80:
		return "80-100"
	case score >= 60:
		return "60-79"
	case score >= 40:
		return "40-59"
	}
	return "0-39"
}

// PerformanceScore weights open, reply, and meeting rates (percent of sent)
// 1, 3, and 10 and rounds to two decimals. It is 0 when nothing was sent.
func PerformanceScore(c storage.Counters) float64 {
	if c.Sent == 0 {
		return 0
	}
	sent := float64(c.Sent)
	openRate := float64(c.Opened) / sent * 100
	replyRate := float64(c.Replied) / sent * 100
	meetingRate := float64(c.Meetings) / sent * 100
	return round2(openRate*1 + replyRate*3 + meetingRate*10)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
