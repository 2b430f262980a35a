// Package ledger is the append-only record of every outreach action taken
// or observed for a contact.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/kalambet/cadence/internal/storage"
)

// Activity types written by the engine.
const (
	TypeEmailSent     = "email_sent"
	TypeEmailPrepared = "email_prepared"
	TypeEmailOpened   = "email_opened"
	TypeReplyReceived = "reply_received"
	TypeMeetingBooked = "meeting_booked"
	TypeCallPrompted  = "call_prompted"
	TypeCallAttempted = "call_attempted"
	TypeTouchFailed   = "touch_failed"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// ErrInvalidEntry is returned when an entry lacks a contact or a type.
var ErrInvalidEntry = errors.New("invalid ledger entry")

// Store defines the storage operations the Ledger needs.
// Implemented by storage.Store.
type Store interface {
	AppendActivity(a storage.Activity) (int64, error)
	ListActivities(contactID int64, limit int) ([]storage.Activity, error)
	ActivityCounts(group storage.ActivityGroup) ([]storage.ActivityCount, error)
	CountActivities() (int, error)
	CountDistinctContacts(types ...string) (int, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Entry is one action to record.
type Entry struct {
	ContactID   int64
	Type        string
	VariantUsed int
	Channel     string
	Status      string
	Message     string
	Metadata    map[string]any
}

// Activity converts e into a storage row stamped with at.
func (e Entry) Activity(at time.Time) storage.Activity {
	return storage.Activity{
		ContactID:   e.ContactID,
		Type:        e.Type,
		VariantUsed: e.VariantUsed,
		Channel:     e.Channel,
		Status:      e.Status,
		Message:     e.Message,
		Metadata:    EncodeMetadata(e.Metadata),
		CreatedAt:   at,
	}
}

// EncodeMetadata renders metadata as a JSON object. Empty or unencodable
// metadata yields "".
func EncodeMetadata(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		slog.Warn("dropping unencodable activity metadata", "error", err)
		return ""
	}
	return string(b)
}

// Ledger appends and queries activity records.
type Ledger struct {
	store Store
	clock Clock
}

func New(store Store) *Ledger {
	return &Ledger{store: store, clock: realClock{}}
}

// NewWithClock creates a Ledger with a custom clock (for testing).
func NewWithClock(store Store, clock Clock) *Ledger {
	return &Ledger{store: store, clock: clock}
}

// Log appends e and returns the new record id.
func (l *Ledger) Log(e Entry) (int64, error) {
	if e.ContactID <= 0 {
		return 0, fmt.Errorf("%w: contact id %d", ErrInvalidEntry, e.ContactID)
	}
	if e.Type == "" {
		return 0, fmt.Errorf("%w: empty activity type", ErrInvalidEntry)
	}
	id, err := l.store.AppendActivity(e.Activity(l.clock.Now()))
	if err != nil {
		return 0, fmt.Errorf("appending %s for contact %d: %w", e.Type, e.ContactID, err)
	}
	return id, nil
}

// History returns a contact's activities, most recent first. A limit of zero
// or less uses DefaultHistoryLimit; larger limits are capped at MaxHistoryLimit.
func (l *Ledger) History(contactID int64, limit int) ([]storage.Activity, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return l.store.ListActivities(contactID, limit)
}

// Stats counts activities overall and by type, channel, and status.
type Stats struct {
	Total     int            `json:"total"`
	ByType    map[string]int `json:"by_type"`
	ByChannel map[string]int `json:"by_channel"`
	ByStatus  map[string]int `json:"by_status"`
}

func (l *Ledger) Stats() (Stats, error) {
	total, err := l.store.CountActivities()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Total: total}
	for _, g := range []struct {
		group storage.ActivityGroup
		dst   *map[string]int
	}{
		{storage.GroupByType, &st.ByType},
		{storage.GroupByChannel, &st.ByChannel},
		{storage.GroupByStatus, &st.ByStatus},
	} {
		counts, err := l.store.ActivityCounts(g.group)
		if err != nil {
			return Stats{}, fmt.Errorf("counting activities by %s: %w", g.group, err)
		}
		m := make(map[string]int, len(counts))
		for _, c := range counts {
			if c.Key == "" {
				continue
			}
			m[c.Key] = c.Count
		}
		*g.dst = m
	}
	return st, nil
}

// ResponseRate is the share of emailed contacts that replied or booked a meeting.
type ResponseRate struct {
	Responded  int     `json:"responded"`
	Contacted  int     `json:"contacted"`
	Percentage float64 `json:"percentage"`
}

// ResponseRate counts distinct contacts with a reply or meeting against
// distinct contacts that were sent an email. It is zero when nobody was emailed.
func (l *Ledger) ResponseRate() (ResponseRate, error) {
	contacted, err := l.store.CountDistinctContacts(TypeEmailSent)
	if err != nil {
		return ResponseRate{}, err
	}
	responded, err := l.store.CountDistinctContacts(TypeReplyReceived, TypeMeetingBooked)
	if err != nil {
		return ResponseRate{}, err
	}
	rr := ResponseRate{Responded: responded, Contacted: contacted}
	if contacted > 0 {
		rr.Percentage = math.Round(float64(responded)/float64(contacted)*10000) / 100
	}
	return rr, nil
}
