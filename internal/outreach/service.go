// Package outreach wires the catalog, scheduler, tracker, and ledger into
// the operations exposed by the HTTP API, the MCP server, and the CLI.
package outreach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/cadence/internal/cadence"
	"github.com/kalambet/cadence/internal/ledger"
	"github.com/kalambet/cadence/internal/meeting"
	"github.com/kalambet/cadence/internal/sequence"
	"github.com/kalambet/cadence/internal/storage"
	"github.com/kalambet/cadence/internal/tracker"
)

// ErrContactNotFound is returned when an operation names an unknown contact.
var ErrContactNotFound = errors.New("contact not found")

// RecommendationMinConfidence is the insight confidence included with
// contact recommendations.
const RecommendationMinConfidence = 0.6

// CadenceSource lists and resolves cadence templates.
// Implemented by cadence.Registry.
type CadenceSource interface {
	Get(name string) (cadence.Cadence, error)
	Catalog() *cadence.Catalog
}

type Deps struct {
	Store     *storage.Store
	Cadences  CadenceSource
	Scheduler *sequence.Scheduler
	Tracker   *tracker.Tracker
	Ledger    *ledger.Ledger

	// MeetingPolicy adjusts proposed meeting slots. Defaults to skipping weekends.
	MeetingPolicy cadence.WeekendPolicy
	// Now defaults to the current UTC time.
	Now func() time.Time
}

// Service is the single entry point for outreach operations.
type Service struct {
	store     *storage.Store
	cadences  CadenceSource
	scheduler *sequence.Scheduler
	tracker   *tracker.Tracker
	ledger    *ledger.Ledger
	meeting   cadence.WeekendPolicy
	now       func() time.Time
	logger    *slog.Logger
}

func New(d Deps) *Service {
	if d.MeetingPolicy == "" {
		d.MeetingPolicy = cadence.WeekendSkip
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:     d.Store,
		cadences:  d.Cadences,
		scheduler: d.Scheduler,
		tracker:   d.Tracker,
		ledger:    d.Ledger,
		meeting:   d.MeetingPolicy,
		now:       d.Now,
		logger:    slog.Default(),
	}
}

func (s *Service) Cadences() []cadence.Cadence {
	return s.cadences.Catalog().All()
}

func (s *Service) StartSequence(contactID int64, cadenceName string) (sequence.Started, error) {
	if cadenceName == "" {
		cadenceName = "standard"
	}
	return s.scheduler.StartSequence(contactID, cadenceName)
}

func (s *Service) StopSequence(contactID int64, reason string) (storage.Sequence, error) {
	if reason == "" {
		reason = "manual"
	}
	return s.scheduler.StopSequence(contactID, reason)
}

// GetSequence returns the contact's current (or most recent) sequence.
func (s *Service) GetSequence(contactID int64) (sequence.View, error) {
	return s.scheduler.Inspect(contactID)
}

func (s *Service) ActiveSequences() ([]storage.SequenceProgress, error) {
	return s.store.ListActiveSequences()
}

// DueTouches lists touches due now.
func (s *Service) DueTouches() ([]storage.Touch, error) {
	return s.scheduler.GetDueTouches(s.now())
}

// ExecuteDue runs one sweep at the current time.
func (s *Service) ExecuteDue(ctx context.Context, mode sequence.Mode) (sequence.Report, error) {
	return s.scheduler.ExecuteDue(ctx, s.now(), mode)
}

// OutcomeRequest reports an observed outcome for a contact's touch variant.
type OutcomeRequest struct {
	ContactID   int64             `json:"contact_id"`
	VariantType cadence.TouchType `json:"variant_type"`
	Variant     int               `json:"variant_number"`
	Outcome     string            `json:"outcome"`
}

// OutcomeResult is the updated segment record and the ledger entry written.
type OutcomeResult struct {
	Outcome    tracker.OutcomeKind        `json:"outcome"`
	Record     *storage.PerformanceRecord `json:"record"`
	ActivityID int64                      `json:"activity_id"`
}

var outcomeActivity = map[tracker.OutcomeKind]string{
	tracker.OutcomeOpened:  ledger.TypeEmailOpened,
	tracker.OutcomeReplied: ledger.TypeReplyReceived,
	tracker.OutcomeMeeting: ledger.TypeMeetingBooked,
}

// RecordOutcome updates the variant's performance segment and appends the
// matching ledger activity. Replies and meetings also flag the touch that
// drew them. Unlike the tracker, it rejects unrecognized outcomes.
func (s *Service) RecordOutcome(ctx context.Context, req OutcomeRequest) (OutcomeResult, error) {
	kind, ok := tracker.ParseOutcome(req.Outcome)
	if !ok {
		return OutcomeResult{}, fmt.Errorf("%w: %q", tracker.ErrInvalidOutcome, req.Outcome)
	}
	contact, err := s.contact(ctx, req.ContactID)
	if err != nil {
		return OutcomeResult{}, err
	}

	rec, err := s.tracker.RecordFor(contact, req.VariantType, req.Variant, req.Outcome)
	if err != nil {
		return OutcomeResult{}, err
	}

	typ, ok := outcomeActivity[kind]
	if !ok {
		typ = ledger.TypeEmailSent
		if req.VariantType == cadence.TouchCall {
			typ = ledger.TypeCallAttempted
		}
	}
	id, err := s.ledger.Log(ledger.Entry{
		ContactID:   contact.ID,
		Type:        typ,
		VariantUsed: req.Variant,
		Channel:     string(req.VariantType),
		Status:      string(kind),
		Metadata:    map[string]any{"source": "outcome"},
	})
	if err != nil {
		return OutcomeResult{}, fmt.Errorf("logging outcome: %w", err)
	}

	if kind == tracker.OutcomeReplied || kind == tracker.OutcomeMeeting {
		err := s.store.MarkResponseReceived(contact.ID, string(req.VariantType), req.Variant)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("flagging responded touch failed", "contact_id", contact.ID, "error", err)
		}
	}
	return OutcomeResult{Outcome: kind, Record: rec, ActivityID: id}, nil
}

// Recommend returns the best variant of one type for a contact.
func (s *Service) Recommend(ctx context.Context, contactID int64, variantType cadence.TouchType) (tracker.Recommendation, error) {
	contact, err := s.contact(ctx, contactID)
	if err != nil {
		return tracker.Recommendation{}, err
	}
	if !variantType.Valid() {
		return tracker.Recommendation{}, fmt.Errorf("%w: unknown variant type %q", tracker.ErrInvalidVariant, variantType)
	}
	return s.tracker.GetBestVariant(variantType, contact.Tier, contact.Score)
}

// ContactRecommendations bundles the email and call picks for one contact.
type ContactRecommendations struct {
	ContactID int64                  `json:"contact_id"`
	Tier      string                 `json:"tier"`
	Score     float64                `json:"score"`
	Email     tracker.Recommendation `json:"recommended_email_variant"`
	Call      tracker.Recommendation `json:"recommended_call_variant"`
	Insights  []storage.Insight      `json:"general_insights"`
}

func (s *Service) ContactRecommendations(ctx context.Context, contactID int64) (ContactRecommendations, error) {
	contact, err := s.contact(ctx, contactID)
	if err != nil {
		return ContactRecommendations{}, err
	}
	out := ContactRecommendations{ContactID: contact.ID, Tier: contact.Tier, Score: contact.Score}
	if out.Email, err = s.tracker.GetBestVariant(cadence.TouchEmail, contact.Tier, contact.Score); err != nil {
		return ContactRecommendations{}, err
	}
	if out.Call, err = s.tracker.GetBestVariant(cadence.TouchCall, contact.Tier, contact.Score); err != nil {
		return ContactRecommendations{}, err
	}
	if out.Insights, err = s.tracker.Insights(RecommendationMinConfidence); err != nil {
		return ContactRecommendations{}, err
	}
	if out.Insights == nil {
		out.Insights = []storage.Insight{}
	}
	return out, nil
}

func (s *Service) Insights(minConfidence float64) ([]storage.Insight, error) {
	return s.tracker.Insights(minConfidence)
}

func (s *Service) LearningSummary() (tracker.Summary, error) {
	return s.tracker.LearningSummary()
}

// MeetingTimes proposes up to n meeting slots for a contact.
func (s *Service) MeetingTimes(ctx context.Context, contactID int64, n int) ([]meeting.Option, error) {
	contact, err := s.contact(ctx, contactID)
	if err != nil {
		return nil, err
	}
	return meeting.ProposeTimes(s.now(), contact.Tier, n, s.meeting), nil
}

func (s *Service) History(contactID int64, limit int) ([]storage.Activity, error) {
	return s.ledger.History(contactID, limit)
}

// ActivityReport is the ledger's aggregate view.
type ActivityReport struct {
	ledger.Stats
	ResponseRate ledger.ResponseRate `json:"response_rate"`
}

func (s *Service) ActivityStats() (ActivityReport, error) {
	st, err := s.ledger.Stats()
	if err != nil {
		return ActivityReport{}, err
	}
	rr, err := s.ledger.ResponseRate()
	if err != nil {
		return ActivityReport{}, err
	}
	return ActivityReport{Stats: st, ResponseRate: rr}, nil
}

// Summary returns the dashboard overview at the current time.
func (s *Service) Summary() (storage.Summary, error) {
	return s.store.Summary(s.now())
}

func (s *Service) contact(ctx context.Context, id int64) (storage.Contact, error) {
	c, err := s.store.GetContact(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Contact{}, fmt.Errorf("%w: %d", ErrContactNotFound, id)
	}
	if err != nil {
		return storage.Contact{}, fmt.Errorf("loading contact %d: %w", id, err)
	}
	return c, nil
}

// ParseTouchType accepts a touch type in any case.
func ParseTouchType(s string) (cadence.TouchType, error) {
	t, err := cadence.ParseTouchType(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", tracker.ErrInvalidVariant, err)
	}
	return t, nil
}
