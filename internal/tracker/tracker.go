// Package tracker learns which content variants perform best per contact
// segment and recommends variants from that history.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/cadence/internal/cadence"
	"github.com/kalambet/cadence/internal/storage"
)

const (
	// minSamplesForSignal is the sends a segment needs before it can be recommended.
	minSamplesForSignal = 3
	highConfidenceSends = 10

	overallMinSends       = 5
	overallHighConfidence = 20
	tierHighConfidence    = 10

	// DefaultVariant is recommended when no segment has enough data.
	DefaultVariant = 1
)

const (
	InsightBestVariant  = "best_variant"
	InsightTierSpecific = "tier_specific"
)

// Store defines the storage operations the Tracker needs.
// Implemented by storage.Store.
type Store interface {
	ApplyOutcome(key storage.SegmentKey, delta storage.Counters, score func(storage.Counters) float64, now time.Time) (storage.PerformanceRecord, error)
	BestInSegment(variantType, tier, scoreRange string, minSent int) (storage.PerformanceRecord, error)
	ListPerformance(variantType string, minSent int) ([]storage.PerformanceRecord, error)
	PutInsight(in storage.Insight, now time.Time) (bool, error)
	ListInsights(minConfidence float64, withRetired bool) ([]storage.Insight, error)
}

// ContactSource resolves contacts for outcome bucketing.
type ContactSource interface {
	GetContact(ctx context.Context, id int64) (storage.Contact, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Tracker records outcomes into segment counters and derives insights.
type Tracker struct {
	store    Store
	contacts ContactSource
	clock    Clock
	logger   *slog.Logger

	// analyzeMu orders insight writes so a slower analysis never overwrites a newer winner.
	analyzeMu sync.Mutex
}

func New(store Store, contacts ContactSource) *Tracker {
	return &Tracker{store: store, contacts: contacts, clock: realClock{}, logger: slog.Default()}
}

// NewWithClock creates a Tracker with a custom clock (for testing).
func NewWithClock(store Store, contacts ContactSource, clock Clock) *Tracker {
	return &Tracker{store: store, contacts: contacts, clock: clock, logger: slog.Default()}
}

// RecordOutcome looks up the contact and records outcome against its
// segment. Unrecognized outcomes are a no-op and return nil, nil.
func (t *Tracker) RecordOutcome(ctx context.Context, contactID int64, variantType cadence.TouchType, variant int, outcome string) (*storage.PerformanceRecord, error) {
	if _, ok := ParseOutcome(outcome); !ok {
		return nil, nil
	}
	if err := validateVariant(variantType, variant); err != nil {
		return nil, err
	}
	c, err := t.contacts.GetContact(ctx, contactID)
	if err != nil {
		return nil, fmt.Errorf("resolving contact %d: %w", contactID, err)
	}
	return t.RecordFor(c, variantType, variant, outcome)
}

// RecordFor records outcome for an already resolved contact.
func (t *Tracker) RecordFor(c storage.Contact, variantType cadence.TouchType, variant int, outcome string) (*storage.PerformanceRecord, error) {
	kind, ok := ParseOutcome(outcome)
	if !ok {
		t.logger.Debug("ignoring unrecognized outcome", "contact_id", c.ID, "outcome", outcome)
		return nil, nil
	}
	if err := validateVariant(variantType, variant); err != nil {
		return nil, err
	}

	key := storage.SegmentKey{
		VariantType:   string(variantType),
		VariantNumber: variant,
		Tier:          normalizeTier(c.Tier),
		ScoreRange:    ScoreRange(c.Score),
	}
	rec, err := t.store.ApplyOutcome(key, kind.Delta(), PerformanceScore, t.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("recording %s outcome: %w", kind, err)
	}

	if err := t.AnalyzePatterns(); err != nil {
		// The outcome itself is committed; insights catch up on the next call.
		t.logger.Warn("pattern analysis failed", "error", err)
	}
	return &rec, nil
}

func validateVariant(variantType cadence.TouchType, variant int) error {
	if !variantType.Valid() {
		return fmt.Errorf("%w: unknown variant type %q", ErrInvalidVariant, variantType)
	}
	if variant < 1 {
		return fmt.Errorf("%w: variant number %d", ErrInvalidVariant, variant)
	}
	return nil
}

func normalizeTier(tier string) string {
	tier = strings.ToUpper(strings.TrimSpace(tier))
	if tier == "" {
		return "UNKNOWN"
	}
	return tier
}

// Confidence grades a recommendation by its sample size.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Recommendation is the variant to use for one segment.
type Recommendation struct {
	VariantType cadence.TouchType `json:"variant_type"`
	Variant     int               `json:"recommended_variant"`
	Confidence  Confidence        `json:"confidence"`
	Score       float64           `json:"performance_score"`
	Evidence    string            `json:"evidence"`
	Tier        string            `json:"tier"`
	ScoreRange  string            `json:"score_range"`
}

// GetBestVariant returns the best variant in the exact (tier, score range)
// segment with enough sends, or DefaultVariant with low confidence.
func (t *Tracker) GetBestVariant(variantType cadence.TouchType, tier string, score float64) (Recommendation, error) {
	rec := Recommendation{
		VariantType: variantType,
		Tier:        normalizeTier(tier),
		ScoreRange:  ScoreRange(score),
	}
	best, err := t.store.BestInSegment(string(variantType), rec.Tier, rec.ScoreRange, minSamplesForSignal)
	if errors.Is(err, storage.ErrNotFound) {
		rec.Variant = DefaultVariant
		rec.Confidence = ConfidenceLow
		rec.Evidence = "insufficient data, using default"
		return rec, nil
	}
	if err != nil {
		return Recommendation{}, fmt.Errorf("finding best %s variant: %w", variantType, err)
	}

	rec.Variant = best.VariantNumber
	rec.Score = best.Score
	rec.Confidence = ConfidenceMedium
	if best.Sent >= highConfidenceSends {
		rec.Confidence = ConfidenceHigh
	}
	rec.Evidence = fmt.Sprintf("%d sends, %d replies, %d meetings", best.Sent, best.Replied, best.Meetings)
	return rec, nil
}

// Recommend resolves the contact and returns GetBestVariant for its segment.
func (t *Tracker) Recommend(ctx context.Context, contactID int64, variantType cadence.TouchType) (Recommendation, error) {
	if !variantType.Valid() {
		return Recommendation{}, fmt.Errorf("%w: unknown variant type %q", ErrInvalidVariant, variantType)
	}
	c, err := t.contacts.GetContact(ctx, contactID)
	if err != nil {
		return Recommendation{}, fmt.Errorf("resolving contact %d: %w", contactID, err)
	}
	return t.GetBestVariant(variantType, c.Tier, c.Score)
}

// AnalyzePatterns derives the best-overall and per-tier insights for every
// variant type. Segments below the sample thresholds produce nothing.
func (t *Tracker) AnalyzePatterns() error {
	t.analyzeMu.Lock()
	defer t.analyzeMu.Unlock()

	records, err := t.store.ListPerformance("", 0)
	if err != nil {
		return fmt.Errorf("listing performance: %w", err)
	}

	now := t.clock.Now()
	for _, in := range candidateInsights(records) {
		wrote, err := t.store.PutInsight(in, now)
		if err != nil {
			return fmt.Errorf("saving %s insight %s: %w", in.Type, in.SegmentKey, err)
		}
		if wrote {
			t.logger.Info("learning insight", "type", in.Type, "segment", in.SegmentKey,
				"variant", in.SubjectVariant, "confidence", in.Confidence)
		}
	}
	return nil
}

// candidateInsights computes insights from performance records, in a
// deterministic order.
func candidateInsights(records []storage.PerformanceRecord) []storage.Insight {
	byType := make(map[string][]storage.PerformanceRecord)
	for _, r := range records {
		byType[r.VariantType] = append(byType[r.VariantType], r)
	}
	types := make([]string, 0, len(byType))
	for vt := range byType {
		types = append(types, vt)
	}
	sort.Strings(types)

	var out []storage.Insight
	for _, vt := range types {
		recs := byType[vt]
		if in, ok := bestOverall(vt, recs); ok {
			out = append(out, in)
		}
		out = append(out, bestPerTier(vt, recs)...)
	}
	return out
}

func bestOverall(variantType string, recs []storage.PerformanceRecord) (storage.Insight, bool) {
	type agg struct {
		sum   float64
		n     int
		sends int
	}
	byVariant := make(map[int]*agg)
	for _, r := range recs {
		if r.Sent < overallMinSends {
			continue
		}
		a := byVariant[r.VariantNumber]
		if a == nil {
			a = &agg{}
			byVariant[r.VariantNumber] = a
		}
		a.sum += r.Score
		a.n++
		a.sends += r.Sent
	}

	bestVariant, bestAvg, bestSends := 0, 0.0, 0
	for v, a := range byVariant {
		avg := a.sum / float64(a.n)
		if bestVariant == 0 || avg > bestAvg || (avg == bestAvg && v < bestVariant) {
			bestVariant, bestAvg, bestSends = v, avg, a.sends
		}
	}
	if bestVariant == 0 || bestAvg <= 0 {
		return storage.Insight{}, false
	}

	conf := 0.6
	if bestSends >= overallHighConfidence {
		conf = 0.8
	}
	return storage.Insight{
		Type:           InsightBestVariant,
		SegmentKey:     variantType,
		SubjectVariant: bestVariant,
		Text: fmt.Sprintf("%s variant %d performs best overall (score: %.1f, %d sends)",
			titleCase(variantType), bestVariant, bestAvg, bestSends),
		Confidence:    conf,
		EvidenceCount: bestSends,
	}, true
}

func bestPerTier(variantType string, recs []storage.PerformanceRecord) []storage.Insight {
	best := make(map[string]storage.PerformanceRecord)
	for _, r := range recs {
		if r.Sent < minSamplesForSignal {
			continue
		}
		cur, ok := best[r.Tier]
		if !ok || r.Score > cur.Score ||
			(r.Score == cur.Score && (r.Sent > cur.Sent || (r.Sent == cur.Sent && r.VariantNumber < cur.VariantNumber))) {
			best[r.Tier] = r
		}
	}

	tiers := make([]string, 0, len(best))
	for tier := range best {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)

	out := make([]storage.Insight, 0, len(tiers))
	for _, tier := range tiers {
		r := best[tier]
		conf := 0.5
		if r.Sent >= tierHighConfidence {
			conf = 0.7
		}
		out = append(out, storage.Insight{
			Type:           InsightTierSpecific,
			SegmentKey:     variantType + ":" + tier,
			SubjectVariant: r.VariantNumber,
			Text: fmt.Sprintf("%s contacts respond best to %s variant %d (score: %.1f)",
				tier, variantType, r.VariantNumber, r.Score),
			Confidence:    conf,
			EvidenceCount: r.Sent,
		})
	}
	return out
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Insights returns active insights with confidence >= minConfidence,
// highest confidence first.
func (t *Tracker) Insights(minConfidence float64) ([]storage.Insight, error) {
	return t.store.ListInsights(minConfidence, false)
}

// Summary reports what the tracker has learned so far.
type Summary struct {
	Segments      int                         `json:"segments"`
	TotalSent     int                         `json:"total_sent"`
	TotalReplied  int                         `json:"total_replied"`
	TotalMeetings int                         `json:"total_meetings"`
	TopPerformers []storage.PerformanceRecord `json:"top_performers"`
	Insights      []storage.Insight           `json:"insights"`
}

const (
	summaryTopN          = 5
	summaryMinSends      = 5
	summaryMinConfidence = 0.5
)

// LearningSummary totals every segment and lists the top performers and insights.
func (t *Tracker) LearningSummary() (Summary, error) {
	records, err := t.store.ListPerformance("", 0)
	if err != nil {
		return Summary{}, fmt.Errorf("listing performance: %w", err)
	}

	sum := Summary{Segments: len(records), TopPerformers: []storage.PerformanceRecord{}}
	for _, r := range records {
		sum.TotalSent += r.Sent
		sum.TotalReplied += r.Replied
		sum.TotalMeetings += r.Meetings
		// records arrive best first
		if r.Sent >= summaryMinSends && len(sum.TopPerformers) < summaryTopN {
			sum.TopPerformers = append(sum.TopPerformers, r)
		}
	}

	insights, err := t.Insights(summaryMinConfidence)
	if err != nil {
		return Summary{}, err
	}
	if len(insights) > summaryTopN {
		insights = insights[:summaryTopN]
	}
	sum.Insights = insights
	return sum, nil
}
