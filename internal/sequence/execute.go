package sequence

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/cadence/internal/cadence"
	"github.com/kalambet/cadence/internal/executor"
	"github.com/kalambet/cadence/internal/storage"
)

// Mode selects whether a sweep dispatches touches or only plans them.
type Mode string

const (
	ModeDryRun Mode = "dry_run"
	ModeLive   Mode = "live"
)

// ParseMode accepts "dry_run" (or "dry-run") and "live".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "dry_run", "dry-run", "dryrun":
		return ModeDryRun, nil
	case "live":
		return ModeLive, nil
	}
	return "", fmt.Errorf("unknown execution mode %q (want %q or %q)", s, ModeDryRun, ModeLive)
}

// Result statuses that are not touch statuses.
const (
	// StatusPlanned marks a touch a dry run would have dispatched.
	StatusPlanned storage.TouchStatus = "planned"
	// StatusSkipped marks a touch another worker claimed first or whose
	// sequence was stopped before the claim.
	StatusSkipped storage.TouchStatus = "skipped"
)

// TouchResult reports what happened to one touch during a sweep.
type TouchResult struct {
	TouchID        string                 `json:"touch_id"`
	SequenceID     string                 `json:"sequence_id"`
	ContactID      int64                  `json:"contact_id"`
	TouchNumber    int                    `json:"touch_number"`
	Type           cadence.TouchType      `json:"touch_type"`
	Status         storage.TouchStatus    `json:"status"`
	Variant        int                    `json:"variant_used,omitempty"`
	VariantSource  string                 `json:"variant_source,omitempty"`
	Subject        string                 `json:"subject,omitempty"`
	MessageID      string                 `json:"message_id,omitempty"`
	Error          string                 `json:"error,omitempty"`
	ErrorKind      executor.Kind          `json:"error_kind,omitempty"`
	SequenceStatus storage.SequenceStatus `json:"sequence_status,omitempty"`
	DurationMS     int64                  `json:"duration_ms"`
}

// SweepStats counts sweep results by status.
type SweepStats struct {
	Due      int   `json:"due"`
	Sent     int   `json:"sent"`
	Ready    int   `json:"ready"`
	Notified int   `json:"notified"`
	Failed   int   `json:"failed"`
	Skipped  int   `json:"skipped"`
	Planned  int   `json:"planned"`
	Requeued int64 `json:"requeued"`
}

func (st *SweepStats) add(r TouchResult) {
	switch r.Status {
	case storage.TouchSent:
		st.Sent++
	case storage.TouchReady:
		st.Ready++
	case storage.TouchNotified:
		st.Notified++
	case StatusPlanned:
		st.Planned++
	case StatusSkipped:
		st.Skipped++
	default:
		st.Failed++
	}
}

// Report is the outcome of one ExecuteDue sweep.
type Report struct {
	Mode     Mode          `json:"mode"`
	RanAt    time.Time     `json:"ran_at"`
	Results  []TouchResult `json:"results"`
	Stats    SweepStats    `json:"stats"`
	Duration time.Duration `json:"-"`
}

// ExecuteDue runs every touch due at now. In live mode stale claims are
// requeued first. Contacts are worked on a bounded pool, and each contact's
// touches run one at a time in schedule order; one touch failing never aborts
// the others. A dry run resolves variants and content only and writes nothing.
func (s *Scheduler) ExecuteDue(ctx context.Context, now time.Time, mode Mode) (Report, error) {
	start := time.Now()
	rep := Report{Mode: mode, RanAt: now.UTC()}

	if mode == ModeLive {
		n, err := s.Reconcile(now)
		if err != nil {
			return rep, fmt.Errorf("reconciling claims: %w", err)
		}
		rep.Stats.Requeued = n
	}

	due, err := s.GetDueTouches(now)
	if err != nil {
		return rep, fmt.Errorf("listing due touches: %w", err)
	}
	rep.Stats.Due = len(due)
	rep.Results = make([]TouchResult, len(due))

	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for _, idx := range groupByContact(due) {
		g.Go(func() error {
			if mode == ModeLive {
				release := s.runs.lock(due[idx[0]].ContactID)
				defer release()
			}
			for _, i := range idx {
				t := due[i]
				switch {
				case ctx.Err() != nil:
					rep.Results[i] = skipped(t, ctx.Err())
				case mode == ModeLive:
					rep.Results[i] = s.executeSafely(ctx, t)
				default:
					rep.Results[i] = s.plan(ctx, t)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range rep.Results {
		rep.Stats.add(r)
	}
	rep.Duration = time.Since(start)

	s.logger.Info("sweep finished",
		"mode", mode,
		"due", rep.Stats.Due,
		"sent", rep.Stats.Sent,
		"ready", rep.Stats.Ready,
		"notified", rep.Stats.Notified,
		"failed", rep.Stats.Failed,
		"skipped", rep.Stats.Skipped,
		"requeued", rep.Stats.Requeued,
		"duration_ms", rep.Duration.Milliseconds(),
	)
	return rep, nil
}

// groupByContact returns the indexes of due split per contact. Contacts keep
// the order of their first due touch and each group keeps the order of due.
func groupByContact(due []storage.Touch) [][]int {
	pos := make(map[int64]int)
	var groups [][]int
	for i, t := range due {
		g, ok := pos[t.ContactID]
		if !ok {
			g = len(groups)
			pos[t.ContactID] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}

// executeSafely contains a panic in one touch to that touch. The claim is left
// in progress so reconciliation can requeue it.
func (s *Scheduler) executeSafely(ctx context.Context, t storage.Touch) (res TouchResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("touch execution panicked",
				"touch_id", t.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			res = baseResult(t)
			res.Status = storage.TouchFailed
			res.Error = fmt.Sprintf("panic: %v", r)
			res.ErrorKind = executor.KindInternal
		}
	}()
	return s.ExecuteTouch(ctx, t)
}

func (s *Scheduler) plan(ctx context.Context, t storage.Touch) TouchResult {
	res := baseResult(t)
	p, err := s.dispatcher.Resolve(ctx, t)
	res.Variant = p.Variant
	res.VariantSource = p.VariantSource
	if err != nil {
		res.Status = storage.TouchFailed
		res.Error = err.Error()
		res.ErrorKind = executor.ErrorKind(err)
		return res
	}
	res.Status = StatusPlanned
	res.Subject = p.Content.Subject
	return res
}

// ExecuteTouch claims t, dispatches it, and records the outcome. The claim and
// the finalization each happen under the contact's lock; the dispatch itself
// does not hold it. If the touch cannot be claimed the result is skipped and
// nothing is written.
func (s *Scheduler) ExecuteTouch(ctx context.Context, t storage.Touch) TouchResult {
	res := baseResult(t)
	token := uuid.NewString()

	unlock := s.locks.lock(t.ContactID)
	claimed, err := s.store.ClaimTouch(t.ID, token, s.clock.Now())
	unlock()
	if errors.Is(err, storage.ErrNotClaimable) || errors.Is(err, storage.ErrNotFound) {
		s.logger.Debug("touch not claimable", "touch_id", t.ID, "error", err)
		return skipped(t, err)
	}
	if err != nil {
		res.Status = storage.TouchFailed
		res.Error = err.Error()
		res.ErrorKind = executor.KindInternal
		return res
	}

	if ctx.Err() != nil {
		if rerr := s.store.ReleaseClaim(claimed.ID, token); rerr != nil {
			s.logger.Warn("releasing claim failed", "touch_id", t.ID, "error", rerr)
		}
		return skipped(t, ctx.Err())
	}

	out := s.dispatcher.Dispatch(ctx, claimed)
	res.Variant = out.Plan.Variant
	res.VariantSource = out.Plan.VariantSource
	res.Subject = out.Plan.Content.Subject
	res.MessageID = out.MessageID
	res.DurationMS = out.Duration.Milliseconds()
	if out.Err != nil {
		res.Error = out.Err.Error()
		res.ErrorKind = out.Kind
	}

	at := s.clock.Now()
	fin := storage.Finalization{
		TouchID:     claimed.ID,
		ClaimToken:  token,
		Status:      out.Status,
		VariantUsed: out.Entry.VariantUsed,
		At:          at,
		Activity:    out.Entry.Activity(at),
	}
	if out.Err != nil {
		fin.LastError = out.Err.Error()
	}

	unlock = s.locks.lock(t.ContactID)
	seq, err := s.store.FinalizeTouch(fin)
	unlock()
	if err != nil {
		// The dispatch happened but was not recorded. The touch stays in
		// progress until reconciliation requeues it.
		s.logger.Error("finalizing touch failed",
			"touch_id", t.ID,
			"status", out.Status,
			"error", err,
		)
		res.Status = storage.TouchFailed
		res.Error = fmt.Sprintf("recording outcome: %v", err)
		res.ErrorKind = executor.KindInternal
		return res
	}
	res.Status = out.Status
	res.SequenceStatus = seq.Status

	if seq.Status == storage.SequenceCompleted {
		s.logger.Info("sequence completed", "sequence_id", seq.ID, "contact_id", seq.ContactID)
	}

	if s.opts.RecordDispatches && s.outcomes != nil &&
		(out.Status == storage.TouchSent || out.Status == storage.TouchNotified) {
		if _, err := s.outcomes.RecordFor(out.Plan.Contact, t.Type, out.Plan.Variant, "sent"); err != nil {
			s.logger.Warn("recording dispatch outcome failed", "touch_id", t.ID, "error", err)
		}
	}
	return res
}

func baseResult(t storage.Touch) TouchResult {
	return TouchResult{
		TouchID:     t.ID,
		SequenceID:  t.SequenceID,
		ContactID:   t.ContactID,
		TouchNumber: t.TouchNumber,
		Type:        t.Type,
		Variant:     t.VariantNumber,
	}
}

func skipped(t storage.Touch, err error) TouchResult {
	res := baseResult(t)
	res.Status = StatusSkipped
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
