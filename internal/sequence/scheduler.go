// Package sequence runs the per-contact outreach state machine: it starts
// sequences from cadence templates, finds due touches, and executes them
// through the executor.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/cadence/internal/cadence"
	"github.com/kalambet/cadence/internal/executor"
	"github.com/kalambet/cadence/internal/storage"
)

var (
	// ErrNoActiveSequence is returned when stopping a contact without an active sequence.
	ErrNoActiveSequence = errors.New("no active sequence")

	// ErrNoSequence is returned when a contact has never had a sequence.
	ErrNoSequence = errors.New("no sequence for contact")

	// ErrInvalidContact is returned for contact ids below 1.
	ErrInvalidContact = errors.New("invalid contact id")
)

const (
	DefaultWorkers    = 4
	DefaultStaleAfter = 10 * time.Minute
)

// Store defines the storage operations the Scheduler needs.
// Implemented by storage.Store.
type Store interface {
	CreateSequence(seq storage.Sequence, touches []storage.Touch) error
	GetActiveSequence(contactID int64) (storage.Sequence, error)
	ListSequencesByContact(contactID int64) ([]storage.Sequence, error)
	ListTouches(sequenceID string) ([]storage.Touch, error)
	DueTouches(now time.Time, limit int) ([]storage.Touch, error)
	ClaimTouch(id, token string, now time.Time) (storage.Touch, error)
	FinalizeTouch(f storage.Finalization) (storage.Sequence, error)
	ReleaseClaim(id, token string) error
	RequeueStaleClaims(cutoff time.Time) (int64, error)
	StopSequence(contactID int64, reason string, now time.Time) (storage.Sequence, error)
}

// Catalog resolves cadence templates. Implemented by cadence.Catalog and
// cadence.Registry.
type Catalog interface {
	Get(name string) (cadence.Cadence, error)
}

// Dispatcher resolves and delivers touches. Implemented by executor.Executor.
type Dispatcher interface {
	Resolve(ctx context.Context, t storage.Touch) (executor.Plan, error)
	Dispatch(ctx context.Context, t storage.Touch) executor.Result
}

// OutcomeRecorder feeds dispatches to the performance tracker.
// Implemented by tracker.Tracker.
type OutcomeRecorder interface {
	RecordFor(c storage.Contact, variantType cadence.TouchType, variant int, outcome string) (*storage.PerformanceRecord, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type Options struct {
	// Workers bounds concurrent touch executions in one sweep.
	Workers int
	// StaleAfter is how long a claim may stay in progress before
	// reconciliation returns the touch to pending.
	StaleAfter time.Duration
	// Weekend adjusts scheduled times at sequence start.
	Weekend cadence.WeekendPolicy
	// RecordDispatches records a "sent" outcome for every delivered touch.
	RecordDispatches bool
	Clock            Clock
}

// Scheduler owns every Sequence and Touch state transition.
type Scheduler struct {
	store      Store
	catalog    Catalog
	dispatcher Dispatcher
	outcomes   OutcomeRecorder
	opts       Options
	clock      Clock
	locks      *contactLocks
	runs       *contactLocks
	logger     *slog.Logger
}

// New creates a Scheduler. outcomes may be nil.
func New(store Store, catalog Catalog, dispatcher Dispatcher, outcomes OutcomeRecorder, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Scheduler{
		store:      store,
		catalog:    catalog,
		dispatcher: dispatcher,
		outcomes:   outcomes,
		opts:       opts,
		clock:      clock,
		locks:      newContactLocks(),
		runs:       newContactLocks(),
		logger:     slog.Default(),
	}
}

// Started is a newly created sequence with its materialized touches.
type Started struct {
	Sequence storage.Sequence `json:"sequence"`
	Touches  []storage.Touch  `json:"touches"`
}

// StartSequence creates a sequence for contactID from the named cadence,
// with one pending touch per step scheduled at now + day offset. It fails
// with cadence.ErrUnknownCadence or storage.ErrDuplicateActiveSequence and
// then writes nothing.
func (s *Scheduler) StartSequence(contactID int64, cadenceName string) (Started, error) {
	if contactID <= 0 {
		return Started{}, fmt.Errorf("%w: %d", ErrInvalidContact, contactID)
	}
	cd, err := s.catalog.Get(cadenceName)
	if err != nil {
		return Started{}, err
	}

	unlock := s.locks.lock(contactID)
	defer unlock()

	if _, err := s.store.GetActiveSequence(contactID); err == nil {
		return Started{}, fmt.Errorf("%w: contact %d", storage.ErrDuplicateActiveSequence, contactID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Started{}, fmt.Errorf("checking active sequence: %w", err)
	}

	now := s.clock.Now().UTC()
	seq := storage.Sequence{
		ID:          uuid.NewString(),
		ContactID:   contactID,
		CadenceName: cd.Name,
		Status:      storage.SequenceActive,
		TotalSteps:  len(cd.Steps),
		StartedAt:   now,
	}
	times := cd.Schedule(now, s.opts.Weekend)
	touches := make([]storage.Touch, len(cd.Steps))
	for i, step := range cd.Steps {
		touches[i] = storage.Touch{
			ID:            uuid.NewString(),
			SequenceID:    seq.ID,
			ContactID:     contactID,
			TouchNumber:   i + 1,
			Type:          step.Type,
			VariantNumber: step.Variant,
			ScheduledFor:  times[i],
			Status:        storage.TouchPending,
		}
	}

	if err := s.store.CreateSequence(seq, touches); err != nil {
		if errors.Is(err, storage.ErrDuplicateActiveSequence) {
			return Started{}, fmt.Errorf("%w: contact %d", storage.ErrDuplicateActiveSequence, contactID)
		}
		return Started{}, fmt.Errorf("creating sequence: %w", err)
	}

	s.logger.Info("sequence started",
		"sequence_id", seq.ID,
		"contact_id", contactID,
		"cadence", cd.Name,
		"touches", len(touches),
	)
	return Started{Sequence: seq, Touches: touches}, nil
}

// GetDueTouches returns pending touches of active sequences scheduled at or
// before now.
func (s *Scheduler) GetDueTouches(now time.Time) ([]storage.Touch, error) {
	return s.store.DueTouches(now, 0)
}

// StopSequence moves the contact's active sequence to stopped. Its pending
// touches stay pending but are no longer due.
func (s *Scheduler) StopSequence(contactID int64, reason string) (storage.Sequence, error) {
	unlock := s.locks.lock(contactID)
	defer unlock()

	seq, err := s.store.StopSequence(contactID, reason, s.clock.Now())
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Sequence{}, fmt.Errorf("%w: contact %d", ErrNoActiveSequence, contactID)
	}
	if err != nil {
		return storage.Sequence{}, fmt.Errorf("stopping sequence: %w", err)
	}
	s.logger.Info("sequence stopped", "sequence_id", seq.ID, "contact_id", contactID, "reason", reason)
	return seq, nil
}

// Reconcile returns touches claimed before now - StaleAfter to pending.
func (s *Scheduler) Reconcile(now time.Time) (int64, error) {
	n, err := s.store.RequeueStaleClaims(now.Add(-s.opts.StaleAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("requeued stale touch claims", "count", n, "stale_after", s.opts.StaleAfter)
	}
	return n, nil
}

// View is a sequence with all of its touches.
type View struct {
	Sequence storage.Sequence `json:"sequence"`
	Touches  []storage.Touch  `json:"touches"`
}

// Inspect returns the contact's most recent sequence and its touches.
func (s *Scheduler) Inspect(contactID int64) (View, error) {
	seqs, err := s.store.ListSequencesByContact(contactID)
	if err != nil {
		return View{}, err
	}
	if len(seqs) == 0 {
		return View{}, fmt.Errorf("%w: %d", ErrNoSequence, contactID)
	}
	seq := seqs[0]
	for _, candidate := range seqs {
		if candidate.Status == storage.SequenceActive {
			seq = candidate
			break
		}
	}
	touches, err := s.store.ListTouches(seq.ID)
	if err != nil {
		return View{}, err
	}
	return View{Sequence: seq, Touches: touches}, nil
}
