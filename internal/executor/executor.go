// Package executor dispatches one touch: it resolves the variant and
// content, then hands the message to a channel adapter.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/cadence/internal/cadence"
	"github.com/kalambet/cadence/internal/channel"
	"github.com/kalambet/cadence/internal/ledger"
	"github.com/kalambet/cadence/internal/storage"
	"github.com/kalambet/cadence/internal/tracker"
)

const DefaultTimeout = 30 * time.Second

// Variant sources.
const (
	SourceCadence  = "cadence"
	SourceAdaptive = "adaptive"
)

// Store defines the contact and content lookups the Executor needs.
// Implemented by storage.Store.
type Store interface {
	GetContact(ctx context.Context, id int64) (storage.Contact, error)
	GetContent(ctx context.Context, contactID int64, typ cadence.TouchType, variant int) (storage.Content, error)
}

// Recommender picks variants from observed performance.
// Implemented by tracker.Tracker.
type Recommender interface {
	GetBestVariant(variantType cadence.TouchType, tier string, score float64) (tracker.Recommendation, error)
}

type Config struct {
	// Timeout bounds content resolution plus dispatch of one touch.
	Timeout time.Duration
	// Adaptive uses the tracker's recommendation instead of the cadence variant
	// once a segment has enough data.
	Adaptive bool
	// AutoSend sends email touches directly; otherwise they are prepared and
	// the operator is notified.
	AutoSend bool
}

type Executor struct {
	store    Store
	rec      Recommender
	email    channel.EmailSender
	notifier channel.Notifier
	cfg      Config
	logger   *slog.Logger
}

// New creates an Executor. rec may be nil when adaptive mode is off.
func New(store Store, rec Recommender, email channel.EmailSender, notifier channel.Notifier, cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if notifier == nil {
		notifier = channel.LogNotifier{}
	}
	return &Executor{
		store:    store,
		rec:      rec,
		email:    email,
		notifier: notifier,
		cfg:      cfg,
		logger:   slog.Default(),
	}
}

// Plan is everything resolved for a touch before dispatch.
type Plan struct {
	Contact        storage.Contact
	Variant        int
	VariantSource  string
	Content        storage.Content
	Recommendation *tracker.Recommendation
}

// Resolve picks the variant and loads the contact and content for t without
// dispatching anything.
func (e *Executor) Resolve(ctx context.Context, t storage.Touch) (Plan, error) {
	contact, err := e.store.GetContact(ctx, t.ContactID)
	if errors.Is(err, storage.ErrNotFound) {
		return Plan{}, fmt.Errorf("%w: %d", ErrContactNotFound, t.ContactID)
	}
	if err != nil {
		return Plan{}, err
	}

	p := Plan{Contact: contact, Variant: t.VariantNumber, VariantSource: SourceCadence}
	if e.cfg.Adaptive && e.rec != nil {
		rec, err := e.rec.GetBestVariant(t.Type, contact.Tier, contact.Score)
		if err != nil {
			e.logger.Warn("variant recommendation failed, using cadence variant", "touch_id", t.ID, "error", err)
		} else {
			p.Recommendation = &rec
			if rec.Confidence != tracker.ConfidenceLow && rec.Variant != t.VariantNumber {
				p.Variant = rec.Variant
				p.VariantSource = SourceAdaptive
			}
		}
	}

	content, err := e.store.GetContent(ctx, contact.ID, t.Type, p.Variant)
	if errors.Is(err, storage.ErrNotFound) && p.VariantSource == SourceAdaptive {
		// The recommended variant was never authored for this contact.
		p.Variant, p.VariantSource = t.VariantNumber, SourceCadence
		content, err = e.store.GetContent(ctx, contact.ID, t.Type, p.Variant)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return p, fmt.Errorf("%w: contact %d %s variant %d", ErrNoContent, contact.ID, t.Type, p.Variant)
	}
	if err != nil {
		return p, err
	}
	p.Content = content
	return p, nil
}

// Result is the outcome of dispatching one touch. Status is always terminal.
type Result struct {
	Status    storage.TouchStatus
	Plan      Plan
	MessageID string
	Err       error
	Kind      Kind
	Duration  time.Duration
	Entry     ledger.Entry
}

// Dispatch resolves and delivers t within the configured timeout. Failures
// are reported in the Result with status failed; Dispatch never panics on
// adapter errors and never retries.
func (e *Executor) Dispatch(ctx context.Context, t storage.Touch) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	res := e.dispatch(ctx, t)
	res.Duration = time.Since(start)
	res.Kind = ErrorKind(res.Err)
	res.Entry = e.entry(t, res)

	if res.Err != nil {
		e.logger.Warn("touch dispatch failed",
			"touch_id", t.ID,
			"contact_id", t.ContactID,
			"type", t.Type,
			"kind", res.Kind,
			"error", res.Err,
		)
	} else {
		e.logger.Info("touch dispatched",
			"touch_id", t.ID,
			"contact_id", t.ContactID,
			"type", t.Type,
			"status", res.Status,
			"variant", res.Plan.Variant,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}
	return res
}

func (e *Executor) dispatch(ctx context.Context, t storage.Touch) Result {
	plan, err := e.Resolve(ctx, t)
	if err != nil {
		return Result{Status: storage.TouchFailed, Plan: plan, Err: err}
	}
	res := Result{Plan: plan}

	switch t.Type {
	case cadence.TouchEmail:
		if e.cfg.AutoSend {
			if plan.Contact.Email == "" {
				res.Err = fmt.Errorf("%w: contact %d", ErrNoAddress, plan.Contact.ID)
				break
			}
			if e.email == nil {
				res.Err = fmt.Errorf("%w: no email sender", channel.ErrNotConfigured)
				break
			}
			id, err := e.email.Send(ctx, channel.Email{
				To:      plan.Contact.Email,
				Subject: plan.Content.Subject,
				Body:    plan.Content.Body,
			})
			if err != nil {
				res.Err = wrapChannel(err)
				break
			}
			res.Status = storage.TouchSent
			res.MessageID = id
		} else {
			err := e.notifier.Notify(ctx, channel.Notification{
				Kind:      channel.KindManualEmail,
				ContactID: plan.Contact.ID,
				Title:     fmt.Sprintf("Email ready for %s: %s", displayName(plan.Contact), plan.Content.Subject),
				Message:   plan.Content.Body,
				Priority:  priorityFor(plan.Contact),
			})
			if err != nil {
				res.Err = wrapChannel(err)
				break
			}
			res.Status = storage.TouchReady
		}
	case cadence.TouchCall:
		err := e.notifier.Notify(ctx, channel.Notification{
			Kind:      channel.KindCallPrompt,
			ContactID: plan.Contact.ID,
			Title:     fmt.Sprintf("Call %s", displayName(plan.Contact)),
			Message:   plan.Content.Body,
			Priority:  priorityFor(plan.Contact),
		})
		if err != nil {
			res.Err = wrapChannel(err)
			break
		}
		res.Status = storage.TouchNotified
	default:
		res.Err = fmt.Errorf("%w: unknown touch type %q", tracker.ErrInvalidVariant, t.Type)
	}

	if res.Err != nil {
		res.Status = storage.TouchFailed
		res.MessageID = ""
	}
	return res
}

// wrapChannel tags adapter errors; deadline errors keep their own identity.
func wrapChannel(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, channel.ErrNotConfigured) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrChannel, err)
}

// entry builds the ledger record for a dispatch result.
func (e *Executor) entry(t storage.Touch, res Result) ledger.Entry {
	en := ledger.Entry{
		ContactID:   t.ContactID,
		VariantUsed: res.Plan.Variant,
		Channel:     string(t.Type),
		Status:      string(res.Status),
		Metadata: map[string]any{
			"touch_id":       t.ID,
			"sequence_id":    t.SequenceID,
			"touch_number":   t.TouchNumber,
			"variant_source": res.Plan.VariantSource,
		},
	}
	if en.VariantUsed == 0 {
		en.VariantUsed = t.VariantNumber
	}

	switch res.Status {
	case storage.TouchSent:
		en.Type = ledger.TypeEmailSent
		en.Message = res.Plan.Content.Subject
		en.Metadata["message_id"] = res.MessageID
	case storage.TouchReady:
		en.Type = ledger.TypeEmailPrepared
		en.Message = res.Plan.Content.Subject
	case storage.TouchNotified:
		en.Type = ledger.TypeCallPrompted
		en.Message = "call prompt sent to operator"
	default:
		en.Type = ledger.TypeTouchFailed
		if res.Err != nil {
			en.Message = res.Err.Error()
		}
		en.Metadata["error_kind"] = string(res.Kind)
	}
	return en
}

func displayName(c storage.Contact) string {
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name == "" {
		name = c.Email
	}
	if name == "" {
		name = fmt.Sprintf("contact %d", c.ID)
	}
	if c.Company != "" {
		name += " (" + c.Company + ")"
	}
	return name
}

func priorityFor(c storage.Contact) int {
	if strings.EqualFold(c.Tier, "HOT") {
		return channel.PriorityHigh
	}
	return channel.PriorityNormal
}
