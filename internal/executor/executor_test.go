package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/cadence/internal/cadence"
	"github.com/kalambet/cadence/internal/channel"
	"github.com/kalambet/cadence/internal/ledger"
	"github.com/kalambet/cadence/internal/storage"
	"github.com/kalambet/cadence/internal/tracker"
)

type fakeStore struct {
	contacts map[int64]storage.Contact
	content  map[string]storage.Content
}

func contentKey(id int64, typ cadence.TouchType, v int) string {
	return fmt.Sprintf("%d/%s/%d", id, typ, v)
}

func (f *fakeStore) GetContact(_ context.Context, id int64) (storage.Contact, error) {
	c, ok := f.contacts[id]
	if !ok {
		return storage.Contact{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) GetContent(_ context.Context, id int64, typ cadence.TouchType, v int) (storage.Content, error) {
	c, ok := f.content[contentKey(id, typ, v)]
	if !ok {
		return storage.Content{}, storage.ErrNotFound
	}
	return c, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []channel.Email
	err  error
	wait time.Duration
}

func (f *fakeSender) Send(ctx context.Context, e channel.Email) (string, error) {
	if f.wait > 0 {
		select {
		case <-time.After(f.wait):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, e)
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

type fakeNotifier struct {
	mu  sync.Mutex
	got []channel.Notification
	err error
}

func (f *fakeNotifier) Notify(_ context.Context, n channel.Notification) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, n)
	return nil
}

type fakeRecommender struct {
	rec tracker.Recommendation
	err error
}

func (f fakeRecommender) GetBestVariant(vt cadence.TouchType, tier string, score float64) (tracker.Recommendation, error) {
	return f.rec, f.err
}

func newFixture() *fakeStore {
	st := &fakeStore{
		contacts: map[int64]storage.Contact{
			1: {ID: 1, Email: "ada@example.com", FirstName: "Ada", LastName: "Lovelace", Company: "Engines", Tier: "HOT", Score: 90},
			2: {ID: 2, FirstName: "No", LastName: "Address", Tier: "WARM", Score: 50},
		},
		content: map[string]storage.Content{},
	}
	for _, id := range []int64{1, 2} {
		for v := 1; v <= 3; v++ {
			st.content[contentKey(id, cadence.TouchEmail, v)] = storage.Content{Subject: fmt.Sprintf("Subject v%d", v), Body: fmt.Sprintf("<p>Body v%d</p>", v)}
			st.content[contentKey(id, cadence.TouchCall, v)] = storage.Content{Body: fmt.Sprintf("Script v%d", v)}
		}
	}
	return st
}

func emailTouch(contact int64, variant int) storage.Touch {
	return storage.Touch{ID: "t-1", SequenceID: "s-1", ContactID: contact, TouchNumber: 1, Type: cadence.TouchEmail, VariantNumber: variant}
}

func TestDispatch_AutoSendEmail(t *testing.T) {
	sender := &fakeSender{}
	ex := New(newFixture(), nil, sender, &fakeNotifier{}, Config{AutoSend: true})

	res := ex.Dispatch(context.Background(), emailTouch(1, 2))
	if res.Err != nil {
		t.Fatalf("Dispatch: %v", res.Err)
	}
	if res.Status != storage.TouchSent {
		t.Errorf("Status = %q, want sent", res.Status)
	}
	if res.MessageID != "msg-1" {
		t.Errorf("MessageID = %q", res.MessageID)
	}
	if len(sender.sent) != 1 || sender.sent[0].To != "ada@example.com" || sender.sent[0].Subject != "Subject v2" {
		t.Errorf("unexpected sent mail: %+v", sender.sent)
	}
	if res.Entry.Type != ledger.TypeEmailSent || res.Entry.VariantUsed != 2 || res.Entry.Metadata["message_id"] != "msg-1" {
		t.Errorf("unexpected ledger entry: %+v", res.Entry)
	}
}

func TestDispatch_ManualEmailNotifies(t *testing.T) {
	sender := &fakeSender{}
	notifier := &fakeNotifier{}
	ex := New(newFixture(), nil, sender, notifier, Config{AutoSend: false})

	res := ex.Dispatch(context.Background(), emailTouch(1, 1))
	if res.Status != storage.TouchReady {
		t.Fatalf("Status = %q, want ready (err %v)", res.Status, res.Err)
	}
	if len(sender.sent) != 0 {
		t.Error("manual mode must not send email")
	}
	if len(notifier.got) != 1 || notifier.got[0].Kind != channel.KindManualEmail {
		t.Errorf("unexpected notifications: %+v", notifier.got)
	}
	if notifier.got[0].Priority != channel.PriorityHigh {
		t.Errorf("HOT contact should get high priority")
	}
	if res.Entry.Type != ledger.TypeEmailPrepared {
		t.Errorf("Entry.Type = %q", res.Entry.Type)
	}
}

func TestDispatch_CallNotifies(t *testing.T) {
	notifier := &fakeNotifier{}
	ex := New(newFixture(), nil, &fakeSender{}, notifier, Config{AutoSend: true})

	touch := storage.Touch{ID: "t-2", ContactID: 1, Type: cadence.TouchCall, VariantNumber: 3}
	res := ex.Dispatch(context.Background(), touch)
	if res.Status != storage.TouchNotified {
		t.Fatalf("Status = %q, want notified (err %v)", res.Status, res.Err)
	}
	if len(notifier.got) != 1 || notifier.got[0].Message != "Script v3" {
		t.Errorf("unexpected notification: %+v", notifier.got)
	}
	if notifier.got[0].Title != "Call Ada Lovelace (Engines)" {
		t.Errorf("Title = %q", notifier.got[0].Title)
	}
	if res.Entry.Type != ledger.TypeCallPrompted || res.Entry.Channel != "call" {
		t.Errorf("unexpected entry: %+v", res.Entry)
	}
}

func TestDispatch_Failures(t *testing.T) {
	tests := []struct {
		name     string
		touch    storage.Touch
		sender   *fakeSender
		notifier *fakeNotifier
		timeout  time.Duration
		wantErr  error
		wantKind Kind
	}{
		{"missing contact", emailTouch(99, 1), &fakeSender{}, &fakeNotifier{}, 0, ErrContactNotFound, KindDataIntegrity},
		{"missing content", emailTouch(1, 7), &fakeSender{}, &fakeNotifier{}, 0, ErrNoContent, KindDataIntegrity},
		{"no address", emailTouch(2, 1), &fakeSender{}, &fakeNotifier{}, 0, ErrNoAddress, KindDataIntegrity},
		{"sender error", emailTouch(1, 1), &fakeSender{err: errors.New("550 mailbox unavailable")}, &fakeNotifier{}, 0, ErrChannel, KindTransient},
		{"sender timeout", emailTouch(1, 1), &fakeSender{wait: time.Second}, &fakeNotifier{}, 20 * time.Millisecond, context.DeadlineExceeded, KindTransient},
		{"notifier error", storage.Touch{ID: "c", ContactID: 1, Type: cadence.TouchCall, VariantNumber: 1},
			&fakeSender{}, &fakeNotifier{err: errors.New("boom")}, 0, ErrChannel, KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := New(newFixture(), nil, tt.sender, tt.notifier, Config{AutoSend: true, Timeout: tt.timeout})
			res := ex.Dispatch(context.Background(), tt.touch)
			if res.Status != storage.TouchFailed {
				t.Errorf("Status = %q, want failed", res.Status)
			}
			if !errors.Is(res.Err, tt.wantErr) {
				t.Errorf("Err = %v, want %v", res.Err, tt.wantErr)
			}
			if res.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", res.Kind, tt.wantKind)
			}
			if res.Entry.Type != ledger.TypeTouchFailed || res.Entry.Metadata["error_kind"] != string(tt.wantKind) {
				t.Errorf("unexpected entry: %+v", res.Entry)
			}
		})
	}
}

func TestResolve_Adaptive(t *testing.T) {
	st := newFixture()
	rec := fakeRecommender{rec: tracker.Recommendation{Variant: 3, Confidence: tracker.ConfidenceHigh}}

	ex := New(st, rec, &fakeSender{}, &fakeNotifier{}, Config{Adaptive: true})
	p, err := ex.Resolve(context.Background(), emailTouch(1, 1))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Variant != 3 || p.VariantSource != SourceAdaptive {
		t.Errorf("Variant = %d (%s), want 3 adaptive", p.Variant, p.VariantSource)
	}
	if p.Content.Subject != "Subject v3" {
		t.Errorf("Content = %+v", p.Content)
	}

	// Static mode ignores the recommender.
	ex = New(st, rec, &fakeSender{}, &fakeNotifier{}, Config{Adaptive: false})
	p, _ = ex.Resolve(context.Background(), emailTouch(1, 1))
	if p.Variant != 1 || p.VariantSource != SourceCadence {
		t.Errorf("static: Variant = %d (%s)", p.Variant, p.VariantSource)
	}
}

func TestResolve_AdaptiveFallbacks(t *testing.T) {
	st := newFixture()
	tests := []struct {
		name string
		rec  fakeRecommender
	}{
		{"cold start", fakeRecommender{rec: tracker.Recommendation{Variant: 1, Confidence: tracker.ConfidenceLow}}},
		{"recommender error", fakeRecommender{err: errors.New("db down")}},
		{"unauthored variant", fakeRecommender{rec: tracker.Recommendation{Variant: 9, Confidence: tracker.ConfidenceHigh}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := New(st, tt.rec, &fakeSender{}, &fakeNotifier{}, Config{Adaptive: true})
			p, err := ex.Resolve(context.Background(), emailTouch(1, 2))
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if p.Variant != 2 || p.VariantSource != SourceCadence {
				t.Errorf("Variant = %d (%s), want cadence variant 2", p.Variant, p.VariantSource)
			}
		})
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{fmt.Errorf("start: %w", cadence.ErrUnknownCadence), KindValidation},
		{storage.ErrDuplicateActiveSequence, KindValidation},
		{tracker.ErrInvalidOutcome, KindValidation},
		{fmt.Errorf("x: %w", ErrNoContent), KindDataIntegrity},
		{context.DeadlineExceeded, KindTransient},
		{channel.ErrNotConfigured, KindTransient},
		{errors.New("disk I/O error"), KindInternal},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
