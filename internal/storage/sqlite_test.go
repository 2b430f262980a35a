package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kalambet/cadence/internal/cadence"
)

var t0 = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestSequence inserts an active sequence for contactID with n email
// touches scheduled one day apart starting at t0.
func createTestSequence(t *testing.T, s *Store, id string, contactID int64, n int) {
	t.Helper()
	seq := Sequence{ID: id, ContactID: contactID, CadenceName: "test", TotalSteps: n, StartedAt: t0}
	var touches []Touch
	for i := 1; i <= n; i++ {
		touches = append(touches, Touch{
			ID:            fmt.Sprintf("%s-t%d", id, i),
			TouchNumber:   i,
			Type:          cadence.TouchEmail,
			VariantNumber: i,
			ScheduledFor:  t0.AddDate(0, 0, i-1),
		})
	}
	if err := s.CreateSequence(seq, touches); err != nil {
		t.Fatalf("CreateSequence(%s): %v", id, err)
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_sequences_one_active", "idx_touches_status_scheduled", "idx_activities_contact", "idx_insights_one_active"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestCreateAndGetSequence(t *testing.T) {
	s := openTestStore(t)
	createTestSequence(t, s, "seq-1", 42, 3)

	got, err := s.GetSequence("seq-1")
	if err != nil {
		t.Fatalf("GetSequence: %v", err)
	}
	if got.Status != SequenceActive {
		t.Errorf("Status = %q, want active", got.Status)
	}
	if got.ContactID != 42 || got.TotalSteps != 3 || got.CurrentStep != 0 {
		t.Errorf("unexpected sequence: %+v", got)
	}
	if !got.StartedAt.Equal(t0) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, t0)
	}

	touches, err := s.ListTouches("seq-1")
	if err != nil {
		t.Fatalf("ListTouches: %v", err)
	}
	if len(touches) != 3 {
		t.Fatalf("len(touches) = %d, want 3", len(touches))
	}
	for i, tc := range touches {
		if tc.TouchNumber != i+1 {
			t.Errorf("touches[%d].TouchNumber = %d", i, tc.TouchNumber)
		}
		if tc.Status != TouchPending {
			t.Errorf("touches[%d].Status = %q, want pending", i, tc.Status)
		}
		if tc.ContactID != 42 {
			t.Errorf("touches[%d].ContactID = %d, want 42", i, tc.ContactID)
		}
	}
}

func TestGetSequenceNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetSequence("missing")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateSequence_DuplicateActive(t *testing.T) {
	s := openTestStore(t)
	createTestSequence(t, s, "seq-1", 7, 2)

	err := s.CreateSequence(Sequence{ID: "seq-2", ContactID: 7, CadenceName: "test", TotalSteps: 1, StartedAt: t0},
		[]Touch{{ID: "seq-2-t1", TouchNumber: 1, Type: cadence.TouchEmail, VariantNumber: 1, ScheduledFor: t0}})
	if !errors.Is(err, ErrDuplicateActiveSequence) {
		t.Fatalf("expected ErrDuplicateActiveSequence, got %v", err)
	}

	// Nothing from the rejected sequence may be persisted.
	if _, err := s.GetSequence("seq-2"); err != ErrNotFound {
		t.Errorf("rejected sequence was persisted: %v", err)
	}
	if _, err := s.GetTouch("seq-2-t1"); err != ErrNotFound {
		t.Errorf("rejected touch was persisted: %v", err)
	}
}

// TestActiveIndexEnforced bypasses CreateSequence's check and verifies the
// partial unique index still rejects a second active sequence.
func TestActiveIndexEnforced(t *testing.T) {
	s := openTestStore(t)
	createTestSequence(t, s, "seq-1", 7, 1)

	_, err := s.db.Exec(`INSERT INTO sequences (id, contact_id, cadence_name, status, total_steps, started_at)
		VALUES ('seq-x', 7, 'test', 'active', 1, ?)`, formatTime(t0))
	if !isUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
}

func TestCreateSequence_RollsBackOnTouchError(t *testing.T) {
	s := openTestStore(t)

	// Duplicate touch numbers violate UNIQUE(sequence_id, touch_number).
	err := s.CreateSequence(Sequence{ID: "seq-1", ContactID: 1, CadenceName: "test", TotalSteps: 2, StartedAt: t0},
		[]Touch{
			{ID: "a", TouchNumber: 1, Type: cadence.TouchEmail, VariantNumber: 1, ScheduledFor: t0},
			{ID: "b", TouchNumber: 1, Type: cadence.TouchEmail, VariantNumber: 1, ScheduledFor: t0},
		})
	if err == nil {
		t.Fatal("expected error for duplicate touch numbers")
	}
	if _, err := s.GetSequence("seq-1"); err != ErrNotFound {
		t.Errorf("partial sequence persisted: %v", err)
	}
	if _, err := s.GetActiveSequence(1); err != ErrNotFound {
		t.Errorf("contact should have no active sequence, got %v", err)
	}
}

func TestDueTouches_FiltersAndOrders(t *testing.T) {
	s := openTestStore(t)
	createTestSequence(t, s, "seq-a", 1, 3)
	createTestSequence(t, s, "seq-b", 2, 3)
	createTestSequence(t, s, "seq-c", 3, 3)

	if _, err := s.StopSequence(3, "manual", t0); err != nil {
		t.Fatalf("StopSequence: %v", err)
	}

	now := t0.AddDate(0, 0, 1)
	due, err := s.DueTouches(now, 0)
	if err != nil {
		t.Fatalf("DueTouches: %v", err)
	}

	// Two touches each from seq-a and seq-b; seq-c is stopped.
	if len(due) != 4 {
		t.Fatalf("len(due) = %d, want 4: %+v", len(due), due)
	}
	for i := 1; i < len(due); i++ {
		if due[i].ScheduledFor.Before(due[i-1].ScheduledFor) {
			t.Errorf("due touches not ordered by scheduled_for: %v then %v", due[i-1].ScheduledFor, due[i].ScheduledFor)
		}
	}
	for _, d := range due {
		if d.ScheduledFor.After(now) {
			t.Errorf("touch %s scheduled in the future: %v", d.ID, d.ScheduledFor)
		}
		if d.ContactID == 3 {
			t.Errorf("touch %s belongs to a stopped sequence", d.ID)
		}
	}

	limited, err := s.DueTouches(now, 1)
	if err != nil {
		t.Fatalf("DueTouches(limit): %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("len(limited) = %d, want 1", len(limited))
	}
}

func TestClaimTouch(t *testing.T) {
	s := openTestStore(t)
	createTestSequence(t, s, "seq-1", 1, 2)

	got, err := s.ClaimTouch("seq-1-t1", "tok", t0)
	if err != nil {
		t.Fatalf("ClaimTouch: %v", err)
	}
	if got.Status != TouchInProgress || got.ClaimToken != "tok" {
		t.Errorf("unexpected claim: %+v", got)
	}

	// A second claim must fail.
	if _, err := s.ClaimTouch("seq-1-t1", "other", t0); !errors.Is(err, ErrNotClaimable) {
		t.Errorf("expected ErrNotClaimable, got %v", err)
	}

	// In-progress touches are not due.
	due, err := s.DueTouches(t0, 0)
	if err != nil {
		t.Fatalf("DueTouches: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("claimed touch still reported due: %+v", due)
	}
}

func TestClaimTouch_StoppedSequence(t *testing.T) {
	s := openTestStore(t)
	createTestSequence(t, s, "seq-1", 1, 2)
	if _, err := s.StopSequence(1, "replied", t0); err != nil {
		t.Fatalf("StopSequence: %v", err)
	}

	if _, err := s.ClaimTouch("seq-1-t1", "tok", t0); !errors.Is(err, ErrNotClaimable) {
		t.Errorf("expected ErrNotClaimable, got %v", err)
	}
}

func TestClaimTouch_NotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.ClaimTouch("missing", "tok", t0); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFinalizeTouch_AdvancesAndCompletes(t *testing.T) {
	s := openTestStore(t)
	createTestSequence(t, s, "seq-1", 9, 2)

	for i, status := range []TouchStatus{TouchSent, TouchFailed} {
		id := fmt.Sprintf("seq-1-t%d", i+1)
		at := t0.Add(time.Duration(i) * time.Hour)
		if _, err := s.ClaimTouch(id, "tok", at); err != nil {
			t.Fatalf("ClaimTouch(%s): %v", id, err)
		}
		seq, err := s.FinalizeTouch(Finalization{
			TouchID:     id,
			ClaimToken:  "tok",
			Status:      status,
			VariantUsed: i + 1,
			At:          at,
			Activity:    Activity{Type: "email_sent", VariantUsed: i + 1, Channel: "email", Status: string(status)},
		})
		if err != nil {
			t.Fatalf("FinalizeTouch(%s): %v", id, err)
		}
		if seq.CurrentStep != i+1 {
			t.Errorf("CurrentStep = %d, want %d", seq.CurrentStep, i+1)
		}
		if seq.LastActionAt == nil || !seq.LastActionAt.Equal(at) {
			t.Errorf("LastActionAt = %v, want %v", seq.LastActionAt, at)
		}
	}

	seq, err := s.GetSequence("seq-1")
	if err != nil {
		t.Fatalf("GetSequence: %v", err)
	}
	if seq.Status != SequenceCompleted {
		t.Errorf("Status = %q, want completed", seq.Status)
	}
	if seq.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	tc, err := s.GetTouch("seq-1-t1")
	if err != nil {
		t.Fatalf("GetTouch: %v", err)
	}
	if tc.Status != TouchSent || tc.VariantUsed != 1 || tc.ExecutedAt == nil || tc.ClaimToken != "" {
		t.Errorf("unexpected finalized touch: %+v", tc)
	}

	acts, err := s.ListActivities(9, 10)
	if err != nil {
		t.Fatalf("ListActivities: %v", err)
	}
	if len(acts) != 2 {
		t.Fatalf("len(activities) = %d, want 2", len(acts))
	}
	if acts[0].Status != "failed" {
		t.Errorf("most recent activity status = %q, want failed", acts[0].Status)
	}
}

func TestFinalizeTouch_ClaimLost(t *testing.T) {
	s := openTestStore(t)
	createTestSequence(t, s, "seq-1", 1, 1)

	if _, err := s.ClaimTouch("seq-1-t1", "tok", t0); err != nil {
		t.Fatalf("ClaimTouch: %v", err)
	}
	_, err := s.FinalizeTouch(Finalization{TouchID: "seq-1-t1", ClaimToken: "wrong", Status: TouchSent, At: t0,
		Activity: Activity{Type: "email_sent"}})
	if !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost, got %v", err)
	}

	// Nothing was written: no activity, sequence not advanced.
	acts, err := s.ListActivities(1, 10)
	if err != nil {
		t.Fatalf("ListActivities: %v", err)
	}
	if len(acts) != 0 {
		t.Errorf("activity written despite lost claim: %+v", acts)
	}
	seq, _ := s.GetSequence("seq-1")
	if seq.CurrentStep != 0 {
		t.Errorf("CurrentStep = %d, want 0", seq.CurrentStep)
	}
}

func TestFinalizeTouch_RejectsNonTerminal(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.FinalizeTouch(Finalization{TouchID: "x", Status: TouchPending}); err == nil {
		t.Error("expected error for non-terminal status")
	}
}

func TestFinalizeTouch_StoppedMidFlight(t *testing.T) {
	s := openTestStore(t)
	createTestSequence(t, s, "seq-1", 1, 1)

	if _, err := s.ClaimTouch("seq-1-t1", "tok", t0); err != nil {
		t.Fatalf("ClaimTouch: %v", err)
	}
	if _, err := s.StopSequence(1, "replied", t0); err != nil {
		t.Fatalf("StopSequence: %v", err)
	}
	seq, err := s.FinalizeTouch(Finalization{TouchID: "seq-1-t1", ClaimToken: "tok", Status: TouchSent, At: t0})
	if err != nil {
		t.Fatalf("FinalizeTouch: %v", err)
	}
	if seq.Status != SequenceStopped {
		t.Errorf("Status = %q, stopped sequence must not complete", seq.Status)
	}
}

func TestReleaseAndRequeueClaims(t *testing.T) {
	s := openTestStore(t)
	createTestSequence(t, s, "seq-1", 1, 2)

	if _, err := s.ClaimTouch("seq-1-t1", "tok", t0); err != nil {
		t.Fatalf("ClaimTouch: %v", err)
	}
	if err := s.ReleaseClaim("seq-1-t1", "tok"); err != nil {
		t.Fatalf("ReleaseClaim: %v", err)
	}
	if err := s.ReleaseClaim("seq-1-t1", "tok"); !errors.Is(err, ErrClaimLost) {
		t.Errorf("second ReleaseClaim: expected ErrClaimLost, got %v", err)
	}

	if _, err := s.ClaimTouch("seq-1-t1", "tok2", t0); err != nil {
		t.Fatalf("re-claim: %v", err)
	}

	n, err := s.RequeueStaleClaims(t0)
	if err != nil {
		t.Fatalf("RequeueStaleClaims: %v", err)
	}
	if n != 0 {
		t.Errorf("requeued %d fresh claims", n)
	}

	n, err = s.RequeueStaleClaims(t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("RequeueStaleClaims: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued %d, want 1", n)
	}
	tc, _ := s.GetTouch("seq-1-t1")
	if tc.Status != TouchPending {
		t.Errorf("Status = %q, want pending", tc.Status)
	}
}

func TestStopSequence(t *testing.T) {
	s := openTestStore(t)
	createTestSequence(t, s, "seq-1", 5, 3)

	seq, err := s.StopSequence(5, "meeting booked", t0)
	if err != nil {
		t.Fatalf("StopSequence: %v", err)
	}
	if seq.Status != SequenceStopped || seq.StopReason != "meeting booked" {
		t.Errorf("unexpected sequence: %+v", seq)
	}

	if _, err := s.StopSequence(5, "again", t0); err != ErrNotFound {
		t.Errorf("second stop: expected ErrNotFound, got %v", err)
	}

	// A stopped sequence frees the contact for a new one.
	createTestSequence(t, s, "seq-2", 5, 1)
}

func TestListActiveSequencesAndSummary(t *testing.T) {
	s := openTestStore(t)
	createTestSequence(t, s, "seq-1", 1, 3)
	createTestSequence(t, s, "seq-2", 2, 1)
	if _, err := s.StopSequence(2, "manual", t0); err != nil {
		t.Fatalf("StopSequence: %v", err)
	}
	if _, err := s.ClaimTouch("seq-1-t1", "tok", t0); err != nil {
		t.Fatalf("ClaimTouch: %v", err)
	}
	if _, err := s.FinalizeTouch(Finalization{TouchID: "seq-1-t1", ClaimToken: "tok", Status: TouchSent, At: t0,
		Activity: Activity{Type: "email_sent"}}); err != nil {
		t.Fatalf("FinalizeTouch: %v", err)
	}

	active, err := s.ListActiveSequences()
	if err != nil {
		t.Fatalf("ListActiveSequences: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("len(active) = %d, want 1", len(active))
	}
	p := active[0]
	if p.ExecutedTouches != 1 || p.PendingTouches != 2 {
		t.Errorf("progress = %d executed / %d pending, want 1/2", p.ExecutedTouches, p.PendingTouches)
	}
	if p.NextTouchAt == nil || !p.NextTouchAt.Equal(t0.AddDate(0, 0, 1)) {
		t.Errorf("NextTouchAt = %v", p.NextTouchAt)
	}

	sum, err := s.Summary(t0.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	want := Summary{ActiveSequences: 1, StoppedSequences: 1, PendingTouches: 2, DueTouches: 1,
		ScheduledToday: 1, ExecutedTouches: 1, TotalActivities: 1}
	if sum != want {
		t.Errorf("Summary = %+v, want %+v", sum, want)
	}
}

func TestMarkResponseReceived(t *testing.T) {
	s := openTestStore(t)
	createTestSequence(t, s, "seq-1", 1, 2)

	if err := s.MarkResponseReceived(1, "email", 1); err != ErrNotFound {
		t.Errorf("before execution: expected ErrNotFound, got %v", err)
	}

	if _, err := s.ClaimTouch("seq-1-t1", "tok", t0); err != nil {
		t.Fatalf("ClaimTouch: %v", err)
	}
	if _, err := s.FinalizeTouch(Finalization{TouchID: "seq-1-t1", ClaimToken: "tok", Status: TouchSent, VariantUsed: 1, At: t0}); err != nil {
		t.Fatalf("FinalizeTouch: %v", err)
	}
	if err := s.MarkResponseReceived(1, "email", 1); err != nil {
		t.Fatalf("MarkResponseReceived: %v", err)
	}
	tc, _ := s.GetTouch("seq-1-t1")
	if !tc.ResponseReceived {
		t.Error("ResponseReceived not set")
	}
}

func TestActivitiesAppendOnly(t *testing.T) {
	s := openTestStore(t)

	id, err := s.AppendActivity(Activity{ContactID: 1, Type: "email_sent", CreatedAt: t0})
	if err != nil {
		t.Fatalf("AppendActivity: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE activities SET message = 'x' WHERE id = ?`, id); err == nil {
		t.Error("UPDATE on activities should fail")
	}
	if _, err := s.db.Exec(`DELETE FROM activities WHERE id = ?`, id); err == nil {
		t.Error("DELETE on activities should fail")
	}
}

func TestListActivities_OrderAndLimit(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		if _, err := s.AppendActivity(Activity{ContactID: 1, Type: "email_sent", Message: fmt.Sprint(i),
			CreatedAt: t0.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("AppendActivity: %v", err)
		}
	}
	// Same timestamp as the last one; id breaks the tie.
	if _, err := s.AppendActivity(Activity{ContactID: 1, Type: "reply_received", Message: "tie",
		CreatedAt: t0.Add(4 * time.Minute)}); err != nil {
		t.Fatalf("AppendActivity: %v", err)
	}
	if _, err := s.AppendActivity(Activity{ContactID: 2, Type: "email_sent", CreatedAt: t0}); err != nil {
		t.Fatalf("AppendActivity: %v", err)
	}

	got, err := s.ListActivities(1, 3)
	if err != nil {
		t.Fatalf("ListActivities: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Message != "tie" || got[1].Message != "4" || got[2].Message != "3" {
		t.Errorf("unexpected order: %q %q %q", got[0].Message, got[1].Message, got[2].Message)
	}
}

func TestActivityCountsAndDistinctContacts(t *testing.T) {
	s := openTestStore(t)

	add := func(contact int64, typ string) {
		t.Helper()
		if _, err := s.AppendActivity(Activity{ContactID: contact, Type: typ, Channel: "email", CreatedAt: t0}); err != nil {
			t.Fatalf("AppendActivity: %v", err)
		}
	}
	add(1, "email_sent")
	add(1, "email_sent")
	add(2, "email_sent")
	add(1, "reply_received")

	counts, err := s.ActivityCounts(GroupByType)
	if err != nil {
		t.Fatalf("ActivityCounts: %v", err)
	}
	if len(counts) != 2 || counts[0] != (ActivityCount{Key: "email_sent", Count: 3}) {
		t.Errorf("ActivityCounts = %+v", counts)
	}

	byChannel, err := s.ActivityCounts(GroupByChannel)
	if err != nil {
		t.Fatalf("ActivityCounts(channel): %v", err)
	}
	if len(byChannel) != 1 || byChannel[0].Count != 4 {
		t.Errorf("ActivityCounts(channel) = %+v", byChannel)
	}

	if _, err := s.ActivityCounts("message"); err == nil {
		t.Error("expected error for unknown group")
	}

	n, err := s.CountDistinctContacts("email_sent")
	if err != nil {
		t.Fatalf("CountDistinctContacts: %v", err)
	}
	if n != 2 {
		t.Errorf("distinct senders = %d, want 2", n)
	}
	n, _ = s.CountDistinctContacts("reply_received", "meeting_booked")
	if n != 1 {
		t.Errorf("distinct responders = %d, want 1", n)
	}
}

func sumScore(c Counters) float64 {
	return float64(c.Opened + c.Replied + c.Meetings)
}

func TestApplyOutcome_Accumulates(t *testing.T) {
	s := openTestStore(t)
	key := SegmentKey{VariantType: "email", VariantNumber: 2, Tier: "HOT", ScoreRange: "80-100"}

	for _, d := range []Counters{{Sent: 1}, {Sent: 1}, {Opened: 1}, {Replied: 1}} {
		if _, err := s.ApplyOutcome(key, d, sumScore, t0); err != nil {
			t.Fatalf("ApplyOutcome: %v", err)
		}
	}

	got, err := s.GetPerformance(key)
	if err != nil {
		t.Fatalf("GetPerformance: %v", err)
	}
	want := Counters{Sent: 2, Opened: 1, Replied: 1}
	if got.Counters != want {
		t.Errorf("Counters = %+v, want %+v", got.Counters, want)
	}
	if got.Score != 2 {
		t.Errorf("Score = %v, want 2", got.Score)
	}

	var rows int
	s.db.QueryRow(`SELECT COUNT(*) FROM variant_performance`).Scan(&rows)
	if rows != 1 {
		t.Errorf("rows = %d, want exactly one record per segment", rows)
	}
}

func TestBestInSegment(t *testing.T) {
	s := openTestStore(t)
	put := func(variant int, c Counters) {
		t.Helper()
		key := SegmentKey{VariantType: "email", VariantNumber: variant, Tier: "WARM", ScoreRange: "60-79"}
		if _, err := s.ApplyOutcome(key, c, sumScore, t0); err != nil {
			t.Fatalf("ApplyOutcome: %v", err)
		}
	}
	put(1, Counters{Sent: 5, Opened: 1})
	put(2, Counters{Sent: 5, Opened: 3})
	put(3, Counters{Sent: 2, Opened: 2, Replied: 2}) // best score, too few sends

	got, err := s.BestInSegment("email", "WARM", "60-79", 3)
	if err != nil {
		t.Fatalf("BestInSegment: %v", err)
	}
	if got.VariantNumber != 2 {
		t.Errorf("best variant = %d, want 2", got.VariantNumber)
	}

	if _, err := s.BestInSegment("email", "COLD", "0-39", 3); err != ErrNotFound {
		t.Errorf("empty segment: expected ErrNotFound, got %v", err)
	}

	all, err := s.ListPerformance("", 5)
	if err != nil {
		t.Fatalf("ListPerformance: %v", err)
	}
	if len(all) != 2 || all[0].VariantNumber != 2 {
		t.Errorf("ListPerformance = %+v", all)
	}
}

func TestPutInsight_SupersedesOnChange(t *testing.T) {
	s := openTestStore(t)
	in := Insight{Type: "best_variant", SegmentKey: "email|HOT", SubjectVariant: 1, Text: "v1 wins", Confidence: 0.7, EvidenceCount: 10}

	wrote, err := s.PutInsight(in, t0)
	if err != nil || !wrote {
		t.Fatalf("first PutInsight = %v, %v", wrote, err)
	}

	wrote, err = s.PutInsight(in, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("repeat PutInsight: %v", err)
	}
	if wrote {
		t.Error("unchanged winner should not write a new insight")
	}

	in.SubjectVariant = 2
	in.Text = "v2 wins"
	if wrote, err = s.PutInsight(in, t0.Add(2*time.Hour)); err != nil || !wrote {
		t.Fatalf("changed PutInsight = %v, %v", wrote, err)
	}

	active, err := s.ListInsights(0, false)
	if err != nil {
		t.Fatalf("ListInsights: %v", err)
	}
	if len(active) != 1 || active[0].SubjectVariant != 2 {
		t.Errorf("active insights = %+v, want only v2", active)
	}

	all, err := s.ListInsights(0, true)
	if err != nil {
		t.Fatalf("ListInsights(all): %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}
	for _, i := range all {
		if i.SubjectVariant == 1 && (i.Status != InsightRetired || i.RetiredAt == nil) {
			t.Errorf("old insight not retired: %+v", i)
		}
	}
}

func TestPutInsight_RefreshesSameWinner(t *testing.T) {
	s := openTestStore(t)
	in := Insight{Type: "best_variant", SegmentKey: "email", SubjectVariant: 1, Text: "v1 (5 sends)", Confidence: 0.6, EvidenceCount: 5}
	if _, err := s.PutInsight(in, t0); err != nil {
		t.Fatalf("PutInsight: %v", err)
	}

	in.Text, in.Confidence, in.EvidenceCount = "v1 (30 sends)", 0.8, 30
	wrote, err := s.PutInsight(in, t0.Add(time.Hour))
	if err != nil || !wrote {
		t.Fatalf("refresh PutInsight = %v, %v", wrote, err)
	}

	all, err := s.ListInsights(0, true)
	if err != nil {
		t.Fatalf("ListInsights: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("len(all) = %d, want the one refreshed row", len(all))
	}
	got := all[0]
	if got.Status != InsightActive || got.Confidence != 0.8 || got.EvidenceCount != 30 || got.Text != "v1 (30 sends)" {
		t.Errorf("refreshed insight = %+v", got)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want original %v", got.CreatedAt, t0)
	}
}

func TestListInsights_MinConfidence(t *testing.T) {
	s := openTestStore(t)
	for i, c := range []float64{0.5, 0.6, 0.8} {
		in := Insight{Type: "tier", SegmentKey: fmt.Sprint(i), SubjectVariant: 1, Text: "x", Confidence: c, EvidenceCount: 3}
		if _, err := s.PutInsight(in, t0); err != nil {
			t.Fatalf("PutInsight: %v", err)
		}
	}

	got, err := s.ListInsights(0.6, false)
	if err != nil {
		t.Fatalf("ListInsights: %v", err)
	}
	if len(got) != 2 || got[0].Confidence != 0.8 {
		t.Errorf("ListInsights(0.6) = %+v", got)
	}
}

func TestContactAndContent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetContact(ctx, 1); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	c := Contact{ID: 1, Email: "ada@example.com", FirstName: "Ada", Tier: "HOT", Score: 85}
	if err := s.SaveContact(c); err != nil {
		t.Fatalf("SaveContact: %v", err)
	}
	got, err := s.GetContact(ctx, 1)
	if err != nil {
		t.Fatalf("GetContact: %v", err)
	}
	if got != c {
		t.Errorf("GetContact = %+v, want %+v", got, c)
	}

	if err := s.SaveContent(Content{ContactID: 1, Type: cadence.TouchEmail, Variant: 2, Subject: "Hi", Body: "Hello"}); err != nil {
		t.Fatalf("SaveContent: %v", err)
	}
	content, err := s.GetContent(ctx, 1, cadence.TouchEmail, 2)
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if content.Subject != "Hi" || content.Body != "Hello" {
		t.Errorf("unexpected content: %+v", content)
	}
	if _, err := s.GetContent(ctx, 1, cadence.TouchCall, 2); err != ErrNotFound {
		t.Errorf("missing content: expected ErrNotFound, got %v", err)
	}
}
