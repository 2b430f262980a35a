package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kalambet/cadence/internal/sequence"
)

type mockRunner struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (sequence.Report, error)
}

func (m *mockRunner) ExecuteDue(_ context.Context, _ time.Time, mode sequence.Mode) (sequence.Report, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()
	if mode != sequence.ModeLive {
		return sequence.Report{}, errors.New("worker must sweep in live mode")
	}
	return m.fn(call)
}

func (m *mockRunner) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestWorker_RunOnceReportsWork(t *testing.T) {
	r := &mockRunner{fn: func(call int) (sequence.Report, error) {
		if call == 1 {
			return sequence.Report{Stats: sequence.SweepStats{Due: 2, Sent: 1, Failed: 1}}, nil
		}
		return sequence.Report{Stats: sequence.SweepStats{Due: 1, Skipped: 1}}, nil
	}}
	w := NewWorker(r, 0)
	if w.Last() != nil {
		t.Fatal("Last() before first sweep should be nil")
	}

	done, err := w.RunOnce(context.Background())
	if err != nil || !done {
		t.Fatalf("first sweep: done = %v, err = %v", done, err)
	}
	if got := w.Last(); got == nil || got.Stats.Sent != 1 {
		t.Errorf("Last() = %+v", got)
	}

	done, err = w.RunOnce(context.Background())
	if err != nil || done {
		t.Errorf("skip-only sweep: done = %v, err = %v, want no work", done, err)
	}
}

func TestWorker_RunOnceError(t *testing.T) {
	r := &mockRunner{fn: func(int) (sequence.Report, error) {
		return sequence.Report{}, errors.New("database is locked")
	}}
	w := NewWorker(r, time.Millisecond)
	if _, err := w.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if w.Last() != nil {
		t.Error("failed sweep should not replace Last()")
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := &mockRunner{fn: func(call int) (sequence.Report, error) {
		if call == 2 {
			return sequence.Report{}, errors.New("transient")
		}
		return sequence.Report{}, nil
	}}
	w := NewWorker(r, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()

	deadline := time.After(2 * time.Second)
	for r.count() < 3 {
		select {
		case <-deadline:
			t.Fatalf("worker made only %d sweeps", r.count())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
