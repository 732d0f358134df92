package runs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"evalflow/internal/evaluation"
	"evalflow/internal/pipeline"
)

type fakeRunner struct {
	release   chan struct{}
	cancelled chan struct{}
	once      sync.Once
	result    pipeline.Result
}

func newFakeRunner(result pipeline.Result) *fakeRunner {
	return &fakeRunner{release: make(chan struct{}), cancelled: make(chan struct{}), result: result}
}

func (f *fakeRunner) TotalSteps() int { return 2 }

func (f *fakeRunner) Cancel() {
	f.once.Do(func() { close(f.cancelled) })
}

func (f *fakeRunner) Execute(ctx context.Context, opts pipeline.ExecuteOptions) pipeline.Result {
	if opts.OnProgress != nil {
		opts.OnProgress(evaluation.Progress{CurrentStep: evaluation.StepTranscription, StepNumber: 1, TotalSteps: 2, OverallProgress: 25})
	}
	select {
	case <-f.release:
		return f.result
	case <-f.cancelled:
		return pipeline.Result{
			Cancelled: true,
			Error:     "evaluation cancelled during transcription",
			FailedAt:  evaluation.StepTranscription,
			Record:    &evaluation.AIEvaluationV2{ID: "eval-cancelled", Status: evaluation.StatusFailed},
		}
	}
}

type memStore struct {
	mu    sync.Mutex
	saved []string
	err   error
}

func (m *memStore) SaveEvaluation(_ context.Context, rec *evaluation.AIEvaluationV2) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, rec.ID)
	return nil
}

type gauge struct {
	mu   sync.Mutex
	last int
	max  int
}

func (g *gauge) SetActiveRuns(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = n
	if n > g.max {
		g.max = n
	}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunCompletesAndPersists(t *testing.T) {
	store := &memStore{}
	g := &gauge{}
	reg := New(Options{Store: store, Metrics: g})

	runner := newFakeRunner(pipeline.Result{
		Success: true,
		Record:  &evaluation.AIEvaluationV2{ID: "eval-1", Status: evaluation.StatusCompleted},
	})
	run, err := reg.Start("voice-rx", "rec-1", runner)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Status != StatusRunning || run.TotalSteps != 2 {
		t.Fatalf("unexpected initial snapshot: %+v", run)
	}

	close(runner.release)
	final, err := reg.Wait(waitCtx(t), run.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.Status != StatusCompleted || final.EvaluationID != "eval-1" || final.FinishedAt == nil {
		t.Fatalf("unexpected final snapshot: %+v", final)
	}
	if final.Progress == nil || final.Progress.OverallProgress != 25 {
		t.Fatalf("expected latest progress to be kept, got %+v", final.Progress)
	}
	if len(store.saved) != 1 || store.saved[0] != "eval-1" {
		t.Fatalf("saved = %v", store.saved)
	}
	if g.max != 1 || g.last != 0 {
		t.Fatalf("gauge max=%d last=%d", g.max, g.last)
	}
}

func TestCancelForwardsToRunner(t *testing.T) {
	store := &memStore{}
	reg := New(Options{Store: store})
	runner := newFakeRunner(pipeline.Result{})

	run, err := reg.Start("app", "rec", runner)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := reg.Cancel(run.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	final, err := reg.Wait(waitCtx(t), run.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.Status != StatusCancelled || final.FailedAt != evaluation.StepTranscription {
		t.Fatalf("unexpected snapshot: %+v", final)
	}
	if len(store.saved) != 1 {
		t.Fatalf("cancelled record should still be saved, got %v", store.saved)
	}
	if _, err := reg.Cancel(run.ID); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second cancel = %v, want ErrNotRunning", err)
	}
	if _, err := reg.Cancel("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown cancel = %v, want ErrNotFound", err)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	reg := New(Options{MaxConcurrent: 1})
	first := newFakeRunner(pipeline.Result{Success: true})

	run, err := reg.Start("app", "rec", first)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := reg.Start("app", "rec", newFakeRunner(pipeline.Result{})); !errors.Is(err, ErrTooManyRuns) {
		t.Fatalf("second Start = %v, want ErrTooManyRuns", err)
	}

	close(first.release)
	if _, err := reg.Wait(waitCtx(t), run.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	next := newFakeRunner(pipeline.Result{Success: true})
	if _, err := reg.Start("app", "rec", next); err != nil {
		t.Fatalf("Start after finish: %v", err)
	}
	close(next.release)
	if err := reg.Shutdown(waitCtx(t)); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestRetentionEvictsOldestFinished(t *testing.T) {
	reg := New(Options{Retention: 1})

	var ids []string
	for i := 0; i < 2; i++ {
		r := newFakeRunner(pipeline.Result{Success: true})
		run, err := reg.Start("app", "rec", r)
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		close(r.release)
		if _, err := reg.Wait(waitCtx(t), run.ID); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		ids = append(ids, run.ID)
	}

	if _, ok := reg.Get(ids[0]); ok {
		t.Fatal("oldest finished run should be evicted")
	}
	if _, ok := reg.Get(ids[1]); !ok {
		t.Fatal("latest run should be retained")
	}
	if list := reg.List(); len(list) != 1 {
		t.Fatalf("List() = %d runs, want 1", len(list))
	}
}

func TestPersistFailureIsReported(t *testing.T) {
	reg := New(Options{Store: &memStore{err: errors.New("disk full")}})
	runner := newFakeRunner(pipeline.Result{Success: true, Record: &evaluation.AIEvaluationV2{ID: "eval-9"}})

	run, err := reg.Start("app", "rec", runner)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	close(runner.release)
	final, err := reg.Wait(waitCtx(t), run.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.Status != StatusCompleted || final.Error == "" {
		t.Fatalf("expected completed run with save error, got %+v", final)
	}
}

func TestShutdownCancelsRunningPipelines(t *testing.T) {
	reg := New(Options{})
	runner := newFakeRunner(pipeline.Result{})
	run, err := reg.Start("app", "rec", runner)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := reg.Shutdown(waitCtx(t)); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	got, ok := reg.Get(run.ID)
	if !ok || got.Status != StatusCancelled {
		t.Fatalf("unexpected run after shutdown: %+v", got)
	}
}
