package runs

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"evalflow/internal/evaluation"
	"evalflow/internal/pipeline"
)

// ErrTooManyRuns is returned when the concurrent run limit is reached.
var ErrTooManyRuns = errors.New("too many evaluation runs in progress")

// ErrNotFound is returned for unknown or expired run ids.
var ErrNotFound = errors.New("run not found")

// ErrNotRunning is returned when cancel is requested for a finished run.
var ErrNotRunning = errors.New("run is not running")

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Runner is the part of *pipeline.Pipeline the registry drives.
type Runner interface {
	Execute(ctx context.Context, opts pipeline.ExecuteOptions) pipeline.Result
	Cancel()
	TotalSteps() int
}

type Persister interface {
	SaveEvaluation(ctx context.Context, rec *evaluation.AIEvaluationV2) error
}

type Gauge interface {
	SetActiveRuns(n int)
}

// Run is a point-in-time snapshot of one asynchronous pipeline run.
type Run struct {
	ID           string                     `json:"id"`
	AppID        string                     `json:"appId"`
	RecordingID  string                     `json:"recordingId"`
	Status       Status                     `json:"status"`
	TotalSteps   int                        `json:"totalSteps"`
	Progress     *evaluation.Progress       `json:"progress,omitempty"`
	EvaluationID string                     `json:"evaluationId,omitempty"`
	Error        string                     `json:"error,omitempty"`
	FailedAt     evaluation.StepName        `json:"failedAt,omitempty"`
	StartedAt    time.Time                  `json:"startedAt"`
	FinishedAt   *time.Time                 `json:"finishedAt,omitempty"`
	Result       *evaluation.AIEvaluationV2 `json:"result,omitempty"`
}

type Options struct {
	Store         Persister
	Metrics       Gauge
	Logger        *slog.Logger
	MaxConcurrent int
	Retention     int
}

type entry struct {
	run    Run
	runner Runner
	done   chan struct{}
}

// Registry tracks pipeline runs started from the API. Runs execute on their
// own goroutines under a context owned by the registry, not the request.
type Registry struct {
	mu       sync.RWMutex
	runs     map[string]*entry
	finished []string
	active   int

	opts   Options
	logger *slog.Logger
	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	newID  func() string
	now    func() time.Time
}

func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Retention <= 0 {
		opts.Retention = 100
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Registry{
		runs:   map[string]*entry{},
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		stop:   stop,
		newID:  uuid.NewString,
		now:    time.Now,
	}
}

func (r *Registry) Start(appID, recordingID string, runner Runner) (Run, error) {
	r.mu.Lock()
	if r.opts.MaxConcurrent > 0 && r.active >= r.opts.MaxConcurrent {
		r.mu.Unlock()
		return Run{}, ErrTooManyRuns
	}
	e := &entry{
		run: Run{
			ID:          r.newID(),
			AppID:       appID,
			RecordingID: recordingID,
			Status:      StatusRunning,
			TotalSteps:  runner.TotalSteps(),
			StartedAt:   r.now().UTC(),
		},
		runner: runner,
		done:   make(chan struct{}),
	}
	r.runs[e.run.ID] = e
	r.active++
	r.setGauge()
	r.wg.Add(1)
	snapshot := e.run
	r.mu.Unlock()

	r.logger.Info("run_started", "run_id", snapshot.ID, "app_id", appID, "recording_id", recordingID, "total_steps", snapshot.TotalSteps)

	go r.execute(e, snapshot.ID)
	return snapshot, nil
}

func (r *Registry) execute(e *entry, id string) {
	defer r.wg.Done()

	res := e.runner.Execute(r.ctx, pipeline.ExecuteOptions{
		OnProgress: func(p evaluation.Progress) { r.update(id, p) },
	})

	var persistErr error
	if res.Record != nil && r.opts.Store != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), 30*time.Second)
		persistErr = r.opts.Store.SaveEvaluation(saveCtx, res.Record)
		cancel()
		if persistErr != nil {
			r.logger.Error("run_persist_failed", "run_id", id, "evaluation_id", res.Record.ID, "error", persistErr)
		}
	}
	r.finish(id, res, persistErr)
}

func (r *Registry) update(id string, p evaluation.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.runs[id]; ok && e.run.Status == StatusRunning {
		progress := p
		e.run.Progress = &progress
	}
}

func (r *Registry) finish(id string, res pipeline.Result, persistErr error) {
	r.mu.Lock()
	e, ok := r.runs[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	finishedAt := r.now().UTC()
	e.run.FinishedAt = &finishedAt
	e.run.Result = res.Record
	if res.Record != nil {
		e.run.EvaluationID = res.Record.ID
	}
	switch {
	case res.Success:
		e.run.Status = StatusCompleted
	case res.Cancelled:
		e.run.Status = StatusCancelled
	default:
		e.run.Status = StatusFailed
	}
	e.run.Error = res.Error
	e.run.FailedAt = res.FailedAt
	if persistErr != nil && e.run.Error == "" {
		e.run.Error = "evaluation completed but could not be saved: " + persistErr.Error()
	}

	r.active--
	r.setGauge()
	r.finished = append(r.finished, id)
	for len(r.finished) > r.opts.Retention {
		delete(r.runs, r.finished[0])
		r.finished = r.finished[1:]
	}
	snapshot := e.run
	close(e.done)
	r.mu.Unlock()

	r.logger.Info("run_finished", "run_id", id, "status", snapshot.Status, "failed_at", snapshot.FailedAt, "evaluation_id", snapshot.EvaluationID)
}

func (r *Registry) Get(id string) (Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.runs[id]
	if !ok {
		return Run{}, false
	}
	return e.run, true
}

// List returns all tracked runs, most recently started first.
func (r *Registry) List() []Run {
	r.mu.RLock()
	out := make([]Run, 0, len(r.runs))
	for _, e := range r.runs {
		out = append(out, e.run)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Cancel asks a running pipeline to stop. The run reaches its terminal state
// asynchronously; use Wait to observe it.
func (r *Registry) Cancel(id string) (Run, error) {
	r.mu.RLock()
	e, ok := r.runs[id]
	var snapshot Run
	if ok {
		snapshot = e.run
	}
	r.mu.RUnlock()

	if !ok {
		return Run{}, ErrNotFound
	}
	if snapshot.Status != StatusRunning {
		return snapshot, ErrNotRunning
	}
	e.runner.Cancel()
	r.logger.Info("run_cancel_requested", "run_id", id)
	return snapshot, nil
}

// Wait blocks until the run finishes or ctx is done.
func (r *Registry) Wait(ctx context.Context, id string) (Run, error) {
	r.mu.RLock()
	e, ok := r.runs[id]
	r.mu.RUnlock()
	if !ok {
		return Run{}, ErrNotFound
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return Run{}, ctx.Err()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return e.run, nil
}

// Shutdown cancels every running pipeline and waits for them to finish.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	for _, e := range r.runs {
		if e.run.Status == StatusRunning {
			e.runner.Cancel()
		}
	}
	r.mu.RUnlock()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) setGauge() {
	if r.opts.Metrics != nil {
		r.opts.Metrics.SetActiveRuns(r.active)
	}
}
