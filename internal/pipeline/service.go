package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"evalflow/internal/evaluation"
	"evalflow/internal/steps"
)

var (
	ErrRecordingNotFound = errors.New("recording not found")
	ErrAudioMissing      = errors.New("recording audio is missing")
)

type RecordingRepository interface {
	GetByID(ctx context.Context, appID, id string) (*evaluation.Recording, error)
	GetBlob(ctx context.Context, audioFileID string) (*evaluation.Blob, error)
}

type Metrics interface {
	ObserveStep(step evaluation.StepName, status string, duration time.Duration)
	ObserveRun(status string, duration time.Duration)
}

type Executors struct {
	Normalization steps.Executor[steps.NormalizationInput, *evaluation.NormalizationStepResult]
	Transcription steps.Executor[evaluation.TranscriptionConfig, *evaluation.TranscriptionStepResult]
	Evaluation    steps.Executor[evaluation.EvaluationStepConfig, *evaluation.EvaluationStepResult]
}

type Dependencies struct {
	Recordings RecordingRepository
	History    steps.History
	Transport  steps.Transport
	Resolver   steps.Resolver
	Logger     *slog.Logger
	Metrics    Metrics
	Steps      steps.Options
	// Executors overrides the default executors built from Transport.
	Executors *Executors
	NewID     func() string
	Now       func() time.Time
}

type ExecuteOptions struct {
	// OnProgress replaces any callback registered with WithProgress.
	OnProgress evaluation.ProgressFunc
}

// Result is the outcome of one run. Execute always returns one; failures and
// cancellations are reported through Success, Error and FailedAt.
type Result struct {
	Success       bool
	Cancelled     bool
	Error         string
	FailedAt      evaluation.StepName
	Normalization *evaluation.NormalizationStepResult
	Transcription *evaluation.TranscriptionStepResult
	Evaluation    *evaluation.EvaluationStepResult
	Record        *evaluation.AIEvaluationV2
	Duration      time.Duration
}

type Option func(*Pipeline)

func WithProgress(fn evaluation.ProgressFunc) Option {
	return func(p *Pipeline) {
		p.onProgress = fn
	}
}

// Pipeline drives normalization, transcription and evaluation for one
// recording. The config is fixed at construction.
type Pipeline struct {
	deps        Dependencies
	cfg         evaluation.EvaluationConfig
	appID       string
	recordingID string
	totalSteps  int
	executors   Executors
	logger      *slog.Logger

	mu         sync.Mutex
	onProgress evaluation.ProgressFunc
	cancelled  bool
	cancelRun  context.CancelCauseFunc
}

func New(deps Dependencies, cfg evaluation.EvaluationConfig, appID, recordingID string, opts ...Option) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	stepOpts := deps.Steps
	if stepOpts.Logger == nil {
		stepOpts.Logger = logger
	}

	var executors Executors
	if deps.Executors != nil {
		executors = *deps.Executors
	}
	if executors.Normalization == nil {
		executors.Normalization = steps.NewNormalization(deps.Transport, deps.Resolver, stepOpts)
	}
	if executors.Transcription == nil {
		executors.Transcription = steps.NewTranscription(deps.Transport, deps.Resolver, deps.History, stepOpts)
	}
	if executors.Evaluation == nil {
		executors.Evaluation = steps.NewEvaluation(deps.Transport, deps.Resolver, stepOpts)
	}

	p := &Pipeline{
		deps:        deps,
		cfg:         cfg,
		appID:       strings.TrimSpace(appID),
		recordingID: strings.TrimSpace(recordingID),
		totalSteps:  cfg.TotalSteps(),
		executors:   executors,
		logger:      logger.With("app_id", appID, "recording_id", recordingID),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) TotalSteps() int {
	return p.totalSteps
}

func (p *Pipeline) Config() evaluation.EvaluationConfig {
	return p.cfg
}

func (p *Pipeline) RecordingID() string {
	return p.recordingID
}

// Cancel aborts the run. It is safe to call before, during or after Execute
// and from any goroutine.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	p.cancelled = true
	cancelRun := p.cancelRun
	p.mu.Unlock()

	if cancelRun != nil {
		cancelRun(evaluation.ErrCancelled)
	}
	p.executors.Normalization.Cancel()
	p.executors.Transcription.Cancel()
	p.executors.Evaluation.Cancel()
}

func (p *Pipeline) isCancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

func (p *Pipeline) Execute(ctx context.Context, opts ExecuteOptions) (res Result) {
	started := p.deps.Now()
	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	p.mu.Lock()
	if opts.OnProgress != nil {
		p.onProgress = opts.OnProgress
	}
	onProgress := p.onProgress
	p.cancelRun = cancelRun
	if p.cancelled {
		cancelRun(evaluation.ErrCancelled)
	}
	p.mu.Unlock()

	st := newRunState(p.cfg.Steps(), onProgress)
	if st.total != p.totalSteps {
		res.Error = fmt.Sprintf("step plan has %d steps, expected %d", st.total, p.totalSteps)
		res.FailedAt = st.current
		return p.finish(res, started)
	}

	p.logger.Info("pipeline_started", "total_steps", p.totalSteps, "flow", p.cfg.Flow())
	err := p.runGuarded(runCtx, st, &res)

	p.mu.Lock()
	p.cancelRun = nil
	p.mu.Unlock()

	if err != nil {
		res.FailedAt = st.active()
		if p.isCancelled() || evaluation.IsCancellation(err) {
			res.Cancelled = true
			res.Error = (&evaluation.CancellationError{Step: res.FailedAt}).Error()
		} else {
			res.Error = err.Error()
		}
		p.logger.Warn("pipeline_failed", "failed_at", res.FailedAt, "cancelled", res.Cancelled, "error", err)
	} else {
		res.Success = true
		p.logger.Info("pipeline_completed", "duration_ms", p.deps.Now().Sub(started).Milliseconds())
	}
	return p.finish(res, started)
}

// runGuarded turns a panic inside a step into an ordinary failure.
func (p *Pipeline) runGuarded(ctx context.Context, st *runState, res *Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return p.run(ctx, st, res)
}

func (p *Pipeline) run(ctx context.Context, st *runState, res *Result) error {
	sc, err := p.load(ctx)
	if err != nil {
		return err
	}
	sc.Emit = st.report

	number := 0
	prereq := p.cfg.Prerequisites
	if prereq.NormalizationEnabled {
		number++
		err := p.runStep(ctx, st, evaluation.StepNormalization, number, func() error {
			if !prereq.NormalizationTarget.IncludesOriginal() {
				res.Normalization = &evaluation.NormalizationStepResult{
					SourceScript: prereq.SourceScript,
					TargetScript: prereq.TargetScript,
					Target:       prereq.NormalizationTarget,
					Model:        prereq.Model,
					Timestamp:    p.deps.Now().UTC(),
				}
				st.report(50, "Normalization deferred until the transcript is produced")
				return nil
			}
			out, err := p.executors.Normalization.Execute(ctx, steps.NormalizationInput{Config: prereq, Pass: evaluation.NormalizeOriginal}, sc)
			if err != nil {
				return err
			}
			res.Normalization = out
			return nil
		})
		if err != nil {
			return err
		}
		sc.Previous.Normalization = res.Normalization
	}

	number++
	err = p.runStep(ctx, st, evaluation.StepTranscription, number, func() error {
		out, err := p.executors.Transcription.Execute(ctx, p.cfg.Transcription, sc)
		if err != nil {
			return err
		}
		res.Transcription = out
		return nil
	})
	if err != nil {
		return err
	}
	sc.Previous.Transcription = res.Transcription

	if prereq.NormalizationEnabled && prereq.NormalizationTarget.IncludesJudge() {
		if err := p.normalizeJudge(ctx, st, sc, res); err != nil {
			return err
		}
	}

	number++
	return p.runStep(ctx, st, evaluation.StepEvaluation, number, func() error {
		out, err := p.executors.Evaluation.Execute(ctx, p.cfg.Evaluation, sc)
		if err != nil {
			return err
		}
		res.Evaluation = out
		return nil
	})
}

// normalizeJudge rewrites the freshly produced transcript. Only segmented
// output is normalized; flat output is kept as produced and flagged.
func (p *Pipeline) normalizeJudge(ctx context.Context, st *runState, sc *steps.Context, res *Result) error {
	if _, ok := res.Transcription.Output.(*evaluation.SegmentedTranscription); !ok {
		warning := "produced transcript was not normalized: only segmented output supports normalization"
		p.logger.Warn("judge_normalization_skipped", "flow", res.Transcription.Output.Flow())
		merged := *res.Normalization
		merged.Warnings = append(append([]string(nil), merged.Warnings...), warning)
		res.Normalization = &merged
		sc.Previous.Normalization = &merged
		return nil
	}

	st.relabel(evaluation.StepNormalization)
	if err := p.checkpoint(ctx); err != nil {
		return err
	}
	st.report(100, "Normalizing produced transcript")

	started := p.deps.Now()
	judgeCtx := *sc
	judgeCtx.Emit = nil
	out, err := p.executors.Normalization.Execute(ctx, steps.NormalizationInput{
		Config: p.cfg.Prerequisites,
		Pass:   evaluation.NormalizeJudge,
	}, &judgeCtx)
	p.observeStep(evaluation.StepNormalization, err, p.deps.Now().Sub(started))
	if err != nil {
		return err
	}

	merged := *res.Normalization
	merged.NormalizedJudge = out.NormalizedJudge
	merged.Warnings = append(append([]string(nil), merged.Warnings...), out.Warnings...)
	if merged.Model == "" {
		merged.Model = out.Model
	}
	res.Normalization = &merged
	sc.Previous.Normalization = &merged

	st.relabel(evaluation.StepTranscription)
	return nil
}

func (p *Pipeline) runStep(ctx context.Context, st *runState, step evaluation.StepName, number int, fn func() error) error {
	st.enter(step, number)
	if err := p.checkpoint(ctx); err != nil {
		return err
	}

	p.logger.Info("step_started", "step", step, "step_number", number, "total_steps", p.totalSteps)
	st.report(0, fmt.Sprintf("Starting %s", step))
	started := p.deps.Now()
	err := fn()
	elapsed := p.deps.Now().Sub(started)
	p.observeStep(step, err, elapsed)
	if err != nil {
		p.logger.Warn("step_failed", "step", step, "duration_ms", elapsed.Milliseconds(), "error", err)
		return err
	}

	st.report(100, fmt.Sprintf("Completed %s", step))
	p.logger.Info("step_completed", "step", step, "duration_ms", elapsed.Milliseconds())
	return nil
}

func (p *Pipeline) checkpoint(ctx context.Context) error {
	if p.isCancelled() || errors.Is(ctx.Err(), context.Canceled) {
		return evaluation.ErrCancelled
	}
	return nil
}

func (p *Pipeline) load(ctx context.Context) (*steps.Context, error) {
	if p.deps.Recordings == nil {
		return nil, errors.New("no recording repository configured")
	}
	rec, err := p.deps.Recordings.GetByID(ctx, p.appID, p.recordingID)
	if err != nil {
		return nil, fmt.Errorf("load recording %s: %w", p.recordingID, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordingNotFound, p.recordingID)
	}
	if strings.TrimSpace(rec.AudioFileID) == "" {
		return nil, fmt.Errorf("%w: recording %s has no audio file", ErrAudioMissing, p.recordingID)
	}
	blob, err := p.deps.Recordings.GetBlob(ctx, rec.AudioFileID)
	if err != nil {
		return nil, fmt.Errorf("load audio %s: %w", rec.AudioFileID, err)
	}
	if blob == nil || len(blob.Data) == 0 {
		return nil, fmt.Errorf("%w: audio file %s", ErrAudioMissing, rec.AudioFileID)
	}

	return &steps.Context{
		AppID:              p.appID,
		RecordingID:        p.recordingID,
		Recording:          rec,
		Audio:              blob,
		OriginalTranscript: rec.Transcript,
		APIResponse:        rec.APIResponse,
	}, nil
}

func (p *Pipeline) finish(res Result, started time.Time) Result {
	res.Duration = p.deps.Now().Sub(started)

	record := &evaluation.AIEvaluationV2{
		ID:            p.deps.NewID(),
		AppID:         p.appID,
		RecordingID:   p.recordingID,
		CreatedAt:     started.UTC(),
		Model:         p.cfg.PrimaryModel(),
		Status:        evaluation.StatusCompleted,
		Config:        p.cfg,
		Normalization: res.Normalization,
		Transcription: res.Transcription,
		Evaluation:    res.Evaluation,
	}
	if !res.Success {
		record.Status = evaluation.StatusFailed
		record.Error = res.Error
		record.FailedAt = res.FailedAt
	}
	record.ApplyLegacyMirrors()
	res.Record = record

	if p.deps.Metrics != nil {
		p.deps.Metrics.ObserveRun(runStatus(res), res.Duration)
	}
	return res
}

func (p *Pipeline) observeStep(step evaluation.StepName, err error, elapsed time.Duration) {
	if p.deps.Metrics == nil {
		return
	}
	status := "completed"
	switch {
	case evaluation.IsCancellation(err):
		status = "cancelled"
	case err != nil:
		status = "failed"
	}
	p.deps.Metrics.ObserveStep(step, status, elapsed)
}

func runStatus(res Result) string {
	switch {
	case res.Success:
		return "completed"
	case res.Cancelled:
		return "cancelled"
	default:
		return "failed"
	}
}
