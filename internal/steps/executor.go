package steps

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"evalflow/internal/evaluation"
	"evalflow/internal/prompt"
)

// Executor is the contract shared by the three pipeline steps. Validate never
// performs I/O; Execute must only be called after a successful Validate.
type Executor[C any, R any] interface {
	Validate(cfg C, sc *Context) evaluation.Validation
	Execute(ctx context.Context, cfg C, sc *Context) (R, error)
	Cancel()
}

type Transport interface {
	Invoke(ctx context.Context, req evaluation.LLMRequest) (evaluation.LLMResponse, error)
}

// History looks up the transcription output of an earlier evaluation of the
// same recording. A missing evaluation, or one that belongs to another app or
// recording, yields (nil, nil).
type History interface {
	GetPriorTranscription(ctx context.Context, appID, recordingID, evaluationID string) (evaluation.TranscriptionOutput, error)
}

type Resolver interface {
	Resolve(template string, c prompt.Context) prompt.Result
}

type Previous struct {
	Normalization *evaluation.NormalizationStepResult
	Transcription *evaluation.TranscriptionStepResult
}

// Context is the read-only bundle handed to each step. The pipeline builds it
// once and extends Previous as steps complete.
type Context struct {
	AppID              string
	RecordingID        string
	Recording          *evaluation.Recording
	Audio              *evaluation.Blob
	OriginalTranscript *evaluation.Transcript
	APIResponse        json.RawMessage
	Previous           Previous

	// Emit reports the step-local progress in [0,100].
	Emit func(stepProgress int, message string)
}

func (sc *Context) emit(progress int, message string) {
	if sc == nil || sc.Emit == nil {
		return
	}
	sc.Emit(progress, message)
}

func (sc *Context) hasAudio() bool {
	return sc != nil && sc.Audio != nil && len(sc.Audio.Data) > 0
}

type Options struct {
	Logger *slog.Logger
	// ExpectedDuration is the wall-clock ceiling the progress curve is scaled to.
	ExpectedDuration time.Duration
	TickInterval     time.Duration
	Now              func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ExpectedDuration <= 0 {
		o.ExpectedDuration = 180 * time.Second
	}
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type base struct {
	step      evaluation.StepName
	transport Transport
	resolver  Resolver
	opts      Options
	cancelled atomic.Bool
}

func newBase(step evaluation.StepName, transport Transport, resolver Resolver, opts Options) base {
	if resolver == nil {
		resolver = prompt.NewResolver()
	}
	return base{step: step, transport: transport, resolver: resolver, opts: opts.withDefaults()}
}

func (b *base) Cancel() {
	b.cancelled.Store(true)
}

// begin resets the executor's own flag and refuses to start on an already
// cancelled context.
func (b *base) begin(ctx context.Context) error {
	b.cancelled.Store(false)
	return b.checkpoint(ctx)
}

func (b *base) checkpoint(ctx context.Context) error {
	if b.cancelled.Load() || errors.Is(ctx.Err(), context.Canceled) {
		return &evaluation.CancellationError{Step: b.step}
	}
	return nil
}

// invoke calls the transport and turns an abort into a cancellation error.
// The cancellation flag is checked again once the call returns.
func (b *base) invoke(ctx context.Context, req evaluation.LLMRequest) (evaluation.LLMResponse, error) {
	if b.transport == nil {
		return evaluation.LLMResponse{}, errors.New("no LLM transport configured")
	}
	resp, err := b.transport.Invoke(ctx, req)
	if cerr := b.checkpoint(ctx); cerr != nil {
		return evaluation.LLMResponse{}, cerr
	}
	if err != nil {
		return evaluation.LLMResponse{}, err
	}
	return resp, nil
}

func (b *base) logWarnings(sc *Context, warnings []string) {
	for _, w := range warnings {
		b.opts.Logger.Warn("step_validation_warning", "step", b.step, "recording_id", sc.RecordingID, "warning", w)
	}
}

// requireInvocable holds the checks every non-skipped step shares.
func requireInvocable(v *evaluation.Validation, promptText, model string, needsAudio bool, sc *Context) {
	if strings.TrimSpace(promptText) == "" {
		v.Errors = append(v.Errors, "prompt is required")
	}
	if strings.TrimSpace(model) == "" {
		v.Errors = append(v.Errors, "model is required")
	}
	if needsAudio && !sc.hasAudio() {
		v.Errors = append(v.Errors, "audio recording is required")
	}
}

func unresolvedWarnings(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	return []string{"unresolved prompt variables: " + strings.Join(names, ", ")}
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, existing := range dst {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
