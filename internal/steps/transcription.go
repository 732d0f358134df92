package steps

import (
	"context"
	"fmt"
	"strings"

	"evalflow/internal/evaluation"
	"evalflow/internal/prompt"
	"evalflow/internal/response"
)

type Transcription struct {
	base
	history History
}

var _ Executor[evaluation.TranscriptionConfig, *evaluation.TranscriptionStepResult] = (*Transcription)(nil)

func NewTranscription(transport Transport, resolver Resolver, history History, opts Options) *Transcription {
	return &Transcription{
		base:    newBase(evaluation.StepTranscription, transport, resolver, opts),
		history: history,
	}
}

func (t *Transcription) Validate(cfg evaluation.TranscriptionConfig, sc *Context) evaluation.Validation {
	var v evaluation.Validation
	if cfg.Skip {
		if strings.TrimSpace(cfg.ReuseFromEvaluationID) == "" {
			v.Errors = append(v.Errors, "reuseFromEvaluationId is required when transcription is skipped")
		}
		if t.history == nil {
			v.Errors = append(v.Errors, "no evaluation history available to reuse a transcription from")
		}
		return v
	}

	requireInvocable(&v, cfg.Prompt, cfg.Model, true, sc)
	if cfg.UseSegments && !sc.OriginalTranscript.HasSegments() {
		v.Warnings = append(v.Warnings, "recording has no reference segments; time windows are unavailable to the prompt")
	}
	return v
}

func (t *Transcription) Execute(ctx context.Context, cfg evaluation.TranscriptionConfig, sc *Context) (*evaluation.TranscriptionStepResult, error) {
	if err := t.begin(ctx); err != nil {
		return nil, err
	}
	v := t.Validate(cfg, sc)
	if err := v.Err(t.step); err != nil {
		return nil, err
	}
	t.logWarnings(sc, v.Warnings)

	if cfg.Skip {
		return t.reuse(ctx, cfg, sc)
	}

	pc := prompt.Context{
		Recording:          sc.Recording,
		OriginalTranscript: sc.OriginalTranscript,
		APIResponse:        sc.APIResponse,
		HasAudio:           sc.hasAudio(),
	}
	if norm := sc.Previous.Normalization; norm != nil {
		pc.NormalizedTranscript = norm.NormalizedOriginal
		pc.SourceScript = norm.SourceScript
		pc.TargetScript = norm.TargetScript
	}
	resolved := t.resolver.Resolve(cfg.Prompt, pc)
	warnings := append(append([]string(nil), v.Warnings...), unresolvedWarnings(resolved.UnresolvedVariables)...)

	started := t.opts.Now()
	stop := startProgressCurve(sc, t.opts, "Transcribing audio")
	defer stop()
	resp, err := t.invoke(ctx, evaluation.LLMRequest{
		Model:       cfg.Model,
		Prompt:      resolved.Prompt,
		Schema:      cfg.Schema,
		SchemaName:  "transcription",
		Audio:       sc.Audio,
		Temperature: cfg.Temperature,
	})
	stop()
	if err != nil {
		return nil, err
	}

	flow := evaluation.FlowAPI
	if cfg.UseSegments {
		flow = evaluation.FlowSegments
	}
	output, err := response.ParseTranscription(resp.Text, resp.Parsed, flow)
	if err != nil {
		return nil, err
	}
	if seg, ok := output.(*evaluation.SegmentedTranscription); ok && sc.OriginalTranscript.HasSegments() && len(seg.Segments) != len(sc.OriginalTranscript.Segments) {
		warnings = append(warnings, fmt.Sprintf("produced %d segments, reference has %d", len(seg.Segments), len(sc.OriginalTranscript.Segments)))
	}

	sc.emit(100, "Transcription complete")
	return &evaluation.TranscriptionStepResult{
		Output:              output,
		Model:               cfg.Model,
		UnresolvedVariables: resolved.UnresolvedVariables,
		Warnings:            warnings,
		DurationMs:          durationMs(t.opts.Now().Sub(started)),
		Timestamp:           t.opts.Now().UTC(),
	}, nil
}

// reuse returns a prior evaluation's transcription output unchanged.
func (t *Transcription) reuse(ctx context.Context, cfg evaluation.TranscriptionConfig, sc *Context) (*evaluation.TranscriptionStepResult, error) {
	sourceID := strings.TrimSpace(cfg.ReuseFromEvaluationID)
	sc.emit(10, "Loading transcription from evaluation "+sourceID)

	output, err := t.history.GetPriorTranscription(ctx, sc.AppID, sc.RecordingID, sourceID)
	if cerr := t.checkpoint(ctx); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, fmt.Errorf("load transcription of evaluation %s: %w", sourceID, err)
	}
	if output == nil {
		return nil, &evaluation.ValidationError{
			Step:     t.step,
			Problems: []string{fmt.Sprintf("evaluation %s of recording %s has no transcription output to reuse", sourceID, sc.RecordingID)},
		}
	}

	var warnings []string
	if cfg.UseSegments != (output.Flow() == evaluation.FlowSegments) {
		warnings = append(warnings, fmt.Sprintf("reused transcription uses the %s flow", output.Flow()))
	}

	sc.emit(100, "Reused transcription")
	return &evaluation.TranscriptionStepResult{
		Skipped:            true,
		SourceEvaluationID: sourceID,
		Output:             output,
		Warnings:           warnings,
		Timestamp:          t.opts.Now().UTC(),
	}, nil
}
