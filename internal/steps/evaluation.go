package steps

import (
	"context"
	"fmt"
	"math"
	"strings"

	"evalflow/internal/evaluation"
	"evalflow/internal/prompt"
	"evalflow/internal/response"
)

type Evaluation struct {
	base
}

var _ Executor[evaluation.EvaluationStepConfig, *evaluation.EvaluationStepResult] = (*Evaluation)(nil)

func NewEvaluation(transport Transport, resolver Resolver, opts Options) *Evaluation {
	return &Evaluation{base: newBase(evaluation.StepEvaluation, transport, resolver, opts)}
}

func (e *Evaluation) Validate(cfg evaluation.EvaluationStepConfig, sc *Context) evaluation.Validation {
	var v evaluation.Validation
	requireInvocable(&v, cfg.Prompt, cfg.Model, true, sc)

	if sc == nil || sc.Previous.Transcription == nil || sc.Previous.Transcription.Output == nil {
		v.Errors = append(v.Errors, "transcription output is required before evaluation")
		return v
	}

	switch sc.Previous.Transcription.Output.Flow() {
	case evaluation.FlowSegments:
		if !referenceTranscript(sc).HasSegments() {
			v.Errors = append(v.Errors, "segmented evaluation requires a reference transcript with segments")
		}
	case evaluation.FlowAPI:
		if len(sc.APIResponse) == 0 && strings.TrimSpace(sc.OriginalTranscript.Text()) == "" {
			v.Errors = append(v.Errors, "evaluation requires a reference transcript or API response to compare against")
		}
	}
	return v
}

func (e *Evaluation) Execute(ctx context.Context, cfg evaluation.EvaluationStepConfig, sc *Context) (*evaluation.EvaluationStepResult, error) {
	if err := e.begin(ctx); err != nil {
		return nil, err
	}
	v := e.Validate(cfg, sc)
	if err := v.Err(e.step); err != nil {
		return nil, err
	}
	e.logWarnings(sc, v.Warnings)

	judge := judgeOutput(sc)
	reference := referenceTranscript(sc)
	pc := prompt.Context{
		Recording:          sc.Recording,
		OriginalTranscript: reference,
		Transcription:      judge,
		APIResponse:        sc.APIResponse,
		HasAudio:           sc.hasAudio(),
	}
	if norm := sc.Previous.Normalization; norm != nil {
		pc.NormalizedTranscript = norm.NormalizedOriginal
		pc.SourceScript = norm.SourceScript
		pc.TargetScript = norm.TargetScript
	}
	resolved := e.resolver.Resolve(cfg.Prompt, pc)
	warnings := append(append([]string(nil), v.Warnings...), unresolvedWarnings(resolved.UnresolvedVariables)...)

	started := e.opts.Now()
	stop := startProgressCurve(sc, e.opts, "Evaluating transcription")
	defer stop()
	resp, err := e.invoke(ctx, evaluation.LLMRequest{
		Model:       cfg.Model,
		Prompt:      resolved.Prompt,
		Schema:      cfg.Schema,
		SchemaName:  "evaluation",
		Audio:       sc.Audio,
		Temperature: cfg.Temperature,
	})
	stop()
	if err != nil {
		return nil, err
	}

	output, err := response.ParseEvaluation(resp.Text, resp.Parsed, judge.Flow())
	if err != nil {
		return nil, err
	}
	if seg, ok := output.(*evaluation.SegmentEvaluation); ok {
		total := len(reference.Segments)
		for _, c := range seg.SegmentCritiques {
			if c.SegmentIndex < 0 || c.SegmentIndex >= total {
				warnings = appendUnique(warnings, fmt.Sprintf("critique references segment %d outside 0..%d", c.SegmentIndex, total-1))
			}
		}
		seg.Statistics = CritiqueStats(seg.SegmentCritiques, total)
	}

	sc.emit(100, "Evaluation complete")
	return &evaluation.EvaluationStepResult{
		Output:              output,
		Model:               cfg.Model,
		UnresolvedVariables: resolved.UnresolvedVariables,
		Warnings:            warnings,
		DurationMs:          durationMs(e.opts.Now().Sub(started)),
		Timestamp:           e.opts.Now().UTC(),
	}, nil
}

// CritiqueStats counts critiques by severity. A segment without a critique,
// or whose critique has severity "none", counts as a match.
func CritiqueStats(critiques []evaluation.SegmentCritique, totalSegments int) *evaluation.CritiqueStatistics {
	stats := &evaluation.CritiqueStatistics{TotalSegments: totalSegments, Critiqued: len(critiques)}
	flagged := make(map[int]struct{}, len(critiques))
	for _, c := range critiques {
		switch evaluation.Severity(strings.ToLower(string(c.Severity))) {
		case evaluation.SeverityMinor:
			stats.Minor++
		case evaluation.SeverityModerate:
			stats.Moderate++
		case evaluation.SeverityCritical:
			stats.Critical++
		default:
			continue
		}
		if c.SegmentIndex >= 0 && c.SegmentIndex < totalSegments {
			flagged[c.SegmentIndex] = struct{}{}
		}
	}
	stats.Matches = totalSegments - len(flagged)
	if totalSegments > 0 {
		stats.Accuracy = math.Round(float64(stats.Matches)/float64(totalSegments)*10000) / 10000
	}
	return stats
}

// referenceTranscript prefers the normalized reference when one exists.
func referenceTranscript(sc *Context) *evaluation.Transcript {
	if sc == nil {
		return nil
	}
	if norm := sc.Previous.Normalization; norm != nil && norm.NormalizedOriginal != nil {
		return norm.NormalizedOriginal
	}
	return sc.OriginalTranscript
}

// judgeOutput prefers the normalized produced segments when the judge pass ran.
func judgeOutput(sc *Context) evaluation.TranscriptionOutput {
	out := sc.Previous.Transcription.Output
	norm := sc.Previous.Normalization
	if _, ok := out.(*evaluation.SegmentedTranscription); ok && norm != nil && norm.NormalizedJudge.HasSegments() {
		return &evaluation.SegmentedTranscription{Segments: norm.NormalizedJudge.Segments}
	}
	return out
}
