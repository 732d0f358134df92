package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"evalflow/internal/evaluation"
	"evalflow/internal/prompt"
	"evalflow/internal/response"
)

const DefaultNormalizationPrompt = `You rewrite transcripts from one writing system into another so that two transcripts of the same conversation can be compared word by word.

Rules:
- Transliterate every word from {{source_script}} into {{target_script}}. The language is {{language}}.
- Keep the wording, order, speakers and segment boundaries exactly as given. Do not translate, summarise, correct or add content.
- Keep medical terms, drug names, numbers and units recognisable.
- Return one output segment per input segment, in the same order.

Transcript:
{{transcript}}`

var segmentedNormalizationSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "segments": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "speaker": {"type": "string"},
          "text": {"type": "string"},
          "startTime": {"type": "string"},
          "endTime": {"type": "string"}
        },
        "required": ["speaker", "text"]
      }
    }
  },
  "required": ["segments"]
}`)

var flatNormalizationSchema = json.RawMessage(`{
  "type": "object",
  "properties": {"transcript": {"type": "string"}},
  "required": ["transcript"]
}`)

// NormalizationInput selects which transcript a normalization pass rewrites.
// Pass is NormalizeOriginal for the reference transcript or NormalizeJudge for
// the transcript produced by the transcription step.
type NormalizationInput struct {
	Config evaluation.PrerequisitesConfig
	Pass   evaluation.NormalizationTarget
}

type Normalization struct {
	base
}

var _ Executor[NormalizationInput, *evaluation.NormalizationStepResult] = (*Normalization)(nil)

func NewNormalization(transport Transport, resolver Resolver, opts Options) *Normalization {
	return &Normalization{base: newBase(evaluation.StepNormalization, transport, resolver, opts)}
}

func (n *Normalization) Validate(in NormalizationInput, sc *Context) evaluation.Validation {
	var v evaluation.Validation
	cfg := in.Config

	if cfg.NormalizationTarget != "" && !cfg.NormalizationTarget.Valid() {
		v.Errors = append(v.Errors, fmt.Sprintf("unknown normalization target %q", cfg.NormalizationTarget))
	}
	if in.Pass != evaluation.NormalizeOriginal && in.Pass != evaluation.NormalizeJudge {
		v.Errors = append(v.Errors, fmt.Sprintf("normalization pass must be %q or %q", evaluation.NormalizeOriginal, evaluation.NormalizeJudge))
		return v
	}
	if strings.TrimSpace(cfg.TargetScript) == "" {
		v.Errors = append(v.Errors, "target script is required")
	}

	source, err := sourceTranscript(in.Pass, sc)
	if err != nil {
		v.Errors = append(v.Errors, err.Error())
	} else if strings.TrimSpace(source.Text()) == "" {
		v.Errors = append(v.Errors, "transcript to normalize is empty")
	}

	if sameScript(cfg.SourceScript, cfg.TargetScript) {
		v.Warnings = append(v.Warnings, "source and target script are identical; transcript copied without a model call")
		return v
	}
	requireInvocable(&v, normalizationPrompt(cfg), cfg.Model, false, sc)
	return v
}

func (n *Normalization) Execute(ctx context.Context, in NormalizationInput, sc *Context) (*evaluation.NormalizationStepResult, error) {
	if err := n.begin(ctx); err != nil {
		return nil, err
	}
	v := n.Validate(in, sc)
	if err := v.Err(n.step); err != nil {
		return nil, err
	}
	n.logWarnings(sc, v.Warnings)

	cfg := in.Config
	source, _ := sourceTranscript(in.Pass, sc)
	result := &evaluation.NormalizationStepResult{
		SourceScript: cfg.SourceScript,
		TargetScript: cfg.TargetScript,
		Target:       cfg.NormalizationTarget,
		Warnings:     v.Warnings,
		Timestamp:    n.opts.Now().UTC(),
	}

	var normalized *evaluation.Transcript
	if sameScript(cfg.SourceScript, cfg.TargetScript) {
		copied := *source
		copied.Segments = append([]evaluation.Segment(nil), source.Segments...)
		normalized = &copied
	} else {
		var err error
		normalized, err = n.rewrite(ctx, cfg, source, sc, result)
		if err != nil {
			return nil, err
		}
	}
	normalized.Script = cfg.TargetScript

	if in.Pass == evaluation.NormalizeJudge {
		result.NormalizedJudge = normalized
	} else {
		result.NormalizedOriginal = normalized
	}
	sc.emit(100, "Normalization complete")
	return result, nil
}

func (n *Normalization) rewrite(ctx context.Context, cfg evaluation.PrerequisitesConfig, source *evaluation.Transcript, sc *Context, result *evaluation.NormalizationStepResult) (*evaluation.Transcript, error) {
	resolved := n.resolver.Resolve(normalizationPrompt(cfg), prompt.Context{
		Recording:          sc.Recording,
		OriginalTranscript: source,
		Language:           cfg.Language,
		SourceScript:       cfg.SourceScript,
		TargetScript:       cfg.TargetScript,
	})
	result.Warnings = append(result.Warnings, unresolvedWarnings(resolved.UnresolvedVariables)...)
	result.Model = cfg.Model

	segmented := source.HasSegments()
	schema := flatNormalizationSchema
	if segmented {
		schema = segmentedNormalizationSchema
	}

	sc.emit(20, fmt.Sprintf("Normalizing transcript to %s", cfg.TargetScript))
	resp, err := n.invoke(ctx, evaluation.LLMRequest{
		Model:       cfg.Model,
		Prompt:      resolved.Prompt,
		Schema:      schema,
		SchemaName:  "normalized_transcript",
		Temperature: cfg.Temperature,
	})
	if err != nil {
		return nil, err
	}
	sc.emit(90, "Parsing normalized transcript")

	normalized, err := response.ParseNormalization(resp.Text, resp.Parsed, segmented)
	if err != nil {
		return nil, err
	}
	if segmented {
		if len(normalized.Segments) != len(source.Segments) {
			return nil, &evaluation.ParseError{
				Step:   evaluation.StepNormalization,
				Reason: fmt.Sprintf("expected %d normalized segments, got %d", len(source.Segments), len(normalized.Segments)),
			}
		}
		for i := range normalized.Segments {
			keepAlignment(&normalized.Segments[i], source.Segments[i])
		}
		normalized.FullText = evaluation.JoinSegments(normalized.Segments)
	}
	return normalized, nil
}

// keepAlignment restores speaker and timing fields the model dropped.
func keepAlignment(dst *evaluation.Segment, src evaluation.Segment) {
	if dst.Speaker == "" {
		dst.Speaker = src.Speaker
	}
	if dst.StartTime == "" {
		dst.StartTime = src.StartTime
	}
	if dst.EndTime == "" {
		dst.EndTime = src.EndTime
	}
}

func sourceTranscript(pass evaluation.NormalizationTarget, sc *Context) (*evaluation.Transcript, error) {
	if pass == evaluation.NormalizeJudge {
		if sc == nil || sc.Previous.Transcription == nil {
			return nil, fmt.Errorf("no transcription output to normalize")
		}
		seg, ok := sc.Previous.Transcription.Output.(*evaluation.SegmentedTranscription)
		if !ok {
			return nil, fmt.Errorf("only segmented transcription output can be normalized")
		}
		return &evaluation.Transcript{Segments: seg.Segments, FullText: evaluation.JoinSegments(seg.Segments)}, nil
	}
	if sc == nil || sc.OriginalTranscript == nil {
		return nil, fmt.Errorf("recording has no reference transcript to normalize")
	}
	return sc.OriginalTranscript, nil
}

func normalizationPrompt(cfg evaluation.PrerequisitesConfig) string {
	if p := strings.TrimSpace(cfg.Prompt); p != "" {
		return p
	}
	return DefaultNormalizationPrompt
}

func sameScript(source, target string) bool {
	source, target = strings.TrimSpace(source), strings.TrimSpace(target)
	return source != "" && strings.EqualFold(source, target)
}

// durationMs is shared by the steps that record call latency.
func durationMs(d time.Duration) int64 {
	return d.Milliseconds()
}
