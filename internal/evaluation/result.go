package evaluation

import (
	"encoding/json"
	"time"
)

type NormalizationStepResult struct {
	SourceScript       string              `json:"sourceScript"`
	TargetScript       string              `json:"targetScript"`
	Target             NormalizationTarget `json:"target"`
	NormalizedOriginal *Transcript         `json:"normalizedOriginal,omitempty"`
	NormalizedJudge    *Transcript         `json:"normalizedJudge,omitempty"`
	Model              string              `json:"model,omitempty"`
	Warnings           []string            `json:"warnings,omitempty"`
	Timestamp          time.Time           `json:"timestamp"`
}

type TranscriptionStepResult struct {
	Skipped             bool                `json:"skipped"`
	SourceEvaluationID  string              `json:"sourceEvaluationId,omitempty"`
	Output              TranscriptionOutput `json:"-"`
	Model               string              `json:"model,omitempty"`
	UnresolvedVariables []string            `json:"unresolvedVariables,omitempty"`
	Warnings            []string            `json:"warnings,omitempty"`
	DurationMs          int64               `json:"durationMs"`
	Timestamp           time.Time           `json:"timestamp"`
}

type transcriptionResultAlias TranscriptionStepResult

type transcriptionResultJSON struct {
	transcriptionResultAlias
	Flow   Flow            `json:"flow,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

func (r TranscriptionStepResult) MarshalJSON() ([]byte, error) {
	env := transcriptionResultJSON{transcriptionResultAlias: transcriptionResultAlias(r)}
	if r.Output != nil {
		raw, err := json.Marshal(r.Output)
		if err != nil {
			return nil, err
		}
		env.Flow = r.Output.Flow()
		env.Output = raw
	}
	return json.Marshal(env)
}

func (r *TranscriptionStepResult) UnmarshalJSON(data []byte) error {
	var env transcriptionResultJSON
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	out, err := DecodeTranscriptionOutput(env.Flow, env.Output)
	if err != nil {
		return err
	}
	*r = TranscriptionStepResult(env.transcriptionResultAlias)
	r.Output = out
	return nil
}

type EvaluationStepResult struct {
	Output              EvaluationOutput `json:"-"`
	Model               string           `json:"model,omitempty"`
	UnresolvedVariables []string         `json:"unresolvedVariables,omitempty"`
	Warnings            []string         `json:"warnings,omitempty"`
	DurationMs          int64            `json:"durationMs"`
	Timestamp           time.Time        `json:"timestamp"`
}

type evaluationResultAlias EvaluationStepResult

type evaluationResultJSON struct {
	evaluationResultAlias
	Flow   Flow            `json:"flow,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

func (r EvaluationStepResult) MarshalJSON() ([]byte, error) {
	env := evaluationResultJSON{evaluationResultAlias: evaluationResultAlias(r)}
	if r.Output != nil {
		raw, err := json.Marshal(r.Output)
		if err != nil {
			return nil, err
		}
		env.Flow = r.Output.Flow()
		env.Output = raw
	}
	return json.Marshal(env)
}

func (r *EvaluationStepResult) UnmarshalJSON(data []byte) error {
	var env evaluationResultJSON
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	out, err := DecodeEvaluationOutput(env.Flow, env.Output)
	if err != nil {
		return err
	}
	*r = EvaluationStepResult(env.evaluationResultAlias)
	r.Output = out
	return nil
}

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// AIEvaluationV2 is the aggregate record of one pipeline run. The caller
// decides whether and where to persist it.
type AIEvaluationV2 struct {
	ID            string                   `json:"id"`
	AppID         string                   `json:"appId"`
	RecordingID   string                   `json:"recordingId"`
	CreatedAt     time.Time                `json:"createdAt"`
	Model         string                   `json:"model"`
	Status        Status                   `json:"status"`
	Error         string                   `json:"error,omitempty"`
	FailedAt      StepName                 `json:"failedAt,omitempty"`
	Config        EvaluationConfig         `json:"config"`
	Normalization *NormalizationStepResult `json:"normalization,omitempty"`
	Transcription *TranscriptionStepResult `json:"transcription,omitempty"`
	Evaluation    *EvaluationStepResult    `json:"evaluation,omitempty"`

	// Mirrors of the step outputs in the shape older consumers read. At most
	// one of LLMTranscript/JudgeOutput and one of Critique/APICritique is set.
	LLMTranscript *Transcript  `json:"llmTranscript,omitempty"`
	JudgeOutput   *JudgeOutput `json:"judgeOutput,omitempty"`
	Critique      *Critique    `json:"critique,omitempty"`
	APICritique   *APICritique `json:"apiCritique,omitempty"`
}

type JudgeOutput struct {
	Transcript     string          `json:"transcript"`
	StructuredData json.RawMessage `json:"structuredData,omitempty"`
}

type Critique struct {
	Segments          []SegmentCritique   `json:"segments"`
	OverallAssessment Assessment          `json:"overallAssessment"`
	Statistics        *CritiqueStatistics `json:"statistics,omitempty"`
	GeneratedAt       time.Time           `json:"generatedAt"`
	Model             string              `json:"model,omitempty"`
}

type APICritique struct {
	TranscriptComparison json.RawMessage `json:"transcriptComparison"`
	StructuredComparison json.RawMessage `json:"structuredComparison,omitempty"`
	OverallAssessment    Assessment      `json:"overallAssessment"`
	GeneratedAt          time.Time       `json:"generatedAt"`
	Model                string          `json:"model,omitempty"`
}

// ApplyLegacyMirrors derives the convenience fields from the step results.
func (e *AIEvaluationV2) ApplyLegacyMirrors() {
	e.LLMTranscript, e.JudgeOutput, e.Critique, e.APICritique = nil, nil, nil, nil

	if e.Transcription != nil {
		switch out := e.Transcription.Output.(type) {
		case *SegmentedTranscription:
			e.LLMTranscript = &Transcript{
				FullText: JoinSegments(out.Segments),
				Segments: out.Segments,
			}
		case *FlatTranscription:
			e.JudgeOutput = &JudgeOutput{Transcript: out.Input, StructuredData: out.Rx}
		}
	}

	if e.Evaluation != nil {
		switch out := e.Evaluation.Output.(type) {
		case *SegmentEvaluation:
			e.Critique = &Critique{
				Segments:          out.SegmentCritiques,
				OverallAssessment: out.OverallAssessment,
				Statistics:        out.Statistics,
				GeneratedAt:       e.Evaluation.Timestamp,
				Model:             e.Evaluation.Model,
			}
		case *ComparisonEvaluation:
			e.APICritique = &APICritique{
				TranscriptComparison: out.TranscriptComparison,
				StructuredComparison: out.StructuredComparison,
				OverallAssessment:    out.OverallAssessment,
				GeneratedAt:          e.Evaluation.Timestamp,
				Model:                e.Evaluation.Model,
			}
		}
	}
}
