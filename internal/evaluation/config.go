package evaluation

import (
	"encoding/json"
	"strings"
)

type StepName string

const (
	StepNormalization StepName = "normalization"
	StepTranscription StepName = "transcription"
	StepEvaluation    StepName = "evaluation"
)

// NormalizationTarget selects which transcript(s) get rewritten into the
// target script before comparison.
type NormalizationTarget string

const (
	NormalizeOriginal NormalizationTarget = "original"
	NormalizeJudge    NormalizationTarget = "judge"
	NormalizeBoth     NormalizationTarget = "both"
)

func (t NormalizationTarget) IncludesOriginal() bool {
	return t == NormalizeOriginal || t == NormalizeBoth
}

func (t NormalizationTarget) IncludesJudge() bool {
	return t == NormalizeJudge || t == NormalizeBoth
}

func (t NormalizationTarget) Valid() bool {
	switch t {
	case NormalizeOriginal, NormalizeJudge, NormalizeBoth:
		return true
	default:
		return false
	}
}

type PrerequisitesConfig struct {
	NormalizationEnabled bool                `json:"normalizationEnabled"`
	NormalizationTarget  NormalizationTarget `json:"normalizationTarget,omitempty"`
	Language             string              `json:"language,omitempty"`
	SourceScript         string              `json:"sourceScript,omitempty"`
	TargetScript         string              `json:"targetScript,omitempty"`
	// Prompt and Model fall back to the built-in normalization prompt and the
	// transcription model when empty.
	Prompt      string  `json:"prompt,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type TranscriptionConfig struct {
	Prompt                string          `json:"prompt"`
	Model                 string          `json:"model"`
	Schema                json.RawMessage `json:"schema,omitempty"`
	Temperature           float64         `json:"temperature,omitempty"`
	UseSegments           bool            `json:"useSegments"`
	Skip                  bool            `json:"skip,omitempty"`
	ReuseFromEvaluationID string          `json:"reuseFromEvaluationId,omitempty"`
}

type EvaluationStepConfig struct {
	Prompt      string          `json:"prompt"`
	Model       string          `json:"model"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

// EvaluationConfig is the user-chosen plan for one pipeline run. It is treated
// as immutable once a run starts.
type EvaluationConfig struct {
	Prerequisites PrerequisitesConfig  `json:"prerequisites"`
	Transcription TranscriptionConfig  `json:"transcription"`
	Evaluation    EvaluationStepConfig `json:"evaluation"`
}

// TotalSteps is 2, plus 1 when normalization is enabled.
func (c EvaluationConfig) TotalSteps() int {
	if c.Prerequisites.NormalizationEnabled {
		return 3
	}
	return 2
}

// Steps lists the planned steps in execution order.
func (c EvaluationConfig) Steps() []StepName {
	steps := make([]StepName, 0, 3)
	if c.Prerequisites.NormalizationEnabled {
		steps = append(steps, StepNormalization)
	}
	return append(steps, StepTranscription, StepEvaluation)
}

func (c EvaluationConfig) Flow() Flow {
	if c.Transcription.UseSegments {
		return FlowSegments
	}
	return FlowAPI
}

// PrimaryModel is the model recorded on the aggregate evaluation.
func (c EvaluationConfig) PrimaryModel() string {
	if !c.Transcription.Skip && strings.TrimSpace(c.Transcription.Model) != "" {
		return strings.TrimSpace(c.Transcription.Model)
	}
	return strings.TrimSpace(c.Evaluation.Model)
}

// WithDefaults fills empty models with model and an empty normalization target
// with NormalizeOriginal.
func (c EvaluationConfig) WithDefaults(model string) EvaluationConfig {
	model = strings.TrimSpace(model)
	if strings.TrimSpace(c.Transcription.Model) == "" && !c.Transcription.Skip {
		c.Transcription.Model = model
	}
	if strings.TrimSpace(c.Evaluation.Model) == "" {
		c.Evaluation.Model = model
	}
	if c.Prerequisites.NormalizationEnabled {
		if c.Prerequisites.NormalizationTarget == "" {
			c.Prerequisites.NormalizationTarget = NormalizeOriginal
		}
		if strings.TrimSpace(c.Prerequisites.Model) == "" {
			if c.Transcription.Model != "" {
				c.Prerequisites.Model = c.Transcription.Model
			} else {
				c.Prerequisites.Model = model
			}
		}
	}
	return c
}
