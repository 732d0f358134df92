package evaluation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Flow is the output shape shared by the transcription and evaluation steps.
type Flow string

const (
	FlowSegments Flow = "segments"
	FlowAPI      Flow = "api"
)

// TranscriptionOutput is either *SegmentedTranscription or *FlatTranscription.
type TranscriptionOutput interface {
	Flow() Flow
	isTranscriptionOutput()
}

type SegmentedTranscription struct {
	Segments []Segment `json:"segments"`
}

func (*SegmentedTranscription) Flow() Flow             { return FlowSegments }
func (*SegmentedTranscription) isTranscriptionOutput() {}

// FlatTranscription is a single transcript plus an arbitrary structured
// extraction record.
type FlatTranscription struct {
	Input string          `json:"input"`
	Rx    json.RawMessage `json:"rx,omitempty"`
}

func (*FlatTranscription) Flow() Flow             { return FlowAPI }
func (*FlatTranscription) isTranscriptionOutput() {}

// EvaluationOutput is either *SegmentEvaluation or *ComparisonEvaluation.
type EvaluationOutput interface {
	Flow() Flow
	isEvaluationOutput()
}

type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityCritical Severity = "critical"
)

type SegmentCritique struct {
	SegmentIndex  int        `json:"segmentIndex"`
	OriginalText  string     `json:"originalText,omitempty"`
	JudgeText     string     `json:"judgeText,omitempty"`
	Discrepancy   string     `json:"discrepancy,omitempty"`
	LikelyCorrect string     `json:"likelyCorrect,omitempty"`
	Confidence    FlexString `json:"confidence,omitempty"`
	Severity      Severity   `json:"severity,omitempty"`
	Category      string     `json:"category,omitempty"`
}

// Assessment decodes from either a bare string or an object.
type Assessment struct {
	Summary        string   `json:"summary"`
	Score          *float64 `json:"score,omitempty"`
	Strengths      []string `json:"strengths,omitempty"`
	Weaknesses     []string `json:"weaknesses,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
}

func (a *Assessment) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		return json.Unmarshal(data, &a.Summary)
	}
	type plain Assessment
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = Assessment(p)
	return nil
}

type CritiqueStatistics struct {
	TotalSegments int     `json:"totalSegments"`
	Critiqued     int     `json:"critiqued"`
	Matches       int     `json:"matches"`
	Minor         int     `json:"minor"`
	Moderate      int     `json:"moderate"`
	Critical      int     `json:"critical"`
	Accuracy      float64 `json:"accuracy"`
}

type SegmentEvaluation struct {
	SegmentCritiques  []SegmentCritique   `json:"segmentCritiques"`
	OverallAssessment Assessment          `json:"overallAssessment"`
	Statistics        *CritiqueStatistics `json:"statistics,omitempty"`
}

func (*SegmentEvaluation) Flow() Flow          { return FlowSegments }
func (*SegmentEvaluation) isEvaluationOutput() {}

type ComparisonEvaluation struct {
	TranscriptComparison json.RawMessage `json:"transcriptComparison"`
	StructuredComparison json.RawMessage `json:"structuredComparison,omitempty"`
	OverallAssessment    Assessment      `json:"overallAssessment"`
}

func (*ComparisonEvaluation) Flow() Flow          { return FlowAPI }
func (*ComparisonEvaluation) isEvaluationOutput() {}

// DecodeTranscriptionOutput rebuilds a stored transcription output from its
// flow tag. A nil raw value yields a nil output.
func DecodeTranscriptionOutput(flow Flow, raw json.RawMessage) (TranscriptionOutput, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch flow {
	case FlowSegments:
		var out SegmentedTranscription
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return &out, nil
	case FlowAPI:
		var out FlatTranscription
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return &out, nil
	default:
		return nil, fmt.Errorf("unknown transcription flow %q", flow)
	}
}

func DecodeEvaluationOutput(flow Flow, raw json.RawMessage) (EvaluationOutput, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch flow {
	case FlowSegments:
		var out SegmentEvaluation
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return &out, nil
	case FlowAPI:
		var out ComparisonEvaluation
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return &out, nil
	default:
		return nil, fmt.Errorf("unknown evaluation flow %q", flow)
	}
}
