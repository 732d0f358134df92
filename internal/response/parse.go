package response

import (
	"encoding/json"
	"fmt"
	"strings"

	"evalflow/internal/evaluation"
)

// ParseTranscription maps a transcription response onto the output shape
// selected by flow.
func ParseTranscription(text string, parsed json.RawMessage, flow evaluation.Flow) (evaluation.TranscriptionOutput, error) {
	const step = evaluation.StepTranscription
	raw, err := Decode(step, text, parsed)
	if err != nil {
		return nil, err
	}

	switch flow {
	case evaluation.FlowSegments:
		segments, err := decodeSegments(step, raw, "segments", "conversation")
		if err != nil {
			return nil, err
		}
		return &evaluation.SegmentedTranscription{Segments: segments}, nil
	case evaluation.FlowAPI:
		fields, err := decodeObject(step, raw)
		if err != nil {
			return nil, err
		}
		var input string
		if err := decodeRequired(step, fields, &input, "input"); err != nil {
			return nil, err
		}
		out := &evaluation.FlatTranscription{Input: strings.TrimSpace(input)}
		if rx, ok := fields["rx"]; ok && string(rx) != "null" {
			out.Rx = rx
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown flow %q", flow)
	}
}

// ParseEvaluation maps an evaluation response onto the shape matching the
// transcription flow.
func ParseEvaluation(text string, parsed json.RawMessage, flow evaluation.Flow) (evaluation.EvaluationOutput, error) {
	const step = evaluation.StepEvaluation
	raw, err := Decode(step, text, parsed)
	if err != nil {
		return nil, err
	}

	switch flow {
	case evaluation.FlowSegments:
		var critiques []evaluation.SegmentCritique
		var assessment evaluation.Assessment
		if isArray(raw) {
			if err := json.Unmarshal(raw, &critiques); err != nil {
				return nil, &evaluation.ParseError{Step: step, Reason: "invalid segment critiques", Raw: truncate(string(raw)), Err: err}
			}
		} else {
			fields, err := decodeObject(step, raw)
			if err != nil {
				return nil, err
			}
			if err := decodeRequired(step, fields, &critiques, "segments", "segmentCritiques", "critiques"); err != nil {
				return nil, err
			}
			if err := decodeOptional(step, fields, &assessment, "overallAssessment"); err != nil {
				return nil, err
			}
		}
		if critiques == nil {
			critiques = []evaluation.SegmentCritique{}
		}
		return &evaluation.SegmentEvaluation{SegmentCritiques: critiques, OverallAssessment: assessment}, nil
	case evaluation.FlowAPI:
		fields, err := decodeObject(step, raw)
		if err != nil {
			return nil, err
		}
		out := &evaluation.ComparisonEvaluation{}
		if err := decodeRequired(step, fields, &out.TranscriptComparison, "transcriptComparison"); err != nil {
			return nil, err
		}
		if err := decodeOptional(step, fields, &out.StructuredComparison, "structuredComparison", "rxComparison"); err != nil {
			return nil, err
		}
		if err := decodeOptional(step, fields, &out.OverallAssessment, "overallAssessment"); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown flow %q", flow)
	}
}

// ParseNormalization returns the rewritten transcript. Segmented input must
// come back as segments; flat input as a "transcript" string.
func ParseNormalization(text string, parsed json.RawMessage, segmented bool) (*evaluation.Transcript, error) {
	const step = evaluation.StepNormalization
	raw, err := Decode(step, text, parsed)
	if err != nil {
		return nil, err
	}

	if segmented {
		segments, err := decodeSegments(step, raw, "segments", "normalizedSegments")
		if err != nil {
			return nil, err
		}
		return &evaluation.Transcript{Segments: segments}, nil
	}

	fields, err := decodeObject(step, raw)
	if err != nil {
		return nil, err
	}
	var transcript string
	if err := decodeRequired(step, fields, &transcript, "transcript", "normalizedTranscript"); err != nil {
		return nil, err
	}
	return &evaluation.Transcript{FullText: strings.TrimSpace(transcript)}, nil
}

func decodeSegments(step evaluation.StepName, raw json.RawMessage, keys ...string) ([]evaluation.Segment, error) {
	var segments []evaluation.Segment
	if isArray(raw) {
		if err := json.Unmarshal(raw, &segments); err != nil {
			return nil, &evaluation.ParseError{Step: step, Reason: "invalid segments", Raw: truncate(string(raw)), Err: err}
		}
		return segments, nil
	}

	fields, err := decodeObject(step, raw)
	if err != nil {
		return nil, err
	}
	if err := decodeRequired(step, fields, &segments, keys...); err != nil {
		return nil, err
	}
	if segments == nil {
		return nil, &evaluation.ParseError{Step: step, Reason: "segments array is missing", Raw: truncate(string(raw))}
	}
	return segments, nil
}

func decodeObject(step evaluation.StepName, raw json.RawMessage) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, &evaluation.ParseError{Step: step, Reason: "expected a JSON object", Raw: truncate(string(raw)), Err: err}
	}
	return fields, nil
}

// decodeRequired decodes the first present, non-null key into dst.
func decodeRequired(step evaluation.StepName, fields map[string]json.RawMessage, dst any, keys ...string) error {
	found, err := decodeFirst(step, fields, dst, keys)
	if err != nil {
		return err
	}
	if !found {
		return &evaluation.ParseError{Step: step, Reason: fmt.Sprintf("missing field %q", keys[0])}
	}
	return nil
}

func decodeOptional(step evaluation.StepName, fields map[string]json.RawMessage, dst any, keys ...string) error {
	_, err := decodeFirst(step, fields, dst, keys)
	return err
}

func decodeFirst(step evaluation.StepName, fields map[string]json.RawMessage, dst any, keys []string) (bool, error) {
	for _, key := range keys {
		value, ok := fields[key]
		if !ok || string(value) == "null" {
			continue
		}
		if err := json.Unmarshal(value, dst); err != nil {
			return false, &evaluation.ParseError{Step: step, Reason: fmt.Sprintf("invalid field %q", key), Raw: truncate(string(value)), Err: err}
		}
		return true, nil
	}
	return false, nil
}

func isArray(raw json.RawMessage) bool {
	return strings.HasPrefix(strings.TrimSpace(string(raw)), "[")
}
