package response

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"evalflow/internal/evaluation"
)

func TestExtractJSONSkipsProseAndFences(t *testing.T) {
	text := "Sure! Here is the result:\n```json\n{\"input\": \"has a } brace\", \"rx\": {\"a\": [1, 2]}}\n```\nThanks."
	got := ExtractJSON(text)
	want := `{"input": "has a } brace", "rx": {"a": [1, 2]}}`
	if got != want {
		t.Fatalf("ExtractJSON() = %q, want %q", got, want)
	}
}

func TestExtractJSONSkipsInvalidCandidates(t *testing.T) {
	got := ExtractJSON(`see [note] then {"segments": []}`)
	if got != `{"segments": []}` {
		t.Fatalf("ExtractJSON() = %q", got)
	}
	if ExtractJSON("no json here") != "" {
		t.Fatal("expected empty result")
	}
}

func TestExtractJSONKeepsBackticksInsideValues(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"bare", "{\"input\":\"code: ```x```\"}", "{\"input\":\"code: ```x```\"}"},
		{"fenced", "Result:\n```json\n{\"input\":\"a ```b``` c\"}\n```\n", "{\"input\":\"a ```b``` c\"}"},
		{"inline fence", "```json{\"rx\":[1]}```", "{\"rx\":[1]}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractJSON(tc.text); got != tc.want {
				t.Fatalf("ExtractJSON() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExtractJSONLargeUnbalancedInput(t *testing.T) {
	started := time.Now()

	if got := ExtractJSON(strings.Repeat("{", 200000)); got != "" {
		t.Fatalf("ExtractJSON(unbalanced) = %q", got)
	}
	if got := ExtractJSON(strings.Repeat("[", 100000) + `{"a":1}`); got != `{"a":1}` {
		t.Fatalf("ExtractJSON(open prefix) = %q", got)
	}
	if got := ExtractJSON(strings.Repeat("[", 5000) + "x" + strings.Repeat("]", 5000)); got != "" {
		t.Fatalf("ExtractJSON(nested invalid) = %q", got)
	}

	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("extraction took %s", elapsed)
	}
}

func TestDecodePrefersStructuredPayload(t *testing.T) {
	raw, err := Decode(evaluation.StepTranscription, `{"input":"from text"}`, json.RawMessage(`{"input":"from schema"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(raw) != `{"input":"from schema"}` {
		t.Fatalf("raw = %s", raw)
	}
}

func TestDecodeDoesNotFallBackWhenStructuredPayloadIsBroken(t *testing.T) {
	_, err := Decode(evaluation.StepTranscription, `{"input":"from text"}`, json.RawMessage(`{"input":`))
	var parseErr *evaluation.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestParseTranscriptionSegments(t *testing.T) {
	text := `{"segments":[{"speaker":"Doctor","text":"hello","startTime":"00:00:00","endTime":"00:00:02"},{"speaker":"Patient","text":"hi","startTime":2,"endTime":4}]}`
	out, err := ParseTranscription(text, nil, evaluation.FlowSegments)
	if err != nil {
		t.Fatalf("ParseTranscription: %v", err)
	}
	seg, ok := out.(*evaluation.SegmentedTranscription)
	if !ok {
		t.Fatalf("output type = %T", out)
	}
	if len(seg.Segments) != 2 || seg.Segments[1].StartTime != "2" {
		t.Fatalf("unexpected segments: %+v", seg.Segments)
	}
}

func TestParseTranscriptionSegmentsAcceptsBareArray(t *testing.T) {
	out, err := ParseTranscription(`[{"speaker":"A","text":"x"}]`, nil, evaluation.FlowSegments)
	if err != nil {
		t.Fatalf("ParseTranscription: %v", err)
	}
	if got := len(out.(*evaluation.SegmentedTranscription).Segments); got != 1 {
		t.Fatalf("segments = %d", got)
	}
}

func TestParseTranscriptionSegmentsRequiresArray(t *testing.T) {
	_, err := ParseTranscription(`{"transcript":"plain"}`, nil, evaluation.FlowSegments)
	var parseErr *evaluation.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if parseErr.Step != evaluation.StepTranscription {
		t.Fatalf("step = %q", parseErr.Step)
	}
}

func TestParseTranscriptionFlat(t *testing.T) {
	out, err := ParseTranscription("", json.RawMessage(`{"input":" take rest ","rx":{"advice":"rest"}}`), evaluation.FlowAPI)
	if err != nil {
		t.Fatalf("ParseTranscription: %v", err)
	}
	flat := out.(*evaluation.FlatTranscription)
	if flat.Input != "take rest" || string(flat.Rx) != `{"advice":"rest"}` {
		t.Fatalf("unexpected output: %+v", flat)
	}

	if _, err := ParseTranscription(`{"rx":{}}`, nil, evaluation.FlowAPI); err == nil {
		t.Fatal("expected error when input is missing")
	}
}

func TestParseEvaluationSegments(t *testing.T) {
	text := `{"segments":[{"segmentIndex":2,"severity":"minor","confidence":0.7}],"overallAssessment":"good"}`
	out, err := ParseEvaluation(text, nil, evaluation.FlowSegments)
	if err != nil {
		t.Fatalf("ParseEvaluation: %v", err)
	}
	eval := out.(*evaluation.SegmentEvaluation)
	if len(eval.SegmentCritiques) != 1 || eval.SegmentCritiques[0].SegmentIndex != 2 {
		t.Fatalf("unexpected critiques: %+v", eval.SegmentCritiques)
	}
	if eval.SegmentCritiques[0].Confidence != "0.7" {
		t.Fatalf("confidence = %q", eval.SegmentCritiques[0].Confidence)
	}
	if eval.OverallAssessment.Summary != "good" {
		t.Fatalf("assessment = %+v", eval.OverallAssessment)
	}
}

func TestParseEvaluationFlat(t *testing.T) {
	text := `{"transcriptComparison":{"score":0.8},"rxComparison":{"fields":[]},"overallAssessment":{"summary":"fine"}}`
	out, err := ParseEvaluation(text, nil, evaluation.FlowAPI)
	if err != nil {
		t.Fatalf("ParseEvaluation: %v", err)
	}
	cmp := out.(*evaluation.ComparisonEvaluation)
	if string(cmp.StructuredComparison) != `{"fields":[]}` {
		t.Fatalf("structured comparison = %s", cmp.StructuredComparison)
	}
	if _, err := ParseEvaluation(`{"overallAssessment":"x"}`, nil, evaluation.FlowAPI); err == nil {
		t.Fatal("expected error without transcriptComparison")
	}
}

func TestParseNormalization(t *testing.T) {
	seg, err := ParseNormalization(`{"segments":[{"speaker":"A","text":"namaste"}]}`, nil, true)
	if err != nil {
		t.Fatalf("ParseNormalization segmented: %v", err)
	}
	if len(seg.Segments) != 1 || seg.Segments[0].Text != "namaste" {
		t.Fatalf("unexpected transcript: %+v", seg)
	}

	flat, err := ParseNormalization(`{"transcript":"namaste"}`, nil, false)
	if err != nil {
		t.Fatalf("ParseNormalization flat: %v", err)
	}
	if flat.FullText != "namaste" {
		t.Fatalf("full text = %q", flat.FullText)
	}
}
