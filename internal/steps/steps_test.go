package steps

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"evalflow/internal/evaluation"
)

type fakeTransport struct {
	mu       sync.Mutex
	requests []evaluation.LLMRequest
	respond  func(ctx context.Context, req evaluation.LLMRequest) (evaluation.LLMResponse, error)
}

func (f *fakeTransport) Invoke(ctx context.Context, req evaluation.LLMRequest) (evaluation.LLMResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.respond(ctx, req)
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func textResponse(text string) func(context.Context, evaluation.LLMRequest) (evaluation.LLMResponse, error) {
	return func(context.Context, evaluation.LLMRequest) (evaluation.LLMResponse, error) {
		return evaluation.LLMResponse{Text: text}, nil
	}
}

type fakeHistory struct {
	outputs map[string]evaluation.TranscriptionOutput
}

func (f fakeHistory) GetPriorTranscription(_ context.Context, appID, recordingID, id string) (evaluation.TranscriptionOutput, error) {
	return f.outputs[appID+"/"+recordingID+"/"+id], nil
}

func testContext() (*Context, *[]int) {
	var progress []int
	var mu sync.Mutex
	return &Context{
		AppID:       "voice-rx",
		RecordingID: "rec-1",
		Recording:   &evaluation.Recording{ID: "rec-1", Name: "visit"},
		Audio:       &evaluation.Blob{Data: []byte("RIFF"), MimeType: "audio/wav"},
		OriginalTranscript: &evaluation.Transcript{Segments: []evaluation.Segment{
			{Speaker: "Doctor", Text: "kaise ho", StartTime: "0", EndTime: "2"},
			{Speaker: "Patient", Text: "bukhar hai", StartTime: "2", EndTime: "4"},
		}},
		Emit: func(p int, _ string) {
			mu.Lock()
			progress = append(progress, p)
			mu.Unlock()
		},
	}, &progress
}

func TestTranscriptionSkipReusesPriorOutputWithoutTransport(t *testing.T) {
	prior := &evaluation.SegmentedTranscription{Segments: []evaluation.Segment{{Speaker: "A", Text: "x"}}}
	transport := &fakeTransport{respond: textResponse(`{}`)}
	exec := NewTranscription(transport, nil, fakeHistory{outputs: map[string]evaluation.TranscriptionOutput{"voice-rx/rec-1/eval-0": prior}}, Options{})
	sc, _ := testContext()

	res, err := exec.Execute(context.Background(), evaluation.TranscriptionConfig{Skip: true, ReuseFromEvaluationID: "eval-0", UseSegments: true}, sc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if transport.calls() != 0 {
		t.Fatalf("transport called %d times", transport.calls())
	}
	if !res.Skipped || res.SourceEvaluationID != "eval-0" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Output != prior {
		t.Fatal("expected the prior output to be returned unchanged")
	}
}

func TestTranscriptionSkipWithoutPriorFailsValidation(t *testing.T) {
	transport := &fakeTransport{respond: textResponse(`{}`)}
	exec := NewTranscription(transport, nil, fakeHistory{}, Options{})
	sc, _ := testContext()

	_, err := exec.Execute(context.Background(), evaluation.TranscriptionConfig{Skip: true, ReuseFromEvaluationID: "missing"}, sc)
	var verr *evaluation.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if transport.calls() != 0 {
		t.Fatal("transport must not be called")
	}
}

func TestTranscriptionValidationPreventsInvocation(t *testing.T) {
	transport := &fakeTransport{respond: textResponse(`{}`)}
	exec := NewTranscription(transport, nil, nil, Options{})
	sc, _ := testContext()
	sc.Audio = nil

	v := exec.Validate(evaluation.TranscriptionConfig{Model: "m1"}, sc)
	if v.Valid() || len(v.Errors) != 2 {
		t.Fatalf("expected prompt and audio errors, got %+v", v)
	}
	if _, err := exec.Execute(context.Background(), evaluation.TranscriptionConfig{Model: "m1"}, sc); err == nil {
		t.Fatal("expected validation error")
	}
	if transport.calls() != 0 {
		t.Fatal("transport must not be called")
	}
}

func TestTranscriptionSegmentedFlow(t *testing.T) {
	transport := &fakeTransport{respond: textResponse("```json\n{\"segments\":[{\"speaker\":\"Doctor\",\"text\":\"kaise ho\"},{\"speaker\":\"Patient\",\"text\":\"bukhar\"}]}\n```")}
	exec := NewTranscription(transport, nil, nil, Options{})
	sc, progress := testContext()

	res, err := exec.Execute(context.Background(), evaluation.TranscriptionConfig{
		Prompt:      "Transcribe {{audio}} into these windows:\n{{time_windows}}",
		Model:       "m1",
		UseSegments: true,
	}, sc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	seg, ok := res.Output.(*evaluation.SegmentedTranscription)
	if !ok || len(seg.Segments) != 2 {
		t.Fatalf("unexpected output: %#v", res.Output)
	}
	req := transport.requests[0]
	if req.Audio == nil || req.Model != "m1" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if got := (*progress)[len(*progress)-1]; got != 100 {
		t.Fatalf("last progress = %d, want 100", got)
	}
}

func TestTranscriptionWarningsKeepValidationAndPromptNotes(t *testing.T) {
	transport := &fakeTransport{respond: textResponse(`{"segments":[{"speaker":"A","text":"x"}]}`)}
	exec := NewTranscription(transport, nil, nil, Options{})
	sc, _ := testContext()
	sc.OriginalTranscript = nil

	res, err := exec.Execute(context.Background(), evaluation.TranscriptionConfig{
		Prompt:      "Transcribe {{audio}} for {{clinic_name}}",
		Model:       "m1",
		UseSegments: true,
	}, sc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []string{
		"recording has no reference segments; time windows are unavailable to the prompt",
		"unresolved prompt variables: clinic_name",
	}
	if len(res.Warnings) != len(want) {
		t.Fatalf("warnings = %q, want %q", res.Warnings, want)
	}
	for i := range want {
		if res.Warnings[i] != want[i] {
			t.Fatalf("warnings[%d] = %q, want %q", i, res.Warnings[i], want[i])
		}
	}
}

func TestCancelDuringInvocationSurfacesCancellation(t *testing.T) {
	transport := &fakeTransport{}
	exec := NewTranscription(transport, nil, nil, Options{})
	transport.respond = func(context.Context, evaluation.LLMRequest) (evaluation.LLMResponse, error) {
		exec.Cancel()
		return evaluation.LLMResponse{Text: `{"input":"late"}`}, nil
	}
	sc, _ := testContext()
	cfg := evaluation.TranscriptionConfig{Prompt: "p", Model: "m1"}

	_, err := exec.Execute(context.Background(), cfg, sc)
	if !errors.Is(err, evaluation.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	transport.respond = textResponse(`{"input":"second run"}`)
	res, err := exec.Execute(context.Background(), cfg, sc)
	if err != nil {
		t.Fatalf("flag must reset on a new Execute: %v", err)
	}
	if res.Output.(*evaluation.FlatTranscription).Input != "second run" {
		t.Fatalf("unexpected output: %+v", res.Output)
	}
}

func TestExecuteRefusesCancelledContext(t *testing.T) {
	transport := &fakeTransport{respond: textResponse(`{}`)}
	exec := NewEvaluation(transport, nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sc, _ := testContext()

	_, err := exec.Execute(ctx, evaluation.EvaluationStepConfig{Prompt: "p", Model: "m1"}, sc)
	var cerr *evaluation.CancellationError
	if !errors.As(err, &cerr) || cerr.Step != evaluation.StepEvaluation {
		t.Fatalf("expected CancellationError for evaluation, got %v", err)
	}
	if transport.calls() != 0 {
		t.Fatal("transport must not be called")
	}
}

func TestNormalizationSameScriptSkipsModel(t *testing.T) {
	transport := &fakeTransport{respond: textResponse(`{}`)}
	exec := NewNormalization(transport, nil, Options{})
	sc, _ := testContext()

	res, err := exec.Execute(context.Background(), NormalizationInput{
		Config: evaluation.PrerequisitesConfig{NormalizationEnabled: true, SourceScript: "Latin", TargetScript: "latin"},
		Pass:   evaluation.NormalizeOriginal,
	}, sc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if transport.calls() != 0 {
		t.Fatal("transport must not be called")
	}
	if res.NormalizedOriginal == nil || len(res.NormalizedOriginal.Segments) != 2 || res.NormalizedJudge != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected a warning about identical scripts")
	}
}

func TestNormalizationRewritesAndKeepsAlignment(t *testing.T) {
	transport := &fakeTransport{respond: func(_ context.Context, req evaluation.LLMRequest) (evaluation.LLMResponse, error) {
		return evaluation.LLMResponse{Parsed: json.RawMessage(`{"segments":[{"text":"कैसे हो"},{"text":"बुखार है"}]}`)}, nil
	}}
	exec := NewNormalization(transport, nil, Options{})
	sc, _ := testContext()

	res, err := exec.Execute(context.Background(), NormalizationInput{
		Config: evaluation.PrerequisitesConfig{SourceScript: "Latin", TargetScript: "Devanagari", Language: "hi", Model: "m1"},
		Pass:   evaluation.NormalizeOriginal,
	}, sc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := res.NormalizedOriginal.Segments[1]
	if got.Speaker != "Patient" || got.StartTime != "2" || got.Text != "बुखार है" {
		t.Fatalf("unexpected segment: %+v", got)
	}
	if res.NormalizedOriginal.Script != "Devanagari" {
		t.Fatalf("script = %q", res.NormalizedOriginal.Script)
	}
	if len(transport.requests[0].Schema) == 0 {
		t.Fatal("expected the built-in schema on the request")
	}
}

func TestNormalizationSegmentMismatchIsParseError(t *testing.T) {
	transport := &fakeTransport{respond: textResponse(`{"segments":[{"text":"only one"}]}`)}
	exec := NewNormalization(transport, nil, Options{})
	sc, _ := testContext()

	_, err := exec.Execute(context.Background(), NormalizationInput{
		Config: evaluation.PrerequisitesConfig{SourceScript: "Latin", TargetScript: "Devanagari", Model: "m1"},
		Pass:   evaluation.NormalizeOriginal,
	}, sc)
	var perr *evaluation.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestEvaluationSegmentedComputesStatistics(t *testing.T) {
	transport := &fakeTransport{respond: textResponse(`{"segments":[{"segmentIndex":1,"severity":"critical"}],"overallAssessment":"one error"}`)}
	exec := NewEvaluation(transport, nil, Options{})
	sc, _ := testContext()
	sc.Previous.Transcription = &evaluation.TranscriptionStepResult{
		Output: &evaluation.SegmentedTranscription{Segments: []evaluation.Segment{{Text: "kaise ho"}, {Text: "bukhar nahi"}}},
	}

	res, err := exec.Execute(context.Background(), evaluation.EvaluationStepConfig{Prompt: "{{transcript}} vs {{llm_transcript}}", Model: "m1"}, sc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := res.Output.(*evaluation.SegmentEvaluation)
	if out.Statistics == nil || out.Statistics.Critical != 1 || out.Statistics.Matches != 1 || out.Statistics.Accuracy != 0.5 {
		t.Fatalf("unexpected statistics: %+v", out.Statistics)
	}
	if len(res.UnresolvedVariables) != 0 {
		t.Fatalf("unresolved = %v", res.UnresolvedVariables)
	}
}

func TestEvaluationFlatRequiresReference(t *testing.T) {
	exec := NewEvaluation(&fakeTransport{respond: textResponse(`{}`)}, nil, Options{})
	sc, _ := testContext()
	sc.OriginalTranscript = nil
	sc.Previous.Transcription = &evaluation.TranscriptionStepResult{Output: &evaluation.FlatTranscription{Input: "x"}}

	v := exec.Validate(evaluation.EvaluationStepConfig{Prompt: "p", Model: "m1"}, sc)
	if v.Valid() {
		t.Fatal("expected validation error without reference data")
	}

	sc.APIResponse = json.RawMessage(`{"rx":{}}`)
	if v := exec.Validate(evaluation.EvaluationStepConfig{Prompt: "p", Model: "m1"}, sc); !v.Valid() {
		t.Fatalf("unexpected errors: %v", v.Errors)
	}
}

func TestCurveProgressIsBoundedAndMonotonic(t *testing.T) {
	expected := 180 * time.Second
	last := 0
	for _, elapsed := range []time.Duration{0, time.Second, 90 * time.Second, 179 * time.Second, 10 * time.Minute} {
		got := curveProgress(elapsed, expected)
		if got < last || got < curveStart || got > curveEnd {
			t.Fatalf("curveProgress(%s) = %d", elapsed, got)
		}
		last = got
	}
	if last != curveEnd {
		t.Fatalf("ceiling = %d, want %d", last, curveEnd)
	}
}
