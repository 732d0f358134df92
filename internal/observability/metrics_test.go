package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"evalflow/internal/evaluation"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestPipelineMetrics(t *testing.T) {
	m := NewMetrics()

	m.ObserveRun("completed", 3*time.Second)
	m.ObserveRun("completed", time.Second)
	m.ObserveRun("cancelled", time.Second)
	m.ObserveStep(evaluation.StepTranscription, "completed", 2*time.Second)
	m.SetActiveRuns(3)

	out := scrape(t, m)
	for _, want := range []string{
		`evalflow_pipeline_runs_total{status="completed"} 2`,
		`evalflow_pipeline_runs_total{status="cancelled"} 1`,
		`evalflow_pipeline_step_duration_seconds_count{status="completed",step="transcription"} 1`,
		`evalflow_active_runs 3`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestHTTPAndUpstreamMetrics(t *testing.T) {
	m := NewMetrics()
	m.ObserveHTTP("/healthz", "GET", 200, time.Millisecond)
	m.ObserveHTTP("", "", 500, time.Millisecond)
	m.ObserveUpstream("chat_completions", 429, time.Second)

	out := scrape(t, m)
	for _, want := range []string{
		`evalflow_http_requests_total{method="GET",route="/healthz",status="200"} 1`,
		`evalflow_http_requests_total{method="UNKNOWN",route="unknown",status="500"} 1`,
		`evalflow_upstream_requests_total{endpoint="chat_completions",status="429"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveHTTP("/", "GET", 200, time.Millisecond)
	m.ObserveUpstream("models", 200, time.Millisecond)
	m.ObserveRun("failed", time.Second)
	m.ObserveStep(evaluation.StepEvaluation, "failed", time.Second)
	m.SetActiveRuns(1)
}
