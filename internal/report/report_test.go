package report

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"evalflow/internal/evaluation"
	"evalflow/internal/pipeline"
)

func TestRowFromSegmentedResult(t *testing.T) {
	res := pipeline.Result{
		Success: true,
		Record:  &evaluation.AIEvaluationV2{ID: "eval-1"},
		Transcription: &evaluation.TranscriptionStepResult{
			Output: &evaluation.SegmentedTranscription{Segments: make([]evaluation.Segment, 4)},
		},
		Evaluation: &evaluation.EvaluationStepResult{
			Output: &evaluation.SegmentEvaluation{
				SegmentCritiques: make([]evaluation.SegmentCritique, 2),
				Statistics:       &evaluation.CritiqueStatistics{TotalSegments: 4, Critical: 1, Accuracy: 0.5},
			},
		},
		Duration: 1500 * time.Millisecond,
	}

	row := RowFromResult("rec-1", "visit", res)
	if row.Status != "completed" || row.EvaluationID != "eval-1" || row.Flow != evaluation.FlowSegments {
		t.Fatalf("unexpected row: %+v", row)
	}
	if row.Segments != 4 || row.Critiques != 2 || row.Critical != 1 {
		t.Fatalf("unexpected counts: %+v", row)
	}
	if row.Accuracy == nil || *row.Accuracy != 0.5 {
		t.Fatalf("accuracy = %v", row.Accuracy)
	}
}

func TestRowFromFailedResult(t *testing.T) {
	row := RowFromResult("rec-2", "", pipeline.Result{
		Cancelled: true,
		Error:     "evaluation cancelled by user during transcription step",
		FailedAt:  evaluation.StepTranscription,
	})
	if row.Status != "cancelled" || row.FailedAt != evaluation.StepTranscription || row.Accuracy != nil {
		t.Fatalf("unexpected row: %+v", row)
	}
}

func TestWriteWorkbook(t *testing.T) {
	accuracy := 0.75
	rows := []Row{
		{RecordingID: "rec-1", RecordingName: "visit", EvaluationID: "eval-1", Status: "completed", Flow: evaluation.FlowSegments, Segments: 4, Critiques: 1, Accuracy: &accuracy, Duration: 2 * time.Second},
		{RecordingID: "rec-2", Status: "failed", FailedAt: evaluation.StepEvaluation, Error: "rate limited"},
	}
	path := filepath.Join(t.TempDir(), "report.xlsx")
	if err := Write(path, rows); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer func() { _ = f.Close() }()

	got, err := f.GetRows(resultsSheet)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(got) != 3 || got[0][0] != "Recording ID" {
		t.Fatalf("unexpected rows: %v", got)
	}
	if got[1][2] != "eval-1" || got[1][10] != "0.75" || got[2][4] != "evaluation" {
		t.Fatalf("unexpected data rows: %v", got[1:])
	}

	summary, err := f.GetRows(summarySheet)
	if err != nil {
		t.Fatalf("GetRows summary: %v", err)
	}
	if summary[1][1] != "1" || summary[2][1] != "1" || summary[4][1] != "2" {
		t.Fatalf("unexpected summary: %v", summary)
	}
}
