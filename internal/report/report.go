package report

import (
	"fmt"
	"math"
	"time"

	"github.com/xuri/excelize/v2"

	"evalflow/internal/evaluation"
	"evalflow/internal/pipeline"
)

const (
	resultsSheet = "Evaluations"
	summarySheet = "Summary"
)

var header = []any{
	"Recording ID", "Recording", "Evaluation ID", "Status", "Failed Step", "Error",
	"Flow", "Segments", "Critiques", "Critical", "Accuracy", "Duration (s)",
}

// Row is one batch outcome.
type Row struct {
	RecordingID   string
	RecordingName string
	EvaluationID  string
	Status        string
	FailedAt      evaluation.StepName
	Error         string
	Flow          evaluation.Flow
	Segments      int
	Critiques     int
	Critical      int
	Accuracy      *float64
	Duration      time.Duration
}

// RowFromResult summarises a pipeline result for the report.
func RowFromResult(recordingID, recordingName string, res pipeline.Result) Row {
	row := Row{
		RecordingID:   recordingID,
		RecordingName: recordingName,
		Error:         res.Error,
		FailedAt:      res.FailedAt,
		Duration:      res.Duration,
	}
	switch {
	case res.Success:
		row.Status = "completed"
	case res.Cancelled:
		row.Status = "cancelled"
	default:
		row.Status = "failed"
	}
	if res.Record != nil {
		row.EvaluationID = res.Record.ID
	}

	if res.Transcription != nil && res.Transcription.Output != nil {
		row.Flow = res.Transcription.Output.Flow()
		if seg, ok := res.Transcription.Output.(*evaluation.SegmentedTranscription); ok {
			row.Segments = len(seg.Segments)
		}
	}
	if res.Evaluation != nil {
		if out, ok := res.Evaluation.Output.(*evaluation.SegmentEvaluation); ok {
			row.Critiques = len(out.SegmentCritiques)
			if out.Statistics != nil {
				row.Critical = out.Statistics.Critical
				accuracy := out.Statistics.Accuracy
				row.Accuracy = &accuracy
			}
		}
	}
	return row
}

// Write saves rows to an xlsx workbook with a per-recording sheet and a
// status summary sheet.
func Write(path string, rows []Row) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", resultsSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(resultsSheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create style: %w", err)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(header))
	if err := f.SetCellStyle(resultsSheet, "A1", lastCol+"1", bold); err != nil {
		return fmt.Errorf("style header: %w", err)
	}

	counts := map[string]int{}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := []any{
			row.RecordingID, row.RecordingName, row.EvaluationID, row.Status, string(row.FailedAt), row.Error,
			string(row.Flow), row.Segments, row.Critiques, row.Critical, nil, round(row.Duration.Seconds(), 2),
		}
		if row.Accuracy != nil {
			values[10] = *row.Accuracy
		}
		if err := f.SetSheetRow(resultsSheet, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
		counts[row.Status]++
	}
	if err := f.SetColWidth(resultsSheet, "A", "C", 38); err != nil {
		return err
	}
	if err := f.SetColWidth(resultsSheet, "F", "F", 60); err != nil {
		return err
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("create summary sheet: %w", err)
	}
	summary := [][]any{
		{"Status", "Count"},
		{"completed", counts["completed"]},
		{"failed", counts["failed"]},
		{"cancelled", counts["cancelled"]},
		{"total", len(rows)},
	}
	for i, line := range summary {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &line); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	if err := f.SetCellStyle(summarySheet, "A1", "B1", bold); err != nil {
		return err
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func round(v float64, places int) float64 {
	pow := math.Pow10(places)
	return math.Round(v*pow) / pow
}
