package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"evalflow/internal/evaluation"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestRecordingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	audioID, err := s.SaveAudio(ctx, []byte("RIFF-data"), "audio/wav", "../../visit.wav")
	if err != nil {
		t.Fatalf("SaveAudio: %v", err)
	}
	rec := &evaluation.Recording{
		AppID:       "voice-rx",
		Name:        "visit",
		AudioFileID: audioID,
		Transcript:  &evaluation.Transcript{Segments: []evaluation.Segment{{Speaker: "Doctor", Text: "hello"}}},
	}
	if err := s.SaveRecording(ctx, rec); err != nil {
		t.Fatalf("SaveRecording: %v", err)
	}
	if rec.ID == "" || rec.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamps, got %+v", rec)
	}

	got, err := s.GetByID(ctx, "voice-rx", rec.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID: %v %v", got, err)
	}
	if !got.Transcript.HasSegments() || got.Transcript.Segments[0].Text != "hello" {
		t.Fatalf("unexpected transcript: %+v", got.Transcript)
	}

	blob, err := s.GetBlob(ctx, got.AudioFileID)
	if err != nil || blob == nil {
		t.Fatalf("GetBlob: %v %v", blob, err)
	}
	if string(blob.Data) != "RIFF-data" || blob.MimeType != "audio/wav" || blob.Name != "visit.wav" {
		t.Fatalf("unexpected blob: %+v", blob)
	}
}

func TestMissingItemsReturnNil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if rec, err := s.GetByID(ctx, "app", "nope"); rec != nil || err != nil {
		t.Fatalf("GetByID = %v, %v", rec, err)
	}
	if blob, err := s.GetBlob(ctx, "nope"); blob != nil || err != nil {
		t.Fatalf("GetBlob = %v, %v", blob, err)
	}
	if out, err := s.GetPriorTranscription(ctx, "app", "rec", "nope"); out != nil || err != nil {
		t.Fatalf("GetPriorTranscription = %v, %v", out, err)
	}
}

func TestRejectsPathTraversal(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetByID(context.Background(), "app", "../secrets"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestEvaluationHistoryAndPriorTranscription(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	older := &evaluation.AIEvaluationV2{
		ID: "eval-1", AppID: "voice-rx", RecordingID: "rec-1", CreatedAt: base, Status: evaluation.StatusCompleted,
		Transcription: &evaluation.TranscriptionStepResult{Output: &evaluation.FlatTranscription{Input: "fever", Rx: []byte(`{"drug":"x"}`)}},
	}
	newer := &evaluation.AIEvaluationV2{
		ID: "eval-2", AppID: "voice-rx", RecordingID: "rec-1", CreatedAt: base.Add(time.Hour), Status: evaluation.StatusFailed,
	}
	other := &evaluation.AIEvaluationV2{ID: "eval-3", AppID: "voice-rx", RecordingID: "rec-2", CreatedAt: base}
	for _, rec := range []*evaluation.AIEvaluationV2{older, newer, other} {
		if err := s.SaveEvaluation(ctx, rec); err != nil {
			t.Fatalf("SaveEvaluation(%s): %v", rec.ID, err)
		}
	}

	list, err := s.ListEvaluations(ctx, "voice-rx", "rec-1")
	if err != nil {
		t.Fatalf("ListEvaluations: %v", err)
	}
	if len(list) != 2 || list[0].ID != "eval-2" || list[1].ID != "eval-1" {
		t.Fatalf("unexpected history order: %+v", list)
	}

	out, err := s.GetPriorTranscription(ctx, "voice-rx", "rec-1", "eval-1")
	if err != nil {
		t.Fatalf("GetPriorTranscription: %v", err)
	}
	flat, ok := out.(*evaluation.FlatTranscription)
	if !ok || flat.Input != "fever" {
		t.Fatalf("unexpected output: %#v", out)
	}
	if out, _ := s.GetPriorTranscription(ctx, "voice-rx", "rec-1", "eval-2"); out != nil {
		t.Fatalf("evaluation without transcription must yield nil, got %#v", out)
	}
}

func TestPriorTranscriptionIsScopedToRecording(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := &evaluation.AIEvaluationV2{
		ID: "eval-a", AppID: "app-1", RecordingID: "rec-a", CreatedAt: time.Now().UTC(),
		Transcription: &evaluation.TranscriptionStepResult{Output: &evaluation.FlatTranscription{Input: "private"}},
	}
	if err := s.SaveEvaluation(ctx, rec); err != nil {
		t.Fatalf("SaveEvaluation: %v", err)
	}

	cases := []struct {
		name        string
		appID       string
		recordingID string
		want        bool
	}{
		{"owner", "app-1", "rec-a", true},
		{"other recording", "app-1", "rec-b", false},
		{"other app", "app-2", "rec-a", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := s.GetPriorTranscription(ctx, tc.appID, tc.recordingID, "eval-a")
			if err != nil {
				t.Fatalf("GetPriorTranscription: %v", err)
			}
			if (out != nil) != tc.want {
				t.Fatalf("GetPriorTranscription = %#v, want found=%v", out, tc.want)
			}
		})
	}
}

func TestListRecordingsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	for _, name := range []string{"first", "second"} {
		if err := s.SaveRecording(ctx, &evaluation.Recording{AppID: "app", Name: name}); err != nil {
			t.Fatalf("SaveRecording: %v", err)
		}
	}
	list, err := s.ListRecordings(ctx, "app")
	if err != nil {
		t.Fatalf("ListRecordings: %v", err)
	}
	if len(list) != 2 || list[0].Name != "second" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if empty, err := s.ListRecordings(ctx, "unknown"); err != nil || len(empty) != 0 {
		t.Fatalf("unknown app = %v, %v", empty, err)
	}
}
