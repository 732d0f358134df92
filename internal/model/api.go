package model

import (
	"encoding/json"
	"time"

	"evalflow/internal/evaluation"
)

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id,omitempty"`
}

type HealthResponse struct {
	OK bool `json:"ok"`
}

type ReadyResponse struct {
	OK          bool   `json:"ok"`
	ServiceName string `json:"service_name,omitempty"`
}

type RecordingResponse struct {
	ID          string                 `json:"id"`
	AppID       string                 `json:"app_id"`
	Name        string                 `json:"name,omitempty"`
	Language    string                 `json:"language,omitempty"`
	AudioFileID string                 `json:"audio_file_id,omitempty"`
	HasAudio    bool                   `json:"has_audio"`
	Transcript  *evaluation.Transcript `json:"transcript,omitempty"`
	APIResponse json.RawMessage        `json:"api_response,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

type RecordingListResponse struct {
	Recordings []RecordingResponse `json:"recordings"`
}

// EvaluationRequest is the body of a start-evaluation call. Empty step models
// are filled from the server's default model.
type EvaluationRequest struct {
	Prerequisites evaluation.PrerequisitesConfig  `json:"prerequisites"`
	Transcription evaluation.TranscriptionConfig  `json:"transcription"`
	Evaluation    evaluation.EvaluationStepConfig `json:"evaluation"`
}

func (r EvaluationRequest) Config() evaluation.EvaluationConfig {
	return evaluation.EvaluationConfig{
		Prerequisites: r.Prerequisites,
		Transcription: r.Transcription,
		Evaluation:    r.Evaluation,
	}
}

type EvaluationListResponse struct {
	Evaluations []*evaluation.AIEvaluationV2 `json:"evaluations"`
}

type RunResponse struct {
	ID           string                     `json:"id"`
	AppID        string                     `json:"app_id"`
	RecordingID  string                     `json:"recording_id"`
	Status       string                     `json:"status"`
	TotalSteps   int                        `json:"total_steps"`
	Progress     *evaluation.Progress       `json:"progress,omitempty"`
	EvaluationID string                     `json:"evaluation_id,omitempty"`
	Error        string                     `json:"error,omitempty"`
	FailedAt     evaluation.StepName        `json:"failed_at,omitempty"`
	StartedAt    time.Time                  `json:"started_at"`
	FinishedAt   *time.Time                 `json:"finished_at,omitempty"`
	DurationMS   int64                      `json:"duration_ms,omitempty"`
	Result       *evaluation.AIEvaluationV2 `json:"result,omitempty"`
}

type RunListResponse struct {
	Runs []RunResponse `json:"runs"`
}
