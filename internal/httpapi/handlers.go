package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"evalflow/internal/evaluation"
	"evalflow/internal/model"
	"evalflow/internal/runs"
)

func (s *server) handleCreateRecording(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(minInt64(s.cfg.MaxUploadBytes, 8<<20)); err != nil {
		s.handleMultipartReadError(w, r, err)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	rec := &evaluation.Recording{
		AppID:    appID,
		Name:     strings.TrimSpace(r.FormValue("name")),
		Language: strings.TrimSpace(r.FormValue("language")),
	}

	if raw := strings.TrimSpace(r.FormValue("transcript")); raw != "" {
		transcript, err := parseTranscriptField(raw)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid_request", "transcript must be a transcript object or plain text", map[string]any{"error": err.Error()})
			return
		}
		rec.Transcript = transcript
	}
	if raw := strings.TrimSpace(r.FormValue("api_response")); raw != "" {
		if !json.Valid([]byte(raw)) {
			s.writeError(w, r, http.StatusBadRequest, "invalid_request", "api_response must be valid JSON", nil)
			return
		}
		rec.APIResponse = json.RawMessage(raw)
	}

	var audio []byte
	var audioName, audioType string
	file, header, err := r.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		s.handleMultipartReadError(w, r, err)
		return
	default:
		audio, err = io.ReadAll(file)
		_ = file.Close()
		if err != nil {
			s.handleMultipartReadError(w, r, err)
			return
		}
		if len(audio) == 0 {
			s.writeError(w, r, http.StatusBadRequest, "invalid_request", "multipart field 'file' is empty", nil)
			return
		}
		audioName, audioType = header.Filename, header.Header.Get("Content-Type")
	}

	if audio == nil && rec.Transcript == nil && rec.APIResponse == nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "one of file, transcript or api_response is required", nil)
		return
	}

	// Audio is written only once every other field has been accepted.
	if audio != nil {
		audioID, err := s.store.SaveAudio(r.Context(), audio, audioType, audioName)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		rec.AudioFileID = audioID
		if rec.Name == "" {
			rec.Name = audioName
		}
	}

	if err := s.store.SaveRecording(r.Context(), rec); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	s.logger.Info("recording_created", "request_id", requestIDFromContext(r.Context()), "app_id", appID, "recording_id", rec.ID, "has_audio", rec.AudioFileID != "")
	writeJSON(w, http.StatusCreated, toRecordingResponse(rec))
}

func (s *server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListRecordings(r.Context(), chi.URLParam(r, "appID"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	resp := model.RecordingListResponse{Recordings: make([]model.RecordingResponse, 0, len(list))}
	for _, rec := range list {
		resp.Recordings = append(resp.Recordings, toRecordingResponse(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadRecording(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toRecordingResponse(rec))
}

// handleStartEvaluation starts a pipeline run. With ?wait=true the request
// blocks until the run finishes; otherwise it answers 202 with the snapshot.
func (s *server) handleStartEvaluation(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadRecording(w, r)
	if !ok {
		return
	}

	wait, err := parseOptionalBool(r.URL.Query().Get("wait"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "wait must be a boolean", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	defer func() { _ = r.Body.Close() }()

	var req model.EvaluationRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		s.handleJSONDecodeError(w, r, err)
		return
	}
	if err := ensureBodyFullyConsumed(decoder); err != nil {
		s.handleJSONDecodeError(w, r, err)
		return
	}

	cfg := req.Config().WithDefaults(s.cfg.DefaultModel)
	run, err := s.runs.Start(rec.AppID, rec.ID, s.newPipeline(r.Context(), cfg, rec.AppID, rec.ID))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	s.logger.Info("evaluation_requested",
		"request_id", requestIDFromContext(r.Context()),
		"run_id", run.ID,
		"recording_id", rec.ID,
		"flow", cfg.Flow(),
		"total_steps", cfg.TotalSteps(),
		"wait", wait,
	)

	if !wait {
		w.Header().Set("Location", "/v1/runs/"+run.ID)
		writeJSON(w, http.StatusAccepted, toRunResponse(run))
		return
	}

	final, err := s.runs.Wait(r.Context(), run.ID)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	status := http.StatusOK
	if final.Status != runs.StatusCompleted {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, toRunResponse(final))
}

func (s *server) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadRecording(w, r)
	if !ok {
		return
	}
	list, err := s.store.ListEvaluations(r.Context(), rec.AppID, rec.ID)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	if list == nil {
		list = []*evaluation.AIEvaluationV2{}
	}
	writeJSON(w, http.StatusOK, model.EvaluationListResponse{Evaluations: list})
}

func (s *server) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "evaluationID")
	rec, err := s.store.GetEvaluation(r.Context(), id)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	if rec == nil {
		s.writeError(w, r, http.StatusNotFound, "not_found", fmt.Sprintf("evaluation %q not found", id), nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	list := s.runs.List()
	resp := model.RunListResponse{Runs: make([]model.RunResponse, 0, len(list))}
	for _, run := range list {
		run.Result = nil
		resp.Runs = append(resp.Runs, toRunResponse(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runs.Get(chi.URLParam(r, "runID"))
	if !ok {
		s.writeMappedError(w, r, runs.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Cancel(chi.URLParam(r, "runID"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	s.logger.Info("run_cancel_requested", "request_id", requestIDFromContext(r.Context()), "run_id", run.ID)
	writeJSON(w, http.StatusAccepted, toRunResponse(run))
}

func (s *server) loadRecording(w http.ResponseWriter, r *http.Request) (*evaluation.Recording, bool) {
	appID := chi.URLParam(r, "appID")
	id := chi.URLParam(r, "recordingID")
	rec, err := s.store.GetByID(r.Context(), appID, id)
	if err != nil {
		s.writeMappedError(w, r, err)
		return nil, false
	}
	if rec == nil {
		s.writeError(w, r, http.StatusNotFound, "not_found", fmt.Sprintf("recording %q not found", id), nil)
		return nil, false
	}
	return rec, true
}

func (s *server) handleMultipartReadError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", fmt.Sprintf("request exceeds %d bytes", s.cfg.MaxUploadBytes), nil)
		return
	}
	s.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid multipart form data", nil)
}

// parseTranscriptField accepts a Transcript object, a bare segment array, or
// plain text.
func parseTranscriptField(raw string) (*evaluation.Transcript, error) {
	switch raw[0] {
	case '{':
		var t evaluation.Transcript
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, err
		}
		return &t, nil
	case '[':
		var segments []evaluation.Segment
		if err := json.Unmarshal([]byte(raw), &segments); err != nil {
			return nil, err
		}
		return &evaluation.Transcript{Segments: segments}, nil
	default:
		return &evaluation.Transcript{FullText: raw}, nil
	}
}

func toRecordingResponse(rec *evaluation.Recording) model.RecordingResponse {
	return model.RecordingResponse{
		ID:          rec.ID,
		AppID:       rec.AppID,
		Name:        rec.Name,
		Language:    rec.Language,
		AudioFileID: rec.AudioFileID,
		HasAudio:    rec.AudioFileID != "",
		Transcript:  rec.Transcript,
		APIResponse: rec.APIResponse,
		CreatedAt:   rec.CreatedAt,
	}
}

func toRunResponse(run runs.Run) model.RunResponse {
	resp := model.RunResponse{
		ID:           run.ID,
		AppID:        run.AppID,
		RecordingID:  run.RecordingID,
		Status:       string(run.Status),
		TotalSteps:   run.TotalSteps,
		Progress:     run.Progress,
		EvaluationID: run.EvaluationID,
		Error:        run.Error,
		FailedAt:     run.FailedAt,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		Result:       run.Result,
	}
	if run.FinishedAt != nil {
		resp.DurationMS = run.FinishedAt.Sub(run.StartedAt).Milliseconds()
	}
	return resp
}
