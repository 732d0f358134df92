package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"evalflow/internal/evaluation"
)

var ErrInvalidID = errors.New("invalid identifier")

const (
	recordingsDir  = "recordings"
	audioDir       = "audio"
	evaluationsDir = "evaluations"
)

// Store keeps recordings, audio and evaluation records as files under one
// root. Lookups of missing items return (nil, nil).
type Store struct {
	root  string
	mu    sync.RWMutex
	now   func() time.Time
	newID func() string
}

type audioMeta struct {
	MimeType  string    `json:"mimeType"`
	Name      string    `json:"name,omitempty"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

func New(root string) (*Store, error) {
	for _, dir := range []string{recordingsDir, audioDir, evaluationsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return &Store{root: root, now: time.Now, newID: uuid.NewString}, nil
}

// SaveRecording assigns an id when missing and stamps timestamps.
func (s *Store) SaveRecording(ctx context.Context, rec *evaluation.Recording) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = s.newID()
	}
	if err := checkID(rec.AppID, rec.ID); err != nil {
		return err
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Join(s.root, recordingsDir, rec.AppID), 0o755); err != nil {
		return fmt.Errorf("create app dir: %w", err)
	}
	return writeJSON(s.recordingPath(rec.AppID, rec.ID), rec)
}

func (s *Store) GetByID(ctx context.Context, appID, id string) (*evaluation.Recording, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkID(appID, id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var rec evaluation.Recording
	found, err := readJSON(s.recordingPath(appID, id), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// ListRecordings returns the app's recordings, newest first.
func (s *Store) ListRecordings(ctx context.Context, appID string) ([]*evaluation.Recording, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkID(appID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*evaluation.Recording
	err := eachJSON(filepath.Join(s.root, recordingsDir, appID), func(data []byte) {
		var rec evaluation.Recording
		if json.Unmarshal(data, &rec) == nil {
			out = append(out, &rec)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) SaveAudio(ctx context.Context, data []byte, mimeType, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errors.New("audio is empty")
	}
	id := s.newID()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(filepath.Join(s.root, audioDir, id+".bin"), data); err != nil {
		return "", err
	}
	meta := audioMeta{MimeType: mimeType, Name: filepath.Base(name), Size: len(data), CreatedAt: s.now().UTC()}
	if err := writeJSON(filepath.Join(s.root, audioDir, id+".json"), meta); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) GetBlob(ctx context.Context, audioFileID string) (*evaluation.Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkID(audioFileID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(filepath.Join(s.root, audioDir, audioFileID+".bin"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var meta audioMeta
	if _, err := readJSON(filepath.Join(s.root, audioDir, audioFileID+".json"), &meta); err != nil {
		return nil, err
	}
	return &evaluation.Blob{Data: data, MimeType: meta.MimeType, Name: meta.Name}, nil
}

func (s *Store) SaveEvaluation(ctx context.Context, rec *evaluation.AIEvaluationV2) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil {
		return errors.New("nil evaluation")
	}
	if err := checkID(rec.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.evaluationPath(rec.ID), rec)
}

func (s *Store) GetEvaluation(ctx context.Context, id string) (*evaluation.AIEvaluationV2, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkID(id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var rec evaluation.AIEvaluationV2
	found, err := readJSON(s.evaluationPath(id), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// ListEvaluations returns a recording's evaluation history, newest first.
func (s *Store) ListEvaluations(ctx context.Context, appID, recordingID string) ([]*evaluation.AIEvaluationV2, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*evaluation.AIEvaluationV2
	err := eachJSON(filepath.Join(s.root, evaluationsDir), func(data []byte) {
		var rec evaluation.AIEvaluationV2
		if json.Unmarshal(data, &rec) != nil {
			return
		}
		if rec.AppID == appID && rec.RecordingID == recordingID {
			out = append(out, &rec)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// GetPriorTranscription returns the transcription output stored on an earlier
// evaluation of the given recording. It returns nil when the evaluation does
// not exist, has no output, or was made for another app or recording.
func (s *Store) GetPriorTranscription(ctx context.Context, appID, recordingID, evaluationID string) (evaluation.TranscriptionOutput, error) {
	rec, err := s.GetEvaluation(ctx, evaluationID)
	if err != nil || rec == nil || rec.Transcription == nil {
		return nil, err
	}
	if rec.AppID != appID || rec.RecordingID != recordingID {
		return nil, nil
	}
	return rec.Transcription.Output, nil
}

func (s *Store) recordingPath(appID, id string) string {
	return filepath.Join(s.root, recordingsDir, appID, id+".json")
}

func (s *Store) evaluationPath(id string) string {
	return filepath.Join(s.root, evaluationsDir, id+".json")
}

func checkID(ids ...string) error {
	for _, id := range ids {
		if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic writes to a temporary file and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write tmp file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func eachJSON(dir string, fn func(data []byte)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		fn(data)
	}
	return nil
}
