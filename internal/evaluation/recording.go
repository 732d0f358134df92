package evaluation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Recording struct {
	ID          string          `json:"id"`
	AppID       string          `json:"appId"`
	Name        string          `json:"name,omitempty"`
	Language    string          `json:"language,omitempty"`
	AudioFileID string          `json:"audioFileId,omitempty"`
	Transcript  *Transcript     `json:"transcript,omitempty"`
	APIResponse json.RawMessage `json:"apiResponse,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type Blob struct {
	Data     []byte
	MimeType string
	Name     string
}

// FlexString decodes from a JSON string or number. Models are inconsistent
// about quoting timestamps and confidence values.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	num, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return fmt.Errorf("expected string or number, got %s", trimmed)
	}
	*f = FlexString(strconv.FormatFloat(num, 'f', -1, 64))
	return nil
}

type Segment struct {
	Speaker   string     `json:"speaker"`
	Text      string     `json:"text"`
	StartTime FlexString `json:"startTime"`
	EndTime   FlexString `json:"endTime"`
}

type Transcript struct {
	FullText string    `json:"fullTranscript,omitempty"`
	Segments []Segment `json:"segments,omitempty"`
	Script   string    `json:"script,omitempty"`
}

func (t *Transcript) HasSegments() bool {
	return t != nil && len(t.Segments) > 0
}

// Text returns the full transcript, rebuilding it from segments when no flat
// text was stored.
func (t *Transcript) Text() string {
	if t == nil {
		return ""
	}
	if strings.TrimSpace(t.FullText) != "" {
		return strings.TrimSpace(t.FullText)
	}
	return JoinSegments(t.Segments)
}

// JoinSegments renders segments as "speaker: text" lines.
func JoinSegments(segments []Segment) string {
	lines := make([]string, 0, len(segments))
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if speaker := strings.TrimSpace(seg.Speaker); speaker != "" {
			lines = append(lines, speaker+": "+text)
			continue
		}
		lines = append(lines, text)
	}
	return strings.Join(lines, "\n")
}
