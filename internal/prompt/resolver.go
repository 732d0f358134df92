package prompt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"evalflow/internal/evaluation"
)

// AudioSentinel replaces {{audio}}. The audio bytes travel separately on the
// LLM request and are never inlined into the prompt text.
const AudioSentinel = "[audio recording attached]"

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z][A-Za-z0-9_.]*)\s*\}\}`)

// Context is everything a template may reference. Zero values mean the
// variable is unavailable.
type Context struct {
	Recording            *evaluation.Recording
	OriginalTranscript   *evaluation.Transcript
	NormalizedTranscript *evaluation.Transcript
	Transcription        evaluation.TranscriptionOutput
	APIResponse          json.RawMessage
	HasAudio             bool
	Language             string
	SourceScript         string
	TargetScript         string
	Extra                map[string]string
}

type Result struct {
	Prompt              string
	ResolvedVariables   map[string]string
	UnresolvedVariables []string
}

// UsesAudio reports whether the template referenced {{audio}}.
func (r Result) UsesAudio() bool {
	_, ok := r.ResolvedVariables["audio"]
	return ok
}

type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

func (r *Resolver) Resolve(template string, c Context) Result {
	return Resolve(template, c)
}

// Resolve substitutes {{name}} placeholders. Unknown or unavailable variables
// stay in the text verbatim and are listed in UnresolvedVariables.
func Resolve(template string, c Context) Result {
	res := Result{ResolvedVariables: map[string]string{}}
	seenUnresolved := map[string]struct{}{}

	res.Prompt = placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := lookup(name, c)
		if !ok {
			if _, seen := seenUnresolved[name]; !seen {
				seenUnresolved[name] = struct{}{}
				res.UnresolvedVariables = append(res.UnresolvedVariables, name)
			}
			return match
		}
		res.ResolvedVariables[name] = value
		return value
	})
	return res
}

// Placeholders lists the distinct variable names referenced by template.
func Placeholders(template string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(template, -1)
	seen := make(map[string]struct{}, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		names = append(names, m[1])
	}
	return names
}

func lookup(name string, c Context) (string, bool) {
	if v, ok := c.Extra[name]; ok {
		return v, v != ""
	}

	switch name {
	case "audio":
		if c.HasAudio {
			return AudioSentinel, true
		}
	case "transcript", "original_transcript":
		return nonEmpty(FormatTranscript(c.OriginalTranscript))
	case "time_windows":
		if c.OriginalTranscript.HasSegments() {
			return TimeWindows(c.OriginalTranscript.Segments), true
		}
	case "segment_count":
		if c.OriginalTranscript.HasSegments() {
			return strconv.Itoa(len(c.OriginalTranscript.Segments)), true
		}
	case "llm_transcript", "judge_transcript":
		switch out := c.Transcription.(type) {
		case *evaluation.SegmentedTranscription:
			return nonEmpty(FormatSegments(out.Segments))
		case *evaluation.FlatTranscription:
			return nonEmpty(strings.TrimSpace(out.Input))
		}
	case "structured_output", "judge_structured_output":
		if out, ok := c.Transcription.(*evaluation.FlatTranscription); ok {
			return compactJSON(out.Rx)
		}
	case "api_response":
		return compactJSON(c.APIResponse)
	case "normalized_transcript":
		return nonEmpty(FormatTranscript(c.NormalizedTranscript))
	case "recording_id":
		if c.Recording != nil {
			return nonEmpty(c.Recording.ID)
		}
	case "recording_name":
		if c.Recording != nil {
			return nonEmpty(c.Recording.Name)
		}
	case "language":
		if c.Language != "" {
			return c.Language, true
		}
		if c.Recording != nil {
			return nonEmpty(c.Recording.Language)
		}
	case "source_script":
		return nonEmpty(c.SourceScript)
	case "target_script":
		return nonEmpty(c.TargetScript)
	}
	return "", false
}

// FormatTranscript renders segmented transcripts with indices so critiques can
// reference them; flat transcripts are returned as-is.
func FormatTranscript(t *evaluation.Transcript) string {
	if t == nil {
		return ""
	}
	if t.HasSegments() {
		return FormatSegments(t.Segments)
	}
	return t.Text()
}

func FormatSegments(segments []evaluation.Segment) string {
	var b strings.Builder
	for i, seg := range segments {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%d]", i)
		if seg.Speaker != "" {
			b.WriteString(" " + seg.Speaker)
		}
		if seg.StartTime != "" || seg.EndTime != "" {
			fmt.Fprintf(&b, " (%s - %s)", seg.StartTime, seg.EndTime)
		}
		b.WriteString(": " + strings.TrimSpace(seg.Text))
	}
	return b.String()
}

// TimeWindows lists reference segment boundaries so a model can emit segments
// aligned with them.
func TimeWindows(segments []evaluation.Segment) string {
	lines := make([]string, 0, len(segments))
	for i, seg := range segments {
		lines = append(lines, fmt.Sprintf("%d. %s - %s", i+1, seg.StartTime, seg.EndTime))
	}
	return strings.Join(lines, "\n")
}

func compactJSON(raw json.RawMessage) (string, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "", false
	}
	return trimmed, true
}

func nonEmpty(s string) (string, bool) {
	s = strings.TrimSpace(s)
	return s, s != ""
}
