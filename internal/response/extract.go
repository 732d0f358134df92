package response

import (
	"encoding/json"
	"errors"
	"strings"

	"evalflow/internal/evaluation"
)

const maxRawInError = 2048

// Decode returns the JSON payload of a model response. A structured payload
// from the transport always wins; the free-text extraction only runs when
// parsed is empty.
func Decode(step evaluation.StepName, text string, parsed json.RawMessage) (json.RawMessage, error) {
	if len(parsed) > 0 {
		if !json.Valid(parsed) {
			return nil, &evaluation.ParseError{Step: step, Reason: "structured response is not valid JSON", Raw: truncate(string(parsed))}
		}
		return parsed, nil
	}

	candidate := ExtractJSON(text)
	if candidate == "" {
		return nil, &evaluation.ParseError{Step: step, Reason: "no JSON found in model output", Raw: truncate(text)}
	}
	return json.RawMessage(candidate), nil
}

// ExtractJSON finds the first balanced and valid JSON object or array in s.
// A fenced markdown block is searched first; the whole text is the fallback.
// Backticks inside the payload are left alone.
func ExtractJSON(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	if block, ok := fencedBlock(s); ok {
		if candidate := scanJSON(block); candidate != "" {
			return candidate
		}
	}
	return scanJSON(s)
}

// fencedBlock returns the body of the first ``` fenced block. An unterminated
// fence runs to the end of s.
func fencedBlock(s string) (string, bool) {
	lines := strings.Split(s, "\n")
	open := -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if open < 0 {
			if strings.HasPrefix(trimmed, "```") {
				open = i
			}
			continue
		}
		if trimmed == "```" {
			return strings.Join(lines[open+1:i], "\n"), true
		}
	}
	if open < 0 {
		return "", false
	}
	return strings.Join(lines[open+1:], "\n"), true
}

// scanJSON walks s once. Each bracket region is matched with a stack and its
// candidates are tried in order of their opening position. Scanning resumes
// after the region.
func scanJSON(s string) string {
	for start := 0; start < len(s); {
		if s[start] != '{' && s[start] != '[' {
			start++
			continue
		}
		spans, end := matchRegion(s, start)
		failAt := -1
		for _, sp := range spans {
			if sp.close < 0 {
				continue
			}
			// A nested value that contains the syntax error of an enclosing
			// candidate fails the same way.
			if sp.open < failAt && failAt <= sp.close {
				continue
			}
			candidate := s[sp.open : sp.close+1]
			at, ok := syntaxErrorAt(candidate)
			if ok {
				return candidate
			}
			if at >= 0 {
				failAt = sp.open + at
			}
		}
		start = end + 1
	}
	return ""
}

// syntaxErrorAt reports whether candidate is valid JSON and, when it is not,
// the index of the offending byte or -1 when that position says nothing about
// nested values.
func syntaxErrorAt(candidate string) (int, bool) {
	var raw json.RawMessage
	err := json.Unmarshal([]byte(candidate), &raw)
	if err == nil {
		return 0, true
	}
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) || syntaxErr.Offset < 1 || strings.Contains(syntaxErr.Error(), "max depth") {
		return -1, false
	}
	return int(syntaxErr.Offset) - 1, false
}

type span struct {
	open, close int
}

// matchRegion pairs every bracket opened from start until the bracket at start
// closes, honouring string literals and escapes. Brackets still open at the end
// of s keep close == -1. It returns the spans in opening order and the index
// where the region ends.
func matchRegion(s string, start int) ([]span, int) {
	var spans []span
	var stack []int
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, len(spans))
			spans = append(spans, span{open: i, close: -1})
		case '}', ']':
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			spans[top].close = i
			if len(stack) == 0 {
				return spans, i
			}
		}
	}
	return spans, len(s) - 1
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxRawInError {
		return s
	}
	return s[:maxRawInError] + "..."
}
