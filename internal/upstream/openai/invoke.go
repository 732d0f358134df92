package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"evalflow/internal/evaluation"
)

// Invoke runs one pipeline LLM request as a chat completion. Audio travels as
// an input_audio content part; a schema is sent as a json_schema response
// format and, when the model honours it, the content is returned as Parsed.
func (c *Client) Invoke(ctx context.Context, req evaluation.LLMRequest) (evaluation.LLMResponse, error) {
	started := time.Now()

	messages := make([]ChatMessage, 0, 2)
	if system := strings.TrimSpace(req.SystemPrompt); system != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: system})
	}
	if req.Audio != nil && len(req.Audio.Data) > 0 {
		messages = append(messages, ChatMessage{Role: "user", Content: []ContentPart{
			{Type: "text", Text: req.Prompt},
			{Type: "input_audio", InputAudio: &InputAudio{
				Data:   base64.StdEncoding.EncodeToString(req.Audio.Data),
				Format: AudioFormat(req.Audio.MimeType, req.Audio.Name),
			}},
		}})
	} else {
		messages = append(messages, ChatMessage{Role: "user", Content: req.Prompt})
	}

	chatReq := ChatCompletionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		Messages:    messages,
	}
	hasSchema := len(req.Schema) > 0 && string(req.Schema) != "null"
	if hasSchema {
		name := req.SchemaName
		if name == "" {
			name = "response"
		}
		chatReq.ResponseFormat = &ResponseFormat{
			Type:       "json_schema",
			JSONSchema: &JSONSchema{Name: name, Schema: req.Schema},
		}
	}

	resp, err := c.ChatCompletion(ctx, chatReq)
	if err != nil {
		return evaluation.LLMResponse{}, classify(err)
	}

	out := evaluation.LLMResponse{Text: resp.Content, Duration: time.Since(started)}
	if trimmed := strings.TrimSpace(resp.Content); hasSchema && json.Valid([]byte(trimmed)) {
		out.Parsed = json.RawMessage(trimmed)
	}
	if resp.Usage != nil {
		out.Usage = &evaluation.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// classify maps a failed call onto the user-facing transport categories.
// Cancellation is returned untouched so callers can recognise it.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	kind := evaluation.TransportUnknown
	status := 0
	var upErr *Error
	var netErr net.Error
	switch {
	case errors.As(err, &upErr):
		status = upErr.StatusCode
		switch status {
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = evaluation.TransportAuth
		case http.StatusTooManyRequests:
			kind = evaluation.TransportRateLimited
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			kind = evaluation.TransportTimeout
		}
	case errors.Is(err, context.DeadlineExceeded):
		kind = evaluation.TransportTimeout
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			kind = evaluation.TransportTimeout
		} else {
			kind = evaluation.TransportNetwork
		}
	}
	return &evaluation.TransportError{Kind: kind, StatusCode: status, Err: err}
}

var audioFormats = map[string]string{
	"audio/wav":    "wav",
	"audio/wave":   "wav",
	"audio/x-wav":  "wav",
	"audio/mpeg":   "mp3",
	"audio/mp3":    "mp3",
	"audio/webm":   "webm",
	"audio/ogg":    "ogg",
	"audio/flac":   "flac",
	"audio/mp4":    "m4a",
	"audio/m4a":    "m4a",
	"audio/x-m4a":  "m4a",
	"audio/aac":    "aac",
	"video/webm":   "webm",
	"audio/x-flac": "flac",
}

// AudioFormat derives the input_audio format from a MIME type, falling back
// to the file extension and then to wav.
func AudioFormat(mimeType, name string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if format, ok := audioFormats[mimeType]; ok {
		return format
	}
	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), "."); ext != "" {
		return ext
	}
	return "wav"
}
