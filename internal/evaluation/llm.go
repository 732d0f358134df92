package evaluation

import (
	"encoding/json"
	"time"
)

// LLMRequest is one invocation of the generative model. Cancellation travels
// on the context passed alongside it.
type LLMRequest struct {
	Model        string
	SystemPrompt string
	Prompt       string
	Schema       json.RawMessage
	SchemaName   string
	Audio        *Blob
	Temperature  float64
}

type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// LLMResponse carries the raw text and, when the transport enforced the
// schema, the already-structured payload.
type LLMResponse struct {
	Text     string
	Parsed   json.RawMessage
	Duration time.Duration
	Usage    *TokenUsage
}

type Progress struct {
	CurrentStep     StepName `json:"currentStep"`
	StepNumber      int      `json:"stepNumber"`
	TotalSteps      int      `json:"totalSteps"`
	StepProgress    int      `json:"stepProgress"`
	OverallProgress int      `json:"overallProgress"`
	Message         string   `json:"message,omitempty"`
}

type ProgressFunc func(Progress)
