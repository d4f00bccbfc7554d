package llm

import (
	"encoding/json"
)

// Request represents a complete generation request.
// A Request is treated as immutable once constructed: the response cache
// fingerprints it whole, so callers must not mutate it after submission.
type Request struct {
	// Prompt is the fully rendered prompt text.
	Prompt string

	// Model overrides the client's default model when non-empty.
	Model string

	// MaxTokens caps the response length. Zero means the client default.
	MaxTokens int64

	// Temperature controls sampling randomness. Nil means the model default.
	Temperature *float64

	// TopP controls nucleus sampling. Nil means the model default.
	TopP *float64

	// Functions carries tool-calling schemas for providers that support them.
	Functions []FunctionDefinition
}

// FunctionDefinition describes a function the model may call during generation.
type FunctionDefinition struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object describing the function's input.
	Parameters map[string]interface{}
}

// Response represents a complete generation response.
type Response struct {
	Text         string
	Usage        *Usage
	FinishReason string
}

// Usage represents token usage reported by a provider.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Chunk is one ordered fragment of a streaming response. Index increases
// monotonically from zero. Exactly one chunk per stream has Final set; that
// chunk carries the usage and finish-reason metadata for the whole response.
type Chunk struct {
	Index        int
	Text         string
	Final        bool
	Usage        *Usage
	FinishReason string
}

// ToJSON marshals a request for debugging/logging purposes.
func (r *Request) ToJSON() ([]byte, error) {
	return json.Marshal(struct {
		Prompt      string               `json:"prompt"`
		Model       string               `json:"model,omitempty"`
		MaxTokens   int64                `json:"max_tokens,omitempty"`
		Temperature *float64             `json:"temperature,omitempty"`
		TopP        *float64             `json:"top_p,omitempty"`
		Functions   []FunctionDefinition `json:"functions,omitempty"`
	}{r.Prompt, r.Model, r.MaxTokens, r.Temperature, r.TopP, r.Functions})
}
