package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// GenerateJSON generates a response and parses it as JSON. Providers often
// wrap JSON in markdown fences; those are stripped before parsing.
func GenerateJSON(ctx context.Context, c Client, req *Request) (json.RawMessage, error) {
	resp, err := c.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	text := stripCodeFence(resp.Text)
	var raw json.RawMessage
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, NewInvalidRequestError("", "response is not valid JSON", err)
	}
	return raw, nil
}

// CallFunction sends a prompt with a single function definition attached and
// returns the model's call arguments as parsed JSON.
func CallFunction(ctx context.Context, c Client, prompt string, fn FunctionDefinition) (json.RawMessage, error) {
	req := &Request{
		Prompt:    prompt,
		Functions: []FunctionDefinition{fn},
	}
	return GenerateJSON(ctx, c, req)
}

func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
