package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"

	"github.com/planforge/planforge/llm"
)

// Client implements the llm.Client interface for a local Ollama server.
type Client struct {
	client *api.Client
	model  string // Default model to use if not specified in request
	logger zerolog.Logger
}

// New creates a Client.
// If host is empty, the client is configured from the environment
// (OLLAMA_HOST or http://localhost:11434).
func New(host, model string, logger zerolog.Logger) (*Client, error) {
	var client *api.Client

	if host != "" {
		baseURL, err := parseHost(host)
		if err != nil {
			return nil, fmt.Errorf("invalid host: %w", err)
		}
		client = api.NewClient(baseURL, &http.Client{})
	} else {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
	}

	return &Client{
		client: client,
		model:  model,
		logger: logger,
	}, nil
}

// parseHost parses a host string into a URL.
func parseHost(host string) (*url.URL, error) {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return url.Parse(host)
}

// Generate implements llm.Client.Generate.
func (c *Client) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	genReq, err := c.buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	var last api.GenerateResponse
	err = c.client.Generate(ctx, genReq, func(resp api.GenerateResponse) error {
		text.WriteString(resp.Response)
		last = resp
		return nil
	})
	if err != nil {
		return nil, convertError(err)
	}

	return &llm.Response{
		Text: text.String(),
		Usage: &llm.Usage{
			InputTokens:  int64(last.PromptEvalCount),
			OutputTokens: int64(last.EvalCount),
		},
		FinishReason: doneReason(last),
	}, nil
}

// Stream implements llm.Client.Stream.
func (c *Client) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	genReq, err := c.buildRequest(req, true)
	if err != nil {
		return nil, err
	}
	return newStream(ctx, c.client, genReq), nil
}

func (c *Client) buildRequest(req *llm.Request, streaming bool) (*api.GenerateRequest, error) {
	if req == nil {
		return nil, llm.NewInvalidRequestError(llm.ProviderOllama, "request is required", nil)
	}
	if req.Prompt == "" {
		return nil, llm.NewInvalidRequestError(llm.ProviderOllama, "prompt is required", nil)
	}
	if len(req.Functions) > 0 {
		// The generate endpoint has no tool support; failing loudly beats
		// silently dropping the schemas.
		return nil, llm.NewInvalidRequestError(llm.ProviderOllama, "ollama does not support function calling", nil)
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	if model == "" {
		return nil, llm.NewInvalidRequestError(llm.ProviderOllama, "model is required", nil)
	}

	genReq := &api.GenerateRequest{
		Model:   model,
		Prompt:  req.Prompt,
		Stream:  &streaming,
		Options: make(map[string]interface{}),
	}
	if req.MaxTokens > 0 {
		genReq.Options["num_predict"] = int(req.MaxTokens)
	}
	if req.Temperature != nil {
		genReq.Options["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		genReq.Options["top_p"] = *req.TopP
	}

	return genReq, nil
}

func doneReason(resp api.GenerateResponse) string {
	if resp.DoneReason == "length" {
		return "max_tokens"
	}
	return "stop"
}

// convertError maps Ollama API errors to the llm.Error taxonomy.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var statusErr api.StatusError
	if !errors.As(err, &statusErr) {
		// The server is unreachable; the daemon is probably not running.
		return llm.NewProviderUnavailableError(llm.ProviderOllama, "ollama request failed", err)
	}

	switch {
	case statusErr.StatusCode == http.StatusTooManyRequests:
		convErr := llm.NewRateLimitError(llm.ProviderOllama, "ollama busy", nil, err)
		convErr.StatusCode = statusErr.StatusCode
		return convErr

	case statusErr.StatusCode >= 400 && statusErr.StatusCode < 500:
		convErr := llm.NewInvalidRequestError(llm.ProviderOllama,
			fmt.Sprintf("ollama rejected request: %s", statusErr.ErrorMessage), err)
		convErr.StatusCode = statusErr.StatusCode
		return convErr

	default:
		convErr := llm.NewProviderUnavailableError(llm.ProviderOllama,
			fmt.Sprintf("ollama server error: %s", statusErr.ErrorMessage), err)
		convErr.StatusCode = statusErr.StatusCode
		return convErr
	}
}
