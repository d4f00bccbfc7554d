package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	openai "github.com/sashabaranov/go-openai"

	"github.com/planforge/planforge/llm"
)

// OpenAI errors don't expose retry-after headers through the SDK, so rate
// limit errors carry this default hint.
const defaultRetryAfter = 60 * time.Second

// Client implements the llm.Client interface for OpenAI's chat completions API.
type Client struct {
	client *openai.Client
	model  string // Default model to use if not specified in request
	logger zerolog.Logger
}

// New creates a Client.
// If baseURL is empty, the default OpenAI API endpoint is used; a non-empty
// baseURL points the client at an OpenAI-compatible server.
func New(apiKey, baseURL, model, organization string, logger zerolog.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if organization != "" {
		config.OrgID = organization
	}

	return &Client{
		client: openai.NewClientWithConfig(config),
		model:  model,
		logger: logger,
	}, nil
}

// Generate implements llm.Client.Generate.
func (c *Client) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	chatReq, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}

	chatResp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, convertError(err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, llm.NewProviderUnavailableError(llm.ProviderOpenAI, "openai returned no choices", nil)
	}

	choice := chatResp.Choices[0]
	text := choice.Message.Content
	// A tool call's arguments are already a JSON document; surface them as
	// the response text so callers see one uniform payload.
	if text == "" && len(choice.Message.ToolCalls) > 0 {
		text = choice.Message.ToolCalls[0].Function.Arguments
	}

	return &llm.Response{
		Text: text,
		Usage: &llm.Usage{
			InputTokens:  int64(chatResp.Usage.PromptTokens),
			OutputTokens: int64(chatResp.Usage.CompletionTokens),
		},
		FinishReason: finishReason(choice.FinishReason),
	}, nil
}

// Stream implements llm.Client.Stream.
func (c *Client) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	chatReq, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	sse, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, convertError(err)
	}
	return newStream(ctx, sse), nil
}

func (c *Client) buildRequest(req *llm.Request) (openai.ChatCompletionRequest, error) {
	if req == nil {
		return openai.ChatCompletionRequest{}, llm.NewInvalidRequestError(llm.ProviderOpenAI, "request is required", nil)
	}
	if req.Prompt == "" {
		return openai.ChatCompletionRequest{}, llm.NewInvalidRequestError(llm.ProviderOpenAI, "prompt is required", nil)
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	if model == "" {
		return openai.ChatCompletionRequest{}, llm.NewInvalidRequestError(llm.ProviderOpenAI, "model is required", nil)
	}

	chatReq := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}

	if len(req.Functions) > 0 {
		chatReq.Tools = toTools(req.Functions)
		chatReq.ToolChoice = "auto"
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = int(req.MaxTokens)
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		chatReq.TopP = float32(*req.TopP)
	}

	return chatReq, nil
}

// toTools converts function definitions to OpenAI tool declarations.
func toTools(fns []llm.FunctionDefinition) []openai.Tool {
	return lo.Map(fns, func(fn llm.FunctionDefinition, _ int) openai.Tool {
		params, err := json.Marshal(fn.Parameters)
		if err != nil {
			params = []byte("{}")
		}
		return openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  json.RawMessage(params),
			},
		}
	})
}

func finishReason(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonLength:
		return "max_tokens"
	case openai.FinishReasonToolCalls:
		return "tool_calls"
	default:
		return "stop"
	}
}

// convertError maps OpenAI API errors to the llm.Error taxonomy.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return llm.NewProviderUnavailableError(llm.ProviderOpenAI, "openai request failed", err)
	}

	switch apiErr.HTTPStatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		convErr := llm.NewAuthenticationError(llm.ProviderOpenAI,
			fmt.Sprintf("openai rejected credentials: %s", apiErr.Message), err)
		convErr.StatusCode = apiErr.HTTPStatusCode
		return convErr

	case http.StatusTooManyRequests:
		retryAfter := defaultRetryAfter
		convErr := llm.NewRateLimitError(llm.ProviderOpenAI,
			fmt.Sprintf("openai rate limit: %s", apiErr.Message), &retryAfter, err)
		convErr.StatusCode = apiErr.HTTPStatusCode
		return convErr

	case http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge:
		convErr := llm.NewInvalidRequestError(llm.ProviderOpenAI,
			fmt.Sprintf("openai invalid request: %s", apiErr.Message), err)
		convErr.StatusCode = apiErr.HTTPStatusCode
		return convErr

	default:
		convErr := llm.NewProviderUnavailableError(llm.ProviderOpenAI,
			fmt.Sprintf("openai server error: %s", apiErr.Message), err)
		convErr.StatusCode = apiErr.HTTPStatusCode
		return convErr
	}
}
