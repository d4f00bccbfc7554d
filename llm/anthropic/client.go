package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/planforge/planforge/llm"
)

// defaultMaxTokens is used when the request does not cap the response length.
const defaultMaxTokens = 4096

// Client implements the llm.Client interface for Anthropic's Messages API.
type Client struct {
	client *anthropic.Client
	model  string // Default model to use if not specified in request
	logger zerolog.Logger
}

// New creates a Client with the given API key and default model.
func New(apiKey, model string, logger zerolog.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Client{
		client: &client,
		model:  model,
		logger: logger,
	}, nil
}

// Generate implements llm.Client.Generate.
func (c *Client) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, convertError(err)
	}

	// Concatenate text blocks; a tool-use block's input is surfaced as its
	// JSON arguments so callers see one uniform text payload.
	var text string
	for _, blockUnion := range message.Content {
		switch block := blockUnion.AsAny().(type) {
		case anthropic.TextBlock:
			text += block.Text
		case anthropic.ToolUseBlock:
			if args, err := json.Marshal(block.Input); err == nil {
				text += string(args)
			}
		}
	}

	return &llm.Response{
		Text: text,
		Usage: &llm.Usage{
			InputTokens:  message.Usage.InputTokens,
			OutputTokens: message.Usage.OutputTokens,
		},
		FinishReason: string(message.StopReason),
	}, nil
}

// Stream implements llm.Client.Stream.
func (c *Client) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	return newStream(ctx, stream, c.logger), nil
}

func (c *Client) buildParams(req *llm.Request) (anthropic.MessageNewParams, error) {
	if req == nil {
		return anthropic.MessageNewParams{}, llm.NewInvalidRequestError(llm.ProviderAnthropic, "request is required", nil)
	}
	if req.Prompt == "" {
		return anthropic.MessageNewParams{}, llm.NewInvalidRequestError(llm.ProviderAnthropic, "prompt is required", nil)
	}

	model := req.Model
	if model == "" {
		model = c.model
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		Tools: toToolUnionParams(req.Functions),
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}

	return params, nil
}

// toToolUnionParams converts function definitions to Anthropic tool params.
func toToolUnionParams(fns []llm.FunctionDefinition) []anthropic.ToolUnionParam {
	return lo.Map(fns, func(fn llm.FunctionDefinition, _ int) anthropic.ToolUnionParam {
		schema := anthropic.ToolInputSchemaParam{Type: "object"}
		if props, ok := fn.Parameters["properties"]; ok {
			schema.Properties = props
		}
		if raw, ok := fn.Parameters["required"].([]interface{}); ok {
			schema.Required = lo.FilterMap(raw, func(v interface{}, _ int) (string, bool) {
				s, ok := v.(string)
				return s, ok
			})
		}

		return anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        fn.Name,
			Description: anthropic.String(fn.Description),
			InputSchema: schema,
		}}
	})
}

// convertError maps Anthropic API errors to the llm.Error taxonomy.
// Context cancellation passes through untouched so callers can distinguish
// their own deadlines from provider failures.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		// Network-level failure before any HTTP response arrived.
		return llm.NewProviderUnavailableError(llm.ProviderAnthropic, "anthropic request failed", err)
	}

	switch {
	case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
		convErr := llm.NewAuthenticationError(llm.ProviderAnthropic, "anthropic rejected credentials", err)
		convErr.StatusCode = apiErr.StatusCode
		return convErr

	case apiErr.StatusCode == http.StatusTooManyRequests:
		convErr := llm.NewRateLimitError(llm.ProviderAnthropic, "anthropic rate limit exceeded", retryAfterHint(apiErr.Response), err)
		convErr.StatusCode = apiErr.StatusCode
		return convErr

	case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
		convErr := llm.NewInvalidRequestError(llm.ProviderAnthropic, "anthropic rejected request", err)
		convErr.StatusCode = apiErr.StatusCode
		return convErr

	default:
		convErr := llm.NewProviderUnavailableError(llm.ProviderAnthropic, "anthropic server error", err)
		convErr.StatusCode = apiErr.StatusCode
		return convErr
	}
}

// retryAfterHint reads the retry-after header from a throttled response.
func retryAfterHint(resp *http.Response) *time.Duration {
	if resp == nil {
		return nil
	}
	header := resp.Header.Get("retry-after")
	if header == "" {
		return nil
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return nil
	}
	d := time.Duration(seconds) * time.Second
	return &d
}
