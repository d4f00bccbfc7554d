package openai

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/planforge/planforge/llm"
)

// stream implements the llm.Stream interface for OpenAI streaming responses.
// Recv is a blocking pull API, so chunks are fetched lazily on each Next call
// rather than buffered by a reader goroutine.
type stream struct {
	ctx     context.Context
	sse     *openai.ChatCompletionStream
	mu      sync.Mutex
	current *llm.Chunk
	partial strings.Builder
	usage   *llm.Usage
	finish  string
	index   int
	err     error
	done    bool
}

func newStream(ctx context.Context, sse *openai.ChatCompletionStream) *stream {
	return &stream{ctx: ctx, sse: sse}
}

// Next advances to the next chunk in the stream.
func (s *stream) Next() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done || s.err != nil {
		return false
	}

	for {
		resp, err := s.sse.Recv()
		if errors.Is(err, io.EOF) {
			if s.finish == "" {
				s.finish = "stop"
			}
			s.current = &llm.Chunk{
				Index:        s.index,
				Final:        true,
				Usage:        s.usage,
				FinishReason: s.finish,
			}
			s.done = true
			return true
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.err = err
			} else {
				s.err = llm.NewStreamInterruptedError(llm.ProviderOpenAI,
					"openai stream interrupted", s.partial.String(), err)
			}
			s.done = true
			return false
		}

		// The usage-only frame arrives after the last choice frame.
		if resp.Usage != nil {
			s.usage = &llm.Usage{
				InputTokens:  int64(resp.Usage.PromptTokens),
				OutputTokens: int64(resp.Usage.CompletionTokens),
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			s.finish = finishReason(choice.FinishReason)
		}
		if choice.Delta.Content == "" {
			continue
		}

		s.partial.WriteString(choice.Delta.Content)
		s.current = &llm.Chunk{
			Index: s.index,
			Text:  choice.Delta.Content,
		}
		s.index++
		return true
	}
}

// Chunk returns the current chunk.
func (s *stream) Chunk() *llm.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Err returns any error that occurred during streaming.
func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the stream and releases the underlying connection.
func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	if s.sse != nil {
		return s.sse.Close()
	}
	return nil
}
