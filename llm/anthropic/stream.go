package anthropic

import (
	"context"
	"strings"
	"sync"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/rs/zerolog"

	"github.com/planforge/planforge/llm"
)

// stream implements the llm.Stream interface for Anthropic streaming responses.
// A reader goroutine drains the SSE connection into a chunk buffer; consumers
// block on the condition variable until the next chunk is available.
type stream struct {
	ctx     context.Context
	sse     *ssestream.Stream[anthropic.MessageStreamEventUnion]
	chunks  []*llm.Chunk
	current int
	mu      sync.Mutex
	cond    *sync.Cond
	err     error
	done    bool
	started bool
	logger  zerolog.Logger
}

func newStream(ctx context.Context, sse *ssestream.Stream[anthropic.MessageStreamEventUnion], logger zerolog.Logger) *stream {
	s := &stream{
		ctx:     ctx,
		sse:     sse,
		chunks:  make([]*llm.Chunk, 0),
		current: -1,
		logger:  logger,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Next advances to the next chunk in the stream.
func (s *stream) Next() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.started = true
		go s.readLoop()
	}

	s.current++

	// Wait for the reader to produce the chunk we are positioned at.
	for s.current >= len(s.chunks) && !s.done && s.err == nil {
		s.cond.Wait()
	}

	if s.err != nil {
		return false
	}
	return s.current < len(s.chunks)
}

// Chunk returns the current chunk.
func (s *stream) Chunk() *llm.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current < 0 || s.current >= len(s.chunks) {
		return nil
	}
	return s.chunks[s.current]
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
	s.cond.Broadcast()
	if s.sse != nil {
		return s.sse.Close()
	}
	return nil
}

// readLoop drains the SSE stream into the chunk buffer.
func (s *stream) readLoop() {
	var partial strings.Builder
	var usage *llm.Usage
	index := 0

	for s.sse.Next() {
		event := s.sse.Current()

		s.mu.Lock()
		if s.done {
			// Closed by the consumer mid-stream; stop reading.
			s.mu.Unlock()
			return
		}

		switch evt := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := evt.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				partial.WriteString(delta.Text)
				s.chunks = append(s.chunks, &llm.Chunk{
					Index: index,
					Text:  delta.Text,
				})
				index++
				s.cond.Broadcast()
			}

		case anthropic.MessageDeltaEvent:
			usage = &llm.Usage{
				InputTokens:  evt.Usage.InputTokens,
				OutputTokens: evt.Usage.OutputTokens,
			}

		case anthropic.MessageStopEvent:
			s.chunks = append(s.chunks, &llm.Chunk{
				Index:        index,
				Final:        true,
				Usage:        usage,
				FinishReason: "stop",
			})
			s.done = true
			s.cond.Broadcast()
			s.mu.Unlock()
			return
		}

		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sse.Err(); err != nil && !s.done {
		if partial.Len() > 0 {
			s.err = llm.NewStreamInterruptedError(llm.ProviderAnthropic,
				"anthropic stream interrupted", partial.String(), err)
		} else {
			s.err = convertError(err)
		}
		s.done = true
		s.cond.Broadcast()
		return
	}

	// Connection ended without a stop event or an error. Treat the response
	// as incomplete so no caller mistakes a truncated stream for a full one.
	if !s.done {
		s.err = llm.NewStreamInterruptedError(llm.ProviderAnthropic,
			"anthropic stream ended without completion", partial.String(), nil)
		s.done = true
		s.cond.Broadcast()
	}
}
