package ollama

import (
	"context"
	"strings"
	"sync"

	"github.com/ollama/ollama/api"

	"github.com/planforge/planforge/llm"
)

// errStreamClosed aborts the generate callback when the consumer closes early.
type errStreamClosed struct{}

func (errStreamClosed) Error() string { return "stream closed by consumer" }

// stream implements the llm.Stream interface for Ollama streaming responses.
// The api.Client delivers tokens through a callback, so a goroutine runs the
// request and appends each token to a buffer the consumer drains.
type stream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	client  *api.Client
	req     *api.GenerateRequest
	chunks  []*llm.Chunk
	current int
	mu      sync.Mutex
	cond    *sync.Cond
	err     error
	done    bool
	started bool
}

func newStream(ctx context.Context, client *api.Client, req *api.GenerateRequest) *stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &stream{
		ctx:     ctx,
		cancel:  cancel,
		client:  client,
		req:     req,
		chunks:  make([]*llm.Chunk, 0),
		current: -1,
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
		go s.run()
	}

	s.current++

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

// Close cancels an in-flight generation and releases the connection.
func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.cancel()
	s.cond.Broadcast()
	return nil
}

// run executes the generate request, feeding the chunk buffer from the
// token callback.
func (s *stream) run() {
	var partial strings.Builder
	index := 0

	err := s.client.Generate(s.ctx, s.req, func(resp api.GenerateResponse) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.done {
			return errStreamClosed{}
		}

		if resp.Response != "" {
			partial.WriteString(resp.Response)
			s.chunks = append(s.chunks, &llm.Chunk{
				Index: index,
				Text:  resp.Response,
			})
			index++
			s.cond.Broadcast()
		}

		if resp.Done {
			s.chunks = append(s.chunks, &llm.Chunk{
				Index: index,
				Final: true,
				Usage: &llm.Usage{
					InputTokens:  int64(resp.PromptEvalCount),
					OutputTokens: int64(resp.EvalCount),
				},
				FinishReason: doneReason(resp),
			})
			s.done = true
			s.cond.Broadcast()
		}
		return nil
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil && !s.done {
		if partial.Len() > 0 {
			s.err = llm.NewStreamInterruptedError(llm.ProviderOllama,
				"ollama stream interrupted", partial.String(), err)
		} else {
			s.err = convertError(err)
		}
		s.done = true
		s.cond.Broadcast()
		return
	}

	if !s.done {
		s.err = llm.NewStreamInterruptedError(llm.ProviderOllama,
			"ollama stream ended without completion", partial.String(), nil)
		s.done = true
		s.cond.Broadcast()
	}
}
