package llm

import (
	"context"
)

// Client provides a provider-neutral interface for text generation.
// Implementations handle provider-specific wire formats internally and
// translate provider errors into the *Error taxonomy of this package.
type Client interface {
	// Generate sends a request and returns a complete response.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// Stream sends a request and returns a stream of ordered chunks.
	// The returned stream is finite and not restartable: a caller that
	// needs the result twice must cache it or re-invoke.
	Stream(ctx context.Context, req *Request) (Stream, error)
}

// Stream represents an in-progress streaming response.
type Stream interface {
	// Next advances to the next chunk. It returns false when the stream
	// is complete or an error occurred.
	Next() bool

	// Chunk returns the current chunk. Only valid after Next() returned true.
	Chunk() *Chunk

	// Err returns any error that occurred during streaming.
	Err() error

	// Close releases the underlying connection. Closing before the final
	// chunk abandons the generation; adapters must release the connection
	// promptly without corrupting shared state.
	Close() error
}
