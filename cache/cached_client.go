package cache

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/planforge/planforge/llm"
)

// CachedClient wraps an llm.Client with the response cache. Identical
// concurrent misses are collapsed into a single provider call; the other
// callers share the winner's response. Errors are never cached.
type CachedClient struct {
	inner  llm.Client
	cache  *Cache
	group  singleflight.Group
	logger zerolog.Logger
}

// NewCachedClient wraps inner with the given cache.
func NewCachedClient(inner llm.Client, cache *Cache, logger zerolog.Logger) *CachedClient {
	return &CachedClient{
		inner:  inner,
		cache:  cache,
		logger: logger,
	}
}

// Generate implements llm.Client.Generate with caching.
func (c *CachedClient) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	key := Fingerprint(req)

	resp, ok, err := c.cache.Get(key)
	if err != nil {
		return nil, err
	}
	if ok {
		c.logger.Debug().Str("fingerprint", key[:12]).Msg("cache hit")
		return resp, nil
	}

	// Collapse concurrent identical misses into one provider call. Expired
	// entries funnel through here too, so a cold key refills exactly once.
	result, err, shared := c.group.Do(key, func() (interface{}, error) {
		resp, err := c.inner.Generate(ctx, req)
		if err != nil {
			return nil, err
		}
		c.cache.Put(key, req, resp)
		c.maybeSweep()
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug().Str("fingerprint", key[:12]).Msg("request coalesced")
	}
	resp, ok = result.(*llm.Response)
	if !ok {
		return nil, fmt.Errorf("%w: single-flight produced %T", ErrCorrupt, result)
	}
	return resp, nil
}

// Stream implements llm.Client.Stream with caching. A cache hit replays the
// stored response as a single terminal chunk. A miss streams from the
// provider while accumulating chunks; the reassembled response is stored
// only once the terminal chunk arrives, so interrupted or abandoned streams
// never pollute the cache.
func (c *CachedClient) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	key := Fingerprint(req)

	resp, ok, err := c.cache.Get(key)
	if err != nil {
		return nil, err
	}
	if ok {
		c.logger.Debug().Str("fingerprint", key[:12]).Msg("cache hit (stream)")
		return newReplayStream(resp), nil
	}

	inner, err := c.inner.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return &teeStream{inner: inner, cache: c.cache, key: key, req: req, onStore: c.maybeSweep}, nil
}

// maybeSweep reclaims expired entries on roughly one store in a hundred, so
// long-running processes bound memory without a background goroutine.
func (c *CachedClient) maybeSweep() {
	if rand.Intn(100) == 0 {
		c.cache.Sweep()
	}
}

// InvalidateRequest drops any cached response for the given request.
func (c *CachedClient) InvalidateRequest(req *llm.Request) {
	c.cache.Invalidate(Fingerprint(req))
}

// replayStream serves a cached response as a one-chunk stream.
type replayStream struct {
	resp    *llm.Response
	emitted bool
	read    bool
}

func newReplayStream(resp *llm.Response) *replayStream {
	return &replayStream{resp: resp}
}

func (s *replayStream) Next() bool {
	if s.emitted {
		return false
	}
	s.emitted = true
	s.read = true
	return true
}

func (s *replayStream) Chunk() *llm.Chunk {
	if !s.read {
		return nil
	}
	return &llm.Chunk{
		Index:        0,
		Text:         s.resp.Text,
		Final:        true,
		Usage:        s.resp.Usage,
		FinishReason: s.resp.FinishReason,
	}
}

func (s *replayStream) Err() error   { return nil }
func (s *replayStream) Close() error { return nil }

// teeStream passes chunks through while reassembling the full response.
// The terminal chunk triggers the cache write.
type teeStream struct {
	inner   llm.Stream
	cache   *Cache
	key     string
	req     *llm.Request
	onStore func()

	mu     sync.Mutex
	text   strings.Builder
	stored bool
}

func (s *teeStream) Next() bool {
	ok := s.inner.Next()
	if !ok {
		return false
	}

	chunk := s.inner.Chunk()
	if chunk == nil {
		return ok
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.text.WriteString(chunk.Text)
	if chunk.Final && !s.stored {
		s.stored = true
		s.cache.Put(s.key, s.req, &llm.Response{
			Text:         s.text.String(),
			Usage:        chunk.Usage,
			FinishReason: chunk.FinishReason,
		})
		if s.onStore != nil {
			s.onStore()
		}
	}
	return true
}

func (s *teeStream) Chunk() *llm.Chunk { return s.inner.Chunk() }
func (s *teeStream) Err() error        { return s.inner.Err() }
func (s *teeStream) Close() error      { return s.inner.Close() }
