// Package llm provides a provider-neutral abstraction layer for text
// generation APIs.
//
// This package defines common types, interfaces, and utilities that allow the
// codebase to work with multiple providers (Anthropic, OpenAI, Ollama) without
// being tightly coupled to any specific provider's SDK.
//
// # Core Concepts
//
//  1. Requests: the Request type carries the rendered prompt together with
//     every generation option that affects output (model, max tokens,
//     temperature, top-p, function schemas). Requests are immutable once
//     constructed.
//
//  2. Client Interface: the Client interface provides Generate() for complete
//     responses and Stream() for incremental delivery. Implementations handle
//     provider-specific details.
//
//  3. Streams: a Stream yields ordered Chunks; exactly one chunk carries the
//     Final flag together with usage and finish-reason metadata.
//
//  4. Errors: the Error type provides a uniform taxonomy (authentication,
//     invalid_request, rate_limit, provider_unavailable, stream_interrupted)
//     with retryability and retry-after hints. Adapters translate their
//     wire-specific error shapes into this taxonomy; no provider type leaks
//     past the adapter boundary.
//
// # Extension Points
//
// To add a new provider:
//  1. Implement the Client interface.
//  2. Translate between provider-specific types and llm package types.
//  3. Translate provider errors into llm.Error values.
package llm
