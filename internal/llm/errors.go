// Package llm provides the provider directory and the unified completion
// client speaking the OpenAI-compatible wire contract against every
// configured provider.
package llm

import "errors"

// Sentinel errors for provider resolution and upstream calls. Configuration
// errors surface verbatim; upstream errors are classified by the engine's
// fallback loop.
var (
	// ErrUnsupportedProvider indicates an unknown provider name.
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrMissingEndpoint indicates the provider has no base_url configured.
	ErrMissingEndpoint = errors.New("provider base_url not configured")

	// ErrMissingCredential indicates the provider has no api_key configured.
	ErrMissingCredential = errors.New("provider api_key not configured")

	// ErrProviderCall indicates a failed non-streaming completion call
	// (non-2xx response or an empty choice list).
	ErrProviderCall = errors.New("provider call failed")

	// ErrProviderStream indicates a streaming call failed before the first
	// byte arrived.
	ErrProviderStream = errors.New("provider stream failed")

	// ErrEmptyEmbedding indicates the embedding endpoint returned no vector.
	ErrEmptyEmbedding = errors.New("empty embedding result")

	// ErrNoProviderAvailable indicates the fallback chain was empty.
	ErrNoProviderAvailable = errors.New("no provider available")
)
