// Package embedder provides interfaces for text embedding providers.
//
// It defines the Provider interface that all embedding implementations must
// satisfy, enabling text-to-vector conversion for similarity search.
package embedder

import "context"

// MaxInputChars is the maximum input length accepted by an embedding request.
// Longer text is truncated before the request is sent.
const MaxInputChars = 2048

// Provider defines the interface for embedding providers.
//
// All embedding implementations (OpenAI-compatible, local, etc.) must
// implement this interface. Provider errors are treated as transient by
// callers: they are never retried inside this module and dependent features
// degrade rather than fail.
type Provider interface {
	// Embed converts a text string into a vector embedding.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - text: The input text to embed (truncated to MaxInputChars)
	//
	// Returns the embedding vector and any error.
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch converts multiple text strings into vector embeddings.
	//
	// More efficient than calling Embed in a loop when the provider supports
	// batching.
	//
	// Returns a slice of embedding vectors, order matching the input texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions returns the dimension of vectors produced by this provider.
	Dimensions() int

	// Close closes the provider and releases resources.
	Close() error
}

// Truncate clips text to MaxInputChars. Providers call it on every input so
// oversized memory entries never produce a request the provider rejects.
func Truncate(text string) string {
	if len(text) <= MaxInputChars {
		return text
	}
	return text[:MaxInputChars]
}
