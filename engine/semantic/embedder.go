package semantic

import "context"

// Embedder produces a dense embedding for a piece of text. pkg/ollama
// implements this against a local Ollama server.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
