// Package embedding defines the text-embedding capability the retrieval
// engine and ingestion worker depend on, plus the deterministic local
// provider used when no remote model is configured.
package embedding

import "context"

// Provider maps text to fixed-dimension float vectors. Implementations must
// be safe for concurrent use.
type Provider interface {
	// EmbedDocuments embeds a batch of texts. The result holds one vector
	// per input in order; callers tolerate short results (missing vectors
	// stay empty).
	EmbedDocuments(ctx context.Context, texts []string) ([][]float64, error)

	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, text string) ([]float64, error)
}

// DefaultDimensions is the vector length used when none is configured. It
// matches the dimensionality of the hosted embedding models the remote
// stores are provisioned for.
const DefaultDimensions = 1536
