// Package retrieval implements the evidence-gathering engine behind the
// query pipeline. Given a route it queries the remote document and graph
// backends when they are configured, falls back to local token-overlap
// scoring over the session corpus when they are not (or when they fail),
// reranks the merged candidates, and returns a bundle whose degradation
// flags tell the response policy how trustworthy the evidence is.
//
// The engine never returns backend errors to its caller. A failed remote
// call is recorded as a failure tag on the bundle and the branch falls back
// to local data; the response policy downgrades confidence accordingly.
package retrieval

import (
	"context"

	"github.com/trellishq/trellis/runtime/router"
	"github.com/trellishq/trellis/runtime/store"
)

// SourceType classifies where a hit came from.
type SourceType string

const (
	// SourcePrivateDocument is a chunk of a document the user uploaded.
	SourcePrivateDocument SourceType = "private_document"

	// SourceDemoDocument is a chunk of the shared demo corpus.
	SourceDemoDocument SourceType = "demo_document"

	// SourceSharedGraph is an edge or entity from the shared knowledge
	// graph.
	SourceSharedGraph SourceType = "shared_graph"

	// SourceAggregate is the synthetic corpus-count hit.
	SourceAggregate SourceType = "aggregate"
)

// Rerank strategy labels reported on bundles.
const (
	// StrategyHeuristic is the default score normalisation rerank.
	StrategyHeuristic = "score_normalization_v2"

	// StrategyLLM is the model-scored rerank.
	StrategyLLM = "llm_rerank_v1"

	// StrategyAggregate marks aggregate bundles, which carry one synthetic
	// hit and are never reranked.
	StrategyAggregate = "aggregate_count"

	// StrategyNone marks bundles that carry no retrieval at all.
	StrategyNone = "none"
)

type (
	// Hit is one scored piece of evidence.
	Hit struct {
		SourceID   string     `json:"source_id"`
		Score      float64    `json:"score"`
		Content    string     `json:"content"`
		SourceType SourceType `json:"source_type"`
		Location   string     `json:"location"`
	}

	// Bundle is the outcome of one retrieval pass: ranked hits plus the
	// degradation record. Degraded is true exactly when BackendFailures is
	// non-empty.
	Bundle struct {
		Route           router.Route `json:"route"`
		Hits            []Hit        `json:"hits"`
		Degraded        bool         `json:"degraded"`
		BackendFailures []string     `json:"backend_failures,omitempty"`
		RerankStrategy  string       `json:"rerank_strategy"`

		// BranchStats reports per-branch telemetry for hybrid bundles in
		// completion order, so callers can reconstruct what ran without
		// owning the fan-out.
		BranchStats []BranchStat `json:"-"`
	}

	// BranchStat summarises one retrieval branch of a hybrid pass.
	BranchStat struct {
		Branch    string
		Hits      int
		LatencyMS int64
		Fallback  bool
	}
)

// TopScore returns the highest hit score, zero for empty bundles.
func (b Bundle) TopScore() float64 {
	if len(b.Hits) == 0 {
		return 0
	}
	return b.Hits[0].Score
}

// DocumentStore is the remote private-document backend. Implementations
// authenticate each call with the caller's access token so row-level
// security applies server side.
type DocumentStore interface {
	// MatchChunks runs a vector similarity search over the user's chunks.
	MatchChunks(ctx context.Context, userToken string, queryVector []float64, k int, threshold float64) ([]Hit, error)

	// UpsertChunk writes one embedded chunk.
	UpsertChunk(ctx context.Context, userToken string, chunk store.DocumentChunk) error

	// CountChunks returns how many chunks the user has stored.
	CountChunks(ctx context.Context, userToken string) (int, error)
}

// GraphStore is the remote shared-graph backend.
type GraphStore interface {
	// Search runs the weighted multi-pattern entity search.
	Search(ctx context.Context, query string, k int) ([]Hit, error)

	// CountEdges returns the total number of relationships in the graph.
	CountEdges(ctx context.Context) (int, error)

	// Close releases the underlying driver.
	Close(ctx context.Context) error
}
