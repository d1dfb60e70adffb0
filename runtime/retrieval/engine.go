package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trellishq/trellis/runtime/faults"
	"github.com/trellishq/trellis/runtime/model"
	"github.com/trellishq/trellis/runtime/retrieval/embedding"
	"github.com/trellishq/trellis/runtime/router"
	"github.com/trellishq/trellis/runtime/store"
	"github.com/trellishq/trellis/runtime/telemetry"
)

// Rerank backend selectors.
const (
	RerankBackendHeuristic = "heuristic"
	RerankBackendLLM       = "llm"
)

// Branch candidate limits per route. Hybrid gathers a slightly larger pool
// per branch and trims after the merge.
const (
	documentLimit     = 5
	graphLimit        = 5
	hybridBranchLimit = 6
	hybridTopK        = 6
)

// matchThreshold is the minimum similarity a remote vector match must reach.
const matchThreshold = 0.1

// DefaultRemoteTimeout bounds every remote backend and model call.
const DefaultRemoteTimeout = 20 * time.Second

// Backend names used in failure tags.
const (
	backendSupabase = "supabase"
	backendNeo4j    = "neo4j"
)

type (
	// Engine gathers evidence for a routed query. All remote backends are
	// optional; a fully local engine serves demo traffic from the seeded
	// corpus. Safe for concurrent use.
	Engine struct {
		store     *store.Store
		embedder  embedding.Provider
		documents DocumentStore
		graph     GraphStore

		rerankBackend string
		rerankModel   string
		reranker      *llmReranker

		remoteTimeout time.Duration

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		embeddings *cache[[]float64]
		bundles    *cache[Bundle]
	}

	// Options configures an Engine.
	Options struct {
		// Store supplies the local corpus, private chunks and seeds.
		// Required.
		Store *store.Store

		// Embedder produces query vectors for remote matching. Required.
		Embedder embedding.Provider

		// Documents is the remote private-document backend. Optional.
		Documents DocumentStore

		// Graph is the remote shared-graph backend. Optional.
		Graph GraphStore

		// RerankBackend selects heuristic or llm reranking. Empty selects
		// heuristic.
		RerankBackend string

		// RerankModel is the model identifier for llm reranking.
		RerankModel string

		// RerankClient scores candidates when the llm backend is selected.
		// Without it the engine always falls back to the heuristic.
		RerankClient model.Client

		// RemoteTimeout bounds remote calls. Zero selects
		// DefaultRemoteTimeout.
		RemoteTimeout time.Duration

		// Logger, Metrics and Tracer default to no-op implementations.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Request describes one retrieval pass.
	Request struct {
		// Route selects the branch strategy.
		Route router.Route

		// Query is the resolved question text.
		Query string

		// UserID identifies the authenticated user; empty for demo
		// sessions.
		UserID string

		// UserToken authenticates remote document calls. Empty keeps the
		// document branch local.
		UserToken string

		// RuntimeKey is the resolved provider key. Required for llm
		// reranking; unused otherwise.
		RuntimeKey string

		// PoolScale multiplies the branch candidate limits. Zero or one
		// keeps the defaults; refinement passes widen the pool.
		PoolScale int

		// SkipCache forces a fresh pass that neither reads nor writes the
		// bundle cache. Refinement passes set it.
		SkipCache bool
	}
)

// New constructs an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("trellis: retrieval store is required")
	}
	if opts.Embedder == nil {
		return nil, errors.New("trellis: embedding provider is required")
	}
	backend := opts.RerankBackend
	if backend == "" {
		backend = RerankBackendHeuristic
	}
	if backend != RerankBackendHeuristic && backend != RerankBackendLLM {
		return nil, fmt.Errorf("trellis: unknown rerank backend %q", backend)
	}
	e := &Engine{
		store:         opts.Store,
		embedder:      opts.Embedder,
		documents:     opts.Documents,
		graph:         opts.Graph,
		rerankBackend: backend,
		rerankModel:   opts.RerankModel,
		remoteTimeout: opts.RemoteTimeout,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
		embeddings:    newCache[[]float64](),
		bundles:       newCache[Bundle](),
	}
	if e.remoteTimeout <= 0 {
		e.remoteTimeout = DefaultRemoteTimeout
	}
	if e.logger == nil {
		e.logger = telemetry.NewNoopLogger()
	}
	if e.metrics == nil {
		e.metrics = telemetry.NewNoopMetrics()
	}
	if e.tracer == nil {
		e.tracer = telemetry.NewNoopTracer()
	}
	if backend == RerankBackendLLM && opts.RerankClient != nil {
		reranker, err := newLLMReranker(opts.RerankClient, opts.RerankModel)
		if err != nil {
			return nil, err
		}
		e.reranker = reranker
	}
	return e, nil
}

// Retrieve gathers evidence for the request. It never returns an error:
// backend failures degrade the bundle and the branch falls back to local
// scoring. Identical requests within a process return equal bundles via the
// bundle cache unless SkipCache is set.
func (e *Engine) Retrieve(ctx context.Context, req Request) Bundle {
	ctx, span := e.tracer.Start(ctx, "retrieval.retrieve")
	defer span.End()

	key := e.cacheKey(req)
	if !req.SkipCache {
		if cached, ok := e.bundles.get(key); ok {
			e.metrics.IncCounter("retrieval.cache.hit", 1, "route", string(req.Route))
			return cloneBundle(cached)
		}
		e.metrics.IncCounter("retrieval.cache.miss", 1, "route", string(req.Route))
	}

	scale := req.PoolScale
	if scale < 1 {
		scale = 1
	}

	started := time.Now()
	var bundle Bundle
	switch req.Route {
	case router.RouteDocument:
		bundle = e.retrieveDocument(ctx, req, documentLimit*scale)
	case router.RouteGraph:
		bundle = e.retrieveGraph(ctx, req, graphLimit*scale)
	case router.RouteHybrid:
		bundle = e.retrieveHybrid(ctx, req, hybridBranchLimit*scale)
	case router.RouteAggregate:
		bundle = e.retrieveAggregate(ctx, req)
	default:
		bundle = Bundle{Route: req.Route, RerankStrategy: StrategyNone}
	}
	bundle.Degraded = len(bundle.BackendFailures) > 0
	e.metrics.RecordTimer("retrieval.duration", time.Since(started), "route", string(req.Route))
	if bundle.Degraded {
		span.AddEvent("retrieval.degraded", "failures", len(bundle.BackendFailures))
	}

	if !req.SkipCache {
		e.bundles.set(key, cloneBundle(bundle))
	}
	return bundle
}

func (e *Engine) cacheKey(req Request) string {
	return string(req.Route) + "|" + req.UserID + "|" + SemanticKey(req.Query) +
		"|" + e.rerankBackend + "|" + e.rerankModel
}

func (e *Engine) retrieveDocument(ctx context.Context, req Request, limit int) Bundle {
	hits, failures := e.documentBranch(ctx, req, limit)
	ranked, strategy := e.rerank(ctx, req, hits)
	return Bundle{
		Route:           req.Route,
		Hits:            ranked,
		BackendFailures: failures,
		RerankStrategy:  strategy,
	}
}

func (e *Engine) retrieveGraph(ctx context.Context, req Request, limit int) Bundle {
	hits, failures := e.graphBranch(ctx, req, limit)
	ranked, strategy := e.rerank(ctx, req, hits)
	return Bundle{
		Route:           req.Route,
		Hits:            ranked,
		BackendFailures: failures,
		RerankStrategy:  strategy,
	}
}

// retrieveHybrid runs the document and graph branches concurrently, joins,
// then reranks the combined pool and keeps the top hits.
func (e *Engine) retrieveHybrid(ctx context.Context, req Request, branchLimit int) Bundle {
	var (
		mu            sync.Mutex
		stats         []BranchStat
		docHits       []Hit
		docFailures   []string
		graphHits     []Hit
		graphFailures []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		started := time.Now()
		hits, failures := e.documentBranch(gctx, req, branchLimit)
		mu.Lock()
		defer mu.Unlock()
		docHits, docFailures = hits, failures
		stats = append(stats, BranchStat{
			Branch:    "document_branch",
			Hits:      len(hits),
			LatencyMS: time.Since(started).Milliseconds(),
			Fallback:  len(failures) > 0,
		})
		return nil
	})
	g.Go(func() error {
		started := time.Now()
		hits, failures := e.graphBranch(gctx, req, branchLimit)
		mu.Lock()
		defer mu.Unlock()
		graphHits, graphFailures = hits, failures
		stats = append(stats, BranchStat{
			Branch:    "graph_branch",
			Hits:      len(hits),
			LatencyMS: time.Since(started).Milliseconds(),
			Fallback:  len(failures) > 0,
		})
		return nil
	})
	// Branches degrade instead of failing, so the only wait outcome is the
	// join barrier itself.
	_ = g.Wait()

	combined := make([]Hit, 0, len(docHits)+len(graphHits))
	combined = append(combined, docHits...)
	combined = append(combined, graphHits...)
	ranked, strategy := e.rerank(ctx, req, combined)
	ranked = capHits(ranked, hybridTopK)

	failures := make([]string, 0, len(docFailures)+len(graphFailures))
	failures = append(failures, docFailures...)
	failures = append(failures, graphFailures...)
	if len(failures) == 0 {
		failures = nil
	}
	return Bundle{
		Route:           req.Route,
		Hits:            ranked,
		BackendFailures: failures,
		RerankStrategy:  strategy,
		BranchStats:     stats,
	}
}

// retrieveAggregate produces the single synthetic count hit. Counts come
// from the remote backends when they are configured and reachable, from the
// local corpus otherwise; count failures degrade the bundle like any other
// backend failure.
func (e *Engine) retrieveAggregate(ctx context.Context, req Request) Bundle {
	var failures []string

	documents := e.localDocumentCount(req)
	if req.UserID != "" && req.UserToken != "" && e.documents != nil {
		tctx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
		n, err := e.documents.CountChunks(tctx, req.UserToken)
		cancel()
		if err != nil {
			e.logger.Warn(ctx, "document count failed, using local count", "error", err.Error())
			failures = append(failures, faults.Tag(backendSupabase, err))
		} else {
			documents = n
		}
	}

	edges := len(e.store.SeedEdges())
	if e.graph != nil {
		tctx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
		n, err := e.graph.CountEdges(tctx)
		cancel()
		if err != nil {
			e.logger.Warn(ctx, "graph count failed, using local count", "error", err.Error())
			failures = append(failures, faults.Tag(backendNeo4j, err))
		} else {
			edges = n
		}
	}

	hit := Hit{
		SourceID: "aggregate-count",
		Score:    1.0,
		Content: fmt.Sprintf("Aggregate count: documents=%d, graph_edges=%d, total=%d",
			documents, edges, documents+edges),
		SourceType: SourceAggregate,
		Location:   "aggregate://counts",
	}
	return Bundle{
		Route:           req.Route,
		Hits:            []Hit{hit},
		BackendFailures: failures,
		RerankStrategy:  StrategyAggregate,
	}
}

func (e *Engine) localDocumentCount(req Request) int {
	if req.UserID != "" {
		return e.store.CountChunks(req.UserID)
	}
	return len(e.store.SeedDocuments())
}

// documentBranch returns document hits plus failure tags. The remote path
// requires an authenticated user with an access token; empty remote results
// and every remote error fall back to local token-overlap scoring.
func (e *Engine) documentBranch(ctx context.Context, req Request, limit int) ([]Hit, []string) {
	ctx, span := e.tracer.Start(ctx, "retrieval.document_branch")
	defer span.End()

	if req.UserID != "" && req.UserToken != "" && e.documents != nil {
		hits, err := e.matchRemoteChunks(ctx, req, limit)
		if err != nil {
			e.logger.Warn(ctx, "document backend failed, using local fallback", "error", err.Error())
			e.metrics.IncCounter("retrieval.backend.failure", 1, "backend", backendSupabase)
			span.RecordError(err)
			return e.localDocumentHits(req, limit), []string{faults.Tag(backendSupabase, err)}
		}
		if len(hits) > 0 {
			return capHits(hits, limit), nil
		}
	}
	return e.localDocumentHits(req, limit), nil
}

func (e *Engine) matchRemoteChunks(ctx context.Context, req Request, limit int) ([]Hit, error) {
	vector, err := e.queryEmbedding(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	tctx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
	defer cancel()
	return e.documents.MatchChunks(tctx, req.UserToken, vector, limit, matchThreshold)
}

// queryEmbedding embeds the query, caching by semantic key so paraphrases
// share one vector.
func (e *Engine) queryEmbedding(ctx context.Context, query string) ([]float64, error) {
	key := SemanticKey(query)
	if vector, ok := e.embeddings.get(key); ok {
		e.metrics.IncCounter("retrieval.embedding_cache.hit", 1)
		return append([]float64(nil), vector...), nil
	}
	tctx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
	defer cancel()
	vector, err := e.embedder.EmbedQuery(tctx, query)
	if err != nil {
		return nil, err
	}
	e.embeddings.set(key, append([]float64(nil), vector...))
	return vector, nil
}

func (e *Engine) localDocumentHits(req Request, limit int) []Hit {
	var hits []Hit
	if req.UserID != "" {
		for _, chunk := range e.store.ChunksForUser(req.UserID) {
			score := TokenOverlap(req.Query, chunk.Content)
			if score <= 0 {
				continue
			}
			hits = append(hits, Hit{
				SourceID:   chunk.ChunkID,
				Score:      score,
				Content:    chunk.Content,
				SourceType: SourcePrivateDocument,
				Location: fmt.Sprintf("%s:page=%d:%d-%d",
					chunk.Metadata.Source, chunk.Metadata.Page,
					chunk.Metadata.OffsetStart, chunk.Metadata.OffsetEnd),
			})
		}
	} else {
		for _, doc := range e.store.SeedDocuments() {
			score := TokenOverlap(req.Query, doc.Content)
			if score <= 0 {
				continue
			}
			hits = append(hits, Hit{
				SourceID:   doc.ChunkID,
				Score:      score,
				Content:    doc.Content,
				SourceType: SourceDemoDocument,
				Location:   doc.Source,
			})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return capHits(hits, limit)
}

// graphBranch returns graph hits plus failure tags, falling back to the
// seeded edges when no remote graph is configured or the search fails.
func (e *Engine) graphBranch(ctx context.Context, req Request, limit int) ([]Hit, []string) {
	ctx, span := e.tracer.Start(ctx, "retrieval.graph_branch")
	defer span.End()

	if e.graph != nil {
		tctx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
		hits, err := e.graph.Search(tctx, req.Query, limit)
		cancel()
		if err != nil {
			e.logger.Warn(ctx, "graph backend failed, using local fallback", "error", err.Error())
			e.metrics.IncCounter("retrieval.backend.failure", 1, "backend", backendNeo4j)
			span.RecordError(err)
			return e.localGraphHits(req, limit), []string{faults.Tag(backendNeo4j, err)}
		}
		if len(hits) > 0 {
			return capHits(hits, limit), nil
		}
	}
	return e.localGraphHits(req, limit), nil
}

func (e *Engine) localGraphHits(req Request, limit int) []Hit {
	var hits []Hit
	for i, edge := range e.store.SeedEdges() {
		content := fmt.Sprintf("%s %s %s. Evidence: %s",
			edge.Source, edge.Relationship, edge.Target, edge.Evidence)
		score := TokenOverlap(req.Query, content)
		if score <= 0 {
			continue
		}
		hits = append(hits, Hit{
			SourceID:   fmt.Sprintf("graph-edge-%d", i+1),
			Score:      score,
			Content:    content,
			SourceType: SourceSharedGraph,
			Location:   edge.Source + "-" + edge.Relationship + "-" + edge.Target,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return capHits(hits, limit)
}

// rerank applies the configured strategy. The llm backend needs a client
// and a resolved key; anything else, including llm failures, lands on the
// heuristic with its label.
func (e *Engine) rerank(ctx context.Context, req Request, hits []Hit) ([]Hit, string) {
	if e.rerankBackend == RerankBackendLLM && e.reranker != nil && req.RuntimeKey != "" && len(hits) > 0 {
		tctx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
		ranked, err := e.reranker.rerank(tctx, req.Query, hits)
		cancel()
		if err == nil {
			return ranked, StrategyLLM
		}
		e.logger.Warn(ctx, "llm rerank failed, using heuristic", "error", err.Error())
		e.metrics.IncCounter("retrieval.rerank.fallback", 1)
	}
	return rerankHeuristic(req.Query, hits), StrategyHeuristic
}

func capHits(hits []Hit, limit int) []Hit {
	if limit > 0 && len(hits) > limit {
		return hits[:limit]
	}
	return hits
}

func cloneBundle(b Bundle) Bundle {
	out := b
	if b.Hits != nil {
		out.Hits = append([]Hit(nil), b.Hits...)
	}
	if b.BackendFailures != nil {
		out.BackendFailures = append([]string(nil), b.BackendFailures...)
	}
	if b.BranchStats != nil {
		out.BranchStats = append([]BranchStat(nil), b.BranchStats...)
	}
	return out
}
