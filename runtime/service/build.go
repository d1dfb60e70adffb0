package service

import (
	"context"
	"fmt"

	"goa.design/clue/health"

	"github.com/trellishq/trellis/features/documents/supabase"
	"github.com/trellishq/trellis/features/documents/supabase/clients/postgrest"
	googleembed "github.com/trellishq/trellis/features/embedding/google"
	"github.com/trellishq/trellis/features/graph/neo4j"
	"github.com/trellishq/trellis/features/graph/neo4j/clients/bolt"
	"github.com/trellishq/trellis/features/model/anthropic"
	googlemodel "github.com/trellishq/trellis/features/model/google"
	"github.com/trellishq/trellis/features/model/middleware"
	"github.com/trellishq/trellis/features/model/openai"
	"github.com/trellishq/trellis/runtime/access"
	"github.com/trellishq/trellis/runtime/config"
	"github.com/trellishq/trellis/runtime/critic"
	"github.com/trellishq/trellis/runtime/faults"
	"github.com/trellishq/trellis/runtime/ingest"
	"github.com/trellishq/trellis/runtime/memory"
	"github.com/trellishq/trellis/runtime/model"
	"github.com/trellishq/trellis/runtime/orchestrator"
	"github.com/trellishq/trellis/runtime/retrieval"
	"github.com/trellishq/trellis/runtime/retrieval/embedding"
	"github.com/trellishq/trellis/runtime/store"
	"github.com/trellishq/trellis/runtime/telemetry"
)

type (
	// BuildOptions configures Build. Config is the only required field.
	BuildOptions struct {
		// Config selects backends, models and budgets.
		Config config.Config

		// ModelClient overrides provider selection for critic and rerank
		// calls. Required when MODEL_PROVIDER is bedrock, whose adapter
		// needs a pre-built AWS runtime client. Overrides are used as
		// given; the adaptive rate limiter only wraps clients Build
		// constructs itself.
		ModelClient model.Client

		// LookupEnv overrides environment resolution for the runtime key
		// fallback. Nil uses os.LookupEnv.
		LookupEnv func(string) (string, bool)

		// Logger, Metrics and Tracer default to no-op implementations.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Runtime bundles the assembled service with the health pingers of its
	// remote backends and the connections Close releases.
	Runtime struct {
		// Service is the assembled facade, stopped. Call Start before
		// accepting uploads.
		Service *Service

		// Pingers report reachability of the configured remote backends,
		// ready to mount on a health checker.
		Pingers []health.Pinger

		closers []func(context.Context) error
	}
)

// Close stops the ingestion worker and releases remote connections.
func (r *Runtime) Close(ctx context.Context) error {
	r.Service.Stop(ctx)
	var first error
	for _, cl := range r.closers {
		if err := cl(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build assembles a Service from configuration: deterministic or remote
// backends, model-backed critic and rerank when selected, snapshot
// persistence and quota control. The returned runtime owns the remote
// connections; callers Start the service and Close the runtime on shutdown.
func Build(ctx context.Context, opts BuildOptions) (*Runtime, error) {
	cfg := opts.Config
	rt := &Runtime{}
	fail := func(err error) (*Runtime, error) {
		for _, cl := range rt.closers {
			_ = cl(ctx)
		}
		return nil, err
	}

	st, err := store.New(store.Options{SnapshotPath: cfg.SnapshotPath})
	if err != nil {
		return nil, fmt.Errorf("build store: %w", err)
	}

	var embedder embedding.Provider
	switch cfg.EmbeddingBackend {
	case config.BackendGoogle:
		key := cfg.EnvironmentKey()
		if key == "" {
			return nil, faults.Newf(faults.KindConfiguration,
				"EMBEDDING_BACKEND google requires GEMINI_API_KEY or GOOGLE_API_KEY")
		}
		embedder, err = googleembed.New(ctx, googleembed.Options{
			APIKey:     key,
			Dimensions: cfg.EmbeddingDimensions,
		})
		if err != nil {
			return nil, fmt.Errorf("build gemini embedder: %w", err)
		}
	default:
		embedder = embedding.NewDeterministic(cfg.EmbeddingDimensions)
	}

	var documents retrieval.DocumentStore
	if cfg.SupabaseConfigured() {
		client, err := postgrest.New(postgrest.Options{
			BaseURL: cfg.SupabaseURL,
			AnonKey: cfg.SupabaseAnonKey,
		})
		if err != nil {
			return nil, fmt.Errorf("build supabase client: %w", err)
		}
		docs, err := supabase.NewStore(supabase.Options{Client: client})
		if err != nil {
			return nil, fmt.Errorf("build supabase store: %w", err)
		}
		documents = docs
		rt.Pingers = append(rt.Pingers, client)
	}

	var graph retrieval.GraphStore
	if cfg.Neo4jConfigured() {
		client, err := bolt.New(bolt.Options{
			URI:      cfg.Neo4jURI,
			Username: cfg.Neo4jUsername,
			Password: cfg.Neo4jPassword,
			Database: cfg.Neo4jDatabase,
		})
		if err != nil {
			return nil, fmt.Errorf("build neo4j client: %w", err)
		}
		graphStore, err := neo4j.NewStore(neo4j.Options{Client: client})
		if err != nil {
			_ = client.Close(ctx)
			return nil, fmt.Errorf("build neo4j store: %w", err)
		}
		graph = graphStore
		rt.Pingers = append(rt.Pingers, client)
		rt.closers = append(rt.closers, graphStore.Close)
	}

	modelClient := opts.ModelClient
	needModel := cfg.CriticBackend == config.BackendGoogle ||
		cfg.RerankBackend == retrieval.RerankBackendLLM
	if modelClient == nil && needModel {
		modelClient, err = buildModelClient(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		modelClient = middleware.NewAdaptiveRateLimiter(0, 0).Middleware()(modelClient)
	}

	engine, err := retrieval.New(retrieval.Options{
		Store:         st,
		Embedder:      embedder,
		Documents:     documents,
		Graph:         graph,
		RerankBackend: cfg.RerankBackend,
		RerankModel:   cfg.RerankModel,
		RerankClient:  modelClient,
		Logger:        opts.Logger,
		Metrics:       opts.Metrics,
		Tracer:        opts.Tracer,
	})
	if err != nil {
		return fail(fmt.Errorf("build retrieval engine: %w", err))
	}

	var criticModel critic.Model
	if cfg.CriticBackend == config.BackendGoogle {
		criticModel, err = critic.NewModelCritic(modelClient, cfg.CriticModel)
		if err != nil {
			return fail(fmt.Errorf("build model critic: %w", err))
		}
	}

	mem := memory.New(st, 0)

	// Config zero means refinement off; the orchestrator reserves zero for
	// its own default.
	maxRefinements := cfg.CriticMaxRefinements
	if maxRefinements == 0 {
		maxRefinements = -1
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Engine:         engine,
		Memory:         mem,
		Critic:         criticModel,
		MaxRefinements: maxRefinements,
		MaxSteps:       cfg.PlannerMaxSteps,
		Sequential:     !cfg.EnableDAGEngine,
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
		Tracer:         opts.Tracer,
	})
	if err != nil {
		return fail(fmt.Errorf("build orchestrator: %w", err))
	}

	worker, err := ingest.NewWorker(ingest.Options{
		Store:     st,
		Embedder:  embedder,
		Documents: documents,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
		Tracer:    opts.Tracer,
	})
	if err != nil {
		return fail(fmt.Errorf("build ingestion worker: %w", err))
	}

	svc, err := New(Options{
		Orchestrator: orch,
		Store:        st,
		Access: access.New(access.Options{
			Store:     st,
			DemoQuota: cfg.DemoQuota,
			LookupEnv: opts.LookupEnv,
		}),
		Worker:  worker,
		Memory:  mem,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		Tracer:  opts.Tracer,
	})
	if err != nil {
		return fail(err)
	}
	rt.Service = svc
	return rt, nil
}

// buildModelClient constructs the provider-selected completion client shared
// by the model critic and the llm reranker.
func buildModelClient(ctx context.Context, cfg config.Config) (model.Client, error) {
	switch cfg.ModelProvider {
	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, faults.Newf(faults.KindConfiguration,
				"MODEL_PROVIDER anthropic requires ANTHROPIC_API_KEY")
		}
		return anthropic.NewFromAPIKey(cfg.AnthropicAPIKey, cfg.CriticModel)
	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, faults.Newf(faults.KindConfiguration,
				"MODEL_PROVIDER openai requires OPENAI_API_KEY")
		}
		return openai.NewFromAPIKey(cfg.OpenAIAPIKey, cfg.CriticModel)
	case config.ProviderBedrock:
		return nil, faults.Newf(faults.KindConfiguration,
			"MODEL_PROVIDER bedrock requires a pre-built client; set BuildOptions.ModelClient")
	default:
		key := cfg.EnvironmentKey()
		if key == "" {
			return nil, faults.Newf(faults.KindConfiguration,
				"MODEL_PROVIDER google requires GEMINI_API_KEY or GOOGLE_API_KEY")
		}
		return googlemodel.New(ctx, googlemodel.Options{APIKey: key})
	}
}
