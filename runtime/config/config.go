// Package config loads the environment-driven runtime configuration. Load
// takes a lookup function rather than reading the process environment
// directly so tests and embedders can supply their own sources; cmd binaries
// pass os.LookupEnv after loading .env with godotenv.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/trellishq/trellis/runtime/faults"
	"github.com/trellishq/trellis/runtime/retrieval"
	"github.com/trellishq/trellis/runtime/retrieval/embedding"
)

// Backend selectors shared by the embedding and critic configuration.
const (
	BackendDeterministic = "deterministic"
	BackendGoogle        = "google"
)

// Model provider selectors.
const (
	ProviderGoogle    = "google"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderBedrock   = "bedrock"
)

// DefaultModel is the model identifier used for the critic and the LLM
// reranker when none is configured.
const DefaultModel = "gemini-2.5-flash"

// DefaultDemoQuota is the number of demo queries a session may run.
const DefaultDemoQuota = 3

// Config is the validated runtime configuration.
type Config struct {
	EmbeddingDimensions  int
	EmbeddingBackend     string
	CriticBackend        string
	CriticMaxRefinements int
	CriticModel          string
	RerankBackend        string
	RerankModel          string
	ModelProvider        string
	PlannerMaxSteps      int
	EnableDAGEngine      bool
	DemoQuota            int

	SupabaseURL     string
	SupabaseAnonKey string

	Neo4jURI      string
	Neo4jUsername string
	Neo4jPassword string
	Neo4jDatabase string

	GeminiAPIKey    string
	GoogleAPIKey    string
	AnthropicAPIKey string
	OpenAIAPIKey    string

	SnapshotPath string
}

// SupabaseConfigured reports whether the remote document store can be built.
func (c Config) SupabaseConfigured() bool {
	return c.SupabaseURL != "" && c.SupabaseAnonKey != ""
}

// Neo4jConfigured reports whether the remote graph store can be built.
func (c Config) Neo4jConfigured() bool {
	return c.Neo4jURI != ""
}

// EnvironmentKey returns the provider key resolved from the environment
// settings, Gemini first.
func (c Config) EnvironmentKey() string {
	if c.GeminiAPIKey != "" {
		return c.GeminiAPIKey
	}
	return c.GoogleAPIKey
}

// Load reads the configuration through lookup, applying defaults and
// validating enumerations and numeric ranges. A nil lookup reads the process
// environment.
func Load(lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	cfg := Config{
		EmbeddingBackend: stringValue(lookup, "EMBEDDING_BACKEND", BackendDeterministic),
		CriticBackend:    stringValue(lookup, "CRITIC_BACKEND", BackendDeterministic),
		CriticModel:      stringValue(lookup, "CRITIC_MODEL", DefaultModel),
		RerankBackend:    stringValue(lookup, "RERANK_BACKEND", retrieval.RerankBackendHeuristic),
		RerankModel:      stringValue(lookup, "RERANK_MODEL", DefaultModel),
		ModelProvider:    stringValue(lookup, "MODEL_PROVIDER", ProviderGoogle),
		SupabaseURL:      stringValue(lookup, "SUPABASE_URL", ""),
		SupabaseAnonKey:  stringValue(lookup, "SUPABASE_ANON_KEY", ""),
		Neo4jURI:         stringValue(lookup, "NEO4J_URI", ""),
		Neo4jUsername:    stringValue(lookup, "NEO4J_USERNAME", ""),
		Neo4jPassword:    stringValue(lookup, "NEO4J_PASSWORD", ""),
		Neo4jDatabase:    stringValue(lookup, "NEO4J_DATABASE", "neo4j"),
		GeminiAPIKey:     stringValue(lookup, "GEMINI_API_KEY", ""),
		GoogleAPIKey:     stringValue(lookup, "GOOGLE_API_KEY", ""),
		AnthropicAPIKey:  stringValue(lookup, "ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:     stringValue(lookup, "OPENAI_API_KEY", ""),
		SnapshotPath:     stringValue(lookup, "SNAPSHOT_PATH", ""),
	}

	var err error
	if cfg.EmbeddingDimensions, err = intValue(lookup, "EMBEDDING_DIMENSIONS", embedding.DefaultDimensions); err != nil {
		return Config{}, err
	}
	if cfg.CriticMaxRefinements, err = intValue(lookup, "CRITIC_MAX_REFINEMENTS", 1); err != nil {
		return Config{}, err
	}
	if cfg.PlannerMaxSteps, err = intValue(lookup, "PLANNER_MAX_STEPS", 6); err != nil {
		return Config{}, err
	}
	if cfg.DemoQuota, err = intValue(lookup, "DEMO_QUOTA", DefaultDemoQuota); err != nil {
		return Config{}, err
	}
	if cfg.EnableDAGEngine, err = boolValue(lookup, "ENABLE_DAG_ENGINE", true); err != nil {
		return Config{}, err
	}

	if cfg.EmbeddingDimensions <= 0 {
		return Config{}, faults.Newf(faults.KindConfiguration,
			"EMBEDDING_DIMENSIONS must be positive, got %d", cfg.EmbeddingDimensions)
	}
	if cfg.CriticMaxRefinements < 0 {
		return Config{}, faults.Newf(faults.KindConfiguration,
			"CRITIC_MAX_REFINEMENTS must not be negative, got %d", cfg.CriticMaxRefinements)
	}
	if cfg.PlannerMaxSteps <= 0 {
		return Config{}, faults.Newf(faults.KindConfiguration,
			"PLANNER_MAX_STEPS must be positive, got %d", cfg.PlannerMaxSteps)
	}
	if cfg.DemoQuota < 0 {
		return Config{}, faults.Newf(faults.KindConfiguration,
			"DEMO_QUOTA must not be negative, got %d", cfg.DemoQuota)
	}
	if err := oneOf("EMBEDDING_BACKEND", cfg.EmbeddingBackend, BackendDeterministic, BackendGoogle); err != nil {
		return Config{}, err
	}
	if err := oneOf("CRITIC_BACKEND", cfg.CriticBackend, BackendDeterministic, BackendGoogle); err != nil {
		return Config{}, err
	}
	if err := oneOf("RERANK_BACKEND", cfg.RerankBackend,
		retrieval.RerankBackendHeuristic, retrieval.RerankBackendLLM); err != nil {
		return Config{}, err
	}
	if err := oneOf("MODEL_PROVIDER", cfg.ModelProvider,
		ProviderGoogle, ProviderAnthropic, ProviderOpenAI, ProviderBedrock); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func stringValue(lookup func(string) (string, bool), key, fallback string) string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	return strings.TrimSpace(raw)
}

func intValue(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, faults.Newf(faults.KindConfiguration, "%s must be an integer, got %q", key, raw)
	}
	return n, nil
}

func boolValue(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, faults.Newf(faults.KindConfiguration, "%s must be a boolean, got %q", key, raw)
	}
	return v, nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, candidate := range allowed {
		if value == candidate {
			return nil
		}
	}
	return faults.Newf(faults.KindConfiguration,
		"%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}
