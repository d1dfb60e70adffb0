package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trellishq/trellis/runtime/config"
	"github.com/trellishq/trellis/runtime/faults"
	"github.com/trellishq/trellis/runtime/model"
	"github.com/trellishq/trellis/runtime/router"
	"github.com/trellishq/trellis/runtime/service"
	"github.com/trellishq/trellis/runtime/trace"
)

func mapEnv(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func loadConfig(t *testing.T, values map[string]string) config.Config {
	t.Helper()
	cfg, err := config.Load(mapEnv(values))
	require.NoError(t, err)
	return cfg
}

// scriptedModel answers every completion with a fixed payload.
type scriptedModel struct {
	text string
}

func (s *scriptedModel) Complete(context.Context, model.Request) (model.Response, error) {
	return model.Response{Text: s.text}, nil
}

func TestBuildDefaults(t *testing.T) {
	ctx := context.Background()
	rt, err := service.Build(ctx, service.BuildOptions{
		Config:    loadConfig(t, nil),
		LookupEnv: mapEnv(nil),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, rt.Close(context.Background())) })

	require.NotNil(t, rt.Service)
	require.Empty(t, rt.Pingers)

	rt.Service.Start(ctx)
	res, err := rt.Service.Ask(ctx, service.AskRequest{
		Identity: service.Identity{SessionID: "sess-build"},
		Question: "hello",
	})
	require.NoError(t, err)
	require.Equal(t, router.RouteDirect, res.Route)
}

func TestBuildRemoteBackends(t *testing.T) {
	cfg := loadConfig(t, map[string]string{
		"SUPABASE_URL":      "https://demo.supabase.co",
		"SUPABASE_ANON_KEY": "anon",
		"NEO4J_URI":         "bolt://localhost:7687",
		"NEO4J_USERNAME":    "neo4j",
		"NEO4J_PASSWORD":    "secret",
	})

	rt, err := service.Build(context.Background(), service.BuildOptions{
		Config:    cfg,
		LookupEnv: mapEnv(nil),
	})
	require.NoError(t, err)

	names := make([]string, 0, len(rt.Pingers))
	for _, p := range rt.Pingers {
		names = append(names, p.Name())
	}
	require.Equal(t, []string{"documents-supabase", "graph-neo4j"}, names)

	require.NoError(t, rt.Close(context.Background()))
}

func TestBuildConfigurationErrors(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "google embedding without key",
			env:  map[string]string{"EMBEDDING_BACKEND": "google"},
			want: "GEMINI_API_KEY",
		},
		{
			name: "google critic without key",
			env:  map[string]string{"CRITIC_BACKEND": "google"},
			want: "GEMINI_API_KEY",
		},
		{
			name: "anthropic provider without key",
			env: map[string]string{
				"CRITIC_BACKEND": "google",
				"MODEL_PROVIDER": "anthropic",
			},
			want: "ANTHROPIC_API_KEY",
		},
		{
			name: "openai provider without key",
			env: map[string]string{
				"RERANK_BACKEND": "llm",
				"MODEL_PROVIDER": "openai",
			},
			want: "OPENAI_API_KEY",
		},
		{
			name: "bedrock provider needs injected client",
			env: map[string]string{
				"CRITIC_BACKEND": "google",
				"MODEL_PROVIDER": "bedrock",
			},
			want: "BuildOptions.ModelClient",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := service.Build(context.Background(), service.BuildOptions{
				Config:    loadConfig(t, tc.env),
				LookupEnv: mapEnv(nil),
			})
			require.Error(t, err)
			require.Equal(t, faults.KindConfiguration, faults.KindOf(err))
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestBuildProviderClients(t *testing.T) {
	t.Run("anthropic critic", func(t *testing.T) {
		rt, err := service.Build(context.Background(), service.BuildOptions{
			Config: loadConfig(t, map[string]string{
				"CRITIC_BACKEND":    "google",
				"MODEL_PROVIDER":    "anthropic",
				"ANTHROPIC_API_KEY": "a-key",
				"CRITIC_MODEL":      "claude-sonnet-4-20250514",
			}),
			LookupEnv: mapEnv(nil),
		})
		require.NoError(t, err)
		require.NoError(t, rt.Close(context.Background()))
	})

	t.Run("openai reranker", func(t *testing.T) {
		rt, err := service.Build(context.Background(), service.BuildOptions{
			Config: loadConfig(t, map[string]string{
				"RERANK_BACKEND": "llm",
				"MODEL_PROVIDER": "openai",
				"OPENAI_API_KEY": "o-key",
				"RERANK_MODEL":   "gpt-4o-mini",
			}),
			LookupEnv: mapEnv(nil),
		})
		require.NoError(t, err)
		require.NoError(t, rt.Close(context.Background()))
	})

	t.Run("bedrock with injected client", func(t *testing.T) {
		rt, err := service.Build(context.Background(), service.BuildOptions{
			Config: loadConfig(t, map[string]string{
				"CRITIC_BACKEND": "google",
				"MODEL_PROVIDER": "bedrock",
			}),
			ModelClient: &scriptedModel{text: `{"should_refine": false, "reason": "ok"}`},
			LookupEnv:   mapEnv(nil),
		})
		require.NoError(t, err)
		require.NoError(t, rt.Close(context.Background()))
	})
}

func TestBuildModelClientOverrideReachesCritic(t *testing.T) {
	ctx := context.Background()
	rt, err := service.Build(ctx, service.BuildOptions{
		Config:      loadConfig(t, map[string]string{"CRITIC_BACKEND": "google"}),
		ModelClient: &scriptedModel{text: `{"should_refine": false, "reason": "adequate evidence"}`},
		LookupEnv:   mapEnv(nil),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, rt.Close(context.Background())) })

	res, err := rt.Service.Ask(ctx, service.AskRequest{
		Identity: service.Identity{SessionID: "sess-critic"},
		Question: "show graph dependencies for project alpha",
	})
	require.NoError(t, err)
	require.Equal(t, router.RouteGraph, res.Route)

	verdict, ok := decisionFor(res.Trace.Decisions, "critic")
	require.True(t, ok)
	require.Equal(t, trace.StatusOK, verdict.Status)
	require.Equal(t, "adequate evidence", verdict.Rationale)

	_, refined := decisionFor(res.Trace.Decisions, "retrieval_refine")
	require.False(t, refined)
}

func TestBuildZeroRefinementsSkipsCritic(t *testing.T) {
	ctx := context.Background()
	ask := func(t *testing.T, env map[string]string) []trace.ToolDecision {
		t.Helper()
		rt, err := service.Build(ctx, service.BuildOptions{
			Config:    loadConfig(t, env),
			LookupEnv: mapEnv(nil),
		})
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, rt.Close(context.Background())) })

		res, err := rt.Service.Ask(ctx, service.AskRequest{
			Identity: service.Identity{SessionID: "sess-refine"},
			Question: "show graph dependencies for project alpha",
		})
		require.NoError(t, err)
		return res.Trace.Decisions
	}

	withCritic := ask(t, nil)
	_, ok := decisionFor(withCritic, "critic")
	require.True(t, ok)

	without := ask(t, map[string]string{"CRITIC_MAX_REFINEMENTS": "0"})
	_, ok = decisionFor(without, "critic")
	require.False(t, ok)
}
