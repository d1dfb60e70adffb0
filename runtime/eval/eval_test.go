package eval_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trellishq/trellis/runtime/access"
	"github.com/trellishq/trellis/runtime/eval"
	"github.com/trellishq/trellis/runtime/ingest"
	"github.com/trellishq/trellis/runtime/memory"
	"github.com/trellishq/trellis/runtime/orchestrator"
	"github.com/trellishq/trellis/runtime/retrieval"
	"github.com/trellishq/trellis/runtime/retrieval/embedding"
	"github.com/trellishq/trellis/runtime/service"
	"github.com/trellishq/trellis/runtime/store"
)

func newService(t *testing.T) *service.Service {
	t.Helper()

	st, err := store.New(store.Options{})
	require.NoError(t, err)
	engine, err := retrieval.New(retrieval.Options{
		Store:    st,
		Embedder: embedding.NewDeterministic(8),
	})
	require.NoError(t, err)
	mem := memory.New(st, 0)
	orch, err := orchestrator.New(orchestrator.Options{Engine: engine, Memory: mem})
	require.NoError(t, err)
	worker, err := ingest.NewWorker(ingest.Options{
		Store:    st,
		Embedder: embedding.NewDeterministic(8),
	})
	require.NoError(t, err)
	ctl := access.New(access.Options{
		Store:     st,
		LookupEnv: func(string) (string, bool) { return "", false },
	})
	svc, err := service.New(service.Options{
		Orchestrator: orch,
		Store:        st,
		Access:       ctl,
		Worker:       worker,
		Memory:       mem,
	})
	require.NoError(t, err)
	return svc
}

func TestRunBuiltinCases(t *testing.T) {
	svc := newService(t)

	report := eval.Run(context.Background(), svc, eval.BuiltinCases(), eval.Options{})

	require.Len(t, report.Results, 3)
	require.Equal(t, "graph_dependencies", report.Results[0].Name)
	require.Equal(t, "aggregate_count", report.Results[1].Name)
	require.Equal(t, "memory_follow_up_resolution", report.Results[2].Name)
	for _, result := range report.Results {
		require.Truef(t, result.Passed, "%s failed: %v", result.Name, result.Failures)
		require.NotEmpty(t, result.Route)
	}
	require.Equal(t, 3, report.Passed())
	require.Zero(t, report.Failed())
	require.True(t, report.OK())
}

func TestRunGradesFailures(t *testing.T) {
	svc := newService(t)

	cases := []eval.Case{
		{
			Name:     "wrong_expectations",
			Question: "show graph dependencies for project alpha",
			Expect: eval.Expect{
				Route:          "direct",
				AnswerContains: []string{"no such fragment"},
			},
		},
	}
	report := eval.Run(context.Background(), svc, cases, eval.Options{})

	require.Equal(t, 1, report.Failed())
	require.False(t, report.OK())
	result := report.Results[0]
	require.False(t, result.Passed)
	require.Len(t, result.Failures, 2)
	require.Contains(t, result.Failures[0], "route graph, want direct")
	require.Contains(t, result.Failures[1], `answer missing "no such fragment"`)
}

func TestRunReportsAskErrors(t *testing.T) {
	svc := newService(t)

	report := eval.Run(context.Background(), svc,
		[]eval.Case{{Name: "blank", Question: "   "}}, eval.Options{})

	require.Equal(t, 1, report.Failed())
	require.Contains(t, report.Results[0].Failures[0], "question is required")
}

func TestLoadCases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.yaml")
	content := `- name: netflix_director
  thread:
    - who directed dick johnson is dead on netflix
  question: what about that relationship evidence?
  expect:
    route: graph
    resolved_contains: Follow-up context from prior user turn
- name: seeded_counts
  question: count total project dependencies
  expect:
    route: aggregate
    answer_contains:
      - total=6
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cases, err := eval.LoadCases(path)
	require.NoError(t, err)
	require.Len(t, cases, 2)
	require.Equal(t, "netflix_director", cases[0].Name)
	require.Equal(t, []string{"who directed dick johnson is dead on netflix"}, cases[0].Thread)
	require.Equal(t, "graph", cases[0].Expect.Route)
	require.Equal(t, []string{"total=6"}, cases[1].Expect.AnswerContains)

	svc := newService(t)
	report := eval.Run(context.Background(), svc, cases, eval.Options{Parallelism: 1})
	require.Truef(t, report.OK(), "failures: %+v", report.Results)
}

func TestLoadCasesRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.yaml")
	content := `- name: typo
  question: hello
  expects:
    route: direct
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := eval.LoadCases(path)
	require.ErrorContains(t, err, "decode eval cases")
}

func TestLoadCasesValidation(t *testing.T) {
	dir := t.TempDir()

	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	_, err := eval.LoadCases(write("missing-name.yaml", "- question: hello\n"))
	require.ErrorContains(t, err, "name is required")

	_, err = eval.LoadCases(write("missing-question.yaml", "- name: only_name\n"))
	require.ErrorContains(t, err, "question is required")

	_, err = eval.LoadCases(write("dup.yaml",
		"- name: twice\n  question: hello\n- name: twice\n  question: hi\n"))
	require.ErrorContains(t, err, "duplicate name")

	_, err = eval.LoadCases(filepath.Join(dir, "absent.yaml"))
	require.ErrorContains(t, err, "read eval cases")
}
