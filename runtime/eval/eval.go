// Package eval replays golden question cases through a fully assembled
// service and grades the results. Three built-in cases cover the graph,
// aggregate and follow-up behaviors; extra cases load from YAML files so
// regressions can be captured as data instead of test code.
package eval

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/trellishq/trellis/runtime/service"
)

// DefaultParallelism bounds concurrent case execution.
const DefaultParallelism = 4

type (
	// Expect lists the graded assertions for one case. Zero-valued fields
	// are not checked.
	Expect struct {
		// Route requires an exact route.
		Route string `yaml:"route,omitempty"`

		// RouteIn accepts any of the listed routes.
		RouteIn []string `yaml:"route_in,omitempty"`

		// Policy requires an exact envelope policy.
		Policy string `yaml:"policy,omitempty"`

		// ConfidenceIn accepts any of the listed confidence grades.
		ConfidenceIn []string `yaml:"confidence_in,omitempty"`

		// MinCitations requires at least this many citations.
		MinCitations int `yaml:"min_citations,omitempty"`

		// AnswerContains requires every fragment to appear in the answer.
		AnswerContains []string `yaml:"answer_contains,omitempty"`

		// ResolvedContains requires the fragment in the resolved question.
		ResolvedContains string `yaml:"resolved_contains,omitempty"`

		// Decision requires a tool decision with this name in the trace.
		Decision string `yaml:"decision,omitempty"`
	}

	// Case is one golden question.
	Case struct {
		// Name identifies the case in reports. Required, unique.
		Name string `yaml:"name"`

		// Thread lists prior questions asked on the same thread before the
		// graded question, in order.
		Thread []string `yaml:"thread,omitempty"`

		// Question is the graded question. Required.
		Question string `yaml:"question"`

		// Expect grades the result.
		Expect Expect `yaml:"expect"`
	}

	// Result is the graded outcome of one case.
	Result struct {
		Name       string   `json:"name"`
		Passed     bool     `json:"passed"`
		Failures   []string `json:"failures,omitempty"`
		Route      string   `json:"route"`
		Policy     string   `json:"policy"`
		Confidence string   `json:"confidence"`
		LatencyMS  int64    `json:"latency_ms"`
	}

	// Report aggregates case results in input order.
	Report struct {
		Results []Result `json:"results"`
	}

	// Options configures a run.
	Options struct {
		// Parallelism bounds concurrent cases. Zero selects
		// DefaultParallelism.
		Parallelism int

		// SessionPrefix namespaces the per-case demo sessions. Empty
		// selects "eval".
		SessionPrefix string
	}
)

// BuiltinCases returns the golden set shipped with the service. Every case
// grounds against the seeded demo corpus.
func BuiltinCases() []Case {
	return []Case{
		{
			Name:     "graph_dependencies",
			Question: "show graph dependencies for project alpha",
			Expect: Expect{
				Route:        "graph",
				Policy:       "grounded",
				ConfidenceIn: []string{"medium", "high"},
				MinCitations: 1,
				AnswerContains: []string{
					"vector-db",
				},
			},
		},
		{
			Name:     "aggregate_count",
			Question: "count total project dependencies",
			Expect: Expect{
				Route:  "aggregate",
				Policy: "grounded",
				AnswerContains: []string{
					"documents=3, graph_edges=3, total=6",
				},
			},
		},
		{
			Name:     "memory_follow_up_resolution",
			Thread:   []string{"who directed dick johnson is dead on netflix"},
			Question: "what about that relationship evidence?",
			Expect: Expect{
				Route:            "graph",
				MinCitations:     1,
				ResolvedContains: "Follow-up context from prior user turn",
				Decision:         "memory_resolver",
			},
		},
	}
}

// LoadCases reads extra cases from a YAML file. Unknown fields are rejected
// so typos in expectation keys fail loudly.
func LoadCases(path string) ([]Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read eval cases: %w", err)
	}
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	var cases []Case
	if err := decoder.Decode(&cases); err != nil {
		return nil, fmt.Errorf("decode eval cases %s: %w", path, err)
	}
	if err := validate(cases); err != nil {
		return nil, err
	}
	return cases, nil
}

func validate(cases []Case) error {
	seen := make(map[string]struct{}, len(cases))
	for i, c := range cases {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("trellis: eval case %d: name is required", i+1)
		}
		if strings.TrimSpace(c.Question) == "" {
			return fmt.Errorf("trellis: eval case %q: question is required", c.Name)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("trellis: eval case %q: duplicate name", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// Run executes the cases against the service and grades each result. Cases
// run concurrently, each on its own demo session; results keep input order.
// Run stops early only when ctx is cancelled.
func Run(ctx context.Context, svc *service.Service, cases []Case, opts Options) Report {
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	prefix := opts.SessionPrefix
	if prefix == "" {
		prefix = "eval"
	}

	results := make([]Result, len(cases))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, c := range cases {
		g.Go(func() error {
			results[i] = runCase(gctx, svc, c, prefix)
			return nil
		})
	}
	_ = g.Wait()
	return Report{Results: results}
}

func runCase(ctx context.Context, svc *service.Service, c Case, prefix string) Result {
	id := service.Identity{SessionID: prefix + "-" + c.Name}

	var threadID string
	for _, question := range c.Thread {
		res, err := svc.Ask(ctx, service.AskRequest{
			Identity: id,
			Question: question,
			ThreadID: threadID,
		})
		if err != nil {
			return Result{
				Name:     c.Name,
				Failures: []string{fmt.Sprintf("thread question %q: %v", question, err)},
			}
		}
		threadID = res.ThreadID
	}

	res, err := svc.Ask(ctx, service.AskRequest{
		Identity: id,
		Question: c.Question,
		ThreadID: threadID,
	})
	if err != nil {
		return Result{Name: c.Name, Failures: []string{err.Error()}}
	}

	failures := grade(c.Expect, res)
	return Result{
		Name:       c.Name,
		Passed:     len(failures) == 0,
		Failures:   failures,
		Route:      string(res.Route),
		Policy:     string(res.Envelope.Policy),
		Confidence: string(res.Envelope.Confidence),
		LatencyMS:  res.Trace.LatencyMS,
	}
}

func grade(expect Expect, res service.AskResult) []string {
	var failures []string

	if expect.Route != "" && string(res.Route) != expect.Route {
		failures = append(failures, fmt.Sprintf("route %s, want %s", res.Route, expect.Route))
	}
	if len(expect.RouteIn) > 0 && !contains(expect.RouteIn, string(res.Route)) {
		failures = append(failures, fmt.Sprintf("route %s, want one of %s",
			res.Route, strings.Join(expect.RouteIn, ", ")))
	}
	if expect.Policy != "" && string(res.Envelope.Policy) != expect.Policy {
		failures = append(failures, fmt.Sprintf("policy %s, want %s", res.Envelope.Policy, expect.Policy))
	}
	if len(expect.ConfidenceIn) > 0 && !contains(expect.ConfidenceIn, string(res.Envelope.Confidence)) {
		failures = append(failures, fmt.Sprintf("confidence %s, want one of %s",
			res.Envelope.Confidence, strings.Join(expect.ConfidenceIn, ", ")))
	}
	if len(res.Envelope.Citations) < expect.MinCitations {
		failures = append(failures, fmt.Sprintf("%d citations, want at least %d",
			len(res.Envelope.Citations), expect.MinCitations))
	}
	for _, fragment := range expect.AnswerContains {
		if !strings.Contains(res.Envelope.Answer, fragment) {
			failures = append(failures, fmt.Sprintf("answer missing %q", fragment))
		}
	}
	if expect.ResolvedContains != "" && !strings.Contains(res.ResolvedQuestion, expect.ResolvedContains) {
		failures = append(failures, fmt.Sprintf("resolved question missing %q", expect.ResolvedContains))
	}
	if expect.Decision != "" {
		found := false
		for _, d := range res.Trace.Decisions {
			if d.ToolName == expect.Decision {
				found = true
				break
			}
		}
		if !found {
			failures = append(failures, fmt.Sprintf("trace missing %s decision", expect.Decision))
		}
	}
	return failures
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// Passed counts passing cases.
func (r Report) Passed() int {
	n := 0
	for _, result := range r.Results {
		if result.Passed {
			n++
		}
	}
	return n
}

// Failed counts failing cases.
func (r Report) Failed() int { return len(r.Results) - r.Passed() }

// OK reports whether every case passed.
func (r Report) OK() bool { return r.Failed() == 0 }
