// Command demo assembles the query service on an in-process profile and
// walks the behaviors the pipeline is built around: the greeting shortcut,
// aggregate counts, graph lookup, follow-up resolution, the planner budget
// gate, backend degradation and the upload lifecycle. Pass -live to keep the
// remote backends configured in the environment.
package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"goa.design/clue/log"

	"github.com/trellishq/trellis/runtime/config"
	"github.com/trellishq/trellis/runtime/retrieval"
	"github.com/trellishq/trellis/runtime/service"
	"github.com/trellishq/trellis/runtime/store"
	"github.com/trellishq/trellis/runtime/telemetry"
)

func main() {
	var (
		liveF  = flag.Bool("live", false, "Use the remote backends configured in the environment")
		debugF = flag.Bool("debug", false, "Log request and response details")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debugF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if err := run(ctx, *liveF); err != nil {
		log.Fatalf(ctx, err, "demo failed")
	}
}

func run(ctx context.Context, live bool) error {
	_ = godotenv.Load()

	cfg, err := config.Load(nil)
	if err != nil {
		return err
	}
	if !live {
		cfg = inProcessProfile(cfg)
	}
	logger := telemetry.NewClueLogger()

	rt, err := service.Build(ctx, service.BuildOptions{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close(ctx)
	svc := rt.Service
	svc.Start(ctx)

	section("Greeting shortcut")
	if _, err := ask(ctx, svc, service.AskRequest{
		Identity: session("greeting"),
		Question: "hello",
	}); err != nil {
		return err
	}

	section("Aggregate count")
	if _, err := ask(ctx, svc, service.AskRequest{
		Identity: session("aggregate"),
		Question: "count total project dependencies",
	}); err != nil {
		return err
	}

	section("Graph lookup")
	if _, err := ask(ctx, svc, service.AskRequest{
		Identity: session("graph"),
		Question: "show graph dependencies for project alpha",
	}); err != nil {
		return err
	}

	section("Follow-up resolution")
	first, err := ask(ctx, svc, service.AskRequest{
		Identity: session("memory"),
		Question: "who directed dick johnson is dead on netflix",
	})
	if err != nil {
		return err
	}
	second, err := ask(ctx, svc, service.AskRequest{
		Identity: session("memory"),
		Question: "what about that relationship evidence?",
		ThreadID: first.ThreadID,
	})
	if err != nil {
		return err
	}
	fmt.Printf("  resolved as: %s\n\n", second.ResolvedQuestion)

	section("Planner budget gate")
	capped := cfg
	capped.PlannerMaxSteps = 1
	if err := withRuntime(ctx, capped, logger, func(svc *service.Service) error {
		_, err := ask(ctx, svc, service.AskRequest{
			Identity: session("budget"),
			Question: "show graph dependencies for project alpha",
		})
		return err
	}); err != nil {
		return err
	}

	section("Backend degradation")
	broken := cfg
	broken.SupabaseURL = "http://127.0.0.1:9"
	broken.SupabaseAnonKey = "demo"
	if err := withRuntime(ctx, broken, logger, func(svc *service.Service) error {
		_, err := ask(ctx, svc, service.AskRequest{
			Identity: service.Identity{SessionID: "demo-degraded", UserID: "demo-user", UserToken: "demo-token"},
			Question: "summarize my uploaded notes",
		})
		return err
	}); err != nil {
		return err
	}

	section("Upload lifecycle")
	owner := service.Identity{SessionID: "demo-upload", UserID: "demo-user"}
	job, err := svc.Upload(ctx, service.UploadRequest{
		Identity:    owner,
		Filename:    "quarterly-report.txt",
		ContentType: "text/plain",
		Data: []byte("The quarterly report tracks ingestion throughput " +
			"and the dependency cleanup planned for project alpha."),
	})
	if err != nil {
		return err
	}
	fmt.Printf("  job %s accepted (%s/%s)\n", job.JobID, job.Status, job.Stage)
	job, err = waitForJob(ctx, svc, owner, job.JobID)
	if err != nil {
		return err
	}
	fmt.Printf("  job %s finished %s/%s with %d chunks\n\n", job.JobID, job.Status, job.Stage, job.ChunkCount)
	if _, err := ask(ctx, svc, service.AskRequest{
		Identity: owner,
		Question: "what does the quarterly report document say",
	}); err != nil {
		return err
	}

	section("Query traces")
	for _, row := range svc.Traces() {
		fmt.Printf("  %s  route=%-9s confidence=%-6s access=%-13s %dms\n",
			row.TraceID, row.Route, row.Confidence, row.AccessMode, row.LatencyMS)
	}
	return nil
}

// inProcessProfile strips remote backends and persistence so the walk runs
// fully local regardless of what the environment configures.
func inProcessProfile(cfg config.Config) config.Config {
	cfg.EmbeddingBackend = config.BackendDeterministic
	cfg.CriticBackend = config.BackendDeterministic
	cfg.RerankBackend = retrieval.RerankBackendHeuristic
	cfg.SupabaseURL = ""
	cfg.SupabaseAnonKey = ""
	cfg.Neo4jURI = ""
	cfg.SnapshotPath = ""
	return cfg
}

func withRuntime(ctx context.Context, cfg config.Config, logger telemetry.Logger, fn func(*service.Service) error) error {
	rt, err := service.Build(ctx, service.BuildOptions{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close(ctx)
	rt.Service.Start(ctx)
	return fn(rt.Service)
}

func session(scenario string) service.Identity {
	return service.Identity{SessionID: "demo-" + scenario}
}

func ask(ctx context.Context, svc *service.Service, req service.AskRequest) (service.AskResult, error) {
	fmt.Printf("Q: %s\n", req.Question)
	res, err := svc.Ask(ctx, req)
	if err != nil {
		return service.AskResult{}, err
	}
	printResult(res)
	return res, nil
}

func printResult(res service.AskResult) {
	fmt.Printf("  route=%s (%s)  policy=%s  confidence=%s\n",
		res.Route, res.RouteReason, res.Envelope.Policy, res.Envelope.Confidence)
	fmt.Printf("%s\n", indent(res.Envelope.Answer, "  | "))
	if len(res.Envelope.Citations) > 0 {
		refs := make([]string, 0, len(res.Envelope.Citations))
		for _, c := range res.Envelope.Citations {
			refs = append(refs, c.SourceID)
		}
		fmt.Printf("  citations: %s\n", strings.Join(refs, ", "))
	}
	for _, d := range res.Trace.Decisions {
		fmt.Printf("  decision %-16s %-8s %s\n", d.ToolName, d.Status, d.Rationale)
	}
	fmt.Println()
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

func waitForJob(ctx context.Context, svc *service.Service, id service.Identity, jobID string) (store.Job, error) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := svc.Job(id, jobID)
		if err != nil {
			return store.Job{}, err
		}
		if job.Status == store.StatusSuccess || job.Status == store.StatusFailed {
			return job, nil
		}
		if time.Now().After(deadline) {
			return job, fmt.Errorf("job %s still %s after 5s", jobID, job.Status)
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func section(title string) {
	fmt.Printf("== %s ==\n", title)
}
