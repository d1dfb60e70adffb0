// Package orchestrator drives a query through the pipeline: follow-up
// resolution, routing, the planner budget gate, retrieval, synthesis and the
// critic refinement loop, with every stage appending a tool decision to the
// query trace. Two drivers share the same stage functions: a hand-written
// state machine walking named nodes, and a flattened sequential fallback kept
// behind a switch so the machine can be bypassed without changing results.
// Hybrid branch concurrency lives inside the retrieval engine; the
// orchestrator sees a single blocking retrieve and reports the branches from
// the bundle's per-branch stats.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/trellishq/trellis/runtime/critic"
	"github.com/trellishq/trellis/runtime/memory"
	"github.com/trellishq/trellis/runtime/planner"
	"github.com/trellishq/trellis/runtime/response"
	"github.com/trellishq/trellis/runtime/retrieval"
	"github.com/trellishq/trellis/runtime/router"
	"github.com/trellishq/trellis/runtime/telemetry"
	"github.com/trellishq/trellis/runtime/trace"
)

// State machine node names. The empty string terminates the walk.
const (
	nodeResolve    = "resolve"
	nodeRoute      = "route"
	nodeRetrieve   = "retrieve"
	nodeSynthesize = "synthesize"
	nodeAssess     = "assess"
	nodeFinalize   = "finalize"
	nodeEnd        = ""
)

type (
	// Orchestrator executes queries. Safe for concurrent use.
	Orchestrator struct {
		engine         *retrieval.Engine
		memory         *memory.Service
		critic         critic.Model
		refineMap      map[router.Route]router.Route
		maxRefinements int
		maxSteps       int
		sequential     bool

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
	}

	// Options configures an Orchestrator.
	Options struct {
		// Engine gathers retrieval evidence. Required.
		Engine *retrieval.Engine

		// Memory resolves follow-ups and records turns. Required.
		Memory *memory.Service

		// Critic decides refinement. Nil selects the deterministic rule.
		Critic critic.Model

		// RefinementMap rewrites routes on refinement. Nil selects the
		// default map.
		RefinementMap map[router.Route]router.Route

		// MaxRefinements bounds refinement passes per query. Zero selects the
		// default; negative disables refinement.
		MaxRefinements int

		// MaxSteps is the planner budget. Zero selects the planner default.
		MaxSteps int

		// Sequential bypasses the state machine driver and runs the stages
		// inline. Results are identical either way.
		Sequential bool

		// Logger, Metrics and Tracer default to no-op implementations.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Request is one query to execute.
	Request struct {
		// Question is the raw question text.
		Question string

		// ThreadID selects the conversation thread. Empty skips memory
		// entirely.
		ThreadID string

		// UserID and UserToken identify an authenticated caller; both empty
		// for demo sessions.
		UserID    string
		UserToken string

		// RuntimeKey is the resolved provider key forwarded to retrieval.
		RuntimeKey string
	}

	// Result is the outcome of one query.
	Result struct {
		Envelope         response.Envelope
		Route            router.Route
		RouteReason      string
		ResolvedQuestion string
		Bundle           retrieval.Bundle
		Decisions        []trace.ToolDecision
	}

	// flowState is the mutable state threaded through the stages of one
	// query.
	flowState struct {
		req      Request
		rec      *trace.Recorder
		resolved string
		decision router.Decision
		plan     planner.Plan
		blocked  bool
		bundle   retrieval.Bundle
		envelope response.Envelope
	}
)

// New constructs an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Engine == nil {
		return nil, errors.New("trellis: retrieval engine is required")
	}
	if opts.Memory == nil {
		return nil, errors.New("trellis: memory service is required")
	}
	o := &Orchestrator{
		engine:         opts.Engine,
		memory:         opts.Memory,
		critic:         opts.Critic,
		refineMap:      opts.RefinementMap,
		maxRefinements: opts.MaxRefinements,
		maxSteps:       opts.MaxSteps,
		sequential:     opts.Sequential,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
	}
	if o.critic == nil {
		o.critic = critic.Deterministic{}
	}
	if o.refineMap == nil {
		o.refineMap = critic.DefaultRefinementMap()
	}
	if o.maxRefinements == 0 {
		o.maxRefinements = critic.DefaultMaxRefinements
	}
	if o.maxRefinements < 0 {
		o.maxRefinements = 0
	}
	if o.maxSteps <= 0 {
		o.maxSteps = planner.DefaultMaxSteps
	}
	if o.logger == nil {
		o.logger = telemetry.NewNoopLogger()
	}
	if o.metrics == nil {
		o.metrics = telemetry.NewNoopMetrics()
	}
	if o.tracer == nil {
		o.tracer = telemetry.NewNoopTracer()
	}
	return o, nil
}

// Run executes one query end to end. It never returns an error: failures
// inside the pipeline degrade the envelope instead.
func (o *Orchestrator) Run(ctx context.Context, req Request) Result {
	ctx, span := o.tracer.Start(ctx, "orchestrator.run")
	defer span.End()
	started := time.Now()

	s := &flowState{req: req, rec: trace.NewRecorder(), resolved: req.Question}
	if o.sequential {
		o.runSequential(ctx, s)
	} else {
		o.runMachine(ctx, s)
	}

	o.metrics.IncCounter("orchestrator.query", 1,
		"route", string(s.decision.Path), "policy", string(s.envelope.Policy))
	o.metrics.RecordTimer("orchestrator.query.duration", time.Since(started),
		"route", string(s.decision.Path))
	span.AddEvent("orchestrator.complete",
		"route", string(s.decision.Path), "policy", string(s.envelope.Policy))

	return Result{
		Envelope:         s.envelope,
		Route:            s.decision.Path,
		RouteReason:      s.decision.Reason,
		ResolvedQuestion: s.resolved,
		Bundle:           s.bundle,
		Decisions:        s.rec.Decisions(),
	}
}

// runMachine walks the node graph. Each node runs its stage and names the
// next node; routing decides between the direct, retrieval and blocked paths.
func (o *Orchestrator) runMachine(ctx context.Context, s *flowState) {
	nodes := map[string]func(context.Context, *flowState) string{
		nodeResolve: func(ctx context.Context, s *flowState) string {
			o.resolveStage(ctx, s)
			return nodeRoute
		},
		nodeRoute: func(ctx context.Context, s *flowState) string {
			o.routeStage(ctx, s)
			if s.blocked {
				return nodeFinalize
			}
			if s.decision.Path == router.RouteDirect {
				return nodeSynthesize
			}
			return nodeRetrieve
		},
		nodeRetrieve: func(ctx context.Context, s *flowState) string {
			o.retrieveStage(ctx, s)
			return nodeSynthesize
		},
		nodeSynthesize: func(ctx context.Context, s *flowState) string {
			o.synthesizeStage(ctx, s)
			return nodeAssess
		},
		nodeAssess: func(ctx context.Context, s *flowState) string {
			o.assessStage(ctx, s)
			return nodeFinalize
		},
		nodeFinalize: func(ctx context.Context, s *flowState) string {
			o.finalizeStage(ctx, s)
			return nodeEnd
		},
	}

	current := nodeResolve
	for current != nodeEnd {
		current = nodes[current](ctx, s)
	}
}

// runSequential is the flattened equivalent of the node graph.
func (o *Orchestrator) runSequential(ctx context.Context, s *flowState) {
	o.resolveStage(ctx, s)
	o.routeStage(ctx, s)
	if !s.blocked {
		if s.decision.Path != router.RouteDirect {
			o.retrieveStage(ctx, s)
		}
		o.synthesizeStage(ctx, s)
		o.assessStage(ctx, s)
	}
	o.finalizeStage(ctx, s)
}

// resolveStage expands follow-up references from conversation memory. The
// memory_resolver decision appears only when a rewrite happened.
func (o *Orchestrator) resolveStage(_ context.Context, s *flowState) {
	if s.req.ThreadID == "" {
		return
	}
	step := s.rec.Step("memory_resolver")
	resolved, note := o.memory.ResolveFollowUp(s.req.ThreadID, s.req.Question)
	if note == "" {
		return
	}
	s.resolved = resolved
	step.Done(trace.StatusOK, note)
}

// routeStage classifies the question, expands the plan and applies the budget
// gate. A blocked plan yields a single planner decision and the budget
// envelope; nothing downstream runs.
func (o *Orchestrator) routeStage(ctx context.Context, s *flowState) {
	s.decision = router.Decide(s.resolved)
	s.plan = planner.Build(s.decision.Path)
	s.bundle = retrieval.Bundle{Route: s.decision.Path, RerankStrategy: retrieval.StrategyNone}

	if s.plan.Exceeds(o.maxSteps) {
		s.rec.Record(trace.ToolDecision{
			ToolName:  "planner",
			Rationale: fmt.Sprintf("%d step plan exceeds budget of %d", len(s.plan), o.maxSteps),
			Status:    trace.StatusBlocked,
		})
		s.blocked = true
		s.envelope = response.BudgetExceeded()
		o.logger.Info(ctx, "planner budget blocked execution",
			"route", string(s.decision.Path), "steps", len(s.plan), "budget", o.maxSteps)
		o.metrics.IncCounter("orchestrator.budget.blocked", 1, "route", string(s.decision.Path))
		return
	}

	s.rec.Record(trace.ToolDecision{
		ToolName:  "planner",
		Rationale: fmt.Sprintf("%d step plan: %s", len(s.plan), joinPlan(s.plan)),
		Status:    trace.StatusOK,
	})
	s.rec.Record(trace.ToolDecision{
		ToolName:  "router",
		Rationale: s.decision.Reason,
		Status:    trace.StatusOK,
	})
}

// retrieveStage gathers evidence. Hybrid bundles carry per-branch stats which
// become the document_branch and graph_branch decisions in completion order,
// followed by the merge decision; every other route records a single
// retrieval decision.
func (o *Orchestrator) retrieveStage(ctx context.Context, s *flowState) {
	req := retrieval.Request{
		Route:      s.decision.Path,
		Query:      s.resolved,
		UserID:     s.req.UserID,
		UserToken:  s.req.UserToken,
		RuntimeKey: s.req.RuntimeKey,
	}

	if s.decision.Path == router.RouteHybrid {
		step := s.rec.Step("merge_retrieval")
		s.bundle = o.engine.Retrieve(ctx, req)
		for _, stat := range s.bundle.BranchStats {
			s.rec.Record(trace.ToolDecision{
				ToolName:  stat.Branch,
				Rationale: branchRationale(stat),
				LatencyMS: stat.LatencyMS,
				Status:    trace.StatusOK,
			})
		}
		step.Done(trace.StatusOK, fmt.Sprintf("merged to %d hits via %s",
			len(s.bundle.Hits), s.bundle.RerankStrategy))
		return
	}

	step := s.rec.Step("single_retrieval")
	s.bundle = o.engine.Retrieve(ctx, req)
	step.Done(trace.StatusOK, retrievalRationale(s.bundle))
}

// synthesizeStage builds the answer envelope from the current bundle.
func (o *Orchestrator) synthesizeStage(_ context.Context, s *flowState) {
	step := s.rec.Step("synthesis")
	s.envelope = response.Build(s.resolved, s.bundle)
	step.Done(trace.StatusOK, fmt.Sprintf("policy %s with %d citations",
		s.envelope.Policy, len(s.envelope.Citations)))
}

// assessStage runs the critic and, when it asks for it, the refinement pass.
// Only routes with a refinement target consult the critic. A refinement onto
// the same route widens the candidate pool; every refinement bypasses the
// bundle cache and rebuilds the envelope from the fresh bundle.
func (o *Orchestrator) assessStage(ctx context.Context, s *flowState) {
	current := s.decision.Path
	for attempt := 1; attempt <= o.maxRefinements; attempt++ {
		target, ok := o.refineMap[current]
		if !ok {
			return
		}

		step := s.rec.Step("critic")
		verdict, err := o.critic.Evaluate(ctx, critic.Input{
			Question: s.resolved,
			Route:    current,
			TopScore: s.bundle.TopScore(),
			HitCount: len(s.bundle.Hits),
		})
		if err != nil {
			o.logger.Warn(ctx, "critic evaluation failed", "error", err.Error())
			o.metrics.IncCounter("orchestrator.critic.failure", 1)
			step.Done(trace.StatusError, verdict.Reason)
		} else {
			step.Done(trace.StatusOK, verdict.Reason)
		}
		if !verdict.ShouldRefine {
			return
		}

		scale := 1
		if target == current {
			scale = 2
		}
		refine := s.rec.Step("retrieval_refine").Attempt(attempt)
		s.bundle = o.engine.Retrieve(ctx, retrieval.Request{
			Route:      target,
			Query:      s.resolved,
			UserID:     s.req.UserID,
			UserToken:  s.req.UserToken,
			RuntimeKey: s.req.RuntimeKey,
			PoolScale:  scale,
			SkipCache:  true,
		})
		refine.Done(trace.StatusOK, fmt.Sprintf("rerouted %s to %s: %d hits",
			current, target, len(s.bundle.Hits)))
		s.envelope = response.Build(s.resolved, s.bundle)
		o.metrics.IncCounter("orchestrator.refinement", 1, "route", string(target))
		current = target
	}
}

// finalizeStage appends the exchange to conversation memory.
func (o *Orchestrator) finalizeStage(_ context.Context, s *flowState) {
	if s.req.ThreadID == "" {
		return
	}
	o.memory.AppendTurn(s.req.ThreadID, memory.RoleUser, s.req.Question)
	o.memory.AppendTurn(s.req.ThreadID, memory.RoleAssistant, s.envelope.Answer)
}

func retrievalRationale(bundle retrieval.Bundle) string {
	rationale := fmt.Sprintf("%d hits via %s", len(bundle.Hits), bundle.RerankStrategy)
	if bundle.Degraded {
		rationale += " after backend fallback"
	}
	return rationale
}

func branchRationale(stat retrieval.BranchStat) string {
	rationale := fmt.Sprintf("%d hits", stat.Hits)
	if stat.Fallback {
		rationale += " via local fallback"
	}
	return rationale
}

func joinPlan(plan planner.Plan) string {
	steps := make([]string, len(plan))
	for i, step := range plan {
		steps[i] = string(step)
	}
	return strings.Join(steps, ", ")
}
