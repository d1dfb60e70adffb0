// Package planner expands a routing decision into the ordered tool plan the
// orchestrator executes, and enforces the step budget that can block
// execution before any retrieval runs.
package planner

import "github.com/trellishq/trellis/runtime/router"

// Step tags one tool invocation in a plan.
type Step string

const (
	// StepSynthesis invokes the response policy over the retrieval bundle.
	StepSynthesis Step = "synthesis"

	// StepDocumentRetrieval queries the document branch.
	StepDocumentRetrieval Step = "document_retrieval"

	// StepGraphRetrieval queries the graph branch.
	StepGraphRetrieval Step = "graph_retrieval"

	// StepAggregateRetrieval computes corpus-level counts.
	StepAggregateRetrieval Step = "aggregate_retrieval"

	// StepHybridMerge reranks and merges the two hybrid branches.
	StepHybridMerge Step = "hybrid_merge"
)

// Plan is the ordered sequence of steps for one query.
type Plan []Step

// DefaultMaxSteps is the planner budget applied when none is configured.
const DefaultMaxSteps = 6

// Build expands a route into its fixed plan. Every route has exactly one
// expansion; unknown routes fall back to synthesis only.
func Build(route router.Route) Plan {
	switch route {
	case router.RouteDocument:
		return Plan{StepDocumentRetrieval, StepSynthesis}
	case router.RouteGraph:
		return Plan{StepGraphRetrieval, StepSynthesis}
	case router.RouteHybrid:
		return Plan{StepDocumentRetrieval, StepGraphRetrieval, StepHybridMerge, StepSynthesis}
	case router.RouteAggregate:
		return Plan{StepAggregateRetrieval, StepSynthesis}
	default:
		return Plan{StepSynthesis}
	}
}

// Exceeds reports whether the plan is longer than the given budget. A budget
// of zero or less means "no budget configured" and never blocks.
func (p Plan) Exceeds(maxSteps int) bool {
	if maxSteps <= 0 {
		return false
	}
	return len(p) > maxSteps
}

// RetrievalSteps counts the steps that touch a retrieval backend.
func (p Plan) RetrievalSteps() int {
	n := 0
	for _, step := range p {
		switch step {
		case StepDocumentRetrieval, StepGraphRetrieval, StepAggregateRetrieval:
			n++
		}
	}
	return n
}
