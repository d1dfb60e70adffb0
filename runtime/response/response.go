// Package response maps retrieval outcomes onto answer envelopes. The policy
// table is fixed: the direct route asks for context, empty bundles report
// degraded infrastructure or missing evidence, and populated bundles produce
// a grounded or degraded answer whose confidence follows the top score.
// Every envelope carries an action telling the caller what to do next.
package response

import (
	"strings"

	"github.com/trellishq/trellis/runtime/retrieval"
	"github.com/trellishq/trellis/runtime/router"
)

// Confidence grades how much the answer can be trusted.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Policy names the envelope outcome class.
type Policy string

const (
	PolicyNeedsContext   Policy = "needs_context"
	PolicyLowEvidence    Policy = "low_evidence"
	PolicyInfraDegraded  Policy = "infra_degraded"
	PolicyDegradedAnswer Policy = "degraded_answer"
	PolicyGrounded       Policy = "grounded"
	PolicyBudgetExceeded Policy = "planner_budget_exceeded"
)

// Confidence thresholds on the top hit score.
const (
	highConfidenceScore   = 0.75
	mediumConfidenceScore = 0.40
)

const (
	maxCitations       = 5
	maxEvidenceBullets = 3
)

type (
	// Citation points at one piece of cited evidence.
	Citation struct {
		SourceID string `json:"source_id"`
		Location string `json:"location"`
	}

	// Envelope is the structured answer returned for a query.
	Envelope struct {
		Answer     string     `json:"answer"`
		Confidence Confidence `json:"confidence"`
		Citations  []Citation `json:"citations"`
		Policy     Policy     `json:"policy"`
		Action     string     `json:"action"`
	}
)

// graphCues map question vocabulary onto the relationship keyword expected in
// matching graph evidence. Checked in order; the first cue present in the
// question wins.
var graphCues = []struct {
	name    string
	hints   []string
	keyword string
}{
	{"director", []string{"director", "directed"}, "DIRECTED"},
	{"actor", []string{"actor", "acted", "starring"}, "ACTED_IN"},
	{"genre", []string{"genre"}, "IN_GENRE"},
	{"country", []string{"country"}, "COUNTRY_OF_ORIGIN"},
	{"rating", []string{"rating", "rated"}, "RATED"},
}

// Build produces the answer envelope for a retrieval outcome.
func Build(query string, bundle retrieval.Bundle) Envelope {
	if bundle.Route == router.RouteDirect {
		return Envelope{
			Answer: "I need retrieval evidence for that request. " +
				"Try asking with document or graph context.",
			Confidence: ConfidenceLow,
			Policy:     PolicyNeedsContext,
			Action:     "Ask a question that references private docs, graph entities, or counts.",
		}
	}

	if len(bundle.Hits) == 0 && bundle.Degraded {
		backends := strings.Join(bundle.BackendFailures, ", ")
		if backends == "" {
			backends = "unknown backend"
		}
		return Envelope{
			Answer: "I could not retrieve evidence because part of the retrieval " +
				"infrastructure is unavailable (" + backends + ").",
			Confidence: ConfidenceLow,
			Policy:     PolicyInfraDegraded,
			Action:     "Retry shortly. If it persists, verify Supabase/Neo4j connectivity.",
		}
	}

	if len(bundle.Hits) == 0 {
		return Envelope{
			Answer: "I could not find enough evidence in the selected sources. " +
				"Upload a relevant file or refine the query terms.",
			Confidence: ConfidenceLow,
			Policy:     PolicyLowEvidence,
			Action:     "Refine keywords, add context, or upload relevant documents.",
		}
	}

	summary, bullets := summarise(query, bundle)

	var b strings.Builder
	policy := PolicyGrounded
	action := "Ask a follow-up question to drill into cited sources."
	if bundle.Degraded {
		b.WriteString("Warning: one or more retrieval backends failed and fallback data was used (")
		b.WriteString(strings.Join(bundle.BackendFailures, ", "))
		b.WriteString("). Results may be incomplete.\n")
		policy = PolicyDegradedAnswer
		action = "Retry after backend recovery for a more complete answer."
	}
	b.WriteString(summary)
	for _, hit := range bullets {
		b.WriteString("\n- ")
		b.WriteString(hit.Content)
	}

	confidence := confidenceForScore(bundle.TopScore())
	if bundle.Degraded && confidence == ConfidenceHigh {
		confidence = ConfidenceMedium
	}

	citations := make([]Citation, 0, maxCitations)
	for _, hit := range bundle.Hits {
		if len(citations) == maxCitations {
			break
		}
		citations = append(citations, Citation{SourceID: hit.SourceID, Location: hit.Location})
	}

	return Envelope{
		Answer:     b.String(),
		Confidence: confidence,
		Citations:  citations,
		Policy:     policy,
		Action:     action,
	}
}

// BudgetExceeded is the envelope returned when the planner step budget blocks
// execution before any retrieval runs.
func BudgetExceeded() Envelope {
	return Envelope{
		Answer: "The planned retrieval exceeded the configured step budget, " +
			"so no retrieval was executed.",
		Confidence: ConfidenceLow,
		Policy:     PolicyBudgetExceeded,
		Action:     "Raise planner_max_steps or simplify the question.",
	}
}

// summarise selects the summary line and the evidence bullets. Graph and
// hybrid answers promote the first hit matching a question cue to the front
// of the bullet list; citations are unaffected and stay in bundle order.
func summarise(query string, bundle retrieval.Bundle) (string, []retrieval.Hit) {
	hits := bundle.Hits

	switch bundle.Route {
	case router.RouteAggregate:
		return hits[0].Content, capBullets(hits)
	case router.RouteGraph, router.RouteHybrid:
		if cue, promoted, ok := matchCue(query, hits); ok {
			ordered := make([]retrieval.Hit, 0, len(hits))
			ordered = append(ordered, hits[promoted])
			for i, hit := range hits {
				if i != promoted {
					ordered = append(ordered, hit)
				}
			}
			return "Graph evidence matched the " + cue + " cue:", capBullets(ordered)
		}
		if bundle.Route == router.RouteHybrid {
			return "Top evidence from hybrid retrieval", capBullets(hits)
		}
		return "Top evidence from graph retrieval", capBullets(hits)
	default:
		return "Top evidence from document retrieval", capBullets(hits)
	}
}

// matchCue finds the first cue present in the question and the first hit
// whose content carries the cued relationship keyword.
func matchCue(query string, hits []retrieval.Hit) (string, int, bool) {
	lowered := strings.ToLower(query)
	for _, cue := range graphCues {
		cued := false
		for _, hint := range cue.hints {
			if strings.Contains(lowered, hint) {
				cued = true
				break
			}
		}
		if !cued {
			continue
		}
		for i, hit := range hits {
			if strings.Contains(strings.ToUpper(hit.Content), cue.keyword) {
				return cue.name, i, true
			}
		}
	}
	return "", 0, false
}

func capBullets(hits []retrieval.Hit) []retrieval.Hit {
	if len(hits) > maxEvidenceBullets {
		return hits[:maxEvidenceBullets]
	}
	return hits
}

func confidenceForScore(score float64) Confidence {
	switch {
	case score >= highConfidenceScore:
		return ConfidenceHigh
	case score >= mediumConfidenceScore:
		return ConfidenceMedium
	}
	return ConfidenceLow
}
