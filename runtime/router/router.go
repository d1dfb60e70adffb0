// Package router classifies a natural-language question into a retrieval
// route. Classification is a pure function of the question text: greeting
// prefixes short-circuit to the direct route, then fixed hint sets are
// matched on word boundaries in a fixed precedence order.
package router

import (
	"regexp"
	"strings"
)

// Route names the retrieval strategy selected for a question.
type Route string

const (
	// RouteDirect answers without retrieval; the response policy asks the
	// caller for retrieval context.
	RouteDirect Route = "direct"

	// RouteDocument retrieves from the private document vector store.
	RouteDocument Route = "document"

	// RouteGraph retrieves from the shared knowledge graph.
	RouteGraph Route = "graph"

	// RouteHybrid runs the document and graph branches in parallel and
	// merges.
	RouteHybrid Route = "hybrid"

	// RouteAggregate returns corpus-level counts instead of ranked hits.
	RouteAggregate Route = "aggregate"
)

// Routes lists every valid route in a stable order.
func Routes() []Route {
	return []Route{RouteDirect, RouteDocument, RouteGraph, RouteHybrid, RouteAggregate}
}

// Valid reports whether r is one of the five retrieval routes.
func (r Route) Valid() bool {
	switch r {
	case RouteDirect, RouteDocument, RouteGraph, RouteHybrid, RouteAggregate:
		return true
	}
	return false
}

// Decision is the routing outcome: the selected route and a short
// human-readable reason recorded in the query trace.
type Decision struct {
	Path   Route
	Reason string
}

var greetingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^hi\b`),
	regexp.MustCompile(`^hello\b`),
	regexp.MustCompile(`^hey\b`),
	regexp.MustCompile(`^good (morning|afternoon|evening)\b`),
}

var (
	countHints = []string{"count", "how many", "number of", "total"}
	graphHints = []string{"graph", "relationship", "depends", "netflix", "cypher"}
	graphPhrases = []string{
		"depends on", "related to", "connected to", "relationship between", "linked to",
	}
	documentHints = []string{"document", "doc", "pdf", "file", "notes", "report", "upload"}
)

var tokenPattern = regexp.MustCompile(`[a-z0-9_]+`)

// Decide classifies the question. Precedence is fixed: greeting, count,
// graph∧document, graph, document, direct.
func Decide(question string) Decision {
	normalized := strings.ToLower(strings.TrimSpace(question))

	for _, pattern := range greetingPatterns {
		if pattern.MatchString(normalized) {
			return Decision{Path: RouteDirect, Reason: "greeting detected"}
		}
	}

	// Joining the extracted tokens with single spaces makes plain substring
	// checks word-boundary exact for both single-word and phrase hints.
	tokens := tokenPattern.FindAllString(normalized, -1)
	padded := " " + strings.Join(tokens, " ") + " "

	matches := func(hints []string) bool {
		for _, hint := range hints {
			if strings.Contains(padded, " "+hint+" ") {
				return true
			}
		}
		return false
	}

	isCount := matches(countHints)
	hasGraph := matches(graphHints) || matches(graphPhrases)
	hasDocs := matches(documentHints)

	switch {
	case isCount:
		return Decision{Path: RouteAggregate, Reason: "count-oriented request"}
	case hasGraph && hasDocs:
		return Decision{Path: RouteHybrid, Reason: "question references graph and files"}
	case hasGraph:
		return Decision{Path: RouteGraph, Reason: "question maps to relationship lookup"}
	case hasDocs:
		return Decision{Path: RouteDocument, Reason: "question targets private files"}
	}
	return Decision{Path: RouteDirect, Reason: "no retrieval hint detected"}
}
