package retrieval

import (
	"sort"
	"strings"
)

// semanticStopWords are dropped from semantic keys so paraphrases of the
// same request collapse onto one cache entry.
var semanticStopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "about": {}, "does": {},
	"for": {}, "from": {}, "how": {}, "in": {}, "is": {}, "of": {},
	"on": {}, "please": {}, "tell": {}, "that": {}, "the": {}, "this": {},
	"to": {}, "what": {}, "which": {}, "with": {}, "my": {}, "our": {},
	"your": {}, "show": {}, "me": {}, "us": {},
}

// SemanticKey normalises a query for cache keying: lowercase, strip
// everything but letters, digits and spaces, drop stop words, sort the
// remaining tokens and join them with single spaces. Word order and filler
// words therefore never fragment the cache.
func SemanticKey(query string) string {
	var b strings.Builder
	b.Grow(len(query))
	for _, r := range strings.ToLower(query) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	tokens := strings.Fields(b.String())
	kept := tokens[:0]
	for _, token := range tokens {
		if _, stop := semanticStopWords[token]; stop {
			continue
		}
		kept = append(kept, token)
	}
	sort.Strings(kept)
	return strings.Join(kept, " ")
}

// TokenOverlap scores how much of the query's vocabulary appears in the
// content: |tokens(query) ∩ tokens(content)| / |tokens(query)| on a
// whitespace split of the lowercased texts. Returns zero for empty queries.
func TokenOverlap(query, content string) float64 {
	queryTokens := tokenSet(query)
	if len(queryTokens) == 0 {
		return 0
	}
	contentTokens := tokenSet(content)
	overlap := 0
	for token := range queryTokens {
		if _, ok := contentTokens[token]; ok {
			overlap++
		}
	}
	return float64(overlap) / float64(len(queryTokens))
}

func tokenSet(text string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		set[field] = struct{}{}
	}
	return set
}
