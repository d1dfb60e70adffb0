// Package neo4j wires the retrieval.GraphStore interface to the Bolt client.
// Search ranks Title nodes with a weighted profile query (title, description,
// person and genre token matches plus genre-phrase and format cues) and folds
// in direct relationship matches. The merged pool is deduplicated by source
// id keeping the best score and min-max normalised so branch scores land in
// [0, 1].
package neo4j

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/trellishq/trellis/features/graph/neo4j/clients/bolt"
	"github.com/trellishq/trellis/runtime/retrieval"
)

// scanLimit caps relationship scans so an unselective query cannot pull the
// whole graph across the wire.
const scanLimit = 200

const titleSearchCypher = `
MATCH (t:Title)
OPTIONAL MATCH (t)<-[:DIRECTED|ACTED_IN]-(p:Person)
WITH t, collect(DISTINCT p.name) AS people
OPTIONAL MATCH (t)-[:IN_GENRE]->(g:Genre)
WITH t, people, collect(DISTINCT g.name) AS genres
WITH t, people, genres,
  toLower(coalesce(t.title, '')) AS title_lower,
  toLower(coalesce(t.type, '')) AS type_lower,
  toLower(coalesce(t.description, '')) AS description_lower
WITH t, people, genres, type_lower,
  [token IN $tokens WHERE title_lower CONTAINS token] AS title_hits,
  [token IN $tokens WHERE description_lower CONTAINS token] AS description_hits,
  [token IN $tokens WHERE any(name IN people WHERE toLower(name) CONTAINS token)] AS person_hits,
  [token IN $tokens WHERE any(name IN genres WHERE toLower(name) CONTAINS token)] AS genre_hits,
  [phrase IN $genre_phrases WHERE any(name IN genres WHERE toLower(name) CONTAINS phrase)] AS phrase_hits
WITH t, people, genres,
  size(title_hits) AS title_score,
  size(description_hits) AS description_score,
  size(person_hits) AS person_score,
  size(genre_hits) AS genre_score,
  size(phrase_hits) AS phrase_score,
  CASE WHEN $tv_signal AND type_lower = 'tv show' THEN 1 ELSE 0 END AS tv_bonus,
  CASE WHEN $movie_signal AND type_lower = 'movie' THEN 1 ELSE 0 END AS movie_bonus
WHERE title_score + description_score + person_score + genre_score + phrase_score + tv_bonus + movie_bonus > 0
RETURN
  t.show_id AS show_id,
  t.title AS title,
  t.type AS title_type,
  t.release_year AS release_year,
  people[0..5] AS people,
  genres[0..5] AS genres,
  (title_score * 3.0 + description_score * 1.0 + person_score * 2.0 +
   genre_score * 2.0 + phrase_score * 4.0 + tv_bonus + movie_bonus)
  / toFloat($token_count) AS score
ORDER BY score DESC, title_score DESC, person_score DESC, genre_score DESC
LIMIT $limit`

const edgeSearchCypher = `
MATCH (source)-[rel]->(target)
WHERE toLower(coalesce(source.name, '')) CONTAINS $query
   OR toLower(type(rel)) CONTAINS $query
   OR toLower(coalesce(target.name, '')) CONTAINS $query
   OR toLower(coalesce(rel.evidence, '')) CONTAINS $query
RETURN
  coalesce(source.name, elementId(source)) AS source_name,
  type(rel) AS relationship,
  coalesce(target.name, elementId(target)) AS target_name,
  coalesce(rel.evidence, rel.description, '') AS evidence
LIMIT $limit`

const edgeScanCypher = `
MATCH (source)-[rel]->(target)
RETURN
  coalesce(source.name, elementId(source)) AS source_name,
  type(rel) AS relationship,
  coalesce(target.name, elementId(target)) AS target_name,
  coalesce(rel.evidence, rel.description, '') AS evidence
LIMIT $limit`

const countEdgesCypher = `
MATCH ()-[rel]->()
RETURN count(rel) AS edge_count`

// Filler words and tokens shorter than three characters never discriminate
// between titles, so the weighted search drops them.
var searchStopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "what": {},
	"which": {}, "titles": {}, "title": {}, "involve": {}, "involves": {},
	"involving": {}, "show": {}, "movie": {}, "movies": {}, "series": {},
	"about": {},
}

// genrePhrases are multi-word genre names matched verbatim; token matching
// would split them into meaningless pieces.
var genrePhrases = []string{"tv thrillers", "tv dramas", "tv comedies", "docuseries"}

var tokenPattern = regexp.MustCompile(`[a-z0-9_]+`)

// Options configures the Store wrapper.
type Options struct {
	Client bolt.Client
}

// Store implements retrieval.GraphStore by delegating to the Bolt client.
type Store struct {
	client bolt.Client
}

var _ retrieval.GraphStore = (*Store)(nil)

// NewStore builds a Neo4j-backed graph store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("trellis: bolt client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromConfig is a helper that instantiates the underlying client
// using the given options.
func NewStoreFromConfig(opts bolt.Options) (*Store, error) {
	client, err := bolt.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// Search runs the weighted multi-pattern entity search. Queries that keep no
// searchable tokens fall back to a bounded relationship scan ranked by token
// overlap.
func (s *Store) Search(ctx context.Context, query string, k int) ([]retrieval.Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	tokens := searchTokens(query)
	if len(tokens) == 0 {
		return s.scanEdges(ctx, query, k)
	}

	titleHits, err := s.titleHits(ctx, query, tokens, k)
	if err != nil {
		return nil, err
	}
	edgeHits, err := s.edgeHits(ctx, query, k)
	if err != nil {
		return nil, err
	}

	merged := mergeHits(append(titleHits, edgeHits...))
	normalizeScores(merged)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// CountEdges returns the total number of relationships in the graph.
func (s *Store) CountEdges(ctx context.Context) (int, error) {
	rows, err := s.client.Query(ctx, countEdgesCypher, nil)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, errors.New("trellis: edge count query returned no rows")
	}
	count, ok := intValue(rows[0], "edge_count")
	if !ok {
		return 0, errors.New("trellis: edge count missing from result")
	}
	return count, nil
}

// Close releases the underlying driver.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func (s *Store) titleHits(ctx context.Context, query string, tokens []string, k int) ([]retrieval.Hit, error) {
	flags := formatSignals(query)
	rows, err := s.client.Query(ctx, titleSearchCypher, map[string]any{
		"tokens":        tokens,
		"genre_phrases": matchedGenrePhrases(query),
		"tv_signal":     flags.tv,
		"movie_signal":  flags.movie,
		"token_count":   len(tokens),
		"limit":         min(k, scanLimit),
	})
	if err != nil {
		return nil, err
	}

	hits := make([]retrieval.Hit, 0, len(rows))
	for _, row := range rows {
		title := stringValue(row, "title")
		if title == "" {
			title = "Unknown title"
		}
		titleType := stringValue(row, "title_type")
		if titleType == "" {
			titleType = "Unknown type"
		}
		sourceKey := stringValue(row, "show_id")
		if sourceKey == "" {
			sourceKey = title
		}
		year := ""
		if y, ok := intValue(row, "release_year"); ok {
			year = fmt.Sprintf(", %d", y)
		}
		hits = append(hits, retrieval.Hit{
			SourceID: "Title:" + sourceKey,
			Score:    floatValue(row, "score"),
			Content: fmt.Sprintf("%s (%s%s) | genres: %s | people: %s.",
				title, titleType, year,
				joinOrNA(stringList(row, "genres")),
				joinOrNA(stringList(row, "people"))),
			SourceType: retrieval.SourceSharedGraph,
			Location:   "neo4j://title/" + sourceKey,
		})
	}
	return hits, nil
}

func (s *Store) edgeHits(ctx context.Context, query string, k int) ([]retrieval.Hit, error) {
	rows, err := s.client.Query(ctx, edgeSearchCypher, map[string]any{
		"query": strings.ToLower(query),
		"limit": min(k, scanLimit),
	})
	if err != nil {
		return nil, err
	}

	hits := make([]retrieval.Hit, 0, len(rows))
	for _, row := range rows {
		edge, ok := rowEdge(row)
		if !ok {
			continue
		}
		hits = append(hits, retrieval.Hit{
			SourceID: edge.key(),
			// Result order carries the server-side ranking; keep it as a
			// descending score so merging preserves it.
			Score:      1.0 - float64(len(hits)+1)*0.01,
			Content:    edge.summary(),
			SourceType: retrieval.SourceSharedGraph,
			Location:   edge.key(),
		})
	}
	return hits, nil
}

// scanEdges handles queries with no searchable tokens: pull a bounded edge
// sample and rank it locally by token overlap.
func (s *Store) scanEdges(ctx context.Context, query string, k int) ([]retrieval.Hit, error) {
	rows, err := s.client.Query(ctx, edgeScanCypher, map[string]any{"limit": scanLimit})
	if err != nil {
		return nil, err
	}

	var hits []retrieval.Hit
	for _, row := range rows {
		edge, ok := rowEdge(row)
		if !ok {
			continue
		}
		score := overlapScore(query, edge.text())
		if score <= 0 {
			continue
		}
		hits = append(hits, retrieval.Hit{
			SourceID:   edge.key(),
			Score:      score,
			Content:    edge.summary(),
			SourceType: retrieval.SourceSharedGraph,
			Location:   edge.key(),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

type edge struct {
	source       string
	relationship string
	target       string
	evidence     string
}

func rowEdge(row bolt.Row) (edge, bool) {
	e := edge{
		source:       stringValue(row, "source_name"),
		relationship: stringValue(row, "relationship"),
		target:       stringValue(row, "target_name"),
		evidence:     stringValue(row, "evidence"),
	}
	if e.source == "" || e.relationship == "" || e.target == "" {
		return edge{}, false
	}
	return e, true
}

func (e edge) key() string {
	return e.source + "-" + e.relationship + "-" + e.target
}

func (e edge) summary() string {
	return fmt.Sprintf("%s %s %s. Evidence: %s", e.source, e.relationship, e.target, e.evidence)
}

func (e edge) text() string {
	return strings.Join([]string{e.source, e.relationship, e.target, e.evidence}, " ")
}

// mergeHits deduplicates by source id keeping the best score, preserving
// first-seen order.
func mergeHits(hits []retrieval.Hit) []retrieval.Hit {
	index := make(map[string]int, len(hits))
	merged := make([]retrieval.Hit, 0, len(hits))
	for _, hit := range hits {
		if i, ok := index[hit.SourceID]; ok {
			if hit.Score > merged[i].Score {
				merged[i] = hit
			}
			continue
		}
		index[hit.SourceID] = len(merged)
		merged = append(merged, hit)
	}
	return merged
}

// normalizeScores rescales in place to [0, 1]; a uniform pool maps to 1.
func normalizeScores(hits []retrieval.Hit) {
	if len(hits) == 0 {
		return
	}
	lo, hi := hits[0].Score, hits[0].Score
	for _, hit := range hits[1:] {
		if hit.Score < lo {
			lo = hit.Score
		}
		if hit.Score > hi {
			hi = hit.Score
		}
	}
	if hi <= lo {
		for i := range hits {
			hits[i].Score = 1.0
		}
		return
	}
	for i := range hits {
		hits[i].Score = (hits[i].Score - lo) / (hi - lo)
	}
}

func tokenize(text string) []string {
	seen := make(map[string]struct{})
	var tokens []string
	for _, token := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		tokens = append(tokens, token)
	}
	return tokens
}

func searchTokens(question string) []string {
	var kept []string
	for _, token := range tokenize(question) {
		if len(token) <= 2 {
			continue
		}
		if _, stop := searchStopWords[token]; stop {
			continue
		}
		kept = append(kept, token)
	}
	return kept
}

type formatFlags struct {
	tv    bool
	movie bool
}

func formatSignals(question string) formatFlags {
	var flags formatFlags
	for _, token := range tokenize(question) {
		switch token {
		case "tv":
			flags.tv = true
		case "movie":
			flags.movie = true
		}
	}
	return flags
}

func matchedGenrePhrases(question string) []string {
	normalized := strings.ToLower(strings.TrimSpace(question))
	matched := make([]string, 0, len(genrePhrases))
	for _, phrase := range genrePhrases {
		if strings.Contains(normalized, phrase) {
			matched = append(matched, phrase)
		}
	}
	return matched
}

func overlapScore(query, candidate string) float64 {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return 0
	}
	candidateSet := make(map[string]struct{})
	for _, token := range tokenize(candidate) {
		candidateSet[token] = struct{}{}
	}
	hits := 0
	for _, token := range queryTokens {
		if _, ok := candidateSet[token]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTokens))
}

func stringValue(row bolt.Row, key string) string {
	v, _ := row[key].(string)
	return v
}

func intValue(row bolt.Row, key string) (int, bool) {
	switch v := row[key].(type) {
	case int64:
		return int(v), true
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

func floatValue(row bolt.Row, key string) float64 {
	switch v := row[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func stringList(row bolt.Row, key string) []string {
	raw, ok := row[key].([]any)
	if !ok {
		return nil
	}
	values := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			values = append(values, s)
		}
	}
	return values
}

func joinOrNA(values []string) string {
	if len(values) == 0 {
		return "n/a"
	}
	return strings.Join(values, ", ")
}
