package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/trellishq/trellis/runtime/model"
)

// rerankHeuristic implements score_normalization_v2. Raw branch scores are
// not comparable across backends (vector similarity vs. graph weights), so
// each source_type group is min-max normalised first, then blended with the
// query token overlap. Single-member and constant groups normalise to 1.0.
func rerankHeuristic(query string, hits []Hit) []Hit {
	if len(hits) == 0 {
		return nil
	}

	groupMin := make(map[SourceType]float64)
	groupMax := make(map[SourceType]float64)
	for _, hit := range hits {
		min, ok := groupMin[hit.SourceType]
		if !ok || hit.Score < min {
			groupMin[hit.SourceType] = hit.Score
		}
		max, ok := groupMax[hit.SourceType]
		if !ok || hit.Score > max {
			groupMax[hit.SourceType] = hit.Score
		}
	}

	scored := make([]Hit, len(hits))
	copy(scored, hits)
	for i, hit := range scored {
		min, max := groupMin[hit.SourceType], groupMax[hit.SourceType]
		normalised := 1.0
		if max > min {
			normalised = (hit.Score - min) / (max - min)
		}
		scored[i].Score = 0.7*normalised + 0.3*TokenOverlap(query, hit.Content)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	seen := make(map[string]struct{}, len(scored))
	deduped := scored[:0]
	for _, hit := range scored {
		if _, dup := seen[hit.SourceID]; dup {
			continue
		}
		seen[hit.SourceID] = struct{}{}
		deduped = append(deduped, hit)
	}
	return deduped
}

// llmRerankCandidates caps how many hits are sent to the rerank model.
const llmRerankCandidates = 12

// llmCandidateSnippet bounds candidate content in the rerank prompt.
const llmCandidateSnippet = 300

const rerankSchemaJSON = `{
	"type": "object",
	"required": ["scores"],
	"additionalProperties": false,
	"properties": {
		"scores": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["source_id", "score"],
				"additionalProperties": false,
				"properties": {
					"source_id": {"type": "string"},
					"score": {"type": "number"}
				}
			}
		}
	}
}`

// llmReranker asks a model to rescore the top candidates and keeps only the
// source ids the model returned. Any provider, parse or validation failure
// surfaces as an error so the engine can fall back to the heuristic.
type llmReranker struct {
	client  model.Client
	modelID string
	schema  *jsonschema.Schema
}

func newLLMReranker(client model.Client, modelID string) (*llmReranker, error) {
	var doc any
	if err := json.Unmarshal([]byte(rerankSchemaJSON), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal rerank schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("rerank.json", doc); err != nil {
		return nil, fmt.Errorf("add rerank schema resource: %w", err)
	}
	schema, err := compiler.Compile("rerank.json")
	if err != nil {
		return nil, fmt.Errorf("compile rerank schema: %w", err)
	}
	return &llmReranker{client: client, modelID: modelID, schema: schema}, nil
}

type rerankScores struct {
	Scores []struct {
		SourceID string  `json:"source_id"`
		Score    float64 `json:"score"`
	} `json:"scores"`
}

func (r *llmReranker) rerank(ctx context.Context, query string, hits []Hit) ([]Hit, error) {
	candidates := hits
	if len(candidates) > llmRerankCandidates {
		candidates = candidates[:llmRerankCandidates]
	}

	resp, err := r.client.Complete(ctx, model.UserPrompt(r.modelID, r.prompt(query, candidates)))
	if err != nil {
		return nil, fmt.Errorf("rerank completion: %w", err)
	}

	raw := model.ExtractJSON(resp.Text)
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	if err := r.schema.Validate(decoded); err != nil {
		return nil, fmt.Errorf("validate rerank response: %w", err)
	}
	var parsed rerankScores
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("decode rerank scores: %w", err)
	}
	if len(parsed.Scores) == 0 {
		return nil, fmt.Errorf("rerank response carries no scores")
	}

	byID := make(map[string]float64, len(parsed.Scores))
	for _, row := range parsed.Scores {
		byID[row.SourceID] = clampUnit(row.Score)
	}

	var kept []Hit
	seen := make(map[string]struct{}, len(candidates))
	for _, hit := range candidates {
		if _, dup := seen[hit.SourceID]; dup {
			continue
		}
		score, ok := byID[hit.SourceID]
		if !ok {
			continue
		}
		seen[hit.SourceID] = struct{}{}
		hit.Score = score
		kept = append(kept, hit)
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("rerank response names no known source ids")
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	return kept, nil
}

func (r *llmReranker) prompt(query string, candidates []Hit) string {
	var b strings.Builder
	b.WriteString("You score retrieval candidates for relevance to a question.\n")
	b.WriteString("Question: ")
	b.WriteString(query)
	b.WriteString("\n\nCandidates:\n")
	for _, hit := range candidates {
		snippet := hit.Content
		if len(snippet) > llmCandidateSnippet {
			snippet = snippet[:llmCandidateSnippet]
		}
		fmt.Fprintf(&b, "- source_id=%s content=%q\n", hit.SourceID, snippet)
	}
	b.WriteString("\nRespond with strict JSON only, no prose, in the form ")
	b.WriteString(`{"scores": [{"source_id": "<id>", "score": <0.0-1.0>}]}.`)
	b.WriteString(" Score every candidate between 0 and 1.")
	return b.String()
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
