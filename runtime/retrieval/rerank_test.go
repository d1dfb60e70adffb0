package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/trellishq/trellis/runtime/model"
)

func TestRerankHeuristicNormalisesPerGroup(t *testing.T) {
	hits := []Hit{
		{SourceID: "doc-1", Score: 0.9, Content: "project alpha", SourceType: SourcePrivateDocument},
		{SourceID: "doc-2", Score: 0.1, Content: "unrelated text", SourceType: SourcePrivateDocument},
		{SourceID: "edge-1", Score: 0.2, Content: "project alpha depends", SourceType: SourceSharedGraph},
	}
	ranked := rerankHeuristic("project alpha", hits)
	require.Len(t, ranked, 3)

	byID := map[string]float64{}
	for _, hit := range ranked {
		byID[hit.SourceID] = hit.Score
	}
	// doc-1 is its group max and fully overlaps the query.
	require.InDelta(t, 1.0, byID["doc-1"], 1e-9)
	// doc-2 is its group min with zero overlap.
	require.InDelta(t, 0.0, byID["doc-2"], 1e-9)
	// edge-1 is alone in its group, so it normalises to 1.0.
	require.InDelta(t, 0.7+0.3*1.0, byID["edge-1"], 1e-9)
}

func TestRerankHeuristicConstantGroup(t *testing.T) {
	hits := []Hit{
		{SourceID: "a", Score: 0.5, Content: "no overlap here", SourceType: SourceDemoDocument},
		{SourceID: "b", Score: 0.5, Content: "no overlap here", SourceType: SourceDemoDocument},
	}
	ranked := rerankHeuristic("different words entirely", hits)
	for _, hit := range ranked {
		require.InDelta(t, 0.7, hit.Score, 1e-9)
	}
}

func TestRerankHeuristicDedupesKeepingBest(t *testing.T) {
	hits := []Hit{
		{SourceID: "dup", Score: 0.2, Content: "low", SourceType: SourceDemoDocument},
		{SourceID: "dup", Score: 0.9, Content: "project alpha graph", SourceType: SourceDemoDocument},
		{SourceID: "other", Score: 0.5, Content: "project", SourceType: SourceDemoDocument},
	}
	ranked := rerankHeuristic("project alpha graph", hits)
	require.Len(t, ranked, 2)
	require.Equal(t, "dup", ranked[0].SourceID)
	// The surviving duplicate is the higher-scored one.
	require.Greater(t, ranked[0].Score, ranked[1].Score)
}

func TestRerankHeuristicProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genHits := gen.SliceOf(gen.Float64Range(0, 1)).Map(func(scores []float64) []Hit {
		hits := make([]Hit, len(scores))
		for i, score := range scores {
			sourceType := SourceDemoDocument
			if i%2 == 1 {
				sourceType = SourceSharedGraph
			}
			hits[i] = Hit{
				SourceID:   fmt.Sprintf("hit-%d", i),
				Score:      score,
				Content:    fmt.Sprintf("content %d alpha", i),
				SourceType: sourceType,
			}
		}
		return hits
	})

	properties.Property("scores stay within the unit interval", prop.ForAll(
		func(hits []Hit) bool {
			for _, hit := range rerankHeuristic("alpha content", hits) {
				if hit.Score < 0 || hit.Score > 1 {
					return false
				}
			}
			return true
		},
		genHits,
	))

	properties.Property("output is sorted descending with unique ids", prop.ForAll(
		func(hits []Hit) bool {
			ranked := rerankHeuristic("alpha content", hits)
			seen := map[string]struct{}{}
			for i, hit := range ranked {
				if i > 0 && ranked[i-1].Score < hit.Score {
					return false
				}
				if _, dup := seen[hit.SourceID]; dup {
					return false
				}
				seen[hit.SourceID] = struct{}{}
			}
			return true
		},
		genHits,
	))

	properties.Property("no hits are invented", prop.ForAll(
		func(hits []Hit) bool {
			input := map[string]struct{}{}
			for _, hit := range hits {
				input[hit.SourceID] = struct{}{}
			}
			ranked := rerankHeuristic("alpha content", hits)
			if len(ranked) > len(hits) {
				return false
			}
			for _, hit := range ranked {
				if _, ok := input[hit.SourceID]; !ok {
					return false
				}
			}
			return true
		},
		genHits,
	))

	properties.TestingRun(t)
}

type scriptedModel struct {
	text    string
	err     error
	prompts []string
}

func (m *scriptedModel) Complete(_ context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) > 0 {
		m.prompts = append(m.prompts, req.Messages[len(req.Messages)-1].Content)
	}
	if m.err != nil {
		return model.Response{}, m.err
	}
	return model.Response{Text: m.text}, nil
}

func rerankFixture() []Hit {
	return []Hit{
		{SourceID: "a", Score: 0.9, Content: "first", SourceType: SourceDemoDocument},
		{SourceID: "b", Score: 0.8, Content: "second", SourceType: SourceDemoDocument},
		{SourceID: "c", Score: 0.7, Content: "third", SourceType: SourceSharedGraph},
	}
}

func TestLLMRerankAppliesModelScores(t *testing.T) {
	client := &scriptedModel{text: `{"scores": [{"source_id": "b", "score": 0.9}, {"source_id": "a", "score": 0.4}]}`}
	reranker, err := newLLMReranker(client, "scorer-1")
	require.NoError(t, err)

	ranked, err := reranker.rerank(context.Background(), "question", rerankFixture())
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	require.Equal(t, "b", ranked[0].SourceID)
	require.InDelta(t, 0.9, ranked[0].Score, 1e-9)
	require.Equal(t, "a", ranked[1].SourceID)
	// Candidates the model did not score are dropped.
	for _, hit := range ranked {
		require.NotEqual(t, "c", hit.SourceID)
	}
	// The prompt names every candidate.
	require.Len(t, client.prompts, 1)
	for _, id := range []string{"a", "b", "c"} {
		require.Contains(t, client.prompts[0], "source_id="+id)
	}
}

func TestLLMRerankParsesFencedJSON(t *testing.T) {
	client := &scriptedModel{text: "```json\n{\"scores\": [{\"source_id\": \"a\", \"score\": 1.5}]}\n```"}
	reranker, err := newLLMReranker(client, "scorer-1")
	require.NoError(t, err)

	ranked, err := reranker.rerank(context.Background(), "question", rerankFixture())
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	// Out-of-range model scores are clamped.
	require.Equal(t, 1.0, ranked[0].Score)
}

func TestLLMRerankRejectsMalformedOutput(t *testing.T) {
	for _, text := range []string{
		"not json at all",
		`{"scores": "nope"}`,
		`{"scores": [{"source_id": "a", "score": "high"}]}`,
		`{"scores": []}`,
		`{"scores": [{"source_id": "unknown", "score": 0.5}]}`,
	} {
		client := &scriptedModel{text: text}
		reranker, err := newLLMReranker(client, "scorer-1")
		require.NoError(t, err)

		_, err = reranker.rerank(context.Background(), "question", rerankFixture())
		require.Error(t, err, "output %q", text)
	}
}

func TestLLMRerankPropagatesProviderError(t *testing.T) {
	client := &scriptedModel{err: errors.New("provider down")}
	reranker, err := newLLMReranker(client, "scorer-1")
	require.NoError(t, err)

	_, err = reranker.rerank(context.Background(), "question", rerankFixture())
	require.Error(t, err)
}

func TestLLMRerankCapsCandidates(t *testing.T) {
	var hits []Hit
	for i := 0; i < 20; i++ {
		hits = append(hits, Hit{SourceID: fmt.Sprintf("h-%d", i), Score: 1 - float64(i)/20, Content: "x", SourceType: SourceDemoDocument})
	}
	client := &scriptedModel{text: `{"scores": [{"source_id": "h-0", "score": 0.5}]}`}
	reranker, err := newLLMReranker(client, "scorer-1")
	require.NoError(t, err)

	_, err = reranker.rerank(context.Background(), "question", hits)
	require.NoError(t, err)
	require.Len(t, client.prompts, 1)
	require.Contains(t, client.prompts[0], "source_id=h-11")
	require.NotContains(t, client.prompts[0], "source_id=h-12")
}
