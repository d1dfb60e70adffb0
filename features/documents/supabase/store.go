// Package supabase wires the retrieval.DocumentStore interface to the
// Supabase RPC client. Chunks live in a pgvector table guarded by row-level
// security; the three Postgres functions below are the only surface the
// pipeline touches.
package supabase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/trellishq/trellis/features/documents/supabase/clients/postgrest"
	"github.com/trellishq/trellis/runtime/retrieval"
	"github.com/trellishq/trellis/runtime/store"
)

// Postgres functions exposed through the REST gateway.
const (
	rpcMatch  = "match_embeddings"
	rpcUpsert = "upsert_embedding_chunk"
	rpcCount  = "count_embedding_chunks"
)

// Options configures the Store wrapper.
type Options struct {
	Client postgrest.Client
}

// Store implements retrieval.DocumentStore by delegating to the REST client.
type Store struct {
	client postgrest.Client
}

var _ retrieval.DocumentStore = (*Store)(nil)

// NewStore builds a Supabase-backed document store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("trellis: postgrest client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromConfig is a helper that instantiates the underlying client
// using the given options.
func NewStoreFromConfig(opts postgrest.Options) (*Store, error) {
	client, err := postgrest.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

type (
	matchRow struct {
		ChunkID    string       `json:"chunk_id"`
		Content    string       `json:"content"`
		Source     string       `json:"source"`
		Similarity float64      `json:"similarity"`
		Metadata   *rowMetadata `json:"metadata"`
	}

	rowMetadata struct {
		Page        *int `json:"page"`
		OffsetStart *int `json:"offset_start"`
		OffsetEnd   *int `json:"offset_end"`
	}
)

// location renders "source:page=N:start-end" when the row carries complete
// offset metadata, the bare source otherwise.
func (r matchRow) location() string {
	m := r.Metadata
	if m == nil || m.Page == nil || m.OffsetStart == nil || m.OffsetEnd == nil {
		return r.Source
	}
	return fmt.Sprintf("%s:page=%d:%d-%d", r.Source, *m.Page, *m.OffsetStart, *m.OffsetEnd)
}

// MatchChunks runs the vector similarity search over the caller's chunks.
// Rows missing an identifier, content, or source are skipped rather than
// failing the whole result.
func (s *Store) MatchChunks(ctx context.Context, userToken string, queryVector []float64, k int, threshold float64) ([]retrieval.Hit, error) {
	payload := map[string]any{
		"query_embedding": VectorLiteral(queryVector),
		"match_count":     k,
		"match_threshold": threshold,
	}
	var rows []matchRow
	if err := s.client.Call(ctx, userToken, rpcMatch, payload, &rows); err != nil {
		return nil, err
	}
	hits := make([]retrieval.Hit, 0, len(rows))
	for _, row := range rows {
		if row.ChunkID == "" || row.Content == "" || row.Source == "" {
			continue
		}
		hits = append(hits, retrieval.Hit{
			SourceID:   row.ChunkID,
			Score:      row.Similarity,
			Content:    row.Content,
			SourceType: retrieval.SourcePrivateDocument,
			Location:   row.location(),
		})
	}
	return hits, nil
}

// UpsertChunk writes one embedded chunk through the upsert function.
func (s *Store) UpsertChunk(ctx context.Context, userToken string, chunk store.DocumentChunk) error {
	payload := map[string]any{
		"p_id":       chunk.ChunkID,
		"p_user_id":  chunk.Metadata.UserID,
		"p_source":   chunk.Metadata.Source,
		"p_chunk_id": chunk.ChunkID,
		"p_content":  chunk.Content,
		"p_metadata": map[string]any{
			"page":         chunk.Metadata.Page,
			"offset_start": chunk.Metadata.OffsetStart,
			"offset_end":   chunk.Metadata.OffsetEnd,
			"user_id":      chunk.Metadata.UserID,
			"source":       chunk.Metadata.Source,
		},
		"p_embedding": VectorLiteral(chunk.Embedding),
	}
	return s.client.Call(ctx, userToken, rpcUpsert, payload, nil)
}

// CountChunks returns how many chunks the caller has stored.
func (s *Store) CountChunks(ctx context.Context, userToken string) (int, error) {
	var count int
	if err := s.client.Call(ctx, userToken, rpcCount, map[string]any{}, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// VectorLiteral renders values in the pgvector input format with eight
// decimal places, matching what the match and upsert functions expect.
func VectorLiteral(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'f', 8, 64)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
