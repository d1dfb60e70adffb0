package supabase_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trellishq/trellis/features/documents/supabase"
	"github.com/trellishq/trellis/features/documents/supabase/clients/postgrest"
	"github.com/trellishq/trellis/runtime/faults"
	"github.com/trellishq/trellis/runtime/retrieval"
	"github.com/trellishq/trellis/runtime/store"
)

func newStore(t *testing.T, baseURL string) *supabase.Store {
	t.Helper()
	s, err := supabase.NewStoreFromConfig(postgrest.Options{BaseURL: baseURL, AnonKey: "anon-key"})
	require.NoError(t, err)
	return s
}

func TestNewStoreValidation(t *testing.T) {
	_, err := supabase.NewStore(supabase.Options{})
	require.ErrorContains(t, err, "postgrest client is required")

	_, err = supabase.NewStoreFromConfig(postgrest.Options{BaseURL: "https://demo.supabase.co"})
	require.ErrorContains(t, err, "supabase anon key is required")
}

func TestVectorLiteral(t *testing.T) {
	require.Equal(t, "[0.50000000,-1.00000000]", supabase.VectorLiteral([]float64{0.5, -1}))
	require.Equal(t, "[0.12345679]", supabase.VectorLiteral([]float64{0.123456789}))
	require.Equal(t, "[]", supabase.VectorLiteral(nil))
}

func TestMatchChunks(t *testing.T) {
	var (
		gotPath string
		gotBody map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[
			{"chunk_id":"ing-abc-chunk-1","content":"Quarterly revenue grew","source":"report.pdf",
			 "similarity":0.82,"metadata":{"page":2,"offset_start":0,"offset_end":480}},
			{"chunk_id":"ing-abc-chunk-2","content":"Budget notes","source":"report.pdf","similarity":0.41},
			{"chunk_id":"","content":"orphan row","source":"report.pdf","similarity":0.2},
			{"chunk_id":"ing-abc-chunk-3","content":"Partial metadata","source":"report.pdf",
			 "similarity":0.3,"metadata":{"page":1}}
		]`)
	}))
	defer srv.Close()

	s := newStore(t, srv.URL)
	hits, err := s.MatchChunks(context.Background(), "user-jwt", []float64{0.5, -1}, 5, 0.1)
	require.NoError(t, err)

	require.Equal(t, "/rest/v1/rpc/match_embeddings", gotPath)
	require.Equal(t, "[0.50000000,-1.00000000]", gotBody["query_embedding"])
	require.Equal(t, float64(5), gotBody["match_count"])
	require.Equal(t, 0.1, gotBody["match_threshold"])

	require.Len(t, hits, 3)
	require.Equal(t, retrieval.Hit{
		SourceID:   "ing-abc-chunk-1",
		Score:      0.82,
		Content:    "Quarterly revenue grew",
		SourceType: retrieval.SourcePrivateDocument,
		Location:   "report.pdf:page=2:0-480",
	}, hits[0])
	require.Equal(t, "report.pdf", hits[1].Location)
	require.Equal(t, "report.pdf", hits[2].Location)
}

func TestMatchChunksAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := newStore(t, srv.URL)
	hits, err := s.MatchChunks(context.Background(), "expired-jwt", []float64{0.5}, 5, 0.1)
	require.Error(t, err)
	require.True(t, faults.Is(err, faults.KindAuth))
	require.Nil(t, hits)
}

func TestUpsertChunk(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotBody map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := newStore(t, srv.URL)
	err := s.UpsertChunk(context.Background(), "user-jwt", store.DocumentChunk{
		ChunkID: "ing-abc-chunk-1",
		Content: "Quarterly revenue grew",
		Metadata: store.ChunkMetadata{
			Source:      "report.pdf",
			Page:        2,
			OffsetStart: 0,
			OffsetEnd:   480,
			UserID:      "user-1",
		},
		Embedding: []float64{0.5, -1},
	})
	require.NoError(t, err)

	require.Equal(t, "/rest/v1/rpc/upsert_embedding_chunk", gotPath)
	require.Equal(t, "Bearer user-jwt", gotAuth)
	require.Equal(t, "ing-abc-chunk-1", gotBody["p_id"])
	require.Equal(t, "ing-abc-chunk-1", gotBody["p_chunk_id"])
	require.Equal(t, "user-1", gotBody["p_user_id"])
	require.Equal(t, "report.pdf", gotBody["p_source"])
	require.Equal(t, "Quarterly revenue grew", gotBody["p_content"])
	require.Equal(t, "[0.50000000,-1.00000000]", gotBody["p_embedding"])

	meta, ok := gotBody["p_metadata"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(2), meta["page"])
	require.Equal(t, float64(0), meta["offset_start"])
	require.Equal(t, float64(480), meta["offset_end"])
	require.Equal(t, "user-1", meta["user_id"])
	require.Equal(t, "report.pdf", meta["source"])
}

func TestCountChunks(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, "3")
	}))
	defer srv.Close()

	s := newStore(t, srv.URL)
	count, err := s.CountChunks(context.Background(), "user-jwt")
	require.NoError(t, err)
	require.Equal(t, 3, count)
	require.Equal(t, "/rest/v1/rpc/count_embedding_chunks", gotPath)
}

func TestCountChunksBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newStore(t, srv.URL)
	_, err := s.CountChunks(context.Background(), "user-jwt")
	require.Error(t, err)
	require.True(t, faults.Is(err, faults.KindBackendFailure))
}
