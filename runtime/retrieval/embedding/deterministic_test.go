package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeterministicIsStable(t *testing.T) {
	provider := NewDeterministic(64)
	ctx := context.Background()

	first, err := provider.EmbedQuery(ctx, "dependency mapping")
	require.NoError(t, err)
	second, err := provider.EmbedQuery(ctx, "dependency mapping")
	require.NoError(t, err)
	require.Equal(t, first, second)

	other, err := provider.EmbedQuery(ctx, "something else entirely")
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}

func TestDeterministicDimensionsAndRange(t *testing.T) {
	for _, dims := range []int{8, 64, 1536} {
		provider := NewDeterministic(dims)
		vector, err := provider.EmbedQuery(context.Background(), "range check")
		require.NoError(t, err)
		require.Len(t, vector, dims)
		for _, v := range vector {
			require.GreaterOrEqual(t, v, 0.0)
			require.LessOrEqual(t, v, 1.0)
		}
	}
}

func TestDeterministicBatchOrder(t *testing.T) {
	provider := NewDeterministic(16)
	ctx := context.Background()

	texts := []string{"alpha", "beta", "gamma"}
	batch, err := provider.EmbedDocuments(ctx, texts)
	require.NoError(t, err)
	require.Len(t, batch, len(texts))
	for i, text := range texts {
		single, err := provider.EmbedQuery(ctx, text)
		require.NoError(t, err)
		require.Equal(t, single, batch[i])
	}
}

func TestDeterministicDefaultsDimensions(t *testing.T) {
	provider := NewDeterministic(0)
	require.Equal(t, DefaultDimensions, provider.Dimensions())
}
