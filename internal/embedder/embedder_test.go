package embedder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmbedDeterministicAndNormalized(t *testing.T) {
	e := New(nil)
	ctx := context.Background()

	v1, err := e.Embed(ctx, "likes coffee in the morning")
	require.NoError(t, err)
	v2, err := e.Embed(ctx, "likes coffee in the morning")
	require.NoError(t, err)
	require.Equal(t, v1, v2)
	require.Equal(t, StatusReady, e.Status())

	var norm float64
	for _, x := range v1 {
		norm += float64(x) * float64(x)
	}
	require.InDelta(t, 1.0, norm, 0.01)
}

func TestEmbedSimilarTextsAreCloser(t *testing.T) {
	e := New(nil)
	ctx := context.Background()

	a, _ := e.Embed(ctx, "I prefer dark roast coffee")
	b, _ := e.Embed(ctx, "I prefer dark roast coffees")
	c, _ := e.Embed(ctx, "the quarterly earnings report is due Friday")

	simAB := Cosine(a, b)
	simAC := Cosine(a, c)
	require.Greater(t, simAB, simAC)
}

func TestEmbedBatch(t *testing.T) {
	e := New(nil)
	out, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	for _, v := range out {
		require.Len(t, v, Dim)
	}
}
