package ingest

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestSplitTextShort(t *testing.T) {
	spans := splitText("a short segment")
	require.Len(t, spans, 1)
	require.Equal(t, 0, spans[0].start)
	require.Equal(t, len("a short segment"), spans[0].end)
	require.Equal(t, "a short segment", spans[0].content)
}

func TestSplitTextEmpty(t *testing.T) {
	require.Empty(t, splitText(""))
	require.Empty(t, splitText("   \n\t  "))
}

func TestSplitTextOverlap(t *testing.T) {
	text := strings.Repeat("a", 1000)
	spans := splitText(text)
	require.Len(t, spans, 2)
	require.Equal(t, 0, spans[0].start)
	require.Equal(t, 600, spans[0].end)
	require.Equal(t, 480, spans[1].start)
	require.Equal(t, 1000, spans[1].end)
	require.Equal(t, strings.Repeat("a", 520), spans[1].content)
}

func TestSplitTextTrimsButKeepsOffsets(t *testing.T) {
	text := "  padded  "
	spans := splitText(text)
	require.Len(t, spans, 1)
	require.Equal(t, 0, spans[0].start)
	require.Equal(t, len(text), spans[0].end)
	require.Equal(t, "padded", spans[0].content)
}

func TestSplitTextDropsWhitespaceWindows(t *testing.T) {
	text := strings.Repeat("a", 480) + strings.Repeat(" ", 240)
	spans := splitText(text)
	require.Len(t, spans, 1)
	require.Equal(t, strings.Repeat("a", 480), spans[0].content)
}

func TestChunkSegmentsGlobalOffsets(t *testing.T) {
	rows := ChunkSegments([]Segment{
		{Page: 1, Text: "alpha beta"},
		{Page: 2, Text: "gamma"},
	})
	require.Len(t, rows, 2)
	require.Equal(t, ChunkRow{Page: 1, OffsetStart: 0, OffsetEnd: 10, Content: "alpha beta"}, rows[0])
	require.Equal(t, ChunkRow{Page: 2, OffsetStart: 11, OffsetEnd: 16, Content: "gamma"}, rows[1])
}

func TestChunkSegmentsRuneOffsets(t *testing.T) {
	rows := ChunkSegments([]Segment{
		{Page: 1, Text: "héllo wörld"},
		{Page: 2, Text: "next"},
	})
	require.Len(t, rows, 2)
	require.Equal(t, 11, rows[0].OffsetEnd)
	require.Equal(t, 12, rows[1].OffsetStart)
}

func TestAssembleChunks(t *testing.T) {
	rows := []ChunkRow{
		{Page: 1, OffsetStart: 0, OffsetEnd: 5, Content: "first"},
		{Page: 2, OffsetStart: 6, OffsetEnd: 12, Content: "second"},
	}
	vectors := [][]float64{{0.1, 0.2}}

	chunks := AssembleChunks("ing-abc123def456", "user-1", "report.pdf", rows, vectors)
	require.Len(t, chunks, 2)

	require.Equal(t, "ing-abc123def456-chunk-1", chunks[0].ChunkID)
	require.Equal(t, []float64{0.1, 0.2}, chunks[0].Embedding)
	require.Equal(t, "report.pdf", chunks[0].Metadata.Source)
	require.Equal(t, 1, chunks[0].Metadata.Page)
	require.Equal(t, "user-1", chunks[0].Metadata.UserID)

	// Second row is past the vector list and keeps an empty embedding.
	require.Equal(t, "ing-abc123def456-chunk-2", chunks[1].ChunkID)
	require.Empty(t, chunks[1].Embedding)
	require.Equal(t, 6, chunks[1].Metadata.OffsetStart)
	require.Equal(t, 12, chunks[1].Metadata.OffsetEnd)
}

func TestChunkRowInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	textGen := gen.SliceOf(gen.OneConstOf(
		"alpha ", "beta\n", "   ", "gamma", "δocument ", "tabs\there ",
	)).Map(func(parts []string) string {
		return strings.Join(parts, "")
	})

	properties := gopter.NewProperties(parameters)
	properties.Property("windows stay ordered, bounded and trimmed", prop.ForAll(
		func(text string) bool {
			rows := ChunkSegments([]Segment{{Page: 1, Text: text}})
			total := len([]rune(text))
			prevStart := -1
			for _, row := range rows {
				if row.OffsetStart <= prevStart || row.OffsetEnd <= row.OffsetStart {
					return false
				}
				if row.OffsetEnd > total || row.OffsetEnd-row.OffsetStart > chunkWindow {
					return false
				}
				if row.Content == "" || row.Content != strings.TrimSpace(row.Content) {
					return false
				}
				prevStart = row.OffsetStart
			}
			return true
		},
		textGen,
	))
	properties.TestingRun(t)
}
