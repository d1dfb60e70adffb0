package ingest

import (
	"fmt"
	"strings"

	"github.com/trellishq/trellis/runtime/store"
)

// Chunk window geometry in runes.
const (
	chunkWindow  = 600
	chunkOverlap = 120
)

// ChunkRow is one windowed slice of a parsed document. Offsets are
// document-global rune positions; the content is the trimmed window text.
type ChunkRow struct {
	Page        int
	OffsetStart int
	OffsetEnd   int
	Content     string
}

type span struct {
	start   int
	end     int
	content string
}

// splitText windows one segment's text. Window boundaries are untrimmed rune
// offsets; whitespace-only windows are dropped. The cursor steps back by the
// overlap so adjacent chunks share context.
func splitText(text string) []span {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	runes := []rune(text)
	var spans []span
	cursor := 0
	for cursor < len(runes) {
		end := cursor + chunkWindow
		if end > len(runes) {
			end = len(runes)
		}
		if content := strings.TrimSpace(string(runes[cursor:end])); content != "" {
			spans = append(spans, span{start: cursor, end: end, content: content})
		}
		if end == len(runes) {
			break
		}
		cursor = end - chunkOverlap
		if cursor < 0 {
			cursor = 0
		}
	}
	return spans
}

// ChunkSegments windows every segment and assigns document-global offsets.
// The offset counter advances by the segment length plus one between
// segments, so offsets stay strictly monotonic across pages.
func ChunkSegments(segments []Segment) []ChunkRow {
	var rows []ChunkRow
	offset := 0
	for _, segment := range segments {
		for _, sp := range splitText(segment.Text) {
			rows = append(rows, ChunkRow{
				Page:        segment.Page,
				OffsetStart: offset + sp.start,
				OffsetEnd:   offset + sp.end,
				Content:     sp.content,
			})
		}
		offset += len([]rune(segment.Text)) + 1
	}
	return rows
}

// AssembleChunks pairs chunk rows with their embeddings into storable
// chunks. Chunk IDs are "<job>-chunk-<n>", 1-based. Rows beyond the vector
// list keep an empty embedding; retrieval skips those on the remote path.
func AssembleChunks(jobID, userID, source string, rows []ChunkRow, vectors [][]float64) []store.DocumentChunk {
	chunks := make([]store.DocumentChunk, len(rows))
	for i, row := range rows {
		var vector []float64
		if i < len(vectors) && len(vectors[i]) > 0 {
			vector = append([]float64(nil), vectors[i]...)
		}
		chunks[i] = store.DocumentChunk{
			ChunkID: fmt.Sprintf("%s-chunk-%d", jobID, i+1),
			Content: row.Content,
			Metadata: store.ChunkMetadata{
				Source:      source,
				Page:        row.Page,
				OffsetStart: row.OffsetStart,
				OffsetEnd:   row.OffsetEnd,
				UserID:      userID,
			},
			Embedding: vector,
		}
	}
	return chunks
}
