// Package kb – chunker.go splits cleaned content into overlapping windows
// for embedding. Boundaries snap to sentence ends when one falls in the
// tail of the window, so chunks rarely cut a sentence in half.
package kb

import "strings"

const (
	chunkTarget  = 800
	chunkOverlap = 200
	chunkMin     = 100

	// snapWindow is how far back from the window end we look for a
	// sentence boundary.
	snapWindow = 200
)

var sentenceEnds = []string{". ", "! ", "? ", "\n"}

// Chunk splits content into windows of up to chunkTarget characters with
// chunkOverlap overlap. Content shorter than chunkMin yields a single chunk
// only if non-empty; trailing fragments below chunkMin are merged into the
// previous chunk's overlap rather than emitted alone.
func Chunk(content string) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if len(content) <= chunkTarget {
		return []string{content}
	}

	var chunks []string
	start := 0
	for start < len(content) {
		end := start + chunkTarget
		if end >= len(content) {
			end = len(content)
		} else {
			end = snapToSentence(content, start, end)
		}

		piece := strings.TrimSpace(content[start:end])
		if len(piece) >= chunkMin {
			chunks = append(chunks, piece)
		} else if len(chunks) == 0 && piece != "" {
			chunks = append(chunks, piece)
		}

		if end >= len(content) {
			break
		}
		next := end - chunkOverlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// snapToSentence moves end back to just after the last sentence terminator
// in the final snapWindow characters. The lower bound keeps the window far
// enough past start that the overlap step always makes forward progress.
func snapToSentence(content string, start, end int) int {
	searchFrom := end - snapWindow
	if minEnd := start + chunkOverlap + chunkMin; searchFrom < minEnd {
		searchFrom = minEnd
	}
	window := content[searchFrom:end]

	best := -1
	for _, sep := range sentenceEnds {
		if i := strings.LastIndex(window, sep); i > best {
			best = i + len(sep) - 1
		}
	}
	if best < 0 {
		return end
	}
	return searchFrom + best + 1
}
