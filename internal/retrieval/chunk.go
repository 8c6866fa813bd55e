// Package retrieval splits documents into passages and ranks them against a query.
package retrieval

import (
	"strings"
	"unicode/utf8"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Chunk splits text on newlines and greedily merges the lines into chunks
// of at most size characters, carrying up to overlap characters of trailing
// lines into the next chunk. A single line longer than size becomes its own
// chunk.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}

	var (
		chunks []string
		cur    []string
		total  int
	)
	sep := func(n int) int {
		if n > 0 {
			return 1
		}
		return 0
	}
	for _, line := range lines {
		n := utf8.RuneCountInString(line)
		if total+n+sep(len(cur)) > size && len(cur) > 0 {
			chunks = append(chunks, strings.Join(cur, "\n"))
			for len(cur) > 0 && (total > overlap || total+n+sep(len(cur)) > size) {
				total -= utf8.RuneCountInString(cur[0]) + sep(len(cur)-1)
				cur = cur[1:]
			}
		}
		total += n + sep(len(cur))
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		chunks = append(chunks, strings.Join(cur, "\n"))
	}
	return chunks
}
