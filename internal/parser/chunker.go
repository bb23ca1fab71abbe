// Package parser splits documents into chunks and recovers structured
// records from free-form model output.
package parser

import (
	"fmt"
	"strings"

	"github.com/raphaelgruber/synthkit/internal/config"
)

// sentenceMarkers end a sentence or line. A chunk is cut just after the
// last marker inside its window.
var sentenceMarkers = [][]rune{
	[]rune(". "),
	[]rune("? "),
	[]rune("! "),
	[]rune("\n"),
}

// ValidateChunking checks the size/overlap precondition of Split.
func ValidateChunking(size, overlap int) error {
	if size <= 0 {
		return fmt.Errorf("%w: chunk size must be > 0, got %d", config.ErrConfig, size)
	}
	if overlap < 0 || overlap >= size {
		return fmt.Errorf("%w: overlap must be >= 0 and < chunk size (overlap=%d, size=%d)",
			config.ErrConfig, overlap, size)
	}
	return nil
}

// Split breaks text into chunks of at most size characters, preferring to
// cut after a sentence boundary and repeating the last overlap characters
// of each chunk at the start of the next. Text no longer than size is
// returned whole. Chunks are trimmed; whitespace-only chunks are dropped.
func Split(text string, size, overlap int) ([]string, error) {
	if err := ValidateChunking(size, overlap); err != nil {
		return nil, err
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}, nil
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end < len(runes) {
			if boundary := lastBoundary(runes, start, end); boundary > start {
				end = boundary + 1
			}
		} else {
			end = len(runes)
		}

		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}

		next := end - overlap
		if next <= start {
			// Boundary landed inside the overlap; advance without overlap.
			next = end
		}
		start = next
	}
	return chunks, nil
}

// lastBoundary returns the index of the last sentence marker fully inside
// runes[start:end], or -1.
func lastBoundary(runes []rune, start, end int) int {
	best := -1
	for _, marker := range sentenceMarkers {
		for i := end - len(marker); i >= start && i > best; i-- {
			if hasPrefixAt(runes, i, marker) {
				best = i
				break
			}
		}
	}
	return best
}

func hasPrefixAt(runes []rune, i int, marker []rune) bool {
	if i+len(marker) > len(runes) {
		return false
	}
	for j, r := range marker {
		if runes[i+j] != r {
			return false
		}
	}
	return true
}
