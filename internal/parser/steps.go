package parser

import (
	"regexp"
	"strings"
)

// Step markers in order of preference.
var stepMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bstep\s+\d+\s*[:.)-]?\s*`),
	regexp.MustCompile(`(?m)^\s*\d+[.)]\s+`),
	regexp.MustCompile(`(?m)^\s*[-*•]\s+`),
}

var sentenceEndRE = regexp.MustCompile(`[.!?]\s+`)

// ExtractSteps splits reasoning text into its individual steps. It prefers
// "Step N:" markers, then numbered lines, then bullets, and falls back to
// one step per sentence.
func ExtractSteps(reasoning string) []string {
	for _, marker := range stepMarkers {
		if steps := splitOnMarkers(reasoning, marker); len(steps) > 0 {
			return steps
		}
	}

	var steps []string
	last := 0
	for _, loc := range sentenceEndRE.FindAllStringIndex(reasoning, -1) {
		steps = appendTrimmed(steps, reasoning[last:loc[0]+1])
		last = loc[1]
	}
	return appendTrimmed(steps, reasoning[last:])
}

func splitOnMarkers(text string, marker *regexp.Regexp) []string {
	locs := marker.FindAllStringIndex(text, -1)
	var steps []string
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		steps = appendTrimmed(steps, text[loc[1]:end])
	}
	return steps
}

func appendTrimmed(steps []string, s string) []string {
	if s = strings.TrimSpace(s); s != "" {
		return append(steps, s)
	}
	return steps
}
