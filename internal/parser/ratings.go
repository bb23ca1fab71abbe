package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/raphaelgruber/synthkit/internal/models"
)

// DefaultRating is assigned to a pair whose rating cannot be recovered.
const DefaultRating = 5.0

// Rating bounds.
const (
	MinRating = 1.0
	MaxRating = 10.0
)

var (
	nearbyRatingRE = regexp.MustCompile(`(?i)(?:rating|score)[^0-9\n]{0,20}(\d+(?:\.\d+)?)`)
	labeledRatingRE = regexp.MustCompile(`(?i)(?:rating|score)[:\s]+(\d+(?:\.\d+)?)`)
	leadingNumberRE = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// RatingResult holds the rated pairs recovered from a rating response.
type RatingResult struct {
	Pairs     []models.RatedQAPair
	Defaulted int
}

// ClampRating forces a rating into [MinRating, MaxRating].
func ClampRating(r float64) float64 {
	return min(max(r, MinRating), MaxRating)
}

// ParseRatings recovers ratings for originals from a model response.
// A JSON array of rated pairs is used as-is. Otherwise each original pair
// is rated by, in order: a rating keyword near the start of its question
// in the text, the rating found at its position among all labeled ratings,
// or DefaultRating (flagged as defaulted).
func ParseRatings(text string, originals []models.QAPair) RatingResult {
	if v, err := ExtractJSON(text); err == nil {
		if rated := collect[models.RatedQAPair](recordsFromJSON(models.KindRated, v)); len(rated) > 0 {
			return RatingResult{Pairs: rated}
		}
		if scores := numberList(v); len(scores) == len(originals) && len(scores) > 0 {
			res := RatingResult{Pairs: make([]models.RatedQAPair, len(originals))}
			for i, p := range originals {
				res.Pairs[i] = rated(p, scores[i])
			}
			return res
		}
	}

	spans := questionSpans(text, originals)
	// Numbers inside the questions themselves are never ratings.
	masked := maskSpans(text, spans)
	positional := labeledRatingRE.FindAllStringSubmatch(masked, -1)

	res := RatingResult{Pairs: make([]models.RatedQAPair, 0, len(originals))}
	for i, p := range originals {
		if score, ok := ratingNear(masked, spans, i); ok {
			res.Pairs = append(res.Pairs, rated(p, score))
			continue
		}
		if i < len(positional) {
			if score, err := strconv.ParseFloat(positional[i][1], 64); err == nil {
				res.Pairs = append(res.Pairs, rated(p, score))
				continue
			}
		}
		res.Pairs = append(res.Pairs, models.RatedQAPair{
			Question:  p.Question,
			Answer:    p.Answer,
			Rating:    DefaultRating,
			Defaulted: true,
		})
		res.Defaulted++
	}
	return res
}

func rated(p models.QAPair, score float64) models.RatedQAPair {
	return models.RatedQAPair{Question: p.Question, Answer: p.Answer, Rating: ClampRating(score)}
}

// span is the byte range of a question in the response; start is -1 when
// the question does not appear.
type span struct {
	start, end int
}

// questionSpans locates each original question, matched case-insensitively
// on its full text or, failing that, on its first 30 characters.
func questionSpans(text string, originals []models.QAPair) []span {
	spans := make([]span, len(originals))
	for i, p := range originals {
		spans[i] = span{start: -1}
		q := strings.TrimSpace(p.Question)
		if q == "" {
			continue
		}
		if loc := indexFold(text, q); loc != nil {
			spans[i] = span{start: loc[0], end: loc[1]}
			continue
		}
		if r := []rune(q); len(r) > 30 {
			if loc := indexFold(text, string(r[:30])); loc != nil {
				spans[i] = span{start: loc[0], end: loc[1]}
			}
		}
	}
	return spans
}

func indexFold(text, s string) []int {
	return regexp.MustCompile("(?i)" + regexp.QuoteMeta(s)).FindStringIndex(text)
}

func maskSpans(text string, spans []span) string {
	b := []byte(text)
	for _, s := range spans {
		for i := max(s.start, 0); i < s.end; i++ {
			b[i] = ' '
		}
	}
	return string(b)
}

// ratingNear looks for a rating after question i, stopping at the next
// located question.
func ratingNear(text string, spans []span, i int) (float64, bool) {
	if spans[i].start < 0 {
		return 0, false
	}
	start, end := spans[i].end, len(text)
	for j, s := range spans {
		if j != i && s.start >= start && s.start < end {
			end = s.start
		}
	}
	m := nearbyRatingRE.FindStringSubmatch(text[start:end])
	if m == nil {
		return 0, false
	}
	score, err := strconv.ParseFloat(m[1], 64)
	return score, err == nil
}

func numberList(v any) []float64 {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		f, ok := item.(float64)
		if !ok {
			return nil
		}
		out = append(out, f)
	}
	return out
}

func leadingNumber(s string) (float64, bool) {
	m := leadingNumberRE.FindString(s)
	if m == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(m, 64)
	return f, err == nil
}
