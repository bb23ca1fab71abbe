package parser

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/raphaelgruber/synthkit/internal/models"
)

// ErrNoJSON means no decodable JSON payload was found in the text.
var ErrNoJSON = errors.New("no JSON payload found")

var (
	fenceRE         = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")
	trailingCommaRE = regexp.MustCompile(`,\s*([}\]])`)
	labelRE         = regexp.MustCompile(`(?i)^\s*(?:\d+[.)]\s*|[-*•]\s+)?(?:\*\*|__)?\s*(question|q|reasoning|thoughts|thinking|steps|answer|a|rating|score|justification|reason)(?:\s*#?\d+)?\s*(?:\*\*|__)?\s*:\s*(?:\*\*|__)?\s*(.*)$`)
	numberedRE      = regexp.MustCompile(`(?m)^\s*\d+[.)]\s+`)
)

// Keys under which a model may nest the record list inside an object.
var listKeys = []string{"qa_pairs", "pairs", "cot_examples", "examples", "items", "results", "data"}

// ExtractJSON decodes the JSON payload of a model response. It tries fenced
// code blocks first, then the outermost bracketed span, and repairs
// trailing commas before giving up.
func ExtractJSON(text string) (any, error) {
	for _, m := range fenceRE.FindAllStringSubmatch(text, -1) {
		if v, err := decodeLenient(m[1]); err == nil {
			return v, nil
		}
	}
	if span := bracketSpan(text); span != "" {
		if v, err := decodeLenient(span); err == nil {
			return v, nil
		}
	}
	return nil, ErrNoJSON
}

// bracketSpan returns the text from the first opening bracket that has a
// closer of the same kind later in the text, through the last such closer.
func bracketSpan(text string) string {
	for i := 0; i < len(text); i++ {
		var closer string
		switch text[i] {
		case '[':
			closer = "]"
		case '{':
			closer = "}"
		default:
			continue
		}
		if end := strings.LastIndex(text, closer); end > i {
			return text[i : end+1]
		}
	}
	return ""
}

func decodeLenient(s string) (any, error) {
	s = strings.TrimSpace(s)
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v, nil
	}
	repaired := trailingCommaRE.ReplaceAllString(s, "$1")
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Parse recovers records of the given kind from a model response.
// Strategies are tried in order (JSON, labeled fields, numbered paragraphs
// for QA) and the first that yields a valid record wins. Malformed input
// yields an empty slice.
func Parse(kind models.RecordKind, text string) []models.Record {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if v, err := ExtractJSON(text); err == nil {
		if recs := recordsFromJSON(kind, v); len(recs) > 0 {
			return recs
		}
	}
	if recs := parseLabeled(kind, text); len(recs) > 0 {
		return recs
	}
	if kind == models.KindQA {
		return parseNumbered(text)
	}
	return nil
}

// ParseQAPairs parses QA pairs from a model response.
func ParseQAPairs(text string) []models.QAPair {
	return collect[models.QAPair](Parse(models.KindQA, text))
}

// ParseCotExamples parses chain-of-thought examples from a model response.
func ParseCotExamples(text string) []models.CotExample {
	return collect[models.CotExample](Parse(models.KindCot, text))
}

func collect[T models.Record](recs []models.Record) []T {
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		if v, ok := r.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func recordsFromJSON(kind models.RecordKind, v any) []models.Record {
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case map[string]any:
		items = []any{t}
		for _, key := range listKeys {
			if list, ok := lowerKeys(t)[key].([]any); ok {
				items = list
				break
			}
		}
	default:
		return nil
	}

	var recs []models.Record
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if rec, ok := buildRecord(kind, lowerKeys(obj)); ok {
			recs = append(recs, rec)
		}
	}
	return recs
}

func buildRecord(kind models.RecordKind, obj map[string]any) (models.Record, bool) {
	switch kind {
	case models.KindQA:
		rec := models.QAPair{
			Question: stringField(obj, "question"),
			Answer:   stringField(obj, "answer"),
		}
		return rec, rec.Valid()
	case models.KindCot:
		rec := models.CotExample{
			Question:  stringField(obj, "question"),
			Reasoning: stringField(obj, "reasoning"),
			Answer:    stringField(obj, "answer"),
		}
		return rec, rec.Valid()
	case models.KindRated:
		rating, ok := numberField(obj, "rating")
		if !ok {
			rating, ok = numberField(obj, "score")
		}
		if !ok {
			return nil, false
		}
		rec := models.RatedQAPair{
			Question:      stringField(obj, "question"),
			Answer:        stringField(obj, "answer"),
			Rating:        ClampRating(rating),
			Justification: stringField(obj, "justification"),
		}
		return rec, rec.Valid()
	}
	return nil, false
}

func lowerKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return strings.TrimSpace(s)
}

func numberField(obj map[string]any, key string) (float64, bool) {
	switch v := obj[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.Split(v, "/")[0]), 64)
		return f, err == nil
	}
	return 0, false
}

// labeledFields accumulates one record's labeled sections.
type labeledFields struct {
	question, reasoning, answer, rating, justification strings.Builder
}

// field returns the section for label, or nil when records of kind have
// no such section.
func (f *labeledFields) field(kind models.RecordKind, label string) *strings.Builder {
	switch label {
	case "question", "q":
		return &f.question
	case "answer", "a":
		return &f.answer
	case "reasoning", "thoughts", "thinking", "steps":
		if kind == models.KindCot {
			return &f.reasoning
		}
	case "rating", "score":
		if kind == models.KindRated {
			return &f.rating
		}
	case "justification", "reason":
		if kind == models.KindRated {
			return &f.justification
		}
	}
	return nil
}

func (f *labeledFields) record(kind models.RecordKind) (models.Record, bool) {
	q := strings.TrimSpace(f.question.String())
	a := strings.TrimSpace(f.answer.String())
	switch kind {
	case models.KindQA:
		rec := models.QAPair{Question: q, Answer: a}
		return rec, rec.Valid()
	case models.KindCot:
		rec := models.CotExample{Question: q, Reasoning: strings.TrimSpace(f.reasoning.String()), Answer: a}
		return rec, rec.Valid()
	case models.KindRated:
		rating, ok := leadingNumber(f.rating.String())
		if !ok {
			return nil, false
		}
		rec := models.RatedQAPair{
			Question:      q,
			Answer:        a,
			Rating:        ClampRating(rating),
			Justification: strings.TrimSpace(f.justification.String()),
		}
		return rec, rec.Valid()
	}
	return nil, false
}

// parseLabeled reads "Question:/Answer:" style blocks. Text after a label
// runs until the next label, so fields may span several lines. A label the
// kind has no field for is kept as text of the current field.
func parseLabeled(kind models.RecordKind, text string) []models.Record {
	var (
		recs    []models.Record
		current *labeledFields
		field   *strings.Builder
	)

	flush := func() {
		if current == nil {
			return
		}
		if rec, ok := current.record(kind); ok {
			recs = append(recs, rec)
		}
	}

	for _, line := range strings.Split(text, "\n") {
		if m := labelRE.FindStringSubmatch(line); m != nil {
			label := strings.ToLower(m[1])
			if label == "question" || label == "q" {
				flush()
				current = &labeledFields{}
			}
			if current != nil {
				if next := current.field(kind, label); next != nil {
					field = next
					if field.Len() > 0 {
						field.WriteByte('\n')
					}
					field.WriteString(m[2])
					continue
				}
			}
		}
		if field != nil {
			field.WriteByte('\n')
			field.WriteString(line)
		}
	}
	flush()
	return recs
}

// parseNumbered splits "1. ..." paragraphs. A paragraph whose first line
// is a question pairs with the rest of the paragraph; a paragraph that is
// only a question pairs with the paragraph that follows it.
func parseNumbered(text string) []models.Record {
	locs := numberedRE.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}

	segments := make([]string, 0, len(locs))
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		segments = append(segments, strings.TrimSpace(text[loc[1]:end]))
	}

	var recs []models.Record
	for i := 0; i < len(segments); i++ {
		first, rest, _ := strings.Cut(segments[i], "\n")
		first = strings.TrimSpace(first)
		rest = strings.TrimSpace(rest)

		if strings.HasSuffix(first, "?") && rest != "" {
			recs = appendValid(recs, models.QAPair{Question: first, Answer: rest})
			continue
		}
		if strings.HasSuffix(segments[i], "?") && i+1 < len(segments) {
			recs = appendValid(recs, models.QAPair{Question: segments[i], Answer: segments[i+1]})
			i++
		}
	}
	return recs
}

func appendValid(recs []models.Record, rec models.Record) []models.Record {
	if rec.Valid() {
		return append(recs, rec)
	}
	return recs
}
