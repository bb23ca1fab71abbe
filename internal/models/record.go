// Package models defines the records and jobs that flow through the pipeline.
package models

import "strings"

// RecordKind names the shape of a generated record.
type RecordKind string

const (
	KindQA    RecordKind = "qa"
	KindRated RecordKind = "rated"
	KindCot   RecordKind = "cot"
)

// Record is one unit of synthetic training data.
type Record interface {
	Kind() RecordKind
	Valid() bool
}

// QAPair is a question with its answer.
type QAPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

func (QAPair) Kind() RecordKind { return KindQA }

// Valid reports whether both fields carry text.
func (p QAPair) Valid() bool {
	return nonBlank(p.Question) && nonBlank(p.Answer)
}

// RatedQAPair is a QA pair scored by the model during curation.
// Defaulted marks ratings that were assigned because none could be parsed.
type RatedQAPair struct {
	Question      string  `json:"question"`
	Answer        string  `json:"answer"`
	Rating        float64 `json:"rating"`
	Justification string  `json:"justification,omitempty"`
	Defaulted     bool    `json:"rating_defaulted,omitempty"`
}

func (RatedQAPair) Kind() RecordKind { return KindRated }

// Valid reports whether the pair has text and a rating within [1, 10].
func (p RatedQAPair) Valid() bool {
	return nonBlank(p.Question) && nonBlank(p.Answer) && p.Rating >= 1 && p.Rating <= 10
}

// Pair drops the rating.
func (p RatedQAPair) Pair() QAPair {
	return QAPair{Question: p.Question, Answer: p.Answer}
}

// CotExample is a question with explicit reasoning and a final answer.
type CotExample struct {
	Question  string   `json:"question"`
	Reasoning string   `json:"reasoning"`
	Answer    string   `json:"answer"`
	Steps     []string `json:"steps,omitempty"`
}

func (CotExample) Kind() RecordKind { return KindCot }

// Valid reports whether question, reasoning and answer all carry text.
func (e CotExample) Valid() bool {
	return nonBlank(e.Question) && nonBlank(e.Reasoning) && nonBlank(e.Answer)
}

// Role is a chat message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn sent to or received from a model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UserMessage wraps a prompt as a single user turn.
func UserMessage(content string) []Message {
	return []Message{{Role: RoleUser, Content: content}}
}

// GenerationResult is the aggregate output of processing one document.
type GenerationResult struct {
	Records      []Record
	Summary      string
	Chunks       int
	FailedChunks int
}

// QAPairs returns the QA records in order.
func (r GenerationResult) QAPairs() []QAPair {
	out := make([]QAPair, 0, len(r.Records))
	for _, rec := range r.Records {
		if p, ok := rec.(QAPair); ok {
			out = append(out, p)
		}
	}
	return out
}

// CotExamples returns the chain-of-thought records in order.
func (r GenerationResult) CotExamples() []CotExample {
	out := make([]CotExample, 0, len(r.Records))
	for _, rec := range r.Records {
		if e, ok := rec.(CotExample); ok {
			out = append(out, e)
		}
	}
	return out
}

// CurateMetrics summarizes a curation pass.
type CurateMetrics struct {
	Total         int     `json:"total"`
	Filtered      int     `json:"filtered"`
	RetentionRate float64 `json:"retention_rate"`
	AvgScore      float64 `json:"avg_score"`
	Defaulted     int     `json:"defaulted"`
}

// Document is the on-disk JSON shape shared by the create, curate and export stages.
type Document struct {
	Summary     string         `json:"summary,omitempty"`
	QAPairs     []QAPair       `json:"qa_pairs,omitempty"`
	RatedPairs  []RatedQAPair  `json:"rated_pairs,omitempty"`
	CotExamples []CotExample   `json:"cot_examples,omitempty"`
	Metrics     *CurateMetrics `json:"metrics,omitempty"`
}

// Document converts a generation result into its on-disk form.
func (r GenerationResult) Document() Document {
	doc := Document{Summary: r.Summary}
	if pairs := r.QAPairs(); len(pairs) > 0 {
		doc.QAPairs = pairs
	}
	if examples := r.CotExamples(); len(examples) > 0 {
		doc.CotExamples = examples
	}
	return doc
}

// Pairs returns the best available question/answer view of the document:
// curated pairs first, then raw pairs, then CoT examples reduced to QA.
func (d Document) Pairs() []QAPair {
	switch {
	case len(d.RatedPairs) > 0:
		out := make([]QAPair, len(d.RatedPairs))
		for i, p := range d.RatedPairs {
			out[i] = p.Pair()
		}
		return out
	case len(d.QAPairs) > 0:
		return d.QAPairs
	default:
		out := make([]QAPair, len(d.CotExamples))
		for i, e := range d.CotExamples {
			out[i] = QAPair{Question: e.Question, Answer: e.Answer}
		}
		return out
	}
}

// Len returns the number of records the document carries.
func (d Document) Len() int {
	return len(d.Pairs())
}

func nonBlank(s string) bool {
	return strings.TrimSpace(s) != ""
}
