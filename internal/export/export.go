// Package export reads generated documents and writes them out in
// training-data formats.
package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/samber/lo"

	"github.com/raphaelgruber/synthkit/internal/models"
	"github.com/raphaelgruber/synthkit/internal/parser"
)

// Supported export formats.
const (
	FormatJSON   = "json"
	FormatJSONL  = "jsonl"
	FormatAlpaca = "alpaca"
	FormatFT     = "ft"
	FormatChatML = "chatml"
	FormatCSV    = "csv"
)

// ErrUnknownFormat is returned for a format with no writer.
var ErrUnknownFormat = errors.New("unknown export format")

// Formats lists the supported formats.
func Formats() []string {
	return []string{FormatJSON, FormatJSONL, FormatAlpaca, FormatFT, FormatChatML, FormatCSV}
}

// Extension returns the file extension written for format.
func Extension(format string) (string, error) {
	switch format {
	case FormatJSON:
		return ".json", nil
	case FormatJSONL, FormatAlpaca, FormatFT, FormatChatML:
		return ".jsonl", nil
	case FormatCSV:
		return ".csv", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

type alpacaItem struct {
	Instruction string `json:"instruction"`
	Input       string `json:"input"`
	Output      string `json:"output"`
}

type chatItem struct {
	Messages []models.Message `json:"messages"`
}

// example is one exported record. Reasoning is set only for documents
// that hold chain-of-thought examples.
type example struct {
	question, answer, reasoning string
	steps                       []string
}

// examples prefers curated pairs, then raw pairs, then CoT examples with
// their reasoning intact.
func examples(doc models.Document) []example {
	if len(doc.RatedPairs) == 0 && len(doc.QAPairs) == 0 && len(doc.CotExamples) > 0 {
		out := make([]example, len(doc.CotExamples))
		for i, e := range doc.CotExamples {
			out[i] = example{question: e.Question, answer: e.Answer, reasoning: e.Reasoning, steps: e.Steps}
		}
		return out
	}
	pairs := doc.Pairs()
	out := make([]example, len(pairs))
	for i, p := range pairs {
		out[i] = example{question: p.Question, answer: p.Answer}
	}
	return out
}

func (e example) record() any {
	if e.reasoning == "" {
		return models.QAPair{Question: e.question, Answer: e.answer}
	}
	return models.CotExample{Question: e.question, Reasoning: e.reasoning, Answer: e.answer, Steps: e.steps}
}

// response is the assistant text: the reasoning, when present, leads to
// the answer.
func (e example) response() string {
	if e.reasoning == "" {
		return e.answer
	}
	return e.reasoning + "\n\nAnswer: " + e.answer
}

// Write serializes the document's examples to path in format and returns
// the number of items written.
func Write(path, format string, doc models.Document) (int, error) {
	if _, err := Extension(format); err != nil {
		return 0, err
	}
	exs := examples(doc)

	var err error
	switch format {
	case FormatJSON:
		err = WriteJSON(path, lo.Map(exs, func(e example, _ int) any { return e.record() }))
	case FormatJSONL:
		err = writeLines(path, lo.Map(exs, func(e example, _ int) any { return e.record() }))
	case FormatAlpaca:
		err = writeLines(path, lo.Map(exs, func(e example, _ int) any {
			return alpacaItem{Instruction: e.question, Output: e.response()}
		}))
	case FormatFT, FormatChatML:
		pairs := lo.Map(exs, func(e example, _ int) models.QAPair {
			return models.QAPair{Question: e.question, Answer: e.response()}
		})
		err = writeLines(path, lo.Map(parser.ConversationFromPairs(pairs), func(conv []models.Message, _ int) any {
			return chatItem{Messages: conv}
		}))
	case FormatCSV:
		err = writeCSV(path, exs)
	}
	if err != nil {
		return 0, err
	}
	return len(exs), nil
}

func writeCSV(path string, exs []example) error {
	withReasoning := lo.SomeBy(exs, func(e example) bool { return e.reasoning != "" })
	header := []string{"question", "answer"}
	if withReasoning {
		header = append(header, "reasoning")
	}
	return atomicWrite(path, func(w *bufio.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(header); err != nil {
			return err
		}
		for _, e := range exs {
			row := []string{e.question, e.answer}
			if withReasoning {
				row = append(row, e.reasoning)
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

// WriteJSON writes v as indented JSON. The file is written to a temporary
// name in the same directory and renamed into place.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return atomicWrite(path, func(w *bufio.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// WriteText writes text to path atomically.
func WriteText(path, text string) error {
	return atomicWrite(path, func(w *bufio.Writer) error {
		_, err := w.WriteString(text)
		return err
	})
}

func writeLines(path string, items []any) error {
	return atomicWrite(path, func(w *bufio.Writer) error {
		enc := json.NewEncoder(w)
		for _, item := range items {
			if err := enc.Encode(item); err != nil {
				return err
			}
		}
		return nil
	})
}

func atomicWrite(path string, fill func(*bufio.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	if err := fill(w); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// ReadDocument loads a generated document. A bare JSON array of
// question/answer objects is accepted as a document of QA pairs.
func ReadDocument(path string) (models.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Document{}, fmt.Errorf("read document: %w", err)
	}

	var doc models.Document
	if err := json.Unmarshal(data, &doc); err == nil {
		return doc, nil
	}
	var pairs []models.QAPair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return models.Document{}, fmt.Errorf("decode document %s: %w", path, err)
	}
	return models.Document{QAPairs: pairs}, nil
}
