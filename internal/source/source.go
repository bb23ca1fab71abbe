// Package source extracts plain text from input documents before
// generation. Extractors are registered per file extension.
package source

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// ErrUnsupported is returned for files with no registered extractor.
var ErrUnsupported = errors.New("unsupported source type")

// Document is the text extracted from one source file.
type Document struct {
	Path        string
	Title       string
	Frontmatter map[string]any
	Text        string
}

// ExtractFunc converts raw file content into a Document.
type ExtractFunc func(data []byte) (Document, error)

var (
	mu         sync.RWMutex
	extractors = map[string]ExtractFunc{
		".txt":      PlainText,
		".text":     PlainText,
		".md":       Markdown,
		".markdown": Markdown,
	}
)

// Register adds or replaces the extractor for ext (".pdf", ".html", ...).
func Register(ext string, fn ExtractFunc) {
	mu.Lock()
	defer mu.Unlock()
	extractors[strings.ToLower(ext)] = fn
}

// Supported reports whether path has a registered extractor.
func Supported(path string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := extractors[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Extensions lists the registered extensions in sorted order.
func Extensions() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(extractors))
	for ext := range extractors {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Extract reads path and returns its text. Empty documents are an error.
func Extract(path string) (Document, error) {
	mu.RLock()
	fn, ok := extractors[strings.ToLower(filepath.Ext(path))]
	mu.RUnlock()
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read source: %w", err)
	}
	doc, err := fn(data)
	if err != nil {
		return Document{}, fmt.Errorf("extract %s: %w", path, err)
	}
	if strings.TrimSpace(doc.Text) == "" {
		return Document{}, fmt.Errorf("extract %s: no text content", path)
	}
	doc.Path = path
	return doc, nil
}

// PlainText returns data as-is after checking it is valid UTF-8.
func PlainText(data []byte) (Document, error) {
	if !utf8.Valid(data) {
		return Document{}, errors.New("content is not valid UTF-8")
	}
	return Document{Text: strings.TrimSpace(string(data))}, nil
}
