package service

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/raphaelgruber/synthkit/internal/export"
	"github.com/raphaelgruber/synthkit/internal/models"
)

// Data directories under the layout root, one per job kind.
const (
	DirOutput    = "output"
	DirGenerated = "generated"
	DirCleaned   = "cleaned"
	DirFinal     = "final"
)

// Layout maps job kinds to their output locations under Root.
type Layout struct {
	Root string
	// RecentWindow bounds the fallback search for an output file that
	// did not appear at its expected path.
	RecentWindow time.Duration
}

// Dir returns the output directory for kind.
func (l Layout) Dir(kind models.JobKind) string {
	var sub string
	switch kind {
	case models.JobIngest:
		sub = DirOutput
	case models.JobCreate:
		sub = DirGenerated
	case models.JobCurate:
		sub = DirCleaned
	case models.JobExport:
		sub = DirFinal
	}
	return filepath.Join(l.Root, sub)
}

// Extensions lists the file extensions a job of kind may produce.
func (l Layout) Extensions(kind models.JobKind) []string {
	switch kind {
	case models.JobIngest:
		return []string{".txt"}
	case models.JobExport:
		return []string{".json", ".jsonl", ".csv"}
	default:
		return []string{".json"}
	}
}

// Expected computes the output path a job will write, before it runs.
func (l Layout) Expected(kind models.JobKind, inputRef string, params map[string]any, now time.Time) (string, error) {
	stem := models.Stem(inputRef)
	dir := l.Dir(kind)

	switch kind {
	case models.JobIngest:
		return filepath.Join(dir, stem+".txt"), nil
	case models.JobCreate:
		genType := paramString(params, ParamType, TypeQA)
		return filepath.Join(dir, fmt.Sprintf("%s_%s_pairs.json", stem, genType)), nil
	case models.JobCurate:
		return filepath.Join(dir, fmt.Sprintf("%s_%s_curated.json", stem, now.Format("20060102_150405"))), nil
	case models.JobExport:
		format := paramString(params, ParamFormat, export.FormatJSONL)
		ext, err := export.Extension(format)
		if err != nil {
			return "", err
		}
		name := paramString(params, ParamName, stem)
		return filepath.Join(dir, fmt.Sprintf("%s_%s%s", models.Slugify(name), format, ext)), nil
	}
	return "", fmt.Errorf("unknown job kind %q", kind)
}

// Resolve confirms the output of a finished job. It returns expected when
// that file exists, otherwise the most recently modified file of the
// kind's extensions in the kind's directory within RecentWindow.
func (l Layout) Resolve(kind models.JobKind, expected string, now time.Time) (string, bool) {
	if expected != "" {
		if info, err := os.Stat(expected); err == nil && !info.IsDir() {
			return expected, true
		}
	}
	return FindRecent(l.Dir(kind), l.Extensions(kind), l.RecentWindow, now)
}

// FindRecent returns the most recently modified regular file in dir with
// one of exts whose modification time is within window of now.
func FindRecent(dir string, exts []string, window time.Duration, now time.Time) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}

	var (
		best     string
		bestTime time.Time
	)
	cutoff := now.Add(-window)
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if !slices.Contains(exts, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if mod.Before(cutoff) {
			continue
		}
		if best == "" || mod.After(bestTime) {
			best, bestTime = filepath.Join(dir, e.Name()), mod
		}
	}
	return best, best != ""
}
