package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/synthkit/internal/models"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestWrite(t *testing.T) {
	doc := models.Document{
		QAPairs: []models.QAPair{{Question: "raw?", Answer: "raw"}},
		RatedPairs: []models.RatedQAPair{
			{Question: "Q1?", Answer: "A1", Rating: 8},
			{Question: "Q2?", Answer: "A2", Rating: 9},
		},
	}
	dir := t.TempDir()

	t.Run("jsonl uses curated pairs", func(t *testing.T) {
		path := filepath.Join(dir, "out.jsonl")
		n, err := Write(path, FormatJSONL, doc)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		lines := readLines(t, path)
		require.Len(t, lines, 2)
		assert.Equal(t, map[string]any{"question": "Q1?", "answer": "A1"}, lines[0])
	})

	t.Run("alpaca", func(t *testing.T) {
		path := filepath.Join(dir, "alpaca.jsonl")
		_, err := Write(path, FormatAlpaca, doc)
		require.NoError(t, err)
		lines := readLines(t, path)
		assert.Equal(t, map[string]any{"instruction": "Q2?", "input": "", "output": "A2"}, lines[1])
	})

	t.Run("chatml", func(t *testing.T) {
		path := filepath.Join(dir, "chat.jsonl")
		_, err := Write(path, FormatChatML, doc)
		require.NoError(t, err)
		lines := readLines(t, path)
		msgs := lines[0]["messages"].([]any)
		require.Len(t, msgs, 3)
		assert.Equal(t, "user", msgs[1].(map[string]any)["role"])
		assert.Equal(t, "Q1?", msgs[1].(map[string]any)["content"])
	})

	t.Run("json is atomic and leaves no temp files", func(t *testing.T) {
		sub := filepath.Join(dir, "final")
		path := filepath.Join(sub, "out.json")
		n, err := Write(path, FormatJSON, doc)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		entries, err := os.ReadDir(sub)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "out.json", entries[0].Name())
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := Write(filepath.Join(dir, "x.xml"), "xml", doc)
		assert.ErrorIs(t, err, ErrUnknownFormat)
	})
}

func TestWrite_CotKeepsReasoning(t *testing.T) {
	doc := models.Document{CotExamples: []models.CotExample{
		{Question: "Is 9 prime?", Reasoning: "9 = 3 * 3.", Answer: "No.", Steps: []string{"9 = 3 * 3."}},
	}}
	dir := t.TempDir()

	t.Run("jsonl", func(t *testing.T) {
		path := filepath.Join(dir, "cot.jsonl")
		n, err := Write(path, FormatJSONL, doc)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		lines := readLines(t, path)
		require.Len(t, lines, 1)
		assert.Equal(t, "9 = 3 * 3.", lines[0]["reasoning"])
		assert.Equal(t, "No.", lines[0]["answer"])
		assert.Equal(t, []any{"9 = 3 * 3."}, lines[0]["steps"])
	})

	t.Run("alpaca", func(t *testing.T) {
		path := filepath.Join(dir, "cot_alpaca.jsonl")
		_, err := Write(path, FormatAlpaca, doc)
		require.NoError(t, err)
		assert.Equal(t, "9 = 3 * 3.\n\nAnswer: No.", readLines(t, path)[0]["output"])
	})

	for _, format := range []string{FormatFT, FormatChatML} {
		t.Run(format, func(t *testing.T) {
			path := filepath.Join(dir, "cot_"+format+".jsonl")
			_, err := Write(path, format, doc)
			require.NoError(t, err)
			msgs := readLines(t, path)[0]["messages"].([]any)
			require.Len(t, msgs, 3)
			assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
			assert.Equal(t, "9 = 3 * 3.\n\nAnswer: No.", msgs[2].(map[string]any)["content"])
		})
	}

	t.Run("csv", func(t *testing.T) {
		path := filepath.Join(dir, "cot.csv")
		_, err := Write(path, FormatCSV, doc)
		require.NoError(t, err)
		f, err := os.Open(path)
		require.NoError(t, err)
		defer f.Close()
		rows, err := csv.NewReader(f).ReadAll()
		require.NoError(t, err)
		assert.Equal(t, [][]string{
			{"question", "answer", "reasoning"},
			{"Is 9 prime?", "No.", "9 = 3 * 3."},
		}, rows)
	})
}

func TestWrite_CSVPairs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairs.csv")
	n, err := Write(path, FormatCSV, models.Document{QAPairs: []models.QAPair{{Question: "Q, with comma?", Answer: "A"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "question,answer\n\"Q, with comma?\",A\n", string(data))
}

func TestReadDocument(t *testing.T) {
	dir := t.TempDir()

	full := models.Document{
		Summary:     "sum",
		CotExamples: []models.CotExample{{Question: "Why?", Reasoning: "Because.", Answer: "So."}},
	}
	path := filepath.Join(dir, "doc.json")
	require.NoError(t, WriteJSON(path, full))

	got, err := ReadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, full, got)
	assert.Equal(t, []models.QAPair{{Question: "Why?", Answer: "So."}}, got.Pairs())

	bare := filepath.Join(dir, "bare.json")
	require.NoError(t, os.WriteFile(bare, []byte(`[{"question": "Q?", "answer": "A"}]`), 0o644))
	got, err = ReadDocument(bare)
	require.NoError(t, err)
	assert.Len(t, got.QAPairs, 1)

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte(`{nope`), 0o644))
	_, err = ReadDocument(broken)
	assert.Error(t, err)
}

func TestExtension(t *testing.T) {
	for _, f := range Formats() {
		ext, err := Extension(f)
		require.NoError(t, err)
		assert.NotEmpty(t, ext)
	}
	_, err := Extension("xml")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestWriteText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.txt")
	require.NoError(t, WriteText(path, "hello"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
