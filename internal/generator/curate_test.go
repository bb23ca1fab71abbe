package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/synthkit/internal/config"
	"github.com/raphaelgruber/synthkit/internal/llm"
	"github.com/raphaelgruber/synthkit/internal/models"
)

var promptQuestionRE = regexp.MustCompile(`"question": "(q\d)"`)

func ratingResponder(scores map[string]float64, failOn string) func(string) llm.Outcome {
	return func(prompt string) llm.Outcome {
		var rated []models.RatedQAPair
		for _, m := range promptQuestionRE.FindAllStringSubmatch(prompt, -1) {
			if m[1] == failOn {
				return llm.Outcome{Status: llm.StatusFailed, Attempts: 5, Err: llm.ErrTransport}
			}
			rated = append(rated, models.RatedQAPair{
				Question:      m[1],
				Answer:        "a",
				Rating:        scores[m[1]],
				Justification: "fine",
			})
		}
		b, _ := json.Marshal(rated)
		return ok(string(b))
	}
}

func pairs(n int) []models.QAPair {
	out := make([]models.QAPair, n)
	for i := range out {
		out[i] = models.QAPair{Question: fmt.Sprintf("q%d", i), Answer: "a"}
	}
	return out
}

func TestCurator_Curate(t *testing.T) {
	fake := &fakeCompleter{respond: ratingResponder(map[string]float64{
		"q0": 9, "q1": 4, "q2": 8, "q3": 7,
	}, "q4")}
	cur := NewCurator(fake, testConfig(), nil, nil)

	var batches int
	res, err := cur.Curate(context.Background(), pairs(5), CurateOptions{
		Threshold: 7,
		BatchSize: 2,
		Progress:  func(done, total int) { batches = total },
	})
	require.NoError(t, err)

	assert.Equal(t, 3, batches)
	assert.Len(t, fake.prompts, 3)
	require.Len(t, res.Rated, 5)
	assert.True(t, res.Rated[4].Defaulted)
	assert.Equal(t, 5.0, res.Rated[4].Rating)

	kept := make([]string, len(res.Kept))
	for i, p := range res.Kept {
		kept[i] = p.Question
	}
	assert.Equal(t, []string{"q0", "q2", "q3"}, kept)

	assert.Equal(t, models.CurateMetrics{
		Total:         5,
		Filtered:      3,
		RetentionRate: 0.6,
		AvgScore:      6.6,
		Defaulted:     1,
	}, res.Metrics)
}

func TestCurator_ThresholdBoundsAndEmpty(t *testing.T) {
	cur := NewCurator(&fakeCompleter{respond: ratingResponder(nil, "")}, testConfig(), nil, nil)

	for _, th := range []float64{0.5, 10.5, -1} {
		_, err := cur.Curate(context.Background(), pairs(1), CurateOptions{Threshold: th})
		assert.ErrorIs(t, err, config.ErrConfig, "threshold %v", th)
	}

	res, err := cur.Curate(context.Background(), nil, CurateOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Rated)
	assert.Empty(t, res.Kept)
	assert.Zero(t, res.Metrics.Total)
}

func TestCurator_ThresholdIsInclusive(t *testing.T) {
	fake := &fakeCompleter{respond: ratingResponder(map[string]float64{"q0": 10, "q1": 1}, "")}
	cur := NewCurator(fake, testConfig(), nil, nil)

	res, err := cur.Curate(context.Background(), pairs(2), CurateOptions{Threshold: 10})
	require.NoError(t, err)
	require.Len(t, res.Kept, 1)
	assert.Equal(t, "q0", res.Kept[0].Question)
	assert.Equal(t, 0.5, res.Metrics.RetentionRate)
}
