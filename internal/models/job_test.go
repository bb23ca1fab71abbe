package models

import (
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
)

func TestJobUpdateApply(t *testing.T) {
	job := Job{ID: "j1", Status: JobRunning, Progress: 1}
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	JobUpdate{
		Status:   lo.ToPtr(JobCompleted),
		Progress: lo.ToPtr(4),
		Error:    lo.ToPtr(""),
	}.Apply(&job, now)

	assert.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, 4, job.Progress)
	assert.Equal(t, now, job.UpdatedAt)
	assert.Empty(t, job.OutputRef)
}

func TestJobUpdateMatches(t *testing.T) {
	updated := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	job := Job{Status: JobRunning, UpdatedAt: updated}

	tests := []struct {
		name string
		upd  JobUpdate
		want bool
	}{
		{"unconditional", JobUpdate{}, true},
		{"status matches", JobUpdate{IfStatus: lo.ToPtr(JobRunning)}, true},
		{"status differs", JobUpdate{IfStatus: lo.ToPtr(JobPending)}, false},
		{"stale enough", JobUpdate{IfUpdatedBefore: lo.ToPtr(updated.Add(time.Minute))}, true},
		{"too fresh", JobUpdate{IfUpdatedBefore: lo.ToPtr(updated)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.upd.Matches(job))
		})
	}
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, JobPending.Terminal())
	assert.False(t, JobRunning.Terminal())
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobWarning.Terminal())
	assert.True(t, JobFailed.Terminal())
}

func TestDocumentPairs(t *testing.T) {
	doc := Document{
		QAPairs:    []QAPair{{Question: "raw?", Answer: "raw"}},
		RatedPairs: []RatedQAPair{{Question: "q?", Answer: "a", Rating: 8}},
	}
	assert.Equal(t, []QAPair{{Question: "q?", Answer: "a"}}, doc.Pairs())

	cot := Document{CotExamples: []CotExample{{Question: "why?", Reasoning: "Step 1: x", Answer: "y"}}}
	assert.Equal(t, []QAPair{{Question: "why?", Answer: "y"}}, cot.Pairs())
	assert.Equal(t, 1, cot.Len())
}

func TestRecordValid(t *testing.T) {
	assert.True(t, QAPair{Question: "q", Answer: "a"}.Valid())
	assert.False(t, QAPair{Question: " ", Answer: "a"}.Valid())
	assert.False(t, CotExample{Question: "q", Answer: "a"}.Valid())
	assert.False(t, RatedQAPair{Question: "q", Answer: "a", Rating: 0}.Valid())
	assert.True(t, RatedQAPair{Question: "q", Answer: "a", Rating: 10}.Valid())
}

func TestNewJob(t *testing.T) {
	a := NewJob(JobCreate, "doc.txt", nil)
	b := NewJob(JobCreate, "doc.txt", map[string]any{"type": "qa"})

	assert.Equal(t, JobPending, a.Status)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotNil(t, a.Params)
	assert.Equal(t, "qa", b.Params["type"])
}
