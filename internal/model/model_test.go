package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopworks/cadence/internal/model"
)

func TestSprintID_ZeroPadsTheNumber(t *testing.T) {
	assert.Equal(t, "PROJ1-S01", model.SprintID("PROJ1", 1))
	assert.Equal(t, "PROJ1-S12", model.SprintID("PROJ1", 12))
	assert.Equal(t, "PROJ1-S105", model.SprintID("PROJ1", 105))
}

func TestCronJobName_LowersBothParts(t *testing.T) {
	got := model.CronJobName("PROJ1", "PROJ1-S02")
	assert.Equal(t, "run-dailyscrum-proj1-proj1-s02", got)
}

func TestEpisodeCompletenessScore(t *testing.T) {
	var e model.Episode
	assert.Equal(t, float32(0), e.CompletenessScore())

	e.Perception = map[string]any{"team_size": 4}
	e.Action = map[string]any{"tasks_to_assign": 8}
	assert.Equal(t, float32(0.5), e.CompletenessScore())

	e.Reasoning = map[string]any{"rationale": "backlog pressure"}
	e.Outcome = &model.Outcome{Success: true, QualityScore: 0.9}
	assert.Equal(t, float32(1.0), e.CompletenessScore())
}

func TestEpisodeQuality_PrefersRecordedOutcome(t *testing.T) {
	e := model.Episode{
		Perception: map[string]any{"team_size": 4},
		Outcome:    &model.Outcome{QualityScore: 0.35},
	}
	assert.Equal(t, float32(0.35), e.Quality())

	e.Outcome = nil
	assert.Equal(t, e.CompletenessScore(), e.Quality(), "falls back to completeness")
}

func TestTaskConsistent(t *testing.T) {
	tests := []struct {
		name     string
		progress int
		status   model.TaskStatus
		want     bool
	}{
		{"done at 100", 100, model.TaskCompleted, true},
		{"in progress at 50", 50, model.TaskInProgress, true},
		{"done but 80 percent", 80, model.TaskCompleted, false},
		{"100 percent but not done", 100, model.TaskInProgress, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := model.Task{ProgressPercentage: tt.progress, Status: tt.status}
			assert.Equal(t, tt.want, task.Consistent())
		})
	}
}

func TestNewEvent_FillsDefaults(t *testing.T) {
	e := model.NewEvent(model.EventSprintStarted, "PROJ1-S01", "sprint", nil, model.EventMetadata{})

	assert.NotEmpty(t, e.EventID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, "orchestrator", e.Metadata.SourceService)

	meta := model.EventMetadata{SourceService: "reporter", CorrelationID: "corr-1"}
	e = model.NewEvent(model.EventDailyScrum, "PROJ1", "project", nil, meta)
	assert.Equal(t, "reporter", e.Metadata.SourceService, "explicit source survives")
}

func TestParseEvent_RoundTrip(t *testing.T) {
	in := model.NewEvent(model.EventTaskUpdated, "T1", "task",
		map[string]any{"task_id": "T1"}, model.EventMetadata{CorrelationID: "corr-1"})

	data, err := in.Marshal()
	require.NoError(t, err)

	out, err := model.ParseEvent(data)
	require.NoError(t, err)
	assert.Equal(t, in.EventID, out.EventID)
	assert.Equal(t, in.EventType, out.EventType)
	assert.Equal(t, "corr-1", out.Metadata.CorrelationID)
}

func TestParseEvent_Rejections(t *testing.T) {
	_, err := model.ParseEvent("{not json")
	assert.Error(t, err)

	_, err = model.ParseEvent(`{"event_id":"x"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing event_type")
}

func TestDecodeTaskUpdated(t *testing.T) {
	p, err := model.DecodeTaskUpdated(map[string]any{
		"task_id":             "T1",
		"project_id":          "PROJ1",
		"status":              "in_progress",
		"progress_percentage": float64(40),
	})
	require.NoError(t, err)
	assert.Equal(t, "T1", p.TaskID)
	assert.Equal(t, model.TaskInProgress, p.Status)
	assert.Equal(t, 40, p.ProgressPercentage)

	_, err = model.DecodeTaskUpdated(map[string]any{"project_id": "PROJ1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing task_id")

	_, err = model.DecodeTaskUpdated(map[string]any{
		"task_id":             "T1",
		"progress_percentage": "forty",
	})
	assert.Error(t, err, "wrong field types surface an error")
}
