package memory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopworks/cadence/internal/model"
	"github.com/loopworks/cadence/internal/service/memory"
)

func newBridge() *memory.Bridge {
	return memory.NewBridge(memory.DefaultBridgeConfig(), testLogger())
}

type episodeSpec struct {
	similarity float32
	quality    float32
	teamSize   float64
	tasks      float64
	duration   float64
	success    bool
	hasOutcome bool
}

func scoredEpisode(spec episodeSpec) model.ScoredEpisode {
	e := model.Episode{
		ProjectID:  "PROJ1",
		Perception: map[string]any{"team_size": spec.teamSize},
		Reasoning:  map[string]any{"rationale": "balanced load"},
		Action: map[string]any{
			"tasks_to_assign":       spec.tasks,
			"sprint_duration_weeks": spec.duration,
		},
	}
	if spec.hasOutcome {
		e.Outcome = &model.Outcome{Success: spec.success, QualityScore: spec.quality}
	}
	return model.ScoredEpisode{Episode: e, Similarity: spec.similarity}
}

func goodEpisode(tasks, duration float64) model.ScoredEpisode {
	return scoredEpisode(episodeSpec{
		similarity: 0.85,
		quality:    0.8,
		teamSize:   4,
		tasks:      tasks,
		duration:   duration,
		success:    true,
		hasOutcome: true,
	})
}

func TestBridge_EmptyInput(t *testing.T) {
	dc := newBridge().Translate(nil, model.ProjectSnapshot{})
	assert.Zero(t, dc.EpisodesFound)
	assert.Zero(t, dc.EpisodesUsed)
	assert.Zero(t, dc.Confidence)
}

func TestBridge_FiltersUnusableEpisodes(t *testing.T) {
	lowSim := goodEpisode(10, 2)
	lowSim.Similarity = 0.4

	lowQuality := goodEpisode(10, 2)
	lowQuality.Outcome.QualityScore = 0.3

	noTeamSize := goodEpisode(10, 2)
	noTeamSize.Perception = map[string]any{"backlog": 7.0}

	noAction := goodEpisode(10, 2)
	noAction.Action = nil

	episodes := []model.ScoredEpisode{lowSim, lowQuality, noTeamSize, noAction, goodEpisode(10, 2)}
	dc := newBridge().Translate(episodes, model.ProjectSnapshot{TeamSize: 4})

	assert.Equal(t, 5, dc.EpisodesFound)
	assert.Equal(t, 1, dc.EpisodesUsed)
}

func TestBridge_AllFilteredReportsRisk(t *testing.T) {
	lowSim := goodEpisode(10, 2)
	lowSim.Similarity = 0.2

	dc := newBridge().Translate([]model.ScoredEpisode{lowSim}, model.ProjectSnapshot{})

	assert.Equal(t, 1, dc.EpisodesFound)
	assert.Zero(t, dc.EpisodesUsed)
	require.Len(t, dc.RiskFactors, 1)
	assert.Contains(t, dc.RiskFactors[0], "none met quality thresholds")
}

func TestBridge_TaskCountPatternFromCluster(t *testing.T) {
	episodes := []model.ScoredEpisode{
		goodEpisode(10, 2),
		goodEpisode(10, 2),
		goodEpisode(11, 2),
	}

	dc := newBridge().Translate(episodes, model.ProjectSnapshot{TeamSize: 4})

	require.True(t, dc.HasPatterns())
	var taskPattern *model.Pattern
	for i := range dc.Patterns {
		if dc.Patterns[i].Type == model.PatternTaskCount {
			taskPattern = &dc.Patterns[i]
		}
	}
	require.NotNil(t, taskPattern)
	assert.InDelta(t, 10, taskPattern.Value, 1e-9, "10 and 11 cluster together, centered on 10")
	assert.Equal(t, 3, taskPattern.EvidenceCount)
	assert.InDelta(t, 1.0, taskPattern.Confidence, 1e-9)
	assert.InDelta(t, 0.8, taskPattern.SuccessRate, 1e-6)
}

func TestBridge_NoPatternBelowQualityBar(t *testing.T) {
	mediocre := func() model.ScoredEpisode {
		e := goodEpisode(10, 2)
		e.Outcome.QualityScore = 0.6 // Above the usability floor, below the pattern bar.
		return e
	}

	dc := newBridge().Translate([]model.ScoredEpisode{mediocre(), mediocre()}, model.ProjectSnapshot{})

	assert.Equal(t, 2, dc.EpisodesUsed)
	for _, p := range dc.Patterns {
		assert.NotEqual(t, model.PatternTaskCount, p.Type)
	}
}

func TestBridge_DurationPatternNeedsTwoSupporters(t *testing.T) {
	dc := newBridge().Translate([]model.ScoredEpisode{
		goodEpisode(10, 2),
		goodEpisode(12, 3),
	}, model.ProjectSnapshot{})

	for _, p := range dc.Patterns {
		assert.NotEqual(t, model.PatternSprintDuration, p.Type,
			"split 2/3 weeks gives no duration two supporters")
	}

	dc = newBridge().Translate([]model.ScoredEpisode{
		goodEpisode(10, 2),
		goodEpisode(12, 2),
	}, model.ProjectSnapshot{})

	var found bool
	for _, p := range dc.Patterns {
		if p.Type == model.PatternSprintDuration {
			found = true
			assert.InDelta(t, 2, p.Value, 1e-9)
			assert.Equal(t, 2, p.EvidenceCount)
		}
	}
	assert.True(t, found)
}

func TestBridge_RecommendationsRequireConfidentPatterns(t *testing.T) {
	episodes := []model.ScoredEpisode{
		goodEpisode(10, 2),
		goodEpisode(10, 2),
		goodEpisode(10, 2),
	}

	dc := newBridge().Translate(episodes, model.ProjectSnapshot{TeamSize: 4})

	require.NotEmpty(t, dc.Recommendations)
	for _, r := range dc.Recommendations {
		assert.Greater(t, r.Confidence, 0.5)
		assert.NotEmpty(t, r.Rationale)
	}
}

func TestBridge_RiskFactorOnFailedOutcomes(t *testing.T) {
	failed := goodEpisode(10, 2)
	failed.Outcome.Success = false

	dc := newBridge().Translate([]model.ScoredEpisode{goodEpisode(10, 2), failed},
		model.ProjectSnapshot{})

	require.NotEmpty(t, dc.RiskFactors)
	assert.Contains(t, dc.RiskFactors[0], "1 of 2 comparable decisions had unsuccessful outcomes")
}

func TestBridge_InsightsMentionComparableTeams(t *testing.T) {
	dc := newBridge().Translate([]model.ScoredEpisode{goodEpisode(10, 2)},
		model.ProjectSnapshot{TeamSize: 4})

	require.NotEmpty(t, dc.KeyInsights)
	assert.Contains(t, dc.KeyInsights[0], "Created sprint with 10 tasks, 2-week sprint")
	assert.Contains(t, dc.KeyInsights[1], "A team of 4 succeeded")
}

func TestBridge_ConfidenceWithinBounds(t *testing.T) {
	episodes := []model.ScoredEpisode{
		goodEpisode(10, 2),
		goodEpisode(10, 2),
		goodEpisode(11, 2),
	}

	dc := newBridge().Translate(episodes, model.ProjectSnapshot{TeamSize: 4})
	assert.Greater(t, dc.Confidence, 0.0)
	assert.LessOrEqual(t, dc.Confidence, 1.0)
}

func TestBridge_EpisodeWeight(t *testing.T) {
	b := newBridge()

	assert.Zero(t, b.EpisodeWeight(model.DecisionContext{}), "no episodes, no weight")

	weight := b.EpisodeWeight(model.DecisionContext{EpisodesUsed: 2, Confidence: 0.5})
	assert.InDelta(t, 0.6*0.4+0.4*0.5, weight, 1e-9)

	capped := b.EpisodeWeight(model.DecisionContext{EpisodesUsed: 50, Confidence: 1.0})
	assert.InDelta(t, 0.8, capped, 1e-9, "weight is capped so episodes never dominate outright")
}
