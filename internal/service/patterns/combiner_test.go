package patterns_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopworks/cadence/internal/model"
	"github.com/loopworks/cadence/internal/service/patterns"
)

func newCombiner() *patterns.Combiner {
	return patterns.NewCombiner(patterns.DefaultCombinerConfig(), slog.Default())
}

func episodeContext(taskValue, conf float64) model.DecisionContext {
	return model.DecisionContext{
		EpisodesFound: 5,
		EpisodesUsed:  5,
		AvgSimilarity: 0.8,
		Confidence:    conf,
		Patterns: []model.Pattern{{
			Type:          model.PatternTaskCount,
			Value:         taskValue,
			SuccessRate:   0.9,
			Confidence:    conf,
			EvidenceCount: 5,
		}},
	}
}

func chronicleAnalysis(optimalTasks, duration float64) model.ChronicleAnalysis {
	similar := make([]model.SimilarProject, 4)
	for i := range similar {
		similar[i] = model.SimilarProject{
			ProjectID:       "OTHER",
			SimilarityScore: 0.8,
			CompletionRate:  0.9,
			Confidence:      0.72,
		}
	}
	return model.ChronicleAnalysis{
		SimilarProjects: similar,
		AvgSimilarity:   0.8,
		Indicators: model.SuccessIndicators{
			OptimalTasksPerSprint: optimalTasks,
			RecommendedDuration:   duration,
			SuccessProbability:    0.75,
		},
	}
}

func findPattern(patterns []model.Pattern, t model.PatternType) (model.Pattern, bool) {
	for _, p := range patterns {
		if p.Type == t {
			return p, true
		}
	}
	return model.Pattern{}, false
}

func TestCombiner_EmptyInputsYieldEmptyResult(t *testing.T) {
	out := newCombiner().Combine(model.DecisionContext{}, model.ChronicleAnalysis{})
	assert.Empty(t, out.Patterns)
	assert.Zero(t, out.Confidence)
}

func TestCombiner_WeightsSumToOne(t *testing.T) {
	out := newCombiner().Combine(episodeContext(10, 0.8), chronicleAnalysis(12, 2))
	assert.InDelta(t, 1.0, out.EpisodeWeight+out.ChronicleWeight, 1e-9)
	assert.Greater(t, out.EpisodeWeight, 0.0)
	assert.Greater(t, out.ChronicleWeight, 0.0)
}

func TestCombiner_FusesTaskCountFromBothSources(t *testing.T) {
	out := newCombiner().Combine(episodeContext(10, 0.8), chronicleAnalysis(12, 0))

	p, ok := findPattern(out.Patterns, model.PatternTaskCount)
	require.True(t, ok)

	// The fused value is the weighted round, so it lands between the two
	// source values.
	assert.GreaterOrEqual(t, p.Value, 10.0)
	assert.LessOrEqual(t, p.Value, 12.0)
	assert.Equal(t, 9, p.EvidenceCount, "5 episodes plus 4 similar projects")
	assert.Equal(t, map[string]int{"episodes": 5, "chronicle": 4}, p.Sources)
	assert.InDelta(t, out.EpisodeWeight, p.EpisodeWeight, 1e-9)
}

func TestCombiner_SingleSourceDiscounted(t *testing.T) {
	out := newCombiner().Combine(episodeContext(10, 0.8), model.ChronicleAnalysis{})

	p, ok := findPattern(out.Patterns, model.PatternTaskCount)
	require.True(t, ok)
	assert.InDelta(t, 0.8*0.8, p.Confidence, 1e-9, "single source carries the 0.8 multiplier")
	assert.InDelta(t, 1.0, p.EpisodeWeight, 1e-9)
	assert.Zero(t, p.ChronicleWeight)
}

func TestCombiner_ChronicleOnlyDuration(t *testing.T) {
	out := newCombiner().Combine(model.DecisionContext{}, chronicleAnalysis(12, 3))

	p, ok := findPattern(out.Patterns, model.PatternSprintDuration)
	require.True(t, ok)
	assert.InDelta(t, 3, p.Value, 1e-9)
	assert.InDelta(t, 0.8*0.8, p.Confidence, 1e-9, "avg similarity discounted for single source")
}

func TestCombiner_DurationAgreementBoostsConfidence(t *testing.T) {
	dc := episodeContext(10, 0.6)
	dc.Patterns = append(dc.Patterns, model.Pattern{
		Type:          model.PatternSprintDuration,
		Value:         3,
		SuccessRate:   0.9,
		Confidence:    0.6,
		EvidenceCount: 5,
	})

	out := newCombiner().Combine(dc, chronicleAnalysis(12, 3.2))

	p, ok := findPattern(out.Patterns, model.PatternSprintDuration)
	require.True(t, ok)
	assert.InDelta(t, 3, p.Value, 1e-9, "both round to 3 weeks")
	assert.InDelta(t, 1.0, p.Confidence, 1e-9, "0.6 plus 0.8 capped at 1.0")
}

func TestCombiner_DurationDisagreementKeepsStrongerSource(t *testing.T) {
	dc := episodeContext(10, 0.6)
	dc.Patterns = append(dc.Patterns, model.Pattern{
		Type:          model.PatternSprintDuration,
		Value:         2,
		SuccessRate:   0.9,
		Confidence:    0.5,
		EvidenceCount: 5,
	})

	// Chronicle recommends 3 weeks with a stronger signal (avg similarity 0.8).
	out := newCombiner().Combine(dc, chronicleAnalysis(12, 3))

	p, ok := findPattern(out.Patterns, model.PatternSprintDuration)
	require.True(t, ok)
	assert.InDelta(t, 3, p.Value, 1e-9)
	assert.Less(t, p.Confidence, 1.0, "disagreement keeps a weighted-mean confidence")
}

func TestCombiner_DiscardsLowConfidencePatterns(t *testing.T) {
	out := newCombiner().Combine(episodeContext(10, 0.2), model.ChronicleAnalysis{})
	assert.Empty(t, out.Patterns, "0.2 confidence times the 0.8 discount falls below the floor")
}

func TestCombiner_OverallConfidenceScalesWithCoverage(t *testing.T) {
	both := newCombiner().Combine(episodeContext(10, 0.8), chronicleAnalysis(12, 0))
	single := newCombiner().Combine(episodeContext(10, 0.8), model.ChronicleAnalysis{})

	assert.Greater(t, both.Confidence, single.Confidence,
		"corroborating sources outrank a lone one")
}
