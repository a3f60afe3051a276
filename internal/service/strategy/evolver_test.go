package strategy_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopworks/cadence/internal/model"
	"github.com/loopworks/cadence/internal/service/strategy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type storeStub struct {
	episodes    []model.Episode
	episodesErr error

	active    []model.Strategy
	activeErr error

	perf map[uuid.UUID][]model.StrategyPerformance

	created     []model.Strategy
	adjusted    map[uuid.UUID]float32
	deactivated []uuid.UUID
	pruned      int64
	pruneCutoff time.Time
}

func newStoreStub() *storeStub {
	return &storeStub{
		perf:     make(map[uuid.UUID][]model.StrategyPerformance),
		adjusted: make(map[uuid.UUID]float32),
	}
}

func (s *storeStub) GetSuccessfulEpisodesSince(_ context.Context, _ time.Time, _ float32, _ int) ([]model.Episode, error) {
	return s.episodes, s.episodesErr
}

func (s *storeStub) CreateStrategy(_ context.Context, st model.Strategy) (uuid.UUID, error) {
	s.created = append(s.created, st)
	return uuid.New(), nil
}

func (s *storeStub) GetActiveStrategies(_ context.Context, _ string, _, _ int) ([]model.Strategy, error) {
	return s.active, s.activeErr
}

func (s *storeStub) GetRecentPerformance(_ context.Context, id uuid.UUID, _ time.Time) ([]model.StrategyPerformance, error) {
	return s.perf[id], nil
}

func (s *storeStub) AdjustStrategyConfidence(_ context.Context, id uuid.UUID, delta, _, _ float32) error {
	s.adjusted[id] = delta
	return nil
}

func (s *storeStub) DeactivateStrategy(_ context.Context, id uuid.UUID, _ string) error {
	s.deactivated = append(s.deactivated, id)
	return nil
}

func (s *storeStub) PrunePerformanceLogs(_ context.Context, olderThan time.Time) (int64, error) {
	s.pruneCutoff = olderThan
	return s.pruned, nil
}

func successfulEpisode(teamSize, tasks, weeks int, quality float32) model.Episode {
	return model.Episode{
		ID:         uuid.New(),
		ProjectID:  "PROJ1",
		Perception: map[string]any{"team_size": float64(teamSize)},
		Reasoning:  map[string]any{"rationale": "ok"},
		Action: map[string]any{
			"tasks_to_assign":       float64(tasks),
			"sprint_duration_weeks": float64(weeks),
		},
		Outcome: &model.Outcome{Success: true, QualityScore: quality},
	}
}

func repeatEpisodes(n, teamSize, tasks, weeks int, quality float32) []model.Episode {
	out := make([]model.Episode, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, successfulEpisode(teamSize, tasks, weeks, quality))
	}
	return out
}

func newEvolver(store *storeStub) *strategy.Evolver {
	return strategy.NewEvolver(store, strategy.DefaultConfig(), testLogger())
}

func TestEvolver_GeneratesStrategyFromRecurringPattern(t *testing.T) {
	store := newStoreStub()
	store.episodes = repeatEpisodes(6, 4, 10, 2, 0.85)

	report := newEvolver(store).Cycle(context.Background())

	assert.True(t, report.ExtractOK)
	assert.True(t, report.GenerateOK)
	assert.Equal(t, 1, report.ExtractedPatterns)
	assert.Equal(t, 1, report.GeneratedStrategies)

	require.Len(t, store.created, 1)
	s := store.created[0]
	assert.Equal(t, "sprint_planning", s.Type)
	assert.Equal(t, "team4_tasks10_weeks2", s.Content.Conditions["signature"])
	assert.Equal(t, 3, s.Content.Conditions["team_size_min"])
	assert.Equal(t, 5, s.Content.Conditions["team_size_max"])
	assert.Equal(t, 10, s.Content.Rules["tasks_to_assign"])
	assert.Equal(t, 2, s.Content.Rules["sprint_duration_weeks"])
	assert.Equal(t, model.RiskLow, s.RiskLevel)
	assert.True(t, s.IsActive)
	assert.Len(t, s.SupportingEpisodes, 6)
	assert.GreaterOrEqual(t, s.Confidence, float32(0.6))
}

func TestEvolver_InfrequentPatternsIgnored(t *testing.T) {
	store := newStoreStub()
	store.episodes = repeatEpisodes(2, 4, 10, 2, 0.9) // Below the frequency floor of 3.

	report := newEvolver(store).Cycle(context.Background())

	assert.Zero(t, report.ExtractedPatterns)
	assert.Empty(t, store.created)
}

func TestEvolver_TeamSizeBucketsGroupNeighbors(t *testing.T) {
	store := newStoreStub()
	// Sizes 4 and 5 share the team4 bucket; 6 starts a new one.
	store.episodes = append(store.episodes, successfulEpisode(4, 10, 2, 0.85))
	store.episodes = append(store.episodes, successfulEpisode(5, 10, 2, 0.85))
	store.episodes = append(store.episodes, successfulEpisode(5, 10, 2, 0.85))
	store.episodes = append(store.episodes, successfulEpisode(6, 10, 2, 0.85))

	report := newEvolver(store).Cycle(context.Background())

	assert.Equal(t, 1, report.ExtractedPatterns, "only the team4 bucket reaches three occurrences")
}

func TestEvolver_SkipsCoveredSignatures(t *testing.T) {
	store := newStoreStub()
	store.episodes = repeatEpisodes(6, 4, 10, 2, 0.85)
	store.active = []model.Strategy{{
		ID:   uuid.New(),
		Type: "sprint_planning",
		Content: model.StrategyContent{
			Conditions: map[string]any{"signature": "team4_tasks10_weeks2"},
		},
		IsActive: true,
	}}

	report := newEvolver(store).Cycle(context.Background())

	assert.Equal(t, 1, report.ExtractedPatterns)
	assert.Zero(t, report.GeneratedStrategies)
	assert.Empty(t, store.created)
}

func TestEvolver_LowQualityPatternNotViable(t *testing.T) {
	store := newStoreStub()
	store.episodes = repeatEpisodes(6, 4, 10, 2, 0.65) // Frequent but under the quality bar.

	report := newEvolver(store).Cycle(context.Background())

	assert.Equal(t, 1, report.ExtractedPatterns)
	assert.Zero(t, report.GeneratedStrategies)
}

func perfEntries(strategyID uuid.UUID, qualities ...float32) []model.StrategyPerformance {
	out := make([]model.StrategyPerformance, 0, len(qualities))
	for _, q := range qualities {
		quality := q
		out = append(out, model.StrategyPerformance{
			ID:           uuid.New(),
			StrategyID:   strategyID,
			EpisodeID:    uuid.New(),
			QualityScore: &quality,
		})
	}
	return out
}

func TestEvolver_OptimizeVerdicts(t *testing.T) {
	excellent := uuid.New()
	poor := uuid.New()
	declining := uuid.New()
	thin := uuid.New()

	store := newStoreStub()
	store.active = []model.Strategy{
		{ID: excellent, IsActive: true},
		{ID: poor, IsActive: true},
		{ID: declining, IsActive: true},
		{ID: thin, IsActive: true},
	}
	store.perf[excellent] = perfEntries(excellent, 0.9, 0.85, 0.9, 0.88)
	store.perf[poor] = perfEntries(poor, 0.2, 0.3, 0.25)
	store.perf[declining] = perfEntries(declining, 0.9, 0.9, 0.6, 0.6)
	store.perf[thin] = perfEntries(thin, 0.9, 0.9) // Too few applications.

	report := newEvolver(store).Cycle(context.Background())

	assert.True(t, report.OptimizeOK)
	assert.Equal(t, 2, report.TunedStrategies)
	assert.Equal(t, 1, report.Deactivated)

	assert.Equal(t, float32(0.05), store.adjusted[excellent])
	assert.Equal(t, float32(-0.05), store.adjusted[declining])
	assert.Equal(t, []uuid.UUID{poor}, store.deactivated)
	assert.NotContains(t, store.adjusted, thin)
}

func TestEvolver_PhasesAreFailureIsolated(t *testing.T) {
	store := newStoreStub()
	store.episodesErr = errors.New("scan failed")
	store.pruned = 42

	report := newEvolver(store).Cycle(context.Background())

	assert.False(t, report.ExtractOK)
	assert.False(t, report.GenerateOK, "generation depends on extraction")
	assert.True(t, report.OptimizeOK, "optimization still ran")
	assert.True(t, report.CleanupOK, "cleanup still ran")
	assert.Equal(t, int64(42), report.PrunedLogs)
}

func TestEvolver_CleanupCutoffIsThreeWindows(t *testing.T) {
	store := newStoreStub()
	cfg := strategy.DefaultConfig()
	cfg.ExtractionWindow = 10 * 24 * time.Hour
	ev := strategy.NewEvolver(store, cfg, testLogger())

	ev.Cycle(context.Background())

	want := time.Now().Add(-30 * 24 * time.Hour)
	assert.WithinDuration(t, want, store.pruneCutoff, time.Minute)
}

func TestEvolver_EpisodesMissingFieldsSkipped(t *testing.T) {
	store := newStoreStub()
	broken := successfulEpisode(4, 10, 2, 0.9)
	broken.Action = map[string]any{"tasks_to_assign": float64(10)} // No duration.
	store.episodes = []model.Episode{broken, broken, broken}

	report := newEvolver(store).Cycle(context.Background())
	assert.Zero(t, report.ExtractedPatterns)
}
