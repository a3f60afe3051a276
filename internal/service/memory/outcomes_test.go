package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopworks/cadence/internal/model"
	"github.com/loopworks/cadence/internal/service/memory"
)

type performanceCall struct {
	strategyID uuid.UUID
	episodeID  uuid.UUID
	actual     string
	quality    float32
}

type counterCall struct {
	strategyID uuid.UUID
	success    bool
	episodeID  uuid.UUID
}

type outcomeStoreStub struct {
	episodes    []model.Episode
	episodesErr error

	outcomeErr  error
	outcomes    map[uuid.UUID]model.Outcome
	attached    []performanceCall
	attachErr   error
	counters    []counterCall
	countersErr error
}

func newOutcomeStoreStub(episodes ...model.Episode) *outcomeStoreStub {
	return &outcomeStoreStub{
		episodes: episodes,
		outcomes: make(map[uuid.UUID]model.Outcome),
	}
}

func (s *outcomeStoreStub) GetEpisodesBySprint(_ context.Context, _ string) ([]model.Episode, error) {
	return s.episodes, s.episodesErr
}

func (s *outcomeStoreStub) UpdateOutcome(_ context.Context, id uuid.UUID, outcome model.Outcome) error {
	if s.outcomeErr != nil {
		return s.outcomeErr
	}
	s.outcomes[id] = outcome
	return nil
}

func (s *outcomeStoreStub) AttachPerformanceOutcome(_ context.Context, strategyID, episodeID uuid.UUID, actual string, quality float32) error {
	if s.attachErr != nil {
		return s.attachErr
	}
	s.attached = append(s.attached, performanceCall{strategyID, episodeID, actual, quality})
	return nil
}

func (s *outcomeStoreStub) UpdateStrategyPerformance(_ context.Context, id uuid.UUID, success bool, episodeID *uuid.UUID) error {
	if s.countersErr != nil {
		return s.countersErr
	}
	call := counterCall{strategyID: id, success: success}
	if episodeID != nil {
		call.episodeID = *episodeID
	}
	s.counters = append(s.counters, call)
	return nil
}

func sprintEpisode(reasoning map[string]any) model.Episode {
	if reasoning == nil {
		reasoning = map[string]any{"rationale": "created sprint"}
	}
	sprintID := "PROJ1-S01"
	return model.Episode{
		ID:        uuid.New(),
		ProjectID: "PROJ1",
		Reasoning: reasoning,
		SprintID:  &sprintID,
	}
}

func TestOutcomeRecorder_AttachesOutcomeToSprintEpisodes(t *testing.T) {
	ep1 := sprintEpisode(nil)
	ep2 := sprintEpisode(nil)
	store := newOutcomeStoreStub(ep1, ep2)
	r := memory.NewOutcomeRecorder(store, testLogger())

	err := r.RecordSprintOutcome(context.Background(), "PROJ1", "PROJ1-S01", 1.0)
	require.NoError(t, err)

	require.Len(t, store.outcomes, 2)
	for _, id := range []uuid.UUID{ep1.ID, ep2.ID} {
		outcome, ok := store.outcomes[id]
		require.True(t, ok)
		assert.True(t, outcome.Success)
		assert.InDelta(t, 1.0, float64(outcome.QualityScore), 1e-6)
	}
}

func TestOutcomeRecorder_LowCompletionIsFailure(t *testing.T) {
	ep := sprintEpisode(nil)
	store := newOutcomeStoreStub(ep)
	r := memory.NewOutcomeRecorder(store, testLogger())

	err := r.RecordSprintOutcome(context.Background(), "PROJ1", "PROJ1-S01", 0.5)
	require.NoError(t, err)

	outcome := store.outcomes[ep.ID]
	assert.False(t, outcome.Success)
	assert.InDelta(t, 0.5, float64(outcome.QualityScore), 1e-6)
}

func TestOutcomeRecorder_SuccessThresholdIsInclusive(t *testing.T) {
	ep := sprintEpisode(nil)
	store := newOutcomeStoreStub(ep)
	r := memory.NewOutcomeRecorder(store, testLogger())

	require.NoError(t, r.RecordSprintOutcome(context.Background(), "PROJ1", "PROJ1-S01", 0.8))

	assert.True(t, store.outcomes[ep.ID].Success)
}

func TestOutcomeRecorder_SettlesAppliedStrategies(t *testing.T) {
	strategyID := uuid.New()
	ep := sprintEpisode(map[string]any{
		"applied_strategies": []string{strategyID.String()},
	})
	store := newOutcomeStoreStub(ep)
	r := memory.NewOutcomeRecorder(store, testLogger())

	require.NoError(t, r.RecordSprintOutcome(context.Background(), "PROJ1", "PROJ1-S01", 1.0))

	require.Len(t, store.attached, 1)
	assert.Equal(t, strategyID, store.attached[0].strategyID)
	assert.Equal(t, ep.ID, store.attached[0].episodeID)
	assert.Equal(t, "success", store.attached[0].actual)
	assert.InDelta(t, 1.0, float64(store.attached[0].quality), 1e-6)

	require.Len(t, store.counters, 1)
	assert.Equal(t, strategyID, store.counters[0].strategyID)
	assert.True(t, store.counters[0].success)
	assert.Equal(t, ep.ID, store.counters[0].episodeID)
}

func TestOutcomeRecorder_FailedSprintContradictsStrategies(t *testing.T) {
	strategyID := uuid.New()
	ep := sprintEpisode(map[string]any{
		// As stored json: the list round-trips as []any.
		"applied_strategies": []any{strategyID.String()},
	})
	store := newOutcomeStoreStub(ep)
	r := memory.NewOutcomeRecorder(store, testLogger())

	require.NoError(t, r.RecordSprintOutcome(context.Background(), "PROJ1", "PROJ1-S01", 0.25))

	require.Len(t, store.attached, 1)
	assert.Equal(t, "failure", store.attached[0].actual)
	require.Len(t, store.counters, 1)
	assert.False(t, store.counters[0].success)
}

func TestOutcomeRecorder_AlreadyRecordedEpisodesAreSkipped(t *testing.T) {
	settled := sprintEpisode(nil)
	settled.Outcome = &model.Outcome{Success: true, QualityScore: 0.9}
	fresh := sprintEpisode(nil)
	store := newOutcomeStoreStub(settled, fresh)
	r := memory.NewOutcomeRecorder(store, testLogger())

	require.NoError(t, r.RecordSprintOutcome(context.Background(), "PROJ1", "PROJ1-S01", 1.0))

	require.Len(t, store.outcomes, 1, "replaying a closure touches only unsettled episodes")
	assert.Contains(t, store.outcomes, fresh.ID)
}

func TestOutcomeRecorder_FetchFailureSurfaces(t *testing.T) {
	store := newOutcomeStoreStub()
	store.episodesErr = errors.New("db down")
	r := memory.NewOutcomeRecorder(store, testLogger())

	err := r.RecordSprintOutcome(context.Background(), "PROJ1", "PROJ1-S01", 1.0)
	assert.ErrorContains(t, err, "episodes for sprint PROJ1-S01")
}

func TestOutcomeRecorder_PerEpisodeFailuresDegrade(t *testing.T) {
	ep1 := sprintEpisode(nil)
	ep2 := sprintEpisode(nil)
	store := newOutcomeStoreStub(ep1, ep2)
	store.outcomeErr = errors.New("row gone")
	r := memory.NewOutcomeRecorder(store, testLogger())

	err := r.RecordSprintOutcome(context.Background(), "PROJ1", "PROJ1-S01", 1.0)

	assert.NoError(t, err, "per-episode failures are logged, not surfaced")
	assert.Empty(t, store.attached)
}

func TestOutcomeRecorder_MalformedStrategyIDsIgnored(t *testing.T) {
	good := uuid.New()
	ep := sprintEpisode(map[string]any{
		"applied_strategies": []any{"not-a-uuid", 42, good.String()},
	})
	store := newOutcomeStoreStub(ep)
	r := memory.NewOutcomeRecorder(store, testLogger())

	require.NoError(t, r.RecordSprintOutcome(context.Background(), "PROJ1", "PROJ1-S01", 1.0))

	require.Len(t, store.attached, 1)
	assert.Equal(t, good, store.attached[0].strategyID)
}

func TestOutcomeRecorder_CompletionRateIsClamped(t *testing.T) {
	ep := sprintEpisode(nil)
	store := newOutcomeStoreStub(ep)
	r := memory.NewOutcomeRecorder(store, testLogger())

	require.NoError(t, r.RecordSprintOutcome(context.Background(), "PROJ1", "PROJ1-S01", 1.7))

	assert.InDelta(t, 1.0, float64(store.outcomes[ep.ID].QualityScore), 1e-6)
}
