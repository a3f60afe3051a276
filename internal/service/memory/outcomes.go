package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loopworks/cadence/internal/model"
)

// OutcomeStore is the slice of the episode and strategy stores the
// outcome recorder needs.
type OutcomeStore interface {
	GetEpisodesBySprint(ctx context.Context, sprintID string) ([]model.Episode, error)
	UpdateOutcome(ctx context.Context, id uuid.UUID, outcome model.Outcome) error
	AttachPerformanceOutcome(ctx context.Context, strategyID, episodeID uuid.UUID, actual string, quality float32) error
	UpdateStrategyPerformance(ctx context.Context, id uuid.UUID, success bool, episodeID *uuid.UUID) error
}

// A sprint counts as successful when at least this fraction of its tasks
// finished.
const successfulCompletionRate = 0.8

// OutcomeRecorder closes the learning loop: when a sprint ends, it
// attaches the observed outcome to every episode logged against that
// sprint and settles the pending performance entries of the strategies
// those episodes applied. Without this step stored episodes stay
// outcome-less and invisible to strategy extraction.
type OutcomeRecorder struct {
	store  OutcomeStore
	logger *slog.Logger
}

// NewOutcomeRecorder builds the recorder.
func NewOutcomeRecorder(store OutcomeStore, logger *slog.Logger) *OutcomeRecorder {
	return &OutcomeRecorder{store: store, logger: logger}
}

// RecordSprintOutcome attaches the sprint's completion outcome to its
// episodes. Episodes that already carry an outcome are left untouched, so
// replaying a closure is harmless. Per-episode failures degrade to logs;
// only the initial episode fetch can fail the call.
func (r *OutcomeRecorder) RecordSprintOutcome(ctx context.Context, projectID, sprintID string, completionRate float64) error {
	episodes, err := r.store.GetEpisodesBySprint(ctx, sprintID)
	if err != nil {
		return fmt.Errorf("memory: episodes for sprint %s: %w", sprintID, err)
	}

	if completionRate < 0 {
		completionRate = 0
	}
	if completionRate > 1 {
		completionRate = 1
	}
	outcome := model.Outcome{
		Success:      completionRate >= successfulCompletionRate,
		QualityScore: float32(completionRate),
	}
	actual := "failure"
	if outcome.Success {
		actual = "success"
	}

	attached := 0
	for _, ep := range episodes {
		if ep.Outcome != nil {
			continue
		}
		if err := r.store.UpdateOutcome(ctx, ep.ID, outcome); err != nil {
			r.logger.Warn("episode outcome not attached",
				"episode_id", ep.ID, "sprint_id", sprintID, "error", err)
			continue
		}
		attached++
		r.settleStrategies(ctx, ep, outcome, actual)
	}

	r.logger.Info("sprint outcome recorded",
		"project_id", projectID, "sprint_id", sprintID,
		"episodes", attached, "success", outcome.Success,
		"quality", outcome.QualityScore)
	return nil
}

// settleStrategies fills the actual outcome on the performance entries
// logged when the episode's decision was made, and bumps each strategy's
// aggregate counters.
func (r *OutcomeRecorder) settleStrategies(ctx context.Context, ep model.Episode, outcome model.Outcome, actual string) {
	for _, strategyID := range appliedStrategyIDs(ep) {
		if err := r.store.AttachPerformanceOutcome(ctx, strategyID, ep.ID, actual, outcome.QualityScore); err != nil {
			r.logger.Warn("performance outcome not attached",
				"strategy_id", strategyID, "episode_id", ep.ID, "error", err)
		}
		episodeID := ep.ID
		if err := r.store.UpdateStrategyPerformance(ctx, strategyID, outcome.Success, &episodeID); err != nil {
			r.logger.Warn("strategy counters not updated",
				"strategy_id", strategyID, "episode_id", ep.ID, "error", err)
		}
	}
}

// appliedStrategyIDs reads the strategy ids the engine noted on the
// episode. The list arrives as []string in-process and as []any after a
// database round-trip.
func appliedStrategyIDs(ep model.Episode) []uuid.UUID {
	raw, ok := ep.Reasoning["applied_strategies"]
	if !ok {
		return nil
	}

	var ids []uuid.UUID
	parse := func(s string) {
		if id, err := uuid.Parse(s); err == nil {
			ids = append(ids, id)
		}
	}
	switch list := raw.(type) {
	case []string:
		for _, s := range list {
			parse(s)
		}
	case []any:
		for _, v := range list {
			if s, ok := v.(string); ok {
				parse(s)
			}
		}
	}
	return ids
}
