package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/loopworks/cadence/internal/model"
)

const strategyColumns = `id, strategy_type, content, description, confidence, risk_level,
	 times_applied, success_count, failure_count, success_rate,
	 supporting_episodes, contradicting_episodes, created_at, last_applied,
	 last_validated, is_active`

// CreateStrategy inserts a learned strategy and returns its id.
func (db *DB) CreateStrategy(ctx context.Context, s model.Strategy) (uuid.UUID, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.RiskLevel == "" {
		s.RiskLevel = model.RiskMedium
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO strategies (id, strategy_type, content, description, confidence, risk_level,
		 supporting_episodes, created_at, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true)`,
		s.ID, s.Type, s.Content, s.Description, s.Confidence, s.RiskLevel,
		s.SupportingEpisodes, s.CreatedAt,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: create strategy: %w", err)
	}
	return s.ID, nil
}

// GetActiveStrategies returns active strategies ordered by confidence
// descending, then success_rate descending with nulls last.
func (db *DB) GetActiveStrategies(ctx context.Context, strategyType string, limit, offset int) ([]model.Strategy, error) {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	where := "is_active"
	args := []any{}
	if strategyType != "" {
		where += " AND strategy_type = $1"
		args = append(args, strategyType)
	}

	query := fmt.Sprintf(
		`SELECT `+strategyColumns+` FROM strategies WHERE %s
		 ORDER BY confidence DESC, success_rate DESC NULLS LAST
		 LIMIT %d OFFSET %d`, where, limit, offset,
	)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: active strategies: %w", err)
	}
	defer rows.Close()

	return scanStrategies(rows)
}

// GetStrategy retrieves a strategy by id.
func (db *DB) GetStrategy(ctx context.Context, id uuid.UUID) (model.Strategy, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+strategyColumns+` FROM strategies WHERE id = $1`, id)
	s, err := scanStrategy(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Strategy{}, fmt.Errorf("storage: strategy %s: %w", id, ErrNotFound)
		}
		return model.Strategy{}, fmt.Errorf("storage: get strategy: %w", err)
	}
	return s, nil
}

// UpdateStrategyPerformance atomically bumps the application counters,
// recomputes success_rate, appends the episode to the supporting or
// contradicting set without duplicates, and stamps last_applied.
func (db *DB) UpdateStrategyPerformance(ctx context.Context, id uuid.UUID, success bool, episodeID *uuid.UUID) error {
	successInc := 0
	failureInc := 0
	if success {
		successInc = 1
	} else {
		failureInc = 1
	}

	episodeColumn := "contradicting_episodes"
	if success {
		episodeColumn = "supporting_episodes"
	}

	query := fmt.Sprintf(
		`UPDATE strategies SET
		   times_applied = times_applied + 1,
		   success_count = success_count + $1,
		   failure_count = failure_count + $2,
		   success_rate = (success_count + $1)::float / (times_applied + 1),
		   %s = CASE
		     WHEN $3::uuid IS NULL OR $3 = ANY(%s) THEN %s
		     ELSE array_append(%s, $3)
		   END,
		   last_applied = now()
		 WHERE id = $4`,
		episodeColumn, episodeColumn, episodeColumn, episodeColumn,
	)

	var tag pgconn.CommandTag
	err := retryOnConflict(ctx, conflictAttempts, conflictBaseDelay, func() error {
		var execErr error
		tag, execErr = db.pool.Exec(ctx, query, successInc, failureInc, episodeID, id)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("storage: update strategy performance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: update strategy %s: %w", id, ErrNotFound)
	}
	return nil
}

// AdjustStrategyConfidence nudges a strategy's confidence, clamped to
// [floor, cap], and stamps last_validated.
func (db *DB) AdjustStrategyConfidence(ctx context.Context, id uuid.UUID, delta, floor, cap float32) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE strategies
		 SET confidence = LEAST($3, GREATEST($2, confidence + $1)), last_validated = now()
		 WHERE id = $4`,
		delta, floor, cap, id,
	)
	if err != nil {
		return fmt.Errorf("storage: adjust strategy confidence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: adjust strategy %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeactivateStrategy marks a strategy inactive, recording the reason and
// stamping last_validated.
func (db *DB) DeactivateStrategy(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE strategies
		 SET is_active = false, deactivation_reason = $1, last_validated = now()
		 WHERE id = $2`,
		reason, id,
	)
	if err != nil {
		return fmt.Errorf("storage: deactivate strategy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: deactivate strategy %s: %w", id, ErrNotFound)
	}
	return nil
}

// FindApplicableStrategies returns active strategies of the given type at
// or above minConfidence. The caller evaluates each strategy's
// applicability conditions against the live context; the store only
// pre-filters by type and confidence.
func (db *DB) FindApplicableStrategies(ctx context.Context, strategyType string, minConfidence float32, limit int) ([]model.Strategy, error) {
	limit = clampLimit(limit)
	rows, err := db.pool.Query(ctx,
		`SELECT `+strategyColumns+` FROM strategies
		 WHERE is_active AND strategy_type = $1 AND confidence >= $2
		 ORDER BY confidence DESC, success_rate DESC NULLS LAST
		 LIMIT $3`,
		strategyType, minConfidence, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: applicable strategies: %w", err)
	}
	defer rows.Close()

	return scanStrategies(rows)
}

// LogStrategyPerformance appends one performance-log entry.
func (db *DB) LogStrategyPerformance(ctx context.Context, p model.StrategyPerformance) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO strategy_performance (id, strategy_id, episode_id, predicted_outcome,
		 actual_outcome, quality_score, confidence, context_similarity, created_at, outcome_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.StrategyID, p.EpisodeID, p.PredictedOutcome,
		p.ActualOutcome, p.QualityScore, p.Confidence, p.ContextSimilarity, p.CreatedAt, p.OutcomeAt,
	)
	if err != nil {
		return fmt.Errorf("storage: log strategy performance: %w", err)
	}
	return nil
}

// AttachPerformanceOutcome lazily fills the actual outcome on a pending
// performance-log entry.
func (db *DB) AttachPerformanceOutcome(ctx context.Context, strategyID, episodeID uuid.UUID, actual string, quality float32) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE strategy_performance
		 SET actual_outcome = $1, quality_score = $2, outcome_at = now()
		 WHERE strategy_id = $3 AND episode_id = $4 AND actual_outcome IS NULL`,
		actual, quality, strategyID, episodeID,
	)
	if err != nil {
		return fmt.Errorf("storage: attach performance outcome: %w", err)
	}
	return nil
}

// GetRecentPerformance returns a strategy's performance-log entries since
// the given time, newest first.
func (db *DB) GetRecentPerformance(ctx context.Context, strategyID uuid.UUID, since time.Time) ([]model.StrategyPerformance, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, strategy_id, episode_id, predicted_outcome, actual_outcome,
		 quality_score, confidence, context_similarity, created_at, outcome_at
		 FROM strategy_performance
		 WHERE strategy_id = $1 AND created_at >= $2
		 ORDER BY created_at DESC`,
		strategyID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent performance: %w", err)
	}
	defer rows.Close()

	var entries []model.StrategyPerformance
	for rows.Next() {
		var p model.StrategyPerformance
		if err := rows.Scan(
			&p.ID, &p.StrategyID, &p.EpisodeID, &p.PredictedOutcome, &p.ActualOutcome,
			&p.QualityScore, &p.Confidence, &p.ContextSimilarity, &p.CreatedAt, &p.OutcomeAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan performance: %w", err)
		}
		entries = append(entries, p)
	}
	return entries, rows.Err()
}

// PrunePerformanceLogs deletes performance-log entries older than the
// cutoff and returns the number removed.
func (db *DB) PrunePerformanceLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM strategy_performance WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("storage: prune performance logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanStrategy(row rowScanner) (model.Strategy, error) {
	var s model.Strategy
	err := row.Scan(
		&s.ID, &s.Type, &s.Content, &s.Description, &s.Confidence, &s.RiskLevel,
		&s.TimesApplied, &s.SuccessCount, &s.FailureCount, &s.SuccessRate,
		&s.SupportingEpisodes, &s.ContradictingEpisodes, &s.CreatedAt, &s.LastApplied,
		&s.LastValidated, &s.IsActive,
	)
	return s, err
}

func scanStrategies(rows pgx.Rows) ([]model.Strategy, error) {
	var strategies []model.Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan strategy: %w", err)
		}
		strategies = append(strategies, s)
	}
	return strategies, rows.Err()
}
