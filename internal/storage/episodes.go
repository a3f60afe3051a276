package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/loopworks/cadence/internal/model"
)

const episodeColumns = `id, project_id, occurred_at, perception, reasoning, action,
	 outcome, outcome_recorded_at, agent_version, decision_mode, sprint_id,
	 chronicle_note_id, created_at`

// CreateEpisode inserts an episode row and returns its id. The embedding
// column is left empty; UpdateEmbedding fills it once the vector is
// computed.
func (db *DB) CreateEpisode(ctx context.Context, e model.Episode) (uuid.UUID, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now().UTC()
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.Perception == nil {
		e.Perception = map[string]any{}
	}
	if e.Reasoning == nil {
		e.Reasoning = map[string]any{}
	}
	if e.Action == nil {
		e.Action = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO episodes (id, project_id, occurred_at, perception, reasoning, action,
		 agent_version, decision_mode, sprint_id, chronicle_note_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.ProjectID, e.OccurredAt, e.Perception, e.Reasoning, e.Action,
		e.AgentVersion, e.DecisionMode, e.SprintID, e.ChronicleNoteID, e.CreatedAt,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: create episode: %w", err)
	}
	return e.ID, nil
}

// UpdateEmbedding attaches a fingerprint vector to an episode. Idempotent:
// re-writing the same vector is harmless.
func (db *DB) UpdateEmbedding(ctx context.Context, id uuid.UUID, vec pgvector.Vector) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE episodes SET embedding = $1 WHERE id = $2`, vec, id)
	if err != nil {
		return fmt.Errorf("storage: update embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: update embedding %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateOutcome attaches an outcome to an episode and stamps
// outcome_recorded_at. No other episode fields are altered.
func (db *DB) UpdateOutcome(ctx context.Context, id uuid.UUID, outcome model.Outcome) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE episodes SET outcome = $1, outcome_recorded_at = now() WHERE id = $2`,
		outcome, id)
	if err != nil {
		return fmt.Errorf("storage: update outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: update outcome %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetEpisode retrieves a single episode by id.
func (db *DB) GetEpisode(ctx context.Context, id uuid.UUID) (model.Episode, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE id = $1`, id)
	e, err := scanEpisode(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Episode{}, fmt.Errorf("storage: episode %s: %w", id, ErrNotFound)
		}
		return model.Episode{}, fmt.Errorf("storage: get episode: %w", err)
	}
	return e, nil
}

// GetEpisodesByProject returns a project's episodes ordered by occurred_at
// descending, optionally bounded by a date range.
func (db *DB) GetEpisodesByProject(ctx context.Context, projectID string, limit, offset int, from, to *time.Time) ([]model.Episode, error) {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	var conditions []string
	args := []any{projectID}
	conditions = append(conditions, "project_id = $1")
	idx := 2
	if from != nil {
		conditions = append(conditions, fmt.Sprintf("occurred_at >= $%d", idx))
		args = append(args, *from)
		idx++
	}
	if to != nil {
		conditions = append(conditions, fmt.Sprintf("occurred_at <= $%d", idx))
		args = append(args, *to)
	}

	query := fmt.Sprintf(
		`SELECT `+episodeColumns+` FROM episodes WHERE %s
		 ORDER BY occurred_at DESC LIMIT %d OFFSET %d`,
		strings.Join(conditions, " AND "), limit, offset,
	)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query episodes: %w", err)
	}
	defer rows.Close()

	return scanEpisodes(rows)
}

// GetRecentEpisodes returns a project's episodes from the last given hours.
func (db *DB) GetRecentEpisodes(ctx context.Context, projectID string, hours, limit int) ([]model.Episode, error) {
	limit = clampLimit(limit)
	rows, err := db.pool.Query(ctx,
		`SELECT `+episodeColumns+` FROM episodes
		 WHERE project_id = $1 AND occurred_at >= now() - make_interval(hours => $2)
		 ORDER BY occurred_at DESC LIMIT $3`,
		projectID, hours, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent episodes: %w", err)
	}
	defer rows.Close()

	return scanEpisodes(rows)
}

// GetSuccessfulEpisodesSince returns episodes across all projects with a
// recorded outcome quality at or above minQuality within the window.
// Used by the strategy evolver's extraction phase.
func (db *DB) GetSuccessfulEpisodesSince(ctx context.Context, since time.Time, minQuality float32, limit int) ([]model.Episode, error) {
	limit = clampLimit(limit)
	rows, err := db.pool.Query(ctx,
		`SELECT `+episodeColumns+` FROM episodes
		 WHERE occurred_at >= $1
		   AND outcome IS NOT NULL
		   AND (outcome->>'quality_score')::float >= $2
		 ORDER BY occurred_at DESC LIMIT $3`,
		since, minQuality, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: successful episodes: %w", err)
	}
	defer rows.Close()

	return scanEpisodes(rows)
}

// SearchEpisodesByEmbedding performs cosine similarity search over episode
// embeddings. Rows without an embedding are skipped; results below
// minSimilarity (1 - cosine distance) are filtered out. Ordering is
// similarity descending with ties broken by occurred_at descending.
func (db *DB) SearchEpisodesByEmbedding(ctx context.Context, query pgvector.Vector, projectID string, limit int, minSimilarity float32) ([]model.ScoredEpisode, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 1000 {
		limit = 1000
	}

	where := "embedding IS NOT NULL"
	args := []any{query, minSimilarity}
	if projectID != "" {
		where += " AND project_id = $3"
		args = append(args, projectID)
	}

	sql := fmt.Sprintf(
		`SELECT `+episodeColumns+`, (1 - (embedding <=> $1)) AS similarity
		 FROM episodes
		 WHERE %s AND (1 - (embedding <=> $1)) >= $2
		 ORDER BY embedding <=> $1 ASC, occurred_at DESC
		 LIMIT %d`, where, limit,
	)

	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: search episodes: %w", err)
	}
	defer rows.Close()

	var results []model.ScoredEpisode
	for rows.Next() {
		var e model.Episode
		var similarity float32
		if err := rows.Scan(
			&e.ID, &e.ProjectID, &e.OccurredAt, &e.Perception, &e.Reasoning, &e.Action,
			&e.Outcome, &e.OutcomeRecordedAt, &e.AgentVersion, &e.DecisionMode,
			&e.SprintID, &e.ChronicleNoteID, &e.CreatedAt, &similarity,
		); err != nil {
			return nil, fmt.Errorf("storage: scan search result: %w", err)
		}
		results = append(results, model.ScoredEpisode{Episode: e, Similarity: similarity})
	}
	return results, rows.Err()
}

// GetEpisodesBySprint returns episodes tied to a sprint. Used to attach
// outcomes when the sprint closes.
func (db *DB) GetEpisodesBySprint(ctx context.Context, sprintID string) ([]model.Episode, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE sprint_id = $1 ORDER BY occurred_at DESC`,
		sprintID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: episodes by sprint: %w", err)
	}
	defer rows.Close()

	return scanEpisodes(rows)
}

// CountEpisodes counts episodes, optionally for one project.
func (db *DB) CountEpisodes(ctx context.Context, projectID string) (int, error) {
	var total int
	var err error
	if projectID == "" {
		err = db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM episodes`).Scan(&total)
	} else {
		err = db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM episodes WHERE project_id = $1`, projectID).Scan(&total)
	}
	if err != nil {
		return 0, fmt.Errorf("storage: count episodes: %w", err)
	}
	return total, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEpisode(row rowScanner) (model.Episode, error) {
	var e model.Episode
	err := row.Scan(
		&e.ID, &e.ProjectID, &e.OccurredAt, &e.Perception, &e.Reasoning, &e.Action,
		&e.Outcome, &e.OutcomeRecordedAt, &e.AgentVersion, &e.DecisionMode,
		&e.SprintID, &e.ChronicleNoteID, &e.CreatedAt,
	)
	return e, err
}

func scanEpisodes(rows pgx.Rows) ([]model.Episode, error) {
	var episodes []model.Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan episode: %w", err)
		}
		episodes = append(episodes, e)
	}
	return episodes, rows.Err()
}
