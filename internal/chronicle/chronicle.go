// Package chronicle reads longitudinal analytics from the Chronicle store
// and records orchestration notes (decision audits, retrospectives, daily
// scrum reports) into it. It holds the second of the two database pools:
// episode/knowledge state lives in the primary pool, Chronicle analytics
// here.
package chronicle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps the Chronicle database pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects to the Chronicle database.
func New(ctx context.Context, dsn string, minConns, maxConns int, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("chronicle: parse DSN: %w", err)
	}
	if minConns > 0 {
		cfg.MinConns = int32(minConns)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("chronicle: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("chronicle: ping pool: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close shuts down the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ProjectFeatures is the 4-feature profile used for project similarity.
type ProjectFeatures struct {
	ProjectID         string  `json:"project_id"`
	TeamSize          int     `json:"team_size"`
	AvgTaskComplexity float64 `json:"avg_task_complexity"`
	DomainCategory    float64 `json:"domain_category"` // Embedded category code.
	DurationWeeks     float64 `json:"project_duration_weeks"`
	CompletionRate    float64 `json:"completion_rate"`
	AvgSprintDuration float64 `json:"avg_sprint_duration"`
	OptimalTaskCount  float64 `json:"optimal_task_count"`
}

// GetProjectFeatures loads the feature profile for one project. Returns
// nil when the Chronicle store has no record yet.
func (s *Store) GetProjectFeatures(ctx context.Context, projectID string) (*ProjectFeatures, error) {
	rows, err := s.getFeatures(ctx, "project_id = $1", 1, projectID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ListProjectFeatures loads feature profiles for all projects except the
// given one, candidates for the similarity scan.
func (s *Store) ListProjectFeatures(ctx context.Context, excludeProjectID string, limit int) ([]ProjectFeatures, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.getFeatures(ctx, "project_id <> $1", limit, excludeProjectID)
}

// getFeatures runs one feature query. where holds only filter conditions;
// the row bound is applied separately.
func (s *Store) getFeatures(ctx context.Context, where string, limit int, args ...any) ([]ProjectFeatures, error) {
	query := `SELECT project_id, team_size, avg_task_complexity, domain_category,
		 project_duration_weeks, completion_rate, avg_sprint_duration, optimal_task_count
		 FROM project_features WHERE ` + where
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("chronicle: query project features: %w", err)
	}
	defer rows.Close()

	var features []ProjectFeatures
	for rows.Next() {
		var f ProjectFeatures
		if err := rows.Scan(
			&f.ProjectID, &f.TeamSize, &f.AvgTaskComplexity, &f.DomainCategory,
			&f.DurationWeeks, &f.CompletionRate, &f.AvgSprintDuration, &f.OptimalTaskCount,
		); err != nil {
			return nil, fmt.Errorf("chronicle: scan project features: %w", err)
		}
		features = append(features, f)
	}
	return features, rows.Err()
}

// VelocitySample is one completed-tasks-per-sprint observation.
type VelocitySample struct {
	SprintNumber   int       `json:"sprint_number"`
	CompletedTasks float64   `json:"completed_tasks"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// GetVelocitySamples returns a project's velocity samples in sprint order.
func (s *Store) GetVelocitySamples(ctx context.Context, projectID string, limit int) ([]VelocitySample, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT sprint_number, completed_tasks, recorded_at
		 FROM sprint_velocity WHERE project_id = $1
		 ORDER BY sprint_number ASC LIMIT $2`,
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("chronicle: query velocity: %w", err)
	}
	defer rows.Close()

	var samples []VelocitySample
	for rows.Next() {
		var v VelocitySample
		if err := rows.Scan(&v.SprintNumber, &v.CompletedTasks, &v.RecordedAt); err != nil {
			return nil, fmt.Errorf("chronicle: scan velocity: %w", err)
		}
		samples = append(samples, v)
	}
	return samples, rows.Err()
}

// Note is one persisted Chronicle note.
type Note struct {
	ID        uuid.UUID      `json:"id"`
	ProjectID string         `json:"project_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// RecordNote persists a note keyed by a fresh uuid under the given
// event_type and returns its id. Decision audits, sprint retrospectives,
// and daily scrum reports all land here.
func (s *Store) RecordNote(ctx context.Context, projectID, eventType string, payload map[string]any) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chronicle_notes (id, project_id, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, now())`,
		id, projectID, eventType, payload,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("chronicle: record note: %w", err)
	}
	return id, nil
}

// GetNotes returns a project's notes of one event type, newest first.
func (s *Store) GetNotes(ctx context.Context, projectID, eventType string, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, event_type, payload, created_at
		 FROM chronicle_notes
		 WHERE project_id = $1 AND event_type = $2
		 ORDER BY created_at DESC LIMIT $3`,
		projectID, eventType, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("chronicle: query notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.ProjectID, &n.EventType, &n.Payload, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("chronicle: scan note: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}
