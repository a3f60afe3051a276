package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/loopworks/cadence/internal/model"
)

// ApplyTaskUpdate upserts the working copy of a task's state from a
// TASK_UPDATED event. The update is idempotent (replaying the same event
// changes nothing after the first application), progress is monotonic (a
// lower progress value never overwrites a higher one), and completed is
// terminal: a stale replay cannot move a completed row back to an earlier
// status while its progress stays pinned at 100. Returns whether any
// state changed.
func (db *DB) ApplyTaskUpdate(ctx context.Context, p model.TaskUpdatedPayload) (bool, error) {
	status := p.Status
	progress := p.ProgressPercentage
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	// Keep the progress invariant: 100% and completed imply each other.
	if progress >= 100 {
		status = model.TaskCompleted
	} else if status == model.TaskCompleted {
		progress = 100
	}

	var tag pgconn.CommandTag
	err := retryOnConflict(ctx, conflictAttempts, conflictBaseDelay, func() error {
		var execErr error
		tag, execErr = db.pool.Exec(ctx,
			`INSERT INTO task_state (task_id, project_id, status, progress_percentage)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (task_id) DO UPDATE SET
			   status = EXCLUDED.status,
			   progress_percentage = GREATEST(task_state.progress_percentage, EXCLUDED.progress_percentage),
			   updated_at = now()
			 WHERE task_state.status <> 'completed'
			   AND (task_state.status IS DISTINCT FROM EXCLUDED.status
			    OR task_state.progress_percentage < EXCLUDED.progress_percentage)`,
			p.TaskID, p.ProjectID, status, progress,
		)
		return execErr
	})
	if err != nil {
		return false, fmt.Errorf("storage: apply task update: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetTaskState reads the working copy of one task.
func (db *DB) GetTaskState(ctx context.Context, taskID string) (model.Task, error) {
	var t model.Task
	err := db.pool.QueryRow(ctx,
		`SELECT task_id, project_id, status, progress_percentage
		 FROM task_state WHERE task_id = $1`, taskID,
	).Scan(&t.ID, &t.ProjectID, &t.Status, &t.ProgressPercentage)
	if err != nil {
		return model.Task{}, fmt.Errorf("storage: get task state %s: %w", taskID, ErrNotFound)
	}
	return t, nil
}
