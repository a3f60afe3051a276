package events

import (
	"context"
	"log/slog"

	"github.com/loopworks/cadence/internal/model"
)

// TaskStateStore applies task progress updates.
type TaskStateStore interface {
	ApplyTaskUpdate(ctx context.Context, p model.TaskUpdatedPayload) (bool, error)
}

// NewTaskUpdatedHandler returns the TASK_UPDATED handler. The store
// upsert is idempotent and monotonic, so redelivered entries are safe.
// Malformed payloads are logged and dropped rather than redelivered:
// they will never become valid.
func NewTaskUpdatedHandler(store TaskStateStore, logger *slog.Logger) Handler {
	return func(ctx context.Context, e model.Event) error {
		p, err := model.DecodeTaskUpdated(e.EventData)
		if err != nil {
			logger.Warn("malformed task update dropped",
				"event_id", e.EventID, "error", err)
			return nil
		}

		changed, err := store.ApplyTaskUpdate(ctx, p)
		if err != nil {
			return err
		}
		if changed {
			logger.Debug("task state updated",
				"task_id", p.TaskID, "status", string(p.Status), "progress", p.ProgressPercentage)
		}
		return nil
	}
}
