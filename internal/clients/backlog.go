package clients

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/loopworks/cadence/internal/model"
)

// BacklogClient talks to the Backlog service.
type BacklogClient struct {
	*Client
}

// NewBacklogClient builds a Backlog service client.
func NewBacklogClient(baseURL string, timeout time.Duration, bc BreakerConfig, logger *slog.Logger) *BacklogClient {
	return &BacklogClient{Client: NewClient("backlog", baseURL, timeout, bc, logger)}
}

// BacklogCounts summarizes a project's backlog.
type BacklogCounts struct {
	Total      int `json:"total"`
	Unassigned int `json:"unassigned"`
}

// GetCounts fetches backlog task counts for a project.
func (c *BacklogClient) GetCounts(ctx context.Context, projectID string) (BacklogCounts, error) {
	var counts BacklogCounts
	err := c.DoJSON(ctx, http.MethodGet, "/projects/"+projectID+"/backlog/counts", nil, &counts)
	return counts, err
}

// GetUnassignedTasks lists a project's unassigned tasks.
func (c *BacklogClient) GetUnassignedTasks(ctx context.Context, projectID string, limit int) ([]model.Task, error) {
	var tasks []model.Task
	path := "/projects/" + projectID + "/backlog/unassigned"
	err := c.DoJSON(ctx, http.MethodGet, path, nil, &tasks)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}
