package clients

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/loopworks/cadence/internal/model"
)

// SprintClient talks to the Sprint service.
type SprintClient struct {
	*Client
}

// NewSprintClient builds a Sprint service client.
func NewSprintClient(baseURL string, timeout time.Duration, bc BreakerConfig, logger *slog.Logger) *SprintClient {
	return &SprintClient{Client: NewClient("sprint", baseURL, timeout, bc, logger)}
}

// CreateSprintRequest is the Sprint service's create payload.
type CreateSprintRequest struct {
	SprintName    string `json:"sprint_name"`
	DurationWeeks int    `json:"duration_weeks"`
}

// CreateSprint opens a new sprint for a project and returns it. The
// Sprint service enforces the single-in-progress invariant: a second
// create while one is in progress fails with ErrConflict.
func (c *SprintClient) CreateSprint(ctx context.Context, projectID string, req CreateSprintRequest) (model.Sprint, error) {
	var sprint model.Sprint
	err := c.DoJSON(ctx, http.MethodPost, "/projects/"+projectID+"/sprints", req, &sprint)
	return sprint, err
}

// CloseSprint closes a sprint. Incomplete tasks revert to unassigned on
// the Sprint service side.
func (c *SprintClient) CloseSprint(ctx context.Context, projectID, sprintID string) (model.Sprint, error) {
	var sprint model.Sprint
	err := c.DoJSON(ctx, http.MethodPost, "/projects/"+projectID+"/sprints/"+sprintID+"/close", nil, &sprint)
	return sprint, err
}

// GetActiveSprint returns the project's in-progress sprint, or nil when
// none is active.
func (c *SprintClient) GetActiveSprint(ctx context.Context, projectID string) (*model.Sprint, error) {
	var sprints []model.Sprint
	err := c.DoJSON(ctx, http.MethodGet, "/projects/"+projectID+"/sprints?status=in_progress", nil, &sprints)
	if err != nil {
		return nil, err
	}
	if len(sprints) == 0 {
		return nil, nil
	}
	return &sprints[0], nil
}

// GetTaskSummary returns pending/completed counts for a sprint.
func (c *SprintClient) GetTaskSummary(ctx context.Context, projectID, sprintID string) (model.TaskSummary, error) {
	var summary model.TaskSummary
	err := c.DoJSON(ctx, http.MethodGet, "/projects/"+projectID+"/sprints/"+sprintID+"/tasks/summary", nil, &summary)
	return summary, err
}

// AssignTasks assigns up to count unassigned tasks to a sprint and
// returns the number actually assigned.
func (c *SprintClient) AssignTasks(ctx context.Context, projectID, sprintID string, count int) (int, error) {
	req := struct {
		Count int `json:"count"`
	}{Count: count}
	var resp struct {
		Assigned int `json:"assigned"`
	}
	err := c.DoJSON(ctx, http.MethodPost, "/projects/"+projectID+"/sprints/"+sprintID+"/assign", req, &resp)
	return resp.Assigned, err
}
