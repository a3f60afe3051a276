package clients

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/loopworks/cadence/internal/model"
)

// ProjectClient talks to the Project service.
type ProjectClient struct {
	*Client
}

// NewProjectClient builds a Project service client.
func NewProjectClient(baseURL string, timeout time.Duration, bc BreakerConfig, logger *slog.Logger) *ProjectClient {
	return &ProjectClient{Client: NewClient("project", baseURL, timeout, bc, logger)}
}

// projectResponse is the Project service's wire shape.
type projectResponse struct {
	ID               string                 `json:"id"`
	TeamSize         int                    `json:"team_size"`
	TeamAvailability model.TeamAvailability `json:"team_availability"`
}

// GetProject fetches a project. A 404 returns (nil, nil) rather than an
// error: a missing project is a normal outcome of the lookup.
func (c *ProjectClient) GetProject(ctx context.Context, projectID string) (*model.ProjectSnapshot, error) {
	var resp projectResponse
	err := c.DoJSON(ctx, http.MethodGet, "/projects/"+projectID, nil, &resp)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &model.ProjectSnapshot{
		ProjectID:        resp.ID,
		TeamSize:         resp.TeamSize,
		TeamAvailability: resp.TeamAvailability,
	}, nil
}
