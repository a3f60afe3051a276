package clients

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// ChronicleClient talks to the Chronicle service's HTTP API for
// orchestration-originated writes. Analytics reads go straight to the
// Chronicle store (see the chronicle package).
type ChronicleClient struct {
	*Client
}

// NewChronicleClient builds a Chronicle service client.
func NewChronicleClient(baseURL string, timeout time.Duration, bc BreakerConfig, logger *slog.Logger) *ChronicleClient {
	return &ChronicleClient{Client: NewClient("chronicle", baseURL, timeout, bc, logger)}
}

// RecordRetrospective records a sprint retrospective. Best-effort at the
// call site: executor failures become warnings, not errors.
func (c *ChronicleClient) RecordRetrospective(ctx context.Context, projectID, sprintID string, details map[string]any) error {
	payload := map[string]any{
		"project_id": projectID,
		"sprint_id":  sprintID,
		"details":    details,
	}
	return c.DoJSON(ctx, http.MethodPost, "/retrospectives", payload, nil)
}

// RecordDailyScrumReport records a daily scrum report carrying the full
// decision details.
func (c *ChronicleClient) RecordDailyScrumReport(ctx context.Context, projectID string, report map[string]any) error {
	payload := map[string]any{
		"project_id": projectID,
		"report":     report,
	}
	return c.DoJSON(ctx, http.MethodPost, "/daily-scrum-reports", payload, nil)
}
