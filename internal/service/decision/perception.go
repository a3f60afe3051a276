package decision

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/loopworks/cadence/internal/clients"
	"github.com/loopworks/cadence/internal/model"
)

// Perceiver assembles the perception snapshot from the Project, Backlog,
// and Sprint services. Backlog and sprint lookups run concurrently once
// the project is confirmed to exist.
type Perceiver struct {
	projects *clients.ProjectClient
	backlog  *clients.BacklogClient
	sprints  *clients.SprintClient
	logger   *slog.Logger
}

// NewPerceiver builds a perceiver.
func NewPerceiver(projects *clients.ProjectClient, backlog *clients.BacklogClient, sprints *clients.SprintClient, logger *slog.Logger) *Perceiver {
	return &Perceiver{projects: projects, backlog: backlog, sprints: sprints, logger: logger}
}

// Snapshot gathers the project state for one tick. A missing project is
// ErrProjectNotFound; any downstream failure aborts the tick, since a
// decision on partial perception is worse than no decision.
func (p *Perceiver) Snapshot(ctx context.Context, projectID string) (model.ProjectSnapshot, error) {
	project, err := p.projects.GetProject(ctx, projectID)
	if err != nil {
		return model.ProjectSnapshot{}, fmt.Errorf("decision: fetch project: %w", err)
	}
	if project == nil {
		return model.ProjectSnapshot{}, fmt.Errorf("decision: %s: %w", projectID, ErrProjectNotFound)
	}
	snapshot := *project

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		counts, err := p.backlog.GetCounts(gctx, projectID)
		if err != nil {
			return fmt.Errorf("decision: fetch backlog counts: %w", err)
		}
		snapshot.BacklogTasks = counts.Total
		snapshot.UnassignedTasks = counts.Unassigned
		return nil
	})

	var active *model.Sprint
	g.Go(func() error {
		s, err := p.sprints.GetActiveSprint(gctx, projectID)
		if err != nil {
			return fmt.Errorf("decision: fetch active sprint: %w", err)
		}
		active = s
		return nil
	})

	if err := g.Wait(); err != nil {
		return model.ProjectSnapshot{}, err
	}

	snapshot.ActiveSprint = active
	if active != nil {
		snapshot.ActiveSprintCount = sprintNumber(active.ID)
		summary, err := p.sprints.GetTaskSummary(ctx, projectID, active.ID)
		if err != nil {
			return model.ProjectSnapshot{}, fmt.Errorf("decision: fetch sprint task summary: %w", err)
		}
		snapshot.SprintTaskSummary = &summary
	}

	return snapshot, nil
}

// sprintNumber extracts the ordinal from a "{project}-S{nn}" sprint id.
// Unparseable ids count as one active sprint.
func sprintNumber(sprintID string) int {
	for i := len(sprintID) - 1; i >= 0; i-- {
		if sprintID[i] != 'S' {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(sprintID[i:], "S%d", &n); err == nil && n > 0 {
			return n
		}
		break
	}
	return 1
}
