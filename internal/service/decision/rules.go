// Package decision houses the orchestration decision path: the pure
// rule baseline, intelligence adjustments with their confidence gate,
// the engine that sequences one tick, and the audit trail.
package decision

import (
	"fmt"

	"github.com/loopworks/cadence/internal/model"
)

// Rules computes the deterministic baseline decision. It is a pure
// function of the project snapshot, invocation options, and the observed
// presence of the sprint's daily-scrum CronJob; it performs no I/O.
func Rules(snapshot model.ProjectSnapshot, opts model.OrchestrationOptions, cronjobExists bool) model.RuleDecision {
	d := model.RuleDecision{
		SprintDurationWeeks: opts.SprintDurationWeeks,
		AssignTasks:         opts.AssignTasks,
	}
	var points []string

	if snapshot.TeamAvailability.Status == model.TeamConflict {
		for _, c := range snapshot.TeamAvailability.Conflicts {
			d.Warnings = append(d.Warnings, fmt.Sprintf("team availability conflict: %s", c))
		}
		points = append(points, fmt.Sprintf("Team has %d availability conflicts, proceeding anyway",
			len(snapshot.TeamAvailability.Conflicts)))
	}

	switch {
	case snapshot.ActiveSprint != nil:
		sprint := snapshot.ActiveSprint
		expectedCronjob := model.CronJobName(snapshot.ProjectID, sprint.ID)

		pending := -1
		if snapshot.SprintTaskSummary != nil {
			pending = snapshot.SprintTaskSummary.PendingTasks
		}

		switch {
		case pending == 0:
			d.SprintClosureTriggered = true
			d.SprintIDToClose = sprint.ID
			d.CronjobDeleted = true
			d.CronjobName = expectedCronjob
			points = append(points, fmt.Sprintf(
				"All tasks in sprint %s completed. Closing sprint and deleting CronJob %s",
				sprint.ID, expectedCronjob))
		case !cronjobExists:
			// Self-heal: the sprint is live but its daily-scrum job is gone.
			// SprintName carries the sprint id here; the executor keys the
			// recreated CronJob on it, and display names are not ids.
			d.CronjobCreated = true
			d.CronjobName = expectedCronjob
			d.SprintName = sprint.ID
			points = append(points, fmt.Sprintf(
				"Sprint %s is active but its corresponding CronJob was missing. Recreating %s",
				sprint.ID, expectedCronjob))
		default:
			points = append(points, fmt.Sprintf(
				"Sprint %s in progress with %d pending tasks, no action needed",
				sprint.ID, pending))
		}

	case opts.CreateSprintIfNeeded && snapshot.UnassignedTasks > 0:
		number := snapshot.ActiveSprintCount + 1
		d.CreateNewSprint = true
		d.SprintNumber = number
		d.SprintName = model.SprintID(snapshot.ProjectID, number)
		d.TasksToAssign = min(snapshot.UnassignedTasks, opts.MaxTasksPerSprint)
		points = append(points, fmt.Sprintf(
			"Creating sprint %s with %d of %d unassigned tasks",
			d.SprintName, d.TasksToAssign, snapshot.UnassignedTasks))

		if opts.CreateCronjob {
			d.CronjobCreated = true
			d.CronjobName = model.CronJobName(snapshot.ProjectID, d.SprintName)
			points = append(points, fmt.Sprintf("Scheduling daily scrum CronJob %s", d.CronjobName))
		}

	default:
		points = append(points, "No active sprint and no unassigned tasks, nothing to do")
	}

	d.Reasoning = joinPoints(points)
	return d
}

func joinPoints(points []string) string {
	out := ""
	for i, p := range points {
		if i > 0 {
			out += "; "
		}
		out += p
	}
	return out
}
