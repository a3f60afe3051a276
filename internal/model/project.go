// Package model defines the core domain entities shared across the
// orchestrator: project snapshots, sprints, tasks, episodes, strategies,
// patterns, and decision records.
package model

import (
	"fmt"
	"strings"
	"time"
)

// TeamAvailabilityStatus describes whether a team has scheduling conflicts.
type TeamAvailabilityStatus string

const (
	TeamAvailable TeamAvailabilityStatus = "available"
	TeamConflict  TeamAvailabilityStatus = "conflict"
)

// TeamAvailability carries the availability status and any named conflicts
// (holidays, PTO dates) reported by the Project service.
type TeamAvailability struct {
	Status    TeamAvailabilityStatus `json:"status"`
	Conflicts []string               `json:"conflicts,omitempty"`
}

// TaskSummary aggregates task counts for the active sprint.
type TaskSummary struct {
	PendingTasks   int `json:"pending_tasks"`
	CompletedTasks int `json:"completed_tasks"`
}

// ProjectSnapshot is the perception input for one orchestration tick.
// It is assembled from the Project, Backlog, and Sprint services.
type ProjectSnapshot struct {
	ProjectID         string           `json:"project_id"`
	BacklogTasks      int              `json:"backlog_tasks"`
	UnassignedTasks   int              `json:"unassigned_tasks"`
	ActiveSprintCount int              `json:"active_sprint_count"`
	TeamSize          int              `json:"team_size"`
	TeamAvailability  TeamAvailability `json:"team_availability"`
	ActiveSprint      *Sprint          `json:"active_sprint,omitempty"`
	SprintTaskSummary *TaskSummary     `json:"sprint_task_summary,omitempty"`
}

// SprintStatus enumerates sprint lifecycle states.
type SprintStatus string

const (
	SprintInProgress        SprintStatus = "in_progress"
	SprintCompleted         SprintStatus = "completed"
	SprintClosedWithPending SprintStatus = "closed_with_pending_tasks"
)

// Sprint is a bounded time-window unit of task assignment.
// At most one sprint per project is in_progress at any time.
type Sprint struct {
	ID            string       `json:"id"`
	ProjectID     string       `json:"project_id"`
	Name          string       `json:"name"`
	StartDate     time.Time    `json:"start_date"`
	EndDate       time.Time    `json:"end_date"`
	DurationWeeks int          `json:"duration_weeks"`
	Status        SprintStatus `json:"status"`
}

// SprintID builds the canonical sprint identifier for a project and
// one-based sprint number: "{project}-S{nn}" zero-padded to two digits.
func SprintID(projectID string, number int) string {
	return fmt.Sprintf("%s-S%02d", projectID, number)
}

// CronJobName derives the deterministic daily-scrum CronJob name for a
// project and sprint: "run-dailyscrum-{project_lower}-{sprint_lower}".
func CronJobName(projectID, sprintID string) string {
	return "run-dailyscrum-" + strings.ToLower(projectID) + "-" + strings.ToLower(sprintID)
}

// TaskStatus enumerates task lifecycle states.
type TaskStatus string

const (
	TaskUnassigned       TaskStatus = "unassigned"
	TaskAssignedToSprint TaskStatus = "assigned_to_sprint"
	TaskInProgress       TaskStatus = "in_progress"
	TaskCompleted        TaskStatus = "completed"
)

// Task is a unit of backlog work. Tasks flow unassigned →
// assigned_to_sprint → in_progress → completed; on sprint close,
// incomplete tasks revert to unassigned with no sprint reference.
type Task struct {
	ID                 string     `json:"id"`
	ProjectID          string     `json:"project_id"`
	SprintID           *string    `json:"sprint_id,omitempty"`
	Title              string     `json:"title"`
	Status             TaskStatus `json:"status"`
	ProgressPercentage int        `json:"progress_percentage"`
	AssignedTo         string     `json:"assigned_to,omitempty"`
}

// Consistent reports whether the task satisfies the progress invariant:
// progress_percentage == 100 if and only if status == completed.
func (t Task) Consistent() bool {
	return (t.ProgressPercentage >= 100) == (t.Status == TaskCompleted)
}
