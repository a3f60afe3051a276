// Package executor applies orchestration decisions to the world: sprint
// lifecycle calls, CronJob management, Chronicle records, and event
// publication. Each action either succeeds and is recorded in
// actions_taken or degrades to a warning; the executor never aborts
// midway.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loopworks/cadence/internal/clients"
	"github.com/loopworks/cadence/internal/model"
)

// SprintService is the slice of the Sprint client the executor needs.
type SprintService interface {
	CreateSprint(ctx context.Context, projectID string, req clients.CreateSprintRequest) (model.Sprint, error)
	CloseSprint(ctx context.Context, projectID, sprintID string) (model.Sprint, error)
	AssignTasks(ctx context.Context, projectID, sprintID string, count int) (int, error)
}

// ChronicleService records retrospectives and daily scrum reports.
type ChronicleService interface {
	RecordRetrospective(ctx context.Context, projectID, sprintID string, details map[string]any) error
	RecordDailyScrumReport(ctx context.Context, projectID string, report map[string]any) error
}

// CronJobService manages daily-scrum jobs on the control plane.
type CronJobService interface {
	EnsureCronJob(ctx context.Context, projectID, sprintID, schedule string) (string, error)
	DeleteCronJob(ctx context.Context, projectID, sprintID string) error
}

// OutcomeService settles learning state once a sprint closes: episode
// outcomes and strategy performance.
type OutcomeService interface {
	RecordSprintOutcome(ctx context.Context, projectID, sprintID string, completionRate float64) error
}

// EventPublisher appends orchestration events.
type EventPublisher interface {
	PublishAsync(ctx context.Context, stream string, e model.Event)
}

// Executor carries out decisions in a fixed order: close before create,
// CronJob delete before the sprint is cleared, and reporting last.
type Executor struct {
	sprints   SprintService
	chronicle ChronicleService
	cronjobs  CronJobService
	outcomes  OutcomeService
	publisher EventPublisher
	logger    *slog.Logger
}

// New builds an executor. Chronicle, cronjobs, outcomes, and publisher
// may be nil; their actions then degrade to warnings or no-ops.
func New(sprints SprintService, chronicle ChronicleService, cronjobs CronJobService, outcomes OutcomeService, publisher EventPublisher, logger *slog.Logger) *Executor {
	return &Executor{
		sprints:   sprints,
		chronicle: chronicle,
		cronjobs:  cronjobs,
		outcomes:  outcomes,
		publisher: publisher,
		logger:    logger,
	}
}

// Execute applies a final decision for one project tick.
func (x *Executor) Execute(ctx context.Context, snapshot model.ProjectSnapshot, d model.RuleDecision, opts model.OrchestrationOptions, correlationID string) model.ExecutionResult {
	var res model.ExecutionResult
	projectID := snapshot.ProjectID

	if d.SprintClosureTriggered {
		x.closeSprint(ctx, projectID, d.SprintIDToClose, completionRate(snapshot), &res)
	}

	if d.CronjobDeleted {
		x.deleteCronjob(ctx, projectID, d.SprintIDToClose, &res)
	}

	if d.CreateNewSprint {
		x.createSprint(ctx, projectID, d, &res)
	}

	if d.CronjobCreated {
		sprintID := res.SprintID
		if sprintID == "" {
			// Self-heal path: the sprint already exists.
			sprintID = d.SprintName
		}
		x.createCronjob(ctx, projectID, sprintID, opts.Schedule, &res)
	}

	x.recordReport(ctx, projectID, d, res, correlationID)
	x.publishDecision(ctx, projectID, d, res, correlationID)

	return res
}

// closeSprint closes the sprint, settles the learning outcome for its
// episodes, and records a retrospective. Outcome and retrospective are
// best-effort: their failures are warnings, not blockers.
func (x *Executor) closeSprint(ctx context.Context, projectID, sprintID string, rate float64, res *model.ExecutionResult) {
	closed, err := x.sprints.CloseSprint(ctx, projectID, sprintID)
	if err != nil {
		x.warn(res, "close sprint %s: %v", sprintID, err)
		return
	}
	res.ActionsTaken = append(res.ActionsTaken, fmt.Sprintf("closed sprint %s", sprintID))

	if x.outcomes != nil {
		if err := x.outcomes.RecordSprintOutcome(ctx, projectID, sprintID, rate); err != nil {
			x.warn(res, "record outcome for %s: %v", sprintID, err)
		}
	}

	if x.chronicle == nil {
		return
	}
	details := map[string]any{
		"sprint_id": sprintID,
		"status":    string(closed.Status),
		"closed_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := x.chronicle.RecordRetrospective(ctx, projectID, sprintID, details); err != nil {
		x.warn(res, "record retrospective for %s: %v", sprintID, err)
		return
	}
	res.ActionsTaken = append(res.ActionsTaken, fmt.Sprintf("recorded retrospective for %s", sprintID))
}

func (x *Executor) deleteCronjob(ctx context.Context, projectID, sprintID string, res *model.ExecutionResult) {
	if x.cronjobs == nil {
		return
	}
	if err := x.cronjobs.DeleteCronJob(ctx, projectID, sprintID); err != nil {
		x.warn(res, "delete cronjob for %s: %v", sprintID, err)
		return
	}
	res.ActionsTaken = append(res.ActionsTaken,
		fmt.Sprintf("deleted cronjob %s", model.CronJobName(projectID, sprintID)))
}

func (x *Executor) createSprint(ctx context.Context, projectID string, d model.RuleDecision, res *model.ExecutionResult) {
	sprint, err := x.sprints.CreateSprint(ctx, projectID, clients.CreateSprintRequest{
		SprintName:    d.SprintName,
		DurationWeeks: d.SprintDurationWeeks,
	})
	if err != nil {
		x.warn(res, "create sprint %s: %v", d.SprintName, err)
		return
	}
	res.SprintID = sprint.ID
	res.ActionsTaken = append(res.ActionsTaken,
		fmt.Sprintf("created sprint %s (%d weeks)", sprint.ID, d.SprintDurationWeeks))

	if !d.AssignTasks || d.TasksToAssign <= 0 {
		return
	}
	assigned, err := x.sprints.AssignTasks(ctx, projectID, sprint.ID, d.TasksToAssign)
	if err != nil {
		x.warn(res, "assign tasks to %s: %v", sprint.ID, err)
		return
	}
	res.ActionsTaken = append(res.ActionsTaken,
		fmt.Sprintf("assigned %d tasks to %s", assigned, sprint.ID))
}

func (x *Executor) createCronjob(ctx context.Context, projectID, sprintID, schedule string, res *model.ExecutionResult) {
	if x.cronjobs == nil || sprintID == "" {
		return
	}
	if schedule == "" {
		schedule = model.DefaultSchedule
	}
	name, err := x.cronjobs.EnsureCronJob(ctx, projectID, sprintID, schedule)
	if err != nil {
		x.warn(res, "create cronjob for %s: %v", sprintID, err)
		return
	}
	res.CronjobName = name
	res.ActionsTaken = append(res.ActionsTaken, fmt.Sprintf("created cronjob %s", name))
}

// recordReport sends the full decision details to Chronicle and announces
// the report on the daily-scrum stream for downstream consumers.
func (x *Executor) recordReport(ctx context.Context, projectID string, d model.RuleDecision, res model.ExecutionResult, correlationID string) {
	report := map[string]any{
		"decision":       d,
		"actions_taken":  res.ActionsTaken,
		"warnings":       res.Warnings,
		"sprint_id":      res.SprintID,
		"cronjob_name":   res.CronjobName,
		"correlation_id": correlationID,
	}
	if x.chronicle != nil {
		if err := x.chronicle.RecordDailyScrumReport(ctx, projectID, report); err != nil {
			x.logger.Warn("daily scrum report not recorded",
				"project_id", projectID, "error", err)
		}
	}
	if x.publisher != nil {
		x.publisher.PublishAsync(ctx, model.StreamDailyScrum, model.NewEvent(
			model.EventDailyScrum, projectID, "project", report,
			model.EventMetadata{CorrelationID: correlationID}))
	}
}

// publishDecision emits the orchestration event, fire-and-forget. A new
// sprint additionally announces SprintStarted.
func (x *Executor) publishDecision(ctx context.Context, projectID string, d model.RuleDecision, res model.ExecutionResult, correlationID string) {
	if x.publisher == nil {
		return
	}
	meta := model.EventMetadata{CorrelationID: correlationID}

	if res.SprintID != "" && d.CreateNewSprint {
		x.publisher.PublishAsync(ctx, model.StreamOrchestration, model.NewEvent(
			model.EventSprintStarted, res.SprintID, "sprint",
			map[string]any{
				"project_id":      projectID,
				"sprint_id":       res.SprintID,
				"sprint_name":     d.SprintName,
				"duration_weeks":  d.SprintDurationWeeks,
				"tasks_to_assign": d.TasksToAssign,
			}, meta))
	}

	x.publisher.PublishAsync(ctx, model.StreamOrchestration, model.NewEvent(
		model.EventDecisionAudit, projectID, "project",
		map[string]any{
			"decision":      d,
			"actions_taken": res.ActionsTaken,
			"warnings":      res.Warnings,
		}, meta))
}

// completionRate is the fraction of sprint tasks finished at the moment
// the closure decision was made. Closure normally fires at zero pending
// tasks, so this is usually 1.0; a forced or degraded closure reports the
// true partial rate.
func completionRate(snapshot model.ProjectSnapshot) float64 {
	s := snapshot.SprintTaskSummary
	if s == nil || s.CompletedTasks+s.PendingTasks == 0 {
		return 1.0
	}
	return float64(s.CompletedTasks) / float64(s.CompletedTasks+s.PendingTasks)
}

func (x *Executor) warn(res *model.ExecutionResult, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	res.Warnings = append(res.Warnings, msg)
	x.logger.Warn("executor action degraded", "detail", msg)
}
