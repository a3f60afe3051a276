package model

import (
	"time"

	"github.com/google/uuid"
)

// DefaultSchedule is the cron spec for daily-scrum jobs: 14:00 on weekdays.
const DefaultSchedule = "0 14 * * 1-5"

// OrchestrationOptions are the recognized per-invocation options.
type OrchestrationOptions struct {
	CreateSprintIfNeeded     bool   `json:"create_sprint_if_needed"`
	AssignTasks              bool   `json:"assign_tasks"`
	CreateCronjob            bool   `json:"create_cronjob"`
	Schedule                 string `json:"schedule"`
	SprintDurationWeeks      int    `json:"sprint_duration_weeks"`
	MaxTasksPerSprint        int    `json:"max_tasks_per_sprint"`
	EnablePatternRecognition bool   `json:"enable_pattern_recognition"`
}

// DefaultOptions returns the options applied when a caller omits them.
func DefaultOptions() OrchestrationOptions {
	return OrchestrationOptions{
		CreateSprintIfNeeded:     true,
		AssignTasks:              true,
		CreateCronjob:            true,
		Schedule:                 DefaultSchedule,
		SprintDurationWeeks:      2,
		MaxTasksPerSprint:        10,
		EnablePatternRecognition: true,
	}
}

// RuleDecision is the deterministic baseline decision produced by the
// rule-based path for one project tick.
type RuleDecision struct {
	CreateNewSprint        bool     `json:"create_new_sprint"`
	SprintName             string   `json:"sprint_name,omitempty"`
	SprintNumber           int      `json:"sprint_number,omitempty"`
	TasksToAssign          int      `json:"tasks_to_assign"`
	SprintDurationWeeks    int      `json:"sprint_duration_weeks"`
	CronjobCreated         bool     `json:"cronjob_created"`
	CronjobName            string   `json:"cronjob_name,omitempty"`
	SprintClosureTriggered bool     `json:"sprint_closure_triggered"`
	SprintIDToClose        string   `json:"sprint_id_to_close,omitempty"`
	CronjobDeleted         bool     `json:"cronjob_deleted"`
	AssignTasks            bool     `json:"assign_tasks"`
	Reasoning              string   `json:"reasoning"`
	Warnings               []string `json:"warnings,omitempty"`
}

// AdjustmentKind identifies which decision parameter an intelligence
// adjustment targets. Approved adjustments apply in the order
// task_count, duration.
type AdjustmentKind string

const (
	AdjustTaskCount AdjustmentKind = "task_count"
	AdjustDuration  AdjustmentKind = "duration"
)

// Adjustment is one proposed intelligence modification to the base
// decision, carrying the evidence it rests on.
type Adjustment struct {
	Kind                AdjustmentKind `json:"kind"`
	OriginalValue       int            `json:"original_value"`
	RecommendedValue    int            `json:"recommended_value"`
	Confidence          float64        `json:"confidence"`
	Rationale           string         `json:"rationale"`
	ExpectedImprovement string         `json:"expected_improvement,omitempty"`
	EvidenceSource      string         `json:"evidence_source"`
	EvidenceCount       int            `json:"evidence_count"`
	Source              string         `json:"source"` // hybrid_patterns or chronicle_analysis
}

// Decision modes reported to callers.
const (
	ModeRuleBasedOnly        = "rule_based_only"
	ModeIntelligenceEnhanced = "intelligence_enhanced"
)

// PerformanceMetrics records per-step wall-clock time for one invocation.
// A budget breach is flagged, never failed.
type PerformanceMetrics struct {
	TotalMs            int64 `json:"total_ms"`
	EpisodeRetrievalMs int64 `json:"episode_retrieval_ms"`
	MemoryBridgeMs     int64 `json:"memory_bridge_ms"`
	PatternAnalysisMs  int64 `json:"pattern_analysis_ms"`
	ThresholdsMet      bool  `json:"performance_thresholds_met"`
}

// EnhancedDecision is the engine's full output for one tick: the rule
// baseline, the intelligence overrides actually applied, and the
// provenance of both.
type EnhancedDecision struct {
	ProjectID            string                        `json:"project_id"`
	Base                 RuleDecision                  `json:"base_decision"`
	Final                RuleDecision                  `json:"final_decision"`
	Proposed             []Adjustment                  `json:"intelligence_recommendations,omitempty"`
	Applied              map[AdjustmentKind]Adjustment `json:"applied_adjustments,omitempty"`
	ReasoningChain       []string                      `json:"reasoning_chain"`
	ConfidenceScores     map[string]float64            `json:"confidence_scores,omitempty"`
	DecisionMode         string                        `json:"decision_mode"`
	DecisionSource       string                        `json:"decision_source"`
	ModificationsApplied int                           `json:"modifications_applied"`
	Performance          PerformanceMetrics            `json:"performance_metrics"`
	Metadata             map[string]any                `json:"intelligence_metadata,omitempty"`
	CorrelationID        string                        `json:"correlation_id"`
}

// ExecutionResult reports what the action executor actually did.
type ExecutionResult struct {
	ActionsTaken []string `json:"actions_taken"`
	Warnings     []string `json:"warnings,omitempty"`
	SprintID     string   `json:"sprint_id,omitempty"`
	CronjobName  string   `json:"cronjob_name,omitempty"`
}

// AuditRecord is the full provenance of one decision, persisted to the
// Chronicle store so downstream consumers can rebuild analytics by replay.
type AuditRecord struct {
	ID                  uuid.UUID                     `json:"id"`
	ProjectID           string                        `json:"project_id"`
	OccurredAt          time.Time                     `json:"occurred_at"`
	BaseDecision        RuleDecision                  `json:"base_decision"`
	ProposedAdjustments []Adjustment                  `json:"proposed_adjustments,omitempty"`
	AppliedAdjustments  map[AdjustmentKind]Adjustment `json:"applied_adjustments,omitempty"`
	FinalDecision       RuleDecision                  `json:"final_decision"`
	Reasoning           string                        `json:"reasoning"`
	CorrelationID       string                        `json:"correlation_id"`
	SprintID            string                        `json:"sprint_id,omitempty"`
}

// DecisionResponse is the engine's wire-level response to callers.
type DecisionResponse struct {
	ProjectID          string             `json:"project_id"`
	Analysis           map[string]any     `json:"analysis"`
	Decisions          RuleDecision       `json:"decisions"`
	ActionsTaken       []string           `json:"actions_taken"`
	Warnings           []string           `json:"warnings,omitempty"`
	CronjobName        string             `json:"cronjob_name,omitempty"`
	SprintID           string             `json:"sprint_id,omitempty"`
	PerformanceMetrics PerformanceMetrics `json:"performance_metrics"`
	Metadata           map[string]any     `json:"intelligence_metadata,omitempty"`
}
