package model

import (
	"time"

	"github.com/google/uuid"
)

// StrategyContent holds a learned rule: the conditions under which it
// applies and the decision values it recommends.
type StrategyContent struct {
	Conditions map[string]any `json:"conditions"`
	Rules      map[string]any `json:"rules"`
}

// StrategyRiskLevel classifies how aggressive a strategy's recommendation is.
type StrategyRiskLevel string

const (
	RiskLow    StrategyRiskLevel = "low"
	RiskMedium StrategyRiskLevel = "medium"
	RiskHigh   StrategyRiskLevel = "high"
)

// Strategy is a learned rule generated by the daily evolver from recurring
// successful episode patterns. Performance counters accumulate as the rule
// is applied; the evolver deactivates strategies whose performance drops
// below the configured floor.
type Strategy struct {
	ID                    uuid.UUID         `json:"id"`
	Type                  string            `json:"type"`
	Content               StrategyContent   `json:"content"`
	Description           string            `json:"description"`
	Confidence            float32           `json:"confidence"` // 0.0-1.0
	RiskLevel             StrategyRiskLevel `json:"risk_level"`
	TimesApplied          int               `json:"times_applied"`
	SuccessCount          int               `json:"success_count"`
	FailureCount          int               `json:"failure_count"`
	SuccessRate           *float32          `json:"success_rate,omitempty"`
	SupportingEpisodes    []uuid.UUID       `json:"supporting_episodes,omitempty"`
	ContradictingEpisodes []uuid.UUID       `json:"contradicting_episodes,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	LastApplied           *time.Time        `json:"last_applied,omitempty"`
	LastValidated         *time.Time        `json:"last_validated,omitempty"`
	IsActive              bool              `json:"is_active"`
}

// StrategyPerformance is one append-only performance log entry linking a
// strategy application to an episode. The actual outcome is attached
// lazily once the episode's outcome is known.
type StrategyPerformance struct {
	ID                uuid.UUID  `json:"id"`
	StrategyID        uuid.UUID  `json:"strategy_id"`
	EpisodeID         uuid.UUID  `json:"episode_id"`
	PredictedOutcome  string     `json:"predicted_outcome"`
	ActualOutcome     *string    `json:"actual_outcome,omitempty"`
	QualityScore      *float32   `json:"quality_score,omitempty"`
	Confidence        float32    `json:"confidence"`
	ContextSimilarity float32    `json:"context_similarity"`
	CreatedAt         time.Time  `json:"created_at"`
	OutcomeAt         *time.Time `json:"outcome_at,omitempty"`
}
