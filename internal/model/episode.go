package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Outcome records how an orchestration decision turned out. It is attached
// to an episode after the related sprint closes.
type Outcome struct {
	Success      bool    `json:"success"`
	QualityScore float32 `json:"quality_score"` // 0.0-1.0
}

// Episode is a frozen record of one orchestration decision: what the
// engine perceived, how it reasoned, and what it decided. Immutable once
// written except for the later outcome attachment.
type Episode struct {
	ID                uuid.UUID        `json:"id"`
	ProjectID         string           `json:"project_id"`
	OccurredAt        time.Time        `json:"occurred_at"`
	Perception        map[string]any   `json:"perception"`
	Reasoning         map[string]any   `json:"reasoning"`
	Action            map[string]any   `json:"action"`
	Outcome           *Outcome         `json:"outcome,omitempty"`
	OutcomeRecordedAt *time.Time       `json:"outcome_recorded_at,omitempty"`
	AgentVersion      string           `json:"agent_version"`
	DecisionMode      string           `json:"decision_mode"`
	Embedding         *pgvector.Vector `json:"-"`
	SprintID          *string          `json:"sprint_id,omitempty"`
	ChronicleNoteID   *uuid.UUID       `json:"chronicle_note_id,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// ScoredEpisode pairs an episode with its similarity to a query vector.
type ScoredEpisode struct {
	Episode
	Similarity float32 `json:"similarity"`
}

// CompletenessScore measures how much of an episode's structure is
// populated: 0.25 per non-empty section among perception, reasoning,
// action, and outcome. Used as a quality fallback when no outcome
// quality has been recorded.
func (e Episode) CompletenessScore() float32 {
	var score float32
	if len(e.Perception) > 0 {
		score += 0.25
	}
	if len(e.Reasoning) > 0 {
		score += 0.25
	}
	if len(e.Action) > 0 {
		score += 0.25
	}
	if e.Outcome != nil {
		score += 0.25
	}
	return score
}

// Quality returns the recorded outcome quality when present, falling back
// to the data-completeness score otherwise.
func (e Episode) Quality() float32 {
	if e.Outcome != nil {
		return e.Outcome.QualityScore
	}
	return e.CompletenessScore()
}
