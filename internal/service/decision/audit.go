package decision

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loopworks/cadence/internal/model"
)

// NoteRecorder is the slice of the Chronicle store the auditor needs.
type NoteRecorder interface {
	RecordNote(ctx context.Context, projectID, eventType string, payload map[string]any) (uuid.UUID, error)
}

// Auditor persists the full provenance of every decision as Chronicle
// notes. It is a sink: failures are logged and swallowed so auditing can
// never break a decision.
type Auditor struct {
	notes  NoteRecorder
	logger *slog.Logger
}

// NewAuditor builds an auditor.
func NewAuditor(notes NoteRecorder, logger *slog.Logger) *Auditor {
	return &Auditor{notes: notes, logger: logger}
}

// Record assembles and persists the audit record for one decision,
// including every proposal, not only the accepted ones. Returns the
// record for callers that echo it; persistence failures only log.
func (a *Auditor) Record(ctx context.Context, d model.EnhancedDecision, sprintID string) model.AuditRecord {
	record := model.AuditRecord{
		ID:                  uuid.New(),
		ProjectID:           d.ProjectID,
		OccurredAt:          time.Now().UTC(),
		BaseDecision:        d.Base,
		ProposedAdjustments: d.Proposed,
		AppliedAdjustments:  d.Applied,
		FinalDecision:       d.Final,
		Reasoning:           d.Final.Reasoning,
		CorrelationID:       d.CorrelationID,
		SprintID:            sprintID,
	}

	payload, err := recordPayload(record)
	if err != nil {
		a.logger.Error("audit record not serializable",
			"project_id", d.ProjectID, "error", err)
		return record
	}

	if _, err := a.notes.RecordNote(ctx, d.ProjectID, model.EventDecisionAudit, payload); err != nil {
		a.logger.Error("audit record not persisted",
			"project_id", d.ProjectID, "audit_id", record.ID, "error", err)
	}
	return record
}

// recordPayload round-trips the record through JSON into the generic
// payload shape Chronicle notes carry.
func recordPayload(r model.AuditRecord) (map[string]any, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(b, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
