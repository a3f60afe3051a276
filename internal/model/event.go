package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stream names on the shared event log.
const (
	StreamOrchestration = "orchestration_events"
	StreamTaskUpdates   = "task_update_events"
	StreamDSM           = "dsm:events"
	StreamDailyScrum    = "daily_scrum_events"
)

// Event types produced or consumed by the core.
const (
	EventSprintStarted = "SprintStarted"
	EventTaskUpdated   = "TASK_UPDATED"
	EventDecisionAudit = "orchestration_decision_audit"
	EventDailyScrum    = "daily_scrum_report"
)

// EventMetadata identifies the producing service and request correlation.
type EventMetadata struct {
	SourceService string `json:"source_service"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Event is the envelope carried in the single "data" field of every
// stream entry. EventData is schema-per-type; unknown types are acked
// and logged by consumers.
type Event struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	Timestamp     time.Time      `json:"timestamp"`
	AggregateID   string         `json:"aggregate_id"`
	AggregateType string         `json:"aggregate_type"`
	EventData     map[string]any `json:"event_data"`
	Metadata      EventMetadata  `json:"metadata"`
}

// NewEvent builds an envelope with a fresh id and UTC timestamp.
func NewEvent(eventType, aggregateID, aggregateType string, data map[string]any, meta EventMetadata) Event {
	if meta.SourceService == "" {
		meta.SourceService = "orchestrator"
	}
	return Event{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventData:     data,
		Metadata:      meta,
	}
}

// Marshal encodes the envelope as the JSON value of the "data" field.
func (e Event) Marshal() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("model: marshal event: %w", err)
	}
	return string(b), nil
}

// ParseEvent decodes a stream entry's "data" value back into an envelope.
func ParseEvent(data string) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return Event{}, fmt.Errorf("model: parse event: %w", err)
	}
	if e.EventType == "" {
		return Event{}, fmt.Errorf("model: parse event: missing event_type")
	}
	return e, nil
}

// TaskUpdatedPayload is the typed form of a TASK_UPDATED event's data.
type TaskUpdatedPayload struct {
	TaskID             string     `json:"task_id"`
	ProjectID          string     `json:"project_id"`
	Status             TaskStatus `json:"status"`
	ProgressPercentage int        `json:"progress_percentage"`
}

// DecodeTaskUpdated parses event data into a TaskUpdatedPayload.
// Fields are parsed defensively: malformed values surface an error, never
// a panic.
func DecodeTaskUpdated(data map[string]any) (TaskUpdatedPayload, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return TaskUpdatedPayload{}, fmt.Errorf("model: encode task update data: %w", err)
	}
	var p TaskUpdatedPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return TaskUpdatedPayload{}, fmt.Errorf("model: decode task update: %w", err)
	}
	if p.TaskID == "" {
		return TaskUpdatedPayload{}, fmt.Errorf("model: decode task update: missing task_id")
	}
	return p, nil
}
