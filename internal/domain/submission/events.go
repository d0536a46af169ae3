package submission

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	EventReceived      EventType = "submission.received"
	EventPatientLinked EventType = "submission.patient_linked"
	EventProcessed     EventType = "submission.processed"
	EventFailed        EventType = "submission.failed"
)

// AggregateType is the outbox aggregate name for submissions
const AggregateType = "Submission"

// Event is a lifecycle event written to the outbox alongside a ledger change.
// Payloads carry identifiers and status only, never patient data.
type Event struct {
	ID           string          `json:"id"`
	SubmissionID string          `json:"submission_id"`
	Type         EventType       `json:"event_type"`
	Data         json.RawMessage `json:"data"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// NewEvent creates a new event
func NewEvent(submissionID string, eventType EventType, data interface{}) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:           uuid.New().String(),
		SubmissionID: submissionID,
		Type:         eventType,
		Data:         raw,
		OccurredAt:   time.Now().UTC(),
	}, nil
}

// ReceivedData is emitted when admission persists a submission
type ReceivedData struct {
	SubmissionID string `json:"submission_id"`
	TenantID     string `json:"tenant_id"`
	TemplateID   string `json:"template_id"`
	Status       Status `json:"status"`
}

// StatusChangedData is emitted on every applied status write
type StatusChangedData struct {
	SubmissionID      string `json:"submission_id"`
	Status            Status `json:"status"`
	ExternalPatientID string `json:"external_patient_id,omitempty"`
	ArchiveReceiptID  string `json:"archive_receipt_id,omitempty"`
}

// EventForStatus picks the lifecycle event for an applied status write.
func EventForStatus(status Status, patch Patch) EventType {
	switch status {
	case StatusProcessed:
		return EventProcessed
	case StatusError:
		return EventFailed
	}
	if patch.ExternalPatientID != nil {
		return EventPatientLinked
	}
	return ""
}
