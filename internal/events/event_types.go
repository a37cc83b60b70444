package events

import (
	"time"

	"github.com/qa-tools/triage-service/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventDuplicateSuppressed EventType = "duplicate_suppressed"
	EventDraftCreated        EventType = "draft_created"
	EventDecisionRequested   EventType = "decision_requested"
	EventTicketCreated       EventType = "ticket_created"
	EventTicketCreateFailed  EventType = "ticket_create_failed"
	EventUnactionable        EventType = "event_unactionable"
	EventDraftIgnored        EventType = "draft_ignored"
	EventDraftReopened       EventType = "draft_reopened"
)

// AllTypes lists every event type, for sinks that want everything.
var AllTypes = []EventType{
	EventDuplicateSuppressed,
	EventDraftCreated,
	EventDecisionRequested,
	EventTicketCreated,
	EventTicketCreateFailed,
	EventUnactionable,
	EventDraftIgnored,
	EventDraftReopened,
}

// Event represents a notification emitted by the pipeline.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	ProjectID string    `json:"project_id"`
	DraftID   string    `json:"draft_id,omitempty"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// DuplicateSuppressedPayload names the event and the draft that owns its
// fingerprint, when one is known.
type DuplicateSuppressedPayload struct {
	EventID     string             `json:"event_id,omitempty"`
	TestName    string             `json:"test_name"`
	Fingerprint domain.Fingerprint `json:"fingerprint"`
	Reason      string             `json:"reason"`
	OwnerDraft  string             `json:"owner_draft_id,omitempty"`
	OwnerKey    string             `json:"owner_external_key,omitempty"`
	Confidence  float64            `json:"confidence,omitempty"`
}

// DraftPayload summarizes a draft for draft_created, draft_ignored and
// draft_reopened.
type DraftPayload struct {
	TestName  string          `json:"test_name"`
	Summary   string          `json:"summary"`
	Severity  domain.Severity `json:"severity"`
	ClusterID string          `json:"cluster_id,omitempty"`
	RootCause string          `json:"root_cause,omitempty"`
}

// DecisionRequestedPayload is what a reviewer needs to decide.
type DecisionRequestedPayload struct {
	DraftPayload
	DecisionURL string `json:"decision_url,omitempty"`
}

// TicketCreatedPayload payload.
type TicketCreatedPayload struct {
	Summary     string                  `json:"summary"`
	Severity    domain.Severity         `json:"severity"`
	ExternalRef domain.ExternalIssueRef `json:"external_ref"`
}

// TicketCreateFailedPayload payload.
type TicketCreateFailedPayload struct {
	Summary  string `json:"summary"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// UnactionablePayload records an event that could not be processed.
type UnactionablePayload struct {
	EventID  string `json:"event_id,omitempty"`
	TestName string `json:"test_name"`
	Reason   string `json:"reason"`
}
