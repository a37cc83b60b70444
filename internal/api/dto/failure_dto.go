package dto

import (
	"strings"
	"time"

	"github.com/qa-tools/triage-service/internal/domain"
)

// FailureEventRequest is one failing test as posted by a runner adapter.
type FailureEventRequest struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	ModuleID     string     `json:"module_id"`
	TestName     string     `json:"test_name"`
	ClassName    string     `json:"class_name"`
	ErrorMessage string     `json:"error_message"`
	StackTrace   string     `json:"stack_trace"`
	Logs         string     `json:"logs"`
	Framework    string     `json:"framework"`
	RunID        string     `json:"run_id"`
	OccurredAt   *time.Time `json:"occurred_at"`
}

// ToDomain converts the request into a FailureEvent.
func (r FailureEventRequest) ToDomain() domain.FailureEvent {
	e := domain.FailureEvent{
		ID:           r.ID,
		ProjectID:    strings.TrimSpace(r.ProjectID),
		ModuleID:     strings.TrimSpace(r.ModuleID),
		TestName:     strings.TrimSpace(r.TestName),
		ClassName:    strings.TrimSpace(r.ClassName),
		ErrorMessage: r.ErrorMessage,
		StackTrace:   r.StackTrace,
		Logs:         r.Logs,
		Framework:    strings.ToLower(strings.TrimSpace(r.Framework)),
		RunID:        r.RunID,
	}
	if r.OccurredAt != nil {
		e.OccurredAt = r.OccurredAt.UTC()
	}
	return e
}

// VerdictResponse describes the dedup decision.
type VerdictResponse struct {
	Kind        string  `json:"kind"`
	Fingerprint string  `json:"fingerprint"`
	Reason      string  `json:"reason,omitempty"`
	DuplicateOf string  `json:"duplicate_of,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// IngestResponse is returned for each handled event.
type IngestResponse struct {
	EventID string           `json:"event_id,omitempty"`
	Outcome string           `json:"outcome,omitempty"`
	Verdict *VerdictResponse `json:"verdict,omitempty"`
	Draft   *DraftResponse   `json:"draft,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// BatchResponse aggregates a batch ingest.
type BatchResponse struct {
	Results    []IngestResponse `json:"results"`
	New        int              `json:"new"`
	Duplicates int              `json:"duplicates"`
	Failed     int              `json:"failed"`
}
