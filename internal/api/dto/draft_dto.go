package dto

import (
	"time"

	"github.com/qa-tools/triage-service/internal/domain"
	"github.com/qa-tools/triage-service/internal/repository"
)

// DraftResponse is the public view of a draft.
type DraftResponse struct {
	ID             string                   `json:"id"`
	ProjectID      string                   `json:"project_id"`
	ModuleID       string                   `json:"module_id,omitempty"`
	TestName       string                   `json:"test_name"`
	ClassName      string                   `json:"class_name,omitempty"`
	ErrorMessage   string                   `json:"error_message"`
	Summary        string                   `json:"summary"`
	Fingerprint    string                   `json:"fingerprint"`
	ClusterID      *string                  `json:"cluster_id"`
	Severity       domain.Severity          `json:"severity"`
	RootCause      string                   `json:"root_cause"`
	Status         domain.DraftStatus       `json:"status"`
	Approval       domain.ApprovalState     `json:"approval"`
	ExternalRef    *domain.ExternalIssueRef `json:"external_ref"`
	SubmitAttempts int                      `json:"submit_attempts"`
	LastError      string                   `json:"last_error,omitempty"`
	OccurredAt     time.Time                `json:"occurred_at"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

// DraftDetailResponse adds the long text fields.
type DraftDetailResponse struct {
	DraftResponse
	StackTrace  string `json:"stack_trace"`
	Description string `json:"description"`
}

// NewDraftResponse maps a draft.
func NewDraftResponse(d *domain.Draft) *DraftResponse {
	if d == nil {
		return nil
	}
	return &DraftResponse{
		ID:             d.ID,
		ProjectID:      d.ProjectID,
		ModuleID:       d.ModuleID,
		TestName:       d.TestName,
		ClassName:      d.ClassName,
		ErrorMessage:   d.ErrorMessage,
		Summary:        d.Summary,
		Fingerprint:    string(d.Fingerprint),
		ClusterID:      d.ClusterID,
		Severity:       d.Severity,
		RootCause:      d.RootCause,
		Status:         d.Status,
		Approval:       d.Approval,
		ExternalRef:    d.ExternalRef,
		SubmitAttempts: d.SubmitAttempts,
		LastError:      d.LastError,
		OccurredAt:     d.OccurredAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

// NewDraftDetailResponse maps a draft with its long fields.
func NewDraftDetailResponse(d *domain.Draft) DraftDetailResponse {
	return DraftDetailResponse{
		DraftResponse: *NewDraftResponse(d),
		StackTrace:    d.StackTrace,
		Description:   d.Description,
	}
}

// HistoryResponse is one audit row.
type HistoryResponse struct {
	ID         string                 `json:"id"`
	ChangeType domain.DraftChangeType `json:"change_type"`
	OldValue   map[string]any         `json:"old_value,omitempty"`
	NewValue   map[string]any         `json:"new_value,omitempty"`
	Actor      string                 `json:"actor"`
	CreatedAt  time.Time              `json:"created_at"`
}

// DecisionRequest is a reviewer's answer.
type DecisionRequest struct {
	Accept   *bool  `json:"accept"`
	Reviewer string `json:"reviewer"`
}

// ActorRequest names who triggered a manual action.
type ActorRequest struct {
	Actor string `json:"actor"`
}

// ClusterResponse is the derived cluster view.
type ClusterResponse struct {
	ID               string `json:"id"`
	ProjectID        string `json:"project_id"`
	Name             string `json:"name"`
	RepresentativeID string `json:"representative_id"`
	MemberCount      int    `json:"member_count"`
	ExternalKey      string `json:"external_key,omitempty"`
	Frozen           bool   `json:"frozen"`
}

// StatsResponse combines draft counts and pipeline counters.
type StatsResponse struct {
	Drafts   *repository.DraftStats `json:"drafts"`
	Pipeline map[string]int64       `json:"pipeline"`
}
