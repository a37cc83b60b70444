package domain

import "time"

// DraftChangeType captures what changed in a history entry.
type DraftChangeType string

const (
	ChangeTypeCreated     DraftChangeType = "DRAFT_CREATED"
	ChangeTypeStatus      DraftChangeType = "STATUS_CHANGE"
	ChangeTypeApproval    DraftChangeType = "APPROVAL_CHANGE"
	ChangeTypeCluster     DraftChangeType = "CLUSTER_CHANGE"
	ChangeTypeExternalRef DraftChangeType = "EXTERNAL_REF"
	ChangeTypeSubmit      DraftChangeType = "SUBMIT_ATTEMPT"
)

// DraftHistory is an immutable audit trail entry.
type DraftHistory struct {
	ID         string
	DraftID    string
	Actor      string
	ChangeType DraftChangeType
	OldValue   map[string]any
	NewValue   map[string]any
	CreatedAt  time.Time
}
