package domain

import "time"

// DraftStatus enumerates lifecycle states for ticket drafts.
type DraftStatus string

const (
	DraftStatusPending DraftStatus = "pending"
	DraftStatusCreated DraftStatus = "created"
	DraftStatusIgnored DraftStatus = "ignored"
)

// ApprovalState records where a draft stands with the approval gate.
type ApprovalState string

const (
	ApprovalNone     ApprovalState = "none"
	ApprovalAwaiting ApprovalState = "awaiting"
	ApprovalApproved ApprovalState = "approved"
	ApprovalDeclined ApprovalState = "declined"
)

// ExternalIssueRef is what the issue tracker returns on creation.
type ExternalIssueRef struct {
	ID  string `json:"id"`
	Key string `json:"key"`
	URL string `json:"url"`
}

// Draft is a candidate ticket derived from a new failure.
type Draft struct {
	ID             string
	ProjectID      string
	ModuleID       string
	TestName       string
	ClassName      string
	ErrorMessage   string
	StackTrace     string
	Framework      string
	Summary        string
	Description    string
	Fingerprint    Fingerprint
	ClusterID      *string
	Severity       Severity
	RootCause      string
	Status         DraftStatus
	Approval       ApprovalState
	ExternalRef    *ExternalIssueRef
	SubmitAttempts int
	LastError      string
	OccurredAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TestIdentifier mirrors FailureEvent.TestIdentifier.
func (d Draft) TestIdentifier() string {
	if d.ClassName == "" {
		return d.TestName
	}
	return d.ClassName + "." + d.TestName
}

// Clone returns a deep copy so callers never share pointers with the store.
func (d Draft) Clone() Draft {
	out := d
	if d.ClusterID != nil {
		id := *d.ClusterID
		out.ClusterID = &id
	}
	if d.ExternalRef != nil {
		ref := *d.ExternalRef
		out.ExternalRef = &ref
	}
	return out
}

// ClusterIDValue returns the cluster id or an empty string.
func (d Draft) ClusterIDValue() string {
	if d.ClusterID == nil {
		return ""
	}
	return *d.ClusterID
}
