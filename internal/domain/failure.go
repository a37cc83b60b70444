package domain

import "time"

// FailureEvent is a single failing test reported by a test-run adapter.
// It is immutable once created.
type FailureEvent struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	ModuleID     string    `json:"module_id,omitempty"`
	TestName     string    `json:"test_name"`
	ClassName    string    `json:"class_name"`
	ErrorMessage string    `json:"error_message"`
	StackTrace   string    `json:"stack_trace"`
	Logs         string    `json:"logs,omitempty"`
	Framework    string    `json:"framework,omitempty"`
	RunID        string    `json:"run_id,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// TestIdentifier returns Class.test, or just the test name when no class is known.
func (e FailureEvent) TestIdentifier() string {
	if e.ClassName == "" {
		return e.TestName
	}
	return e.ClassName + "." + e.TestName
}

// Fingerprint identifies a defect. The first SignatureLength characters
// digest the exception type and top frame, the rest digest the full
// normalized content.
type Fingerprint string

const (
	FingerprintLength = 64
	SignatureLength   = 16
)

// Signature returns the root-cause portion of the fingerprint.
func (f Fingerprint) Signature() string {
	if len(f) < SignatureLength {
		return string(f)
	}
	return string(f[:SignatureLength])
}

// Short returns an abbreviated form for logs and labels.
func (f Fingerprint) Short() string {
	if len(f) < 8 {
		return string(f)
	}
	return string(f[:8])
}

func (f Fingerprint) String() string { return string(f) }
