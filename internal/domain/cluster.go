package domain

// Cluster groups drafts believed to share a root cause. It is derived from
// the drafts that carry its id.
type Cluster struct {
	ID               string `json:"id"`
	ProjectID        string `json:"project_id"`
	Name             string `json:"name"`
	RepresentativeID string `json:"representative_id"`
	MemberCount      int    `json:"member_count"`
	ExternalKey      string `json:"external_key,omitempty"`
}

// Frozen reports whether a ticket already exists for the cluster.
func (c Cluster) Frozen() bool { return c.ExternalKey != "" }
