package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/qa-tools/triage-service/internal/domain"
)

const (
	idPrefix    = "cl-"
	idHexLength = 12
	maxNameLen  = 80
)

// Decision is what a Grouper proposes for a draft. An empty ClusterID asks
// for a new cluster.
type Decision struct {
	ClusterID string
	Reason    string
}

// Grouper is an optional semantic grouping provider.
type Grouper interface {
	Group(ctx context.Context, draft domain.Draft, candidates []domain.Cluster) (Decision, error)
}

// Engine assigns drafts to clusters. Without a Grouper it groups by
// fingerprint signature, which is deterministic and idempotent.
type Engine struct {
	grouper Grouper
	timeout time.Duration
	logger  *zap.Logger
}

// NewEngine builds an engine. grouper may be nil.
func NewEngine(grouper Grouper, timeout time.Duration, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{grouper: grouper, timeout: timeout, logger: logger}
}

// Assign picks a cluster id for the draft. Only clusters from the draft's
// project are considered. It never fails: a grouper error degrades to a
// single-member cluster keyed on the full fingerprint.
func (e *Engine) Assign(ctx context.Context, draft domain.Draft, existing []domain.Cluster) string {
	if e.grouper == nil {
		return SignatureClusterID(draft.ProjectID, draft.Fingerprint)
	}

	candidates := make([]domain.Cluster, 0, len(existing))
	known := make(map[string]bool, len(existing))
	for _, c := range existing {
		if c.ProjectID == draft.ProjectID {
			candidates = append(candidates, c)
			known[c.ID] = true
		}
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	decision, err := e.grouper.Group(ctx, draft, candidates)
	if err != nil {
		e.logger.Warn("semantic clustering unavailable, using single-member cluster",
			zap.String("draft_id", draft.ID), zap.Error(err))
		return FingerprintClusterID(draft.ProjectID, draft.Fingerprint)
	}
	if decision.ClusterID != "" {
		if known[decision.ClusterID] {
			return decision.ClusterID
		}
		e.logger.Warn("grouper proposed unknown cluster, ignoring",
			zap.String("draft_id", draft.ID), zap.String("cluster_id", decision.ClusterID))
	}
	return SignatureClusterID(draft.ProjectID, draft.Fingerprint)
}

// Regroup recomputes signature clusters for drafts outside frozen
// clusters. A cluster is frozen once any member has a ticket, so every
// member keeps its binding. It returns draft id to new cluster id for every
// draft whose cluster changes. Re-running it on its own output yields no
// changes.
func (e *Engine) Regroup(drafts []domain.Draft) map[string]string {
	frozen := make(map[string]bool)
	for _, c := range Clusters(drafts) {
		if c.Frozen() {
			frozen[c.ID] = true
		}
	}
	ordered := sortedCopy(drafts)
	changes := make(map[string]string)
	for _, d := range ordered {
		if d.Status == domain.DraftStatusCreated || frozen[d.ClusterIDValue()] {
			continue
		}
		want := SignatureClusterID(d.ProjectID, d.Fingerprint)
		if d.ClusterIDValue() != want {
			changes[d.ID] = want
		}
	}
	return changes
}

// Clusters derives the cluster view from drafts. The representative is the
// earliest created member; the external key comes from the earliest member
// with a ticket and does not change afterwards.
func Clusters(drafts []domain.Draft) []domain.Cluster {
	ordered := sortedCopy(drafts)
	byID := make(map[string]*domain.Cluster)
	var order []string

	for _, d := range ordered {
		id := d.ClusterIDValue()
		if id == "" {
			continue
		}
		c, ok := byID[id]
		if !ok {
			c = &domain.Cluster{
				ID:               id,
				ProjectID:        d.ProjectID,
				Name:             Name(d),
				RepresentativeID: d.ID,
			}
			byID[id] = c
			order = append(order, id)
		}
		c.MemberCount++
		if c.ExternalKey == "" && d.Status == domain.DraftStatusCreated && d.ExternalRef != nil {
			c.ExternalKey = d.ExternalRef.Key
		}
	}

	result := make([]domain.Cluster, 0, len(order))
	for _, id := range order {
		result = append(result, *byID[id])
	}
	return result
}

// SignatureClusterID groups drafts sharing a fingerprint signature.
func SignatureClusterID(projectID string, fp domain.Fingerprint) string {
	return clusterID(projectID, "sig", fp.Signature())
}

// FingerprintClusterID is a single-fingerprint cluster.
func FingerprintClusterID(projectID string, fp domain.Fingerprint) string {
	return clusterID(projectID, "fp", string(fp))
}

func clusterID(projectID, kind, key string) string {
	sum := sha256.Sum256([]byte(projectID + "|" + kind + "|" + key))
	return idPrefix + hex.EncodeToString(sum[:])[:idHexLength]
}

// Name labels a cluster after its representative failure.
func Name(d domain.Draft) string {
	name := strings.TrimSpace(d.ErrorMessage)
	if i := strings.IndexByte(name, '\n'); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	if name == "" {
		name = d.TestIdentifier()
	}
	if runes := []rune(name); len(runes) > maxNameLen {
		name = string(runes[:maxNameLen-3]) + "..."
	}
	return name
}

func sortedCopy(drafts []domain.Draft) []domain.Draft {
	out := make([]domain.Draft, len(drafts))
	copy(out, drafts)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
