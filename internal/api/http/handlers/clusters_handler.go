package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/qa-tools/triage-service/internal/api/dto"
	"github.com/qa-tools/triage-service/internal/cluster"
	"github.com/qa-tools/triage-service/internal/lifecycle"
	"github.com/qa-tools/triage-service/internal/observability"
	"github.com/qa-tools/triage-service/internal/repository"
)

// Regrouper re-runs the deterministic cluster policy.
type Regrouper interface {
	Regroup(ctx context.Context, projectID, actor string) (int, error)
}

// InsightsHandler serves the derived cluster view and stats.
type InsightsHandler struct {
	store     *lifecycle.Store
	regrouper Regrouper
	metrics   *observability.Metrics
}

// NewInsightsHandler constructs handler.
func NewInsightsHandler(store *lifecycle.Store, regrouper Regrouper, metrics *observability.Metrics) *InsightsHandler {
	return &InsightsHandler{store: store, regrouper: regrouper, metrics: metrics}
}

// Clusters GET /clusters?project=.
func (h *InsightsHandler) Clusters(c *fiber.Ctx) error {
	filter := repository.DraftFilter{Limit: 5000}
	if v := strings.TrimSpace(c.Query("project")); v != "" {
		filter.ProjectID = &v
	}
	drafts, err := h.store.Query(c.UserContext(), filter)
	if err != nil {
		return mapError(err)
	}
	clusters := cluster.Clusters(drafts)
	items := make([]dto.ClusterResponse, 0, len(clusters))
	for _, cl := range clusters {
		items = append(items, dto.ClusterResponse{
			ID:               cl.ID,
			ProjectID:        cl.ProjectID,
			Name:             cl.Name,
			RepresentativeID: cl.RepresentativeID,
			MemberCount:      cl.MemberCount,
			ExternalKey:      cl.ExternalKey,
			Frozen:           cl.Frozen(),
		})
	}
	return c.JSON(fiber.Map{"data": items})
}

// Regroup POST /clusters/regroup?project=.
func (h *InsightsHandler) Regroup(c *fiber.Ctx) error {
	changed, err := h.regrouper.Regroup(c.UserContext(), strings.TrimSpace(c.Query("project")), actorFrom(c))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"changed": changed}})
}

// Stats GET /stats?project=.
func (h *InsightsHandler) Stats(c *fiber.Ctx) error {
	var project *string
	if v := strings.TrimSpace(c.Query("project")); v != "" {
		project = &v
	}
	stats, err := h.store.Stats(c.UserContext(), project)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(fiber.Map{"data": dto.StatsResponse{
		Drafts:   stats,
		Pipeline: h.metrics.Snapshot().Pipeline,
	}})
}
