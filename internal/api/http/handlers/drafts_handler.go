package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/qa-tools/triage-service/internal/api/dto"
	"github.com/qa-tools/triage-service/internal/domain"
	"github.com/qa-tools/triage-service/internal/lifecycle"
	"github.com/qa-tools/triage-service/internal/repository"
	apperrors "github.com/qa-tools/triage-service/pkg/util/errorutil"
)

// DraftActions are the manual lifecycle operations.
type DraftActions interface {
	Reopen(ctx context.Context, id, actor string) (*domain.Draft, error)
	Resubmit(ctx context.Context, id, actor string) (*domain.Draft, error)
}

// DraftsHandler exposes drafts and their history.
type DraftsHandler struct {
	store   *lifecycle.Store
	actions DraftActions
}

// NewDraftsHandler constructs handler.
func NewDraftsHandler(store *lifecycle.Store, actions DraftActions) *DraftsHandler {
	return &DraftsHandler{store: store, actions: actions}
}

// List GET /drafts.
func (h *DraftsHandler) List(c *fiber.Ctx) error {
	filter, err := parseDraftQuery(c)
	if err != nil {
		return err
	}
	drafts, err := h.store.Query(c.UserContext(), filter)
	if err != nil {
		return mapError(err)
	}
	items := make([]*dto.DraftResponse, 0, len(drafts))
	for i := range drafts {
		items = append(items, dto.NewDraftResponse(&drafts[i]))
	}
	return c.JSON(fiber.Map{"data": items})
}

// Export GET /drafts/export streams the filtered drafts as CSV.
func (h *DraftsHandler) Export(c *fiber.Ctx) error {
	filter, err := parseDraftQuery(c)
	if err != nil {
		return err
	}
	filter.Limit = c.QueryInt("limit", exportLimit)
	drafts, err := h.store.Query(c.UserContext(), filter)
	if err != nil {
		return mapError(err)
	}
	c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="drafts.csv"`)
	return dto.WriteDraftsCSV(c, drafts)
}

// Get GET /drafts/:id.
func (h *DraftsHandler) Get(c *fiber.Ctx) error {
	draft, err := h.store.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(fiber.Map{"data": dto.NewDraftDetailResponse(draft)})
}

// History GET /drafts/:id/history.
func (h *DraftsHandler) History(c *fiber.Ctx) error {
	rows, err := h.store.History(c.UserContext(), c.Params("id"))
	if err != nil {
		return mapError(err)
	}
	items := make([]dto.HistoryResponse, 0, len(rows))
	for _, r := range rows {
		items = append(items, dto.HistoryResponse{
			ID:         r.ID,
			ChangeType: r.ChangeType,
			OldValue:   r.OldValue,
			NewValue:   r.NewValue,
			Actor:      r.Actor,
			CreatedAt:  r.CreatedAt,
		})
	}
	return c.JSON(fiber.Map{"data": items})
}

// Reopen POST /drafts/:id/reopen.
func (h *DraftsHandler) Reopen(c *fiber.Ctx) error {
	draft, err := h.actions.Reopen(c.UserContext(), c.Params("id"), actorFrom(c))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(fiber.Map{"data": dto.NewDraftResponse(draft)})
}

// Submit POST /drafts/:id/submit.
func (h *DraftsHandler) Submit(c *fiber.Ctx) error {
	draft, err := h.actions.Resubmit(c.UserContext(), c.Params("id"), actorFrom(c))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(fiber.Map{"data": dto.NewDraftResponse(draft)})
}

const exportLimit = 10000

func actorFrom(c *fiber.Ctx) string {
	var req dto.ActorRequest
	_ = c.BodyParser(&req)
	if actor := strings.TrimSpace(req.Actor); actor != "" {
		return actor
	}
	if actor := strings.TrimSpace(c.Get("X-Actor")); actor != "" {
		return actor
	}
	return "operator"
}

func parseDraftQuery(c *fiber.Ctx) (repository.DraftFilter, error) {
	filter := repository.DraftFilter{
		Limit:  c.QueryInt("limit", 50),
		Offset: c.QueryInt("offset", 0),
	}
	if filter.Limit > 500 {
		filter.Limit = 500
	}
	if v := strings.TrimSpace(c.Query("project")); v != "" {
		filter.ProjectID = &v
	}
	if v := strings.TrimSpace(c.Query("cluster")); v != "" {
		filter.ClusterID = &v
	}
	if v := strings.TrimSpace(c.Query("fingerprint")); v != "" {
		filter.Fingerprint = &v
	}
	for _, s := range splitQuery(c.Query("status")) {
		switch st := domain.DraftStatus(strings.ToLower(s)); st {
		case domain.DraftStatusPending, domain.DraftStatusCreated, domain.DraftStatusIgnored:
			filter.Statuses = append(filter.Statuses, st)
		default:
			return filter, apperrors.NewValidationError("invalid status", map[string]any{"status": s})
		}
	}
	for _, s := range splitQuery(c.Query("severity")) {
		sev, ok := domain.ParseSeverity(s)
		if !ok {
			return filter, apperrors.NewValidationError("invalid severity", map[string]any{"severity": s})
		}
		filter.Severities = append(filter.Severities, sev)
	}
	for _, s := range splitQuery(c.Query("approval")) {
		filter.Approvals = append(filter.Approvals, domain.ApprovalState(strings.ToLower(s)))
	}
	if v := c.Query("created_from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, apperrors.NewValidationError("created_from must be RFC3339", nil)
		}
		filter.CreatedFrom = &t
	}
	if v := c.Query("created_to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, apperrors.NewValidationError("created_to must be RFC3339", nil)
		}
		filter.CreatedTo = &t
	}
	return filter, nil
}

func splitQuery(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
