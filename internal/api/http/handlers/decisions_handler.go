package handlers

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/qa-tools/triage-service/internal/api/dto"
	"github.com/qa-tools/triage-service/internal/approval"
	"github.com/qa-tools/triage-service/internal/auth"
	"github.com/qa-tools/triage-service/internal/domain"
	apperrors "github.com/qa-tools/triage-service/pkg/util/errorutil"
)

// Decider applies reviewer decisions.
type Decider interface {
	Decide(ctx context.Context, id string, decision approval.Decision) (*domain.Draft, error)
}

// DecisionsHandler receives reviewer decisions. Routes are guarded by the
// decision token middleware.
type DecisionsHandler struct {
	decider Decider
}

// NewDecisionsHandler constructs handler.
func NewDecisionsHandler(decider Decider) *DecisionsHandler {
	return &DecisionsHandler{decider: decider}
}

// Decide POST /decisions/:id with {accept, reviewer}.
func (h *DecisionsHandler) Decide(c *fiber.Ctx) error {
	var req dto.DecisionRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.Accept == nil {
		return apperrors.NewValidationError("accept is required", nil)
	}
	return h.decide(c, *req.Accept, req.Reviewer)
}

// DecideLink GET /decisions/:id?token=...&accept=true, used by the links in
// the Slack decision request.
func (h *DecisionsHandler) DecideLink(c *fiber.Ctx) error {
	accept, err := strconv.ParseBool(c.Query("accept"))
	if err != nil {
		return apperrors.NewValidationError("accept must be true or false", nil)
	}
	return h.decide(c, accept, c.Query("reviewer"))
}

func (h *DecisionsHandler) decide(c *fiber.Ctx, accept bool, reviewer string) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("decision token required")
	}
	// a reviewer bound into the token cannot be overridden by the caller
	if principal.Reviewer != "" {
		reviewer = principal.Reviewer
	}
	draft, err := h.decider.Decide(c.UserContext(), principal.DraftID, approval.Decision{Accept: accept, Reviewer: reviewer})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(fiber.Map{"data": dto.NewDraftResponse(draft)})
}
