package handlers

import (
	"errors"

	"github.com/qa-tools/triage-service/internal/approval"
	"github.com/qa-tools/triage-service/internal/lifecycle"
	"github.com/qa-tools/triage-service/internal/orchestrator"
	apperrors "github.com/qa-tools/triage-service/pkg/util/errorutil"
)

// mapError turns pipeline errors into DomainErrors for the error middleware.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lifecycle.ErrNotFound):
		return apperrors.NewNotFound("draft", nil)
	case errors.Is(err, orchestrator.ErrInvalidEvent):
		return apperrors.NewValidationError(err.Error(), nil)
	case errors.Is(err, orchestrator.ErrTrackerNotConfigured):
		return apperrors.NewPreconditionFailed("issue tracker is not configured; event recorded as unactionable", nil)
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrNotPending),
		errors.Is(err, lifecycle.ErrClusterFrozen),
		errors.Is(err, lifecycle.ErrRefAlreadyAttached),
		errors.Is(err, approval.ErrNoPendingDecision):
		return apperrors.NewConflict(err.Error(), nil)
	case errors.Is(err, orchestrator.ErrCreateFailed):
		return apperrors.NewBadGateway("issue tracker rejected the ticket", err)
	}
	return apperrors.MapError(err)
}
