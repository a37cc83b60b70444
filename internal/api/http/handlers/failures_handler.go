package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/qa-tools/triage-service/internal/api/dto"
	"github.com/qa-tools/triage-service/internal/domain"
	"github.com/qa-tools/triage-service/internal/orchestrator"
	apperrors "github.com/qa-tools/triage-service/pkg/util/errorutil"
)

const maxBatch = 1000

// Pipeline is the orchestrator surface used by the HTTP layer.
type Pipeline interface {
	Handle(ctx context.Context, event domain.FailureEvent) (orchestrator.Result, error)
	HandleBatch(ctx context.Context, batch []domain.FailureEvent) ([]orchestrator.Result, error)
}

// FailuresHandler ingests failure events.
type FailuresHandler struct {
	pipeline Pipeline
}

// NewFailuresHandler constructs handler.
func NewFailuresHandler(pipeline Pipeline) *FailuresHandler {
	return &FailuresHandler{pipeline: pipeline}
}

// Ingest POST /failures.
func (h *FailuresHandler) Ingest(c *fiber.Ctx) error {
	var req dto.FailureEventRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	res, err := h.pipeline.Handle(c.UserContext(), req.ToDomain())
	if err != nil && res.Draft == nil {
		return mapError(err)
	}
	return c.Status(ingestStatus(res, err)).JSON(fiber.Map{"data": ingestResponse(res, err)})
}

// IngestBatch POST /failures/batch.
func (h *FailuresHandler) IngestBatch(c *fiber.Ctx) error {
	var req []dto.FailureEventRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if len(req) == 0 || len(req) > maxBatch {
		return apperrors.NewValidationError("batch must hold between 1 and 1000 events", nil)
	}
	batch := make([]domain.FailureEvent, len(req))
	for i := range req {
		batch[i] = req[i].ToDomain()
	}

	results, err := h.pipeline.HandleBatch(c.UserContext(), batch)
	if err != nil {
		return mapError(err)
	}

	out := dto.BatchResponse{Results: make([]dto.IngestResponse, 0, len(results))}
	notConfigured := 0
	for _, r := range results {
		out.Results = append(out.Results, ingestResponse(r, r.Err))
		switch {
		case r.Outcome == orchestrator.OutcomeDuplicate:
			out.Duplicates++
		case r.Draft != nil:
			out.New++
		}
		if r.Err != nil {
			out.Failed++
		}
		if errors.Is(r.Err, orchestrator.ErrTrackerNotConfigured) {
			notConfigured++
		}
	}
	if notConfigured == len(results) {
		return mapError(orchestrator.ErrTrackerNotConfigured)
	}
	return c.JSON(fiber.Map{"data": out})
}

// ingestStatus: 201 when a ticket was filed, 202 when a draft is waiting on
// a reviewer or a retry, 200 for a suppressed duplicate.
func ingestStatus(res orchestrator.Result, err error) int {
	switch {
	case res.Outcome == orchestrator.OutcomeCreated:
		return http.StatusCreated
	case res.Outcome == orchestrator.OutcomeDuplicate:
		return http.StatusOK
	case err != nil || res.Draft != nil:
		return http.StatusAccepted
	}
	return http.StatusOK
}

func ingestResponse(res orchestrator.Result, err error) dto.IngestResponse {
	out := dto.IngestResponse{
		EventID: res.EventID,
		Outcome: string(res.Outcome),
		Draft:   dto.NewDraftResponse(res.Draft),
	}
	if res.Verdict.Kind != "" {
		out.Verdict = &dto.VerdictResponse{
			Kind:        string(res.Verdict.Kind),
			Fingerprint: string(res.Verdict.Fingerprint),
			Reason:      res.Verdict.Reason,
			DuplicateOf: res.DuplicateOf,
			Confidence:  res.Verdict.Confidence,
		}
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}
