package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"horse.fit/similarity/internal/db"
	"horse.fit/similarity/internal/fingerprint"
	"horse.fit/similarity/internal/jobs"
	"horse.fit/similarity/internal/media"
	"horse.fit/similarity/internal/similarity"
	"horse.fit/similarity/internal/work"
)

const maxGenerateIDs = 10000

type generateRequest struct {
	ItemIDs []int64 `json:"item_ids"`
	Force   bool    `json:"force"`
}

func (s *Server) handleCheck(c echo.Context) error {
	raw, err := s.readBody(c)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return fail(c, http.StatusRequestEntityTooLarge, "Request body is too large", nil)
		}
		return failValidation(c, map[string]string{"body": err.Error()})
	}
	if err := validateCheckRequest(raw); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}

	var req similarity.CheckRequest
	if err := decodeJSON(raw, &req); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}

	results, err := s.engine.Check(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, similarity.ErrInvalidInput) {
			return failValidation(c, map[string]string{"body": err.Error()})
		}
		if errors.Is(err, context.Canceled) {
			return fail(c, http.StatusRequestTimeout, "Request cancelled", nil)
		}
		s.logger.Error().Err(err).Int("inputs", len(req.Inputs)).Msg("similarity check failed")
		return internalError(c, "Failed to check similarity")
	}

	return success(c, map[string]any{
		"results": results,
	})
}

func (s *Server) handleGenerate(c echo.Context) error {
	var req generateRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}
	if len(req.ItemIDs) == 0 {
		return failValidation(c, map[string]string{"item_ids": "is required"})
	}
	if len(req.ItemIDs) > maxGenerateIDs {
		return failValidation(c, map[string]string{"item_ids": "must contain at most " + strconv.Itoa(maxGenerateIDs) + " ids"})
	}
	for _, id := range req.ItemIDs {
		if id <= 0 {
			return failValidation(c, map[string]string{"item_ids": "must contain positive ids"})
		}
	}

	jobID, err := similarity.EnqueueGenerate(c.Request().Context(), s.jobs, req.ItemIDs, req.Force)
	if err != nil {
		switch {
		case errors.Is(err, similarity.ErrInvalidInput), errors.Is(err, jobs.ErrInvalidArgs):
			return failValidation(c, map[string]string{"item_ids": err.Error()})
		case errors.Is(err, work.ErrQueueFull), errors.Is(err, work.ErrPoolStopped):
			return unavailable(c, "Job queue is busy")
		}
		s.logger.Error().Err(err).Int("items", len(req.ItemIDs)).Msg("enqueue generation failed")
		return internalError(c, "Failed to schedule generation")
	}

	return successWithStatus(c, http.StatusAccepted, map[string]any{
		"job_id": jobID,
		"items":  len(req.ItemIDs),
	})
}

func (s *Server) handleJobStatus(c echo.Context) error {
	jobID := strings.TrimSpace(c.Param("job_id"))
	if jobID == "" {
		return failValidation(c, map[string]string{"job_id": "is required"})
	}
	status, err := s.jobs.Status(jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			return failNotFound(c, "Job not found")
		}
		return internalError(c, "Failed to load job")
	}
	return success(c, status)
}

func (s *Server) handleRegenerate(c echo.Context) error {
	itemID, err := parseIDParam(c.Param("item_id"))
	if err != nil {
		return failValidation(c, map[string]string{"item_id": err.Error()})
	}

	res, err := s.engine.Regenerate(c.Request().Context(), itemID)
	if err != nil {
		switch {
		case errors.Is(err, similarity.ErrItemNotFound):
			return failNotFound(c, "Item not found")
		case errors.Is(err, similarity.ErrInvalidInput):
			return failValidation(c, map[string]string{"item_id": err.Error()})
		case isMediaInputError(err):
			return failUnprocessable(c, err.Error())
		}
		s.logger.Error().Err(err).Int64("item_id", itemID).Str("stage", string(res.Stage)).Msg("regenerate failed")
		return internalError(c, "Failed to regenerate item")
	}
	return success(c, res)
}

func (s *Server) handleItemPool(c echo.Context) error {
	itemID, err := parseIDParam(c.Param("item_id"))
	if err != nil {
		return failValidation(c, map[string]string{"item_id": err.Error()})
	}

	pool, links, err := s.graph.Links(c.Request().Context(), itemID)
	if err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Pool not found")
		}
		s.logger.Error().Err(err).Int64("item_id", itemID).Msg("load pool failed")
		return internalError(c, "Failed to load pool")
	}
	return success(c, map[string]any{
		"pool":  pool,
		"links": links,
	})
}

func (s *Server) handleDeleteLink(c echo.Context) error {
	linkID, err := parseIDParam(c.Param("link_id"))
	if err != nil {
		return failValidation(c, map[string]string{"link_id": err.Error()})
	}

	res, err := s.graph.DeletePair(c.Request().Context(), linkID)
	if err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Link not found")
		}
		s.logger.Error().Err(err).Int64("link_id", linkID).Msg("delete link failed")
		return internalError(c, "Failed to delete link")
	}
	return success(c, res)
}

func isMediaInputError(err error) bool {
	return errors.Is(err, similarity.ErrNoRenditions) ||
		errors.Is(err, media.ErrNotFound) ||
		errors.Is(err, media.ErrNotImage) ||
		errors.Is(err, media.ErrTooLarge) ||
		errors.Is(err, media.ErrFetchStatus) ||
		errors.Is(err, media.ErrUnsupportedURL) ||
		errors.Is(err, media.ErrDecode) ||
		errors.Is(err, fingerprint.ErrMalformed)
}

func parseIDParam(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("must be a positive integer")
	}
	return id, nil
}
