package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errorkb/internal/pattern"
)

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.store.Ping(c.Request().Context()); err != nil {
		s.logger.Warn("central store ping failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{
			Status:   "degraded",
			Services: map[string]string{"central": "unavailable"},
		})
	}
	return c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Services: map[string]string{"central": "ok"},
	})
}

func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

func (s *Server) handleFindOrCreatePattern(c echo.Context) error {
	var req pattern.PatternSyncRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.store.FindOrCreatePattern(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleFindOrCreateSolution(c echo.Context) error {
	var req pattern.SolutionSyncRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.store.FindOrCreateSolution(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleFeedback(c echo.Context) error {
	var req pattern.FeedbackSyncRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	id := c.Param("id")
	if req.SolutionID != "" && req.SolutionID != id {
		return echo.NewHTTPError(http.StatusBadRequest, "solution id in body does not match path")
	}
	req.SolutionID = id
	if err := s.store.RecordFeedback(c.Request().Context(), &req); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSyncRecord(c echo.Context) error {
	var rec pattern.SyncRecord
	if err := bind(c, &rec); err != nil {
		return err
	}
	if err := s.store.AppendSyncRecord(c.Request().Context(), &rec); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleSearch(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	limit := s.config.SearchLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 100")
		}
		limit = n
	}

	matches, err := s.store.Search(c.Request().Context(), q, c.QueryParam("language"), limit)
	if err != nil {
		return err
	}
	if matches == nil {
		matches = []pattern.Match{}
	}
	return c.JSON(http.StatusOK, SearchResponse{Query: q, Matches: matches})
}

func (s *Server) handleGetPattern(c echo.Context) error {
	ctx := c.Request().Context()
	p, err := s.store.GetPattern(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	solutions, err := s.store.ListSolutions(ctx, p.ID)
	if err != nil {
		return err
	}
	if solutions == nil {
		solutions = []pattern.Solution{}
	}
	return c.JSON(http.StatusOK, PatternResponse{Pattern: *p, Solutions: solutions})
}

func (s *Server) handleSummary(c echo.Context) error {
	sum, err := s.store.GetSummary(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}
