package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/carclicker/quizd/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Database string `json:"database"`
	Sessions int    `json:"sessions"`
}

// healthHandler handles GET /health. Safe for unauthenticated access: it
// reports only the database check and the number of running sessions.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:   healthStatusHealthy,
		Version:  version.GitCommit,
		Database: healthStatusHealthy,
		Sessions: s.manager.Count(),
	}
	httpStatus := http.StatusOK

	if s.pinger != nil {
		if err := s.pinger.Ping(reqCtx); err != nil {
			resp.Status = healthStatusUnhealthy
			resp.Database = err.Error()
			httpStatus = http.StatusServiceUnavailable
		}
	}

	return c.JSON(httpStatus, &resp)
}
