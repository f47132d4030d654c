package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
)

// deleteInteractiveHandler handles DELETE /api/v1/interactives/:id, the
// content-management hook for removing an interactive. A running session is
// torn down first so no goroutine keeps broadcasting a deleted quiz.
func (s *Server) deleteInteractiveHandler(c *echo.Context) error {
	if !s.authorized(c) {
		return echo.NewHTTPError(http.StatusForbidden, "invalid api secret")
	}

	interactiveID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "interactive id must be an integer")
	}

	s.manager.ForceDelete(c.Request().Context(), interactiveID)

	if err := s.repo.DeleteInteractive(c.Request().Context(), interactiveID); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// authorized checks the shared-secret header. A server without a configured
// secret accepts nothing.
func (s *Server) authorized(c *echo.Context) bool {
	if s.cfg.APISecret == "" {
		return false
	}
	got := c.Request().Header.Get("X-API-Secret")
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APISecret)) == 1
}
