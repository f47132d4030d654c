package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/carclicker/quizd/pkg/session"
	"github.com/carclicker/quizd/pkg/storage"
)

// mapError maps storage and session errors to HTTP error responses.
func mapError(err error) *echo.HTTPError {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, session.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, session.ErrLeaderTaken) {
		return echo.NewHTTPError(http.StatusConflict, "interactive already has a leader")
	}
	if errors.Is(err, session.ErrNotRegistered) {
		return echo.NewHTTPError(http.StatusForbidden, "interactive is already running")
	}

	// Unexpected error
	slog.Error("Unexpected error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
