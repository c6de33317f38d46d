package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"ticket-mint/internal/status"

	"github.com/labstack/echo/v5"
)

var errorStatus = []struct {
	err  error
	code int
}{
	{status.ErrInvalidFormat, http.StatusBadRequest},
	{status.ErrOutOfRange, http.StatusBadRequest},
	{status.ErrInvalidEvent, http.StatusBadRequest},
	{status.ErrNotFound, http.StatusNotFound},
	{status.ErrEventNotFound, http.StatusNotFound},
	{status.ErrSeatUnavailable, http.StatusConflict},
	{status.ErrInvalidTransition, http.StatusConflict},
	{status.ErrAlreadyDecided, http.StatusConflict},
	{status.ErrIdentityMismatch, http.StatusConflict},
	{status.ErrMintPending, http.StatusAccepted},
	{status.ErrMintFailed, http.StatusBadGateway},
	{status.ErrUnauthorized, http.StatusForbidden},
}

func statusCode(err error) int {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return http.StatusInternalServerError
}

// handleError writes err as a JSON error body with the status its sentinel
// maps to.
func handleError(c echo.Context, err error) error {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err, "path", c.Request().URL.Path)
		return c.JSON(code, map[string]string{"error": "internal error"})
	}
	return c.JSON(code, map[string]string{"error": err.Error()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}
