package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"ticket-mint/internal/services"
	"ticket-mint/internal/status"
	"ticket-mint/models"

	"github.com/labstack/echo/v5"
)

type AdminHandler struct {
	engine *services.Engine
	admins func(actor string) bool
}

func NewAdminHandler(engine *services.Engine, admins func(actor string) bool) *AdminHandler {
	return &AdminHandler{engine: engine, admins: admins}
}

// ApproveRequest mints the ticket. While the mint is still running the
// response is 202 and the request can be polled.
func (h *AdminHandler) ApproveRequest(c echo.Context) error {
	requestID := c.PathParam("requestId")

	ticket, err := h.engine.Approve(c.Request().Context(), requestID, actor(c))
	switch {
	case err == nil:
		return c.JSON(http.StatusCreated, ticketView(h.engine, ticket))
	case errors.Is(err, status.ErrMintPending):
		return c.JSON(http.StatusAccepted, map[string]any{
			"request_id": requestID,
			"status":     "minting",
		})
	case ticket.TokenID != 0:
		slog.Error("Ticket issued but not stored", "error", err, "request_id", requestID, "token_id", ticket.TokenID)
		return c.JSON(http.StatusInternalServerError, map[string]any{
			"error":    "ticket issued but not stored",
			"token_id": ticket.TokenID,
		})
	default:
		return handleError(c, err)
	}
}

func (h *AdminHandler) RejectRequest(c echo.Context) error {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "Invalid request")
	}

	req, err := h.engine.Reject(c.Request().Context(), c.PathParam("requestId"), actor(c), body.Reason)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, models.NewRequestView(req))
}

// Reconcile runs one reconciliation pass on demand.
func (h *AdminHandler) Reconcile(c echo.Context) error {
	if !h.admins(actor(c)) {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "Admin access required"})
	}

	report, err := h.engine.ReconcileHolds(c.Request().Context())
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}
