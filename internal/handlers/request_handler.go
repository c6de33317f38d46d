package handlers

import (
	"net/http"
	"strings"
	"ticket-mint/internal/services"
	"ticket-mint/models"
	"ticket-mint/security"

	"github.com/labstack/echo/v5"
)

type RequestHandler struct {
	engine *services.Engine
}

func NewRequestHandler(engine *services.Engine) *RequestHandler {
	return &RequestHandler{engine: engine}
}

func actor(c echo.Context) string {
	return strings.TrimSpace(c.Request().Header.Get(security.WalletHeader))
}

// SubmitRequest - request a ticket for an event. The requester defaults to
// the calling wallet.
func (h *RequestHandler) SubmitRequest(c echo.Context) error {
	var body struct {
		SeatIndex        *int   `json:"seat_index"`
		RequesterAddress string `json:"requester_address"`
		IdentityID       string `json:"identity_id"`
		ImageHash        string `json:"image_hash"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "Invalid request")
	}
	if body.RequesterAddress == "" {
		body.RequesterAddress = actor(c)
	}

	req, err := h.engine.Submit(c.Request().Context(), services.SubmitInput{
		EventID:          c.PathParam("eventId"),
		SeatIndex:        body.SeatIndex,
		RequesterAddress: body.RequesterAddress,
		IdentityID:       body.IdentityID,
		ImageHash:        body.ImageHash,
	})
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusCreated, models.NewRequestView(req))
}

func (h *RequestHandler) GetRequest(c echo.Context) error {
	req, err := h.engine.Requests().Get(c.PathParam("requestId"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, models.NewRequestView(req))
}

// ListRequesterRequests - "my requests"
func (h *RequestHandler) ListRequesterRequests(c echo.Context) error {
	address, err := services.ValidateAddress(c.PathParam("address"))
	if err != nil {
		return handleError(c, err)
	}

	requests := models.NewRequestViews(h.engine.Requests().ListByRequester(address))
	return c.JSON(http.StatusOK, map[string]any{
		"address":  address,
		"requests": requests,
		"total":    len(requests),
	})
}
