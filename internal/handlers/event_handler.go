package handlers

import (
	"net/http"
	"slices"
	"ticket-mint/internal/services"
	"ticket-mint/models"

	"github.com/labstack/echo/v5"
)

type EventHandler struct {
	engine *services.Engine
	admins func(actor string) bool
}

func NewEventHandler(engine *services.Engine, admins func(actor string) bool) *EventHandler {
	return &EventHandler{engine: engine, admins: admins}
}

func (h *EventHandler) ListEvents(c echo.Context) error {
	events := h.engine.Catalog().List()
	return c.JSON(http.StatusOK, map[string]any{
		"events": events,
		"total":  len(events),
	})
}

// CreateEvent - admins only
func (h *EventHandler) CreateEvent(c echo.Context) error {
	if !h.admins(actor(c)) {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "Admin access required"})
	}

	var in services.CreateEventInput
	if err := c.Bind(&in); err != nil {
		return badRequest(c, "Invalid request")
	}

	ev, err := h.engine.Catalog().CreateEvent(c.Request().Context(), in)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusCreated, ev)
}

// GetEvent returns the event with the state of every seat.
func (h *EventHandler) GetEvent(c echo.Context) error {
	detail, err := h.engine.Catalog().Detail(c.PathParam("eventId"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, detail)
}

// ListPending - admins only, oldest first
func (h *EventHandler) ListPending(c echo.Context) error {
	if !h.admins(actor(c)) {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "Admin access required"})
	}

	eventID := c.PathParam("eventId")
	if _, err := h.engine.Catalog().Get(eventID); err != nil {
		return handleError(c, err)
	}

	pending := models.NewRequestViews(slices.Collect(h.engine.Requests().ListPending(eventID)))
	return c.JSON(http.StatusOK, map[string]any{
		"event_id": eventID,
		"requests": pending,
		"total":    len(pending),
	})
}
