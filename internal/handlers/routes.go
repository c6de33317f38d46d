package handlers

import (
	"context"
	"net/http"
	"ticket-mint/internal/services"
	"ticket-mint/security"
	"time"

	"github.com/labstack/echo/v5"
)

// Register mounts the API under /api/v1 plus the health check.
func Register(e *echo.Echo, engine *services.Engine, admins func(actor string) bool, limiter *security.RateLimiter) {
	events := NewEventHandler(engine, admins)
	requests := NewRequestHandler(engine)
	tickets := NewTicketHandler(engine)
	admin := NewAdminHandler(engine, admins)

	api := e.Group("/api/v1")

	// Events
	api.GET("/events", events.ListEvents)
	api.POST("/events", events.CreateEvent)
	api.GET("/events/:eventId", events.GetEvent)
	api.GET("/events/:eventId/requests/pending", events.ListPending)

	// Requests
	submit := []echo.MiddlewareFunc{security.BlockAutomatedAgents()}
	if limiter != nil {
		submit = append(submit, limiter.SubmitRateLimit())
	}
	api.POST("/events/:eventId/requests", requests.SubmitRequest, submit...)
	api.GET("/requests/:requestId", requests.GetRequest)
	api.POST("/requests/:requestId/approve", admin.ApproveRequest)
	api.POST("/requests/:requestId/reject", admin.RejectRequest)
	api.GET("/requesters/:address/requests", requests.ListRequesterRequests)

	// Tickets
	api.GET("/requesters/:address/tickets", tickets.ListRequesterTickets)
	api.GET("/tickets/:tokenId", tickets.GetTicket)
	api.GET("/tickets/:tokenId/pass", tickets.GetPass)
	api.POST("/verify", tickets.Verify)
	api.POST("/verify/pass", tickets.VerifyPass)
	api.POST("/images/hash", tickets.HashImage)

	// Admin
	api.POST("/admin/reconcile", admin.Reconcile)

	e.GET("/health", Health(engine))
}

// Health pings storage.
func Health(engine *services.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		if err := engine.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	}
}
