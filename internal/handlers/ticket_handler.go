package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"ticket-mint/internal/services"
	"ticket-mint/internal/status"
	"ticket-mint/models"

	"github.com/labstack/echo/v5"
)

const maxImageBytes = 10 << 20

type TicketHandler struct {
	engine *services.Engine
}

func NewTicketHandler(engine *services.Engine) *TicketHandler {
	return &TicketHandler{engine: engine}
}

func tokenParam(c echo.Context) (uint64, error) {
	raw := c.PathParam("tokenId")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: token id %q", status.ErrInvalidFormat, raw)
	}
	return id, nil
}

// ticketView is the only form in which a ticket leaves the service.
func ticketView(engine *services.Engine, t models.Ticket) models.TicketView {
	v := models.NewTicketView(t)
	if at, ok := engine.Verifier().VerifiedAt(t.TokenID); ok {
		v.Verified = true
		v.VerifiedAt = &at
	}
	return v
}

func (h *TicketHandler) GetTicket(c echo.Context) error {
	tokenID, err := tokenParam(c)
	if err != nil {
		return handleError(c, err)
	}
	t, err := h.engine.Tickets().Get(tokenID)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, ticketView(h.engine, t))
}

// GetPass returns the string rendered into the ticket's QR code.
func (h *TicketHandler) GetPass(c echo.Context) error {
	tokenID, err := tokenParam(c)
	if err != nil {
		return handleError(c, err)
	}
	t, err := h.engine.Tickets().Get(tokenID)
	if err != nil {
		return handleError(c, err)
	}
	pass, err := services.EncodePass(t)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"token_id": tokenID,
		"pass":     pass,
	})
}

// ListRequesterTickets - "my tickets"
func (h *TicketHandler) ListRequesterTickets(c echo.Context) error {
	address, err := services.ValidateAddress(c.PathParam("address"))
	if err != nil {
		return handleError(c, err)
	}

	tickets := h.engine.Tickets().ListByOwner(address)
	views := make([]models.TicketView, 0, len(tickets))
	for _, t := range tickets {
		views = append(views, ticketView(h.engine, t))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"address": address,
		"tickets": views,
		"total":   len(views),
	})
}

// Verify checks a ticket at the door. A negative result is still a 200; the
// body says why it is not valid.
func (h *TicketHandler) Verify(c echo.Context) error {
	var body struct {
		TokenID    uint64 `json:"token_id"`
		IdentityID string `json:"identity_id"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "Invalid request")
	}
	if body.TokenID == 0 {
		return badRequest(c, "token_id is required")
	}

	res, err := h.engine.Verify(c.Request().Context(), body.TokenID, body.IdentityID)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *TicketHandler) VerifyPass(c echo.Context) error {
	var body struct {
		Pass       string `json:"pass"`
		IdentityID string `json:"identity_id"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "Invalid request")
	}

	res, err := h.engine.VerifyPass(c.Request().Context(), body.Pass, body.IdentityID)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// HashImage turns an uploaded picture into an image reference for SubmitRequest.
func (h *TicketHandler) HashImage(c echo.Context) error {
	body := io.LimitReader(c.Request().Body, maxImageBytes+1)
	counted := &countingReader{r: body}

	ref, err := services.HashImage(counted)
	if err != nil {
		return handleError(c, err)
	}
	if counted.n > maxImageBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "image too large"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"image_hash": ref,
		"size":       counted.n,
	})
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
