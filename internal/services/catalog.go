package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"ticket-mint/internal/status"
	"ticket-mint/models"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Catalog owns the events and their seat maps. Its lock guards only the
// event index; seat state is never read or written under it.
type Catalog struct {
	mu     sync.RWMutex
	events map[string]*Event
	order  []string

	persist persister
	log     *slog.Logger
	now     func() time.Time
}

func newCatalog(p persister, log *slog.Logger, now func() time.Time) *Catalog {
	return &Catalog{
		events:  make(map[string]*Event),
		persist: p,
		log:     log,
		now:     now,
	}
}

type CreateEventInput struct {
	Name        string    `json:"name"`
	Venue       string    `json:"venue"`
	StartsAt    time.Time `json:"starts_at"`
	PriceWei    string    `json:"price_wei"`
	SeatRows    int       `json:"seat_rows"`
	SeatColumns int       `json:"seat_columns"`
}

func (in CreateEventInput) validate() (decimal.Decimal, error) {
	if strings.TrimSpace(in.Name) == "" {
		return decimal.Zero, fmt.Errorf("%w: name is required", status.ErrInvalidEvent)
	}
	if in.SeatRows < 1 || in.SeatColumns < 1 {
		return decimal.Zero, fmt.Errorf("%w: seat rows and columns must be at least 1", status.ErrInvalidEvent)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(in.PriceWei))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: price_wei is not a number", status.ErrInvalidEvent)
	}
	if price.IsNegative() || !price.IsInteger() {
		return decimal.Zero, fmt.Errorf("%w: price_wei must be a non-negative integer", status.ErrInvalidEvent)
	}
	return price, nil
}

func (c *Catalog) CreateEvent(ctx context.Context, in CreateEventInput) (models.Event, error) {
	price, err := in.validate()
	if err != nil {
		return models.Event{}, err
	}

	meta := models.Event{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(in.Name),
		Venue:       strings.TrimSpace(in.Venue),
		StartsAt:    in.StartsAt.UTC(),
		PriceWei:    price,
		SeatRows:    in.SeatRows,
		SeatColumns: in.SeatColumns,
		CreatedAt:   c.now().UTC(),
	}

	if err := c.persist.commit(ctx, models.Change{Events: []models.Event{meta}}); err != nil {
		return models.Event{}, fmt.Errorf("persist event: %w", err)
	}

	c.add(newEvent(meta))
	c.log.Info("Event created", "event_id", meta.ID, "seats", meta.TotalSeats())
	return meta, nil
}

func (c *Catalog) add(ev *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.events[ev.meta.ID]; !ok {
		c.order = append(c.order, ev.meta.ID)
	}
	c.events[ev.meta.ID] = ev
}

func (c *Catalog) Get(eventID string) (*Event, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ev, ok := c.events[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", status.ErrEventNotFound, eventID)
	}
	return ev, nil
}

// List returns events newest first.
func (c *Catalog) List() []models.Event {
	c.mu.RLock()
	out := make([]models.Event, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.events[id].meta)
	}
	c.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b models.Event) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out
}

func (c *Catalog) Detail(eventID string) (models.EventDetail, error) {
	ev, err := c.Get(eventID)
	if err != nil {
		return models.EventDetail{}, err
	}
	return ev.Detail(), nil
}

func (c *Catalog) all() []*Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Event, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.events[id])
	}
	return out
}
