package services

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"ticket-mint/internal/status"
	"ticket-mint/models"
)

// TicketBook indexes issued tickets. Tickets are written once by the engine.
type TicketBook struct {
	mu      sync.RWMutex
	byToken map[uint64]models.Ticket
	byOwner map[string][]uint64
}

func newTicketBook() *TicketBook {
	return &TicketBook{
		byToken: make(map[uint64]models.Ticket),
		byOwner: make(map[string][]uint64),
	}
}

func (b *TicketBook) add(t models.Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.byToken[t.TokenID]; ok {
		return
	}
	b.byToken[t.TokenID] = t
	owner := strings.ToLower(t.Owner)
	b.byOwner[owner] = append(b.byOwner[owner], t.TokenID)
}

func (b *TicketBook) Get(tokenID uint64) (models.Ticket, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.byToken[tokenID]
	if !ok {
		return models.Ticket{}, fmt.Errorf("%w: ticket %d", status.ErrNotFound, tokenID)
	}
	return t, nil
}

func (b *TicketBook) ListByOwner(owner string) []models.Ticket {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := slices.Clone(b.byOwner[strings.ToLower(owner)])
	slices.Sort(ids)
	out := make([]models.Ticket, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.byToken[id])
	}
	return out
}

func (b *TicketBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byToken)
}

func equalAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
