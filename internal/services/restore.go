package services

import (
	"context"
	"fmt"
	"slices"
	"ticket-mint/models"
)

// Restore loads durable state into an empty engine. It must run before the
// engine serves traffic.
func (e *Engine) Restore(ctx context.Context) error {
	if e.repo == nil {
		return nil
	}

	snap, err := e.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	for _, meta := range snap.Events {
		e.catalog.add(newEvent(meta))
	}

	for _, seat := range snap.Seats {
		ev, err := e.catalog.Get(seat.EventID)
		if err != nil {
			e.log.Warn("Skipping seat for unknown event", "event_id", seat.EventID, "seat", seat.Index)
			continue
		}
		if err := ev.seats.restore(seat); err != nil {
			e.log.Warn("Skipping seat outside event", "error", err, "event_id", seat.EventID)
		}
	}

	requests := slices.Clone(snap.Requests)
	slices.SortFunc(requests, func(a, b models.TicketRequest) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		default:
			return a.CreatedAt.Compare(b.CreatedAt)
		}
	})

	var maxSeq, maxToken uint64
	for _, req := range requests {
		e.requests.insert(req)
		maxSeq = max(maxSeq, req.Seq)
		maxToken = max(maxToken, req.TokenID)
	}

	for _, t := range snap.Tickets {
		e.tickets.add(t)
		maxToken = max(maxToken, t.TokenID)
	}

	for _, v := range snap.Verified {
		e.verifier.restore(v)
	}

	e.requests.seq.Store(maxSeq)
	e.tokenSeq.Store(maxToken)

	for _, ev := range e.catalog.all() {
		e.trackOccupancy(ev)
	}

	e.log.Info("State restored",
		"events", len(snap.Events),
		"requests", len(snap.Requests),
		"tickets", len(snap.Tickets),
		"verified", len(snap.Verified),
		"next_token", maxToken+1,
	)
	return nil
}
