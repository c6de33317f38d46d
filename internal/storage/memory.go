package storage

import (
	"context"
	"fmt"
	"sync"
	"ticket-mint/models"
)

// Memory keeps state in process. It is used for development and tests.
type Memory struct {
	mu       sync.Mutex
	events   map[string]models.Event
	seats    map[string]models.Seat
	requests map[string]models.TicketRequest
	tickets  map[uint64]models.Ticket
	verified map[uint64]models.Verification
	commits  int
}

func NewMemory() *Memory {
	return &Memory{
		events:   make(map[string]models.Event),
		seats:    make(map[string]models.Seat),
		requests: make(map[string]models.TicketRequest),
		tickets:  make(map[uint64]models.Ticket),
		verified: make(map[uint64]models.Verification),
	}
}

func seatField(eventID string, index int) string {
	return fmt.Sprintf("%s:%d", eventID, index)
}

func (m *Memory) Commit(_ context.Context, change models.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ev := range change.Events {
		m.events[ev.ID] = ev
	}
	for _, seat := range change.Seats {
		key := seatField(seat.EventID, seat.Index)
		if seat.State == models.SeatFree {
			delete(m.seats, key)
			continue
		}
		m.seats[key] = seat
	}
	for _, req := range change.Requests {
		m.requests[req.ID] = req
	}
	for _, t := range change.Tickets {
		if _, ok := m.tickets[t.TokenID]; !ok {
			m.tickets[t.TokenID] = t
		}
	}
	for _, v := range change.Verified {
		if _, ok := m.verified[v.TokenID]; !ok {
			m.verified[v.TokenID] = v
		}
	}
	m.commits++
	return nil
}

func (m *Memory) Load(_ context.Context) (models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var snap models.Snapshot
	for _, ev := range m.events {
		snap.Events = append(snap.Events, ev)
	}
	for _, seat := range m.seats {
		snap.Seats = append(snap.Seats, seat)
	}
	for _, req := range m.requests {
		snap.Requests = append(snap.Requests, req)
	}
	for _, t := range m.tickets {
		snap.Tickets = append(snap.Tickets, t)
	}
	for _, v := range m.verified {
		snap.Verified = append(snap.Verified, v)
	}
	return snap, nil
}

// Commits reports how many changes have been applied.
func (m *Memory) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
