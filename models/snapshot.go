package models

import "time"

// Change is one committed state transition. Repositories apply it atomically.
type Change struct {
	Events   []Event
	Requests []TicketRequest
	Tickets  []Ticket
	// Seats with State == SeatFree are removed from storage.
	Seats    []Seat
	Verified []Verification
}

func (c Change) Empty() bool {
	return len(c.Events) == 0 && len(c.Requests) == 0 && len(c.Tickets) == 0 &&
		len(c.Seats) == 0 && len(c.Verified) == 0
}

type Verification struct {
	TokenID    uint64    `json:"token_id"`
	VerifiedAt time.Time `json:"verified_at"`
}

// Snapshot is the full durable state loaded on boot.
type Snapshot struct {
	Events   []Event
	Seats    []Seat
	Requests []TicketRequest
	Tickets  []Ticket
	Verified []Verification
}
