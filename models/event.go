package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var weiPerEther = decimal.New(1, 18)

type Event struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Venue       string          `json:"venue"`
	StartsAt    time.Time       `json:"starts_at"`
	PriceWei    decimal.Decimal `json:"price_wei"`
	SeatRows    int             `json:"seat_rows"`
	SeatColumns int             `json:"seat_columns"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (e Event) TotalSeats() int {
	return e.SeatRows * e.SeatColumns
}

// PriceEther renders the price in ether for display.
func (e Event) PriceEther() string {
	return e.PriceWei.Div(weiPerEther).String()
}

// SeatCoordinates returns the zero-based row and column of a seat index.
func (e Event) SeatCoordinates(index int) (row, column int) {
	if e.SeatColumns <= 0 {
		return 0, index
	}
	return index / e.SeatColumns, index % e.SeatColumns
}

func (e Event) SeatLabel(index int) string {
	row, column := e.SeatCoordinates(index)
	return fmt.Sprintf("Row %d, Seat %d", row+1, column+1)
}

type SeatState int

const (
	SeatFree SeatState = iota
	SeatHeld
	SeatBooked
)

func (s SeatState) String() string {
	switch s {
	case SeatFree:
		return "free"
	case SeatHeld:
		return "held"
	case SeatBooked:
		return "booked"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func (s SeatState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SeatState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "free":
		*s = SeatFree
	case "held":
		*s = SeatHeld
	case "booked":
		*s = SeatBooked
	default:
		return fmt.Errorf("seat state: unknown value %q", text)
	}
	return nil
}

// Seat is the persisted form of a non-free seat cell.
type Seat struct {
	EventID   string    `json:"event_id"`
	Index     int       `json:"index"`
	State     SeatState `json:"state"`
	RequestID string    `json:"request_id,omitempty"`
	TokenID   uint64    `json:"token_id,omitempty"`
	HeldAt    time.Time `json:"held_at"`
}

// SeatView is a seat as shown to clients.
type SeatView struct {
	Index  int       `json:"index"`
	Row    int       `json:"row"`
	Column int       `json:"column"`
	Label  string    `json:"label"`
	State  SeatState `json:"state"`
}

type EventDetail struct {
	Event
	TotalSeats  int        `json:"total_seats"`
	PriceEther  string     `json:"price_ether"`
	FreeSeats   int        `json:"free_seats"`
	HeldSeats   int        `json:"held_seats"`
	BookedSeats int        `json:"booked_seats"`
	Seats       []SeatView `json:"seats"`
}
