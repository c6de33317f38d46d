package services

import (
	"fmt"
	"sync/atomic"
	"ticket-mint/internal/status"
	"ticket-mint/models"
	"time"
)

// seatCell is immutable once published. A nil cell is a free seat.
type seatCell struct {
	state     models.SeatState
	requestID string
	tokenID   uint64
	heldAt    time.Time
}

// SeatMap is an arena of per-seat cells updated with compare-and-swap, so
// seats never share a lock.
type SeatMap struct {
	cells []atomic.Pointer[seatCell]
}

func NewSeatMap(total int) *SeatMap {
	return &SeatMap{cells: make([]atomic.Pointer[seatCell], total)}
}

func (m *SeatMap) Len() int { return len(m.cells) }

func (m *SeatMap) slot(index int) (*atomic.Pointer[seatCell], error) {
	if index < 0 || index >= len(m.cells) {
		return nil, fmt.Errorf("%w: seat %d not in [0, %d)", status.ErrOutOfRange, index, len(m.cells))
	}
	return &m.cells[index], nil
}

func (m *SeatMap) State(index int) (models.SeatState, error) {
	slot, err := m.slot(index)
	if err != nil {
		return models.SeatFree, err
	}
	if c := slot.Load(); c != nil {
		return c.state, nil
	}
	return models.SeatFree, nil
}

// holder returns the cell of a held or booked seat, nil when free.
func (m *SeatMap) holder(index int) (*seatCell, error) {
	slot, err := m.slot(index)
	if err != nil {
		return nil, err
	}
	return slot.Load(), nil
}

// TryHold moves a free seat to held for requestID.
func (m *SeatMap) TryHold(index int, requestID string, at time.Time) error {
	slot, err := m.slot(index)
	if err != nil {
		return err
	}
	next := &seatCell{state: models.SeatHeld, requestID: requestID, heldAt: at}
	if !slot.CompareAndSwap(nil, next) {
		return fmt.Errorf("%w: seat %d is %s", status.ErrSeatUnavailable, index, stateOf(slot.Load()))
	}
	return nil
}

// Release frees a seat held by requestID. Releasing a seat that is not held
// by that request changes nothing and reports ErrInvalidTransition.
func (m *SeatMap) Release(index int, requestID string) error {
	slot, err := m.slot(index)
	if err != nil {
		return err
	}
	cur := slot.Load()
	if cur == nil || cur.state != models.SeatHeld || cur.requestID != requestID {
		return fmt.Errorf("%w: seat %d is %s, not held by %s", status.ErrInvalidTransition, index, stateOf(cur), requestID)
	}
	if !slot.CompareAndSwap(cur, nil) {
		return fmt.Errorf("%w: seat %d changed concurrently", status.ErrInvalidTransition, index)
	}
	return nil
}

// Book moves a seat held by requestID to booked under tokenID.
func (m *SeatMap) Book(index int, requestID string, tokenID uint64) error {
	slot, err := m.slot(index)
	if err != nil {
		return err
	}
	cur := slot.Load()
	if cur == nil || cur.state != models.SeatHeld || cur.requestID != requestID {
		return fmt.Errorf("%w: seat %d is %s, not held by %s", status.ErrInvalidTransition, index, stateOf(cur), requestID)
	}
	next := &seatCell{state: models.SeatBooked, requestID: requestID, tokenID: tokenID, heldAt: cur.heldAt}
	if !slot.CompareAndSwap(cur, next) {
		return fmt.Errorf("%w: seat %d changed concurrently", status.ErrInvalidTransition, index)
	}
	return nil
}

// restore installs a persisted seat during boot, before any traffic.
func (m *SeatMap) restore(seat models.Seat) error {
	slot, err := m.slot(seat.Index)
	if err != nil {
		return err
	}
	if seat.State == models.SeatFree {
		slot.Store(nil)
		return nil
	}
	slot.Store(&seatCell{state: seat.State, requestID: seat.RequestID, tokenID: seat.TokenID, heldAt: seat.HeldAt})
	return nil
}

func (m *SeatMap) Counts() (free, held, booked int) {
	for i := range m.cells {
		switch stateOf(m.cells[i].Load()) {
		case models.SeatHeld:
			held++
		case models.SeatBooked:
			booked++
		default:
			free++
		}
	}
	return free, held, booked
}

type heldSeat struct {
	index     int
	requestID string
	heldAt    time.Time
}

// holds lists seats currently in the held state.
func (m *SeatMap) holds() []heldSeat {
	var out []heldSeat
	for i := range m.cells {
		if c := m.cells[i].Load(); c != nil && c.state == models.SeatHeld {
			out = append(out, heldSeat{index: i, requestID: c.requestID, heldAt: c.heldAt})
		}
	}
	return out
}

func stateOf(c *seatCell) models.SeatState {
	if c == nil {
		return models.SeatFree
	}
	return c.state
}

// Event is a catalog entry together with its live seat map.
type Event struct {
	meta  models.Event
	seats *SeatMap
}

func newEvent(meta models.Event) *Event {
	return &Event{meta: meta, seats: NewSeatMap(meta.TotalSeats())}
}

func (e *Event) Meta() models.Event { return e.meta }

func (e *Event) SeatState(index int) (models.SeatState, error) {
	return e.seats.State(index)
}

func (e *Event) TryHold(index int, requestID string, at time.Time) error {
	return e.seats.TryHold(index, requestID, at)
}

func (e *Event) Release(index int, requestID string) error {
	return e.seats.Release(index, requestID)
}

func (e *Event) Book(index int, requestID string, tokenID uint64) error {
	return e.seats.Book(index, requestID, tokenID)
}

func (e *Event) Detail() models.EventDetail {
	detail := models.EventDetail{
		Event:      e.meta,
		TotalSeats: e.meta.TotalSeats(),
		PriceEther: e.meta.PriceEther(),
		Seats:      make([]models.SeatView, e.seats.Len()),
	}
	for i := range detail.Seats {
		state := stateOf(e.seats.cells[i].Load())
		row, column := e.meta.SeatCoordinates(i)
		detail.Seats[i] = models.SeatView{
			Index:  i,
			Row:    row,
			Column: column,
			Label:  e.meta.SeatLabel(i),
			State:  state,
		}
		switch state {
		case models.SeatHeld:
			detail.HeldSeats++
		case models.SeatBooked:
			detail.BookedSeats++
		default:
			detail.FreeSeats++
		}
	}
	return detail
}
