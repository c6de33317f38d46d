package services

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"ticket-mint/internal/status"
	"ticket-mint/models"
	"ticket-mint/monitoring"
	"time"

	"github.com/google/uuid"
)

// Request phases. phaseBusy marks a decision in flight; the persisted and
// reported status stays pending while it is set.
const (
	phasePending int32 = iota
	phaseBusy
	phaseApproved
	phaseRejected
)

func phaseOf(s models.RequestStatus) int32 {
	switch s {
	case models.RequestApproved:
		return phaseApproved
	case models.RequestRejected:
		return phaseRejected
	default:
		return phasePending
	}
}

// requestEntry pairs an immutable request snapshot with the phase word that
// decides who may write the next snapshot.
type requestEntry struct {
	phase atomic.Int32
	rec   atomic.Pointer[models.TicketRequest]
}

func (e *requestEntry) snapshot() models.TicketRequest {
	return *e.rec.Load()
}

func (e *requestEntry) store(r models.TicketRequest) {
	e.rec.Store(&r)
}

// RequestStore is the append-only log of ticket requests.
type RequestStore struct {
	catalog *Catalog
	persist persister
	monitor *monitoring.Monitor
	log     *slog.Logger
	now     func() time.Time

	seq atomic.Uint64

	mu    sync.RWMutex
	byID  map[string]*requestEntry
	order []*requestEntry
	// submitting holds ids whose seat is held but whose record is not yet
	// committed.
	submitting map[string]struct{}
}

func newRequestStore(catalog *Catalog, p persister, monitor *monitoring.Monitor, log *slog.Logger, now func() time.Time) *RequestStore {
	return &RequestStore{
		catalog: catalog,
		persist: p,
		monitor: monitor,
		log:     log,
		now:     now,
		byID:    make(map[string]*requestEntry),

		submitting: make(map[string]struct{}),
	}
}

type SubmitInput struct {
	EventID          string `json:"event_id"`
	SeatIndex        *int   `json:"seat_index,omitempty"`
	RequesterAddress string `json:"requester_address"`
	IdentityID       string `json:"identity_id"`
	ImageHash        string `json:"image_hash"`
}

// Submit validates the input, holds the seat when one is given and records a
// pending request. Nothing changes unless every step succeeds.
func (s *RequestStore) Submit(ctx context.Context, in SubmitInput) (models.TicketRequest, error) {
	requester, err := ValidateAddress(in.RequesterAddress)
	if err != nil {
		return models.TicketRequest{}, err
	}
	if err := ValidateIdentity(in.IdentityID); err != nil {
		return models.TicketRequest{}, err
	}
	if err := ValidateImageHash(in.ImageHash); err != nil {
		return models.TicketRequest{}, err
	}

	ev, err := s.catalog.Get(in.EventID)
	if err != nil {
		return models.TicketRequest{}, err
	}

	now := s.now().UTC()
	id := uuid.NewString()
	s.beginSubmit(id)
	defer s.endSubmit(id)

	req := models.TicketRequest{
		ID:               id,
		EventID:          in.EventID,
		RequesterAddress: requester,
		IdentityID:       in.IdentityID,
		ImageHash:        in.ImageHash,
		Status:           models.RequestPending,
		CreatedAt:        now,
	}

	change := models.Change{}
	if in.SeatIndex != nil {
		index := *in.SeatIndex
		req.SeatIndex = &index

		if err := ev.TryHold(index, req.ID, now); err != nil {
			s.monitor.TrackHold(in.EventID, "conflict")
			return models.TicketRequest{}, err
		}
		change.Seats = []models.Seat{{
			EventID:   in.EventID,
			Index:     index,
			State:     models.SeatHeld,
			RequestID: req.ID,
			HeldAt:    now,
		}}
	}

	req.Seq = s.seq.Add(1)
	change.Requests = []models.TicketRequest{req}

	if err := s.persist.commit(ctx, change); err != nil {
		if req.SeatIndex != nil {
			if rerr := ev.Release(*req.SeatIndex, req.ID); rerr != nil {
				s.log.Error("Failed to release hold after persist failure", "error", rerr, "request_id", req.ID)
			}
		}
		return models.TicketRequest{}, fmt.Errorf("persist request: %w", err)
	}

	s.insert(req)
	if req.SeatIndex != nil {
		s.monitor.TrackHold(in.EventID, "held")
	}
	s.log.Info("Ticket request submitted", "request_id", req.ID, "event_id", req.EventID, "seat", seatAttr(req.SeatIndex))
	return req, nil
}

func (s *RequestStore) beginSubmit(id string) {
	s.mu.Lock()
	s.submitting[id] = struct{}{}
	s.mu.Unlock()
}

func (s *RequestStore) endSubmit(id string) {
	s.mu.Lock()
	delete(s.submitting, id)
	s.mu.Unlock()
}

// inSubmission reports whether requestID belongs to a Submit that has not
// returned yet.
func (s *RequestStore) inSubmission(requestID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.submitting[requestID]
	return ok
}

// insert keeps order sorted by Seq so listings follow submission order.
func (s *RequestStore) insert(req models.TicketRequest) *requestEntry {
	entry := &requestEntry{}
	entry.phase.Store(phaseOf(req.Status))
	entry.store(req)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[req.ID] = entry
	i, _ := slices.BinarySearchFunc(s.order, req.Seq, func(e *requestEntry, seq uint64) int {
		return cmp.Compare(e.rec.Load().Seq, seq)
	})
	s.order = slices.Insert(s.order, i, entry)
	return entry
}

func (s *RequestStore) entry(requestID string) (*requestEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: request %s", status.ErrNotFound, requestID)
	}
	return e, nil
}

func (s *RequestStore) Get(requestID string) (models.TicketRequest, error) {
	e, err := s.entry(requestID)
	if err != nil {
		return models.TicketRequest{}, err
	}
	return e.snapshot(), nil
}

func (s *RequestStore) entries() []*requestEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}

// ListPending yields pending requests in submission order. An empty eventID
// lists every event.
func (s *RequestStore) ListPending(eventID string) iter.Seq[models.TicketRequest] {
	entries := s.entries()
	return func(yield func(models.TicketRequest) bool) {
		for _, e := range entries {
			req := e.snapshot()
			if req.Status != models.RequestPending {
				continue
			}
			if eventID != "" && req.EventID != eventID {
				continue
			}
			if !yield(req) {
				return
			}
		}
	}
}

// ListByRequester returns every request made by address, oldest first.
func (s *RequestStore) ListByRequester(address string) []models.TicketRequest {
	var out []models.TicketRequest
	for _, e := range s.entries() {
		if req := e.snapshot(); equalAddress(req.RequesterAddress, address) {
			out = append(out, req)
		}
	}
	return out
}

func seatAttr(index *int) any {
	if index == nil {
		return "unseated"
	}
	return *index
}
