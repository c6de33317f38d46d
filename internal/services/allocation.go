package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"ticket-mint/internal/status"
	"ticket-mint/models"
	"ticket-mint/monitoring"
	"ticket-mint/utils"
	"time"
)

// Authorizer decides whether actor may approve or reject requests.
type Authorizer func(actor string) bool

type Options struct {
	Repository      Repository
	Minter          Minter
	Notifier        Notifier
	Authorize       Authorizer
	VerificationKey []byte
	// HoldTTL is the age after which a pending hold is expired. Zero keeps
	// holds until decided.
	HoldTTL     time.Duration
	MintTimeout time.Duration
	Retry       utils.Strategy
	Logger      *slog.Logger
	Monitor     *monitoring.Monitor
	Now         func() time.Time
}

// Engine drives ticket requests from pending to approved or rejected.
type Engine struct {
	catalog  *Catalog
	requests *RequestStore
	tickets  *TicketBook
	verifier *Verifier

	persist     persister
	repo        Repository
	minter      Minter
	notifier    Notifier
	authorize   Authorizer
	holdTTL     time.Duration
	mintTimeout time.Duration
	monitor     *monitoring.Monitor
	log         *slog.Logger
	now         func() time.Time

	tokenSeq atomic.Uint64
	inflight sync.WaitGroup

	// backlog holds changes applied in memory whose commit failed after the
	// mint. The reconciler replays them.
	backlogMu sync.Mutex
	backlog   []models.Change
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Minter == nil {
		return nil, errors.New("engine: a minter is required")
	}
	if len(opts.VerificationKey) == 0 {
		return nil, errors.New("engine: a verification key is required")
	}
	if opts.Authorize == nil {
		return nil, errors.New("engine: an authorizer is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.MintTimeout <= 0 {
		opts.MintTimeout = 30 * time.Second
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = utils.DefaultStrategy()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Monitor == nil {
		opts.Monitor = monitoring.NewMonitor()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := persister{repo: opts.Repository, strategy: opts.Retry}
	log := opts.Logger.With("component", "allocation")
	catalog := newCatalog(p, opts.Logger.With("component", "catalog"), opts.Now)
	tickets := newTicketBook()

	return &Engine{
		catalog:     catalog,
		requests:    newRequestStore(catalog, p, opts.Monitor, opts.Logger.With("component", "requests"), opts.Now),
		tickets:     tickets,
		verifier:    newVerifier(opts.VerificationKey, tickets, p, opts.Monitor, opts.Logger.With("component", "verification"), opts.Now),
		persist:     p,
		repo:        opts.Repository,
		minter:      opts.Minter,
		notifier:    opts.Notifier,
		authorize:   opts.Authorize,
		holdTTL:     opts.HoldTTL,
		mintTimeout: opts.MintTimeout,
		monitor:     opts.Monitor,
		log:         log,
		now:         opts.Now,
	}, nil
}

func (e *Engine) Catalog() *Catalog        { return e.catalog }
func (e *Engine) Requests() *RequestStore { return e.requests }
func (e *Engine) Tickets() *TicketBook    { return e.tickets }
func (e *Engine) Verifier() *Verifier     { return e.verifier }

// Submit records a ticket request and tells the requester it is pending.
func (e *Engine) Submit(ctx context.Context, in SubmitInput) (models.TicketRequest, error) {
	req, err := e.requests.Submit(ctx, in)
	if err != nil {
		return models.TicketRequest{}, err
	}
	e.notify(ctx, req.RequesterAddress, Notification{Type: NotifySubmitted, EventID: req.EventID, RequestID: req.ID})
	return req, nil
}

// Verify checks a ticket and tells its owner when it is admitted.
func (e *Engine) Verify(ctx context.Context, tokenID uint64, identityID string) (models.VerificationResult, error) {
	res, err := e.verifier.Verify(ctx, tokenID, identityID)
	if err == nil && res.Valid {
		e.notifyVerified(ctx, tokenID)
	}
	return res, err
}

func (e *Engine) VerifyPass(ctx context.Context, pass, identityID string) (models.VerificationResult, error) {
	res, err := e.verifier.VerifyPass(ctx, pass, identityID)
	if err == nil && res.Valid {
		e.notifyVerified(ctx, res.TokenID)
	}
	return res, err
}

func (e *Engine) notifyVerified(ctx context.Context, tokenID uint64) {
	if t, err := e.tickets.Get(tokenID); err == nil {
		e.notify(ctx, t.Owner, Notification{Type: NotifyVerified, EventID: t.EventID, RequestID: t.RequestID, TokenID: tokenID})
	}
}

type mintOutcome struct {
	ticket models.Ticket
	err    error
}

// Approve mints a ticket for a pending request and books its seat. The mint
// runs detached from ctx: if ctx ends first ErrMintPending is returned and
// the outcome is still applied when the mint resolves. On mint failure the
// request stays pending with its seat held and ErrMintFailed is returned.
func (e *Engine) Approve(ctx context.Context, requestID, actor string) (models.Ticket, error) {
	if !e.authorized(actor) {
		e.monitor.TrackDecision("approve", "unauthorized")
		return models.Ticket{}, fmt.Errorf("%w: %s", status.ErrUnauthorized, actor)
	}

	entry, err := e.requests.entry(requestID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err := claim(entry); err != nil {
		e.monitor.TrackDecision("approve", "conflict")
		return models.Ticket{}, err
	}

	req := entry.snapshot()
	ev, err := e.catalog.Get(req.EventID)
	if err != nil {
		entry.phase.Store(phasePending)
		return models.Ticket{}, err
	}

	if req.SeatIndex != nil {
		if err := e.checkHeld(ev, req); err != nil {
			entry.phase.Store(phasePending)
			e.monitor.TrackDecision("approve", "invalid_transition")
			return models.Ticket{}, err
		}
	}

	if req.TokenID == 0 {
		req.TokenID = e.tokenSeq.Add(1)
		if err := e.persist.commit(ctx, models.Change{Requests: []models.TicketRequest{req}}); err != nil {
			entry.phase.Store(phasePending)
			return models.Ticket{}, fmt.Errorf("persist token reservation: %w", err)
		}
		entry.store(req)
	}

	done := make(chan mintOutcome, 1)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		done <- e.mintAndFinalize(context.WithoutCancel(ctx), entry, ev, req)
	}()

	select {
	case out := <-done:
		return out.ticket, out.err
	case <-ctx.Done():
		e.log.Warn("Caller stopped waiting for mint", "request_id", requestID, "token_id", req.TokenID)
		return models.Ticket{}, fmt.Errorf("%w: request %s: %w", status.ErrMintPending, requestID, ctx.Err())
	}
}

// claim takes the request out of pending for the duration of a decision.
func claim(entry *requestEntry) error {
	if entry.phase.CompareAndSwap(phasePending, phaseBusy) {
		return nil
	}
	req := entry.snapshot()
	if entry.phase.Load() == phaseBusy {
		return fmt.Errorf("%w: request %s has a decision in flight", status.ErrMintPending, req.ID)
	}
	return fmt.Errorf("%w: request %s is %s", status.ErrAlreadyDecided, req.ID, req.Status)
}

func (e *Engine) checkHeld(ev *Event, req models.TicketRequest) error {
	cell, err := ev.seats.holder(*req.SeatIndex)
	if err != nil {
		return err
	}
	if cell == nil || cell.state != models.SeatHeld || cell.requestID != req.ID {
		return fmt.Errorf("%w: seat %d is %s, not held by request %s",
			status.ErrInvalidTransition, *req.SeatIndex, stateOf(cell), req.ID)
	}
	return nil
}

func (e *Engine) mintAndFinalize(ctx context.Context, entry *requestEntry, ev *Event, req models.TicketRequest) mintOutcome {
	mintCtx, cancel := context.WithTimeout(ctx, e.mintTimeout)
	defer cancel()

	start := e.now()
	receipt, err := e.minter.Mint(mintCtx, MintRequest{
		Owner:      req.RequesterAddress,
		TokenID:    req.TokenID,
		IdentityID: req.IdentityID,
		ImageHash:  req.ImageHash,
	})
	if err != nil {
		e.monitor.TrackMint(e.now().Sub(start), "failed")
		e.monitor.TrackDecision("approve", "mint_failed")
		entry.phase.Store(phasePending)
		e.log.Error("Mint failed, request left pending", "error", err, "request_id", req.ID, "token_id", req.TokenID)
		e.notify(ctx, req.RequesterAddress, Notification{Type: NotifyMintRetry, EventID: req.EventID, RequestID: req.ID, TokenID: req.TokenID})
		return mintOutcome{err: fmt.Errorf("%w: request %s: %w", status.ErrMintFailed, req.ID, err)}
	}
	e.monitor.TrackMint(e.now().Sub(start), "minted")

	now := e.now().UTC()
	change := models.Change{}
	if req.SeatIndex != nil {
		if err := ev.Book(*req.SeatIndex, req.ID, req.TokenID); err != nil {
			entry.phase.Store(phasePending)
			e.log.Error("Minted ticket could not book its seat", "error", err, "request_id", req.ID, "token_id", req.TokenID)
			return mintOutcome{err: err}
		}
		change.Seats = []models.Seat{{
			EventID:   req.EventID,
			Index:     *req.SeatIndex,
			State:     models.SeatBooked,
			RequestID: req.ID,
			TokenID:   req.TokenID,
			HeldAt:    req.CreatedAt,
		}}
	}

	ticket := models.Ticket{
		TokenID:          req.TokenID,
		EventID:          req.EventID,
		SeatIndex:        req.SeatIndex,
		Owner:            req.RequesterAddress,
		IdentityID:       req.IdentityID,
		ImageHash:        req.ImageHash,
		ReceiptID:        receipt,
		RequestID:        req.ID,
		VerificationCode: e.verifier.Code(req.TokenID, req.IdentityID),
		IssuedAt:         now,
	}
	req.Status = models.RequestApproved
	req.DecidedAt = &now

	e.tickets.add(ticket)
	entry.store(req)
	entry.phase.Store(phaseApproved)

	change.Requests = []models.TicketRequest{req}
	change.Tickets = []models.Ticket{ticket}

	e.monitor.TrackDecision("approve", "approved")
	e.trackOccupancy(ev)
	e.log.Info("Ticket issued", "request_id", req.ID, "token_id", ticket.TokenID, "event_id", ticket.EventID, "seat", seatAttr(ticket.SeatIndex))
	e.notify(ctx, req.RequesterAddress, Notification{Type: NotifyApproved, EventID: req.EventID, RequestID: req.ID, TokenID: ticket.TokenID})

	if err := e.persist.commit(ctx, change); err != nil {
		e.deferCommit(change)
		e.log.Error("Failed to persist approval, queued for replay", "error", err, "request_id", req.ID, "token_id", ticket.TokenID)
		return mintOutcome{ticket: ticket, err: fmt.Errorf("persist approval: %w", err)}
	}
	return mintOutcome{ticket: ticket}
}

// Reject marks a pending request rejected and frees its seat.
func (e *Engine) Reject(ctx context.Context, requestID, actor, reason string) (models.TicketRequest, error) {
	if !e.authorized(actor) {
		e.monitor.TrackDecision("reject", "unauthorized")
		return models.TicketRequest{}, fmt.Errorf("%w: %s", status.ErrUnauthorized, actor)
	}

	entry, err := e.requests.entry(requestID)
	if err != nil {
		return models.TicketRequest{}, err
	}
	if err := claim(entry); err != nil {
		e.monitor.TrackDecision("reject", "conflict")
		return models.TicketRequest{}, err
	}
	return e.reject(ctx, entry, reason)
}

// reject finishes a rejection on a claimed entry. Storage is written before
// the seat is released so a new hold on the seat always persists after it.
func (e *Engine) reject(ctx context.Context, entry *requestEntry, reason string) (models.TicketRequest, error) {
	req := entry.snapshot()
	now := e.now().UTC()
	req.Status = models.RequestRejected
	req.Reason = reason
	req.DecidedAt = &now

	var ev *Event
	change := models.Change{Requests: []models.TicketRequest{req}}
	if req.SeatIndex != nil {
		var err error
		if ev, err = e.catalog.Get(req.EventID); err != nil {
			entry.phase.Store(phasePending)
			return models.TicketRequest{}, err
		}
		if cell, _ := ev.seats.holder(*req.SeatIndex); cell != nil && cell.state == models.SeatHeld && cell.requestID == req.ID {
			change.Seats = []models.Seat{{EventID: req.EventID, Index: *req.SeatIndex, State: models.SeatFree}}
		} else {
			ev = nil
		}
	}

	if err := e.persist.commit(ctx, change); err != nil {
		entry.phase.Store(phasePending)
		return models.TicketRequest{}, fmt.Errorf("persist rejection: %w", err)
	}

	if ev != nil {
		if err := ev.Release(*req.SeatIndex, req.ID); err != nil {
			e.log.Warn("Seat release after rejection changed nothing", "error", err, "request_id", req.ID)
		}
		e.trackOccupancy(ev)
	}
	entry.store(req)
	entry.phase.Store(phaseRejected)

	e.monitor.TrackDecision("reject", "rejected")
	e.log.Info("Ticket request rejected", "request_id", req.ID, "event_id", req.EventID, "reason", reason)
	e.notify(ctx, req.RequesterAddress, Notification{Type: NotifyRejected, EventID: req.EventID, RequestID: req.ID, Reason: reason})
	return req, nil
}

func (e *Engine) deferCommit(change models.Change) {
	e.backlogMu.Lock()
	e.backlog = append(e.backlog, change)
	n := len(e.backlog)
	e.backlogMu.Unlock()
	e.monitor.SetUnpersisted(n)
}

// replayBacklog commits queued changes in order and keeps the ones that
// fail again. It returns how many were stored.
func (e *Engine) replayBacklog(ctx context.Context) int {
	e.backlogMu.Lock()
	queued := e.backlog
	e.backlog = nil
	e.backlogMu.Unlock()

	var failed []models.Change
	for _, change := range queued {
		if err := e.persist.commit(ctx, change); err != nil {
			failed = append(failed, change)
		}
	}

	e.backlogMu.Lock()
	e.backlog = append(failed, e.backlog...)
	n := len(e.backlog)
	e.backlogMu.Unlock()
	e.monitor.SetUnpersisted(n)

	if len(failed) > 0 {
		e.log.Error("Unpersisted changes remain after replay", "remaining", n)
	}
	return len(queued) - len(failed)
}

// Unpersisted reports how many applied changes still wait to be stored.
func (e *Engine) Unpersisted() int {
	e.backlogMu.Lock()
	defer e.backlogMu.Unlock()
	return len(e.backlog)
}

func (e *Engine) authorized(actor string) bool {
	return actor != "" && e.authorize(actor)
}

func (e *Engine) notify(ctx context.Context, requester string, n Notification) {
	n.At = e.now().UTC()
	notifyAsync(ctx, e.notifier, e.log, requester, n)
}

func (e *Engine) trackOccupancy(ev *Event) {
	free, held, booked := ev.seats.Counts()
	e.monitor.SetSeatOccupancy(ev.meta.ID, free, held, booked)
}

// Wait blocks until outstanding mint calls have been applied.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

func (e *Engine) Ping(ctx context.Context) error {
	if e.repo == nil {
		return nil
	}
	return e.repo.Ping(ctx)
}
