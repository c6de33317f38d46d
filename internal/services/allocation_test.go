package services

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"ticket-mint/internal/status"
	"ticket-mint/models"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seatState(t *testing.T, env *testEnv, eventID string, index int) models.SeatState {
	t.Helper()
	ev, err := env.engine.Catalog().Get(eventID)
	require.NoError(t, err)
	state, err := ev.SeatState(index)
	require.NoError(t, err)
	return state
}

func TestTwoSeatLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	ev := env.createEvent(t, 1, 2)

	alice := env.submit(t, ev.ID, seatPtr(0), aliceAddr, aliceID)

	_, err := env.engine.Submit(ctx, SubmitInput{EventID: ev.ID, SeatIndex: seatPtr(0), RequesterAddress: bobAddr, IdentityID: bobID, ImageHash: imageRef})
	require.ErrorIs(t, err, status.ErrSeatUnavailable)
	bob := env.submit(t, ev.ID, seatPtr(1), bobAddr, bobID)

	ticket, err := env.engine.Approve(ctx, alice.ID, adminAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ticket.TokenID)
	assert.Equal(t, aliceAddr, ticket.Owner)
	assert.Equal(t, ev.ID, ticket.EventID)
	require.NotNil(t, ticket.SeatIndex)
	assert.Equal(t, 0, *ticket.SeatIndex)
	assert.NotEmpty(t, ticket.ReceiptID)
	assert.Equal(t, models.SeatBooked, seatState(t, env, ev.ID, 0))

	rejected, err := env.engine.Reject(ctx, bob.ID, adminAddr, "identity photo unclear")
	require.NoError(t, err)
	assert.Equal(t, models.RequestRejected, rejected.Status)
	assert.Equal(t, "identity photo unclear", rejected.Reason)
	require.NotNil(t, rejected.DecidedAt)
	assert.Equal(t, models.SeatFree, seatState(t, env, ev.ID, 1))

	approved, err := env.engine.Requests().Get(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestApproved, approved.Status)
	assert.Equal(t, ticket.TokenID, approved.TokenID)

	// Decisions are final.
	_, err = env.engine.Approve(ctx, alice.ID, adminAddr)
	assert.ErrorIs(t, err, status.ErrAlreadyDecided)
	_, err = env.engine.Reject(ctx, alice.ID, adminAddr, "")
	assert.ErrorIs(t, err, status.ErrAlreadyDecided)
	_, err = env.engine.Approve(ctx, bob.ID, adminAddr)
	assert.ErrorIs(t, err, status.ErrAlreadyDecided)

	res, err := env.engine.Verify(ctx, ticket.TokenID, aliceID)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	res, err = env.engine.Verify(ctx, ticket.TokenID, bobID)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, models.ReasonIdentityMismatch, res.Reason)

	// The freed seat can be requested again.
	again := env.submit(t, ev.ID, seatPtr(1), bobAddr, bobID)
	assert.Equal(t, models.SeatHeld, seatState(t, env, ev.ID, 1))
	assert.Equal(t, uint64(3), again.Seq)

	detail, err := env.engine.Catalog().Detail(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, detail.FreeSeats)
	assert.Equal(t, 1, detail.HeldSeats)
	assert.Equal(t, 1, detail.BookedSeats)
}

func TestApproveRequiresAuthorizedActor(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	ev := env.createEvent(t, 1, 1)
	req := env.submit(t, ev.ID, seatPtr(0), aliceAddr, aliceID)

	for _, actor := range []string{"", aliceAddr, "system"} {
		_, err := env.engine.Approve(ctx, req.ID, actor)
		assert.ErrorIs(t, err, status.ErrUnauthorized, actor)
		_, err = env.engine.Reject(ctx, req.ID, actor, "")
		assert.ErrorIs(t, err, status.ErrUnauthorized, actor)
	}

	got, _ := env.engine.Requests().Get(req.ID)
	assert.Equal(t, models.RequestPending, got.Status)
	assert.Equal(t, models.SeatHeld, seatState(t, env, ev.ID, 0))
	assert.Zero(t, env.ledger.Minted())
}

func TestApproveUnknownRequest(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Approve(context.Background(), "missing", adminAddr)
	assert.ErrorIs(t, err, status.ErrNotFound)
	_, err = env.engine.Reject(context.Background(), "missing", adminAddr, "")
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestApproveUnseatedRequest(t *testing.T) {
	env := newTestEnv(t)
	ev := env.createEvent(t, 1, 1)
	req := env.submit(t, ev.ID, nil, aliceAddr, aliceID)

	ticket, err := env.engine.Approve(context.Background(), req.ID, adminAddr)
	require.NoError(t, err)
	assert.Nil(t, ticket.SeatIndex)
	assert.Equal(t, models.SeatFree, seatState(t, env, ev.ID, 0))
}

func TestConcurrentApproveMintsOnce(t *testing.T) {
	env := newTestEnv(t)
	ev := env.createEvent(t, 1, 1)
	req := env.submit(t, ev.ID, seatPtr(0), aliceAddr, aliceID)

	const callers = 32
	var wins, pending, decided atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.engine.Approve(context.Background(), req.ID, adminAddr)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, status.ErrMintPending):
				pending.Add(1)
			case errors.Is(err, status.ErrAlreadyDecided):
				decided.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(callers-1), pending.Load()+decided.Load())
	assert.Equal(t, 1, env.ledger.Minted())
	assert.Equal(t, 1, env.engine.Tickets().Len())
}

func TestConcurrentApprovalsIssueDistinctTokens(t *testing.T) {
	env := newTestEnv(t)
	ev := env.createEvent(t, 4, 5)

	var reqs []models.TicketRequest
	for i := 0; i < 20; i++ {
		reqs = append(reqs, env.submit(t, ev.ID, seatPtr(i), aliceAddr, aliceID))
	}

	tokens := make([]uint64, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := env.engine.Approve(context.Background(), req.ID, adminAddr)
			if assert.NoError(t, err) {
				tokens[i] = ticket.TokenID
			}
		}()
	}
	wg.Wait()

	seen := map[uint64]bool{}
	for _, tok := range tokens {
		assert.NotZero(t, tok)
		assert.False(t, seen[tok], "token %d issued twice", tok)
		seen[tok] = true
	}
	assert.Len(t, env.engine.Tickets().ListByOwner(aliceAddr), 20)

	detail, _ := env.engine.Catalog().Detail(ev.ID)
	assert.Equal(t, 20, detail.BookedSeats)
}

func TestSubmitDecideStormBooksEachSeatOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	ev := env.createEvent(t, 2, 2)

	const (
		seats    = 4
		perSeat  = 6
		attempts = 20
	)

	decide := func(err error) {
		switch {
		case err == nil, errors.Is(err, status.ErrAlreadyDecided), errors.Is(err, status.ErrMintPending):
		default:
			t.Errorf("unexpected decision error: %v", err)
		}
	}

	stop := make(chan struct{})
	var admins sync.WaitGroup
	for a := 0; a < 2; a++ {
		admins.Add(1)
		go func() {
			defer admins.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for req := range env.engine.Requests().ListPending(ev.ID) {
					_, err := env.engine.Approve(ctx, req.ID, adminAddr)
					decide(err)
				}
				runtime.Gosched()
			}
		}()
	}

	var submitters sync.WaitGroup
	for seat := 0; seat < seats; seat++ {
		for w := 0; w < perSeat; w++ {
			submitters.Add(1)
			go func() {
				defer submitters.Done()
				n := seat*perSeat + w + 1
				in := SubmitInput{
					EventID:          ev.ID,
					SeatIndex:        seatPtr(seat),
					RequesterAddress: fmt.Sprintf("0x%040x", n),
					IdentityID:       fmt.Sprintf("%012d", n),
					ImageHash:        imageRef,
				}
				for i := 0; i < attempts; i++ {
					req, err := env.engine.Submit(ctx, in)
					if err != nil {
						if !errors.Is(err, status.ErrSeatUnavailable) {
							t.Errorf("unexpected submit error: %v", err)
						}
						runtime.Gosched()
						continue
					}
					if w%2 == 1 {
						_, err := env.engine.Reject(ctx, req.ID, adminAddr, "changed mind")
						decide(err)
					}
				}
			}()
		}
	}
	submitters.Wait()
	close(stop)
	admins.Wait()
	env.engine.Wait()

	// Settle whatever is still pending.
	for req := range env.engine.Requests().ListPending(ev.ID) {
		_, err := env.engine.Approve(ctx, req.ID, adminAddr)
		require.NoError(t, err)
	}

	perSeatTickets := map[int]int{}
	var approved int
	for seat := 0; seat < seats; seat++ {
		for w := 0; w < perSeat; w++ {
			owner := fmt.Sprintf("0x%040x", seat*perSeat+w+1)
			for _, ticket := range env.engine.Tickets().ListByOwner(owner) {
				require.NotNil(t, ticket.SeatIndex)
				perSeatTickets[*ticket.SeatIndex]++
			}
			for _, req := range env.engine.Requests().ListByRequester(owner) {
				if req.Status == models.RequestApproved {
					approved++
				}
			}
		}
	}

	detail, err := env.engine.Catalog().Detail(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, env.engine.Tickets().Len(), approved)
	assert.Equal(t, env.engine.Tickets().Len(), detail.BookedSeats)
	assert.Zero(t, detail.HeldSeats)
	for seat := 0; seat < seats; seat++ {
		assert.LessOrEqual(t, perSeatTickets[seat], 1, "seat %d", seat)
		if perSeatTickets[seat] == 1 {
			assert.Equal(t, models.SeatBooked, seatState(t, env, ev.ID, seat))
		}
	}
	assert.Equal(t, env.engine.Tickets().Len(), env.ledger.Minted())
}

func TestMintFailureLeavesRequestPending(t *testing.T) {
	ctx := context.Background()
	var failures atomic.Int32
	failures.Store(1)

	ledger := NewLedgerMinter()
	env := newTestEnv(t, func(o *Options) {
		o.Minter = MintFunc(func(ctx context.Context, req MintRequest) (string, error) {
			if failures.Add(-1) >= 0 {
				return "", errors.New("rpc unavailable")
			}
			return ledger.Mint(ctx, req)
		})
	})
	ev := env.createEvent(t, 1, 1)
	req := env.submit(t, ev.ID, seatPtr(0), aliceAddr, aliceID)

	_, err := env.engine.Approve(ctx, req.ID, adminAddr)
	require.ErrorIs(t, err, status.ErrMintFailed)

	got, err := env.engine.Requests().Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, got.Status)
	assert.NotZero(t, got.TokenID, "token id is reserved before minting")
	assert.Equal(t, models.SeatHeld, seatState(t, env, ev.ID, 0))
	assert.Zero(t, env.engine.Tickets().Len())

	ticket, err := env.engine.Approve(ctx, req.ID, adminAddr)
	require.NoError(t, err)
	assert.Equal(t, got.TokenID, ticket.TokenID, "a retry reuses the reserved token id")
	assert.Equal(t, models.SeatBooked, seatState(t, env, ev.ID, 0))
}

func TestApproveOutlivesCaller(t *testing.T) {
	gate := newGatedMinter(NewLedgerMinter())
	env := newTestEnv(t, func(o *Options) {
		o.Minter = gate
		o.MintTimeout = 5 * time.Second
	})
	ev := env.createEvent(t, 1, 1)
	req := env.submit(t, ev.ID, seatPtr(0), aliceAddr, aliceID)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := env.engine.Approve(ctx, req.ID, adminAddr)
		errc <- err
	}()

	<-gate.started
	cancel()
	require.ErrorIs(t, <-errc, status.ErrMintPending)

	// A decision is in flight, so nobody else may decide.
	_, err := env.engine.Approve(context.Background(), req.ID, adminAddr)
	assert.ErrorIs(t, err, status.ErrMintPending)
	_, err = env.engine.Reject(context.Background(), req.ID, adminAddr, "")
	assert.ErrorIs(t, err, status.ErrMintPending)

	pending, _ := env.engine.Requests().Get(req.ID)
	assert.Equal(t, models.RequestPending, pending.Status)

	close(gate.release)
	env.engine.Wait()

	done, err := env.engine.Requests().Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestApproved, done.Status)
	assert.Equal(t, models.SeatBooked, seatState(t, env, ev.ID, 0))
	assert.Equal(t, int32(1), gate.calls.Load())
}

func TestApprovePersistFailureStillReturnsTicket(t *testing.T) {
	ledger := NewLedgerMinter()
	var repo *flakyRepo
	env := newTestEnv(t, func(o *Options) {
		o.Minter = MintFunc(func(ctx context.Context, req MintRequest) (string, error) {
			repo.fail.Store(true)
			return ledger.Mint(ctx, req)
		})
	})
	repo = env.repo
	ev := env.createEvent(t, 1, 1)
	req := env.submit(t, ev.ID, seatPtr(0), aliceAddr, aliceID)

	ticket, err := env.engine.Approve(context.Background(), req.ID, adminAddr)
	require.ErrorIs(t, err, errStorageDown)
	assert.NotZero(t, ticket.TokenID)

	got, _ := env.engine.Requests().Get(req.ID)
	assert.Equal(t, models.RequestApproved, got.Status)
	_, err = env.engine.Tickets().Get(ticket.TokenID)
	assert.NoError(t, err)
	assert.Equal(t, 1, env.engine.Unpersisted())

	// Still down: the change stays queued.
	report, err := env.engine.ReconcileHolds(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Replayed)
	assert.Equal(t, 1, env.engine.Unpersisted())

	repo.fail.Store(false)
	report, err = env.engine.ReconcileHolds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Replayed)
	assert.Zero(t, env.engine.Unpersisted())

	snap, err := repo.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Tickets, 1)
	assert.Equal(t, ticket.TokenID, snap.Tickets[0].TokenID)
	require.Len(t, snap.Requests, 1)
	assert.Equal(t, models.RequestApproved, snap.Requests[0].Status)
	require.Len(t, snap.Seats, 1)
	assert.Equal(t, models.SeatBooked, snap.Seats[0].State)
}

func TestRejectPersistFailureKeepsHold(t *testing.T) {
	env := newTestEnv(t)
	ev := env.createEvent(t, 1, 1)
	req := env.submit(t, ev.ID, seatPtr(0), aliceAddr, aliceID)

	env.repo.fail.Store(true)
	_, err := env.engine.Reject(context.Background(), req.ID, adminAddr, "")
	require.ErrorIs(t, err, errStorageDown)

	got, _ := env.engine.Requests().Get(req.ID)
	assert.Equal(t, models.RequestPending, got.Status)
	assert.Equal(t, models.SeatHeld, seatState(t, env, ev.ID, 0))

	env.repo.fail.Store(false)
	_, err = env.engine.Reject(context.Background(), req.ID, adminAddr, "")
	require.NoError(t, err)
	assert.Equal(t, models.SeatFree, seatState(t, env, ev.ID, 0))
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	base := Options{
		Minter:          NewLedgerMinter(),
		Authorize:       func(string) bool { return true },
		VerificationKey: []byte("k"),
	}

	_, err := NewEngine(base)
	require.NoError(t, err)

	noMinter := base
	noMinter.Minter = nil
	_, err = NewEngine(noMinter)
	assert.Error(t, err)

	noKey := base
	noKey.VerificationKey = nil
	_, err = NewEngine(noKey)
	assert.Error(t, err)

	noAuth := base
	noAuth.Authorize = nil
	_, err = NewEngine(noAuth)
	assert.Error(t, err)
}

func BenchmarkSubmitApprove(b *testing.B) {
	env := newTestEnv(b)
	ev := env.createEvent(b, 1, b.N)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := env.submit(b, ev.ID, seatPtr(i), aliceAddr, aliceID)
		if _, err := env.engine.Approve(ctx, req.ID, adminAddr); err != nil {
			b.Fatal(err)
		}
	}
}
