package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"ticket-mint/internal/storage"
	"ticket-mint/models"
	"ticket-mint/utils"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	adminAddr = "0xadadadadadadadadadadadadadadadadadadadad"
	aliceAddr = "0x00000000000000000000000000000000000a11ce"
	bobAddr   = "0x0000000000000000000000000000000000000b0b"
	aliceID   = "123456789012"
	bobID     = "210987654321"
	imageRef  = "ipfs://bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"
)

var errStorageDown = errors.New("storage down")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyRepo is a memory repository that fails commits while fail is set.
type flakyRepo struct {
	*storage.Memory
	fail atomic.Bool
}

func (r *flakyRepo) Commit(ctx context.Context, change models.Change) error {
	if r.fail.Load() {
		return errStorageDown
	}
	return r.Memory.Commit(ctx, change)
}

type testEnv struct {
	engine *Engine
	repo   *flakyRepo
	clock  *fakeClock
	ledger *LedgerMinter
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t testing.TB, mutate ...func(*Options)) *testEnv {
	t.Helper()

	env := &testEnv{
		repo:   &flakyRepo{Memory: storage.NewMemory()},
		clock:  newFakeClock(),
		ledger: NewLedgerMinter(),
	}
	opts := Options{
		Repository:      env.repo,
		Minter:          env.ledger,
		Authorize:       func(actor string) bool { return actor == adminAddr },
		VerificationKey: []byte("test-verification-key"),
		HoldTTL:         time.Hour,
		MintTimeout:     time.Second,
		Retry:           utils.Strategy{Attempts: 1},
		Logger:          discardLogger(),
		Now:             env.clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}

	engine, err := NewEngine(opts)
	require.NoError(t, err)
	env.engine = engine
	t.Cleanup(engine.Wait)
	return env
}

func (env *testEnv) createEvent(t testing.TB, rows, cols int) models.Event {
	t.Helper()
	ev, err := env.engine.Catalog().CreateEvent(context.Background(), CreateEventInput{
		Name:        "Launch Night",
		Venue:       "Hall A",
		StartsAt:    env.clock.Now().Add(72 * time.Hour),
		PriceWei:    "1000000000000000",
		SeatRows:    rows,
		SeatColumns: cols,
	})
	require.NoError(t, err)
	return ev
}

func (env *testEnv) submit(t testing.TB, eventID string, seat *int, requester, identity string) models.TicketRequest {
	t.Helper()
	req, err := env.engine.Submit(context.Background(), SubmitInput{
		EventID:          eventID,
		SeatIndex:        seat,
		RequesterAddress: requester,
		IdentityID:       identity,
		ImageHash:        imageRef,
	})
	require.NoError(t, err)
	return req
}

func seatPtr(i int) *int { return &i }

// gatedMinter blocks every mint until release is closed.
type gatedMinter struct {
	next    Minter
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newGatedMinter(next Minter) *gatedMinter {
	return &gatedMinter{next: next, started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gatedMinter) Mint(ctx context.Context, req MintRequest) (string, error) {
	g.calls.Add(1)
	g.started <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return g.next.Mint(ctx, req)
}
