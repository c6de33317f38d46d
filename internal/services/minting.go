package services

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"ticket-mint/utils"
	"time"

	"github.com/zeebo/blake3"
)

type MintRequest struct {
	Owner      string
	TokenID    uint64
	IdentityID string
	ImageHash  string
}

// Minter issues the on-chain record for a ticket. Implementations may be
// called again for the same TokenID after a failure and must not mint twice.
type Minter interface {
	Mint(ctx context.Context, req MintRequest) (receiptID string, err error)
}

type MintFunc func(ctx context.Context, req MintRequest) (string, error)

func (f MintFunc) Mint(ctx context.Context, req MintRequest) (string, error) {
	return f(ctx, req)
}

var ErrTokenConflict = errors.New("ledger: token already minted with different data")

type ledgerEntry struct {
	req     MintRequest
	receipt string
}

// LedgerMinter is an in-process ledger keyed by token id. Repeating a mint
// with the same data returns the original receipt.
type LedgerMinter struct {
	Latency time.Duration

	mu     sync.Mutex
	minted map[uint64]ledgerEntry
}

func NewLedgerMinter() *LedgerMinter {
	return &LedgerMinter{minted: make(map[uint64]ledgerEntry)}
}

func (l *LedgerMinter) Mint(ctx context.Context, req MintRequest) (string, error) {
	if l.Latency > 0 {
		timer := time.NewTimer(l.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.minted[req.TokenID]; ok {
		if prev.req != req {
			return "", fmt.Errorf("%w: token %d", ErrTokenConflict, req.TokenID)
		}
		return prev.receipt, nil
	}

	receipt := ledgerReceipt(req)
	l.minted[req.TokenID] = ledgerEntry{req: req, receipt: receipt}
	return receipt, nil
}

func (l *LedgerMinter) Minted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.minted)
}

func ledgerReceipt(req MintRequest) string {
	h := blake3.New()
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], req.TokenID)
	h.Write(id[:])
	h.Write([]byte(req.Owner))
	h.Write([]byte{0})
	h.Write([]byte(req.ImageHash))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// GuardedMinter stops calling a failing minter until its breaker recovers.
type GuardedMinter struct {
	next    Minter
	breaker *utils.CircuitBreaker
}

func NewGuardedMinter(next Minter, breaker *utils.CircuitBreaker) *GuardedMinter {
	return &GuardedMinter{next: next, breaker: breaker}
}

func (g *GuardedMinter) Mint(ctx context.Context, req MintRequest) (string, error) {
	var receipt string
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		receipt, err = g.next.Mint(ctx, req)
		return err
	})
	return receipt, err
}
