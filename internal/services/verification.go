package services

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"ticket-mint/internal/status"
	"ticket-mint/models"
	"ticket-mint/monitoring"
	"time"

	"golang.org/x/crypto/blake2b"
)

const codeDomain = "ticket-verify/v1"

// Verifier derives verification codes and checks tickets at the door. It
// never changes a ticket; it only adds to the verified set.
type Verifier struct {
	key     [32]byte
	tickets *TicketBook
	persist persister
	monitor *monitoring.Monitor
	log     *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	verified map[uint64]time.Time
}

func newVerifier(key []byte, tickets *TicketBook, p persister, monitor *monitoring.Monitor, log *slog.Logger, now func() time.Time) *Verifier {
	return &Verifier{
		key:      blake2b.Sum256(key),
		tickets:  tickets,
		persist:  p,
		monitor:  monitor,
		log:      log,
		now:      now,
		verified: make(map[uint64]time.Time),
	}
}

// Code returns the keyed hash binding a token to an identity.
func (v *Verifier) Code(tokenID uint64, identityID string) string {
	h, err := blake2b.New256(v.key[:])
	if err != nil {
		// A 32-byte key is always accepted.
		panic(err)
	}
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], tokenID)
	h.Write([]byte(codeDomain))
	h.Write(id[:])
	h.Write([]byte(identityID))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks identityID against the ticket issued under tokenID. An
// error is returned only when recording the verification fails.
func (v *Verifier) Verify(ctx context.Context, tokenID uint64, identityID string) (models.VerificationResult, error) {
	ticket, err := v.tickets.Get(tokenID)
	if err != nil {
		v.monitor.TrackVerification("not_found")
		return models.VerificationResult{TokenID: tokenID, Reason: models.ReasonNotFound}, nil
	}

	if !codesEqual(v.Code(tokenID, identityID), ticket.VerificationCode) {
		v.monitor.TrackVerification("identity_mismatch")
		v.log.Warn("Ticket identity mismatch", "token_id", tokenID, "event_id", ticket.EventID)
		return models.VerificationResult{TokenID: tokenID, EventID: ticket.EventID, Reason: models.ReasonIdentityMismatch}, nil
	}

	at, err := v.markVerified(ctx, tokenID)
	if err != nil {
		return models.VerificationResult{}, err
	}

	v.monitor.TrackVerification("valid")
	return models.VerificationResult{
		Valid:      true,
		TokenID:    tokenID,
		EventID:    ticket.EventID,
		SeatIndex:  ticket.SeatIndex,
		VerifiedAt: at,
	}, nil
}

// VerifyPass decodes a ticket pass and verifies it against identityID. A pass
// carrying a code other than the issued one is treated as a mismatch.
func (v *Verifier) VerifyPass(ctx context.Context, encoded, identityID string) (models.VerificationResult, error) {
	pass, err := DecodePass(encoded)
	if err != nil {
		return models.VerificationResult{}, err
	}

	ticket, err := v.tickets.Get(pass.TokenID)
	if err != nil {
		v.monitor.TrackVerification("not_found")
		return models.VerificationResult{TokenID: pass.TokenID, Reason: models.ReasonNotFound}, nil
	}
	if !codesEqual(pass.Code, ticket.VerificationCode) {
		v.monitor.TrackVerification("identity_mismatch")
		return models.VerificationResult{TokenID: pass.TokenID, EventID: ticket.EventID, Reason: models.ReasonIdentityMismatch}, nil
	}
	return v.Verify(ctx, pass.TokenID, identityID)
}

// markVerified adds tokenID to the verified set once and returns the time it
// was first verified.
func (v *Verifier) markVerified(ctx context.Context, tokenID uint64) (time.Time, error) {
	v.mu.Lock()
	if at, ok := v.verified[tokenID]; ok {
		v.mu.Unlock()
		return at, nil
	}
	at := v.now().UTC()
	v.verified[tokenID] = at
	v.mu.Unlock()

	change := models.Change{Verified: []models.Verification{{TokenID: tokenID, VerifiedAt: at}}}
	if err := v.persist.commit(ctx, change); err != nil {
		v.mu.Lock()
		if v.verified[tokenID].Equal(at) {
			delete(v.verified, tokenID)
		}
		v.mu.Unlock()
		return time.Time{}, fmt.Errorf("persist verification: %w", err)
	}
	return at, nil
}

func (v *Verifier) VerifiedAt(tokenID uint64) (time.Time, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	at, ok := v.verified[tokenID]
	return at, ok
}

func (v *Verifier) VerifiedCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.verified)
}

func (v *Verifier) restore(rec models.Verification) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.verified[rec.TokenID]; !ok {
		v.verified[rec.TokenID] = rec.VerifiedAt
	}
}

// Result converts a negative verification outcome into its sentinel error.
func Result(r models.VerificationResult) error {
	switch {
	case r.Valid:
		return nil
	case r.Reason == models.ReasonNotFound:
		return fmt.Errorf("%w: ticket %d", status.ErrNotFound, r.TokenID)
	case r.Reason == models.ReasonIdentityMismatch:
		return fmt.Errorf("%w: ticket %d", status.ErrIdentityMismatch, r.TokenID)
	default:
		return errors.New("verify: unknown result")
	}
}

func codesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
