package services

import (
	"encoding/base64"
	"fmt"
	"ticket-mint/internal/status"
	"ticket-mint/models"

	"github.com/fxamacker/cbor/v2"
)

// Pass is the payload rendered into a ticket's QR code.
type Pass struct {
	TokenID uint64 `cbor:"1,keyasint"`
	EventID string `cbor:"2,keyasint"`
	Seat    *int   `cbor:"3,keyasint,omitempty"`
	Owner   string `cbor:"4,keyasint"`
	Code    string `cbor:"5,keyasint"`
}

var passEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// EncodePass returns a deterministic, URL-safe pass string for t.
func EncodePass(t models.Ticket) (string, error) {
	data, err := passEncMode.Marshal(Pass{
		TokenID: t.TokenID,
		EventID: t.EventID,
		Seat:    t.SeatIndex,
		Owner:   t.Owner,
		Code:    t.VerificationCode,
	})
	if err != nil {
		return "", fmt.Errorf("encode pass: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func DecodePass(s string) (Pass, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Pass{}, fmt.Errorf("%w: pass is not base64url", status.ErrInvalidFormat)
	}
	var p Pass
	if err := cbor.Unmarshal(data, &p); err != nil {
		return Pass{}, fmt.Errorf("%w: pass payload: %v", status.ErrInvalidFormat, err)
	}
	if p.TokenID == 0 || p.Code == "" {
		return Pass{}, fmt.Errorf("%w: pass is missing token or code", status.ErrInvalidFormat)
	}
	return p, nil
}
