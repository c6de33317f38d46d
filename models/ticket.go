package models

import (
	"strings"
	"time"
)

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

func (s RequestStatus) Terminal() bool {
	return s == RequestApproved || s == RequestRejected
}

type TicketRequest struct {
	ID               string        `json:"id"`
	Seq              uint64        `json:"seq"`
	EventID          string        `json:"event_id"`
	SeatIndex        *int          `json:"seat_index,omitempty"`
	RequesterAddress string        `json:"requester_address"`
	IdentityID       string        `json:"identity_id"`
	ImageHash        string        `json:"image_hash"`
	Status           RequestStatus `json:"status"`
	// TokenID is reserved on the first approval attempt and reused on retry.
	TokenID   uint64     `json:"token_id,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

func (r TicketRequest) Seated() bool {
	return r.SeatIndex != nil
}

type Ticket struct {
	TokenID          uint64    `json:"token_id"`
	EventID          string    `json:"event_id"`
	SeatIndex        *int      `json:"seat_index,omitempty"`
	Owner            string    `json:"owner"`
	IdentityID       string    `json:"identity_id"`
	ImageHash        string    `json:"image_hash"`
	ReceiptID        string    `json:"receipt_id"`
	RequestID        string    `json:"request_id"`
	VerificationCode string    `json:"verification_code"`
	IssuedAt         time.Time `json:"issued_at"`
}

// MaskIdentity keeps only the last four characters of an identity.
func MaskIdentity(id string) string {
	if len(id) <= 4 {
		return strings.Repeat("*", len(id))
	}
	return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
}

// TicketView is a ticket as served over the API. The identity is masked and
// the verification code is left out; both stay in storage only.
type TicketView struct {
	TokenID      uint64     `json:"token_id"`
	EventID      string     `json:"event_id"`
	SeatIndex    *int       `json:"seat_index,omitempty"`
	Owner        string     `json:"owner"`
	IdentityHint string     `json:"identity_hint"`
	ImageHash    string     `json:"image_hash"`
	ReceiptID    string     `json:"receipt_id"`
	RequestID    string     `json:"request_id"`
	IssuedAt     time.Time  `json:"issued_at"`
	Verified     bool       `json:"verified"`
	VerifiedAt   *time.Time `json:"verified_at,omitempty"`
}

func NewTicketView(t Ticket) TicketView {
	return TicketView{
		TokenID:      t.TokenID,
		EventID:      t.EventID,
		SeatIndex:    t.SeatIndex,
		Owner:        t.Owner,
		IdentityHint: MaskIdentity(t.IdentityID),
		ImageHash:    t.ImageHash,
		ReceiptID:    t.ReceiptID,
		RequestID:    t.RequestID,
		IssuedAt:     t.IssuedAt,
	}
}

// RequestView is a ticket request as served over the API.
type RequestView struct {
	ID               string        `json:"id"`
	EventID          string        `json:"event_id"`
	SeatIndex        *int          `json:"seat_index,omitempty"`
	RequesterAddress string        `json:"requester_address"`
	IdentityHint     string        `json:"identity_hint"`
	ImageHash        string        `json:"image_hash"`
	Status           RequestStatus `json:"status"`
	TokenID          uint64        `json:"token_id,omitempty"`
	Reason           string        `json:"reason,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	DecidedAt        *time.Time    `json:"decided_at,omitempty"`
}

func NewRequestView(r TicketRequest) RequestView {
	return RequestView{
		ID:               r.ID,
		EventID:          r.EventID,
		SeatIndex:        r.SeatIndex,
		RequesterAddress: r.RequesterAddress,
		IdentityHint:     MaskIdentity(r.IdentityID),
		ImageHash:        r.ImageHash,
		Status:           r.Status,
		TokenID:          r.TokenID,
		Reason:           r.Reason,
		CreatedAt:        r.CreatedAt,
		DecidedAt:        r.DecidedAt,
	}
}

func NewRequestViews(reqs []TicketRequest) []RequestView {
	out := make([]RequestView, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, NewRequestView(r))
	}
	return out
}

type VerificationResult struct {
	Valid      bool      `json:"valid"`
	Reason     string    `json:"reason,omitempty"`
	TokenID    uint64    `json:"token_id"`
	EventID    string    `json:"event_id,omitempty"`
	SeatIndex  *int      `json:"seat_index,omitempty"`
	VerifiedAt time.Time `json:"verified_at,omitempty"`
}

const (
	ReasonNotFound         = "NotFound"
	ReasonIdentityMismatch = "IdentityMismatch"
)
