package status

import "errors"

var (
	ErrInvalidFormat = errors.New("input: invalid format")
	ErrInvalidEvent  = errors.New("event: invalid event definition")
	ErrEventNotFound = errors.New("event: event not found")
	ErrNotFound      = errors.New("request: not found")
	ErrOutOfRange    = errors.New("seat: seat index out of range")

	ErrSeatUnavailable   = errors.New("seat: seat unavailable")
	ErrInvalidTransition = errors.New("seat: invalid state transition")
	ErrAlreadyDecided    = errors.New("request: request already decided")

	// ErrMintFailed leaves the request pending and its seat held so the
	// decision can be retried.
	ErrMintFailed = errors.New("mint: mint failed")
	// ErrMintPending is returned when the caller stops waiting while a mint
	// call is still outstanding. The outcome is applied once it resolves.
	ErrMintPending = errors.New("mint: mint still in flight")

	ErrIdentityMismatch = errors.New("verify: identity mismatch")
	ErrUnauthorized     = errors.New("auth: actor not authorized")
)
