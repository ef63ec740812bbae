package services

import (
	"errors"
	"net/http"
)

// Billing error taxonomy. Handlers map these to HTTP statuses with
// HTTPStatus; callers and tests match on the sentinel values.
var (
	ErrInvalidCredential   = errors.New("invalid credential")
	ErrOperatorLocked      = errors.New("operator account locked or inactive")
	ErrAppNotEntitled      = errors.New("application not entitled")
	ErrInvalidPlayerCount  = errors.New("invalid player count")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateInFlight   = errors.New("duplicate request in flight")
	ErrConcurrencyConflict = errors.New("concurrency conflict, retry with backoff")
	ErrSessionNotFound     = errors.New("session not found")
	ErrOperatorNotFound    = errors.New("operator account not found")
	ErrAlreadySettled      = errors.New("session already settled")
)

// HTTPStatus maps a billing error to its response status code.
// ErrAlreadySettled is deliberately absent: replays are answered 200.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidCredential):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrOperatorLocked), errors.Is(err, ErrAppNotEntitled):
		return http.StatusForbidden
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrOperatorNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateInFlight), errors.Is(err, ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidPlayerCount):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller should retry the request.
func Retryable(err error) bool {
	return errors.Is(err, ErrDuplicateInFlight) || errors.Is(err, ErrConcurrencyConflict)
}
