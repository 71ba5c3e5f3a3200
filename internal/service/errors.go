package service

import (
	"errors"

	"payment-service/internal/store"
)

var (
	// ErrNotFound mirrors the store sentinel for callers of the service layer
	ErrNotFound = store.ErrNotFound

	// ErrAlreadyProcessed is returned for a charge against a non-OPEN
	// payment. Surfaced as a conflict, never retried automatically.
	ErrAlreadyProcessed = store.ErrAlreadyProcessed

	// ErrInvalidSignature is returned when a signed item batch fails
	// verification. All-or-nothing: no partial payment is ever created.
	ErrInvalidSignature = errors.New("invalid item signature")

	// ErrTotalMismatch is returned when a client-declared total disagrees
	// with the server-recomputed sum of the stored items.
	ErrTotalMismatch = errors.New("declared total does not match items")

	// ErrChargeInProgress is returned when another charge holds the
	// per-payment lock. The caller may retry once it settles.
	ErrChargeInProgress = errors.New("charge already in progress")
)
