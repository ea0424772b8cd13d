package storage

import "errors"

var (
	// ErrEntityNotFound is returned when a wallet, account, challenge or
	// transaction id is unknown.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrInsufficientFunds is returned when a debit would drop a balance
	// below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidState is returned when mutating an archived or terminal
	// entity, or replaying a mismatched withdrawal decision.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidTarget is returned when transfer endpoints are not valid
	// together (cross-user transfer, self transfer).
	ErrInvalidTarget = errors.New("invalid transfer target")

	// ErrConcurrentModification is returned on an optimistic version
	// conflict; callers should reload and retry.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrExpired marks a challenge that ran past its deadline.
	ErrExpired = errors.New("challenge expired")

	// ErrUnavailable wraps storage-level failures so callers can tell
	// infrastructure trouble from business-rule rejections.
	ErrUnavailable = errors.New("storage unavailable")
)
