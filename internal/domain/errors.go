package domain

import "github.com/pkg/errors"

var (
	// ErrAccountNotFound is returned when no account exists for an id.
	ErrAccountNotFound = errors.New("account not found")
	// ErrKeyFieldChanged is returned when a compare-and-set on an account key
	// field lost against a concurrent writer.
	ErrKeyFieldChanged = errors.New("account key field changed concurrently")
	// ErrInvalidToken is returned for unknown, expired or malformed session tokens.
	ErrInvalidToken = errors.New("invalid session token")
	// ErrEmptyRoster is returned when an advisor update names nobody.
	ErrEmptyRoster = errors.New("advisor roster must name at least one advisor")
)
