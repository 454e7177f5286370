package domain

import (
	"errors"
	"fmt"
	"time"
)

// Domain errors
var (
	ErrCredentialRejected = errors.New("portal rejected the login credentials")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrStudentNotFound    = errors.New("student not found")
	ErrMetadataNotFound   = errors.New("meister metadata not found")
	ErrRecordNotFound     = errors.New("meister record not found")
	ErrRateLimited        = errors.New("rate limit exceeded")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrStudentNotFound) ||
		errors.Is(err, ErrMetadataNotFound) ||
		errors.Is(err, ErrRecordNotFound)
}

// RateLimitError reports a privacy toggle attempted before the cooldown
// elapsed, carrying the remaining wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// TransportError wraps a network or protocol failure against the portal.
// It is transient and never recorded as a login error.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("portal %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError checks if an error is a portal transport failure.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ParseError reports a structurally unparsable portal page. The portal's
// HTML shape may silently change, so this is treated as transient.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing portal %s page: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError checks if an error is a portal parse failure.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
