package scrutin

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the orchestrator's handling policy:
// configuration errors are rejected before any state change, cryptographic
// verification failures are fatal and need human remediation, conflicts and
// timeouts are retryable.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindCryptoVerification
	KindConflict
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindCryptoVerification:
		return "crypto-verification"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	}
	return "unknown"
}

// Error is an error with a handling classification attached.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// ConfigErr builds a configuration error (never retried, no state change).
func ConfigErr(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConfiguration, Err: fmt.Errorf(format, args...)}
}

// CryptoErr builds a cryptographic verification error (fatal, never
// auto-retried with substituted data).
func CryptoErr(format string, args ...interface{}) *Error {
	return &Error{Kind: KindCryptoVerification, Err: fmt.Errorf(format, args...)}
}

// ConflictErr builds an optimistic-concurrency conflict (retry after
// re-reading state).
func ConflictErr(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Err: fmt.Errorf(format, args...)}
}

// TimeoutErr builds a retryable timeout error.
func TimeoutErr(format string, args ...interface{}) *Error {
	return &Error{Kind: KindTimeout, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the classification from anywhere in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether the orchestrator may retry the operation
// (after re-reading state, with backoff).
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindTimeout:
		return true
	}
	return false
}
