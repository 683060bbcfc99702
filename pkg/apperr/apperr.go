// Package apperr defines the error-kind taxonomy the crypto core returns.
//
// Core packages (vault, ratchet, keymanager, session, trust, repository)
// never return raw HTTP status codes — they return one of the Kind values
// below, wrapped in an *AppError. Only the Boundary maps a Kind to a
// stable HTTP status when it renders a response.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, comparable error category. Callers should switch on
// Kind (via As/Is), never on Message text.
type Kind string

const (
	// MissingKeys: the caller has no key material on file yet (e.g. a
	// pre-key bundle was requested for a user who never registered keys).
	MissingKeys Kind = "missing_keys"
	// BadKeys: supplied key material failed validation (wrong length,
	// point not on curve, signature does not verify).
	BadKeys Kind = "bad_keys"
	// WeakPassphrase: a passphrase failed the KeyVault's password policy.
	WeakPassphrase Kind = "weak_passphrase"
	// WrongPassphrase: KeyVault AEAD tag verification failed during open.
	WrongPassphrase Kind = "wrong_passphrase"
	// SessionMissing: no session record exists for the requested pair.
	SessionMissing Kind = "session_missing"
	// SessionGone: a session existed but was purged (idle timeout, reset).
	SessionGone Kind = "session_gone"
	// Undecipherable: ratchet decryption failed (bad ciphertext, replay,
	// tampering, or a skipped-key window miss).
	Undecipherable Kind = "undecipherable"
	// OutOfOrder: the message index is outside the accepted skip window.
	OutOfOrder Kind = "out_of_order"
	// TrustBroken: the remote identity key changed and the session's
	// trust policy refuses to proceed without re-verification.
	TrustBroken Kind = "trust_broken"
	// Conflict: a concurrent write lost a compare-and-set race (e.g. two
	// callers claimed the same one-time pre-key).
	Conflict Kind = "conflict"
	// StoreUnavailable: a durable-store operation exceeded its bounded
	// timeout or the backend itself is unreachable.
	StoreUnavailable Kind = "store_unavailable"
)

// httpStatus is the Boundary's Kind -> HTTP status mapping. It lives here
// so every caller of Status() agrees, but only the Boundary calls it.
var httpStatus = map[Kind]int{
	MissingKeys:      http.StatusNotFound,
	BadKeys:          http.StatusUnprocessableEntity,
	WeakPassphrase:   http.StatusBadRequest,
	WrongPassphrase:  http.StatusUnauthorized,
	SessionMissing:   http.StatusNotFound,
	SessionGone:      http.StatusGone,
	Undecipherable:   http.StatusUnprocessableEntity,
	OutOfOrder:       http.StatusConflict,
	TrustBroken:      http.StatusConflict,
	Conflict:         http.StatusConflict,
	StoreUnavailable: http.StatusServiceUnavailable,
}

// AppError is the error type every core package returns.
type AppError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// Status returns the HTTP status code the Boundary should render for this
// error's Kind. Unknown kinds map to 500.
func (e *AppError) Status() int {
	if code, ok := httpStatus[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// New creates an AppError of the given Kind.
func New(kind Kind, message string, details ...string) *AppError {
	err := &AppError{Kind: kind, Message: message}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

// Wrap creates an AppError of the given Kind carrying cause's text as
// Details, preserving the original error for errors.Is/As chains.
func Wrap(kind Kind, message string, cause error) *AppError {
	if cause == nil {
		return New(kind, message)
	}
	return &AppError{Kind: kind, Message: message, Details: cause.Error()}
}

// Is reports whether err is an *AppError of the given Kind.
func Is(err error, kind Kind) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// As extracts an *AppError from err, unwrapping as needed.
func As(err error) (*AppError, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
