// Package apperrors defines the typed failures surfaced by the sync core.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrNotConfigured is returned when an operation needs the backend but no
// account is configured.
var ErrNotConfigured = errors.New("backend not configured")

// NetworkKind classifies a NetworkError.
type NetworkKind string

const (
	NetworkConnectivity NetworkKind = "connectivity"
	NetworkTimeout      NetworkKind = "timeout"
	NetworkDNS          NetworkKind = "dns"
	NetworkHTTPStatus   NetworkKind = "http_status"
	// NetworkBodyTooLarge is a response body over the client's size limit.
	NetworkBodyTooLarge NetworkKind = "body_too_large"
)

// NetworkError is a failed request, carrying the URL it was made against.
type NetworkError struct {
	URL        string
	Kind       NetworkKind
	StatusCode int
	Cause      error
}

func (e *NetworkError) Error() string {
	if e.Kind == NetworkHTTPStatus {
		return fmt.Sprintf("network %s %d for %s", e.Kind, e.StatusCode, e.URL)
	}
	if e.Cause != nil {
		return fmt.Sprintf("network %s for %s: %v", e.Kind, e.URL, e.Cause)
	}
	return fmt.Sprintf("network %s for %s", e.Kind, e.URL)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// DatabaseCode classifies a DatabaseError.
type DatabaseCode string

const (
	DatabaseNotFound DatabaseCode = "not_found"
	DatabaseStorage  DatabaseCode = "storage"
)

// DatabaseError wraps a store failure.
type DatabaseError struct {
	Code  DatabaseCode
	Op    string
	Cause error
}

func (e *DatabaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("database %s in %s: %v", e.Code, e.Op, e.Cause)
	}
	return fmt.Sprintf("database %s in %s", e.Code, e.Op)
}

func (e *DatabaseError) Unwrap() error { return e.Cause }

// BackendCode classifies a BackendError.
type BackendCode string

const (
	BackendMalformedResponse BackendCode = "malformed_response"
	BackendUnauthorized      BackendCode = "unauthorized"
	BackendRejected          BackendCode = "rejected"
)

// BackendError is a structured failure from the aggregation service.
type BackendError struct {
	Code  BackendCode
	Op    string
	Cause error
}

func (e *BackendError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("backend %s in %s: %v", e.Code, e.Op, e.Cause)
	}
	return fmt.Sprintf("backend %s in %s", e.Code, e.Op)
}

func (e *BackendError) Unwrap() error { return e.Cause }

// UnknownError wraps a failure that could not be classified.
type UnknownError struct {
	Cause error
}

func (e *UnknownError) Error() string { return fmt.Sprintf("unknown error: %v", e.Cause) }

func (e *UnknownError) Unwrap() error { return e.Cause }

func NotFound(op string, cause error) error {
	return &DatabaseError{Code: DatabaseNotFound, Op: op, Cause: cause}
}

func Storage(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &DatabaseError{Code: DatabaseStorage, Op: op, Cause: cause}
}

func Backend(code BackendCode, op string, cause error) error {
	return &BackendError{Code: code, Op: op, Cause: cause}
}

// Classify returns err unchanged when it already belongs to the taxonomy and
// wraps it in UnknownError otherwise.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var (
		netErr     *NetworkError
		dbErr      *DatabaseError
		backendErr *BackendError
		unknownErr *UnknownError
	)
	switch {
	case errors.As(err, &netErr), errors.As(err, &dbErr),
		errors.As(err, &backendErr), errors.As(err, &unknownErr),
		errors.Is(err, ErrNotConfigured),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return &UnknownError{Cause: err}
}

// IsNotFound reports whether err is a DatabaseError with the not_found code.
func IsNotFound(err error) bool {
	var dbErr *DatabaseError
	return errors.As(err, &dbErr) && dbErr.Code == DatabaseNotFound
}

// IsUnauthorized reports whether the backend rejected the credential.
func IsUnauthorized(err error) bool {
	var backendErr *BackendError
	return errors.As(err, &backendErr) && backendErr.Code == BackendUnauthorized
}

// IsRetryable reports whether repeating the call may succeed.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		switch netErr.Kind {
		case NetworkHTTPStatus:
			return netErr.StatusCode == http.StatusTooManyRequests || netErr.StatusCode >= 500
		case NetworkBodyTooLarge:
			return false
		}
		return true
	}
	return false
}
