package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Sternrassler/venue-sync-client/pkg/auth"
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassNetwork means no response was received.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassAuth means the credential was rejected.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassPermission means the credential lacks the required role.
	ErrorClassPermission ErrorClass = "permission"

	// ErrorClassValidation means the request was malformed.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassClient represents the remaining 4xx errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassStaleBundle means the client build is older than the API
	// it talks to. Only a full reload helps.
	ErrorClassStaleBundle ErrorClass = "stale_bundle"
)

// Error codes the API uses to signal an outdated client.
const (
	CodeStaleBundle   = "stale_bundle"
	CodeClientOutdate = "client_outdated"
)

// ErrStaleBundle is wrapped by errors of class stale_bundle.
var ErrStaleBundle = errors.New("client bundle is stale, reload required")

// APIError is the normalized shape of every transport failure.
type APIError struct {
	// StatusCode is 0 when no response was received.
	StatusCode int
	Class      ErrorClass

	// Code is the machine-readable error_code of the response envelope.
	Code    string
	Message string
	Details map[string]any

	// Envelope is the normalized response, when there was one.
	Envelope *Envelope
	Err      error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("API %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("API %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps a response to its error class.
func classifyStatus(status int, code string) ErrorClass {
	if code == CodeStaleBundle || code == CodeClientOutdate || status == http.StatusUpgradeRequired {
		return ErrorClassStaleBundle
	}

	switch {
	case status == http.StatusUnauthorized:
		return ErrorClassAuth
	case status == http.StatusForbidden:
		return ErrorClassPermission
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ErrorClassValidation
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// ClassOf returns the class of err, or "" if err is not an *APIError.
func ClassOf(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return ""
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsRetryable is the default retry predicate: no response, any 5xx and 429
// are retryable; every other 4xx is not. A transport error is judged by its
// class, so a client timeout counts as no response. Caller cancellation and
// a fatal session are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, auth.ErrSessionExpired) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Class {
		case ErrorClassNetwork, ErrorClassServer, ErrorClassRateLimit:
			return true
		default:
			return false
		}
	}

	// The transport returns the caller's context error unwrapped.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Not produced by the transport: no response was received.
	return true
}

// IsSessionExpired reports whether err ends the current session.
func IsSessionExpired(err error) bool {
	return errors.Is(err, auth.ErrSessionExpired)
}
