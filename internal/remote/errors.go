package remote

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for programmatic handling with errors.Is.
var (
	// ErrConnection marks transport-level failures (no network, DNS,
	// timeouts). Retryable by the caller.
	ErrConnection = errors.New("connection problem")

	// ErrWrongCredentials marks auth-class failures. The session policy
	// renews once and retries once before surfacing it.
	ErrWrongCredentials = errors.New("wrong credentials")

	// ErrGone marks "resource already gone" style failures (404/410 and
	// the forbidden responses servers return for deleted resources).
	ErrGone = errors.New("resource gone")
)

// ConnectionError wraps a transport failure with its cause.
type ConnectionError struct {
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection problem: %v", e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// ServiceError is a 4xx/5xx class failure other than auth or validation.
type ServiceError struct {
	Status      int
	Description string
}

func (e *ServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("service error (%d): %s", e.Status, e.Description)
	}
	return fmt.Sprintf("service error: %s", e.Description)
}

// Is lets gone-class service responses match ErrGone.
func (e *ServiceError) Is(target error) bool {
	if target == ErrGone {
		return e.Status == 403 || e.Status == 404 || e.Status == 410
	}
	return false
}

// FieldError is one per-field validation failure, suitable for form display.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError is a 422-class failure carrying per-field detail.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.Error()
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// AuthError is the terminal auth failure surfaced after the one-shot
// renew-and-retry policy has been exhausted. The caller should force
// re-login.
type AuthError struct {
	Cause error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("authentication failed: %v", e.Cause)
	}
	return "authentication failed"
}

func (e *AuthError) Unwrap() error { return e.Cause }

func (e *AuthError) Is(target error) bool { return target == ErrWrongCredentials }

// IsAuth reports whether err is an auth-class failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrWrongCredentials)
}

// IsGone reports whether err means the resource no longer exists remotely
// (or access to it was revoked because it no longer exists for this
// client). Deletes treat it as success.
func IsGone(err error) bool {
	return errors.Is(err, ErrGone)
}

// IsConnection reports whether err is a transport-level failure.
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}
