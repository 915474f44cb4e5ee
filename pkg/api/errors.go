package api

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorClass is the routing-relevant category of a failure.
type ErrorClass string

const (
	// ClassTransient covers timeouts, 429s, and 5xx responses. The
	// attempt may be retried, on the same deployment or a sibling.
	ClassTransient ErrorClass = "transient"

	// ClassCapacity means a local rate-limit reservation was denied
	// before any network call was made.
	ClassCapacity ErrorClass = "capacity"

	// ClassDeploymentTerminal covers auth and misconfiguration
	// failures: this deployment will not recover on its own, but a
	// sibling deployment may still serve the request.
	ClassDeploymentTerminal ErrorClass = "deployment_terminal"

	// ClassRequestTerminal covers client-input errors (validation,
	// context length exceeded). No deployment would succeed.
	ClassRequestTerminal ErrorClass = "request_terminal"

	// ClassInternal is a router bug. Always fatal, never counted
	// against a deployment.
	ClassInternal ErrorClass = "internal"
)

// Retryable reports whether a failure of this class may be absorbed
// by retrying or trying a sibling deployment.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassTransient, ClassCapacity, ClassDeploymentTerminal:
		return true
	default:
		return false
	}
}

// ClassifiedError is a failure annotated with its routing class.
// Provider adapters normalize backend errors into this type before
// they reach the router; callers never see provider-specific shapes.
type ClassifiedError struct {
	Class        ErrorClass
	StatusCode   int    // originating HTTP status, 0 if none
	DeploymentID string // deployment that produced the failure, if known
	Message      string

	// RetryAfter is a hint for how long to wait before the failure is
	// expected to clear. Zero means no hint.
	RetryAfter time.Duration

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Class))
	if e.DeploymentID != "" {
		fmt.Fprintf(&b, " [%s]", e.DeploymentID)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a retryable transient failure.
func NewTransientError(deploymentID, message string, cause error) *ClassifiedError {
	return &ClassifiedError{Class: ClassTransient, DeploymentID: deploymentID, Message: message, Err: cause}
}

// NewCapacityError creates a reservation-denied failure with a
// retry-after hint.
func NewCapacityError(deploymentID, message string, retryAfter time.Duration) *ClassifiedError {
	return &ClassifiedError{Class: ClassCapacity, DeploymentID: deploymentID, Message: message, RetryAfter: retryAfter}
}

// NewDeploymentError creates a terminal-for-this-deployment failure.
func NewDeploymentError(deploymentID, message string, cause error) *ClassifiedError {
	return &ClassifiedError{Class: ClassDeploymentTerminal, DeploymentID: deploymentID, Message: message, Err: cause}
}

// NewRequestError creates a terminal-for-the-request failure.
func NewRequestError(message string, cause error) *ClassifiedError {
	return &ClassifiedError{Class: ClassRequestTerminal, Message: message, Err: cause}
}

// NewInternalError creates a router-internal failure.
func NewInternalError(message string, cause error) *ClassifiedError {
	return &ClassifiedError{Class: ClassInternal, Message: message, Err: cause}
}

// ClassOf extracts the routing class from an error. Unclassified
// errors are treated as internal: the router only absorbs failures it
// understands.
func ClassOf(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassInternal
}

// AttemptError records the outcome of one failed dispatch, kept for
// the final aggregated error.
type AttemptError struct {
	DeploymentID string
	Model        string
	Err          error
}

// ExhaustedError is returned when the retry budget and the full
// fallback chain are spent without a successful attempt. It aggregates
// the last error seen per attempted deployment.
type ExhaustedError struct {
	Model    string         // primary logical model of the request
	Chain    []string       // models tried, in order
	Attempts []AttemptError // failed dispatches, in order
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "router exhausted for model %q after %d attempts", e.Model, len(e.Attempts))
	if len(e.Chain) > 1 {
		fmt.Fprintf(&b, " across %v", e.Chain)
	}
	if last := e.Last(); last != nil {
		fmt.Fprintf(&b, ": last error: %v", last)
	}
	return b.String()
}

// Last returns the most recent attempt error, or nil if no dispatch
// ever happened (for example when every deployment was cooling).
func (e *ExhaustedError) Last() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}
