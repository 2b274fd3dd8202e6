package models

import "fmt"

// TransientUpstreamError marks a network or timeout failure that occurred
// before authentication completed. The protocol client retries these up to a
// fixed bound; once the bound is exhausted the error becomes terminal.
type TransientUpstreamError struct {
	Op  string
	Err error
}

func (e *TransientUpstreamError) Error() string {
	return fmt.Sprintf("upstream %s failed: %v", e.Op, e.Err)
}

func (e *TransientUpstreamError) Unwrap() error { return e.Err }

// AuthError is a terminal authentication failure with a message safe to show
// to the caller. It is never retried.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// ValidationError rejects a request before any side effect.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// UpstreamStatusError carries an error envelope the upstream returned inside
// an otherwise well-formed payload.
type UpstreamStatusError struct {
	Status int
	Code   string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d (%s)", e.Status, e.Code)
}

// MaintenanceBlocked means the upstream reported an ongoing maintenance
// window for a module. It is not a failure; the affected dataset is simply
// unavailable right now.
type MaintenanceBlocked struct {
	Module string
}

func (e *MaintenanceBlocked) Error() string {
	return fmt.Sprintf("upstream module %s is under maintenance", e.Module)
}
