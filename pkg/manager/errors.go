package manager

import (
	"errors"
	"fmt"
)

// ConnectionError indicates the agent socket could not be established, is
// closed, or failed mid-exchange.
type ConnectionError struct {
	VMID int64  // VM whose agent was targeted
	Addr string // Agent address, when known
	Err  error  // Underlying network error, when any
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	switch {
	case e.Err != nil && e.Addr != "":
		return fmt.Sprintf("vm %d: agent %s unreachable: %v", e.VMID, e.Addr, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("vm %d: agent connection failed: %v", e.VMID, e.Err)
	default:
		return fmt.Sprintf("vm %d: no open agent connection", e.VMID)
	}
}

// Unwrap exposes the underlying network error
func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError checks if an error is a ConnectionError
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// AuthenticationError indicates the agent rejected the credentials or there
// was no session to authenticate against.
type AuthenticationError struct {
	VMID   int64
	Reason string
}

// Error implements the error interface
func (e *AuthenticationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("vm %d: authentication failed", e.VMID)
	}
	return fmt.Sprintf("vm %d: authentication failed: %s", e.VMID, e.Reason)
}

// IsAuthenticationError checks if an error is an AuthenticationError
func IsAuthenticationError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// NotFoundError indicates a VM or drive id absent from the store.
type NotFoundError struct {
	Resource string // e.g. "vm:3", "drive:17"
}

// Error implements the error interface
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resource not found: %s", e.Resource)
}

// IsNotFoundError checks if an error is a NotFoundError
func IsNotFoundError(err error) bool {
	var nfErr *NotFoundError
	return errors.As(err, &nfErr)
}

// StateError indicates an operation that requires a connected or
// authenticated VM was invoked against one that is not.
type StateError struct {
	VMID      int64
	Operation string
	Reason    string
}

// Error implements the error interface
func (e *StateError) Error() string {
	return fmt.Sprintf("vm %d: cannot %s: %s", e.VMID, e.Operation, e.Reason)
}

// IsStateError checks if an error is a StateError
func IsStateError(err error) bool {
	var stErr *StateError
	return errors.As(err, &stErr)
}

// ValidationError indicates malformed command fields.
type ValidationError struct {
	Reason string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Reason)
}

// IsValidationError checks if an error is a ValidationError
func IsValidationError(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}

// StoreError indicates an underlying persistence failure.
type StoreError struct {
	Operation string
	Err       error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	return fmt.Sprintf("store failure during %s: %v", e.Operation, e.Err)
}

// Unwrap exposes the underlying store error
func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError checks if an error is a StoreError
func IsStoreError(err error) bool {
	var sErr *StoreError
	return errors.As(err, &sErr)
}

// Common errors
var (
	ErrAgentRejected = errors.New("agent rejected the request")
)
