package contracts

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAccessDenied indicates the caller lacks the permission the operation requires.
	ErrAccessDenied = errors.New("contracts: access denied")
	// ErrConflict indicates a uniqueness or concurrent-modification conflict.
	ErrConflict = errors.New("contracts: conflict")
	// ErrInvalidState indicates an approval decision against a non-pending approval.
	ErrInvalidState = errors.New("contracts: invalid state")
	// ErrInvalidTransition indicates an illegal contract status change.
	ErrInvalidTransition = errors.New("contracts: invalid transition")
	// ErrApprovalsIncomplete indicates the latest version is not fully approved.
	ErrApprovalsIncomplete = errors.New("contracts: approvals incomplete")
	// ErrPersistenceFailure indicates a transient storage failure.
	ErrPersistenceFailure = errors.New("contracts: persistence failure")
	// ErrNotFound indicates the referenced record does not exist.
	ErrNotFound = errors.New("contracts: not found")
	// ErrValidation indicates malformed caller input.
	ErrValidation = errors.New("contracts: validation failed")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// ServiceError carries a stable "operation.reason" code alongside the error kind and cause.
type ServiceError struct {
	code  string
	kind  error
	cause error
}

func (e *ServiceError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %v", e.code, e.kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.code, e.kind, e.cause)
}

// Unwrap exposes both the taxonomy kind and the underlying cause to errors.Is/As.
func (e *ServiceError) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if e.kind != nil {
		unwrapped = append(unwrapped, e.kind)
	}
	if e.cause != nil {
		unwrapped = append(unwrapped, e.cause)
	}
	return unwrapped
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

// Kind returns the taxonomy sentinel.
func (e *ServiceError) Kind() error {
	return e.kind
}

func newServiceError(operation, reason string, kind, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), kind: kind, cause: cause}
}

// TransitionError explains why a status change was refused.
type TransitionError struct {
	Kind                 error
	From                 Status
	To                   Status
	ApprovedCount        int
	PendingCount         int
	OutstandingApprovers []string
	Reason               string
}

func (e *TransitionError) Error() string {
	switch {
	case errors.Is(e.Kind, ErrApprovalsIncomplete):
		if len(e.OutstandingApprovers) > 0 {
			return fmt.Sprintf("%v: %d approved, %d pending (waiting on %s)", e.Kind, e.ApprovedCount, e.PendingCount, strings.Join(e.OutstandingApprovers, ", "))
		}
		return fmt.Sprintf("%v: %d approved, %d pending", e.Kind, e.ApprovedCount, e.PendingCount)
	case e.Reason != "":
		return fmt.Sprintf("%v: %s -> %s: %s", e.Kind, e.From, e.To, e.Reason)
	default:
		return fmt.Sprintf("%v: %s -> %s", e.Kind, e.From, e.To)
	}
}

func (e *TransitionError) Unwrap() error {
	return e.Kind
}
