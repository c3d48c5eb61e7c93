package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error is the typed error returned by engine operations.
//
// Callers branch on Code, or on Category to choose between fixing the input
// (policy), retrying later (infrastructure) and escalating (business).
// Duplicate suppression is never an error: Fire reports it as applied=false.
type Error struct {
	// Code identifies the error.
	Code Code

	// Message is a human-readable description.
	Message string

	// EntityID identifies the affected entity.
	EntityID string

	// State is the encoded state the entity was in.
	State string

	// Trigger is the encoded trigger being fired.
	Trigger string

	// Permitted lists the triggers allowed from State (INVALID_TRANSITION).
	Permitted []string

	// UnmetGuards lists the guard descriptions blocking Trigger (GUARD_FAILED).
	UnmetGuards []string

	// RetryAfter estimates when a blocked operation may succeed (CIRCUIT_OPEN).
	RetryAfter time.Duration

	// Err is the underlying cause, if any.
	Err error
}

// Code identifies an engine error.
type Code string

const (
	// CodeInvalidTransition: the trigger is not permitted from the current state.
	CodeInvalidTransition Code = "INVALID_TRANSITION"

	// CodeGuardFailed: the trigger is configured but its guards are not met.
	CodeGuardFailed Code = "GUARD_FAILED"

	// CodeInvalidArguments: the trigger arguments cannot form a dedupe key.
	CodeInvalidArguments Code = "INVALID_ARGUMENTS"

	// CodeCircuitOpen: the trigger's circuit breaker rejected the call.
	CodeCircuitOpen Code = "CIRCUIT_OPEN"

	// CodeEntityClosed: the engine was closed.
	CodeEntityClosed Code = "ENTITY_CLOSED"

	// CodeDurabilityFailure: the event log failed to append. The in-memory
	// state was rolled back.
	CodeDurabilityFailure Code = "DURABILITY_FAILURE"

	// CodeLockTimeout: the entity lock or a breaker guard was not acquired
	// in time. Usually contention or a deadlock.
	CodeLockTimeout Code = "LOCK_TIMEOUT"

	// CodeActionFailed: an entry or exit action failed. The state was
	// rolled back and nothing was appended.
	CodeActionFailed Code = "ACTION_FAILED"
)

// Category groups codes by the response they call for.
type Category string

const (
	CategoryPolicy         Category = "policy"
	CategoryInfrastructure Category = "infrastructure"
	CategoryBusiness       Category = "business"
)

// Category returns the category of c.
func (c Code) Category() Category {
	switch c {
	case CodeDurabilityFailure, CodeLockTimeout:
		return CategoryInfrastructure
	case CodeActionFailed:
		return CategoryBusiness
	}
	return CategoryPolicy
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.EntityID != "" {
		fmt.Fprintf(&b, " (entity=%s", e.EntityID)
		if e.Trigger != "" {
			fmt.Fprintf(&b, ", trigger=%s", e.Trigger)
		}
		b.WriteByte(')')
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CategoryOf returns the category of an engine error anywhere in err's chain.
func CategoryOf(err error) (Category, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code.Category(), true
	}
	return "", false
}

func hasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsInvalidTransition returns true if err is an INVALID_TRANSITION error.
func IsInvalidTransition(err error) bool { return hasCode(err, CodeInvalidTransition) }

// IsGuardFailed returns true if err is a GUARD_FAILED error.
func IsGuardFailed(err error) bool { return hasCode(err, CodeGuardFailed) }

// IsDurabilityFailure returns true if err is a DURABILITY_FAILURE error.
func IsDurabilityFailure(err error) bool { return hasCode(err, CodeDurabilityFailure) }

// IsLockTimeout returns true if err is a LOCK_TIMEOUT error.
func IsLockTimeout(err error) bool { return hasCode(err, CodeLockTimeout) }

// IsCircuitOpen returns true if err is a CIRCUIT_OPEN error.
func IsCircuitOpen(err error) bool { return hasCode(err, CodeCircuitOpen) }

// IsEntityClosed returns true if err is an ENTITY_CLOSED error.
func IsEntityClosed(err error) bool { return hasCode(err, CodeEntityClosed) }
