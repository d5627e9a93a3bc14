package quote

import (
	"errors"
	"fmt"

	"agrispare-be/internal/identity"
)

var (
	// -- Negotiation outcomes surfaced to callers --
	ErrNotFound         = errors.New("quote not found")
	ErrTransitionDenied = errors.New("transition denied")
	ErrValidationFailed = errors.New("validation failed")
	ErrStorageFailure   = errors.New("storage failure, please retry")

	// -- Session state --
	ErrResyncRequired = errors.New("quote must be re-fetched before further edits")
	ErrNoDraft        = errors.New("no draft open for editing")
	ErrNoQuoteOpen    = errors.New("no quote open")

	// -- Authentication --
	ErrUnauthenticated = errors.New("actor not authenticated")
)

// TransitionDeniedError carries diagnostics for a refused action. Reason is
// safe to show to the actor.
//
// Hidden is set when the quote is unknown or outside the actor's scope. Such
// an error also matches ErrNotFound and never reveals the status, so both
// causes look the same to the caller.
type TransitionDeniedError struct {
	Action Action
	Status Status
	Role   identity.Role
	Reason string
	Hidden bool
}

func (e *TransitionDeniedError) Error() string {
	if e.Hidden {
		return fmt.Sprintf("cannot %s quote: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("cannot %s quote in status %s as %s: %s", e.Action, e.Status, e.Role, e.Reason)
}

func (e *TransitionDeniedError) Is(target error) bool {
	return target == ErrTransitionDenied || (e.Hidden && target == ErrNotFound)
}

func hiddenDenied(action Action, actor identity.Identity) error {
	return &TransitionDeniedError{
		Action: action,
		Role:   actor.Role,
		Reason: ErrNotFound.Error(),
		Hidden: true,
	}
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// StorageError wraps adapter-level failures. Always retryable, never
// partially applied from the caller's point of view.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFailure
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStorageFailure) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Kind names the class of err for API clients.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransitionDenied):
		return "transition_denied"
	case errors.Is(err, ErrValidationFailed):
		return "validation_failed"
	case errors.Is(err, ErrStorageFailure):
		return "storage_failure"
	case errors.Is(err, ErrResyncRequired):
		return "resync_required"
	case errors.Is(err, ErrNoDraft):
		return "no_draft"
	case errors.Is(err, ErrNoQuoteOpen):
		return "no_quote_open"
	}
	return "internal"
}

// PublicMessage is the text safe to show the actor. Storage details and the
// existence of out-of-scope quotes never leak through it.
func PublicMessage(err error) string {
	var tde *TransitionDeniedError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return ErrNotFound.Error()
	case errors.As(err, &tde):
		return tde.Reason
	case errors.Is(err, ErrStorageFailure):
		return ErrStorageFailure.Error()
	case Kind(err) == "internal":
		return "internal error"
	}
	return err.Error()
}
