/*
errors.go - Error taxonomy of the trade engine

PURPOSE:
  Callers branch on error kind with errors.Is against the sentinels below.
  Structured errors carry the context (trade, inventory, card, quantities)
  and unwrap to exactly one sentinel.

ERROR CATEGORIES:
  1. Lifecycle errors - InvalidState, Forbidden
  2. Escrow errors - InsufficientAvailableQuantity, CardNotTradeable
  3. Lookup errors - NotFound
  4. Exchange errors - ExchangeFailed (trade is left FAILED)
  5. Input errors - Validation

SEE ALSO:
  - api/handlers.go: Maps each category to an HTTP status
*/
package trade

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidState is returned when the requested transition is not allowed
	// from the trade's current status, including losing a concurrent race.
	ErrInvalidState = errors.New("invalid trade state")

	// ErrForbidden is returned when the caller is not permitted to act.
	ErrForbidden = errors.New("forbidden")

	// ErrInsufficientAvailableQuantity is returned when a reservation would
	// push locked_quantity above quantity.
	ErrInsufficientAvailableQuantity = errors.New("insufficient available quantity")

	// ErrCardNotTradeable is returned for holdings flagged non-tradeable.
	ErrCardNotTradeable = errors.New("card not tradeable")

	ErrNotFound = errors.New("not found")

	// ErrExchangeFailed is returned when the atomic exchange aborts.
	ErrExchangeFailed = errors.New("exchange failed")

	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidStateError describes a refused transition.
type InvalidStateError struct {
	TradeID TradeID
	Action  Action
	Status  Status
	Reason  string
}

func (e *InvalidStateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s trade %s in status %s: %s", actionVerb(e.Action), e.TradeID, e.Status, e.Reason)
	}
	return fmt.Sprintf("cannot %s trade %s in status %s", actionVerb(e.Action), e.TradeID, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// ForbiddenError names the caller that may not perform the action.
type ForbiddenError struct {
	TradeID TradeID
	Actor   UserID
	Action  Action
	Reason  string
}

func (e *ForbiddenError) Error() string {
	if e.TradeID == "" {
		return fmt.Sprintf("user %s may not %s: %s", e.Actor, actionVerb(e.Action), e.Reason)
	}
	return fmt.Sprintf("user %s may not %s trade %s: %s", e.Actor, actionVerb(e.Action), e.TradeID, e.Reason)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// InsufficientQuantityError provides details about an escrow shortage.
type InsufficientQuantityError struct {
	InventoryID InventoryID
	CardID      CardID
	Available   int
	Requested   int
}

func (e *InsufficientQuantityError) Error() string {
	return fmt.Sprintf("insufficient available quantity of card %s in inventory %s: available %d, requested %d",
		e.CardID, e.InventoryID, e.Available, e.Requested)
}

func (e *InsufficientQuantityError) Unwrap() error { return ErrInsufficientAvailableQuantity }

type NotTradeableError struct {
	InventoryID InventoryID
	CardID      CardID
}

func (e *NotTradeableError) Error() string {
	return fmt.Sprintf("card %s in inventory %s is not tradeable", e.CardID, e.InventoryID)
}

func (e *NotTradeableError) Unwrap() error { return ErrCardNotTradeable }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string // "trade", "inventory", "holding"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ExchangeError wraps the cause of an aborted exchange.
type ExchangeError struct {
	TradeID TradeID
	Err     error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange for trade %s failed: %v", e.TradeID, e.Err)
}

// Unwrap exposes both ErrExchangeFailed and the underlying cause.
func (e *ExchangeError) Unwrap() []error { return []error{ErrExchangeFailed, e.Err} }

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInsufficientAvailableQuantity) ||
		errors.Is(err, ErrCardNotTradeable) ||
		errors.Is(err, ErrNotFound)
}

// IsConflict returns true when the request lost against the current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInsufficientAvailableQuantity) ||
		errors.Is(err, ErrExchangeFailed)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// isRefusal reports errors that leave the trade untouched and are worth an
// ACTION_FAILED history record.
func isRefusal(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInsufficientAvailableQuantity) ||
		errors.Is(err, ErrCardNotTradeable)
}

func actionVerb(a Action) string {
	switch a {
	case ActionCreated:
		return "create"
	case ActionCounterOffered:
		return "counter"
	case ActionAccepted:
		return "accept"
	case ActionConfirmed:
		return "confirm"
	case ActionUnconfirmed:
		return "unconfirm"
	case ActionRejected:
		return "reject"
	case ActionCancelled:
		return "cancel"
	case ActionExpired:
		return "expire"
	case ActionReleased:
		return "release"
	case ActionCompleted:
		return "complete"
	case ActionFailed:
		return "fail"
	}
	return string(a)
}
