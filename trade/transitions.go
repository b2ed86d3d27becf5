package trade

// allowedTransitions is the complete state machine. Anything not listed is refused.
var allowedTransitions = map[Status][]Status{
	StatusPending: {
		StatusCountered,
		StatusAccepted,
		StatusCancelled,
		StatusRejected,
		StatusExpired,
	},
	StatusAccepted: {
		StatusCompleted,
		StatusCancelled,
		StatusExpired,
		StatusFailed,
	},
}

// CanTransition reports whether from -> to is part of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an *InvalidStateError for transitions outside the table.
func ValidateTransition(id TradeID, action Action, from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return &InvalidStateError{
		TradeID: id,
		Action:  action,
		Status:  from,
		Reason:  "transition to " + string(to) + " not allowed",
	}
}
