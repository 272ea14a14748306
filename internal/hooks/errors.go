package hooks

import "errors"

const defaultBlockReason = "Action blocked by hook"

// ErrHookTimeout is recorded when a command hook outlives its timeout.
var ErrHookTimeout = errors.New("hook timed out")

// BlockedError is returned by CheckBlocked when a hook denied the action.
type BlockedError struct {
	Event  Event
	Reason string
}

func (e *BlockedError) Error() string {
	return e.Reason
}

// CheckBlocked converts a denying result into a *BlockedError.
func CheckBlocked(event Event, r Result) error {
	if r.Allowed {
		return nil
	}
	reason := r.Reason()
	if reason == "" {
		reason = defaultBlockReason
	}
	return &BlockedError{Event: event, Reason: reason}
}
