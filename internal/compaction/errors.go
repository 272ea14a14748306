package compaction

import "errors"

var (
	// ErrNoReduction is returned when the compacted request is not smaller than the original.
	ErrNoReduction = errors.New("compaction did not reduce token count")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid compaction config")
)

// HookBlockedError is returned when a PreCompact hook denies compaction.
type HookBlockedError struct {
	Reason string
}

func (e *HookBlockedError) Error() string {
	return "pre-compact hook blocked compaction: " + e.Reason
}
