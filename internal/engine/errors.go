package engine

import (
	"errors"
	"fmt"
)

// Kind tags an engine failure so callers can branch without parsing
// messages.
type Kind string

const (
	KindNotFound              Kind = "not_found"
	KindInvalidLifecyclePhase Kind = "invalid_lifecycle_phase"
	KindInvalidRange          Kind = "invalid_range"
	KindOutOfRange            Kind = "out_of_range"
	KindOverlap               Kind = "overlap"
	KindDuplicateEntity       Kind = "duplicate_entity"
	KindInvalidTransition     Kind = "invalid_transition"
	KindIncompleteApprovals   Kind = "incomplete_approvals"
	KindInvariantViolation    Kind = "invariant_violation"
	KindInvalidSplitPoint     Kind = "invalid_split_point"
	KindNotActive             Kind = "not_active"
	KindBadInput              Kind = "bad_input"
)

type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the taxonomy kind, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
