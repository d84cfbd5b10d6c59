package milestone

import "fmt"

// legalTransitions encodes the milestone lifecycle:
//
//	pending -> funded             (verified payment webhook)
//	funded  -> submitted          (builder submits evidence)
//	funded  -> pending            (refund resets the cycle)
//	submitted -> approved         (client approves)
//	submitted -> released         (approval is optional before release)
//	approved  -> released
//
// released is terminal.
var legalTransitions = map[Status]map[Status]bool{
	StatusPending:   {StatusFunded: true},
	StatusFunded:    {StatusSubmitted: true, StatusPending: true},
	StatusSubmitted: {StatusApproved: true, StatusReleased: true},
	StatusApproved:  {StatusReleased: true},
	StatusReleased:  {},
}

// InvalidTransitionError reports an attempted move the lifecycle forbids.
// Transitions from a non-matching source state always fail loudly; they are
// never silently ignored.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("milestone: invalid transition %s -> %s", e.From, e.To)
}

// ValidateTransition returns nil when from -> to is legal.
func ValidateTransition(from, to Status) error {
	if next, ok := legalTransitions[from]; ok && next[to] {
		return nil
	}
	return &InvalidTransitionError{From: from, To: to}
}

// IsValidStatus reports whether s is a known lifecycle state.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusFunded, StatusSubmitted, StatusApproved, StatusReleased:
		return true
	default:
		return false
	}
}
