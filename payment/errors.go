package payment

import (
	"errors"
	"fmt"

	"buildsafe/milestone"
)

var (
	// ErrMilestoneNotFound signals the funding target does not exist.
	ErrMilestoneNotFound = errors.New("payment: milestone not found")
	// ErrUnknownMethod signals a payment method no adapter serves.
	ErrUnknownMethod = errors.New("payment: unknown payment method")
	// ErrReferenceNotFound signals the provider reference has no mapping row.
	ErrReferenceNotFound = errors.New("payment: provider reference not mapped")
	// ErrDuplicateEvent signals a webhook delivery that was already applied.
	ErrDuplicateEvent = errors.New("payment: webhook event already processed")
)

// InvalidStateError reports a funding attempt on a milestone that is not
// pending.
type InvalidStateError struct {
	Status milestone.Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("payment: milestone is already %s; only pending milestones can be funded", e.Status)
}
