package escrow

import "errors"

var (
	// ErrDuplicateFunding signals a second open attempt while an active
	// (pending or held) transaction already exists for the milestone.
	ErrDuplicateFunding = errors.New("escrow: milestone already has an active transaction")
	// ErrConflict signals a confirm that carries a different external
	// reference than the one already attached.
	ErrConflict = errors.New("escrow: external reference conflict")
	// ErrInvalidLedgerState signals a settle on a transaction that is not held.
	ErrInvalidLedgerState = errors.New("escrow: transaction is not held")
	// ErrNotFound is returned when no transaction exists for the milestone.
	ErrNotFound = errors.New("escrow: transaction not found")
)
