package httpapi

import (
	"errors"
	"log"
	"net/http"

	"buildsafe/auth"
	"buildsafe/builder"
	"buildsafe/escrow"
	"buildsafe/gateway"
	"buildsafe/milestone"
	"buildsafe/payment"
	"buildsafe/project"
)

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto HTTP statuses. State conflicts are 409
// so clients can distinguish "retry later" from "never valid"; anything
// unmapped is a 500 with the detail kept server-side.
func writeError(w http.ResponseWriter, err error) {
	var (
		transitionErr *milestone.InvalidTransitionError
		stateErr      *payment.InvalidStateError
	)

	switch {
	case errors.Is(err, milestone.ErrNotFound),
		errors.Is(err, project.ErrNotFound),
		errors.Is(err, builder.ErrNotFound),
		errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, payment.ErrMilestoneNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})

	case errors.Is(err, auth.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error()})

	case errors.Is(err, milestone.ErrRoleForbidden),
		errors.Is(err, builder.ErrRoleForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error()})

	case errors.Is(err, auth.ErrDuplicateEmail),
		errors.Is(err, escrow.ErrDuplicateFunding),
		errors.Is(err, escrow.ErrConflict),
		errors.Is(err, escrow.ErrInvalidLedgerState),
		errors.As(err, &transitionErr),
		errors.As(err, &stateErr):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})

	case errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, payment.ErrUnknownMethod),
		errors.Is(err, gateway.ErrCurrencyMismatch):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})

	case errors.Is(err, gateway.ErrProvider):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "payment provider unavailable"})

	default:
		log.Printf("httpapi: internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}
