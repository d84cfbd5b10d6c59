package milestone

import (
	"errors"
	"testing"
)

func TestValidateTransition_LegalMoves(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusPending, StatusFunded},
		{StatusFunded, StatusSubmitted},
		{StatusFunded, StatusPending}, // refund resets the cycle
		{StatusSubmitted, StatusApproved},
		{StatusSubmitted, StatusReleased}, // approval is optional
		{StatusApproved, StatusReleased},
	}

	for _, tc := range legal {
		if err := ValidateTransition(tc.from, tc.to); err != nil {
			t.Errorf("expected %s -> %s to be legal, got %v", tc.from, tc.to, err)
		}
	}
}

func TestValidateTransition_IllegalMoves(t *testing.T) {
	illegal := []struct{ from, to Status }{
		{StatusPending, StatusSubmitted},
		{StatusPending, StatusReleased},
		{StatusPending, StatusPending},
		{StatusFunded, StatusReleased},
		{StatusFunded, StatusApproved},
		{StatusSubmitted, StatusPending},
		{StatusSubmitted, StatusFunded},
		{StatusApproved, StatusPending},
		{StatusApproved, StatusFunded},
		{StatusReleased, StatusPending},
		{StatusReleased, StatusFunded},
		{StatusReleased, StatusReleased},
		{Status("unknown"), StatusFunded},
	}

	for _, tc := range illegal {
		err := ValidateTransition(tc.from, tc.to)
		if err == nil {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
			continue
		}
		var invalid *InvalidTransitionError
		if !errors.As(err, &invalid) {
			t.Errorf("expected InvalidTransitionError for %s -> %s, got %v", tc.from, tc.to, err)
			continue
		}
		if invalid.From != tc.from || invalid.To != tc.to {
			t.Errorf("error should identify current and requested state, got %v", invalid)
		}
	}
}

func TestIsValidStatus(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusFunded, StatusSubmitted, StatusApproved, StatusReleased} {
		if !IsValidStatus(s) {
			t.Errorf("expected %s to be valid", s)
		}
	}
	if IsValidStatus(Status("held")) {
		t.Error("expected unknown status to be invalid")
	}
}
