package payment

import (
	"context"
	"errors"
	"fmt"
	"log"

	"buildsafe/escrow"
	"buildsafe/gateway"
	"buildsafe/milestone"
)

// FundResult is returned to the client after a payment session was created
// and the provisional ledger entry opened.
type FundResult struct {
	PaymentURL string
	Reference  string
	Method     escrow.Method
}

// RefundResult reports the settled transaction. RequiresFollowUp is set when
// the provider-side refund failed and an operator has to reconcile manually.
type RefundResult struct {
	Transaction      escrow.Transaction
	RequiresFollowUp bool
}

// Service orchestrates funding, webhook confirmation, release and refund
// across the gateway adapters and the store. It holds no state of its own;
// every consistency guarantee lives in the store's transactions.
type Service struct {
	store    Store
	gateways map[escrow.Method]gateway.Gateway
}

func NewService(store Store, gateways ...gateway.Gateway) *Service {
	byMethod := make(map[escrow.Method]gateway.Gateway, len(gateways))
	for _, gw := range gateways {
		byMethod[gw.Method()] = gw
	}
	return &Service{store: store, gateways: byMethod}
}

// FundMilestone creates a hosted payment session for a pending milestone and
// opens the provisional custody entry. Validation runs before any provider
// call so a doomed request never creates a gateway session.
func (s *Service) FundMilestone(ctx context.Context, milestoneID string, method escrow.Method) (FundResult, error) {
	gw, ok := s.gateways[method]
	if !ok {
		return FundResult{}, ErrUnknownMethod
	}

	mc, err := s.store.GetMilestoneContext(ctx, milestoneID)
	if err != nil {
		return FundResult{}, err
	}
	if mc.Milestone.Status != milestone.StatusPending {
		return FundResult{}, &InvalidStateError{Status: mc.Milestone.Status}
	}
	if gw.Currency() != mc.Project.Currency {
		return FundResult{}, fmt.Errorf("%w: project is %s, %s handles %s",
			gateway.ErrCurrencyMismatch, mc.Project.Currency, method, gw.Currency())
	}

	intent, err := gw.CreateIntent(ctx, mc.Milestone, mc.Project.Currency, gateway.Contact{Email: mc.ClientEmail})
	if err != nil {
		return FundResult{}, err
	}

	if _, err := s.store.OpenFunding(ctx, OpenFundingParams{
		MilestoneID: milestoneID,
		Amount:      mc.Milestone.Amount,
		Method:      method,
		ProviderRef: intent.ProviderRef,
	}); err != nil {
		return FundResult{}, err
	}

	return FundResult{
		PaymentURL: intent.RedirectURL,
		Reference:  intent.ProviderRef,
		Method:     method,
	}, nil
}

// HandleWebhook authenticates and applies one provider delivery. Signature
// failures propagate so the transport layer can reject the request; once the
// body is authenticated and parsed, every failure is logged and acknowledged.
// The provider is not a retry queue: anything that could not be applied is
// reconciled manually from the logs and the ledger.
func (s *Service) HandleWebhook(ctx context.Context, method escrow.Method, rawBody []byte, signatureHeader string) error {
	gw, ok := s.gateways[method]
	if !ok {
		return ErrUnknownMethod
	}

	ev, err := gw.ParseWebhook(rawBody, signatureHeader)
	if err != nil {
		return err
	}

	if !ev.Completed {
		log.Printf("payment: ignoring %s event %q", method, ev.Kind)
		return nil
	}

	milestoneID, err := s.resolveMilestone(ctx, ev)
	if err != nil {
		log.Printf("payment: %s webhook reference %q not resolved, acknowledged: %v", method, ev.Reference, err)
		return nil
	}

	res, err := s.store.ConfirmFunding(ctx, ConfirmFundingParams{
		MilestoneID: milestoneID,
		ExternalRef: ev.Reference,
		Provider:    method,
		EventKey:    ev.EventKey,
		Amount:      ev.Amount,
	})
	if err != nil {
		log.Printf("payment: %s webhook for milestone %s not applied, acknowledged for manual reconciliation: %v", method, milestoneID, err)
		return nil
	}
	if res.Duplicate {
		log.Printf("payment: %s webhook replay for milestone %s, no-op", method, milestoneID)
	}
	return nil
}

// resolveMilestone prefers the reference mapping written at intent time and
// falls back to the identifier the provider echoed from metadata.
func (s *Service) resolveMilestone(ctx context.Context, ev gateway.Event) (string, error) {
	if ev.Reference != "" {
		id, err := s.store.ResolveReference(ctx, ev.Reference)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrReferenceNotFound) {
			return "", err
		}
	}
	if ev.MilestoneID != "" {
		return ev.MilestoneID, nil
	}
	return "", ErrReferenceNotFound
}

// Release pays the builder out of custody. Allowed once evidence has been
// submitted, with or without the client's explicit approval step.
func (s *Service) Release(ctx context.Context, milestoneID string) (escrow.Transaction, error) {
	return s.store.Release(ctx, milestoneID)
}

// Refund returns held funds to the client and resets the milestone. Both the
// ledger row and the milestone are validated before the provider is asked to
// move money; once it has, the local settle proceeds even if the provider
// call failed, flagging the row for manual follow-up, so the ledger never
// shows funds as held that the operator has decided to return.
func (s *Service) Refund(ctx context.Context, milestoneID, reason string) (RefundResult, error) {
	txn, err := s.store.LatestTransaction(ctx, milestoneID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			return RefundResult{}, escrow.ErrInvalidLedgerState
		}
		return RefundResult{}, err
	}
	if txn.Status != escrow.StatusHeld {
		return RefundResult{}, escrow.ErrInvalidLedgerState
	}

	mc, err := s.store.GetMilestoneContext(ctx, milestoneID)
	if err != nil {
		return RefundResult{}, err
	}
	if mc.Milestone.Status != milestone.StatusFunded {
		return RefundResult{}, &milestone.InvalidTransitionError{From: mc.Milestone.Status, To: milestone.StatusPending}
	}

	followUp := false
	gw, ok := s.gateways[txn.Method]
	if ok && txn.ExternalRef != nil {
		if err := gw.Refund(ctx, *txn.ExternalRef, txn.Amount); err != nil {
			log.Printf("payment: %s refund for milestone %s failed, flagging for follow-up: %v", txn.Method, milestoneID, err)
			followUp = true
		}
	} else {
		log.Printf("payment: no provider refund path for milestone %s, flagging for follow-up", milestoneID)
		followUp = true
	}

	settled, err := s.store.Refund(ctx, RefundParams{
		MilestoneID:   milestoneID,
		Reason:        reason,
		FlagAttention: followUp,
	})
	if err != nil {
		return RefundResult{}, err
	}

	return RefundResult{Transaction: settled, RequiresFollowUp: followUp}, nil
}
