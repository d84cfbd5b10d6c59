package httpapi

import (
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"buildsafe/escrow"
	"buildsafe/gateway"
)

type fundMilestoneReq struct {
	MilestoneID   string        `json:"milestoneId"`
	PaymentMethod escrow.Method `json:"paymentMethod"`
}

func (s *Server) handleFundMilestone(w http.ResponseWriter, r *http.Request) {
	var req fundMilestoneReq
	if err := decodeJSON(r, &req); err != nil || req.MilestoneID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "milestoneId and paymentMethod are required"})
		return
	}

	res, err := s.payments.FundMilestone(r.Context(), req.MilestoneID, req.PaymentMethod)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"paymentUrl":    res.PaymentURL,
		"reference":     res.Reference,
		"paymentMethod": res.Method,
	})
}

type milestoneActionReq struct {
	MilestoneID string `json:"milestoneId"`
	Reason      string `json:"reason"`
}

func (s *Server) handleReleasePayment(w http.ResponseWriter, r *http.Request) {
	var req milestoneActionReq
	if err := decodeJSON(r, &req); err != nil || req.MilestoneID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "milestoneId is required"})
		return
	}

	txn, err := s.payments.Release(r.Context(), req.MilestoneID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "released",
		"transactionId": txn.ID,
		"amount":        txn.Amount,
	})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req milestoneActionReq
	if err := decodeJSON(r, &req); err != nil || req.MilestoneID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "milestoneId is required"})
		return
	}

	res, err := s.payments.Refund(r.Context(), req.MilestoneID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "refunded",
		"transactionId":    res.Transaction.ID,
		"amount":           res.Transaction.Amount,
		"requiresFollowUp": res.RequiresFollowUp,
	})
}

type transactionView struct {
	ID             string          `json:"id"`
	MilestoneID    string          `json:"milestoneId"`
	Amount         decimal.Decimal `json:"amount"`
	Method         escrow.Method   `json:"paymentMethod"`
	ExternalRef    *string         `json:"externalReference"`
	Status         escrow.Status   `json:"status"`
	NeedsAttention bool            `json:"needsAttention"`
	CreatedAt      time.Time       `json:"createdAt"`
}

func (s *Server) handleEscrowHistory(w http.ResponseWriter, r *http.Request) {
	txns, err := s.ledger.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]transactionView, 0, len(txns))
	for _, txn := range txns {
		views = append(views, transactionView{
			ID:             txn.ID,
			MilestoneID:    txn.MilestoneID,
			Amount:         txn.Amount,
			Method:         txn.Method,
			ExternalRef:    txn.ExternalRef,
			Status:         txn.Status,
			NeedsAttention: txn.NeedsAttention,
			CreatedAt:      txn.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handlePaystackWebhook(w http.ResponseWriter, r *http.Request) {
	s.handleWebhook(w, r, escrow.MethodPaystack, r.Header.Get("x-paystack-signature"))
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	s.handleWebhook(w, r, escrow.MethodStripe, r.Header.Get("Stripe-Signature"))
}

// handleWebhook reads the raw body before anything else touches it; the
// adapters verify signatures over the exact bytes the provider sent.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, method escrow.Method, signature string) {
	rawBody, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unreadable body"})
		return
	}

	if err := s.payments.HandleWebhook(r.Context(), method, rawBody, signature); err != nil {
		if errors.Is(err, gateway.ErrSignatureInvalid) {
			// Opaque on purpose; no hint for forged deliveries.
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		log.Printf("httpapi: %s webhook processing failed: %v", method, err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "processing failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
