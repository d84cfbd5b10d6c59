package httpapi

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"buildsafe/auth"
	"buildsafe/builder"
	"buildsafe/escrow"
	"buildsafe/milestone"
	"buildsafe/payment"
	"buildsafe/project"
)

// Server wires the domain services into the HTTP surface. All consistency
// rules live below; handlers only decode, authorize, delegate and encode.
type Server struct {
	auth       *auth.Service
	projects   *project.Service
	milestones *milestone.Service
	builders   *builder.Service
	payments   *payment.Service
	ledger     *escrow.Ledger
}

func NewServer(
	authSvc *auth.Service,
	projects *project.Service,
	milestones *milestone.Service,
	builders *builder.Service,
	payments *payment.Service,
	ledger *escrow.Ledger,
) *Server {
	return &Server{
		auth:       authSvc,
		projects:   projects,
		milestones: milestones,
		builders:   builders,
		payments:   payments,
		ledger:     ledger,
	}
}

// Router assembles all routes. Webhooks sit outside /api and outside the
// auth middleware: providers authenticate with signatures, not JWTs.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Post("/projects", s.handleCreateProject)
			r.Get("/projects", s.handleListProjects)
			r.Get("/projects/{id}", s.handleGetProject)
			r.Get("/projects/{id}/escrow", s.handleEscrowHistory)

			r.Get("/milestones/{id}", s.handleGetMilestone)
			r.Post("/milestones/{id}/evidence", s.handleSubmitEvidence)
			r.Post("/milestones/{id}/approve", s.handleApproveMilestone)

			r.Post("/escrow/fund-milestone", s.handleFundMilestone)
			r.Post("/escrow/release-payment", s.handleReleasePayment)
			r.Post("/escrow/refund", s.handleRefund)

			r.Get("/builders", s.handleListBuilders)
			r.Get("/builders/{id}", s.handleGetBuilder)
			r.Post("/builders/{id}/verification", s.handleSetVerification)
		})
	})

	r.Post("/webhooks/paystack", s.handlePaystackWebhook)
	r.Post("/webhooks/stripe", s.handleStripeWebhook)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encode response: %v", err)
	}
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
