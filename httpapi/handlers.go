package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"buildsafe/auth"
	"buildsafe/builder"
	"buildsafe/milestone"
	"buildsafe/project"
)

type userView struct {
	ID       string    `json:"id"`
	Email    string    `json:"email"`
	FullName string    `json:"fullName"`
	Role     auth.Role `json:"role"`
}

func toUserView(u auth.User) userView {
	return userView{ID: u.ID, Email: u.Email, FullName: u.FullName, Role: u.Role}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}

	user, err := s.auth.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserView(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}

	res, err := s.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": res.Token,
		"user":  toUserView(res.User),
	})
}

type projectView struct {
	ID        string          `json:"id"`
	ClientID  string          `json:"clientId"`
	BuilderID *string         `json:"builderId"`
	LandID    *string         `json:"landId"`
	Title     string          `json:"title"`
	Location  string          `json:"location"`
	Budget    decimal.Decimal `json:"budget"`
	Currency  string          `json:"currency"`
	Status    project.Status  `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
}

func toProjectView(p project.Project) projectView {
	return projectView{
		ID:        p.ID,
		ClientID:  p.ClientID,
		BuilderID: p.BuilderID,
		LandID:    p.LandID,
		Title:     p.Title,
		Location:  p.Location,
		Budget:    p.Budget,
		Currency:  p.Currency,
		Status:    p.Status,
		CreatedAt: p.CreatedAt,
	}
}

type milestoneView struct {
	ID          string           `json:"id"`
	ProjectID   string           `json:"projectId"`
	Title       string           `json:"title"`
	Description *string          `json:"description"`
	Ordinal     int              `json:"order"`
	Percentage  decimal.Decimal  `json:"percentage"`
	Amount      decimal.Decimal  `json:"amount"`
	Status      milestone.Status `json:"status"`
	Evidence    []string         `json:"evidenceUrls"`
	SubmittedAt *time.Time       `json:"evidenceSubmittedAt"`
	ApprovedAt  *time.Time       `json:"approvedAt"`
}

func toMilestoneView(m milestone.Milestone) milestoneView {
	return milestoneView{
		ID:          m.ID,
		ProjectID:   m.ProjectID,
		Title:       m.Title,
		Description: m.Description,
		Ordinal:     m.Ordinal,
		Percentage:  m.Percentage,
		Amount:      m.Amount,
		Status:      m.Status,
		Evidence:    m.EvidenceURLs,
		SubmittedAt: m.EvidenceSubmittedAt,
		ApprovedAt:  m.ApprovedAt,
	}
}

type createProjectReq struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Location    string          `json:"location"`
	Budget      decimal.Decimal `json:"budget"`
	Currency    string          `json:"currency"`
	LandID      *string         `json:"landId"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	if callerRole(r) != auth.RoleClient {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "only clients can create projects"})
		return
	}

	var req createProjectReq
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}

	p, err := s.projects.Create(r.Context(), callerID(r), project.CreateParams{
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
		Budget:      req.Budget,
		Currency:    req.Currency,
		LandID:      req.LandID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProjectView(p))
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.projects.ListByClient(r.Context(), callerID(r))
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]projectView, 0, len(projects))
	for _, p := range projects {
		views = append(views, toProjectView(p))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, milestones, err := s.projects.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	msViews := make([]milestoneView, 0, len(milestones))
	for _, m := range milestones {
		msViews = append(msViews, toMilestoneView(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project":    toProjectView(p),
		"milestones": msViews,
	})
}

func (s *Server) handleGetMilestone(w http.ResponseWriter, r *http.Request) {
	m, err := s.milestones.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneView(m))
}

type submitEvidenceReq struct {
	EvidenceURLs []string `json:"evidenceUrls"`
}

func (s *Server) handleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	var req submitEvidenceReq
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}

	m, err := s.milestones.SubmitEvidence(r.Context(), callerRole(r), chi.URLParam(r, "id"), req.EvidenceURLs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneView(m))
}

func (s *Server) handleApproveMilestone(w http.ResponseWriter, r *http.Request) {
	m, err := s.milestones.Approve(r.Context(), callerRole(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneView(m))
}

type builderView struct {
	ID           string                     `json:"id"`
	FullName     string                     `json:"fullName"`
	Bio          *string                    `json:"bio"`
	CACNumber    *string                    `json:"cacNumber"`
	Verification builder.VerificationStatus `json:"verificationStatus"`
	Specialties  []string                   `json:"specialties"`
	Rating       float64                    `json:"rating"`
	VerifiedAt   *time.Time                 `json:"verifiedAt"`
}

func toBuilderView(p builder.Profile) builderView {
	return builderView{
		ID:           p.ID,
		FullName:     p.FullName,
		Bio:          p.Bio,
		CACNumber:    p.CACNumber,
		Verification: p.Verification,
		Specialties:  p.Specialties,
		Rating:       p.Rating,
		VerifiedAt:   p.VerifiedAt,
	}
}

func (s *Server) handleListBuilders(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	profiles, err := s.builders.ListVerified(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]builderView, 0, len(profiles))
	for _, p := range profiles {
		views = append(views, toBuilderView(p))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetBuilder(w http.ResponseWriter, r *http.Request) {
	p, err := s.builders.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBuilderView(p))
}

type setVerificationReq struct {
	Status builder.VerificationStatus `json:"status"`
}

func (s *Server) handleSetVerification(w http.ResponseWriter, r *http.Request) {
	var req setVerificationReq
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}

	p, err := s.builders.SetVerification(r.Context(), callerRole(r), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBuilderView(p))
}
