package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/tefprep/internal/access"
	"github.com/pavelanni/tefprep/internal/attempt"
	appI18n "github.com/pavelanni/tefprep/internal/i18n"
	"github.com/pavelanni/tefprep/internal/model"
	"github.com/pavelanni/tefprep/internal/progress"
	"github.com/pavelanni/tefprep/internal/store"
)

const maxBodyBytes = 1 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	attempts *attempt.Manager
	access   *access.Checker
	progress *progress.Aggregator
	auth     *Authenticator
}

// New creates a new Handler.
func New(s *store.Store, m *attempt.Manager, a *access.Checker, p *progress.Aggregator, auth *Authenticator) *Handler {
	return &Handler{store: s, attempts: m, access: a, progress: p, auth: auth}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Get("/exams", h.handleListExams)
		r.Get("/exams/{examID}", h.handleGetExam)
		r.Post("/exams/{examID}/attempts", h.handleStartAttempt)
		r.Get("/exams/{examID}/attempts/active", h.handleActiveAttempt)
		r.Get("/sections/{sectionID}/questions", h.handleSectionQuestions)
		r.Get("/attempts/{attemptID}/responses", h.handleListResponses)
		r.Put("/attempts/{attemptID}/responses/{questionID}", h.handleRecordResponse)
		r.Post("/attempts/{attemptID}/submit", h.handleSubmit)
		r.Post("/attempts/{attemptID}/validate", h.handleValidate)
		r.Get("/me/access", h.handleMyAccess)
		r.Get("/me/progress", h.handleMyProgress)

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireRole(model.UserRoleAdmin))
			r.Get("/users", h.handleListUsers)
			r.Post("/users/{userID}/plan", h.handleSetPlan)
			r.Get("/attempts/{attemptID}/score", h.handleScoreAttempt)
			r.Post("/exams", h.handleImportExam)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	exams, err := h.store.ListExams(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if exams == nil {
		exams = []model.Exam{}
	}
	writeJSON(w, http.StatusOK, exams)
}

func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	examID, ok := h.int64Param(w, r, "examID")
	if !ok {
		return
	}
	exam, err := h.store.GetExam(r.Context(), examID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exam)
}

type startResponse struct {
	AttemptID string        `json:"attempt_id"`
	Attempt   model.Attempt `json:"attempt"`
}

func (h *Handler) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	examID, ok := h.int64Param(w, r, "examID")
	if !ok {
		return
	}
	user := model.UserFromContext(r.Context())
	a, err := h.attempts.StartAttempt(r.Context(), user, examID, ClientIP(r))
	if errors.Is(err, model.ErrDuplicateAttempt) {
		body := h.errorBody(r, err)
		if active, ferr := h.attempts.FindActiveAttempt(r.Context(), user, examID); ferr == nil {
			body.AttemptID = active.ID
		}
		writeJSON(w, http.StatusConflict, body)
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, startResponse{AttemptID: a.ID, Attempt: a})
}

func (h *Handler) handleActiveAttempt(w http.ResponseWriter, r *http.Request) {
	examID, ok := h.int64Param(w, r, "examID")
	if !ok {
		return
	}
	a, err := h.attempts.FindActiveAttempt(r.Context(), model.UserFromContext(r.Context()), examID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleSectionQuestions serves questions without correctness flags.
func (h *Handler) handleSectionQuestions(w http.ResponseWriter, r *http.Request) {
	sectionID, ok := h.int64Param(w, r, "sectionID")
	if !ok {
		return
	}
	questions, err := h.store.ListSectionQuestions(r.Context(), sectionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]model.StudentQuestion, 0, len(questions))
	for _, q := range questions {
		out = append(out, q.ForStudent())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleListResponses(w http.ResponseWriter, r *http.Request) {
	responses, err := h.attempts.ListResponses(r.Context(), model.UserFromContext(r.Context()), chi.URLParam(r, "attemptID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if responses == nil {
		responses = []model.Response{}
	}
	writeJSON(w, http.StatusOK, responses)
}

func (h *Handler) handleRecordResponse(w http.ResponseWriter, r *http.Request) {
	questionID, ok := h.int64Param(w, r, "questionID")
	if !ok {
		return
	}
	var payload model.ResponsePayload
	if !h.decodeJSON(w, r, &payload) {
		return
	}
	resp, err := h.attempts.RecordResponse(r.Context(), model.UserFromContext(r.Context()),
		chi.URLParam(r, "attemptID"), questionID, payload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type submitResponse struct {
	attempt.Result
	Message string `json:"message,omitempty"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	res, err := h.attempts.SubmitAttempt(r.Context(), model.UserFromContext(r.Context()), chi.URLParam(r, "attemptID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := submitResponse{Result: res}
	if res.EssayPending {
		out.Message = appI18n.T(r.Context(), "GradingPending")
	}
	writeJSON(w, http.StatusOK, out)
}

type validateResponse struct {
	attempt.Integrity
	Warning string `json:"warning,omitempty"`
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	res, err := h.attempts.ValidateAttemptIntegrity(r.Context(), model.UserFromContext(r.Context()),
		chi.URLParam(r, "attemptID"), ClientIP(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := validateResponse{Integrity: res}
	if res.IPChanged {
		out.Warning = appI18n.Td(r.Context(), "IPChanged", map[string]any{
			"Recorded": res.RecordedIP,
			"Current":  res.CurrentIP,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type accessResponse struct {
	access.Status
	Message string `json:"message"`
}

func (h *Handler) handleMyAccess(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	st, err := h.access.HasAccess(r.Context(), user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.accessBody(r, st))
}

func (h *Handler) accessBody(r *http.Request, st access.Status) accessResponse {
	out := accessResponse{Status: st}
	if st.HasAccess {
		out.Message = appI18n.Tp(r.Context(), "DaysLeft", st.DaysLeft)
	} else {
		out.Message = appI18n.T(r.Context(), "PlanExpired")
	}
	return out
}

func (h *Handler) handleMyProgress(w http.ResponseWriter, r *http.Request) {
	p, err := h.progress.Get(r.Context(), model.UserFromContext(r.Context()).ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		h.writeError(w, r, model.ErrInvalidInput)
		return 0, false
	}
	return id, true
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		slog.Debug("bad request body", "path", r.URL.Path, "error", err)
		h.writeError(w, r, model.ErrInvalidInput)
		return false
	}
	return true
}

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	AttemptID string `json:"attempt_id,omitempty"`
}

// classify maps an error to its HTTP status, stable code and message ID.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized", "ErrUnauthorized"
	case errors.Is(err, model.ErrEntitlementDenied):
		return http.StatusForbidden, "entitlement_denied", "ErrEntitlementDenied"
	case errors.Is(err, model.ErrDuplicateAttempt):
		return http.StatusConflict, "duplicate_attempt", "ErrDuplicateAttempt"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found", "ErrNotFound"
	case errors.Is(err, model.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "ErrInvalidState"
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input", "ErrInvalidInput"
	case errors.Is(err, model.ErrUpstreamFailure):
		return http.StatusBadGateway, "upstream_failure", "ErrUpstreamFailure"
	default:
		return http.StatusInternalServerError, "internal", "ErrInternal"
	}
}

func (h *Handler) errorBody(r *http.Request, err error) errorResponse {
	_, code, msgID := classify(err)
	return errorResponse{Error: code, Message: appI18n.T(r.Context(), msgID)}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, _, _ := classify(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, h.errorBody(r, err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
