package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/pavelanni/tefprep/internal/i18n"
	"github.com/pavelanni/tefprep/internal/model"
	"github.com/pavelanni/tefprep/internal/store"
)

const maxUploadBytes = 10 << 20

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// handleScoreAttempt recomputes an attempt's score from its stored
// responses without changing it.
func (h *Handler) handleScoreAttempt(w http.ResponseWriter, r *http.Request) {
	res, err := h.attempts.ScoreAttempt(r.Context(), chi.URLParam(r, "attemptID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type setPlanRequest struct {
	Plan model.Plan `json:"plan"`
}

// handleSetPlan grants a plan to a user, resetting the expiry clock.
func (h *Handler) handleSetPlan(w http.ResponseWriter, r *http.Request) {
	var req setPlanRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	userID := chi.URLParam(r, "userID")
	st, err := h.access.Upgrade(r.Context(), userID, req.Plan)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	slog.Info("plan changed by admin", "admin", model.UserFromContext(r.Context()).ID, "user_id", userID, "plan", req.Plan)
	writeJSON(w, http.StatusOK, h.accessBody(r, st))
}

type importResponse struct {
	ExamID    int64  `json:"exam_id,omitempty"`
	Duplicate bool   `json:"duplicate"`
	Message   string `json:"message"`
}

// handleImportExam accepts exam content either as a multipart upload in the
// exam_file field or as a raw JSON body. Uploads are de-duplicated by file
// name and content hash; raw bodies by content hash alone.
func (h *Handler) handleImportExam(w http.ResponseWriter, r *http.Request) {
	var (
		name string
		data []byte
		err  error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			h.writeError(w, r, model.ErrInvalidInput)
			return
		}
		file, header, err := r.FormFile("exam_file")
		if err != nil {
			h.writeError(w, r, model.ErrInvalidInput)
			return
		}
		defer file.Close()
		name = header.Filename
		data, err = io.ReadAll(file)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
	} else {
		data, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
		if err != nil {
			h.writeError(w, r, model.ErrInvalidInput)
			return
		}
		name = "body:" + sha256hex(data)
	}

	id, outcome, err := h.store.ImportExamFile(r.Context(), name, data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	switch outcome {
	case store.Unchanged, store.Changed:
		writeJSON(w, http.StatusOK, importResponse{Duplicate: true, Message: appI18n.T(r.Context(), "UploadDuplicate")})
		return
	}

	exam, err := h.store.GetExam(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	slog.Info("uploaded exam via admin", "filename", name, "exam_id", id, "sections", len(exam.Sections))
	writeJSON(w, http.StatusCreated, importResponse{
		ExamID:  id,
		Message: appI18n.Td(r.Context(), "ExamImported", map[string]any{"Title": exam.Title}),
	})
}

func sha256hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
