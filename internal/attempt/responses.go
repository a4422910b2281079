package attempt

import (
	"context"
	"fmt"
	"strings"

	"github.com/pavelanni/tefprep/internal/model"
)

// RecordResponse stores the student's answer to one question of an
// in_progress attempt. A later answer to the same question replaces the
// earlier one.
func (m *Manager) RecordResponse(ctx context.Context, user *model.User, attemptID string, questionID int64, p model.ResponsePayload) (model.Response, error) {
	a, err := m.ownedAttempt(ctx, user, attemptID)
	if err != nil {
		return model.Response{}, err
	}
	if a.Status != model.StatusInProgress {
		return model.Response{}, fmt.Errorf("attempt %s is %s: %w", a.ID, a.Status, model.ErrInvalidState)
	}

	ref, err := m.store.GetQuestionRef(ctx, questionID)
	if err != nil {
		return model.Response{}, err
	}
	if ref.ExamID != a.ExamID {
		return model.Response{}, fmt.Errorf("question %d is not part of exam %d: %w", questionID, a.ExamID, model.ErrNotFound)
	}
	if err := validatePayload(ref.Type, p); err != nil {
		return model.Response{}, err
	}
	if p.SelectedOptionID != nil {
		ok, err := m.store.OptionBelongsTo(ctx, *p.SelectedOptionID, questionID)
		if err != nil {
			return model.Response{}, err
		}
		if !ok {
			return model.Response{}, fmt.Errorf("option %d does not belong to question %d: %w",
				*p.SelectedOptionID, questionID, model.ErrInvalidInput)
		}
	}

	return m.store.UpsertResponse(ctx, model.Response{
		AttemptID:        a.ID,
		StudentID:        a.StudentID,
		SectionID:        ref.SectionID,
		QuestionID:       questionID,
		SelectedOptionID: p.SelectedOptionID,
		TextResponse:     p.TextResponse,
	})
}

// ListResponses returns the answers recorded so far on one of the caller's
// attempts, so an interrupted attempt can be resumed.
func (m *Manager) ListResponses(ctx context.Context, user *model.User, attemptID string) ([]model.Response, error) {
	a, err := m.ownedAttempt(ctx, user, attemptID)
	if err != nil {
		return nil, err
	}
	return m.store.ListResponses(ctx, a.ID)
}

// validatePayload requires exactly one answer field, matching the question type.
func validatePayload(qt model.QuestionType, p model.ResponsePayload) error {
	hasOption := p.SelectedOptionID != nil
	hasText := p.TextResponse != nil
	if hasOption == hasText {
		return fmt.Errorf("exactly one of selected_option_id and text_response is required: %w", model.ErrInvalidInput)
	}
	switch qt {
	case model.QuestionMultipleChoice:
		if !hasOption {
			return fmt.Errorf("multiple-choice answer needs selected_option_id: %w", model.ErrInvalidInput)
		}
	case model.QuestionEssay:
		if !hasText || isBlank(*p.TextResponse) {
			return fmt.Errorf("essay answer needs non-empty text_response: %w", model.ErrInvalidInput)
		}
	case model.QuestionShortAnswer:
		if hasText && isBlank(*p.TextResponse) {
			return fmt.Errorf("empty text_response: %w", model.ErrInvalidInput)
		}
	}
	return nil
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
