package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/tefprep/internal/model"
)

const responseColumns = `id, attempt_id, student_id, section_id, question_id, selected_option_id,
	text_response, ai_score, ai_feedback, updated_at`

func scanResponse(row rowScanner) (model.Response, error) {
	var (
		r         model.Response
		optionID  sql.NullInt64
		text      sql.NullString
		aiScore   sql.NullInt64
		feedback  sql.NullString
		updatedAt int64
	)
	err := row.Scan(&r.ID, &r.AttemptID, &r.StudentID, &r.SectionID, &r.QuestionID, &optionID,
		&text, &aiScore, &feedback, &updatedAt)
	if err != nil {
		return r, err
	}
	r.SelectedOptionID = int64Ptr(optionID)
	r.TextResponse = stringPtr(text)
	r.AIScore = intPtr(aiScore)
	r.UpdatedAt = fromUnix(updatedAt)
	if feedback.Valid && feedback.String != "" {
		var fb model.EssayFeedback
		if err := json.Unmarshal([]byte(feedback.String), &fb); err == nil {
			r.AIFeedback = &fb
		}
	}
	return r, nil
}

// UpsertResponse stores the answer to one question of an in_progress
// attempt, overwriting any earlier answer to the same question. The attempt
// status is checked inside the same transaction as the write, so no answer
// lands after submission.
func (s *Store) UpsertResponse(ctx context.Context, r model.Response) (model.Response, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Response{}, err
	}
	defer tx.Rollback()

	var status model.AttemptStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM exam_attempts WHERE id = $1`+s.forUpdate(), r.AttemptID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Response{}, fmt.Errorf("attempt %s: %w", r.AttemptID, model.ErrNotFound)
	}
	if err != nil {
		return model.Response{}, err
	}
	if status != model.StatusInProgress {
		return model.Response{}, fmt.Errorf("attempt %s is %s: %w", r.AttemptID, status, model.ErrInvalidState)
	}

	var optionID sql.NullInt64
	if r.SelectedOptionID != nil {
		optionID = sql.NullInt64{Int64: *r.SelectedOptionID, Valid: true}
	}
	var text sql.NullString
	if r.TextResponse != nil {
		text = sql.NullString{String: *r.TextResponse, Valid: true}
	}

	stored, err := scanResponse(tx.QueryRowContext(ctx,
		`INSERT INTO student_responses (attempt_id, student_id, section_id, question_id, selected_option_id, text_response, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (attempt_id, question_id) DO UPDATE SET
			selected_option_id = EXCLUDED.selected_option_id,
			text_response = EXCLUDED.text_response,
			ai_score = NULL,
			ai_feedback = NULL,
			updated_at = EXCLUDED.updated_at
		 RETURNING `+responseColumns,
		r.AttemptID, r.StudentID, r.SectionID, r.QuestionID, optionID, text, unix(time.Now()),
	))
	if err != nil {
		return model.Response{}, fmt.Errorf("upsert response: %w", err)
	}
	return stored, tx.Commit()
}

// ListResponses returns all responses of an attempt ordered by question.
func (s *Store) ListResponses(ctx context.Context, attemptID string) ([]model.Response, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+responseColumns+` FROM student_responses WHERE attempt_id = $1 ORDER BY question_id`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var responses []model.Response
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		responses = append(responses, r)
	}
	return responses, rows.Err()
}

// ScoringItems returns every question of the attempt's exam joined with the
// response recorded for it, if any, and whether the selected option is
// marked correct.
func (s *Store) ScoringItems(ctx context.Context, attemptID string) ([]model.ScoringItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT q.id, q.type, q.prompt, r.id, r.selected_option_id, o.is_correct, r.text_response, r.ai_score
		 FROM exam_attempts a
		 JOIN exam_sections sec ON sec.exam_id = a.exam_id
		 JOIN questions q ON q.section_id = sec.id
		 LEFT JOIN student_responses r ON r.attempt_id = a.id AND r.question_id = q.id
		 LEFT JOIN answer_options o ON o.id = r.selected_option_id
		 WHERE a.id = $1
		 ORDER BY sec.position, q.position`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []model.ScoringItem
	for rows.Next() {
		var (
			it         model.ScoringItem
			responseID sql.NullInt64
			optionID   sql.NullInt64
			isCorrect  sql.NullBool
			text       sql.NullString
			aiScore    sql.NullInt64
		)
		if err := rows.Scan(&it.QuestionID, &it.Type, &it.Prompt, &responseID, &optionID, &isCorrect, &text, &aiScore); err != nil {
			return nil, err
		}
		it.ResponseID = int64Ptr(responseID)
		it.SelectedOptionID = int64Ptr(optionID)
		it.SelectedCorrect = isCorrect.Valid && isCorrect.Bool
		it.TextResponse = stringPtr(text)
		it.AIScore = intPtr(aiScore)
		items = append(items, it)
	}
	return items, rows.Err()
}

// SaveEssayGrade stores the AI score and feedback on an essay response.
func (s *Store) SaveEssayGrade(ctx context.Context, responseID int64, score int, fb model.EssayFeedback) error {
	data, err := json.Marshal(fb)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE student_responses SET ai_score = $1, ai_feedback = $2 WHERE id = $3`,
		score, string(data), responseID,
	)
	return err
}
