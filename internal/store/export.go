package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pavelanni/tefprep/internal/model"
)

// ExportAttempts builds export-ready results for all attempts, optionally
// restricted to one exam.
func (s *Store) ExportAttempts(ctx context.Context, examID int64) ([]model.AttemptResult, error) {
	attempts, err := s.ListAttempts(ctx, AttemptFilter{ExamID: examID})
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	titles := make(map[int64]string)
	emails := make(map[string]string)

	var results []model.AttemptResult
	for _, a := range attempts {
		title, ok := titles[a.ExamID]
		if !ok {
			exam, err := s.GetExam(ctx, a.ExamID)
			if err != nil {
				return nil, fmt.Errorf("get exam %d: %w", a.ExamID, err)
			}
			title = exam.Title
			titles[a.ExamID] = title
		}

		email, ok := emails[a.StudentID]
		if !ok {
			user, err := s.GetUserByID(ctx, a.StudentID)
			if err != nil {
				return nil, fmt.Errorf("get user %s: %w", a.StudentID, err)
			}
			if user != nil {
				email = user.Email
			}
			emails[a.StudentID] = email
		}

		responses, err := s.exportResponses(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("responses of attempt %s: %w", a.ID, err)
		}

		results = append(results, model.AttemptResult{
			AttemptID:    a.ID,
			StudentID:    a.StudentID,
			Email:        email,
			ExamID:       a.ExamID,
			ExamTitle:    title,
			Status:       a.Status,
			StartedAt:    a.StartedAt,
			EndedAt:      a.EndedAt,
			IPAddress:    a.IPAddress,
			TotalScore:   a.TotalScore,
			Level:        a.Level,
			EssayPending: a.EssayPending,
			Responses:    responses,
		})
	}

	return results, nil
}

func (s *Store) exportResponses(ctx context.Context, attemptID string) ([]model.ResponseResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT q.id, q.type, q.prompt, o.letter, o.is_correct, r.text_response, r.ai_score, r.ai_feedback
		 FROM student_responses r
		 JOIN questions q ON q.id = r.question_id
		 LEFT JOIN answer_options o ON o.id = r.selected_option_id
		 WHERE r.attempt_id = $1
		 ORDER BY q.section_id, q.position`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ResponseResult
	for rows.Next() {
		var (
			rr        model.ResponseResult
			letter    sql.NullString
			isCorrect sql.NullBool
			text      sql.NullString
			aiScore   sql.NullInt64
			feedback  sql.NullString
		)
		if err := rows.Scan(&rr.QuestionID, &rr.Type, &rr.Prompt, &letter, &isCorrect, &text, &aiScore, &feedback); err != nil {
			return nil, err
		}
		rr.SelectedLetter = letter.String
		if isCorrect.Valid {
			c := isCorrect.Bool
			rr.Correct = &c
		}
		rr.TextResponse = text.String
		rr.AIScore = intPtr(aiScore)
		if feedback.Valid && feedback.String != "" {
			var fb model.EssayFeedback
			if err := json.Unmarshal([]byte(feedback.String), &fb); err == nil {
				rr.AIFeedback = &fb
			}
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}
