package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/tefprep/internal/model"
)

const attemptColumns = `id, student_id, exam_id, status, started_at, ended_at, ip_address,
	total_score, level, correct_answers, total_questions, essay_pending, progress_recorded`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (model.Attempt, error) {
	var (
		a          model.Attempt
		startedAt  int64
		endedAt    sql.NullInt64
		totalScore sql.NullInt64
		level      sql.NullString
	)
	err := row.Scan(&a.ID, &a.StudentID, &a.ExamID, &a.Status, &startedAt, &endedAt, &a.IPAddress,
		&totalScore, &level, &a.CorrectAnswers, &a.TotalQuestions, &a.EssayPending, &a.ProgressRecorded)
	if err != nil {
		return a, err
	}
	a.StartedAt = fromUnix(startedAt)
	a.EndedAt = fromNullUnix(endedAt)
	a.TotalScore = intPtr(totalScore)
	if level.Valid {
		l := model.Level(level.String)
		a.Level = &l
	}
	return a, nil
}

// CreateAttempt inserts a new in_progress attempt. A second open attempt for
// the same student and exam violates the partial unique index and is
// reported as model.ErrDuplicateAttempt.
func (s *Store) CreateAttempt(ctx context.Context, studentID string, examID int64, ip string, startedAt time.Time) (model.Attempt, error) {
	a := model.Attempt{
		ID:        uuid.NewString(),
		StudentID: studentID,
		ExamID:    examID,
		Status:    model.StatusInProgress,
		StartedAt: fromUnix(unix(startedAt)),
		IPAddress: ip,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exam_attempts (id, student_id, exam_id, status, started_at, ip_address)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.StudentID, a.ExamID, a.Status, unix(startedAt), a.IPAddress,
	)
	if isUniqueViolation(err) {
		return model.Attempt{}, model.ErrDuplicateAttempt
	}
	if err != nil {
		return model.Attempt{}, err
	}
	return a, nil
}

// GetAttempt returns an attempt by ID.
func (s *Store) GetAttempt(ctx context.Context, id string) (model.Attempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts WHERE id = $1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("attempt %s: %w", id, model.ErrNotFound)
	}
	return a, err
}

// FindActiveAttempt returns the in_progress attempt for a student and exam.
func (s *Store) FindActiveAttempt(ctx context.Context, studentID string, examID int64) (model.Attempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts
		 WHERE student_id = $1 AND exam_id = $2 AND status = $3`,
		studentID, examID, model.StatusInProgress,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("active attempt: %w", model.ErrNotFound)
	}
	return a, err
}

// MarkSubmitted moves an attempt from in_progress to submitted. It returns
// false when the attempt was not in_progress, so concurrent submissions
// transition it only once.
func (s *Store) MarkSubmitted(ctx context.Context, id string, endedAt time.Time) (bool, error) {
	if !model.StatusInProgress.CanTransition(model.StatusSubmitted) {
		return false, model.ErrInvalidState
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE exam_attempts SET status = $1, ended_at = $2 WHERE id = $3 AND status = $4`,
		model.StatusSubmitted, unix(endedAt), id, model.StatusInProgress,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// AttemptScore is what grading writes back to an attempt.
type AttemptScore struct {
	TotalScore     int
	Level          model.Level
	CorrectAnswers int
	TotalQuestions int
	EssayPending   bool
}

// SaveScore records the score of a submitted attempt. A complete score
// moves the attempt to graded; a score with pending essays leaves it
// submitted with no level. An attempt that is no longer submitted is
// reported as model.ErrInvalidState.
func (s *Store) SaveScore(ctx context.Context, id string, sc AttemptScore) error {
	var (
		res sql.Result
		err error
	)
	if sc.EssayPending {
		res, err = s.db.ExecContext(ctx,
			`UPDATE exam_attempts SET total_score = $1, level = NULL, correct_answers = $2,
			 total_questions = $3, essay_pending = $4 WHERE id = $5 AND status = $6`,
			sc.TotalScore, sc.CorrectAnswers, sc.TotalQuestions, true, id, model.StatusSubmitted,
		)
	} else {
		if !model.StatusSubmitted.CanTransition(model.StatusGraded) {
			return model.ErrInvalidState
		}
		res, err = s.db.ExecContext(ctx,
			`UPDATE exam_attempts SET status = $1, total_score = $2, level = $3, correct_answers = $4,
			 total_questions = $5, essay_pending = $6 WHERE id = $7 AND status = $8`,
			model.StatusGraded, sc.TotalScore, sc.Level, sc.CorrectAnswers, sc.TotalQuestions, false,
			id, model.StatusSubmitted,
		)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Not submitted any more, usually graded by a concurrent request.
		return fmt.Errorf("score attempt %s: %w", id, model.ErrInvalidState)
	}
	return nil
}

// MarkProgressRecorded flips an attempt's progress_recorded flag to recorded.
// It returns false when the flag already had that value, so exactly one
// caller claims the progress credit of an attempt. Passing false releases a
// claim whose credit could not be written.
func (s *Store) MarkProgressRecorded(ctx context.Context, id string, recorded bool) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE exam_attempts SET progress_recorded = $1 WHERE id = $2 AND progress_recorded = $3`,
		recorded, id, !recorded,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// AttemptFilter narrows ListAttempts. Zero values mean no filtering.
type AttemptFilter struct {
	StudentID    string
	ExamID       int64
	Status       model.AttemptStatus
	EssayPending bool
}

// ListAttempts returns attempts matching the filter, newest first.
func (s *Store) ListAttempts(ctx context.Context, f AttemptFilter) ([]model.Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM exam_attempts WHERE 1=1`
	var args []any
	if f.StudentID != "" {
		args = append(args, f.StudentID)
		query += fmt.Sprintf(` AND student_id = $%d`, len(args))
	}
	if f.ExamID != 0 {
		args = append(args, f.ExamID)
		query += fmt.Sprintf(` AND exam_id = $%d`, len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if f.EssayPending {
		args = append(args, true)
		query += fmt.Sprintf(` AND essay_pending = $%d`, len(args))
	}
	query += ` ORDER BY started_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// PurgeStudentAttempts deletes every attempt of a student together with its
// responses and returns the number of attempts removed.
func (s *Store) PurgeStudentAttempts(ctx context.Context, studentID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM student_responses WHERE attempt_id IN (SELECT id FROM exam_attempts WHERE student_id = $1)`,
		studentID,
	); err != nil {
		return 0, fmt.Errorf("delete responses: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM exam_attempts WHERE student_id = $1`, studentID)
	if err != nil {
		return 0, fmt.Errorf("delete attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}
