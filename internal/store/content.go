package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/tefprep/internal/model"
)

// ImportExam stores an exam with its sections, questions and options in one
// transaction and returns the new exam ID.
func (s *Store) ImportExam(ctx context.Context, ei model.ExamImport) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	examType := ei.Type
	if examType == "" {
		examType = model.ExamDailyPractice
	}
	plan := ei.RequiredPlan
	if plan == "" {
		plan = model.PlanFree
	}

	var examID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO exams (title, description, type, module, required_plan, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		ei.Title, ei.Description, examType, ei.Module, plan, unix(time.Now()),
	).Scan(&examID)
	if err != nil {
		return 0, fmt.Errorf("insert exam: %w", err)
	}

	for si, sec := range ei.Sections {
		var sectionID int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO exam_sections (exam_id, position, type, timer_minutes)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			examID, si+1, sec.Type, sec.TimerMinutes,
		).Scan(&sectionID)
		if err != nil {
			return 0, fmt.Errorf("insert section %d: %w", si+1, err)
		}

		for qi, q := range sec.Questions {
			var questionID int64
			err := tx.QueryRowContext(ctx,
				`INSERT INTO questions (section_id, position, type, prompt)
				 VALUES ($1, $2, $3, $4) RETURNING id`,
				sectionID, qi+1, q.Type, q.Prompt,
			).Scan(&questionID)
			if err != nil {
				return 0, fmt.Errorf("insert question %d.%d: %w", si+1, qi+1, err)
			}
			for _, o := range q.Options {
				_, err := tx.ExecContext(ctx,
					`INSERT INTO answer_options (question_id, letter, text, is_correct) VALUES ($1, $2, $3, $4)`,
					questionID, o.Letter, o.Text, o.IsCorrect,
				)
				if err != nil {
					return 0, fmt.Errorf("insert option %s: %w", o.Letter, err)
				}
			}
		}
	}

	return examID, tx.Commit()
}

// GetExam returns an exam with its ordered sections.
func (s *Store) GetExam(ctx context.Context, id int64) (model.Exam, error) {
	var e model.Exam
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, type, module, required_plan FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.Description, &e.Type, &e.Module, &e.RequiredPlan)
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("exam %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return e, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, exam_id, position, type, timer_minutes FROM exam_sections WHERE exam_id = $1 ORDER BY position`, id,
	)
	if err != nil {
		return e, err
	}
	defer rows.Close()
	for rows.Next() {
		var sec model.Section
		if err := rows.Scan(&sec.ID, &sec.ExamID, &sec.Position, &sec.Type, &sec.TimerMinutes); err != nil {
			return e, err
		}
		e.Sections = append(e.Sections, sec)
	}
	return e, rows.Err()
}

// ListExams returns all exams without sections.
func (s *Store) ListExams(ctx context.Context) ([]model.Exam, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, description, type, module, required_plan FROM exams ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var exams []model.Exam
	for rows.Next() {
		var e model.Exam
		if err := rows.Scan(&e.ID, &e.Title, &e.Description, &e.Type, &e.Module, &e.RequiredPlan); err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// ListSectionQuestions returns the questions of a section with their options,
// including correctness flags. Callers serving students must use ForStudent.
func (s *Store) ListSectionQuestions(ctx context.Context, sectionID int64) ([]model.Question, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM exam_sections WHERE id = $1`, sectionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("section %d: %w", sectionID, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, section_id, position, type, prompt FROM questions WHERE section_id = $1 ORDER BY position`, sectionID,
	)
	if err != nil {
		return nil, err
	}
	var questions []model.Question
	index := make(map[int64]int)
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.SectionID, &q.Position, &q.Type, &q.Prompt); err != nil {
			rows.Close()
			return nil, err
		}
		index[q.ID] = len(questions)
		questions = append(questions, q)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	optRows, err := s.db.QueryContext(ctx,
		`SELECT o.id, o.question_id, o.letter, o.text, o.is_correct
		 FROM answer_options o JOIN questions q ON q.id = o.question_id
		 WHERE q.section_id = $1 ORDER BY o.question_id, o.letter`, sectionID,
	)
	if err != nil {
		return nil, err
	}
	defer optRows.Close()
	for optRows.Next() {
		var o model.AnswerOption
		if err := optRows.Scan(&o.ID, &o.QuestionID, &o.Letter, &o.Text, &o.IsCorrect); err != nil {
			return nil, err
		}
		if i, ok := index[o.QuestionID]; ok {
			questions[i].Options = append(questions[i].Options, o)
		}
	}
	return questions, optRows.Err()
}

// QuestionRef locates a question inside its exam.
type QuestionRef struct {
	QuestionID int64
	SectionID  int64
	ExamID     int64
	Type       model.QuestionType
}

// GetQuestionRef returns the section and exam a question belongs to.
func (s *Store) GetQuestionRef(ctx context.Context, questionID int64) (QuestionRef, error) {
	ref := QuestionRef{QuestionID: questionID}
	err := s.db.QueryRowContext(ctx,
		`SELECT q.section_id, sec.exam_id, q.type
		 FROM questions q JOIN exam_sections sec ON sec.id = q.section_id
		 WHERE q.id = $1`, questionID,
	).Scan(&ref.SectionID, &ref.ExamID, &ref.Type)
	if errors.Is(err, sql.ErrNoRows) {
		return ref, fmt.Errorf("question %d: %w", questionID, model.ErrNotFound)
	}
	return ref, err
}

// OptionBelongsTo reports whether optionID is an answer option of questionID.
func (s *Store) OptionBelongsTo(ctx context.Context, optionID, questionID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM answer_options WHERE id = $1 AND question_id = $2`, optionID, questionID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ExamCount returns the number of exams in the database.
func (s *Store) ExamCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM exams`).Scan(&count)
	return count, err
}

// ImportOutcome reports what ImportExamFile did with a file.
type ImportOutcome int

const (
	Imported ImportOutcome = iota
	// Unchanged means the same content was imported before under this name.
	Unchanged
	// Changed means different content was imported before under this name.
	// It is not re-imported so existing attempts keep their questions.
	Changed
)

// ImportExamFile imports an exam JSON file once per name. The content hash is
// recorded in the metadata table.
func (s *Store) ImportExamFile(ctx context.Context, name string, data []byte) (int64, ImportOutcome, error) {
	hash := sha256sum(data)
	stored, err := s.GetImportedFileHash(ctx, name)
	if err != nil {
		return 0, 0, fmt.Errorf("check import status for %s: %w", name, err)
	}
	if stored == hash {
		return 0, Unchanged, nil
	}
	if stored != "" {
		return 0, Changed, nil
	}

	var ei model.ExamImport
	if err := json.Unmarshal(data, &ei); err != nil {
		return 0, 0, fmt.Errorf("parse %s: %w: %w", name, model.ErrInvalidInput, err)
	}
	if err := ei.Validate(); err != nil {
		return 0, 0, fmt.Errorf("%s: %w", name, err)
	}
	id, err := s.ImportExam(ctx, ei)
	if err != nil {
		return 0, 0, fmt.Errorf("import %s: %w", name, err)
	}
	if err := s.SetImportedFileHash(ctx, name, hash); err != nil {
		return id, Imported, fmt.Errorf("record import for %s: %w", name, err)
	}
	slog.Info("imported exam", "name", name, "exam_id", id, "title", ei.Title)
	return id, Imported, nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
