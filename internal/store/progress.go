package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pavelanni/tefprep/internal/model"
)

// GetProgress returns the progress record of a student. A student without a
// record gets a zero record with Version 0.
func (s *Store) GetProgress(ctx context.Context, studentID string) (model.Progress, error) {
	p := model.Progress{StudentID: studentID, TasksCompletedToday: []model.Module{}}
	var (
		tasks     string
		lastLogin sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT streak_count, day_completed, xp_points, tasks_completed_today, last_login, version
		 FROM progress WHERE student_id = $1`, studentID,
	).Scan(&p.StreakCount, &p.DayCompleted, &p.XPPoints, &tasks, &lastLogin, &p.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(tasks), &p.TasksCompletedToday); err != nil {
		return p, fmt.Errorf("decode tasks_completed_today: %w", err)
	}
	p.LastLogin = fromNullUnix(lastLogin)
	return p, nil
}

// CompareAndSwapProgress writes p if the stored version still equals
// p.Version. It returns false when another writer got there first; the
// caller re-reads and retries.
func (s *Store) CompareAndSwapProgress(ctx context.Context, p model.Progress) (bool, error) {
	tasks := p.TasksCompletedToday
	if tasks == nil {
		tasks = []model.Module{}
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return false, err
	}

	var res sql.Result
	if p.Version == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO progress (student_id, streak_count, day_completed, xp_points, tasks_completed_today, last_login, version)
			 VALUES ($1, $2, $3, $4, $5, $6, 1)
			 ON CONFLICT (student_id) DO NOTHING`,
			p.StudentID, p.StreakCount, p.DayCompleted, p.XPPoints, string(data), nullUnix(p.LastLogin),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE progress SET streak_count = $1, day_completed = $2, xp_points = $3,
			 tasks_completed_today = $4, last_login = $5, version = version + 1
			 WHERE student_id = $6 AND version = $7`,
			p.StreakCount, p.DayCompleted, p.XPPoints, string(data), nullUnix(p.LastLogin),
			p.StudentID, p.Version,
		)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
