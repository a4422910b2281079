// Package progress folds qualifying exam submissions into each student's
// streak, XP and daily task set. It is the only writer of progress records.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/pavelanni/tefprep/internal/model"
)

// maxSwapAttempts bounds the optimistic retry loop in RecordModuleCompletion.
const maxSwapAttempts = 5

// ErrContended is returned when concurrent writers kept winning the
// compare-and-swap for every attempt.
var ErrContended = errors.New("progress update contended")

// Store is the persistence the aggregator needs.
type Store interface {
	GetProgress(ctx context.Context, studentID string) (model.Progress, error)
	CompareAndSwapProgress(ctx context.Context, p model.Progress) (bool, error)
}

// Aggregator owns progress records.
type Aggregator struct {
	store Store
	now   func() time.Time
}

// New creates an aggregator. A nil clock means time.Now.
func New(s Store, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{store: s, now: now}
}

// Get returns the progress record of a student.
func (a *Aggregator) Get(ctx context.Context, studentID string) (model.Progress, error) {
	return a.store.GetProgress(ctx, studentID)
}

// RecordModuleCompletion adds a completed module and its score to the
// student's record. The read-modify-write is retried on version conflicts.
func (a *Aggregator) RecordModuleCompletion(ctx context.Context, studentID string, module model.Module, score float64) (model.Progress, error) {
	if !slices.Contains(model.RequiredModules, module) {
		return model.Progress{}, fmt.Errorf("unknown module %q: %w", module, model.ErrInvalidInput)
	}

	for i := 0; i < maxSwapAttempts; i++ {
		cur, err := a.store.GetProgress(ctx, studentID)
		if err != nil {
			return model.Progress{}, fmt.Errorf("load progress: %w", err)
		}
		next := Apply(cur, module, score, a.now())
		ok, err := a.store.CompareAndSwapProgress(ctx, next)
		if err != nil {
			return model.Progress{}, fmt.Errorf("save progress: %w", err)
		}
		if ok {
			next.Version = cur.Version + 1
			if next.StreakCount != cur.StreakCount {
				slog.Info("streak advanced", "student_id", studentID, "streak", next.StreakCount, "day_completed", next.DayCompleted)
			}
			return next, nil
		}
		slog.Debug("progress version conflict, retrying", "student_id", studentID, "attempt", i+1)
	}
	return model.Progress{}, fmt.Errorf("student %s: %w", studentID, ErrContended)
}

// Apply returns p with one module completion folded in. The module joins
// today's set at most once and XP grows by the rounded score. When the set
// then holds every required module the streak and day counters advance by
// one, the set is cleared and LastLogin is set to now.
func Apply(p model.Progress, module model.Module, score float64, now time.Time) model.Progress {
	next := p
	next.TasksCompletedToday = slices.Clone(p.TasksCompletedToday)
	if !slices.Contains(next.TasksCompletedToday, module) {
		next.TasksCompletedToday = append(next.TasksCompletedToday, module)
	}
	next.XPPoints += max(0, int(math.Round(score)))

	if completedAll(next.TasksCompletedToday) {
		next.StreakCount++
		next.DayCompleted++
		next.TasksCompletedToday = []model.Module{}
		t := now
		next.LastLogin = &t
	}
	return next
}

func completedAll(done []model.Module) bool {
	if len(done) != len(model.RequiredModules) {
		return false
	}
	for _, m := range model.RequiredModules {
		if !slices.Contains(done, m) {
			return false
		}
	}
	return true
}
