// Package attempt runs the exam attempt lifecycle: opening an attempt,
// recording responses, submitting, grading and integrity checks.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/tefprep/internal/access"
	"github.com/pavelanni/tefprep/internal/llm"
	"github.com/pavelanni/tefprep/internal/model"
	"github.com/pavelanni/tefprep/internal/scoring"
	"github.com/pavelanni/tefprep/internal/store"
)

// UnknownIP is recorded when the client address cannot be resolved.
const UnknownIP = "unknown"

// Store is the persistence the manager needs.
type Store interface {
	GetExam(ctx context.Context, id int64) (model.Exam, error)
	GetQuestionRef(ctx context.Context, questionID int64) (store.QuestionRef, error)
	OptionBelongsTo(ctx context.Context, optionID, questionID int64) (bool, error)

	CreateAttempt(ctx context.Context, studentID string, examID int64, ip string, startedAt time.Time) (model.Attempt, error)
	GetAttempt(ctx context.Context, id string) (model.Attempt, error)
	FindActiveAttempt(ctx context.Context, studentID string, examID int64) (model.Attempt, error)
	MarkSubmitted(ctx context.Context, id string, endedAt time.Time) (bool, error)
	SaveScore(ctx context.Context, id string, sc store.AttemptScore) error
	MarkProgressRecorded(ctx context.Context, id string, recorded bool) (bool, error)
	ListAttempts(ctx context.Context, f store.AttemptFilter) ([]model.Attempt, error)

	UpsertResponse(ctx context.Context, r model.Response) (model.Response, error)
	ListResponses(ctx context.Context, attemptID string) ([]model.Response, error)
	ScoringItems(ctx context.Context, attemptID string) ([]model.ScoringItem, error)
	SaveEssayGrade(ctx context.Context, responseID int64, score int, fb model.EssayFeedback) error
}

// Grader grades one essay.
type Grader interface {
	GradeEssay(ctx context.Context, prompt, essay string) (llm.EssayGrade, error)
}

// Entitlements reports a student's subscription status.
type Entitlements interface {
	HasAccess(ctx context.Context, studentID string) (access.Status, error)
}

// ProgressRecorder folds a completed module into a student's progress.
type ProgressRecorder interface {
	RecordModuleCompletion(ctx context.Context, studentID string, module model.Module, score float64) (model.Progress, error)
}

// Manager coordinates attempts. The grader and progress recorder may be nil:
// without a grader essays stay pending, without a recorder progress is not
// updated.
type Manager struct {
	store      Store
	grader     Grader
	access     Entitlements
	progress   ProgressRecorder
	now        func() time.Time
	staleAfter time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithStaleAfter enables force-submission of an open attempt older than the
// exam's total section time plus grace when the student starts a new one.
// Zero disables it.
func WithStaleAfter(grace time.Duration) Option {
	return func(m *Manager) { m.staleAfter = grace }
}

// New creates a Manager.
func New(s Store, g Grader, a Entitlements, p ProgressRecorder, opts ...Option) *Manager {
	m := &Manager{
		store:    s,
		grader:   g,
		access:   a,
		progress: p,
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Result is what a submission reports back to the student.
type Result struct {
	AttemptID        string              `json:"attempt_id"`
	Status           model.AttemptStatus `json:"status"`
	Score            int                 `json:"score"`
	Level            *model.Level        `json:"level,omitempty"`
	CorrectAnswers   int                 `json:"correct_answers"`
	TotalQuestions   int                 `json:"total_questions"`
	ObjectivePercent int                 `json:"objective_percent"`
	EssayPending     bool                `json:"essay_pending"`
}

func newResult(attemptID string, status model.AttemptStatus, res scoring.Result) Result {
	r := Result{
		AttemptID:        attemptID,
		Status:           status,
		Score:            res.Percent,
		CorrectAnswers:   res.CorrectAnswers,
		TotalQuestions:   res.TotalQuestions,
		ObjectivePercent: res.ObjectivePercent,
		EssayPending:     res.EssayPending,
	}
	if !res.EssayPending {
		level := res.Level
		r.Level = &level
	}
	return r
}

// Integrity is the outcome of ValidateAttemptIntegrity. It never blocks.
type Integrity struct {
	Valid      bool   `json:"valid"`
	IPChanged  bool   `json:"ip_changed"`
	RecordedIP string `json:"recorded_ip"`
	CurrentIP  string `json:"current_ip"`
}

// StartAttempt opens a new in_progress attempt on an exam.
func (m *Manager) StartAttempt(ctx context.Context, user *model.User, examID int64, ip string) (model.Attempt, error) {
	if user == nil {
		return model.Attempt{}, model.ErrUnauthorized
	}
	exam, err := m.store.GetExam(ctx, examID)
	if err != nil {
		return model.Attempt{}, err
	}

	st, err := m.access.HasAccess(ctx, user.ID)
	if err != nil {
		return model.Attempt{}, fmt.Errorf("check access: %w", err)
	}
	if !st.Allows(exam.RequiredPlan) {
		return model.Attempt{}, fmt.Errorf("exam %d requires plan %s: %w", examID, exam.RequiredPlan, model.ErrEntitlementDenied)
	}

	if m.staleAfter > 0 {
		if err := m.expireStale(ctx, user.ID, exam); err != nil {
			return model.Attempt{}, err
		}
	}

	if ip == "" {
		ip = UnknownIP
	}
	a, err := m.store.CreateAttempt(ctx, user.ID, examID, ip, m.now())
	if err != nil {
		return model.Attempt{}, err
	}
	slog.Info("attempt started", "attempt_id", a.ID, "student_id", user.ID, "exam_id", examID, "ip", ip)
	return a, nil
}

// expireStale force-submits the student's open attempt on exam when it has
// outlived the exam's timers plus the configured grace.
func (m *Manager) expireStale(ctx context.Context, studentID string, exam model.Exam) error {
	open, err := m.store.FindActiveAttempt(ctx, studentID, exam.ID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	limit := time.Duration(exam.TotalMinutes())*time.Minute + m.staleAfter
	if m.now().Sub(open.StartedAt) <= limit {
		return nil
	}
	slog.Warn("force-submitting stale attempt", "attempt_id", open.ID, "started_at", open.StartedAt, "limit", limit)
	_, err = m.submit(ctx, open, false)
	return err
}

// FindActiveAttempt returns the student's in_progress attempt on an exam so
// the caller can resume it.
func (m *Manager) FindActiveAttempt(ctx context.Context, user *model.User, examID int64) (model.Attempt, error) {
	if user == nil {
		return model.Attempt{}, model.ErrUnauthorized
	}
	return m.store.FindActiveAttempt(ctx, user.ID, examID)
}

// ownedAttempt loads an attempt and hides attempts of other students.
func (m *Manager) ownedAttempt(ctx context.Context, user *model.User, attemptID string) (model.Attempt, error) {
	if user == nil {
		return model.Attempt{}, model.ErrUnauthorized
	}
	a, err := m.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return model.Attempt{}, err
	}
	if a.StudentID != user.ID {
		return model.Attempt{}, fmt.Errorf("attempt %s: %w", attemptID, model.ErrNotFound)
	}
	return a, nil
}

// SubmitAttempt closes an attempt and grades it. Re-submitting a graded
// attempt returns the stored result; re-submitting a submitted attempt with
// pending essays retries essay grading. Essay grading failures never fail
// the submission.
func (m *Manager) SubmitAttempt(ctx context.Context, user *model.User, attemptID string) (Result, error) {
	a, err := m.ownedAttempt(ctx, user, attemptID)
	if err != nil {
		return Result{}, err
	}
	return m.submit(ctx, a, true)
}

// submit closes and grades a. With credit false the attempt never counts
// toward progress; that is how abandoned attempts are closed.
func (m *Manager) submit(ctx context.Context, a model.Attempt, credit bool) (Result, error) {
	if a.Status != model.StatusInProgress {
		return m.resume(ctx, a.ID, credit)
	}

	ok, err := m.store.MarkSubmitted(ctx, a.ID, m.now())
	if err != nil {
		return Result{}, fmt.Errorf("mark submitted: %w", err)
	}
	if !ok {
		// A concurrent request closed it first.
		return m.resume(ctx, a.ID, credit)
	}
	slog.Info("attempt submitted", "attempt_id", a.ID, "student_id", a.StudentID, "credit", credit)
	if !credit {
		if _, err := m.store.MarkProgressRecorded(ctx, a.ID, true); err != nil {
			return Result{}, fmt.Errorf("withhold progress: %w", err)
		}
	}

	res, status, err := m.finish(ctx, a.ID)
	if err != nil {
		return Result{}, err
	}
	if credit {
		m.recordProgress(ctx, a, res)
	}
	return newResult(a.ID, status, res), nil
}

// resume handles an attempt that is no longer in_progress. Progress that an
// earlier, failed submission never recorded is recorded here.
func (m *Manager) resume(ctx context.Context, attemptID string, credit bool) (Result, error) {
	a, err := m.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return Result{}, err
	}
	var (
		res    scoring.Result
		status model.AttemptStatus
	)
	switch a.Status {
	case model.StatusGraded:
		res, err = m.score(ctx, a.ID)
		status = model.StatusGraded
	case model.StatusSubmitted:
		res, status, err = m.finish(ctx, a.ID)
	default:
		return Result{}, fmt.Errorf("attempt %s is %s: %w", a.ID, a.Status, model.ErrInvalidState)
	}
	if err != nil {
		return Result{}, err
	}
	if credit && !a.ProgressRecorded {
		m.recordProgress(ctx, a, res)
	}
	return newResult(a.ID, status, res), nil
}

// finish grades any ungraded essays of a submitted attempt, scores it and
// stores the score. The attempt becomes graded unless essays are still
// pending.
func (m *Manager) finish(ctx context.Context, attemptID string) (scoring.Result, model.AttemptStatus, error) {
	items, err := m.store.ScoringItems(ctx, attemptID)
	if err != nil {
		return scoring.Result{}, "", fmt.Errorf("load scoring items: %w", err)
	}
	if err := m.gradeEssays(ctx, items); err != nil {
		if !errors.Is(err, model.ErrGradingPending) {
			return scoring.Result{}, "", err
		}
		slog.Warn("essay grading incomplete", "attempt_id", attemptID, "error", err)
	}

	res := scoring.Score(items)
	err = m.store.SaveScore(ctx, attemptID, store.AttemptScore{
		TotalScore:     res.Percent,
		Level:          res.Level,
		CorrectAnswers: res.CorrectAnswers,
		TotalQuestions: res.TotalQuestions,
		EssayPending:   res.EssayPending,
	})
	if errors.Is(err, model.ErrInvalidState) {
		// Graded concurrently; the stored result wins.
		res, err = m.score(ctx, attemptID)
		return res, model.StatusGraded, err
	}
	if err != nil {
		return scoring.Result{}, "", fmt.Errorf("save score: %w", err)
	}

	status := model.StatusGraded
	if res.EssayPending {
		status = model.StatusSubmitted
	}
	slog.Info("attempt scored", "attempt_id", attemptID, "score", res.Percent, "level", res.Level,
		"status", status, "essay_pending", res.EssayPending)
	return res, status, nil
}

// gradeEssays fills AIScore on essay items that have none. Unanswered or
// blank essays score 0 without a call. A grading failure leaves the item
// pending and is reported as model.ErrGradingPending once all essays were
// tried; a failure to store a grade aborts.
func (m *Manager) gradeEssays(ctx context.Context, items []model.ScoringItem) error {
	settleBlankEssays(items)
	var pending []error
	for i := range items {
		it := &items[i]
		if it.Type != model.QuestionEssay || it.AIScore != nil {
			continue
		}
		if m.grader == nil {
			pending = append(pending, fmt.Errorf("question %d: no grader configured", it.QuestionID))
			continue
		}
		grade, err := m.grader.GradeEssay(ctx, it.Prompt, *it.TextResponse)
		if err != nil {
			pending = append(pending, fmt.Errorf("question %d: %w", it.QuestionID, err))
			continue
		}
		if err := m.store.SaveEssayGrade(ctx, *it.ResponseID, grade.Score, grade.Feedback); err != nil {
			return fmt.Errorf("save essay grade: %w", err)
		}
		score := grade.Score
		it.AIScore = &score
	}
	if len(pending) > 0 {
		return fmt.Errorf("%w: %w", model.ErrGradingPending, errors.Join(pending...))
	}
	return nil
}

// settleBlankEssays scores essays without text as 0.
func settleBlankEssays(items []model.ScoringItem) {
	for i := range items {
		it := &items[i]
		if it.Type != model.QuestionEssay || it.AIScore != nil {
			continue
		}
		if it.ResponseID == nil || it.TextResponse == nil || isBlank(*it.TextResponse) {
			zero := 0
			it.AIScore = &zero
		}
	}
}

// recordProgress credits a's module to the student at most once. The claim
// on the attempt is released when the credit cannot be written, so a later
// submission or grade-pending run retries it.
func (m *Manager) recordProgress(ctx context.Context, a model.Attempt, res scoring.Result) {
	if m.progress == nil {
		return
	}
	claimed, err := m.store.MarkProgressRecorded(ctx, a.ID, true)
	if err != nil {
		slog.Error("failed to claim progress", "attempt_id", a.ID, "error", err)
		return
	}
	if !claimed {
		return
	}
	exam, err := m.store.GetExam(ctx, a.ExamID)
	if err != nil {
		slog.Error("failed to load exam for progress", "attempt_id", a.ID, "error", err)
		m.releaseProgress(ctx, a.ID)
		return
	}
	if exam.Module == "" {
		return
	}
	if _, err := m.progress.RecordModuleCompletion(ctx, a.StudentID, exam.Module, float64(res.Percent)); err != nil {
		slog.Error("failed to record progress", "attempt_id", a.ID, "student_id", a.StudentID, "module", exam.Module, "error", err)
		m.releaseProgress(ctx, a.ID)
	}
}

func (m *Manager) releaseProgress(ctx context.Context, attemptID string) {
	if _, err := m.store.MarkProgressRecorded(ctx, attemptID, false); err != nil {
		slog.Error("failed to release progress claim", "attempt_id", attemptID, "error", err)
	}
}

// ScoreAttempt computes the current score of an attempt without writing
// anything. The result is deterministic for unchanged responses.
func (m *Manager) ScoreAttempt(ctx context.Context, attemptID string) (scoring.Result, error) {
	if _, err := m.store.GetAttempt(ctx, attemptID); err != nil {
		return scoring.Result{}, err
	}
	return m.score(ctx, attemptID)
}

func (m *Manager) score(ctx context.Context, attemptID string) (scoring.Result, error) {
	items, err := m.store.ScoringItems(ctx, attemptID)
	if err != nil {
		return scoring.Result{}, fmt.Errorf("load scoring items: %w", err)
	}
	settleBlankEssays(items)
	return scoring.Score(items), nil
}

// ValidateAttemptIntegrity compares the caller's address with the one the
// attempt was started from. A change is reported, never enforced.
func (m *Manager) ValidateAttemptIntegrity(ctx context.Context, user *model.User, attemptID, currentIP string) (Integrity, error) {
	a, err := m.ownedAttempt(ctx, user, attemptID)
	if err != nil {
		return Integrity{}, err
	}
	if currentIP == "" {
		currentIP = UnknownIP
	}
	res := Integrity{Valid: true, RecordedIP: a.IPAddress, CurrentIP: currentIP}
	if a.IPAddress != UnknownIP && currentIP != UnknownIP && a.IPAddress != currentIP {
		res.Valid = false
		res.IPChanged = true
		slog.Warn("attempt ip changed", "attempt_id", a.ID, "student_id", a.StudentID,
			"recorded_ip", a.IPAddress, "current_ip", currentIP)
	}
	return res, nil
}

// GradePending retries essay grading on every submitted attempt that still
// has pending essays and returns how many became graded. Progress missing
// from an interrupted submission is recorded on the way.
func (m *Manager) GradePending(ctx context.Context) (int, error) {
	attempts, err := m.store.ListAttempts(ctx, store.AttemptFilter{Status: model.StatusSubmitted})
	if err != nil {
		return 0, fmt.Errorf("list attempts: %w", err)
	}
	graded := 0
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return graded, err
		}
		res, status, err := m.finish(ctx, a.ID)
		if err != nil {
			slog.Error("failed to grade attempt", "attempt_id", a.ID, "error", err)
			continue
		}
		if !a.ProgressRecorded {
			m.recordProgress(ctx, a, res)
		}
		if status == model.StatusGraded {
			graded++
		}
	}
	return graded, nil
}
