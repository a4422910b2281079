package attempt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/tefprep/internal/access"
	"github.com/pavelanni/tefprep/internal/llm"
	"github.com/pavelanni/tefprep/internal/model"
	"github.com/pavelanni/tefprep/internal/progress"
	"github.com/pavelanni/tefprep/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeGrader struct {
	mu    sync.Mutex
	calls int
	grade llm.EssayGrade
	err   error
}

func (g *fakeGrader) GradeEssay(_ context.Context, prompt, essay string) (llm.EssayGrade, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if prompt == "" || essay == "" {
		return llm.EssayGrade{}, model.ErrInvalidInput
	}
	return g.grade, g.err
}

func (g *fakeGrader) set(grade llm.EssayGrade, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grade, g.err = grade, err
}

func (g *fakeGrader) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fixture struct {
	store      *store.Store
	clock      *fakeClock
	grader     *fakeGrader
	progress   *progress.Aggregator
	mgr        *Manager
	user       *model.User
	examID     int64
	mcqID      int64
	essayID    int64
	correctOpt int64
	wrongOpt   int64
}

// twoQuestionExam is a writing-module exam with one multiple-choice question
// (B correct) and one essay, 30 minutes in total.
func twoQuestionExam(plan model.Plan) model.ExamImport {
	return model.ExamImport{
		Title:        "Expression écrite 1",
		Type:         model.ExamDailyPractice,
		Module:       model.ModuleWriting,
		RequiredPlan: plan,
		Sections: []model.SectionImport{
			{
				Type:         model.SectionReading,
				TimerMinutes: 20,
				Questions: []model.QuestionImport{
					{
						Type:   model.QuestionMultipleChoice,
						Prompt: "Quel est le sujet du texte ?",
						Options: []model.OptionImport{
							{Letter: "A", Text: "Le sport"},
							{Letter: "B", Text: "La cuisine", IsCorrect: true},
							{Letter: "C", Text: "Le cinéma"},
						},
					},
				},
			},
			{
				Type:         model.SectionWriting,
				TimerMinutes: 10,
				Questions: []model.QuestionImport{
					{Type: model.QuestionEssay, Prompt: "Décrivez votre dernier voyage."},
				},
			},
		},
	}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.New(ctx, store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store:  s,
		clock:  &fakeClock{now: time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)},
		grader: &fakeGrader{grade: llm.EssayGrade{Score: 80}},
	}

	f.examID, err = s.ImportExam(ctx, twoQuestionExam(model.PlanFree))
	if err != nil {
		t.Fatalf("import exam: %v", err)
	}
	exam, err := s.GetExam(ctx, f.examID)
	if err != nil {
		t.Fatalf("get exam: %v", err)
	}
	for _, sec := range exam.Sections {
		qs, err := s.ListSectionQuestions(ctx, sec.ID)
		if err != nil {
			t.Fatalf("list questions: %v", err)
		}
		for _, q := range qs {
			switch q.Type {
			case model.QuestionMultipleChoice:
				f.mcqID = q.ID
				for _, o := range q.Options {
					switch o.Letter {
					case "A":
						f.wrongOpt = o.ID
					case "B":
						f.correctOpt = o.ID
					}
				}
			case model.QuestionEssay:
				f.essayID = q.ID
			}
		}
	}

	checker := access.New(s, f.clock.Now)
	f.user = f.subscriber(t, checker, "student-1", model.PlanFree)
	f.progress = progress.New(s, f.clock.Now)
	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	f.mgr = New(s, f.grader, checker, f.progress, opts...)
	return f
}

func (f *fixture) subscriber(t *testing.T, checker *access.Checker, id string, plan model.Plan) *model.User {
	t.Helper()
	if _, err := checker.Upgrade(context.Background(), id, plan); err != nil {
		t.Fatalf("upgrade %s: %v", id, err)
	}
	return &model.User{ID: id, Role: model.UserRoleStudent, Plan: plan}
}

func (f *fixture) start(t *testing.T) model.Attempt {
	t.Helper()
	a, err := f.mgr.StartAttempt(context.Background(), f.user, f.examID, "203.0.113.7")
	if err != nil {
		t.Fatalf("start attempt: %v", err)
	}
	return a
}

func (f *fixture) answerMCQ(t *testing.T, attemptID string, optionID int64) model.Response {
	t.Helper()
	r, err := f.mgr.RecordResponse(context.Background(), f.user, attemptID, f.mcqID, model.ResponsePayload{SelectedOptionID: &optionID})
	if err != nil {
		t.Fatalf("record mcq: %v", err)
	}
	return r
}

func (f *fixture) answerEssay(t *testing.T, attemptID, text string) model.Response {
	t.Helper()
	r, err := f.mgr.RecordResponse(context.Background(), f.user, attemptID, f.essayID, model.ResponsePayload{TextResponse: &text})
	if err != nil {
		t.Fatalf("record essay: %v", err)
	}
	return r
}

func TestStartAttemptConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.StartAttempt(ctx, f.user, f.examID, "203.0.113.7")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, dup int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, model.ErrDuplicateAttempt):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != callers-1 {
		t.Errorf("ok=%d dup=%d, want 1/%d", ok, dup, callers-1)
	}
}

func TestAbandonedAttemptBlocksRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.start(t)

	f.clock.Advance(36 * time.Hour)
	_, err := f.mgr.StartAttempt(ctx, f.user, f.examID, "203.0.113.7")
	if !errors.Is(err, model.ErrDuplicateAttempt) {
		t.Fatalf("err = %v, want ErrDuplicateAttempt", err)
	}

	active, err := f.mgr.FindActiveAttempt(ctx, f.user, f.examID)
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if active.ID != first.ID {
		t.Errorf("active = %s, want %s", active.ID, first.ID)
	}
}

func TestStartAttemptAfterSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.start(t)
	if _, err := f.mgr.SubmitAttempt(ctx, f.user, first.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	second := f.start(t)
	if second.ID == first.ID {
		t.Error("expected a new attempt id")
	}
}

func TestStartAttemptRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	paidExam := twoQuestionExam(model.PlanOneMonth)
	paidID, err := f.store.ImportExam(ctx, paidExam)
	if err != nil {
		t.Fatalf("import paid exam: %v", err)
	}

	tests := []struct {
		name    string
		user    *model.User
		examID  int64
		wantErr error
	}{
		{"anonymous", nil, f.examID, model.ErrUnauthorized},
		{"missing exam", f.user, 9999, model.ErrNotFound},
		{"no subscription", &model.User{ID: "nobody"}, f.examID, model.ErrEntitlementDenied},
		{"plan too low", f.user, paidID, model.ErrEntitlementDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mgr.StartAttempt(ctx, tt.user, tt.examID, "")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	// Expired free trial.
	f.clock.Advance(49 * time.Hour)
	if _, err := f.mgr.StartAttempt(ctx, f.user, f.examID, ""); !errors.Is(err, model.ErrEntitlementDenied) {
		t.Errorf("expired trial err = %v, want ErrEntitlementDenied", err)
	}
}

func TestStaleAttemptForceSubmitted(t *testing.T) {
	f := newFixture(t, WithStaleAfter(10*time.Minute))
	ctx := context.Background()
	old := f.start(t)
	f.answerMCQ(t, old.ID, f.correctOpt)

	// 30 minutes of timers plus 10 minutes grace have not elapsed yet.
	f.clock.Advance(40 * time.Minute)
	if _, err := f.mgr.StartAttempt(ctx, f.user, f.examID, ""); !errors.Is(err, model.ErrDuplicateAttempt) {
		t.Fatalf("err = %v, want ErrDuplicateAttempt", err)
	}

	f.clock.Advance(time.Minute + time.Second)
	fresh, err := f.mgr.StartAttempt(ctx, f.user, f.examID, "")
	if err != nil {
		t.Fatalf("start after staleness: %v", err)
	}
	if fresh.IPAddress != UnknownIP {
		t.Errorf("ip = %q, want %q", fresh.IPAddress, UnknownIP)
	}

	closed, err := f.store.GetAttempt(ctx, old.ID)
	if err != nil {
		t.Fatalf("get old attempt: %v", err)
	}
	if closed.Status != model.StatusGraded {
		t.Errorf("old status = %s, want graded", closed.Status)
	}
	if closed.TotalScore == nil || *closed.TotalScore != 50 {
		t.Errorf("old score = %v, want 50", closed.TotalScore)
	}

	// An abandoned attempt earns nothing, even when the student submits it later.
	if _, err := f.mgr.SubmitAttempt(ctx, f.user, old.ID); err != nil {
		t.Fatalf("submit closed attempt: %v", err)
	}
	p, err := f.progress.Get(ctx, f.user.ID)
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if p.XPPoints != 0 || len(p.TasksCompletedToday) != 0 {
		t.Errorf("progress = %+v, want untouched", p)
	}
}

func TestRecordResponseUpsert(t *testing.T) {
	f := newFixture(t)
	a := f.start(t)

	first := f.answerMCQ(t, a.ID, f.wrongOpt)
	second := f.answerMCQ(t, a.ID, f.correctOpt)
	if first.ID != second.ID {
		t.Errorf("response ids differ: %d vs %d", first.ID, second.ID)
	}
	if second.SelectedOptionID == nil || *second.SelectedOptionID != f.correctOpt {
		t.Errorf("selected = %v, want %d", second.SelectedOptionID, f.correctOpt)
	}
	f.answerMCQ(t, a.ID, f.correctOpt)

	responses, err := f.store.ListResponses(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("list responses: %v", err)
	}
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
	if responses[0].SectionID == 0 || responses[0].StudentID != f.user.ID {
		t.Errorf("response = %+v", responses[0])
	}
}

func TestRecordResponseRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.start(t)

	otherID, err := f.store.ImportExam(ctx, twoQuestionExam(model.PlanFree))
	if err != nil {
		t.Fatalf("import other exam: %v", err)
	}
	other, err := f.store.GetExam(ctx, otherID)
	if err != nil {
		t.Fatalf("get other exam: %v", err)
	}
	otherQs, err := f.store.ListSectionQuestions(ctx, other.Sections[0].ID)
	if err != nil {
		t.Fatalf("list other questions: %v", err)
	}
	foreignQuestion := otherQs[0].ID
	foreignOption := otherQs[0].Options[1].ID

	text := func(s string) *string { return &s }
	opt := func(id int64) *int64 { return &id }

	tests := []struct {
		name       string
		user       *model.User
		attemptID  string
		questionID int64
		payload    model.ResponsePayload
		wantErr    error
	}{
		{"anonymous", nil, a.ID, f.mcqID, model.ResponsePayload{SelectedOptionID: opt(f.correctOpt)}, model.ErrUnauthorized},
		{"other student", &model.User{ID: "intruder"}, a.ID, f.mcqID, model.ResponsePayload{SelectedOptionID: opt(f.correctOpt)}, model.ErrNotFound},
		{"missing attempt", f.user, "no-such-attempt", f.mcqID, model.ResponsePayload{SelectedOptionID: opt(f.correctOpt)}, model.ErrNotFound},
		{"question of another exam", f.user, a.ID, foreignQuestion, model.ResponsePayload{SelectedOptionID: opt(foreignOption)}, model.ErrNotFound},
		{"empty payload", f.user, a.ID, f.mcqID, model.ResponsePayload{}, model.ErrInvalidInput},
		{"both fields", f.user, a.ID, f.mcqID, model.ResponsePayload{SelectedOptionID: opt(f.correctOpt), TextResponse: text("B")}, model.ErrInvalidInput},
		{"option of another question", f.user, a.ID, f.mcqID, model.ResponsePayload{SelectedOptionID: opt(foreignOption)}, model.ErrInvalidInput},
		{"text for multiple choice", f.user, a.ID, f.mcqID, model.ResponsePayload{TextResponse: text("B")}, model.ErrInvalidInput},
		{"blank essay", f.user, a.ID, f.essayID, model.ResponsePayload{TextResponse: text("  \n")}, model.ErrInvalidInput},
		{"option for essay", f.user, a.ID, f.essayID, model.ResponsePayload{SelectedOptionID: opt(f.correctOpt)}, model.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mgr.RecordResponse(ctx, tt.user, tt.attemptID, tt.questionID, tt.payload)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubmitWithEssayServiceDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grader.set(llm.EssayGrade{}, fmt.Errorf("dial tcp: connection refused: %w", model.ErrUpstreamFailure))

	a := f.start(t)
	f.answerMCQ(t, a.ID, f.correctOpt)
	f.answerEssay(t, a.ID, "L'été dernier, je suis allé à Lyon avec ma sœur.")

	res, err := f.mgr.SubmitAttempt(ctx, f.user, a.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != model.StatusSubmitted {
		t.Errorf("status = %s, want submitted", res.Status)
	}
	if !res.EssayPending {
		t.Error("expected essay pending")
	}
	if res.ObjectivePercent != 100 {
		t.Errorf("objective percent = %d, want 100", res.ObjectivePercent)
	}
	if res.Score != 50 || res.CorrectAnswers != 1 || res.TotalQuestions != 2 {
		t.Errorf("result = %+v", res)
	}
	if res.Level != nil {
		t.Errorf("level = %s, want none while pending", *res.Level)
	}

	stored, err := f.store.GetAttempt(ctx, a.ID)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if stored.Status != model.StatusSubmitted || !stored.EssayPending || stored.Level != nil || stored.EndedAt == nil {
		t.Errorf("stored attempt = %+v", stored)
	}

	// Responses are frozen once submitted.
	_, err = f.mgr.RecordResponse(ctx, f.user, a.ID, f.mcqID, model.ResponsePayload{SelectedOptionID: &f.wrongOpt})
	if !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("record after submit err = %v, want ErrInvalidState", err)
	}

	// Service recovers; re-submitting finishes grading.
	f.grader.set(llm.EssayGrade{Score: 80, Feedback: model.EssayFeedback{Strengths: "Récit clair."}}, nil)
	res, err = f.mgr.SubmitAttempt(ctx, f.user, a.ID)
	if err != nil {
		t.Fatalf("re-submit: %v", err)
	}
	if res.Status != model.StatusGraded || res.EssayPending {
		t.Errorf("status = %s pending = %v, want graded", res.Status, res.EssayPending)
	}
	if res.Score != 90 || res.Level == nil || *res.Level != model.LevelC2 {
		t.Errorf("result = %+v, want 90/C2", res)
	}
	if f.grader.Calls() != 2 {
		t.Errorf("grader calls = %d, want 2", f.grader.Calls())
	}

	responses, err := f.store.ListResponses(ctx, a.ID)
	if err != nil {
		t.Fatalf("list responses: %v", err)
	}
	for _, r := range responses {
		if r.QuestionID == f.essayID && (r.AIScore == nil || *r.AIScore != 80 || r.AIFeedback == nil) {
			t.Errorf("essay response = %+v", r)
		}
	}

	// Progress counted once, with the first submission's score.
	p, err := f.progress.Get(ctx, f.user.ID)
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if p.XPPoints != 50 {
		t.Errorf("xp = %d, want 50", p.XPPoints)
	}
}

// scoreHookStore runs hook before every SaveScore. A hook error aborts the
// save.
type scoreHookStore struct {
	*store.Store
	mu   sync.Mutex
	hook func(ctx context.Context, id string, sc store.AttemptScore) error
}

func (s *scoreHookStore) SaveScore(ctx context.Context, id string, sc store.AttemptScore) error {
	s.mu.Lock()
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, id, sc); err != nil {
			return err
		}
	}
	return s.Store.SaveScore(ctx, id, sc)
}

func TestSubmitRetryAfterSaveFailureRecordsProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	failures := 1
	hooked := &scoreHookStore{Store: f.store}
	hooked.hook = func(context.Context, string, store.AttemptScore) error {
		if failures > 0 {
			failures--
			return errors.New("database is locked")
		}
		return nil
	}
	mgr := New(hooked, f.grader, access.New(f.store, f.clock.Now), f.progress, WithClock(f.clock.Now))

	a, err := mgr.StartAttempt(ctx, f.user, f.examID, "203.0.113.7")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.answerMCQ(t, a.ID, f.correctOpt)
	f.answerEssay(t, a.ID, "Je suis allé à Nice en train.")

	if _, err := mgr.SubmitAttempt(ctx, f.user, a.ID); err == nil {
		t.Fatal("expected the first submission to fail")
	}
	stored, err := f.store.GetAttempt(ctx, a.ID)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if stored.Status != model.StatusSubmitted || stored.ProgressRecorded {
		t.Fatalf("after failure = %+v, want submitted without progress", stored)
	}

	res, err := mgr.SubmitAttempt(ctx, f.user, a.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Status != model.StatusGraded || res.Score != 90 {
		t.Fatalf("retry = %+v, want graded with 90", res)
	}

	p, err := f.progress.Get(ctx, f.user.ID)
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if p.XPPoints != 90 || len(p.TasksCompletedToday) != 1 || p.TasksCompletedToday[0] != model.ModuleWriting {
		t.Errorf("progress = %+v, want 90 xp and writing done", p)
	}

	// Further submissions do not credit again.
	if _, err := mgr.SubmitAttempt(ctx, f.user, a.ID); err != nil {
		t.Fatalf("third submit: %v", err)
	}
	p, err = f.progress.Get(ctx, f.user.ID)
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if p.XPPoints != 90 {
		t.Errorf("xp = %d after resubmit, want 90", p.XPPoints)
	}
}

func TestPendingScoreLosesToConcurrentGrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grader.set(llm.EssayGrade{}, model.ErrUpstreamFailure)

	hooked := &scoreHookStore{Store: f.store}
	hooked.hook = func(ctx context.Context, id string, sc store.AttemptScore) error {
		if !sc.EssayPending {
			return nil
		}
		// Another request finishes grading between our scoring and our save.
		return f.store.SaveScore(ctx, id, store.AttemptScore{
			TotalScore: 75, Level: model.LevelC1, CorrectAnswers: 1, TotalQuestions: 2,
		})
	}
	mgr := New(hooked, f.grader, access.New(f.store, f.clock.Now), f.progress, WithClock(f.clock.Now))

	a, err := mgr.StartAttempt(ctx, f.user, f.examID, "203.0.113.7")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.answerMCQ(t, a.ID, f.correctOpt)
	f.answerEssay(t, a.ID, "Nous avons visité Bordeaux.")

	res, err := mgr.SubmitAttempt(ctx, f.user, a.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != model.StatusGraded {
		t.Errorf("status = %s, want graded", res.Status)
	}

	stored, err := f.store.GetAttempt(ctx, a.ID)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if stored.Status != model.StatusGraded || stored.EssayPending || stored.TotalScore == nil || *stored.TotalScore != 75 {
		t.Errorf("stored = %+v, want the concurrent grade", stored)
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.start(t)
	f.answerMCQ(t, a.ID, f.wrongOpt)
	f.answerEssay(t, a.ID, "Je suis parti en Bretagne.")

	first, err := f.mgr.SubmitAttempt(ctx, f.user, a.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.Status != model.StatusGraded || first.Score != 40 {
		t.Fatalf("first = %+v, want graded with 40", first)
	}

	again, err := f.mgr.SubmitAttempt(ctx, f.user, a.ID)
	if err != nil {
		t.Fatalf("re-submit: %v", err)
	}
	if again.Score != first.Score || again.Status != first.Status || again.Level == nil || *again.Level != *first.Level {
		t.Errorf("again = %+v, want %+v", again, first)
	}
	if f.grader.Calls() != 1 {
		t.Errorf("grader calls = %d, want 1", f.grader.Calls())
	}

	p, err := f.progress.Get(ctx, f.user.ID)
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if p.XPPoints != 40 {
		t.Errorf("xp = %d, want 40", p.XPPoints)
	}
}

func TestSubmitConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.start(t)
	f.answerMCQ(t, a.ID, f.correctOpt)

	var wg sync.WaitGroup
	results := make(chan Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.mgr.SubmitAttempt(ctx, f.user, a.ID)
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	for res := range results {
		if res.Score != 50 || res.Status != model.StatusGraded {
			t.Errorf("result = %+v", res)
		}
	}
	p, err := f.progress.Get(ctx, f.user.ID)
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if p.XPPoints != 50 {
		t.Errorf("xp = %d, want 50 (recorded once)", p.XPPoints)
	}
}

func TestSubmitUnansweredEssaySkipsGrader(t *testing.T) {
	f := newFixture(t)
	a := f.start(t)
	f.answerMCQ(t, a.ID, f.correctOpt)

	res, err := f.mgr.SubmitAttempt(context.Background(), f.user, a.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != model.StatusGraded || res.Score != 50 || res.EssayPending {
		t.Errorf("result = %+v", res)
	}
	if f.grader.Calls() != 0 {
		t.Errorf("grader calls = %d, want 0", f.grader.Calls())
	}
}

func TestSubmitForeignAttempt(t *testing.T) {
	f := newFixture(t)
	a := f.start(t)
	_, err := f.mgr.SubmitAttempt(context.Background(), &model.User{ID: "intruder"}, a.ID)
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestScoreAttemptIsReadOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.start(t)
	f.answerMCQ(t, a.ID, f.correctOpt)

	first, err := f.mgr.ScoreAttempt(ctx, a.ID)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	second, err := f.mgr.ScoreAttempt(ctx, a.ID)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if first != second || first.Percent != 50 {
		t.Errorf("first = %+v, second = %+v", first, second)
	}

	stored, err := f.store.GetAttempt(ctx, a.ID)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if stored.Status != model.StatusInProgress || stored.TotalScore != nil {
		t.Errorf("stored attempt changed: %+v", stored)
	}

	if _, err := f.mgr.ScoreAttempt(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing attempt err = %v, want ErrNotFound", err)
	}
}

func TestValidateAttemptIntegrity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.start(t)

	unknown, err := f.mgr.StartAttempt(ctx, f.subscriber(t, access.New(f.store, f.clock.Now), "student-2", model.PlanFree), f.examID, "")
	if err != nil {
		t.Fatalf("start unknown-ip attempt: %v", err)
	}

	tests := []struct {
		name      string
		user      *model.User
		attemptID string
		currentIP string
		wantValid bool
	}{
		{"same ip", f.user, a.ID, "203.0.113.7", true},
		{"changed ip", f.user, a.ID, "198.51.100.4", false},
		{"current unknown", f.user, a.ID, "", true},
		{"recorded unknown", &model.User{ID: "student-2"}, unknown.ID, "198.51.100.4", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.mgr.ValidateAttemptIntegrity(ctx, tt.user, tt.attemptID, tt.currentIP)
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if got.Valid != tt.wantValid || got.IPChanged == tt.wantValid {
				t.Errorf("got %+v, want valid=%v", got, tt.wantValid)
			}
		})
	}

	// A changed address never blocks submission.
	if _, err := f.mgr.SubmitAttempt(ctx, f.user, a.ID); err != nil {
		t.Fatalf("submit after ip change: %v", err)
	}
}

func TestGradePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grader.set(llm.EssayGrade{}, model.ErrUpstreamFailure)

	a := f.start(t)
	f.answerEssay(t, a.ID, "Mon voyage à Marseille.")
	if _, err := f.mgr.SubmitAttempt(ctx, f.user, a.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	n, err := f.mgr.GradePending(ctx)
	if err != nil {
		t.Fatalf("grade pending: %v", err)
	}
	if n != 0 {
		t.Errorf("graded = %d while service down, want 0", n)
	}

	f.grader.set(llm.EssayGrade{Score: 60}, nil)
	n, err = f.mgr.GradePending(ctx)
	if err != nil {
		t.Fatalf("grade pending: %v", err)
	}
	if n != 1 {
		t.Errorf("graded = %d, want 1", n)
	}

	stored, err := f.store.GetAttempt(ctx, a.ID)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if stored.Status != model.StatusGraded || stored.TotalScore == nil || *stored.TotalScore != 30 {
		t.Errorf("stored = %+v, want graded with 30", stored)
	}
}
