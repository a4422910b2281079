package model

import (
	"context"
	"time"
)

// UserRole represents a user's access level as asserted by the auth provider.
type UserRole string

const (
	// UserRoleStudent is a student user role.
	UserRoleStudent UserRole = "student"
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// Plan is a subscription tier.
type Plan string

const (
	PlanFree        Plan = "free"
	PlanOneMonth    Plan = "1-month"
	PlanThreeMonths Plan = "3-month"
)

// Rank orders plans from least to most inclusive. Unknown plans rank below free.
func (p Plan) Rank() int {
	switch p {
	case PlanFree:
		return 1
	case PlanOneMonth:
		return 2
	case PlanThreeMonths:
		return 3
	default:
		return 0
	}
}

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool { return p.Rank() > 0 }

// User represents an authenticated caller together with its subscription.
// The ID is the subject issued by the external auth provider.
type User struct {
	ID            string     `json:"id"`
	Email         string     `json:"email,omitempty"`
	DisplayName   string     `json:"display_name,omitempty"`
	Role          UserRole   `json:"role"`
	Plan          Plan       `json:"plan"`
	PlanExpiresAt *time.Time `json:"plan_expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// ExamType distinguishes daily practice from end-of-cycle exams.
type ExamType string

const (
	ExamDailyPractice ExamType = "daily_practice"
	ExamEndOfCycle    ExamType = "end_of_cycle"
)

// Module is one of the four daily skill areas.
type Module string

const (
	ModuleListening Module = "listening"
	ModuleReading   Module = "reading"
	ModuleWriting   Module = "writing"
	ModuleSpeaking  Module = "speaking"
)

// RequiredModules is the set a student must complete in a day to advance the streak.
var RequiredModules = []Module{ModuleListening, ModuleReading, ModuleWriting, ModuleSpeaking}

// SectionType is the kind of an exam section.
type SectionType string

const (
	SectionListening SectionType = "listening_comprehension"
	SectionReading   SectionType = "reading_comprehension"
	SectionWriting   SectionType = "writing_production"
	SectionSpeaking  SectionType = "speaking_production"
	SectionVideo     SectionType = "video_response"
)

// QuestionType is the kind of a question.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionShortAnswer    QuestionType = "short_answer"
	QuestionEssay          QuestionType = "essay"
)

// Exam is an exam definition owned by content management.
type Exam struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Type         ExamType  `json:"type"`
	Module       Module    `json:"module,omitempty"`
	RequiredPlan Plan      `json:"required_plan"`
	Sections     []Section `json:"sections,omitempty"`
}

// TotalMinutes returns the sum of all section timers.
func (e Exam) TotalMinutes() int {
	total := 0
	for _, s := range e.Sections {
		total += s.TimerMinutes
	}
	return total
}

// Section is an ordered part of an exam.
type Section struct {
	ID           int64       `json:"id"`
	ExamID       int64       `json:"exam_id"`
	Position     int         `json:"position"`
	Type         SectionType `json:"type"`
	TimerMinutes int         `json:"timer_minutes"`
}

// Question belongs to exactly one section.
type Question struct {
	ID        int64          `json:"id"`
	SectionID int64          `json:"section_id"`
	Position  int            `json:"position"`
	Type      QuestionType   `json:"type"`
	Prompt    string         `json:"prompt"`
	Options   []AnswerOption `json:"options,omitempty"`
}

// AnswerOption is a lettered choice for a multiple-choice question.
// IsCorrect must never reach a student before grading; see StudentQuestion.
type AnswerOption struct {
	ID         int64  `json:"id"`
	QuestionID int64  `json:"question_id"`
	Letter     string `json:"letter"`
	Text       string `json:"text"`
	IsCorrect  bool   `json:"is_correct"`
}

// StudentQuestion is the student-facing view of a question.
type StudentQuestion struct {
	ID        int64           `json:"id"`
	SectionID int64           `json:"section_id"`
	Position  int             `json:"position"`
	Type      QuestionType    `json:"type"`
	Prompt    string          `json:"prompt"`
	Options   []StudentOption `json:"options,omitempty"`
}

// StudentOption is an answer option without its correctness flag.
type StudentOption struct {
	ID     int64  `json:"id"`
	Letter string `json:"letter"`
	Text   string `json:"text"`
}

// ForStudent strips correctness flags from a question.
func (q Question) ForStudent() StudentQuestion {
	sq := StudentQuestion{
		ID:        q.ID,
		SectionID: q.SectionID,
		Position:  q.Position,
		Type:      q.Type,
		Prompt:    q.Prompt,
	}
	for _, o := range q.Options {
		sq.Options = append(sq.Options, StudentOption{ID: o.ID, Letter: o.Letter, Text: o.Text})
	}
	return sq
}

// Attempt is one student taking one exam.
type Attempt struct {
	ID               string        `json:"id"`
	StudentID        string        `json:"student_id"`
	ExamID           int64         `json:"exam_id"`
	Status           AttemptStatus `json:"status"`
	StartedAt        time.Time     `json:"started_at"`
	EndedAt          *time.Time    `json:"ended_at,omitempty"`
	IPAddress        string        `json:"ip_address"`
	TotalScore       *int          `json:"total_score,omitempty"`
	Level            *Level        `json:"level,omitempty"`
	CorrectAnswers   int           `json:"correct_answers"`
	TotalQuestions   int           `json:"total_questions"`
	EssayPending     bool          `json:"essay_pending"`
	ProgressRecorded bool          `json:"progress_recorded"`
}

// Response is a student's answer to one question within one attempt.
type Response struct {
	ID               int64          `json:"id"`
	AttemptID        string         `json:"attempt_id"`
	StudentID        string         `json:"student_id"`
	SectionID        int64          `json:"section_id"`
	QuestionID       int64          `json:"question_id"`
	SelectedOptionID *int64         `json:"selected_option_id,omitempty"`
	TextResponse     *string        `json:"text_response,omitempty"`
	AIScore          *int           `json:"ai_score,omitempty"`
	AIFeedback       *EssayFeedback `json:"ai_feedback,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ResponsePayload is what a client submits for one question. Exactly one
// field must be set.
type ResponsePayload struct {
	SelectedOptionID *int64  `json:"selected_option_id,omitempty"`
	TextResponse     *string `json:"text_response,omitempty"`
}

// EssayFeedback holds the qualitative sections extracted from a grading response.
type EssayFeedback struct {
	Grammar      string `json:"grammar"`
	Vocabulary   string `json:"vocabulary"`
	Structure    string `json:"structure"`
	Strengths    string `json:"strengths"`
	Improvements string `json:"improvements"`
}

// Progress is the longitudinal record of one student.
type Progress struct {
	StudentID           string     `json:"student_id"`
	StreakCount         int        `json:"streak_count"`
	DayCompleted        int        `json:"day_completed"`
	XPPoints            int        `json:"xp_points"`
	TasksCompletedToday []Module   `json:"tasks_completed_today"`
	LastLogin           *time.Time `json:"last_login,omitempty"`
	Version             int64      `json:"-"`
}

// ScoringItem joins one exam question with the response recorded for it, if any.
type ScoringItem struct {
	QuestionID       int64
	Type             QuestionType
	Prompt           string
	ResponseID       *int64
	SelectedOptionID *int64
	SelectedCorrect  bool
	TextResponse     *string
	AIScore          *int
}

// ExamImport is the JSON shape accepted by the content importer.
type ExamImport struct {
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Type         ExamType        `json:"type"`
	Module       Module          `json:"module"`
	RequiredPlan Plan            `json:"required_plan"`
	Sections     []SectionImport `json:"sections"`
}

// SectionImport is one section in an ExamImport.
type SectionImport struct {
	Type         SectionType      `json:"type"`
	TimerMinutes int              `json:"timer_minutes"`
	Questions    []QuestionImport `json:"questions"`
}

// QuestionImport is one question in a SectionImport.
type QuestionImport struct {
	Type    QuestionType   `json:"type"`
	Prompt  string         `json:"prompt"`
	Options []OptionImport `json:"options"`
}

// OptionImport is one answer option in a QuestionImport.
type OptionImport struct {
	Letter    string `json:"letter"`
	Text      string `json:"text"`
	IsCorrect bool   `json:"is_correct"`
}

// ServeConfig holds runtime parameters set via CLI flags.
type ServeConfig struct {
	Lang        string        // default UI language for messages
	JWTSecret   string        // shared secret of the auth provider
	StaleAfter  time.Duration // grace added to exam duration before an open attempt is force-submitted; 0 disables
	CORSOrigins []string
}
