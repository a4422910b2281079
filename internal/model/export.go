package model

import "time"

// AttemptExport is the top-level JSON structure for attempt result export.
type AttemptExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	ExamID     int64           `json:"exam_id,omitempty"`
	Results    []AttemptResult `json:"results"`
}

// AttemptResult holds one attempt with its responses for export.
type AttemptResult struct {
	AttemptID    string           `json:"attempt_id"`
	StudentID    string           `json:"student_id"`
	Email        string           `json:"email,omitempty"`
	ExamID       int64            `json:"exam_id"`
	ExamTitle    string           `json:"exam_title"`
	Status       AttemptStatus    `json:"status"`
	StartedAt    time.Time        `json:"started_at"`
	EndedAt      *time.Time       `json:"ended_at,omitempty"`
	IPAddress    string           `json:"ip_address"`
	TotalScore   *int             `json:"total_score,omitempty"`
	Level        *Level           `json:"level,omitempty"`
	EssayPending bool             `json:"essay_pending"`
	Responses    []ResponseResult `json:"responses"`
}

// ResponseResult holds per-question data for export.
type ResponseResult struct {
	QuestionID     int64          `json:"question_id"`
	Type           QuestionType   `json:"type"`
	Prompt         string         `json:"prompt"`
	SelectedLetter string         `json:"selected_letter,omitempty"`
	Correct        *bool          `json:"correct,omitempty"`
	TextResponse   string         `json:"text_response,omitempty"`
	AIScore        *int           `json:"ai_score,omitempty"`
	AIFeedback     *EssayFeedback `json:"ai_feedback,omitempty"`
}
