package model

import (
	"errors"
	"testing"
)

func validImport() ExamImport {
	return ExamImport{
		Title:  "Lecture",
		Module: ModuleReading,
		Sections: []SectionImport{
			{
				Type:         SectionReading,
				TimerMinutes: 10,
				Questions: []QuestionImport{
					{
						Type:   QuestionMultipleChoice,
						Prompt: "Choisissez",
						Options: []OptionImport{
							{Letter: "A", Text: "oui", IsCorrect: true},
							{Letter: "B", Text: "non"},
						},
					},
					{Type: QuestionEssay, Prompt: "Expliquez."},
				},
			},
		},
	}
}

func TestExamImportValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ExamImport)
		wantErr bool
	}{
		{"valid", func(*ExamImport) {}, false},
		{"end of cycle without module", func(e *ExamImport) { e.Type = ExamEndOfCycle; e.Module = "" }, false},
		{"missing title", func(e *ExamImport) { e.Title = "" }, true},
		{"unknown plan", func(e *ExamImport) { e.RequiredPlan = "gold" }, true},
		{"unknown type", func(e *ExamImport) { e.Type = "weekly" }, true},
		{"unknown module", func(e *ExamImport) { e.Module = "grammar" }, true},
		{"no sections", func(e *ExamImport) { e.Sections = nil }, true},
		{"unknown section type", func(e *ExamImport) { e.Sections[0].Type = "quiz" }, true},
		{"negative timer", func(e *ExamImport) { e.Sections[0].TimerMinutes = -1 }, true},
		{"empty prompt", func(e *ExamImport) { e.Sections[0].Questions[1].Prompt = "" }, true},
		{"single option", func(e *ExamImport) {
			e.Sections[0].Questions[0].Options = e.Sections[0].Questions[0].Options[:1]
		}, true},
		{"essay with options", func(e *ExamImport) {
			e.Sections[0].Questions[1].Options = []OptionImport{{Letter: "A"}}
		}, true},
		{"unknown question type", func(e *ExamImport) { e.Sections[0].Questions[1].Type = "oral" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validImport()
			tt.mutate(&e)
			err := e.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidInput) {
				t.Errorf("error %v should wrap ErrInvalidInput", err)
			}
		})
	}
}
