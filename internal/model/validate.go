package model

import "fmt"

// Validate checks an exam import before anything is written.
func (e ExamImport) Validate() error {
	if e.Title == "" {
		return fmt.Errorf("exam title is required: %w", ErrInvalidInput)
	}
	if e.RequiredPlan != "" && !e.RequiredPlan.Valid() {
		return fmt.Errorf("unknown required_plan %q: %w", e.RequiredPlan, ErrInvalidInput)
	}
	switch e.Type {
	case "", ExamDailyPractice, ExamEndOfCycle:
	default:
		return fmt.Errorf("unknown exam type %q: %w", e.Type, ErrInvalidInput)
	}
	switch e.Module {
	case "", ModuleListening, ModuleReading, ModuleWriting, ModuleSpeaking:
	default:
		return fmt.Errorf("unknown module %q: %w", e.Module, ErrInvalidInput)
	}
	if len(e.Sections) == 0 {
		return fmt.Errorf("exam %q has no sections: %w", e.Title, ErrInvalidInput)
	}
	for si, sec := range e.Sections {
		switch sec.Type {
		case SectionListening, SectionReading, SectionWriting, SectionSpeaking, SectionVideo:
		default:
			return fmt.Errorf("section %d: unknown type %q: %w", si+1, sec.Type, ErrInvalidInput)
		}
		if sec.TimerMinutes < 0 {
			return fmt.Errorf("section %d: negative timer: %w", si+1, ErrInvalidInput)
		}
		for qi, q := range sec.Questions {
			if q.Prompt == "" {
				return fmt.Errorf("question %d.%d: prompt is required: %w", si+1, qi+1, ErrInvalidInput)
			}
			switch q.Type {
			case QuestionMultipleChoice:
				if len(q.Options) < 2 {
					return fmt.Errorf("question %d.%d: multiple choice needs at least two options: %w", si+1, qi+1, ErrInvalidInput)
				}
			case QuestionShortAnswer:
			case QuestionEssay:
				if len(q.Options) > 0 {
					return fmt.Errorf("question %d.%d: essay cannot have options: %w", si+1, qi+1, ErrInvalidInput)
				}
			default:
				return fmt.Errorf("question %d.%d: unknown type %q: %w", si+1, qi+1, q.Type, ErrInvalidInput)
			}
		}
	}
	return nil
}
