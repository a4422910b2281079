package model

// AttemptStatus represents the state of an exam attempt.
type AttemptStatus string

const (
	// StatusNone is the implicit state before an attempt exists.
	StatusNone       AttemptStatus = ""
	StatusInProgress AttemptStatus = "in_progress"
	StatusSubmitted  AttemptStatus = "submitted"
	StatusGraded     AttemptStatus = "graded"
)

var attemptTransitions = map[AttemptStatus]AttemptStatus{
	StatusNone:       StatusInProgress,
	StatusInProgress: StatusSubmitted,
	StatusSubmitted:  StatusGraded,
}

// CanTransition reports whether an attempt may move from s to next.
func (s AttemptStatus) CanTransition(next AttemptStatus) bool {
	to, ok := attemptTransitions[s]
	return ok && to == next
}

// Valid reports whether s is a stored status.
func (s AttemptStatus) Valid() bool {
	switch s {
	case StatusInProgress, StatusSubmitted, StatusGraded:
		return true
	}
	return false
}

// Level is a CEFR proficiency level.
type Level string

const (
	LevelA1 Level = "A1"
	LevelA2 Level = "A2"
	LevelB1 Level = "B1"
	LevelB2 Level = "B2"
	LevelC1 Level = "C1"
	LevelC2 Level = "C2"
)
