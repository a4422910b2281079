// Package scoring turns recorded responses into a percentage and a CEFR level.
package scoring

import (
	"math"

	"github.com/pavelanni/tefprep/internal/model"
)

// Result is the outcome of scoring one attempt.
type Result struct {
	Percent          int         `json:"score"`
	Level            model.Level `json:"level"`
	CorrectAnswers   int         `json:"correct_answers"`
	TotalQuestions   int         `json:"total_questions"`
	ObjectiveCount   int         `json:"objective_count"`
	ObjectivePercent int         `json:"objective_percent"`
	EssayCount       int         `json:"essay_count"`
	EssaysGraded     int         `json:"essays_graded"`
	EssayPending     bool        `json:"essay_pending"`
}

// Score computes the result for a set of scoring items. It is a pure
// function of its input.
//
// Multiple-choice and short-answer questions are correct iff the selected
// option is marked correct; a missing selection is incorrect. Essays count in
// the denominator and contribute AIScore/100 each once graded, nothing while
// pending.
func Score(items []model.ScoringItem) Result {
	var (
		res         Result
		essayCredit float64
	)
	for _, it := range items {
		res.TotalQuestions++
		switch it.Type {
		case model.QuestionEssay:
			res.EssayCount++
			if it.AIScore != nil {
				res.EssaysGraded++
				essayCredit += float64(clampPercent(*it.AIScore)) / 100
			}
		default:
			res.ObjectiveCount++
			if it.SelectedOptionID != nil && it.SelectedCorrect {
				res.CorrectAnswers++
			}
		}
	}

	res.EssayPending = res.EssaysGraded < res.EssayCount
	if res.TotalQuestions > 0 {
		res.Percent = roundPercent(float64(res.CorrectAnswers)+essayCredit, res.TotalQuestions)
	}
	if res.ObjectiveCount > 0 {
		res.ObjectivePercent = roundPercent(float64(res.CorrectAnswers), res.ObjectiveCount)
	}
	res.Level = LevelFor(res.Percent)
	return res
}

// LevelFor maps a percentage to its CEFR level. Lower bounds are inclusive.
func LevelFor(percent int) model.Level {
	switch {
	case percent >= 85:
		return model.LevelC2
	case percent >= 70:
		return model.LevelC1
	case percent >= 50:
		return model.LevelB2
	case percent >= 35:
		return model.LevelB1
	case percent >= 20:
		return model.LevelA2
	default:
		return model.LevelA1
	}
}

func roundPercent(num float64, den int) int {
	return clampPercent(int(math.Round(100 * num / float64(den))))
}

func clampPercent(v int) int {
	return max(0, min(100, v))
}
