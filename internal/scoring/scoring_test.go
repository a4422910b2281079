package scoring

import (
	"testing"

	"github.com/pavelanni/tefprep/internal/model"
)

func mcq(selected, correct bool) model.ScoringItem {
	it := model.ScoringItem{Type: model.QuestionMultipleChoice}
	if selected {
		id := int64(1)
		it.SelectedOptionID = &id
		it.SelectedCorrect = correct
	}
	return it
}

func essay(score *int) model.ScoringItem {
	return model.ScoringItem{Type: model.QuestionEssay, AIScore: score}
}

func ptr(v int) *int { return &v }

func TestLevelFor(t *testing.T) {
	tests := []struct {
		percent int
		want    model.Level
	}{
		{0, model.LevelA1},
		{19, model.LevelA1},
		{20, model.LevelA2},
		{34, model.LevelA2},
		{35, model.LevelB1},
		{49, model.LevelB1},
		{50, model.LevelB2},
		{69, model.LevelB2},
		{70, model.LevelC1},
		{84, model.LevelC1},
		{85, model.LevelC2},
		{100, model.LevelC2},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			if got := LevelFor(tt.percent); got != tt.want {
				t.Errorf("LevelFor(%d) = %s, want %s", tt.percent, got, tt.want)
			}
		})
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name        string
		items       []model.ScoringItem
		wantPercent int
		wantCorrect int
		wantTotal   int
		wantPending bool
		wantObjPct  int
	}{
		{"empty", nil, 0, 0, 0, false, 0},
		{"all correct", []model.ScoringItem{mcq(true, true), mcq(true, true)}, 100, 2, 2, false, 100},
		{"unanswered counts as wrong", []model.ScoringItem{mcq(true, true), mcq(false, false), mcq(false, false)}, 33, 1, 3, false, 33},
		{"selected but wrong", []model.ScoringItem{mcq(true, false), mcq(true, true)}, 50, 1, 2, false, 50},
		{"short answer scored like mcq", []model.ScoringItem{
			{Type: model.QuestionShortAnswer, SelectedOptionID: new(int64), SelectedCorrect: true},
			mcq(true, false),
		}, 50, 1, 2, false, 50},
		{"correct flag without selection ignored", []model.ScoringItem{
			{Type: model.QuestionMultipleChoice, SelectedCorrect: true},
		}, 0, 0, 1, false, 0},
		{"essay pending counts in denominator", []model.ScoringItem{mcq(true, true), essay(nil)}, 50, 1, 2, true, 100},
		{"essay graded blends proportionally", []model.ScoringItem{mcq(true, true), essay(ptr(60))}, 80, 1, 2, false, 100},
		{"essay only", []model.ScoringItem{essay(ptr(73))}, 73, 0, 1, false, 0},
		{"essay score clamped", []model.ScoringItem{essay(ptr(140))}, 100, 0, 1, false, 0},
		{"two essays one pending", []model.ScoringItem{essay(ptr(50)), essay(nil)}, 25, 0, 2, true, 0},
		{"rounding half up", []model.ScoringItem{mcq(true, true), mcq(true, false), mcq(true, false), mcq(true, false),
			mcq(true, false), mcq(true, false), mcq(true, false), mcq(true, false)}, 13, 1, 8, false, 13},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.items)
			if got.Percent != tt.wantPercent {
				t.Errorf("Percent = %d, want %d", got.Percent, tt.wantPercent)
			}
			if got.CorrectAnswers != tt.wantCorrect {
				t.Errorf("CorrectAnswers = %d, want %d", got.CorrectAnswers, tt.wantCorrect)
			}
			if got.TotalQuestions != tt.wantTotal {
				t.Errorf("TotalQuestions = %d, want %d", got.TotalQuestions, tt.wantTotal)
			}
			if got.EssayPending != tt.wantPending {
				t.Errorf("EssayPending = %v, want %v", got.EssayPending, tt.wantPending)
			}
			if got.ObjectivePercent != tt.wantObjPct {
				t.Errorf("ObjectivePercent = %d, want %d", got.ObjectivePercent, tt.wantObjPct)
			}
			if got.Level != LevelFor(got.Percent) {
				t.Errorf("Level %s not re-derivable from Percent %d", got.Level, got.Percent)
			}
		})
	}
}

func TestScoreDeterministic(t *testing.T) {
	items := []model.ScoringItem{mcq(true, true), mcq(true, false), essay(ptr(88)), mcq(false, false)}
	first := Score(items)
	for i := 0; i < 5; i++ {
		if got := Score(items); got != first {
			t.Fatalf("run %d: got %+v, want %+v", i, got, first)
		}
	}
	if items[2].AIScore == nil || *items[2].AIScore != 88 {
		t.Error("Score must not mutate its input")
	}
}
