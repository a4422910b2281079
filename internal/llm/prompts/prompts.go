package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.txt
var templateFS embed.FS

var (
	studentEssayRegex       = regexp.MustCompile(`(?i)</?\s*student-essay\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// MaxEssayRunes bounds the essay text forwarded to the grading service.
const MaxEssayRunes = 10000

// PromptVariant represents an essay grading prompt variant.
type PromptVariant string

const (
	// PromptStrict penalises every error.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default grading variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient rewards communication over accuracy.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[PromptVariant]*template.Template
)

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// EssayData holds template data for the essay grading instruction.
type EssayData struct {
	Prompt           string
	FeedbackLanguage string
}

func load() error {
	loadOnce.Do(func() {
		templates = make(map[PromptVariant]*template.Template)
		for v := range validVariants {
			name := "templates/essay_" + string(v) + ".txt"
			content, err := templateFS.ReadFile(name)
			if err != nil {
				loadErr = errors.New("failed to read prompt file " + name + ": " + err.Error())
				return
			}
			tmpl, err := template.New(string(v)).Parse(string(content))
			if err != nil {
				loadErr = errors.New("failed to parse prompt template " + name + ": " + err.Error())
				return
			}
			templates[v] = tmpl
		}
	})
	return loadErr
}

// BuildEssayInstruction renders the grading instruction for a writing task.
func BuildEssayInstruction(variant PromptVariant, taskPrompt, feedbackLanguage string) (string, error) {
	if err := load(); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	tmpl, ok := templates[variant]
	if !ok {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}
	if feedbackLanguage == "" {
		feedbackLanguage = "French"
	}

	var buf bytes.Buffer
	err := tmpl.Execute(&buf, EssayData{
		Prompt:           strings.TrimSpace(taskPrompt),
		FeedbackLanguage: feedbackLanguage,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// WrapEssay sanitizes the essay and encloses it in student-essay tags.
func WrapEssay(essay string) string {
	return "<student-essay>\n" + SanitizeEssay(essay) + "\n</student-essay>"
}

// SanitizeEssay strips tags that could break out of the essay envelope and
// truncates overly long text.
func SanitizeEssay(essay string) string {
	essay = studentEssayRegex.ReplaceAllString(essay, "")
	essay = systemInstructionsRegex.ReplaceAllString(essay, "")
	essay = strings.TrimSpace(essay)

	if essay == "" {
		return "[No essay provided]"
	}

	if utf8.RuneCountInString(essay) > MaxEssayRunes {
		runes := []rune(essay)
		runes = runes[:MaxEssayRunes]
		essay = string(runes) + "\n\n[Essay truncated due to length]"
	}

	return essay
}
