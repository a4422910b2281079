package llm

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/tefprep/internal/llm/prompts"
	"github.com/pavelanni/tefprep/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// EssayGrade holds the grading service's assessment of one essay.
type EssayGrade struct {
	Score    int                 `json:"score"`
	Feedback model.EssayFeedback `json:"feedback"`
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api              *openai.Client
	model            string
	variant          prompts.PromptVariant
	feedbackLanguage string
	timeout          time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithVariant selects the grading prompt variant.
func WithVariant(v prompts.PromptVariant) Option {
	return func(c *Client) { c.variant = v }
}

// WithFeedbackLanguage sets the language the feedback sections are written in.
func WithFeedbackLanguage(lang string) Option {
	return func(c *Client) { c.feedbackLanguage = lang }
}

// WithTimeout bounds each grading call. Zero means no bound beyond the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string, opts ...Option) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	c := &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: prompts.PromptStandard,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Ping checks that the grading service is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w: %w", model.ErrUpstreamFailure, err)
	}
	return nil
}

// GradeEssay sends one essay to the grading service and parses the prose
// reply. Empty input fails with model.ErrInvalidInput without a network
// call; transport and parse failures wrap model.ErrUpstreamFailure. There
// are no retries.
func (c *Client) GradeEssay(ctx context.Context, taskPrompt, essay string) (EssayGrade, error) {
	if strings.TrimSpace(taskPrompt) == "" || strings.TrimSpace(essay) == "" {
		return EssayGrade{}, fmt.Errorf("essay grading needs a prompt and an essay: %w", model.ErrInvalidInput)
	}

	instruction, err := prompts.BuildEssayInstruction(c.variant, taskPrompt, c.feedbackLanguage)
	if err != nil {
		return EssayGrade{}, err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: instruction},
			{Role: openai.ChatMessageRoleUser, Content: prompts.WrapEssay(essay)},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return EssayGrade{}, fmt.Errorf("essay grading call: %w: %w", model.ErrUpstreamFailure, err)
	}
	if len(resp.Choices) == 0 {
		return EssayGrade{}, fmt.Errorf("essay grading returned no choices: %w", model.ErrUpstreamFailure)
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("essay grading response", "raw", raw)
	return ParseEssayGrade(raw)
}

var (
	firstIntRegex     = regexp.MustCompile(`\d+`)
	numberedItemRegex = regexp.MustCompile(`(?m)^[ \t]*\d+[.)][ \t]`)
)

type feedbackLabel struct {
	aliases string
	heading *regexp.Regexp
	inline  *regexp.Regexp
	field   func(*model.EssayFeedback) *string
}

func newFeedbackLabel(aliases string, field func(*model.EssayFeedback) *string) feedbackLabel {
	return feedbackLabel{
		aliases: aliases,
		heading: regexp.MustCompile(`(?im)^[ \t>#*\-\d.)]*(?:` + aliases + `)[ \t*]*(?:[:\-][ \t*]*)?`),
		inline:  regexp.MustCompile(`(?i)(?:` + aliases + `)[ \t*]*(?:[:\-][ \t*]*)?`),
		field:   field,
	}
}

// Longer aliases come first so alternation prefers them.
var feedbackLabels = []feedbackLabel{
	newFeedbackLabel(`grammar|grammaire`,
		func(f *model.EssayFeedback) *string { return &f.Grammar }),
	newFeedbackLabel(`vocabulary|vocabulaire|lexique`,
		func(f *model.EssayFeedback) *string { return &f.Vocabulary }),
	newFeedbackLabel(`structure|organisation|organization|cohérence|coherence`,
		func(f *model.EssayFeedback) *string { return &f.Structure }),
	newFeedbackLabel(`strengths|points forts`,
		func(f *model.EssayFeedback) *string { return &f.Strengths }),
	newFeedbackLabel(`areas for improvement|improvements|suggestions|axes d'amélioration|points à améliorer`,
		func(f *model.EssayFeedback) *string { return &f.Improvements }),
}

// inlineItemRegex finds a numbered label that does not start a line, as in
// "Score: 70. 1. Grammar: ... 2. Vocabulary: ...". Group 1 is the number.
var inlineItemRegex = func() *regexp.Regexp {
	aliases := make([]string, len(feedbackLabels))
	for i, l := range feedbackLabels {
		aliases[i] = l.aliases
	}
	return regexp.MustCompile(`(?i)(?:^|\s)(\d+[.)])[ \t*]*(?:` + strings.Join(aliases, "|") + `)`)
}()

// ParseEssayGrade extracts a score and feedback sections from a grading
// reply. The score is the first integer in the text clamped to [0,100]; a
// reply without any integer wraps model.ErrUpstreamFailure. Each feedback
// section runs from its label to the next numbered item, the next label
// heading or the end of text. Missing sections are empty strings.
func ParseEssayGrade(text string) (EssayGrade, error) {
	m := firstIntRegex.FindString(text)
	if m == "" {
		return EssayGrade{}, fmt.Errorf("no score in grading response: %w", model.ErrUpstreamFailure)
	}
	score, err := strconv.Atoi(m)
	if err != nil {
		// Only overflow gets here.
		score = 100
	}

	grade := EssayGrade{Score: max(0, min(100, score))}
	bounds := sectionBounds(text)
	for _, l := range feedbackLabels {
		loc := l.heading.FindStringIndex(text)
		if loc == nil {
			loc = l.inline.FindStringIndex(text)
		}
		if loc == nil {
			continue
		}
		end := len(text)
		for _, b := range bounds {
			if b >= loc[1] {
				end = b
				break
			}
		}
		*l.field(&grade.Feedback) = cleanSection(text[loc[1]:end])
	}
	return grade, nil
}

// sectionBounds returns the sorted start offsets of every numbered item,
// inline numbered label and label heading in text.
func sectionBounds(text string) []int {
	var bounds []int
	for _, loc := range numberedItemRegex.FindAllStringIndex(text, -1) {
		bounds = append(bounds, loc[0])
	}
	for _, loc := range inlineItemRegex.FindAllStringSubmatchIndex(text, -1) {
		bounds = append(bounds, loc[2])
	}
	for _, l := range feedbackLabels {
		for _, loc := range l.heading.FindAllStringIndex(text, -1) {
			bounds = append(bounds, loc[0])
		}
	}
	slices.Sort(bounds)
	return bounds
}

func cleanSection(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "*"))
}
