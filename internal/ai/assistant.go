// Package ai wraps the chat model used for tag suggestions and daily
// briefings.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"whitenote/worker/internal/store"
)

const (
	DefaultTagModel      = "gpt-3.5-turbo"
	DefaultBriefingModel = "gpt-4o-mini"
	MaxTags              = 3
)

var ErrNoAPIKey = errors.New("ai api key not configured")

// Assistant generates tags and briefings with a chat model.
type Assistant struct {
	llm       llms.Model
	modelName string
}

// New builds an assistant from a user's settings. The endpoint is any
// OpenAI-compatible API.
func New(cfg store.AIConfig, model string) (*Assistant, error) {
	if cfg.AIAPIKey == "" {
		return nil, ErrNoAPIKey
	}
	opts := []openai.Option{
		openai.WithToken(cfg.AIAPIKey),
		openai.WithModel(model),
	}
	if cfg.AIBaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.AIBaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai model: %w", err)
	}
	return NewWithModel(llm, model), nil
}

// NewWithModel wraps an existing model.
func NewWithModel(llm llms.Model, modelName string) *Assistant {
	return &Assistant{llm: llm, modelName: modelName}
}

func (a *Assistant) Model() string { return a.modelName }

func (a *Assistant) generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt),
	}
	response, err := a.llm.GenerateContent(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generate with %s: %w", a.modelName, err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("generate with %s: no response choices", a.modelName)
	}
	return response.Choices[0].Content, nil
}

// SuggestTags asks for up to MaxTags topic tags for content.
func (a *Assistant) SuggestTags(ctx context.Context, content string) ([]string, error) {
	systemPrompt := `You are a tagging assistant. You extract the core topics of a short note as tags.`
	userPrompt := fmt.Sprintf(`Extract 1-3 keywords that capture the core topics of the text below.
Each tag is 2-15 characters, in the language of the text, without spaces.
Reply with a JSON array only, for example: ["React", "frontend", "learning"]

Text:
%s`, content)

	response, err := a.generate(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}
	return ParseTags(response), nil
}

// Summarize writes a briefing from the previous day's notes.
func (a *Assistant) Summarize(ctx context.Context, notes []string) (string, error) {
	systemPrompt := `You are the user's second brain. You write short, useful morning briefings in markdown.`
	userPrompt := fmt.Sprintf(`Write a short morning briefing from yesterday's notes.

Yesterday's notes:
%s

Include these sections:
1. Yesterday in review: the main things recorded
2. Key insights: ideas or lessons worth keeping
3. Suggestions for today: what to pick up next

Keep it brief.`, strings.Join(notes, "\n---\n"))

	summary, err := a.generate(ctx, systemPrompt, userPrompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(summary), nil
}

var (
	jsonArrayRe = regexp.MustCompile(`(?s)\[.*\]`)
	hashtagRe   = regexp.MustCompile(`#([\p{L}\p{N}_]{2,15})`)
	tagSpaceRe  = regexp.MustCompile(`\s+`)
)

// ParseTags reads a model reply: a JSON array, possibly inside a code fence,
// or failing that the #hashtags in the text. Tags are trimmed, stripped of a
// leading '#', deduplicated and capped at MaxTags.
func ParseTags(response string) []string {
	var raw []string
	if m := jsonArrayRe.FindString(response); m != "" {
		var items []any
		if err := json.Unmarshal([]byte(m), &items); err == nil {
			for _, item := range items {
				if s, ok := item.(string); ok {
					raw = append(raw, s)
				}
			}
		}
	}
	if raw == nil {
		for _, m := range hashtagRe.FindAllStringSubmatch(response, -1) {
			raw = append(raw, m[1])
		}
	}

	tags := make([]string, 0, MaxTags)
	seen := make(map[string]bool)
	for _, t := range raw {
		t = strings.TrimPrefix(strings.TrimSpace(t), "#")
		t = tagSpaceRe.ReplaceAllString(t, "_")
		if t == "" || seen[strings.ToLower(t)] {
			continue
		}
		seen[strings.ToLower(t)] = true
		tags = append(tags, t)
		if len(tags) == MaxTags {
			break
		}
	}
	return tags
}
