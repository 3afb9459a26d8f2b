// Package grader evaluates student replies with an OpenAI-compatible model.
package grader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/pavelanni/quizmail/internal/grader/prompts"
	"github.com/pavelanni/quizmail/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// reviewContextLimit caps how much of the review sheet tail is injected into
// the grading prompt, to stay clear of context limits.
const reviewContextLimit = 8000

// Client wraps an OpenAI-compatible API client for grading.
type Client struct {
	api           *openai.Client
	model         string
	variant       prompts.Variant
	reviewContext string
}

// New creates a grading client.
func New(baseURL, apiKey, modelName, variant string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: prompts.Variant(variant),
	}
}

// LoadReviewContext reads the review sheet file whose tail will be included
// in grading prompts. A missing file is not an error; grading simply runs
// without the extra context.
func (c *Client) LoadReviewContext(path string) {
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("review sheet not loaded", "path", path, "error", err)
		return
	}
	text := string(data)
	if len(text) > reviewContextLimit {
		text = text[len(text)-reviewContextLimit:]
	}
	c.reviewContext = text
	slog.Info("loaded review sheet context", "path", path, "chars", len(text))
}

// Ping verifies the API endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// Grade evaluates a student's reply against the reference answer.
// Network-level failures come back as TransientError, a response the model
// rendered outside the requested JSON shape as GradingError.
func (c *Client) Grade(ctx context.Context, question model.Question, studentReply string) (*model.GradeResult, error) {
	systemPrompt, err := prompts.System(c.variant, prompts.Data{
		QuestionText:    question.Text,
		ReferenceAnswer: question.ReferenceAnswer,
		ReviewContext:   c.reviewContext,
	})
	if err != nil {
		return nil, fmt.Errorf("build grading prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: studentReply},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, &model.TransientError{Op: "grade", Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &model.GradingError{Err: errors.New("model returned no choices")}
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("grader response", "raw", raw)

	result, err := parseGrade(raw)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// parseGrade decodes the model's JSON reply, tolerating markdown code
// fences some models wrap around it.
func parseGrade(raw string) (*model.GradeResult, error) {
	text := stripFences(strings.TrimSpace(raw))
	var result model.GradeResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, &model.GradingError{Raw: truncate(raw, 200), Err: err}
	}
	if result.MissingPoints == nil {
		result.MissingPoints = []string{}
	}
	return &result, nil
}

func stripFences(text string) string {
	if after, ok := strings.CutPrefix(text, "```json"); ok {
		text = after
	} else if after, ok := strings.CutPrefix(text, "```"); ok {
		text = after
	} else {
		return text
	}
	if before, _, ok := strings.Cut(text, "```"); ok {
		text = before
	}
	return strings.TrimSpace(text)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
