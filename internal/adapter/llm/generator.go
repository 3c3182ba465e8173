// Package llm is the generative-AI collaborator backed by an
// OpenAI-compatible chat completions API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/couchcryptid/wildfire-risk-service/internal/config"
	"github.com/couchcryptid/wildfire-risk-service/internal/domain"
)

const systemPrompt = "You are a wildfire risk analyst. Assess the situation from the data given " +
	"and answer strictly in the requested response format."

// Generator implements domain.Generator.
type Generator struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewGenerator creates a generator for the configured model. OPENAI_BASE_URL
// points it at any compatible endpoint.
func NewGenerator(cfg *config.Config, logger *slog.Logger) *Generator {
	clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.OpenAIBaseURL, "/")
	}
	return &Generator{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.OpenAIModel,
		logger: logger,
	}
}

// Generate sends prompt as a single user turn and returns the first choice.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   800,
		N:           1,
		Temperature: 0.3,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
			return "", &domain.UpstreamError{Upstream: "openai", StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
		}
		return "", fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", domain.ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", domain.ErrEmptyResponse
	}

	g.logger.Debug("ai response received",
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"finish_reason", resp.Choices[0].FinishReason,
	)
	return text, nil
}
