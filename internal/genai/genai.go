// Package genai provides LLM generation clients and the provider router.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/shopdm/dmflow/internal/models"
)

// DefaultTemperature keeps replies consistent across regeneration attempts.
const DefaultTemperature = 0.3

// Turn is one conversation turn handed to a provider.
type Turn struct {
	Role models.MessageRole
	Text string
}

// Result is a successful generation.
type Result struct {
	Text      string
	TokensIn  int64
	TokensOut int64
}

// Client generates a reply from a system prompt and conversation turns.
// Implementations must honor context cancellation.
type Client interface {
	Name() string
	Generate(ctx context.Context, system string, turns []Turn) (*Result, error)
}

// OpenAIClient talks to an OpenAI-compatible chat completion endpoint.
type OpenAIClient struct {
	name   string
	model  string
	client openai.Client
}

// NewOpenAIClient creates a client for the named provider. baseURL may be
// empty for the default OpenAI endpoint.
func NewOpenAIClient(name, apiKey, baseURL, model string) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{
		name:   name,
		model:  model,
		client: openai.NewClient(opts...),
	}
}

// Name implements Client.
func (c *OpenAIClient) Name() string { return c.name }

// Generate implements Client.
func (c *OpenAIClient) Generate(ctx context.Context, system string, turns []Turn) (*Result, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	for _, turn := range turns {
		text := strings.TrimSpace(turn.Text)
		if text == "" {
			continue
		}
		if turn.Role == models.RoleAssistant {
			messages = append(messages, openai.AssistantMessage(text))
		} else {
			messages = append(messages, openai.UserMessage(text))
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    messages,
		Temperature: openai.Float(DefaultTemperature),
	})
	if err != nil {
		slog.Error("OpenAIClient.Generate API call failed", "provider", c.name, "model", c.model, "error", err)
		return nil, fmt.Errorf("provider %s generation failed: %w", c.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("provider %s returned no choices", c.name)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return nil, fmt.Errorf("provider %s returned an empty reply", c.name)
	}
	slog.Debug("OpenAIClient.Generate: reply received", "provider", c.name,
		"tokens_in", resp.Usage.PromptTokens, "tokens_out", resp.Usage.CompletionTokens)
	return &Result{
		Text:      text,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}, nil
}
