// Package llm wraps the OpenAI chat completions API for the four jobs the
// notifier gives a language model: answering a query from search results,
// judging that answer, inferring a cron schedule and sanitizing the query.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"recurring-notifier/internal/config"
)

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("OPENAI_API_KEY not configured")

// Client holds the chat client and model names. The zero API key yields a
// client whose calls fail with ErrNotConfigured.
type Client struct {
	api       *openai.Client
	model     string
	fastModel string
}

func New(cfg config.Config) *Client {
	c := &Client{model: cfg.OpenAIModel, fastModel: cfg.OpenAIFastModel}
	if c.model == "" {
		c.model = openai.GPT4o
	}
	if c.fastModel == "" {
		c.fastModel = openai.GPT4oMini
	}
	if cfg.OpenAIAPIKey == "" {
		return c
	}
	apiCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		apiCfg.BaseURL = cfg.OpenAIBaseURL
	}
	c.api = openai.NewClientWithConfig(apiCfg)
	return c
}

// Configured reports whether calls can reach the API.
func (c *Client) Configured() bool {
	return c.api != nil
}

func (c *Client) complete(ctx context.Context, model, system, user string, temperature float32) (string, error) {
	if c.api == nil {
		return "", ErrNotConfigured
	}
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
