// Package llm is a thin chat-completion client used for intent
// classification, reply drafting and translation.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/iqstrade/payinbox/internal/circuitbreaker"
	"github.com/iqstrade/payinbox/internal/metrics"
)

// ErrEmptyResponse is returned when the model answers with no choices.
var ErrEmptyResponse = errors.New("empty response from model")

// Config selects the OpenAI-compatible endpoint and model. BaseURL may
// point at any compatible gateway; Timeout defaults to one minute.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

type Client struct {
	client  *openai.Client
	breaker *circuitbreaker.Breaker
	config  Config
	logger  *zap.Logger
}

// New returns a Client whose calls share one circuit breaker.
func New(cfg Config, logger *zap.Logger) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		client:  openai.NewClientWithConfig(oc),
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
		config:  cfg,
		logger:  logger,
	}
}

// Complete sends one system + user exchange and returns the reply text.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var content string
	start := time.Now()
	err := c.breaker.Execute(func() error {
		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.config.Model,
			Temperature: c.config.Temperature,
			MaxTokens:   c.config.MaxTokens,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: system},
				{Role: openai.ChatMessageRoleUser, Content: user},
			},
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return ErrEmptyResponse
		}
		content = resp.Choices[0].Message.Content
		return nil
	})
	metrics.ObserveCall("llm", err, time.Since(start))
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}

	c.logger.Debug("LLM response received",
		zap.String("model", c.config.Model),
		zap.Int("prompt_chars", len(user)),
		zap.Int("response_chars", len(content)),
		zap.Duration("took", time.Since(start)),
	)
	return content, nil
}

const translatorSystem = "You are a professional translator."

// Translate renders text from one language into another.
func (c *Client) Translate(ctx context.Context, text, from, to string) (string, error) {
	prompt := fmt.Sprintf("Translate the following %s text to %s. Only return the translated text, no explanation.\n\n%s",
		from, to, text)
	out, err := c.Complete(ctx, translatorSystem, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
