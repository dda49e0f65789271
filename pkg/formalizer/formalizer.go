// Package formalizer rewrites casual text into formal business language through an
// OpenAI-compatible chat completion API.
package formalizer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mihaimyh/rewordgate/pkg/entitlement"
)

const (
	systemPrompt = "You are a professional email writing assistant. Transform casual emails into formal, " +
		"business-appropriate language while preserving the original meaning and intent."

	userPromptTemplate = "Transform this casual email into professional, business-appropriate language " +
		"while maintaining the original meaning and intent:\n\nOriginal: %s\n\n" +
		"Please provide only the formalized version without any explanations or additional text."

	defaultMaxTokens   = 500
	defaultTemperature = 0.7

	// MaxContentLength bounds the input accepted by Formalize
	MaxContentLength = 10000
)

var (
	// ErrEmptyContent is returned for blank input
	ErrEmptyContent = errors.New("content is empty")

	// ErrContentTooLong is returned for input above MaxContentLength
	ErrContentTooLong = errors.New("content too long")

	// ErrModel wraps failures of the completion API
	ErrModel = errors.New("language model request failed")
)

// Formalizer is the gated feature
type Formalizer interface {
	Formalize(ctx context.Context, content string, display entitlement.DisplayState) (string, error)
}

// Config configures the OpenAI-backed formalizer
type Config struct {
	APIKey string

	// BaseURL overrides the API endpoint, e.g. for a compatible gateway
	BaseURL string

	// PremiumModel serves premium callers. Default: gpt-4o-mini
	PremiumModel string

	// StandardModel serves anonymous and free callers. Default: gpt-3.5-turbo
	StandardModel string

	MaxTokens   int
	Temperature float32
}

// Client implements Formalizer with go-openai
type Client struct {
	api           *openai.Client
	premiumModel  string
	standardModel string
	maxTokens     int
	temperature   float32
}

var _ Formalizer = (*Client)(nil)

// New creates a Client
func New(config Config) (*Client, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("formalizer: api key is required")
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}

	c := &Client{
		api:           openai.NewClientWithConfig(clientConfig),
		premiumModel:  config.PremiumModel,
		standardModel: config.StandardModel,
		maxTokens:     config.MaxTokens,
		temperature:   config.Temperature,
	}
	if c.premiumModel == "" {
		c.premiumModel = openai.GPT4oMini
	}
	if c.standardModel == "" {
		c.standardModel = openai.GPT3Dot5Turbo
	}
	if c.maxTokens <= 0 {
		c.maxTokens = defaultMaxTokens
	}
	if c.temperature <= 0 {
		c.temperature = defaultTemperature
	}
	return c, nil
}

// Model returns the model used for a caller state
func (c *Client) Model(display entitlement.DisplayState) string {
	switch display {
	case entitlement.DisplayPremiumActive, entitlement.DisplayPremiumUntil:
		return c.premiumModel
	default:
		return c.standardModel
	}
}

// Formalize rewrites content
func (c *Client) Formalize(ctx context.Context, content string, display entitlement.DisplayState) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if len(content) > MaxContentLength {
		return "", ErrContentTooLong
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.Model(display),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(userPromptTemplate, content)},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrModel, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrModel)
	}

	result := strings.TrimSpace(resp.Choices[0].Message.Content)
	if result == "" {
		return "", fmt.Errorf("%w: empty completion", ErrModel)
	}
	return result, nil
}

// Ping lists models to check credentials and reachability
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrModel, err)
	}
	return nil
}
