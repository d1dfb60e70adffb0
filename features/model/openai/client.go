// Package openai provides a model.Client backed by the OpenAI Chat
// Completions API using github.com/sashabaranov/go-openai. The adapter also
// serves OpenAI-compatible gateways when the SDK client is configured with a
// custom base URL.
package openai

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/trellishq/trellis/runtime/model"
)

type (
	// ChatClient captures the subset of the go-openai client used by the
	// adapter.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Client issues chat completion calls. Required.
		Client ChatClient

		// Model is the default model identifier. Required.
		Model string
	}

	// Client implements model.Client via OpenAI Chat Completions.
	Client struct {
		chat  ChatClient
		model string
	}
)

var _ model.Client = (*Client)(nil)

// New builds an OpenAI-backed model client.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("trellis: openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("trellis: openai model identifier is required")
	}
	return &Client{chat: opts.Client, model: opts.Model}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, modelID string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("trellis: openai api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), Model: modelID})
}

// Complete renders a chat completion and returns the first choice's text.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("trellis: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem, model.RoleUser, model.RoleAssistant:
			messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
		default:
			return model.Response{}, fmt.Errorf("trellis: unsupported message role %q", m.Role)
		}
	}
	if len(messages) == 0 {
		return model.Response{}, errors.New("trellis: at least one non-empty message is required")
	}
	response, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateResponse(response)
}

func translateResponse(resp openai.ChatCompletionResponse) (model.Response, error) {
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return model.Response{}, model.ErrEmptyResponse
	}
	choice := resp.Choices[0]
	return model.Response{
		Text: choice.Message.Content,
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		StopReason: string(choice.FinishReason),
	}, nil
}

func isRateLimited(err error) bool {
	return err != nil && errors.Is(err, model.ErrRateLimited)
}
