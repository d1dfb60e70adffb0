// Package model defines the provider-agnostic contract for LLM completions.
// The critic and the LLM reranker invoke models through this interface so the
// pipeline never couples to a specific SDK; adapters under features/model
// translate Request and Response to provider formats (Google, Anthropic,
// OpenAI, Bedrock).
package model

import (
	"context"
	"errors"
)

// Provider names a supported model backend.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderBedrock   Provider = "bedrock"
)

// Providers returns the supported providers in preference order.
func Providers() []Provider {
	return []Provider{ProviderGoogle, ProviderAnthropic, ProviderOpenAI, ProviderBedrock}
}

// Valid reports whether p names a supported provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderAnthropic, ProviderOpenAI, ProviderBedrock:
		return true
	}
	return false
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyResponse reports that the provider returned no usable text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// ErrRateLimited marks provider throttling. Adapters join it onto the
// underlying error so the adaptive limiter middleware can back off.
var ErrRateLimited = errors.New("model provider rate limited")

type (
	// Client is the completion contract implemented by provider adapters.
	// Implementations must be safe for concurrent use.
	Client interface {
		// Complete sends one completion request and returns the generated
		// text. It returns an error when the provider is unreachable, the
		// key is rejected, or the response carries no content.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Request is a normalized completion request.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string

		// Messages is the ordered conversation, system prompt first when
		// present.
		Messages []Message

		// Temperature controls sampling. Zero selects the provider default.
		Temperature float32

		// MaxTokens caps completion length. Zero selects the provider
		// default.
		MaxTokens int
	}

	// Message is one chat message.
	Message struct {
		Role    string
		Content string
	}

	// Response is a normalized completion result.
	Response struct {
		// Text is the concatenated assistant output.
		Text string

		// Usage reports token counts when the provider exposes them.
		Usage TokenUsage

		// StopReason is the provider-specific stop cause, empty when
		// unreported.
		StopReason string
	}

	// TokenUsage carries token accounting for a completion.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
	}
)

// UserPrompt builds a single-turn request for the given model and prompt.
func UserPrompt(modelID, prompt string) Request {
	return Request{
		Model:    modelID,
		Messages: []Message{{Role: RoleUser, Content: prompt}},
	}
}
