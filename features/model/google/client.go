// Package google provides a model.Client backed by the Gemini generateContent
// API. It maps normalized requests onto google.golang.org/genai calls, folds
// system messages into the systemInstruction block, and returns the first
// candidate's text.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/trellishq/trellis/runtime/model"
)

// DefaultModel serves completions when neither the request nor the options
// name a model.
const DefaultModel = "gemini-2.5-flash"

type (
	// ModelsClient is the slice of the Gemini SDK used by the adapter. It is
	// satisfied by the SDK's Models service so tests can substitute a fake.
	ModelsClient interface {
		GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	}

	// Options configures the Gemini adapter.
	Options struct {
		// APIKey authenticates against the Gemini API. Required when Client
		// is nil.
		APIKey string

		// Model overrides DefaultModel for requests that do not name a model.
		Model string

		// Client overrides the SDK client. Used by tests.
		Client ModelsClient
	}

	// Client implements model.Client on top of Gemini generateContent.
	Client struct {
		models ModelsClient
		model  string
	}
)

var _ model.Client = (*Client)(nil)

// New builds a Gemini-backed model client. When Options.Client is nil a real
// SDK client is constructed from the API key.
func New(ctx context.Context, opts Options) (*Client, error) {
	models := opts.Client
	if models == nil {
		if strings.TrimSpace(opts.APIKey) == "" {
			return nil, errors.New("trellis: gemini api key is required")
		}
		sdk, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  opts.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		models = sdk.Models
	}
	modelID := opts.Model
	if modelID == "" {
		modelID = DefaultModel
	}
	return &Client{models: models, model: modelID}, nil
}

// Complete sends the conversation to Gemini and returns the concatenated text
// of the first candidate. Thought parts are excluded from the output.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("trellis: messages are required")
	}
	contents, system, err := encodeMessages(req.Messages)
	if err != nil {
		return model.Response{}, err
	}
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(req.Temperature)
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	resp, err := c.models.GenerateContent(ctx, modelID, contents, config)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("gemini generate content: %w", err)
	}
	return translateResponse(resp)
}

func encodeMessages(msgs []model.Message) ([]*genai.Content, string, error) {
	contents := make([]*genai.Content, 0, len(msgs))
	var system []string
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			system = append(system, m.Content)
		case model.RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		case model.RoleAssistant:
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		default:
			return nil, "", fmt.Errorf("trellis: unsupported message role %q", m.Role)
		}
	}
	if len(contents) == 0 {
		return nil, "", errors.New("trellis: at least one user or assistant message is required")
	}
	return contents, strings.Join(system, "\n\n"), nil
}

func translateResponse(resp *genai.GenerateContentResponse) (model.Response, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return model.Response{}, model.ErrEmptyResponse
	}
	candidate := resp.Candidates[0]
	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			text.WriteString(part.Text)
		}
	}
	if text.Len() == 0 {
		return model.Response{}, model.ErrEmptyResponse
	}
	out := model.Response{
		Text:       text.String(),
		StopReason: string(candidate.FinishReason),
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = model.TokenUsage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
		}
	}
	return out, nil
}

func isRateLimited(err error) bool {
	return err != nil && errors.Is(err, model.ErrRateLimited)
}
