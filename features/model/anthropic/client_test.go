package anthropic_test

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/trellishq/trellis/features/model/anthropic"
	"github.com/trellishq/trellis/runtime/model"
)

type stubMessages struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestNewValidation(t *testing.T) {
	_, err := anthropic.New(anthropic.Options{Model: "claude-sonnet-4-5"})
	require.ErrorContains(t, err, "anthropic client is required")

	_, err = anthropic.New(anthropic.Options{Client: &stubMessages{}})
	require.ErrorContains(t, err, "anthropic model identifier is required")
}

func TestComplete(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "first "},
			{Type: "text", Text: "second"},
		},
		StopReason: sdk.StopReasonEndTurn,
		Usage:      sdk.Usage{InputTokens: 40, OutputTokens: 7},
	}}
	client, err := anthropic.New(anthropic.Options{Client: stub, Model: "claude-sonnet-4-5", MaxTokens: 128})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "Answer plainly."},
			{Role: model.RoleUser, Content: "summarize the findings"},
			{Role: model.RoleAssistant, Content: "working on it"},
		},
		Temperature: 0.4,
	})
	require.NoError(t, err)
	require.Equal(t, "first second", resp.Text)
	require.Equal(t, string(sdk.StopReasonEndTurn), resp.StopReason)
	require.Equal(t, model.TokenUsage{InputTokens: 40, OutputTokens: 7}, resp.Usage)

	require.Equal(t, sdk.Model("claude-sonnet-4-5"), stub.lastParams.Model)
	require.Equal(t, int64(128), stub.lastParams.MaxTokens)
	require.Len(t, stub.lastParams.System, 1)
	require.Equal(t, "Answer plainly.", stub.lastParams.System[0].Text)
	require.Len(t, stub.lastParams.Messages, 2)
}

func TestCompleteDefaultsMaxTokens(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: "ok"}},
	}}
	client, err := anthropic.New(anthropic.Options{Client: stub, Model: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), model.UserPrompt("", "hello"))
	require.NoError(t, err)
	require.Equal(t, int64(1024), stub.lastParams.MaxTokens)
}

func TestCompleteRequestOverrides(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: "ok"}},
	}}
	client, err := anthropic.New(anthropic.Options{Client: stub, Model: "claude-sonnet-4-5"})
	require.NoError(t, err)

	req := model.UserPrompt("claude-haiku-4-5", "hello")
	req.MaxTokens = 64
	_, err = client.Complete(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, sdk.Model("claude-haiku-4-5"), stub.lastParams.Model)
	require.Equal(t, int64(64), stub.lastParams.MaxTokens)
}

func TestCompleteEmptyReply(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{}}
	client, err := anthropic.New(anthropic.Options{Client: stub, Model: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), model.UserPrompt("", "hello"))
	require.ErrorIs(t, err, model.ErrEmptyResponse)
}

func TestCompleteRequiresConversation(t *testing.T) {
	client, err := anthropic.New(anthropic.Options{Client: &stubMessages{}, Model: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), model.Request{})
	require.ErrorContains(t, err, "messages are required")

	_, err = client.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleSystem, Content: "system only"}},
	})
	require.ErrorContains(t, err, "at least one user or assistant message is required")
}

func TestCompletePropagatesError(t *testing.T) {
	stub := &stubMessages{err: errors.New("overloaded")}
	client, err := anthropic.New(anthropic.Options{Client: stub, Model: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), model.UserPrompt("", "hello"))
	require.ErrorContains(t, err, "anthropic messages.new")
	require.ErrorContains(t, err, "overloaded")
}

func TestCompleteKeepsRateLimitSignal(t *testing.T) {
	stub := &stubMessages{err: errors.Join(model.ErrRateLimited, errors.New("slow down"))}
	client, err := anthropic.New(anthropic.Options{Client: stub, Model: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), model.UserPrompt("", "hello"))
	require.ErrorIs(t, err, model.ErrRateLimited)
}
