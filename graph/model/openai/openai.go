// Package openai provides a model.ChatModel backed by the OpenAI chat
// completions API.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
	"github.com/huytofu/documentation-helper-agent-sub000/graph/model"
)

// DefaultModel is used when NewChatModel is given an empty model name.
const DefaultModel = "gpt-4o-mini"

// ChatModel implements model.ChatModel for OpenAI.
//
// Retries are left to the caller (graph.Call); errors from the API are
// returned wrapping graph.ErrProvider so the retry policy treats them as
// transient.
//
//	m := openai.NewChatModel(os.Getenv("OPENAI_API_KEY"), "gpt-4o-mini")
//	out, err := m.Chat(ctx, messages, nil)
type ChatModel struct {
	modelName string
	jsonMode  bool
	client    openaiClient
}

// openaiClient is the subset of the SDK the adapter needs; tests replace it.
type openaiClient interface {
	complete(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// Option configures a ChatModel.
type Option func(*ChatModel)

// WithJSONMode asks the API for a JSON object reply. Use it for models
// driving structured graders.
func WithJSONMode() Option {
	return func(m *ChatModel) { m.jsonMode = true }
}

// NewChatModel creates an OpenAI ChatModel. An empty modelName selects
// DefaultModel.
func NewChatModel(apiKey, modelName string, opts ...Option) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	m := &ChatModel{
		modelName: modelName,
		client:    &sdkClient{client: &client},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}
	if len(messages) == 0 {
		return model.ChatOut{}, errors.New("openai: at least one message is required")
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.modelName),
		Messages: convertMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}
	if m.jsonMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: openai.Ptr(shared.NewResponseFormatJSONObjectParam()),
		}
	}

	completion, err := m.client.complete(ctx, params)
	if err != nil {
		return model.ChatOut{}, mapError(err)
	}
	if len(completion.Choices) == 0 {
		return model.ChatOut{}, fmt.Errorf("%w: openai returned no choices", graph.ErrProvider)
	}
	return convertResponse(completion), nil
}

func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func convertTools(tools []model.ToolSpec) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Schema),
			},
		})
	}
	return out
}

func convertResponse(c *openai.ChatCompletion) model.ChatOut {
	msg := c.Choices[0].Message
	out := model.ChatOut{
		Text: msg.Content,
		Usage: model.Usage{
			InputTokens:  int(c.Usage.PromptTokens),
			OutputTokens: int(c.Usage.CompletionTokens),
		},
	}
	for _, call := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			Name:  call.Function.Name,
			Input: model.DecodeArguments(call.Function.Arguments),
		})
	}
	return out
}

// mapError keeps context errors as they are and marks everything else as a
// provider failure.
func mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: openai status %d: %w", graph.ErrProvider, apiErr.StatusCode, err)
	}
	return fmt.Errorf("%w: openai: %w", graph.ErrProvider, err)
}

type sdkClient struct {
	client *openai.Client
}

func (c *sdkClient) complete(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return c.client.Chat.Completions.New(ctx, params)
}
