// Package google provides ChatModel adapter for Google Gemini API.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
	"github.com/huytofu/documentation-helper-agent-sub000/graph/model"
)

// DefaultModel is used when NewChatModel is given an empty model name.
const DefaultModel = "gemini-2.5-flash"

// ChatModel implements model.ChatModel for Gemini.
//
// Blocked prompts and responses surface as *SafetyFilterError, which also
// wraps graph.ErrProvider.
//
//	m := google.NewChatModel(os.Getenv("GOOGLE_API_KEY"), "")
//	out, err := m.Chat(ctx, messages, nil)
//	var safetyErr *google.SafetyFilterError
//	if errors.As(err, &safetyErr) {
//	    log.Printf("blocked: %s", safetyErr.Category())
//	}
type ChatModel struct {
	modelName string
	client    googleClient
}

// googleClient is the call the adapter makes; tests replace it.
type googleClient interface {
	generateContent(ctx context.Context, req request) (*genai.GenerateContentResponse, error)
}

// request is a provider-shaped call: the system instruction, the prior turns
// as history and the final user turn as parts.
type request struct {
	model   string
	system  string
	history []*genai.Content
	parts   []genai.Part
	tools   []*genai.Tool
}

// NewChatModel creates a Gemini ChatModel. The SDK client is created on the
// first call and reused afterwards.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &ChatModel{
		modelName: modelName,
		client:    &sdkClient{apiKey: apiKey},
	}
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	req, err := buildRequest(m.modelName, messages)
	if err != nil {
		return model.ChatOut{}, err
	}
	if len(tools) > 0 {
		req.tools = convertTools(tools)
	}

	resp, err := m.client.generateContent(ctx, req)
	if err != nil {
		return model.ChatOut{}, mapError(err)
	}
	if err := checkBlocked(resp); err != nil {
		return model.ChatOut{}, err
	}
	return convertResponse(resp), nil
}

// buildRequest splits messages into system instruction, history and the
// final turn. Gemini names the assistant role "model".
func buildRequest(modelName string, messages []model.Message) (request, error) {
	req := request{model: modelName}
	var system []string
	var turns []model.Message
	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		turns = append(turns, msg)
	}
	if len(turns) == 0 {
		return request{}, errors.New("google: at least one user message is required")
	}
	req.system = strings.Join(system, "\n\n")

	for _, msg := range turns[:len(turns)-1] {
		role := "user"
		if msg.Role == model.RoleAssistant {
			role = "model"
		}
		req.history = append(req.history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(msg.Content)}})
	}
	req.parts = []genai.Part{genai.Text(turns[len(turns)-1].Content)}
	return req, nil
}

// convertTools converts our ToolSpec format to Google's format.
func convertTools(tools []model.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, len(tools))
	for i, tool := range tools {
		declarations[i] = &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  convertSchema(tool.Schema),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// convertSchema converts a JSON schema map to genai.Schema, recursing into
// object properties and array items.
func convertSchema(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return nil
	}

	result := &genai.Schema{Type: genai.TypeObject}
	if typeStr, ok := schema["type"].(string); ok {
		result.Type = convertTypeString(typeStr)
	}
	if desc, ok := schema["description"].(string); ok {
		result.Description = desc
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		result.Properties = make(map[string]*genai.Schema, len(props))
		for key, val := range props {
			if propMap, ok := val.(map[string]interface{}); ok {
				result.Properties[key] = convertSchema(propMap)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		result.Items = convertSchema(items)
	}
	switch required := schema["required"].(type) {
	case []string:
		result.Required = required
	case []interface{}:
		for _, v := range required {
			if s, ok := v.(string); ok {
				result.Required = append(result.Required, s)
			}
		}
	}
	return result
}

func convertTypeString(typeStr string) genai.Type {
	switch typeStr {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

// checkBlocked reports a prompt or candidate stopped by the safety filters.
func checkBlocked(resp *genai.GenerateContentResponse) error {
	if resp == nil {
		return fmt.Errorf("%w: google: empty response", graph.ErrProvider)
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != genai.BlockReasonUnspecified {
		return &SafetyFilterError{reason: fb.BlockReason.String(), category: blockedCategory(fb.SafetyRatings)}
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return &SafetyFilterError{reason: "SAFETY", category: blockedCategory(resp.Candidates[0].SafetyRatings)}
	}
	return nil
}

func blockedCategory(ratings []*genai.SafetyRating) string {
	for _, r := range ratings {
		if r != nil && r.Blocked {
			return r.Category.String()
		}
	}
	return "unknown"
}

// convertResponse converts Google's response to our ChatOut format.
func convertResponse(resp *genai.GenerateContentResponse) model.ChatOut {
	out := model.ChatOut{}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = model.Usage{InputTokens: int(u.PromptTokenCount), OutputTokens: int(u.CandidatesTokenCount)}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += string(p)
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: p.Name, Input: p.Args})
		}
	}
	return out
}

func mapError(err error) error {
	var safetyErr *SafetyFilterError
	if errors.As(err, &safetyErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		var ratings []*genai.SafetyRating
		switch {
		case blocked.PromptFeedback != nil:
			ratings = blocked.PromptFeedback.SafetyRatings
		case blocked.Candidate != nil:
			ratings = blocked.Candidate.SafetyRatings
		}
		return &SafetyFilterError{reason: "BLOCKED", category: blockedCategory(ratings)}
	}
	return fmt.Errorf("%w: google: %w", graph.ErrProvider, err)
}

// SafetyFilterError represents a Google safety filter block.
//
//	var safetyErr *google.SafetyFilterError
//	if errors.As(err, &safetyErr) {
//	    log.Printf("Content blocked: %s", safetyErr.Category())
//	}
type SafetyFilterError struct {
	reason   string
	category string
}

// Error implements the error interface.
func (e *SafetyFilterError) Error() string {
	return "content blocked by safety filter: " + e.category
}

// Unwrap classifies safety blocks as provider errors.
func (e *SafetyFilterError) Unwrap() error {
	return graph.ErrProvider
}

// Category returns the safety category that triggered the block.
func (e *SafetyFilterError) Category() string {
	return e.category
}

// Reason returns why the content was blocked.
func (e *SafetyFilterError) Reason() string {
	return e.reason
}

// sdkClient lazily creates one genai.Client and shares it across calls.
type sdkClient struct {
	apiKey string

	once   sync.Once
	client *genai.Client
	err    error
}

func (c *sdkClient) generateContent(ctx context.Context, req request) (*genai.GenerateContentResponse, error) {
	if c.apiKey == "" {
		return nil, errors.New("google API key is required")
	}
	c.once.Do(func() {
		c.client, c.err = genai.NewClient(context.WithoutCancel(ctx), option.WithAPIKey(c.apiKey))
	})
	if c.err != nil {
		return nil, fmt.Errorf("failed to create Google client: %w", c.err)
	}

	gm := c.client.GenerativeModel(req.model)
	if req.system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.system)}}
	}
	gm.Tools = req.tools

	session := gm.StartChat()
	session.History = req.history
	return session.SendMessage(ctx, req.parts...)
}
