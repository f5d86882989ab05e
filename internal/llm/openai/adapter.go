// Package openai adapts the OpenAI chat completions API to the gateway block
// vocabulary using github.com/sashabaranov/go-openai.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	oai "github.com/sashabaranov/go-openai"

	"github.com/appdraft/appdraft/internal/llm"
)

// ChatClient is the subset of the SDK client the adapter uses. Satisfied by
// *oai.Client; tests pass a mock.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req oai.ChatCompletionRequest) (oai.ChatCompletionResponse, error)
}

type Options struct {
	DefaultModel string
	SmallModel   string
	MaxTokens    int
	Temperature  float64
}

type Adapter struct {
	chat         ChatClient
	defaultModel string
	smallModel   string
	maxTok       int
	temp         float64
}

func New(chat ChatClient, opts Options) (*Adapter, error) {
	if chat == nil {
		return nil, errors.New("openai chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Adapter{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

func NewFromAPIKey(apiKey string, opts Options) (*Adapter, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(oai.NewClient(apiKey), opts)
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Completion, error) {
	ccr, err := a.prepareRequest(req)
	if err != nil {
		return llm.Completion{}, err
	}
	resp, err := a.chat.CreateChatCompletion(ctx, *ccr)
	if err != nil {
		return llm.Completion{}, translateError(err)
	}
	return translateResponse(resp)
}

func (a *Adapter) prepareRequest(req llm.Request) (*oai.ChatCompletionRequest, error) {
	modelID := req.Model
	if modelID == "" {
		if req.ModelClass == llm.ModelClassSmall && a.smallModel != "" {
			modelID = a.smallModel
		} else {
			modelID = a.defaultModel
		}
	}
	msgs, err := encodeMessages(req.System, req.Messages)
	if err != nil {
		return nil, err
	}
	ccr := oai.ChatCompletionRequest{
		Model:    modelID,
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		ccr.MaxTokens = req.MaxTokens
	} else if a.maxTok > 0 {
		ccr.MaxTokens = a.maxTok
	}
	if req.Temperature > 0 {
		ccr.Temperature = float32(req.Temperature)
	} else if a.temp > 0 {
		ccr.Temperature = float32(a.temp)
	}
	for _, def := range req.Tools {
		if def.Name == "" {
			continue
		}
		ccr.Tools = append(ccr.Tools, oai.Tool{
			Type: oai.ToolTypeFunction,
			Function: &oai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.InputSchema,
			},
		})
	}
	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case "", llm.ToolChoiceAuto:
			ccr.ToolChoice = "auto"
		case llm.ToolChoiceAny:
			ccr.ToolChoice = "required"
		case llm.ToolChoiceTool:
			if req.ToolChoice.Name == "" {
				return nil, errors.New("openai: tool choice requires a tool name")
			}
			ccr.ToolChoice = oai.ToolChoice{
				Type:     oai.ToolTypeFunction,
				Function: oai.ToolFunction{Name: req.ToolChoice.Name},
			}
		default:
			return nil, fmt.Errorf("openai: unsupported tool choice mode %q", req.ToolChoice.Mode)
		}
	}
	return &ccr, nil
}

// encodeMessages flattens the block vocabulary into the chat message shape:
// assistant tool_use blocks become tool_calls, user tool_result blocks become
// role "tool" messages keyed by the call id.
func encodeMessages(system string, msgs []llm.Message) ([]oai.ChatCompletionMessage, error) {
	out := make([]oai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, oai.ChatCompletionMessage{
			Role:    oai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleUser:
			var text string
			for _, b := range m.Blocks {
				switch b.Kind {
				case llm.BlockText:
					if text != "" {
						text += "\n"
					}
					text += b.Text
				case llm.BlockToolResult:
					if b.ToolResult == nil {
						return nil, errors.New("openai: tool_result block missing payload")
					}
					out = append(out, oai.ChatCompletionMessage{
						Role:       oai.ChatMessageRoleTool,
						Content:    b.ToolResult.Content,
						ToolCallID: b.ToolResult.ToolUseID,
					})
				default:
					return nil, fmt.Errorf("openai: unsupported user block kind %q", b.Kind)
				}
			}
			if text != "" {
				out = append(out, oai.ChatCompletionMessage{
					Role:    oai.ChatMessageRoleUser,
					Content: text,
				})
			}
		case llm.RoleAssistant:
			cm := oai.ChatCompletionMessage{Role: oai.ChatMessageRoleAssistant}
			for _, b := range m.Blocks {
				switch b.Kind {
				case llm.BlockText:
					if cm.Content != "" {
						cm.Content += "\n"
					}
					cm.Content += b.Text
				case llm.BlockToolUse:
					if b.ToolUse == nil || b.ToolUse.Name == "" {
						return nil, errors.New("openai: tool_use block missing name")
					}
					cm.ToolCalls = append(cm.ToolCalls, oai.ToolCall{
						ID:   b.ToolUse.ID,
						Type: oai.ToolTypeFunction,
						Function: oai.FunctionCall{
							Name:      b.ToolUse.Name,
							Arguments: string(b.ToolUse.Input),
						},
					})
				default:
					return nil, fmt.Errorf("openai: unsupported assistant block kind %q", b.Kind)
				}
			}
			if cm.Content != "" || len(cm.ToolCalls) > 0 {
				out = append(out, cm)
			}
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func translateResponse(resp oai.ChatCompletionResponse) (llm.Completion, error) {
	if len(resp.Choices) == 0 {
		return llm.Completion{}, llm.NewProtocolError("openai", "response has no choices")
	}
	choice := resp.Choices[0]
	out := llm.Completion{
		Message:      llm.Message{Role: llm.RoleAssistant},
		StopReason:   stopReason(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if choice.Message.Content != "" {
		out.Message.Blocks = append(out.Message.Blocks, llm.TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		if tc.Type != oai.ToolTypeFunction {
			continue
		}
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			return llm.Completion{}, llm.NewProtocolError("openai",
				fmt.Sprintf("tool call %s has invalid JSON arguments", tc.Function.Name))
		}
		out.Message.Blocks = append(out.Message.Blocks, llm.ToolUse(tc.ID, tc.Function.Name, json.RawMessage(args)))
	}
	return out, nil
}

// stopReason maps finish reasons onto the gateway's Anthropic-shaped terms.
func stopReason(fr oai.FinishReason) string {
	switch fr {
	case oai.FinishReasonStop:
		return "end_turn"
	case oai.FinishReasonToolCalls, oai.FinishReasonFunctionCall:
		return "tool_use"
	case oai.FinishReasonLength:
		return "max_tokens"
	default:
		return string(fr)
	}
}

func translateError(err error) error {
	var apierr *oai.APIError
	if errors.As(err, &apierr) {
		return llm.ErrorFromHTTPStatus("openai", apierr.HTTPStatusCode, apierr.Message, nil)
	}
	var reqErr *oai.RequestError
	if errors.As(err, &reqErr) {
		var retryAfter *time.Duration
		return llm.ErrorFromHTTPStatus("openai", reqErr.HTTPStatusCode, reqErr.Error(), retryAfter)
	}
	return llm.NewTransportError("openai", err)
}
