// Package anthropic adapts the Anthropic Claude Messages API to the gateway
// block vocabulary using github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/appdraft/appdraft/internal/llm"
)

// MessagesClient is the subset of the SDK client the adapter uses. Satisfied
// by *sdk.MessageService; tests pass a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

type Options struct {
	// DefaultModel is used when Request.Model is empty.
	DefaultModel string

	// SmallModel serves ModelClassSmall requests (error compaction, naming).
	SmallModel string

	// MaxTokens caps completions when the request does not set one.
	MaxTokens int

	Temperature float64
}

type Adapter struct {
	msg          MessagesClient
	defaultModel string
	smallModel   string
	maxTok       int
	temp         float64
}

func New(msg MessagesClient, opts Options) (*Adapter, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Adapter{
		msg:          msg,
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
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

func (a *Adapter) Name() string { return "anthropic" }

func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Completion, error) {
	params, err := a.prepareRequest(req)
	if err != nil {
		return llm.Completion{}, err
	}
	msg, err := a.msg.New(ctx, *params)
	if err != nil {
		return llm.Completion{}, translateError(err)
	}
	return translateResponse(msg)
}

func (a *Adapter) prepareRequest(req llm.Request) (*sdk.MessageNewParams, error) {
	modelID := req.Model
	if modelID == "" {
		if req.ModelClass == llm.ModelClassSmall && a.smallModel != "" {
			modelID = a.smallModel
		} else {
			modelID = a.defaultModel
		}
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTok
	}
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}

	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if t := req.Temperature; t > 0 {
		params.Temperature = sdk.Float(t)
	} else if a.temp > 0 {
		params.Temperature = sdk.Float(a.temp)
	}
	if req.ThinkingBudget > 0 {
		if req.ThinkingBudget >= maxTokens {
			return nil, fmt.Errorf("anthropic: thinking budget %d must be less than max_tokens %d", req.ThinkingBudget, maxTokens)
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice, req.Tools)
		if err != nil {
			return nil, err
		}
		params.ToolChoice = tc
	}
	return &params, nil
}

func encodeMessages(msgs []llm.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Blocks))
		for _, b := range m.Blocks {
			switch b.Kind {
			case llm.BlockText:
				if b.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(b.Text))
				}
			case llm.BlockToolUse:
				if b.ToolUse == nil || b.ToolUse.Name == "" {
					return nil, errors.New("anthropic: tool_use block missing name")
				}
				blocks = append(blocks, sdk.NewToolUseBlock(b.ToolUse.ID, b.ToolUse.Input, b.ToolUse.Name))
			case llm.BlockToolResult:
				if b.ToolResult == nil {
					return nil, errors.New("anthropic: tool_result block missing payload")
				}
				blocks = append(blocks, sdk.NewToolResultBlock(b.ToolResult.ToolUseID, b.ToolResult.Content, b.ToolResult.IsError))
			default:
				return nil, fmt.Errorf("anthropic: unsupported block kind %q", b.Kind)
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case llm.RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case llm.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one message is required")
	}
	return out, nil
}

func encodeTools(defs []llm.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		if def.Description == "" {
			return nil, fmt.Errorf("anthropic: tool %q is missing description", def.Name)
		}
		schema := sdk.ToolInputSchemaParam{}
		if def.InputSchema != nil {
			schema.ExtraFields = def.InputSchema
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func encodeToolChoice(choice *llm.ToolChoice, defs []llm.ToolDefinition) (sdk.ToolChoiceUnionParam, error) {
	switch choice.Mode {
	case "", llm.ToolChoiceAuto:
		return sdk.ToolChoiceUnionParam{}, nil
	case llm.ToolChoiceAny:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	case llm.ToolChoiceTool:
		if choice.Name == "" {
			return sdk.ToolChoiceUnionParam{}, errors.New("anthropic: tool choice requires a tool name")
		}
		for _, def := range defs {
			if def.Name == choice.Name {
				return sdk.ToolChoiceParamOfTool(choice.Name), nil
			}
		}
		return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: tool choice name %q does not match any tool", choice.Name)
	default:
		return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: unsupported tool choice mode %q", choice.Mode)
	}
}

func translateResponse(msg *sdk.Message) (llm.Completion, error) {
	if msg == nil {
		return llm.Completion{}, llm.NewProtocolError("anthropic", "response message is nil")
	}
	out := llm.Completion{
		Message:      llm.Message{Role: llm.RoleAssistant},
		StopReason:   string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			out.Message.Blocks = append(out.Message.Blocks, llm.TextBlock(block.Text))
		case "tool_use":
			out.Message.Blocks = append(out.Message.Blocks, llm.ToolUse(block.ID, block.Name, block.Input))
		}
	}
	return out, nil
}

func translateError(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		var retryAfter *time.Duration
		if apierr.Response != nil {
			retryAfter = llm.ParseRetryAfter(apierr.Response.Header.Get("Retry-After"), time.Now())
		}
		return llm.ErrorFromHTTPStatus("anthropic", apierr.StatusCode, apierr.Error(), retryAfter)
	}
	return llm.NewTransportError("anthropic", err)
}
