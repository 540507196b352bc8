package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/keel/pkg/llm"
)

// Anthropic implements llm.Provider for Claude models.
type Anthropic struct {
	client   anthropic.Client
	settings Settings
}

func NewAnthropic(s Settings) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(s.APIKey), option.WithMaxRetries(0)}
	if s.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(s.BaseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...), settings: s}
}

func (p *Anthropic) Name() string {
	return "anthropic"
}

func (p *Anthropic) Complete(ctx context.Context, messages []llm.Message, tools []llm.ToolDef) (*llm.Response, error) {
	params, err := p.params(messages, tools)
	if err != nil {
		return nil, err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return anthropicResponse(msg)
}

func (p *Anthropic) StreamComplete(ctx context.Context, messages []llm.Message, tools []llm.ToolDef, sink llm.Sink) (*llm.Response, error) {
	params, err := p.params(messages, tools)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	msg := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, fmt.Errorf("failed to accumulate stream event: %w", err)
		}
		if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && sink != nil {
				sink(llm.Chunk{Kind: llm.ChunkDelta, Text: delta.Text})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	resp, err := anthropicResponse(&msg)
	if err != nil {
		return nil, err
	}
	if sink != nil {
		for i := range resp.ToolCalls {
			sink(llm.Chunk{Kind: llm.ChunkToolCall, ToolCall: &resp.ToolCalls[i]})
		}
		sink(llm.Chunk{Kind: llm.ChunkDone, Usage: &resp.Usage})
	}
	return resp, nil
}

func (p *Anthropic) params(messages []llm.Message, tools []llm.ToolDef) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.settings.Model),
		Messages:  anthropicMessages(messages),
		MaxTokens: int64(p.settings.MaxTokens),
	}

	if system := llm.SystemPrompt(messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if p.settings.Temperature > 0 {
		params.Temperature = anthropic.Float(p.settings.Temperature)
	}

	for _, def := range tools {
		tool := anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: def.Parameters["properties"],
			},
		}
		if required, ok := def.Parameters["required"].([]string); ok {
			tool.InputSchema.Required = required
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tool})
	}

	return params, nil
}

// anthropicMessages converts the conversation, folding consecutive tool results
// into a single user turn.
func anthropicMessages(messages []llm.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var pending []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pending) > 0 {
			out = append(out, anthropic.NewUserMessage(pending...))
			pending = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			continue
		case llm.RoleTool:
			pending = append(pending, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			continue
		}

		flush()
		switch msg.Role {
		case llm.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case llm.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Args
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		}
	}
	flush()

	return out
}

func anthropicResponse(msg *anthropic.Message) (*llm.Response, error) {
	resp := &llm.Response{
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}

	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content += b.Text
		case anthropic.ToolUseBlock:
			args := map[string]any{}
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					return nil, fmt.Errorf("failed to parse tool input: %w", err)
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{ID: b.ID, Name: b.Name, Args: args})
		}
	}

	return resp, nil
}
