package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harun/keel/pkg/llm"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI implements llm.Provider for chat-completions models.
type OpenAI struct {
	client   openai.Client
	settings Settings
}

func NewOpenAI(s Settings) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(s.APIKey), option.WithMaxRetries(0)}
	if s.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(s.BaseURL))
	}
	return &OpenAI{client: openai.NewClient(opts...), settings: s}
}

func (p *OpenAI) Name() string {
	return "openai"
}

func (p *OpenAI) Complete(ctx context.Context, messages []llm.Message, tools []llm.ToolDef) (*llm.Response, error) {
	params, err := p.params(messages, tools)
	if err != nil {
		return nil, err
	}
	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}
	return openaiResponse(completion.Choices[0].Message, completion.Usage)
}

func (p *OpenAI) StreamComplete(ctx context.Context, messages []llm.Message, tools []llm.ToolDef, sink llm.Sink) (*llm.Response, error) {
	params, err := p.params(messages, tools)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if sink != nil && len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			sink(llm.Chunk{Kind: llm.ChunkDelta, Text: chunk.Choices[0].Delta.Content})
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	if len(acc.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	resp, err := openaiResponse(acc.Choices[0].Message, acc.Usage)
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

func (p *OpenAI) params(messages []llm.Message, tools []llm.ToolDef) (openai.ChatCompletionNewParams, error) {
	converted, err := openaiMessages(messages)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.settings.Model),
		Messages: converted,
	}
	if p.settings.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.settings.MaxTokens))
	}
	if p.settings.Temperature > 0 {
		params.Temperature = openai.Float(p.settings.Temperature)
	}

	for _, def := range tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  openai.FunctionParameters(def.Parameters),
			},
		})
	}

	return params, nil
}

func openaiMessages(messages []llm.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	var out []openai.ChatCompletionMessageParamUnion

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case llm.RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case llm.RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		case llm.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Args)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
				}
				calls = append(calls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			assistant := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: calls,
			}
			out = append(out, assistant.ToParam())
		}
	}

	return out, nil
}

func openaiResponse(msg openai.ChatCompletionMessage, usage openai.CompletionUsage) (*llm.Response, error) {
	resp := &llm.Response{
		Content: msg.Content,
		Usage: llm.Usage{
			InputTokens:  int(usage.PromptTokens),
			OutputTokens: int(usage.CompletionTokens),
		},
	}

	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}

	return resp, nil
}
