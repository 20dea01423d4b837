package dialect

import (
	"encoding/json"
	"strings"

	"github.com/relaygate/gateway/provider"
	"github.com/relaygate/gateway/tokenizer"
)

// ParseOptions carries the per-model flags that change how a non-streaming
// response is normalised, independent of which provider sent it.
type ParseOptions struct {
	ProviderID            string
	EmitReasoning         bool
	LastTurnWasToolResult bool
	ZAIFinishReasonFixup  bool
	InputMessages         []provider.ChatMessage
}

// ParseResponse normalises a raw upstream JSON body into the canonical
// ChatResponse schema, dispatching on dialect. It always forces
// PromptTokens >= 1 and recomputes TotalTokens from the parts the gateway
// trusts, never the provider's own total field.
func ParseResponse(dialect Dialect, raw []byte, opts ParseOptions) (*provider.ChatResponse, error) {
	var resp *provider.ChatResponse
	var err error

	switch dialect {
	case DialectAnthropic:
		resp, err = parseAnthropicResponse(raw, opts)
	case DialectGoogle:
		resp, err = parseGoogleResponse(raw, opts)
	case DialectOpenAIResponses:
		resp, err = parseResponsesAPIResponse(raw, opts)
	default:
		resp, err = parseOpenAIResponse(raw, opts)
	}
	if err != nil {
		return nil, err
	}

	tok := tokenizer.New(opts.ProviderID)
	if resp.Usage.PromptTokens == 0 {
		resp.Usage.PromptTokens = tok.CountMessages(opts.InputMessages)
		resp.Usage.IsEstimate = true
	}
	resp.Usage.PromptTokens = max1(resp.Usage.PromptTokens)
	if resp.Usage.CompletionTokens == 0 && len(resp.Choices) > 0 {
		var content string
		if s, ok := resp.Choices[0].Message.Content.(string); ok {
			content = s
		}
		if content != "" {
			resp.Usage.CompletionTokens = tok.CountText(content)
			resp.Usage.IsEstimate = true
		}
	}
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens + resp.Usage.ReasoningTokens
	return resp, nil
}

type anthropicResponseWire struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type     string          `json:"type"`
		Text     string          `json:"text,omitempty"`
		Thinking string          `json:"thinking,omitempty"`
		ID       string          `json:"id,omitempty"`
		Name     string          `json:"name,omitempty"`
		Input    json.RawMessage `json:"input,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens          int `json:"input_tokens"`
		OutputTokens         int `json:"output_tokens"`
		CacheReadInputTokens int `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

func parseAnthropicResponse(raw []byte, opts ParseOptions) (*provider.ChatResponse, error) {
	var w anthropicResponseWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}

	var content, reasoning strings.Builder
	var toolCalls []provider.ToolCall
	for _, block := range w.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "thinking":
			if opts.EmitReasoning {
				reasoning.WriteString(block.Thinking)
			}
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			toolCalls = append(toolCalls, provider.ToolCall{ID: block.ID, Type: "function",
				Function: provider.FunctionCall{Name: block.Name, Arguments: string(args)}})
		}
	}

	finish := mapAnthropicStop(w.StopReason, len(toolCalls) > 0)
	usage := provider.Usage{PromptTokens: w.Usage.InputTokens, CompletionTokens: w.Usage.OutputTokens}
	if w.Usage.CacheReadInputTokens > 0 {
		usage.PromptTokensDetails = &provider.PromptTokensDetails{CachedTokens: w.Usage.CacheReadInputTokens}
	}

	return &provider.ChatResponse{
		ID: w.ID, Object: "chat.completion", Model: w.Model,
		Choices: []provider.Choice{{Message: provider.ChatMessage{
			Role: "assistant", Content: content.String(), ReasoningContent: reasoning.String(), ToolCalls: toolCalls,
		}, FinishReason: finish}},
		Usage: usage,
	}, nil
}

type googleResponseWire struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text       string `json:"text"`
				Thought    bool   `json:"thought"`
				InlineData *struct {
					MimeType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData"`
				FunctionCall *struct {
					Name string          `json:"name"`
					Args json.RawMessage `json:"args"`
				} `json:"functionCall"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
	} `json:"usageMetadata"`
}

func parseGoogleResponse(raw []byte, opts ParseOptions) (*provider.ChatResponse, error) {
	var w googleResponseWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	if len(w.Candidates) == 0 {
		return &provider.ChatResponse{Object: "chat.completion", Choices: []provider.Choice{}}, nil
	}

	cand := w.Candidates[0]
	var content, reasoning strings.Builder
	var images []string
	var toolCalls []provider.ToolCall
	for i, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args, _ := json.Marshal(part.FunctionCall.Args)
			toolCalls = append(toolCalls, provider.ToolCall{ID: "call_" + string(rune('0'+i)), Type: "function",
				Function: provider.FunctionCall{Name: part.FunctionCall.Name, Arguments: string(args)}})
		case part.InlineData != nil:
			images = append(images, "data:"+part.InlineData.MimeType+";base64,"+part.InlineData.Data)
		case part.Thought:
			if opts.EmitReasoning {
				reasoning.WriteString(part.Text)
			}
		default:
			content.WriteString(part.Text)
		}
	}

	return &provider.ChatResponse{
		Object: "chat.completion",
		Choices: []provider.Choice{{Message: provider.ChatMessage{
			Role: "assistant", Content: content.String(), ReasoningContent: reasoning.String(),
			Images: images, ToolCalls: toolCalls,
		}, FinishReason: mapGoogleFinish(cand.FinishReason)}},
		Usage: provider.Usage{
			PromptTokens:     w.UsageMetadata.PromptTokenCount,
			CompletionTokens: w.UsageMetadata.CandidatesTokenCount,
			ReasoningTokens:  w.UsageMetadata.ThoughtsTokenCount,
		},
	}, nil
}

func parseResponsesAPIResponse(raw []byte, opts ParseOptions) (*provider.ChatResponse, error) {
	var w struct {
		ID     string `json:"id"`
		Model  string `json:"model"`
		Status string `json:"status"`
		Output []struct {
			Type    string `json:"type"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			Summary []struct {
				Text string `json:"text"`
			} `json:"summary"`
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
			CallID    string          `json:"call_id"`
		} `json:"output"`
		Usage struct {
			InputTokens         int `json:"input_tokens"`
			OutputTokens        int `json:"output_tokens"`
			OutputTokensDetails struct {
				ReasoningTokens int `json:"reasoning_tokens"`
			} `json:"output_tokens_details"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}

	var content, reasoning strings.Builder
	var toolCalls []provider.ToolCall
	for _, item := range w.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				content.WriteString(c.Text)
			}
		case "reasoning":
			if opts.EmitReasoning && len(item.Summary) > 0 {
				reasoning.WriteString(item.Summary[0].Text)
			}
		case "function_call":
			toolCalls = append(toolCalls, provider.ToolCall{ID: item.CallID, Type: "function",
				Function: provider.FunctionCall{Name: item.Name, Arguments: string(item.Arguments)}})
		}
	}

	finish := "stop"
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	}

	return &provider.ChatResponse{
		ID: w.ID, Object: "chat.completion", Model: w.Model,
		Choices: []provider.Choice{{Message: provider.ChatMessage{
			Role: "assistant", Content: content.String(), ReasoningContent: reasoning.String(), ToolCalls: toolCalls,
		}, FinishReason: finish}},
		Usage: provider.Usage{
			PromptTokens: w.Usage.InputTokens, CompletionTokens: w.Usage.OutputTokens,
			ReasoningTokens: w.Usage.OutputTokensDetails.ReasoningTokens,
		},
	}, nil
}

func parseOpenAIResponse(raw []byte, opts ParseOptions) (*provider.ChatResponse, error) {
	var w struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content          string              `json:"content"`
				Reasoning        string              `json:"reasoning"`
				ReasoningContent string              `json:"reasoning_content"`
				ToolCalls        []provider.ToolCall `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens        int `json:"prompt_tokens"`
			CompletionTokens    int `json:"completion_tokens"`
			PromptTokensDetails struct {
				CachedTokens int `json:"cached_tokens"`
			} `json:"prompt_tokens_details"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	if len(w.Choices) == 0 {
		return &provider.ChatResponse{ID: w.ID, Object: "chat.completion", Model: w.Model, Choices: []provider.Choice{}}, nil
	}

	c := w.Choices[0]
	content := c.Message.Content
	// Mistral occasionally wraps JSON-mode output in a ```json fence.
	if fenced, ok := extractJSONFence(content); ok {
		content = fenced
	}

	finish := c.FinishReason
	toolCalls := c.Message.ToolCalls
	if opts.ZAIFinishReasonFixup && opts.LastTurnWasToolResult && finish == "tool_calls" {
		finish = "stop"
		toolCalls = nil
	}

	resp := &provider.ChatResponse{
		ID: w.ID, Object: "chat.completion", Model: w.Model,
		Choices: []provider.Choice{{Message: provider.ChatMessage{
			Role: "assistant", Content: content,
			ReasoningContent: firstNonEmpty(c.Message.ReasoningContent, c.Message.Reasoning),
			ToolCalls:        toolCalls,
		}, FinishReason: finish}},
		Usage: provider.Usage{PromptTokens: w.Usage.PromptTokens, CompletionTokens: w.Usage.CompletionTokens},
	}
	if w.Usage.PromptTokensDetails.CachedTokens > 0 {
		resp.Usage.PromptTokensDetails = &provider.PromptTokensDetails{CachedTokens: w.Usage.PromptTokensDetails.CachedTokens}
	}
	if !opts.EmitReasoning {
		resp.Choices[0].Message.ReasoningContent = ""
	}
	return resp, nil
}

func extractJSONFence(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```json") {
		return "", false
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed), true
}
