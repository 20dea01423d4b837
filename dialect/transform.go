package dialect

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaygate/gateway/provider"
	"github.com/relaygate/gateway/tokenizer"
)

// Dialect names the upstream wire grammar a StreamAdapter decodes.
type Dialect int

const (
	DialectOpenAI Dialect = iota
	DialectOpenAIResponses
	DialectAnthropic
	DialectGoogle
)

// Accumulator tracks the running state of one streaming response needed to
// (a) reassemble multi-chunk tool-call arguments and (b) synthesise a final
// usage frame when the upstream never sends one.
type Accumulator struct {
	Model         string
	ID            string
	content       strings.Builder
	reasoning     strings.Builder
	toolCalls     map[int]*DeltaToolCall
	toolOrder     []int
	usageSeen     bool
	finishReason  string
	// z.ai fixup: true when the last turn fed to the model was a tool
	// result, so a spurious fresh tool_calls finish needs rewriting.
	LastTurnWasToolResult bool
	// ZAIFinishReasonFixup is set per-model (ProviderMapping flag), not by
	// hardcoded model id, per the gateway's design note.
	ZAIFinishReasonFixup bool
}

func NewAccumulator(model string) *Accumulator {
	return &Accumulator{Model: model, toolCalls: map[int]*DeltaToolCall{}}
}

func (a *Accumulator) recordToolDelta(index int, id, typ, name, argsFragment string) {
	tc, ok := a.toolCalls[index]
	if !ok {
		tc = &DeltaToolCall{Index: index}
		a.toolCalls[index] = tc
		a.toolOrder = append(a.toolOrder, index)
	}
	if id != "" {
		tc.ID = id
	}
	if typ != "" {
		tc.Type = typ
	}
	if name != "" {
		tc.Function.Name = name
	}
	tc.Function.Arguments += argsFragment
}

// StreamAdapter decodes one upstream SSE stream into canonical StreamChunks,
// owning the framer and the accumulator for the lifetime of the request.
type StreamAdapter struct {
	dialect Dialect
	framer  *SSEFramer
	acc     *Accumulator
	tok     tokenizer.Tokenizer
	inputMessages []provider.ChatMessage

	// model reasoning-output flag: when false, reasoning_content deltas are
	// dropped rather than surfaced (ProviderMapping.reasoningOutput=omit).
	EmitReasoning bool
}

func NewStreamAdapter(dialect Dialect, model, providerID string, inputMessages []provider.ChatMessage, emitReasoning bool) *StreamAdapter {
	return &StreamAdapter{
		dialect:       dialect,
		framer:        NewSSEFramer(),
		acc:           NewAccumulator(model),
		tok:           tokenizer.New(providerID),
		inputMessages: inputMessages,
		EmitReasoning: emitReasoning,
	}
}

// SetZAIFixup configures the z.ai glm-4.5 finish_reason rewrite for this
// stream, gated per-model by the caller (ProviderMapping.ZAIFinishReasonFixup)
// rather than a hardcoded model id.
func (s *StreamAdapter) SetZAIFixup(enabled, lastTurnWasToolResult bool) {
	s.acc.ZAIFinishReasonFixup = enabled
	s.acc.LastTurnWasToolResult = lastTurnWasToolResult
}

// Feed consumes one raw read from the upstream body and returns zero or
// more canonical chunks ready to forward to the client, in order.
func (s *StreamAdapter) Feed(raw []byte) ([]StreamChunk, error) {
	events := s.framer.Feed(raw)
	var out []StreamChunk
	for _, ev := range events {
		if ev.Done {
			if final := s.finalizeIfNeeded(); final != nil {
				out = append(out, *final)
			}
			continue
		}
		chunk, err := s.transform(ev)
		if err != nil {
			return out, err
		}
		if chunk != nil {
			out = append(out, *chunk)
		}
	}
	return out, nil
}

func (s *StreamAdapter) transform(ev RawSSEEvent) (*StreamChunk, error) {
	switch s.dialect {
	case DialectAnthropic:
		return s.transformAnthropic(ev)
	case DialectGoogle:
		return s.transformGoogle(ev)
	case DialectOpenAIResponses:
		return s.transformResponses(ev)
	default:
		return s.transformOpenAI(ev)
	}
}

// --- OpenAI chat-completions (and all OpenAI-compatible dialects) ---

type openAIChunkWire struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role             string          `json:"role"`
			Content          string          `json:"content"`
			Reasoning        string          `json:"reasoning"`
			ReasoningContent string          `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *provider.Usage `json:"usage"`
}

func (s *StreamAdapter) transformOpenAI(ev RawSSEEvent) (*StreamChunk, error) {
	var wire openAIChunkWire
	if err := json.Unmarshal([]byte(ev.Data), &wire); err != nil {
		return nil, fmt.Errorf("json_parse_error: %w", err)
	}
	s.acc.ID = firstNonEmpty(s.acc.ID, wire.ID)

	out := StreamChunk{ID: wire.ID, Object: "chat.completion.chunk", Created: wire.Created, Model: wire.Model}
	for _, c := range wire.Choices {
		delta := Delta{Role: "assistant"}
		if c.Delta.Content != "" {
			delta.Content = c.Delta.Content
			s.acc.content.WriteString(c.Delta.Content)
		}
		reasoning := firstNonEmpty(c.Delta.ReasoningContent, c.Delta.Reasoning)
		if reasoning != "" && s.EmitReasoning {
			delta.ReasoningContent = reasoning
			s.acc.reasoning.WriteString(reasoning)
		}
		for _, tc := range c.Delta.ToolCalls {
			s.acc.recordToolDelta(tc.Index, tc.ID, tc.Type, tc.Function.Name, tc.Function.Arguments)
			delta.ToolCalls = append(delta.ToolCalls, DeltaToolCall{
				Index: tc.Index, ID: tc.ID, Type: tc.Type,
				Function: DeltaFunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
			})
		}

		finish := c.FinishReason
		if finish != nil {
			fr := *finish
			// Z.ai glm-4.5 fixup: a fresh tool_calls finish immediately
			// after feeding back a tool result is a known upstream quirk;
			// rewrite to stop and drop the spurious calls.
			if s.acc.ZAIFinishReasonFixup && s.acc.LastTurnWasToolResult && fr == "tool_calls" {
				fr = "stop"
				delta.ToolCalls = nil
			}
			s.acc.finishReason = fr
			finish = &fr
		}
		out.Choices = append(out.Choices, ChunkChoice{Index: c.Index, Delta: delta, FinishReason: finish})
	}

	if wire.Usage != nil {
		s.acc.usageSeen = true
		out.Usage = wire.Usage
	}
	return &out, nil
}

// --- Anthropic content-block event stream ---

type anthropicEventWire struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	} `json:"usage"`
	Message *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	} `json:"message"`
}

func (s *StreamAdapter) transformAnthropic(ev RawSSEEvent) (*StreamChunk, error) {
	var wire anthropicEventWire
	if err := json.Unmarshal([]byte(ev.Data), &wire); err != nil {
		return nil, fmt.Errorf("json_parse_error: %w", err)
	}

	delta := Delta{Role: "assistant"}
	var finish *string

	switch wire.Type {
	case "message_start":
		if wire.Message != nil {
			s.acc.ID = wire.Message.ID
			s.acc.Model = firstNonEmpty(s.acc.Model, wire.Message.Model)
		}
		return nil, nil
	case "content_block_start":
		if wire.ContentBlock != nil && wire.ContentBlock.Type == "tool_use" {
			s.acc.recordToolDelta(wire.Index, wire.ContentBlock.ID, "function", wire.ContentBlock.Name, "")
			delta.ToolCalls = []DeltaToolCall{{Index: wire.Index, ID: wire.ContentBlock.ID, Type: "function",
				Function: DeltaFunctionCall{Name: wire.ContentBlock.Name}}}
		} else {
			return nil, nil
		}
	case "content_block_delta":
		if wire.Delta == nil {
			return nil, nil
		}
		switch wire.Delta.Type {
		case "text_delta":
			delta.Content = wire.Delta.Text
			s.acc.content.WriteString(wire.Delta.Text)
		case "thinking_delta":
			if s.EmitReasoning {
				delta.ReasoningContent = wire.Delta.Thinking
				s.acc.reasoning.WriteString(wire.Delta.Thinking)
			} else {
				return nil, nil
			}
		case "input_json_delta":
			s.acc.recordToolDelta(wire.Index, "", "", "", wire.Delta.PartialJSON)
			delta.ToolCalls = []DeltaToolCall{{Index: wire.Index, Function: DeltaFunctionCall{Arguments: wire.Delta.PartialJSON}}}
		default:
			return nil, nil
		}
	case "message_delta":
		if wire.Delta != nil && wire.Delta.StopReason != "" {
			fr := mapAnthropicStop(wire.Delta.StopReason, len(s.acc.toolOrder) > 0)
			s.acc.finishReason = fr
			finish = &fr
		}
		if wire.Usage != nil {
			s.acc.usageSeen = true
			u := &provider.Usage{
				PromptTokens:     wire.Usage.InputTokens,
				CompletionTokens: wire.Usage.OutputTokens,
				TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
			}
			if wire.Usage.CacheReadInputTokens > 0 {
				u.PromptTokensDetails = &provider.PromptTokensDetails{CachedTokens: wire.Usage.CacheReadInputTokens}
			}
			return &StreamChunk{ID: s.acc.ID, Object: "chat.completion.chunk", Model: s.acc.Model,
				Choices: []ChunkChoice{{Delta: Delta{}, FinishReason: finish}}, Usage: u}, nil
		}
	case "message_stop", "content_block_stop":
		return nil, nil
	default:
		return nil, nil
	}

	return &StreamChunk{ID: s.acc.ID, Object: "chat.completion.chunk", Model: s.acc.Model,
		Choices: []ChunkChoice{{Delta: delta, FinishReason: finish}}}, nil
}

func mapAnthropicStop(reason string, hasToolCalls bool) string {
	switch reason {
	case "end_turn":
		return "stop"
	case "max_tokens":
		return "length"
	case "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool_calls"
	default:
		if hasToolCalls {
			return "tool_calls"
		}
		return reason
	}
}

// --- Google generateContent/streamGenerateContent ---

type googleChunkWire struct {
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
		Index        int    `json:"index"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (s *StreamAdapter) transformGoogle(ev RawSSEEvent) (*StreamChunk, error) {
	var wire googleChunkWire
	if err := json.Unmarshal([]byte(ev.Data), &wire); err != nil {
		return nil, fmt.Errorf("json_parse_error: %w", err)
	}

	out := StreamChunk{Model: s.acc.Model, Object: "chat.completion.chunk"}
	toolIdx := 0
	for _, c := range wire.Candidates {
		delta := Delta{Role: "assistant"}
		for _, part := range c.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				args, _ := json.Marshal(part.FunctionCall.Args)
				id := fmt.Sprintf("call_%d", toolIdx)
				s.acc.recordToolDelta(toolIdx, id, "function", part.FunctionCall.Name, string(args))
				delta.ToolCalls = append(delta.ToolCalls, DeltaToolCall{Index: toolIdx, ID: id, Type: "function",
					Function: DeltaFunctionCall{Name: part.FunctionCall.Name, Arguments: string(args)}})
				toolIdx++
			case part.InlineData != nil:
				url := fmt.Sprintf("data:%s;base64,%s", part.InlineData.MimeType, part.InlineData.Data)
				delta.Images = append(delta.Images, url)
			case part.Thought:
				if s.EmitReasoning {
					delta.ReasoningContent += part.Text
					s.acc.reasoning.WriteString(part.Text)
				}
			default:
				delta.Content += part.Text
				s.acc.content.WriteString(part.Text)
			}
		}
		var finish *string
		if c.FinishReason != "" {
			fr := mapGoogleFinish(c.FinishReason)
			s.acc.finishReason = fr
			finish = &fr
		}
		out.Choices = append(out.Choices, ChunkChoice{Index: c.Index, Delta: delta, FinishReason: finish})
	}

	if wire.UsageMetadata != nil {
		completion := wire.UsageMetadata.CandidatesTokenCount
		prompt := wire.UsageMetadata.PromptTokenCount
		if completion == 0 && s.acc.content.Len() > 0 {
			completion = s.tok.CountText(s.acc.content.String())
		}
		if prompt == 0 {
			prompt = s.tok.CountMessages(s.inputMessages)
		}
		// totalTokenCount from upstream is intentionally ignored; the
		// canonical total is always recomputed from the parts we trust.
		s.acc.usageSeen = true
		out.Usage = &provider.Usage{
			PromptTokens:     max1(prompt),
			CompletionTokens: completion,
			ReasoningTokens:  wire.UsageMetadata.ThoughtsTokenCount,
			TotalTokens:      max1(prompt) + completion + wire.UsageMetadata.ThoughtsTokenCount,
		}
	}
	return &out, nil
}

func mapGoogleFinish(reason string) string {
	switch strings.ToUpper(reason) {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	default:
		return strings.ToLower(reason)
	}
}

// --- OpenAI Responses API event stream ---

type responsesEventWire struct {
	Type     string `json:"type"`
	Delta    string `json:"delta"`
	Response *struct {
		ID     string `json:"id"`
		Model  string `json:"model"`
		Status string `json:"status"`
		Usage  *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
			OutputTokensDetails *struct {
				ReasoningTokens int `json:"reasoning_tokens"`
			} `json:"output_tokens_details"`
		} `json:"usage"`
	} `json:"response"`
}

func (s *StreamAdapter) transformResponses(ev RawSSEEvent) (*StreamChunk, error) {
	var wire responsesEventWire
	if ev.Event != "" {
		wire.Type = ev.Event
	}
	if err := json.Unmarshal([]byte(ev.Data), &wire); err != nil {
		return nil, fmt.Errorf("json_parse_error: %w", err)
	}
	if wire.Type == "" {
		wire.Type = ev.Event
	}

	switch wire.Type {
	case "response.created", "response.in_progress":
		if wire.Response != nil {
			s.acc.ID = wire.Response.ID
			s.acc.Model = firstNonEmpty(s.acc.Model, wire.Response.Model)
		}
		return nil, nil
	case "response.output_text.delta":
		s.acc.content.WriteString(wire.Delta)
		return &StreamChunk{ID: s.acc.ID, Object: "chat.completion.chunk", Model: s.acc.Model,
			Choices: []ChunkChoice{{Delta: Delta{Role: "assistant", Content: wire.Delta}}}}, nil
	case "response.reasoning_summary_text.delta":
		if !s.EmitReasoning {
			return nil, nil
		}
		s.acc.reasoning.WriteString(wire.Delta)
		return &StreamChunk{ID: s.acc.ID, Object: "chat.completion.chunk", Model: s.acc.Model,
			Choices: []ChunkChoice{{Delta: Delta{Role: "assistant", ReasoningContent: wire.Delta}}}}, nil
	case "response.completed":
		fr := "stop"
		s.acc.finishReason = fr
		var usage *provider.Usage
		if wire.Response != nil && wire.Response.Usage != nil {
			s.acc.usageSeen = true
			u := &provider.Usage{
				PromptTokens:     wire.Response.Usage.InputTokens,
				CompletionTokens: wire.Response.Usage.OutputTokens,
				TotalTokens:      wire.Response.Usage.InputTokens + wire.Response.Usage.OutputTokens,
			}
			if wire.Response.Usage.OutputTokensDetails != nil {
				u.ReasoningTokens = wire.Response.Usage.OutputTokensDetails.ReasoningTokens
			}
			usage = u
		}
		return &StreamChunk{ID: s.acc.ID, Object: "chat.completion.chunk", Model: s.acc.Model,
			Choices: []ChunkChoice{{Delta: Delta{}, FinishReason: &fr}}, Usage: usage}, nil
	default:
		return nil, nil
	}
}

// finalizeIfNeeded synthesises a terminal usage frame when the upstream
// never reported one (Anthropic partials, Google without candidatesTokenCount,
// OpenAI-compatibles that omit stream_options.include_usage).
func (s *StreamAdapter) finalizeIfNeeded() *StreamChunk {
	if s.acc.usageSeen {
		return nil
	}
	prompt := max1(s.tok.CountMessages(s.inputMessages))
	completion := s.tok.CountText(s.acc.content.String())
	reasoning := 0
	if s.acc.reasoning.Len() > 0 {
		reasoning = s.tok.CountText(s.acc.reasoning.String())
	}
	s.acc.usageSeen = true
	return &StreamChunk{
		ID: s.acc.ID, Object: "chat.completion.chunk", Model: s.acc.Model,
		Choices: []ChunkChoice{{Delta: Delta{}, FinishReason: nil}},
		Usage: &provider.Usage{
			PromptTokens: prompt, CompletionTokens: completion, ReasoningTokens: reasoning,
			TotalTokens: prompt + completion + reasoning, IsEstimate: true,
		},
	}
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
