package dialect

import (
	"strings"
	"testing"

	"github.com/relaygate/gateway/provider"
)

func feedAll(t *testing.T, adapter *StreamAdapter, raw string) []StreamChunk {
	t.Helper()
	chunks, err := adapter.Feed([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected Feed error: %v", err)
	}
	return chunks
}

func TestStreamAdapterOpenAIContentDelta(t *testing.T) {
	a := NewStreamAdapter(DialectOpenAI, "gpt-4o-mini", "openai", nil, false)
	chunks := feedAll(t, a, "data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\n")
	if len(chunks) != 1 || chunks[0].Choices[0].Delta.Content != "hi" {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}
}

func TestStreamAdapterZAIFinishReasonFixup(t *testing.T) {
	a := NewStreamAdapter(DialectOpenAI, "glm-4.5", "z-ai", nil, false)
	a.acc.ZAIFinishReasonFixup = true
	a.acc.LastTurnWasToolResult = true

	chunks := feedAll(t, a, "data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"c1\",\"type\":\"function\",\"function\":{\"name\":\"f\",\"arguments\":\"{}\"}}]},\"finish_reason\":\"tool_calls\"}]}\n\n")
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	choice := chunks[0].Choices[0]
	if choice.FinishReason == nil || *choice.FinishReason != "stop" {
		t.Errorf("expected finish_reason rewritten to 'stop', got %v", choice.FinishReason)
	}
	if len(choice.Delta.ToolCalls) != 0 {
		t.Errorf("expected spurious tool calls dropped, got %+v", choice.Delta.ToolCalls)
	}
}

func TestStreamAdapterZAIFixupNotAppliedWithoutToolResultTurn(t *testing.T) {
	a := NewStreamAdapter(DialectOpenAI, "glm-4.5", "z-ai", nil, false)
	a.acc.ZAIFinishReasonFixup = true
	a.acc.LastTurnWasToolResult = false

	chunks := feedAll(t, a, "data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"tool_calls\"}]}\n\n")
	choice := chunks[0].Choices[0]
	if choice.FinishReason == nil || *choice.FinishReason != "tool_calls" {
		t.Errorf("expected finish_reason left as 'tool_calls', got %v", choice.FinishReason)
	}
}

func TestStreamAdapterAnthropicMessageDeltaUsage(t *testing.T) {
	a := NewStreamAdapter(DialectAnthropic, "claude-3-5-sonnet-20241022", "anthropic", nil, false)
	feedAll(t, a, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"model\":\"claude-3-5-sonnet-20241022\"}}\n\n")
	chunks := feedAll(t, a, "event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"input_tokens\":10,\"output_tokens\":5}}\n\n")
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Usage == nil || chunks[0].Usage.PromptTokens != 10 || chunks[0].Usage.CompletionTokens != 5 {
		t.Fatalf("unexpected usage: %+v", chunks[0].Usage)
	}
	fr := chunks[0].Choices[0].FinishReason
	if fr == nil || *fr != "stop" {
		t.Errorf("expected finish_reason 'stop', got %v", fr)
	}
}

func TestStreamAdapterFinalizeSynthesizesUsageWhenMissing(t *testing.T) {
	inputMessages := []provider.ChatMessage{{Role: "user", Content: "hello"}}
	a := NewStreamAdapter(DialectOpenAI, "gpt-4o-mini", "openai", inputMessages, false)
	feedAll(t, a, "data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hello there\"}}]}\n\n")
	chunks := feedAll(t, a, "data: [DONE]\n\n")
	if len(chunks) != 1 {
		t.Fatalf("expected a synthesized final chunk, got %d", len(chunks))
	}
	usage := chunks[0].Usage
	if usage == nil || !usage.IsEstimate {
		t.Fatalf("expected a synthesized, estimated usage frame, got %+v", usage)
	}
	if usage.PromptTokens < 1 {
		t.Errorf("expected PromptTokens >= 1, got %d", usage.PromptTokens)
	}
	if usage.TotalTokens != usage.PromptTokens+usage.CompletionTokens+usage.ReasoningTokens {
		t.Errorf("TotalTokens should equal the sum of its parts, got %+v", usage)
	}
}

func TestStreamAdapterDoesNotSynthesizeWhenUsageAlreadySeen(t *testing.T) {
	a := NewStreamAdapter(DialectOpenAI, "gpt-4o-mini", "openai", nil, false)
	feedAll(t, a, "data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":1,\"total_tokens\":4}}\n\n")
	chunks := feedAll(t, a, "data: [DONE]\n\n")
	if len(chunks) != 0 {
		t.Fatalf("expected no synthesized chunk when usage already reported, got %d", len(chunks))
	}
}

func TestStreamAdapterGoogleIgnoresUpstreamTotal(t *testing.T) {
	a := NewStreamAdapter(DialectGoogle, "gemini-2.0-flash", "google-ai-studio", nil, false)
	raw := `data: {"candidates":[{"index":0,"content":{"parts":[{"text":"hi"}]},"finishReason":"STOP"}],` +
		`"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":2,"totalTokenCount":999}}` + "\n\n"
	chunks := feedAll(t, a, raw)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	usage := chunks[0].Usage
	if usage == nil {
		t.Fatal("expected usage to be present")
	}
	if usage.TotalTokens != 7 {
		t.Errorf("expected recomputed total 7 (ignoring upstream's 999), got %d", usage.TotalTokens)
	}
}

func TestMapAnthropicStop(t *testing.T) {
	tests := []struct {
		reason       string
		hasToolCalls bool
		want         string
	}{
		{"end_turn", false, "stop"},
		{"max_tokens", false, "length"},
		{"tool_use", true, "tool_calls"},
		{"stop_sequence", false, "stop"},
		{"something_else", true, "tool_calls"},
		{"something_else", false, "something_else"},
	}
	for _, tc := range tests {
		if got := mapAnthropicStop(tc.reason, tc.hasToolCalls); got != tc.want {
			t.Errorf("mapAnthropicStop(%q, %v) = %q, want %q", tc.reason, tc.hasToolCalls, got, tc.want)
		}
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "", "c"); got != "c" {
		t.Errorf("firstNonEmpty = %q, want 'c'", got)
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Errorf("firstNonEmpty of all-empty = %q, want ''", got)
	}
}

func TestAccumulatorRecordToolDeltaAppendsArguments(t *testing.T) {
	a := NewAccumulator("m")
	a.recordToolDelta(0, "call_1", "function", "search", `{"q":`)
	a.recordToolDelta(0, "", "", "", `"cats"}`)
	if a.toolCalls[0].Function.Arguments != `{"q":"cats"}` {
		t.Errorf("unexpected accumulated arguments: %q", a.toolCalls[0].Function.Arguments)
	}
	if a.toolCalls[0].ID != "call_1" || a.toolCalls[0].Function.Name != "search" {
		t.Errorf("expected id/name set from the first delta, got %+v", a.toolCalls[0])
	}
}

func TestStreamAdapterOpenAIReasoningGatedByEmitReasoning(t *testing.T) {
	a := NewStreamAdapter(DialectOpenAI, "o1", "openai", nil, false)
	chunks := feedAll(t, a, "data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"reasoning_content\":\"thinking...\"}}]}\n\n")
	if chunks[0].Choices[0].Delta.ReasoningContent != "" {
		t.Errorf("expected reasoning to be dropped when EmitReasoning=false, got %q", chunks[0].Choices[0].Delta.ReasoningContent)
	}

	b := NewStreamAdapter(DialectOpenAI, "o1", "openai", nil, true)
	chunks = feedAll(t, b, "data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"reasoning_content\":\"thinking...\"}}]}\n\n")
	if chunks[0].Choices[0].Delta.ReasoningContent != "thinking..." {
		t.Errorf("expected reasoning to pass through when EmitReasoning=true, got %q", chunks[0].Choices[0].Delta.ReasoningContent)
	}
}

func TestStreamAdapterUnknownEventIgnored(t *testing.T) {
	a := NewStreamAdapter(DialectAnthropic, "claude-3-5-sonnet-20241022", "anthropic", nil, false)
	chunks := feedAll(t, a, "event: ping\ndata: {\"type\":\"ping\"}\n\n")
	if len(chunks) != 0 {
		t.Fatalf("expected ping events to be silently ignored, got %+v", chunks)
	}
}

func TestContentAccumulatesAcrossChunks(t *testing.T) {
	a := NewStreamAdapter(DialectOpenAI, "gpt-4o-mini", "openai", nil, false)
	feedAll(t, a, "data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hel\"}}]}\n\n")
	feedAll(t, a, "data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"}}]}\n\n")
	if !strings.HasSuffix(a.acc.content.String(), "hello") {
		t.Errorf("expected accumulated content 'hello', got %q", a.acc.content.String())
	}
}
