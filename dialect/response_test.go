package dialect

import (
	"testing"

	"github.com/relaygate/gateway/provider"
)

func TestParseOpenAIResponseBasic(t *testing.T) {
	raw := []byte(`{"id":"1","model":"gpt-4o-mini","choices":[{"message":{"content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2}}`)
	resp, err := ParseResponse(DialectOpenAI, raw, ParseOptions{ProviderID: "openai"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].Message.Content != "hi there" {
		t.Errorf("unexpected content: %v", resp.Choices[0].Message.Content)
	}
	if resp.Usage.TotalTokens != 7 {
		t.Errorf("expected total 7, got %d", resp.Usage.TotalTokens)
	}
}

func TestParseOpenAIResponseZAIFixup(t *testing.T) {
	raw := []byte(`{"id":"1","model":"glm-4.5","choices":[{"message":{"content":"","tool_calls":[{"id":"c1","type":"function","function":{"name":"f","arguments":"{}"}}]},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`)
	resp, err := ParseResponse(DialectOpenAI, raw, ParseOptions{ProviderID: "z-ai", ZAIFinishReasonFixup: true, LastTurnWasToolResult: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("expected finish_reason rewritten to 'stop', got %q", resp.Choices[0].FinishReason)
	}
	if len(resp.Choices[0].Message.ToolCalls) != 0 {
		t.Errorf("expected tool calls dropped, got %+v", resp.Choices[0].Message.ToolCalls)
	}
}

func TestParseOpenAIResponseMistralJSONFence(t *testing.T) {
	raw := []byte(`{"id":"1","model":"mistral-large-latest","choices":[{"message":{"content":"` + "```json\\n{\\\"a\\\":1}\\n```" + `"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`)
	resp, err := ParseResponse(DialectOpenAI, raw, ParseOptions{ProviderID: "mistral"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].Message.Content != `{"a":1}` {
		t.Errorf("expected fence stripped, got %q", resp.Choices[0].Message.Content)
	}
}

func TestParseResponseForcesPromptTokensAtLeastOne(t *testing.T) {
	raw := []byte(`{"id":"1","model":"gpt-4o-mini","choices":[{"message":{"content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0}}`)
	opts := ParseOptions{ProviderID: "openai", InputMessages: []provider.ChatMessage{{Role: "user", Content: "hello"}}}
	resp, err := ParseResponse(DialectOpenAI, raw, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Usage.PromptTokens < 1 {
		t.Errorf("expected PromptTokens >= 1, got %d", resp.Usage.PromptTokens)
	}
	if !resp.Usage.IsEstimate {
		t.Error("expected IsEstimate to be true when tokens were synthesized")
	}
}

func TestParseAnthropicResponse(t *testing.T) {
	raw := []byte(`{"id":"msg_1","model":"claude-3-5-sonnet-20241022","content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn","usage":{"input_tokens":4,"output_tokens":2,"cache_read_input_tokens":1}}`)
	resp, err := ParseResponse(DialectAnthropic, raw, ParseOptions{ProviderID: "anthropic"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("expected finish_reason 'stop', got %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokensDetails == nil || resp.Usage.PromptTokensDetails.CachedTokens != 1 {
		t.Errorf("expected cached tokens recorded, got %+v", resp.Usage.PromptTokensDetails)
	}
}

func TestParseAnthropicResponseReasoningGated(t *testing.T) {
	raw := []byte(`{"id":"msg_1","model":"claude-3-5-sonnet-20241022","content":[{"type":"thinking","thinking":"pondering"},{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{"input_tokens":4,"output_tokens":2}}`)

	resp, _ := ParseResponse(DialectAnthropic, raw, ParseOptions{ProviderID: "anthropic", EmitReasoning: false})
	if resp.Choices[0].Message.ReasoningContent != "" {
		t.Errorf("expected reasoning dropped, got %q", resp.Choices[0].Message.ReasoningContent)
	}

	resp, _ = ParseResponse(DialectAnthropic, raw, ParseOptions{ProviderID: "anthropic", EmitReasoning: true})
	if resp.Choices[0].Message.ReasoningContent != "pondering" {
		t.Errorf("expected reasoning surfaced, got %q", resp.Choices[0].Message.ReasoningContent)
	}
}

func TestParseGoogleResponse(t *testing.T) {
	raw := []byte(`{"candidates":[{"content":{"parts":[{"text":"hi"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":1}}`)
	resp, err := ParseResponse(DialectGoogle, raw, ParseOptions{ProviderID: "google-ai-studio"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("expected 'stop', got %q", resp.Choices[0].FinishReason)
	}
}

func TestParseResponsesAPIResponse(t *testing.T) {
	raw := []byte(`{"id":"resp_1","model":"o1","output":[{"type":"message","content":[{"type":"output_text","text":"hi"}]},{"type":"reasoning","summary":[{"text":"because"}]}],"usage":{"input_tokens":5,"output_tokens":2,"output_tokens_details":{"reasoning_tokens":3}}}`)
	resp, err := ParseResponse(DialectOpenAIResponses, raw, ParseOptions{ProviderID: "openai", EmitReasoning: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].Message.Content != "hi" {
		t.Errorf("unexpected content: %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].Message.ReasoningContent != "because" {
		t.Errorf("unexpected reasoning: %q", resp.Choices[0].Message.ReasoningContent)
	}
	if resp.Usage.ReasoningTokens != 3 {
		t.Errorf("expected reasoning tokens 3, got %d", resp.Usage.ReasoningTokens)
	}
}

func TestExtractJSONFence(t *testing.T) {
	got, ok := extractJSONFence("```json\n{\"a\":1}\n```")
	if !ok || got != `{"a":1}` {
		t.Errorf("extractJSONFence = %q, %v", got, ok)
	}
	if _, ok := extractJSONFence("plain text"); ok {
		t.Error("expected no fence detected for plain text")
	}
}
