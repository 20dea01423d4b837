
package handler

import (
	"encoding/json"
	"testing"

	"github.com/relaygate/gateway/provider"
)

func TestAnthropicToCanonicalPullsSystemPrompt(t *testing.T) {
	raw := `{
		"model": "claude-3-5-sonnet-20241022",
		"max_tokens": 512,
		"system": "be concise",
		"messages": [{"role":"user","content":"hi"}]
	}`
	var a anthropicRequest
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	req, gerr := anthropicToCanonical(&a)
	if gerr != nil {
		t.Fatalf("unexpected error: %v", gerr)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
		t.Fatalf("expected leading system message, got %+v", req.Messages)
	}
	if req.Messages[0].Content != "be concise" {
		t.Errorf("expected system content preserved, got %v", req.Messages[0].Content)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 512 {
		t.Errorf("expected max_tokens carried through, got %v", req.MaxTokens)
	}
}

func TestAnthropicToCanonicalMapsToolResultBlock(t *testing.T) {
	raw := `{
		"model": "claude-3-5-sonnet-20241022",
		"max_tokens": 512,
		"messages": [
			{"role":"assistant","content":[{"type":"tool_use","id":"call_1","name":"lookup","input":{"q":"x"}}]},
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"call_1","content":"42"}]}
		]
	}`
	var a anthropicRequest
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	req, gerr := anthropicToCanonical(&a)
	if gerr != nil {
		t.Fatalf("unexpected error: %v", gerr)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("expected assistant tool call + tool result messages, got %+v", req.Messages)
	}
	if len(req.Messages[0].ToolCalls) != 1 || req.Messages[0].ToolCalls[0].Function.Name != "lookup" {
		t.Errorf("expected tool_use mapped to a tool call, got %+v", req.Messages[0].ToolCalls)
	}
	if req.Messages[1].Role != "tool" || req.Messages[1].ToolCallID != "call_1" {
		t.Errorf("expected tool_result mapped to a tool message, got %+v", req.Messages[1])
	}
}

func TestAnthropicToCanonicalRequiresModel(t *testing.T) {
	if _, gerr := anthropicToCanonical(&anthropicRequest{}); gerr == nil {
		t.Fatal("expected an error for a missing model")
	}
}

func TestCanonicalToAnthropicMapsStopReasons(t *testing.T) {
	cases := []struct {
		finish   string
		expected string
	}{
		{"stop", "end_turn"},
		{"length", "max_tokens"},
		{"tool_calls", "tool_use"},
		{"", "end_turn"},
	}
	for _, c := range cases {
		resp := &provider.ChatResponse{
			Choices: []provider.Choice{{FinishReason: c.finish, Message: provider.ChatMessage{Content: "hi"}}},
		}
		out := canonicalToAnthropic(resp)
		if out.StopReason != c.expected {
			t.Errorf("finish_reason %q: expected stop_reason %q, got %q", c.finish, c.expected, out.StopReason)
		}
	}
}

func TestCanonicalToAnthropicEmitsToolUseBlocks(t *testing.T) {
	resp := &provider.ChatResponse{
		Choices: []provider.Choice{{
			FinishReason: "tool_calls",
			Message: provider.ChatMessage{
				ToolCalls: []provider.ToolCall{{ID: "call_1", Function: provider.FunctionCall{Name: "lookup", Arguments: `{"q":"x"}`}}},
			},
		}},
	}
	out := canonicalToAnthropic(resp)
	if len(out.Content) != 1 || out.Content[0].Type != "tool_use" || out.Content[0].Name != "lookup" {
		t.Fatalf("expected a tool_use content block, got %+v", out.Content)
	}
}
