package dialect

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/relaygate/gateway/provider"
)

func TestPrepareRequestBodyAnthropicExtractsSystem(t *testing.T) {
	req := &provider.ChatRequest{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []provider.ChatMessage{
			{Role: "system", Content: "be concise"},
			{Role: "user", Content: "hi"},
		},
	}
	body, err := PrepareRequestBody(DialectAnthropic, req, RequestOptions{MaxOutputTokens: 2048})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var wire anthropicWireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if wire.System != "be concise" {
		t.Errorf("expected system prompt extracted, got %q", wire.System)
	}
	if len(wire.Messages) != 1 || wire.Messages[0].Role != "user" {
		t.Errorf("expected system message excluded from Messages, got %+v", wire.Messages)
	}
	if wire.MaxTokens != 2048 {
		t.Errorf("expected MaxTokens default from opts, got %d", wire.MaxTokens)
	}
}

func TestPrepareRequestBodyAnthropicToolResult(t *testing.T) {
	req := &provider.ChatRequest{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []provider.ChatMessage{
			{Role: "tool", ToolCallID: "call_1", Content: "42"},
		},
	}
	body, err := PrepareRequestBody(DialectAnthropic, req, RequestOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(body), "tool_result") {
		t.Errorf("expected a tool_result block, got %s", body)
	}
	if !strings.Contains(string(body), "call_1") {
		t.Errorf("expected tool_use_id preserved, got %s", body)
	}
}

func TestPrepareRequestBodyAnthropicAssistantToolCall(t *testing.T) {
	req := &provider.ChatRequest{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []provider.ChatMessage{
			{Role: "assistant", Content: "", ToolCalls: []provider.ToolCall{
				{ID: "call_1", Type: "function", Function: provider.FunctionCall{Name: "search", Arguments: `{"q":"cats"}`}},
			}},
		},
	}
	body, err := PrepareRequestBody(DialectAnthropic, req, RequestOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(body), "tool_use") || !strings.Contains(string(body), "search") {
		t.Errorf("expected a tool_use block naming the function, got %s", body)
	}
}

func TestPrepareRequestBodyGoogleMapsRoles(t *testing.T) {
	req := &provider.ChatRequest{
		Model: "gemini-2.0-flash",
		Messages: []provider.ChatMessage{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	}
	body, err := PrepareRequestBody(DialectGoogle, req, RequestOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var wire googleWireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(wire.Contents) != 2 || wire.Contents[0].Role != "user" || wire.Contents[1].Role != "model" {
		t.Fatalf("unexpected role mapping: %+v", wire.Contents)
	}
}

func TestPrepareRequestBodyResponsesAPI(t *testing.T) {
	req := &provider.ChatRequest{
		Model: "o1",
		Messages: []provider.ChatMessage{
			{Role: "user", Content: "hi"},
		},
	}
	body, err := PrepareRequestBody(DialectOpenAIResponses, req, RequestOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var wire responsesWireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(wire.Input) != 1 || wire.Input[0].Content != "hi" {
		t.Fatalf("unexpected input items: %+v", wire.Input)
	}
}

func TestPrepareRequestBodyOpenAIPassesThrough(t *testing.T) {
	req := &provider.ChatRequest{Model: "gpt-4o-mini", Messages: []provider.ChatMessage{{Role: "user", Content: "hi"}}}
	body, err := PrepareRequestBody(DialectOpenAI, req, RequestOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var back provider.ChatRequest
	if err := json.Unmarshal(body, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back.Model != "gpt-4o-mini" {
		t.Errorf("expected pass-through to preserve the model field, got %q", back.Model)
	}
}

func TestToAnthropicRequestUsesExplicitMaxTokensOverOpts(t *testing.T) {
	explicit := 777
	req := &provider.ChatRequest{Model: "m", MaxTokens: &explicit}
	wire := toAnthropicRequest(req, RequestOptions{MaxOutputTokens: 100})
	if wire.MaxTokens != 777 {
		t.Errorf("expected request's own MaxTokens to win, got %d", wire.MaxTokens)
	}
}

func TestToAnthropicRequestDefaultsMaxTokens(t *testing.T) {
	req := &provider.ChatRequest{Model: "m"}
	wire := toAnthropicRequest(req, RequestOptions{})
	if wire.MaxTokens != 4096 {
		t.Errorf("expected default 4096, got %d", wire.MaxTokens)
	}
}

func TestToAnthropicRequestForwardsTools(t *testing.T) {
	req := &provider.ChatRequest{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []provider.ChatMessage{{Role: "user", Content: "what's the weather"}},
		Tools: []provider.Tool{
			{Type: "function", Function: provider.Function{Name: "get_weather", Description: "looks up weather", Parameters: json.RawMessage(`{"type":"object"}`)}},
		},
	}
	wire := toAnthropicRequest(req, RequestOptions{})
	if len(wire.Tools) != 1 || wire.Tools[0].Name != "get_weather" {
		t.Fatalf("expected tool forwarded to anthropic wire request, got %+v", wire.Tools)
	}
}

func TestToAnthropicRequestHandlesMultiModalContent(t *testing.T) {
	req := &provider.ChatRequest{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []provider.ChatMessage{
			{Role: "user", Content: []interface{}{
				map[string]interface{}{"type": "text", "text": "what's in this image?"},
				map[string]interface{}{"type": "image_url", "image_url": map[string]interface{}{"url": "https://example.com/cat.png"}},
			}},
		},
	}
	wire := toAnthropicRequest(req, RequestOptions{})
	if len(wire.Messages) != 1 {
		t.Fatalf("expected one message, got %d", len(wire.Messages))
	}
	blocks, ok := wire.Messages[0].Content.([]map[string]interface{})
	if !ok {
		t.Fatalf("expected content-block slice once an image is present, got %T", wire.Messages[0].Content)
	}
	if len(blocks) != 2 || blocks[0]["type"] != "text" || blocks[1]["type"] != "image" {
		t.Fatalf("expected text+image blocks, got %+v", blocks)
	}
}

func TestToGoogleRequestForwardsToolsAndImages(t *testing.T) {
	req := &provider.ChatRequest{
		Model: "gemini-2.0-flash",
		Messages: []provider.ChatMessage{
			{Role: "user", Content: []interface{}{
				map[string]interface{}{"type": "text", "text": "describe this"},
				map[string]interface{}{"type": "image_url", "image_url": map[string]interface{}{"url": "https://example.com/dog.png"}},
			}},
		},
		Tools: []provider.Tool{
			{Type: "function", Function: provider.Function{Name: "lookup", Parameters: json.RawMessage(`{"type":"object"}`)}},
		},
	}
	wire := toGoogleRequest(req, RequestOptions{})
	if len(wire.Tools) != 1 || len(wire.Tools[0].FunctionDeclarations) != 1 || wire.Tools[0].FunctionDeclarations[0].Name != "lookup" {
		t.Fatalf("expected tool forwarded to google wire request, got %+v", wire.Tools)
	}
	if len(wire.Contents) != 1 || len(wire.Contents[0].Parts) != 2 {
		t.Fatalf("expected text+fileData parts, got %+v", wire.Contents)
	}
	if _, ok := wire.Contents[0].Parts[1]["fileData"]; !ok {
		t.Errorf("expected second part to carry fileData, got %+v", wire.Contents[0].Parts[1])
	}
}
