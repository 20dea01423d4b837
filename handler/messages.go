
package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/relaygate/gateway/gwerrors"
	"github.com/relaygate/gateway/provider"
)

// anthropicRequest is the subset of Anthropic's Messages API body this
// adapter understands well enough to rewrite into the canonical ingress
// shape and back.
type anthropicRequest struct {
	Model         string               `json:"model"`
	MaxTokens     int                  `json:"max_tokens"`
	System        json.RawMessage      `json:"system,omitempty"`
	Messages      []anthropicMessage   `json:"messages"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	Tools         []anthropicToolDef   `json:"tools,omitempty"`
}

type anthropicToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// bufferedResponseWriter captures a handler's output so Messages can rewrite
// it into Anthropic shape before it ever reaches the real client connection,
// without duplicating the chat-completions pipeline itself.
type bufferedResponseWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponseWriter() *bufferedResponseWriter {
	return &bufferedResponseWriter{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedResponseWriter) Header() http.Header         { return b.header }
func (b *bufferedResponseWriter) Write(p []byte) (int, error) { return b.body.Write(p) }
func (b *bufferedResponseWriter) WriteHeader(code int)        { b.status = code }

// Messages handles POST /v1/messages, the Anthropic-shaped secondary
// ingress: it rewrites the request into the canonical chat-completions
// body, dispatches it through the same admission/routing/caching/logging
// pipeline ChatCompletions uses, and rewrites the canonical response back
// into Anthropic's content-block shape. Streaming is not implemented on
// this adapter — callers get a clear 400 rather than a silently-wrong
// response.
func (h *ProxyHandler) Messages(w http.ResponseWriter, r *http.Request) {
	var amsg anthropicRequest
	if err := json.NewDecoder(r.Body).Decode(&amsg); err != nil {
		gwerrors.InvalidRequest("failed to parse request body: " + err.Error()).WriteJSON(w)
		return
	}
	if amsg.Stream {
		gwerrors.InvalidRequest("streaming is not supported on the /v1/messages adapter; use /v1/chat/completions").WriteJSON(w)
		return
	}

	canonical, gerr := anthropicToCanonical(&amsg)
	if gerr != nil {
		gerr.WriteJSON(w)
		return
	}

	body, err := json.Marshal(canonical)
	if err != nil {
		gwerrors.GatewayFailure("failed to rewrite request: " + err.Error()).WriteJSON(w)
		return
	}

	inner := r.Clone(r.Context())
	inner.Body = io.NopCloser(bytes.NewReader(body))
	inner.ContentLength = int64(len(body))

	rec := newBufferedResponseWriter()
	h.ChatCompletions(rec, inner)

	if rec.status >= 400 {
		for k, vs := range rec.header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(rec.status)
		_, _ = w.Write(rec.body.Bytes())
		return
	}

	var chatResp provider.ChatResponse
	if err := json.Unmarshal(rec.body.Bytes(), &chatResp); err != nil {
		gwerrors.GatewayFailure("failed to parse internal response: " + err.Error()).WriteJSON(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(canonicalToAnthropic(&chatResp))
}

// anthropicToCanonical pulls a top-level system prompt into a leading
// system message and maps tool_use/tool_result content blocks onto the
// canonical assistant.tool_calls / tool-message forms.
func anthropicToCanonical(a *anthropicRequest) (*provider.ChatRequest, *gwerrors.GatewayError) {
	if a.Model == "" {
		return nil, gwerrors.InvalidParam("model", "model field is required")
	}

	var messages []provider.ChatMessage
	if len(a.System) > 0 {
		var sysText string
		if err := json.Unmarshal(a.System, &sysText); err != nil {
			var blocks []anthropicContentBlock
			if err := json.Unmarshal(a.System, &blocks); err == nil {
				for _, b := range blocks {
					sysText += b.Text
				}
			}
		}
		if sysText != "" {
			messages = append(messages, provider.ChatMessage{Role: "system", Content: sysText})
		}
	}

	for _, m := range a.Messages {
		var text string
		if err := json.Unmarshal(m.Content, &text); err == nil {
			messages = append(messages, provider.ChatMessage{Role: m.Role, Content: text})
			continue
		}

		var blocks []anthropicContentBlock
		if err := json.Unmarshal(m.Content, &blocks); err != nil {
			return nil, gwerrors.InvalidParam("messages", "unrecognised content shape for role "+m.Role)
		}

		var textContent string
		var toolCalls []provider.ToolCall
		for _, b := range blocks {
			switch b.Type {
			case "text":
				textContent += b.Text
			case "tool_use":
				toolCalls = append(toolCalls, provider.ToolCall{
					ID:   b.ID,
					Type: "function",
					Function: provider.FunctionCall{
						Name:      b.Name,
						Arguments: string(b.Input),
					},
				})
			case "tool_result":
				messages = append(messages, provider.ChatMessage{
					Role:       "tool",
					Content:    string(b.Content),
					ToolCallID: b.ToolUseID,
				})
			}
		}
		if textContent != "" || len(toolCalls) > 0 {
			messages = append(messages, provider.ChatMessage{Role: m.Role, Content: textContent, ToolCalls: toolCalls})
		}
	}

	req := &provider.ChatRequest{
		Model:       a.Model,
		Messages:    messages,
		Temperature: a.Temperature,
		TopP:        a.TopP,
		Stop:        a.StopSequences,
	}
	if a.MaxTokens > 0 {
		req.MaxTokens = &a.MaxTokens
	}
	for _, t := range a.Tools {
		req.Tools = append(req.Tools, provider.Tool{
			Type: "function",
			Function: provider.Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return req, nil
}

// canonicalToAnthropic rewrites a canonical response's finish_reason into
// Anthropic's stop_reason vocabulary and its message content into content
// blocks, generating one tool_use block per tool call in the response.
func canonicalToAnthropic(resp *provider.ChatResponse) *anthropicResponse {
	out := &anthropicResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
		Usage: anthropicUsage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.StopReason = stopReasonFromFinishReason(choice.FinishReason)

	if text, ok := choice.Message.Content.(string); ok && text != "" {
		out.Content = append(out.Content, anthropicContentBlock{Type: "text", Text: text})
	}
	for _, tc := range choice.Message.ToolCalls {
		out.Content = append(out.Content, anthropicContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}

func stopReasonFromFinishReason(finish string) string {
	switch finish {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "stop":
		return "end_turn"
	default:
		return "end_turn"
	}
}
