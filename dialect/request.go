package dialect

import (
	"encoding/json"

	"github.com/relaygate/gateway/provider"
)

// contentBlocksFrom normalises a ChatMessage's Content into plain text plus
// any image URLs it carries. Content is either a plain string (the common
// case) or an OpenAI-style content-block array:
// [{"type":"text","text":"..."},{"type":"image_url","image_url":{"url":"..."}}].
// Multiple text blocks are joined with a newline; unrecognised block types
// are skipped rather than rejected, so a caller sending a forward-looking
// block shape doesn't sink the whole request.
func contentBlocksFrom(content interface{}) (text string, imageURLs []string) {
	switch c := content.(type) {
	case string:
		return c, nil
	case []interface{}:
		var texts []string
		for _, raw := range c {
			block, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			switch block["type"] {
			case "text":
				if s, ok := block["text"].(string); ok {
					texts = append(texts, s)
				}
			case "image_url":
				if obj, ok := block["image_url"].(map[string]interface{}); ok {
					if url, ok := obj["url"].(string); ok && url != "" {
						imageURLs = append(imageURLs, url)
					}
				}
			}
		}
		text = joinNonEmpty(texts, "\n")
		return text, imageURLs
	default:
		return "", nil
	}
}

func joinNonEmpty(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}

// RequestOptions carries the per-model/provider flags PrepareRequestBody
// needs beyond the canonical request itself.
type RequestOptions struct {
	ProviderID     string
	SupportsReasoning bool
	HasToolCallTurn   bool // message history already contains a tool-call turn
	MaxOutputTokens   int  // ProviderMapping.maxOutput, used as the Anthropic max_tokens default
}

// PrepareRequestBody rewrites a canonical ChatRequest into the wire body the
// named dialect expects. It is a pure function: the same (dialect, req,
// opts) always yields the same bytes, independent of any provider-connector
// state (transport, headers, base URL).
func PrepareRequestBody(dialect Dialect, req *provider.ChatRequest, opts RequestOptions) ([]byte, error) {
	switch dialect {
	case DialectAnthropic:
		return json.Marshal(toAnthropicRequest(req, opts))
	case DialectGoogle:
		return json.Marshal(toGoogleRequest(req, opts))
	case DialectOpenAIResponses:
		return json.Marshal(toResponsesRequest(req, opts))
	default:
		return json.Marshal(req)
	}
}

type anthropicWireRequest struct {
	Model       string                 `json:"model"`
	MaxTokens   int                    `json:"max_tokens"`
	Messages    []anthropicWireMessage `json:"messages"`
	System      string                 `json:"system,omitempty"`
	Temperature *float64               `json:"temperature,omitempty"`
	TopP        *float64               `json:"top_p,omitempty"`
	Stream      bool                   `json:"stream,omitempty"`
	StopSeqs    []string               `json:"stop_sequences,omitempty"`
	Tools       []anthropicWireTool    `json:"tools,omitempty"`
}

type anthropicWireMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type anthropicWireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

func anthropicToolsFrom(tools []provider.Tool) []anthropicWireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropicWireTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropicWireTool{
			Name: t.Function.Name, Description: t.Function.Description, InputSchema: t.Function.Parameters,
		})
	}
	return out
}

// anthropicContentBlocks renders a message's content as a plain string when
// it carries no images (Anthropic accepts either shape for text-only turns),
// or as an explicit content-block array once an image is present.
func anthropicContentBlocks(content interface{}) interface{} {
	text, images := contentBlocksFrom(content)
	if len(images) == 0 {
		return text
	}
	blocks := []map[string]interface{}{}
	if text != "" {
		blocks = append(blocks, map[string]interface{}{"type": "text", "text": text})
	}
	for _, url := range images {
		blocks = append(blocks, map[string]interface{}{"type": "image", "source": map[string]interface{}{"type": "url", "url": url}})
	}
	return blocks
}

func toAnthropicRequest(req *provider.ChatRequest, opts RequestOptions) anthropicWireRequest {
	maxTokens := opts.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	out := anthropicWireRequest{
		Model: req.Model, MaxTokens: maxTokens, Temperature: req.Temperature, TopP: req.TopP,
		Stream: req.Stream, StopSeqs: req.Stop, Tools: anthropicToolsFrom(req.Tools),
	}

	for _, msg := range req.Messages {
		switch {
		case msg.Role == "system":
			text, _ := contentBlocksFrom(msg.Content)
			out.System = text
		case msg.Role == "tool" && msg.ToolCallID != "":
			content, _ := contentBlocksFrom(msg.Content)
			out.Messages = append(out.Messages, anthropicWireMessage{Role: "user", Content: []map[string]interface{}{
				{"type": "tool_result", "tool_use_id": msg.ToolCallID, "content": content},
			}})
		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			var blocks []map[string]interface{}
			if c, _ := contentBlocksFrom(msg.Content); c != "" {
				blocks = append(blocks, map[string]interface{}{"type": "text", "text": c})
			}
			for _, tc := range msg.ToolCalls {
				var input json.RawMessage
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
				blocks = append(blocks, map[string]interface{}{"type": "tool_use", "id": tc.ID, "name": tc.Function.Name, "input": input})
			}
			out.Messages = append(out.Messages, anthropicWireMessage{Role: "assistant", Content: blocks})
		default:
			out.Messages = append(out.Messages, anthropicWireMessage{Role: msg.Role, Content: anthropicContentBlocks(msg.Content)})
		}
	}
	return out
}

type googleWireRequest struct {
	Contents          []googleWireContent    `json:"contents"`
	GenerationConfig  googleGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []googleTool           `json:"tools,omitempty"`
}

type googleTool struct {
	FunctionDeclarations []googleFunctionDeclaration `json:"functionDeclarations"`
}

type googleFunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func googleToolsFrom(tools []provider.Tool) []googleTool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]googleFunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, googleFunctionDeclaration{
			Name: t.Function.Name, Description: t.Function.Description, Parameters: t.Function.Parameters,
		})
	}
	return []googleTool{{FunctionDeclarations: decls}}
}

type googleWireContent struct {
	Role  string            `json:"role"`
	Parts []map[string]interface{} `json:"parts"`
}

type googleGenerationConfig struct {
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

func toGoogleRequest(req *provider.ChatRequest, opts RequestOptions) googleWireRequest {
	out := googleWireRequest{GenerationConfig: googleGenerationConfig{
		MaxOutputTokens: req.MaxTokens, Temperature: req.Temperature, TopP: req.TopP, StopSequences: req.Stop,
	}, Tools: googleToolsFrom(req.Tools)}
	for _, msg := range req.Messages {
		role := "user"
		switch msg.Role {
		case "assistant":
			role = "model"
		case "system":
			role = "user" // system folded into a leading user turn; Google has no system role in contents
		}
		text, images := contentBlocksFrom(msg.Content)
		var parts []map[string]interface{}
		if text != "" {
			parts = append(parts, map[string]interface{}{"text": text})
		}
		for _, url := range images {
			parts = append(parts, map[string]interface{}{"fileData": map[string]interface{}{"fileUri": url}})
		}
		out.Contents = append(out.Contents, googleWireContent{Role: role, Parts: parts})
	}
	return out
}

type responsesWireRequest struct {
	Model           string        `json:"model"`
	Input           []responsesInputItem `json:"input"`
	MaxOutputTokens *int          `json:"max_output_tokens,omitempty"`
	Stream          bool          `json:"stream,omitempty"`
}

type responsesInputItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func toResponsesRequest(req *provider.ChatRequest, opts RequestOptions) responsesWireRequest {
	out := responsesWireRequest{Model: req.Model, MaxOutputTokens: req.MaxTokens, Stream: req.Stream}
	for _, msg := range req.Messages {
		if c, ok := msg.Content.(string); ok {
			out.Input = append(out.Input, responsesInputItem{Role: msg.Role, Content: c})
		}
	}
	return out
}
