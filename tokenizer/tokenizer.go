// Package tokenizer isolates token counting behind one interface so a
// provider-family-specific implementation can be swapped in without
// touching the dialect adapter or usage accounting that consume it.
package tokenizer

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/relaygate/gateway/provider"
)

// Tokenizer counts tokens for a chat request/response in a way that is
// consistent with how the named provider family will bill it.
type Tokenizer interface {
	CountMessages(messages []provider.ChatMessage) int
	CountText(text string) int
}

// New returns the best available Tokenizer for the given provider id,
// preferring an exact BPE encoder where one exists and falling back to
// the char-ratio estimator (provider.TokenCounter) otherwise, or if the
// BPE tables fail to load.
func New(providerID string) Tokenizer {
	if isOpenAIFamily(providerID) {
		if t := newTiktoken(); t != nil {
			return &tiktokenTokenizer{enc: t, fallback: provider.NewTokenCounter(providerID)}
		}
	}
	return &estimateTokenizer{inner: provider.NewTokenCounter(providerID)}
}

func isOpenAIFamily(providerID string) bool {
	p := strings.ToLower(providerID)
	return strings.Contains(p, "openai") || strings.Contains(p, "azure") || strings.Contains(p, "groq")
}

var (
	tiktokenOnce sync.Once
	tiktokenEnc  *tiktoken.Tiktoken
)

// newTiktoken lazily loads the cl100k_base BPE encoder used by the GPT-4
// family. Loading the merge-rank table can fail offline (it is fetched or
// read from a bundled asset depending on build); callers treat a nil
// return as "fall back to the char-ratio estimator".
func newTiktoken() *tiktoken.Tiktoken {
	tiktokenOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			tiktokenEnc = enc
		}
	})
	return tiktokenEnc
}

type tiktokenTokenizer struct {
	enc      *tiktoken.Tiktoken
	fallback *provider.TokenCounter
}

func (t *tiktokenTokenizer) CountText(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *tiktokenTokenizer) CountMessages(messages []provider.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += 4 // per-message framing overhead, matches the OpenAI chat format
		total += 1 // role token
		switch content := m.Content.(type) {
		case string:
			total += t.CountText(content)
		default:
			// Multi-modal or structured content: defer to the char-ratio
			// estimator, which already knows how to walk these shapes.
			total += t.fallback.CountMessages([]provider.ChatMessage{{Content: content}}).PromptTokens - 5
		}
		if m.Name != "" {
			total += t.CountText(m.Name) + 1
		}
		for _, tc := range m.ToolCalls {
			total += t.CountText(tc.Function.Name)
			total += t.CountText(tc.Function.Arguments)
			total += 4
		}
	}
	return total
}

// estimateTokenizer adapts the teacher's char-ratio TokenCounter to the
// Tokenizer interface for provider families with no bundled BPE table
// (Anthropic, Gemini, Mistral, and everything else).
type estimateTokenizer struct {
	inner *provider.TokenCounter
}

func (e *estimateTokenizer) CountText(text string) int { return e.inner.CountText(text) }
func (e *estimateTokenizer) CountMessages(messages []provider.ChatMessage) int {
	return e.inner.CountMessages(messages).PromptTokens
}
