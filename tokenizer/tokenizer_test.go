package tokenizer

import (
	"testing"

	"github.com/relaygate/gateway/provider"
)

func TestNewPicksTiktokenForOpenAIFamily(t *testing.T) {
	tok := New("openai")
	if _, ok := tok.(*tiktokenTokenizer); !ok {
		if _, ok2 := tok.(*estimateTokenizer); !ok2 {
			t.Fatalf("unexpected tokenizer type %T", tok)
		}
		// tiktoken encoding load failed in this environment; estimate
		// fallback is an acceptable outcome, not a test failure.
	}
}

func TestNewUsesEstimatorForNonOpenAIFamily(t *testing.T) {
	tok := New("anthropic")
	if _, ok := tok.(*estimateTokenizer); !ok {
		t.Fatalf("expected estimateTokenizer for anthropic, got %T", tok)
	}
}

func TestIsOpenAIFamily(t *testing.T) {
	tests := []struct {
		providerID string
		want       bool
	}{
		{"openai", true},
		{"azure", true},
		{"groq", true},
		{"anthropic", false},
		{"google-ai-studio", false},
		{"mistral", false},
	}
	for _, tc := range tests {
		if got := isOpenAIFamily(tc.providerID); got != tc.want {
			t.Errorf("isOpenAIFamily(%q) = %v, want %v", tc.providerID, got, tc.want)
		}
	}
}

func TestEstimateTokenizerCountsNonEmptyText(t *testing.T) {
	tok := New("anthropic")
	if n := tok.CountText(""); n != 0 {
		t.Errorf("CountText(\"\") = %d, want 0", n)
	}
	if n := tok.CountText("hello world, this is a test"); n <= 0 {
		t.Errorf("CountText(...) = %d, want > 0", n)
	}
}

func TestCountMessagesNonNegative(t *testing.T) {
	tok := New("anthropic")
	messages := []provider.ChatMessage{
		{Role: "user", Content: "hello there"},
		{Role: "assistant", Content: "hi, how can I help?"},
	}
	if n := tok.CountMessages(messages); n <= 0 {
		t.Errorf("CountMessages(...) = %d, want > 0", n)
	}
}
