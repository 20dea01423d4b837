package caching

import (
	"testing"
	"time"

	"github.com/relaygate/gateway/provider"
)

func TestFingerprintIsStableAndDistinguishesModel(t *testing.T) {
	req1 := &provider.ChatRequest{Model: "gpt-4o", Messages: []provider.ChatMessage{{Role: "user", Content: "hi"}}}
	req2 := &provider.ChatRequest{Model: "gpt-4o", Messages: []provider.ChatMessage{{Role: "user", Content: "hi"}}}
	req3 := &provider.ChatRequest{Model: "gpt-4o-mini", Messages: []provider.ChatMessage{{Role: "user", Content: "hi"}}}

	f1 := Fingerprint(req1)
	f2 := Fingerprint(req2)
	f3 := Fingerprint(req3)

	if f1 != f2 {
		t.Error("identical requests should fingerprint identically")
	}
	if f1 == f3 {
		t.Error("requests differing by model should fingerprint differently")
	}
}

func TestClampTTL(t *testing.T) {
	if got := ClampTTL(1 * time.Second); got != MinTTL {
		t.Errorf("expected ClampTTL to floor at MinTTL, got %v", got)
	}
	if got := ClampTTL(1000 * 24 * time.Hour); got != MaxTTL {
		t.Errorf("expected ClampTTL to ceiling at MaxTTL, got %v", got)
	}
	if got := ClampTTL(time.Hour); got != time.Hour {
		t.Errorf("expected ClampTTL to pass through an in-range duration, got %v", got)
	}
}

func TestFingerprintCacheGetPutInvalidate(t *testing.T) {
	c := NewFingerprintCache()
	key := "k1"
	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Put(key, []byte(`{"ok":true}`), time.Minute)
	body, ok := c.Get(key)
	if !ok || string(body) != `{"ok":true}` {
		t.Fatalf("expected cached body, got %q ok=%v", body, ok)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", c.Len())
	}
	c.Invalidate(key)
	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss after invalidate")
	}
}

func TestFingerprintCacheExpiry(t *testing.T) {
	c := NewFingerprintCache()
	c.entries["k"] = fingerprintEntry{body: []byte("x"), expiresAt: time.Now().Add(-time.Second)}
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected expired entry to miss")
	}
}

func TestFingerprintDistinguishesResponseFormatAndPenalties(t *testing.T) {
	base := &provider.ChatRequest{Model: "gpt-4o", Messages: []provider.ChatMessage{{Role: "user", Content: "hi"}}}
	withJSON := &provider.ChatRequest{Model: "gpt-4o", Messages: base.Messages, ResponseFormat: &provider.ResponseFormat{Type: "json_object"}}
	freq := 0.5
	withFreq := &provider.ChatRequest{Model: "gpt-4o", Messages: base.Messages, FrequencyPenalty: &freq}

	if Fingerprint(base) == Fingerprint(withJSON) {
		t.Error("requests differing by response_format should fingerprint differently")
	}
	if Fingerprint(base) == Fingerprint(withFreq) {
		t.Error("requests differing by frequency_penalty should fingerprint differently")
	}
}

func TestStreamingCacheGetPutInvalidate(t *testing.T) {
	c := NewStreamingCache()
	key := "k1"
	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss on empty cache")
	}
	entry := StreamingCacheEntry{
		Chunks: []StreamChunk{
			{Data: []byte("data: one\n\n"), Timestamp: 0},
			{Data: []byte("data: two\n\n"), Timestamp: 50 * time.Millisecond},
		},
		FinishReason: "stop",
	}
	c.Put(key, entry, time.Minute)
	got, ok := c.Get(key)
	if !ok || len(got.Chunks) != 2 || got.FinishReason != "stop" {
		t.Fatalf("expected cached chunk sequence, got %+v ok=%v", got, ok)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", c.Len())
	}
	c.Invalidate(key)
	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss after invalidate")
	}
}

func TestStreamingCacheExpiry(t *testing.T) {
	c := NewStreamingCache()
	c.entries["k"] = streamingCacheRow{entry: StreamingCacheEntry{}, expiresAt: time.Now().Add(-time.Second)}
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected expired entry to miss")
	}
}
