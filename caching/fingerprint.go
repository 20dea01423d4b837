package caching

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/relaygate/gateway/provider"
)

// fingerprintInput is the subset of a ChatRequest that determines whether
// two requests are cache-equivalent. Anything not listed here (stream,
// tool_choice nonces, request IDs) is intentionally excluded.
type fingerprintInput struct {
	Model            string                   `json:"model"`
	Messages         []provider.ChatMessage   `json:"messages"`
	Temperature      *float64                 `json:"temperature,omitempty"`
	MaxTokens        *int                     `json:"max_tokens,omitempty"`
	TopP             *float64                 `json:"top_p,omitempty"`
	Stop             []string                 `json:"stop,omitempty"`
	FrequencyPenalty *float64                 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64                 `json:"presence_penalty,omitempty"`
	ResponseFormat   *provider.ResponseFormat `json:"response_format,omitempty"`
}

// Fingerprint returns the deterministic cache key for a chat request,
// shared by the one-shot and streaming caches alike: the SHA-256 hex digest
// of its billable/semantic fields.
func Fingerprint(req *provider.ChatRequest) string {
	in := fingerprintInput{
		Model: req.Model, Messages: req.Messages, Temperature: req.Temperature,
		MaxTokens: req.MaxTokens, TopP: req.TopP, Stop: req.Stop,
		FrequencyPenalty: req.FrequencyPenalty, PresencePenalty: req.PresencePenalty,
		ResponseFormat: req.ResponseFormat,
	}
	b, _ := json.Marshal(in)
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// MinTTL and MaxTTL bound the per-project cache duration the gateway honours,
// clamping out accidental zero/unbounded configuration.
const (
	MinTTL = 10 * time.Second
	MaxTTL = 365 * 24 * time.Hour
)

// ClampTTL bounds a requested cache duration to [MinTTL, MaxTTL].
func ClampTTL(d time.Duration) time.Duration {
	if d < MinTTL {
		return MinTTL
	}
	if d > MaxTTL {
		return MaxTTL
	}
	return d
}

type fingerprintEntry struct {
	body      []byte
	expiresAt time.Time
}

// FingerprintCache is the one-shot response cache keyed by request
// fingerprint: an exact match on model/messages/sampling params replays the
// stored response body verbatim, unlike Engine's similarity-based lookup.
type FingerprintCache struct {
	mu      sync.RWMutex
	entries map[string]fingerprintEntry
}

// NewFingerprintCache creates an empty fingerprint cache.
func NewFingerprintCache() *FingerprintCache {
	return &FingerprintCache{entries: make(map[string]fingerprintEntry)}
}

// Get returns the cached response body for key, if present and unexpired.
func (c *FingerprintCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.expiresAt.Before(time.Now()) {
		return nil, false
	}
	return e.body, true
}

// Put stores a response body under key for the given TTL (clamped).
func (c *FingerprintCache) Put(key string, body []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = fingerprintEntry{body: body, expiresAt: time.Now().Add(ClampTTL(ttl))}
}

// Invalidate removes a single key, used by the cache-management endpoints.
func (c *FingerprintCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len reports the number of stored entries, for cache-stats reporting.
// Expired entries are counted until they are overwritten or invalidated.
func (c *FingerprintCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
