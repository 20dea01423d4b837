// Package store provides the Redis-backed persistence layer for the
// gateway's entities (organisations, projects, keys, logs, locks). It is
// deliberately a thin, opaque-store abstraction over go-redis: the request
// pipeline and the credit worker depend only on the Store interface, never
// on Redis commands directly, mirroring how the rest of the gateway treats
// its cache and queue as swappable backends.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaygate/gateway/security"
)

var ErrNotFound = errors.New("store: not found")

// Organization is the billing/plan root entity.
type Organization struct {
	ID                 string  `json:"id"`
	Plan               string  `json:"plan"` // "free" | "pro"
	Credits            float64 `json:"credits"`
	AutoTopUpEnabled   bool    `json:"autoTopUpEnabled"`
	AutoTopUpThreshold float64 `json:"autoTopUpThreshold"`
	AutoTopUpAmount    float64 `json:"autoTopUpAmount"`
	StripeCustomerID   string  `json:"stripeCustomerId,omitempty"`
	RetentionLevel     string  `json:"retentionLevel"` // "all" | "none"

	// EncryptedDEK, once set, is this organisation's data encryption key
	// wrapped under the gateway's BYOK master key — see
	// RedisStore.providerKeyDEK. Empty until the first ProviderKey write
	// for this org, and only ever populated when BYOK encryption is
	// configured.
	EncryptedDEK string `json:"encryptedDek,omitempty"`
}

// Project scopes requests to an organisation and a billing mode.
type Project struct {
	ID                   string `json:"id"`
	OrganizationID       string `json:"organizationId"`
	Mode                 string `json:"mode"` // "api-keys" | "credits" | "hybrid"
	CachingEnabled       bool   `json:"cachingEnabled"`
	CacheDurationSeconds int    `json:"cacheDurationSeconds"`
}

// ApiKey authenticates a caller against a project.
type ApiKey struct {
	ID         string  `json:"id"`
	Token      string  `json:"token"`
	ProjectID  string  `json:"projectId"`
	Status     string  `json:"status"` // "active" | "disabled"
	Usage      float64 `json:"usage"`
	UsageLimit *float64 `json:"usageLimit,omitempty"`
}

// ProviderKey is an organisation-owned upstream credential.
type ProviderKey struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	Provider       string `json:"provider"`
	Token          string `json:"token"`
	BaseURL        string `json:"baseUrl,omitempty"`
	Status         string `json:"status"`
}

// CustomProvider is a named, user-registered OpenAI-compatible endpoint.
type CustomProvider struct {
	OrganizationID string `json:"organizationId"`
	Name           string `json:"name"`
	BaseURL        string `json:"baseUrl"`
	Token          string `json:"token"`
}

// Log is one usage record, enqueued by the ingress handler and finalised
// by the worker's batch sweep.
type Log struct {
	RequestID         string          `json:"requestId"`
	OrganizationID    string          `json:"organizationId"`
	ProjectID         string          `json:"projectId"`
	ApiKeyID          string          `json:"apiKeyId"`
	UsedMode          string          `json:"usedMode"`
	UsedModel         string          `json:"usedModel"`
	UsedProvider      string          `json:"usedProvider"`
	RequestedModel    string          `json:"requestedModel"`
	RequestedProvider string          `json:"requestedProvider"`
	Duration          time.Duration   `json:"duration"`
	ResponseSize      int             `json:"responseSize"`
	Content           string          `json:"content,omitempty"`
	ReasoningContent  string          `json:"reasoningContent,omitempty"`
	FinishReason      string          `json:"finishReason"`
	UnifiedFinishReason string        `json:"unifiedFinishReason"`
	PromptTokens      int             `json:"promptTokens"`
	CompletionTokens  int             `json:"completionTokens"`
	TotalTokens       int             `json:"totalTokens"`
	ReasoningTokens   int             `json:"reasoningTokens"`
	CachedTokens      int             `json:"cachedTokens"`
	HasError          bool            `json:"hasError"`
	Streamed          bool            `json:"streamed"`
	Canceled          bool            `json:"canceled"`
	ErrorDetails      string          `json:"errorDetails,omitempty"`
	Cost              float64         `json:"cost"`
	InputCost         float64         `json:"inputCost"`
	OutputCost        float64         `json:"outputCost"`
	CachedInputCost   float64         `json:"cachedInputCost"`
	RequestCost       float64         `json:"requestCost"`
	EstimatedCost     bool            `json:"estimatedCost"`
	Cached            bool            `json:"cached"`
	ProcessedAt       *time.Time      `json:"processedAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// Transaction tracks a credit top-up attempt.
type Transaction struct {
	ID                    string    `json:"id"`
	OrganizationID        string    `json:"organizationId"`
	Type                  string    `json:"type"`
	CreditAmount          float64   `json:"creditAmount"`
	Amount                float64   `json:"amount"`
	Currency              string    `json:"currency"`
	Status                string    `json:"status"` // "pending" | "succeeded" | "failed"
	StripePaymentIntentID string    `json:"stripePaymentIntentId,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
}

// Store is the persistence surface the pipeline and worker depend on.
type Store interface {
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	PutOrganization(ctx context.Context, org *Organization) error

	GetProject(ctx context.Context, id string) (*Project, error)
	PutProject(ctx context.Context, p *Project) error

	GetApiKeyByToken(ctx context.Context, token string) (*ApiKey, error)
	GetApiKeyByID(ctx context.Context, id string) (*ApiKey, error)
	PutApiKey(ctx context.Context, k *ApiKey) error

	GetProviderKey(ctx context.Context, orgID, providerID string) (*ProviderKey, error)
	PutProviderKey(ctx context.Context, k *ProviderKey) error

	GetCustomProvider(ctx context.Context, orgID, name string) (*CustomProvider, error)
	PutCustomProvider(ctx context.Context, c *CustomProvider) error

	EnqueueLog(ctx context.Context, l *Log) error
	DequeueLogBatch(ctx context.Context, limit int) ([]*Log, error)
	InsertLogs(ctx context.Context, logs []*Log) error
	UnprocessedLogs(ctx context.Context, limit int) ([]*Log, error)
	MarkLogsProcessed(ctx context.Context, requestIDs []string) error

	PutTransaction(ctx context.Context, t *Transaction) error
	RecentTransaction(ctx context.Context, orgID string, within time.Duration) (*Transaction, error)

	// TryAcquireLock implements the store-level unique-key mutex every
	// background sweep coordinates through: it returns true iff the
	// caller now holds the lock (either it was free, or the previous
	// holder's row is older than ttl and is considered expired).
	TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

const logQueueKey = "relaygate:log_queue"

// RedisStore is the Store implementation backing the gateway's entities
// and its LOG_QUEUE with Redis, following the same "thin client wrapper"
// idiom as redisclient.Client.
type RedisStore struct {
	rdb *redis.Client

	// encryptor, when non-nil, wraps ProviderKey.Token at rest behind a
	// per-organisation data encryption key (see providerKeyDEK).
	encryptor *security.BYOKEncryptor
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// NewRedisStoreWithEncryption wires BYOK-at-rest encryption of stored
// ProviderKey tokens into the store, using masterKeyB64 (a base64-encoded
// 256-bit AES key) to wrap a per-organisation DEK.
func NewRedisStoreWithEncryption(rdb *redis.Client, masterKeyB64 string) (*RedisStore, error) {
	enc, err := security.NewBYOKEncryptor(security.BYOKConfig{Enabled: true, MasterKey: masterKeyB64, KeySource: "env"})
	if err != nil {
		return nil, err
	}
	return &RedisStore{rdb: rdb, encryptor: enc}, nil
}

// providerKeyDEK ensures orgID's data encryption key is generated (and
// persisted, wrapped, on the Organization row) the first time it's needed,
// then loads it into the encryptor's cache for Encrypt/Decrypt calls.
func (s *RedisStore) providerKeyDEK(ctx context.Context, orgID string) error {
	org, err := s.GetOrganization(ctx, orgID)
	if err != nil {
		return err
	}
	if org.EncryptedDEK == "" {
		encDEK, err := s.encryptor.GenerateDEK(orgID)
		if err != nil {
			return err
		}
		org.EncryptedDEK = encDEK
		return s.PutOrganization(ctx, org)
	}
	return s.encryptor.LoadDEK(orgID, org.EncryptedDEK)
}

func key(parts ...string) string {
	out := "relaygate"
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

func (s *RedisStore) getJSON(ctx context.Context, k string, v interface{}) error {
	raw, err := s.rdb.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (s *RedisStore) putJSON(ctx context.Context, k string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, k, raw, 0).Err()
}

func (s *RedisStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var o Organization
	if err := s.getJSON(ctx, key("org", id), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *RedisStore) PutOrganization(ctx context.Context, org *Organization) error {
	return s.putJSON(ctx, key("org", org.ID), org)
}

func (s *RedisStore) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	if err := s.getJSON(ctx, key("project", id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *RedisStore) PutProject(ctx context.Context, p *Project) error {
	return s.putJSON(ctx, key("project", p.ID), p)
}

func (s *RedisStore) GetApiKeyByToken(ctx context.Context, token string) (*ApiKey, error) {
	var k ApiKey
	if err := s.getJSON(ctx, key("apikey", token), &k); err != nil {
		return nil, err
	}
	return &k, nil
}

// GetApiKeyByID resolves a key by its opaque ID via the token index PutApiKey
// maintains, since the primary row is keyed by the bearer token itself (the
// hot lookup path on every request).
func (s *RedisStore) GetApiKeyByID(ctx context.Context, id string) (*ApiKey, error) {
	token, err := s.rdb.Get(ctx, key("apikey_id", id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.GetApiKeyByToken(ctx, token)
}

func (s *RedisStore) PutApiKey(ctx context.Context, k *ApiKey) error {
	if err := s.putJSON(ctx, key("apikey", k.Token), k); err != nil {
		return err
	}
	return s.rdb.Set(ctx, key("apikey_id", k.ID), k.Token, 0).Err()
}

func (s *RedisStore) GetProviderKey(ctx context.Context, orgID, providerID string) (*ProviderKey, error) {
	var pk ProviderKey
	if err := s.getJSON(ctx, key("providerkey", orgID, providerID), &pk); err != nil {
		return nil, err
	}
	if s.encryptor != nil && pk.Token != "" {
		if err := s.providerKeyDEK(ctx, orgID); err != nil {
			return nil, err
		}
		plaintext, err := s.encryptor.Decrypt(orgID, pk.Token)
		if err != nil {
			return nil, err
		}
		pk.Token = string(plaintext)
	}
	return &pk, nil
}

func (s *RedisStore) PutProviderKey(ctx context.Context, k *ProviderKey) error {
	if s.encryptor != nil && k.Token != "" {
		if err := s.providerKeyDEK(ctx, k.OrganizationID); err != nil {
			return err
		}
		ciphertext, err := s.encryptor.Encrypt(k.OrganizationID, []byte(k.Token))
		if err != nil {
			return err
		}
		stored := *k
		stored.Token = ciphertext
		return s.putJSON(ctx, key("providerkey", k.OrganizationID, k.Provider), &stored)
	}
	return s.putJSON(ctx, key("providerkey", k.OrganizationID, k.Provider), k)
}

func (s *RedisStore) GetCustomProvider(ctx context.Context, orgID, name string) (*CustomProvider, error) {
	var c CustomProvider
	if err := s.getJSON(ctx, key("customprovider", orgID, name), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *RedisStore) PutCustomProvider(ctx context.Context, c *CustomProvider) error {
	return s.putJSON(ctx, key("customprovider", c.OrganizationID, c.Name), c)
}

func (s *RedisStore) EnqueueLog(ctx context.Context, l *Log) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return s.rdb.LPush(ctx, logQueueKey, raw).Err()
}

func (s *RedisStore) DequeueLogBatch(ctx context.Context, limit int) ([]*Log, error) {
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, 0, limit)
	for i := 0; i < limit; i++ {
		cmds = append(cmds, pipe.RPop(ctx, logQueueKey))
	}
	_, _ = pipe.Exec(ctx)

	var logs []*Log
	for _, cmd := range cmds {
		raw, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			continue
		}
		var l Log
		if err := json.Unmarshal(raw, &l); err == nil {
			logs = append(logs, &l)
		}
	}
	return logs, nil
}

func (s *RedisStore) InsertLogs(ctx context.Context, logs []*Log) error {
	if len(logs) == 0 {
		return nil
	}
	pipe := s.rdb.Pipeline()
	for _, l := range logs {
		raw, err := json.Marshal(l)
		if err != nil {
			continue
		}
		pipe.Set(ctx, key("log", l.RequestID), raw, 30*24*time.Hour)
		pipe.SAdd(ctx, key("logs", "unprocessed"), l.RequestID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) UnprocessedLogs(ctx context.Context, limit int) ([]*Log, error) {
	ids, err := s.rdb.SMembers(ctx, key("logs", "unprocessed")).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	var logs []*Log
	for _, id := range ids {
		var l Log
		if err := s.getJSON(ctx, key("log", id), &l); err == nil {
			logs = append(logs, &l)
		}
	}
	return logs, nil
}

func (s *RedisStore) MarkLogsProcessed(ctx context.Context, requestIDs []string) error {
	if len(requestIDs) == 0 {
		return nil
	}
	now := time.Now()
	pipe := s.rdb.Pipeline()
	for _, id := range requestIDs {
		var l Log
		if err := s.getJSON(ctx, key("log", id), &l); err == nil {
			l.ProcessedAt = &now
			raw, _ := json.Marshal(l)
			pipe.Set(ctx, key("log", id), raw, 30*24*time.Hour)
		}
		pipe.SRem(ctx, key("logs", "unprocessed"), id)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) PutTransaction(ctx context.Context, t *Transaction) error {
	if err := s.putJSON(ctx, key("transaction", t.ID), t); err != nil {
		return err
	}
	return s.putJSON(ctx, key("transaction", "latest", t.OrganizationID), t)
}

func (s *RedisStore) RecentTransaction(ctx context.Context, orgID string, within time.Duration) (*Transaction, error) {
	var t Transaction
	err := s.getJSON(ctx, key("transaction", "latest", orgID), &t)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if time.Since(t.CreatedAt) > within {
		return nil, nil
	}
	return &t, nil
}

// TryAcquireLock implements withLock's acquire half with SET NX plus a
// TTL: the lock row is its own expiry, so a crashed holder's lock frees
// itself automatically rather than needing a sweeper.
func (s *RedisStore) TryAcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key("lock", lockKey), time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, lockKey string) error {
	return s.rdb.Del(ctx, key("lock", lockKey)).Err()
}
