
package metering

import (
	"context"
	"testing"
	"time"

	"github.com/relaygate/gateway/config"
	"github.com/relaygate/gateway/store"
)

func TestCalculateFeesAppliesStripeRateAndSurcharge(t *testing.T) {
	fee, total := calculateFees(100)
	wantFee := 100*stripeFeePercent + stripeFeeFixed + 100*internationalSurcharge
	if fee != wantFee {
		t.Errorf("expected fee %.4f, got %.4f", wantFee, fee)
	}
	if total != 100+wantFee {
		t.Errorf("expected total %.4f, got %.4f", 100+wantFee, total)
	}
}

func TestCalculateFeesZeroAmount(t *testing.T) {
	fee, total := calculateFees(0)
	if fee != stripeFeeFixed {
		t.Errorf("expected a zero-amount top-up to still carry the flat fee, got %.4f", fee)
	}
	if total != fee {
		t.Errorf("expected total to equal the flat fee alone, got %.4f", total)
	}
}

// fakeStore is a minimal in-memory store.Store covering only what
// batchProcessLogs touches.
type fakeStore struct {
	orgs          map[string]*store.Organization
	keys          map[string]*store.ApiKey
	unprocessed   []*store.Log
	processedIDs  []string
	locksHeld     map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orgs:      make(map[string]*store.Organization),
		keys:      make(map[string]*store.ApiKey),
		locksHeld: make(map[string]bool),
	}
}

func (f *fakeStore) GetOrganization(ctx context.Context, id string) (*store.Organization, error) {
	o, ok := f.orgs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return o, nil
}
func (f *fakeStore) PutOrganization(ctx context.Context, org *store.Organization) error {
	f.orgs[org.ID] = org
	return nil
}
func (f *fakeStore) GetProject(ctx context.Context, id string) (*store.Project, error) { return nil, store.ErrNotFound }
func (f *fakeStore) PutProject(ctx context.Context, p *store.Project) error             { return nil }
func (f *fakeStore) GetApiKeyByToken(ctx context.Context, token string) (*store.ApiKey, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) GetApiKeyByID(ctx context.Context, id string) (*store.ApiKey, error) {
	k, ok := f.keys[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return k, nil
}
func (f *fakeStore) PutApiKey(ctx context.Context, k *store.ApiKey) error {
	f.keys[k.ID] = k
	return nil
}
func (f *fakeStore) GetProviderKey(ctx context.Context, orgID, providerID string) (*store.ProviderKey, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) PutProviderKey(ctx context.Context, k *store.ProviderKey) error { return nil }
func (f *fakeStore) GetCustomProvider(ctx context.Context, orgID, name string) (*store.CustomProvider, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) PutCustomProvider(ctx context.Context, c *store.CustomProvider) error { return nil }
func (f *fakeStore) EnqueueLog(ctx context.Context, l *store.Log) error                   { return nil }
func (f *fakeStore) DequeueLogBatch(ctx context.Context, limit int) ([]*store.Log, error) { return nil, nil }
func (f *fakeStore) InsertLogs(ctx context.Context, logs []*store.Log) error               { return nil }
func (f *fakeStore) UnprocessedLogs(ctx context.Context, limit int) ([]*store.Log, error) {
	return f.unprocessed, nil
}
func (f *fakeStore) MarkLogsProcessed(ctx context.Context, requestIDs []string) error {
	f.processedIDs = append(f.processedIDs, requestIDs...)
	return nil
}
func (f *fakeStore) PutTransaction(ctx context.Context, t *store.Transaction) error { return nil }
func (f *fakeStore) RecentTransaction(ctx context.Context, orgID string, within time.Duration) (*store.Transaction, error) {
	return nil, nil
}
func (f *fakeStore) TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if f.locksHeld[key] {
		return false, nil
	}
	f.locksHeld[key] = true
	return true, nil
}
func (f *fakeStore) ReleaseLock(ctx context.Context, key string) error {
	delete(f.locksHeld, key)
	return nil
}

func TestBatchProcessLogsDeductsCreditsAndAccruesKeyUsage(t *testing.T) {
	fs := newFakeStore()
	fs.orgs["org_1"] = &store.Organization{ID: "org_1", Credits: 10}
	fs.keys["key_1"] = &store.ApiKey{ID: "key_1", Token: "tok_1"}
	fs.unprocessed = []*store.Log{
		{RequestID: "req_1", OrganizationID: "org_1", ApiKeyID: "key_1", UsedMode: "credits", Cost: 1.5},
		{RequestID: "req_2", OrganizationID: "org_1", ApiKeyID: "key_1", UsedMode: "credits", Cost: 0.5},
	}

	w := &Worker{store: fs, cfg: &config.Config{}}
	if err := w.batchProcessLogs(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := fs.orgs["org_1"].Credits; got != 8 {
		t.Errorf("expected org credits deducted to 8, got %v", got)
	}
	if got := fs.keys["key_1"].Usage; got != 2 {
		t.Errorf("expected key usage accrued to 2, got %v", got)
	}
	if len(fs.processedIDs) != 2 {
		t.Errorf("expected both logs marked processed, got %v", fs.processedIDs)
	}
	if _, touched := w.lastTouchedOrgs["org_1"]; !touched {
		t.Errorf("expected org_1 recorded as touched for the auto top-up pass")
	}
}

func TestBatchProcessLogsSkipsCachedAndNonCreditLogs(t *testing.T) {
	fs := newFakeStore()
	fs.orgs["org_1"] = &store.Organization{ID: "org_1", Credits: 10}
	fs.unprocessed = []*store.Log{
		{RequestID: "req_1", OrganizationID: "org_1", UsedMode: "credits", Cost: 5, Cached: true},
		{RequestID: "req_2", OrganizationID: "org_1", UsedMode: "api-keys", Cost: 5},
	}

	w := &Worker{store: fs, cfg: &config.Config{}}
	if err := w.batchProcessLogs(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fs.orgs["org_1"].Credits; got != 10 {
		t.Errorf("expected cached/non-credits logs to leave credits untouched, got %v", got)
	}
}
