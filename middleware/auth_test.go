package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaygate/gateway/store"
)

type fakeStore struct {
	apiKeys map[string]*store.ApiKey
	projects map[string]*store.Project
	orgs     map[string]*store.Organization
}

func newFakeStore() *fakeStore {
	return &fakeStore{apiKeys: map[string]*store.ApiKey{}, projects: map[string]*store.Project{}, orgs: map[string]*store.Organization{}}
}

func (f *fakeStore) GetOrganization(ctx context.Context, id string) (*store.Organization, error) {
	if o, ok := f.orgs[id]; ok {
		return o, nil
	}
	return nil, store.ErrNotFound
}
func (f *fakeStore) PutOrganization(ctx context.Context, org *store.Organization) error {
	f.orgs[org.ID] = org
	return nil
}
func (f *fakeStore) GetProject(ctx context.Context, id string) (*store.Project, error) {
	if p, ok := f.projects[id]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}
func (f *fakeStore) PutProject(ctx context.Context, p *store.Project) error {
	f.projects[p.ID] = p
	return nil
}
func (f *fakeStore) GetApiKeyByToken(ctx context.Context, token string) (*store.ApiKey, error) {
	if k, ok := f.apiKeys[token]; ok {
		return k, nil
	}
	return nil, store.ErrNotFound
}
func (f *fakeStore) PutApiKey(ctx context.Context, k *store.ApiKey) error { f.apiKeys[k.Token] = k; return nil }
func (f *fakeStore) GetApiKeyByID(ctx context.Context, id string) (*store.ApiKey, error) {
	for _, k := range f.apiKeys {
		if k.ID == id {
			return k, nil
		}
	}
	return nil, store.ErrNotFound
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
func (f *fakeStore) UnprocessedLogs(ctx context.Context, limit int) ([]*store.Log, error)  { return nil, nil }
func (f *fakeStore) MarkLogsProcessed(ctx context.Context, requestIDs []string) error      { return nil }
func (f *fakeStore) PutTransaction(ctx context.Context, t *store.Transaction) error        { return nil }
func (f *fakeStore) RecentTransaction(ctx context.Context, orgID string, within time.Duration) (*store.Transaction, error) {
	return nil, nil
}
func (f *fakeStore) TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeStore) ReleaseLock(ctx context.Context, key string) error { return nil }

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestAuthMiddlewareMissingHeader(t *testing.T) {
	am := NewAuthMiddleware(testLogger(), "Authorization", nil, false, false)
	rw := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	called := false
	am.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })).ServeHTTP(rw, req)
	if called {
		t.Fatal("next handler should not be called without an Authorization header")
	}
	if rw.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rw.Code)
	}
}

func TestAuthMiddlewarePassThroughWithoutStore(t *testing.T) {
	am := NewAuthMiddleware(testLogger(), "Authorization", nil, false, false)
	rw := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-test")
	called := false
	am.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })).ServeHTTP(rw, req)
	if !called {
		t.Fatal("next handler should be called in pass-through mode")
	}
}

func TestAuthMiddlewareValidKeyLoadsEntities(t *testing.T) {
	fs := newFakeStore()
	fs.apiKeys["sk-valid"] = &store.ApiKey{ID: "k1", Token: "sk-valid", ProjectID: "p1", Status: "active"}
	fs.projects["p1"] = &store.Project{ID: "p1", OrganizationID: "o1", Mode: "credits"}
	fs.orgs["o1"] = &store.Organization{ID: "o1", Plan: "free", Credits: 100}

	am := NewAuthMiddleware(testLogger(), "Authorization", fs, false, false)
	rw := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-valid")

	var gotProject *store.Project
	am.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotProject = GetProject(r.Context())
	})).ServeHTTP(rw, req)

	if rw.Code != http.StatusOK && rw.Code != 0 {
		// 0 means the handler never called WriteHeader, which is fine.
	}
	if gotProject == nil || gotProject.ID != "p1" {
		t.Fatalf("expected project p1 loaded into context, got %+v", gotProject)
	}
}

func TestAuthMiddlewareDisabledKeyRejected(t *testing.T) {
	fs := newFakeStore()
	fs.apiKeys["sk-disabled"] = &store.ApiKey{ID: "k1", Token: "sk-disabled", ProjectID: "p1", Status: "disabled"}

	am := NewAuthMiddleware(testLogger(), "Authorization", fs, false, false)
	rw := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-disabled")
	am.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not run for a disabled key")
	})).ServeHTTP(rw, req)
	if rw.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rw.Code)
	}
}

func TestAuthMiddlewareUsageLimitExceeded(t *testing.T) {
	limit := 10.0
	fs := newFakeStore()
	fs.apiKeys["sk-over"] = &store.ApiKey{ID: "k1", Token: "sk-over", ProjectID: "p1", Status: "active", Usage: 10, UsageLimit: &limit}
	fs.projects["p1"] = &store.Project{ID: "p1", OrganizationID: "o1"}
	fs.orgs["o1"] = &store.Organization{ID: "o1", Plan: "free"}

	am := NewAuthMiddleware(testLogger(), "Authorization", fs, false, false)
	rw := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-over")
	am.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not run once usage >= usageLimit")
	})).ServeHTTP(rw, req)
	if rw.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rw.Code)
	}
}

func TestAuthMiddlewarePlanGateRejectsNonProOrg(t *testing.T) {
	fs := newFakeStore()
	fs.apiKeys["sk-valid"] = &store.ApiKey{ID: "k1", Token: "sk-valid", ProjectID: "p1", Status: "active"}
	fs.projects["p1"] = &store.Project{ID: "p1", OrganizationID: "o1", Mode: "api-keys"}
	fs.orgs["o1"] = &store.Organization{ID: "o1", Plan: "free"}

	am := NewAuthMiddleware(testLogger(), "Authorization", fs, true, true) // hosted + paid mode
	rw := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-valid")
	req.Header.Set("x-llmgateway-provider-key", "sk-custom")
	am.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not run for a free-plan org using custom headers in hosted+paid mode")
	})).ServeHTTP(rw, req)
	if rw.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402, got %d", rw.Code)
	}
}

func TestAuthMiddlewarePlanGateAllowsProOrg(t *testing.T) {
	fs := newFakeStore()
	fs.apiKeys["sk-valid"] = &store.ApiKey{ID: "k1", Token: "sk-valid", ProjectID: "p1", Status: "active"}
	fs.projects["p1"] = &store.Project{ID: "p1", OrganizationID: "o1", Mode: "api-keys"}
	fs.orgs["o1"] = &store.Organization{ID: "o1", Plan: "pro"}

	am := NewAuthMiddleware(testLogger(), "Authorization", fs, true, true)
	rw := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-valid")
	req.Header.Set("x-llmgateway-provider-key", "sk-custom")
	called := false
	am.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })).ServeHTTP(rw, req)
	if !called {
		t.Error("expected next handler to run for a pro-plan org")
	}
}

func TestAuthMiddlewarePlanGateRejectsApiKeysModeWithoutPro(t *testing.T) {
	fs := newFakeStore()
	fs.apiKeys["sk-valid"] = &store.ApiKey{ID: "k1", Token: "sk-valid", ProjectID: "p1", Status: "active"}
	fs.projects["p1"] = &store.Project{ID: "p1", OrganizationID: "o1", Mode: "api-keys"}
	fs.orgs["o1"] = &store.Organization{ID: "o1", Plan: "free"}

	am := NewAuthMiddleware(testLogger(), "Authorization", fs, true, true)
	rw := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-valid")
	am.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not run for a free-plan org on an api-keys-mode project in hosted+paid mode")
	})).ServeHTTP(rw, req)
	if rw.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402, got %d", rw.Code)
	}
}

func TestAuthMiddlewarePlanGateAllowsCreditsModeWithoutPro(t *testing.T) {
	fs := newFakeStore()
	fs.apiKeys["sk-valid"] = &store.ApiKey{ID: "k1", Token: "sk-valid", ProjectID: "p1", Status: "active"}
	fs.projects["p1"] = &store.Project{ID: "p1", OrganizationID: "o1", Mode: "credits"}
	fs.orgs["o1"] = &store.Organization{ID: "o1", Plan: "free", Credits: 100}

	am := NewAuthMiddleware(testLogger(), "Authorization", fs, true, true)
	rw := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-valid")
	called := false
	am.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })).ServeHTTP(rw, req)
	if !called {
		t.Error("expected next handler to run for a credits-mode project regardless of plan")
	}
}

func TestNormalizeSource(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://www.example.com/app", "example.com/app"},
		{"http://example.com", "example.com"},
		{"my-app_v2", "my-app-v2"}, // underscore is not in the allowed charset
	}
	for _, tc := range tests {
		if got := normalizeSource(tc.in); got != tc.want {
			t.Errorf("normalizeSource(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
