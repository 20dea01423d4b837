package handler

import (
	"testing"
	"time"

	"github.com/relaygate/gateway/provider"
	"github.com/relaygate/gateway/registry"
	"github.com/relaygate/gateway/store"
)

func newTestProxyHandler() *ProxyHandler {
	reg := registry.New()
	reg.AddModel(registry.Model{ID: "gpt-4o", SupportsTools: true, SupportsJSONMode: true})
	reg.AddModel(registry.Model{ID: "o1", SupportsReasoning: true})
	past := time.Now().Add(-time.Hour)
	reg.AddModel(registry.Model{ID: "retired-model", DeactivatedAt: &past})
	return &ProxyHandler{modelRegistry: reg}
}

func mapping(modelID string) registry.ProviderMapping {
	return registry.ProviderMapping{ProviderID: "openai", ModelID: modelID, MaxOutput: 4096}
}

func TestValidateCapabilitiesRejectsJSONModeOnUnsupportedModel(t *testing.T) {
	h := newTestProxyHandler()
	req := &provider.ChatRequest{Model: "o1", ResponseFormat: &provider.ResponseFormat{Type: "json_object"}}
	resolved := &registry.Resolved{Mapping: mapping("o1"), Mode: "credits"}
	if gerr := h.validateCapabilities(req, resolved); gerr == nil {
		t.Fatal("expected response_format=json_object to be rejected on a model without SupportsJSONMode")
	}
}

func TestValidateCapabilitiesAllowsJSONModeOnSupportedModel(t *testing.T) {
	h := newTestProxyHandler()
	req := &provider.ChatRequest{Model: "gpt-4o", ResponseFormat: &provider.ResponseFormat{Type: "json_object"}}
	resolved := &registry.Resolved{Mapping: mapping("gpt-4o"), Mode: "credits"}
	if gerr := h.validateCapabilities(req, resolved); gerr != nil {
		t.Fatalf("unexpected rejection: %v", gerr)
	}
}

func TestValidateCapabilitiesRejectsReasoningEffortOnNonReasoningModel(t *testing.T) {
	h := newTestProxyHandler()
	req := &provider.ChatRequest{Model: "gpt-4o", ReasoningEffort: "high"}
	resolved := &registry.Resolved{Mapping: mapping("gpt-4o"), Mode: "credits"}
	if gerr := h.validateCapabilities(req, resolved); gerr == nil {
		t.Fatal("expected reasoning_effort to be rejected on a non-reasoning model")
	}
}

func TestValidateCapabilitiesAllowsReasoningEffortOnReasoningModel(t *testing.T) {
	h := newTestProxyHandler()
	req := &provider.ChatRequest{Model: "o1", ReasoningEffort: "low"}
	resolved := &registry.Resolved{Mapping: mapping("o1"), Mode: "credits"}
	if gerr := h.validateCapabilities(req, resolved); gerr != nil {
		t.Fatalf("unexpected rejection: %v", gerr)
	}
}

func TestValidateCapabilitiesRejectsDeactivatedModel(t *testing.T) {
	h := newTestProxyHandler()
	req := &provider.ChatRequest{Model: "retired-model"}
	resolved := &registry.Resolved{Mapping: mapping("retired-model"), Mode: "credits"}
	gerr := h.validateCapabilities(req, resolved)
	if gerr == nil {
		t.Fatal("expected deactivated model to be rejected")
	}
	if gerr.StatusCode != 410 {
		t.Errorf("expected a 410 Gone, got %d", gerr.StatusCode)
	}
}

func TestValidateCapabilitiesSkipsChecksForCustomProviders(t *testing.T) {
	h := newTestProxyHandler()
	req := &provider.ChatRequest{Model: "custom/foo", ReasoningEffort: "high", ResponseFormat: &provider.ResponseFormat{Type: "json_object"}}
	resolved := &registry.Resolved{Mapping: registry.ProviderMapping{ProviderID: "custom", ModelID: "foo"}, Mode: "custom"}
	if gerr := h.validateCapabilities(req, resolved); gerr != nil {
		t.Fatalf("expected custom providers to bypass catalogue checks, got %v", gerr)
	}
}

func TestCheckCreditsRejectsZeroBalanceInCreditsMode(t *testing.T) {
	resolved := &registry.Resolved{Mapping: mapping("gpt-4o"), Mode: "credits"}
	org := &store.Organization{ID: "o1", Credits: 0}
	if gerr := checkCredits(resolved, org); gerr == nil {
		t.Fatal("expected a 402 for a credits-mode org with zero balance")
	} else if gerr.StatusCode != 402 {
		t.Errorf("expected 402, got %d", gerr.StatusCode)
	}
}

func TestCheckCreditsAllowsPositiveBalance(t *testing.T) {
	resolved := &registry.Resolved{Mapping: mapping("gpt-4o"), Mode: "credits"}
	org := &store.Organization{ID: "o1", Credits: 50}
	if gerr := checkCredits(resolved, org); gerr != nil {
		t.Fatalf("unexpected rejection: %v", gerr)
	}
}

func TestCheckCreditsIgnoresNonCreditsMode(t *testing.T) {
	resolved := &registry.Resolved{Mapping: mapping("gpt-4o"), Mode: "api-keys"}
	org := &store.Organization{ID: "o1", Credits: 0}
	if gerr := checkCredits(resolved, org); gerr != nil {
		t.Fatalf("expected api-keys mode to bypass the credits gate, got %v", gerr)
	}
}

func TestCheckCreditsIgnoresFreeModels(t *testing.T) {
	m := mapping("gpt-4o")
	m.Free = true
	resolved := &registry.Resolved{Mapping: m, Mode: "credits"}
	org := &store.Organization{ID: "o1", Credits: 0}
	if gerr := checkCredits(resolved, org); gerr != nil {
		t.Fatalf("expected free models to bypass the credits gate, got %v", gerr)
	}
}

func TestResolveModelRejectsCustomProviderInCreditsMode(t *testing.T) {
	h := &ProxyHandler{store: nil}
	project := &store.Project{ID: "p1", Mode: "credits"}
	org := &store.Organization{ID: "o1"}
	h.store = fakeProxyStore{}
	_, gerr := h.resolveModel(nil, &provider.ChatRequest{Model: "custom/myprovider"}, project, org)
	if gerr == nil {
		t.Fatal("expected custom providers to be rejected in credits mode")
	}
}

type fakeProxyStore struct {
	store.Store
}
