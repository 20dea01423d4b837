package registry

import (
	"testing"

	"github.com/relaygate/gateway/dialect"
	"github.com/relaygate/gateway/store"
)

func anyKey(providerID string) (string, string, bool) {
	return "sk-test", "", true
}

func noKey(providerID string) (string, string, bool) {
	return "", "", false
}

func TestResolveAutoPicksCheapestWithCredential(t *testing.T) {
	r := DefaultCatalogue()
	resolved, err := r.Resolve("auto", nil, nil, anyKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resolved.Mapping.AutoEligible {
		t.Errorf("expected an auto-eligible mapping, got %+v", resolved.Mapping)
	}
	// gemini-2.0-flash-lite is free and flagged auto-eligible, so it should win.
	if resolved.Mapping.ModelID != "gemini-2.0-flash-lite" {
		t.Errorf("expected cheapest auto-eligible model, got %q", resolved.Mapping.ModelID)
	}
}

func TestResolveAutoFailsWithoutCredentials(t *testing.T) {
	r := DefaultCatalogue()
	_, err := r.Resolve("auto", nil, nil, noKey)
	if err == nil {
		t.Fatal("expected an error when no provider credential is available")
	}
}

func TestResolveCustomProvider(t *testing.T) {
	r := DefaultCatalogue()
	resolved, err := r.Resolve("custom/my-endpoint", nil, nil, anyKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Mode != "custom" {
		t.Errorf("expected mode 'custom', got %q", resolved.Mode)
	}
	if resolved.Mapping.ModelID != "my-endpoint" {
		t.Errorf("expected model id 'my-endpoint', got %q", resolved.Mapping.ModelID)
	}
}

func TestResolveExplicitProviderSlashModel(t *testing.T) {
	r := DefaultCatalogue()
	resolved, err := r.Resolve("anthropic/claude-3-opus-20240229", nil, nil, anyKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Mapping.Dialect != dialect.DialectAnthropic {
		t.Errorf("expected anthropic dialect, got %v", resolved.Mapping.Dialect)
	}
}

func TestResolveExplicitProviderUnknownModel(t *testing.T) {
	r := DefaultCatalogue()
	_, err := r.Resolve("anthropic/nonexistent-model", nil, nil, anyKey)
	if err == nil {
		t.Fatal("expected an error for an unknown provider/model pair")
	}
}

func TestResolveBareModelFallsBackToCheapestMapping(t *testing.T) {
	r := DefaultCatalogue()
	resolved, err := r.Resolve("glm-4.5", nil, nil, anyKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Mapping.ProviderID != "zai" {
		t.Errorf("expected provider 'zai', got %q", resolved.Mapping.ProviderID)
	}
	if !resolved.Mapping.ZAIFinishReasonFixup {
		t.Error("expected the z.ai finish_reason fixup flag to be set on this mapping")
	}
}

func TestResolveBareModelUnknown(t *testing.T) {
	r := DefaultCatalogue()
	_, err := r.Resolve("totally-made-up-model", nil, nil, anyKey)
	if err == nil {
		t.Fatal("expected an error for an unknown model")
	}
}

func TestModeForDefaultsToCreditsWithoutProject(t *testing.T) {
	if got := modeFor(nil); got != "credits" {
		t.Errorf("modeFor(nil) = %q, want 'credits'", got)
	}
	p := &store.Project{Mode: "api-keys"}
	if got := modeFor(p); got != "api-keys" {
		t.Errorf("modeFor(project) = %q, want 'api-keys'", got)
	}
}

func TestEndpointAnthropic(t *testing.T) {
	pm := ProviderMapping{Dialect: dialect.DialectAnthropic, BaseURL: "https://api.anthropic.com"}
	got := Endpoint(pm, "sk-1", "", false)
	want := "https://api.anthropic.com/v1/messages"
	if got != want {
		t.Errorf("Endpoint() = %q, want %q", got, want)
	}
}

func TestEndpointGoogleStreamVsNonStream(t *testing.T) {
	pm := ProviderMapping{Dialect: dialect.DialectGoogle, BaseURL: "https://generativelanguage.googleapis.com", ModelID: "gemini-2.0-flash"}

	got := Endpoint(pm, "key123", "", false)
	want := "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent?key=key123"
	if got != want {
		t.Errorf("non-stream Endpoint() = %q, want %q", got, want)
	}

	got = Endpoint(pm, "key123", "", true)
	want = "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:streamGenerateContent?key=key123"
	if got != want {
		t.Errorf("stream Endpoint() = %q, want %q", got, want)
	}
}

func TestEndpointOpenAICompatibleDefault(t *testing.T) {
	pm := ProviderMapping{Dialect: dialect.DialectOpenAI, BaseURL: "https://api.groq.com/openai/v1"}
	got := Endpoint(pm, "sk-1", "", false)
	want := "https://api.groq.com/openai/v1/chat/completions"
	if got != want {
		t.Errorf("Endpoint() = %q, want %q", got, want)
	}
}

func TestEndpointBaseURLOverride(t *testing.T) {
	pm := ProviderMapping{Dialect: dialect.DialectOpenAI, BaseURL: "https://api.openai.com/v1"}
	got := Endpoint(pm, "sk-1", "https://my-proxy.internal/v1", false)
	want := "https://my-proxy.internal/v1/chat/completions"
	if got != want {
		t.Errorf("expected caller-supplied baseURL to win, got %q", got)
	}
}
