// Package registry holds the gateway's static provider/model catalogue and
// the selection logic that turns a requested model string into a concrete
// upstream call: which provider, which dialect, which endpoint, and which
// credential to use. It mirrors the shape of provider.Registry (an
// RWMutex-guarded map with a constructor and lookup methods) but operates
// one level up, on ProviderMapping rows rather than live connectors.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relaygate/gateway/dialect"
	"github.com/relaygate/gateway/store"
)

// Model describes one model id as exposed to callers, independent of which
// upstream providers can serve it.
type Model struct {
	ID               string
	DisplayName      string
	Family           string
	SupportsTools    bool
	SupportsVision   bool
	SupportsJSONMode bool
	SupportsReasoning bool
	// DeactivatedAt, once set to a time in the past, makes the model
	// permanently unavailable: Resolve does not read it, but the proxy's
	// admission check (validateCapabilities) rejects the resolved model with
	// a 410 Gone rather than dispatching, whichever provider mapping was
	// chosen.
	DeactivatedAt *time.Time
}

// ProviderMapping is one (provider, model) route: everything C2/C3 need to
// build and price a request without touching the model's own definition.
type ProviderMapping struct {
	ProviderID  string // e.g. "openai", "anthropic", "google-ai-studio", "z-ai"
	ModelID     string
	Dialect     dialect.Dialect
	UpstreamModel string // the model id the upstream API expects, if it differs
	BaseURL     string
	MaxOutput   int

	InputPer1M       float64
	OutputPer1M      float64
	CachedInputPer1M float64
	RequestPrice     float64
	Discount         float64 // 0..1, applied after base cost is computed
	Free             bool

	ReasoningOutput string // "full" | "summary" | "omit"
	ZAIFinishReasonFixup bool
	AutoEligible    bool // may be chosen by the "auto" model alias
}

// Registry is the gateway's catalogue of models and provider routes.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]Model
	mappings map[string][]ProviderMapping // keyed by model ID
}

func New() *Registry {
	return &Registry{
		models:   make(map[string]Model),
		mappings: make(map[string][]ProviderMapping),
	}
}

func (r *Registry) AddModel(m Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.ID] = m
}

func (r *Registry) AddMapping(pm ProviderMapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings[pm.ModelID] = append(r.mappings[pm.ModelID], pm)
}

func (r *Registry) Model(id string) (Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	return m, ok
}

func (r *Registry) MappingsFor(modelID string) []ProviderMapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderMapping, len(r.mappings[modelID]))
	copy(out, r.mappings[modelID])
	return out
}

func (r *Registry) MappingByProvider(modelID, providerID string) (ProviderMapping, bool) {
	for _, pm := range r.MappingsFor(modelID) {
		if pm.ProviderID == providerID {
			return pm, true
		}
	}
	return ProviderMapping{}, false
}

// allAutoEligible returns every mapping flagged eligible for the "auto"
// alias, across all models, sorted cheapest input-price first. Eligibility
// lives on the mapping (configuration), never on a hardcoded model-id list.
func (r *Registry) allAutoEligible() []ProviderMapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ProviderMapping
	for _, rows := range r.mappings {
		for _, pm := range rows {
			if pm.AutoEligible {
				out = append(out, pm)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].InputPer1M < out[j].InputPer1M
	})
	return out
}

// Resolved is the outcome of resolving a requested model string into a
// concrete provider mapping plus the credential to use for it.
type Resolved struct {
	Mapping  ProviderMapping
	Mode     string // "api-keys" | "credits" | "custom"
	APIKey   string
	BaseURL  string
}

// Resolve implements the model-string grammar: "auto", "custom/<name>",
// "<providerId>/<model>", or a bare model id that falls back to the
// cheapest mapping registered for it.
func (r *Registry) Resolve(requested string, project *store.Project, org *store.Organization, keyLookup func(providerID string) (string, string, bool)) (*Resolved, error) {
	switch {
	case requested == "auto":
		candidates := r.allAutoEligible()
		if len(candidates) == 0 {
			return nil, fmt.Errorf("registry: no auto-eligible models configured")
		}
		for _, pm := range candidates {
			if apiKey, baseURL, ok := keyLookup(pm.ProviderID); ok {
				return &Resolved{Mapping: pm, Mode: modeFor(project), APIKey: apiKey, BaseURL: firstNonEmpty(baseURL, pm.BaseURL)}, nil
			}
		}
		return nil, fmt.Errorf("registry: no credential available for any auto-eligible provider")

	case strings.HasPrefix(requested, "custom/"):
		name := strings.TrimPrefix(requested, "custom/")
		return &Resolved{
			Mapping: ProviderMapping{ProviderID: "custom", ModelID: name, Dialect: dialect.DialectOpenAI},
			Mode:    "custom",
		}, nil

	case strings.Contains(requested, "/"):
		parts := strings.SplitN(requested, "/", 2)
		providerID, modelID := parts[0], parts[1]
		pm, ok := r.MappingByProvider(modelID, providerID)
		if !ok {
			return nil, fmt.Errorf("registry: no mapping for provider %q model %q", providerID, modelID)
		}
		apiKey, baseURL, ok := keyLookup(providerID)
		if !ok {
			return nil, fmt.Errorf("registry: no credential for provider %q", providerID)
		}
		return &Resolved{Mapping: pm, Mode: modeFor(project), APIKey: apiKey, BaseURL: firstNonEmpty(baseURL, pm.BaseURL)}, nil

	default:
		rows := r.MappingsFor(requested)
		if len(rows) == 0 {
			return nil, fmt.Errorf("registry: unknown model %q", requested)
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].InputPer1M < rows[j].InputPer1M })
		for _, pm := range rows {
			if apiKey, baseURL, ok := keyLookup(pm.ProviderID); ok {
				return &Resolved{Mapping: pm, Mode: modeFor(project), APIKey: apiKey, BaseURL: firstNonEmpty(baseURL, pm.BaseURL)}, nil
			}
		}
		return nil, fmt.Errorf("registry: no credential available for model %q", requested)
	}
}

func modeFor(project *store.Project) string {
	if project == nil {
		return "credits"
	}
	return project.Mode
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Cost prices one completed call against the mapping's per-1M rates,
// applying the cached-input discount rate and the mapping-level Discount
// multiplier last. A Free mapping always costs zero.
func (pm ProviderMapping) Cost(promptTokens, completionTokens, cachedTokens int) (inputCost, outputCost, cachedCost, total float64) {
	if pm.Free {
		return 0, 0, 0, 0
	}
	billablePrompt := promptTokens - cachedTokens
	if billablePrompt < 0 {
		billablePrompt = 0
	}
	inputCost = float64(billablePrompt) / 1_000_000 * pm.InputPer1M
	outputCost = float64(completionTokens) / 1_000_000 * pm.OutputPer1M
	if pm.CachedInputPer1M > 0 {
		cachedCost = float64(cachedTokens) / 1_000_000 * pm.CachedInputPer1M
	}
	total = inputCost + outputCost + cachedCost
	if pm.Discount > 0 {
		factor := 1 - pm.Discount
		inputCost *= factor
		outputCost *= factor
		cachedCost *= factor
		total *= factor
	}
	return inputCost, outputCost, cachedCost, total
}

// Endpoint builds the upstream URL for a mapping, following each
// provider's own request-shape conventions (Anthropic and OpenAI use a
// fixed path; Google encodes the model and verb into the path and the key
// into the query string).
func Endpoint(pm ProviderMapping, apiKey string, baseURL string, stream bool) string {
	model := firstNonEmpty(pm.UpstreamModel, pm.ModelID)
	base := strings.TrimSuffix(firstNonEmpty(baseURL, pm.BaseURL), "/")

	switch pm.Dialect {
	case dialect.DialectAnthropic:
		return base + "/v1/messages"
	case dialect.DialectGoogle:
		verb := "generateContent"
		if stream {
			verb = "streamGenerateContent"
		}
		return fmt.Sprintf("%s/v1beta/models/%s:%s?key=%s", base, model, verb, apiKey)
	case dialect.DialectOpenAIResponses:
		return base + "/responses"
	default:
		return base + "/chat/completions"
	}
}
