package registry

import "github.com/relaygate/gateway/dialect"

// DefaultCatalogue seeds the registry with the model/provider rows the
// gateway ships with, grounded on the same rates as provider.DefaultPricing.
// AutoEligible is set only on a small, explicitly curated allow-list of
// cheap general-purpose chat models — configuration, not a hardcoded
// model-id check in the request path.
func DefaultCatalogue() *Registry {
	r := New()

	r.AddModel(Model{ID: "gpt-4o", DisplayName: "GPT-4o", Family: "openai", SupportsTools: true, SupportsVision: true, SupportsJSONMode: true})
	r.AddModel(Model{ID: "gpt-4o-mini", DisplayName: "GPT-4o mini", Family: "openai", SupportsTools: true, SupportsVision: true, SupportsJSONMode: true})
	r.AddModel(Model{ID: "o1", DisplayName: "o1", Family: "openai", SupportsTools: true, SupportsReasoning: true})
	r.AddModel(Model{ID: "o1-mini", DisplayName: "o1-mini", Family: "openai", SupportsReasoning: true})
	r.AddModel(Model{ID: "claude-3-5-sonnet-20241022", DisplayName: "Claude 3.5 Sonnet", Family: "anthropic", SupportsTools: true, SupportsVision: true})
	r.AddModel(Model{ID: "claude-3-5-haiku-20241022", DisplayName: "Claude 3.5 Haiku", Family: "anthropic", SupportsTools: true})
	r.AddModel(Model{ID: "claude-3-opus-20240229", DisplayName: "Claude 3 Opus", Family: "anthropic", SupportsTools: true, SupportsVision: true})
	r.AddModel(Model{ID: "gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash", Family: "google", SupportsTools: true, SupportsVision: true})
	r.AddModel(Model{ID: "gemini-1.5-pro", DisplayName: "Gemini 1.5 Pro", Family: "google", SupportsTools: true, SupportsVision: true})
	r.AddModel(Model{ID: "gemini-2.0-flash-lite", DisplayName: "Gemini 2.0 Flash Lite", Family: "google"})
	r.AddModel(Model{ID: "mistral-large-latest", DisplayName: "Mistral Large", Family: "mistral", SupportsTools: true, SupportsJSONMode: true})
	r.AddModel(Model{ID: "glm-4.5", DisplayName: "GLM-4.5", Family: "zai", SupportsTools: true})
	r.AddModel(Model{ID: "llama-3.1-70b-versatile", DisplayName: "Llama 3.1 70B", Family: "groq", SupportsTools: true})

	r.AddMapping(ProviderMapping{
		ProviderID: "openai", ModelID: "gpt-4o", Dialect: dialect.DialectOpenAI,
		BaseURL: "https://api.openai.com/v1", MaxOutput: 16384,
		InputPer1M: 2.50, OutputPer1M: 10.00, ReasoningOutput: "omit",
	})
	r.AddMapping(ProviderMapping{
		ProviderID: "openai", ModelID: "gpt-4o-mini", Dialect: dialect.DialectOpenAI,
		BaseURL: "https://api.openai.com/v1", MaxOutput: 16384,
		InputPer1M: 0.15, OutputPer1M: 0.60, ReasoningOutput: "omit", AutoEligible: true,
	})
	r.AddMapping(ProviderMapping{
		ProviderID: "openai", ModelID: "o1", Dialect: dialect.DialectOpenAIResponses,
		BaseURL: "https://api.openai.com/v1", MaxOutput: 100000,
		InputPer1M: 15.00, OutputPer1M: 60.00, ReasoningOutput: "summary",
	})
	r.AddMapping(ProviderMapping{
		ProviderID: "openai", ModelID: "o1-mini", Dialect: dialect.DialectOpenAIResponses,
		BaseURL: "https://api.openai.com/v1", MaxOutput: 65536,
		InputPer1M: 3.00, OutputPer1M: 12.00, ReasoningOutput: "summary",
	})

	r.AddMapping(ProviderMapping{
		ProviderID: "anthropic", ModelID: "claude-3-5-sonnet-20241022", Dialect: dialect.DialectAnthropic,
		BaseURL: "https://api.anthropic.com", MaxOutput: 8192,
		InputPer1M: 3.00, OutputPer1M: 15.00, ReasoningOutput: "omit",
	})
	r.AddMapping(ProviderMapping{
		ProviderID: "anthropic", ModelID: "claude-3-5-haiku-20241022", Dialect: dialect.DialectAnthropic,
		BaseURL: "https://api.anthropic.com", MaxOutput: 8192,
		InputPer1M: 0.80, OutputPer1M: 4.00, ReasoningOutput: "omit", AutoEligible: true,
	})
	r.AddMapping(ProviderMapping{
		ProviderID: "anthropic", ModelID: "claude-3-opus-20240229", Dialect: dialect.DialectAnthropic,
		BaseURL: "https://api.anthropic.com", MaxOutput: 4096,
		InputPer1M: 15.00, OutputPer1M: 75.00, ReasoningOutput: "omit",
	})

	r.AddMapping(ProviderMapping{
		ProviderID: "google-ai-studio", ModelID: "gemini-2.0-flash", Dialect: dialect.DialectGoogle,
		BaseURL: "https://generativelanguage.googleapis.com", MaxOutput: 8192,
		InputPer1M: 0.10, OutputPer1M: 0.40, ReasoningOutput: "full", AutoEligible: true,
	})
	r.AddMapping(ProviderMapping{
		ProviderID: "google-ai-studio", ModelID: "gemini-1.5-pro", Dialect: dialect.DialectGoogle,
		BaseURL: "https://generativelanguage.googleapis.com", MaxOutput: 8192,
		InputPer1M: 1.25, OutputPer1M: 5.00, ReasoningOutput: "full",
	})
	r.AddMapping(ProviderMapping{
		ProviderID: "google-ai-studio", ModelID: "gemini-2.0-flash-lite", Dialect: dialect.DialectGoogle,
		BaseURL: "https://generativelanguage.googleapis.com", MaxOutput: 8192,
		Free: true, ReasoningOutput: "full", AutoEligible: true,
	})

	r.AddMapping(ProviderMapping{
		ProviderID: "mistral", ModelID: "mistral-large-latest", Dialect: dialect.DialectOpenAI,
		BaseURL: "https://api.mistral.ai/v1", MaxOutput: 8192,
		InputPer1M: 2.00, OutputPer1M: 6.00, ReasoningOutput: "omit",
	})

	// z.ai's glm-4.5 speaks an OpenAI-compatible dialect but has the known
	// tool-result finish_reason quirk; gated by the flag, not the model id.
	r.AddMapping(ProviderMapping{
		ProviderID: "zai", ModelID: "glm-4.5", Dialect: dialect.DialectOpenAI,
		BaseURL: "https://api.z.ai/api/paas/v4", MaxOutput: 8192,
		InputPer1M: 0.60, OutputPer1M: 2.20, ReasoningOutput: "omit",
		ZAIFinishReasonFixup: true,
	})

	r.AddMapping(ProviderMapping{
		ProviderID: "groq", ModelID: "llama-3.1-70b-versatile", Dialect: dialect.DialectOpenAI,
		BaseURL: "https://api.groq.com/openai/v1", MaxOutput: 8192,
		InputPer1M: 0.59, OutputPer1M: 0.79, ReasoningOutput: "omit", AutoEligible: true,
	})

	return r
}
