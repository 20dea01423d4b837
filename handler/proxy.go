
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaygate/gateway/caching"
	"github.com/relaygate/gateway/config"
	"github.com/relaygate/gateway/dialect"
	"github.com/relaygate/gateway/gwcontext"
	"github.com/relaygate/gateway/gwerrors"
	"github.com/relaygate/gateway/middleware"
	"github.com/relaygate/gateway/provider"
	"github.com/relaygate/gateway/registry"
	"github.com/relaygate/gateway/security"
	"github.com/relaygate/gateway/store"
)

// maxUpstreamBodyBytes caps how much of an upstream non-streaming response
// the handler will buffer before giving up, mirroring the framer's own
// overflow cap so one misbehaving provider can't exhaust gateway memory.
const maxUpstreamBodyBytes = 10 * 1024 * 1024

// ProxyHandler is the C2/C3/C4 pipeline: it resolves a requested model to a
// concrete provider mapping and credential, builds the upstream request in
// that provider's dialect, executes it, and normalises the result back into
// the canonical chat-completions schema — consulting the fingerprint cache
// first and enqueueing a usage Log on the way out.
type ProxyHandler struct {
	logger zerolog.Logger

	// legacyRegistry still backs Models/ProviderHealth/Embeddings and the
	// dry-run estimator, none of which go through model resolution.
	legacyRegistry *provider.Registry

	modelRegistry *registry.Registry
	store         store.Store // nil disables caching, BYOK lookup, and usage logging
	cfg           *config.Config
	httpClient    *http.Client
	respCache     *caching.FingerprintCache
	streamCache   *caching.StreamingCache

	// vault resolves the gateway's own provider credentials through Vault
	// instead of the static cfg.ProviderAPIKeys map, when configured.
	vault *security.VaultClient
}

// NewProxyHandler creates a new proxy handler.
func NewProxyHandler(
	logger zerolog.Logger,
	legacyRegistry *provider.Registry,
	modelRegistry *registry.Registry,
	st store.Store,
	cfg *config.Config,
	respCache *caching.FingerprintCache,
	streamCache *caching.StreamingCache,
	httpClient *http.Client,
) *ProxyHandler {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	var vault *security.VaultClient
	if cfg != nil {
		vault = security.NewVaultClient(security.VaultConfig{
			Enabled:   cfg.VaultEnabled,
			Address:   cfg.VaultAddress,
			Token:     cfg.VaultToken,
			MountPath: cfg.VaultMountPath,
			Namespace: cfg.VaultNamespace,
		})
	}
	return &ProxyHandler{
		logger:         logger,
		legacyRegistry: legacyRegistry,
		modelRegistry:  modelRegistry,
		store:          st,
		cfg:            cfg,
		httpClient:     httpClient,
		respCache:      respCache,
		streamCache:    streamCache,
		vault:          vault,
	}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *ProxyHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := requestIDFrom(r)
	rc := gwcontext.New(r.Context(), reqID, r.Header.Get("X-Relaygate-Debug") == "true")

	var req provider.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerrors.InvalidRequest("failed to parse request body: " + err.Error()).WriteJSON(w)
		return
	}
	if gerr := validateChatRequest(&req); gerr != nil {
		gerr.WriteJSON(w)
		return
	}

	if r.Header.Get("X-Relaygate-DryRun") == "true" {
		h.handleDryRun(w, &req)
		return
	}

	project := middleware.GetProject(r.Context())
	org := middleware.GetOrganization(r.Context())
	apiKeyRow := middleware.GetApiKeyRow(r.Context())

	resolved, gerr := h.resolveModel(rc.Context(), &req, project, org)
	if gerr != nil {
		gerr.WriteJSON(w)
		return
	}
	if gerr := h.validateCapabilities(&req, resolved); gerr != nil {
		gerr.WriteJSON(w)
		return
	}
	if gerr := checkCredits(resolved, org); gerr != nil {
		gerr.WriteJSON(w)
		return
	}
	if gerr := h.checkHybridPlanGate(rc.Context(), resolved, project, org); gerr != nil {
		gerr.WriteJSON(w)
		return
	}

	h.logger.Info().
		Str("req_id", reqID).
		Str("requested_model", req.Model).
		Str("provider", resolved.Mapping.ProviderID).
		Str("mode", resolved.Mode).
		Bool("stream", req.Stream).
		Int("messages", len(req.Messages)).
		Msg("proxying chat completion")

	if req.Stream {
		h.handleStreamingChat(rc, w, &req, resolved, project, org, apiKeyRow, start)
	} else {
		h.handleNonStreamingChat(rc, w, &req, resolved, project, org, apiKeyRow, start)
	}
}

func validateChatRequest(req *provider.ChatRequest) *gwerrors.GatewayError {
	if req.Model == "" {
		return gwerrors.InvalidParam("model", "model field is required")
	}
	if len(req.Messages) == 0 {
		return gwerrors.InvalidParam("messages", "messages field is required and must not be empty")
	}
	if len(req.Tools) > 0 {
		if err := provider.ValidateToolDefinitions(req.Tools); err != nil {
			return gwerrors.InvalidParam("tools", err.Error())
		}
	}
	return nil
}

// resolveModel implements the custom/<name> branch directly against the
// store (the pure registry package has no store access), and otherwise
// defers to registry.Resolve for the auto/explicit/bare-id grammar.
func (h *ProxyHandler) resolveModel(ctx context.Context, req *provider.ChatRequest, project *store.Project, org *store.Organization) (*registry.Resolved, *gwerrors.GatewayError) {
	if strings.HasPrefix(req.Model, "custom/") {
		name := strings.TrimPrefix(req.Model, "custom/")
		if h.store == nil || org == nil {
			return nil, gwerrors.InvalidParam("model", "custom providers require an authenticated organization")
		}
		if project != nil && project.Mode == "credits" {
			return nil, gwerrors.InvalidParam("model", "custom providers are not available in credits mode")
		}
		cp, err := h.store.GetCustomProvider(ctx, org.ID, name)
		if err != nil {
			return nil, gwerrors.InvalidParam("model", fmt.Sprintf("unknown custom provider %q", name))
		}
		return &registry.Resolved{
			Mapping: registry.ProviderMapping{ProviderID: "custom", ModelID: name, Dialect: dialect.DialectOpenAI, BaseURL: cp.BaseURL},
			Mode:    "custom", APIKey: cp.Token, BaseURL: cp.BaseURL,
		}, nil
	}

	resolved, err := h.modelRegistry.Resolve(req.Model, project, org, h.keyLookup(ctx, org))
	if err != nil {
		return nil, gwerrors.InvalidParam("model", err.Error())
	}
	return resolved, nil
}

// keyLookup checks an organisation's own BYOK credential first ("api-keys"
// mode), then the gateway's own credential for "credits" mode — resolved
// through Vault when configured, the static env-sourced map otherwise —
// keyed by the same provider id every source uses.
func (h *ProxyHandler) keyLookup(ctx context.Context, org *store.Organization) func(providerID string) (string, string, bool) {
	return func(providerID string) (string, string, bool) {
		if h.store != nil && org != nil {
			if pk, err := h.store.GetProviderKey(ctx, org.ID, providerID); err == nil && pk.Status == "active" {
				return pk.Token, pk.BaseURL, true
			}
		}
		if h.vault != nil && h.cfg != nil && h.cfg.VaultEnabled {
			if key, err := h.vault.GetProviderKey(ctx, providerID); err == nil && key != "" {
				return key, "", true
			}
		}
		if h.cfg != nil {
			if key, ok := h.cfg.ProviderAPIKeys[providerID]; ok && key != "" {
				return key, "", true
			}
		}
		return "", "", false
	}
}

// validateCapabilities enforces the catalogue-derived admission checks that
// need the parsed request body and resolved mapping: max_tokens bounded by
// the provider's own output ceiling, tool calls only routed to models that
// advertise tool support, response_format=json_object restricted to models
// that advertise JSON mode, reasoning_effort restricted to reasoning-capable
// models, and deactivated models rejected outright. Custom providers carry
// no catalogue entry and are trusted as-is, same as any other pass-through
// endpoint.
func (h *ProxyHandler) validateCapabilities(req *provider.ChatRequest, resolved *registry.Resolved) *gwerrors.GatewayError {
	if resolved.Mode == "custom" {
		return nil
	}
	if req.MaxTokens != nil && resolved.Mapping.MaxOutput > 0 && *req.MaxTokens > resolved.Mapping.MaxOutput {
		return gwerrors.InvalidParam("max_tokens", fmt.Sprintf("max_tokens %d exceeds %s's limit of %d", *req.MaxTokens, resolved.Mapping.ModelID, resolved.Mapping.MaxOutput))
	}
	model, haveModel := h.modelRegistry.Model(resolved.Mapping.ModelID)
	if len(req.Tools) > 0 {
		if haveModel && !model.SupportsTools {
			return gwerrors.InvalidParam("tools", fmt.Sprintf("%s does not support tool calls", resolved.Mapping.ModelID))
		}
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		if haveModel && !model.SupportsJSONMode {
			return gwerrors.InvalidParam("response_format", fmt.Sprintf("%s does not support JSON output mode", resolved.Mapping.ModelID))
		}
	}
	if req.ReasoningEffort != "" {
		if haveModel && !model.SupportsReasoning {
			return gwerrors.InvalidParam("reasoning_effort", fmt.Sprintf("%s is not a reasoning-capable model", resolved.Mapping.ModelID))
		}
	}
	if haveModel && model.DeactivatedAt != nil && model.DeactivatedAt.Before(time.Now()) {
		return gwerrors.Gone(fmt.Sprintf("%s has been deactivated", resolved.Mapping.ModelID))
	}
	return nil
}

// checkCredits enforces the credits-mode payment gate: a project running in
// pure credits mode against a non-free model needs a positive organisation
// balance before the gateway will dispatch the call.
func checkCredits(resolved *registry.Resolved, org *store.Organization) *gwerrors.GatewayError {
	if resolved.Mode != "credits" || resolved.Mapping.Free {
		return nil
	}
	if org != nil && org.Credits <= 0 {
		return gwerrors.PaymentRequired("organization has insufficient credits")
	}
	return nil
}

// checkHybridPlanGate enforces the hosted+paid-mode plan requirement for
// hybrid projects: bringing your own provider key only requires plan=pro
// once an organisation-owned key is actually in play for the resolved
// provider — falling back to the gateway's own credential does not. Plain
// api-keys mode is gated unconditionally in middleware.AuthMiddleware,
// before the request body (and therefore the resolved provider) is known.
func (h *ProxyHandler) checkHybridPlanGate(ctx context.Context, resolved *registry.Resolved, project *store.Project, org *store.Organization) *gwerrors.GatewayError {
	if h.cfg == nil || !h.cfg.Hosted || !h.cfg.PaidMode {
		return nil
	}
	if project == nil || project.Mode != "hybrid" || org == nil || org.Plan == "pro" {
		return nil
	}
	if h.store == nil {
		return nil
	}
	if pk, err := h.store.GetProviderKey(ctx, org.ID, resolved.Mapping.ProviderID); err == nil && pk.Status == "active" {
		return gwerrors.PaymentRequired("bringing your own provider key requires a pro plan")
	}
	return nil
}

func (h *ProxyHandler) emitReasoning(resolved *registry.Resolved) bool {
	return resolved.Mapping.ReasoningOutput != "" && resolved.Mapping.ReasoningOutput != "omit"
}

func lastTurnWasToolResult(messages []provider.ChatMessage) bool {
	if len(messages) == 0 {
		return false
	}
	return messages[len(messages)-1].Role == "tool"
}

// buildUpstreamRequest applies each dialect's own auth convention: Anthropic
// uses a dedicated header pair, Google carries its key in the query string
// registry.Endpoint already built, everything else is bearer-token auth.
func (h *ProxyHandler) buildUpstreamRequest(ctx context.Context, resolved *registry.Resolved, body []byte, stream bool) (*http.Request, error) {
	url := registry.Endpoint(resolved.Mapping, resolved.APIKey, resolved.BaseURL, stream)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch resolved.Mapping.Dialect {
	case dialect.DialectAnthropic:
		req.Header.Set("x-api-key", resolved.APIKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	case dialect.DialectGoogle:
		// credential already embedded in the URL by registry.Endpoint
	default:
		req.Header.Set("Authorization", "Bearer "+resolved.APIKey)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

// handleNonStreamingChat drives C4 (cache lookup) -> C3 (request build) ->
// upstream fetch -> C3 (response parse) -> C4 (cache store) -> C5 (log).
func (h *ProxyHandler) handleNonStreamingChat(
	rc *gwcontext.RequestContext, w http.ResponseWriter, req *provider.ChatRequest,
	resolved *registry.Resolved, project *store.Project, org *store.Organization, apiKeyRow *store.ApiKey,
	start time.Time,
) {
	cacheable := h.respCache != nil && project != nil && project.CachingEnabled
	var cacheKey string
	if cacheable {
		cacheKey = caching.Fingerprint(req)
		if body, ok := h.respCache.Get(cacheKey); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Relaygate-Cache", "hit")
			w.Header().Set("X-Relaygate-Model", resolved.Mapping.ProviderID+"/"+resolved.Mapping.ModelID)
			_, _ = w.Write(body)
			h.logCachedHit(rc, req, resolved, project, org, apiKeyRow, start, len(body))
			return
		}
	}

	reqOpts := dialect.RequestOptions{
		ProviderID: resolved.Mapping.ProviderID, SupportsReasoning: h.emitReasoning(resolved),
		HasToolCallTurn: lastTurnWasToolResult(req.Messages), MaxOutputTokens: resolved.Mapping.MaxOutput,
	}
	body, err := dialect.PrepareRequestBody(resolved.Mapping.Dialect, req, reqOpts)
	if err != nil {
		h.failAndLog(rc, gwerrors.GatewayFailure("failed to build upstream request: "+err.Error()), req, resolved, project, org, apiKeyRow, start, false)
		return
	}

	httpReq, err := h.buildUpstreamRequest(rc.Context(), resolved, body, false)
	if err != nil {
		h.failAndLog(rc, gwerrors.GatewayFailure("failed to construct upstream request: "+err.Error()), req, resolved, project, org, apiKeyRow, start, false)
		return
	}

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		h.failAndLog(rc, gwerrors.UpstreamError("upstream request failed: "+err.Error()), req, resolved, project, org, apiKeyRow, start, rc.Canceled())
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBodyBytes))
	if err != nil {
		h.failAndLog(rc, gwerrors.UpstreamError("failed to read upstream response: "+err.Error()), req, resolved, project, org, apiKeyRow, start, false)
		return
	}

	if resp.StatusCode >= 400 {
		gerr := classifyUpstreamStatus(resp.StatusCode, raw)
		h.failAndLog(rc, gerr, req, resolved, project, org, apiKeyRow, start, false)
		return
	}

	parseOpts := dialect.ParseOptions{
		ProviderID: resolved.Mapping.ProviderID, EmitReasoning: h.emitReasoning(resolved),
		LastTurnWasToolResult: lastTurnWasToolResult(req.Messages), ZAIFinishReasonFixup: resolved.Mapping.ZAIFinishReasonFixup,
		InputMessages: req.Messages,
	}
	chatResp, err := dialect.ParseResponse(resolved.Mapping.Dialect, raw, parseOpts)
	if err != nil {
		h.failAndLog(rc, gwerrors.JSONParseError("failed to parse upstream response: "+err.Error()), req, resolved, project, org, apiKeyRow, start, false)
		return
	}
	chatResp.Model = req.Model

	respBytes, err := json.Marshal(chatResp)
	if err != nil {
		h.failAndLog(rc, gwerrors.GatewayFailure("failed to encode response: "+err.Error()), req, resolved, project, org, apiKeyRow, start, false)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Relaygate-Model", resolved.Mapping.ProviderID+"/"+resolved.Mapping.ModelID)
	w.Header().Set("X-Relaygate-Latency-Ms", fmt.Sprintf("%d", time.Since(start).Milliseconds()))
	_, _ = w.Write(respBytes)

	if cacheable {
		h.respCache.Put(cacheKey, respBytes, caching.ClampTTL(time.Duration(project.CacheDurationSeconds)*time.Second))
	}

	h.logger.Info().
		Str("req_id", rc.RequestID).
		Str("provider", resolved.Mapping.ProviderID).
		Str("model", resolved.Mapping.ModelID).
		Int("prompt_tokens", chatResp.Usage.PromptTokens).
		Int("completion_tokens", chatResp.Usage.CompletionTokens).
		Int64("latency_ms", time.Since(start).Milliseconds()).
		Msg("chat completion success")

	h.enqueueLog(rc, buildSuccessLog(rc, req, resolved, project, org, apiKeyRow, chatResp, time.Since(start), len(respBytes), false, false))
}

// classifyUpstreamStatus maps an upstream HTTP failure to the gateway's
// error taxonomy: 4xx bodies pass through verbatim (the caller likely sent
// something the provider itself is best positioned to explain), 5xx bodies
// are wrapped as an opaque upstream failure.
func classifyUpstreamStatus(status int, raw []byte) *gwerrors.GatewayError {
	if status >= 500 {
		return gwerrors.UpstreamError(fmt.Sprintf("upstream returned %d", status))
	}
	return gwerrors.ClientError(status, raw)
}

func (h *ProxyHandler) failAndLog(
	rc *gwcontext.RequestContext, gerr *gwerrors.GatewayError, req *provider.ChatRequest, resolved *registry.Resolved,
	project *store.Project, org *store.Organization, apiKeyRow *store.ApiKey, start time.Time, canceled bool,
) {
	h.logger.Error().Str("req_id", rc.RequestID).Str("provider", resolved.Mapping.ProviderID).
		Str("model", req.Model).Err(gerr).Msg("chat completion failed")
	h.enqueueLog(rc, buildErrorLog(rc, req, resolved, project, org, apiKeyRow, gerr, time.Since(start), canceled))
}

// handleStreamingChat drives the same pipeline but relays a decoded SSE
// stream chunk by chunk, synthesising a final usage frame via the dialect
// adapter when the upstream never reports one.
func (h *ProxyHandler) handleStreamingChat(
	rc *gwcontext.RequestContext, w http.ResponseWriter, req *provider.ChatRequest,
	resolved *registry.Resolved, project *store.Project, org *store.Organization, apiKeyRow *store.ApiKey,
	start time.Time,
) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.failAndLog(rc, gwerrors.GatewayFailure("streaming not supported by server"), req, resolved, project, org, apiKeyRow, start, false)
		return
	}

	cacheable := h.streamCache != nil && project != nil && project.CachingEnabled
	var cacheKey string
	if cacheable {
		cacheKey = caching.Fingerprint(req)
		if entry, ok := h.streamCache.Get(cacheKey); ok {
			h.replayStreamFromCache(rc, w, flusher, entry, req, resolved, project, org, apiKeyRow, start)
			return
		}
	}

	reqOpts := dialect.RequestOptions{
		ProviderID: resolved.Mapping.ProviderID, SupportsReasoning: h.emitReasoning(resolved),
		HasToolCallTurn: lastTurnWasToolResult(req.Messages), MaxOutputTokens: resolved.Mapping.MaxOutput,
	}
	body, err := dialect.PrepareRequestBody(resolved.Mapping.Dialect, req, reqOpts)
	if err != nil {
		h.failAndLog(rc, gwerrors.GatewayFailure("failed to build upstream request: "+err.Error()), req, resolved, project, org, apiKeyRow, start, false)
		return
	}

	httpReq, err := h.buildUpstreamRequest(rc.Context(), resolved, body, true)
	if err != nil {
		h.failAndLog(rc, gwerrors.GatewayFailure("failed to construct upstream request: "+err.Error()), req, resolved, project, org, apiKeyRow, start, false)
		return
	}

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		h.failAndLog(rc, gwerrors.UpstreamError("upstream streaming request failed: "+err.Error()), req, resolved, project, org, apiKeyRow, start, rc.Canceled())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBodyBytes))
		h.failAndLog(rc, classifyUpstreamStatus(resp.StatusCode, raw), req, resolved, project, org, apiKeyRow, start, false)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Relaygate-Model", resolved.Mapping.ProviderID+"/"+resolved.Mapping.ModelID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	adapter := dialect.NewStreamAdapter(resolved.Mapping.Dialect, req.Model, resolved.Mapping.ProviderID, req.Messages, h.emitReasoning(resolved))
	adapter.SetZAIFixup(resolved.Mapping.ZAIFinishReasonFixup, lastTurnWasToolResult(req.Messages))

	result := streamChatToClient(rc.Context(), w, flusher, resp.Body, adapter, h.logger)

	if cacheable && result.Finished && !result.Metrics.ClientDisconnect && len(result.Captured) > 0 {
		chunks := make([]caching.StreamChunk, len(result.Captured))
		for i, c := range result.Captured {
			chunks[i] = caching.StreamChunk{Data: c.Data, Timestamp: c.Timestamp}
		}
		h.streamCache.Put(cacheKey, caching.StreamingCacheEntry{
			Chunks: chunks, FinishReason: result.Metrics.FinishReason,
		}, caching.ClampTTL(time.Duration(project.CacheDurationSeconds)*time.Second))
	}

	h.logger.Info().
		Str("req_id", rc.RequestID).
		Str("provider", resolved.Mapping.ProviderID).
		Str("model", resolved.Mapping.ModelID).
		Int("chunks_sent", result.Metrics.ChunksSent).
		Int64("bytes_sent", result.Metrics.BytesSent).
		Bool("client_disconnected", result.Metrics.ClientDisconnect).
		Bool("completed", result.Finished).
		Int64("latency_ms", time.Since(start).Milliseconds()).
		Msg("stream completion finished")

	usage := result.Usage
	if usage == nil {
		usage = &provider.Usage{}
	}
	chatResp := &provider.ChatResponse{Model: req.Model, Choices: []provider.Choice{{FinishReason: result.Metrics.FinishReason}}, Usage: *usage}
	h.enqueueLog(rc, buildSuccessLog(rc, req, resolved, project, org, apiKeyRow, chatResp, result.Metrics.TotalDuration, int(result.Metrics.BytesSent), true, result.Metrics.ClientDisconnect))
}

// replayStreamFromCache replays a previously captured chunk sequence to the
// client, sleeping between chunks for min(1s, the original inter-chunk gap)
// so the replay feels like a live stream rather than an instant dump.
func (h *ProxyHandler) replayStreamFromCache(
	rc *gwcontext.RequestContext, w http.ResponseWriter, flusher http.Flusher, entry caching.StreamingCacheEntry,
	req *provider.ChatRequest, resolved *registry.Resolved, project *store.Project, org *store.Organization,
	apiKeyRow *store.ApiKey, start time.Time,
) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Relaygate-Model", resolved.Mapping.ProviderID+"/"+resolved.Mapping.ModelID)
	w.Header().Set("X-Relaygate-Cache", "hit")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	const maxGap = time.Second
	prev := time.Duration(0)
	bytesSent := 0
replay:
	for _, chunk := range entry.Chunks {
		gap := chunk.Timestamp - prev
		prev = chunk.Timestamp
		if gap > maxGap {
			gap = maxGap
		}
		if gap > 0 {
			timer := time.NewTimer(gap)
			select {
			case <-rc.Context().Done():
				timer.Stop()
				break replay
			case <-timer.C:
			}
		}
		if _, err := w.Write(chunk.Data); err != nil {
			break
		}
		bytesSent += len(chunk.Data)
		flusher.Flush()
	}
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()

	chatResp := &provider.ChatResponse{Model: req.Model, Choices: []provider.Choice{{FinishReason: entry.FinishReason}}}
	l := buildSuccessLog(rc, req, resolved, project, org, apiKeyRow, chatResp, time.Since(start), bytesSent, true, false)
	l.Cached = true
	l.Cost, l.InputCost, l.OutputCost, l.CachedInputCost = 0, 0, 0, 0
	h.enqueueLog(rc, l)
}

func (h *ProxyHandler) logCachedHit(
	rc *gwcontext.RequestContext, req *provider.ChatRequest, resolved *registry.Resolved,
	project *store.Project, org *store.Organization, apiKeyRow *store.ApiKey, start time.Time, responseSize int,
) {
	chatResp := &provider.ChatResponse{Model: req.Model}
	l := buildSuccessLog(rc, req, resolved, project, org, apiKeyRow, chatResp, time.Since(start), responseSize, false, false)
	l.Cached = true
	l.Cost, l.InputCost, l.OutputCost, l.CachedInputCost = 0, 0, 0, 0
	h.enqueueLog(rc, l)
}

func (h *ProxyHandler) enqueueLog(rc *gwcontext.RequestContext, l *store.Log) {
	if h.store == nil {
		return
	}
	if err := h.store.EnqueueLog(rc.Context(), l); err != nil {
		h.logger.Warn().Err(err).Str("req_id", rc.RequestID).Msg("failed to enqueue usage log")
	}
}

func buildSuccessLog(
	rc *gwcontext.RequestContext, req *provider.ChatRequest, resolved *registry.Resolved,
	project *store.Project, org *store.Organization, apiKeyRow *store.ApiKey,
	resp *provider.ChatResponse, duration time.Duration, responseSize int, streamed, canceled bool,
) *store.Log {
	finish := ""
	content := ""
	reasoning := ""
	if len(resp.Choices) > 0 {
		finish = resp.Choices[0].FinishReason
		reasoning = resp.Choices[0].Message.ReasoningContent
		if s, ok := resp.Choices[0].Message.Content.(string); ok {
			content = s
		}
	}
	cachedTokens := 0
	if resp.Usage.PromptTokensDetails != nil {
		cachedTokens = resp.Usage.PromptTokensDetails.CachedTokens
	}
	inputCost, outputCost, cachedCost, total := resolved.Mapping.Cost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, cachedTokens)

	var retainContent, retainReasoning string
	if org == nil || org.RetentionLevel != "none" {
		retainContent, retainReasoning = content, reasoning
	}

	return &store.Log{
		RequestID: rc.RequestID, OrganizationID: idOf(org), ProjectID: idOf(project), ApiKeyID: idOf(apiKeyRow),
		UsedMode: resolved.Mode, UsedModel: resolved.Mapping.ModelID, UsedProvider: resolved.Mapping.ProviderID,
		RequestedModel: req.Model, RequestedProvider: requestedProviderFromModel(req.Model),
		Duration: duration, ResponseSize: responseSize,
		Content: retainContent, ReasoningContent: retainReasoning,
		FinishReason: finish, UnifiedFinishReason: finish,
		PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens: resp.Usage.TotalTokens, ReasoningTokens: resp.Usage.ReasoningTokens, CachedTokens: cachedTokens,
		Streamed: streamed, Canceled: canceled,
		Cost: total, InputCost: inputCost, OutputCost: outputCost, CachedInputCost: cachedCost, RequestCost: resolved.Mapping.RequestPrice,
		EstimatedCost: resp.Usage.IsEstimate,
		CreatedAt:     time.Now(),
	}
}

func buildErrorLog(
	rc *gwcontext.RequestContext, req *provider.ChatRequest, resolved *registry.Resolved,
	project *store.Project, org *store.Organization, apiKeyRow *store.ApiKey,
	gerr *gwerrors.GatewayError, duration time.Duration, canceled bool,
) *store.Log {
	return &store.Log{
		RequestID: rc.RequestID, OrganizationID: idOf(org), ProjectID: idOf(project), ApiKeyID: idOf(apiKeyRow),
		UsedMode: resolved.Mode, UsedModel: resolved.Mapping.ModelID, UsedProvider: resolved.Mapping.ProviderID,
		RequestedModel: req.Model, RequestedProvider: requestedProviderFromModel(req.Model),
		Duration: duration, HasError: true, Canceled: canceled,
		ErrorDetails: gerr.Error(), UnifiedFinishReason: string(gerr.Kind),
		CreatedAt: time.Now(),
	}
}

func idOf(v interface{}) string {
	switch t := v.(type) {
	case *store.Organization:
		if t == nil {
			return ""
		}
		return t.ID
	case *store.Project:
		if t == nil {
			return ""
		}
		return t.ID
	case *store.ApiKey:
		if t == nil {
			return ""
		}
		return t.ID
	default:
		return ""
	}
}

func requestedProviderFromModel(model string) string {
	if i := strings.Index(model, "/"); i > 0 {
		return model[:i]
	}
	return ""
}

func requestIDFrom(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return r.Header.Get("X-Relaygate-Request-ID")
}

// Embeddings handles POST /v1/embeddings.
func (h *ProxyHandler) Embeddings(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req provider.EmbeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerrors.InvalidRequest("failed to parse request body: " + err.Error()).WriteJSON(w)
		return
	}
	if req.Model == "" {
		gwerrors.InvalidParam("model", "model field is required").WriteJSON(w)
		return
	}

	prov, err := h.legacyRegistry.GetForModel(req.Model)
	if err != nil {
		gwerrors.InvalidParam("model", err.Error()).WriteJSON(w)
		return
	}

	resp, err := prov.Embeddings(r.Context(), &req)
	if err != nil {
		gwerrors.UpstreamError("upstream provider error: " + err.Error()).WriteJSON(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Relaygate-Model", prov.Name()+"/"+req.Model)
	w.Header().Set("X-Relaygate-Latency-Ms", fmt.Sprintf("%d", time.Since(start).Milliseconds()))
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}

// handleDryRun estimates cost without calling any provider.
func (h *ProxyHandler) handleDryRun(w http.ResponseWriter, req *provider.ChatRequest) {
	providerName := provider.DetectProvider(req.Model)

	promptTokens := 0
	for _, msg := range req.Messages {
		if content, ok := msg.Content.(string); ok {
			promptTokens += len(content) / 4
		}
	}

	maxTokens := 1024
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	resp := map[string]interface{}{
		"dry_run":  true,
		"model":    req.Model,
		"provider": providerName,
		"estimated_tokens": map[string]int{
			"prompt_tokens":   promptTokens,
			"max_completion":  maxTokens,
			"total_estimated": promptTokens + maxTokens,
		},
		"message": "dry run complete, no provider was called",
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Models handles GET /v1/models.
func (h *ProxyHandler) Models(w http.ResponseWriter, r *http.Request) {
	providers := h.legacyRegistry.List()
	models := make([]map[string]interface{}, 0)

	for _, name := range providers {
		prov, ok := h.legacyRegistry.Get(name)
		if !ok {
			continue
		}
		for _, model := range prov.Models() {
			models = append(models, map[string]interface{}{
				"id":       model,
				"object":   "model",
				"provider": name,
				"owned_by": name,
			})
		}
	}

	resp := map[string]interface{}{
		"object": "list",
		"data":   models,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// ProviderHealth handles GET /v1/providers/health.
func (h *ProxyHandler) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	health := h.legacyRegistry.HealthCheckAll(r.Context())

	resp := make(map[string]interface{})
	for name, status := range health {
		resp[name] = map[string]interface{}{
			"healthy":    status.Healthy,
			"latency_ms": status.Latency.Milliseconds(),
			"last_check": status.LastCheck.Format(time.RFC3339),
			"error":      status.Error,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// GetAPIKeyFromRequest extracts the API key from the request context.
func GetAPIKeyFromRequest(r *http.Request) string {
	apiKey := middleware.GetAPIKey(r.Context())
	if apiKey != "" {
		return apiKey
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return auth[7:]
	}
	return auth
}
