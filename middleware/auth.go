package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaygate/gateway/gwerrors"
	"github.com/relaygate/gateway/store"
)

type contextKey string

const (
	// APIKeyContextKey stores the validated API key token in request context.
	APIKeyContextKey contextKey = "api_key"
	// UserIDContextKey stores the authenticated user ID in request context.
	UserIDContextKey contextKey = "user_id"
	// ProjectContextKey stores the loaded store.Project.
	ProjectContextKey contextKey = "project"
	// OrganizationContextKey stores the loaded store.Organization.
	OrganizationContextKey contextKey = "organization"
	// ApiKeyRowContextKey stores the loaded store.ApiKey.
	ApiKeyRowContextKey contextKey = "api_key_row"
)

// AuthMiddleware implements the admission checks that run ahead of model
// resolution: bearer-token extraction, ApiKey/Project/Organization lookup,
// usage-limit enforcement, x-source normalisation, and the hosted+paid plan
// gate on x-llmgateway-* custom headers.
type AuthMiddleware struct {
	logger    zerolog.Logger
	cache     sync.Map // simple in-memory cache for validated keys
	cacheTTL  time.Duration
	headerKey string
	store     store.Store // nil disables the full admission chain (pass-through)
	hosted    bool
	paidMode  bool
}

type cachedAuth struct {
	apiKey       *store.ApiKey
	project      *store.Project
	organization *store.Organization
	expiresAt    time.Time
}

// NewAuthMiddleware creates a new authentication middleware. st may be nil,
// in which case the middleware only extracts the bearer token and defers
// all entity validation downstream (used by callers that haven't wired a
// store yet, and by tests that exercise routing without one).
func NewAuthMiddleware(logger zerolog.Logger, headerKey string, st store.Store, hosted, paidMode bool) *AuthMiddleware {
	if headerKey == "" {
		headerKey = "Authorization"
	}
	return &AuthMiddleware{
		logger:    logger,
		cacheTTL:  5 * time.Minute,
		headerKey: headerKey,
		store:     st,
		hosted:    hosted,
		paidMode:  paidMode,
	}
}

func writeGatewayError(w http.ResponseWriter, err *gwerrors.GatewayError) {
	err.WriteJSON(w)
}

// normalizeSource strips a scheme and leading www. and drops characters
// outside [A-Za-z0-9./-] from an x-source header value.
func normalizeSource(s string) string {
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "www.")
	var b strings.Builder
	for _, r := range s {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '/' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Handler returns the middleware handler function.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get(am.headerKey)
		if authHeader == "" {
			writeGatewayError(w, gwerrors.Unauthorized("Authorization header required"))
			return
		}

		token := authHeader
		if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			token = authHeader[7:]
		}
		if token == "" {
			writeGatewayError(w, gwerrors.Unauthorized("API key cannot be empty"))
			return
		}

		if src := r.Header.Get("x-source"); src != "" {
			r.Header.Set("x-source", normalizeSource(src))
		}

		if am.store == nil {
			ctx := context.WithValue(r.Context(), APIKeyContextKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		entities, gerr := am.resolve(r.Context(), token)
		if gerr != nil {
			writeGatewayError(w, gerr)
			return
		}

		if gerr := am.checkPlanGate(r, entities.organization, entities.project); gerr != nil {
			writeGatewayError(w, gerr)
			return
		}

		ctx := context.WithValue(r.Context(), APIKeyContextKey, token)
		ctx = context.WithValue(ctx, ApiKeyRowContextKey, entities.apiKey)
		ctx = context.WithValue(ctx, ProjectContextKey, entities.project)
		ctx = context.WithValue(ctx, OrganizationContextKey, entities.organization)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (am *AuthMiddleware) resolve(ctx context.Context, token string) (*cachedAuth, *gwerrors.GatewayError) {
	if cached, ok := am.cache.Load(token); ok {
		ca := cached.(*cachedAuth)
		if time.Now().Before(ca.expiresAt) {
			return ca, nil
		}
		am.cache.Delete(token)
	}

	apiKey, err := am.store.GetApiKeyByToken(ctx, token)
	if err != nil {
		return nil, gwerrors.Unauthorized("invalid API key")
	}
	if apiKey.Status != "active" {
		return nil, gwerrors.Unauthorized("API key is disabled")
	}
	if apiKey.UsageLimit != nil && apiKey.Usage >= *apiKey.UsageLimit {
		return nil, gwerrors.Unauthorized("usage limit exceeded")
	}

	project, err := am.store.GetProject(ctx, apiKey.ProjectID)
	if err != nil {
		return nil, gwerrors.Unauthorized("project not found")
	}
	org, err := am.store.GetOrganization(ctx, project.OrganizationID)
	if err != nil {
		return nil, gwerrors.Unauthorized("organization not found")
	}

	ca := &cachedAuth{apiKey: apiKey, project: project, organization: org, expiresAt: time.Now().Add(am.cacheTTL)}
	am.cache.Store(token, ca)
	return ca, nil
}

// checkPlanGate enforces that hosted+paid deployments require an
// organisation on the "pro" plan before honouring any x-llmgateway-*
// custom header (e.g. a caller-supplied provider key override), and before
// serving a project configured for pure api-keys mode. Hybrid mode is
// gated separately, once the resolved provider's key source is known — see
// ProxyHandler.checkHybridPlanGate — since falling back to the gateway's
// own credential in hybrid mode does not require pro.
func (am *AuthMiddleware) checkPlanGate(r *http.Request, org *store.Organization, project *store.Project) *gwerrors.GatewayError {
	if !am.hosted || !am.paidMode {
		return nil
	}
	hasCustomHeader := false
	for h := range r.Header {
		if strings.HasPrefix(strings.ToLower(h), "x-llmgateway-") {
			hasCustomHeader = true
			break
		}
	}
	if hasCustomHeader && org.Plan != "pro" {
		return gwerrors.PaymentRequired("this feature requires a pro plan")
	}
	if project != nil && project.Mode == "api-keys" && org.Plan != "pro" {
		return gwerrors.PaymentRequired("bringing your own provider keys requires a pro plan")
	}
	return nil
}

// CacheValidation is a no-op kept for legacy pass-through-mode callers that
// validate against a remote backend; it stores nothing.
func (am *AuthMiddleware) CacheValidation(apiKey, userID string) {
	// Legacy no-op hook kept for pass-through mode (store == nil); real
	// invalidation happens through the TTL in resolve() once a store is wired.
}

// GetAPIKey extracts the bearer token from the request context.
func GetAPIKey(ctx context.Context) string {
	if v, ok := ctx.Value(APIKeyContextKey).(string); ok {
		return v
	}
	return ""
}

// GetUserID extracts the user ID from the request context, when set by a
// pass-through validator.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDContextKey).(string); ok {
		return v
	}
	return ""
}

// GetProject extracts the loaded store.Project from the request context.
func GetProject(ctx context.Context) *store.Project {
	if v, ok := ctx.Value(ProjectContextKey).(*store.Project); ok {
		return v
	}
	return nil
}

// GetOrganization extracts the loaded store.Organization from the request context.
func GetOrganization(ctx context.Context) *store.Organization {
	if v, ok := ctx.Value(OrganizationContextKey).(*store.Organization); ok {
		return v
	}
	return nil
}

// GetApiKeyRow extracts the loaded store.ApiKey row from the request context.
func GetApiKeyRow(ctx context.Context) *store.ApiKey {
	if v, ok := ctx.Value(ApiKeyRowContextKey).(*store.ApiKey); ok {
		return v
	}
	return nil
}
