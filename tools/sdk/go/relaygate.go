// Package relaygate provides a Go client for the gateway's chat, provider,
// policy, experiment and analytics endpoints.
package relaygate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Version is the SDK version.
const Version = "1.0.0"

// DefaultBaseURL is the default Relaygate gateway base URL.
const DefaultBaseURL = "http://localhost:8080"

// ============================================================
// Client
// ============================================================

// Client is the Relaygate gateway API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	userAgent  string
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new Relaygate gateway client authenticated with an
// ApiKey bearer token.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   DefaultBaseURL,
		apiKey:    apiKey,
		userAgent: fmt.Sprintf("relaygate-go-sdk/%s", Version),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// request performs an HTTP request against the gateway.
func (c *Client) request(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseError(resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

// ============================================================
// Error Types
// ============================================================

// Error represents a gateway error response, matching gwerrors.GatewayError's
// JSON shape on the wire.
type Error struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type,omitempty"`
	Message    string `json:"message"`
	Param      string `json:"param,omitempty"`
	Code       string `json:"code,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("relaygate: %s (status %d)", e.Message, e.StatusCode)
}

// AuthenticationError indicates invalid or missing credentials.
type AuthenticationError struct{ Error }

// ValidationError indicates an invalid request.
type ValidationError struct{ Error }

// QuotaExceededError indicates the organisation's credit balance ran out.
type QuotaExceededError struct{ Error }

// RateLimitError indicates too many requests.
type RateLimitError struct{ Error }

func parseError(statusCode int, body []byte) error {
	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
			Param   string `json:"param"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)

	baseErr := Error{
		StatusCode: statusCode,
		Type:       envelope.Error.Type,
		Message:    envelope.Error.Message,
		Param:      envelope.Error.Param,
		Code:       envelope.Error.Code,
	}
	if baseErr.Message == "" {
		baseErr.Message = http.StatusText(statusCode)
	}

	switch statusCode {
	case 401:
		return &AuthenticationError{Error: baseErr}
	case 402:
		return &QuotaExceededError{Error: baseErr}
	case 400, 422:
		return &ValidationError{Error: baseErr}
	case 429:
		return &RateLimitError{Error: baseErr}
	default:
		return &baseErr
	}
}

// ============================================================
// Chat Completion
// ============================================================

// Message represents a chat message in the canonical schema.
type Message struct {
	Role      string      `json:"role"`
	Content   interface{} `json:"content"`
	Name      string      `json:"name,omitempty"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall represents a function call's name and JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool represents a tool made available to the model.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a tool's callable signature.
type ToolFunction struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  interface{} `json:"parameters,omitempty"`
}

// CompletionRequest is a chat completion request.
type CompletionRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	MaxTokens        int       `json:"max_tokens,omitempty"`
	Temperature      float64   `json:"temperature,omitempty"`
	TopP             float64   `json:"top_p,omitempty"`
	Stop             []string  `json:"stop,omitempty"`
	Stream           bool      `json:"stream,omitempty"`
	Tools            []Tool    `json:"tools,omitempty"`
	ToolChoice       string    `json:"tool_choice,omitempty"`
	FrequencyPenalty float64   `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64   `json:"presence_penalty,omitempty"`
}

// CompletionResponse is a chat completion response.
type CompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice represents a completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage contains token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletion creates a chat completion against /v1/chat/completions.
func (c *Client) ChatCompletion(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	var resp CompletionResponse
	if err := c.request(ctx, "POST", "/v1/chat/completions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QuickChat sends a single user message and returns the assistant's text.
func (c *Client) QuickChat(ctx context.Context, model, prompt string) (string, error) {
	req := &CompletionRequest{
		Model:    model,
		Messages: []Message{{Role: "user", Content: prompt}},
	}

	resp, err := c.ChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	content, ok := resp.Choices[0].Message.Content.(string)
	if !ok {
		return "", fmt.Errorf("unexpected content type")
	}
	return content, nil
}

// ============================================================
// Provider Methods
// ============================================================

// Provider represents a configured LLM provider.
type Provider struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	BaseURL   string  `json:"base_url,omitempty"`
	Status    string  `json:"status"`
	Latency   float64 `json:"latency_ms,omitempty"`
	ErrorRate float64 `json:"error_rate,omitempty"`
}

// ListProviders returns the providers configured on the gateway.
func (c *Client) ListProviders(ctx context.Context) ([]Provider, error) {
	var providers []Provider
	if err := c.request(ctx, "GET", "/v1/providers", nil, &providers); err != nil {
		return nil, err
	}
	return providers, nil
}

// GetProvider returns a provider by name.
func (c *Client) GetProvider(ctx context.Context, name string) (*Provider, error) {
	var provider Provider
	if err := c.request(ctx, "GET", "/v1/providers/"+name, nil, &provider); err != nil {
		return nil, err
	}
	return &provider, nil
}

// ============================================================
// Policy Methods
// ============================================================

// Policy represents a governance policy evaluated on admission.
type Policy struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Module      string    `json:"module"` // Rego source
	Active      bool      `json:"active"`
	DryRun      bool      `json:"dry_run"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListPolicies returns the organisation's governance policies.
func (c *Client) ListPolicies(ctx context.Context) ([]Policy, error) {
	var policies []Policy
	if err := c.request(ctx, "GET", "/v1/policies", nil, &policies); err != nil {
		return nil, err
	}
	return policies, nil
}

// GetPolicy returns a policy by ID.
func (c *Client) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	var policy Policy
	if err := c.request(ctx, "GET", "/v1/policies/"+id, nil, &policy); err != nil {
		return nil, err
	}
	return &policy, nil
}

// CreatePolicyRequest is the request to create a policy.
type CreatePolicyRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Module      string `json:"module"`
	DryRun      bool   `json:"dry_run,omitempty"`
}

// CreatePolicy creates a new policy.
func (c *Client) CreatePolicy(ctx context.Context, req *CreatePolicyRequest) (*Policy, error) {
	var policy Policy
	if err := c.request(ctx, "POST", "/v1/policies", req, &policy); err != nil {
		return nil, err
	}
	return &policy, nil
}

// ============================================================
// Experiment Methods
// ============================================================

// ExperimentVariant is one arm of an A/B routing experiment.
type ExperimentVariant struct {
	Name          string  `json:"name"`
	Model         string  `json:"model"`
	Provider      string  `json:"provider"`
	TrafficWeight float64 `json:"traffic_weight"`
}

// Experiment represents an A/B routing experiment.
type Experiment struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Status      string              `json:"status"`
	Variants    []ExperimentVariant `json:"variants"`
	CreatedAt   time.Time           `json:"created_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	ConcludedAt *time.Time          `json:"concluded_at,omitempty"`
}

// ListExperiments returns routing experiments.
func (c *Client) ListExperiments(ctx context.Context) ([]Experiment, error) {
	var experiments []Experiment
	if err := c.request(ctx, "GET", "/v1/experiments", nil, &experiments); err != nil {
		return nil, err
	}
	return experiments, nil
}

// GetExperiment returns an experiment by ID.
func (c *Client) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	var experiment Experiment
	if err := c.request(ctx, "GET", "/v1/experiments/"+id, nil, &experiment); err != nil {
		return nil, err
	}
	return &experiment, nil
}

// CreateExperimentRequest is the request to create an experiment.
type CreateExperimentRequest struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Variants    []ExperimentVariant `json:"variants"`
}

// CreateExperiment creates a new experiment.
func (c *Client) CreateExperiment(ctx context.Context, req *CreateExperimentRequest) (*Experiment, error) {
	var experiment Experiment
	if err := c.request(ctx, "POST", "/v1/experiments", req, &experiment); err != nil {
		return nil, err
	}
	return &experiment, nil
}

// StartExperiment starts an experiment.
func (c *Client) StartExperiment(ctx context.Context, id string) (*Experiment, error) {
	var experiment Experiment
	if err := c.request(ctx, "POST", "/v1/experiments/"+id+"/start", nil, &experiment); err != nil {
		return nil, err
	}
	return &experiment, nil
}

// PauseExperiment pauses a running experiment.
func (c *Client) PauseExperiment(ctx context.Context, id string) (*Experiment, error) {
	var experiment Experiment
	if err := c.request(ctx, "POST", "/v1/experiments/"+id+"/pause", nil, &experiment); err != nil {
		return nil, err
	}
	return &experiment, nil
}

// ConcludeExperiment concludes an experiment and records its winning variant.
func (c *Client) ConcludeExperiment(ctx context.Context, id string) (*Experiment, error) {
	var experiment Experiment
	if err := c.request(ctx, "POST", "/v1/experiments/"+id+"/conclude", nil, &experiment); err != nil {
		return nil, err
	}
	return &experiment, nil
}

// ============================================================
// Analytics Methods
// ============================================================

// DailyCost is one day's aggregated cost.
type DailyCost struct {
	Date  string  `json:"date"`
	Cost  float64 `json:"cost"`
	Count int     `json:"count"`
}

// GetDailyCosts returns the daily cost aggregation series.
func (c *Client) GetDailyCosts(ctx context.Context) ([]DailyCost, error) {
	var days []DailyCost
	if err := c.request(ctx, "GET", "/v1/analytics/daily", nil, &days); err != nil {
		return nil, err
	}
	return days, nil
}

// CacheAnalytics summarises the response cache's hit rate.
type CacheAnalytics struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	SavedCost float64 `json:"saved_cost"`
}

// GetCacheAnalytics returns response cache hit-rate analytics.
func (c *Client) GetCacheAnalytics(ctx context.Context) (*CacheAnalytics, error) {
	var stats CacheAnalytics
	if err := c.request(ctx, "GET", "/v1/analytics/cache", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ============================================================
// Health Check
// ============================================================

// Health represents service health.
type Health struct {
	Status    string            `json:"status"`
	Version   string            `json:"version,omitempty"`
	Providers map[string]string `json:"providers,omitempty"`
}

// HealthCheck checks the gateway's health.
func (c *Client) HealthCheck(ctx context.Context) (*Health, error) {
	var health Health
	if err := c.request(ctx, "GET", "/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}
