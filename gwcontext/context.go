// Package gwcontext carries the handful of cross-cutting values the
// pipeline (admission -> router -> dialect adapter -> cache -> logger)
// needs at every stage, instead of threading them as individual parameters
// or stashing them in context.Context values keyed by untyped strings.
package gwcontext

import (
	"context"
	"time"
)

// RequestContext is the explicit per-request envelope passed down the
// pipeline. ctx carries cancellation (client disconnect, deadlines);
// the remaining fields are plain data read by every stage.
type RequestContext struct {
	ctx context.Context

	RequestID string
	Deadline  *time.Time
	DebugMode bool

	// Populated once admission resolves them.
	OrganizationID string
	ProjectID      string
	APIKeyID       string
}

// New builds a RequestContext wrapping ctx.
func New(ctx context.Context, requestID string, debugMode bool) *RequestContext {
	return &RequestContext{ctx: ctx, RequestID: requestID, DebugMode: debugMode}
}

// Context returns the underlying cancellation/deadline context.
func (r *RequestContext) Context() context.Context { return r.ctx }

// Canceled reports whether the client has gone away.
func (r *RequestContext) Canceled() bool {
	select {
	case <-r.ctx.Done():
		return true
	default:
		return false
	}
}

// WithContext returns a shallow copy carrying a new context.Context, used
// when a stage needs to narrow the deadline (e.g. per-provider timeout)
// without losing the rest of the envelope.
func (r *RequestContext) WithContext(ctx context.Context) *RequestContext {
	cp := *r
	cp.ctx = ctx
	return &cp
}
