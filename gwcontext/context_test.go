package gwcontext

import (
	"context"
	"testing"
	"time"
)

func TestNewAndContext(t *testing.T) {
	ctx := context.Background()
	rc := New(ctx, "req-123", true)
	if rc.RequestID != "req-123" {
		t.Errorf("expected RequestID 'req-123', got %q", rc.RequestID)
	}
	if !rc.DebugMode {
		t.Error("expected DebugMode true")
	}
	if rc.Context() != ctx {
		t.Error("Context() should return the wrapped context")
	}
}

func TestCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rc := New(ctx, "req-1", false)
	if rc.Canceled() {
		t.Error("expected not canceled before cancel()")
	}
	cancel()
	if !rc.Canceled() {
		t.Error("expected canceled after cancel()")
	}
}

func TestWithContext(t *testing.T) {
	rc := New(context.Background(), "req-1", false)
	ctx2, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rc2 := rc.WithContext(ctx2)
	if rc2.Context() != ctx2 {
		t.Error("WithContext should swap the underlying context")
	}
	if rc2.RequestID != rc.RequestID {
		t.Error("WithContext should preserve RequestID")
	}
	if rc.Context() == ctx2 {
		t.Error("original RequestContext should be unaffected")
	}
}
