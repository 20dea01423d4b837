package gwerrors

import (
	"net/http"
	"testing"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidRequest, http.StatusBadRequest},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindPaymentRequired, http.StatusPaymentRequired},
		{KindGone, http.StatusGone},
		{KindUpstreamError, http.StatusInternalServerError},
		{KindCanceled, http.StatusBadRequest},
	}
	for _, tc := range tests {
		if got := statusFor(tc.kind); got != tc.want {
			t.Errorf("statusFor(%s) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestGatewayErrorToEnvelope(t *testing.T) {
	err := InvalidParam("model", "model is required")
	env := err.ToEnvelope()
	if env.Error.Param != "model" {
		t.Errorf("expected param 'model', got %q", env.Error.Param)
	}
	if env.Error.Type != string(KindInvalidRequest) {
		t.Errorf("expected type %q, got %q", KindInvalidRequest, env.Error.Type)
	}
}

func TestFinishReasonForError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"server error", 503, "", "upstream_error"},
		{"json mode hint", 400, "'messages' must contain the word 'json'", "client_error"},
		{"generic client error", 400, "bad request", "gateway_error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := FinishReasonForError(tc.status, []byte(tc.body)); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestClientErrorPreservesRawBody(t *testing.T) {
	body := []byte(`{"error":"nope"}`)
	err := ClientError(422, body)
	if err.StatusCode != 422 {
		t.Errorf("expected status 422, got %d", err.StatusCode)
	}
	if string(err.Raw) != string(body) {
		t.Errorf("raw body not preserved")
	}
}
