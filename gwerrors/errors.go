// Package gwerrors defines the gateway's error taxonomy: a small closed set
// of error kinds that every component raises instead of ad-hoc fmt.Errorf
// wrapping, so that handlers can map them to stable wire "type" strings and
// HTTP status codes with a single type switch.
package gwerrors

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Kind is one of the stable wire error types.
type Kind string

const (
	KindInvalidRequest Kind = "invalid_request_error"
	KindUnauthorized   Kind = "unauthorized"
	KindPaymentRequired Kind = "payment_required"
	KindGone           Kind = "gone"
	KindClientError    Kind = "client_error"
	KindUpstreamError  Kind = "upstream_error"
	KindGatewayError   Kind = "gateway_error"
	KindCanceled       Kind = "canceled"
	KindStreamingError Kind = "streaming_error"
	KindJSONParseError Kind = "json_parse_error"
)

// GatewayError is the typed error every pipeline stage (admission, router,
// dialect adapter, cache, worker) returns in place of a bare error, carrying
// enough information for the ingress handler to build the wire envelope.
type GatewayError struct {
	Kind       Kind
	Message    string
	Param      string
	Code       string
	StatusCode int
	// Raw, when set, is an upstream response body to be passed through
	// verbatim rather than re-wrapped (client_error passthrough).
	Raw []byte
}

func (e *GatewayError) Error() string { return e.Message }

func statusFor(k Kind) int {
	switch k {
	case KindInvalidRequest, KindClientError, KindCanceled:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindPaymentRequired:
		return http.StatusPaymentRequired
	case KindGone:
		return http.StatusGone
	case KindUpstreamError, KindGatewayError, KindStreamingError, KindJSONParseError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func new_(k Kind, msg string) *GatewayError {
	return &GatewayError{Kind: k, Message: msg, StatusCode: statusFor(k)}
}

func InvalidRequest(msg string) *GatewayError { return new_(KindInvalidRequest, msg) }
func InvalidParam(param, msg string) *GatewayError {
	e := new_(KindInvalidRequest, msg)
	e.Param = param
	return e
}
func Unauthorized(msg string) *GatewayError    { return new_(KindUnauthorized, msg) }
func PaymentRequired(msg string) *GatewayError { return new_(KindPaymentRequired, msg) }
func Gone(msg string) *GatewayError            { return new_(KindGone, msg) }
func Canceled(msg string) *GatewayError        { return new_(KindCanceled, msg) }
func StreamingError(msg string) *GatewayError  { return new_(KindStreamingError, msg) }
func JSONParseError(msg string) *GatewayError  { return new_(KindJSONParseError, msg) }

// ClientError wraps an upstream 4xx validation failure that should be
// passed through to the caller verbatim, original status and body intact.
func ClientError(statusCode int, raw []byte) *GatewayError {
	return &GatewayError{Kind: KindClientError, Message: "upstream rejected the request", StatusCode: statusCode, Raw: raw}
}

// UpstreamError wraps a >=500 upstream failure.
func UpstreamError(msg string) *GatewayError {
	e := new_(KindUpstreamError, msg)
	e.StatusCode = http.StatusInternalServerError
	return e
}

// GatewayFailure wraps any other unexpected failure (network errors,
// context deadline, decode failures not classified above).
func GatewayFailure(msg string) *GatewayError { return new_(KindGatewayError, msg) }

// FinishReasonForError classifies an upstream HTTP failure into a finish
// reason used both for the wire response and the usage Log, per the
// gateway's "classify, then decide whether to pass through or wrap" policy.
func FinishReasonForError(status int, body []byte) string {
	if status >= 500 {
		return string(KindUpstreamError)
	}
	if status == http.StatusBadRequest && containsJSONModeHint(body) {
		return string(KindClientError)
	}
	return string(KindGatewayError)
}

func containsJSONModeHint(body []byte) bool {
	s := string(body)
	return strings.Contains(s, "'messages' must contain") && strings.Contains(s, "the word 'json'")
}

// Envelope is the wire body for any error response.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

type EnvelopeBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ToEnvelope converts a GatewayError to its wire envelope.
func (e *GatewayError) ToEnvelope() Envelope {
	return Envelope{Error: EnvelopeBody{
		Message: e.Message,
		Type:    string(e.Kind),
		Param:   e.Param,
		Code:    e.Code,
	}}
}

// WriteJSON renders the error as the gateway's standard error envelope. If
// Raw is set (an upstream client-error body the gateway passes through
// verbatim), that body is written instead of a re-wrapped envelope.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	if e.Raw != nil {
		_, _ = w.Write(e.Raw)
		return
	}
	_ = json.NewEncoder(w).Encode(e.ToEnvelope())
}
