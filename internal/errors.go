package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrKeyExpired       = errors.New("api key expired")
	ErrKeyInactive      = errors.New("api key inactive")
	ErrUnsupportedRoute = errors.New("unsupported route")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrBodyTooLarge     = errors.New("request body too large")
	ErrClientGone       = errors.New("client disconnected")
	ErrInvalidBaseURL   = errors.New("invalid upstream base url")
)

// StatusClientClosedRequest is the nginx-convention status logged when the
// client disconnected before a response could be written.
const StatusClientClosedRequest = 499

// ErrorCode is a canonical, closed error code with a stable HTTP mapping.
type ErrorCode string

const (
	CodeUnauthorized            ErrorCode = "UNAUTHORIZED"
	CodeUnsupportedRoute        ErrorCode = "UNSUPPORTED_ROUTE"
	CodePayloadTooLarge         ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeUpstreamPinIncompatible ErrorCode = "UPSTREAM_PIN_INCOMPATIBLE"
	CodeInvalidUpstreamURL      ErrorCode = "INVALID_UPSTREAM_URL"
	CodeNoUpstreamsConfigured   ErrorCode = "NO_UPSTREAMS_CONFIGURED"
	CodeNoAuthorizedUpstreams   ErrorCode = "NO_AUTHORIZED_UPSTREAMS"
	CodeAllUpstreamsUnavailable ErrorCode = "ALL_UPSTREAMS_UNAVAILABLE"
	CodeRequestTimeout          ErrorCode = "REQUEST_TIMEOUT"
	CodeClientDisconnected      ErrorCode = "CLIENT_DISCONNECTED"
	CodeStreamError             ErrorCode = "STREAM_ERROR"
	CodeServiceUnavailable      ErrorCode = "SERVICE_UNAVAILABLE"
)

// HTTPStatus returns the stable status mapping for the code.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeUnsupportedRoute:
		return http.StatusNotFound
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeUpstreamPinIncompatible, CodeInvalidUpstreamURL:
		return http.StatusBadRequest
	case CodeNoAuthorizedUpstreams:
		return http.StatusForbidden
	case CodeRequestTimeout:
		return http.StatusGatewayTimeout
	case CodeClientDisconnected:
		return StatusClientClosedRequest
	case CodeStreamError:
		return http.StatusBadGateway
	case CodeNoUpstreamsConfigured, CodeAllUpstreamsUnavailable, CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusServiceUnavailable
	}
}

// ErrorType is the coarse client-facing classification placed in the envelope.
func (c ErrorCode) ErrorType() string {
	switch c {
	case CodeUnauthorized:
		return "authentication_error"
	case CodeNoAuthorizedUpstreams:
		return "permission_error"
	case CodeUnsupportedRoute, CodePayloadTooLarge, CodeUpstreamPinIncompatible, CodeInvalidUpstreamURL:
		return "invalid_request_error"
	default:
		return "upstream_error"
	}
}

// ProxyError is the canonical error produced by the request path. It renders
// to the client envelope {"error": {...}} in both JSON and SSE forms.
type ProxyError struct {
	Code            ErrorCode
	Message         string
	Reason          string // machine-readable detail, e.g. an exclusion reason
	DidSendUpstream *bool  // set once the failover loop ran
	RequestID       string
	UserHint        string
}

// NewProxyError builds a ProxyError with the given code and message.
func NewProxyError(code ErrorCode, msg string) *ProxyError {
	return &ProxyError{Code: code, Message: msg}
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus satisfies the status-carrying error interface used by outcome
// classification.
func (e *ProxyError) HTTPStatus() int { return e.Code.HTTPStatus() }

// WithReason returns e with the machine-readable reason set.
func (e *ProxyError) WithReason(reason string) *ProxyError {
	e.Reason = reason
	return e
}

// WithHint returns e with a user-facing hint set.
func (e *ProxyError) WithHint(hint string) *ProxyError {
	e.UserHint = hint
	return e
}

// WithDidSend returns e with the did_send_upstream flag set.
func (e *ProxyError) WithDidSend(sent bool) *ProxyError {
	e.DidSendUpstream = &sent
	return e
}

// Envelope is the wire form of a canonical error.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

// EnvelopeBody is the inner error object of the canonical envelope.
type EnvelopeBody struct {
	Message         string    `json:"message"`
	Type            string    `json:"type"`
	Code            ErrorCode `json:"code"`
	Reason          string    `json:"reason,omitempty"`
	DidSendUpstream *bool     `json:"did_send_upstream,omitempty"`
	RequestID       string    `json:"request_id,omitempty"`
	UserHint        string    `json:"user_hint,omitempty"`
}

// Envelope returns the wire form of the error.
func (e *ProxyError) Envelope() Envelope {
	return Envelope{Error: EnvelopeBody{
		Message:         e.Message,
		Type:            e.Code.ErrorType(),
		Code:            e.Code,
		Reason:          e.Reason,
		DidSendUpstream: e.DidSendUpstream,
		RequestID:       e.RequestID,
		UserHint:        e.UserHint,
	}}
}
