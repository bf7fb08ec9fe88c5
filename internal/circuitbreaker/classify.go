package circuitbreaker

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"

	gateway "github.com/tollgatehq/tollgate/internal"
)

// Outcome is the failover-relevant classification of one attempt.
type Outcome int

const (
	// OutcomeSuccess ends the failover loop with the response relayed.
	OutcomeSuccess Outcome = iota
	// OutcomeRetriable marks the upstream unhealthy and tries the next candidate.
	OutcomeRetriable
	// OutcomeFatalClient ends the loop; the upstream's response is relayed
	// verbatim and no further candidates are tried.
	OutcomeFatalClient
)

// String returns a metric-friendly outcome label.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetriable:
		return "retriable"
	case OutcomeFatalClient:
		return "fatal_client"
	default:
		return "unknown"
	}
}

// httpStatusError is an interface for errors carrying an HTTP status code.
type httpStatusError interface {
	HTTPStatus() int
}

// Classify maps an attempt result to an outcome and attempt error type.
// statusCode is consulted when err is nil; otherwise the error decides.
//
// Retriable: any 5xx, 429, timeouts, connection/DNS/TLS failures.
// Fatal: every other 4xx -- only 429 retries within the 4xx band, so a
// rotated upstream key (401) is surfaced to the client rather than burning
// the remaining candidates.
func Classify(statusCode int, err error) (Outcome, gateway.AttemptErrorType) {
	if err != nil {
		return classifyError(err)
	}
	return classifyStatus(statusCode)
}

func classifyError(err error) (Outcome, gateway.AttemptErrorType) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return OutcomeRetriable, gateway.AttemptTimeout
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return OutcomeRetriable, gateway.AttemptTimeout
	}

	// An error wrapping an HTTP status classifies by that status.
	var he httpStatusError
	if errors.As(err, &he) {
		return classifyStatus(he.HTTPStatus())
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return OutcomeRetriable, gateway.AttemptConnectionError
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return OutcomeRetriable, gateway.AttemptConnectionError
	}
	var recErr tls.RecordHeaderError
	if errors.As(err, &recErr) {
		return OutcomeRetriable, gateway.AttemptConnectionError
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return OutcomeRetriable, gateway.AttemptConnectionError
	}

	// Generic transport errors (connection refused, reset, EOF mid-body).
	return OutcomeRetriable, gateway.AttemptConnectionError
}

func classifyStatus(code int) (Outcome, gateway.AttemptErrorType) {
	switch {
	case code >= 200 && code < 400:
		// 3xx responses are relayed verbatim like any success.
		return OutcomeSuccess, ""
	case code == 429:
		return OutcomeRetriable, gateway.AttemptHTTP429
	case code >= 500:
		return OutcomeRetriable, gateway.AttemptHTTP5xx
	case code >= 400:
		return OutcomeFatalClient, gateway.AttemptHTTP4xx
	default:
		return OutcomeSuccess, ""
	}
}
