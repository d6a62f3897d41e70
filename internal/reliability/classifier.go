package reliability

import (
	"context"
	"errors"
	"net"

	"github.com/gorilla/websocket"
)

// Error codes reported for remote voice failures.
const (
	CodeCanceled    = "canceled"
	CodeTimeout     = "timeout"
	CodeRateLimited = "rate_limited"
	CodePolicy      = "policy_violation"
	CodeUpstream    = "upstream_error"
	CodeClosed      = "closed"
	CodeNetwork     = "network"
	CodeUnknown     = "unknown"
)

// Classify maps a remote session error to a short code and reports whether a
// fresh attempt could plausibly succeed. Calls are never retried in place; the
// flag only tells the caller whether offering "try again" makes sense.
func Classify(err error) (code string, retryable bool) {
	if err == nil {
		return "", false
	}
	if errors.Is(err, context.Canceled) {
		return CodeCanceled, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout, true
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseTryAgainLater:
			return CodeRateLimited, true
		case websocket.ClosePolicyViolation:
			return CodePolicy, false
		case websocket.CloseInternalServerErr, websocket.CloseServiceRestart:
			return CodeUpstream, true
		default:
			return CodeClosed, true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CodeTimeout, true
		}
		return CodeNetwork, true
	}
	return CodeUnknown, false
}
