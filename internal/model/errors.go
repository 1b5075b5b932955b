package model

import (
	"context"
	"errors"
	"net"
)

// Rejection reasons. They are distinguishable internally for logs, metrics and
// traces; the HTTP boundary collapses all of them into one not-found response.
var (
	ErrSignatureInvalid       = errors.New("signature invalid")
	ErrDecodeMalformed        = errors.New("malformed encoding")
	ErrSchemeNotAllowed       = errors.New("scheme not allowed")
	ErrHostDenied             = errors.New("host denied")
	ErrRedirectBudgetExceeded = errors.New("redirect budget exceeded")
	ErrContentTypeDenied      = errors.New("content type denied")
	ErrSizeExceeded           = errors.New("size exceeded")
	ErrOriginUnreachable      = errors.New("origin unreachable")
	ErrOriginTimeout          = errors.New("origin timeout")
	ErrOriginNon2xx           = errors.New("origin returned non-2xx status")
	ErrRequestLoop            = errors.New("request loop detected")
	ErrCapacity               = errors.New("outbound concurrency ceiling reached")
)

var reasons = []struct {
	err   error
	label string
}{
	{ErrSignatureInvalid, "signature_invalid"},
	{ErrDecodeMalformed, "decode_malformed"},
	{ErrSchemeNotAllowed, "scheme_not_allowed"},
	{ErrHostDenied, "host_denied"},
	{ErrRedirectBudgetExceeded, "redirect_budget_exceeded"},
	{ErrContentTypeDenied, "content_type_denied"},
	{ErrSizeExceeded, "size_exceeded"},
	{ErrOriginTimeout, "origin_timeout"},
	{ErrOriginNon2xx, "origin_non_2xx"},
	{ErrRequestLoop, "request_loop"},
	{ErrCapacity, "capacity"},
	{ErrOriginUnreachable, "origin_unreachable"},
}

// Reason returns a bounded label describing why err rejected a request.
// Errors outside the taxonomy are classified as timeouts or unreachable
// origins based on the underlying network error.
func Reason(err error) string {
	if err == nil {
		return "none"
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.label
		}
	}
	if IsTimeout(err) {
		return "origin_timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "client_canceled"
	}
	return "origin_unreachable"
}

// IsTimeout reports whether err stems from a deadline or a network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrOriginTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
