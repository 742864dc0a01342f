package providers

import (
	"context"
	"errors"
	"net/http"

	"github.com/brandscope/visibility-audit/pkg/auditerr"
)

// mapHTTPStatus maps a provider HTTP status code to the closed taxonomy,
// shared by every adapter so error-mapping policy lives in one place.
func mapHTTPStatus(provider string, status int, body string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return auditerr.New(auditerr.RateLimited, provider+": rate limited")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return auditerr.New(auditerr.Unauthorized, provider+": unauthorized")
	case status == http.StatusBadRequest:
		return auditerr.New(auditerr.InvalidRequest, provider+": "+body)
	case status == 402 || status == 429: // some backends use 402 for quota
		return auditerr.New(auditerr.QuotaExceeded, provider+": quota exceeded")
	case status >= 500:
		return auditerr.New(auditerr.ProviderUnavailable, provider+": server error")
	default:
		return auditerr.New(auditerr.ProviderUnavailable, provider+": unexpected status")
	}
}

// mapContextErr maps context cancellation/deadline into the taxonomy.
func mapContextErr(provider string, err error) (error, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return auditerr.New(auditerr.Timeout, provider+": request timed out"), true
	}
	if errors.Is(err, context.Canceled) {
		return auditerr.New(auditerr.Cancelled, provider+": request cancelled"), true
	}
	return nil, false
}
