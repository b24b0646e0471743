package github

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Common errors. Callers branch on these with errors.Is instead of
// inspecting response text.
var (
	ErrNotFound    = errors.New("resource not found")
	ErrPermission  = errors.New("permission denied")
	ErrRateLimited = errors.New("rate limited")
	ErrValidation  = errors.New("validation failed")
	ErrUnavailable = errors.New("service unavailable")
)

// IsPermission reports whether err carries a permission denial. Branch
// creation uses this to stop the base-ref fallback immediately.
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermission)
}

// IsNotFound reports whether err carries a missing-resource failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// apiError is an error response from the GitHub API.
type apiError struct {
	Message          string `json:"message"`
	DocumentationURL string `json:"documentation_url"`
}

// mapStatusError maps a non-2xx API response to a typed error.
func mapStatusError(resp *http.Response, body []byte) error {
	var errResp apiError
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	msg := errResp.Message

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrPermission, msg)
	case http.StatusForbidden:
		// Forbidden covers both missing scopes and an exhausted rate
		// limit. The primary limit sets the remaining header to zero;
		// secondary limits only say so in the message.
		if resp.Header.Get("X-Ratelimit-Remaining") == "0" ||
			strings.Contains(strings.ToLower(msg), "rate limit") {
			return fmt.Errorf("%w: %s", ErrRateLimited, msg)
		}
		return fmt.Errorf("%w: %s", ErrPermission, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrValidation, msg)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, msg)
	default:
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, msg)
	}
}
