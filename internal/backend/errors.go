package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// APIError is a non-2xx response from the backing service.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.Status, e.Code, e.Message)
	}

	return fmt.Sprintf("API error %d: %s", e.Status, e.Message)
}

// IsAuthError reports whether err is authentication-flavoured: a 401, or
// a message mentioning the token, the JWT or expiry. Such failures are
// worth exactly one retry after a forced session refresh.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		return true
	}

	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "jwt") ||
		strings.Contains(msg, "token") ||
		strings.Contains(msg, "expired")
}

// IsSubjectInvalid reports whether err signals that the server no longer
// recognises the session's identity. Retrying cannot fix this; the
// session must be torn down locally.
func IsSubjectInvalid(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "sub claim") ||
		strings.Contains(msg, "subject claim") ||
		strings.Contains(msg, "session_not_found") ||
		strings.Contains(msg, "refresh_token_not_found") ||
		strings.Contains(msg, "invalid refresh token") ||
		strings.Contains(msg, "user_not_found")
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// isTransientMessage checks whether an API error message suggests a
// temporary condition.
func isTransientMessage(msg string) bool {
	lower := strings.ToLower(msg)

	return strings.Contains(lower, "overloaded") ||
		strings.Contains(lower, "try again") ||
		strings.Contains(lower, "temporarily unavailable")
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
