package errors

import "errors"

// Session errors.
var (
	ErrRefreshFailed     = errors.New("session refresh failed")
	ErrSessionExpired    = errors.New("session expired")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrNoSession         = errors.New("no session")
)

// Connection and channel errors.
var (
	ErrUnresponsive    = errors.New("connection unresponsive")
	ErrNoFallback      = errors.New("no fallback connection")
	ErrChannelErrored  = errors.New("channel errored")
	ErrChannelTimedOut = errors.New("channel join timed out")
	ErrChannelClosed   = errors.New("channel closed")
)

// Message operation errors.
var (
	ErrForbidden    = errors.New("operation not permitted for this author")
	ErrNotFound     = errors.New("message not found")
	ErrEmptyContent = errors.New("message content is empty")
	ErrNoIdentity   = errors.New("no signed-in identity")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
