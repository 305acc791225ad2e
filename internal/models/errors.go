package models

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrConfig means client credentials for a provider are unset.
	ErrConfig = errors.New("calendar provider is not configured")
	// ErrAuthExchange means the authorization code was invalid or expired.
	ErrAuthExchange = errors.New("authorization code exchange failed")
	// ErrReauthRequired means the user must reconnect the provider.
	ErrReauthRequired = errors.New("provider reauthorization required")
	ErrRateLimited    = errors.New("provider rate limit exceeded")
	// ErrProviderRejected is a non-retryable 4xx from the provider.
	ErrProviderRejected = errors.New("provider rejected request")
	ErrTransport        = errors.New("provider transport failure")

	ErrUnauthorized        = errors.New("provider returned unauthorized")
	ErrCursorExpired       = errors.New("provider sync cursor expired")
	ErrNotConnected        = errors.New("provider not connected")
	ErrUnsupportedProvider = errors.New("unsupported calendar provider")
	ErrSyncInProgress      = errors.New("sync already in progress")
	ErrNotFound            = errors.New("not found")
)

// ProviderError carries a provider response verbatim. It unwraps to one of the
// sentinel errors above.
type ProviderError struct {
	Provider   Provider
	Op         string
	StatusCode int // 0 for network failures
	Body       string
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: HTTP %d: %v: %s", e.Provider, e.Op, e.StatusCode, e.Err, e.Body)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps an HTTP status code onto the error taxonomy.
func ClassifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusGone:
		return ErrCursorExpired
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code >= 500:
		return ErrTransport
	default:
		return ErrProviderRejected
	}
}

// NewStatusError builds a ProviderError from a non-2xx response.
func NewStatusError(p Provider, op string, code int, header http.Header, body string) *ProviderError {
	return &ProviderError{
		Provider:   p,
		Op:         op,
		StatusCode: code,
		Body:       body,
		RetryAfter: ParseRetryAfter(header, time.Now()),
		Err:        ClassifyStatus(code),
	}
}

// NewTransportError wraps a network-level failure.
func NewTransportError(p Provider, op string, err error) *ProviderError {
	return &ProviderError{
		Provider: p,
		Op:       op,
		Err:      fmt.Errorf("%w: %v", ErrTransport, err),
	}
}

// ParseRetryAfter reads a Retry-After header in either delay-seconds or
// HTTP-date form. It returns zero when absent or unparseable.
func ParseRetryAfter(header http.Header, now time.Time) time.Duration {
	if header == nil {
		return 0
	}
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
