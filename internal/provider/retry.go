package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"calsync/internal/models"
)

// Credentials hands out a valid token for one Pair and refreshes it after the
// provider rejects it. Invalidate drops the credentials once the provider
// rejects even a freshly refreshed token.
type Credentials interface {
	Token(ctx context.Context) (*models.OAuthToken, error)
	Refresh(ctx context.Context, stale *models.OAuthToken) (*models.OAuthToken, error)
	Invalidate(ctx context.Context) error
}

// RetryPolicy bounds how provider failures are retried.
type RetryPolicy struct {
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	MaxRateLimitRetries int
	MaxServerRetries    int
	MaxTransportRetries int
}

// DefaultRetryPolicy backs off from 1s, retries 429 five times and 5xx or
// network failures three times.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff:      time.Second,
		MaxBackoff:          32 * time.Second,
		MaxRateLimitRetries: 5,
		MaxServerRetries:    3,
		MaxTransportRetries: 3,
	}
}

// Call names one provider operation for logging and metrics.
type Call struct {
	Provider models.Provider
	Op       string
	// Write marks calls that mutate provider state. Once issued they run to
	// completion even if the caller's context is cancelled.
	Write bool
}

// Retrier applies the provider failure policy: one refresh-and-retry on 401,
// exponential backoff on 429 honoring Retry-After, bounded retries on 5xx and
// network failures, and no retry for any other 4xx.
type Retrier struct {
	logger *slog.Logger
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRetrier(logger *slog.Logger, policy RetryPolicy) *Retrier {
	return &Retrier{logger: logger, policy: policy, sleep: sleepContext}
}

// WithSleep replaces the wait function; tests use it to avoid real delays.
func (r *Retrier) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Retrier {
	cp := *r
	cp.sleep = fn
	return &cp
}

// Do runs fn with a token from creds until it succeeds or the policy gives up.
// Cancellation of ctx is checked before every attempt and interrupts backoff
// waits.
func (r *Retrier) Do(ctx context.Context, creds Credentials, call Call, fn func(ctx context.Context, tok *models.OAuthToken) error) error {
	tok, err := creds.Token(ctx)
	if err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.policy.InitialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = r.policy.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	var (
		refreshed       bool
		rateLimited     int
		serverFailures  int
		networkFailures int
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		callCtx := ctx
		if call.Write {
			callCtx = context.WithoutCancel(ctx)
		}

		err := fn(callCtx, tok)
		if err == nil {
			providerCalls.WithLabelValues(string(call.Provider), call.Op, "ok").Inc()
			return nil
		}

		var perr *models.ProviderError
		isProviderErr := errors.As(err, &perr)

		var wait time.Duration
		switch {
		case errors.Is(err, models.ErrUnauthorized):
			if refreshed {
				providerCalls.WithLabelValues(string(call.Provider), call.Op, "unauthorized").Inc()
				r.logger.Warn("Provider rejected refreshed token, reauthorization required",
					"provider", call.Provider, "op", call.Op)
				reauth := fmt.Errorf("%w: %v", models.ErrReauthRequired, err)
				if ierr := creds.Invalidate(context.WithoutCancel(ctx)); ierr != nil {
					return errors.Join(reauth, ierr)
				}
				return reauth
			}
			refreshed = true
			retries.WithLabelValues(string(call.Provider), "unauthorized").Inc()
			r.logger.Info("Provider rejected token, refreshing", "provider", call.Provider, "op", call.Op)
			if tok, err = creds.Refresh(ctx, tok); err != nil {
				return err
			}
			continue

		case errors.Is(err, models.ErrRateLimited):
			rateLimited++
			if rateLimited > r.policy.MaxRateLimitRetries {
				providerCalls.WithLabelValues(string(call.Provider), call.Op, "rate_limited").Inc()
				return err
			}
			wait = bo.NextBackOff()
			if isProviderErr && perr.RetryAfter > 0 {
				wait = perr.RetryAfter
			}
			retries.WithLabelValues(string(call.Provider), "rate_limited").Inc()

		case errors.Is(err, models.ErrTransport) && isProviderErr && perr.StatusCode >= 500:
			serverFailures++
			if serverFailures > r.policy.MaxServerRetries {
				providerCalls.WithLabelValues(string(call.Provider), call.Op, "server_error").Inc()
				return err
			}
			wait = bo.NextBackOff()
			retries.WithLabelValues(string(call.Provider), "server_error").Inc()

		case errors.Is(err, models.ErrTransport):
			networkFailures++
			if networkFailures > r.policy.MaxTransportRetries {
				providerCalls.WithLabelValues(string(call.Provider), call.Op, "transport_error").Inc()
				return err
			}
			wait = bo.NextBackOff()
			retries.WithLabelValues(string(call.Provider), "transport_error").Inc()

		default:
			providerCalls.WithLabelValues(string(call.Provider), call.Op, "rejected").Inc()
			return err
		}

		r.logger.Warn("Provider call failed, retrying",
			"provider", call.Provider, "op", call.Op, "wait", wait, "error", err)
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
