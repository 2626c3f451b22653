package runner

import (
	"context"
	"time"
)

type Option func(*Handler)

// WithTimeout bounds each attempt.
func WithTimeout(t time.Duration) Option {
	return func(r *Handler) {
		r.timeout = t
	}
}

func WithMaxRetries(max int) Option {
	return func(r *Handler) {
		r.maxRetries = max
	}
}

func WithErrorHandler(h func(error)) Option {
	return func(r *Handler) {
		if h == nil {
			h = func(err error) {}
		}
		r.errorHandler = h
	}
}

func WithLogger(l Logger) Option {
	return func(r *Handler) {
		r.logger = l
	}
}

// WithRetryStrategy lets you define a custom retry/backoff approach.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(r *Handler) {
		r.retryStrategy = s
	}
}

// WithShouldRetry limits retries to errors accepted by fn.
func WithShouldRetry(fn func(error) bool) Option {
	return func(r *Handler) {
		r.shouldRetry = fn
	}
}

// WithSleeper replaces the wait between attempts, mostly for tests.
func WithSleeper(fn func(context.Context, time.Duration) error) Option {
	return func(r *Handler) {
		if fn == nil {
			fn = Sleep
		}
		r.sleep = fn
	}
}
