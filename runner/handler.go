package runner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Handler runs a function with bounded retries.
type Handler struct {
	mu sync.Mutex

	logger        Logger
	errorHandler  func(error)
	retryStrategy RetryStrategy
	shouldRetry   func(error) bool
	sleep         func(context.Context, time.Duration) error

	runs     int
	failures int

	maxRetries int
	timeout    time.Duration
}

// NewHandler constructs a Handler from various options, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		errorHandler: func(err error) {
			log.Printf("runner error: %v\n", err)
		},
		retryStrategy: NoDelayStrategy{},
		sleep:         Sleep,
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	return h
}

// Run calls fn until it succeeds, the retry budget is spent, fn returns
// an error rejected by the retry filter, or ctx is done.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return errors.New("runner function required", errors.CategoryBadInput).
			WithTextCode("RUNNER_NIL_FUNC")
	}

	h.mu.Lock()
	maxRetries := h.maxRetries
	strategy := h.retryStrategy
	shouldRetry := h.shouldRetry
	sleep := h.sleep
	h.mu.Unlock()

	var err error
	attempt := 0
	for ; attempt <= maxRetries; attempt++ {
		err = h.attempt(ctx, fn)
		if err == nil {
			break
		}
		if shouldRetry != nil && !shouldRetry(err) {
			break
		}
		if attempt == maxRetries {
			break
		}

		h.handleError(errors.Wrap(err, errors.CategoryHandler,
			fmt.Sprintf("runner failed, attempt %d of %d", attempt+1, maxRetries+1),
		).WithTextCode("RUNNER_ATTEMPT_FAILED"))

		var delay time.Duration
		if strategy != nil {
			delay = strategy.SleepDuration(attempt, err)
		}
		if h.logger != nil {
			h.logger.Info("retrying in %s", delay)
		}
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			err = sleepErr
			break
		}
	}

	h.mu.Lock()
	h.runs++
	if err != nil {
		h.failures++
	}
	h.mu.Unlock()

	if err != nil && h.logger != nil {
		h.logger.Error("runner failed after %d attempts: %v", attempt+1, err)
	}
	return err
}

func (h *Handler) attempt(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return fn(ctx)
}

// Stats returns the number of runs and failed runs.
func (h *Handler) Stats() (runs, failures int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs, h.failures
}

func (h *Handler) handleError(err error) {
	if h.errorHandler != nil {
		h.errorHandler(err)
	}
}
