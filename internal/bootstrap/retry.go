package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// retryConfig bounds the exponential backoff applied to control-plane
// callbacks.
type retryConfig struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	maxAttempts  int
}

func defaultCallbackRetry() retryConfig {
	return retryConfig{
		initialDelay: time.Second,
		maxDelay:     30 * time.Second,
		maxAttempts:  10,
	}
}

// permanentError marks a callback failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

// retryCallback runs fn with exponential backoff and jitter until it
// succeeds, returns a permanentError, or the attempt budget is spent.
func (p *Pipeline) retryCallback(ctx context.Context, name string, cfg retryConfig, fn func(ctx context.Context) error) error {
	if cfg.initialDelay <= 0 {
		cfg.initialDelay = defaultCallbackRetry().initialDelay
	}
	if cfg.maxDelay <= 0 {
		cfg.maxDelay = defaultCallbackRetry().maxDelay
	}
	if cfg.maxAttempts <= 0 {
		cfg.maxAttempts = defaultCallbackRetry().maxAttempts
	}

	delay := cfg.initialDelay
	var lastErr error
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				p.logger.Info("control plane callback succeeded after retry",
					zap.String("callback", name), zap.Int("attempt", attempt))
			}
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			p.logger.Warn("control plane callback failed permanently",
				zap.String("callback", name), zap.Int("attempt", attempt), zap.Error(perm.err))
			return perm.err
		}
		lastErr = err

		if attempt >= cfg.maxAttempts {
			return fmt.Errorf("%s callback: gave up after %d attempts: %w", name, attempt, lastErr)
		}

		wait := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		p.logger.Warn("control plane callback failed, retrying",
			zap.String("callback", name), zap.Int("attempt", attempt),
			zap.Duration("wait", wait), zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s callback: %w", name, ctx.Err())
		case <-time.After(wait):
		}

		if delay *= 2; delay > cfg.maxDelay {
			delay = cfg.maxDelay
		}
	}
}
