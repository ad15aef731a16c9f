// Package retry wraps individual outbound calls with bounded retry on
// transient transport failures. Application-level failures (failure envelopes,
// malformed payloads) are never retried; the original transport error is
// returned unchanged once attempts are exhausted so callers can classify it.
package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/url"
	"time"
)

const (
	maxAttempts = 3
	baseDelay   = 200 * time.Millisecond
	maxDelay    = time.Second
)

// Transient reports whether err looks like a connection, network, or request
// timeout failure worth another attempt.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}

// Do runs fn up to three times, sleeping between attempts with exponential
// backoff and jitter. The last error is returned unwrapped.
func Do(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !Transient(err) || attempt == maxAttempts {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		delay := backoff(attempt)
		if logger != nil {
			logger.Debug("retrying transient failure",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", err))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return lastErr
		}
	}
	return lastErr
}

// backoff doubles from the base delay per attempt, caps at maxDelay, and adds
// up to 50% random jitter to spread concurrent retries.
func backoff(attempt int) time.Duration {
	delay := baseDelay << (attempt - 1)
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(delay / 2)))
	delay += jitter
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
