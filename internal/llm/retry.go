package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryConfig returns sensible defaults for rate limit retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// RetryProvider wraps a provider with automatic retry on transient errors.
// Only failures before the first delta are retried; once output has reached
// the engine a retry would duplicate it.
type RetryProvider struct {
	inner  Provider
	config RetryConfig
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// WrapWithRetry wraps a provider with retry logic.
func WrapWithRetry(p Provider, config RetryConfig, logger *slog.Logger) *RetryProvider {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryProvider{inner: p, config: config, logger: logger, sleep: sleepContext}
}

func (r *RetryProvider) Name() string {
	return r.inner.Name()
}

func (r *RetryProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		stream, first, err := r.open(ctx, req)
		if err == nil {
			return &primedStream{first: first, inner: stream}, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt >= r.config.MaxAttempts {
			break
		}

		wait := r.calculateBackoff(attempt, lastErr)
		r.logger.Warn("retrying provider request",
			"provider", r.inner.Name(),
			"attempt", attempt,
			"max_attempts", r.config.MaxAttempts,
			"wait", wait,
			"error", err)
		if err := r.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// open starts a stream and reads its first delta so that connection and
// early API errors surface here, where retrying is still safe.
func (r *RetryProvider) open(ctx context.Context, req Request) (Stream, *primedDelta, error) {
	stream, err := r.inner.Stream(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	delta, err := stream.Recv()
	if errors.Is(err, io.EOF) {
		return stream, &primedDelta{eof: true}, nil
	}
	if err != nil {
		stream.Close()
		return nil, nil, err
	}
	return stream, &primedDelta{delta: delta}, nil
}

type primedDelta struct {
	delta Delta
	eof   bool
}

// primedStream replays the delta read during open before delegating.
type primedStream struct {
	first *primedDelta
	inner Stream
}

func (s *primedStream) Recv() (Delta, error) {
	if s.first != nil {
		first := s.first
		s.first = nil
		if first.eof {
			return Delta{}, io.EOF
		}
		return first.delta, nil
	}
	return s.inner.Recv()
}

func (s *primedStream) Close() error {
	return s.inner.Close()
}

// isRetryable returns true if the error is a transient error worth retrying.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	// HTTP status codes and rate limit messages
	if strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "529") ||
		strings.Contains(errStr, "overloaded") {
		return true
	}

	// Connection errors
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "no such host") {
		return true
	}

	return false
}

// retryAfterRegex matches Retry-After values in error messages.
var retryAfterRegex = regexp.MustCompile(`(?i)retry[- ]?after[:\s]+(\d+)`)

// calculateBackoff computes the wait duration for a retry attempt.
func (r *RetryProvider) calculateBackoff(attempt int, err error) time.Duration {
	if err != nil {
		if matches := retryAfterRegex.FindStringSubmatch(err.Error()); len(matches) > 1 {
			if secs, parseErr := strconv.Atoi(matches[1]); parseErr == nil && secs > 0 {
				wait := time.Duration(secs) * time.Second
				if wait > r.config.MaxBackoff {
					wait = r.config.MaxBackoff
				}
				return wait
			}
		}
	}

	// Exponential backoff: base * 2^(attempt-1), +/- 25% jitter
	backoff := float64(r.config.BaseBackoff) * math.Pow(2, float64(attempt-1))
	backoff += (rand.Float64() - 0.5) * 0.5 * backoff
	if backoff > float64(r.config.MaxBackoff) {
		backoff = float64(r.config.MaxBackoff)
	}
	return time.Duration(backoff)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
