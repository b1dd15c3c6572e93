package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig configures the circuit breaker around stream creation.
type BreakerConfig struct {
	Enabled     bool
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:     true,
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		Interval:    time.Minute,
	}
}

// BreakerProvider fails fast while the wrapped provider keeps failing to
// start streams. Errors after a stream is open do not count.
type BreakerProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker[Stream]
}

func WrapWithBreaker(inner Provider, cfg BreakerConfig, logger *slog.Logger) *BreakerProvider {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultBreakerConfig()
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaults.MaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaults.Interval
	}

	cb := gobreaker.NewCircuitBreaker[Stream](gobreaker.Settings{
		Name:        "provider:" + inner.Name(),
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about provider health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &BreakerProvider{inner: inner, breaker: cb}
}

func (p *BreakerProvider) Name() string {
	return p.inner.Name()
}

func (p *BreakerProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	stream, err := p.breaker.Execute(func() (Stream, error) {
		return p.inner.Stream(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("provider %q circuit open: %w", p.inner.Name(), err)
		}
		return nil, err
	}
	return stream, nil
}

// State returns the current breaker state.
func (p *BreakerProvider) State() gobreaker.State {
	return p.breaker.State()
}
