package base

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nexflow/streambridge/pkg/connector/core"
	"github.com/nexflow/streambridge/pkg/errors"
	"github.com/nexflow/streambridge/pkg/metrics"

	"github.com/nexflow/streambridge/pkg/config"
)

// ReconnectPolicy implements the exponential backoff schedule shared by
// every connector: attempt n sleeps BaseDelay * 2^(n-1) before tearing the
// connection down and re-establishing it. The attempt counter resets to
// zero on every successful connect.
type ReconnectPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	attempt     atomic.Int32
}

// NewReconnectPolicy creates a policy from the config section, applying
// defaults for zero values.
func NewReconnectPolicy(cfg config.ReconnectConfig) *ReconnectPolicy {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &ReconnectPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// MaxAttempts returns the attempt budget.
func (p *ReconnectPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// Attempt returns the current attempt count.
func (p *ReconnectPolicy) Attempt() int {
	return int(p.attempt.Load())
}

// Next increments and returns the attempt counter.
func (p *ReconnectPolicy) Next() int {
	return int(p.attempt.Add(1))
}

// Reset clears the attempt counter. Called on every successful connect.
func (p *ReconnectPolicy) Reset() {
	p.attempt.Store(0)
}

// Delay returns the backoff delay for the given 1-based attempt.
func (p *ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.baseDelay
	}
	return p.baseDelay << uint(attempt-1)
}

// Exhausted reports whether the given attempt exceeds the budget.
func (p *ReconnectPolicy) Exhausted(attempt int) bool {
	return attempt > p.maxAttempts
}

// ReconnectFunc tears down and re-establishes broker connectivity. It is
// the platform's Disconnect followed by Connect.
type ReconnectFunc func(ctx context.Context) error

// RunWithReconnect executes op under the shared reconnect policy. Transient
// and throttling errors trigger the backoff schedule: sleep, reconnect,
// re-enter op. Fatal error categories and context cancellation surface
// immediately. When the attempt budget is exhausted the connector enters
// the terminal Failed state and the last error surfaces wrapped as fatal,
// so sustained outages stop the connector rather than being swallowed.
func (c *Connector) RunWithReconnect(ctx context.Context, op func(ctx context.Context) error, reconnect ReconnectFunc) error {
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !errors.IsTransient(err) && !errors.IsThrottling(err) {
			return err
		}

		if rerr := c.backoffAndReconnect(ctx, err, reconnect); rerr != nil {
			return rerr
		}
		// Reconnected; re-enter the calling operation.
	}
}

// backoffAndReconnect runs the backoff schedule until connectivity is
// re-established or the attempt budget is exhausted.
func (c *Connector) backoffAndReconnect(ctx context.Context, cause error, reconnect ReconnectFunc) error {
	c.SetState(core.StateReconnecting)

	for {
		attempt := c.reconnect.Next()
		if c.reconnect.Exhausted(attempt) {
			c.SetState(core.StateFailed)
			metrics.Reconnects.WithLabelValues(string(c.platform), c.name, "exhausted").Inc()
			c.log.Error("reconnect attempts exhausted",
				zap.Int("max_attempts", c.reconnect.MaxAttempts()),
				zap.Error(cause))
			return errors.Wrap(cause, errors.ErrorTypeConnection,
				"reconnect attempts exhausted").WithDetail("max_attempts", c.reconnect.MaxAttempts())
		}

		delay := c.reconnect.Delay(attempt)
		c.log.Warn("transient broker error, reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(cause))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), errors.ErrorTypeConnection, "reconnect cancelled")
		case <-timer.C:
		}

		if err := reconnect(ctx); err != nil {
			metrics.Reconnects.WithLabelValues(string(c.platform), c.name, "failure").Inc()
			cause = err
			continue
		}

		metrics.Reconnects.WithLabelValues(string(c.platform), c.name, "success").Inc()
		c.reconnect.Reset()
		c.log.Info("reconnected", zap.Int("after_attempts", attempt))
		return nil
	}
}
