package driver

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/snipewatch/internal/auction"
)

// RetryPolicy decides whether and when a failed refresh is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// ExponentialRetryPolicy implements RetryPolicy with jittered backoff.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy builds a policy allowing maxAttempts tries
// (default 3).
func NewExponentialRetryPolicy(maxAttempts int) *ExponentialRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &ExponentialRetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   250 * time.Millisecond,
		maxDelay:    5 * time.Second,
	}
}

// ShouldRetry decides whether the error is retryable.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

// Backoff returns the wait duration before the next attempt.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Retrying wraps a Driver and retries failed refreshes. Each attempt starts
// from the record as it was before the first attempt. Bids are never retried.
type Retrying struct {
	inner  Driver
	policy RetryPolicy
	logger *zap.Logger
}

// NewRetrying decorates inner with policy.
func NewRetrying(inner Driver, policy RetryPolicy, logger *zap.Logger) *Retrying {
	if policy == nil {
		policy = NewExponentialRetryPolicy(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{inner: inner, policy: policy, logger: logger}
}

// Refresh calls the wrapped driver until it succeeds or the policy gives up.
func (r *Retrying) Refresh(ctx context.Context, rec *auction.Record) error {
	orig := rec.Clone()
	for attempt := 1; ; attempt++ {
		err := r.inner.Refresh(ctx, rec)
		if err == nil {
			return nil
		}
		if !r.policy.ShouldRetry(err, attempt) {
			return err
		}
		wait := r.policy.Backoff(attempt)
		r.logger.Debug("retrying refresh",
			zap.String("id", orig.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("refresh %s: %w", orig.ID, ctx.Err())
		case <-timer.C:
		}
		*rec = orig.Clone()
	}
}

// Serialize delegates to the wrapped driver.
func (r *Retrying) Serialize(rec auction.Record) ([]byte, error) {
	return r.inner.Serialize(rec)
}

// PlaceSnipe forwards to the wrapped driver once.
func (r *Retrying) PlaceSnipe(ctx context.Context, rec auction.Record) error {
	return PlaceSnipe(ctx, r.inner, rec)
}
