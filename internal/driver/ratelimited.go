package driver

import (
	"context"

	"github.com/JakeFAU/snipewatch/internal/auction"
)

// Waiter blocks until a call to server may proceed.
type Waiter interface {
	Wait(ctx context.Context, server string) error
}

// RateLimited paces calls into a Driver per auction server.
type RateLimited struct {
	inner   Driver
	limiter Waiter
}

// NewRateLimited decorates inner with limiter.
func NewRateLimited(inner Driver, limiter Waiter) *RateLimited {
	return &RateLimited{inner: inner, limiter: limiter}
}

// Refresh waits for a token for the record's server, then refreshes.
func (r *RateLimited) Refresh(ctx context.Context, rec *auction.Record) error {
	if err := r.limiter.Wait(ctx, rec.Server); err != nil {
		return err
	}
	return r.inner.Refresh(ctx, rec)
}

// Serialize delegates to the wrapped driver.
func (r *RateLimited) Serialize(rec auction.Record) ([]byte, error) {
	return r.inner.Serialize(rec)
}

// PlaceSnipe waits for a token and forwards to the wrapped driver.
func (r *RateLimited) PlaceSnipe(ctx context.Context, rec auction.Record) error {
	if err := r.limiter.Wait(ctx, rec.Server); err != nil {
		return err
	}
	return PlaceSnipe(ctx, r.inner, rec)
}
