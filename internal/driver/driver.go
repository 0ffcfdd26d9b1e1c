// Package driver defines the contract between the engine and an auction site
// integration, plus decorators for retrying and pacing calls.
package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/snipewatch/internal/auction"
)

// ErrBiddingUnsupported is returned by decorators wrapping a driver that
// cannot place bids.
var ErrBiddingUnsupported = errors.New("driver does not place bids")

// Driver refreshes listing records from their auction site.
type Driver interface {
	// Refresh mutates rec in place from the remote site.
	Refresh(ctx context.Context, rec *auction.Record) error
	// Serialize renders the canonical bytes used for change detection.
	Serialize(rec auction.Record) ([]byte, error)
}

// Bidder is implemented by drivers that can submit a snipe.
type Bidder interface {
	PlaceSnipe(ctx context.Context, rec auction.Record) error
}

// PlaceSnipe submits rec's snipe through d when it is a Bidder.
func PlaceSnipe(ctx context.Context, d Driver, rec auction.Record) error {
	b, ok := d.(Bidder)
	if !ok {
		return ErrBiddingUnsupported
	}
	return b.PlaceSnipe(ctx, rec)
}

// Offline is a Driver for running without any site integration. Refresh
// succeeds without touching the record.
type Offline struct{}

// Refresh honours cancellation and otherwise leaves rec alone.
func (Offline) Refresh(ctx context.Context, _ *auction.Record) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("offline refresh: %w", err)
	}
	return nil
}

// Serialize renders the canonical XML of rec.
func (Offline) Serialize(rec auction.Record) ([]byte, error) {
	return auction.Canonical(rec)
}
