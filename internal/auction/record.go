// Package auction defines the listing record tracked by the engine and its
// snapshot XML encoding.
package auction

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// State is the lifecycle state of a listing.
type State string

// Supported listing states.
const (
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateInvalid   State = "invalid"
	StateDeleted   State = "deleted"
)

// DefaultCategory is the group a listing lands in when none is given.
const DefaultCategory = "current"

// DefaultServer names the auction site records belong to by default.
const DefaultServer = "ebay"

// Snipe is a scheduled last-moment bid.
type Snipe struct {
	// Amount is the maximum bid to submit.
	Amount decimal.Decimal
	// Quantity is the number of items to bid on (1 for single-item listings).
	Quantity int
	// Lead is how long before EndTime the bid must be submitted.
	Lead time.Duration
	// Fired is set once the bid has been handed to the driver.
	Fired bool
	// Outcome carries the driver's result text for a fired snipe.
	Outcome string
}

// Record is the in-memory state of one tracked listing.
type Record struct {
	ID       string
	Title    string
	Comment  string
	Category string
	Server   string

	Created     time.Time
	EndTime     time.Time
	LastChecked time.Time
	NextDue     time.Time

	Price      decimal.Decimal
	Currency   string
	BidCount   int
	HighBidder string

	Snipe          *Snipe
	State          State
	UpdateRequired bool
}

// Validate checks the identity and deadline invariants of a record.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("record id is required")
	}
	switch r.State {
	case StateActive, StateCompleted, StateInvalid, StateDeleted:
	default:
		return fmt.Errorf("record %s: unknown state %q", r.ID, r.State)
	}
	if !r.Created.IsZero() && !r.EndTime.IsZero() && r.EndTime.Before(r.Created) {
		return fmt.Errorf("record %s: end time %s precedes creation %s", r.ID, r.EndTime, r.Created)
	}
	if r.Snipe != nil && r.Snipe.Lead < 0 {
		return fmt.Errorf("record %s: snipe lead must be >= 0", r.ID)
	}
	return nil
}

// Normalize fills defaults for fields a caller may leave empty.
func (r *Record) Normalize() {
	if r.Category == "" {
		r.Category = DefaultCategory
	}
	if r.Server == "" {
		r.Server = DefaultServer
	}
	if r.State == "" {
		r.State = StateActive
	}
	if r.Snipe != nil && r.Snipe.Quantity <= 0 {
		r.Snipe.Quantity = 1
	}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r Record) Clone() Record {
	out := r
	if r.Snipe != nil {
		s := *r.Snipe
		out.Snipe = &s
	}
	return out
}

// Active reports whether the listing is still being polled.
func (r Record) Active() bool {
	return r.State == StateActive
}

// TitleAndComment renders the title with the user's comment appended, as
// shown in status lines.
func (r Record) TitleAndComment() string {
	if r.Comment == "" {
		return r.Title
	}
	return r.Title + " (" + r.Comment + ")"
}

// SnipeAt returns the instant the snipe must be submitted, if one is set.
func (r Record) SnipeAt() (time.Time, bool) {
	if r.Snipe == nil || r.EndTime.IsZero() {
		return time.Time{}, false
	}
	return r.EndTime.Add(-r.Snipe.Lead), true
}

// Equal compares every state-bearing field.
func (r Record) Equal(o Record) bool {
	if r.ID != o.ID || r.Title != o.Title || r.Comment != o.Comment ||
		r.Category != o.Category || r.Server != o.Server ||
		r.Currency != o.Currency || r.BidCount != o.BidCount || r.HighBidder != o.HighBidder ||
		r.State != o.State || r.UpdateRequired != o.UpdateRequired {
		return false
	}
	if !r.Created.Equal(o.Created) || !r.EndTime.Equal(o.EndTime) ||
		!r.LastChecked.Equal(o.LastChecked) || !r.NextDue.Equal(o.NextDue) {
		return false
	}
	if !r.Price.Equal(o.Price) {
		return false
	}
	switch {
	case r.Snipe == nil && o.Snipe == nil:
		return true
	case r.Snipe == nil || o.Snipe == nil:
		return false
	}
	a, b := r.Snipe, o.Snipe
	return a.Amount.Equal(b.Amount) && a.Quantity == b.Quantity && a.Lead == b.Lead &&
		a.Fired == b.Fired && a.Outcome == b.Outcome
}
