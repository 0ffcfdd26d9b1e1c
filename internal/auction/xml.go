package auction

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Element is the <auction> element of the snapshot document.
type Element struct {
	XMLName        xml.Name      `xml:"auction"`
	ID             string        `xml:"id,attr"`
	Title          string        `xml:"title"`
	Comment        string        `xml:"comment,omitempty"`
	Category       string        `xml:"category"`
	State          string        `xml:"state"`
	Created        string        `xml:"created,omitempty"`
	End            string        `xml:"end,omitempty"`
	LastChecked    string        `xml:"last_checked,omitempty"`
	NextDue        string        `xml:"next_due,omitempty"`
	Price          *PriceElement `xml:"price,omitempty"`
	Bids           int           `xml:"bids"`
	HighBidder     string        `xml:"high_bidder,omitempty"`
	UpdateRequired bool          `xml:"update_required,omitempty"`
	Snipe          *SnipeElement `xml:"snipe,omitempty"`
}

// PriceElement is the current price with its currency.
type PriceElement struct {
	Currency string `xml:"currency,attr,omitempty"`
	Value    string `xml:",chardata"`
}

// SnipeElement is the persisted form of a Snipe.
type SnipeElement struct {
	Fired    bool   `xml:"fired,attr,omitempty"`
	Amount   string `xml:"amount"`
	Quantity int    `xml:"quantity"`
	LeadMS   int64  `xml:"lead_ms"`
	Outcome  string `xml:"outcome,omitempty"`
}

// ToElement renders a record into its snapshot element. The server name is
// carried by the enclosing <server> element.
func ToElement(r Record) Element {
	el := Element{
		ID:             r.ID,
		Title:          r.Title,
		Comment:        r.Comment,
		Category:       r.Category,
		State:          string(r.State),
		Created:        formatTime(r.Created),
		End:            formatTime(r.EndTime),
		LastChecked:    formatTime(r.LastChecked),
		NextDue:        formatTime(r.NextDue),
		Bids:           r.BidCount,
		HighBidder:     r.HighBidder,
		UpdateRequired: r.UpdateRequired,
	}
	if !r.Price.IsZero() || r.Currency != "" {
		el.Price = &PriceElement{Currency: r.Currency, Value: r.Price.String()}
	}
	if r.Snipe != nil {
		el.Snipe = &SnipeElement{
			Fired:    r.Snipe.Fired,
			Amount:   r.Snipe.Amount.String(),
			Quantity: r.Snipe.Quantity,
			LeadMS:   r.Snipe.Lead.Milliseconds(),
			Outcome:  r.Snipe.Outcome,
		}
	}
	return el
}

// FromElement rebuilds a record from its snapshot element.
func FromElement(el Element, server string) (Record, error) {
	r := Record{
		ID:             el.ID,
		Title:          el.Title,
		Comment:        el.Comment,
		Category:       el.Category,
		Server:         server,
		State:          State(el.State),
		BidCount:       el.Bids,
		HighBidder:     el.HighBidder,
		UpdateRequired: el.UpdateRequired,
	}
	var err error
	if r.Created, err = parseTime(el.Created); err != nil {
		return Record{}, fmt.Errorf("auction %s created: %w", el.ID, err)
	}
	if r.EndTime, err = parseTime(el.End); err != nil {
		return Record{}, fmt.Errorf("auction %s end: %w", el.ID, err)
	}
	if r.LastChecked, err = parseTime(el.LastChecked); err != nil {
		return Record{}, fmt.Errorf("auction %s last_checked: %w", el.ID, err)
	}
	if r.NextDue, err = parseTime(el.NextDue); err != nil {
		return Record{}, fmt.Errorf("auction %s next_due: %w", el.ID, err)
	}
	if el.Price != nil {
		r.Currency = el.Price.Currency
		if el.Price.Value != "" {
			if r.Price, err = decimal.NewFromString(el.Price.Value); err != nil {
				return Record{}, fmt.Errorf("auction %s price: %w", el.ID, err)
			}
		}
	}
	if el.Snipe != nil {
		amount, err := decimal.NewFromString(el.Snipe.Amount)
		if err != nil {
			return Record{}, fmt.Errorf("auction %s snipe amount: %w", el.ID, err)
		}
		r.Snipe = &Snipe{
			Amount:   amount,
			Quantity: el.Snipe.Quantity,
			Lead:     time.Duration(el.Snipe.LeadMS) * time.Millisecond,
			Fired:    el.Snipe.Fired,
			Outcome:  el.Snipe.Outcome,
		}
	}
	r.Normalize()
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Canonical returns the byte-stable rendering of a record used to detect
// whether an update changed anything.
func Canonical(r Record) ([]byte, error) {
	out, err := xml.Marshal(ToElement(r))
	if err != nil {
		return nil, fmt.Errorf("marshal auction %s: %w", r.ID, err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Decode parses a single <auction> element produced by Canonical.
func Decode(raw []byte, server string) (Record, error) {
	var el Element
	if err := xml.Unmarshal(raw, &el); err != nil {
		return Record{}, fmt.Errorf("unmarshal auction: %w", err)
	}
	return FromElement(el, server)
}
