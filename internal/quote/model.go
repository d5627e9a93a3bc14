package quote

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusRevised   Status = "revised"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions or edits are permitted.
func (s Status) IsTerminal() bool {
	return s == StatusAccepted || s == StatusRejected || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusAccepted, StatusRejected, StatusRevised, StatusCancelled:
		return true
	}
	return false
}

type Action string

const (
	ActionSend   Action = "send"
	ActionRevise Action = "revise"
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
	ActionCancel Action = "cancel"
)

var allActions = []Action{ActionSend, ActionRevise, ActionAccept, ActionReject, ActionCancel}

type Quote struct {
	ID          uuid.UUID       `json:"id"`
	QuoteNumber string          `json:"quote_number"`
	Status      Status          `json:"status"`
	ClientID    uuid.UUID       `json:"client_id"`
	VendorID    uuid.UUID       `json:"vendor_id"`
	Notes       string          `json:"notes"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	// Advisory only; nothing expires a quote.
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type QuoteItem struct {
	ID          uuid.UUID       `json:"id"`
	QuoteID     uuid.UUID       `json:"quote_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}

// Subtotal is quantity × unit price.
func (i QuoteItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// QuoteDetail is a quote joined with its items and resolved display names.
type QuoteDetail struct {
	Quote
	Items      []QuoteItem `json:"items"`
	ClientName string      `json:"client_name"`
	VendorName string      `json:"vendor_name"`
}

// Clone returns a deep copy so callers never share item slices.
func (d *QuoteDetail) Clone() *QuoteDetail {
	if d == nil {
		return nil
	}
	out := *d
	if d.ValidUntil != nil {
		v := *d.ValidUntil
		out.ValidUntil = &v
	}
	out.Items = append([]QuoteItem(nil), d.Items...)
	return &out
}

// ListFilter is what the store understands; scoping is decided by Service.
type ListFilter struct {
	ClientID *uuid.UUID
	VendorID *uuid.UUID
	Status   *Status
	Limit    int32
	Offset   int32
}

// ListOptions are caller-facing knobs for ListQuotes.
type ListOptions struct {
	Status    *Status
	WithItems bool
	Limit     *int32
	Page      *int32
}

// HeaderUpdate is the set of header columns written together with a revision.
// The write only lands while the quote is still in From.
type HeaderUpdate struct {
	From        Status
	Notes       string
	TotalAmount decimal.Decimal
	Status      Status
}
