package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type Table string

const (
	TableQuotes     Table = "quotes"
	TableQuoteItems Table = "quote_items"
)

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
	// EventResync is emitted locally after the feed reconnects: notifications
	// may have been missed, so every view must be re-read.
	EventResync EventType = "resync"
)

var ErrMalformedEvent = errors.New("malformed change event")

// Event says that a row changed. It is an invalidation signal only: consumers
// re-read canonical state and never apply it as a delta.
type Event struct {
	Table      Table      `json:"table"`
	Type       EventType  `json:"type"`
	AffectedID uuid.UUID  `json:"id"`
	QuoteID    *uuid.UUID `json:"quote_id,omitempty"`
}

// QuoteRef returns the quote an event concerns, when known.
func (e Event) QuoteRef() (uuid.UUID, bool) {
	if e.Table == TableQuotes && e.AffectedID != uuid.Nil {
		return e.AffectedID, true
	}
	if e.QuoteID != nil && *e.QuoteID != uuid.Nil {
		return *e.QuoteID, true
	}
	return uuid.Nil, false
}

// ParseEvent decodes the JSON payload produced by the notify triggers.
func ParseEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	switch ev.Table {
	case TableQuotes, TableQuoteItems:
	default:
		return Event{}, fmt.Errorf("%w: unknown table %q", ErrMalformedEvent, ev.Table)
	}
	switch ev.Type {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return Event{}, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, ev.Type)
	}
	return ev, nil
}

type Handler func(ctx context.Context, ev Event)

// Source delivers change events at least once, unordered across tables.
// Listen blocks until ctx is done or the source fails.
type Source interface {
	Listen(ctx context.Context, handle Handler) error
	Close() error
}
