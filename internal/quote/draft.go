package quote

import (
	"strconv"
	"strings"

	"agrispare-be/internal/identity"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ItemField string

const (
	FieldQuantity ItemField = "quantity"
	FieldPrice    ItemField = "price"
)

// DraftItem is the editable part of a quote line.
type DraftItem struct {
	ID          uuid.UUID       `json:"id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}

// Draft is an uncommitted working copy of a quote's editable fields. It never
// shares memory with the committed QuoteDetail it was copied from.
type Draft struct {
	QuoteID     uuid.UUID       `json:"quote_id"`
	Notes       string          `json:"notes"`
	Items       []DraftItem     `json:"items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

type ItemDelta struct {
	ID       uuid.UUID
	Quantity int
	Price    decimal.Decimal
}

type Delta struct {
	ChangedItems []ItemDelta
	NotesChanged bool
}

func (d Delta) Empty() bool {
	return len(d.ChangedItems) == 0 && !d.NotesChanged
}

// BeginEdit copies the committed quote into a new Draft when actor may revise it.
func BeginEdit(q *QuoteDetail, actor identity.Identity) (*Draft, error) {
	if q == nil {
		return nil, ErrNotFound
	}
	if dec := Authorize(&q.Quote, actor, ActionRevise); !dec.Allowed {
		return nil, denied(&q.Quote, actor, ActionRevise, dec)
	}
	return newDraft(q), nil
}

func newDraft(q *QuoteDetail) *Draft {
	d := &Draft{
		QuoteID: q.ID,
		Notes:   q.Notes,
		Items:   make([]DraftItem, 0, len(q.Items)),
	}
	for _, it := range q.Items {
		d.Items = append(d.Items, DraftItem{
			ID:          it.ID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			Price:       it.Price,
		})
	}
	d.recompute()
	return d
}

// Clone returns an independent copy of the draft.
func (d *Draft) Clone() *Draft {
	if d == nil {
		return nil
	}
	out := *d
	out.Items = append([]DraftItem(nil), d.Items...)
	return &out
}

// SetItemField updates one item's quantity or price and recomputes the
// draft total for live display. Values are given as text, as entered.
func (d *Draft) SetItemField(itemID uuid.UUID, field ItemField, value string) error {
	idx := d.indexOf(itemID)
	if idx < 0 {
		return invalid("item", "item does not belong to this quote")
	}
	value = strings.TrimSpace(value)

	switch field {
	case FieldQuantity:
		n, err := strconv.Atoi(value)
		if err != nil {
			return invalid(string(field), "must be a whole number")
		}
		if !validQuantity(n) {
			return invalid(string(field), "must be greater than zero")
		}
		d.Items[idx].Quantity = n
	case FieldPrice:
		p, err := decimal.NewFromString(value)
		if err != nil {
			return invalid(string(field), "must be a number")
		}
		if !validPrice(p) {
			return invalid(string(field), "must be non-negative with at most 2 decimal places")
		}
		d.Items[idx].Price = p
	default:
		return invalid(string(field), "field is not editable")
	}

	d.recompute()
	return nil
}

func (d *Draft) SetNotes(text string) {
	d.Notes = text
}

// Validate checks the whole payload before anything reaches the store.
func (d *Draft) Validate() error {
	if d == nil {
		return invalid("draft", "missing")
	}
	seen := make(map[uuid.UUID]struct{}, len(d.Items))
	for _, it := range d.Items {
		if _, dup := seen[it.ID]; dup {
			return invalid("items", "duplicate item "+it.ID.String())
		}
		seen[it.ID] = struct{}{}
		if !validQuantity(it.Quantity) {
			return invalid("quantity", "must be greater than zero")
		}
		if !validPrice(it.Price) {
			return invalid("price", "must be non-negative with at most 2 decimal places")
		}
	}
	return nil
}

func (d *Draft) indexOf(id uuid.UUID) int {
	for i := range d.Items {
		if d.Items[i].ID == id {
			return i
		}
	}
	return -1
}

func (d *Draft) recompute() {
	items := make([]QuoteItem, len(d.Items))
	for i, it := range d.Items {
		items[i] = QuoteItem{ID: it.ID, Quantity: it.Quantity, Price: it.Price}
	}
	d.TotalAmount = ComputeTotal(items)
}

// Diff returns the minimal item updates needed to turn committed into draft.
// Draft items unknown to committed are rejected: lines are not added or
// removed during negotiation.
func Diff(committed *QuoteDetail, d *Draft) (Delta, error) {
	var delta Delta
	if committed == nil || d == nil {
		return delta, invalid("draft", "missing")
	}
	if d.QuoteID != committed.ID {
		return delta, invalid("draft", "draft belongs to another quote")
	}

	byID := make(map[uuid.UUID]QuoteItem, len(committed.Items))
	for _, it := range committed.Items {
		byID[it.ID] = it
	}

	for _, it := range d.Items {
		cur, ok := byID[it.ID]
		if !ok {
			return Delta{}, invalid("items", "item "+it.ID.String()+" does not belong to this quote")
		}
		if cur.Quantity != it.Quantity || !cur.Price.Equal(it.Price) {
			delta.ChangedItems = append(delta.ChangedItems, ItemDelta{
				ID:       it.ID,
				Quantity: it.Quantity,
				Price:    it.Price,
			})
		}
	}
	delta.NotesChanged = d.Notes != committed.Notes
	return delta, nil
}
