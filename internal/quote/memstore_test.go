package quote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var errInjected = errors.New("injected storage failure")

// memStore is an in-memory Repository with per-call atomicity only, like the
// plain adapter contract. Failures and interleavings are injected per method.
type memStore struct {
	mu     sync.Mutex
	quotes map[uuid.UUID]Quote
	items  map[uuid.UUID][]QuoteItem

	failures map[string]error
	hooks    map[string]func()
	calls    []string
}

func newMemStore() *memStore {
	return &memStore{
		quotes:   make(map[uuid.UUID]Quote),
		items:    make(map[uuid.UUID][]QuoteItem),
		failures: make(map[string]error),
		hooks:    make(map[string]func()),
	}
}

// txStore adds single-transaction revisions on top of memStore.
type txStore struct {
	*memStore
}

func (s *memStore) put(d *QuoteDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := d.Quote
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}
	s.quotes[q.ID] = q
	s.items[q.ID] = append([]QuoteItem(nil), d.Items...)
}

// snapshot reads committed state directly, bypassing failure injection.
func (s *memStore) snapshot(id uuid.UUID) (Quote, []QuoteItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quotes[id], append([]QuoteItem(nil), s.items[id]...)
}

func (s *memStore) failOnce(method string, err error) {
	s.mu.Lock()
	s.failures[method] = err
	s.mu.Unlock()
}

// before runs fn once, just before the next call to method touches state.
func (s *memStore) before(method string, fn func()) {
	s.mu.Lock()
	s.hooks[method] = fn
	s.mu.Unlock()
}

func (s *memStore) enter(method string) error {
	s.mu.Lock()
	s.calls = append(s.calls, method)
	hook := s.hooks[method]
	delete(s.hooks, method)
	err := s.failures[method]
	delete(s.failures, method)
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return &StorageError{Op: method, Err: err}
	}
	return nil
}

func (s *memStore) called(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (s *memStore) Get(ctx context.Context, id uuid.UUID) (*Quote, error) {
	if err := s.enter("Get"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &q, nil
}

func (s *memStore) List(ctx context.Context, filter ListFilter) ([]*Quote, error) {
	if err := s.enter("List"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*Quote{}
	for _, q := range s.quotes {
		q := q
		if filter.ClientID != nil && q.ClientID != *filter.ClientID {
			continue
		}
		if filter.VendorID != nil && q.VendorID != *filter.VendorID {
			continue
		}
		if filter.Status != nil && q.Status != *filter.Status {
			continue
		}
		out = append(out, &q)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})

	if filter.Limit > 0 {
		start := int(filter.Offset)
		if start > len(out) {
			start = len(out)
		}
		end := start + int(filter.Limit)
		if end > len(out) {
			end = len(out)
		}
		out = out[start:end]
	}
	return out, nil
}

func (s *memStore) GetItems(ctx context.Context, quoteID uuid.UUID) ([]QuoteItem, error) {
	if err := s.enter("GetItems"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QuoteItem{}, s.items[quoteID]...), nil
}

func (s *memStore) GetItemsForQuotes(ctx context.Context, quoteIDs []uuid.UUID) (map[uuid.UUID][]QuoteItem, error) {
	if err := s.enter("GetItemsForQuotes"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID][]QuoteItem, len(quoteIDs))
	for _, id := range quoteIDs {
		if items, ok := s.items[id]; ok {
			out[id] = append([]QuoteItem(nil), items...)
		}
	}
	return out, nil
}

func (s *memStore) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) error {
	if err := s.enter("UpdateStatus"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[id]
	if !ok || q.Status != from {
		return errStatusConflict
	}
	q.Status = to
	q.UpdatedAt = time.Now()
	s.quotes[id] = q
	return nil
}

func (s *memStore) UpdateHeader(ctx context.Context, id uuid.UUID, h HeaderUpdate) error {
	if err := s.enter("UpdateHeader"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[id]
	if !ok || q.Status != h.From {
		return errStatusConflict
	}
	q.Notes = h.Notes
	q.TotalAmount = h.TotalAmount
	q.Status = h.Status
	q.UpdatedAt = time.Now()
	s.quotes[id] = q
	return nil
}

func (s *memStore) UpsertItems(ctx context.Context, quoteID uuid.UUID, items []ItemDelta) error {
	if err := s.enter("UpsertItems"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(quoteID, items)
}

func (s *memStore) applyLocked(quoteID uuid.UUID, items []ItemDelta) error {
	current := append([]QuoteItem(nil), s.items[quoteID]...)
	for _, it := range items {
		found := false
		for i := range current {
			if current[i].ID == it.ID {
				current[i].Quantity = it.Quantity
				current[i].Price = it.Price
				found = true
			}
		}
		if !found {
			return &StorageError{Op: "upsert items", Err: fmt.Errorf("item %s not on quote", it.ID)}
		}
	}
	s.items[quoteID] = current
	return nil
}

func (s txStore) CommitRevision(ctx context.Context, rev Revision) error {
	if err := s.enter("CommitRevision"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[rev.QuoteID]
	if !ok {
		return ErrNotFound
	}
	if q.Status != rev.From {
		return errStatusConflict
	}

	if err := s.applyLocked(rev.QuoteID, rev.Items); err != nil {
		return err
	}

	q.Notes = rev.Notes
	q.TotalAmount = ComputeTotal(s.items[rev.QuoteID])
	q.Status = rev.Status
	q.UpdatedAt = time.Now()
	s.quotes[rev.QuoteID] = q
	return nil
}

type staticNames map[uuid.UUID]string

func (n staticNames) DisplayNames(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string, len(ids))
	for _, id := range ids {
		if name, ok := n[id]; ok {
			out[id] = name
		}
	}
	return out, nil
}

type failingNames struct{}

func (failingNames) DisplayNames(context.Context, []uuid.UUID) (map[uuid.UUID]string, error) {
	return nil, errors.New("users table unavailable")
}

func (s *memStore) remove(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quotes, id)
	delete(s.items, id)
}
