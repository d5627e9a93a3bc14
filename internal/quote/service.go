package quote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agrispare-be/internal/events"
	"agrispare-be/internal/identity"
	"agrispare-be/internal/logger"
	"agrispare-be/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultPageSize = int32(20)
	maxPageSize     = int32(100)
	maxNotesLength  = 4000

	// A conditional write that loses a race is re-read, re-authorized and
	// retried this many times before giving up with a storage failure.
	maxConflictRetries = 3
)

// Service is the negotiation controller: the only surface that reads or
// mutates quotes on behalf of an actor.
type Service interface {
	ListQuotes(ctx context.Context, actor identity.Identity, opts ListOptions) ([]*QuoteDetail, error)
	LoadDetail(ctx context.Context, actor identity.Identity, id uuid.UUID) (*QuoteDetail, error)
	AllowedActions(ctx context.Context, actor identity.Identity, id uuid.UUID) ([]Action, error)
	BeginEdit(ctx context.Context, actor identity.Identity, id uuid.UUID) (*Draft, error)

	Send(ctx context.Context, actor identity.Identity, id uuid.UUID) (*QuoteDetail, error)
	Revise(ctx context.Context, actor identity.Identity, id uuid.UUID, draft *Draft) (*QuoteDetail, error)
	Accept(ctx context.Context, actor identity.Identity, id uuid.UUID) (*QuoteDetail, error)
	Reject(ctx context.Context, actor identity.Identity, id uuid.UUID) (*QuoteDetail, error)
	Cancel(ctx context.Context, actor identity.Identity, id uuid.UUID) (*QuoteDetail, error)
}

type service struct {
	repo      Repository
	names     NameResolver
	publisher events.Publisher
	metrics   *metrics.Negotiation
}

// NewService wires the controller. names, pub and m may be nil.
func NewService(repo Repository, names NameResolver, pub events.Publisher, m *metrics.Negotiation) Service {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	if m == nil {
		m = &metrics.Negotiation{}
	}
	return &service{repo: repo, names: names, publisher: pub, metrics: m}
}

func (s *service) ListQuotes(ctx context.Context, actor identity.Identity, opts ListOptions) (out []*QuoteDetail, err error) {
	defer s.guard(ctx, "ListQuotes", &err)

	if actor.IsZero() {
		return nil, ErrUnauthenticated
	}

	filter := ListFilter{Status: opts.Status}
	switch actor.Role {
	case identity.RoleCustomer:
		filter.ClientID = &actor.ActorID
	case identity.RoleVendor, identity.RoleAdmin:
		filter.VendorID = &actor.ActorID
	case identity.RoleSuperAdmin:
		// unscoped
	default:
		return nil, ErrUnauthenticated
	}
	if opts.Status != nil && !opts.Status.Valid() {
		s.metrics.Invalid.Inc()
		return nil, invalid("status", fmt.Sprintf("unknown status %q", *opts.Status))
	}

	limit := defaultPageSize
	page := int32(1)
	if opts.Limit != nil && *opts.Limit > 0 {
		limit = *opts.Limit
	}
	if opts.Page != nil && *opts.Page > 0 {
		page = *opts.Page
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	filter.Limit = limit
	filter.Offset = (page - 1) * limit

	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "ListQuotes"),
		zap.String("role", string(actor.Role)),
	)

	quotes, err := s.repo.List(ctx, filter)
	if err != nil {
		s.countFailure(err)
		log.Error("failed to list quotes", zap.Error(err))
		return nil, err
	}

	details := make([]*QuoteDetail, 0, len(quotes))
	ids := make([]uuid.UUID, 0, len(quotes))
	for _, q := range quotes {
		// The store is trusted for scope, but a quote the actor may not see
		// must never leak through a misbehaving filter.
		if !Visible(q, actor) {
			continue
		}
		details = append(details, &QuoteDetail{Quote: *q})
		ids = append(ids, q.ID)
	}

	if opts.WithItems && len(ids) > 0 {
		byQuote, err := s.repo.GetItemsForQuotes(ctx, ids)
		if err != nil {
			s.countFailure(err)
			log.Error("failed to load quote items", zap.Error(err))
			return nil, err
		}
		for _, d := range details {
			d.Items = byQuote[d.ID]
		}
	}

	s.resolveNames(ctx, details...)

	log.Debug("list quotes success", zap.Int("count", len(details)))
	return details, nil
}

func (s *service) LoadDetail(ctx context.Context, actor identity.Identity, id uuid.UUID) (d *QuoteDetail, err error) {
	defer s.guard(ctx, "LoadDetail", &err)

	d, err = s.loadDetail(ctx, actor, id)
	if err != nil {
		s.countFailure(err)
		return nil, err
	}
	return d, nil
}

func (s *service) AllowedActions(ctx context.Context, actor identity.Identity, id uuid.UUID) (out []Action, err error) {
	defer s.guard(ctx, "AllowedActions", &err)

	q, err := s.loadVisible(ctx, actor, id)
	if err != nil {
		s.countFailure(err)
		return nil, err
	}
	return AllowedActions(q, actor), nil
}

func (s *service) BeginEdit(ctx context.Context, actor identity.Identity, id uuid.UUID) (d *Draft, err error) {
	defer s.guard(ctx, "BeginEdit", &err)

	detail, err := s.loadDetail(ctx, actor, id)
	if err != nil {
		err = hideMissing(err, ActionRevise, actor)
		s.countFailure(err)
		return nil, err
	}
	d, err = BeginEdit(detail, actor)
	if err != nil {
		s.countFailure(err)
		return nil, err
	}
	return d, nil
}

func (s *service) Send(ctx context.Context, actor identity.Identity, id uuid.UUID) (*QuoteDetail, error) {
	return s.transition(ctx, actor, id, ActionSend)
}

func (s *service) Accept(ctx context.Context, actor identity.Identity, id uuid.UUID) (*QuoteDetail, error) {
	return s.transition(ctx, actor, id, ActionAccept)
}

func (s *service) Reject(ctx context.Context, actor identity.Identity, id uuid.UUID) (*QuoteDetail, error) {
	return s.transition(ctx, actor, id, ActionReject)
}

func (s *service) Cancel(ctx context.Context, actor identity.Identity, id uuid.UUID) (*QuoteDetail, error) {
	return s.transition(ctx, actor, id, ActionCancel)
}

// transition performs a status-only change. The write is conditional on the
// status that was authorized; losing that race re-reads and re-authorizes.
func (s *service) transition(ctx context.Context, actor identity.Identity, id uuid.UUID, action Action) (out *QuoteDetail, err error) {
	defer s.guard(ctx, string(action), &err)

	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", string(action)),
		zap.String("quote_id", id.String()),
	)

	to, _ := NextStatus(action)
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		q, err := s.loadVisible(ctx, actor, id)
		if err != nil {
			err = hideMissing(err, action, actor)
			s.countFailure(err)
			return nil, err
		}

		if dec := Authorize(q, actor, action); !dec.Allowed {
			s.metrics.Denied.Inc()
			log.Info("transition denied", zap.String("status", string(q.Status)), zap.String("reason", dec.Reason))
			return nil, denied(q, actor, action, dec)
		}

		timer := metrics.StartTimer()
		err = s.repo.UpdateStatus(ctx, id, q.Status, to)
		s.metrics.ObserveCommit(timer.Duration())
		if errors.Is(err, errStatusConflict) {
			log.Info("status changed under us, retrying", zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			s.countFailure(err)
			log.Error("failed to update quote status", zap.Error(err))
			return nil, err
		}

		s.metrics.Transitions.Inc()
		log.Info("quote transitioned", zap.String("from", string(q.Status)), zap.String("to", string(to)))
		return s.afterCommit(ctx, actor, id, action, q.Status)
	}

	s.metrics.StorageFailures.Inc()
	return nil, &StorageError{Op: string(action), Err: errStatusConflict}
}

// Revise commits a draft: changed item values, the recomputed total, notes
// and status=revised, as one unit.
func (s *service) Revise(ctx context.Context, actor identity.Identity, id uuid.UUID, draft *Draft) (out *QuoteDetail, err error) {
	defer s.guard(ctx, "Revise", &err)

	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "Revise"),
		zap.String("quote_id", id.String()),
	)

	if err := validateRevision(id, draft); err != nil {
		s.metrics.Invalid.Inc()
		log.Info("invalid revision payload", zap.Error(err))
		return nil, err
	}

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		committed, err := s.loadDetail(ctx, actor, id)
		if err != nil {
			err = hideMissing(err, ActionRevise, actor)
			s.countFailure(err)
			return nil, err
		}

		if dec := Authorize(&committed.Quote, actor, ActionRevise); !dec.Allowed {
			s.metrics.Denied.Inc()
			log.Info("revise denied", zap.String("status", string(committed.Status)), zap.String("reason", dec.Reason))
			return nil, denied(&committed.Quote, actor, ActionRevise, dec)
		}

		delta, err := Diff(committed, draft)
		if err != nil {
			s.metrics.Invalid.Inc()
			return nil, err
		}

		if delta.Empty() {
			log.Info("revision carries no value changes, committing status only")
		}

		timer := metrics.StartTimer()
		err = s.commitRevision(ctx, committed, draft.Notes, delta)
		s.metrics.ObserveCommit(timer.Duration())
		if errors.Is(err, errStatusConflict) {
			log.Info("status changed under us, retrying", zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			s.countFailure(err)
			log.Error("failed to commit revision", zap.Error(err))
			return nil, err
		}

		s.metrics.Transitions.Inc()
		log.Info("quote revised",
			zap.Int("changed_items", len(delta.ChangedItems)),
			zap.Bool("notes_changed", delta.NotesChanged),
		)
		return s.afterCommit(ctx, actor, id, ActionRevise, committed.Status)
	}

	s.metrics.StorageFailures.Inc()
	return nil, &StorageError{Op: "revise", Err: errStatusConflict}
}

func validateRevision(id uuid.UUID, draft *Draft) error {
	if draft == nil {
		return invalid("draft", "missing")
	}
	if draft.QuoteID != id {
		return invalid("draft", "draft belongs to another quote")
	}
	if len(draft.Notes) > maxNotesLength {
		return invalid("notes", fmt.Sprintf("must be at most %d characters", maxNotesLength))
	}
	return draft.Validate()
}

func (s *service) commitRevision(ctx context.Context, committed *QuoteDetail, notes string, delta Delta) error {
	if c, ok := s.repo.(RevisionCommitter); ok {
		return c.CommitRevision(ctx, Revision{
			QuoteID: committed.ID,
			From:    committed.Status,
			Items:   delta.ChangedItems,
			Notes:   notes,
			Status:  StatusRevised,
		})
	}

	// Ordered writes: lines first, then the header carrying a total computed
	// from the lines as re-read after the write. A failure between the two
	// leaves new lines with the old header; the caller must resync.
	if len(delta.ChangedItems) > 0 {
		if err := s.repo.UpsertItems(ctx, committed.ID, delta.ChangedItems); err != nil {
			return err
		}
	}
	items, err := s.repo.GetItems(ctx, committed.ID)
	if err != nil {
		return err
	}
	err = s.repo.UpdateHeader(ctx, committed.ID, HeaderUpdate{
		From:        committed.Status,
		Notes:       notes,
		TotalAmount: ComputeTotal(items),
		Status:      StatusRevised,
	})
	if errors.Is(err, errStatusConflict) && len(delta.ChangedItems) > 0 {
		// Someone else moved the quote; put the lines back as they were read.
		if rerr := s.repo.UpsertItems(ctx, committed.ID, revertDelta(committed.Items, delta)); rerr != nil {
			return rerr
		}
	}
	return err
}

// revertDelta returns the committed values of every line delta touches.
func revertDelta(items []QuoteItem, delta Delta) []ItemDelta {
	out := make([]ItemDelta, 0, len(delta.ChangedItems))
	for _, ch := range delta.ChangedItems {
		for _, it := range items {
			if it.ID == ch.ID {
				out = append(out, ItemDelta{ID: it.ID, Quantity: it.Quantity, Price: it.Price})
				break
			}
		}
	}
	return out
}

// afterCommit re-reads the canonical quote and announces the transition.
func (s *service) afterCommit(ctx context.Context, actor identity.Identity, id uuid.UUID, action Action, from Status) (*QuoteDetail, error) {
	d, err := s.loadDetail(ctx, actor, id)
	if err != nil {
		// The write is durable; the re-read failing is a storage problem the
		// caller resolves by refreshing.
		s.countFailure(err)
		return nil, err
	}

	ev := events.QuoteTransitioned{
		QuoteID:     d.ID,
		QuoteNumber: d.QuoteNumber,
		Action:      string(action),
		From:        string(from),
		To:          string(d.Status),
		ClientID:    d.ClientID,
		VendorID:    d.VendorID,
		ActorID:     actor.ActorID,
		ActorRole:   string(actor.Role),
		TotalAmount: d.TotalAmount.StringFixed(MinorUnits),
		EventTime:   time.Now().UTC(),
	}
	if err := s.publisher.PublishTransition(ctx, ev); err != nil {
		s.metrics.PublishFailures.Inc()
		logger.FromCtx(ctx).Warn("failed to publish quote transition",
			zap.String("quote_id", id.String()),
			zap.Error(err),
		)
	}
	return d, nil
}

// hideMissing turns a not-found on a mutating path into a denial that still
// matches ErrNotFound, identical for unknown and out-of-scope quotes.
func hideMissing(err error, action Action, actor identity.Identity) error {
	if errors.Is(err, ErrNotFound) {
		return hiddenDenied(action, actor)
	}
	return err
}

func (s *service) loadVisible(ctx context.Context, actor identity.Identity, id uuid.UUID) (*Quote, error) {
	if actor.IsZero() {
		return nil, ErrUnauthenticated
	}
	q, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !Visible(q, actor) {
		return nil, ErrNotFound
	}
	return q, nil
}

func (s *service) loadDetail(ctx context.Context, actor identity.Identity, id uuid.UUID) (*QuoteDetail, error) {
	q, err := s.loadVisible(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.GetItems(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &QuoteDetail{Quote: *q, Items: items}
	if !TotalConsistent(d) {
		// Readable only if some writer bypassed this service.
		logger.FromCtx(ctx).Error("quote total disagrees with its items",
			zap.String("quote_id", id.String()),
			zap.String("stored", d.TotalAmount.String()),
			zap.String("computed", ComputeTotal(items).String()),
		)
	}
	s.resolveNames(ctx, d)
	return d, nil
}

func (s *service) resolveNames(ctx context.Context, details ...*QuoteDetail) {
	if s.names == nil || len(details) == 0 {
		return
	}
	seen := make(map[uuid.UUID]struct{}, len(details)*2)
	ids := make([]uuid.UUID, 0, len(details)*2)
	for _, d := range details {
		for _, id := range []uuid.UUID{d.ClientID, d.VendorID} {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}

	names, err := s.names.DisplayNames(ctx, ids)
	if err != nil {
		logger.FromCtx(ctx).Warn("failed to resolve display names", zap.Error(err))
		return
	}
	for _, d := range details {
		d.ClientName = names[d.ClientID]
		d.VendorName = names[d.VendorID]
	}
}

func (s *service) countFailure(err error) {
	switch {
	case errors.Is(err, ErrStorageFailure):
		s.metrics.StorageFailures.Inc()
	case errors.Is(err, ErrTransitionDenied):
		s.metrics.Denied.Inc()
	case errors.Is(err, ErrValidationFailed):
		s.metrics.Invalid.Inc()
	}
}

// guard keeps a programmer error in a helper from escaping as a panic.
func (s *service) guard(ctx context.Context, method string, err *error) {
	if r := recover(); r != nil {
		logger.FromCtx(ctx).Error("recovered from panic",
			zap.String("layer", "service"),
			zap.String("method", method),
			zap.Any("panic", r),
			zap.Stack("stack"),
		)
		s.metrics.StorageFailures.Inc()
		*err = &StorageError{Op: method, Err: fmt.Errorf("internal error: %v", r)}
	}
}
