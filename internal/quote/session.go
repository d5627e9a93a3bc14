package quote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"

	"agrispare-be/internal/feed"
	"agrispare-be/internal/identity"
	"agrispare-be/internal/logger"
	"agrispare-be/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// View is what a Session shows its actor. Values handed to OnChange callbacks
// are copies and never change afterwards.
type View struct {
	Quotes  []*QuoteDetail `json:"quotes"`
	Detail  *QuoteDetail   `json:"detail,omitempty"`
	Allowed []Action       `json:"allowed_actions,omitempty"`
	Draft   *Draft         `json:"draft,omitempty"`
	Stale   bool           `json:"stale"`
}

// Session is one actor's working state: the visible list, the open quote and
// an optional draft. It keeps itself consistent with the store by re-reading
// after its own commits and whenever the change feed reports something.
//
// Operations on a Session are serialized.
type Session struct {
	mu      sync.Mutex
	svc     Service
	actor   identity.Identity
	opts    ListOptions
	metrics *metrics.Negotiation

	list   []*QuoteDetail
	detail *QuoteDetail
	draft  *Draft
	// stale is set when a write may have partially applied; the detail must
	// be re-read before further edits.
	stale bool

	fingerprint string
	onChange    func(View)
}

func NewSession(svc Service, actor identity.Identity, opts ListOptions, m *metrics.Negotiation) *Session {
	if m == nil {
		m = &metrics.Negotiation{}
	}
	return &Session{svc: svc, actor: actor, opts: opts, metrics: m}
}

// OnChange registers fn to be called, outside the session lock, every time the
// view actually changes. Re-reading identical state does not call it.
func (s *Session) OnChange(fn func(View)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Session) Actor() identity.Identity {
	return s.actor
}

// View returns a snapshot of the current view.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() View {
	v := View{
		Quotes: append([]*QuoteDetail(nil), s.list...),
		Detail: s.detail.Clone(),
		Draft:  s.draft.Clone(),
		Stale:  s.stale,
	}
	if s.detail != nil {
		v.Allowed = AllowedActions(&s.detail.Quote, s.actor)
	}
	return v
}

// run executes fn under the session lock and fires OnChange if the view
// differs from the last one announced.
func (s *Session) run(fn func() error) error {
	s.mu.Lock()
	err := fn()
	view := s.viewLocked()
	changed := false
	if fp := fingerprint(view); fp != s.fingerprint {
		s.fingerprint = fp
		changed = true
	}
	cb := s.onChange
	s.mu.Unlock()

	if changed {
		s.metrics.ViewUpdates.Inc()
		if cb != nil {
			cb(view)
		}
	}
	return err
}

func fingerprint(v View) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Refresh re-reads the list and, when one is open, the detail.
func (s *Session) Refresh(ctx context.Context) error {
	return s.run(func() error {
		return s.refreshLocked(ctx, true)
	})
}

func (s *Session) refreshLocked(ctx context.Context, withDetail bool) error {
	list, err := s.svc.ListQuotes(ctx, s.actor, s.opts)
	if err != nil {
		return err
	}
	s.list = list

	if withDetail && s.detail != nil {
		return s.reloadDetailLocked(ctx)
	}
	return nil
}

func (s *Session) reloadDetailLocked(ctx context.Context) error {
	d, err := s.svc.LoadDetail(ctx, s.actor, s.detail.ID)
	if errors.Is(err, ErrNotFound) {
		// Deleted or no longer visible.
		s.detail, s.draft, s.stale = nil, nil, false
		return err
	}
	if err != nil {
		return err
	}
	s.detail = d
	s.stale = false
	if s.draft != nil && !Authorize(&d.Quote, s.actor, ActionRevise).Allowed {
		s.draft = nil
	}
	return nil
}

// Open loads a quote into the detail view, discarding any draft.
func (s *Session) Open(ctx context.Context, id uuid.UUID) error {
	return s.run(func() error {
		d, err := s.svc.LoadDetail(ctx, s.actor, id)
		if err != nil {
			return err
		}
		s.detail, s.draft, s.stale = d, nil, false
		return nil
	})
}

func (s *Session) Close() {
	_ = s.run(func() error {
		s.detail, s.draft, s.stale = nil, nil, false
		return nil
	})
}

// Edit opens a draft of the current detail.
func (s *Session) Edit() error {
	return s.run(func() error {
		if s.detail == nil {
			return ErrNoQuoteOpen
		}
		if s.stale {
			return ErrResyncRequired
		}
		if s.draft != nil {
			return nil
		}
		d, err := BeginEdit(s.detail, s.actor)
		if err != nil {
			return err
		}
		s.draft = d
		return nil
	})
}

func (s *Session) SetItemField(itemID uuid.UUID, field ItemField, value string) error {
	return s.run(func() error {
		if s.draft == nil {
			return ErrNoDraft
		}
		return s.draft.SetItemField(itemID, field, value)
	})
}

func (s *Session) SetNotes(text string) error {
	return s.run(func() error {
		if s.draft == nil {
			return ErrNoDraft
		}
		s.draft.SetNotes(text)
		return nil
	})
}

// Discard drops the draft. The committed detail is untouched.
func (s *Session) Discard() {
	_ = s.run(func() error {
		s.draft = nil
		return nil
	})
}

// Save commits the draft as a revision. A stale detail is re-read first; the
// draft survives the re-read and every failure.
func (s *Session) Save(ctx context.Context) (*QuoteDetail, error) {
	var out *QuoteDetail
	err := s.run(func() error {
		if s.detail == nil {
			return ErrNoQuoteOpen
		}
		if s.draft == nil {
			return ErrNoDraft
		}
		if s.stale {
			draft := s.draft
			if err := s.reloadDetailLocked(ctx); err != nil {
				return err
			}
			if s.draft == nil {
				// No longer revisable after the re-read.
				s.draft = draft
				return denied(&s.detail.Quote, s.actor, ActionRevise,
					Authorize(&s.detail.Quote, s.actor, ActionRevise))
			}
		}

		d, err := s.svc.Revise(ctx, s.actor, s.detail.ID, s.draft.Clone())
		if err != nil {
			s.afterFailureLocked(ctx, err)
			return err
		}
		out = d
		s.detail, s.draft = d, nil
		s.refreshListLocked(ctx)
		return nil
	})
	return out, err
}

func (s *Session) Send(ctx context.Context) (*QuoteDetail, error) {
	return s.act(ctx, s.svc.Send)
}

func (s *Session) Accept(ctx context.Context) (*QuoteDetail, error) {
	return s.act(ctx, s.svc.Accept)
}

func (s *Session) Reject(ctx context.Context) (*QuoteDetail, error) {
	return s.act(ctx, s.svc.Reject)
}

func (s *Session) Cancel(ctx context.Context) (*QuoteDetail, error) {
	return s.act(ctx, s.svc.Cancel)
}

type transitionFunc func(ctx context.Context, actor identity.Identity, id uuid.UUID) (*QuoteDetail, error)

func (s *Session) act(ctx context.Context, fn transitionFunc) (*QuoteDetail, error) {
	var out *QuoteDetail
	err := s.run(func() error {
		if s.detail == nil {
			return ErrNoQuoteOpen
		}
		d, err := fn(ctx, s.actor, s.detail.ID)
		if err != nil {
			s.afterFailureLocked(ctx, err)
			return err
		}
		out = d
		s.detail = d
		if s.draft != nil && !Authorize(&d.Quote, s.actor, ActionRevise).Allowed {
			s.draft = nil
		}
		s.refreshListLocked(ctx)
		return nil
	})
	return out, err
}

func (s *Session) afterFailureLocked(ctx context.Context, err error) {
	switch {
	case errors.Is(err, ErrStorageFailure):
		s.stale = true
	case errors.Is(err, ErrNotFound):
		s.detail, s.draft, s.stale = nil, nil, false
		s.refreshListLocked(ctx)
	case errors.Is(err, ErrTransitionDenied):
		// Someone else moved the quote; show them what it is now.
		if rerr := s.reloadDetailLocked(ctx); rerr != nil && !errors.Is(rerr, ErrNotFound) {
			s.stale = true
		}
	}
}

func (s *Session) refreshListLocked(ctx context.Context) {
	if err := s.refreshLocked(ctx, false); err != nil {
		logger.FromCtx(ctx).Warn("failed to refresh quote list",
			zap.String("layer", "session"),
			zap.Error(err),
		)
	}
}

// HandleEvent reconciles the session with one change-feed event. It is safe
// to call with duplicate or reordered events: every event triggers a re-read
// of authoritative state, never an incremental patch.
func (s *Session) HandleEvent(ctx context.Context, ev feed.Event) {
	s.metrics.Reconciles.Inc()

	log := logger.FromCtx(ctx).With(
		zap.String("layer", "session"),
		zap.String("table", string(ev.Table)),
		zap.String("type", string(ev.Type)),
	)

	err := s.run(func() error {
		withDetail := false
		if s.detail != nil {
			ref, known := ev.QuoteRef()
			withDetail = ev.Type == feed.EventResync || !known || ref == s.detail.ID
		}
		return s.refreshLocked(ctx, withDetail)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.Warn("failed to reconcile after change event", zap.Error(err))
	}
}
