package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"agrispare-be/internal/identity"
	"agrispare-be/internal/quote"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

type QuoteHandler struct {
	svc quote.Service
}

func NewQuoteHandler(svc quote.Service) *QuoteHandler {
	return &QuoteHandler{svc: svc}
}

type listResponse struct {
	Quotes []*quote.QuoteDetail `json:"quotes"`
	Count  int                  `json:"count"`
}

type actionsResponse struct {
	QuoteID uuid.UUID      `json:"quote_id"`
	Actions []quote.Action `json:"actions"`
}

type reviseItem struct {
	ID       uuid.UUID        `json:"id"`
	Quantity *int             `json:"quantity,omitempty"`
	Price    *decimal.Decimal `json:"price,omitempty"`
}

type reviseRequest struct {
	Notes *string      `json:"notes,omitempty"`
	Items []reviseItem `json:"items"`
}

func (h *QuoteHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())

	opts, err := parseListOptions(r)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	quotes, err := h.svc.ListQuotes(r.Context(), actor, opts)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	if quotes == nil {
		quotes = []*quote.QuoteDetail{}
	}
	respondWithJSON(w, http.StatusOK, listResponse{Quotes: quotes, Count: len(quotes)})
}

func parseListOptions(r *http.Request) (quote.ListOptions, error) {
	q := r.URL.Query()
	var opts quote.ListOptions

	if s := q.Get("status"); s != "" {
		st := quote.Status(s)
		opts.Status = &st
	}
	for _, p := range []struct {
		name string
		dst  **int32
	}{{"limit", &opts.Limit}, {"page", &opts.Page}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return opts, &quote.ValidationError{Field: p.name, Reason: "must be an integer"}
		}
		v := int32(n)
		*p.dst = &v
	}
	if raw := q.Get("items"); raw != "" {
		with, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, &quote.ValidationError{Field: "items", Reason: "must be a boolean"}
		}
		opts.WithItems = with
	}
	return opts, nil
}

func (h *QuoteHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())
	id, ok := quoteID(w, r)
	if !ok {
		return
	}

	d, err := h.svc.LoadDetail(r.Context(), actor, id)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, d)
}

func (h *QuoteHandler) Actions(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())
	id, ok := quoteID(w, r)
	if !ok {
		return
	}

	actions, err := h.svc.AllowedActions(r.Context(), actor, id)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	if actions == nil {
		actions = []quote.Action{}
	}
	respondWithJSON(w, http.StatusOK, actionsResponse{QuoteID: id, Actions: actions})
}

// Transition serves POST /quotes/{id}/{action} for the status-only actions.
func (h *QuoteHandler) Transition(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())
	id, ok := quoteID(w, r)
	if !ok {
		return
	}

	var (
		d   *quote.QuoteDetail
		err error
	)
	switch quote.Action(mux.Vars(r)["action"]) {
	case quote.ActionSend:
		d, err = h.svc.Send(r.Context(), actor, id)
	case quote.ActionAccept:
		d, err = h.svc.Accept(r.Context(), actor, id)
	case quote.ActionReject:
		d, err = h.svc.Reject(r.Context(), actor, id)
	case quote.ActionCancel:
		d, err = h.svc.Cancel(r.Context(), actor, id)
	default:
		respondWithError(w, http.StatusNotFound, "not_found", "unknown action")
		return
	}
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, d)
}

// Revise applies the body to a fresh draft and commits that draft as a whole
// snapshot. A concurrent revision landing between the draft and the commit is
// overwritten, last write wins.
func (h *QuoteHandler) Revise(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())
	id, ok := quoteID(w, r)
	if !ok {
		return
	}

	var req reviseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	draft, err := h.svc.BeginEdit(r.Context(), actor, id)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	if err := applyRevision(draft, req); err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	d, err := h.svc.Revise(r.Context(), actor, id, draft)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, d)
}

func applyRevision(draft *quote.Draft, req reviseRequest) error {
	if req.Notes != nil {
		draft.SetNotes(*req.Notes)
	}
	for _, it := range req.Items {
		if it.Quantity != nil {
			if err := draft.SetItemField(it.ID, quote.FieldQuantity, strconv.Itoa(*it.Quantity)); err != nil {
				return err
			}
		}
		if it.Price != nil {
			if err := draft.SetItemField(it.ID, quote.FieldPrice, it.Price.String()); err != nil {
				return err
			}
		}
	}
	return nil
}

func quoteID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		// Malformed ids look exactly like unknown ones.
		respondWithServiceError(w, r, quote.ErrNotFound)
		return uuid.Nil, false
	}
	return id, true
}
