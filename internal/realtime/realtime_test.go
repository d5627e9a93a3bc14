package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"agrispare-be/internal/feed"
	"agrispare-be/internal/identity"
	"agrispare-be/internal/metrics"
	"agrispare-be/internal/quote"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	vendorID = uuid.MustParse("33333333-3333-3333-3333-333333333333")
	clientID = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	quoteID  = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")

	vendor = identity.Identity{ActorID: vendorID, Role: identity.RoleVendor}
)

// stubService serves a single quote and lets tests change it underneath the
// sessions, the way another process would.
type stubService struct {
	mu     sync.Mutex
	detail *quote.QuoteDetail
}

func newStubService() *stubService {
	return &stubService{detail: &quote.QuoteDetail{
		Quote: quote.Quote{
			ID:          quoteID,
			QuoteNumber: "Q-0001",
			Status:      quote.StatusPending,
			ClientID:    clientID,
			VendorID:    vendorID,
			TotalAmount: decimal.RequireFromString("20"),
		},
	}}
}

func (s *stubService) setStatus(st quote.Status) {
	s.mu.Lock()
	s.detail.Status = st
	s.mu.Unlock()
}

func (s *stubService) get(id uuid.UUID) (*quote.QuoteDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.detail.ID {
		return nil, quote.ErrNotFound
	}
	return s.detail.Clone(), nil
}

func (s *stubService) ListQuotes(ctx context.Context, actor identity.Identity, opts quote.ListOptions) ([]*quote.QuoteDetail, error) {
	d, _ := s.get(quoteID)
	return []*quote.QuoteDetail{d}, nil
}

func (s *stubService) LoadDetail(ctx context.Context, actor identity.Identity, id uuid.UUID) (*quote.QuoteDetail, error) {
	return s.get(id)
}

func (s *stubService) AllowedActions(ctx context.Context, actor identity.Identity, id uuid.UUID) ([]quote.Action, error) {
	d, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return quote.AllowedActions(&d.Quote, actor), nil
}

func (s *stubService) BeginEdit(ctx context.Context, actor identity.Identity, id uuid.UUID) (*quote.Draft, error) {
	d, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return quote.BeginEdit(d, actor)
}

func (s *stubService) Send(ctx context.Context, actor identity.Identity, id uuid.UUID) (*quote.QuoteDetail, error) {
	if _, err := s.get(id); err != nil {
		return nil, err
	}
	s.setStatus(quote.StatusSent)
	return s.get(id)
}

func (s *stubService) Revise(ctx context.Context, actor identity.Identity, id uuid.UUID, draft *quote.Draft) (*quote.QuoteDetail, error) {
	return s.get(id)
}

func (s *stubService) Accept(ctx context.Context, actor identity.Identity, id uuid.UUID) (*quote.QuoteDetail, error) {
	return s.get(id)
}

func (s *stubService) Reject(ctx context.Context, actor identity.Identity, id uuid.UUID) (*quote.QuoteDetail, error) {
	return s.get(id)
}

func (s *stubService) Cancel(ctx context.Context, actor identity.Identity, id uuid.UUID) (*quote.QuoteDetail, error) {
	return s.get(id)
}

type wireMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wireView struct {
	Quotes []struct {
		ID     uuid.UUID    `json:"id"`
		Status quote.Status `json:"status"`
	} `json:"quotes"`
	Detail *struct {
		ID     uuid.UUID    `json:"id"`
		Status quote.Status `json:"status"`
	} `json:"detail"`
	Allowed []quote.Action `json:"allowed_actions"`
}

func setup(t *testing.T, actor identity.Identity) (*Hub, *stubService, *feed.Broker, *websocket.Conn) {
	t.Helper()

	svc := newStubService()
	broker := feed.NewBroker()
	hub := NewHub(svc, broker, &metrics.Negotiation{}, "*")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWebSocket(w, r.WithContext(identity.WithIdentity(r.Context(), actor)))
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		hub.Close()
	})
	return hub, svc, broker, conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg wireMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) wireMessage {
	t.Helper()
	for {
		msg := readMessage(t, conn)
		if msg.Type == typ {
			return msg
		}
	}
}

func readView(t *testing.T, conn *websocket.Conn) wireView {
	t.Helper()
	var v wireView
	require.NoError(t, json.Unmarshal(readUntil(t, conn, TypeView).Data, &v))
	return v
}

func TestHandleWebSocket_RequiresIdentity(t *testing.T) {
	hub := NewHub(newStubService(), feed.NewBroker(), nil, "*")

	w := httptest.NewRecorder()
	hub.HandleWebSocket(w, httptest.NewRequest("GET", "/ws", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestCheckOrigin(t *testing.T) {
	hub := NewHub(newStubService(), feed.NewBroker(), nil, "http://localhost:3000")

	req := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, hub.upgrader.CheckOrigin(req))

	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, hub.upgrader.CheckOrigin(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, hub.upgrader.CheckOrigin(req))
}

func TestClient_InitialViewAndOpen(t *testing.T) {
	hub, _, broker, conn := setup(t, vendor)

	v := readView(t, conn)
	require.Len(t, v.Quotes, 1)
	assert.Equal(t, quoteID, v.Quotes[0].ID)
	assert.Nil(t, v.Detail)
	assert.Equal(t, 1, hub.ClientCount())
	assert.Equal(t, 1, broker.Len())

	require.NoError(t, conn.WriteJSON(Command{Type: CmdOpen, QuoteID: quoteID.String()}))
	v = readView(t, conn)
	require.NotNil(t, v.Detail)
	assert.Equal(t, quote.StatusPending, v.Detail.Status)
	assert.Equal(t, []quote.Action{quote.ActionSend, quote.ActionRevise}, v.Allowed)

	ack := readUntil(t, conn, TypeAck)
	assert.JSONEq(t, `{"command":"open"}`, string(ack.Data))
}

func TestClient_FeedEventUpdatesView(t *testing.T) {
	_, svc, broker, conn := setup(t, vendor)
	readView(t, conn)

	require.NoError(t, conn.WriteJSON(Command{Type: CmdOpen, QuoteID: quoteID.String()}))
	readView(t, conn)
	readUntil(t, conn, TypeAck)

	// Changed by someone else; only the feed tells us.
	svc.setStatus(quote.StatusCancelled)
	broker.Publish(context.Background(), feed.Event{Table: feed.TableQuotes, Type: feed.EventUpdate, AffectedID: quoteID})

	v := readView(t, conn)
	require.NotNil(t, v.Detail)
	assert.Equal(t, quote.StatusCancelled, v.Detail.Status)
	assert.Empty(t, v.Allowed)
}

func TestClient_CommandErrors(t *testing.T) {
	_, _, _, conn := setup(t, vendor)
	readView(t, conn)

	require.NoError(t, conn.WriteJSON(Command{Type: CmdOpen, QuoteID: uuid.NewString()}))
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(readUntil(t, conn, TypeError).Data, &payload))
	assert.Equal(t, CmdOpen, payload.Command)
	assert.Equal(t, "not_found", payload.Kind)
	assert.Equal(t, "quote not found", payload.Message)

	require.NoError(t, conn.WriteJSON(Command{Type: CmdSave}))
	require.NoError(t, json.Unmarshal(readUntil(t, conn, TypeError).Data, &payload))
	assert.Equal(t, "no_quote_open", payload.Kind)

	require.NoError(t, conn.WriteJSON(Command{Type: "explode"}))
	require.NoError(t, json.Unmarshal(readUntil(t, conn, TypeError).Data, &payload))
	assert.Equal(t, "validation_failed", payload.Kind)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, json.Unmarshal(readUntil(t, conn, TypeError).Data, &payload))
	assert.Equal(t, "bad_request", payload.Kind)
}

func TestClient_SendCommand(t *testing.T) {
	_, _, _, conn := setup(t, vendor)
	readView(t, conn)

	require.NoError(t, conn.WriteJSON(Command{Type: CmdOpen, QuoteID: quoteID.String()}))
	readUntil(t, conn, TypeAck)

	require.NoError(t, conn.WriteJSON(Command{Type: CmdSend}))
	v := readView(t, conn)
	require.NotNil(t, v.Detail)
	assert.Equal(t, quote.StatusSent, v.Detail.Status)
	assert.JSONEq(t, `{"command":"send"}`, string(readUntil(t, conn, TypeAck).Data))
}

func TestClient_DisconnectUnsubscribes(t *testing.T) {
	hub, _, broker, conn := setup(t, vendor)
	readView(t, conn)

	conn.Close()
	assert.Eventually(t, func() bool {
		return hub.ClientCount() == 0 && broker.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClient_OverflowRequestsResync(t *testing.T) {
	c := &Client{events: make(chan feed.Event, 1)}

	c.onEvent(context.Background(), feed.Event{Table: feed.TableQuotes, Type: feed.EventUpdate, AffectedID: quoteID})
	c.onEvent(context.Background(), feed.Event{Table: feed.TableQuotes, Type: feed.EventUpdate, AffectedID: quoteID})

	assert.True(t, c.resync.Load())
	assert.Len(t, c.events, 1)
}
