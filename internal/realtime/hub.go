package realtime

import (
	"context"
	"net/http"
	"sync"

	"agrispare-be/internal/feed"
	"agrispare-be/internal/identity"
	"agrispare-be/internal/logger"
	"agrispare-be/internal/metrics"
	"agrispare-be/internal/quote"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub serves live quote views over websockets. Every connection owns one
// quote.Session, fed by the shared change-feed broker.
type Hub struct {
	svc      quote.Service
	broker   *feed.Broker
	metrics  *metrics.Negotiation
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

func NewHub(svc quote.Service, broker *feed.Broker, m *metrics.Negotiation, allowedOrigin string) *Hub {
	h := &Hub{
		svc:     svc,
		broker:  broker,
		metrics: m,
		clients: make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowedOrigin == "*" || origin == allowedOrigin
		},
	}
	return h
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	log := logger.FromCtx(r.Context()).With(zap.String("layer", "realtime"))

	actor, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("failed to upgrade to websocket", zap.Error(err))
		return
	}

	// The request context ends when this handler returns; the connection
	// outlives it but keeps its values (request id, identity).
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := newClient(h, conn, actor, cancel)
	h.register(c)

	go c.writePump()
	go c.reconcile(ctx)
	go c.readPump(ctx)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	logger.L().Info("client connected",
		zap.String("actor_id", c.session.Actor().ActorID.String()),
		zap.Int("client_count", n),
	)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	logger.L().Info("client disconnected",
		zap.String("actor_id", c.session.Actor().ActorID.String()),
		zap.Int("client_count", n),
	)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}
