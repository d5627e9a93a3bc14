package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"agrispare-be/internal/feed"
	"agrispare-be/internal/identity"
	"agrispare-be/internal/logger"
	"agrispare-be/internal/quote"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096

	sendBuffer  = 32
	eventBuffer = 64
)

type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	session *quote.Session

	send   chan Message
	events chan feed.Event
	// resync is set when events were dropped; the next reconcile re-reads
	// everything instead.
	resync atomic.Bool

	done        chan struct{}
	closeOnce   sync.Once
	cancel      context.CancelFunc
	unsubscribe func()
}

func newClient(h *Hub, conn *websocket.Conn, actor identity.Identity, cancel context.CancelFunc) *Client {
	c := &Client{
		hub:     h,
		conn:    conn,
		session: quote.NewSession(h.svc, actor, quote.ListOptions{}, h.metrics),
		send:    make(chan Message, sendBuffer),
		events:  make(chan feed.Event, eventBuffer),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	c.session.OnChange(func(v quote.View) {
		c.enqueue(newMessage(TypeView, v))
	})
	c.unsubscribe = h.broker.Subscribe(c.onEvent)
	return c
}

// onEvent runs on the feed goroutine and must not block.
func (c *Client) onEvent(_ context.Context, ev feed.Event) {
	select {
	case c.events <- ev:
	default:
		c.resync.Store(true)
		select {
		case c.events <- feed.Event{Type: feed.EventResync}:
		default:
		}
	}
}

func (c *Client) enqueue(msg Message) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		logger.L().Warn("websocket client too slow, disconnecting",
			zap.String("actor_id", c.session.Actor().ActorID.String()),
		)
		c.close()
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.unsubscribe()
		c.cancel()
		c.hub.unregister(c)
		c.conn.Close()
	})
}

func (c *Client) reconcile(ctx context.Context) {
	if err := c.session.Refresh(ctx); err != nil {
		c.enqueue(errorMessage(CmdRefresh, err))
	}

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			if c.resync.Swap(false) {
				ev = feed.Event{Type: feed.EventResync}
			}
			c.session.HandleEvent(ctx, ev)
		}
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.FromCtx(ctx).Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.enqueue(newMessage(TypeError, ErrorPayload{Kind: "bad_request", Message: "malformed command"}))
			continue
		}
		if err := c.handle(ctx, cmd); err != nil {
			c.enqueue(errorMessage(cmd.Type, err))
			continue
		}
		c.enqueue(newMessage(TypeAck, AckPayload{Command: cmd.Type}))
	}
}

// handle applies one command to the session. View changes reach the client
// through OnChange, not through the return value.
func (c *Client) handle(ctx context.Context, cmd Command) error {
	var err error
	switch cmd.Type {
	case CmdRefresh:
		return c.session.Refresh(ctx)
	case CmdOpen:
		id, perr := uuid.Parse(cmd.QuoteID)
		if perr != nil {
			return quote.ErrNotFound
		}
		return c.session.Open(ctx, id)
	case CmdClose:
		c.session.Close()
		return nil
	case CmdEdit:
		return c.session.Edit()
	case CmdSetItem:
		id, perr := uuid.Parse(cmd.ItemID)
		if perr != nil {
			return &quote.ValidationError{Field: "item_id", Reason: "must be a uuid"}
		}
		return c.session.SetItemField(id, quote.ItemField(cmd.Field), cmd.Value)
	case CmdSetNotes:
		return c.session.SetNotes(cmd.Notes)
	case CmdDiscard:
		c.session.Discard()
		return nil
	case CmdSave:
		_, err = c.session.Save(ctx)
	case CmdSend:
		_, err = c.session.Send(ctx)
	case CmdAccept:
		_, err = c.session.Accept(ctx)
	case CmdReject:
		_, err = c.session.Reject(ctx)
	case CmdCancel:
		_, err = c.session.Cancel(ctx)
	default:
		return &quote.ValidationError{Field: "type", Reason: "unknown command " + cmd.Type}
	}
	return err
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
