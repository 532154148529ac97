// Package transport bridges websocket connections to the hub. Each
// accepted socket becomes a client with a buffered send channel and
// read/write pumps; the read pump feeds decoded events into the hub
// synchronously, which preserves per-connection arrival order, and
// socket closure is translated into an implicit Disconnect event so
// the hub can arm its grace timer.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/stagedoor/realtime/internal/hub"
)

var (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = int64(8192)
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced upstream by the platform's proxy.
		return true
	},
}

// Handler owns the websocket endpoint for one hub instance.
type Handler struct {
	hub *hub.Hub
}

func NewHandler(h *hub.Hub) *Handler { return &Handler{hub: h} }

// client is one live socket. It implements hub.Conn: Send marshals
// the outbound event onto a buffered channel drained by the write
// pump, and never blocks the hub.
type client struct {
	conn      *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *client) Send(evt hub.Outbound) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errors.New("connection closed")
	case c.send <- b:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (c *client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.conn.Close()
}

// ServeWS upgrades the request and runs the connection until the
// socket closes. JWT admission happens in middleware before this
// handler; the in-band Authenticate event establishes the session.
func (h *Handler) ServeWS(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("transport: upgrade failed: %v", err)
		return err
	}

	cl := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
	go cl.writePump()
	cl.readPump(h.hub)
	return nil
}

// readPump decodes inbound frames and hands them to the hub one at a
// time. It exits on any read error and synthesizes the Disconnect
// event on the way out.
func (c *client) readPump(h *hub.Hub) {
	defer func() {
		_ = h.HandleConnectionEvent(context.Background(), c, hub.Event{Type: hub.EventDisconnect})
		_ = c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("transport: read error: %v", err)
			}
			return
		}
		var evt hub.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			// Malformed frame: report to this connection only.
			_ = c.Send(hub.Outbound{Type: hub.OutError, Payload: hub.ErrorPayload{
				Code:   "VALIDATION_ERROR",
				Reason: "malformed event frame",
			}})
			continue
		}
		// Errors are already echoed to the connection by the hub.
		_ = h.HandleConnectionEvent(context.Background(), c, evt)
	}
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
