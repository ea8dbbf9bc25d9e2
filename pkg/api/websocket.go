package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/swapflow/executor/pkg/subscription"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

var errConnClosed = errors.New("websocket connection closed")

type closeFrame struct {
	code   int
	reason string
}

// wsConn adapts a gorilla connection to subscription.Conn. All writes go
// through writePump; Send and Close only queue work for it.
type wsConn struct {
	conn *websocket.Conn
	id   string
	send chan []byte

	mu      sync.Mutex
	closing *closeFrame
	quit    chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn: conn,
		id:   conn.RemoteAddr().String(),
		send: make(chan []byte, sendBuffer),
		quit: make(chan struct{}),
	}
}

// Send queues one JSON message. A full buffer means the client is not
// keeping up and is reported as an error.
func (c *wsConn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.quit:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.quit:
		return errConnClosed
	default:
		return errors.New("websocket send buffer full")
	}
}

// Close flushes queued messages, then sends a close frame. Only the first
// call counts.
func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing != nil {
		return nil
	}
	c.closing = &closeFrame{code: code, reason: reason}
	close(c.quit)
	return nil
}

func (c *wsConn) pendingClose() closeFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.closing
}

// writePump writes queued messages to the connection, one frame each
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}

		case <-c.quit:
			if err := c.flush(); err != nil {
				return
			}
			f := c.pendingClose()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(f.code, f.reason),
				time.Now().Add(writeWait))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) flush() error {
	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *wsConn) write(message []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

// readPump keeps the read side alive for control frames. Clients send
// nothing meaningful; any read error ends the subscription.
func (c *wsConn) readPump(onClose func()) {
	defer func() {
		onClose()
		c.Close(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// handleWebSocket streams one order's updates: a snapshot followed by live
// status events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		respondError(w, http.StatusBadRequest, "WebSocket upgrade required",
			"Connect with ?orderId=<id> using WebSocket to stream updates.")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "err", err)
		return
	}
	c := newWSConn(conn)
	go c.writePump()

	orderID := r.URL.Query().Get("orderId")
	att, err := s.cfg.Subscriptions.Attach(c, orderID)
	if err != nil {
		if !errors.Is(err, subscription.ErrMissingOrderID) {
			c.Close(websocket.CloseTryAgainLater, "subscriptions unavailable")
		}
		s.log.Infow("ws_rejected", "client", c.id, "err", err)
		go c.readPump(func() {})
		return
	}

	s.log.Infow("ws_connected", "client", c.id, "order_id", orderID)
	go c.readPump(func() {
		att.Detach()
		s.log.Infow("ws_disconnected", "client", c.id, "order_id", orderID)
	})
}
