package room

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabsync/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // CRDT updates for large grids get big
)

// outbound is one frame queued for a connection. A non-zero closeCode turns
// the frame into a close handshake that ends the write pump.
type outbound struct {
	binary    bool
	data      []byte
	closeCode int
	closeText string
}

// Conn wraps one websocket connection to a room. All writes go through the
// send channel once the pumps are running; before that the handler may
// write directly (rejection path).
type Conn struct {
	ID      string
	Session *models.Session

	ws   *websocket.Conn
	room *Room
	send chan outbound

	mu      sync.Mutex
	started bool
	closed  bool
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:   ws,
		send: make(chan outbound, 256),
	}
}

// enqueue queues a frame for delivery. A connection whose buffer is full is
// too slow to keep up and gets dropped rather than blocking the room.
func (c *Conn) enqueue(msg outbound) {
	select {
	case c.send <- msg:
	default:
		log.Printf("connection %s: send buffer full, dropping connection", c.ID)
		go func() {
			if c.room != nil {
				c.room.disconnect(c)
			}
			c.ws.Close()
		}()
	}
}

// sendControl delivers a JSON text frame, via the pump when running.
func (c *Conn) sendControl(msg []byte) {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		c.enqueue(outbound{data: msg})
		return
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		log.Printf("connection %s: control write failed: %v", c.ID, err)
	}
}

// closeWithCode performs the close handshake with the given code.
func (c *Conn) closeWithCode(code int, reason string) {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		c.enqueue(outbound{closeCode: code, closeText: reason})
		return
	}
	payload := websocket.FormatCloseMessage(code, reason)
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.CloseMessage, payload)
	c.ws.Close()
}

// closeSend ends the write pump. Safe to call more than once.
func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump owns all reads on the socket. Binary frames carry opaque
// replication updates, text frames carry JSON app messages; everything else
// is ignored.
func (c *Conn) readPump() {
	defer func() {
		c.room.disconnect(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("connection %s: unexpected close: %v", c.ID, err)
			}
			return
		}
		c.Session.LastActiveAt = time.Now()
		switch msgType {
		case websocket.BinaryMessage:
			c.room.handleUpdate(c, data)
		case websocket.TextMessage:
			c.room.handleAppMessage(c, data)
		}
	}
}

// writePump owns all writes on the socket and keeps the connection alive
// with pings.
func (c *Conn) writePump() {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if msg.closeCode != 0 {
				payload := websocket.FormatCloseMessage(msg.closeCode, msg.closeText)
				c.ws.WriteMessage(websocket.CloseMessage, payload)
				return
			}
			frameType := websocket.TextMessage
			if msg.binary {
				frameType = websocket.BinaryMessage
			}
			if err := c.ws.WriteMessage(frameType, msg.data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
