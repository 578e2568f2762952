package server

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	maxFrameSize = 64 * 1024
	sendQueue    = 32
)

// Client is one connected mobile app. Inbound messages are handled to
// completion, in order, on the read loop; messages from different
// connections interleave freely.
type Client struct {
	ID       string
	UserID   string
	GardenID int64

	hub  *Hub
	svc  *Service
	conn *websocket.Conn

	sendMu sync.Mutex
	closed bool
	send   chan []byte
}

// trySend queues payload without blocking. A full queue drops the frame;
// every event is a refetch hint the client can recover from. Broadcast paths
// snapshot clients outside the hub lock, so a disconnect can land between
// the snapshot and the send; the per-client mutex keeps that from becoming a
// send on a closed channel.
func (c *Client) trySend(payload []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		log.Printf("server: send queue full, dropping frame for client=%s user=%s", c.ID, c.UserID)
		return false
	}
}

// closeSend shuts the queue so writeLoop drains and exits. Idempotent, and
// serialized against trySend.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("server: read error client=%s: %v", c.ID, err)
			}
			return
		}
		c.svc.handleClientFrame(c, raw)
	}
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("server: write error client=%s: %v", c.ID, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
