package socket

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one authenticated websocket subscriber.
type Client struct {
	id     string
	userID string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte

	closeOnce sync.Once
	closed    atomic.Bool
}

func NewClient(hub *Hub, conn *websocket.Conn, subscriberID, userID string) *Client {
	return &Client{
		id:     subscriberID,
		userID: userID,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, sendBuffer),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues a frame without blocking. A full buffer drops the frame.
func (c *Client) Send(frame []byte) (sent bool) {
	// Close may run between the check and the send
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// Serve registers the client, confirms authentication and pumps frames until
// the peer goes away.
func (c *Client) Serve() {
	c.hub.Register(c.id, c)
	c.reply(EventAuthenticated, map[string]string{"subscriberId": c.id, "userId": c.userID})
	go c.writePump()
	c.readPump()
}

// Reject tells an unauthenticated peer why and closes with a policy
// violation. The connection is never registered.
func Reject(conn *websocket.Conn, reason string) {
	defer conn.Close()
	frame, err := Encode(EventUnauthorized, map[string]string{"message": reason})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c.id)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Str("subscriber", c.id).Msg("websocket read")
			}
			return
		}
		c.handleControl(message)
	}
}

func (c *Client) handleControl(message []byte) {
	var f Frame
	if err := json.Unmarshal(message, &f); err != nil {
		c.reply(EventError, map[string]string{"message": "malformed frame"})
		return
	}
	var ref deviceRef
	if len(f.Data) > 0 {
		_ = json.Unmarshal(f.Data, &ref)
	}
	switch f.Event {
	case ControlSubscribe, ControlUnsubscribe:
		if ref.DeviceID == "" {
			c.reply(EventError, map[string]string{"message": "deviceId is required"})
			return
		}
		if f.Event == ControlSubscribe {
			if err := c.hub.Subscribe(c.id, ref.DeviceID); err != nil {
				c.reply(EventError, map[string]string{"message": err.Error()})
				return
			}
			c.reply(EventSubscribed, ref)
			return
		}
		c.hub.Unsubscribe(c.id, ref.DeviceID)
		c.reply(EventUnsubscribed, ref)
	default:
		c.reply(EventError, map[string]string{"message": "unknown event " + f.Event})
	}
}

func (c *Client) reply(event string, payload any) {
	frame, err := Encode(event, payload)
	if err != nil {
		return
	}
	c.Send(frame)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
