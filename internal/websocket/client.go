package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"ai-studychat-be/internal/pkg/logger"

	"github.com/gofiber/websocket/v2"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var ErrClientClosed = errors.New("websocket client closed")

// Client is one chat connection. Reads happen on the caller's goroutine in
// Serve; writes are queued to a single writer goroutine.
type Client struct {
	conn   *websocket.Conn
	userId string
	logger logger.ILogger

	// Outbound frames. A full buffer blocks the writer, which holds back
	// the stream feeding it.
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn, userId string, log logger.ILogger) *Client {
	return &Client{
		conn:   conn,
		userId: userId,
		logger: log,
		send:   make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

func (c *Client) UserId() string {
	return c.userId
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// WriteJSON queues one frame. It blocks while the outbound buffer is full
// and fails once the connection is closed.
func (c *Client) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClientClosed
	}
}

// Serve runs the connection until the peer goes away, passing every text
// frame to handle.
func (c *Client) Serve(handle func(frame []byte)) {
	go c.writePump()
	c.readPump(handle)
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readPump(handle func(frame []byte)) {
	defer c.shutdown()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket", "Unexpected close", map[string]interface{}{
					"user_id": c.userId,
					"error":   err.Error(),
				})
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("WebSocket", "Write failed", map[string]interface{}{
					"user_id": c.userId,
					"error":   err.Error(),
				})
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
