// Package ws is the websocket edge: one Client per connection with a read
// loop that decodes frames into session commands and a write loop that owns
// all writes to the socket.
package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"listener-calls/internal/signal"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
	sendBuffer     = 64
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrSlowConsumer = errors.New("send buffer full")
)

// Client is one authenticated websocket connection. Send never blocks, so
// the session loop can deliver events without waiting on the network.
type Client struct {
	id     string
	userID string
	role   string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	log    *slog.Logger
}

func newClient(conn *websocket.Conn, userID, role string, l *slog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:     id,
		userID: userID,
		role:   role,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		log:    l.With("conn_id", id, "user_id", userID),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Send(ev signal.Event) error {
	frame, err := signal.Encode(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.log.Warn("dropping slow websocket client", "event", ev.EventType())
		_ = c.Close()
		return ErrSlowConsumer
	}
}

// Close signals the write loop to send a close frame and drop the socket.
// It never touches the network, so the session loop may call it. Safe to
// call repeatedly and from any goroutine.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// writeLoop owns every write and the socket teardown. It runs until the
// client is closed or a write fails.
func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readLoop delivers frames to handle until the socket fails or closes.
func (c *Client) readLoop(handle func(raw []byte)) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn("unexpected websocket close", "error", err)
			}
			return
		}
		handle(raw)
	}
}
