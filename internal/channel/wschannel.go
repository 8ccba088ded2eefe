package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"suppliersync/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxInboundSize = 4096

	defaultQueueSize = 64
)

// WSChannel is a thread observer connected over WebSocket. A single writer
// goroutine owns all writes to the connection.
type WSChannel struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	out  chan []byte
	in   chan string
	done chan struct{}

	closeOnce sync.Once
}

var _ domain.EventChannel = (*WSChannel)(nil)

// NewWSChannel starts the read and write pumps of conn. queueSize bounds the
// outbound buffer; a full buffer makes Send block until its context ends.
func NewWSChannel(conn *websocket.Conn, queueSize int, logger *slog.Logger) *WSChannel {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	c := &WSChannel{
		id:     uuid.NewString(),
		conn:   conn,
		logger: logger,
		out:    make(chan []byte, queueSize),
		in:     make(chan string, 8),
		done:   make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c
}

func (c *WSChannel) ID() string { return c.id }

func (c *WSChannel) Send(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	select {
	case <-c.done:
		return domain.ErrTransportClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return domain.ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next text frame from the observer.
func (c *WSChannel) Receive(ctx context.Context) (string, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.done:
		return "", domain.ErrTransportClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *WSChannel) Done() <-chan struct{} { return c.done }

// Close is idempotent. The write pump sends a close frame and releases the
// connection.
func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *WSChannel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write failed", "channel_id", c.id, "err", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *WSChannel) readPump() {
	defer c.Close()
	c.conn.SetReadLimit(maxInboundSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", "channel_id", c.id, "err", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if typ != websocket.TextMessage {
			continue
		}
		select {
		case c.in <- string(data):
		case <-c.done:
			return
		}
	}
}
