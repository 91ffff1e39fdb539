package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	readLimit   = 4096
	pongTimeout = 60 * time.Second
)

// Connection is one client watching a job's status.
type Connection struct {
	jobID        string
	ws           *websocket.Conn
	send         chan []byte
	logger       *zap.Logger
	writeTimeout time.Duration
	onClose      func(*Connection)
	closeOnce    sync.Once
	done         chan struct{}
}

// NewConnection builds connection wrapper.
func NewConnection(jobID string, ws *websocket.Conn, writeTimeout time.Duration, logger *zap.Logger, onClose func(*Connection)) *Connection {
	return &Connection{
		jobID:        jobID,
		ws:           ws,
		send:         make(chan []byte, 16),
		logger:       logger,
		writeTimeout: writeTimeout,
		onClose:      onClose,
		done:         make(chan struct{}),
	}
}

// JobID returns the watched job.
func (c *Connection) JobID() string {
	return c.jobID
}

// Start launches the pumps and blocks until the client goes away. Clients only
// receive; anything they send is discarded.
func (c *Connection) Start(ctx context.Context) {
	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Connection) readPump(ctx context.Context) {
	defer c.Close()
	c.ws.SetReadLimit(readLimit)
	c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}
		if _, _, err := c.ws.ReadMessage(); err != nil {
			c.logger.Debug("stream read closed", zap.String("job_id", c.jobID), zap.Error(err))
			return
		}
	}
}

func (c *Connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(pongTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close()
			c.shutdown()
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close()
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte("ping")); err != nil {
				c.Close()
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			c.shutdown()
			return
		}
	}
}

// shutdown flushes what was queued before the close, sends a close frame and closes the
// socket, which also unblocks readPump.
func (c *Connection) shutdown() {
	for {
		select {
		case msg := <-c.send:
			_ = c.write(websocket.TextMessage, msg)
		default:
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"))
			_ = c.ws.Close()
			return
		}
	}
}

// Send enqueues a message, dropping it when the client is too slow.
func (c *Connection) Send(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("dropping status update, buffer full", zap.String("job_id", c.jobID))
	}
}

// Close ends the stream once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

func (c *Connection) write(messageType int, data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}
