package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// MessageHandler is the callback executed when a full frame is received.
type MessageHandler func(connID int64, msg []byte)

// OnCloseHandler is the callback executed once when the connection dies.
type OnCloseHandler func(connID int64, err error)

type ConnectionConfig struct {
	ReadTimeout time.Duration
	RateLimit   RateLimitConfig
}

// RateLimitConfig bounds how fast a single client may send messages, using
// a per-connection token bucket.
type RateLimitConfig struct {
	MessagesPerSecond float64
	Burst             int
	Enabled           bool
}

func DefaultRateLimit() RateLimitConfig {
	return RateLimitConfig{MessagesPerSecond: 100, Burst: 200, Enabled: true}
}

// Wire ids are protocol-visible and handed out sequentially for the life of
// the process.
var nextConnID atomic.Int64

// Connection wraps a single WebSocket connection. Outbound frames go through
// a buffered send channel; when the buffer is full frames are dropped rather
// than blocking the caller (the broker performs no flow control of its own).
type Connection struct {
	id         int64
	traceID    uuid.UUID
	conn       *websocket.Conn
	remoteAddr string
	config     ConnectionConfig
	send       chan []byte
	limiter    *rate.Limiter

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, remoteAddr string, config ConnectionConfig, logger *slog.Logger) *Connection {
	id := nextConnID.Add(1)
	traceID := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)

	var limiter *rate.Limiter
	if config.RateLimit.Enabled {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit.MessagesPerSecond), config.RateLimit.Burst)
	}

	// The matching Done is in Close, which may fire before Run if the
	// engine tears the connection down during registration.
	wg.Add(1)
	return &Connection{
		id:         id,
		traceID:    traceID,
		conn:       conn,
		remoteAddr: remoteAddr,
		config:     config,
		send:       make(chan []byte, 256),
		limiter:    limiter,
		done:       make(chan struct{}),
		wg:         wg,
		ctx:        connCtx,
		cancel:     cancel,
		logger: logger.With(
			slog.Int64("connID", id),
			slog.String("traceID", traceID.String()),
		),
	}
}

func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()

	c.logger.Info("connection established", slog.String("remoteAddr", c.remoteAddr))
}

// readPump pumps frames from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx, cancelRead := context.WithTimeout(c.ctx, c.config.ReadTimeout)
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			readErr = err
			cancelRead()
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		message, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			readErr = err
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.logger.Warn("rate limit exceeded, closing connection")
			c.conn.Close(websocket.StatusPolicyViolation, "rate limit exceeded")
			return
		}
		if c.onMessage != nil {
			c.onMessage(c.id, message)
		}
	}
}

// writePump pumps frames from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := c.conn.Write(c.ctx, websocket.MessageText, message); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// Send queues a frame for delivery. It never blocks: if the connection's
// buffer is full the frame is dropped, an accepted limitation of the
// best-effort fan-out.
func (c *Connection) Send(message []byte) {
	select {
	case c.send <- message:
	case <-c.ctx.Done():
	default:
		c.logger.Warn("send buffer full, dropping frame")
	}
}

// Close shuts the connection down exactly once and fires the close handler.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.logger.Info("connection closing", slog.Any("reason", err))

		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "")
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done returns a channel closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) ID() int64 {
	return c.id
}

func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
