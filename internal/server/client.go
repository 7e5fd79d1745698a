// Package server manages individual WebSocket clients, handling the write
// pump, heartbeats, read limits, rate limiting, and lifecycle control for each
// connection.
package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendQueueSize = 256
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 54 * time.Second
)

var (
	// ErrQueueFull is returned by Send when the client is not draining its
	// outbound queue fast enough.
	ErrQueueFull = errors.New("client send queue full")
	// ErrClientClosed is returned by Send after the client has been closed.
	ErrClientClosed = errors.New("client closed")
)

// Client adapts one WebSocket connection to the relay protocol. Outbound
// frames are queued and written by a dedicated pump goroutine; inbound frames
// are read synchronously by Receive.
type Client struct {
	conn        *websocket.Conn
	send        chan []byte
	addr        string
	rateLimiter *rateLimiter
	rateLimit   RateLimitConfig
	maxSize     int64
	log         *zap.Logger

	mu           sync.RWMutex
	closed       bool
	closePayload []byte
	done         chan struct{}
}

// NewClient creates a Client for conn. Call Start before using it.
func NewClient(conn *websocket.Conn, addr string, cfg *Config, log *zap.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		conn:        conn,
		send:        make(chan []byte, sendQueueSize),
		addr:        addr,
		rateLimiter: newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:   cfg.RateLimit,
		maxSize:     cfg.MaxMessageSize,
		log:         log.With(zap.String("remote", addr)),
		done:        make(chan struct{}),
	}
}

// Start launches the write pump and ties the client's lifetime to ctx.
func (c *Client) Start(ctx context.Context) {
	c.setupReadConnection()
	go c.writePump()
	go func() {
		select {
		case <-ctx.Done():
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
		case <-c.done:
		}
	}()
}

// Send queues frame for delivery without blocking.
func (c *Client) Send(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClientClosed
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Receive returns the next inbound frame. Frames over the rate limit are held
// back until a token is available, so the peer is slowed down but nothing it
// sent is lost. Any read error ends the connection.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		c.logReadError(err)
		return nil, err
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("extending read deadline", zap.Error(err))
	}

	if err := c.throttle(ctx); err != nil {
		return nil, err
	}
	return raw, nil
}

// Refuse closes a connection that never became active with the given code.
func (c *Client) Refuse(code int, reason string) error {
	c.closeWith(code, reason)
	return nil
}

// Close flushes queued frames, sends a normal closure and waits for the
// write pump to release the connection.
func (c *Client) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
	<-c.done
}

func (c *Client) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.closePayload = websocket.FormatCloseMessage(code, reason)
	close(c.send)
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn("setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// logReadError records why the read side ended at a level that matches how
// surprising the cause is.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("message exceeded maximum size", zap.Int64("limit", c.maxSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.log.Debug("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure):
		c.log.Warn("unexpected WebSocket close", zap.Error(err))
	default:
		c.log.Info("WebSocket read error", zap.Error(err))
	}
}

// throttle waits for the rate limiter to admit the frame just read.
func (c *Client) throttle(ctx context.Context) error {
	if c.rateLimiter == nil {
		return nil
	}
	if c.rateLimiter.throttled() {
		c.log.Debug("rate limit reached; delaying frame",
			zap.Int("burst", c.rateLimit.Burst),
			zap.Duration("interval", c.rateLimit.RefillInterval))
	}
	return c.rateLimiter.wait(ctx)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
		close(c.done)
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-c.send:
		if !ok {
			return c.writeCloseMessage()
		}
		return c.writeTextMessage(frame)
	case <-ticker.C:
		return c.writeControl(websocket.PingMessage, nil)
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("closing connection", zap.Error(err))
	}
}

// writeCloseMessage sends the pending close frame and always stops the pump.
func (c *Client) writeCloseMessage() bool {
	c.mu.RLock()
	payload := c.closePayload
	c.mu.RUnlock()

	c.writeControl(websocket.CloseMessage, payload)
	return false
}

// writeTextMessage writes one frame per WebSocket message.
func (c *Client) writeTextMessage(frame []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("setting write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("writing frame", zap.Error(err))
		}
		return false
	}
	return true
}

func (c *Client) writeControl(messageType int, payload []byte) bool {
	if err := c.conn.WriteControl(messageType, payload, time.Now().Add(writeWait)); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("writing control frame", zap.Int("type", messageType), zap.Error(err))
		}
		return false
	}
	return true
}
