// Package streaming provides the WebSocket transport used by live sessions.
//
// The package handles transport-level concerns (dial with retry, serialized
// writes, a single read pump, heartbeat pings, graceful close) and leaves
// message encoding and decoding to the caller. Text and binary frames are
// delivered identically: the framing distinction carries no meaning upstream.
package streaming

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/badrtairlbahrepro/VisionClaw/logger"
)

// Default connection constants.
const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultWriteWait        = 10 * time.Second
	DefaultMaxMessageSize   = 16 * 1024 * 1024 // 16MB
	DefaultMaxRetries       = 3
	DefaultRetryBackoffBase = 1 * time.Second
	DefaultRetryBackoffMax  = 30 * time.Second
	DefaultCloseGracePeriod = 2 * time.Second
	defaultFrameBuffer      = 16
)

// jitterFactor is the +-25% jitter applied to backoff delays.
const jitterFactor = 0.25

// jitterPrecision is the granularity for crypto/rand jitter generation.
const jitterPrecision = 1000

// ErrNotConnected is returned by Send and Receive before Connect succeeds or after Close.
var ErrNotConnected = errors.New("websocket is not connected")

// ConnConfig configures the WebSocket connection behavior.
type ConnConfig struct {
	// URL is the WebSocket endpoint URL.
	URL string

	// Headers are sent during the WebSocket handshake.
	Headers http.Header

	// DialTimeout is the handshake timeout. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// WriteWait is the write deadline for each message. Defaults to DefaultWriteWait.
	WriteWait time.Duration

	// MaxMessageSize is the read limit. Defaults to DefaultMaxMessageSize.
	MaxMessageSize int64

	// MaxRetries is the number of connection attempts for ConnectWithRetry.
	MaxRetries int

	// RetryBackoffBase is the initial backoff delay.
	RetryBackoffBase time.Duration

	// RetryBackoffMax caps the backoff delay.
	RetryBackoffMax time.Duration

	// CloseGracePeriod is the deadline for writing the close frame.
	CloseGracePeriod time.Duration

	// Logger receives transport logs. Defaults to logger.DefaultLogger.
	Logger *slog.Logger
}

func (c *ConnConfig) defaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteWait == 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoffBase == 0 {
		c.RetryBackoffBase = DefaultRetryBackoffBase
	}
	if c.RetryBackoffMax == 0 {
		c.RetryBackoffMax = DefaultRetryBackoffMax
	}
	if c.CloseGracePeriod == 0 {
		c.CloseGracePeriod = DefaultCloseGracePeriod
	}
	if c.Logger == nil {
		c.Logger = logger.DefaultLogger
	}
	c.Logger = c.Logger.With("component", "transport")
}

// frame is one inbound message or the terminal read error.
type frame struct {
	data []byte
	err  error
}

// Conn is a single-use WebSocket connection. Writes are serialized; reads are
// performed by one pump goroutine and handed out through Receive.
type Conn struct {
	cfg ConnConfig

	mu      sync.Mutex
	writeMu sync.Mutex // gorilla/websocket allows one concurrent writer
	conn    *websocket.Conn
	closed  bool
	closeCh chan struct{}
	frames  chan frame
}

// NewConn creates a new Conn. Call Connect or ConnectWithRetry to establish the connection.
func NewConn(cfg *ConnConfig) *Conn {
	cfg.defaults()
	return &Conn{
		cfg:     *cfg,
		closeCh: make(chan struct{}),
		frames:  make(chan frame, defaultFrameBuffer),
	}
}

// Connect establishes the WebSocket connection and starts the read pump.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("connection is closed")
	}
	if c.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.DialTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}

	c.cfg.Logger.Debug("connecting to WebSocket", "url", logger.RedactSensitiveData(c.cfg.URL))

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			c.cfg.Logger.Error("WebSocket dial failed", "error", err, "status", resp.StatusCode)
			return fmt.Errorf("failed to connect (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}

	conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn = conn
	go c.readPump(conn)

	c.cfg.Logger.Info("WebSocket connected")
	return nil
}

// ConnectWithRetry attempts to connect with exponential backoff and jitter.
func (c *Conn) ConnectWithRetry(ctx context.Context) error {
	var lastErr error
	backoff := c.cfg.RetryBackoffBase

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.Connect(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		c.cfg.Logger.Warn("connection attempt failed",
			"attempt", attempt, "maxAttempts", c.cfg.MaxRetries, "error", lastErr)

		if attempt < c.cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(calculateBackoff(backoff, c.cfg.RetryBackoffMax)):
			}
			backoff = min(backoff*2, c.cfg.RetryBackoffMax)
		}
	}

	return fmt.Errorf("failed to connect after %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

// Send writes one pre-encoded text frame. Concurrent callers are serialized.
func (c *Conn) Send(data []byte) error {
	conn, err := c.active()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Receive blocks until the next inbound frame, a read error, Close, or ctx cancellation.
// Text and binary frames are returned the same way.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	if _, err := c.active(); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeCh:
		return nil, ErrNotConnected
	case f := <-c.frames:
		return f.data, f.err
	}
}

func (c *Conn) readPump(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.deliver(frame{err: err})
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if !c.deliver(frame{data: data}) {
			return
		}
	}
}

func (c *Conn) deliver(f frame) bool {
	select {
	case c.frames <- f:
		return true
	case <-c.closeCh:
		return false
	}
}

// StartHeartbeat starts a goroutine that sends ping frames at the given interval.
func (c *Conn) StartHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closeCh:
				return
			case <-ticker.C:
				if !c.sendPing() {
					return
				}
			}
		}
	}()
}

func (c *Conn) sendPing() bool {
	conn, err := c.active()
	if err != nil {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
		c.cfg.Logger.Warn("ping failed", "error", err)
		return false
	}
	return true
}

// Close sends a close frame and tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeCh)

	if c.conn == nil {
		return nil
	}

	c.writeMu.Lock()
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(c.cfg.CloseGracePeriod))
	c.writeMu.Unlock()

	return c.conn.Close()
}

// IsConnected reports whether the connection is established and not closed.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

func (c *Conn) active() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// IsNormalClose reports whether err is a clean close initiated by the peer.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// calculateBackoff computes a backoff duration with +-25% jitter, capped at maxDelay.
func calculateBackoff(base, maxDelay time.Duration) time.Duration {
	delay := math.Min(float64(base), float64(maxDelay))
	n, _ := rand.Int(rand.Reader, big.NewInt(jitterPrecision))
	jitter := delay * jitterFactor * (float64(n.Int64())/(jitterPrecision/2) - 1)
	result := math.Min(math.Max(delay+jitter, 0), float64(maxDelay))
	return time.Duration(result)
}
