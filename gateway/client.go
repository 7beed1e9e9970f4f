// Package gateway is the HTTP client for the tool execution gateway.
//
// The gateway exposes a chat-completions endpoint. The client keeps a bounded
// conversation history per session continuity key and replays it with every
// request so the gateway can follow multi-step tasks.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmespath/go-jmespath"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/badrtairlbahrepro/VisionClaw/config"
	"github.com/badrtairlbahrepro/VisionClaw/logger"
	metrics "github.com/badrtairlbahrepro/VisionClaw/metrics/prometheus"
	"github.com/badrtairlbahrepro/VisionClaw/statestore"
	"github.com/badrtairlbahrepro/VisionClaw/telemetry"
)

const (
	completionsPath  = "/v1/chat/completions"
	sessionKeyHeader = "x-openclaw-session-key"
	maxResponseBody  = 4 << 20

	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithStore mirrors history to store after every successful Execute.
func WithStore(store statestore.Store) Option {
	return func(c *Client) { c.store = store }
}

// WithClock replaces time.Now for session key generation.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithTracerProvider sets the tracer provider for gateway spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) { c.tracer = telemetry.Tracer(tp) }
}

// Client calls the gateway. Execute calls are serialized so history appends
// never interleave; ResetSession takes the same lock.
type Client struct {
	cfg        config.GatewayConfig
	endpoint   string
	httpClient *http.Client
	replyPath  *jmespath.JMESPath
	store      statestore.Store
	now        func() time.Time
	tracer     trace.Tracer

	// sem serializes Execute and ResetSession. Acquire honours ctx, so a
	// cancelled tool call stops waiting for its turn.
	sem *semaphore.Weighted

	mu         sync.RWMutex
	history    []Message
	sessionKey string
}

// NewClient creates a gateway client from cfg.Gateway.
func NewClient(cfg *config.Config, opts ...Option) (*Client, error) {
	gw := cfg.Gateway
	switch {
	case gw.MaxHistory <= 0:
		gw.MaxHistory = config.DefaultMaxHistory
	case gw.MaxHistory > config.MaxHistoryLimit:
		gw.MaxHistory = config.MaxHistoryLimit
	}
	if gw.ReplyPath == "" {
		gw.ReplyPath = config.DefaultReplyPath
	}
	if gw.SessionKeyPrefix == "" {
		gw.SessionKeyPrefix = config.DefaultSessionKeyPrefix
	}
	if gw.Model == "" {
		gw.Model = config.DefaultGatewayModel
	}

	replyPath, err := jmespath.Compile(gw.ReplyPath)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway reply path %q: %w", gw.ReplyPath, err)
	}

	c := &Client{
		cfg:       gw,
		endpoint:  gw.BaseURL() + completionsPath,
		replyPath: replyPath,
		now:       time.Now,
		tracer:    telemetry.Tracer(nil),
		sem:       semaphore.NewWeighted(1),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ResetSession clears the history and starts a new session continuity key.
// The previous key's mirrored history is removed.
func (c *Client) ResetSession(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	c.mu.Lock()
	old := c.sessionKey
	c.history = nil
	c.sessionKey = c.newSessionKey()
	key := c.sessionKey
	c.mu.Unlock()

	metrics.RecordHistoryLength(0)
	logger.InfoContext(logger.WithGatewaySession(ctx, key), "gateway session reset", "component", "gateway")

	if c.store != nil && old != "" {
		if err := c.store.Delete(ctx, old); err != nil {
			logger.Warn("failed to drop mirrored history", "component", "gateway", "error", err)
		}
	}
	return nil
}

// SessionKey returns the current session continuity key.
func (c *Client) SessionKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionKey
}

// History returns a copy of the conversation history.
func (c *Client) History() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.history))
	copy(out, c.history)
	return out
}

// Execute sends task as a user turn with the full history and returns the reply.
// On failure the history is left as it was before the call.
func (c *Client) Execute(ctx context.Context, task string) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &Error{Kind: ErrTimeout, Err: err}
		}
		return "", err
	}
	defer c.sem.Release(1)

	c.mu.Lock()
	if c.sessionKey == "" {
		c.sessionKey = c.newSessionKey()
	}
	key := c.sessionKey
	previous := c.history
	c.history = trim(append(cloneMessages(previous), Message{Role: RoleUser, Content: task}), c.cfg.MaxHistory)
	messages := cloneMessages(c.history)
	c.mu.Unlock()

	requestID := uuid.NewString()
	ctx = logger.WithRequestID(logger.WithGatewaySession(ctx, key), requestID)
	ctx, span := c.tracer.Start(ctx, "gateway.execute", trace.WithAttributes(
		telemetry.AttrSessionKey.String(key),
		telemetry.AttrHistoryLen.Int(len(messages)),
	))
	defer span.End()

	start := time.Now()
	reply, err := c.post(ctx, key, messages)
	metrics.RecordGatewayRequest(Outcome(err), time.Since(start).Seconds())

	if err != nil {
		c.mu.Lock()
		if c.sessionKey == key {
			c.history = previous
		}
		c.mu.Unlock()

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WarnContext(ctx, "gateway call failed", "component", "gateway", "error", err)
		return "", err
	}

	c.mu.Lock()
	c.history = trim(append(c.history, Message{Role: RoleAssistant, Content: reply}), c.cfg.MaxHistory)
	snapshot := cloneMessages(c.history)
	c.mu.Unlock()

	metrics.RecordHistoryLength(len(snapshot))
	c.mirror(ctx, key, snapshot)
	logger.InfoContext(ctx, "gateway call completed", "component", "gateway",
		"history", len(snapshot), "duration_ms", time.Since(start).Milliseconds())
	return reply, nil
}

func (c *Client) post(ctx context.Context, key string, messages []Message) (string, error) {
	body, err := json.Marshal(completionRequest{Model: c.cfg.Model, Messages: messages, Stream: false})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	reqCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: ErrUnreachable, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(sessionKeyHeader, key)
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	logger.APIRequest("gateway", http.MethodPost, c.endpoint,
		map[string]string{"Authorization": req.Header.Get("Authorization"), sessionKeyHeader: key},
		map[string]any{"model": c.cfg.Model, "messages": len(messages)})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		gwErr := transportError(ctx, err)
		logger.APIResponse("gateway", 0, "", gwErr)
		return "", gwErr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", transportError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		gwErr := statusError(resp.StatusCode, data)
		logger.APIResponse("gateway", resp.StatusCode, "", gwErr)
		return "", gwErr
	}
	logger.APIResponse("gateway", resp.StatusCode, string(data), nil)

	return c.extractReply(data)
}

func (c *Client) extractReply(data []byte) (string, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", &Error{Kind: ErrBadResponse, Err: err}
	}
	result, err := c.replyPath.Search(doc)
	if err != nil {
		return "", &Error{Kind: ErrBadResponse, Err: err}
	}
	reply, ok := result.(string)
	if !ok {
		return "", &Error{Kind: ErrBadResponse, Err: fmt.Errorf("no text at %q", c.cfg.ReplyPath)}
	}
	return reply, nil
}

func (c *Client) mirror(ctx context.Context, key string, messages []Message) {
	if c.store == nil {
		return
	}
	turns := make([]statestore.Turn, len(messages))
	for i, m := range messages {
		turns[i] = statestore.Turn{Role: m.Role, Content: m.Content}
	}
	if err := c.store.Save(ctx, &statestore.History{SessionKey: key, Turns: turns}); err != nil {
		logger.WarnContext(ctx, "failed to mirror history", "component", "gateway", "error", err)
	}
}

func (c *Client) newSessionKey() string {
	return c.cfg.SessionKeyPrefix + ":" + c.now().UTC().Format(time.RFC3339)
}

// trim evicts the oldest entries until at most limit remain.
func trim(history []Message, limit int) []Message {
	if len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}

func cloneMessages(in []Message) []Message {
	out := make([]Message, len(in), len(in)+1)
	copy(out, in)
	return out
}
