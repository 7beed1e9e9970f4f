// Package live runs a real-time voice session against a bidirectional
// streaming model service. It owns the session state machine, multiplexes
// microphone audio and camera frames onto the connection, demultiplexes model
// audio for playback, and routes model tool calls to the gateway.
package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/badrtairlbahrepro/VisionClaw/audio"
	"github.com/badrtairlbahrepro/VisionClaw/config"
	"github.com/badrtairlbahrepro/VisionClaw/gateway"
	"github.com/badrtairlbahrepro/VisionClaw/internal/streaming"
	"github.com/badrtairlbahrepro/VisionClaw/logger"
	"github.com/badrtairlbahrepro/VisionClaw/media"
	metrics "github.com/badrtairlbahrepro/VisionClaw/metrics/prometheus"
	"github.com/badrtairlbahrepro/VisionClaw/toolrouter"
)

// apiKeyHeader carries the service API key on the websocket handshake.
const apiKeyHeader = "x-goog-api-key"

// outboundQueueSize bounds sends waiting for the writer goroutine.
const outboundQueueSize = 32

// Gateway executes tool tasks and keeps per-session history.
// *gateway.Client satisfies it.
type Gateway interface {
	toolrouter.Gateway
	ResetSession(ctx context.Context) error
}

// TranscriptSink receives text from both sides of the conversation.
type TranscriptSink interface {
	ModelTranscript(text string, final bool)
	UserTranscript(text string)
}

// Option configures a Client.
type Option func(*Client)

// WithGateway sets the tool gateway. Defaults to a gateway.Client built from
// the same configuration.
func WithGateway(gw Gateway) Option {
	return func(c *Client) { c.gw = gw }
}

// WithAudioSink sets where model audio is played. Defaults to discarding it.
func WithAudioSink(sink audio.Sink) Option {
	return func(c *Client) { c.sink = sink }
}

// WithTranscriptSink sets the receiver of transcript text.
func WithTranscriptSink(ts TranscriptSink) Option {
	return func(c *Client) { c.transcripts = ts }
}

// WithClock sets the time source used by the video throttle.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithTracerProvider sets the tracer provider passed to the tool router.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) { c.tp = tp }
}

// WithHeaders adds headers to the websocket handshake.
func WithHeaders(h http.Header) Option {
	return func(c *Client) { c.headers = h }
}

// attempt is one Connect call's connection and goroutines.
type attempt struct {
	id      string
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc

	conn       *streaming.Conn
	setupTimer *time.Timer
	finished   bool

	// limiter throttles video for this attempt only; a new session starts
	// with a free slot.
	limiter *rate.Limiter

	queue      chan *outbound
	stop       chan struct{}
	stopOnce   sync.Once
	writerDone chan struct{}
}

type outbound struct {
	kind   string
	data   []byte
	result chan error
}

// Client is a live session. Connect may be called again after the session
// ends in disconnected or error.
type Client struct {
	cfg         *config.Config
	gw          Gateway
	router      *toolrouter.Router
	demux       *audio.Demuxer
	encoder     *media.FrameEncoder
	sink        audio.Sink
	transcripts TranscriptSink
	headers     http.Header
	tp          trace.TracerProvider
	now         func() time.Time
	snapshots   *broadcaster

	mu       sync.Mutex
	state    State
	attempt  *attempt
	cause    string
	speaking bool
	active   []string
}

// NewClient builds a session client from cfg. cfg is read, never modified.
func NewClient(cfg *config.Config, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:       cfg,
		now:       time.Now,
		snapshots: newBroadcaster(Snapshot{State: StateDisconnected}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.gw == nil {
		gw, err := gateway.NewClient(cfg, gateway.WithTracerProvider(c.tp))
		if err != nil {
			return nil, err
		}
		c.gw = gw
	}

	policy, err := audio.ParseTurnEndPolicy(cfg.Live.TurnEndPolicy, cfg.Live.SilenceTimeout)
	if err != nil {
		return nil, err
	}

	routerOpts := []toolrouter.Option{
		toolrouter.WithCallTimeout(cfg.Tools.CallTimeout),
		toolrouter.WithActiveChange(c.onActiveChange),
	}
	if c.tp != nil {
		routerOpts = append(routerOpts, toolrouter.WithTracerProvider(c.tp))
	}
	c.router = toolrouter.New(c.gw, c.emitToolResponse, routerOpts...)

	c.demux = audio.NewDemuxer(c.sink, policy)
	c.demux.OnSpeakingChange(c.onSpeakingChange)

	c.encoder = media.NewFrameEncoder(cfg.Media.JPEGQuality, cfg.Media.MaxFrameDimension)

	return c, nil
}

// Connect opens a new session attempt: it dials the service, sends the setup
// message and returns in StateSettingUp. Use WaitReady or Subscribe to learn
// when setup completes. Connect fails with ErrAlreadyConnected unless the
// session is disconnected or in error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected && c.state != StateError {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	a := c.newAttempt(ctx)
	c.attempt = a
	c.cause = ""
	c.transitionLocked(StateConnecting)
	c.mu.Unlock()

	// Calls left over from an earlier attempt must not answer into this one.
	if n := c.router.CancelAll(); n > 0 {
		logger.InfoContext(a.ctx, "cancelled tool calls from previous session", "component", "live", "count", n)
	}
	if err := c.gw.ResetSession(ctx); err != nil {
		logger.WarnContext(a.ctx, "gateway history reset failed", "component", "live", "error", err)
	}

	headers := http.Header{}
	for k, v := range c.headers {
		headers[k] = v
	}
	if c.cfg.Live.APIKey != "" {
		headers.Set(apiKeyHeader, c.cfg.Live.APIKey)
	}
	conn := streaming.NewConn(&streaming.ConnConfig{
		URL:        c.cfg.Live.URL,
		Headers:    headers,
		MaxRetries: c.cfg.Live.MaxDialRetries,
	})

	// The dial is bounded by the caller's ctx and aborted by Disconnect.
	dialCtx, cancelDial := context.WithCancel(ctx)
	stopAbort := context.AfterFunc(a.ctx, cancelDial)
	err := conn.ConnectWithRetry(dialCtx)
	stopAbort()
	cancelDial()
	if err != nil {
		if a.ctx.Err() != nil {
			return ErrSessionClosed
		}
		terr := &TransportError{Op: "dial", Err: err}
		c.finish(a, StateError, terr.Error())
		return terr
	}

	c.mu.Lock()
	if c.attempt != a || a.finished {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrSessionClosed
	}
	a.conn = conn
	c.mu.Unlock()

	setup, err := BuildSetupMessage(&c.cfg.Live)
	if err != nil {
		c.finish(a, StateError, err.Error())
		return err
	}
	if err := conn.Send(setup); err != nil {
		terr := &TransportError{Op: "setup", Err: err}
		c.finish(a, StateError, terr.Error())
		return terr
	}
	metrics.RecordFrameSent("setup")

	c.mu.Lock()
	if c.attempt != a || a.finished {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	c.transitionLocked(StateSettingUp)
	a.setupTimer = time.AfterFunc(c.cfg.Live.SetupTimeout, func() { c.setupTimedOut(a) })
	c.mu.Unlock()

	go c.writeLoop(a)
	go c.readLoop(a)
	conn.StartHeartbeat(a.ctx, c.cfg.Live.HeartbeatInterval)
	return nil
}

// Disconnect ends the current attempt from any state. In-flight tool calls
// are cancelled without responses and queued playback is discarded.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	a := c.attempt
	if a == nil || a.finished {
		if c.state != StateDisconnected {
			c.cause = ""
			c.transitionLocked(StateDisconnected)
		}
		c.mu.Unlock()
		c.router.CancelAll()
		return nil
	}
	c.mu.Unlock()

	c.finish(a, StateDisconnected, "")
	return nil
}

// Close disconnects and releases the playback goroutine and subscribers.
// The Client cannot be used afterwards.
func (c *Client) Close() error {
	err := c.Disconnect()
	c.router.Wait()
	c.demux.Close()
	c.snapshots.close()
	return err
}

// WaitReady blocks until the session is ready, ends, or ctx is done.
func (c *Client) WaitReady(ctx context.Context) error {
	ch, unsubscribe := c.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-ch:
			if !ok {
				return ErrSessionClosed
			}
			switch s.State {
			case StateReady:
				return nil
			case StateError:
				return fmt.Errorf("%w: %s", ErrSessionClosed, s.Cause)
			case StateDisconnected:
				if s.ID != "" {
					return ErrSessionClosed
				}
			}
		}
	}
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the latest session snapshot.
func (c *Client) Snapshot() Snapshot {
	return c.snapshots.snapshot()
}

// Subscribe returns a channel that first yields the latest snapshot and then
// every later one. Slow readers skip intermediate snapshots. Call the returned
// function to unsubscribe.
func (c *Client) Subscribe() (<-chan Snapshot, func()) {
	return c.snapshots.subscribe()
}

// ModelSpeaking reports whether model audio is currently playing. Capture
// code uses it to mute the microphone when speaker and mic share a room.
func (c *Client) ModelSpeaking() bool {
	return c.demux.Speaking()
}

// attemptKey carries the owning attempt in contexts handed to the router.
type attemptKey struct{}

func (c *Client) newAttempt(ctx context.Context) *attempt {
	a := &attempt{
		id:         uuid.NewString(),
		started:    c.now(),
		limiter:    newVideoLimiter(c.cfg.Media.VideoMinInterval),
		queue:      make(chan *outbound, outboundQueueSize),
		stop:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	actx := logger.WithSessionID(context.WithoutCancel(ctx), a.id)
	a.ctx, a.cancel = context.WithCancel(context.WithValue(actx, attemptKey{}, a))
	return a
}

// current reports whether a is the live attempt.
func (c *Client) current(a *attempt) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt == a && !a.finished
}

// transitionLocked moves to state and publishes a snapshot. c.mu must be held.
func (c *Client) transitionLocked(to State) {
	from := c.state
	c.state = to
	ctx := context.Background()
	if c.attempt != nil {
		ctx = c.attempt.ctx
	}
	metrics.RecordStateTransition(from.String(), to.String())
	if c.cause != "" {
		logger.StateChange(ctx, from.String(), to.String(), "cause", c.cause)
	} else {
		logger.StateChange(ctx, from.String(), to.String())
	}
	c.publishLocked()
}

func (c *Client) publishLocked() {
	s := Snapshot{
		State:           c.state,
		Cause:           c.cause,
		ModelSpeaking:   c.speaking,
		ActiveToolCalls: c.active,
	}
	if c.attempt != nil {
		s.ID = c.attempt.id
		s.StartedAt = c.attempt.started
	}
	c.snapshots.publish(s)
}

// finish ends attempt a in state. Calls for a stale or already finished
// attempt are ignored.
func (c *Client) finish(a *attempt, state State, cause string) {
	c.mu.Lock()
	if c.attempt != a || a.finished {
		c.mu.Unlock()
		return
	}
	a.finished = true
	a.cancel()
	if a.setupTimer != nil {
		a.setupTimer.Stop()
	}
	c.cause = cause
	c.active = nil
	c.transitionLocked(state)
	conn := a.conn
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.DebugContext(a.ctx, "close failed", "component", "live", "error", err)
		}
	}
	if n := c.router.CancelAll(); n > 0 {
		logger.InfoContext(a.ctx, "cancelled in-flight tool calls", "component", "live", "count", n)
	}
	c.demux.Interrupt()
}

func (c *Client) fail(a *attempt, err error) {
	logger.ErrorContext(a.ctx, "session failed", "component", "live", "error", err)
	c.finish(a, StateError, err.Error())
}

func (c *Client) setupTimedOut(a *attempt) {
	c.mu.Lock()
	stale := c.attempt != a || a.finished || c.state != StateSettingUp
	c.mu.Unlock()
	if stale {
		return
	}
	c.fail(a, fmt.Errorf("setup timeout after %s", c.cfg.Live.SetupTimeout))
}

// readLoop decodes inbound frames until the attempt ends.
func (c *Client) readLoop(a *attempt) {
	for {
		frame, err := a.conn.Receive(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			if streaming.IsNormalClose(err) {
				logger.InfoContext(a.ctx, "server closed the session", "component", "live")
				c.finish(a, StateDisconnected, "")
				return
			}
			c.fail(a, &TransportError{Op: "read", Err: err})
			return
		}

		msgs, err := Decode(frame)
		if err != nil {
			metrics.RecordDecodeError()
			logger.WarnContext(a.ctx, "skipping malformed frame", "component", "live", "error", err)
			continue
		}
		for _, msg := range msgs {
			// A handler for an earlier message may have ended the attempt.
			if !c.current(a) {
				return
			}
			metrics.RecordMessageReceived(msg.Variant())
			if !c.dispatch(a, msg) {
				return
			}
		}
	}
}

// dispatch applies one message. It returns false when the read loop must stop.
func (c *Client) dispatch(a *attempt, msg InboundMessage) bool {
	switch m := msg.(type) {
	case SetupComplete:
		c.mu.Lock()
		if c.attempt == a && !a.finished && c.state == StateSettingUp {
			a.setupTimer.Stop()
			c.transitionLocked(StateReady)
		} else {
			logger.DebugContext(a.ctx, "ignoring setupComplete", "component", "live", "state", c.state.String())
		}
		c.mu.Unlock()
	case ModelAudioChunk:
		c.demux.Push(m.Data)
	case ModelTranscript:
		if c.transcripts != nil {
			c.transcripts.ModelTranscript(m.Text, m.IsFinal)
		}
	case UserTranscript:
		if c.transcripts != nil {
			c.transcripts.UserTranscript(m.Text)
		}
	case ModelTurnEnd:
		if m.Interrupted {
			c.demux.Interrupt()
		} else {
			c.demux.TurnEnded()
		}
	case ToolCallRequest:
		for _, call := range m.Calls {
			c.router.HandleRequest(a.ctx, call)
		}
	case ToolCallCancellation:
		n := c.router.HandleCancellation(m.IDs)
		logger.DebugContext(a.ctx, "tool calls cancelled by model", "component", "live",
			"requested", len(m.IDs), "cancelled", n)
	case GoAway:
		c.goAway(a, m.Reason)
		return false
	default:
		logger.DebugContext(a.ctx, "ignoring unrecognized message", "component", "live", "variant", msg.Variant())
	}
	return true
}

// goAway flushes queued sends, then closes the connection.
func (c *Client) goAway(a *attempt, reason string) {
	logger.InfoContext(a.ctx, "server sent goAway", "component", "live", "reason", reason)
	a.stopOnce.Do(func() { close(a.stop) })
	select {
	case <-a.writerDone:
	case <-a.ctx.Done():
	}
	c.finish(a, StateDisconnected, "")
}

// writeLoop is the only writer of media and tool responses for a.
func (c *Client) writeLoop(a *attempt) {
	defer close(a.writerDone)
	for {
		select {
		case item := <-a.queue:
			c.write(a, item)
		case <-a.stop:
			for {
				select {
				case item := <-a.queue:
					c.write(a, item)
				default:
					return
				}
			}
		case <-a.ctx.Done():
			return
		}
	}
}

func (c *Client) write(a *attempt, item *outbound) {
	if a.ctx.Err() != nil {
		item.result <- ErrSessionClosed
		return
	}
	if err := a.conn.Send(item.data); err != nil {
		if a.ctx.Err() != nil {
			item.result <- ErrSessionClosed
			return
		}
		terr := &TransportError{Op: "write", Err: err}
		item.result <- terr
		c.fail(a, terr)
		return
	}
	metrics.RecordFrameSent(item.kind)
	item.result <- nil
}

// send queues data on a's writer and waits for the write to finish.
func (c *Client) send(ctx context.Context, a *attempt, kind string, data []byte) error {
	item := &outbound{kind: kind, data: data, result: make(chan error, 1)}
	select {
	case a.queue <- item:
	case <-a.stop:
		return ErrSessionClosed
	case <-a.ctx.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-item.result:
		return err
	case <-a.writerDone:
		select {
		case err := <-item.result:
			return err
		default:
			return ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readyAttempt returns the live attempt if the session accepts media.
func (c *Client) readyAttempt() (*attempt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.attempt == nil || c.attempt.finished {
		return nil, ErrNotReady
	}
	return c.attempt, nil
}

// emitToolResponse sends a router result to the model over the attempt the
// call arrived on. Results for any other attempt are dropped.
func (c *Client) emitToolResponse(ctx context.Context, resp toolrouter.Response) {
	a, _ := ctx.Value(attemptKey{}).(*attempt)
	if a == nil || !c.current(a) {
		logger.WarnContext(ctx, "dropping tool response, its session has ended", "component", "live",
			"tool_call_id", resp.ID)
		return
	}

	data, err := BuildToolResponseMessage(resp)
	if err != nil {
		logger.ErrorContext(a.ctx, "failed to encode tool response", "component", "live", "error", err)
		return
	}
	if err := c.send(a.ctx, a, "tool_response", data); err != nil && !errors.Is(err, ErrSessionClosed) {
		logger.WarnContext(a.ctx, "failed to send tool response", "component", "live",
			"tool_call_id", resp.ID, "error", err)
	}
}

func (c *Client) onActiveChange(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = ids
	c.publishLocked()
}

func (c *Client) onSpeakingChange(speaking bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speaking = speaking
	c.publishLocked()
}
