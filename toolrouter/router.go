package toolrouter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/badrtairlbahrepro/VisionClaw/config"
	"github.com/badrtairlbahrepro/VisionClaw/logger"
	metrics "github.com/badrtairlbahrepro/VisionClaw/metrics/prometheus"
	"github.com/badrtairlbahrepro/VisionClaw/telemetry"
)

// Gateway executes a natural-language task. *gateway.Client satisfies it.
type Gateway interface {
	Execute(ctx context.Context, task string) (string, error)
}

// EmitFunc receives every response that must reach the model. ctx carries
// the values of the context the call was handled with, so the receiver can
// tell which session the response belongs to.
type EmitFunc func(ctx context.Context, resp Response)

// ActiveFunc observes the set of in-flight call IDs after every change.
type ActiveFunc func(ids []string)

// Option configures a Router.
type Option func(*Router)

// WithCallTimeout bounds each gateway call. Default config.DefaultToolCallTimeout.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

// WithTracerProvider sets the tracer provider for tool call spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Router) { r.tracer = telemetry.Tracer(tp) }
}

// WithActiveChange registers fn to observe in-flight call IDs. Calls to fn are
// serialized and always carry the latest set.
func WithActiveChange(fn ActiveFunc) Option {
	return func(r *Router) { r.onActive = fn }
}

// task is the router's record of one call.
type task struct {
	id                    string
	name                  string
	status                Status
	cancellationRequested bool
	cancel                context.CancelFunc
	started               time.Time
}

// Router tracks in-flight tool calls by ID. Calls with different IDs run
// concurrently; the gateway serializes its own history.
//
// Whether a result reaches the model is decided under the router lock at emit
// time: a task cancelled before that check never produces a response.
type Router struct {
	gw        Gateway
	emit      EmitFunc
	timeout   time.Duration
	validator *argsValidator
	tracer    trace.Tracer
	onActive  ActiveFunc

	mu    sync.Mutex
	tasks map[string]*task

	notifyMu sync.Mutex
	wg       sync.WaitGroup
}

// New creates a Router dispatching to gw and emitting responses through emit.
func New(gw Gateway, emit EmitFunc, opts ...Option) *Router {
	validator, err := newArgsValidator(ExecuteParameters)
	if err != nil {
		panic(err) // ExecuteParameters is a constant schema
	}

	r := &Router{
		gw:        gw,
		emit:      emit,
		timeout:   config.DefaultToolCallTimeout,
		validator: validator,
		tracer:    telemetry.Tracer(nil),
		tasks:     make(map[string]*task),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleRequest validates call and starts it. Unknown tools and invalid
// arguments are answered immediately with a failed response and never reach
// the gateway. A call whose ID is already in flight is ignored, and so is any
// call arriving once ctx is done: its session is gone and nobody would read
// the response.
func (r *Router) HandleRequest(ctx context.Context, call Call) {
	ctx = logger.WithToolCallID(ctx, call.ID)
	if ctx.Err() != nil {
		logger.DebugContext(ctx, "dropping tool call for ended session", "component", "router")
		return
	}

	if call.Name != ExecuteToolName {
		r.reject(ctx, call, fmt.Errorf("%w %q", ErrUnknownTool, call.Name))
		return
	}
	if err := r.validator.validate(call.Args); err != nil {
		r.reject(ctx, call, err)
		return
	}

	r.mu.Lock()
	// Checked under r.mu so a CancelAll that follows the end of ctx always
	// sees the task.
	if ctx.Err() != nil {
		r.mu.Unlock()
		logger.DebugContext(ctx, "dropping tool call for ended session", "component", "router")
		return
	}
	if _, exists := r.tasks[call.ID]; exists {
		r.mu.Unlock()
		logger.WarnContext(ctx, "duplicate tool call ignored", "component", "router")
		return
	}
	t := &task{id: call.ID, name: call.Name, status: StatusPending, started: time.Now()}
	r.tasks[call.ID] = t

	// The call outlives the inbound message that carried it; only the router
	// cancels it, through t.cancel.
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	t.cancel = cancel
	t.status = StatusRunning
	r.wg.Add(1)
	r.mu.Unlock()

	metrics.RecordToolCallStart()
	logger.ToolDispatch(ctx, call.ID, call.Name)
	r.notifyActive()

	go r.run(taskCtx, t, taskArg(call.Args))
}

// HandleCancellation cancels the named calls. Their gateway requests are
// aborted and no response is ever emitted for them. Unknown or already
// finished IDs are ignored. Returns how many calls were cancelled.
func (r *Router) HandleCancellation(ids []string) int {
	cancelled := 0
	for _, id := range ids {
		if r.cancelTask(id, "cancelled by model") {
			cancelled++
		}
	}
	if cancelled > 0 {
		r.notifyActive()
	}
	return cancelled
}

// CancelAll cancels every in-flight call without emitting responses and
// returns how many were cancelled. Used when the session goes away.
func (r *Router) CancelAll() int {
	cancelled := 0
	for _, id := range r.Active() {
		if r.cancelTask(id, "session closed") {
			cancelled++
		}
	}
	if cancelled > 0 {
		r.notifyActive()
	}
	return cancelled
}

// Active returns the IDs of in-flight calls, sorted.
func (r *Router) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Status returns the status of an in-flight call.
func (r *Router) Status(id string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return 0, false
	}
	return t.status, true
}

// Wait blocks until every dispatched call goroutine has returned.
func (r *Router) Wait() {
	r.wg.Wait()
}

func (r *Router) cancelTask(id, reason string) bool {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok || t.status.Terminal() {
		r.mu.Unlock()
		return false
	}
	t.cancellationRequested = true
	t.status = StatusCancelled
	delete(r.tasks, id)
	r.mu.Unlock()

	t.cancel()
	metrics.RecordToolCall(t.name, StatusCancelled.String(), time.Since(t.started).Seconds())
	logger.ToolResult(logger.WithToolCallID(context.Background(), id), id, StatusCancelled.String(),
		"reason", reason)
	return true
}

func (r *Router) run(ctx context.Context, t *task, taskText string) {
	defer r.wg.Done()

	ctx, span := r.tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		telemetry.AttrToolCallID.String(t.id),
		telemetry.AttrToolName.String(t.name),
	))
	defer span.End()

	output, err := r.gw.Execute(ctx, taskText)

	status := StatusCompleted
	if err != nil {
		status = StatusFailed
		output = errorOutput(err)
	}

	r.mu.Lock()
	if t.cancellationRequested || t.status == StatusCancelled {
		r.mu.Unlock()
		span.SetAttributes(telemetry.AttrToolStatus.String(StatusCancelled.String()))
		logger.DebugContext(ctx, "discarding result of cancelled tool call", "component", "router")
		return
	}
	t.status = status
	delete(r.tasks, t.id)
	r.mu.Unlock()

	t.cancel()
	duration := time.Since(t.started)
	metrics.RecordToolCall(t.name, status.String(), duration.Seconds())
	span.SetAttributes(telemetry.AttrToolStatus.String(status.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	logger.ToolResult(ctx, t.id, status.String(), "duration_ms", duration.Milliseconds())

	r.notifyActive()
	r.emit(ctx, Response{ID: t.id, Name: t.name, Output: output, Status: status})
}

func (r *Router) reject(ctx context.Context, call Call, err error) {
	metrics.RecordToolCallRejected(call.Name)
	logger.WarnContext(ctx, "tool call rejected", "component", "router", "tool", call.Name, "error", err)
	r.emit(ctx, Response{ID: call.ID, Name: call.Name, Output: errorOutput(err), Status: StatusFailed})
}

func (r *Router) notifyActive() {
	if r.onActive == nil {
		return
	}
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.onActive(r.Active())
}

func errorOutput(err error) string {
	return "Error: " + err.Error()
}
