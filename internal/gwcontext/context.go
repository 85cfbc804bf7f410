// Package gwcontext implements the per-request state object carried through
// the gateway pipeline: identity, a diagnostics bag, a bounded breadcrumb
// ring, a registry of cancelable streams, and a handle to the host's
// background-work scheduler.
//
// Context itself holds no mutex-protected fields that are mutated from more
// than one goroutine concurrently under normal operation — all per-request
// work is single-threaded cooperative — but the breadcrumb ring and
// diagnostics bag are guarded defensively since background tasks scheduled
// from a request may still append breadcrumbs after the response has started
// streaming.
package gwcontext

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultBreadcrumbCapacity is the default ring buffer size.
const DefaultBreadcrumbCapacity = 25

// DefaultBackgroundDeadline is the soft deadline for synchronous fallback
// when no scheduler is available.
const DefaultBackgroundDeadline = 2 * time.Second

// Breadcrumb is an append-only, in-memory structured log event.
type Breadcrumb struct {
	Timestamp time.Time      `json:"timestamp"`
	Category  string         `json:"category"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Scheduler hands background work to the host runtime. It is satisfied by
// *scheduler.Scheduler; defined here to avoid an import cycle between
// gwcontext and scheduler.
type Scheduler interface {
	// Schedule submits fn to run after the response has been emitted. It
	// returns immediately; fn's completion is not awaited by the caller.
	Schedule(name string, fn func(context.Context) error)
}

// StreamHandle is a cancelable, ongoing stream registered with a Context so
// it can be torn down if the client disconnects.
type StreamHandle interface {
	Cancel()
}

// Context is the per-request scratchpad carried through the pipeline.
type Context struct {
	ID        string
	StartTime time.Time
	Logger    *slog.Logger

	Debug   bool
	Verbose bool

	scheduler Scheduler

	mu          sync.Mutex
	diagnostics map[string]any
	breadcrumbs []Breadcrumb
	ringHead    int
	ringFull    bool
	capacity    int

	streamsMu sync.Mutex
	streams   map[StreamHandle]struct{}
}

// Option configures New.
type Option func(*Context)

// WithCapacity overrides the default breadcrumb ring capacity.
func WithCapacity(n int) Option {
	return func(c *Context) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithScheduler attaches a background-task scheduler.
func WithScheduler(s Scheduler) Option {
	return func(c *Context) { c.scheduler = s }
}

// WithDebug marks the context as carrying a debug request.
func WithDebug(debug, verbose bool) Option {
	return func(c *Context) {
		c.Debug = debug
		c.Verbose = verbose
	}
}

// New allocates a Context for an incoming request. initial is pre-populated
// into the diagnostics bag (method, URL, headers of interest); it is copied,
// not retained.
func New(logger *slog.Logger, initial map[string]any, opts ...Option) *Context {
	id := uuid.New().String()
	if logger == nil {
		logger = slog.Default()
	}

	c := &Context{
		ID:          id,
		StartTime:   time.Now(),
		Logger:      logger.With(slog.String("request_id", id)),
		diagnostics: make(map[string]any, len(initial)+4),
		capacity:    DefaultBreadcrumbCapacity,
		streams:     make(map[StreamHandle]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breadcrumbs = make([]Breadcrumb, 0, c.capacity)

	for k, v := range initial {
		c.diagnostics[k] = v
	}
	c.diagnostics["request_id"] = id
	c.diagnostics["start_time"] = c.StartTime.Format(time.RFC3339Nano)

	return c
}

// AddBreadcrumb appends an event to the ring, dropping the oldest entry when
// at capacity. Safe to call from any goroutine/component, including
// background tasks.
func (c *Context) AddBreadcrumb(category, message string, data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := Breadcrumb{Timestamp: time.Now(), Category: category, Message: message, Data: data}

	if len(c.breadcrumbs) < c.capacity {
		c.breadcrumbs = append(c.breadcrumbs, b)
		return
	}

	// At capacity: overwrite the oldest slot (ring semantics), preserving
	// insertion order for Breadcrumbs().
	c.breadcrumbs[c.ringHead] = b
	c.ringHead = (c.ringHead + 1) % c.capacity
	c.ringFull = true
}

// Breadcrumbs returns a snapshot of the ring in chronological order.
func (c *Context) Breadcrumbs() []Breadcrumb {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ringFull {
		out := make([]Breadcrumb, len(c.breadcrumbs))
		copy(out, c.breadcrumbs)
		return out
	}

	out := make([]Breadcrumb, c.capacity)
	for i := 0; i < c.capacity; i++ {
		out[i] = c.breadcrumbs[(c.ringHead+i)%c.capacity]
	}
	return out
}

// SetDiagnostic records a JSON-able diagnostic value.
func (c *Context) SetDiagnostic(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diagnostics[key] = value
}

// Diagnostics returns a shallow copy of the diagnostics bag.
func (c *Context) Diagnostics() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.diagnostics))
	for k, v := range c.diagnostics {
		out[k] = v
	}
	return out
}

// ScheduleBackground hands task to the host scheduler. When no scheduler was
// attached, task runs synchronously with a soft deadline; if the deadline
// elapses the work is abandoned and a breadcrumb recorded.
func (c *Context) ScheduleBackground(name string, task func(context.Context) error) {
	if c.scheduler != nil {
		c.scheduler.Schedule(name, task)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultBackgroundDeadline)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- task(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			c.AddBreadcrumb("background", "synchronous background task failed", map[string]any{
				"task": name, "error": err.Error(),
			})
		}
	case <-ctx.Done():
		c.AddBreadcrumb("background", "synchronous background task abandoned at soft deadline", map[string]any{
			"task": name,
		})
	}
}

// RegisterStream tracks a cancelable stream for teardown on disconnect.
func (c *Context) RegisterStream(h StreamHandle) {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	c.streams[h] = struct{}{}
}

// UnregisterStream stops tracking a stream (normal completion).
func (c *Context) UnregisterStream(h StreamHandle) {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	delete(c.streams, h)
}

// CancelStreams cancels every registered stream, e.g. on client disconnect.
func (c *Context) CancelStreams() {
	c.streamsMu.Lock()
	handles := make([]StreamHandle, 0, len(c.streams))
	for h := range c.streams {
		handles = append(handles, h)
	}
	c.streamsMu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}

// Elapsed returns the time since the context was created.
func (c *Context) Elapsed() time.Duration {
	return time.Since(c.StartTime)
}

type ctxKey struct{}

// WithContext attaches a gwcontext.Context to a standard context.Context.
func WithContext(ctx context.Context, gc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, gc)
}

// FromContext retrieves the gwcontext.Context previously attached with
// WithContext, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	gc, ok := ctx.Value(ctxKey{}).(*Context)
	return gc, ok
}
