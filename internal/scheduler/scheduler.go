// Package scheduler runs the gateway's background work: immediate ad hoc
// jobs handed off by a request (for example presigned-URL refresh-ahead)
// and periodic jobs registered on cron expressions through
// RegisterPeriodic. The timing engine is robfig/cron/v3; ad hoc jobs
// run on a bounded worker pool so a burst of requests can't spawn unbounded
// goroutines.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultWorkers is the number of goroutines draining the ad hoc job queue.
const DefaultWorkers = 8

// DefaultQueueDepth bounds the number of ad hoc jobs waiting for a worker
// before Schedule falls back to running the job inline.
const DefaultQueueDepth = 256

// NormalizeCronExpression normalizes a cron expression to 6-field format
// (seconds minutes hours day-of-month month day-of-week). It also accepts
// the legacy 7-field form with a trailing year, stripping the year after
// validating it.
func NormalizeCronExpression(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", fmt.Errorf("empty cron expression")
	}
	if strings.HasPrefix(expr, "@") {
		return expr, nil
	}

	fields := strings.Fields(expr)
	switch len(fields) {
	case 6:
		return expr, nil
	case 7:
		if !isValidYearField(fields[6]) {
			return "", fmt.Errorf("invalid year field %q: must be * or a valid year/range", fields[6])
		}
		return strings.Join(fields[:6], " "), nil
	default:
		return "", fmt.Errorf("invalid cron expression: expected 6 or 7 fields, got %d", len(fields))
	}
}

func isValidYearField(field string) bool {
	if field == "*" {
		return true
	}
	for _, r := range field {
		if !((r >= '0' && r <= '9') || r == ',' || r == '-' || r == '/' || r == '*') {
			return false
		}
	}
	return len(field) > 0
}

// job is a unit of ad hoc work submitted through Schedule.
type job struct {
	name string
	fn   func(context.Context) error
}

// Scheduler dispatches ad hoc background jobs to a worker pool and runs
// periodic jobs on a cron timing engine. The zero value is not usable; use
// New.
type Scheduler struct {
	logger *slog.Logger

	queue   chan job
	workers int

	cronParser cron.Parser
	cronEngine *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures New.
type Option func(*Scheduler)

// WithWorkers overrides the ad hoc worker pool size.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithQueueDepth overrides the ad hoc job queue depth.
func WithQueueDepth(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.queue = make(chan job, n)
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Scheduler. Call Start before Schedule/RegisterPeriodic jobs
// are expected to run.
func New(opts ...Option) *Scheduler {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	s := &Scheduler{
		logger:     slog.Default(),
		queue:      make(chan job, DefaultQueueDepth),
		workers:    DefaultWorkers,
		cronParser: parser,
		cronEngine: cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		entries:    make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the worker pool and the cron engine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.cronEngine.Start()
	s.logger.Info("scheduler started", slog.Int("workers", s.workers))
	return nil
}

// Stop drains and stops the worker pool and cron engine, waiting for
// in-flight jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	stopCtx := s.cronEngine.Stop()
	<-stopCtx.Done()

	close(s.queue)
	s.wg.Wait()

	s.mu.Lock()
	s.ctx, s.cancel = nil, nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for j := range s.queue {
		s.run(j)
	}
}

func (s *Scheduler) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("background job panicked",
				slog.String("job", j.name), slog.Any("panic", r))
		}
	}()

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	if err := j.fn(ctx); err != nil {
		s.logger.Error("background job failed",
			slog.String("job", j.name), slog.Duration("elapsed", time.Since(start)), slog.Any("error", err))
		return
	}
	s.logger.Debug("background job completed",
		slog.String("job", j.name), slog.Duration("elapsed", time.Since(start)))
}

// Schedule submits fn to run on the worker pool. It satisfies
// gwcontext.Scheduler. If the queue is full the job runs inline on the
// calling goroutine so a burst never silently drops work.
func (s *Scheduler) Schedule(name string, fn func(context.Context) error) {
	select {
	case s.queue <- job{name: name, fn: fn}:
	default:
		s.logger.Warn("background queue saturated, running job inline", slog.String("job", name))
		s.run(job{name: name, fn: fn})
	}
}

// RegisterPeriodic registers fn to run on a cron schedule. cronExpr accepts
// both 6-field and legacy 7-field (with year) expressions. Re-registering
// the same name replaces the previous entry.
func (s *Scheduler) RegisterPeriodic(name, cronExpr string, fn func(context.Context) error) error {
	normalized, err := NormalizeCronExpression(cronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression for %q: %w", name, err)
	}
	if _, err := s.cronParser.Parse(normalized); err != nil {
		return fmt.Errorf("invalid cron expression for %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[name]; ok {
		s.cronEngine.Remove(existing)
		delete(s.entries, name)
	}

	entryID, err := s.cronEngine.AddFunc(normalized, func() {
		s.Schedule(name, fn)
	})
	if err != nil {
		return fmt.Errorf("adding cron entry for %q: %w", name, err)
	}
	s.entries[name] = entryID

	s.logger.Info("registered periodic job", slog.String("job", name), slog.String("schedule", cronExpr))
	return nil
}

// Unregister removes a periodic job by name. It is a no-op if name is not
// registered.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[name]; ok {
		s.cronEngine.Remove(entryID)
		delete(s.entries, name)
	}
}

// NextRun reports when the named periodic job will next fire.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	entry := s.cronEngine.Entry(entryID)
	if !entry.Valid() {
		return time.Time{}, false
	}
	if entry.Next.IsZero() {
		// The cron engine fills in Next only once it is running.
		return entry.Schedule.Next(time.Now()), true
	}
	return entry.Next, true
}
