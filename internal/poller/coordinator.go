package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cwygoda/enhancer/internal/domain"
)

const (
	DefaultInterval      = 2 * time.Second
	DefaultRetryInterval = 5 * time.Second

	defaultFailureMessage = "Enhancement failed"
)

// State is the polling state of a single job.
type State string

const (
	StateIdle     State = "idle"
	StatePolling  State = "polling"
	StateQuerying State = "querying"
)

// StatusSource answers status queries for uploaded jobs.
type StatusSource interface {
	Status(ctx context.Context, remoteID string) (*domain.RemoteStatus, error)
	ResultURL(remoteID string) string
}

// task is the cancellable polling handle of one job.
type task struct {
	id       string
	ctx      context.Context
	cancel   context.CancelFunc
	timer    Timer
	querying bool
	dead     bool
	failures int
}

// Coordinator polls the remote status of every uploaded job until it reaches a
// terminal state. Each job has at most one armed timer or in-flight query.
type Coordinator struct {
	registry      *domain.Registry
	source        StatusSource
	clock         Clock
	logger        *zap.Logger
	interval      time.Duration
	retryInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[string]*task
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithInterval sets the delay between successful queries.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithRetryInterval sets the delay after a failed query.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.retryInterval = d
		}
	}
}

// New creates a Coordinator that reports into registry.
func New(registry *domain.Registry, source StatusSource, logger *zap.Logger, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		registry:      registry,
		source:        source,
		clock:         RealClock(),
		logger:        logger,
		interval:      DefaultInterval,
		retryInterval: DefaultRetryInterval,
		ctx:           ctx,
		cancel:        cancel,
		tasks:         make(map[string]*task),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start begins polling the job. The first query is issued immediately.
// Starting a job that is already polled is a no-op.
func (c *Coordinator) Start(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return
	}
	if _, ok := c.tasks[id]; ok {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	t := &task{id: id, ctx: ctx, cancel: cancel}
	c.tasks[id] = t
	c.schedule(t, 0)
	c.logger.Debug("polling started", zap.String("job_id", id))
}

// Cancel stops polling the job. A query already in flight is aborted and its
// result discarded.
func (c *Coordinator) Cancel(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.tasks[id]; ok {
		c.stop(t)
		c.logger.Debug("polling cancelled", zap.String("job_id", id))
	}
}

// CancelAll stops polling every job.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.tasks {
		c.stop(t)
	}
}

// Close cancels all polling and refuses new jobs.
func (c *Coordinator) Close() {
	c.CancelAll()
	c.cancel()
}

// State reports the polling state of the job.
func (c *Coordinator) State(id string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[id]
	switch {
	case !ok:
		return StateIdle
	case t.querying:
		return StateQuerying
	default:
		return StatePolling
	}
}

// Active returns the number of jobs being polled.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// schedule arms the next tick. c.mu must be held.
func (c *Coordinator) schedule(t *task, d time.Duration) {
	t.timer = c.clock.AfterFunc(d, func() { c.tick(t) })
}

// stop kills the task and forgets it. c.mu must be held.
func (c *Coordinator) stop(t *task) {
	t.dead = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.cancel()
	if c.tasks[t.id] == t {
		delete(c.tasks, t.id)
	}
}

func (c *Coordinator) tick(t *task) {
	c.mu.Lock()
	if t.dead {
		c.mu.Unlock()
		return
	}
	t.timer = nil
	t.querying = true
	c.mu.Unlock()

	job, err := c.registry.Get(t.id)
	if err != nil {
		c.finish(t)
		return
	}

	status, err := c.source.Status(t.ctx, job.RemoteID)

	c.mu.Lock()
	t.querying = false
	dead := t.dead
	c.mu.Unlock()
	if dead {
		c.logger.Debug("discarding stale status", zap.String("job_id", t.id))
		return
	}

	if err != nil {
		c.handleFailure(t, job, err)
		return
	}
	c.apply(t, job, status)
}

// handleFailure keeps the job status and retries later.
func (c *Coordinator) handleFailure(t *task, job domain.Job, err error) {
	t.failures++
	c.logger.Warn("status poll failed",
		zap.String("job_id", t.id),
		zap.String("remote_id", job.RemoteID),
		zap.Int("failures", t.failures),
		zap.Error(err),
	)
	failures := t.failures
	if _, uerr := c.registry.Update(t.id, domain.Patch{PollFailures: &failures}); errors.Is(uerr, domain.ErrJobNotFound) {
		c.finish(t)
		return
	}
	c.next(t, c.retryInterval)
}

// apply records a successful status answer.
func (c *Coordinator) apply(t *task, job domain.Job, status *domain.RemoteStatus) {
	t.failures = 0
	var patch domain.Patch
	terminal := true

	switch status.Status {
	case domain.StatusQueued, domain.StatusProcessing:
		s := status.Status
		stage := status.Stage
		zero := 0
		patch = domain.Patch{Status: &s, Progress: status.Progress, Stage: &stage, PollFailures: &zero}
		terminal = false
	case domain.StatusCompleted:
		patch = domain.CompletedPatch(c.source.ResultURL(job.RemoteID))
	case domain.StatusFailed:
		patch = domain.FailedPatch(failureMessage(status))
	default:
		c.handleFailure(t, job, domain.ErrUnknownStatus)
		return
	}

	// c.mu must not be held here: Update runs the registry listeners.
	if _, err := c.registry.Update(t.id, patch); err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) {
			c.logger.Error("status update rejected", zap.String("job_id", t.id), zap.Error(err))
		}
		c.finish(t)
		return
	}

	if terminal {
		c.logger.Info("job finished",
			zap.String("job_id", t.id),
			zap.String("remote_id", job.RemoteID),
			zap.String("status", string(status.Status)),
		)
		c.finish(t)
		return
	}
	c.next(t, c.interval)
}

// next arms the following tick unless the task was cancelled meanwhile.
func (c *Coordinator) next(t *task, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.dead {
		return
	}
	c.schedule(t, d)
}

func (c *Coordinator) finish(t *task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stop(t)
}

func failureMessage(status *domain.RemoteStatus) string {
	if status.Error != "" {
		return status.Error
	}
	if status.Message != "" {
		return status.Message
	}
	return defaultFailureMessage
}
