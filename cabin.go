package steamboat

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Executor is the capability set a Cabin submits tasks through:
// anything that can accept a task and shut down, not a concrete pool
// type.
type Executor interface {
	Submit(fn func() (any, error)) *Future[any]
	Shutdown(wait time.Duration) error
}

// Cabin metric keys.
const (
	CabinSuccessTotal     = metricz.Key("cabin.success.total")
	CabinFailureTotal     = metricz.Key("cabin.failure.total")
	CabinTimeoutTotal     = metricz.Key("cabin.timeout.total")
	CabinRejectedTotal    = metricz.Key("cabin.rejected.total")
	CabinSubmitErrorTotal = metricz.Key("cabin.submit_error.total")
	CabinHeapDepth        = metricz.Key("cabin.heap.depth")

	CabinExecuteSpan tracez.Key = "cabin.execute"

	CabinEventTrip     hookz.Key = "cabin.trip"
	CabinEventRecover  hookz.Key = "cabin.recover"
	CabinEventTimeout  hookz.Key = "cabin.timeout"
	CabinEventSlowCall hookz.Key = "cabin.slow_call"
)

var (
	errCabinShutdown    = errors.New("steamboat: cabin is shut down")
	errUnreachableState = errors.New("steamboat: executor-future was canceled outside the start_or_cancel arbiter")
)

// CabinEvent is emitted via hookz for the Cabin's asynchronous
// notifications: breaker trips and recoveries, per-task timeouts, and
// slow calls.
type CabinEvent struct {
	Timestamp time.Time
	Err       error
	Name      string
	Elapsed   time.Duration
}

// cabinConfig accumulates CabinOption values before NewCabin validates
// and builds the Cabin. Four option groups are required; the rest
// default.
type cabinConfig struct {
	timeoutSet          bool
	timeout             time.Duration
	openLength          time.Duration
	closedLength        time.Duration
	halfOpenLength      time.Duration
	windowLengthsSet    bool
	failureRatio        float64
	failureCount        *int
	failureThresholdSet bool
	halfFailureCount    *int
	halfFailureSet      bool
	recoveryRatio       *float64
	recoveryCount       *int
	halfOpenProbability float64
	slowCallThreshold   time.Duration
	clock               clockz.Clock
	randFunc            func() float64
}

// CabinOption configures a Cabin under construction.
type CabinOption func(*cabinConfig)

// WithTimeout sets the per-task deadline (required).
func WithTimeout(d time.Duration) CabinOption {
	return func(c *cabinConfig) {
		c.timeout = d
		c.timeoutSet = true
	}
}

// WithWindowLengths sets the Window's OPEN, CLOSED, and HALF_OPEN epoch
// lengths (required).
func WithWindowLengths(open, closed, half time.Duration) CabinOption {
	return func(c *cabinConfig) {
		c.openLength = open
		c.closedLength = closed
		c.halfOpenLength = half
		c.windowLengthsSet = true
	}
}

// WithFailureThresholds sets the OPEN->CLOSED trip thresholds
// (required): ratio and an absolute failure count.
func WithFailureThresholds(ratio float64, count int) CabinOption {
	return func(c *cabinConfig) {
		c.failureRatio = ratio
		c.failureCount = &count
		c.failureThresholdSet = true
	}
}

// WithHalfOpenThresholds sets the HALF_OPEN trip count (required) and,
// optionally, the recovery ratio/count that transition back to OPEN.
// Either recovery pointer may be nil to leave that threshold unset.
func WithHalfOpenThresholds(halfFailureCount int, recoveryRatio *float64, recoveryCount *int) CabinOption {
	return func(c *cabinConfig) {
		c.halfFailureCount = &halfFailureCount
		c.halfFailureSet = true
		c.recoveryRatio = recoveryRatio
		c.recoveryCount = recoveryCount
	}
}

// WithHalfOpenProbability sets the Bernoulli admission probability used
// during HALF_OPEN (default 0.5).
func WithHalfOpenProbability(p float64) CabinOption {
	return func(c *cabinConfig) { c.halfOpenProbability = p }
}

// WithSlowCallThreshold enables the slow-call recorder: any call
// whose executor round trip exceeds d emits a cabin.slow_call signal
// and fires OnSlowCall. Zero (the default) disables the recorder.
func WithSlowCallThreshold(d time.Duration) CabinOption {
	return func(c *cabinConfig) { c.slowCallThreshold = d }
}

// WithCabinClock sets a custom clock for testing.
func WithCabinClock(clock clockz.Clock) CabinOption {
	return func(c *cabinConfig) { c.clock = clock }
}

// withRandFunc overrides the HALF_OPEN admission draw, for tests that
// need deterministic control over it.
func withRandFunc(f func() float64) CabinOption {
	return func(c *cabinConfig) { c.randFunc = f }
}

// Cabin gates admission through a Window, submits accepted work to a
// shared Executor, and enforces a per-task deadline via a dedicated
// supervisor goroutine owning a min-heap of in-flight Executor-futures.
type Cabin struct {
	clock    clockz.Clock
	executor Executor
	window   *Window
	name     string

	timeout             time.Duration
	halfOpenProbability float64
	slowCallThreshold   time.Duration
	randFunc            func() float64

	heapMu         sync.Mutex
	pending        futureHeap
	completedCount int
	shutdown       bool
	wakeCh         chan struct{}
	stopCh         chan struct{}
	supervisorDone chan struct{}

	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[CabinEvent]
}

// NewCabin builds a Cabin from name, an Executor, and the required
// options WithTimeout, WithWindowLengths, WithFailureThresholds, and
// WithHalfOpenThresholds. WithHalfOpenProbability defaults to 0.5.
func NewCabin(name string, exec Executor, opts ...CabinOption) (*Cabin, error) {
	if name == "" {
		return nil, fmt.Errorf("steamboat: missing argument name")
	}
	if exec == nil {
		return nil, fmt.Errorf("steamboat: missing argument executor")
	}

	cfg := &cabinConfig{halfOpenProbability: 0.5, randFunc: rand.Float64}
	for _, opt := range opts {
		opt(cfg)
	}

	if !cfg.timeoutSet {
		return nil, fmt.Errorf("steamboat: missing argument timeout")
	}
	if !cfg.windowLengthsSet {
		return nil, fmt.Errorf("steamboat: missing argument window lengths")
	}
	if !cfg.failureThresholdSet {
		return nil, fmt.Errorf("steamboat: missing argument failure thresholds")
	}
	if !cfg.halfFailureSet {
		return nil, fmt.Errorf("steamboat: missing argument half-open failure threshold")
	}

	clock := cfg.clock
	if clock == nil {
		clock = clockz.RealClock
	}

	window := NewWindow(name, clock.Now(), WindowConfig{
		OpenLength:       cfg.openLength,
		ClosedLength:     cfg.closedLength,
		HalfOpenLength:   cfg.halfOpenLength,
		FailureRatio:     cfg.failureRatio,
		FailureCount:     cfg.failureCount,
		HalfFailureCount: cfg.halfFailureCount,
		RecoveryRatio:    cfg.recoveryRatio,
		RecoveryCount:    cfg.recoveryCount,
	})

	metrics := metricz.New()
	metrics.Counter(CabinSuccessTotal)
	metrics.Counter(CabinFailureTotal)
	metrics.Counter(CabinTimeoutTotal)
	metrics.Counter(CabinRejectedTotal)
	metrics.Counter(CabinSubmitErrorTotal)
	metrics.Gauge(CabinHeapDepth)

	c := &Cabin{
		clock:               clock,
		executor:            exec,
		window:              window,
		name:                name,
		timeout:             cfg.timeout,
		halfOpenProbability: cfg.halfOpenProbability,
		slowCallThreshold:   cfg.slowCallThreshold,
		randFunc:            cfg.randFunc,
		wakeCh:              make(chan struct{}, 1),
		stopCh:              make(chan struct{}),
		supervisorDone:      make(chan struct{}),
		metrics:             metrics,
		tracer:              tracez.New(),
		hooks:               hookz.New[CabinEvent](),
	}

	go c.supervisorLoop()

	return c, nil
}

// Metrics returns this Cabin's metrics registry.
func (c *Cabin) Metrics() *metricz.Registry { return c.metrics }

// Tracer returns this Cabin's tracer.
func (c *Cabin) Tracer() *tracez.Tracer { return c.tracer }

// Window returns the Cabin's breaker window.
func (c *Cabin) Window() *Window { return c.window }

// OnTrip registers a handler fired when the Window transitions to
// CLOSED.
func (c *Cabin) OnTrip(handler func(context.Context, CabinEvent) error) error {
	_, err := c.hooks.Hook(CabinEventTrip, handler)
	return err
}

// OnRecover registers a handler fired when an update meets the recovery
// thresholds and moves the Window from HALF_OPEN back to OPEN. A
// HALF_OPEN epoch that simply expires into OPEN does not fire it.
func (c *Cabin) OnRecover(handler func(context.Context, CabinEvent) error) error {
	_, err := c.hooks.Hook(CabinEventRecover, handler)
	return err
}

// OnTimeout registers a handler fired when the deadline supervisor
// times out a task.
func (c *Cabin) OnTimeout(handler func(context.Context, CabinEvent) error) error {
	_, err := c.hooks.Hook(CabinEventTimeout, handler)
	return err
}

// OnSlowCall registers a handler fired by the slow-call recorder
// when a completed call's elapsed time exceeds WithSlowCallThreshold.
func (c *Cabin) OnSlowCall(handler func(context.Context, CabinEvent) error) error {
	_, err := c.hooks.Hook(CabinEventSlowCall, handler)
	return err
}

func (c *Cabin) isShutdown() bool {
	c.heapMu.Lock()
	defer c.heapMu.Unlock()
	return c.shutdown
}

func (c *Cabin) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// Execute submits fn for execution, gated by the Window and subject to
// the Cabin's per-task deadline.
func (c *Cabin) Execute(fn func() (any, error)) *Future[any] {
	cabinFuture := NewFuture[any]()

	if c.isShutdown() {
		_ = cabinFuture.SetFailure(newError(KindShutDown, c.name, errCabinShutdown))
		return cabinFuture
	}

	ctx, span := c.tracer.StartSpan(context.Background(), CabinExecuteSpan)
	defer span.Finish()

	t := c.clock.Now()
	status, ok := c.window.GetStatus(t)

	if ok && status == Closed {
		c.metrics.Counter(CabinRejectedTotal).Inc()
		capitan.Emit(ctx, SignalCabinRejectedClosed, FieldName.Field(c.name))
		_ = cabinFuture.SetFailure(newError(KindWindowClosed, c.name, nil))
		return cabinFuture
	}

	if ok && status == HalfOpen && !c.admitHalfOpen() {
		c.metrics.Counter(CabinRejectedTotal).Inc()
		capitan.Emit(ctx, SignalCabinRejectedHalfOpen, FieldName.Field(c.name))
		_ = cabinFuture.SetFailure(newError(KindWindowHalfOpen, c.name, nil))
		return cabinFuture
	}

	cabinFuture.StampTime("putted_into_cabin_at", t)

	executorFuture := c.executor.Submit(fn)

	// A submission-level failure (queue full + reject handler, or the
	// Executor shutting down independently of this Cabin) is always
	// already terminal by the time Submit returns, since the Executor
	// never hands such a future to a worker. We gate on that specific
	// Kind rather than merely "is it done", because a trivial task can
	// also race to completion before we get here - that's a real
	// success/failure, not a submission error, and must fall through to
	// the normal path below. The two Kinds the Executor can pre-fail
	// with are handled distinctly: a genuine SubmitTaskError (queue
	// full) is a Window rejection; a ShutDown has no Window effect and
	// must keep its own Kind rather than being relabeled, so SteamBoat
	// dispatches it to OnException instead of OnSubmitTaskError.
	if executorFuture.State() == "failed" {
		if _, failErr := executorFuture.Result(0); failErr != nil {
			var se *Error
			if errors.As(failErr, &se) {
				switch se.Kind {
				case KindShutDown:
					capitan.Emit(ctx, SignalCabinExecutorShutdown, FieldName.Field(c.name), FieldError.Field(failErr.Error()))
					_ = cabinFuture.SetFailure(newError(KindShutDown, c.name, failErr))
					return cabinFuture
				case KindSubmitTaskError:
					c.window.Update(t, 0, 0, 0, 1)
					c.metrics.Counter(CabinSubmitErrorTotal).Inc()
					capitan.Emit(ctx, SignalCabinSubmitError, FieldName.Field(c.name), FieldError.Field(failErr.Error()))
					_ = cabinFuture.SetFailure(newError(KindSubmitTaskError, c.name, failErr))
					return cabinFuture
				}
			}
		}
	}

	deadline := t.Add(c.timeout)
	executorFuture.SetDeadline(deadline)

	c.heapMu.Lock()
	if c.shutdown {
		c.heapMu.Unlock()
		_ = cabinFuture.SetFailure(newError(KindShutDown, c.name, errCabinShutdown))
		return cabinFuture
	}
	heap.Push(&c.pending, executorFuture)
	becameTop := c.pending[0] == executorFuture
	c.metrics.Gauge(CabinHeapDepth).Set(float64(len(c.pending)))
	c.heapMu.Unlock()
	if becameTop {
		c.wake()
	}

	executorFuture.AddDoneCallback(func(ef *Future[any]) {
		c.onExecutorDone(cabinFuture, ef)
	})

	return cabinFuture
}

func (c *Cabin) admitHalfOpen() bool {
	switch {
	case c.halfOpenProbability <= 0:
		return false
	case c.halfOpenProbability >= 1:
		return true
	default:
		return c.randFunc() < c.halfOpenProbability
	}
}

// onExecutorDone is the done-callback attached to every heap-tracked
// Executor-future: it settles the Window and completes the
// Cabin-future, unless the deadline supervisor already owns completion.
func (c *Cabin) onExecutorDone(cabinFuture, executorFuture *Future[any]) {
	defer c.bumpCompleted()

	started, err := cabinFuture.StartOrCancel()
	if err != nil || !started {
		// cabinFuture was already claimed; only this callback completes
		// it, so this guards against a second completion. Timeouts and
		// shutdowns fail the executor-future and arrive here like any
		// other completion.
		return
	}

	now := c.clock.Now()
	cabinFuture.StampTime("left_cabin_at", now)
	cabinFuture.MergeTimeInfo(executorFuture.TimeInfo())

	if executorFuture.State() == "canceled" {
		// Cabin machinery never calls Future.Cancel directly on an
		// executor-future; every forced completion uses SetFailure
		// with a specific Kind. Reaching here means something else
		// canceled it out of band.
		_ = cabinFuture.SetFailure(newError(KindUserException, c.name, errUnreachableState))
		return
	}

	value, failErr := executorFuture.Result(0)
	var transition Transition
	if failErr != nil {
		var se *Error
		if errors.As(failErr, &se) && (se.Kind == KindTimeoutReached || se.Kind == KindShutDown) {
			// The deadline supervisor and the shutdown paths complete
			// the executor-future themselves, with the Window already
			// settled: the supervisor records the timeout before failing
			// the future, and ShutDown has no Window effect at all. Both
			// Kinds pass through unchanged so SteamBoat's dispatch table
			// sees them as what they are.
			_ = cabinFuture.SetFailure(failErr)
			return
		}
		transition = c.window.Update(now, 0, 1, 0, 0)
		c.metrics.Counter(CabinFailureTotal).Inc()
		_ = cabinFuture.SetFailure(newError(KindUserException, c.name, failErr))
	} else {
		transition = c.window.Update(now, 1, 0, 0, 0)
		c.metrics.Counter(CabinSuccessTotal).Inc()
		_ = cabinFuture.SetResult(value)
	}
	c.emitTransition(transition, now)

	c.recordSlowCall(executorFuture, now)
}

// recordSlowCall emits the slow-call signal and hook event for a
// completed call whose executor round trip exceeded the threshold.
func (c *Cabin) recordSlowCall(executorFuture *Future[any], now time.Time) {
	if c.slowCallThreshold <= 0 {
		return
	}
	info := executorFuture.TimeInfo()
	submitted, ok := info["submitted_to_queue_at"]
	if !ok {
		return
	}
	completed, ok := info["executed_completion_at"]
	if !ok {
		completed = now
	}
	elapsed := completed.Sub(submitted)
	if elapsed <= c.slowCallThreshold {
		return
	}

	capitan.Emit(context.Background(), SignalCabinSlowCall,
		FieldName.Field(c.name), FieldElapsedMillis.Field(float64(elapsed.Milliseconds())))
	_ = c.hooks.Emit(context.Background(), CabinEventSlowCall, CabinEvent{ //nolint:errcheck
		Name: c.name, Elapsed: elapsed, Timestamp: now,
	})
}

// emitTransition fires OnTrip/OnRecover for a Transition reported by
// Window.Update, keeping the trip/recovery decision inside Window
// while letting Cabin own the asynchronous notification surface.
func (c *Cabin) emitTransition(tr Transition, at time.Time) {
	switch tr {
	case TransitionTripped:
		_ = c.hooks.Emit(context.Background(), CabinEventTrip, CabinEvent{ //nolint:errcheck
			Name: c.name, Timestamp: at,
		})
	case TransitionRecovered:
		_ = c.hooks.Emit(context.Background(), CabinEventRecover, CabinEvent{ //nolint:errcheck
			Name: c.name, Timestamp: at,
		})
	}
}

func (c *Cabin) bumpCompleted() {
	c.heapMu.Lock()
	c.completedCount++
	n := len(c.pending)
	notify := float64(c.completedCount)/(float64(n)+0.001) >= 0.5
	c.heapMu.Unlock()
	if notify {
		c.wake()
	}
}

// supervisorLoop is the Cabin's dedicated deadline worker: compact the
// heap, time out everything whose deadline has passed, then sleep
// until the earliest remaining deadline or the next wake signal.
func (c *Cabin) supervisorLoop() {
	defer close(c.supervisorDone)

	for {
		c.heapMu.Lock()
		if c.shutdown {
			c.heapMu.Unlock()
			return
		}

		kept := c.pending[:0]
		for _, f := range c.pending {
			select {
			case <-f.Done():
			default:
				kept = append(kept, f)
			}
		}
		c.pending = kept
		heap.Init(&c.pending)
		c.completedCount = 0
		c.metrics.Gauge(CabinHeapDepth).Set(float64(len(c.pending)))

		if len(c.pending) == 0 {
			c.heapMu.Unlock()
			select {
			case <-c.wakeCh:
			case <-c.stopCh:
			}
			continue
		}
		c.heapMu.Unlock()

		if c.drainExpired() {
			continue
		}
	}
}

// drainExpired pops and times out every heap entry whose deadline has
// already passed, then waits for the new top's deadline (or a wake
// signal). Returns true when the caller should restart the outer loop
// (re-run compaction).
func (c *Cabin) drainExpired() bool {
	for {
		c.heapMu.Lock()
		if len(c.pending) == 0 {
			c.heapMu.Unlock()
			return true
		}

		top := c.pending[0]
		deadline, _ := top.Deadline()
		now := c.clock.Now()

		if !deadline.After(now) {
			heap.Pop(&c.pending)
			c.metrics.Gauge(CabinHeapDepth).Set(float64(len(c.pending)))
			c.heapMu.Unlock()

			started, err := top.StartOrCancel()
			if err == nil && started {
				transition := c.window.Update(now, 0, 0, 1, 0)
				_ = top.SetFailure(newError(KindTimeoutReached, c.name,
					fmt.Errorf("steamboat: timeout after %s", c.timeout)))
				c.metrics.Counter(CabinTimeoutTotal).Inc()
				capitan.Emit(context.Background(), SignalCabinTimeout, FieldName.Field(c.name))
				_ = c.hooks.Emit(context.Background(), CabinEventTimeout, CabinEvent{ //nolint:errcheck
					Name: c.name, Elapsed: c.timeout, Timestamp: now,
				})
				c.emitTransition(transition, now)
			}
			continue
		}

		wait := deadline.Sub(now)
		c.heapMu.Unlock()

		select {
		case <-c.clock.After(wait):
		case <-c.wakeCh:
		case <-c.stopCh:
		}
		return true
	}
}

// Shutdown is idempotent. It fails every pending task with ShutDown,
// stops the supervisor, and waits up to wait for it to exit.
func (c *Cabin) Shutdown(wait time.Duration) error {
	c.heapMu.Lock()
	if c.shutdown {
		c.heapMu.Unlock()
		return nil
	}
	c.shutdown = true
	pending := c.pending
	c.pending = nil
	close(c.stopCh)
	c.heapMu.Unlock()

	for _, f := range pending {
		started, err := f.StartOrCancel()
		if err == nil && started {
			_ = f.SetFailure(newError(KindShutDown, c.name, errCabinShutdown))
		}
	}
	c.wake()

	if wait <= 0 {
		<-c.supervisorDone
	} else {
		select {
		case <-c.supervisorDone:
		case <-time.After(wait):
		}
	}

	capitan.Emit(context.Background(), SignalCabinShutdown, FieldName.Field(c.name))
	return nil
}
