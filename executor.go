package steamboat

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// errExecutorShuttingDown is the internal cause wrapped by the
// ShutDown-kind Error returned to submitters and drained tasks.
var errExecutorShuttingDown = errors.New("steamboat: executor is shutting down")

// Executor metric keys.
const (
	ExecutorSubmittedTotal = metricz.Key("executor.submitted.total")
	ExecutorRejectedTotal  = metricz.Key("executor.rejected.total")
	ExecutorCompletedTotal = metricz.Key("executor.completed.total")
	ExecutorFailedTotal    = metricz.Key("executor.failed.total")
	ExecutorQueueDepth     = metricz.Key("executor.queue.depth")

	ExecutorSubmitSpan tracez.Key = "executor.submit"

	ExecutorTagQueueDepth tracez.Tag = "executor.queue_depth"
	ExecutorTagRejected   tracez.Tag = "executor.rejected"

	ExecutorEventRejected hookz.Key = "executor.rejected"
)

// ExecutorRejectedEvent is emitted via hookz when a task is refused
// admission by the queue and the reject handler.
type ExecutorRejectedEvent struct {
	Timestamp time.Time
	Cause     error
	Name      string
}

// TaskItem is the immutable fn+future bundle enqueued by an Executor.
type TaskItem struct {
	fn     func() (any, error)
	future *Future[any]
}

// Queue is the Executor's bounded FIFO queue, backed by a buffered
// channel so offer/drain are non-blocking by construction rather than
// requiring a manual condition variable.
type Queue struct {
	ch chan TaskItem
}

func newQueue(size int) *Queue {
	if size < 0 {
		size = 0
	}
	return &Queue{ch: make(chan TaskItem, size)}
}

// TryPut attempts a non-blocking enqueue, the Go equivalent of
// `queue.offer(item)`.
func (q *Queue) TryPut(item TaskItem) bool {
	select {
	case q.ch <- item:
		return true
	default:
		return false
	}
}

// PutWait attempts a blocking enqueue bounded by timeout (non-positive
// blocks indefinitely), used by CallerBlocksPolicy.
func (q *Queue) PutWait(item TaskItem, timeout time.Duration) bool {
	if timeout <= 0 {
		q.ch <- item
		return true
	}
	select {
	case q.ch <- item:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Len reports the queue's current depth.
func (q *Queue) Len() int { return len(q.ch) }

// Cap reports the queue's configured capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// RejectHandler runs on the submitter's goroutine when the queue has no
// room for a new TaskItem. Returning a non-nil error signals
// caller-visible rejection; otherwise the handler must ensure the
// item's Future is eventually completed (e.g. by placing it elsewhere).
// The core provides no default.
type RejectHandler func(q *Queue, item TaskItem) error

// AbortPolicy rejects immediately with ErrFull.
func AbortPolicy(_ *Queue, _ TaskItem) error {
	return ErrFull
}

// CallerBlocksPolicy returns a RejectHandler that blocks the submitter
// on the queue for up to timeout, failing with ErrFull only if the wait
// expires.
func CallerBlocksPolicy(timeout time.Duration) RejectHandler {
	return func(q *Queue, item TaskItem) error {
		if q.PutWait(item, timeout) {
			return nil
		}
		return ErrFull
	}
}

// WorkerPool is a bounded worker pool: N goroutines draining a
// buffered queue under admission control. It implements Executor.
type WorkerPool struct {
	mu            sync.Mutex
	clock         clockz.Clock
	queue         *Queue
	rejectHandler RejectHandler
	metrics       *metricz.Registry
	tracer        *tracez.Tracer
	hooks         *hookz.Hooks[ExecutorRejectedEvent]
	stopCh        chan struct{}
	wg            sync.WaitGroup
	name          string
	shuttingDown  bool
	shutDown      bool
}

// NewExecutor creates a bounded worker pool with workers goroutines
// draining a queue of the given size. rejectHandler is invoked whenever
// the queue is full; the core ships no default.
func NewExecutor(name string, workers, queueSize int, rejectHandler RejectHandler) *WorkerPool {
	if workers < 1 {
		workers = 1
	}

	metrics := metricz.New()
	metrics.Counter(ExecutorSubmittedTotal)
	metrics.Counter(ExecutorRejectedTotal)
	metrics.Counter(ExecutorCompletedTotal)
	metrics.Counter(ExecutorFailedTotal)
	metrics.Gauge(ExecutorQueueDepth)

	e := &WorkerPool{
		name:          name,
		queue:         newQueue(queueSize),
		rejectHandler: rejectHandler,
		clock:         clockz.RealClock,
		metrics:       metrics,
		tracer:        tracez.New(),
		hooks:         hookz.New[ExecutorRejectedEvent](),
		stopCh:        make(chan struct{}),
	}

	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.workerLoop(i)
	}

	return e
}

// WithClock sets a custom clock for testing.
func (e *WorkerPool) WithClock(clock clockz.Clock) *WorkerPool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
	return e
}

// Metrics returns this Executor's metrics registry.
func (e *WorkerPool) Metrics() *metricz.Registry { return e.metrics }

// Tracer returns this Executor's tracer.
func (e *WorkerPool) Tracer() *tracez.Tracer { return e.tracer }

// OnRejected registers a handler fired asynchronously whenever a task
// is refused admission.
func (e *WorkerPool) OnRejected(handler func(context.Context, ExecutorRejectedEvent) error) error {
	_, err := e.hooks.Hook(ExecutorEventRejected, handler)
	return err
}

func (e *WorkerPool) getClock() clockz.Clock {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.clock == nil {
		return clockz.RealClock
	}
	return e.clock
}

// Submit enqueues fn for execution and returns its Future immediately.
// If the Executor is shutting down, the Future is returned pre-failed
// with ShutDown.
func (e *WorkerPool) Submit(fn func() (any, error)) *Future[any] {
	future := NewFuture[any]()
	item := TaskItem{fn: fn, future: future}

	ctx, span := e.tracer.StartSpan(context.Background(), ExecutorSubmitSpan)
	defer span.Finish()

	clock := e.getClock()

	// The shutdown check and the queue offer must be atomic w.r.t. a
	// concurrent Shutdown - otherwise a Submit that reads
	// shuttingDown=false can stall before TryPut long enough for
	// Shutdown to run to completion and drain an empty queue, after
	// which the stalled TryPut lands a TaskItem no worker will ever
	// consume and no drain will ever fail. Holding e.mu across both
	// steps, the same lock Shutdown takes to flip shuttingDown, closes
	// that window.
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		_ = future.SetFailure(newError(KindShutDown, e.name, errExecutorShuttingDown))
		return future
	}
	put := e.queue.TryPut(item)
	e.mu.Unlock()

	if put {
		future.StampTime("submitted_to_queue_at", clock.Now())
		e.metrics.Counter(ExecutorSubmittedTotal).Inc()
		e.metrics.Gauge(ExecutorQueueDepth).Set(float64(e.queue.Len()))
		span.SetTag(ExecutorTagQueueDepth, strconv.Itoa(e.queue.Len()))
		capitan.Emit(ctx, SignalExecutorSubmitted,
			FieldName.Field(e.name), FieldQueueDepth.Field(e.queue.Len()))
		return future
	}

	span.SetTag(ExecutorTagRejected, "true")

	// The reject handler runs on the submitter's goroutine under no
	// lock the Executor holds - e.mu is already released above.

	if err := e.rejectHandler(e.queue, item); err != nil {
		e.metrics.Counter(ExecutorRejectedTotal).Inc()
		capitan.Emit(ctx, SignalExecutorRejected,
			FieldName.Field(e.name), FieldError.Field(err.Error()))
		_ = e.hooks.Emit(ctx, ExecutorEventRejected, ExecutorRejectedEvent{ //nolint:errcheck
			Name: e.name, Cause: err, Timestamp: clock.Now(),
		})
		_ = future.SetFailure(newError(KindSubmitTaskError, e.name, err))
		return future
	}

	// Handler placed the item elsewhere (e.g. CallerBlocksPolicy's
	// blocking put already succeeded) and owns completing its Future.
	future.StampTime("submitted_to_queue_at", clock.Now())
	e.metrics.Counter(ExecutorSubmittedTotal).Inc()
	return future
}

func (e *WorkerPool) handle(item TaskItem) {
	clock := e.getClock()
	item.future.StampTime("consumed_from_queue_at", clock.Now())

	started, err := item.future.StartOrCancel()
	if err != nil || !started {
		// Already claimed by the Cabin's deadline supervisor or by
		// Cabin.Shutdown.
		return
	}

	value, callErr := callGuarded(e.name, item.fn)
	item.future.StampTime("executed_completion_at", clock.Now())

	if callErr != nil {
		e.metrics.Counter(ExecutorFailedTotal).Inc()
		_ = item.future.SetFailure(callErr)
		return
	}
	e.metrics.Counter(ExecutorCompletedTotal).Inc()
	_ = item.future.SetResult(value)
}

func (e *WorkerPool) workerLoop(id int) {
	defer e.wg.Done()
	for {
		select {
		case item := <-e.queue.ch:
			e.handle(item)
			continue
		default:
		}

		select {
		case item := <-e.queue.ch:
			e.handle(item)
		case <-e.stopCh:
			capitan.Emit(context.Background(), SignalExecutorWorkerExit,
				FieldName.Field(e.name), FieldWorkerCount.Field(id))
			return
		}
	}
}

// Shutdown is idempotent. It stops accepting new work, waits up to wait
// for in-flight workers to exit, then drains the queue failing every
// remaining TaskItem's Future with ShutDown.
func (e *WorkerPool) Shutdown(wait time.Duration) error {
	e.mu.Lock()
	if e.shutDown {
		e.mu.Unlock()
		return nil
	}
	if !e.shuttingDown {
		e.shuttingDown = true
		close(e.stopCh)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	if wait <= 0 {
		<-done
	} else {
		select {
		case <-done:
		case <-time.After(wait):
		}
	}

	e.mu.Lock()
	e.shutDown = true
	clock := e.clock
	if clock == nil {
		clock = clockz.RealClock
	}
	e.mu.Unlock()

	// Drain outside e.mu: shuttingDown already blocks new offers, and a
	// drained item's SetFailure runs its done-callbacks on this
	// goroutine - a Cabin callback may re-enter Submit (degradation
	// routed back through the same Executor), which takes e.mu.
drain:
	for {
		select {
		case item := <-e.queue.ch:
			_ = item.future.SetFailure(newError(KindShutDown, e.name, errExecutorShuttingDown))
		default:
			break drain
		}
	}

	capitan.Emit(context.Background(), SignalExecutorShutdown,
		FieldName.Field(e.name), FieldTimestamp.Field(float64(clock.Now().Unix())))
	return nil
}

