package steamboat

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/metricz"
)

// Status is a Window's admission classification.
type Status int

const (
	// Open admits every task.
	Open Status = iota
	// HalfOpen admits tasks with independent Bernoulli probability
	// equal to the Cabin's configured half-open probability.
	HalfOpen
	// Closed admits no tasks.
	Closed
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Window metric keys.
const (
	WindowTransitionsTotal = metricz.Key("window.transitions.total")
	WindowSuccessTotal     = metricz.Key("window.success.total")
	WindowFailureTotal     = metricz.Key("window.failure.total")
	WindowTimeoutTotal     = metricz.Key("window.timeout.total")
	WindowRejectionTotal   = metricz.Key("window.rejection.total")
)

// Window partitions time into variable-length epochs, each in one of
// three statuses, and classifies admission based on observed
// success/failure/timeout/rejection counts within the current epoch.
// The Window never reads a clock of its own: every method takes the
// caller's timestamp, so the Cabin's injected clock is the single time
// source. All fields are protected by one mutex; no user callback runs
// while it is held.
type Window struct {
	mu sync.Mutex

	name          string
	startPosition time.Time
	status        Status

	lOpen   time.Duration
	lHalf   time.Duration
	lClosed time.Duration

	success   int
	failure   int
	timeout   int
	rejection int

	failureRatio     float64
	failureCount     *int
	halfFailureCount *int
	recoveryRatio    *float64
	recoveryCount    *int

	metrics *metricz.Registry
}

// WindowConfig carries the construction parameters for NewWindow,
// mirroring Cabin's builder-required/optional split.
type WindowConfig struct {
	OpenLength       time.Duration
	ClosedLength     time.Duration
	HalfOpenLength   time.Duration
	FailureRatio     float64
	FailureCount     *int
	HalfFailureCount *int
	RecoveryRatio    *float64
	RecoveryCount    *int
}

// NewWindow creates a Window starting OPEN at the given start time.
func NewWindow(name string, start time.Time, cfg WindowConfig) *Window {
	metrics := metricz.New()
	metrics.Counter(WindowTransitionsTotal)
	metrics.Counter(WindowSuccessTotal)
	metrics.Counter(WindowFailureTotal)
	metrics.Counter(WindowTimeoutTotal)
	metrics.Counter(WindowRejectionTotal)

	return &Window{
		name:             name,
		startPosition:    start,
		status:           Open,
		lOpen:            cfg.OpenLength,
		lHalf:            cfg.HalfOpenLength,
		lClosed:          cfg.ClosedLength,
		failureRatio:     cfg.FailureRatio,
		failureCount:     cfg.FailureCount,
		halfFailureCount: cfg.HalfFailureCount,
		recoveryRatio:    cfg.RecoveryRatio,
		recoveryCount:    cfg.RecoveryCount,
		metrics:          metrics,
	}
}

// Metrics returns this Window's metrics registry.
func (w *Window) Metrics() *metricz.Registry { return w.metrics }

func (w *Window) endPositionLocked() time.Time {
	switch w.status {
	case Open:
		return w.startPosition.Add(w.lOpen)
	case Closed:
		return w.startPosition.Add(w.lClosed)
	default: // HalfOpen
		return w.startPosition.Add(w.lHalf)
	}
}

func (w *Window) resetCountersLocked() {
	w.success, w.failure, w.timeout, w.rejection = 0, 0, 0, 0
}

func (w *Window) enterOpenLocked(at time.Time) {
	w.startPosition = at
	w.status = Open
	w.resetCountersLocked()
	w.metrics.Counter(WindowTransitionsTotal).Inc()
	capitan.Emit(context.Background(), SignalWindowOpened,
		FieldName.Field(w.name), FieldState.Field(w.status.String()))
}

func (w *Window) enterHalfOpenLocked(at time.Time) {
	w.startPosition = at
	w.status = HalfOpen
	w.resetCountersLocked()
	w.metrics.Counter(WindowTransitionsTotal).Inc()
	capitan.Emit(context.Background(), SignalWindowHalfOpen,
		FieldName.Field(w.name), FieldState.Field(w.status.String()))
}

func (w *Window) enterClosedLocked(at time.Time) {
	w.startPosition = at
	w.status = Closed
	w.resetCountersLocked()
	w.metrics.Counter(WindowTransitionsTotal).Inc()
	capitan.Emit(context.Background(), SignalWindowClosed,
		FieldName.Field(w.name), FieldState.Field(w.status.String()))
}

// fetchLocked advances the window lazily to t and returns the current
// status, or (zero, false) if t is before the window's left edge - a
// clock anomaly.
func (w *Window) fetchLocked(t time.Time) (Status, bool) {
	if t.Before(w.startPosition) {
		return 0, false
	}

	end := w.endPositionLocked()
	if t.Before(end) {
		return w.status, true
	}

	switch w.status {
	case Open, HalfOpen:
		w.enterOpenLocked(t)
		return w.status, true
	case Closed:
		w.enterHalfOpenLocked(end)
		return w.fetchLocked(t)
	default:
		panic("steamboat: unreachable window status")
	}
}

// GetStatus advances the window lazily to t and returns its status. The
// second return value is false if t precedes the window's start, a
// clock anomaly that is logged and otherwise ignored.
func (w *Window) GetStatus(t time.Time) (Status, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	status, ok := w.fetchLocked(t)
	if !ok {
		capitan.Emit(context.Background(), SignalWindowClockAnomaly,
			FieldName.Field(w.name), FieldTimestamp.Field(float64(t.Unix())))
	}
	return status, ok
}

// Transition reports what, if anything, a call to Update caused the
// Window to do - used by Cabin to fire OnTrip/OnRecover without
// duplicating the Window's own threshold logic.
type Transition int

const (
	// TransitionNone means the update did not trip or recover the
	// breaker (it may still have advanced the window to a new epoch).
	TransitionNone Transition = iota
	// TransitionTripped means this update caused an OPEN->CLOSED or
	// HALF_OPEN->CLOSED transition.
	TransitionTripped
	// TransitionRecovered means this update caused a HALF_OPEN->OPEN
	// transition via the recovery-ratio rule.
	TransitionRecovered
)

// Update records dSuccess/dFailure/dTimeout/dRejection against the
// current epoch (first advancing the window to t via GetStatus's
// internal logic) and applies the OPEN->CLOSED trip rule or the
// HALF_OPEN->{CLOSED,OPEN} rules. Rejections are
// counted but excluded from the ratio denominator. A CLOSED window
// drops every update.
func (w *Window) Update(t time.Time, dSuccess, dFailure, dTimeout, dRejection int) Transition {
	w.mu.Lock()
	defer w.mu.Unlock()

	status, ok := w.fetchLocked(t)
	if !ok {
		return TransitionNone
	}
	if status == Closed {
		return TransitionNone
	}

	w.success += dSuccess
	w.failure += dFailure
	w.timeout += dTimeout
	w.rejection += dRejection

	w.metrics.Counter(WindowSuccessTotal).Add(float64(dSuccess))
	w.metrics.Counter(WindowFailureTotal).Add(float64(dFailure))
	w.metrics.Counter(WindowTimeoutTotal).Add(float64(dTimeout))
	w.metrics.Counter(WindowRejectionTotal).Add(float64(dRejection))

	total := w.success + w.failure + w.timeout
	var failureRatio, successRatio float64
	if total > 0 {
		failureRatio = float64(w.failure) / float64(total)
		successRatio = float64(w.success) / float64(total)
	}

	switch status {
	case Open:
		if w.tripsLocked(failureRatio, w.failureCount) {
			w.enterClosedLocked(t)
			return TransitionTripped
		}
	case HalfOpen:
		if w.tripsLocked(failureRatio, w.halfFailureCount) {
			w.enterClosedLocked(t)
			return TransitionTripped
		}
		if w.recoversLocked(successRatio) {
			w.enterOpenLocked(t)
			return TransitionRecovered
		}
	}
	return TransitionNone
}

func (w *Window) tripsLocked(failureRatio float64, countThreshold *int) bool {
	if failureRatio < w.failureRatio {
		return false
	}
	return countThreshold == nil || w.failure >= *countThreshold
}

func (w *Window) recoversLocked(successRatio float64) bool {
	if w.recoveryRatio == nil || successRatio < *w.recoveryRatio {
		return false
	}
	return w.recoveryCount == nil || w.success >= *w.recoveryCount
}

// SuccessCount, FailureCount, TimeoutCount, RejectionCount, and
// TotalCount report the current epoch's counters. TotalCount excludes
// rejections, matching the ratio denominator.
func (w *Window) SuccessCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.success
}

func (w *Window) FailureCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failure
}

func (w *Window) TimeoutCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timeout
}

func (w *Window) RejectionCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rejection
}

func (w *Window) TotalCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.success + w.failure + w.timeout
}
