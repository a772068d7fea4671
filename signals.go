package steamboat

import "github.com/zoobzio/capitan"

// Signal constants for steamboat component events. Signals follow the
// pattern <component>.<event>.
const (
	// Window signals.
	SignalWindowOpened       capitan.Signal = "window.opened"
	SignalWindowClosed       capitan.Signal = "window.closed"
	SignalWindowHalfOpen     capitan.Signal = "window.half-open"
	SignalWindowClockAnomaly capitan.Signal = "window.clock_anomaly"

	// Executor signals.
	SignalExecutorSubmitted  capitan.Signal = "executor.submitted"
	SignalExecutorRejected   capitan.Signal = "executor.rejected"
	SignalExecutorShutdown   capitan.Signal = "executor.shutdown"
	SignalExecutorWorkerExit capitan.Signal = "executor.worker_exit"

	// Cabin signals.
	SignalCabinRejectedClosed   capitan.Signal = "cabin.rejected_closed"
	SignalCabinRejectedHalfOpen capitan.Signal = "cabin.rejected_half_open"
	SignalCabinSubmitError      capitan.Signal = "cabin.submit_error"
	SignalCabinExecutorShutdown capitan.Signal = "cabin.executor_shutdown"
	SignalCabinTimeout          capitan.Signal = "cabin.timeout"
	SignalCabinSlowCall         capitan.Signal = "cabin.slow_call"
	SignalCabinShutdown         capitan.Signal = "cabin.shutdown"

	// SteamBoat signals.
	SignalSteamBoatDegraded capitan.Signal = "steamboat.degraded"
)

// Common field keys, using capitan's primitive key types to avoid
// custom struct serialization.
var (
	FieldName      = capitan.NewStringKey("name")
	FieldState     = capitan.NewStringKey("state")
	FieldError     = capitan.NewStringKey("error")
	FieldTimestamp = capitan.NewFloat64Key("timestamp")

	FieldSuccessCount   = capitan.NewIntKey("success_count")
	FieldFailureCount   = capitan.NewIntKey("failure_count")
	FieldTimeoutCount   = capitan.NewIntKey("timeout_count")
	FieldRejectionCount = capitan.NewIntKey("rejection_count")

	FieldQueueDepth    = capitan.NewIntKey("queue_depth")
	FieldWorkerCount   = capitan.NewIntKey("worker_count")
	FieldHeapLen       = capitan.NewIntKey("heap_len")
	FieldElapsedMillis = capitan.NewFloat64Key("elapsed_ms")
	FieldKind          = capitan.NewStringKey("kind")
)
