// Package steamboat provides a reliability sidecar for remote or expensive
// calls made by a single process. It combines three mechanisms into one
// coherent facility:
//
//   - a bounded worker pool (Executor) that executes submitted tasks
//     under admission control,
//   - a circuit-breaker window (Window) that classifies admission based
//     on observed success/failure/timeout/rejection statistics and
//     transitions between Open, HalfOpen, and Closed states, and
//   - a supervisor (SteamBoat) that routes tasks to named breakers
//     (Cabin) and invokes user-supplied degradation callbacks when a
//     call is short-circuited, timed out, rejected, or raises.
//
// # Core Concepts
//
// A Cabin wraps one logical downstream call. It gates admission through
// its Window, submits accepted work to a shared Executor, and enforces a
// per-task deadline using a dedicated supervisor goroutine that owns a
// min-heap of in-flight futures. A SteamBoat is a registry of named
// Cabins plus, optionally, a Degradation handler invoked when a call
// fails for any reason - itself dispatched through the same Cabin, so
// degradation work is circuit-broken too.
//
// # Example
//
//	exec := steamboat.NewExecutor("payments", 8, 64, steamboat.AbortPolicy)
//	defer exec.Shutdown(5 * time.Second)
//
//	cabin, err := steamboat.NewCabin("payments", exec,
//	    steamboat.WithTimeout(500*time.Millisecond),
//	    steamboat.WithWindowLengths(10*time.Second, 30*time.Second, 5*time.Second),
//	    steamboat.WithFailureThresholds(0.5, 5),
//	    steamboat.WithHalfOpenThresholds(3, nil, nil),
//	)
//
//	boat := steamboat.NewSteamBoat()
//	boat.AddCabin(cabin, myDegradation, false)
//
//	future := boat.Submit("payments", func() (any, error) {
//	    return chargeCard(ctx, req)
//	})
//	result, err := future.Result(2 * time.Second)
//
// # Observability
//
// Cabin (WithCabinClock) and WorkerPool (WithClock) accept an injectable
// clockz.Clock for deterministic testing; the Window takes every
// timestamp from its Cabin. Cabin, WorkerPool, and Window expose a
// metricz.Registry (Metrics()) of counters and gauges. Cabin.Execute and
// WorkerPool.Submit open tracez spans, components emit capitan signals
// on state transitions and lifecycle events, and callers can register
// hookz-based handlers (On...) for asynchronous notification of trips,
// recoveries, timeouts, slow calls, and executor rejections.
//
// # Non-goals
//
// No persistence - all state is in-memory and per-process. No
// distributed coordination between breakers in different processes. No
// adaptive thresholds - thresholds are static configuration. No
// priority scheduling - tasks are first-in-first-out within the queue.
// No retry or hedging built into the core; compose steamboat with your
// own retry layer above it if you need one.
package steamboat
