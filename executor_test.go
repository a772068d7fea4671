package steamboat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestWorkerPool(t *testing.T) {
	t.Run("submitted tasks run and resolve their future", func(t *testing.T) {
		pool := NewExecutor("test-pool", 2, 4, AbortPolicy)
		defer pool.Shutdown(time.Second)

		f := pool.Submit(func() (any, error) { return 21 * 2, nil })
		v, err := f.Result(time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != 42 {
			t.Errorf("expected 42, got %v", v)
		}
	})

	t.Run("a task error becomes the future's failure", func(t *testing.T) {
		pool := NewExecutor("test-pool", 1, 4, AbortPolicy)
		defer pool.Shutdown(time.Second)

		cause := errors.New("boom")
		f := pool.Submit(func() (any, error) { return nil, cause })
		_, err := f.Result(time.Second)
		if !errors.Is(err, cause) {
			t.Errorf("expected wrapped cause, got %v", err)
		}
	})

	t.Run("a panicking task fails its future instead of crashing the worker", func(t *testing.T) {
		pool := NewExecutor("test-pool", 1, 4, AbortPolicy)
		defer pool.Shutdown(time.Second)

		f := pool.Submit(func() (any, error) { panic("kaboom") })
		_, err := f.Result(time.Second)
		if err == nil {
			t.Fatal("expected the panic to surface as a failure")
		}

		// The worker must still be alive for subsequent submissions.
		g := pool.Submit(func() (any, error) { return "ok", nil })
		v, err := g.Result(time.Second)
		if err != nil || v != "ok" {
			t.Errorf("expected the pool to keep running after a panic, got %v, %v", v, err)
		}
	})

	t.Run("AbortPolicy rejects with ErrFull once the queue is full", func(t *testing.T) {
		release := make(chan struct{})
		pool := NewExecutor("test-pool", 1, 1, AbortPolicy)
		defer func() {
			close(release)
			pool.Shutdown(time.Second)
		}()

		// Occupy the single worker, then fill the one-slot queue.
		pool.Submit(func() (any, error) { <-release; return nil, nil })
		pool.Submit(func() (any, error) { <-release; return nil, nil })

		rejected := pool.Submit(func() (any, error) { return nil, nil })
		_, err := rejected.Result(time.Second)
		var se *Error
		if !errors.As(err, &se) || se.Kind != KindSubmitTaskError {
			t.Fatalf("expected a SubmitTaskError, got %v", err)
		}
		if !errors.Is(se.Err, ErrFull) {
			t.Errorf("expected ErrFull as the cause, got %v", se.Err)
		}
	})

	t.Run("CallerBlocksPolicy waits for room instead of rejecting immediately", func(t *testing.T) {
		release := make(chan struct{})
		var releaseOnce sync.Once
		unblock := func() { releaseOnce.Do(func() { close(release) }) }
		pool := NewExecutor("test-pool", 1, 1, CallerBlocksPolicy(time.Second))
		defer func() {
			unblock()
			pool.Shutdown(time.Second)
		}()

		pool.Submit(func() (any, error) { <-release; return nil, nil })
		pool.Submit(func() (any, error) { <-release; return nil, nil }) // fills the queue

		done := make(chan struct{})
		var f *Future[any]
		go func() {
			f = pool.Submit(func() (any, error) { return "done", nil })
			close(done)
		}()

		select {
		case <-done:
			t.Fatal("expected the third submitter to block while the queue is full")
		case <-time.After(50 * time.Millisecond):
		}

		unblock() // the deferred cleanup's unblock is then a no-op

		<-done
		v, err := f.Result(time.Second)
		if err != nil || v != "done" {
			t.Errorf("expected the blocked submission to eventually run, got %v, %v", v, err)
		}
	})

	t.Run("Shutdown is idempotent and drains remaining queued tasks", func(t *testing.T) {
		release := make(chan struct{})
		pool := NewExecutor("test-pool", 1, 4, AbortPolicy)

		// The single worker stays busy on this one, so the second
		// submission is still sitting in the queue when Shutdown runs.
		pool.Submit(func() (any, error) { <-release; return nil, nil })
		queued := pool.Submit(func() (any, error) { return nil, nil })

		if err := pool.Shutdown(50 * time.Millisecond); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := pool.Shutdown(50 * time.Millisecond); err != nil {
			t.Fatalf("second Shutdown should be a no-op, got: %v", err)
		}

		_, err := queued.Result(time.Second)
		var se *Error
		if !errors.As(err, &se) || se.Kind != KindShutDown {
			t.Errorf("expected the queued task to fail with ShutDown, got %v", err)
		}
		close(release)
	})

	t.Run("Submit after Shutdown fails immediately with ShutDown", func(t *testing.T) {
		pool := NewExecutor("test-pool", 1, 1, AbortPolicy)
		_ = pool.Shutdown(time.Second)

		f := pool.Submit(func() (any, error) { return nil, nil })
		_, err := f.Result(time.Second)
		var se *Error
		if !errors.As(err, &se) || se.Kind != KindShutDown {
			t.Errorf("expected ShutDown, got %v", err)
		}
	})

	t.Run("OnRejected fires when the reject handler refuses a task", func(t *testing.T) {
		release := make(chan struct{})
		pool := NewExecutor("test-pool", 1, 1, AbortPolicy)
		defer func() {
			close(release)
			pool.Shutdown(time.Second)
		}()

		var mu sync.Mutex
		var events []ExecutorRejectedEvent
		if err := pool.OnRejected(func(_ context.Context, ev ExecutorRejectedEvent) error {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		started := make(chan struct{})
		pool.Submit(func() (any, error) { close(started); <-release; return nil, nil })
		<-started                                                       // the single worker is now busy
		pool.Submit(func() (any, error) { <-release; return nil, nil }) // fills the one queue slot
		pool.Submit(func() (any, error) { return nil, nil })            // rejected

		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			mu.Lock()
			n := len(events)
			mu.Unlock()
			if n > 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}

		mu.Lock()
		defer mu.Unlock()
		if len(events) != 1 {
			t.Fatalf("expected exactly one rejected event, got %d", len(events))
		}
		if events[0].Name != "test-pool" {
			t.Errorf("expected event name test-pool, got %q", events[0].Name)
		}
	})

	t.Run("concurrent Submit races Shutdown without ever leaving a future pending", func(t *testing.T) {
		// Every admitted task's future must eventually reach a terminal
		// state, even under concurrent shutdown. The shutdown check and
		// the queue offer must be atomic - otherwise a Submit that reads
		// shuttingDown=false can enqueue an item after Shutdown has
		// already drained the queue, leaving that future stuck in
		// Pending forever.
		pool := NewExecutor("test-pool", 4, 8, AbortPolicy)

		const n = 200
		futures := make([]*Future[any], n)
		var wg sync.WaitGroup
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func(i int) {
				defer wg.Done()
				futures[i] = pool.Submit(func() (any, error) { return i, nil })
			}(i)
		}

		// Shutdown races the submitters rather than waiting for them.
		_ = pool.Shutdown(time.Second)
		wg.Wait()

		for i, f := range futures {
			if f == nil {
				continue
			}
			if _, err := f.Result(time.Second); err != nil {
				var se *Error
				if !errors.As(err, &se) {
					t.Fatalf("future %d: expected a terminal *Error, got %v", i, err)
				}
				// Either it ran to completion before shutdown, raced into
				// the queue and got drained, or was rejected outright -
				// all are terminal, which is what the property requires.
				continue
			}
		}
	})

	t.Run("WithClock stamps TimeInfo using the injected clock", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		pool := NewExecutor("test-pool", 1, 4, AbortPolicy).WithClock(clock)
		defer pool.Shutdown(time.Second)

		f := pool.Submit(func() (any, error) { return nil, nil })
		if _, err := f.Result(time.Second); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		info := f.TimeInfo()
		if _, ok := info["submitted_to_queue_at"]; !ok {
			t.Error("expected submitted_to_queue_at to be stamped")
		}
		if _, ok := info["consumed_from_queue_at"]; !ok {
			t.Error("expected consumed_from_queue_at to be stamped")
		}
		if _, ok := info["executed_completion_at"]; !ok {
			t.Error("expected executed_completion_at to be stamped")
		}
	})
}
