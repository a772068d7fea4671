package steamboat

import (
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func intPtr(n int) *int { return &n }
func floatPtr(f float64) *float64 { return &f }

func TestWindow(t *testing.T) {
	t.Run("starts Open and admits freely", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		w := NewWindow("test", clock.Now(), WindowConfig{
			OpenLength: time.Minute, ClosedLength: time.Second, HalfOpenLength: time.Second,
			FailureRatio: 0.5, FailureCount: intPtr(3), HalfFailureCount: intPtr(2),
		})

		status, ok := w.GetStatus(clock.Now())
		if !ok || status != Open {
			t.Fatalf("expected Open, got %v (ok=%v)", status, ok)
		}
	})

	t.Run("trips to Closed once the failure ratio and count are both met", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		w := NewWindow("test", clock.Now(), WindowConfig{
			OpenLength: time.Minute, ClosedLength: 10 * time.Second, HalfOpenLength: 5 * time.Second,
			FailureRatio: 0.5, FailureCount: intPtr(3), HalfFailureCount: intPtr(2),
		})

		// Two failures: ratio met (1.0 >= 0.5) but count (2) not yet >= 3.
		if tr := w.Update(clock.Now(), 0, 1, 0, 0); tr != TransitionNone {
			t.Fatalf("expected no transition, got %v", tr)
		}
		if tr := w.Update(clock.Now(), 0, 1, 0, 0); tr != TransitionNone {
			t.Fatalf("expected no transition, got %v", tr)
		}
		if status, _ := w.GetStatus(clock.Now()); status != Open {
			t.Fatalf("expected still Open, got %v", status)
		}

		tr := w.Update(clock.Now(), 0, 1, 0, 0)
		if tr != TransitionTripped {
			t.Fatalf("expected TransitionTripped, got %v", tr)
		}
		if status, _ := w.GetStatus(clock.Now()); status != Closed {
			t.Fatalf("expected Closed, got %v", status)
		}
	})

	t.Run("rejections are counted but excluded from the ratio denominator", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		w := NewWindow("test", clock.Now(), WindowConfig{
			OpenLength: time.Minute, ClosedLength: time.Second, HalfOpenLength: time.Second,
			FailureRatio: 0.9, FailureCount: intPtr(1), HalfFailureCount: intPtr(1),
		})

		for i := 0; i < 50; i++ {
			w.Update(clock.Now(), 0, 0, 0, 1)
		}
		if status, _ := w.GetStatus(clock.Now()); status != Open {
			t.Fatalf("expected rejections alone to never trip the window, got %v", status)
		}
		if w.RejectionCount() != 50 {
			t.Errorf("expected 50 rejections recorded, got %d", w.RejectionCount())
		}
		if w.TotalCount() != 0 {
			t.Errorf("expected TotalCount to exclude rejections, got %d", w.TotalCount())
		}
	})

	t.Run("Closed window drops every update until its epoch expires", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		w := NewWindow("test", clock.Now(), WindowConfig{
			OpenLength: time.Minute, ClosedLength: 10 * time.Second, HalfOpenLength: 5 * time.Second,
			FailureRatio: 0, FailureCount: intPtr(1), HalfFailureCount: intPtr(1),
		})

		w.Update(clock.Now(), 0, 1, 0, 0) // trips immediately (ratio 0 always met)
		if status, _ := w.GetStatus(clock.Now()); status != Closed {
			t.Fatalf("expected Closed, got %v", status)
		}

		if tr := w.Update(clock.Now(), 1, 0, 0, 0); tr != TransitionNone {
			t.Errorf("expected Closed window to ignore updates, got %v", tr)
		}
		if w.SuccessCount() != 0 {
			t.Errorf("expected success to be dropped while Closed, got %d", w.SuccessCount())
		}
	})

	t.Run("Closed epoch expiry advances to HalfOpen, not directly to Open", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		w := NewWindow("test", clock.Now(), WindowConfig{
			OpenLength: time.Minute, ClosedLength: 10 * time.Second, HalfOpenLength: 5 * time.Second,
			FailureRatio: 0, FailureCount: intPtr(1), HalfFailureCount: intPtr(1),
		})

		w.Update(clock.Now(), 0, 1, 0, 0)
		clock.Advance(10*time.Second + time.Millisecond)

		status, ok := w.GetStatus(clock.Now())
		if !ok || status != HalfOpen {
			t.Fatalf("expected HalfOpen after the Closed epoch expires, got %v (ok=%v)", status, ok)
		}
	})

	t.Run("HalfOpen recovers to Open once the recovery ratio and count are met", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		w := NewWindow("test", clock.Now(), WindowConfig{
			OpenLength: time.Minute, ClosedLength: 10 * time.Second, HalfOpenLength: 30 * time.Second,
			FailureRatio: 0, FailureCount: intPtr(1), HalfFailureCount: intPtr(5),
			RecoveryRatio: floatPtr(1.0), RecoveryCount: intPtr(2),
		})

		w.Update(clock.Now(), 0, 1, 0, 0) // trips Open -> Closed (ratio 0 is always met)
		clock.Advance(10*time.Second + time.Millisecond)
		if status, _ := w.GetStatus(clock.Now()); status != HalfOpen {
			t.Fatalf("expected HalfOpen, got %v", status)
		}

		if tr := w.Update(clock.Now(), 1, 0, 0, 0); tr != TransitionNone {
			t.Fatalf("expected no transition after one success, got %v", tr)
		}
		tr := w.Update(clock.Now(), 1, 0, 0, 0)
		if tr != TransitionRecovered {
			t.Fatalf("expected TransitionRecovered, got %v", tr)
		}
		if status, _ := w.GetStatus(clock.Now()); status != Open {
			t.Fatalf("expected Open after recovery, got %v", status)
		}
	})

	t.Run("HalfOpen re-trips to Closed on renewed failures", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		w := NewWindow("test", clock.Now(), WindowConfig{
			OpenLength: time.Minute, ClosedLength: 10 * time.Second, HalfOpenLength: 30 * time.Second,
			FailureRatio: 0, FailureCount: intPtr(1), HalfFailureCount: intPtr(1),
		})

		w.Update(clock.Now(), 0, 1, 0, 0)
		clock.Advance(10*time.Second + time.Millisecond)
		if status, _ := w.GetStatus(clock.Now()); status != HalfOpen {
			t.Fatalf("expected HalfOpen, got %v", status)
		}

		tr := w.Update(clock.Now(), 0, 1, 0, 0)
		if tr != TransitionTripped {
			t.Fatalf("expected TransitionTripped back to Closed, got %v", tr)
		}
	})

	t.Run("HalfOpen reopens to Open via plain epoch expiry, with no recovery threshold met", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		w := NewWindow("test", clock.Now(), WindowConfig{
			OpenLength: time.Minute, ClosedLength: 10 * time.Second, HalfOpenLength: 5 * time.Second,
			FailureRatio: 0, FailureCount: intPtr(1), HalfFailureCount: intPtr(100),
			RecoveryRatio: floatPtr(2.0), // unreachable, so only the timer can move it
		})

		w.Update(clock.Now(), 0, 1, 0, 0)
		clock.Advance(10*time.Second + time.Millisecond) // Closed -> HalfOpen
		if status, _ := w.GetStatus(clock.Now()); status != HalfOpen {
			t.Fatalf("expected HalfOpen, got %v", status)
		}

		clock.Advance(5*time.Second + time.Millisecond) // HalfOpen epoch times out -> Open
		status, ok := w.GetStatus(clock.Now())
		if !ok || status != Open {
			t.Fatalf("expected Open via epoch expiry, got %v (ok=%v)", status, ok)
		}
	})

	t.Run("a timestamp before the window start is a clock anomaly", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		w := NewWindow("test", clock.Now(), WindowConfig{
			OpenLength: time.Minute, ClosedLength: time.Second, HalfOpenLength: time.Second,
			FailureRatio: 0.5, FailureCount: intPtr(1), HalfFailureCount: intPtr(1),
		})

		_, ok := w.GetStatus(clock.Now().Add(-time.Hour))
		if ok {
			t.Error("expected a timestamp before the window start to be rejected")
		}
		if tr := w.Update(clock.Now().Add(-time.Hour), 1, 0, 0, 0); tr != TransitionNone {
			t.Errorf("expected a clock anomaly to be a no-op, got %v", tr)
		}
	})
}
