package steamboat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zoobzio/capitan"
)

type cabinEntry struct {
	cabin       *Cabin
	degradation Degradation
}

// SteamBoat is the front-door router: a registry of named Cabins plus,
// optionally, a Degradation handler invoked when a routed call fails.
type SteamBoat struct {
	mu     sync.RWMutex
	cabins map[string]cabinEntry
	dflt   cabinEntry
	hasDef bool
}

// NewSteamBoat creates an empty SteamBoat registry.
func NewSteamBoat() *SteamBoat {
	return &SteamBoat{cabins: make(map[string]cabinEntry)}
}

// AddCabin registers c under its own name with an optional Degradation.
// If a Cabin is already registered under that name, AddCabin returns an
// error unless ignoreIfExists is true, in which case it is a no-op.
func (s *SteamBoat) AddCabin(c *Cabin, d Degradation, ignoreIfExists bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cabins[c.name]; exists {
		if ignoreIfExists {
			return nil
		}
		return fmt.Errorf("steamboat: cabin %q already exists", c.name)
	}
	s.cabins[c.name] = cabinEntry{cabin: c, degradation: d}
	return nil
}

// SetDefaultCabin registers a fallback Cabin+Degradation used by Submit
// and PushIntoCabin for names with no registered Cabin.
func (s *SteamBoat) SetDefaultCabin(c *Cabin, d Degradation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dflt = cabinEntry{cabin: c, degradation: d}
	s.hasDef = true
}

func (s *SteamBoat) lookup(name string) (cabinEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entry, ok := s.cabins[name]; ok {
		return entry, true
	}
	if s.hasDef {
		return s.dflt, true
	}
	return cabinEntry{}, false
}

// Submit routes fn through the named Cabin. On failure, if a
// Degradation is registered for that Cabin, the matching degradation
// method is invoked through the same Cabin (so degradation work is
// itself circuit-broken) and its outcome becomes the outer Future's
// terminal value; otherwise the original failure propagates unchanged.
func (s *SteamBoat) Submit(name string, fn func() (any, error)) *Future[any] {
	outer := NewFuture[any]()

	entry, ok := s.lookup(name)
	if !ok {
		_ = outer.SetFailure(fmt.Errorf("steamboat: cabin %q does not exist", name))
		return outer
	}

	cabinFuture := entry.cabin.Execute(fn)
	cabinFuture.AddDoneCallback(func(cf *Future[any]) {
		s.onCabinDone(outer, entry, name, fn, cf)
	})
	return outer
}

// PushIntoCabin returns decorator sugar: given a task function, it
// produces a thunk that submits that function through the named Cabin.
func (s *SteamBoat) PushIntoCabin(name string) func(func() (any, error)) func() *Future[any] {
	return func(fn func() (any, error)) func() *Future[any] {
		return func() *Future[any] {
			return s.Submit(name, fn)
		}
	}
}

func (s *SteamBoat) onCabinDone(outer *Future[any], entry cabinEntry, name string, fn func() (any, error), cabinFuture *Future[any]) {
	value, err := cabinFuture.Result(0)
	if err == nil {
		_ = outer.SetResult(value)
		return
	}

	if entry.degradation == nil {
		_ = outer.SetFailure(err)
		return
	}

	var se *Error
	if !errors.As(err, &se) {
		se = newError(KindUserException, name, err)
	}

	degrade := dispatchDegradation(entry.degradation, se, fn)

	capitan.Emit(context.Background(), SignalSteamBoatDegraded,
		FieldName.Field(name), FieldKind.Field(se.Kind.String()))

	// Route the degradation call through the same Cabin, so it is
	// itself circuit-broken - and never triggers a second round of
	// degradation regardless of how it completes.
	degradeFuture := entry.cabin.Execute(func() (any, error) {
		return degrade(context.Background())
	})
	degradeFuture.AddDoneCallback(func(df *Future[any]) {
		v, derr := df.Result(0)
		if derr != nil {
			_ = outer.SetFailure(derr)
			return
		}
		_ = outer.SetResult(v)
	})
}
