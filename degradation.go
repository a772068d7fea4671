package steamboat

import "context"

// Degradation is the user-supplied fallback collaborator SteamBoat
// dispatches to when a Cabin call fails for any reason. Like Executor,
// it is a capability set rather than a type hierarchy.
type Degradation interface {
	OnSubmitTaskError(ctx context.Context, cause error, fn func() (any, error)) (any, error)
	OnWindowHalfOpen(ctx context.Context, fn func() (any, error)) (any, error)
	OnWindowClosed(ctx context.Context, fn func() (any, error)) (any, error)
	OnTimeoutReached(ctx context.Context, fn func() (any, error)) (any, error)
	OnException(ctx context.Context, err error, fn func() (any, error)) (any, error)
}

// dispatchDegradation builds the degradation closure matched to a
// Cabin failure's Kind. Kinds outside the dispatch table (ShutDown and
// plain user exceptions among them) fall through to OnException.
func dispatchDegradation(d Degradation, failure *Error, fn func() (any, error)) func(context.Context) (any, error) {
	switch failure.Kind {
	case KindSubmitTaskError:
		return func(ctx context.Context) (any, error) { return d.OnSubmitTaskError(ctx, failure.Err, fn) }
	case KindWindowHalfOpen:
		return func(ctx context.Context) (any, error) { return d.OnWindowHalfOpen(ctx, fn) }
	case KindWindowClosed:
		return func(ctx context.Context) (any, error) { return d.OnWindowClosed(ctx, fn) }
	case KindTimeoutReached:
		return func(ctx context.Context) (any, error) { return d.OnTimeoutReached(ctx, fn) }
	default:
		return func(ctx context.Context) (any, error) { return d.OnException(ctx, failure, fn) }
	}
}
