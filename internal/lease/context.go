package lease

import "context"

type ctxKeyLease struct{}

// Context embeds the lease into ctx so handlers can see what they hold.
func (l Lease) Context(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKeyLease{}, l)
}

// FromContext returns the lease embedded by Lease.Context.
func FromContext(ctx context.Context) (Lease, bool) {
	if ctx == nil {
		return Lease{}, false
	}
	l, ok := ctx.Value(ctxKeyLease{}).(Lease)
	return l, ok
}

// WithLease acquires a lease, runs fn with it, and releases it afterwards.
// If fn outlives the lease timeout the lease is reclaimed and the deferred
// release becomes a no-op; fn is not interrupted.
func WithLease(ctx context.Context, q *Queue, fn func(ctx context.Context, l Lease) error) error {
	l, err := q.Acquire(ctx)
	if err != nil {
		return err
	}
	defer q.Release(l)
	return fn(l.Context(ctx), l)
}
