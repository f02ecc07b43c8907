package lease

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"auditpipe/internal/metrics"
	"auditpipe/internal/telemetry"
)

// DefaultTimeout is how long a holder may keep the browser before the queue
// assumes it is stuck and hands the lease to the next waiter.
const DefaultTimeout = 300 * time.Second

const defaultPollInterval = 100 * time.Millisecond

// ErrQueueClosed is returned by Acquire once the queue has been closed.
var ErrQueueClosed = errors.New("lease: queue closed")

// Lease is a time-boxed exclusive grant of the shared browser.
type Lease struct {
	ID         string        `json:"id"`
	AcquiredAt time.Time     `json:"acquired_at"`
	Timeout    time.Duration `json:"timeout"`
}

// Queue brokers exclusive access to one shared resource. Waiters are served
// strictly in arrival order and at most one Lease is current at any instant.
// Construct one per process and pass it to every caller that needs the browser.
type Queue struct {
	mu      sync.Mutex
	current *Lease
	timer   *time.Timer
	waiters []*waiter
	closed  bool

	timeout      time.Duration
	pollInterval time.Duration
	logger       *log.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	newID        func() string
}

type waiter struct {
	ch      chan Lease
	timeout time.Duration
}

// Option customizes a Queue.
type Option func(*Queue)

// WithTimeout overrides DefaultTimeout for leases granted by Acquire.
func WithTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithPollInterval sets how often WaitAll re-checks the queue.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithClock injects the clock used for AcquiredAt stamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewQueue returns an empty queue with no current lease.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		timeout:      DefaultTimeout,
		pollInterval: defaultPollInterval,
		logger:       telemetry.Discard(),
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Acquire returns a lease with the queue's default timeout, suspending until
// one is granted or ctx is done.
func (q *Queue) Acquire(ctx context.Context) (Lease, error) {
	return q.AcquireFor(ctx, q.timeout)
}

// AcquireFor is Acquire with an explicit lease timeout.
func (q *Queue) AcquireFor(ctx context.Context, timeout time.Duration) (Lease, error) {
	if timeout <= 0 {
		timeout = q.timeout
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Lease{}, ErrQueueClosed
	}
	if q.current == nil && len(q.waiters) == 0 {
		l := q.grantLocked(timeout)
		q.mu.Unlock()
		return l, nil
	}
	w := &waiter{ch: make(chan Lease, 1), timeout: timeout}
	q.waiters = append(q.waiters, w)
	q.metrics.SetLeaseQueue(len(q.waiters))
	q.mu.Unlock()

	select {
	case l, ok := <-w.ch:
		if !ok {
			return Lease{}, ErrQueueClosed
		}
		return l, nil
	case <-ctx.Done():
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.removeWaiterLocked(w) {
			return Lease{}, ctx.Err()
		}
		// Granted concurrently with cancellation: hand it straight on.
		if l, ok := <-w.ch; ok {
			q.releaseLocked(l.ID)
		}
		return Lease{}, ctx.Err()
	}
}

// Release gives the lease back. Releasing a lease that is no longer current
// (already released, or reclaimed by timeout) is a logged no-op.
func (q *Queue) Release(l Lease) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil || q.current.ID != l.ID {
		q.logger.Printf("[WARN] lease: release of stale lease %s ignored", l.ID)
		return
	}
	q.releaseLocked(l.ID)
}

// IsAvailable reports whether a caller would be granted a lease immediately.
func (q *Queue) IsAvailable() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current == nil && len(q.waiters) == 0
}

// QueueLength is the number of callers suspended in Acquire.
func (q *Queue) QueueLength() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Current returns the lease currently held, if any.
func (q *Queue) Current() (Lease, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return Lease{}, false
	}
	return *q.current, true
}

// WaitAll suspends until no lease is held and nobody is waiting.
func (q *Queue) WaitAll(ctx context.Context) error {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		if q.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close rejects future Acquire calls and wakes every waiter with ErrQueueClosed.
// The current lease, if any, stays valid until released or timed out.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, w := range q.waiters {
		close(w.ch)
	}
	q.waiters = nil
	q.metrics.SetLeaseQueue(0)
}

func (q *Queue) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current == nil && len(q.waiters) == 0
}

func (q *Queue) grantLocked(timeout time.Duration) Lease {
	l := Lease{ID: q.newID(), AcquiredAt: q.now(), Timeout: timeout}
	q.current = &l
	id := l.ID
	q.timer = time.AfterFunc(timeout, func() { q.expire(id) })
	return l
}

// releaseLocked clears the current lease and grants the head waiter, if any.
func (q *Queue) releaseLocked(id string) {
	if q.current == nil || q.current.ID != id {
		return
	}
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.current = nil
	q.grantNextLocked()
}

func (q *Queue) grantNextLocked() {
	if len(q.waiters) == 0 {
		return
	}
	w := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	q.metrics.SetLeaseQueue(len(q.waiters))
	w.ch <- q.grantLocked(w.timeout)
}

// expire runs on the lease timer. A timer that lost the race with Release
// finds a different (or no) current lease and does nothing.
func (q *Queue) expire(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil || q.current.ID != id {
		return
	}
	held := q.now().Sub(q.current.AcquiredAt)
	q.logger.Printf("[ERROR] lease: %s not released after %dms (timeout %dms); forcing release",
		id, held.Milliseconds(), q.current.Timeout.Milliseconds())
	q.metrics.LeaseForcedRelease()
	q.timer = nil
	q.current = nil
	q.grantNextLocked()
}

func (q *Queue) removeWaiterLocked(target *waiter) bool {
	for i, w := range q.waiters {
		if w != target {
			continue
		}
		q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
		q.metrics.SetLeaseQueue(len(q.waiters))
		return true
	}
	return false
}
