package lease

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"auditpipe/internal/metrics"
	"auditpipe/internal/tester"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAcquireGrantsImmediatelyWhenFree(t *testing.T) {
	q := NewQueue()
	tester.True(t, q.IsAvailable())

	l, err := q.Acquire(context.Background())
	tester.NoErr(t, err)
	tester.True(t, l.ID != "", "lease id")
	tester.Eq(t, l.Timeout, DefaultTimeout)
	tester.False(t, q.IsAvailable())

	cur, ok := q.Current()
	tester.True(t, ok)
	tester.Eq(t, cur.ID, l.ID)

	q.Release(l)
	tester.True(t, q.IsAvailable())
	tester.Eq(t, q.QueueLength(), 0)
}

func TestWaitersAreServedInArrivalOrder(t *testing.T) {
	q := NewQueue()
	first, err := q.Acquire(context.Background())
	tester.NoErr(t, err)

	const n = 6
	var (
		mu      sync.Mutex
		order   []int
		holders int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := q.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			cur := atomic.AddInt32(&holders, 1)
			for {
				prev := atomic.LoadInt32(&maxSeen)
				if cur <= prev || atomic.CompareAndSwapInt32(&maxSeen, prev, cur) {
					break
				}
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&holders, -1)
			q.Release(l)
		}(i)
		want := i + 1
		waitFor(t, func() bool { return q.QueueLength() == want }, "waiter to enqueue")
	}

	q.Release(first)
	wg.Wait()

	tester.Eq(t, order, []int{0, 1, 2, 3, 4, 5})
	tester.Eq(t, atomic.LoadInt32(&maxSeen), int32(1), "at most one holder at a time")
	tester.True(t, q.IsAvailable())
}

func TestTimedOutLeaseIsReclaimedAndHandedOn(t *testing.T) {
	logs := &syncBuffer{}
	m := metrics.New()
	q := NewQueue(WithTimeout(30*time.Millisecond), WithLogger(log.New(logs, "", 0)), WithMetrics(m))

	stuck, err := q.Acquire(context.Background())
	tester.NoErr(t, err)

	got := make(chan Lease, 1)
	go func() {
		l, err := q.AcquireFor(context.Background(), time.Minute)
		if err != nil {
			t.Errorf("acquire: %v", err)
			return
		}
		got <- l
	}()

	var next Lease
	select {
	case next = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never granted after timeout")
	}
	tester.True(t, next.ID != stuck.ID, "fresh lease id")
	tester.True(t, strings.Contains(logs.String(), "forcing release"), "forced release logged")
	tester.Eq(t, testutil.ToFloat64(m.LeaseForced), 1.0)

	// The preempted holder releasing late must not disturb the new holder.
	q.Release(stuck)
	cur, ok := q.Current()
	tester.True(t, ok)
	tester.Eq(t, cur.ID, next.ID)
	tester.True(t, strings.Contains(logs.String(), "stale lease"), "stale release logged")

	q.Release(next)
	tester.True(t, q.IsAvailable())
	tester.Eq(t, testutil.ToFloat64(m.LeaseForced), 1.0, "forced exactly once")
}

func TestTimeoutWithNoWaitersFreesResource(t *testing.T) {
	q := NewQueue(WithTimeout(10 * time.Millisecond))
	_, err := q.Acquire(context.Background())
	tester.NoErr(t, err)
	waitFor(t, q.IsAvailable, "lease to expire")
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	q := NewQueue()
	a, err := q.Acquire(context.Background())
	tester.NoErr(t, err)
	q.Release(a)

	b, err := q.Acquire(context.Background())
	tester.NoErr(t, err)
	q.Release(a)
	cur, ok := q.Current()
	tester.True(t, ok)
	tester.Eq(t, cur.ID, b.ID)
	q.Release(Lease{ID: "unknown"})
	q.Release(b)
	tester.True(t, q.IsAvailable())
}

func TestCanceledWaiterLeavesQueue(t *testing.T) {
	q := NewQueue()
	held, err := q.Acquire(context.Background())
	tester.NoErr(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Acquire(ctx)
		errCh <- err
	}()
	waitFor(t, func() bool { return q.QueueLength() == 1 }, "waiter to enqueue")
	cancel()
	tester.True(t, errors.Is(<-errCh, context.Canceled))
	tester.Eq(t, q.QueueLength(), 0)

	q.Release(held)
	tester.True(t, q.IsAvailable())
}

func TestWaitAllReturnsOnceDrained(t *testing.T) {
	q := NewQueue(WithPollInterval(5 * time.Millisecond))
	l, err := q.Acquire(context.Background())
	tester.NoErr(t, err)

	done := make(chan error, 1)
	go func() { done <- q.WaitAll(context.Background()) }()

	select {
	case <-done:
		t.Fatal("WaitAll returned while a lease was held")
	case <-time.After(20 * time.Millisecond):
	}
	q.Release(l)
	select {
	case err := <-done:
		tester.NoErr(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitAll did not return")
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	q := NewQueue()
	_, err := q.Acquire(context.Background())
	tester.NoErr(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Acquire(context.Background())
		errCh <- err
	}()
	waitFor(t, func() bool { return q.QueueLength() == 1 }, "waiter to enqueue")
	q.Close()
	tester.True(t, errors.Is(<-errCh, ErrQueueClosed))

	_, err = q.Acquire(context.Background())
	tester.True(t, errors.Is(err, ErrQueueClosed))
}

func TestWithLeaseEmbedsLease(t *testing.T) {
	q := NewQueue()
	err := WithLease(context.Background(), q, func(ctx context.Context, l Lease) error {
		got, ok := FromContext(ctx)
		tester.True(t, ok)
		tester.Eq(t, got.ID, l.ID)
		tester.False(t, q.IsAvailable())
		return nil
	})
	tester.NoErr(t, err)
	tester.True(t, q.IsAvailable())
}
