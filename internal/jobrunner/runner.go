package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"auditpipe/internal/metrics"
	"auditpipe/internal/telemetry"
)

// ErrTimeout marks an attempt that exceeded Options.Timeout.
var ErrTimeout = errors.New("jobrunner: job timed out")

type Status string

// A job ends completed or failed. A timeout is a failed attempt like any
// other; Result.TimedOut records that the last one hit the deadline.
const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Backoff string

const (
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// ParseBackoff accepts "linear" or "exponential"; anything else is an error.
func ParseBackoff(s string) (Backoff, error) {
	switch Backoff(s) {
	case BackoffLinear, BackoffExponential:
		return Backoff(s), nil
	case "":
		return BackoffExponential, nil
	}
	return "", fmt.Errorf("jobrunner: unknown backoff %q", s)
}

const (
	DefaultMaxConcurrency = 3
	DefaultTimeout        = 5 * time.Minute
	DefaultBaseDelay      = 500 * time.Millisecond
)

// Job is one independent unit of work. Run should honor ctx, but the runner
// does not rely on it: an attempt that overruns Timeout is abandoned.
type Job struct {
	ID           string
	NeedsBrowser bool
	Run          func(ctx context.Context) (any, error)
}

// Result is the terminal outcome of a Job.
type Result struct {
	JobID    string        `json:"job_id"`
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Output   any           `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
}

func (r Result) OK() bool { return r.Status == StatusCompleted }

type Options struct {
	MaxConcurrency int
	// Timeout bounds each attempt, not the whole job.
	Timeout time.Duration
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	Backoff    Backoff
	BaseDelay  time.Duration
	// Gate, when set, is entered before every attempt of a job with
	// NeedsBrowser and released after it. Waiting in Gate does not count
	// against Timeout.
	Gate func(ctx context.Context) (context.Context, func(), error)

	Logger  *log.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Backoff == "" {
		o.Backoff = BackoffExponential
	}
	if o.BaseDelay < 0 {
		o.BaseDelay = 0
	}
	if o.Logger == nil {
		o.Logger = telemetry.Discard()
	}
	return o
}

// Delay is the wait before the retry that follows attempt (1-based).
func Delay(b Backoff, base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b == BackoffLinear {
		return base * time.Duration(attempt)
	}
	if attempt > 30 {
		attempt = 30
	}
	return base * time.Duration(1<<attempt)
}

// RunJobs executes jobs with at most opts.MaxConcurrency attempts in flight and
// blocks until every job has a terminal Result. Each job id appears exactly once
// in the returned slice, in input order. A failing job never affects its siblings.
func RunJobs(ctx context.Context, jobs []Job, opts Options) []Result {
	opts = opts.withDefaults()
	results := make([]Result, len(jobs))
	sem := semaphore.NewWeighted(int64(opts.MaxConcurrency))

	var wg sync.WaitGroup
	for i, job := range jobs {
		// First attempts are admitted in submission order.
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = Result{JobID: job.ID, Status: StatusFailed, Error: err.Error()}
			opts.Metrics.ObserveJob(string(StatusFailed))
			continue
		}
		wg.Add(1)
		go func(i int, job Job) {
			defer wg.Done()
			results[i] = runJob(ctx, sem, job, opts)
		}(i, job)
	}
	wg.Wait()
	return results
}

// runJob is entered holding one semaphore slot. The slot is given back while
// sleeping between attempts.
func runJob(ctx context.Context, sem *semaphore.Weighted, job Job, opts Options) Result {
	ctx, span := telemetry.Tracer().Start(ctx, "jobrunner.job")
	span.SetAttributes(attribute.String("job.id", job.ID), attribute.Bool("job.needs_browser", job.NeedsBrowser))
	defer span.End()
	logger := telemetry.ForContext(ctx, opts.Logger)

	start := time.Now()
	res := Result{JobID: job.ID}
	maxAttempts := opts.MaxRetries + 1

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		out, err := runGated(ctx, job, opts)
		sem.Release(1)

		if err == nil {
			res.Status = StatusCompleted
			res.Output = out
			res.Error = ""
			res.TimedOut = false
			break
		}
		res.Status = StatusFailed
		res.TimedOut = errors.Is(err, ErrTimeout)
		res.Error = err.Error()

		if attempt >= maxAttempts || ctx.Err() != nil {
			break
		}
		delay := Delay(opts.Backoff, opts.BaseDelay, attempt)
		logger.Printf("[WARN] jobrunner: %s attempt %d/%d failed: %v; retrying in %s",
			job.ID, attempt, maxAttempts, err, delay)
		if err := sleep(ctx, delay); err != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
	}

	res.Duration = time.Since(start)
	opts.Metrics.ObserveJob(string(res.Status))
	if res.Status != StatusCompleted {
		span.SetStatus(codes.Error, res.Error)
		logger.Printf("[ERROR] jobrunner: %s failed after %d attempt(s): %s", job.ID, res.Attempts, res.Error)
	}
	return res
}

func runGated(ctx context.Context, job Job, opts Options) (any, error) {
	release := func() {}
	if job.NeedsBrowser && opts.Gate != nil {
		gctx, rel, err := opts.Gate(ctx)
		if err != nil {
			return nil, fmt.Errorf("jobrunner: gate: %w", err)
		}
		ctx = gctx
		if rel != nil {
			release = rel
		}
	}
	defer release()
	opts.Metrics.JobStarted()
	defer opts.Metrics.JobFinished()
	return runAttempt(ctx, job, opts.Timeout)
}

type attemptResult struct {
	out any
	err error
}

// runAttempt enforces timeout even when job.Run ignores its context; the
// abandoned goroutine finishes on its own and its result is discarded.
func runAttempt(ctx context.Context, job Job, timeout time.Duration) (any, error) {
	if job.Run == nil {
		return nil, errors.New("jobrunner: job has no Run func")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: fmt.Errorf("jobrunner: panic: %v", r)}
			}
		}()
		out, err := job.Run(actx)
		done <- attemptResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %dms", ErrTimeout, timeout.Milliseconds())
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
