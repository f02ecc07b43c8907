package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"auditpipe/internal/artifact"
	"auditpipe/internal/checkpoint"
	"auditpipe/internal/events"
	"auditpipe/internal/jobrunner"
	"auditpipe/internal/lease"
	"auditpipe/internal/metrics"
	"auditpipe/internal/phase"
	"auditpipe/internal/telemetry"
)

var (
	// ErrCriticalPhase is returned by Run when a critical phase fails.
	ErrCriticalPhase = errors.New("orchestrator: critical phase failed")
	// ErrRunDirInUse is returned when a fresh run would overwrite progress
	// recorded by an earlier run in the same directory.
	ErrRunDirInUse = errors.New("orchestrator: run directory already has recorded progress")
)

const DefaultMaxConcurrency = 3

const (
	// DefaultPersistTimeout bounds the mirror and event calls of one
	// progress save.
	DefaultPersistTimeout = 10 * time.Second
	// cancelGrace is how long those calls may continue after the run's
	// context is cancelled.
	cancelGrace = 500 * time.Millisecond
)

// ProgressType is the artifact type of per-phase progress records.
const ProgressType = "progress"

type Options struct {
	RunID   string
	Targets []string
	Config  map[string]string
	// BrowserEnabled false turns every browser phase into a completed skip.
	BrowserEnabled bool
	Resume         bool
	// Only restricts the run to the named phases.
	Only []string

	MaxConcurrency int
	JobTimeout     time.Duration
	MaxRetries     int
	Backoff        jobrunner.Backoff
	BackoffBase    time.Duration
}

type Option func(*Orchestrator)

func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

func WithPersistTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.persistTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator drives one audit run over a run directory.
type Orchestrator struct {
	registry   phase.Registry
	dispatcher phase.Dispatcher
	leases     *lease.Queue
	store      *artifact.Store

	opts           Options
	logger         *log.Logger
	metrics        *metrics.Metrics
	publisher      events.Publisher
	persistTimeout time.Duration
	now            func() time.Time
}

// New validates the registry's phase graph and returns an orchestrator. A nil
// lease queue gets a private one with default settings.
func New(reg phase.Registry, disp phase.Dispatcher, leases *lease.Queue, store *artifact.Store, opts Options, extra ...Option) (*Orchestrator, error) {
	if reg == nil {
		return nil, errors.New("orchestrator: registry is required")
	}
	if disp == nil {
		return nil, errors.New("orchestrator: dispatcher is required")
	}
	if store == nil {
		return nil, errors.New("orchestrator: artifact store is required")
	}
	if err := phase.Validate(reg.Phases()); err != nil {
		return nil, err
	}
	if leases == nil {
		leases = lease.NewQueue()
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = jobrunner.DefaultTimeout
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = jobrunner.DefaultBaseDelay
	}
	o := &Orchestrator{
		registry:   reg,
		dispatcher: disp,
		leases:     leases,
		store:      store,
		opts:           opts,
		logger:         telemetry.Discard(),
		publisher:      events.Nop{},
		persistTimeout: DefaultPersistTimeout,
		now:            time.Now,
	}
	for _, fn := range extra {
		fn(o)
	}
	return o, nil
}

// Result summarizes a run. A partial run is reported here, not as an error.
type Result struct {
	RunID           string        `json:"run_id,omitempty"`
	Completed       int           `json:"completed"`
	Total           int           `json:"total"`
	CompletedPhases []string      `json:"completed_phases"`
	Phases          []PhaseResult `json:"phases"`
	Findings        int           `json:"findings"`
	Elapsed         time.Duration `json:"elapsed"`
	Error           string        `json:"error,omitempty"`
}

func (r Result) OK() bool { return r.Error == "" && r.Completed == r.Total }

// runState is the mutable progress of one Run call. Only the Run goroutine
// touches it.
type runState struct {
	phases  []phase.Descriptor
	tracker *tracker

	completed  []string
	done       map[string]bool
	visited    []string
	visitedSet map[string]bool
	queued     []string
	findings   int

	results map[string]PhaseResult
	seq     int
	base    time.Duration
	start   time.Time
}

// Run executes every pending phase group in ascending pipeline order. The
// returned error is non-nil only for a critical phase failure, a setup
// failure, or cancellation of ctx; Result is populated in every case.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.run")
	defer span.End()

	phases := phase.Filter(o.registry.Phases(), o.opts.Only)
	st, err := o.prepare(phases)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{RunID: o.opts.RunID, Total: len(phases), CompletedPhases: []string{}, Error: err.Error()}, err
	}
	o.logger.Printf("[INFO] orchestrator: run %s starting: %d phase(s), %d already completed, browser=%t",
		o.opts.RunID, len(phases), st.completedCount(), o.opts.BrowserEnabled)

	var runErr error
	for _, g := range phase.GroupByOrder(phases) {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		pending := make([]phase.Descriptor, 0, len(g.Phases))
		for _, p := range g.Phases {
			if !st.done[p.ID] {
				pending = append(pending, p)
			}
		}
		switch len(pending) {
		case 0:
			continue
		case 1:
			runErr = o.runInline(ctx, st, pending[0])
		default:
			runErr = o.runGroup(ctx, st, g.Order, pending)
		}
		if runErr != nil {
			break
		}
	}

	res := st.result(o.opts.RunID, o.now())
	if runErr != nil {
		res.Error = runErr.Error()
		span.SetStatus(codes.Error, runErr.Error())
		o.logger.Printf("[ERROR] orchestrator: run %s aborted after %d/%d phase(s): %v", o.opts.RunID, res.Completed, res.Total, runErr)
		return res, runErr
	}
	if res.Completed != res.Total {
		res.Error = fmt.Sprintf("partial completion: %d of %d phases completed", res.Completed, res.Total)
		o.logger.Printf("[WARN] orchestrator: run %s %s", o.opts.RunID, res.Error)
		return res, nil
	}
	o.logger.Printf("[INFO] orchestrator: run %s completed %d/%d phase(s) in %s", o.opts.RunID, res.Completed, res.Total, res.Elapsed.Round(time.Millisecond))
	return res, nil
}

func (o *Orchestrator) prepare(phases []phase.Descriptor) (*runState, error) {
	ids := make([]string, 0, len(phases))
	for _, p := range phases {
		ids = append(ids, p.ID)
	}
	st := &runState{
		phases:     phases,
		tracker:    newTracker(ids),
		done:       make(map[string]bool),
		visitedSet: make(map[string]bool),
		results:    make(map[string]PhaseResult),
		start:      o.now(),
	}

	prior := checkpoint.Load(o.store.Dir())
	resumable := prior != nil && len(prior.CompletedPhases) > 0
	switch {
	case resumable && o.opts.Resume:
		for _, id := range prior.CompletedPhases {
			st.markCompleted(id)
			if err := st.tracker.transition(id, StatusCompleted); err == nil {
				st.results[id] = PhaseResult{ID: id, Status: StatusCompleted, Skipped: true, Reason: ReasonResumed}
			}
		}
		for _, v := range prior.VisitedEndpoints {
			st.addVisited(v)
		}
		st.addQueued(prior.QueuedEndpoints)
		st.findings = prior.FindingsCount
		st.base = time.Duration(prior.ElapsedMs) * time.Millisecond
		o.logger.Printf("[INFO] orchestrator: resuming from checkpoint saved %s with %d completed phase(s)", prior.Timestamp, len(prior.CompletedPhases))
	case resumable:
		return nil, fmt.Errorf("%w: %s (resume it or use a new directory)", ErrRunDirInUse, o.store.Dir())
	case o.opts.Resume:
		o.logger.Printf("[WARN] orchestrator: resume requested but no usable checkpoint in %s; starting fresh", o.store.Dir())
	}

	prev, err := o.store.Query(artifact.Filter{Type: ProgressType})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: read progress records: %w", err)
	}
	st.seq = len(prev)
	return st, nil
}

// runInline runs a single-member group directly in the caller's goroutine.
func (o *Orchestrator) runInline(ctx context.Context, st *runState, p phase.Descriptor) error {
	if pr, skipped := o.skipCheck(st, p); skipped {
		o.record(st, pr, phase.Output{})
		o.persist(ctx, st, p.ID)
		return nil
	}

	start := o.now()
	out, err := o.inline(ctx, st.tracker, p)
	pr := PhaseResult{ID: p.ID, Duration: o.now().Sub(start), Attempts: 1, Status: StatusCompleted}
	if err != nil {
		pr.Status = StatusFailed
		pr.Error = err.Error()
	}
	o.record(st, pr, out)
	o.persist(ctx, st, p.ID)
	if pr.Status == StatusFailed && p.Critical {
		return fmt.Errorf("%w: %s: %s", ErrCriticalPhase, p.ID, pr.Error)
	}
	return nil
}

// inline acquires the browser first so that waiting for the lease does not
// eat into the phase timeout.
func (o *Orchestrator) inline(ctx context.Context, tr *tracker, p phase.Descriptor) (phase.Output, error) {
	if p.RequiresBrowser {
		l, err := o.leases.Acquire(ctx)
		if err != nil {
			return phase.Output{}, fmt.Errorf("acquire browser lease: %w", err)
		}
		defer o.leases.Release(l)
		ctx = l.Context(ctx)
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = o.opts.JobTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return o.execute(ctx, tr, p)
}

// runGroup hands every runnable member of a multi-phase group to the job
// runner and waits for all of them.
func (o *Orchestrator) runGroup(ctx context.Context, st *runState, order int, members []phase.Descriptor) error {
	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.group")
	span.SetAttributes(attribute.Int("group.order", order), attribute.Int("group.size", len(members)))
	defer span.End()

	runnable := make([]phase.Descriptor, 0, len(members))
	for _, p := range members {
		if pr, skipped := o.skipCheck(st, p); skipped {
			o.record(st, pr, phase.Output{})
			continue
		}
		runnable = append(runnable, p)
	}

	timeout := o.opts.JobTimeout
	jobs := make([]jobrunner.Job, 0, len(runnable))
	for _, p := range runnable {
		p := p
		if p.Timeout > timeout {
			timeout = p.Timeout
		}
		jobs = append(jobs, jobrunner.Job{
			ID:           p.ID,
			NeedsBrowser: p.RequiresBrowser,
			Run: func(ctx context.Context) (any, error) {
				if p.Timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, p.Timeout)
					defer cancel()
				}
				return o.execute(ctx, st.tracker, p)
			},
		})
	}

	var failedCritical []string
	if len(jobs) > 0 {
		o.logger.Printf("[INFO] orchestrator: running order %d group of %d phase(s) with concurrency %d", order, len(jobs), o.opts.MaxConcurrency)
		results := jobrunner.RunJobs(ctx, jobs, jobrunner.Options{
			MaxConcurrency: o.opts.MaxConcurrency,
			Timeout:        timeout,
			MaxRetries:     o.opts.MaxRetries,
			Backoff:        o.opts.Backoff,
			BaseDelay:      o.opts.BackoffBase,
			Gate:           o.browserGate,
			Logger:         o.logger,
			Metrics:        o.metrics,
		})
		for i, res := range results {
			p := runnable[i]
			pr := PhaseResult{ID: p.ID, Duration: res.Duration, Attempts: res.Attempts, Status: StatusCompleted}
			var out phase.Output
			if res.OK() {
				out, _ = res.Output.(phase.Output)
			} else {
				pr.Status = StatusFailed
				pr.Error = res.Error
				if p.Critical {
					failedCritical = append(failedCritical, p.ID)
				}
			}
			o.record(st, pr, out)
		}
	}

	o.persist(ctx, st, fmt.Sprintf("order-%d", order))
	if len(failedCritical) > 0 {
		sort.Strings(failedCritical)
		span.SetStatus(codes.Error, "critical phase failed")
		return fmt.Errorf("%w: %s", ErrCriticalPhase, strings.Join(failedCritical, ", "))
	}
	return nil
}

func (o *Orchestrator) browserGate(ctx context.Context) (context.Context, func(), error) {
	l, err := o.leases.Acquire(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("acquire browser lease: %w", err)
	}
	return l.Context(ctx), func() { o.leases.Release(l) }, nil
}

// skipCheck decides the two skip paths. Unmet dependencies fail the phase
// without running it; a browser phase with the browser disabled completes
// without running it. Neither path acquires a lease.
func (o *Orchestrator) skipCheck(st *runState, p phase.Descriptor) (PhaseResult, bool) {
	var missing []string
	for _, dep := range p.DependsOn {
		if !st.done[dep] {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return PhaseResult{
			ID:      p.ID,
			Status:  StatusFailed,
			Skipped: true,
			Reason:  ReasonDependencyUnmet,
			Error:   "dependency unmet: " + strings.Join(missing, ", "),
		}, true
	}
	if p.RequiresBrowser && !o.opts.BrowserEnabled {
		return PhaseResult{ID: p.ID, Status: StatusCompleted, Skipped: true, Reason: ReasonResourceDisabled}, true
	}
	return PhaseResult{}, false
}

// execute runs the phase handler. A browser phase must already carry its
// lease in ctx.
func (o *Orchestrator) execute(ctx context.Context, tr *tracker, p phase.Descriptor) (out phase.Output, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.phase")
	span.SetAttributes(attribute.String("phase.id", p.ID), attribute.String("phase.kind", string(p.Kind)))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("phase %s panicked: %v", p.ID, r)
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	logger := telemetry.ForContext(ctx, o.logger)

	if err := tr.transition(p.ID, StatusRunning); err != nil {
		logger.Printf("[ERROR] %v", err)
	}
	logger.Printf("[INFO] orchestrator: phase %s (%s) running", p.ID, p.Kind)

	h, err := o.dispatcher.Handler(p.Kind)
	if err != nil {
		return phase.Output{}, err
	}
	ec := phase.ExecContext{
		RunDir:    o.store.Dir(),
		Targets:   append([]string(nil), o.opts.Targets...),
		Config:    o.opts.Config,
		Phase:     p,
		Artifacts: o.store,
	}
	if p.RequiresBrowser {
		l, ok := lease.FromContext(ctx)
		if !ok {
			return phase.Output{}, fmt.Errorf("phase %s requires the browser but holds no lease", p.ID)
		}
		ec.Lease = &l
	}
	return h.Run(ctx, ec)
}

// record applies a terminal phase outcome to the run state.
func (o *Orchestrator) record(st *runState, pr PhaseResult, out phase.Output) {
	if err := st.tracker.transition(pr.ID, pr.Status); err != nil {
		o.logger.Printf("[ERROR] %v", err)
	}
	st.results[pr.ID] = pr

	label := string(pr.Status)
	if pr.Skipped {
		label = "skipped"
	}
	o.metrics.ObservePhase(pr.ID, label, pr.Duration)

	switch {
	case pr.Status == StatusCompleted && pr.Skipped:
		o.logger.Printf("[INFO] orchestrator: phase %s skipped as completed (%s)", pr.ID, pr.Reason)
	case pr.Status == StatusCompleted:
		o.logger.Printf("[INFO] orchestrator: phase %s completed in %s (%d finding(s))", pr.ID, pr.Duration.Round(time.Millisecond), out.Findings)
	case pr.Skipped:
		o.logger.Printf("[WARN] orchestrator: phase %s not run: %s", pr.ID, pr.Error)
	default:
		o.logger.Printf("[ERROR] orchestrator: phase %s failed after %d attempt(s): %s", pr.ID, pr.Attempts, pr.Error)
	}

	if pr.Status != StatusCompleted {
		return
	}
	st.markCompleted(pr.ID)
	st.findings += out.Findings
	for _, v := range out.Visited {
		st.addVisited(v)
	}
	st.addQueued(out.Queued)
}

// persist saves the checkpoint and appends a progress record. Failures are
// logged; they never stop the run. Cancellation of ctx does not prevent the
// local writes, but mirror and event calls get at most cancelGrace after it.
func (o *Orchestrator) persist(ctx context.Context, st *runState, label string) {
	ctx, done := o.sinkContext(ctx)
	defer done()
	elapsed := st.elapsed(o.now())
	cur := label
	state := checkpoint.State{
		CurrentPhase:     &cur,
		CompletedPhases:  append([]string(nil), st.completed...),
		VisitedEndpoints: append([]string(nil), st.visited...),
		QueuedEndpoints:  append([]string(nil), st.queued...),
		FindingsCount:    st.findings,
		ElapsedMs:        elapsed.Milliseconds(),
		Timestamp:        o.now().UTC().Format(time.RFC3339Nano),
	}
	if err := checkpoint.Save(o.store.Dir(), state); err != nil {
		o.logger.Printf("[ERROR] orchestrator: %v", err)
	} else if data, err := os.ReadFile(checkpoint.Path(o.store.Dir())); err == nil {
		o.store.Replicate(ctx, checkpoint.FileName, data)
	}

	st.seq++
	completed, total := st.completedCount(), len(st.phases)
	_, err := o.store.Append(ctx, artifact.Entry{
		Phase:    label,
		Type:     ProgressType,
		ID:       fmt.Sprintf("progress-%d", st.seq),
		Path:     checkpoint.FileName,
		Status:   artifact.StatusUpdated,
		Metadata: map[string]any{"completed": completed, "total": total},
	})
	if err != nil {
		o.logger.Printf("[ERROR] orchestrator: progress record: %v", err)
	}

	err = o.publisher.PublishProgress(ctx, events.Progress{
		RunID:           o.opts.RunID,
		Seq:             st.seq,
		Phase:           label,
		Completed:       completed,
		Total:           total,
		CompletedPhases: state.CompletedPhases,
		Findings:        st.findings,
		Timestamp:       o.now().UTC(),
	})
	if err != nil {
		o.logger.Printf("[WARN] orchestrator: publish progress: %v", err)
	}
}

// sinkContext detaches ctx for persistence. The result expires after
// persistTimeout, or cancelGrace after ctx is cancelled, whichever is first.
func (o *Orchestrator) sinkContext(ctx context.Context) (context.Context, context.CancelFunc) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.persistTimeout)
	stop := context.AfterFunc(ctx, func() { time.AfterFunc(cancelGrace, cancel) })
	return sctx, func() {
		stop()
		cancel()
	}
}

// markCompleted appends id once; the completed list never shrinks.
func (st *runState) markCompleted(id string) {
	if st.done[id] {
		return
	}
	st.done[id] = true
	st.completed = append(st.completed, id)
}

func (st *runState) addVisited(v string) {
	if v == "" || st.visitedSet[v] {
		return
	}
	st.visitedSet[v] = true
	st.visited = append(st.visited, v)
	for i, q := range st.queued {
		if q == v {
			st.queued = append(st.queued[:i], st.queued[i+1:]...)
			break
		}
	}
}

func (st *runState) addQueued(vs []string) {
	for _, v := range vs {
		if v == "" || st.visitedSet[v] {
			continue
		}
		dup := false
		for _, q := range st.queued {
			if q == v {
				dup = true
				break
			}
		}
		if !dup {
			st.queued = append(st.queued, v)
		}
	}
}

// completedCount counts completed phases that belong to this run's phase set.
func (st *runState) completedCount() int {
	n := 0
	for _, p := range st.phases {
		if st.done[p.ID] {
			n++
		}
	}
	return n
}

func (st *runState) elapsed(now time.Time) time.Duration {
	return st.base + now.Sub(st.start)
}

func (st *runState) result(runID string, now time.Time) Result {
	res := Result{
		RunID:           runID,
		Total:           len(st.phases),
		CompletedPhases: []string{},
		Phases:          make([]PhaseResult, 0, len(st.phases)),
		Findings:        st.findings,
		Elapsed:         st.elapsed(now),
	}
	inRun := make(map[string]bool, len(st.phases))
	for _, p := range st.phases {
		inRun[p.ID] = true
		pr, ok := st.results[p.ID]
		if !ok {
			pr = PhaseResult{ID: p.ID, Status: st.tracker.status(p.ID)}
		}
		res.Phases = append(res.Phases, pr)
	}
	for _, id := range st.completed {
		if inRun[id] {
			res.CompletedPhases = append(res.CompletedPhases, id)
		}
	}
	res.Completed = len(res.CompletedPhases)
	return res
}
