package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"auditpipe/internal/artifact"
	"auditpipe/internal/config"
	"auditpipe/internal/events"
	"auditpipe/internal/jobrunner"
	"auditpipe/internal/lease"
	"auditpipe/internal/metrics"
	"auditpipe/internal/orchestrator"
	"auditpipe/internal/phase"
	"auditpipe/internal/telemetry"
)

const drainTimeout = 30 * time.Second

type runFlags struct {
	runID          string
	registry       string
	runDir         string
	targets        []string
	only           []string
	critical       []string
	resume         bool
	noBrowser      bool
	maxConcurrency int
	jobTimeout     time.Duration
	maxRetries     int
	backoff        string
	metricsAddr    string
	logFormat      string
}

func newRunCommand() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the phase pipeline against a run directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := f.apply(cmd, cfg); err != nil {
				return err
			}
			return runPipeline(cmd.Context(), cfg, f.runID, f.only)
		},
	}

	cmd.Flags().StringVar(&f.runID, "run-id", "", "Run identifier (default: random UUID)")
	cmd.Flags().StringVar(&f.registry, "registry", "", "Phase registry YAML file")
	cmd.Flags().StringVar(&f.runDir, "run-dir", "", "Run directory holding checkpoint, log and artifacts")
	cmd.Flags().StringSliceVar(&f.targets, "target", nil, "Target base URL (repeatable)")
	cmd.Flags().StringSliceVar(&f.only, "only", nil, "Run only these phase ids")
	cmd.Flags().StringSliceVar(&f.critical, "critical", nil, "Additional critical phase ids")
	cmd.Flags().BoolVar(&f.resume, "resume", false, "Resume from the run directory's checkpoint")
	cmd.Flags().BoolVar(&f.noBrowser, "no-browser", false, "Skip browser phases as completed")
	cmd.Flags().IntVar(&f.maxConcurrency, "max-concurrency", 0, "Parallel phases per group")
	cmd.Flags().DurationVar(&f.jobTimeout, "job-timeout", 0, "Per-attempt timeout for parallel phases")
	cmd.Flags().IntVar(&f.maxRetries, "max-retries", 0, "Retries for failed parallel phases")
	cmd.Flags().StringVar(&f.backoff, "backoff", "", "Retry backoff: linear or exponential")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&f.logFormat, "log-format", "", "Log format: text or json")
	return cmd
}

// apply lets explicitly set flags override the environment.
func (f runFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	changed := cmd.Flags().Changed
	if changed("registry") {
		cfg.RegistryPath = f.registry
	}
	if changed("run-dir") {
		cfg.RunDir = f.runDir
	}
	if changed("target") {
		cfg.Targets = f.targets
	}
	if changed("critical") {
		cfg.Critical = append(cfg.Critical, f.critical...)
	}
	if changed("resume") {
		cfg.Resume = f.resume
	}
	if changed("no-browser") {
		cfg.BrowserEnabled = !f.noBrowser
	}
	if changed("max-concurrency") {
		cfg.MaxConcurrency = f.maxConcurrency
	}
	if changed("job-timeout") {
		cfg.JobTimeout = f.jobTimeout
	}
	if changed("max-retries") {
		cfg.MaxRetries = f.maxRetries
	}
	if changed("backoff") {
		b, err := jobrunner.ParseBackoff(f.backoff)
		if err != nil {
			return err
		}
		cfg.Backoff = b
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	return nil
}

func runPipeline(parent context.Context, cfg *config.Config, runID string, only []string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runID == "" {
		runID = uuid.NewString()
	}
	logger := telemetry.NewLogger("auditpipe", cfg.LogFormat, os.Stderr)

	shutdownTracing, err := telemetry.InitTracing(ctx, "auditpipe", cfg.OTLPEndpoint)
	if err != nil {
		logger.Printf("[WARN] tracing disabled: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, m, logger)
		defer srv.Close()
	}

	reg, err := phase.LoadFile(cfg.RegistryPath)
	if err != nil {
		return err
	}
	if reg, err = reg.MarkCritical(cfg.Critical...); err != nil {
		return err
	}

	mirrors, closeMirrors := buildMirrors(ctx, cfg, runID, logger)
	defer closeMirrors()
	store, err := artifact.NewStore(cfg.RunDir,
		artifact.WithLogger(logger),
		artifact.WithMetrics(m),
		artifact.WithMirrors(mirrors...),
	)
	if err != nil {
		return err
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		nc, err := events.NewNATS(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			logger.Printf("[WARN] progress events disabled: %v", err)
		} else {
			defer nc.Close()
			publisher = nc
		}
	}

	leases := lease.NewQueue(
		lease.WithTimeout(cfg.LeaseTimeout),
		lease.WithLogger(logger),
		lease.WithMetrics(m),
	)
	defer leases.Close()

	dispatcher := phase.NewKindDispatcher()
	dispatcher.SetFallback(phase.CommandHandler{Env: []string{"AUDIT_RUN_ID=" + runID}})

	o, err := orchestrator.New(reg, dispatcher, leases, store, orchestrator.Options{
		RunID:          runID,
		Targets:        cfg.Targets,
		BrowserEnabled: cfg.BrowserEnabled,
		Resume:         cfg.Resume,
		Only:           only,
		MaxConcurrency: cfg.MaxConcurrency,
		JobTimeout:     cfg.JobTimeout,
		MaxRetries:     cfg.MaxRetries,
		Backoff:        cfg.Backoff,
		BackoffBase:    cfg.BackoffBase,
	},
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(m),
		orchestrator.WithPublisher(publisher),
	)
	if err != nil {
		return err
	}

	res, runErr := o.Run(ctx)

	// Phases abandoned by a timeout may still hold the browser.
	dctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	if err := leases.WaitAll(dctx); err != nil {
		logger.Printf("[WARN] browser lease still held at exit: %v", err)
	}
	cancel()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if !res.OK() {
		return fmt.Errorf("%w: %s", errPartial, res.Error)
	}
	return nil
}

func buildMirrors(ctx context.Context, cfg *config.Config, runID string, logger *log.Logger) ([]artifact.Mirror, func()) {
	var mirrors []artifact.Mirror
	var closers []func() error
	if cfg.Artifact.CanUseS3() {
		s3, err := artifact.NewS3Mirror(cfg.Artifact.S3(), runID)
		if err != nil {
			logger.Printf("[WARN] s3 mirror disabled: %v", err)
		} else {
			mirrors = append(mirrors, s3)
		}
	}
	if cfg.DatabaseURL != "" {
		pg, err := artifact.NewPostgresMirror(ctx, cfg.DatabaseURL, runID)
		if err != nil {
			logger.Printf("[WARN] postgres mirror disabled: %v", err)
		} else {
			mirrors = append(mirrors, pg)
			closers = append(closers, pg.Close)
		}
	}
	return mirrors, func() {
		for _, c := range closers {
			_ = c()
		}
	}
}

func serveMetrics(addr string, m *metrics.Metrics, logger *log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Printf("[INFO] serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("[ERROR] metrics server: %v", err)
		}
	}()
	return srv
}
