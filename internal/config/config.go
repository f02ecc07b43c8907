package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"auditpipe/internal/artifact"
	"auditpipe/internal/jobrunner"
	"auditpipe/internal/lease"
)

type Config struct {
	RunDir       string
	RegistryPath string
	Targets      []string
	// BrowserEnabled false marks every browser phase completed without running it.
	BrowserEnabled bool
	LeaseTimeout   time.Duration

	MaxConcurrency int
	JobTimeout     time.Duration
	MaxRetries     int
	Backoff        jobrunner.Backoff
	BackoffBase    time.Duration
	Critical       []string
	Resume         bool

	Artifact    ArtifactConfig
	DatabaseURL string
	NATSURL     string
	NATSSubject string

	MetricsAddr  string
	LogFormat    string
	OTLPEndpoint string
}

type ArtifactConfig struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// CanUseS3 reports whether enough is configured to build an S3 mirror.
func (a ArtifactConfig) CanUseS3() bool {
	return a.Endpoint != "" && a.AccessKey != "" && a.SecretKey != "" && a.Bucket != ""
}

func (a ArtifactConfig) S3() artifact.S3Config {
	return artifact.S3Config{
		Endpoint:  a.Endpoint,
		Region:    a.Region,
		AccessKey: a.AccessKey,
		SecretKey: a.SecretKey,
		Bucket:    a.Bucket,
		UseSSL:    a.UseSSL,
	}
}

// Load reads .env when present, then the process environment. CLI flags are
// applied on top by the caller.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		RunDir:       firstNonEmpty(env("AUDIT_RUN_DIR"), "./audit-run"),
		RegistryPath: firstNonEmpty(env("AUDIT_REGISTRY"), "phases.yaml"),
		Targets:      splitList(env("AUDIT_TARGETS")),
		Critical:     splitList(env("AUDIT_CRITICAL")),
		DatabaseURL:  firstNonEmpty(env("AUDIT_DATABASE_URL"), env("DATABASE_URL")),
		NATSURL:      env("AUDIT_NATS_URL"),
		NATSSubject:  env("AUDIT_NATS_SUBJECT"),
		MetricsAddr:  env("AUDIT_METRICS_ADDR"),
		LogFormat:    firstNonEmpty(strings.ToLower(env("AUDIT_LOG_FORMAT")), "text"),
		OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Artifact:     loadArtifactConfig(),
	}

	var err error
	if cfg.BrowserEnabled, err = boolEnv("AUDIT_BROWSER", true); err != nil {
		return nil, err
	}
	if cfg.Resume, err = boolEnv("AUDIT_RESUME", false); err != nil {
		return nil, err
	}
	if cfg.LeaseTimeout, err = durationEnv("AUDIT_LEASE_TIMEOUT", lease.DefaultTimeout); err != nil {
		return nil, err
	}
	if cfg.JobTimeout, err = durationEnv("AUDIT_JOB_TIMEOUT", jobrunner.DefaultTimeout); err != nil {
		return nil, err
	}
	if cfg.BackoffBase, err = durationEnv("AUDIT_BACKOFF_BASE", jobrunner.DefaultBaseDelay); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrency, err = intEnv("AUDIT_MAX_CONCURRENCY", jobrunner.DefaultMaxConcurrency); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = intEnv("AUDIT_MAX_RETRIES", 0); err != nil {
		return nil, err
	}
	if cfg.Backoff, err = jobrunner.ParseBackoff(env("AUDIT_BACKOFF")); err != nil {
		return nil, fmt.Errorf("config: AUDIT_BACKOFF: %w", err)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return nil, fmt.Errorf("config: AUDIT_LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}
	return cfg, nil
}

func loadArtifactConfig() ArtifactConfig {
	return ArtifactConfig{
		Endpoint:  firstNonEmpty(env("ARTIFACT_S3_ENDPOINT"), env("ARTIFACT_MINIO_ENDPOINT")),
		Region:    firstNonEmpty(env("ARTIFACT_S3_REGION"), "us-east-1"),
		AccessKey: firstNonEmpty(env("ARTIFACT_S3_ACCESS_KEY"), env("MINIO_ROOT_USER")),
		SecretKey: firstNonEmpty(env("ARTIFACT_S3_SECRET_KEY"), env("MINIO_ROOT_PASSWORD")),
		Bucket:    firstNonEmpty(env("ARTIFACT_S3_BUCKET"), "auditpipe-runs"),
		UseSSL:    resolveArtifactUseSSL(),
	}
}

func resolveArtifactUseSSL() bool {
	raw := env("ARTIFACT_S3_USE_SSL")
	if raw == "" {
		return true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return v
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func boolEnv(key string, def bool) (bool, error) {
	raw := env(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func intEnv(key string, def int) (int, error) {
	raw := env(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def, fmt.Errorf("config: %s must be a non-negative integer, got %q", key, raw)
	}
	return v, nil
}

// durationEnv accepts Go durations ("90s") or bare milliseconds ("300000").
func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := env(key)
	if raw == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms <= 0 {
			return def, fmt.Errorf("config: %s must be positive", key)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def, fmt.Errorf("config: %s: invalid duration %q", key, raw)
	}
	return d, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
