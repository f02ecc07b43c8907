package config

import (
	"testing"
	"time"

	"auditpipe/internal/jobrunner"
	"auditpipe/internal/lease"
	"auditpipe/internal/tester"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load()
	tester.NoErr(t, err)
	tester.True(t, cfg.BrowserEnabled)
	tester.Eq(t, cfg.LeaseTimeout, lease.DefaultTimeout)
	tester.Eq(t, cfg.JobTimeout, jobrunner.DefaultTimeout)
	tester.Eq(t, cfg.MaxConcurrency, jobrunner.DefaultMaxConcurrency)
	tester.Eq(t, cfg.Backoff, jobrunner.BackoffExponential)
	tester.Eq(t, cfg.LogFormat, "text")
	tester.False(t, cfg.Artifact.CanUseS3())
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AUDIT_RUN_DIR", "/var/audits/r1")
	t.Setenv("AUDIT_TARGETS", "https://app.test, https://api.test,")
	t.Setenv("AUDIT_CRITICAL", "recon,auth")
	t.Setenv("AUDIT_BROWSER", "false")
	t.Setenv("AUDIT_LEASE_TIMEOUT", "120000")
	t.Setenv("AUDIT_JOB_TIMEOUT", "90s")
	t.Setenv("AUDIT_MAX_RETRIES", "2")
	t.Setenv("AUDIT_BACKOFF", "linear")
	t.Setenv("AUDIT_LOG_FORMAT", "JSON")
	t.Setenv("ARTIFACT_S3_ENDPOINT", "minio:9000")
	t.Setenv("ARTIFACT_S3_ACCESS_KEY", "key")
	t.Setenv("ARTIFACT_S3_SECRET_KEY", "secret")
	t.Setenv("ARTIFACT_S3_USE_SSL", "false")

	cfg, err := Load()
	tester.NoErr(t, err)
	tester.Eq(t, cfg.RunDir, "/var/audits/r1")
	tester.Eq(t, cfg.Targets, []string{"https://app.test", "https://api.test"})
	tester.Eq(t, cfg.Critical, []string{"recon", "auth"})
	tester.False(t, cfg.BrowserEnabled)
	tester.Eq(t, cfg.LeaseTimeout, 2*time.Minute)
	tester.Eq(t, cfg.JobTimeout, 90*time.Second)
	tester.Eq(t, cfg.MaxRetries, 2)
	tester.Eq(t, cfg.Backoff, jobrunner.BackoffLinear)
	tester.Eq(t, cfg.LogFormat, "json")
	tester.True(t, cfg.Artifact.CanUseS3())
	tester.False(t, cfg.Artifact.UseSSL)
	tester.Eq(t, cfg.Artifact.S3().Bucket, "auditpipe-runs")
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"AUDIT_MAX_CONCURRENCY": "many",
		"AUDIT_JOB_TIMEOUT":     "-5s",
		"AUDIT_BACKOFF":         "fibonacci",
		"AUDIT_BROWSER":         "maybe",
		"AUDIT_LOG_FORMAT":      "xml",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(key, val)
			_, err := Load()
			tester.Err(t, err)
		})
	}
}
