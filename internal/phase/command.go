package phase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strings"
	"time"

	"auditpipe/internal/artifact"
)

const maxCapturedOutput = 256 * 1024

// CommandHandler runs Descriptor.Command as a subprocess in the run
// directory. The phase id, run dir, targets and lease id reach the process
// through AUDIT_* variables. If the last non-empty stdout line is a JSON
// object with findings/visited/queued keys it becomes the phase Output.
// Stdout and stderr are kept as the artifact phases/<id>.log.json.
type CommandHandler struct {
	Env []string
}

type commandReport struct {
	Findings int      `json:"findings"`
	Visited  []string `json:"visited"`
	Queued   []string `json:"queued"`
}

type commandLog struct {
	Phase      string   `json:"phase"`
	Command    []string `json:"command"`
	ExitCode   int      `json:"exit_code"`
	DurationMs int64    `json:"duration_ms"`
	Stdout     string   `json:"stdout"`
	Stderr     string   `json:"stderr"`
}

// runCommand is injectable in tests.
var runCommand = func(ctx context.Context, dir string, env []string, argv []string) (stdout, stderr []byte, exitCode int, err error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	var out, errOut bytes.Buffer
	cmd.Stdout = &limitedBuffer{buf: &out, max: maxCapturedOutput}
	cmd.Stderr = &limitedBuffer{buf: &errOut, max: maxCapturedOutput}
	err = cmd.Run()
	exitCode = 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	return out.Bytes(), errOut.Bytes(), exitCode, err
}

func (h CommandHandler) Run(ctx context.Context, ec ExecContext) (Output, error) {
	argv := ec.Phase.Command
	if len(argv) == 0 {
		return Output{}, fmt.Errorf("phase %s: no command configured", ec.Phase.ID)
	}

	env := append(os.Environ(), h.Env...)
	env = append(env,
		"AUDIT_RUN_DIR="+ec.RunDir,
		"AUDIT_PHASE="+ec.Phase.ID,
		"AUDIT_PHASE_KIND="+string(ec.Phase.Kind),
		"AUDIT_TARGETS="+strings.Join(ec.Targets, ","),
	)
	if ec.Lease != nil {
		env = append(env, "AUDIT_LEASE_ID="+ec.Lease.ID)
	}
	for k, v := range ec.Config {
		env = append(env, "AUDIT_CFG_"+strings.ToUpper(k)+"="+v)
	}

	start := time.Now()
	stdout, stderr, code, runErr := runCommand(ctx, ec.RunDir, env, argv)
	record := commandLog{
		Phase:      ec.Phase.ID,
		Command:    argv,
		ExitCode:   code,
		DurationMs: time.Since(start).Milliseconds(),
		Stdout:     string(stdout),
		Stderr:     string(stderr),
	}
	if ec.Artifacts != nil {
		entry := artifact.Entry{
			Phase:    ec.Phase.ID,
			Type:     "phase-log",
			ID:       ec.Phase.ID,
			Path:     path.Join("phases", ec.Phase.ID+".log.json"),
			Status:   artifact.StatusCreated,
			Metadata: map[string]any{"exit_code": code},
		}
		if _, err := ec.Artifacts.WriteArtifact(ctx, entry, record); err != nil {
			return Output{}, fmt.Errorf("phase %s: record output: %w", ec.Phase.ID, err)
		}
	}
	if runErr != nil {
		msg := strings.TrimSpace(lastLine(stderr))
		if msg == "" {
			return Output{}, fmt.Errorf("phase %s: %s: %w", ec.Phase.ID, argv[0], runErr)
		}
		return Output{}, fmt.Errorf("phase %s: %s: %w: %s", ec.Phase.ID, argv[0], runErr, msg)
	}

	out := Output{Payload: record}
	var rep commandReport
	if line := lastLine(stdout); strings.HasPrefix(line, "{") && json.Unmarshal([]byte(line), &rep) == nil {
		out.Findings = rep.Findings
		out.Visited = rep.Visited
		out.Queued = rep.Queued
	}
	return out, nil
}

func lastLine(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s
		}
	}
	return ""
}

// limitedBuffer keeps the first max bytes and discards the rest without
// failing the child process.
type limitedBuffer struct {
	buf       *bytes.Buffer
	max       int
	truncated bool
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	room := l.max - l.buf.Len()
	if room <= 0 {
		if !l.truncated {
			l.truncated = true
			l.buf.WriteString("\n[output truncated]")
		}
		return len(p), nil
	}
	if len(p) > room {
		l.buf.Write(p[:room])
		return len(p), nil
	}
	return l.buf.Write(p)
}
