package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"auditpipe/internal/archive"
	"auditpipe/internal/artifact"
	"auditpipe/internal/checkpoint"
	"auditpipe/internal/phase"
)

func newStatusCommand() *cobra.Command {
	var runDir string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the checkpoint of a run directory and whether it can resume",
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := checkpoint.Inspect(runDir)
			out := map[string]any{
				"run_dir":    runDir,
				"resumable":  err == nil && state != nil && len(state.CompletedPhases) > 0,
				"checkpoint": state,
			}
			if err != nil {
				out["reason"] = err.Error()
			}
			return writeJSON(out)
		},
	}
	cmd.Flags().StringVar(&runDir, "run-dir", "", "Run directory")
	_ = cmd.MarkFlagRequired("run-dir")
	return cmd
}

func newQueryCommand() *cobra.Command {
	var (
		runDir string
		filter artifact.Filter
		status string
		latest bool
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Print audit log entries as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			// NewStore creates the directory; a read must not.
			info, err := os.Stat(runDir)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", runDir)
			}
			store, err := artifact.NewStore(runDir)
			if err != nil {
				return err
			}
			if status != "" {
				filter.Status = artifact.Status(status)
				if !filter.Status.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
			}
			enc := json.NewEncoder(os.Stdout)
			if latest {
				if filter.Type == "" {
					return fmt.Errorf("--latest needs --type")
				}
				e, err := store.GetLatest(filter.Type)
				if err != nil || e == nil {
					return err
				}
				return enc.Encode(e)
			}
			entries, err := store.Query(filter)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runDir, "run-dir", "", "Run directory")
	cmd.Flags().StringVar(&filter.Phase, "phase", "", "Only entries from this phase")
	cmd.Flags().StringVar(&filter.Type, "type", "", "Only entries of this artifact type")
	cmd.Flags().StringVar(&status, "status", "", "Only entries with this status (created, updated, deleted)")
	cmd.Flags().BoolVar(&latest, "latest", false, "Print only the most recent entry of --type")
	_ = cmd.MarkFlagRequired("run-dir")
	return cmd
}

func newValidateCommand() *cobra.Command {
	var registry string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a phase registry for unknown dependencies, cycles and ordering errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := phase.LoadFile(registry)
			if err != nil {
				return err
			}
			type group struct {
				Order  int      `json:"order"`
				Phases []string `json:"phases"`
			}
			var groups []group
			for _, g := range phase.GroupByOrder(reg.Phases()) {
				ids := make([]string, 0, len(g.Phases))
				for _, p := range g.Phases {
					ids = append(ids, p.ID)
				}
				groups = append(groups, group{Order: g.Order, Phases: ids})
			}
			return writeJSON(map[string]any{"valid": true, "groups": groups})
		},
	}
	cmd.Flags().StringVar(&registry, "registry", "phases.yaml", "Phase registry YAML file")
	return cmd
}

func newArchiveCommand() *cobra.Command {
	var runDir, output string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Pack a run directory into a tar.zst file",
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := archive.Create(runDir, output)
			if err != nil {
				return err
			}
			return writeJSON(map[string]any{"output": output, "files": files})
		},
	}
	cmd.Flags().StringVar(&runDir, "run-dir", "", "Run directory to archive")
	cmd.Flags().StringVar(&output, "output", "", "Destination file (tar.zst)")
	_ = cmd.MarkFlagRequired("run-dir")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
