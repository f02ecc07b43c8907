package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// errPartial signals a run that finished without completing every phase.
var errPartial = errors.New("run finished with incomplete phases")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if errors.Is(err, errPartial) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "auditpipe",
		Short:         "Run and inspect multi-phase web application audits",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newQueryCommand())
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newArchiveCommand())
	return cmd
}
