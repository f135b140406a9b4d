// Errorkb records errors and their fixes in a per-project knowledge base.
//
// Captured errors are generalized into patterns, matched by trigram
// similarity, and pushed to a shared central store by the sync engine.
//
// Usage:
//
//	# Record an error and a fix
//	errorkb capture --lang python "KeyError: 'user_id'"
//	errorkb solution <pattern-id> --description "use dict.get" --succeeded
//
//	# Find fixes for a new error
//	errorkb match --lang python "KeyError: 'account_id'"
//
//	# Serve the MCP tools on stdio
//	errorkb mcp
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	a := &app{}
	err := newRootCmd(a).ExecuteContext(ctx)
	if closeErr := a.close(context.Background()); err == nil {
		err = closeErr
	}
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "errorkb",
		Short: "Error pattern knowledge base",
		Long: `errorkb captures errors, generalizes them into patterns, and records
the fixes that worked so the next occurrence can be matched to a known
solution. Patterns sync to a central store shared across projects.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default ~/.config/errorkb/config.yaml)")
	flags.StringVar(&a.storePath, "store", "", "local store path (overrides store.path)")
	flags.BoolVar(&a.jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(
		newCaptureCmd(a),
		newSolutionCmd(a),
		newFeedbackCmd(a),
		newSearchCmd(a),
		newMatchCmd(a),
		newSummaryCmd(a),
		newStatsCmd(a),
		newEventsCmd(a),
		newSeedCmd(a),
		newSyncCmd(a),
		newMCPCmd(a),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "errorkb %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
