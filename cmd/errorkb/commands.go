package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errorkb/internal/mcp"
	"github.com/fyrsmithlabs/errorkb/internal/pattern"
	"github.com/fyrsmithlabs/errorkb/internal/syncer"
)

// readArg returns args[0], or stdin when it is "-".
func readArg(cmd *cobra.Command, args []string) (string, error) {
	if args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read from stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func newCaptureCmd(a *app) *cobra.Command {
	var req pattern.CaptureRequest
	var severity string
	cmd := &cobra.Command{
		Use:   "capture <error text | ->",
		Short: "Record an error occurrence",
		Long: `Record an error occurrence. Repeats of the same generalized error
increment the pattern's count.

Examples:
  errorkb capture --lang go "open /tmp/x.json: no such file or directory"
  go test ./... 2>&1 | tail -1 | errorkb capture --lang go --context command="go test" -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd.Context()); err != nil {
				return err
			}
			sig, err := readArg(cmd, args)
			if err != nil {
				return err
			}
			req.Signature = sig
			req.Severity = pattern.Severity(strings.ToLower(severity))

			p, err := a.store.Capture(cmd.Context(), &req)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), p, func(w io.Writer) {
				fmt.Fprintf(w, "%s  %s  (seen %d)\n", p.ID, p.Pattern, p.OccurrenceCount)
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&req.Language, "lang", "l", "", "programming language (required)")
	f.StringVar(&req.Category, "category", "", "error category")
	f.StringVar(&req.Description, "description", "", "what was happening")
	f.StringVar(&severity, "severity", "", "low, medium, high, or critical")
	f.StringSliceVar(&req.Technologies, "tech", nil, "technologies involved (repeatable)")
	f.StringToStringVar(&req.Context, "context", nil, "key=value details kept on the activity stream (repeatable)")
	_ = cmd.MarkFlagRequired("lang")
	return cmd
}

func newSolutionCmd(a *app) *cobra.Command {
	var req pattern.AddSolutionRequest
	var codeFile string
	cmd := &cobra.Command{
		Use:   "solution <pattern-id>",
		Short: "Attach a fix to a pattern",
		Long: `Attach a fix to a pattern. The initial rating is --rating, or 5 with
--succeeded and 1 without.

Examples:
  errorkb solution 3f2a... --title "Use dict.get" --description "..." --succeeded
  errorkb solution 3f2a... --description "Pin the driver" --code-file fix.diff`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd.Context()); err != nil {
				return err
			}
			req.PatternID = args[0]
			if codeFile != "" {
				data, err := os.ReadFile(codeFile)
				if err != nil {
					return fmt.Errorf("failed to read file %s: %w", codeFile, err)
				}
				req.CodeSnippet = string(data)
			}

			sol, err := a.store.AddSolution(cmd.Context(), &req)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), sol, func(w io.Writer) {
				fmt.Fprintf(w, "%s  effectiveness %.1f\n", sol.ID, sol.Effectiveness)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Title, "title", "", "short name for the fix")
	f.StringVarP(&req.Description, "description", "d", "", "what was changed")
	f.StringVar(&codeFile, "code-file", "", "file holding the code change")
	f.StringArrayVar(&req.Steps, "step", nil, "one step of the fix (repeatable, in order)")
	f.IntVar(&req.MinutesToResolve, "minutes", 0, "minutes the fix took")
	f.BoolVar(&req.Succeeded, "succeeded", false, "the fix worked")
	f.IntVar(&req.Effectiveness, "rating", 0, "explicit rating from 1 to 5")
	f.StringVar(&req.AppliedBy, "by", "", "who applied the fix")
	return cmd
}

func newFeedbackCmd(a *app) *cobra.Command {
	var req pattern.FeedbackRequest
	var effective bool
	cmd := &cobra.Command{
		Use:   "feedback <solution-id>",
		Short: "Rate a solution after applying it",
		Long: `Rate a solution after applying it again.

Examples:
  errorkb feedback 9b1c... --effective
  errorkb feedback 9b1c... --effective=false --notes "only fixed the first call"
  errorkb feedback 9b1c... --rating 4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd.Context()); err != nil {
				return err
			}
			req.SolutionID = args[0]
			if cmd.Flags().Changed("effective") {
				req.Effective = &effective
			}

			sol, err := a.store.RecordFeedback(cmd.Context(), &req)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), sol, func(w io.Writer) {
				fmt.Fprintf(w, "%s  effectiveness %.2f over %d uses\n", sol.ID, sol.Effectiveness, sol.TimesApplied)
			})
		},
	}
	f := cmd.Flags()
	f.BoolVar(&effective, "effective", false, "the fix worked this time")
	f.IntVar(&req.Rating, "rating", 0, "rating from 1 to 5")
	f.StringVar(&req.Notes, "notes", "", "free-form notes")
	return cmd
}

func newSearchCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search local patterns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd.Context()); err != nil {
				return err
			}
			results, err := a.store.Search(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), results, func(w io.Writer) {
				if len(results) == 0 {
					fmt.Fprintln(w, "no patterns found")
					return
				}
				for _, r := range results {
					fmt.Fprintf(w, "%s  [%s] %s  (seen %d, score %.2f)\n",
						r.ID, r.Language, r.Pattern, r.OccurrenceCount, r.Score)
				}
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum results")
	return cmd
}

func newMatchCmd(a *app) *cobra.Command {
	var (
		language string
		limit    int
		central  bool
	)
	cmd := &cobra.Command{
		Use:   "match <error text | ->",
		Short: "Find known fixes for an error",
		Long: `Rank known patterns by similarity to the error and list their fixes,
most effective first. --central asks the central daemon instead of the
local store.

Examples:
  errorkb match --lang python "KeyError: 'account_id'"
  errorkb match --central "connection refused"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd.Context()); err != nil {
				return err
			}
			raw, err := readArg(cmd, args)
			if err != nil {
				return err
			}

			var matches []pattern.Match
			if central {
				c, err := a.openCentral(cmd.Context())
				if err != nil {
					return err
				}
				searcher, ok := c.(centralSearcher)
				if !ok {
					return fmt.Errorf("central store %T does not support search", c)
				}
				matches, err = searcher.Search(cmd.Context(), raw, language, limit)
			} else {
				matches, err = a.store.Match(cmd.Context(), raw, language, limit)
			}
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), matches, func(w io.Writer) { printMatches(w, matches) })
		},
	}
	f := cmd.Flags()
	f.StringVarP(&language, "lang", "l", "", "restrict to this language")
	f.IntVarP(&limit, "limit", "n", 0, "maximum matches")
	f.BoolVar(&central, "central", false, "search the central store")
	return cmd
}

// centralSearcher is implemented by both central store clients.
type centralSearcher interface {
	Search(ctx context.Context, raw, language string, limit int) ([]pattern.Match, error)
}

func printMatches(w io.Writer, matches []pattern.Match) {
	if len(matches) == 0 {
		fmt.Fprintln(w, "no similar patterns")
		return
	}
	for _, m := range matches {
		fmt.Fprintf(w, "%.2f  %s  [%s] %s\n", m.Score, m.Pattern.ID, m.Pattern.Language, m.Pattern.Pattern)
		for _, s := range m.Solutions {
			title := s.Title
			if title == "" {
				title = s.Description
			}
			fmt.Fprintf(w, "      %.1f/5 (%dx)  %s\n", s.Effectiveness, s.TimesApplied, title)
		}
	}
}

func newSummaryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Count local patterns and solutions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(cmd.Context()); err != nil {
				return err
			}
			sum, err := a.store.GetSummary(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), sum, func(w io.Writer) {
				fmt.Fprintf(w, "patterns:  %d (%d synced, %d unsynced)\n",
					sum.TotalPatterns, sum.SyncedPatterns, sum.UnsyncedPatterns)
				fmt.Fprintf(w, "solutions: %d (%d synced, %d unsynced)\n",
					sum.TotalSolutions, sum.SyncedSolutions, sum.UnsyncedSolutions)
				for lang, n := range sum.Languages {
					fmt.Fprintf(w, "  %-12s %d\n", lang, n)
				}
			})
		},
	}
}

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push unsynced records to the central store",
		Long: `Run one sync cycle. Patterns that fail stay unsynced and are retried by
the next cycle.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(cmd.Context()); err != nil {
				return err
			}
			engine, err := a.newEngine(cmd.Context())
			if err != nil {
				return err
			}
			sum, err := engine.RunOnce(cmd.Context())
			if emitErr := a.emit(cmd.OutOrStdout(), sum, func(w io.Writer) { printSyncSummary(w, sum) }); emitErr != nil {
				return emitErr
			}
			if err != nil {
				return err
			}
			if sum.PatternsFailed+sum.SolutionsFailed+sum.FeedbackFailed > 0 {
				return fmt.Errorf("sync cycle %s finished with %d errors", sum.CycleID, len(sum.Errors))
			}
			return nil
		},
	}
}

func printSyncSummary(w io.Writer, sum syncer.Summary) {
	fmt.Fprintf(w, "cycle %s in %s\n", sum.CycleID, sum.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  patterns:  %d synced, %d failed, %d abandoned\n", sum.PatternsSynced, sum.PatternsFailed, sum.Abandoned)
	fmt.Fprintf(w, "  solutions: %d synced, %d failed\n", sum.SolutionsSynced, sum.SolutionsFailed)
	fmt.Fprintf(w, "  feedback:  %d synced, %d failed\n", sum.FeedbackSynced, sum.FeedbackFailed)
	for _, e := range sum.Errors {
		fmt.Fprintf(w, "  ! %s\n", e)
	}
}

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the knowledge base as MCP tools on stdio",
		Long: `Serve error_capture, solution_add, solution_feedback, pattern_search,
pattern_match, kb_summary, kb_stats, kb_events, kb_seed, and kb_sync over
the MCP stdio transport. When
sync is enabled and a central store is configured, the sync engine also
runs in the background on sync.interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.setup(ctx); err != nil {
				return err
			}

			var sync mcp.Syncer
			if a.cfg.Central.Mode != "" {
				engine, err := a.newEngine(ctx)
				if err != nil {
					return err
				}
				sync = engine
				if a.cfg.Sync.Enabled {
					if err := engine.Start(ctx); err != nil {
						return err
					}
					defer engine.Stop()
				}
			}

			server, err := mcp.NewServer(&mcp.Config{
				Name:     "errorkb",
				Version:  version,
				SeedsDir: a.cfg.Store.SeedsPath(),
				Logger:   a.logger.Underlying().Named("mcp"),
				Meter:    a.tel.Meter("github.com/fyrsmithlabs/errorkb/internal/mcp"),
			}, a.store, sync)
			if err != nil {
				return err
			}
			a.logger.Info(ctx, "serving MCP tools",
				zap.String("store", a.store.Path()),
				zap.Bool("sync", sync != nil))
			return server.Run(ctx)
		},
	}
}
