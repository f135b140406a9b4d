package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/errorkb/internal/localstore"
	"github.com/fyrsmithlabs/errorkb/internal/pattern"
)

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show activity statistics",
		Long: `Show counts from the activity stream: captured errors, solutions, and
feedback, errors per solution, average solution effectiveness, and how many
events were recorded in the last 24 hours.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(cmd.Context()); err != nil {
				return err
			}
			st, err := a.store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), st, func(w io.Writer) {
				fmt.Fprintf(w, "events:        %d errors, %d solutions, %d feedback\n",
					st.ErrorEvents, st.SolutionEvents, st.FeedbackEvents)
				fmt.Fprintf(w, "quality ratio: %.2f errors per solution\n", st.QualityRatio)
				fmt.Fprintf(w, "effectiveness: %.2f average\n", st.AverageEffectiveness)
				fmt.Fprintf(w, "last 24h:      %d events, %d errors\n", st.DailyVelocity, st.ErrorsLast24h)
			})
		},
	}
}

func newEventsCmd(a *app) *cobra.Command {
	var (
		typ   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent activity",
		Long: `List the most recent events, newest first.

Examples:
  errorkb events
  errorkb events --type error --limit 25`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(cmd.Context()); err != nil {
				return err
			}
			events, err := a.store.RecentEvents(cmd.Context(), limit,
				pattern.EventType(strings.ToLower(typ)))
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), events, func(w io.Writer) { printEvents(w, events) })
		},
	}
	f := cmd.Flags()
	f.StringVarP(&typ, "type", "t", "", "error, solution, feedback, or seed")
	f.IntVarP(&limit, "limit", "n", localstore.DefaultEventLimit, "maximum events")
	return cmd
}

func printEvents(w io.Writer, events []pattern.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "no events")
		return
	}
	for _, ev := range events {
		fmt.Fprintf(w, "%s  %-8s  %s", ev.CreatedAt.Local().Format(time.DateTime), ev.Type, ev.Content)
		if ev.Rating != 0 {
			fmt.Fprintf(w, "  (%d/5)", ev.Rating)
		}
		fmt.Fprintln(w)
		for k, v := range ev.Context {
			fmt.Fprintf(w, "      %s=%s\n", k, v)
		}
	}
}

func newSeedCmd(a *app) *cobra.Command {
	var framework string
	cmd := &cobra.Command{
		Use:   "seed [file | -]",
		Short: "Import a pack of known errors and fixes",
		Long: `Import a YAML or JSON seed pack. --framework loads <name>.yaml, .yml, or
.json from store.seeds_dir. Patterns already in the store are left
unchanged, so a pack can be imported more than once.

Examples:
  errorkb seed --framework django
  errorkb seed ./packs/gin.yaml
  curl -s https://example.com/pack.yaml | errorkb seed -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (framework == "") == (len(args) == 0) {
				return fmt.Errorf("%w: give either a pack file or --framework", pattern.ErrValidation)
			}
			if err := a.setup(cmd.Context()); err != nil {
				return err
			}

			var r io.Reader
			switch {
			case framework != "":
				path, err := localstore.SeedPath(a.cfg.Store.SeedsPath(), framework)
				if err != nil {
					return err
				}
				args = []string{path}
				fallthrough
			case args[0] != "-":
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open seed pack: %w", err)
				}
				defer f.Close()
				r = f
			default:
				r = cmd.InOrStdin()
			}

			pack, err := localstore.ReadSeedPack(r)
			if err != nil {
				return err
			}
			res, err := a.store.Seed(cmd.Context(), pack)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %d patterns added (%d already known), %d solutions added\n",
					res.Framework, res.PatternsAdded, res.PatternsExisting, res.SolutionsAdded)
			})
		},
	}
	cmd.Flags().StringVarP(&framework, "framework", "f", "", "pack name in store.seeds_dir")
	return cmd
}
