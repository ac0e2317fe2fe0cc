package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/IINGS/Crawler/internal/app"
	"github.com/IINGS/Crawler/internal/driver"
)

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "crawl [groups...]",
		Short: "Crawl groups once and exit",
		Long: `Runs each named group (every configured group when none is given)
from its stored checkpoint until the source is exhausted, then drains
delivery. Groups run concurrently up to crawl.max_parallel_groups.

With --dry-run nothing leaves the process: records go to an in-memory sink,
state is kept in memory, and a summary is printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd.Context(), cmd.OutOrStdout(), args, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "use in-memory sink and state and print a summary")
	return cmd
}

func runCrawl(ctx context.Context, out io.Writer, groups []string, dryRun bool) (err error) {
	cfg, err := resolveConfig(ctx)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, app.Options{DryRun: dryRun})
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout(cfg))
		defer cancel()
		if cerr := a.Close(closeCtx); cerr != nil {
			a.Logger.Warn("shutdown incomplete", zap.Error(cerr))
			err = errors.Join(err, cerr)
		}
		if dryRun {
			printDelivery(out, a)
		}
	}()

	if len(groups) == 0 {
		groups = a.Runner.Groups()
	}
	for _, g := range groups {
		if _, ok := a.Runner.Source(g); !ok {
			return fmt.Errorf("%w: %s", driver.ErrUnknownGroup, g)
		}
	}

	summaries, runErr := a.Runner.RunAll(ctx, groups)
	printSummaries(out, groups, summaries)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("crawl: %w", runErr)
	}
	a.Logger.Info("crawl command finished", zap.Strings("groups", groups))
	return nil
}

func printSummaries(out io.Writer, groups []string, summaries map[string]driver.Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Group", "Pages", "Extracted", "New", "Changed", "Unchanged", "Enqueued", "Completed", "Cursor", "Error"})
	for _, g := range groups {
		s, ok := summaries[g]
		if !ok {
			t.AppendRow(table.Row{g, "-", "-", "-", "-", "-", "-", false, "", "not started"})
			continue
		}
		t.AppendRow(table.Row{
			g, s.Pages, s.Extracted, s.New, s.Changed, s.Unchanged, s.Enqueued, s.Completed, s.Cursor.String(), s.Error,
		})
	}
	t.Render()
}

func printDelivery(out io.Writer, a *app.App) {
	stats := a.Queue.Stats()
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Enqueued", "Delivered", "Rejected", "Failed", "Pending"})
	t.AppendRow(table.Row{stats.Enqueued, stats.Delivered, stats.Rejected, stats.Failed, stats.Pending})
	t.Render()
}
