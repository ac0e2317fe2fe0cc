package cmd

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/IINGS/Crawler/internal/config"
	"github.com/IINGS/Crawler/internal/crawler"
	"github.com/IINGS/Crawler/internal/driver"
	"github.com/IINGS/Crawler/internal/state"
)

func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and reset crawl state",
		Long: `Reads and resets checkpoints and seen-sets in the configured state
backend. Resets are not coordinated with a running serve process; stop the
group there first.`,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "List group checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withState(cmd.Context(), func(cfg config.Config, store crawler.StateStore) error {
				return showState(cmd.Context(), cmd.OutOrStdout(), cfg, store)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset-checkpoint <group>",
		Short: "Restart a group from its first page on the next run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resetState(cmd, args[0], "checkpoint", crawler.StateStore.ResetCheckpoint)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset-seen <group>",
		Short: "Forget every record of a group so the next run reports them as new",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resetState(cmd, args[0], "seen-set", crawler.StateStore.ResetSeen)
		},
	})
	return cmd
}

func withState(ctx context.Context, fn func(config.Config, crawler.StateStore) error) (err error) {
	cfg, err := resolveConfig(ctx)
	if err != nil {
		return err
	}
	store, err := state.Open(ctx, state.Config{
		Backend:     cfg.State.Backend,
		Dir:         cfg.State.Dir,
		DSN:         cfg.State.DSN,
		TablePrefix: cfg.State.TablePrefix,
		MaxConns:    cfg.State.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close state: %w", cerr)
		}
	}()
	return fn(cfg, store)
}

func resetState(
	cmd *cobra.Command,
	group, what string,
	reset func(crawler.StateStore, context.Context, string) error,
) error {
	return withState(cmd.Context(), func(cfg config.Config, store crawler.StateStore) error {
		if _, ok := cfg.Source(group); !ok {
			return fmt.Errorf("%w: %s", driver.ErrUnknownGroup, group)
		}
		if err := reset(store, cmd.Context(), group); err != nil {
			return fmt.Errorf("reset %s of %s: %w", what, group, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reset %s of %s\n", what, group)
		return nil
	})
}

// showState lists configured groups and any group that only exists in storage.
func showState(ctx context.Context, out io.Writer, cfg config.Config, store crawler.StateStore) error {
	checkpoints, err := store.Checkpoints(ctx)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	groups := make([]string, 0, len(cfg.Sources)+len(checkpoints))
	for _, src := range cfg.Sources {
		groups = append(groups, src.Group)
	}
	for g := range checkpoints {
		if !slices.Contains(groups, g) {
			groups = append(groups, g)
		}
	}
	slices.Sort(groups)

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Group", "Kind", "Checkpoint", "Schedule"})
	for _, g := range groups {
		kind, schedule := "(unconfigured)", ""
		if src, ok := cfg.Source(g); ok {
			kind, schedule = string(src.Kind), src.Schedule
		}
		checkpoint := "start"
		if c, ok := checkpoints[g]; ok && !c.IsZero() {
			checkpoint = c.String()
		}
		t.AppendRow(table.Row{g, kind, checkpoint, schedule})
	}
	t.Render()
	return nil
}
